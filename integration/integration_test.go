package integration_test

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/registry"
	"golang.org/x/crypto/bcrypt"

	"ocm.software/open-component-model/registry/config"
	"ocm.software/open-component-model/registry/errdefs"
	"ocm.software/open-component-model/registry/manager"
	"ocm.software/open-component-model/registry/module"
	"ocm.software/open-component-model/registry/setup"
)

const DistributionRegistry = "registry:2.8.3"

func Test_Integration_RemoteRegistry(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := t.Context()
	r := require.New(t)

	user, password := "ocm", generateRandomPassword(t, 20)
	htpasswd := generateHtpasswd(t, user, password)

	t.Logf("starting registry %q ...", DistributionRegistry)
	registryContainer, err := registry.Run(ctx, DistributionRegistry, registry.WithHtpasswd(htpasswd))
	t.Cleanup(func() {
		r.NoError(testcontainers.TerminateContainer(registryContainer))
	})
	r.NoError(err)
	t.Logf("registry started!")

	registryAddress, err := registryContainer.HostAddress(ctx)
	r.NoError(err)

	remoteStore := func(password string) config.Store {
		return config.Store{
			Type:        config.StoreTypeRemote,
			URL:         registryAddress,
			SubPath:     "modules",
			PlainHTTP:   true,
			Credentials: &config.Credentials{Username: user, Password: password},
		}
	}

	t.Run("publish and pull with index in the registry", func(t *testing.T) {
		ctx := t.Context()
		r := require.New(t)

		cfg := config.Default()
		cfg.Repositories = []config.Repository{{Pattern: "**", Store: remoteStore(password)}}
		cfg.Index = remoteStore(password)
		cfg.Pull.Parallel = true

		reg, err := setup.New(ctx, cfg)
		r.NoError(err)

		published, err := reg.Manager.PushBatch(ctx, []manager.PublishRequest{
			{Module: "team/crypto", Version: "1.0.0", Data: []byte("crypto")},
			{Module: "team/auth", Version: "2.1.0+linux", Data: []byte("auth"),
				Dependencies: []module.Declaration{{Module: "team/crypto", Range: "^1.0.0"}}},
		})
		r.NoError(err)
		r.Len(published, 2)
		r.Equal(registryAddress+"/modules/team/auth:2.1.0.build-linux", published[1].Ack.Reference)

		_, err = reg.Manager.PushBatch(ctx, []manager.PublishRequest{{Module: "team/crypto", Version: "1.0.0"}})
		r.ErrorIs(err, errdefs.ErrVersionExists)

		// a second registry instance sees the index written by the first
		reopened, err := setup.New(ctx, cfg)
		r.NoError(err)
		result, err := reopened.Manager.Pull(ctx, "app",
			[]module.Declaration{{Module: "team/auth", Range: ">=2.0.0"}}, reopened.PullOptions()...)
		r.NoError(err)
		r.Len(result.Artifacts, 2)
		r.Equal("team/auth", result.Artifacts[0].Module)
		r.Equal([]byte("auth"), result.Artifacts[0].Data)
		r.Equal([]byte("crypto"), result.Artifacts[1].Data)
	})

	t.Run("wrong credentials are reported as unauthorized", func(t *testing.T) {
		ctx := t.Context()
		r := require.New(t)

		cfg := config.Default()
		cfg.Repositories = []config.Repository{{Pattern: "**", Store: remoteStore("wrong")}}

		reg, err := setup.New(ctx, cfg)
		r.NoError(err)

		_, err = reg.Manager.PushBatch(ctx, []manager.PublishRequest{{Module: "team/denied", Version: "1.0.0", Data: []byte("x")}})
		r.ErrorIs(err, errdefs.ErrUnauthorized)
		r.Equal(errdefs.KindUnauthorized, errdefs.KindOf(err))
	})
}

func generateHtpasswd(t *testing.T, username, password string) string {
	t.Helper()
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", username, string(hashedPassword))
}

const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func generateRandomPassword(t *testing.T, length int) string {
	t.Helper()
	password := make([]byte, length)
	for i := range password {
		randomIndex, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		require.NoError(t, err)
		password[i] = charset[randomIndex.Int64()]
	}
	return string(password)
}
