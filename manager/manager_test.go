package manager_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/content/memory"

	"ocm.software/open-component-model/registry/errdefs"
	"ocm.software/open-component-model/registry/manager"
	"ocm.software/open-component-model/registry/metrics"
	"ocm.software/open-component-model/registry/module"
	"ocm.software/open-component-model/registry/moduledb"
	"ocm.software/open-component-model/registry/semaphore"
	"ocm.software/open-component-model/registry/storage"
	"ocm.software/open-component-model/registry/storage/oci"
	"ocm.software/open-component-model/registry/waitfor"
)

type fakeDriver struct {
	mu        sync.Mutex
	artifacts map[string][]byte
	pushes    int
	pushErr   map[string]error
	pullErr   map[string]error
	pullDelay map[string]time.Duration
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		artifacts: make(map[string][]byte),
		pushErr:   make(map[string]error),
		pullErr:   make(map[string]error),
		pullDelay: make(map[string]time.Duration),
	}
}

func (f *fakeDriver) Push(_ context.Context, moduleID, version string, data []byte) (storage.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pushErr[moduleID]; err != nil {
		return storage.Ack{}, err
	}
	f.pushes++
	f.artifacts[moduleID+"@"+version] = data
	return storage.Ack{Module: moduleID, Version: version, Digest: digest.FromBytes(data), Size: int64(len(data))}, nil
}

func (f *fakeDriver) Pull(ctx context.Context, moduleID, version string) ([]byte, error) {
	f.mu.Lock()
	delay := f.pullDelay[moduleID]
	err := f.pullErr[moduleID]
	data, ok := f.artifacts[moduleID+"@"+version]
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &errdefs.NotFoundError{Module: moduleID, Version: version}
	}
	return data, nil
}

func (f *fakeDriver) set(moduleID, version string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[moduleID+"@"+version] = data
}

func newManager(t *testing.T, driver storage.Driver, opts ...manager.Option) (*manager.Manager, *moduledb.DB) {
	t.Helper()
	db := moduledb.New(moduledb.NewMemoryStore())
	return manager.New(db, driver, opts...), db
}

func TestPushBatchAndPull(t *testing.T) {
	r := require.New(t)
	ctx := t.Context()
	driver := oci.NewDriver(oci.NewStoreResolver(memory.New()))
	mgr, db := newManager(t, driver)

	published, err := mgr.PushBatch(ctx, []manager.PublishRequest{
		{Module: "crypto", Version: "1.0.0", Data: []byte("crypto")},
		{Module: "auth", Version: "2.0.0", Data: []byte("auth"), Dependencies: []module.Declaration{{Module: "crypto", Range: "^1.0.0"}}},
		{Module: "db", Version: "1.2.0", Data: []byte("db"), Dependencies: []module.Declaration{{Module: "crypto", Range: "*"}}},
	})
	r.NoError(err)
	r.Len(published, 3)
	r.Equal("auth", published[1].Module, "results keep request order")
	r.Equal(digest.FromString("auth"), published[1].Ack.Digest)

	versions, err := db.ListVersions(ctx, "auth")
	r.NoError(err)
	r.Equal(digest.FromString("auth").String(), versions[0].ArtifactRef)

	for _, mode := range []struct {
		name string
		opts []manager.PullOption
	}{
		{"sequential", nil},
		{"parallel", []manager.PullOption{manager.WithParallel()}},
	} {
		t.Run(mode.name, func(t *testing.T) {
			result, err := mgr.Pull(t.Context(), "app", []module.Declaration{
				{Module: "auth", Range: "^2.0.0"},
				{Module: "db", Range: "~1.2.0"},
			}, mode.opts...)
			require.NoError(t, err)
			var got []string
			for _, artifact := range result.Artifacts {
				got = append(got, artifact.Module+"="+string(artifact.Data))
			}
			assert.Equal(t, []string{"auth=auth", "crypto=crypto", "db=db"}, got)
			assert.Len(t, result.Resolution.Dependencies, 3)
		})
	}

	entry, err := db.Entry(ctx, "auth")
	r.NoError(err)
	r.Empty(entry.LockOwner, "locks are released after publishing")
}

func TestPushFailureReleasesLock(t *testing.T) {
	r := require.New(t)
	ctx := t.Context()
	driver := newFakeDriver()
	driver.pushErr["m"] = &errdefs.TransportError{Op: "push", Module: "m", Version: "1.0.0", Err: errors.New("connection reset")}
	mgr, db := newManager(t, driver)

	published, err := mgr.PushBatch(ctx, []manager.PublishRequest{{Module: "m", Version: "1.0.0", Data: []byte("x")}})
	r.Empty(published)
	r.ErrorIs(err, errdefs.ErrTransport)
	r.Equal(errdefs.KindTransport, errdefs.KindOf(err))

	entry, err := db.Entry(ctx, "m")
	r.NoError(err)
	r.Empty(entry.LockOwner)
	ok, err := db.AcquireLock(ctx, "m", "someone-else", time.Minute)
	r.NoError(err)
	r.True(ok, "no orphaned lock after a transport error")
	r.False(mgr.Semaphore().Held(manager.PublishKey("m")))
}

func TestPushBatchConcurrentPublish(t *testing.T) {
	r := require.New(t)
	sem := semaphore.New(semaphore.WithPollInterval(5 * time.Millisecond))
	driver := newFakeDriver()
	mgr, db := newManager(t, driver, manager.WithSemaphore(sem), manager.WithPublishWait(50*time.Millisecond))

	// another publish of the module is in flight in this process
	r.True(sem.TryAcquire(manager.PublishKey("m")))

	_, err := mgr.PushBatch(t.Context(), []manager.PublishRequest{{Module: "m", Version: "1.0.0"}})
	r.ErrorIs(err, errdefs.ErrConcurrentPublish)
	var concurrentErr *errdefs.ConcurrentPublishError
	r.ErrorAs(err, &concurrentErr)
	r.Equal("m", concurrentErr.Module)
	r.Zero(driver.pushes)

	_, err = db.Entry(t.Context(), "m")
	r.ErrorIs(err, errdefs.ErrUnknownModule, "the database was never touched")

	sem.Release(manager.PublishKey("m"))
	published, err := mgr.PushBatch(t.Context(), []manager.PublishRequest{{Module: "m", Version: "1.0.0"}})
	r.NoError(err)
	r.Len(published, 1)
}

func TestPushBatchSameModuleIsSerialized(t *testing.T) {
	r := require.New(t)
	driver := newFakeDriver()
	mgr, db := newManager(t, driver, manager.WithConcurrency(8))

	var requests []manager.PublishRequest
	for _, v := range []string{"1.0.0", "1.1.0", "1.2.0", "1.3.0"} {
		requests = append(requests, manager.PublishRequest{Module: "m", Version: v, Data: []byte(v)})
	}
	published, err := mgr.PushBatch(t.Context(), requests)
	r.NoError(err)
	r.Len(published, 4)

	versions, err := db.ListVersions(t.Context(), "m")
	r.NoError(err)
	r.ElementsMatch([]string{"1.0.0", "1.1.0", "1.2.0", "1.3.0"}, module.Versions(versions))
}

func TestPushBatchModuleLocked(t *testing.T) {
	r := require.New(t)
	ctx := t.Context()
	driver := newFakeDriver()
	mgr, db := newManager(t, driver)

	ok, err := db.AcquireLock(ctx, "m", "other-process", time.Minute)
	r.NoError(err)
	r.True(ok)

	_, err = mgr.PushBatch(ctx, []manager.PublishRequest{{Module: "m", Version: "1.0.0"}})
	r.ErrorIs(err, errdefs.ErrModuleLocked)
	var lockedErr *errdefs.ModuleLockedError
	r.ErrorAs(err, &lockedErr)
	r.Equal("other-process", lockedErr.Owner)
	r.Zero(driver.pushes)

	entry, err := db.Entry(ctx, "m")
	r.NoError(err)
	r.Equal("other-process", entry.LockOwner, "a foreign lock is left alone")
}

func TestPushBatchPartialFailure(t *testing.T) {
	r := require.New(t)
	driver := newFakeDriver()
	mgr, _ := newManager(t, driver)

	published, err := mgr.PushBatch(t.Context(), []manager.PublishRequest{
		{Module: "a", Version: "1.0.0"},
		{Module: "b", Version: "not-a-version"},
		{Module: "a", Version: "1.0.0"},
	})
	r.Error(err)
	r.ErrorIs(err, errdefs.ErrVersionExists)
	r.Len(published, 1)
	r.Equal(1, driver.pushes)
}

func TestPushBatchVerifiesDependencies(t *testing.T) {
	r := require.New(t)
	ctx := t.Context()
	driver := newFakeDriver()
	mgr, db := newManager(t, driver, manager.WithDependencyVerification(true))

	_, err := mgr.PushBatch(ctx, []manager.PublishRequest{{
		Module:       "app",
		Version:      "1.0.0",
		Dependencies: []module.Declaration{{Module: "missing", Range: "*"}},
	}})
	r.ErrorIs(err, errdefs.ErrUnknownModule)
	r.Zero(driver.pushes)

	_, err = mgr.PushBatch(ctx, []manager.PublishRequest{{Module: "lib", Version: "1.0.0"}})
	r.NoError(err)
	_, err = mgr.PushBatch(ctx, []manager.PublishRequest{{
		Module:       "app",
		Version:      "1.0.0",
		Dependencies: []module.Declaration{{Module: "lib", Range: "^1.0.0"}},
	}})
	r.NoError(err)

	versions, err := db.ListVersions(ctx, "app")
	r.NoError(err)
	r.Equal([]module.Declaration{{Module: "lib", Range: "^1.0.0"}}, versions[0].Dependencies)
}

func TestPullFailFast(t *testing.T) {
	r := require.New(t)
	ctx := t.Context()
	driver := newFakeDriver()
	mgr, _ := newManager(t, driver, manager.WithWaitForOptions(waitfor.WithTickInterval(10*time.Millisecond)))

	_, err := mgr.PushBatch(ctx, []manager.PublishRequest{
		{Module: "a", Version: "1.0.0", Data: []byte("a")},
		{Module: "b", Version: "1.0.0", Data: []byte("b")},
		{Module: "c", Version: "1.0.0", Data: []byte("c")},
	})
	r.NoError(err)

	driver.mu.Lock()
	driver.pullErr["b"] = &errdefs.TransportError{Op: "pull", Module: "b", Version: "1.0.0", Err: errors.New("timeout")}
	driver.pullDelay["c"] = time.Minute
	driver.mu.Unlock()

	decls := []module.Declaration{{Module: "a", Range: "*"}, {Module: "b", Range: "*"}, {Module: "c", Range: "*"}}

	start := time.Now()
	result, err := mgr.Pull(ctx, "app", decls, manager.WithParallel())
	r.Nil(result, "no partial results")
	r.ErrorIs(err, errdefs.ErrTransport)
	r.NotErrorIs(err, context.Canceled, "the cancellation of siblings is not the reported failure")
	r.Less(time.Since(start), 30*time.Second, "in flight pulls are canceled")

	driver.mu.Lock()
	delete(driver.pullDelay, "c")
	driver.mu.Unlock()
	result, err = mgr.Pull(ctx, "app", decls)
	r.Nil(result)
	r.ErrorIs(err, errdefs.ErrTransport)
}

func TestPullUnresolvable(t *testing.T) {
	mgr, _ := newManager(t, newFakeDriver())
	_, err := mgr.Pull(t.Context(), "app", []module.Declaration{{Module: "ghost", Range: "*"}})
	require.ErrorIs(t, err, errdefs.ErrUnknownModule)
}

func TestPullDigestMismatch(t *testing.T) {
	r := require.New(t)
	driver := newFakeDriver()
	mgr, _ := newManager(t, driver)

	_, err := mgr.PushBatch(t.Context(), []manager.PublishRequest{{Module: "a", Version: "1.0.0", Data: []byte("original")}})
	r.NoError(err)
	driver.set("a", "1.0.0", []byte("tampered"))

	_, err = mgr.Pull(t.Context(), "app", []module.Declaration{{Module: "a", Range: "*"}})
	r.ErrorIs(err, manager.ErrDigestMismatch)
}

func TestUploaderSerializesModuleVersion(t *testing.T) {
	r := require.New(t)
	sem := semaphore.New(semaphore.WithPollInterval(5 * time.Millisecond))
	driver := newFakeDriver()
	uploader := manager.NewUploader(driver, sem, 30*time.Millisecond)

	r.True(sem.TryAcquire(manager.PushKey("m", "1.0.0")))
	_, err := uploader.Dispatch(t.Context(), "m", "1.0.0", []byte("x"))
	r.ErrorIs(err, errdefs.ErrConcurrentPublish)

	ack, err := uploader.Dispatch(t.Context(), "m", "1.0.1", []byte("x"))
	r.NoError(err, "other versions are not blocked")
	r.Equal("1.0.1", ack.Version)

	sem.Release(manager.PushKey("m", "1.0.0"))
	_, err = uploader.Dispatch(t.Context(), "m", "1.0.0", []byte("x"))
	r.NoError(err)
	r.False(sem.Held(manager.PushKey("m", "1.0.0")))
}

func TestMetricsAreRecorded(t *testing.T) {
	r := require.New(t)
	ctx := t.Context()
	m := metrics.New(prometheus.NewRegistry())
	driver := newFakeDriver()
	mgr, _ := newManager(t, driver, manager.WithMetrics(m))

	_, err := mgr.PushBatch(ctx, []manager.PublishRequest{
		{Module: "a", Version: "1.0.0", Data: []byte("a")},
		{Module: "b", Version: "1.0.0", Data: []byte("b")},
	})
	r.NoError(err)
	_, err = mgr.PushBatch(ctx, []manager.PublishRequest{{Module: "a", Version: "1.0.0"}})
	r.Error(err)

	r.InDelta(2, testutil.ToFloat64(m.PublishesTotal.WithLabelValues(metrics.ResultSuccess)), 0)
	r.InDelta(1, testutil.ToFloat64(m.PublishesTotal.WithLabelValues("VersionExists")), 0)
	r.InDelta(0, testutil.ToFloat64(m.PublishesInProgress), 0)

	_, err = mgr.Pull(ctx, "app", []module.Declaration{{Module: "a", Range: "*"}, {Module: "b", Range: "*"}}, manager.WithParallel())
	r.NoError(err)
	_, err = mgr.Pull(ctx, "app", []module.Declaration{{Module: "missing", Range: "*"}})
	r.Error(err)

	r.InDelta(1, testutil.ToFloat64(m.PullsTotal.WithLabelValues("parallel", metrics.ResultSuccess)), 0)
	r.InDelta(1, testutil.ToFloat64(m.PullsTotal.WithLabelValues("sequential", "UnknownModule")), 0)
	r.InDelta(2, testutil.ToFloat64(m.PulledArtifactsTotal), 0)
}

type releaseFailingDB struct {
	*moduledb.DB
	err error
}

func (d *releaseFailingDB) ReleaseLock(context.Context, string, string) (bool, error) {
	return false, d.err
}

func TestPublishSucceedsWhenReleaseFailsAfterCommit(t *testing.T) {
	r := require.New(t)
	ctx := t.Context()
	db := &releaseFailingDB{
		DB:  moduledb.New(moduledb.NewMemoryStore()),
		err: &errdefs.TransportError{Op: "release", Module: "a", Err: errors.New("connection reset")},
	}
	driver := newFakeDriver()
	mgr := manager.New(db, driver)

	published, err := mgr.PushBatch(ctx, []manager.PublishRequest{{Module: "a", Version: "1.0.0", Data: []byte("a")}})
	r.NoError(err, "the version is committed, a failed release does not fail the publish")
	r.Len(published, 1)
	r.Equal("1.0.0", published[0].Version)

	versions, err := db.ListVersions(ctx, "a")
	r.NoError(err)
	r.Equal([]string{"1.0.0"}, module.Versions(versions))

	driver.pushErr["b"] = &errdefs.TransportError{Op: "push", Module: "b", Version: "1.0.0", Err: errors.New("timeout")}
	_, err = mgr.PushBatch(ctx, []manager.PublishRequest{{Module: "b", Version: "1.0.0", Data: []byte("b")}})
	r.ErrorIs(err, errdefs.ErrTransport)
	r.ErrorContains(err, "releasing lock of module \"b\" failed", "release failures are reported with a failed publish")
}

func TestSemaphoreKeysDoNotCollide(t *testing.T) {
	r := require.New(t)
	sem := semaphore.New(semaphore.WithPollInterval(5 * time.Millisecond))
	driver := newFakeDriver()
	mgr, _ := newManager(t, driver, manager.WithSemaphore(sem), manager.WithPublishWait(50*time.Millisecond))

	r.NotEqual(manager.PublishKey("a@1.0.0"), manager.PushKey("a", "1.0.0"))

	// a publish of module "a@1.0.0" is in flight
	r.True(sem.TryAcquire(manager.PublishKey("a@1.0.0")))
	defer sem.Release(manager.PublishKey("a@1.0.0"))

	published, err := mgr.PushBatch(t.Context(), []manager.PublishRequest{{Module: "a", Version: "1.0.0", Data: []byte("a")}})
	r.NoError(err)
	r.Len(published, 1)
}

func TestMetricsCountPublishWaitingForSemaphore(t *testing.T) {
	r := require.New(t)
	m := metrics.New(prometheus.NewRegistry())
	sem := semaphore.New(semaphore.WithPollInterval(5 * time.Millisecond))
	mgr, _ := newManager(t, newFakeDriver(), manager.WithMetrics(m), manager.WithSemaphore(sem), manager.WithPublishWait(5*time.Second))

	r.True(sem.TryAcquire(manager.PublishKey("m")))
	done := make(chan error, 1)
	go func() {
		_, err := mgr.PushBatch(t.Context(), []manager.PublishRequest{{Module: "m", Version: "1.0.0", Data: []byte("m")}})
		done <- err
	}()

	r.Eventually(func() bool {
		return testutil.ToFloat64(m.PublishesInProgress) == 1
	}, time.Second, 5*time.Millisecond, "a publish waiting for the module semaphore is in progress")
	sem.Release(manager.PublishKey("m"))

	r.NoError(<-done)
	r.InDelta(0, testutil.ToFloat64(m.PublishesInProgress), 0)
	r.InDelta(1, testutil.ToFloat64(m.PublishesTotal.WithLabelValues(metrics.ResultSuccess)), 0)
}
