package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

const defaultUserAgent = "ocm-module-registry"

// Transport is an http.RoundTripper that authorizes every request before
// handing it to Base.
type Transport struct {
	Base       http.RoundTripper
	Authorizer Authorizer
	UserAgent  string
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.UserAgent != "" {
		req.Header.Set("User-Agent", t.UserAgent)
	}
	if t.Authorizer != nil {
		if err := t.Authorizer.Authorize(req); err != nil {
			return nil, err
		}
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// Credential is a registry credential. Either Username and Password, or a
// RefreshToken or AccessToken are set.
type Credential struct {
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	AccessToken  string `json:"accessToken,omitempty"`
}

func (c Credential) oras() auth.Credential {
	return auth.Credential{
		Username:     c.Username,
		Password:     c.Password,
		RefreshToken: c.RefreshToken,
		AccessToken:  c.AccessToken,
	}
}

type ClientOptions struct {
	// Credentials by registry host (host:port).
	Credentials map[string]Credential
	UserAgent   string
	Timeout     time.Duration
	// Authorizer is applied to every request in addition to the registry
	// token flow, e.g. for a gateway in front of the registry.
	Authorizer Authorizer
}

type ClientOption func(*ClientOptions)

func WithCredential(host string, credential Credential) ClientOption {
	return func(o *ClientOptions) {
		if o.Credentials == nil {
			o.Credentials = make(map[string]Credential)
		}
		o.Credentials[host] = credential
	}
}

func WithUserAgent(userAgent string) ClientOption {
	return func(o *ClientOptions) {
		o.UserAgent = userAgent
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(o *ClientOptions) {
		o.Timeout = timeout
	}
}

func WithAuthorizer(authorizer Authorizer) ClientOption {
	return func(o *ClientOptions) {
		o.Authorizer = authorizer
	}
}

// NewClient returns a registry client that performs the registry token flow
// with the configured credentials and retries transient failures.
func NewClient(opts ...ClientOption) *auth.Client {
	options := &ClientOptions{}
	for _, opt := range opts {
		opt(options)
	}
	userAgent := defaultUserAgent
	if options.UserAgent != "" {
		userAgent = options.UserAgent
	}

	httpClient := &http.Client{
		Transport: &Transport{
			Base:       retry.DefaultClient.Transport,
			Authorizer: options.Authorizer,
			UserAgent:  userAgent,
		},
		Timeout: options.Timeout,
	}

	credentials := make(map[string]auth.Credential, len(options.Credentials))
	for host, credential := range options.Credentials {
		credentials[host] = credential.oras()
	}

	return &auth.Client{
		Client: httpClient,
		Cache:  auth.NewCache(),
		Credential: func(_ context.Context, hostport string) (auth.Credential, error) {
			if credential, ok := credentials[hostport]; ok {
				return credential, nil
			}
			return auth.EmptyCredential, nil
		},
		Header: http.Header{
			"User-Agent": {userAgent},
		},
	}
}

// CredentialFor returns the credential the client uses for host.
func CredentialFor(ctx context.Context, client *auth.Client, host string) (Credential, error) {
	if client.Credential == nil {
		return Credential{}, nil
	}
	credential, err := client.Credential(ctx, host)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to resolve credential for %s: %w", host, err)
	}
	return Credential{
		Username:     credential.Username,
		Password:     credential.Password,
		RefreshToken: credential.RefreshToken,
		AccessToken:  credential.AccessToken,
	}, nil
}
