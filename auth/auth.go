// Package auth injects credentials into outbound store requests and
// validates the credential header of inbound requests.
//
// Authorization failures are reported with ErrUnauthorized so that callers
// can tell them apart from transport errors.
package auth

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	slogcontext "github.com/veqryn/slog-context"

	"ocm.software/open-component-model/registry/errdefs"
)

// ErrUnauthorized is the error kind of all authorization failures.
var ErrUnauthorized = errdefs.ErrUnauthorized

const (
	HeaderAuthorization = "Authorization"
	SchemeBearer        = "Bearer"
)

// Authorizer injects credentials into an outbound request.
type Authorizer interface {
	Authorize(req *http.Request) error
}

// AuthorizerFunc adapts a function to an Authorizer.
type AuthorizerFunc func(req *http.Request) error

func (f AuthorizerFunc) Authorize(req *http.Request) error {
	return f(req)
}

// BearerToken authorizes requests with "Authorization: Bearer <token>".
type BearerToken string

func (t BearerToken) Authorize(req *http.Request) error {
	if t == "" {
		return fmt.Errorf("%w: no bearer token configured", ErrUnauthorized)
	}
	req.Header.Set(HeaderAuthorization, SchemeBearer+" "+string(t))
	return nil
}

// Basic authorizes requests with HTTP basic authentication.
type Basic struct {
	Username string
	Password string
}

func (b Basic) Authorize(req *http.Request) error {
	if b.Username == "" {
		return fmt.Errorf("%w: no username configured", ErrUnauthorized)
	}
	req.SetBasicAuth(b.Username, b.Password)
	return nil
}

// Header authorizes requests with a token in a custom header.
type Header struct {
	Name  string
	Value string
}

func (h Header) Authorize(req *http.Request) error {
	if h.Name == "" || h.Value == "" {
		return fmt.Errorf("%w: header credential is incomplete", ErrUnauthorized)
	}
	req.Header.Set(h.Name, h.Value)
	return nil
}

// Validator checks the credential of an inbound request.
type Validator interface {
	Validate(req *http.Request) error
}

// HeaderValidator compares the credential header of a request against an
// expected token in constant time. With a Scheme set, the header must have
// the form "<Scheme> <token>".
type HeaderValidator struct {
	// Header defaults to Authorization.
	Header string
	Scheme string
	Token  string
}

func (v HeaderValidator) Validate(req *http.Request) error {
	if v.Token == "" {
		return fmt.Errorf("%w: no expected token configured", ErrUnauthorized)
	}
	header := v.Header
	if header == "" {
		header = HeaderAuthorization
	}
	value := req.Header.Get(header)
	if value == "" {
		return fmt.Errorf("%w: missing %s header", ErrUnauthorized, header)
	}
	if v.Scheme != "" {
		scheme, token, ok := strings.Cut(value, " ")
		if !ok || !strings.EqualFold(scheme, v.Scheme) {
			return fmt.Errorf("%w: expected %s credentials", ErrUnauthorized, v.Scheme)
		}
		value = strings.TrimSpace(token)
	}
	if subtle.ConstantTimeCompare([]byte(value), []byte(v.Token)) != 1 {
		return fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
	}
	return nil
}

// Middleware rejects requests that fail validation with 401 Unauthorized.
func Middleware(validator Validator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if err := validator.Validate(req); err != nil {
			ctx := req.Context()
			slogcontext.FromCtx(ctx).Log(ctx, slog.LevelDebug, "rejected request",
				slog.String("realm", "auth"),
				slog.String("path", req.URL.Path),
				slog.String("error", err.Error()),
			)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}
