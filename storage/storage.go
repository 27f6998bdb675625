// Package storage defines the capability the registry uses to move module
// artifacts to and from a remote store.
package storage

import (
	"context"

	"github.com/opencontainers/go-digest"
)

// Driver stores module artifacts. Implementations talk to a specific remote
// store.
//
// Pull fails with errdefs.NotFoundError for artifacts that were never pushed
// and with errdefs.TransportError for any other store failure. Push fails
// with errdefs.TransportError. Authorization failures keep their own error
// (auth.ErrUnauthorized) so they can be told apart from transport errors.
type Driver interface {
	Pull(ctx context.Context, moduleID, version string) ([]byte, error)
	Push(ctx context.Context, moduleID, version string, data []byte) (Ack, error)
}

// Ack acknowledges a push.
type Ack struct {
	Module  string `json:"module"`
	Version string `json:"version"`
	// Reference is the store specific location of the artifact.
	Reference string `json:"reference"`
	// Digest identifies the artifact content. It is used as the artifact
	// reference in the module index.
	Digest digest.Digest `json:"digest"`
	// Manifest is the digest of the manifest describing the artifact, if the
	// store uses one.
	Manifest digest.Digest `json:"manifest,omitempty"`
	Size     int64         `json:"size"`
}
