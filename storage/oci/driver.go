// Package oci stores module artifacts and module database records in OCI
// stores (registries, OCI layouts on disk or memory) using oras-go.
//
// Every module version is a single layer OCI 1.1 artifact tagged with the
// version. The layer holds the artifact bytes, its digest is the artifact
// reference recorded in the module index.
package oci

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	ociImageSpecV1 "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote/errcode"

	"ocm.software/open-component-model/registry/errdefs"
	"ocm.software/open-component-model/registry/internal/log"
	"ocm.software/open-component-model/registry/storage"
)

const realm = "oci"

const (
	// ArtifactTypeModule is the artifact type of module version manifests.
	ArtifactTypeModule = "application/vnd.ocm.software.registry.module.v1"
	// MediaTypeModuleLayer is the media type of the artifact layer.
	MediaTypeModuleLayer = "application/vnd.ocm.software.registry.module.layer.v1"

	AnnotationModule  = "software.ocm.registry.module"
	AnnotationVersion = "software.ocm.registry.version"
)

// Store is the subset of an oras store the driver needs.
// memory.Store, oci.Store and remote.Repository implement it.
type Store interface {
	content.ReadOnlyStorage
	content.Pusher
	content.TagResolver
	content.Tagger
}

// Resolver resolves module versions to references and references to stores.
type Resolver interface {
	// StoreForReference resolves a reference to a Store. Multiple module
	// versions might share the same store.
	StoreForReference(ctx context.Context, reference string) (Store, error)
	// ModuleVersionReference returns a unique reference for a module version.
	ModuleVersionReference(ctx context.Context, moduleID, version string) string
}

type DriverOptions struct {
	ArtifactType   string
	LayerMediaType string
	Clock          func() time.Time
}

type DriverOption func(*DriverOptions)

func WithArtifactType(artifactType string) DriverOption {
	return func(o *DriverOptions) {
		o.ArtifactType = artifactType
	}
}

func WithLayerMediaType(mediaType string) DriverOption {
	return func(o *DriverOptions) {
		o.LayerMediaType = mediaType
	}
}

// WithClock sets the clock used for the creation annotation of manifests.
func WithClock(clock func() time.Time) DriverOption {
	return func(o *DriverOptions) {
		o.Clock = clock
	}
}

// Driver is a storage.Driver for OCI stores.
type Driver struct {
	resolver Resolver
	options  DriverOptions
}

var _ storage.Driver = (*Driver)(nil)

func NewDriver(resolver Resolver, opts ...DriverOption) *Driver {
	options := DriverOptions{
		ArtifactType:   ArtifactTypeModule,
		LayerMediaType: MediaTypeModuleLayer,
		Clock:          time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Driver{resolver: resolver, options: options}
}

// Push stores data as the artifact of the module version and tags it with
// the version.
func (d *Driver) Push(ctx context.Context, moduleID, version string, data []byte) (_ storage.Ack, err error) {
	reference := d.resolver.ModuleVersionReference(ctx, moduleID, version)
	done := log.Operation(ctx, realm, "push module artifact", log.ModuleAttr(moduleID, version), slog.String("reference", reference))
	defer func() { done(err) }()

	store, err := d.resolver.StoreForReference(ctx, reference)
	if err != nil {
		return storage.Ack{}, classify("push", moduleID, version, err)
	}

	layer := content.NewDescriptorFromBytes(d.options.LayerMediaType, data)
	layer.Annotations = map[string]string{
		ociImageSpecV1.AnnotationTitle: fmt.Sprintf("%s@%s", moduleID, version),
	}
	if err := pushIfNotExists(ctx, store, layer, data); err != nil {
		return storage.Ack{}, classify("push", moduleID, version, fmt.Errorf("failed to push layer: %w", err))
	}
	log.Realm(ctx, realm).DebugContext(ctx, "pushed layer", log.DescriptorAttr(layer))

	manifest, err := oras.PackManifest(ctx, store, oras.PackManifestVersion1_1, d.options.ArtifactType, oras.PackManifestOptions{
		Layers: []ociImageSpecV1.Descriptor{layer},
		ManifestAnnotations: map[string]string{
			AnnotationModule:                 moduleID,
			AnnotationVersion:                version,
			ociImageSpecV1.AnnotationCreated: d.options.Clock().UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return storage.Ack{}, classify("push", moduleID, version, fmt.Errorf("failed to pack manifest: %w", err))
	}
	if err := store.Tag(ctx, manifest, reference); err != nil {
		return storage.Ack{}, classify("push", moduleID, version, fmt.Errorf("failed to tag manifest: %w", err))
	}

	return storage.Ack{
		Module:    moduleID,
		Version:   version,
		Reference: reference,
		Digest:    layer.Digest,
		Manifest:  manifest.Digest,
		Size:      layer.Size,
	}, nil
}

// Pull fetches the artifact of the module version.
func (d *Driver) Pull(ctx context.Context, moduleID, version string) (_ []byte, err error) {
	reference := d.resolver.ModuleVersionReference(ctx, moduleID, version)
	done := log.Operation(ctx, realm, "pull module artifact", log.ModuleAttr(moduleID, version), slog.String("reference", reference))
	defer func() { done(err) }()

	store, err := d.resolver.StoreForReference(ctx, reference)
	if err != nil {
		return nil, classify("pull", moduleID, version, err)
	}
	layer, err := d.resolveLayer(ctx, store, reference)
	if err != nil {
		return nil, classify("pull", moduleID, version, err)
	}
	data, err := content.FetchAll(ctx, store, layer)
	if err != nil {
		return nil, classify("pull", moduleID, version, fmt.Errorf("failed to fetch layer: %w", err))
	}
	return data, nil
}

// resolveLayer returns the artifact layer of the manifest tagged as
// reference.
func (d *Driver) resolveLayer(ctx context.Context, store Store, reference string) (ociImageSpecV1.Descriptor, error) {
	desc, err := store.Resolve(ctx, reference)
	if err != nil {
		return ociImageSpecV1.Descriptor{}, fmt.Errorf("failed to resolve reference %q: %w", reference, err)
	}
	manifest, err := fetchManifest(ctx, store, desc)
	if err != nil {
		return ociImageSpecV1.Descriptor{}, err
	}
	for _, layer := range manifest.Layers {
		if layer.MediaType == d.options.LayerMediaType {
			return layer, nil
		}
	}
	return ociImageSpecV1.Descriptor{}, fmt.Errorf("manifest %s has no layer of media type %q: %w", desc.Digest, d.options.LayerMediaType, errdef.ErrNotFound)
}

func fetchManifest(ctx context.Context, store content.Fetcher, desc ociImageSpecV1.Descriptor) (*ociImageSpecV1.Manifest, error) {
	if desc.MediaType != ociImageSpecV1.MediaTypeImageManifest {
		return nil, fmt.Errorf("unsupported manifest media type %q", desc.MediaType)
	}
	data, err := content.FetchAll(ctx, store, desc)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	manifest := &ociImageSpecV1.Manifest{}
	if err := json.Unmarshal(data, manifest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	return manifest, nil
}

func pushIfNotExists(ctx context.Context, store content.Storage, desc ociImageSpecV1.Descriptor, data []byte) error {
	exists, err := store.Exists(ctx, desc)
	if err != nil {
		return fmt.Errorf("failed to check if %s exists: %w", desc.Digest, err)
	}
	if exists {
		return nil
	}
	if err := store.Push(ctx, desc, bytes.NewReader(data)); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return err
	}
	return nil
}

// classify maps store errors to the registry error kinds. Missing content
// becomes a NotFoundError, rejected credentials keep errdefs.ErrUnauthorized
// in their chain and everything else is a TransportError.
func classify(op, moduleID, version string, err error) error {
	if errors.Is(err, errdef.ErrNotFound) {
		return &errdefs.NotFoundError{Module: moduleID, Version: version, Err: err}
	}
	if isUnauthorized(err) {
		return fmt.Errorf("%s %s@%s: %w: %w", op, moduleID, version, errdefs.ErrUnauthorized, err)
	}
	return &errdefs.TransportError{Op: op, Module: moduleID, Version: version, Err: err}
}

func isUnauthorized(err error) bool {
	if errors.Is(err, errdefs.ErrUnauthorized) {
		return true
	}
	var response *errcode.ErrorResponse
	if errors.As(err, &response) {
		return response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden
	}
	return false
}
