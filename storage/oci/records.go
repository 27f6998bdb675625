package oci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ociImageSpecV1 "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"

	"ocm.software/open-component-model/registry/internal/log"
	"ocm.software/open-component-model/registry/moduledb"
)

const (
	ArtifactTypeRecord = "application/vnd.ocm.software.registry.record.v1"
	MediaTypeRecord    = "application/vnd.ocm.software.registry.record.v1+json"

	AnnotationRecordKey = "software.ocm.registry.record-key"

	recordTagPrefix = "record-"
)

// RecordStore keeps module database records as single layer artifacts in
// one OCI repository. Every key is tagged with a tag derived from its
// digest, so keys may contain characters that are not allowed in tags.
//
// OCI stores offer no conditional tagging, so RecordStore does not
// implement moduledb.ConditionalStore.
type RecordStore struct {
	store      Store
	repository string
	clock      func() time.Time
}

var _ moduledb.RecordStore = (*RecordStore)(nil)

// NewRecordStore stores records in store. repository is the reference of
// the repository without tag, e.g. "registry.example.com/modules/index" for
// a remote repository or any name for a local store.
func NewRecordStore(store Store, repository string) *RecordStore {
	return &RecordStore{store: store, repository: repository, clock: time.Now}
}

// RecordTag returns the tag a record key is stored under.
func RecordTag(key string) string {
	return recordTagPrefix + digest.FromString(key).Encoded()
}

func (s *RecordStore) reference(key string) string {
	return fmt.Sprintf("%s:%s", s.repository, RecordTag(key))
}

func (s *RecordStore) Get(ctx context.Context, key string) ([]byte, error) {
	desc, err := s.store.Resolve(ctx, s.reference(key))
	if errors.Is(err, errdef.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", moduledb.ErrRecordNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve record %q: %w", key, err)
	}
	manifest, err := fetchManifest(ctx, s.store, desc)
	if err != nil {
		return nil, fmt.Errorf("record %q: %w", key, err)
	}
	if len(manifest.Layers) != 1 || manifest.Layers[0].MediaType != MediaTypeRecord {
		return nil, fmt.Errorf("record %q is not a single layer record artifact", key)
	}
	data, err := content.FetchAll(ctx, s.store, manifest.Layers[0])
	if err != nil {
		return nil, fmt.Errorf("failed to fetch record %q: %w", key, err)
	}
	return data, nil
}

func (s *RecordStore) Put(ctx context.Context, key string, data []byte) error {
	layer := content.NewDescriptorFromBytes(MediaTypeRecord, data)
	if err := pushIfNotExists(ctx, s.store, layer, data); err != nil {
		return fmt.Errorf("failed to push record %q: %w", key, err)
	}
	if err := pushIfNotExists(ctx, s.store, ociImageSpecV1.DescriptorEmptyJSON, ociImageSpecV1.DescriptorEmptyJSON.Data); err != nil {
		return fmt.Errorf("failed to push empty config: %w", err)
	}

	manifest := ociImageSpecV1.Manifest{
		Versioned: specs.Versioned{
			SchemaVersion: 2,
		},
		MediaType:    ociImageSpecV1.MediaTypeImageManifest,
		ArtifactType: ArtifactTypeRecord,
		Config:       ociImageSpecV1.DescriptorEmptyJSON,
		Layers:       []ociImageSpecV1.Descriptor{layer},
		Annotations: map[string]string{
			AnnotationRecordKey:              key,
			ociImageSpecV1.AnnotationCreated: s.clock().UTC().Format(time.RFC3339Nano),
		},
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	manifestDesc := content.NewDescriptorFromBytes(manifest.MediaType, manifestJSON)
	manifestDesc.ArtifactType = manifest.ArtifactType
	if err := pushIfNotExists(ctx, s.store, manifestDesc, manifestJSON); err != nil {
		return fmt.Errorf("failed to push manifest of record %q: %w", key, err)
	}
	if err := s.store.Tag(ctx, manifestDesc, s.reference(key)); err != nil {
		return fmt.Errorf("failed to tag record %q: %w", key, err)
	}
	log.Realm(ctx, realm).DebugContext(ctx, "stored record", slog.String("key", key), log.DescriptorAttr(manifestDesc))
	return nil
}
