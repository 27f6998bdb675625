package oci

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	slogcontext "github.com/veqryn/slog-context"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
)

// plusSubstitute replaces the plus character of semantic version build
// metadata, which OCI tags do not allow.
const (
	plusSubstitute = ".build-"
	plus           = "+"
)

// VersionToTag converts a module version to a valid OCI tag by replacing
// the last '+' with ".build-". Versions with more than one '+' are not valid
// semantic versions and are left to the tag validation of the store.
func VersionToTag(ctx context.Context, version string) string {
	idx := strings.LastIndex(version, plus)
	if idx == -1 {
		return version
	}
	slogcontext.FromCtx(ctx).Log(ctx, slog.LevelDebug, "module version contains build metadata, substituting for tag",
		slog.String("version", version), slog.String("substitute", plusSubstitute))
	return version[:idx] + plusSubstitute + version[idx+len(plus):]
}

// StoreResolver resolves every reference to the same store, e.g. an OCI
// layout on disk or an in-memory store. References are "<module>:<tag>".
type StoreResolver struct {
	store Store
}

var _ Resolver = (*StoreResolver)(nil)

func NewStoreResolver(store Store) *StoreResolver {
	return &StoreResolver{store: store}
}

func (r *StoreResolver) StoreForReference(context.Context, string) (Store, error) {
	return r.store, nil
}

func (r *StoreResolver) ModuleVersionReference(ctx context.Context, moduleID, version string) string {
	return fmt.Sprintf("%s:%s", moduleID, VersionToTag(ctx, version))
}

// URLResolver resolves module versions to repositories of a remote registry
// below BaseURL, one repository per module. Each repository client is only
// created once.
type URLResolver struct {
	baseURL   string
	subPath   string
	client    remote.Client
	plainHTTP bool

	cacheMu sync.RWMutex
	cache   map[string]Store
}

var _ Resolver = (*URLResolver)(nil)

type URLResolverOption func(*URLResolver)

// WithSubPath sets the path below the registry host that holds the module
// repositories.
func WithSubPath(subPath string) URLResolverOption {
	return func(r *URLResolver) {
		r.subPath = strings.Trim(subPath, "/")
	}
}

// WithClient sets the HTTP client, typically an auth.Client carrying
// credentials.
func WithClient(client remote.Client) URLResolverOption {
	return func(r *URLResolver) {
		r.client = client
	}
}

// WithPlainHTTP talks plain HTTP to the registry.
func WithPlainHTTP(plainHTTP bool) URLResolverOption {
	return func(r *URLResolver) {
		r.plainHTTP = plainHTTP
	}
}

func NewURLResolver(baseURL string, opts ...URLResolverOption) (*URLResolver, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL must be set")
	}
	baseURL = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://"), "/")
	resolver := &URLResolver{baseURL: baseURL}
	for _, opt := range opts {
		opt(resolver)
	}
	return resolver, nil
}

// BasePath is the repository prefix shared by all modules.
func (r *URLResolver) BasePath() string {
	if r.subPath == "" {
		return r.baseURL
	}
	return r.baseURL + "/" + r.subPath
}

// Repository returns the repository reference of a module without tag.
func (r *URLResolver) Repository(moduleID string) string {
	return fmt.Sprintf("%s/%s", r.BasePath(), moduleID)
}

func (r *URLResolver) ModuleVersionReference(ctx context.Context, moduleID, version string) string {
	return fmt.Sprintf("%s:%s", r.Repository(moduleID), VersionToTag(ctx, version))
}

func (r *URLResolver) StoreForReference(_ context.Context, reference string) (Store, error) {
	ref, err := registry.ParseReference(reference)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s/%s", ref.Registry, ref.Repository)
	if store, ok := r.getFromCache(key); ok {
		return store, nil
	}

	repo := &remote.Repository{
		Reference: ref,
		// registries that predate the referrers API do not support manifest
		// deletion, so referrers GC must be skipped.
		SkipReferrersGC: true,
		PlainHTTP:       r.plainHTTP,
	}
	if r.client != nil {
		repo.Client = r.client
	}
	return r.addToCache(key, repo), nil
}

// Ping checks registry availability and validates credentials.
func (r *URLResolver) Ping(ctx context.Context) error {
	host, _, _ := strings.Cut(r.baseURL, "/")
	reg, err := remote.NewRegistry(host)
	if err != nil {
		return fmt.Errorf("failed to create registry client: %w", err)
	}
	reg.PlainHTTP = r.plainHTTP
	if r.client != nil {
		reg.Client = r.client
	}
	if err := reg.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping registry: %w", err)
	}
	return nil
}

// addToCache returns the cached store, which is store unless another
// caller added one for key first.
func (r *URLResolver) addToCache(key string, store Store) Store {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if r.cache == nil {
		r.cache = make(map[string]Store)
	}
	if cached, exists := r.cache[key]; exists {
		return cached
	}
	r.cache[key] = store
	return store
}

func (r *URLResolver) getFromCache(key string) (Store, bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	store, ok := r.cache[key]
	return store, ok
}
