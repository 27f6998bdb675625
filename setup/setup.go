// Package setup builds a ready to use registry from its configuration.
package setup

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"oras.land/oras-go/v2/content/memory"
	orasoci "oras.land/oras-go/v2/content/oci"

	"ocm.software/open-component-model/registry/auth"
	"ocm.software/open-component-model/registry/config"
	"ocm.software/open-component-model/registry/internal/log"
	"ocm.software/open-component-model/registry/manager"
	"ocm.software/open-component-model/registry/metrics"
	"ocm.software/open-component-model/registry/moduledb"
	"ocm.software/open-component-model/registry/semaphore"
	"ocm.software/open-component-model/registry/storage"
	"ocm.software/open-component-model/registry/storage/oci"
	"ocm.software/open-component-model/registry/waitfor"
)

const (
	realm = "setup"

	// IndexRepository is the repository of the module database records
	// below the index store.
	IndexRepository = "index"

	DefaultUserAgent = "ocm.software/open-component-model/registry"
)

// Registry is a configured registry.
type Registry struct {
	Config  *config.Config
	DB      *moduledb.DB
	Router  *storage.Router
	Manager *manager.Manager
}

// PullOptions returns the pull options of the configuration.
func (r *Registry) PullOptions() []manager.PullOption {
	if r.Config.Pull.Parallel {
		return []manager.PullOption{manager.WithParallel()}
	}
	return nil
}

type Options struct {
	UserAgent       string
	ManagerOptions  []manager.Option
	ModuleDBOptions []moduledb.Option
	// Registerer receives the manager metrics. Not set disables metrics.
	Registerer prometheus.Registerer
}

type Option func(*Options)

func WithUserAgent(userAgent string) Option {
	return func(o *Options) {
		o.UserAgent = userAgent
	}
}

// WithManagerOptions are applied after the options derived from the
// configuration.
func WithManagerOptions(opts ...manager.Option) Option {
	return func(o *Options) {
		o.ManagerOptions = append(o.ManagerOptions, opts...)
	}
}

func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.Registerer = reg
	}
}

func WithModuleDBOptions(opts ...moduledb.Option) Option {
	return func(o *Options) {
		o.ModuleDBOptions = append(o.ModuleDBOptions, opts...)
	}
}

// New validates cfg and wires the storage drivers, the module database and
// the manager. OCI layouts referenced by several stores are opened once.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Registry, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	if options.UserAgent == "" {
		options.UserAgent = DefaultUserAgent
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &builder{options: options, layouts: make(map[string]*orasoci.Store)}

	routes := make([]storage.Route, 0, len(cfg.Repositories))
	for i, repo := range cfg.Repositories {
		driver, err := b.driver(ctx, repo.Store)
		if err != nil {
			return nil, fmt.Errorf("failed to create driver for repository %d with pattern %q: %w", i, repo.Pattern, err)
		}
		routes = append(routes, storage.Route{Pattern: repo.Pattern, Driver: driver})
	}
	router, err := storage.NewRouter(routes...)
	if err != nil {
		return nil, err
	}

	records, err := b.recordStore(ctx, cfg.Index)
	if err != nil {
		return nil, fmt.Errorf("failed to create module index store: %w", err)
	}
	db := moduledb.New(records, options.ModuleDBOptions...)

	managerOptions := []manager.Option{
		manager.WithLockTTL(cfg.Locking.TTL.Value()),
		manager.WithPublishWait(cfg.Publish.Wait.Value()),
		manager.WithConcurrency(cfg.Publish.Concurrency),
		manager.WithPullConcurrency(cfg.Pull.Concurrency),
		manager.WithDependencyVerification(cfg.Publish.VerifyDependencies),
		manager.WithSemaphoreOptions(semaphore.WithPollInterval(cfg.Semaphore.PollInterval.Value())),
		manager.WithWaitForOptions(
			waitfor.WithTickInterval(cfg.WaitFor.TickInterval.Value()),
			waitfor.WithMaxTicks(cfg.WaitFor.MaxTicks),
		),
	}
	if options.Registerer != nil {
		managerOptions = append(managerOptions, manager.WithMetrics(metrics.New(options.Registerer)))
	}
	mgr := manager.New(db, router, append(managerOptions, options.ManagerOptions...)...)

	log.Realm(ctx, realm).DebugContext(ctx, "registry set up",
		slog.Int("repositories", len(routes)), slog.String("index", cfg.Index.Type))

	return &Registry{Config: cfg, DB: db, Router: router, Manager: mgr}, nil
}

type builder struct {
	options *Options

	mu      sync.Mutex
	layouts map[string]*orasoci.Store
}

func (b *builder) driver(ctx context.Context, store config.Store) (storage.Driver, error) {
	switch store.Type {
	case config.StoreTypeMemory:
		return oci.NewDriver(oci.NewStoreResolver(memory.New())), nil
	case config.StoreTypeOCILayout:
		layout, err := b.layout(ctx, store.Path)
		if err != nil {
			return nil, err
		}
		return oci.NewDriver(oci.NewStoreResolver(layout)), nil
	case config.StoreTypeRemote:
		resolver, err := b.urlResolver(store)
		if err != nil {
			return nil, err
		}
		return oci.NewDriver(resolver), nil
	default:
		return nil, fmt.Errorf("unsupported store type %q", store.Type)
	}
}

func (b *builder) recordStore(ctx context.Context, store config.Store) (moduledb.RecordStore, error) {
	switch store.Type {
	case config.StoreTypeMemory:
		return moduledb.NewMemoryStore(), nil
	case config.StoreTypeOCILayout:
		layout, err := b.layout(ctx, store.Path)
		if err != nil {
			return nil, err
		}
		return oci.NewRecordStore(layout, IndexRepository), nil
	case config.StoreTypeRemote:
		resolver, err := b.urlResolver(store)
		if err != nil {
			return nil, err
		}
		repository := resolver.Repository(IndexRepository)
		repo, err := resolver.StoreForReference(ctx, repository)
		if err != nil {
			return nil, fmt.Errorf("failed to access index repository %q: %w", repository, err)
		}
		return oci.NewRecordStore(repo, repository), nil
	default:
		return nil, fmt.Errorf("unsupported store type %q", store.Type)
	}
}

// layout opens the OCI layout at path, sharing it between stores that use
// the same path.
func (b *builder) layout(ctx context.Context, path string) (*orasoci.Store, error) {
	path = filepath.Clean(path)
	b.mu.Lock()
	defer b.mu.Unlock()
	if store, ok := b.layouts[path]; ok {
		return store, nil
	}
	store, err := orasoci.NewWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("unable to open oci layout %q: %w", path, err)
	}
	b.layouts[path] = store
	return store, nil
}

func (b *builder) urlResolver(store config.Store) (*oci.URLResolver, error) {
	clientOpts := []auth.ClientOption{
		auth.WithUserAgent(b.options.UserAgent),
		auth.WithTimeout(store.Timeout.Value()),
	}
	if creds := store.Credentials; creds != nil {
		clientOpts = append(clientOpts, auth.WithCredential(Host(store.URL), auth.Credential{
			Username:     creds.Username,
			Password:     creds.Password,
			RefreshToken: creds.Token,
		}))
	}
	return oci.NewURLResolver(store.URL,
		oci.WithSubPath(store.SubPath),
		oci.WithPlainHTTP(store.PlainHTTP),
		oci.WithClient(auth.NewClient(clientOpts...)),
	)
}

// Host returns the host:port part of a registry URL, the key credentials
// are looked up by.
func Host(url string) string {
	url = strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	host, _, _ := strings.Cut(url, "/")
	return host
}
