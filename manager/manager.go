// Package manager publishes module versions and pulls resolved
// dependencies.
//
// Publishing a module version takes two guards. The semaphore keyed by the
// module identifier keeps two publishes of the same module within this
// process apart; it is cheap and process local. The module database lock is
// the guard across processes. Both are released on every path after they
// were taken.
//
// Nothing is retried internally, retry policy belongs to the caller.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"ocm.software/open-component-model/registry/errdefs"
	"ocm.software/open-component-model/registry/internal/log"
	"ocm.software/open-component-model/registry/module"
	"ocm.software/open-component-model/registry/moduledb"
	"ocm.software/open-component-model/registry/resolver"
	"ocm.software/open-component-model/registry/semaphore"
	"ocm.software/open-component-model/registry/storage"
	"ocm.software/open-component-model/registry/version"
	"ocm.software/open-component-model/registry/waitfor"
)

const realm = "manager"

// ErrDigestMismatch is returned when pulled content does not match the
// artifact reference recorded at publish time.
var ErrDigestMismatch = errors.New("artifact digest mismatch")

// ModuleDB is the module database as used by the manager.
type ModuleDB interface {
	resolver.VersionIndex
	AcquireLock(ctx context.Context, moduleID, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, moduleID, owner string) (bool, error)
	AddVersion(ctx context.Context, moduleID, owner string, v module.Version) error
}

// entryReader is implemented by databases that can report the current lock
// holder, which is then part of ModuleLockedError.
type entryReader interface {
	Entry(ctx context.Context, moduleID string) (*moduledb.Entry, error)
}

// PublishRequest is a module version to publish.
type PublishRequest struct {
	Module  string
	Version string
	Data    []byte
	// Dependencies are the declarations of the version, recorded in the
	// module index for later resolution.
	Dependencies []module.Declaration
}

// Published describes a successful publish.
type Published struct {
	Module  string
	Version string
	Ack     storage.Ack
}

// Artifact is a resolved dependency together with its pulled content.
type Artifact struct {
	module.Resolved
	Data []byte
}

// PullResult is the outcome of a pull.
type PullResult struct {
	Resolution *resolver.Result
	// Artifacts are in the order of Resolution.Dependencies.
	Artifacts []Artifact
}

// Manager is safe for concurrent use.
type Manager struct {
	db       ModuleDB
	driver   storage.Driver
	resolver *resolver.Resolver
	uploader *Uploader
	options  Options
}

func New(db ModuleDB, driver storage.Driver, opts ...Option) *Manager {
	options := Options{}
	for _, opt := range opts {
		opt(&options)
	}
	options.applyDefaults()
	return &Manager{
		db:       db,
		driver:   driver,
		resolver: resolver.New(db, resolver.WithStrategy(options.Strategy)),
		uploader: NewUploader(driver, options.Semaphore, options.PublishWait),
		options:  options,
	}
}

// Semaphore returns the semaphore the manager serializes publishes on.
func (m *Manager) Semaphore() *semaphore.Semaphore {
	return m.options.Semaphore
}

// Resolver returns the resolver the manager resolves dependencies with.
func (m *Manager) Resolver() *resolver.Resolver {
	return m.resolver
}

// PushBatch publishes every request independently, there is no ordering
// between modules. The errors of all failed publishes are joined, the
// successful publishes are returned in request order regardless.
func (m *Manager) PushBatch(ctx context.Context, requests []PublishRequest) (_ []Published, err error) {
	done := log.Operation(ctx, realm, "push batch", slog.Int("modules", len(requests)))
	defer func() { done(err) }()

	results := make([]*Published, len(requests))
	errs := make([]error, len(requests))

	eg := errgroup.Group{}
	eg.SetLimit(m.options.Concurrency)
	for i, req := range requests {
		eg.Go(func() error {
			start := time.Now()
			m.options.Metrics.PublishStarted()
			published, err := m.publish(ctx, req)
			m.options.Metrics.PublishDone(start, err)
			if err != nil {
				errs[i] = fmt.Errorf("publishing %s@%s failed: %w", req.Module, req.Version, err)
				return nil
			}
			results[i] = published
			return nil
		})
	}
	_ = eg.Wait()

	published := make([]Published, 0, len(requests))
	for _, result := range results {
		if result != nil {
			published = append(published, *result)
		}
	}
	return published, errors.Join(errs...)
}

func (m *Manager) publish(ctx context.Context, req PublishRequest) (_ *Published, err error) {
	if req.Module == "" {
		return nil, errors.New("module identifier must not be empty")
	}
	if err := version.Validate(req.Version); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.options.PublishWait)
	defer cancel()
	key := PublishKey(req.Module)
	if err := m.options.Semaphore.Acquire(waitCtx, key); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &errdefs.ConcurrentPublishError{Module: req.Module, Err: err}
	}
	defer m.options.Semaphore.Release(key)

	if m.options.VerifyDependencies && len(req.Dependencies) > 0 {
		if _, err := m.resolver.Resolve(ctx, req.Module, req.Dependencies); err != nil {
			return nil, fmt.Errorf("verifying dependencies: %w", err)
		}
	}

	owner := m.options.NewOwner()
	locked, err := m.db.AcquireLock(ctx, req.Module, owner, m.options.LockTTL)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, m.lockedError(ctx, req.Module)
	}
	defer func() {
		_, releaseErr := m.db.ReleaseLock(context.WithoutCancel(ctx), req.Module, owner)
		if releaseErr == nil {
			return
		}
		if err == nil {
			// the version is committed, the lock runs out with its TTL
			log.Realm(ctx, realm).WarnContext(ctx, "releasing lock after publish failed",
				log.ModuleAttr(req.Module, req.Version), slog.Duration("ttl", m.options.LockTTL),
				slog.String("error", releaseErr.Error()))
			return
		}
		err = errors.Join(err, fmt.Errorf("releasing lock of module %q failed: %w", req.Module, releaseErr))
	}()

	versions, err := m.db.ListVersions(ctx, req.Module)
	if err != nil && !errors.Is(err, errdefs.ErrUnknownModule) {
		return nil, err
	}
	if _, exists := module.Find(versions, req.Version); exists {
		return nil, &errdefs.VersionExistsError{Module: req.Module, Version: req.Version}
	}

	ack, err := m.uploader.Dispatch(ctx, req.Module, req.Version, req.Data)
	if err != nil {
		return nil, err
	}

	// the push may have outlived the lock, refresh it before the index write
	if locked, err := m.db.AcquireLock(ctx, req.Module, owner, m.options.LockTTL); err != nil {
		return nil, err
	} else if !locked {
		return nil, m.lockedError(ctx, req.Module)
	}
	if err := m.db.AddVersion(ctx, req.Module, owner, module.Version{
		Version:      req.Version,
		ArtifactRef:  ack.Digest.String(),
		Dependencies: req.Dependencies,
	}); err != nil {
		return nil, err
	}

	log.Realm(ctx, realm).InfoContext(ctx, "published module version",
		log.ModuleAttr(req.Module, req.Version), slog.String("reference", ack.Reference))
	return &Published{Module: req.Module, Version: req.Version, Ack: ack}, nil
}

func (m *Manager) lockedError(ctx context.Context, moduleID string) error {
	lockedErr := &errdefs.ModuleLockedError{Module: moduleID}
	if reader, ok := m.db.(entryReader); ok {
		if entry, err := reader.Entry(ctx, moduleID); err == nil {
			lockedErr.Owner = entry.LockOwner
			lockedErr.Expiry = entry.LockExpiry
		}
	}
	return lockedErr
}

// Pull resolves decls, the declarations of root, and pulls the artifact of
// every resolved dependency. Any failure fails the whole pull, there are no
// partial results.
func (m *Manager) Pull(ctx context.Context, root string, decls []module.Declaration, opts ...PullOption) (_ *PullResult, err error) {
	options := &PullOptions{}
	for _, opt := range opts {
		opt(options)
	}
	done := log.Operation(ctx, realm, "pull", slog.String("root", root), slog.Bool("parallel", options.Parallel))
	defer func() { done(err) }()
	var artifacts []Artifact
	defer func() { m.options.Metrics.PullDone(options.Parallel, len(artifacts), err) }()

	resolution, err := m.resolver.Resolve(ctx, root, decls)
	if err != nil {
		return nil, err
	}

	if options.Parallel {
		artifacts, err = m.pullParallel(ctx, resolution.Dependencies)
	} else {
		artifacts, err = m.pullSequential(ctx, resolution.Dependencies)
	}
	if err != nil {
		return nil, err
	}
	return &PullResult{Resolution: resolution, Artifacts: artifacts}, nil
}

func (m *Manager) pullSequential(ctx context.Context, deps []module.Resolved) ([]Artifact, error) {
	artifacts := make([]Artifact, 0, len(deps))
	for _, dep := range deps {
		data, err := m.pullOne(ctx, dep)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, Artifact{Resolved: dep, Data: data})
	}
	return artifacts, nil
}

// pullParallel issues the pulls concurrently, bounded by PullConcurrency,
// and joins them on a barrier. The first failure cancels the pulls still in
// flight.
func (m *Manager) pullParallel(ctx context.Context, deps []module.Resolved) ([]Artifact, error) {
	pullCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	barrier := waitfor.New(m.options.WaitForOptions...)
	slots := make(chan struct{}, m.options.PullConcurrency)
	for _, dep := range deps {
		child := barrier.AddChild()
		go func() {
			select {
			case slots <- struct{}{}:
			case <-pullCtx.Done():
				child.Resolve(nil, pullCtx.Err())
				return
			}
			defer func() { <-slots }()
			data, err := m.pullOne(pullCtx, dep)
			if err != nil {
				cancel()
			}
			child.Resolve(data, err)
		}()
	}

	results, err := barrier.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if err := firstFailure(ctx, results); err != nil {
		return nil, err
	}
	artifacts := make([]Artifact, 0, len(deps))
	for i, dep := range deps {
		data, _ := results[i].Value.([]byte)
		artifacts = append(artifacts, Artifact{Resolved: dep, Data: data})
	}
	return artifacts, nil
}

// firstFailure returns the first error in registration order that is not
// merely the cancellation caused by another failure.
func firstFailure(ctx context.Context, results []waitfor.Result) error {
	var canceled error
	for _, result := range results {
		if result.Err == nil {
			continue
		}
		if errors.Is(result.Err, context.Canceled) && ctx.Err() == nil {
			if canceled == nil {
				canceled = result.Err
			}
			continue
		}
		return result.Err
	}
	return canceled
}

func (m *Manager) pullOne(ctx context.Context, dep module.Resolved) ([]byte, error) {
	data, err := m.driver.Pull(ctx, dep.Module, dep.Version)
	if err != nil {
		return nil, err
	}
	if expected, err := digest.Parse(dep.ArtifactRef); err == nil {
		if actual := expected.Algorithm().FromBytes(data); actual != expected {
			return nil, fmt.Errorf("%w for %s: expected %s, got %s", ErrDigestMismatch, dep, expected, actual)
		}
	}
	return data, nil
}
