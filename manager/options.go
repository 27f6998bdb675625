package manager

import (
	"time"

	"github.com/google/uuid"

	"ocm.software/open-component-model/registry/metrics"
	"ocm.software/open-component-model/registry/semaphore"
	"ocm.software/open-component-model/registry/version"
	"ocm.software/open-component-model/registry/waitfor"
)

const (
	DefaultLockTTL         = 5 * time.Minute
	DefaultPublishWait     = 10 * time.Second
	DefaultConcurrency     = 4
	DefaultPullConcurrency = 8
)

type Options struct {
	// LockTTL is the expiry of the module database lock taken per publish.
	LockTTL time.Duration
	// PublishWait bounds how long a publish waits for another publish of the
	// same module in this process before failing with ConcurrentPublishError.
	PublishWait time.Duration
	// Concurrency limits the number of modules of a batch published at once.
	Concurrency int
	// PullConcurrency limits the number of parallel pulls.
	PullConcurrency int
	// VerifyDependencies resolves the declared dependencies of a version
	// before it is published.
	VerifyDependencies bool

	Strategy         version.Strategy
	Semaphore        *semaphore.Semaphore
	SemaphoreOptions []semaphore.Option
	WaitForOptions   []waitfor.Option
	// NewOwner returns the owner token of a lock acquisition.
	NewOwner func() string
	// Metrics records publish and pull outcomes, nil disables them.
	Metrics *metrics.Metrics
}

type Option func(*Options)

func WithLockTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.LockTTL = ttl
	}
}

func WithPublishWait(wait time.Duration) Option {
	return func(o *Options) {
		o.PublishWait = wait
	}
}

func WithConcurrency(concurrency int) Option {
	return func(o *Options) {
		o.Concurrency = concurrency
	}
}

func WithPullConcurrency(concurrency int) Option {
	return func(o *Options) {
		o.PullConcurrency = concurrency
	}
}

func WithDependencyVerification(verify bool) Option {
	return func(o *Options) {
		o.VerifyDependencies = verify
	}
}

func WithStrategy(strategy version.Strategy) Option {
	return func(o *Options) {
		o.Strategy = strategy
	}
}

// WithSemaphore shares a semaphore between managers of the same process.
func WithSemaphore(sem *semaphore.Semaphore) Option {
	return func(o *Options) {
		o.Semaphore = sem
	}
}

func WithSemaphoreOptions(opts ...semaphore.Option) Option {
	return func(o *Options) {
		o.SemaphoreOptions = append(o.SemaphoreOptions, opts...)
	}
}

func WithWaitForOptions(opts ...waitfor.Option) Option {
	return func(o *Options) {
		o.WaitForOptions = append(o.WaitForOptions, opts...)
	}
}

func WithOwnerFunc(newOwner func() string) Option {
	return func(o *Options) {
		o.NewOwner = newOwner
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

func (o *Options) applyDefaults() {
	if o.LockTTL <= 0 {
		o.LockTTL = DefaultLockTTL
	}
	if o.PublishWait <= 0 {
		o.PublishWait = DefaultPublishWait
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.PullConcurrency <= 0 {
		o.PullConcurrency = DefaultPullConcurrency
	}
	if o.Strategy == nil {
		o.Strategy = version.SemVer{}
	}
	if o.Semaphore == nil {
		o.Semaphore = semaphore.New(o.SemaphoreOptions...)
	}
	if o.NewOwner == nil {
		o.NewOwner = uuid.NewString
	}
}

type PullOptions struct {
	Parallel bool
}

type PullOption func(*PullOptions)

// WithParallel fans the pulls out concurrently and joins them with a
// barrier.
func WithParallel() PullOption {
	return func(o *PullOptions) {
		o.Parallel = true
	}
}
