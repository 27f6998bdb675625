// Package waitfor implements a fan-out/fan-in barrier.
//
// A WaitFor collects children that are resolved independently, typically by
// goroutines issuing network calls. Once every child has resolved, the
// aggregated results are delivered in registration order:
//
//	wf := waitfor.New()
//	for _, dep := range deps {
//		child := wf.AddChild()
//		go func() {
//			data, err := driver.Pull(ctx, dep.Module, dep.Version)
//			child.Resolve(data, err)
//		}()
//	}
//	results, err := wf.Wait(ctx)
//
// The wait is bounded by a tick ceiling: after MaxTicks ticks of
// TickInterval the barrier gives up and reports ErrWaitTimeout together with
// the results resolved so far. A child may itself be a WaitFor (AddWaitFor),
// which allows tree-shaped fan-out.
package waitfor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ocm.software/open-component-model/registry/errdefs"
)

const (
	DefaultTickInterval = 100 * time.Millisecond
	DefaultMaxTicks     = 3000
)

// Result is the outcome of a single child.
type Result struct {
	Value any
	Err   error
	// Pending is true when the barrier timed out before the child resolved.
	Pending bool
}

type Options struct {
	TickInterval time.Duration
	MaxTicks     int
}

type Option func(*Options)

// WithTickInterval sets the interval in which the barrier checks for
// completion.
func WithTickInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.TickInterval = interval
	}
}

// WithMaxTicks sets the number of ticks after which the barrier gives up.
func WithMaxTicks(ticks int) Option {
	return func(o *Options) {
		o.MaxTicks = ticks
	}
}

type WaitFor struct {
	options Options

	mu       sync.Mutex
	children []*Child
	pending  int
	// changed is closed and replaced whenever a child resolves.
	changed chan struct{}

	// nested barriers registered through AddWaitFor and the child of the
	// parent barrier this barrier resolves.
	nested  []*WaitFor
	parent  *Child
	started sync.Once
}

// Child is a handle for one registered operation.
type Child struct {
	parent *WaitFor
	index  int

	resolved bool
	result   Result
}

// New creates an empty barrier.
func New(opts ...Option) *WaitFor {
	options := Options{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.TickInterval <= 0 {
		options.TickInterval = DefaultTickInterval
	}
	if options.MaxTicks <= 0 {
		options.MaxTicks = DefaultMaxTicks
	}
	return &WaitFor{
		options: options,
		changed: make(chan struct{}),
	}
}

// AddChild registers a pending child and returns its handle.
func (w *WaitFor) AddChild() *Child {
	w.mu.Lock()
	defer w.mu.Unlock()
	child := &Child{parent: w, index: len(w.children)}
	w.children = append(w.children, child)
	w.pending++
	return child
}

// AddWaitFor registers a nested barrier as child. The child resolves with
// the nested []Result (and the nested wait error) once the nested barrier
// completes or times out. The nested barrier inherits the tick options.
//
// The nested barrier starts waiting when Wait or Complete is called on it,
// or at the latest when the parent starts waiting. Children of the nested
// barrier must be registered before that.
func (w *WaitFor) AddWaitFor() *WaitFor {
	nested := New(WithTickInterval(w.options.TickInterval), WithMaxTicks(w.options.MaxTicks))
	nested.parent = w.AddChild()
	w.mu.Lock()
	w.nested = append(w.nested, nested)
	w.mu.Unlock()
	return nested
}

// Len returns the number of registered children.
func (w *WaitFor) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.children)
}

// Child returns the handle registered at index.
func (w *WaitFor) Child(index int) (*Child, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if index < 0 || index >= len(w.children) {
		return nil, &errdefs.InvalidChildIndexError{Index: index, Children: len(w.children)}
	}
	return w.children[index], nil
}

// Resolve resolves the child registered at index.
func (w *WaitFor) Resolve(index int, value any, err error) error {
	child, cerr := w.Child(index)
	if cerr != nil {
		return cerr
	}
	child.Resolve(value, err)
	return nil
}

// Index returns the registration index of the child.
func (c *Child) Index() int {
	return c.index
}

// Resolve records the result of the child. Only the first call has an
// effect, it reports whether the result was recorded.
func (c *Child) Resolve(value any, err error) bool {
	w := c.parent
	w.mu.Lock()
	defer w.mu.Unlock()
	if c.resolved {
		return false
	}
	c.resolved = true
	c.result = Result{Value: value, Err: err}
	w.pending--
	close(w.changed)
	w.changed = make(chan struct{})
	return true
}

// snapshot returns the results in registration order, whether every child
// is resolved and the channel signalling the next change.
func (w *WaitFor) snapshot() ([]Result, bool, <-chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	results := make([]Result, len(w.children))
	for i, child := range w.children {
		if child.resolved {
			results[i] = child.result
		} else {
			results[i] = Result{Pending: true}
		}
	}
	return results, w.pending == 0, w.changed
}

// Wait blocks until every registered child resolved and returns the results
// in registration order. Errors of individual children are part of the
// results, not of the returned error. The returned error is ErrWaitTimeout
// when the tick ceiling is reached, or ctx.Err().
func (w *WaitFor) Wait(ctx context.Context) (results []Result, err error) {
	w.started.Do(func() {})
	w.startNested()
	if w.parent != nil {
		defer func() {
			w.parent.Resolve(results, err)
		}()
	}

	ticker := time.NewTicker(w.options.TickInterval)
	defer ticker.Stop()

	ticks := 0
	for {
		var done bool
		var changed <-chan struct{}
		results, done, changed = w.snapshot()
		if done {
			return results, nil
		}
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case <-changed:
		case <-ticker.C:
			ticks++
			if ticks >= w.options.MaxTicks {
				results, done, _ = w.snapshot()
				if done {
					return results, nil
				}
				return results, fmt.Errorf("%d children pending after %d ticks of %s: %w",
					countPending(results), ticks, w.options.TickInterval, errdefs.ErrWaitTimeout)
			}
		}
	}
}

// startNested starts the nested barriers that nobody waits on yet.
func (w *WaitFor) startNested() {
	w.mu.Lock()
	nested := append([]*WaitFor(nil), w.nested...)
	w.mu.Unlock()
	for _, n := range nested {
		n.started.Do(func() {
			go func() {
				_, _ = n.Wait(context.Background())
			}()
		})
	}
}

// Complete invokes callback exactly once, asynchronously, when every child
// has resolved or the tick ceiling is reached.
func (w *WaitFor) Complete(callback func(results []Result, err error)) {
	go func() {
		callback(w.Wait(context.Background()))
	}()
}

// FirstError returns the first child error in registration order.
func FirstError(results []Result) error {
	for i, result := range results {
		if result.Err != nil {
			return fmt.Errorf("child %d failed: %w", i, result.Err)
		}
	}
	return nil
}

func countPending(results []Result) int {
	n := 0
	for _, result := range results {
		if result.Pending {
			n++
		}
	}
	return n
}
