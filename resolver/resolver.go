// Package resolver resolves the declared dependencies of a module to
// concrete published versions.
//
// Resolution is a depth-first walk in declaration order. Every module is
// resolved at most once per call: the first resolution wins and later
// declarations of the same module are only checked for compatibility.
// Incompatible later declarations are reported as conflicts, they do not
// fail the resolution. A module that reappears on the active path is a
// cycle and fails the resolution with an InfiniteRecursionError.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"ocm.software/open-component-model/registry/dag"
	"ocm.software/open-component-model/registry/errdefs"
	"ocm.software/open-component-model/registry/internal/log"
	"ocm.software/open-component-model/registry/module"
	"ocm.software/open-component-model/registry/version"
)

const realm = "resolver"

// Vertex attributes set on the resolution graph.
const (
	AttributeVersion     = "resolver/version"
	AttributeArtifactRef = "resolver/artifact-ref"
	AttributeRange       = "resolver/range"
	AttributeOrderIndex  = "resolver/order-index"
)

// VersionIndex lists the published versions of a module in registration
// order. It is implemented by the module database.
type VersionIndex interface {
	ListVersions(ctx context.Context, moduleID string) ([]module.Version, error)
}

// Conflict records a declaration that the earlier resolved version of its
// module does not satisfy.
type Conflict struct {
	Module string `json:"module"`
	// Kept is the version resolved first, which is the one used.
	Kept string `json:"kept"`
	// Range is the range of the later declaration.
	Range string `json:"range"`
	// Wanted is the version the later declaration would have resolved to.
	Wanted     string `json:"wanted"`
	RequiredBy string `json:"requiredBy"`
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s required %s@%s but %s was resolved first (would pick %s)", c.RequiredBy, c.Module, c.Range, c.Kept, c.Wanted)
}

// Result of a resolution.
type Result struct {
	Root string
	// Dependencies holds one entry per reachable module in discovery order.
	Dependencies []module.Resolved
	Conflicts    []Conflict
	// Graph has one vertex per module including the root and an edge from
	// every module to each of its dependencies.
	Graph *dag.DirectedAcyclicGraph[string]
}

// Get returns the resolved entry of a module.
func (r *Result) Get(moduleID string) (module.Resolved, bool) {
	for _, dep := range r.Dependencies {
		if dep.Module == moduleID {
			return dep, true
		}
	}
	return module.Resolved{}, false
}

// InstallOrder returns the dependencies ordered so that every module comes
// after all of its own dependencies. The root is not part of the result.
func (r *Result) InstallOrder() ([]module.Resolved, error) {
	order, err := r.Graph.TopologicalSort()
	if err != nil {
		return nil, err
	}
	result := make([]module.Resolved, 0, len(r.Dependencies))
	for _, id := range order {
		if id == r.Root {
			continue
		}
		if dep, ok := r.Get(id); ok {
			result = append(result, dep)
		}
	}
	return result, nil
}

type Options struct {
	Strategy version.Strategy
}

type Option func(*Options)

// WithStrategy sets the strategy used to pick versions, version.SemVer by
// default.
func WithStrategy(strategy version.Strategy) Option {
	return func(o *Options) {
		o.Strategy = strategy
	}
}

// Resolver is stateless between calls and safe for concurrent use.
type Resolver struct {
	index    VersionIndex
	strategy version.Strategy
}

func New(index VersionIndex, opts ...Option) *Resolver {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	if options.Strategy == nil {
		options.Strategy = version.SemVer{}
	}
	return &Resolver{index: index, strategy: options.Strategy}
}

// resolution is the state of a single Resolve call.
type resolution struct {
	stack    []string
	resolved map[string]int
	result   *Result
}

func (s *resolution) onStack(moduleID string) (int, bool) {
	idx := slices.Index(s.stack, moduleID)
	return idx, idx >= 0
}

// Resolve resolves decls, the declarations of root, and transitively the
// declarations of every resolved version.
func (r *Resolver) Resolve(ctx context.Context, root string, decls []module.Declaration) (_ *Result, err error) {
	if root == "" {
		return nil, errors.New("root module must not be empty")
	}
	done := log.Operation(ctx, realm, "resolve", slog.String("root", root), slog.Int("declarations", len(decls)))
	defer func() { done(err) }()

	state := &resolution{
		stack:    []string{root},
		resolved: make(map[string]int),
		result: &Result{
			Root:  root,
			Graph: dag.NewDirectedAcyclicGraph[string](),
		},
	}
	if err := state.result.Graph.AddVertex(root); err != nil {
		return nil, err
	}
	for i, decl := range decls {
		if err := r.resolve(ctx, state, root, i, decl); err != nil {
			return nil, err
		}
	}
	for _, conflict := range state.result.Conflicts {
		log.Realm(ctx, realm).WarnContext(ctx, "version conflict", slog.String("conflict", conflict.String()))
	}
	return state.result, nil
}

func (r *Resolver) resolve(ctx context.Context, state *resolution, parent string, orderIndex int, decl module.Declaration) error {
	if decl.Module == "" {
		return fmt.Errorf("%s declares a dependency without module identifier", parent)
	}
	if idx, cyclic := state.onStack(decl.Module); cyclic {
		path := append(slices.Clone(state.stack[idx:]), decl.Module)
		return &errdefs.InfiniteRecursionError{Path: path}
	}
	state.stack = append(state.stack, decl.Module)
	defer func() { state.stack = state.stack[:len(state.stack)-1] }()

	edge := map[string]any{AttributeRange: decl.Range, AttributeOrderIndex: orderIndex}
	if idx, seen := state.resolved[decl.Module]; seen {
		kept := state.result.Dependencies[idx]
		compatible, err := version.Satisfies(kept.Version, decl.Range)
		if err != nil {
			return &errdefs.UnresolvableDependencyError{Module: decl.Module, Range: decl.Range, Err: err}
		}
		if !compatible {
			// the index is only read again to report the wanted version
			_, picked, err := r.pick(ctx, parent, decl)
			if err != nil {
				return err
			}
			state.result.Conflicts = append(state.result.Conflicts, Conflict{
				Module:     decl.Module,
				Kept:       kept.Version,
				Range:      decl.Range,
				Wanted:     picked,
				RequiredBy: parent,
			})
		}
		return state.result.Graph.AddEdge(parent, decl.Module, edge)
	}

	available, picked, err := r.pick(ctx, parent, decl)
	if err != nil {
		return err
	}

	entry, _ := module.Find(available, picked)
	resolved := module.Resolved{
		Module:      decl.Module,
		Version:     picked,
		ArtifactRef: entry.ArtifactRef,
		Range:       decl.Range,
		RequiredBy:  parent,
	}
	state.resolved[decl.Module] = len(state.result.Dependencies)
	state.result.Dependencies = append(state.result.Dependencies, resolved)
	log.Realm(ctx, realm).DebugContext(ctx, "resolved dependency",
		log.ModuleAttr(decl.Module, picked), slog.String("range", decl.Range), slog.String("requiredBy", parent))

	if err := state.result.Graph.AddVertex(decl.Module, map[string]any{
		AttributeVersion:     picked,
		AttributeArtifactRef: entry.ArtifactRef,
		AttributeRange:       decl.Range,
	}); err != nil {
		return err
	}
	if err := state.result.Graph.AddEdge(parent, decl.Module, edge); err != nil {
		return err
	}

	for i, dep := range entry.Dependencies {
		if err := r.resolve(ctx, state, decl.Module, i, dep); err != nil {
			return err
		}
	}
	return nil
}

// pick lists the versions of the declared module and applies the strategy.
func (r *Resolver) pick(ctx context.Context, parent string, decl module.Declaration) ([]module.Version, string, error) {
	available, err := r.index.ListVersions(ctx, decl.Module)
	if err != nil {
		return nil, "", fmt.Errorf("listing versions of %s required by %s: %w", decl.Module, parent, err)
	}
	names := module.Versions(available)
	picked, ok, err := r.strategy.Resolve(names, decl.Range)
	if err != nil || !ok {
		return nil, "", &errdefs.UnresolvableDependencyError{Module: decl.Module, Range: decl.Range, Available: names, Err: err}
	}
	return available, picked, nil
}
