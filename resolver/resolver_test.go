package resolver_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocm.software/open-component-model/registry/errdefs"
	"ocm.software/open-component-model/registry/module"
	"ocm.software/open-component-model/registry/resolver"
	"ocm.software/open-component-model/registry/version"
)

type index map[string][]module.Version

func (i index) ListVersions(_ context.Context, moduleID string) ([]module.Version, error) {
	versions, ok := i[moduleID]
	if !ok {
		return nil, &errdefs.UnknownModuleError{Module: moduleID}
	}
	return versions, nil
}

func v(version string, deps ...module.Declaration) module.Version {
	return module.Version{Version: version, ArtifactRef: "ref:" + version, Dependencies: deps}
}

func dep(moduleID, rng string) module.Declaration {
	return module.Declaration{Module: moduleID, Range: rng}
}

func TestResolveAcyclicGraph(t *testing.T) {
	r := require.New(t)
	idx := index{
		"api":    {v("1.0.0", dep("auth", "^2.0.0"), dep("db", "~1.2.0")), v("1.1.0")},
		"auth":   {v("1.9.0"), v("2.0.0", dep("crypto", "*")), v("2.1.0")},
		"db":     {v("1.2.3", dep("crypto", ">=1.0.0")), v("1.3.0")},
		"crypto": {v("1.0.0")},
	}

	result, err := resolver.New(idx).Resolve(t.Context(), "app", []module.Declaration{dep("api", "^1.0.0")})
	r.NoError(err)
	r.Empty(result.Conflicts)

	var got []string
	for _, d := range result.Dependencies {
		got = append(got, d.String())
		ok, err := version.Satisfies(d.Version, d.Range)
		r.NoError(err)
		r.True(ok, "%s must satisfy %s", d, d.Range)
	}
	r.Equal([]string{"api@1.0.0", "auth@2.0.0", "crypto@1.0.0", "db@1.2.3"}, got)

	auth, ok := result.Get("auth")
	r.True(ok)
	r.Equal("ref:2.0.0", auth.ArtifactRef)
	r.Equal("api", auth.RequiredBy)

	order, err := result.InstallOrder()
	r.NoError(err)
	var installed []string
	for _, d := range order {
		installed = append(installed, d.Module)
	}
	r.Equal([]string{"crypto", "auth", "db", "api"}, installed)

	vertex, ok := result.Graph.GetVertex("db")
	r.True(ok)
	r.Equal("1.2.3", vertex.Attributes[resolver.AttributeVersion])
	r.Equal([]string{"app"}, result.Graph.Roots())
}

func TestResolveFirstMatchInRegistrationOrder(t *testing.T) {
	idx := index{"lib": {v("1.0.0"), v("2.0.0"), v("1.5.0")}}
	result, err := resolver.New(idx).Resolve(t.Context(), "app", []module.Declaration{dep("lib", "^1.0.0")})
	require.NoError(t, err)
	require.Len(t, result.Dependencies, 1)
	assert.Equal(t, "1.0.0", result.Dependencies[0].Version)

	latest := resolver.New(idx, resolver.WithStrategy(version.Latest(t.Context(), version.SemVer{})))
	result, err = latest.Resolve(t.Context(), "app", []module.Declaration{dep("lib", "^1.0.0")})
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", result.Dependencies[0].Version)
}

func TestResolveCycle(t *testing.T) {
	tests := []struct {
		name string
		root string
		idx  index
		decl []module.Declaration
		path []string
	}{
		{
			name: "back to root",
			root: "A",
			idx:  index{"B": {v("1.0.0", dep("A", "*"))}, "A": {v("1.0.0", dep("B", "*"))}},
			decl: []module.Declaration{dep("B", "*")},
			path: []string{"A", "B", "A"},
		},
		{
			name: "between dependencies",
			root: "app",
			idx: index{
				"A": {v("1.0.0", dep("B", "^1"))},
				"B": {v("1.0.0", dep("C", "^1"))},
				"C": {v("1.0.0", dep("A", "^1"))},
			},
			decl: []module.Declaration{dep("A", "^1")},
			path: []string{"A", "B", "C", "A"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := resolver.New(tc.idx).Resolve(t.Context(), tc.root, tc.decl)
			require.ErrorIs(t, err, errdefs.ErrInfiniteRecursion)
			var cycleErr *errdefs.InfiniteRecursionError
			require.ErrorAs(t, err, &cycleErr)
			assert.Equal(t, tc.path, cycleErr.Path)
		})
	}
}

func TestResolveUnresolvable(t *testing.T) {
	idx := index{
		"api":  {v("1.0.0", dep("auth", "^3.0.0"))},
		"auth": {v("1.0.0"), v("2.0.0")},
	}
	_, err := resolver.New(idx).Resolve(t.Context(), "app", []module.Declaration{dep("api", "*")})
	require.ErrorIs(t, err, errdefs.ErrUnresolvableDependency)
	var unresolvable *errdefs.UnresolvableDependencyError
	require.ErrorAs(t, err, &unresolvable)
	assert.Equal(t, "auth", unresolvable.Module)
	assert.Equal(t, []string{"1.0.0", "2.0.0"}, unresolvable.Available)
}

func TestResolveInvalidRange(t *testing.T) {
	idx := index{"lib": {v("1.0.0")}}
	_, err := resolver.New(idx).Resolve(t.Context(), "app", []module.Declaration{dep("lib", "not a range")})
	require.ErrorIs(t, err, errdefs.ErrUnresolvableDependency)
	require.ErrorIs(t, err, version.ErrInvalidRange)
}

func TestResolveUnknownModule(t *testing.T) {
	_, err := resolver.New(index{}).Resolve(t.Context(), "app", []module.Declaration{dep("ghost", "*")})
	require.ErrorIs(t, err, errdefs.ErrUnknownModule)
	assert.Equal(t, errdefs.KindUnknownModule, errdefs.KindOf(err))
}

func TestResolveConflictEarliestWins(t *testing.T) {
	r := require.New(t)
	idx := index{
		"a":      {v("1.0.0", dep("shared", "^1.0.0"))},
		"b":      {v("1.0.0", dep("shared", "^2.0.0"))},
		"shared": {v("1.0.0"), v("2.0.0")},
	}
	result, err := resolver.New(idx).Resolve(t.Context(), "app", []module.Declaration{dep("a", "*"), dep("b", "*")})
	r.NoError(err, "conflicts are not fatal")

	shared, ok := result.Get("shared")
	r.True(ok)
	r.Equal("1.0.0", shared.Version)
	r.Equal([]resolver.Conflict{{
		Module:     "shared",
		Kept:       "1.0.0",
		Range:      "^2.0.0",
		Wanted:     "2.0.0",
		RequiredBy: "b",
	}}, result.Conflicts)
	r.Len(result.Dependencies, 3)
}

func TestResolveDiamondIsDeduplicated(t *testing.T) {
	r := require.New(t)
	idx := index{
		"b": {v("1.0.0", dep("d", ">=1.0.0"))},
		"c": {v("1.0.0", dep("d", "~1.1.0"))},
		"d": {v("1.0.0"), v("1.1.0")},
	}
	result, err := resolver.New(idx).Resolve(t.Context(), "a", []module.Declaration{dep("b", "*"), dep("c", "*")})
	r.NoError(err)

	d, _ := result.Get("d")
	r.Equal("1.0.0", d.Version, "first resolution wins")
	r.Len(result.Conflicts, 1, "1.0.0 does not satisfy ~1.1.0")
	r.Len(result.Dependencies, 3)
	in, _ := result.Graph.GetInDegree("d")
	r.Equal(2, in)
}

func TestResolveCompatibleRedeclarationHasNoConflict(t *testing.T) {
	idx := index{
		"b": {v("1.0.0", dep("d", "^1.0.0"))},
		"c": {v("1.0.0", dep("d", ">=1.2.0"))},
		"d": {v("1.2.0"), v("1.0.0")},
	}
	result, err := resolver.New(idx).Resolve(t.Context(), "a", []module.Declaration{dep("b", "*"), dep("c", "*")})
	require.NoError(t, err)
	assert.Empty(t, result.Conflicts)
}

func TestResolveIsIdempotent(t *testing.T) {
	idx := index{
		"a": {v("1.0.0", dep("b", "*"), dep("c", "*"))},
		"b": {v("1.0.0", dep("c", "*"))},
		"c": {v("1.0.0")},
	}
	res := resolver.New(idx)
	first, err := res.Resolve(t.Context(), "root", []module.Declaration{dep("a", "*")})
	require.NoError(t, err)
	second, err := res.Resolve(t.Context(), "root", []module.Declaration{dep("a", "*")})
	require.NoError(t, err)
	assert.Equal(t, first.Dependencies, second.Dependencies)
	assert.Equal(t, first.Graph.GetEdges(), second.Graph.GetEdges())
}

func TestResolveEmptyRoot(t *testing.T) {
	_, err := resolver.New(index{}).Resolve(t.Context(), "", nil)
	assert.Error(t, err)
}

type countingIndex struct {
	index
	reads map[string]int
}

func (c *countingIndex) ListVersions(ctx context.Context, moduleID string) ([]module.Version, error) {
	c.reads[moduleID]++
	return c.index.ListVersions(ctx, moduleID)
}

func TestResolveReadsResolvedModuleOnce(t *testing.T) {
	r := require.New(t)
	idx := &countingIndex{
		index: index{
			"b": {v("1.0.0", dep("d", "^1.0.0"))},
			"c": {v("1.0.0", dep("d", ">=1.2.0"))},
			"e": {v("1.0.0", dep("d", "1.x"))},
			"d": {v("1.2.0"), v("1.0.0")},
		},
		reads: make(map[string]int),
	}
	result, err := resolver.New(idx).Resolve(t.Context(), "a",
		[]module.Declaration{dep("b", "*"), dep("c", "*"), dep("e", "*")})
	r.NoError(err)
	r.Empty(result.Conflicts)
	r.Equal(1, idx.reads["d"])

	in, _ := result.Graph.GetInDegree("d")
	r.Equal(3, in)
}

func TestResolveConflictReportsWantedVersion(t *testing.T) {
	r := require.New(t)
	idx := &countingIndex{
		index: index{
			"b": {v("1.0.0", dep("d", "^1.0.0"))},
			"c": {v("1.0.0", dep("d", "^2.0.0"))},
			"d": {v("1.0.0"), v("2.0.0")},
		},
		reads: make(map[string]int),
	}
	result, err := resolver.New(idx).Resolve(t.Context(), "a", []module.Declaration{dep("b", "*"), dep("c", "*")})
	r.NoError(err)
	r.Len(result.Conflicts, 1)
	r.Equal("2.0.0", result.Conflicts[0].Wanted)
	r.Equal(2, idx.reads["d"])
}

func TestResolveRedeclarationWithInvalidRange(t *testing.T) {
	idx := index{
		"b": {v("1.0.0", dep("d", "*"))},
		"c": {v("1.0.0", dep("d", "not a range"))},
		"d": {v("1.0.0")},
	}
	_, err := resolver.New(idx).Resolve(t.Context(), "a", []module.Declaration{dep("b", "*"), dep("c", "*")})
	require.ErrorIs(t, err, errdefs.ErrUnresolvableDependency)
}
