// Package version selects concrete module versions for declared ranges.
package version

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	slogcontext "github.com/veqryn/slog-context"
)

var ErrInvalidRange = errors.New("invalid version range")

// Strategy picks a concrete version out of the versions available for a
// module. It returns false if no version satisfies rng. Not finding a
// version is not an error; errors are reserved for malformed input.
type Strategy interface {
	Resolve(available []string, rng string) (string, bool, error)
}

// StrategyFunc adapts a function to a Strategy.
type StrategyFunc func(available []string, rng string) (string, bool, error)

func (f StrategyFunc) Resolve(available []string, rng string) (string, bool, error) {
	return f(available, rng)
}

// SemVer resolves ranges with semantic version semantics (`~`, `^`,
// comparator ranges, exact pins). It returns the FIRST satisfying version in
// the order given, which for the module database is registration order.
// This is not "highest satisfying": callers wanting the latest compatible
// version sort the candidates with SortDescending first.
type SemVer struct{}

var _ Strategy = SemVer{}

func (SemVer) Resolve(available []string, rng string) (string, bool, error) {
	constraint, err := ParseRange(rng)
	if err != nil {
		return "", false, err
	}
	for _, candidate := range available {
		v, err := semver.NewVersion(candidate)
		if err != nil {
			// malformed entries in the index are skipped
			continue
		}
		if constraint.Check(v) {
			return candidate, true, nil
		}
	}
	return "", false, nil
}

// Satisfies reports whether v is within rng. Malformed versions never
// satisfy a range.
func Satisfies(v, rng string) (bool, error) {
	constraint, err := ParseRange(rng)
	if err != nil {
		return false, err
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return false, nil
	}
	return constraint.Check(parsed), nil
}

// NormalizeRange strips whitespace and surrounding quotes. An empty range
// and "latest" match every release version.
func NormalizeRange(rng string) string {
	rng = strings.TrimSpace(rng)
	rng = strings.Trim(rng, `"'`)
	rng = strings.TrimSpace(rng)
	if rng == "" || strings.EqualFold(rng, "latest") {
		return "*"
	}
	return rng
}

// ParseRange normalizes and parses a range.
func ParseRange(rng string) (*semver.Constraints, error) {
	normalized := NormalizeRange(rng)
	constraint, err := semver.NewConstraint(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidRange, rng, err)
	}
	return constraint, nil
}

// SortDescending sorts versions by semantic version, newest first.
// Unparsable versions are moved to the end and keep their relative order.
func SortDescending(ctx context.Context, versions []string) {
	slices.SortStableFunc(versions, func(a, b string) int {
		semverA, errA := semver.NewVersion(a)
		semverB, errB := semver.NewVersion(b)
		switch {
		case errA != nil && errB != nil:
			return 0
		case errA != nil:
			slogcontext.FromCtx(ctx).DebugContext(ctx, "failed parsing version, sorting it last", slog.String("version", a), slog.String("error", errA.Error()))
			return 1
		case errB != nil:
			slogcontext.FromCtx(ctx).DebugContext(ctx, "failed parsing version, sorting it last", slog.String("version", b), slog.String("error", errB.Error()))
			return -1
		}
		return semverB.Compare(semverA)
	})
}

// Latest returns a strategy that resolves to the highest satisfying version
// by sorting a copy of the candidates before applying base.
func Latest(ctx context.Context, base Strategy) Strategy {
	return StrategyFunc(func(available []string, rng string) (string, bool, error) {
		sorted := slices.Clone(available)
		SortDescending(ctx, sorted)
		return base.Resolve(sorted, rng)
	})
}

// Validate returns an error if v is not a semantic version.
func Validate(v string) error {
	if _, err := semver.NewVersion(v); err != nil {
		return fmt.Errorf("invalid version %q: %w", v, err)
	}
	return nil
}
