package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gobwas/glob"
	slogcontext "github.com/veqryn/slog-context"

	"ocm.software/open-component-model/registry/errdefs"
)

// ErrNoRoute is returned when no route matches a module identifier.
var ErrNoRoute = errors.New("no storage route matches module")

// Route maps module identifiers matching Pattern to a Driver. Patterns use
// the github.com/gobwas/glob syntax with '/' as separator, so "team/*"
// matches "team/api" but not "team/api/v2" while "team/**" matches both.
type Route struct {
	Pattern string
	Driver  Driver
}

type compiledRoute struct {
	Route
	glob glob.Glob
}

// Router is a Driver that dispatches every call to the driver of the first
// route matching the module identifier. The routes are immutable after
// creation.
type Router struct {
	routes []compiledRoute
}

var _ Driver = (*Router)(nil)

// NewRouter compiles the route patterns.
func NewRouter(routes ...Route) (*Router, error) {
	router := &Router{routes: make([]compiledRoute, 0, len(routes))}
	for index, route := range routes {
		if route.Driver == nil {
			return nil, fmt.Errorf("route %d with pattern %q has no driver", index, route.Pattern)
		}
		g, err := glob.Compile(route.Pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("failed to compile glob pattern %q in route %d: %w", route.Pattern, index, err)
		}
		router.routes = append(router.routes, compiledRoute{Route: route, glob: g})
	}
	return router, nil
}

// DriverFor returns the driver of the first route matching moduleID.
func (r *Router) DriverFor(ctx context.Context, moduleID string) (Driver, error) {
	logger := slogcontext.FromCtx(ctx).With(slog.String("realm", "storage"))
	for index, route := range r.routes {
		if route.glob.Match(moduleID) {
			logger.Log(ctx, slog.LevelDebug, "matched route",
				slog.String("module", moduleID),
				slog.Int("index", index),
				slog.String("pattern", route.Pattern),
			)
			return route.Driver, nil
		}
	}
	logger.Log(ctx, slog.LevelDebug, "no matching route found for module",
		slog.String("module", moduleID),
		slog.Int("routes", len(r.routes)),
	)
	return nil, fmt.Errorf("%w %q", ErrNoRoute, moduleID)
}

func (r *Router) Pull(ctx context.Context, moduleID, version string) ([]byte, error) {
	driver, err := r.DriverFor(ctx, moduleID)
	if err != nil {
		return nil, &errdefs.NotFoundError{Module: moduleID, Version: version, Err: err}
	}
	return driver.Pull(ctx, moduleID, version)
}

func (r *Router) Push(ctx context.Context, moduleID, version string, data []byte) (Ack, error) {
	driver, err := r.DriverFor(ctx, moduleID)
	if err != nil {
		return Ack{}, err
	}
	return driver.Push(ctx, moduleID, version, data)
}
