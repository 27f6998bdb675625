// Package log contains logging helpers shared by the registry packages.
package log

import (
	"context"
	"log/slog"
	"time"

	ociImageSpecV1 "github.com/opencontainers/image-spec/specs-go/v1"
	slogcontext "github.com/veqryn/slog-context"
)

// Realm returns the context logger scoped to the given realm.
func Realm(ctx context.Context, realm string) *slog.Logger {
	return slogcontext.FromCtx(ctx).With(slog.String("realm", realm))
}

// Operation logs the start of an operation and returns a function that logs
// its completion or failure together with the elapsed time.
func Operation(ctx context.Context, realm, operation string, fields ...slog.Attr) func(error) {
	start := time.Now()
	attrs := make([]any, 0, len(fields)+1)
	attrs = append(attrs, slog.String("operation", operation))
	for _, field := range fields {
		attrs = append(attrs, field)
	}
	logger := Realm(ctx, realm).With(attrs...)
	logger.Log(ctx, slog.LevelDebug, "starting operation")
	return func(err error) {
		if err != nil {
			logger.Log(ctx, slog.LevelError, "operation failed", slog.Duration("duration", time.Since(start)), slog.String("error", err.Error()))
		} else {
			logger.Log(ctx, slog.LevelInfo, "operation completed", slog.Duration("duration", time.Since(start)))
		}
	}
}

// ModuleAttr groups a module identifier and version.
func ModuleAttr(module, version string) slog.Attr {
	return slog.Group("module",
		slog.String("name", module),
		slog.String("version", version),
	)
}

// DescriptorAttr creates a log attribute for an OCI descriptor.
func DescriptorAttr(descriptor ociImageSpecV1.Descriptor) slog.Attr {
	return slog.Group("descriptor",
		slog.String("mediaType", descriptor.MediaType),
		slog.String("digest", descriptor.Digest.String()),
		slog.Int64("size", descriptor.Size),
	)
}
