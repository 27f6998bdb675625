package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ocm.software/open-component-model/registry/errdefs"
	"ocm.software/open-component-model/registry/internal/log"
	"ocm.software/open-component-model/registry/semaphore"
	"ocm.software/open-component-model/registry/storage"
)

// Uploader dispatches artifacts to a storage driver. Pushes of the same
// module version are serialized so that it is never pushed twice
// concurrently.
type Uploader struct {
	driver    storage.Driver
	semaphore *semaphore.Semaphore
	wait      time.Duration
}

// NewUploader returns an uploader that waits at most wait for a concurrent
// push of the same module version.
func NewUploader(driver storage.Driver, sem *semaphore.Semaphore, wait time.Duration) *Uploader {
	return &Uploader{driver: driver, semaphore: sem, wait: wait}
}

// Semaphore keys of publishes and pushes live in separate namespaces, so a
// module identifier never collides with a push key.
const (
	publishKeyPrefix = "publish/"
	pushKeyPrefix    = "push/"
)

// PublishKey is the semaphore key a publish of moduleID holds.
func PublishKey(moduleID string) string {
	return publishKeyPrefix + moduleID
}

// PushKey is the semaphore key a push of the module version holds.
func PushKey(moduleID, version string) string {
	return pushKeyPrefix + moduleID + "@" + version
}

// Dispatch pushes data as the artifact of the module version.
func (u *Uploader) Dispatch(ctx context.Context, moduleID, version string, data []byte) (_ storage.Ack, err error) {
	done := log.Operation(ctx, realm, "dispatch", log.ModuleAttr(moduleID, version), slog.Int("size", len(data)))
	defer func() { done(err) }()

	key := PushKey(moduleID, version)
	waitCtx, cancel := context.WithTimeout(ctx, u.wait)
	defer cancel()
	if err := u.semaphore.Acquire(waitCtx, key); err != nil {
		if ctx.Err() != nil {
			return storage.Ack{}, ctx.Err()
		}
		return storage.Ack{}, &errdefs.ConcurrentPublishError{Module: moduleID, Err: fmt.Errorf("waiting for push of %s: %w", key, err)}
	}
	defer u.semaphore.Release(key)

	return u.driver.Push(ctx, moduleID, version, data)
}
