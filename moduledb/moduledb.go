// Package moduledb keeps the per-module version index and the advisory lock
// that guards mutations of it.
//
// The index and the lock of a module are stored as two JSON records in a
// RecordStore. The remote store offers no distributed lock, so acquisition
// is a check-then-write: a lock record {owner, expiry} is written only if no
// unexpired record of another owner exists. If the store implements
// ConditionalStore the write is conditional on the record read before, which
// closes the race between processes; otherwise acquisition is best effort
// across processes and only serialized within this one.
//
// Locks are not renewed automatically. Long running publishes re-acquire
// with the same owner token before the TTL expires.
package moduledb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"ocm.software/open-component-model/registry/errdefs"
	"ocm.software/open-component-model/registry/internal/log"
	"ocm.software/open-component-model/registry/module"
)

const realm = "moduledb"

const (
	indexKeyPrefix = "index/"
	lockKeyPrefix  = "lock/"
)

// Entry is the full state of a module in the database.
type Entry struct {
	Module   string
	Versions []module.Version
	// LockOwner is empty when the module is not locked.
	LockOwner  string
	LockExpiry time.Time
}

// Locked reports whether the entry holds an unexpired lock at now.
func (e *Entry) Locked(now time.Time) bool {
	return e.LockOwner != "" && now.Before(e.LockExpiry)
}

type indexRecord struct {
	Module   string           `json:"module"`
	Versions []module.Version `json:"versions"`
}

type lockRecord struct {
	Module string    `json:"module"`
	Owner  string    `json:"owner"`
	Expiry time.Time `json:"expiry"`
}

type Options struct {
	// Clock returns the current time, used for lock expiry.
	Clock func() time.Time
}

type Option func(*Options)

func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		o.Clock = clock
	}
}

// DB is the module database.
type DB struct {
	store RecordStore
	now   func() time.Time

	// mu serializes read-modify-write cycles within this process.
	mu sync.Mutex
}

func New(store RecordStore, opts ...Option) *DB {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	if options.Clock == nil {
		options.Clock = time.Now
	}
	return &DB{store: store, now: options.Clock}
}

// AcquireLock tries to lock module for owner for the duration of ttl.
// It returns false if another owner holds an unexpired lock. The same owner
// acquiring again extends the expiry.
func (d *DB) AcquireLock(ctx context.Context, moduleID, owner string, ttl time.Duration) (bool, error) {
	if owner == "" {
		return false, errors.New("lock owner must not be empty")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	current, raw, err := d.readLock(ctx, moduleID)
	if err != nil {
		return false, err
	}
	now := d.now()
	if current != nil && current.Owner != "" && current.Owner != owner && now.Before(current.Expiry) {
		log.Realm(ctx, realm).DebugContext(ctx, "module is locked by another owner",
			slog.String("module", moduleID), slog.String("owner", current.Owner), slog.Time("expiry", current.Expiry))
		return false, nil
	}

	record := lockRecord{Module: moduleID, Owner: owner, Expiry: now.Add(ttl)}
	written, err := d.write(ctx, lockKeyPrefix+moduleID, raw, record)
	if err != nil {
		return false, fmt.Errorf("writing lock record of module %q failed: %w", moduleID, err)
	}
	if !written {
		log.Realm(ctx, realm).DebugContext(ctx, "lost lock race", slog.String("module", moduleID))
		return false, nil
	}
	log.Realm(ctx, realm).DebugContext(ctx, "acquired lock",
		slog.String("module", moduleID), slog.String("owner", owner), slog.Time("expiry", record.Expiry))
	return true, nil
}

// ReleaseLock releases the lock of module held by owner. It returns false if
// the lock was not held (released before or expired). Releasing a lock held
// by another owner fails with ObjectLockedError, releasing the lock of a
// module that has no records fails with UnknownModuleError.
func (d *DB) ReleaseLock(ctx context.Context, moduleID, owner string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, raw, err := d.readLock(ctx, moduleID)
	if err != nil {
		return false, err
	}
	if current == nil {
		if _, _, err := d.readIndex(ctx, moduleID); err != nil {
			return false, err
		}
		return false, nil
	}
	if current.Owner == "" || !d.now().Before(current.Expiry) {
		return false, nil
	}
	if current.Owner != owner {
		return false, &errdefs.ObjectLockedError{Module: moduleID, Owner: current.Owner}
	}

	written, err := d.write(ctx, lockKeyPrefix+moduleID, raw, lockRecord{Module: moduleID})
	if err != nil {
		return false, fmt.Errorf("writing lock record of module %q failed: %w", moduleID, err)
	}
	if !written {
		// the record changed between read and write, report who has it now
		if latest, _, err := d.readLock(ctx, moduleID); err == nil && latest != nil && latest.Owner != owner {
			return false, &errdefs.ObjectLockedError{Module: moduleID, Owner: latest.Owner}
		}
		return false, fmt.Errorf("lock record of module %q changed concurrently", moduleID)
	}
	log.Realm(ctx, realm).DebugContext(ctx, "released lock", slog.String("module", moduleID), slog.String("owner", owner))
	return true, nil
}

// ListVersions returns the versions of module in registration order.
func (d *DB) ListVersions(ctx context.Context, moduleID string) ([]module.Version, error) {
	index, _, err := d.readIndex(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(index.Versions), nil
}

// AddVersion registers a new version of module. owner must hold an
// unexpired lock of the module, otherwise it fails with ModuleLockedError.
// Registering an existing version fails with VersionExistsError.
func (d *DB) AddVersion(ctx context.Context, moduleID, owner string, v module.Version) (err error) {
	if v.Version == "" {
		return errors.New("version must not be empty")
	}
	done := log.Operation(ctx, realm, "add version", log.ModuleAttr(moduleID, v.Version))
	defer func() { done(err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	lock, _, err := d.readLock(ctx, moduleID)
	if err != nil {
		return err
	}
	if lock == nil || lock.Owner != owner || !d.now().Before(lock.Expiry) {
		lockedErr := &errdefs.ModuleLockedError{Module: moduleID}
		if lock != nil && lock.Owner != owner && d.now().Before(lock.Expiry) {
			lockedErr.Owner, lockedErr.Expiry = lock.Owner, lock.Expiry
		}
		return lockedErr
	}

	index, raw, err := d.readIndex(ctx, moduleID)
	if err != nil && !errors.Is(err, errdefs.ErrUnknownModule) {
		return err
	}
	if index == nil {
		index = &indexRecord{Module: moduleID}
	}
	if _, exists := module.Find(index.Versions, v.Version); exists {
		return &errdefs.VersionExistsError{Module: moduleID, Version: v.Version}
	}
	if v.Published.IsZero() {
		v.Published = d.now().UTC()
	}
	index.Versions = append(index.Versions, v)

	written, err := d.write(ctx, indexKeyPrefix+moduleID, raw, index)
	if err != nil {
		return fmt.Errorf("writing index of module %q failed: %w", moduleID, err)
	}
	if !written {
		return fmt.Errorf("index of module %q changed concurrently: %w", moduleID, &errdefs.ModuleLockedError{Module: moduleID})
	}
	return nil
}

// Entry returns the combined index and lock state of module.
func (d *DB) Entry(ctx context.Context, moduleID string) (*Entry, error) {
	lock, _, err := d.readLock(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	index, _, err := d.readIndex(ctx, moduleID)
	if err != nil && (lock == nil || !errors.Is(err, errdefs.ErrUnknownModule)) {
		return nil, err
	}
	entry := &Entry{Module: moduleID}
	if index != nil {
		entry.Versions = index.Versions
	}
	if lock != nil && lock.Owner != "" {
		entry.LockOwner = lock.Owner
		entry.LockExpiry = lock.Expiry
	}
	return entry, nil
}

// readLock returns the lock record and its raw form, or nil if the module
// was never locked.
func (d *DB) readLock(ctx context.Context, moduleID string) (*lockRecord, []byte, error) {
	raw, err := d.store.Get(ctx, lockKeyPrefix+moduleID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading lock record of module %q failed: %w", moduleID, err)
	}
	record := &lockRecord{}
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, nil, fmt.Errorf("decoding lock record of module %q failed: %w", moduleID, err)
	}
	return record, raw, nil
}

// readIndex returns the index record and its raw form. A missing index is
// reported as UnknownModuleError.
func (d *DB) readIndex(ctx context.Context, moduleID string) (*indexRecord, []byte, error) {
	raw, err := d.store.Get(ctx, indexKeyPrefix+moduleID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil, &errdefs.UnknownModuleError{Module: moduleID}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading index of module %q failed: %w", moduleID, err)
	}
	record := &indexRecord{}
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, nil, fmt.Errorf("decoding index of module %q failed: %w", moduleID, err)
	}
	return record, raw, nil
}

// write stores record under key. With a ConditionalStore the write only
// succeeds if the stored record still equals previous; written is false if
// it did not.
func (d *DB) write(ctx context.Context, key string, previous []byte, record any) (written bool, err error) {
	data, err := json.Marshal(record)
	if err != nil {
		return false, err
	}
	if conditional, ok := d.store.(ConditionalStore); ok {
		err := conditional.PutIf(ctx, key, previous, data)
		if errors.Is(err, ErrPreconditionFailed) {
			return false, nil
		}
		return err == nil, err
	}
	if err := d.store.Put(ctx, key, data); err != nil {
		return false, err
	}
	return true, nil
}
