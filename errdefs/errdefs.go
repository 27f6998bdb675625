// Package errdefs defines the error taxonomy shared by the registry packages.
//
// Every failure condition has a sentinel error and a Kind. Typed errors carry
// the context of a failure (module, range, cycle path, lock owner) and match
// their sentinel through errors.Is, so callers can either switch on KindOf or
// use errors.Is / errors.As directly:
//
//	var cycle *errdefs.InfiniteRecursionError
//	if errors.As(err, &cycle) {
//		fmt.Println(strings.Join(cycle.Path, " -> "))
//	}
package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an error. Lock contention, unknown modules and cycles are
// always distinct kinds.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnresolvableDependency
	KindInfiniteRecursion
	KindModuleLocked
	KindObjectLocked
	KindUnknownModule
	KindConcurrentPublish
	KindTransport
	KindNotFound
	KindInvalidChildIndex
	KindUnauthorized
	KindWaitTimeout
	KindVersionExists
)

var kindNames = [...]string{
	"Unknown",
	"UnresolvableDependency",
	"InfiniteRecursion",
	"ModuleLocked",
	"ObjectLocked",
	"UnknownModule",
	"ConcurrentPublish",
	"Transport",
	"NotFound",
	"InvalidChildIndex",
	"Unauthorized",
	"WaitTimeout",
	"VersionExists",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

var (
	ErrUnresolvableDependency = errors.New("unresolvable dependency")
	ErrInfiniteRecursion      = errors.New("infinite recursion in dependency graph")
	ErrModuleLocked           = errors.New("module is locked")
	ErrObjectLocked           = errors.New("object is locked by another owner")
	ErrUnknownModule          = errors.New("unknown module")
	ErrConcurrentPublish      = errors.New("module is already being published")
	ErrTransport              = errors.New("transport failure")
	ErrNotFound               = errors.New("not found")
	ErrInvalidChildIndex      = errors.New("invalid child index")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrWaitTimeout            = errors.New("wait timed out")
	ErrVersionExists          = errors.New("version already exists")
)

// sentinels is ordered by the precedence used in KindOf: the more specific
// conditions are checked first.
var sentinels = []struct {
	err  error
	kind Kind
}{
	{ErrInfiniteRecursion, KindInfiniteRecursion},
	{ErrUnresolvableDependency, KindUnresolvableDependency},
	{ErrUnknownModule, KindUnknownModule},
	{ErrModuleLocked, KindModuleLocked},
	{ErrObjectLocked, KindObjectLocked},
	{ErrConcurrentPublish, KindConcurrentPublish},
	{ErrVersionExists, KindVersionExists},
	{ErrInvalidChildIndex, KindInvalidChildIndex},
	{ErrWaitTimeout, KindWaitTimeout},
	{ErrUnauthorized, KindUnauthorized},
	{ErrNotFound, KindNotFound},
	{ErrTransport, KindTransport},
}

// KindOf returns the Kind of the first known sentinel found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindUnknown
}

// UnresolvableDependencyError is returned when no available version of a
// module satisfies a declared range.
type UnresolvableDependencyError struct {
	Module    string
	Range     string
	Available []string
	// Err is an optional cause, e.g. a malformed range.
	Err error
}

func (e *UnresolvableDependencyError) Error() string {
	msg := fmt.Sprintf("no version of %q satisfies %q (available: [%s])", e.Module, e.Range, strings.Join(e.Available, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnresolvableDependencyError) Is(target error) bool {
	return target == ErrUnresolvableDependency
}

func (e *UnresolvableDependencyError) Unwrap() error { return e.Err }

// InfiniteRecursionError is returned when a module reappears on the active
// resolution stack. Path starts and ends with the repeated module.
type InfiniteRecursionError struct {
	Path []string
}

func (e *InfiniteRecursionError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

func (e *InfiniteRecursionError) Is(target error) bool {
	return target == ErrInfiniteRecursion
}

// ModuleLockedError is returned when a module index is mutated without
// holding its lock.
type ModuleLockedError struct {
	Module string
	Owner  string
	Expiry time.Time
}

func (e *ModuleLockedError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("module %q is not locked by the caller", e.Module)
	}
	return fmt.Sprintf("module %q is locked by %q until %s", e.Module, e.Owner, e.Expiry.UTC().Format(time.RFC3339Nano))
}

func (e *ModuleLockedError) Is(target error) bool {
	return target == ErrModuleLocked
}

// ObjectLockedError is returned when a lock is released by someone other
// than its owner.
type ObjectLockedError struct {
	Module string
	Owner  string
}

func (e *ObjectLockedError) Error() string {
	return fmt.Sprintf("lock of module %q is held by %q", e.Module, e.Owner)
}

func (e *ObjectLockedError) Is(target error) bool {
	return target == ErrObjectLocked
}

// UnknownModuleError is returned for module identifiers that were never
// published.
type UnknownModuleError struct {
	Module string
}

func (e *UnknownModuleError) Error() string {
	return fmt.Sprintf("module %q is unknown", e.Module)
}

func (e *UnknownModuleError) Is(target error) bool {
	return target == ErrUnknownModule
}

// ConcurrentPublishError is returned when a module is already mid-publish in
// this process and the bounded wait for it elapsed.
type ConcurrentPublishError struct {
	Module string
	Err    error
}

func (e *ConcurrentPublishError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("module %q is already being published: %v", e.Module, e.Err)
	}
	return fmt.Sprintf("module %q is already being published", e.Module)
}

func (e *ConcurrentPublishError) Is(target error) bool {
	return target == ErrConcurrentPublish
}

func (e *ConcurrentPublishError) Unwrap() error { return e.Err }

// TransportError wraps a network or storage failure.
type TransportError struct {
	Op      string
	Module  string
	Version string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s@%s: %v", e.Op, e.Module, e.Version, e.Err)
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error { return e.Err }

// NotFoundError is returned by storage drivers for missing artifacts.
type NotFoundError struct {
	Module  string
	Version string
	Err     error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("artifact %s@%s not found", e.Module, e.Version)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// InvalidChildIndexError is a programming error: a WaitFor child was
// addressed that was never registered.
type InvalidChildIndexError struct {
	Index    int
	Children int
}

func (e *InvalidChildIndexError) Error() string {
	return fmt.Sprintf("child index %d out of range, %d children registered", e.Index, e.Children)
}

func (e *InvalidChildIndexError) Is(target error) bool {
	return target == ErrInvalidChildIndex
}

// VersionExistsError is returned when a version is registered twice.
type VersionExistsError struct {
	Module  string
	Version string
}

func (e *VersionExistsError) Error() string {
	return fmt.Sprintf("version %q of module %q already exists", e.Version, e.Module)
}

func (e *VersionExistsError) Is(target error) bool {
	return target == ErrVersionExists
}
