// Package memcall wraps the OS-level memory primitives (mlock, mprotect,
// guarded alloc/free) behind a small interface so the secret package can be
// exercised with a fake in tests without touching real page protections.
package memcall

import "github.com/awnumar/memcall"

// ProtectionFlag specifies a page protection mode for a memory region.
type ProtectionFlag = memcall.MemoryProtectionFlag

// NoAccess marks memory unreadable and immutable.
func NoAccess() ProtectionFlag { return memcall.NoAccess() }

// ReadOnly marks memory read-only.
func ReadOnly() ProtectionFlag { return memcall.ReadOnly() }

// ReadWrite marks memory readable and writable.
func ReadWrite() ProtectionFlag { return memcall.ReadWrite() }

type Allocator interface {
	Alloc(size int) ([]byte, error)
}

type Freer interface {
	Free([]byte) error
}

type Protector interface {
	Protect([]byte, ProtectionFlag) error
}

type Locker interface {
	Lock([]byte) error
}

type Unlocker interface {
	Unlock([]byte) error
}

// Interface is the full set of page-level operations a guarded buffer needs.
type Interface interface {
	Allocator
	Freer
	Protector
	Locker
	Unlocker
}

// Default wraps the real awnumar/memcall syscalls.
var Default Interface = &osCaller{}

type osCaller struct{}

func (*osCaller) Alloc(size int) ([]byte, error)           { return memcall.Alloc(size) }
func (*osCaller) Protect(b []byte, f ProtectionFlag) error { return memcall.Protect(b, f) }
func (*osCaller) Lock(b []byte) error                      { return memcall.Lock(b) }
func (*osCaller) Unlock(b []byte) error                    { return memcall.Unlock(b) }
func (*osCaller) Free(b []byte) error                      { return memcall.Free(b) }

// Cleaner groups the operations needed to release a region on an error path.
type Cleaner interface {
	Freer
	Unlocker
}

// Clean unlocks and frees b, combining any errors from either step.
func Clean(c Cleaner, b []byte) error {
	unlockErr := c.Unlock(b)
	freeErr := c.Free(b)

	switch {
	case unlockErr != nil && freeErr != nil:
		return errJoin(unlockErr, freeErr)
	case unlockErr != nil:
		return unlockErr
	default:
		return freeErr
	}
}

func errJoin(a, b error) error {
	return &cleanupError{unlock: a, free: b}
}

type cleanupError struct {
	unlock, free error
}

func (e *cleanupError) Error() string {
	return "unlock: " + e.unlock.Error() + "; free: " + e.free.Error()
}
