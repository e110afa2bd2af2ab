/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package asynclock implements a three-mode, re-entrant, async reader/writer
// lock: Read, UpgradeableRead and Write. It is the base-lock collaborator
// that package reslock layers resource preparation on top of; this package
// itself knows nothing about resources, only about admission and hooks.
//
// Since Go has no goroutine-local storage, the "ambient lock" context that a
// .NET-style AsyncReaderWriterLock keeps on the executing thread is threaded
// explicitly through context.Context. Every Acquire call returns the
// context.Context a caller must use for nested work; that context carries
// the lock-chain needed for re-entrancy, hiding and aggregate-flag checks.
package asynclock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Mode names one of the three lock modes.
type Mode int

const (
	ModeNone Mode = iota
	ModeRead
	ModeUpgradeableRead
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "Read"
	case ModeUpgradeableRead:
		return "UpgradeableRead"
	case ModeWrite:
		return "Write"
	default:
		return "None"
	}
}

// Flags are the bitwise-combinable lock flags forwarded across nested locks.
type Flags uint8

const (
	FlagNone Flags = 0
	// FlagStickyWrite is recorded on the acquisition and reported through
	// AggregateLockFlags. This package does not act on it: a Write reached by
	// upgrading an UpgradeableRead is released when its own Releaser
	// releases, with or without this flag.
	FlagStickyWrite Flags = 1 << iota
	// FlagSkipInitialPreparation is never interpreted by this package; it is
	// forwarded through AggregateLockFlags purely for the subclass's benefit.
	FlagSkipInitialPreparation
)

var (
	ErrInvalidUpgrade = errors.New("asynclock: cannot acquire this mode while holding a weaker mode on the same lock")
)

// LockState reports which modes of a particular lock are held by the
// ambient context, aggregated across the whole nested chain.
type LockState struct {
	Read            bool
	UpgradeableRead bool
	Write           bool
}

func (s LockState) Any() bool { return s.Read || s.UpgradeableRead || s.Write }

// lockContext is one node of the explicit "goroutine-local" lock stack that
// we carry through context.Context, since Go has no thread-local storage.
type lockContext struct {
	parent *lockContext
	lock   *AsyncReaderWriterLock
	mode   Mode
	flags  Flags
	owns   bool // true if this node actually mutated admission counters
	hidden bool // true if this node is a HideLocks marker
}

type ctxKey struct{ lock *AsyncReaderWriterLock }

func fromContext(ctx context.Context, l *AsyncReaderWriterLock) *lockContext {
	lc, _ := ctx.Value(ctxKey{l}).(*lockContext)
	return lc
}

func withContext(ctx context.Context, lc *lockContext) context.Context {
	return context.WithValue(ctx, ctxKey{lc.lock}, lc)
}

// AsyncReaderWriterLock is the pre-existing three-mode re-entrant lock that
// package reslock treats as a black box collaborator (see SPEC_FULL.md §6).
type AsyncReaderWriterLock struct {
	mu sync.Mutex // the lock's private mutex; reslock reuses this exact object as its own syncObject

	readers        int
	upgradeable    bool
	writer         bool
	pendingUpgrade bool // an upgradeable holder is draining readers to upgrade to Write

	wake chan struct{} // closed and replaced on every state change; broadcasts to all waiters

	onExclusiveReleased   []func(context.Context) error
	onUpgradeableReleased []func()
}

// New creates an unheld AsyncReaderWriterLock.
func New() *AsyncReaderWriterLock {
	return &AsyncReaderWriterLock{wake: make(chan struct{})}
}

// SyncObject exposes the lock's private mutex. reslock.ResourceManager takes
// this exact mutex for the duration of table inspection/replacement, per
// SPEC_FULL.md §5's "the base lock's private mutex is the only mutex in the
// core" discipline.
func (l *AsyncReaderWriterLock) SyncObject() *sync.Mutex { return &l.mu }

// OnExclusiveLockReleased registers a hook invoked synchronously (from the
// releasing goroutine, while the lock still blocks new entrants) whenever
// the outermost Write lock releases.
func (l *AsyncReaderWriterLock) OnExclusiveLockReleased(hook func(context.Context) error) {
	l.mu.Lock()
	l.onExclusiveReleased = append(l.onExclusiveReleased, hook)
	l.mu.Unlock()
}

// OnUpgradeableReadLockReleased registers a hook invoked whenever the
// outermost UpgradeableRead lock releases.
func (l *AsyncReaderWriterLock) OnUpgradeableReadLockReleased(hook func()) {
	l.mu.Lock()
	l.onUpgradeableReleased = append(l.onUpgradeableReleased, hook)
	l.mu.Unlock()
}

// Releaser is returned by the Acquire* operations; Release is idempotent-free
// (calling it twice is a programmer error, matching the teacher's defer-once
// discipline in storage/shard.go).
type Releaser struct {
	l    *AsyncReaderWriterLock
	mode Mode
	lc   *lockContext
}

func (l *AsyncReaderWriterLock) broadcastLocked() {
	close(l.wake)
	l.wake = make(chan struct{})
}

func (l *AsyncReaderWriterLock) canAdmit(mode Mode) bool {
	switch mode {
	case ModeRead:
		return !l.writer && !l.pendingUpgrade
	case ModeUpgradeableRead:
		return !l.writer && !l.upgradeable && !l.pendingUpgrade
	case ModeWrite:
		return !l.writer && !l.upgradeable && l.readers == 0
	default:
		return false
	}
}

func (l *AsyncReaderWriterLock) admitLocked(mode Mode) {
	switch mode {
	case ModeRead:
		l.readers++
	case ModeUpgradeableRead:
		l.upgradeable = true
	case ModeWrite:
		l.writer = true
	}
}

// ReadLock acquires a (possibly re-entrant) Read lock.
func (l *AsyncReaderWriterLock) ReadLock(ctx context.Context) (*Releaser, context.Context, error) {
	return l.acquire(ctx, ModeRead, FlagNone)
}

// UpgradeableReadLock acquires a (possibly re-entrant) UpgradeableRead lock.
func (l *AsyncReaderWriterLock) UpgradeableReadLock(ctx context.Context, flags Flags) (*Releaser, context.Context, error) {
	return l.acquire(ctx, ModeUpgradeableRead, flags)
}

// WriteLock acquires a (possibly re-entrant, possibly upgrading) Write lock.
func (l *AsyncReaderWriterLock) WriteLock(ctx context.Context, flags Flags) (*Releaser, context.Context, error) {
	return l.acquire(ctx, ModeWrite, flags)
}

func (l *AsyncReaderWriterLock) acquire(ctx context.Context, mode Mode, flags Flags) (*Releaser, context.Context, error) {
	parent := fromContext(ctx, l)
	if parent != nil && !parent.hidden {
		if lc, err := l.tryReenter(ctx, parent, mode, flags); lc != nil || err != nil {
			if err != nil {
				return nil, ctx, err
			}
			return &Releaser{l: l, mode: mode, lc: lc}, withContext(ctx, lc), nil
		}
	}

	l.mu.Lock()
	for {
		if l.canAdmit(mode) {
			l.admitLocked(mode)
			l.mu.Unlock()
			lc := &lockContext{parent: parent, lock: l, mode: mode, flags: flags, owns: true}
			return &Releaser{l: l, mode: mode, lc: lc}, withContext(ctx, lc), nil
		}
		waitCh := l.wake
		l.mu.Unlock()
		select {
		case <-waitCh:
		case <-ctx.Done():
			return nil, ctx, ctx.Err()
		}
		l.mu.Lock()
	}
}

// tryReenter handles the case where the calling context already holds some
// mode of this exact lock. It returns (lc, nil) when the request was
// satisfied re-entrantly, (nil, nil) when the caller holds no compatible
// ancestor node for this lock and a fresh acquisition is required, or
// (nil, err) when the requested upgrade is invalid.
func (l *AsyncReaderWriterLock) tryReenter(ctx context.Context, parent *lockContext, mode Mode, flags Flags) (*lockContext, error) {
	// walk the whole chain belonging to this lock to find the strongest mode held
	strongest := ModeNone
	for p := parent; p != nil; p = p.parent {
		if p.hidden {
			break
		}
		if p.mode > strongest {
			strongest = p.mode
		}
	}
	if strongest == ModeNone {
		return nil, nil
	}

	switch {
	case mode <= strongest && !(mode == ModeWrite && strongest == ModeUpgradeableRead):
		// same or weaker mode already held: pure passthrough, no admission change
		return &lockContext{parent: parent, lock: l, mode: mode, flags: flags, owns: false}, nil
	case mode == ModeWrite && strongest == ModeUpgradeableRead:
		// the upgrade path: drain readers, then become the writer
		l.mu.Lock()
		l.pendingUpgrade = true
		for l.readers > 0 {
			waitCh := l.wake
			l.mu.Unlock()
			select {
			case <-waitCh:
			case <-ctx.Done():
				l.mu.Lock()
				l.pendingUpgrade = false
				l.mu.Unlock()
				return nil, ctx.Err()
			}
			l.mu.Lock()
		}
		l.writer = true
		l.pendingUpgrade = false
		l.mu.Unlock()
		return &lockContext{parent: parent, lock: l, mode: mode, flags: flags, owns: true}, nil
	default:
		// e.g. requesting UpgradeableRead or Write while only holding Read
		return nil, fmt.Errorf("%w: held %s, requested %s", ErrInvalidUpgrade, strongest, mode)
	}
}

// Release unwinds one acquisition. For a re-entrant (non-owning) node this
// only pops the logical context; for the node that actually mutated
// admission counters it runs release hooks (synchronously, before admitting
// the next waiter) and then broadcasts.
func (r *Releaser) Release(ctx context.Context) error {
	if !r.lc.owns {
		return nil
	}
	l := r.l
	switch r.mode {
	case ModeRead:
		l.mu.Lock()
		l.readers--
		l.broadcastLocked()
		l.mu.Unlock()
	case ModeUpgradeableRead:
		hooks := l.snapshotUpgradeableHooks()
		for _, h := range hooks {
			h()
		}
		l.mu.Lock()
		l.upgradeable = false
		l.broadcastLocked()
		l.mu.Unlock()
	case ModeWrite:
		hooks := l.snapshotExclusiveHooks()
		var firstErr error
		for _, h := range hooks {
			if err := h(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		l.mu.Lock()
		l.writer = false
		l.broadcastLocked()
		l.mu.Unlock()
		return firstErr
	}
	return nil
}

func (l *AsyncReaderWriterLock) snapshotExclusiveHooks() []func(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]func(context.Context) error, len(l.onExclusiveReleased))
	copy(out, l.onExclusiveReleased)
	return out
}

func (l *AsyncReaderWriterLock) snapshotUpgradeableHooks() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]func(), len(l.onUpgradeableReleased))
	copy(out, l.onUpgradeableReleased)
	return out
}

// AmbientLock reports which modes of l the goroutine-logical chain in ctx
// holds, aggregated across nested re-entrant acquisitions.
func AmbientLock(ctx context.Context, l *AsyncReaderWriterLock) LockState {
	var s LockState
	for p := fromContext(ctx, l); p != nil; p = p.parent {
		if p.hidden {
			// a HideLocks boundary truncates visibility here: whatever the
			// delegate itself acquired below this point stays visible in s,
			// but the caller's lock state beyond the boundary does not.
			break
		}
		switch p.mode {
		case ModeRead:
			s.Read = true
		case ModeUpgradeableRead:
			s.UpgradeableRead = true
		case ModeWrite:
			s.Write = true
		}
	}
	return s
}

func IsWriteLockHeld(ctx context.Context, l *AsyncReaderWriterLock) bool {
	return AmbientLock(ctx, l).Write
}

func IsUpgradeableReadLockHeld(ctx context.Context, l *AsyncReaderWriterLock) bool {
	return AmbientLock(ctx, l).UpgradeableRead
}

func IsAnyLockHeld(ctx context.Context, l *AsyncReaderWriterLock) bool {
	return AmbientLock(ctx, l).Any()
}

// AggregateLockFlags returns the bitwise-OR of flags across every nested
// acquisition of l in the ambient chain.
func AggregateLockFlags(ctx context.Context, l *AsyncReaderWriterLock) Flags {
	var flags Flags
	for p := fromContext(ctx, l); p != nil; p = p.parent {
		if p.hidden {
			break
		}
		flags |= p.flags
	}
	return flags
}

// HideLocks derives a context under which AmbientLock/IsXHeld report no lock
// held for l, without disturbing re-entrancy tracking for the real context.
// This realizes SPEC_FULL.md §5's "preparation-time lock hiding": a
// preparation delegate invoked under this context cannot observe, and so
// cannot accidentally re-enter, its caller's lock.
func HideLocks(ctx context.Context, l *AsyncReaderWriterLock) context.Context {
	return withContext(ctx, &lockContext{lock: l, hidden: true})
}
