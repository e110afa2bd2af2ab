/*
Copyright (C) 2025-2026  MemCP Contributors

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

package reslock

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/launix-de/reslock/asynclock"
	"github.com/launix-de/reslock/resched"
)

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Preparer is the extension point a caller implements to describe how a
// resource is fetched and brought into a mode fit for concurrent or
// exclusive access (SPEC_FULL.md §6 "supplied to subclass").
type Preparer[R any, M comparable] interface {
	// Fetch resolves moniker to a resource instance. Called on the caller's
	// own goroutine, never under the manager's mutex.
	Fetch(ctx context.Context, moniker M) (*R, error)
	// PrepareConcurrent brings r into a state fit for concurrent readers.
	PrepareConcurrent(ctx context.Context, r *R) error
	// PrepareExclusive brings r into a state fit for exclusive writers.
	// aggregateFlags is the bitwise-OR of every nested lock's flags.
	PrepareExclusive(ctx context.Context, r *R, aggregateFlags asynclock.Flags) error
	// PreparationScheduler names where r's preparation continuations run. A
	// Preparer with no scheduler preference of its own may return a single
	// shared *resched.Scheduler for every r.
	PreparationScheduler(r *R) *resched.Scheduler
}

// ResourceManager is the per-lock table of PreparationRecords: it decides
// when to start, chain or reuse a preparation, and enforces the resource
// state machine of SPEC_FULL.md §3/§4.6. It is always used through a
// LockFacade, which supplies the base lock whose private mutex it reuses.
type ResourceManager[R any, M comparable] struct {
	lock     *asynclock.AsyncReaderWriterLock
	preparer Preparer[R, M]
	metrics  *Metrics

	records *WeakKeyTable[R, *PreparationRecord]

	// accessedUnderUpgradeable is guarded by lock.SyncObject(), exactly like
	// records: SPEC_FULL.md §5 permits only the base lock's private mutex.
	accessedUnderUpgradeable map[*R]struct{}
}

// NewResourceManager builds a manager layered over lock. It does not register
// the manager's exclusive/upgradeable-release hooks with lock; NewLockFacade
// does that on construction, which is why a caller ordinarily goes through
// LockFacade instead of invoking this directly.
func NewResourceManager[R any, M comparable](lock *asynclock.AsyncReaderWriterLock, preparer Preparer[R, M]) *ResourceManager[R, M] {
	m := &ResourceManager[R, M]{
		lock:                     lock,
		preparer:                 preparer,
		records:                  NewWeakKeyTable[R, *PreparationRecord](lock.SyncObject()),
		accessedUnderUpgradeable: make(map[*R]struct{}),
	}
	return m
}

// SetMetrics attaches prometheus instrumentation. Safe to call once before
// the manager sees any traffic; nil disables instrumentation (the default).
func (m *ResourceManager[R, M]) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
}

// GetResource resolves moniker via the Preparer's Fetch, then blocks until
// the resource is in a mode fit for the caller's currently-held lock,
// per SPEC_FULL.md §4.4.
func (m *ResourceManager[R, M]) GetResource(ctx context.Context, moniker M) (*R, error) {
	if !asynclock.IsAnyLockHeld(ctx, m.lock) {
		return nil, ErrNoLockHeld
	}

	nominal, nominalCtx, err := m.lock.ReadLock(ctx)
	if err != nil {
		return nil, err
	}
	defer nominal.Release(ctx)

	r, err := m.preparer.Fetch(ctx, moniker)
	if err != nil {
		return nil, err
	}

	sync := m.lock.SyncObject()
	sync.Lock()
	m.markAccessed(nominalCtx, r)
	ch := m.prepare(nominalCtx, r, false)
	sync.Unlock()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// markAccessed must be called while m.lock.SyncObject() is held. It records r
// as having been touched under a still-open upgradeable-read (without a
// nested write) so onExclusiveLockReleased knows to re-prepare it eagerly.
func (m *ResourceManager[R, M]) markAccessed(ctx context.Context, r *R) {
	state := asynclock.AmbientLock(ctx, m.lock)
	if !state.UpgradeableRead || state.Write {
		return
	}
	m.accessedUnderUpgradeable[r] = struct{}{}
}

// MarkAccessed tags every currently-tracked resource matching predicate as
// accessed-under-upgradeable-read, as if GetResource had just been called for
// it. It is a no-op (returns false) unless the ambient lock is Write or
// UpgradeableRead.
func (m *ResourceManager[R, M]) MarkAccessed(ctx context.Context, predicate func(*R) bool) bool {
	state := asynclock.AmbientLock(ctx, m.lock)
	if !state.Write && !state.UpgradeableRead {
		return false
	}

	sync := m.lock.SyncObject()
	sync.Lock()
	defer sync.Unlock()
	matched := false
	for _, e := range m.records.Iterate() {
		if predicate(e.Key) {
			m.markAccessed(ctx, e.Key)
			matched = true
		}
	}
	return matched
}

// MarkAllUnknown forces every tracked resource's record to ModeUnknown,
// chaining a replacement that simply awaits the predecessor. Requires a held
// write lock, per SPEC_FULL.md §4.4.
func (m *ResourceManager[R, M]) MarkAllUnknown(ctx context.Context) error {
	if !asynclock.IsWriteLockHeld(ctx, m.lock) {
		return ErrInvalidState
	}
	sync := m.lock.SyncObject()
	sync.Lock()
	defer sync.Unlock()
	m.markAllUnknownLocked()
	return nil
}

func (m *ResourceManager[R, M]) markAllUnknownLocked() {
	for _, e := range m.records.Iterate() {
		old := e.Value
		scheduler := m.preparer.PreparationScheduler(e.Key)
		replacement, _ := newPreparationRecord(context.Background(), ModeUnknown, scheduler, false,
			func(combinedCtx context.Context) (any, error) {
				<-old.done()
				res := old.shared.snapshot()
				return res.Value, res.Err
			})
		m.records.Set(e.Key, replacement)
	}
}

// prepare must be called while m.lock.SyncObject() is held. It returns a
// channel that completes once r is in the required mode; the channel itself
// may complete asynchronously, after the mutex has been released by the
// caller (SPEC_FULL.md §4.4 step 5).
func (m *ResourceManager[R, M]) prepare(ctx context.Context, r *R, forceConcurrent bool) <-chan Result {
	mode := ModeConcurrent
	if !forceConcurrent && asynclock.IsWriteLockHeld(ctx, m.lock) {
		mode = ModeExclusive
	}
	scheduler := m.preparer.PreparationScheduler(r)

	existing, ok := m.records.Get(r)
	if !ok {
		record, ch := m.startFreshLocked(ctx, r, mode, scheduler)
		m.records.Set(r, record)
		m.observeStarted(mode)
		return ch
	}

	if existing.targetMode != mode || existing.isFaulted() {
		record, ch := m.startChainedLocked(ctx, r, mode, scheduler, existing)
		m.records.Set(r, record)
		m.observeStarted(mode)
		return ch
	}

	if ch, ok := existing.TryJoinPreparationTask(ctx); ok {
		m.observeJoined(mode)
		return ch
	}

	// existing was abandoned by every previous waiter (it is still running
	// with no waiters left, or it already finished cancelled): await its
	// outcome and replay it if it still completed successfully,
	// only re-running the delegate if it ended up cancelled or faulted
	// (SPEC_FULL.md §4.4 step 4).
	record, ch := m.startResumeLocked(ctx, r, mode, scheduler, existing)
	m.records.Set(r, record)
	m.observeStarted(mode)
	return ch
}

func (m *ResourceManager[R, M]) observeStarted(mode Mode) {
	if m.metrics == nil {
		return
	}
	m.metrics.PreparationsStarted.WithLabelValues(mode.String()).Inc()
	m.metrics.LiveRecords.Set(float64(m.records.Len()))
}

func (m *ResourceManager[R, M]) observeJoined(mode Mode) {
	if m.metrics == nil {
		return
	}
	m.metrics.PreparationsJoined.WithLabelValues(mode.String()).Inc()
}

func (m *ResourceManager[R, M]) observeOutcome(mode Mode, err error) {
	if m.metrics == nil || err == nil {
		return
	}
	if isCancellation(err) {
		m.metrics.PreparationsCanceled.WithLabelValues(mode.String()).Inc()
	} else {
		m.metrics.PreparationsFaulted.WithLabelValues(mode.String()).Inc()
	}
}

func (m *ResourceManager[R, M]) startFreshLocked(ctx context.Context, r *R, mode Mode, scheduler *resched.Scheduler) (*PreparationRecord, <-chan Result) {
	delegateCtx := ctx
	if mode == ModeConcurrent && (asynclock.IsWriteLockHeld(ctx, m.lock) || asynclock.IsUpgradeableReadLockHeld(ctx, m.lock)) {
		delegateCtx = asynclock.HideLocks(ctx, m.lock)
	}
	flags := asynclock.AggregateLockFlags(ctx, m.lock)

	return newPreparationRecord(ctx, mode, scheduler, true, func(combinedCtx context.Context) (any, error) {
		var err error
		if mode == ModeExclusive {
			err = m.preparer.PrepareExclusive(delegateCtxWithValues(delegateCtx, combinedCtx), r, flags)
		} else {
			err = m.preparer.PrepareConcurrent(delegateCtxWithValues(delegateCtx, combinedCtx), r)
		}
		m.observeOutcome(mode, err)
		return nil, err
	})
}

func (m *ResourceManager[R, M]) startChainedLocked(ctx context.Context, r *R, mode Mode, scheduler *resched.Scheduler, predecessor *PreparationRecord) (*PreparationRecord, <-chan Result) {
	delegateCtx := ctx
	if mode == ModeConcurrent && (asynclock.IsWriteLockHeld(ctx, m.lock) || asynclock.IsUpgradeableReadLockHeld(ctx, m.lock)) {
		delegateCtx = asynclock.HideLocks(ctx, m.lock)
	}
	flags := asynclock.AggregateLockFlags(ctx, m.lock)

	return newPreparationRecord(ctx, mode, scheduler, true, func(combinedCtx context.Context) (any, error) {
		<-predecessor.done()
		var err error
		if mode == ModeExclusive {
			err = m.preparer.PrepareExclusive(delegateCtxWithValues(delegateCtx, combinedCtx), r, flags)
		} else {
			err = m.preparer.PrepareConcurrent(delegateCtxWithValues(delegateCtx, combinedCtx), r)
		}
		m.observeOutcome(mode, err)
		return nil, err
	})
}

// startResumeLocked chains a continuation after a predecessor that was
// abandoned by every previous waiter, whether it is still running or has
// already finished cancelled. Per SPEC_FULL.md
// §4.4 step 4, the continuation awaits the predecessor's outcome and only
// re-invokes the delegate if the predecessor ended up cancelled or faulted;
// a predecessor that raced to a successful completion before its combined
// context actually fired is replayed instead, so the delegate's side effects
// on r never run twice for the same transition.
func (m *ResourceManager[R, M]) startResumeLocked(ctx context.Context, r *R, mode Mode, scheduler *resched.Scheduler, predecessor *PreparationRecord) (*PreparationRecord, <-chan Result) {
	delegateCtx := ctx
	if mode == ModeConcurrent && (asynclock.IsWriteLockHeld(ctx, m.lock) || asynclock.IsUpgradeableReadLockHeld(ctx, m.lock)) {
		delegateCtx = asynclock.HideLocks(ctx, m.lock)
	}
	flags := asynclock.AggregateLockFlags(ctx, m.lock)

	return newPreparationRecord(ctx, mode, scheduler, true, func(combinedCtx context.Context) (any, error) {
		<-predecessor.done()
		if !predecessor.isCancelled() && !predecessor.isFaulted() {
			res := predecessor.shared.snapshot()
			return res.Value, res.Err
		}
		var err error
		if mode == ModeExclusive {
			err = m.preparer.PrepareExclusive(delegateCtxWithValues(delegateCtx, combinedCtx), r, flags)
		} else {
			err = m.preparer.PrepareConcurrent(delegateCtxWithValues(delegateCtx, combinedCtx), r)
		}
		m.observeOutcome(mode, err)
		return nil, err
	})
}

// delegateCtxWithValues lets the delegate observe combinedCtx's cancellation
// (so all-waiters-abandoned really stops the delegate) while still carrying
// delegateCtx's values, in particular any HideLocks marker.
func delegateCtxWithValues(delegateCtx, combinedCtx context.Context) context.Context {
	return valueOverlayCtx{Context: combinedCtx, values: delegateCtx}
}

type valueOverlayCtx struct {
	context.Context
	values context.Context
}

func (c valueOverlayCtx) Value(key any) any {
	if v := c.values.Value(key); v != nil {
		return v
	}
	return c.Context.Value(key)
}

// onExclusiveLockReleased is registered by LockFacade into the base lock's
// exclusive-release hook chain. It marks every resource Unknown, then
// eagerly and synchronously re-prepares every resource touched under a still
// -open upgradeable read, per SPEC_FULL.md §4.4.
func (m *ResourceManager[R, M]) onExclusiveLockReleased(ctx context.Context) error {
	sync := m.lock.SyncObject()
	sync.Lock()
	m.markAllUnknownLocked()

	var channels []<-chan Result
	if asynclock.IsUpgradeableReadLockHeld(ctx, m.lock) && len(m.accessedUnderUpgradeable) > 0 {
		channels = make([]<-chan Result, 0, len(m.accessedUnderUpgradeable))
		for r := range m.accessedUnderUpgradeable {
			channels = append(channels, m.prepare(ctx, r, true))
		}
	}
	sync.Unlock()

	if len(channels) == 0 {
		return nil
	}

	group, _ := errgroup.WithContext(ctx)
	for _, ch := range channels {
		ch := ch
		group.Go(func() error {
			res := <-ch
			return res.Err
		})
	}
	return group.Wait()
}

// onUpgradeableReadLockReleased is registered into the base lock's
// upgradeable-release hook chain.
func (m *ResourceManager[R, M]) onUpgradeableReadLockReleased() {
	sync := m.lock.SyncObject()
	sync.Lock()
	m.accessedUnderUpgradeable = make(map[*R]struct{})
	sync.Unlock()
}
