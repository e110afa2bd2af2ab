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

// Package reslock layers resource-state tracking on top of the three-mode
// async lock in package asynclock: a caller acquires Read, UpgradeableRead
// or Write through a LockFacade and, while holding it, resolves resources
// that are guaranteed to be in a mode fit for that access pattern.
package reslock

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/launix-de/reslock/asynclock"
)

// LockFacade wraps an AsyncReaderWriterLock with resource-state tracking. Its
// zero value is not ready to use; construct one with NewLockFacade.
type LockFacade[R any, M comparable] struct {
	lock    *asynclock.AsyncReaderWriterLock
	manager *ResourceManager[R, M]
}

// NewLockFacade creates a facade over a fresh base lock, wiring the
// ResourceManager's release hooks into it.
func NewLockFacade[R any, M comparable](preparer Preparer[R, M]) *LockFacade[R, M] {
	lock := asynclock.New()
	manager := NewResourceManager[R, M](lock, preparer)
	lock.OnExclusiveLockReleased(manager.onExclusiveLockReleased)
	lock.OnUpgradeableReadLockReleased(manager.onUpgradeableReadLockReleased)
	return &LockFacade[R, M]{lock: lock, manager: manager}
}

// WithMetrics registers prometheus instrumentation for the facade's manager
// on reg, using namespace/subsystem to scope metric names, and returns the
// facade for chaining.
func (f *LockFacade[R, M]) WithMetrics(reg *prometheus.Registry, namespace, subsystem string) *LockFacade[R, M] {
	f.manager.SetMetrics(NewMetrics(reg, namespace, subsystem))
	return f
}

// ResourceReleaser is returned by the facade's acquire operations: a lock
// releaser that also knows how to resolve resources fit for the mode it was
// acquired under.
type ResourceReleaser[R any, M comparable] struct {
	facade   *LockFacade[R, M]
	ctx      context.Context
	releaser *asynclock.Releaser
}

// GetResource resolves moniker to a resource already prepared for the
// releaser's lock mode, blocking until preparation completes. ctx governs
// this call's own cancellation/deadline; the lock-chain state needed for
// re-entrancy and ambient-mode checks still comes from the context captured
// when this releaser was acquired.
func (r *ResourceReleaser[R, M]) GetResource(ctx context.Context, moniker M) (*R, error) {
	return r.facade.manager.GetResource(r.withLockChain(ctx), moniker)
}

// withLockChain overlays ctx's cancellation/deadline on top of the lock-chain
// values carried by r.ctx, so a caller can scope an individual GetResource
// call more tightly than the lock's own lifetime without losing re-entrancy.
func (r *ResourceReleaser[R, M]) withLockChain(ctx context.Context) context.Context {
	if ctx == r.ctx {
		return ctx
	}
	return valueOverlayCtx{Context: ctx, values: r.ctx}
}

// MarkAccessed tags every tracked resource matching predicate as accessed
// under the currently held upgradeable-read lock. Under a held write lock it
// still reports whether any resource matched, but tags none of them.
func (r *ResourceReleaser[R, M]) MarkAccessed(predicate func(*R) bool) bool {
	return r.facade.manager.MarkAccessed(r.ctx, predicate)
}

// MarkAllUnknown forces every tracked resource back to ModeUnknown. Requires
// this releaser to hold a Write lock.
func (r *ResourceReleaser[R, M]) MarkAllUnknown() error {
	return r.facade.manager.MarkAllUnknown(r.ctx)
}

// Release releases the underlying base lock. For an outermost Write release
// this synchronously drains the manager's re-preparation of every resource
// touched under a surrounding upgradeable read before returning, per
// SPEC_FULL.md §4.4/§5.
func (r *ResourceReleaser[R, M]) Release() error {
	return r.releaser.Release(r.ctx)
}

// ReadLock acquires a Read lock and returns a resource-aware releaser.
func (f *LockFacade[R, M]) ReadLock(ctx context.Context) (*ResourceReleaser[R, M], error) {
	rel, lctx, err := f.lock.ReadLock(ctx)
	if err != nil {
		return nil, err
	}
	return &ResourceReleaser[R, M]{facade: f, ctx: lctx, releaser: rel}, nil
}

// UpgradeableReadLock acquires an UpgradeableRead lock and returns a
// resource-aware releaser.
func (f *LockFacade[R, M]) UpgradeableReadLock(ctx context.Context, flags asynclock.Flags) (*ResourceReleaser[R, M], error) {
	rel, lctx, err := f.lock.UpgradeableReadLock(ctx, flags)
	if err != nil {
		return nil, err
	}
	return &ResourceReleaser[R, M]{facade: f, ctx: lctx, releaser: rel}, nil
}

// WriteLock acquires a Write lock (possibly upgrading a held UpgradeableRead)
// and returns a resource-aware releaser.
func (f *LockFacade[R, M]) WriteLock(ctx context.Context, flags asynclock.Flags) (*ResourceReleaser[R, M], error) {
	rel, lctx, err := f.lock.WriteLock(ctx, flags)
	if err != nil {
		return nil, err
	}
	return &ResourceReleaser[R, M]{facade: f, ctx: lctx, releaser: rel}, nil
}
