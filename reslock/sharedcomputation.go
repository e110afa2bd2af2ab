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
	"sync"

	"github.com/launix-de/reslock/resched"
)

// Result is what a CancellableSharedComputation hands to each of its
// waiters: the produced value (nil on failure) and/or an error.
type Result struct {
	Value any
	Err   error
}

// SharedComputation is one in-flight asynchronous computation joined by N>=0
// waiters, realizing SPEC_FULL.md §4.2. Each waiter observes completion,
// failure or its own cancellation independently; the underlying computation
// is itself cancelled only once every joined waiter has gone away.
type SharedComputation struct {
	mu             sync.Mutex
	waiters        int
	cancel         context.CancelFunc
	done           chan struct{}
	result         Result
	canBeCancelled bool
}

// CreateSharedComputation starts factory on scheduler under a context
// derived from parentCtx but whose cancellation is decoupled from any single
// waiter: it fires only when the waiter refcount drops to zero. It returns
// the shared handle plus the channel observed by the initial waiter.
//
// When canBeCancelled is false, the computation can never be abandoned by
// waiter cancellation; this is the mode used for the caller-less replacement
// records that ResourceManager.markAllUnknownLocked builds. The forced
// re-preparation issued from the exclusive-release hook goes through
// ResourceManager.prepare and is cancellable like any other preparation.
//
// priority is forwarded to the scheduler's dispatch: reslock runs
// exclusive-mode preparations at resched.PriorityHigh so they are never
// starved behind a flood of concurrent-mode ones.
func CreateSharedComputation(
	parentCtx context.Context,
	canBeCancelled bool,
	scheduler *resched.Scheduler,
	priority resched.Priority,
	factory func(combinedCtx context.Context) (any, error),
) (*SharedComputation, <-chan Result) {
	combinedCtx, cancel := context.WithCancel(detach(parentCtx))
	sc := &SharedComputation{
		waiters:        1,
		cancel:         cancel,
		done:           make(chan struct{}),
		canBeCancelled: canBeCancelled,
	}

	scheduler.RunPriority(priority, func() {
		var value any
		var err error
		defer func() {
			p := recover()
			if p != nil {
				value, err = nil, errors.New("reslock: preparation delegate panicked")
			}
			sc.mu.Lock()
			sc.result = Result{Value: value, Err: err}
			close(sc.done)
			sc.mu.Unlock()
			if p != nil {
				panic(p) // let the scheduler's recover log the panic and its stack
			}
		}()
		value, err = factory(combinedCtx)
	})

	return sc, sc.spawnWatcher(parentCtx)
}

// detach keeps parentCtx's values (so the delegate still sees e.g. the
// hidden-lock marker) but never its cancellation/deadline: the combined
// context's lifetime is governed entirely by the waiter refcount.
func detach(ctx context.Context) context.Context {
	return detachedCtx{ctx}
}

type detachedCtx struct{ context.Context }

func (detachedCtx) Done() <-chan struct{} { return nil }
func (detachedCtx) Err() error            { return nil }

// TryJoin registers waiterCtx as a new joiner. Joining is possible only while
// the computation is still alive: it returns ok=false both while the
// computation is still running but has already been abandoned by every
// previous waiter (its combined context has been cancelled but the delegate
// has not yet noticed), and once the computation has actually finished with
// a cancelled outcome. A computation that completed with a success or a
// fault remains joinable, replaying its cached Result.
func (sc *SharedComputation) TryJoin(waiterCtx context.Context) (<-chan Result, bool) {
	sc.mu.Lock()
	select {
	case <-sc.done:
		r := sc.result
		sc.mu.Unlock()
		if errors.Is(r.Err, context.Canceled) {
			return nil, false
		}
		out := make(chan Result, 1)
		out <- r
		return out, true
	default:
	}
	if sc.waiters == 0 {
		sc.mu.Unlock()
		return nil, false
	}
	sc.waiters++
	sc.mu.Unlock()
	return sc.spawnWatcher(waiterCtx), true
}

// spawnWatcher assumes the caller has already accounted for this waiter in
// sc.waiters (the constructor counts the initial waiter; TryJoin increments
// before calling this) and starts the goroutine that resolves out and
// eventually decrements the waiter count.
func (sc *SharedComputation) spawnWatcher(waiterCtx context.Context) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer func() {
			sc.mu.Lock()
			sc.waiters--
			if sc.waiters == 0 && sc.canBeCancelled {
				sc.cancel()
			}
			sc.mu.Unlock()
		}()
		if sc.canBeCancelled {
			select {
			case <-sc.done:
				sc.mu.Lock()
				r := sc.result
				sc.mu.Unlock()
				out <- r
			case <-waiterCtx.Done():
				out <- Result{Err: waiterCtx.Err()}
			}
		} else {
			<-sc.done
			sc.mu.Lock()
			r := sc.result
			sc.mu.Unlock()
			out <- r
		}
	}()
	return out
}

// Done reports the raw completion channel, used internally to sequence a
// continuation after this computation without registering as a waiter.
func (sc *SharedComputation) Done() <-chan struct{} { return sc.done }

func (sc *SharedComputation) snapshot() Result {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.result
}

// HasCompleted reports whether the inner computation has finished (success,
// fault or cancellation).
func (sc *SharedComputation) HasCompleted() bool {
	select {
	case <-sc.done:
		return true
	default:
		return false
	}
}

// IsFaulted reports whether the inner computation finished with a non-nil,
// non-cancellation error.
func (sc *SharedComputation) IsFaulted() bool {
	if !sc.HasCompleted() {
		return false
	}
	err := sc.snapshot().Err
	return err != nil && !errors.Is(err, context.Canceled)
}

// IsCancelled reports whether the inner computation finished because its
// combined context was cancelled (all joined waiters abandoned it).
func (sc *SharedComputation) IsCancelled() bool {
	if !sc.HasCompleted() {
		return false
	}
	return errors.Is(sc.snapshot().Err, context.Canceled)
}

// CanStillJoin reports whether a new waiter could successfully TryJoin right
// now (completed computations are always joinable; running ones are
// joinable only while at least one waiter remains).
func (sc *SharedComputation) CanStillJoin() bool {
	if sc.HasCompleted() {
		return true
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.waiters > 0
}
