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

	"github.com/launix-de/reslock/resched"
)

// Mode is the prepared-for state of a resource, tracked per PreparationRecord.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeConcurrent
	ModeExclusive
)

func (m Mode) String() string {
	switch m {
	case ModeConcurrent:
		return "Concurrent"
	case ModeExclusive:
		return "Exclusive"
	default:
		return "Unknown"
	}
}

// PreparationRecord is the immutable-by-replacement record of which shared
// computation currently owns preparing a resource, and for which target
// mode. Records are never mutated in place; the ResourceManager replaces the
// table entry wholesale when the state machine transitions (SPEC_FULL.md
// §4.3, §4.6).
type PreparationRecord struct {
	targetMode Mode
	scheduler  *resched.Scheduler
	shared     *SharedComputation
}

// newPreparationRecord starts factory immediately on scheduler, under a
// computation joined initially by waiterCtx.
func newPreparationRecord(
	waiterCtx context.Context,
	targetMode Mode,
	scheduler *resched.Scheduler,
	canBeCancelled bool,
	factory func(combinedCtx context.Context) (any, error),
) (*PreparationRecord, <-chan Result) {
	// Exclusive preparations get dispatch priority: a writer stalls every
	// reader behind it, so its preparation should never queue behind a
	// flood of concurrent-mode ones.
	priority := resched.PriorityNormal
	if targetMode == ModeExclusive {
		priority = resched.PriorityHigh
	}
	shared, initial := CreateSharedComputation(waiterCtx, canBeCancelled, scheduler, priority, factory)
	return &PreparationRecord{targetMode: targetMode, scheduler: scheduler, shared: shared}, initial
}

// TryJoinPreparationTask delegates to the underlying shared computation,
// letting a new waiter observe the same in-flight or completed preparation.
func (r *PreparationRecord) TryJoinPreparationTask(waiterCtx context.Context) (<-chan Result, bool) {
	return r.shared.TryJoin(waiterCtx)
}

func (r *PreparationRecord) isFaulted() bool        { return r.shared.IsFaulted() }
func (r *PreparationRecord) isCancelled() bool      { return r.shared.IsCancelled() }
func (r *PreparationRecord) done() <-chan struct{}  { return r.shared.Done() }
