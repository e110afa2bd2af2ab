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
	"runtime"
	"sync"
	"weak"
)

// WeakKeyTable maps *K -> V without the table itself keeping K alive: the
// map key is a weak.Pointer[K], and a runtime.AddCleanup hook removes the
// entry once K is actually reclaimed. This is the core's "weak reference to
// R" requirement from SPEC_FULL.md §3 and §4.1.
//
// WeakKeyTable owns no mutex of its own. SPEC_FULL.md §5 names the base
// lock's private mutex as the only mutex in the core, so the table is
// constructed over that exact *sync.Mutex and composes with it instead of
// layering a second one: Get, Set, Remove, Iterate and Len all assume the
// caller already holds mu, exactly like the ResourceManager methods that
// call them. The one exception is the runtime.AddCleanup callback fired by
// the garbage collector: it runs on its own goroutine with nothing held, so
// it takes mu itself before touching entries.
type WeakKeyTable[K any, V any] struct {
	mu      *sync.Mutex
	entries map[weak.Pointer[K]]V
}

// NewWeakKeyTable creates an empty table synchronized by mu. Every method
// except the GC-triggered cleanup path requires mu to already be held by the
// caller.
func NewWeakKeyTable[K any, V any](mu *sync.Mutex) *WeakKeyTable[K, V] {
	return &WeakKeyTable[K, V]{mu: mu, entries: make(map[weak.Pointer[K]]V)}
}

// Set stores value under key, registering a cleanup so the entry is dropped
// once key becomes unreachable outside this table. Requires mu held.
func (t *WeakKeyTable[K, V]) Set(key *K, value V) {
	wp := weak.Make(key)
	t.entries[wp] = value
	runtime.AddCleanup(key, t.removeWeak, wp)
}

// removeWeak runs asynchronously from a GC-managed goroutine once key has
// been reclaimed, so unlike every other method it must take mu itself.
func (t *WeakKeyTable[K, V]) removeWeak(wp weak.Pointer[K]) {
	t.mu.Lock()
	delete(t.entries, wp)
	t.mu.Unlock()
}

// Get returns the value stored for key, if any. Requires mu held.
func (t *WeakKeyTable[K, V]) Get(key *K) (V, bool) {
	v, ok := t.entries[weak.Make(key)]
	return v, ok
}

// TryGet is an alias of Get kept to mirror SPEC_FULL.md §4.1's named
// operations one-for-one. Requires mu held.
func (t *WeakKeyTable[K, V]) TryGet(key *K) (V, bool) { return t.Get(key) }

// Remove deletes the entry for key, if present. Requires mu held.
func (t *WeakKeyTable[K, V]) Remove(key *K) {
	delete(t.entries, weak.Make(key))
}

// Entry is one live row of a table snapshot returned by Iterate.
type Entry[K any, V any] struct {
	Key   *K
	Value V
}

// Iterate returns a snapshot of the currently-live entries. Keys whose
// referent has already been reclaimed are elided. Requires mu held; the
// returned slice is a plain copy the caller may use after releasing mu
// (SPEC_FULL.md §4.4).
func (t *WeakKeyTable[K, V]) Iterate() []Entry[K, V] {
	out := make([]Entry[K, V], 0, len(t.entries))
	for wp, v := range t.entries {
		if k := wp.Value(); k != nil {
			out = append(out, Entry[K, V]{Key: k, Value: v})
		}
	}
	return out
}

// Len reports the raw entry count, including any not-yet-collected dead
// entries; intended for metrics, not for correctness decisions. Requires mu
// held.
func (t *WeakKeyTable[K, V]) Len() int {
	return len(t.entries)
}
