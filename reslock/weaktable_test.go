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
	"testing"
	"time"
)

func TestWeakKeyTableGetSetRemove(t *testing.T) {
	var mu sync.Mutex
	tbl := NewWeakKeyTable[resource, string](&mu)
	r := &resource{name: "a"}
	mu.Lock()
	tbl.Set(r, "value-a")

	if v, ok := tbl.Get(r); !ok || v != "value-a" {
		mu.Unlock()
		t.Fatalf("expected to find value-a, got %q ok=%v", v, ok)
	}

	tbl.Remove(r)
	if _, ok := tbl.Get(r); ok {
		mu.Unlock()
		t.Fatalf("expected entry to be gone after Remove")
	}
	mu.Unlock()
}

func TestWeakKeyTableIterateElidesReclaimedKeys(t *testing.T) {
	var mu sync.Mutex
	tbl := NewWeakKeyTable[resource, string](&mu)

	live := &resource{name: "live"}
	mu.Lock()
	tbl.Set(live, "stays")
	mu.Unlock()

	func() {
		dead := &resource{name: "dead"}
		mu.Lock()
		tbl.Set(dead, "goes")
		mu.Unlock()
	}()

	// Force a GC pass so the cleanup triggered by the now-unreachable "dead"
	// key's collection has a chance to run before we iterate. The cleanup
	// callback takes mu itself, so this loop must not be holding it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := tbl.Len()
		mu.Unlock()
		if n <= 1 || !time.Now().Before(deadline) {
			break
		}
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	entries := tbl.Iterate()
	mu.Unlock()
	if len(entries) != 1 || entries[0].Value != "stays" {
		t.Fatalf("expected exactly the live entry to survive, got %+v", entries)
	}
	runtime.KeepAlive(live)
}
