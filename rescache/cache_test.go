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

package rescache

import (
	"sync"
	"testing"
	"time"
)

func TestAddItemTracksMemory(t *testing.T) {
	c, err := New(1000, "@every 1h")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Stop()

	c.AddItem("a", 100, 0, func(any) {}, func(any) time.Time { return time.Now() })
	if got := c.Len(); got != 1 {
		t.Fatalf("expected 1 item, got %d", got)
	}
}

func TestDeleteRunsCleanup(t *testing.T) {
	c, err := New(1000, "@every 1h")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Stop()

	cleaned := make(chan struct{})
	c.AddItem("a", 100, 0, func(any) { close(cleaned) }, func(any) time.Time { return time.Now() })
	c.Delete("a")

	select {
	case <-cleaned:
	case <-time.After(time.Second):
		t.Fatalf("cleanup never ran")
	}
	if got := c.Len(); got != 0 {
		t.Fatalf("expected 0 items after delete, got %d", got)
	}
}

func TestSweepEvictsOldestFirst(t *testing.T) {
	c, err := New(150, "@every 1h") // budget small enough that two 100-byte items overflow it
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Stop()

	var mu sync.Mutex
	evicted := make([]string, 0, 2)
	cleanup := func(key any) {
		mu.Lock()
		evicted = append(evicted, key.(string))
		mu.Unlock()
	}

	oldTime := time.Now()
	c.AddItem("old", 100, 0, cleanup, func(any) time.Time { return oldTime })
	newTime := oldTime.Add(time.Hour)
	c.AddItem("new", 100, 0, cleanup, func(any) time.Time { return newTime })

	c.sweep()

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0] != "old" {
		t.Fatalf("expected the older item evicted first, got %v", evicted)
	}
}
