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

// Command reslock-demo is a toy in-memory sharded key/value store whose
// shards are the resources reslock guards: each shard must be prepared for
// concurrent reads or exclusive writes before use, exactly as SPEC_FULL.md
// §10 describes.
package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/launix-de/NonLockingReadMap"

	"github.com/launix-de/reslock/asynclock"
	"github.com/launix-de/reslock/rescache"
	"github.com/launix-de/reslock/reslock"
	"github.com/launix-de/reslock/resched"
)

// Shard is one partition of the demo store, identified the way
// storageShard is in the teacher: a uuid plus an in-memory delta of pending
// writes on top of a "main" snapshot.
type Shard struct {
	ID   uuid.UUID
	Name string

	mu      sync.RWMutex
	data    map[string]string
	delta   map[string]string
	prepped bool // set once PrepareConcurrent or PrepareExclusive has run; never reset
}

// shardDirEntry adapts *Shard to NonLockingReadMap.KeyGetter[string] so the
// moniker->shard directory can reuse the teacher's read-optimized map.
type shardDirEntry struct {
	shard *Shard
}

func (e shardDirEntry) GetKey() string    { return e.shard.Name }
func (e shardDirEntry) ComputeSize() uint { return 64 }

// Store implements reslock.Preparer[Shard, string]: monikers are shard
// names, resources are *Shard.
type Store struct {
	directory NonLockingReadMap.NonLockingReadMap[shardDirEntry, string]
	create    sync.Mutex // serializes first-Fetch shard creation
	scheduler *resched.Scheduler
}

func NewStore(scheduler *resched.Scheduler) *Store {
	return &Store{
		directory: NonLockingReadMap.New[shardDirEntry, string](),
		scheduler: scheduler,
	}
}

func (s *Store) Fetch(ctx context.Context, moniker string) (*Shard, error) {
	if entry := s.directory.Get(moniker); entry != nil {
		return entry.shard, nil
	}

	s.create.Lock()
	defer s.create.Unlock()
	if entry := s.directory.Get(moniker); entry != nil {
		return entry.shard, nil
	}

	shard := &Shard{
		ID:    uuid.New(),
		Name:  moniker,
		data:  make(map[string]string),
		delta: make(map[string]string),
	}
	s.directory.Set(&shardDirEntry{shard: shard})
	fmt.Printf("reslock-demo: created shard %s (%s)\n", shard.Name, shard.ID)
	return shard, nil
}

func (s *Store) PrepareConcurrent(ctx context.Context, r *Shard) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	// merge any pending delta into main storage so readers see a consistent
	// snapshot, mirroring storage/shard.go's main/delta split.
	for k, v := range r.delta {
		r.data[k] = v
	}
	r.delta = make(map[string]string)
	r.prepped = true
	fmt.Printf("reslock-demo: shard %s prepared for concurrent access (%d keys)\n", r.Name, len(r.data))
	return nil
}

func (s *Store) PrepareExclusive(ctx context.Context, r *Shard, flags asynclock.Flags) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepped = true
	fmt.Printf("reslock-demo: shard %s prepared for exclusive access (flags=%d)\n", r.Name, flags)
	return nil
}

func (s *Store) PreparationScheduler(r *Shard) *resched.Scheduler {
	return s.scheduler
}

// Get reads a key from a shard prepared for concurrent access.
func (r *Shard) Get(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.data[key]
	return v, ok
}

// Put stages a write into a shard prepared for exclusive access.
func (r *Shard) Put(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delta[key] = value
}

func main() {
	scheduler := resched.New()
	defer scheduler.Stop()

	store := NewStore(scheduler)
	facade := reslock.NewLockFacade[Shard, string](store)
	facade.WithMetrics(prometheus.NewRegistry(), "reslockdemo", "shards")

	cache, err := rescache.New(1<<20, "@every 30s")
	if err != nil {
		fmt.Printf("reslock-demo: cache setup failed: %v\n", err)
		return
	}
	defer cache.Stop()

	ctx := context.Background()

	// Writer: acquire Write, get the shard, stage a write.
	w, err := facade.WriteLock(ctx, asynclock.FlagNone)
	if err != nil {
		fmt.Printf("reslock-demo: write lock failed: %v\n", err)
		return
	}
	shard, err := w.GetResource(ctx, "customers")
	if err != nil {
		fmt.Printf("reslock-demo: get resource failed: %v\n", err)
		return
	}
	shard.Put("42", "Ada Lovelace")
	if err := w.Release(); err != nil {
		fmt.Printf("reslock-demo: write release failed: %v\n", err)
		return
	}

	// Reader: acquire Read, get the same shard. The write release marked it
	// Unknown; this GetResource call chains a fresh PrepareConcurrent that
	// merges the staged delta before handing the shard back.
	r, err := facade.ReadLock(ctx)
	if err != nil {
		fmt.Printf("reslock-demo: read lock failed: %v\n", err)
		return
	}
	shard, err = r.GetResource(ctx, "customers")
	if err != nil {
		fmt.Printf("reslock-demo: get resource failed: %v\n", err)
		return
	}
	if v, ok := shard.Get("42"); ok {
		fmt.Printf("reslock-demo: read back customer 42 = %q\n", v)
	}
	_ = r.Release()

	cache.AddItem("customers", 128, 0, func(any) {}, func(any) time.Time { return time.Now() })
	fmt.Printf("reslock-demo: cache now tracks %d entries\n", cache.Len())
}
