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

// Package rescache is an ambient, optional memory-budget eviction cache for
// values derived from reslock-prepared resources (e.g. a compiled plan keyed
// by moniker). It is not on reslock's correctness-critical path; it
// demonstrates the same soft-reference/memory-budget idiom the teacher's
// storage.CacheManager uses, redesigned around an ordered index and a
// scheduled sweep instead of an inline, full re-sort on every overflow.
package rescache

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/robfig/cron/v3"
)

type item struct {
	key            any
	size           int64
	lastUsed       time.Time
	seq            uint64 // tiebreaker so two items sharing lastUsed still order uniquely
	cleanup        func(key any)
	getLastUsed    func(key any) time.Time
	priorityFactor int
}

func less(a, b item) bool {
	if a.lastUsed.Equal(b.lastUsed) {
		return a.seq < b.seq
	}
	return a.lastUsed.Before(b.lastUsed)
}

// Cache is a memory-budget-limited store of soft references, evicted oldest
// -last-used first. Operations are serialized onto a single goroutine,
// mirroring the teacher's op-channel discipline, so the eviction index never
// needs its own lock.
type Cache struct {
	memoryBudget  int64
	currentMemory int64

	index    *btree.BTreeG[item]
	byKey    map[any]item
	nextSeq  uint64
	opChan   chan cacheOp
	cronJob  *cron.Cron
	stopOnce sync.Once
}

type cacheOp struct {
	add    *item
	del    any
	sweep  bool
	lenOut chan int
	done   chan struct{}
}

// New creates a Cache with the given memory budget and starts a cron-driven
// eviction sweep on the given schedule spec (standard five-field cron
// syntax; e.g. "@every 30s"). Call Stop to halt both the op loop and the
// cron scheduler.
func New(memoryBudget int64, sweepSchedule string) (*Cache, error) {
	c := &Cache{
		memoryBudget: memoryBudget,
		index:        btree.NewG(32, less),
		byKey:        make(map[any]item),
		opChan:       make(chan cacheOp, 1024),
	}
	go c.run()

	c.cronJob = cron.New()
	if _, err := c.cronJob.AddFunc(sweepSchedule, c.sweep); err != nil {
		close(c.opChan)
		return nil, err
	}
	c.cronJob.Start()
	return c, nil
}

// AddItem inserts a new soft reference. Unlike the teacher's AddItem, this
// never synchronously evicts: eviction happens only on the next cron sweep,
// keeping the hot insert path free of the O(log n) eviction walk.
func (c *Cache) AddItem(key any, size int64, priorityFactor int, cleanup func(key any), getLastUsed func(key any) time.Time) {
	it := &item{
		key:            key,
		size:           size,
		priorityFactor: priorityFactor,
		cleanup:        cleanup,
		getLastUsed:    getLastUsed,
		lastUsed:       time.Now(),
	}
	done := make(chan struct{})
	c.opChan <- cacheOp{add: it, done: done}
	<-done
}

// Delete removes an item immediately, running its cleanup.
func (c *Cache) Delete(key any) {
	done := make(chan struct{})
	c.opChan <- cacheOp{del: key, done: done}
	<-done
}

// Stop halts the cron scheduler and the op loop. Safe to call once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		ctx := c.cronJob.Stop()
		<-ctx.Done()
		close(c.opChan)
	})
}

func (c *Cache) run() {
	for op := range c.opChan {
		switch {
		case op.add != nil:
			c.add(op.add)
		case op.del != nil:
			c.delete(op.del)
		case op.sweep:
			c.evictLocked()
		case op.lenOut != nil:
			op.lenOut <- len(c.byKey)
		}
		if op.done != nil {
			close(op.done)
		}
	}
}

func (c *Cache) add(it *item) {
	if old, ok := c.byKey[it.key]; ok {
		c.index.Delete(old)
		c.currentMemory -= old.size
	}
	c.nextSeq++
	it.seq = c.nextSeq
	c.byKey[it.key] = *it
	c.index.ReplaceOrInsert(*it)
	c.currentMemory += it.size
}

func (c *Cache) delete(key any) {
	old, ok := c.byKey[key]
	if !ok {
		return
	}
	c.index.Delete(old)
	delete(c.byKey, key)
	c.currentMemory -= old.size
	old.cleanup(old.key)
}

// sweep is invoked by the cron scheduler; it hands an eviction request to the
// single op-loop goroutine so the btree is never touched from two goroutines
// at once.
func (c *Cache) sweep() {
	done := make(chan struct{})
	select {
	case c.opChan <- cacheOp{sweep: true, done: done}:
		<-done
	default:
		// op loop is saturated; skip this tick rather than block the cron
		// scheduler's own goroutine.
	}
}

func (c *Cache) evictLocked() {
	if c.currentMemory <= c.memoryBudget {
		return
	}
	targetMemory := c.memoryBudget * 75 / 100

	// Refresh lastUsed for every tracked item, then rebuild the ordering:
	// the btree's ordering key is lastUsed, so a refresh requires a
	// delete+reinsert rather than an in-place mutation.
	refreshed := make([]item, 0, len(c.byKey))
	for key, it := range c.byKey {
		it.lastUsed = it.getLastUsed(key)
		refreshed = append(refreshed, it)
	}
	c.index.Clear(false)
	for _, it := range refreshed {
		c.byKey[it.key] = it
		c.index.ReplaceOrInsert(it)
	}

	for c.currentMemory > targetMemory {
		oldest, ok := c.index.Min()
		if !ok {
			break
		}
		c.index.Delete(oldest)
		delete(c.byKey, oldest.key)
		c.currentMemory -= oldest.size
		oldest.cleanup(oldest.key)
	}
}

// Len reports how many items are currently tracked. Intended for tests and
// metrics, not for correctness decisions (it races with in-flight ops).
func (c *Cache) Len() int {
	out := make(chan int, 1)
	c.opChan <- cacheOp{lenOut: out}
	return <-out
}
