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

package asynclock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMultipleReadersConcurrent(t *testing.T) {
	l := New()
	ctx := context.Background()

	r1, ctx1, err := l.ReadLock(ctx)
	if err != nil {
		t.Fatalf("first read lock: %v", err)
	}
	r2, ctx2, err := l.ReadLock(ctx)
	if err != nil {
		t.Fatalf("second read lock: %v", err)
	}
	if !AmbientLock(ctx1, l).Read || !AmbientLock(ctx2, l).Read {
		t.Fatalf("expected both contexts to report Read held")
	}
	r1.Release(ctx)
	r2.Release(ctx)
}

func TestWriteExcludesReaders(t *testing.T) {
	l := New()
	ctx := context.Background()

	w, _, err := l.WriteLock(ctx, FlagNone)
	if err != nil {
		t.Fatalf("write lock: %v", err)
	}

	readerAdmitted := make(chan struct{})
	go func() {
		r, _, err := l.ReadLock(context.Background())
		if err != nil {
			return
		}
		close(readerAdmitted)
		r.Release(context.Background())
	}()

	select {
	case <-readerAdmitted:
		t.Fatalf("reader admitted while write lock held")
	case <-time.After(50 * time.Millisecond):
	}

	w.Release(ctx)

	select {
	case <-readerAdmitted:
	case <-time.After(time.Second):
		t.Fatalf("reader never admitted after write release")
	}
}

func TestReentrantReadUnderWrite(t *testing.T) {
	l := New()
	ctx := context.Background()

	w, wctx, err := l.WriteLock(ctx, FlagNone)
	if err != nil {
		t.Fatalf("write lock: %v", err)
	}
	r, rctx, err := l.ReadLock(wctx)
	if err != nil {
		t.Fatalf("nested read under write: %v", err)
	}
	if !AmbientLock(rctx, l).Write {
		t.Fatalf("expected nested context to still report Write held")
	}
	r.Release(wctx)
	w.Release(ctx)
}

func TestUpgradeableReadUpgradesToWrite(t *testing.T) {
	l := New()
	ctx := context.Background()

	ur, urctx, err := l.UpgradeableReadLock(ctx, FlagNone)
	if err != nil {
		t.Fatalf("upgradeable read: %v", err)
	}

	var readerDone sync.WaitGroup
	readerDone.Add(1)
	readerAcquired := make(chan struct{})
	go func() {
		defer readerDone.Done()
		r, _, err := l.ReadLock(context.Background())
		if err != nil {
			return
		}
		close(readerAcquired)
		time.Sleep(30 * time.Millisecond)
		r.Release(context.Background())
	}()
	<-readerAcquired

	w, wctx, err := l.WriteLock(urctx, FlagNone)
	if err != nil {
		t.Fatalf("upgrade to write: %v", err)
	}
	if !AmbientLock(wctx, l).Write || !AmbientLock(wctx, l).UpgradeableRead {
		t.Fatalf("expected upgraded context to report both Write and UpgradeableRead")
	}
	w.Release(urctx)
	ur.Release(ctx)
	readerDone.Wait()
}

func TestInvalidUpgradeFromPlainRead(t *testing.T) {
	l := New()
	ctx := context.Background()

	r, rctx, err := l.ReadLock(ctx)
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	defer r.Release(ctx)

	if _, _, err := l.WriteLock(rctx, FlagNone); err == nil {
		t.Fatalf("expected error upgrading plain Read to Write")
	}
}

func TestExclusiveReleaseHookRunsBeforeNextAdmission(t *testing.T) {
	l := New()
	ctx := context.Background()

	hookDone := make(chan struct{})
	l.OnExclusiveLockReleased(func(context.Context) error {
		time.Sleep(30 * time.Millisecond)
		close(hookDone)
		return nil
	})

	w, _, err := l.WriteLock(ctx, FlagNone)
	if err != nil {
		t.Fatalf("write lock: %v", err)
	}

	nextAdmitted := make(chan struct{})
	go func() {
		r, _, err := l.ReadLock(context.Background())
		if err != nil {
			return
		}
		select {
		case <-hookDone:
		default:
			t.Errorf("next reader admitted before exclusive-release hook completed")
		}
		close(nextAdmitted)
		r.Release(context.Background())
	}()

	w.Release(ctx)
	select {
	case <-nextAdmitted:
	case <-time.After(time.Second):
		t.Fatalf("next reader never admitted")
	}
}

func TestHideLocksSuppressesAmbientState(t *testing.T) {
	l := New()
	ctx := context.Background()

	w, wctx, err := l.WriteLock(ctx, FlagNone)
	if err != nil {
		t.Fatalf("write lock: %v", err)
	}
	defer w.Release(ctx)

	hidden := HideLocks(wctx, l)
	if AmbientLock(hidden, l).Any() {
		t.Fatalf("expected no lock state visible under HideLocks")
	}
}

func TestCancelWhileWaiting(t *testing.T) {
	l := New()
	base := context.Background()

	w, _, err := l.WriteLock(base, FlagNone)
	if err != nil {
		t.Fatalf("write lock: %v", err)
	}
	defer w.Release(base)

	cctx, cancel := context.WithCancel(base)
	done := make(chan error, 1)
	go func() {
		_, _, err := l.ReadLock(cctx)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter never observed cancellation")
	}
}
