// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"context"
	"sync"

	"github.com/btrfswrite/driver/lib/btrfs/btrfsvol"
)

// rangeLockTable serializes writers whose RAID5/6 parity rows overlap
// (spec §5 "RAID5/6 row locking"). Waiters sleep on a condition variable
// rather than busy-polling, mirroring the source's per-chunk range-lock
// event.
type rangeLockTable struct {
	mu      sync.Mutex
	cond    *sync.Cond
	holders []freeRange[btrfsvol.LogicalAddr]
}

func newRangeLockTable() *rangeLockTable {
	t := &rangeLockTable{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *rangeLockTable) overlaps(r freeRange[btrfsvol.LogicalAddr]) bool {
	for _, h := range t.holders {
		if r.cmpRange(h) == 0 {
			return true
		}
	}
	return false
}

// Lock blocks (honoring ctx cancellation) until [addr, addr+size) does not
// overlap any currently-held row range, then holds it. The caller must call
// Unlock with the same range once the dispatcher has completed.
func (t *rangeLockTable) Lock(ctx context.Context, addr btrfsvol.LogicalAddr, size int64) error {
	r := freeRange[btrfsvol.LogicalAddr]{Addr: addr, Size: size}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.cond.Broadcast()
			t.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	t.mu.Lock()
	defer t.mu.Unlock()
	for t.overlaps(r) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.cond.Wait()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	t.holders = append(t.holders, r)
	return nil
}

// Unlock releases a range previously acquired with Lock and wakes waiters.
func (t *rangeLockTable) Unlock(addr btrfsvol.LogicalAddr, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, h := range t.holders {
		if h.Addr == addr && h.Size == size {
			t.holders = append(t.holders[:i], t.holders[i+1:]...)
			break
		}
	}
	t.cond.Broadcast()
}

// rowLockRange computes [lock_addr, lock_len) for a write touching
// [start, end) of data: the full parity row(s) spanned, rounded to row
// boundaries (spec §5).
func rowLockRange(chunk *Chunk, start, end btrfsvol.LogicalAddr) (btrfsvol.LogicalAddr, int64) {
	rowSize := int64(chunk.dataStripesCount()) * chunk.StripeLength
	relStart := int64(start - chunk.Offset)
	relEnd := int64(end - chunk.Offset)
	rowBeg := (relStart / rowSize) * rowSize
	rowEnd := ((relEnd + rowSize - 1) / rowSize) * rowSize
	return chunk.Offset + btrfsvol.LogicalAddr(rowBeg), rowEnd - rowBeg
}
