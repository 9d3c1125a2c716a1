// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btrfswrite/driver/lib/btrfs/btrfsvol"
)

func TestRangeLockTableSerializesOverlappingRows(t *testing.T) {
	t.Parallel()
	tbl := newRangeLockTable()
	ctx := context.Background()

	require.NoError(t, tbl.Lock(ctx, 0, 100))

	unlocked := make(chan struct{})
	acquired := make(chan struct{})
	go func() {
		require.NoError(t, tbl.Lock(ctx, 50, 50)) // overlaps [0,100)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired before the first was released")
	case <-time.After(30 * time.Millisecond):
	}

	tbl.Unlock(0, 100)
	close(unlocked)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired after Unlock")
	}
}

func TestRangeLockTableNonOverlappingProceedsImmediately(t *testing.T) {
	t.Parallel()
	tbl := newRangeLockTable()
	ctx := context.Background()
	require.NoError(t, tbl.Lock(ctx, 0, 100))
	done := make(chan error, 1)
	go func() { done <- tbl.Lock(ctx, 200, 50) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("non-overlapping Lock blocked")
	}
}

func TestRangeLockTableRespectsCancellation(t *testing.T) {
	t.Parallel()
	tbl := newRangeLockTable()
	require.NoError(t, tbl.Lock(context.Background(), 0, 100))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tbl.Lock(ctx, 0, 100) }()
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("cancelled Lock never returned")
	}
}

func TestRowLockRangeRoundsToRowBoundaries(t *testing.T) {
	t.Parallel()
	// 3 data stripes x 4 bytes per stripe = 12-byte row.
	chunk := NewChunk(0, 1<<20, 4, btrfsvol.BLOCK_GROUP_DATA|btrfsvol.BLOCK_GROUP_RAID5, 1,
		make([]StripeRef, 4))

	addr, size := rowLockRange(chunk, 5, 7) // inside the first row [0,12)
	assert.Equal(t, btrfsvol.LogicalAddr(0), addr)
	assert.Equal(t, int64(12), size)

	addr, size = rowLockRange(chunk, 10, 14) // spans rows 0 and 1
	assert.Equal(t, btrfsvol.LogicalAddr(0), addr)
	assert.Equal(t, int64(24), size)
}
