// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btrfswrite/driver/lib/btrfs/btrfsprim"
	"github.com/btrfswrite/driver/lib/btrfs/btrfssum"
	"github.com/btrfswrite/driver/lib/btrfs/btrfsvol"
)

type fakeExtentTree struct {
	refDeltas []int64
}

func (f *fakeExtentTree) UpdateRef(ctx context.Context, chunkAddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta, subvol, inode btrfsprim.ObjID, fileOffset int64, delta int64, nosum, superseded bool) error {
	f.refDeltas = append(f.refDeltas, delta)
	return nil
}

func (f *fakeExtentTree) RefCount(ctx context.Context, chunkAddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta) (uint64, error) {
	return 1, nil
}

// assertDisjointOrdered checks spec's core Extent Table invariant: extents
// strictly ordered by offset, non-overlapping.
func assertDisjointOrdered(t *testing.T, extents []*Extent) {
	t.Helper()
	for i := 1; i < len(extents); i++ {
		assert.Lessf(t, extents[i-1].Offset, extents[i].Offset, "extents out of order at index %d", i)
		assert.LessOrEqualf(t, extents[i-1].end(), extents[i].Offset, "extents %d and %d overlap", i-1, i)
	}
}

func newTestTable(t *testing.T) (*ExtentTable, *fakeExtentTree) {
	t.Helper()
	tree := &fakeExtentTree{}
	return NewExtentTable(4096, tree, nil), tree
}

func TestExciseFull(t *testing.T) {
	t.Parallel()
	et, _ := newTestTable(t)
	rb := NewRollback()
	e := &Extent{Offset: 0, Length: 4096, Kind: ExtentRegular, ChunkAddress: 1000, ChunkSize: 4096, NumBytes: 4096}
	et.Load([]*Extent{e})

	require.NoError(t, et.Excise(context.Background(), rb, 0, 4096))
	assert.Empty(t, et.Extents())
	assert.True(t, e.Ignored)

	rb.Undo()
	assert.False(t, e.Ignored)
	assert.Len(t, et.Extents(), 1)
}

func TestExciseHeadAndTail(t *testing.T) {
	t.Parallel()
	et, _ := newTestTable(t)
	rb := NewRollback()
	e := &Extent{
		Offset: 0, Length: 16384, Kind: ExtentRegular,
		ChunkAddress: 2000, ChunkSize: 16384, NumBytes: 16384,
		Csum: make([]btrfssum.CSum, 4),
	}
	et.Insert(rb, e)

	// head: excise [0, 4096) leaves [4096, 16384).
	require.NoError(t, et.Excise(context.Background(), rb, 0, 4096))
	got := et.Extents()
	require.Len(t, got, 1)
	assert.Equal(t, int64(4096), got[0].Offset)
	assert.Equal(t, int64(12288), got[0].Length)
	assertDisjointOrdered(t, got)

	// tail: excise the last 4096 bytes of what remains.
	require.NoError(t, et.Excise(context.Background(), rb, 12288, 16384))
	got = et.Extents()
	require.Len(t, got, 1)
	assert.Equal(t, int64(4096), got[0].Offset)
	assert.Equal(t, int64(8192), got[0].Length)
	assertDisjointOrdered(t, got)
}

func TestExciseMiddleSplitsIntoTwoAndBumpsRef(t *testing.T) {
	t.Parallel()
	et, tree := newTestTable(t)
	rb := NewRollback()
	e := &Extent{
		Offset: 0, Length: 16384, Kind: ExtentRegular,
		ChunkAddress: 3000, ChunkSize: 16384, NumBytes: 16384, Unique: true,
	}
	et.Load([]*Extent{e})

	require.NoError(t, et.Excise(context.Background(), rb, 4096, 8192))
	got := et.Extents()
	require.Len(t, got, 2)
	assert.Equal(t, int64(0), got[0].Offset)
	assert.Equal(t, int64(4096), got[0].Length)
	assert.Equal(t, int64(8192), got[1].Offset)
	assert.Equal(t, int64(8192), got[1].Length)
	assert.False(t, got[0].Unique)
	assert.False(t, got[1].Unique)
	assertDisjointOrdered(t, got)
	assert.Equal(t, []int64{1}, tree.refDeltas)

	rb.Undo()
	got = et.Extents()
	require.Len(t, got, 1)
	assert.Equal(t, int64(0), got[0].Offset)
	assert.Equal(t, int64(16384), got[0].Length)
	assert.True(t, got[0].Unique)
}

func TestExciseHeadRollbackRestoresOriginalExtent(t *testing.T) {
	t.Parallel()
	et, _ := newTestTable(t)
	rb := NewRollback()
	e := &Extent{
		Offset: 0, Length: 16384, Kind: ExtentRegular,
		ChunkAddress: 2000, ChunkSize: 16384, NumBytes: 16384,
		Csum: make([]btrfssum.CSum, 4),
	}
	et.Load([]*Extent{e})

	require.NoError(t, et.Excise(context.Background(), rb, 0, 4096))
	require.Len(t, et.Extents(), 1)

	rb.Undo()
	got := et.Extents()
	require.Len(t, got, 1)
	assert.Equal(t, int64(0), got[0].Offset)
	assert.Equal(t, int64(16384), got[0].Length)
	assert.False(t, got[0].Ignored)
}

func TestExciseTailRollbackRestoresOriginalExtent(t *testing.T) {
	t.Parallel()
	et, _ := newTestTable(t)
	rb := NewRollback()
	e := &Extent{
		Offset: 0, Length: 16384, Kind: ExtentRegular,
		ChunkAddress: 2000, ChunkSize: 16384, NumBytes: 16384,
		Csum: make([]btrfssum.CSum, 4),
	}
	et.Load([]*Extent{e})

	require.NoError(t, et.Excise(context.Background(), rb, 12288, 16384))
	got := et.Extents()
	require.Len(t, got, 1)
	assert.Equal(t, int64(12288), got[0].Length)

	rb.Undo()
	got = et.Extents()
	require.Len(t, got, 1)
	assert.Equal(t, int64(0), got[0].Offset)
	assert.Equal(t, int64(16384), got[0].Length)
	assert.Len(t, got[0].Csum, 4)
}

func TestExciseIdempotentOnAlreadyIgnored(t *testing.T) {
	t.Parallel()
	et, _ := newTestTable(t)
	rb := NewRollback()
	e := &Extent{Offset: 0, Length: 4096, Kind: ExtentRegular, ChunkAddress: 4000, ChunkSize: 4096, NumBytes: 4096}
	et.Insert(rb, e)
	require.NoError(t, et.Excise(context.Background(), rb, 0, 4096))
	// Exciseing an already-fully-ignored range is a no-op: overlapping()
	// skips Ignored extents, so a repeat call touches nothing.
	require.NoError(t, et.Excise(context.Background(), rb, 0, 4096))
	assert.Empty(t, et.Extents())
}

func TestTryExtendGrowsLastExtentInPlace(t *testing.T) {
	t.Parallel()
	et, _ := newTestTable(t)
	rb := NewRollback()
	chunk := NewChunk(0, 1<<20, 65536, btrfsvol.BLOCK_GROUP_DATA, 1, nil)
	require.NoError(t, chunk.SubtractSpace(0, 4096))

	e := &Extent{Offset: 0, Length: 4096, Kind: ExtentRegular, ChunkAddress: 0, ChunkSize: 4096, NumBytes: 4096}
	et.Load([]*Extent{e})

	n := et.TryExtend(context.Background(), rb, chunk, 4096, 4096, false)
	assert.Equal(t, int64(4096), n)
	assert.Equal(t, int64(8192), e.Length)
	assert.Equal(t, int64(8192), e.NumBytes)
	assert.Equal(t, int64(8192), chunk.Used())

	rb.Undo()
	assert.Equal(t, int64(4096), e.Length)
	assert.Equal(t, int64(4096), chunk.Used())
}

func TestTryExtendRefusesWhenNotContiguous(t *testing.T) {
	t.Parallel()
	et, _ := newTestTable(t)
	rb := NewRollback()
	chunk := NewChunk(0, 1<<20, 65536, btrfsvol.BLOCK_GROUP_DATA, 1, nil)
	require.NoError(t, chunk.SubtractSpace(0, 4096))
	require.NoError(t, chunk.SubtractSpace(4096, 4096)) // [4096,8192) is NOT free

	e := &Extent{Offset: 0, Length: 4096, Kind: ExtentRegular, ChunkAddress: 0, ChunkSize: 4096, NumBytes: 4096}
	et.Insert(rb, e)

	n := et.TryExtend(context.Background(), rb, chunk, 4096, 4096, false)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, int64(4096), e.Length)
}

func TestComputeAndAppendCsum(t *testing.T) {
	t.Parallel()
	et, _ := newTestTable(t)
	e := &Extent{Offset: 0, Length: 8192, Kind: ExtentRegular, NumBytes: 8192}
	data := make([]byte, 8192)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, et.ComputeCsum(context.Background(), e, data))
	require.Len(t, e.Csum, 2)
	first := e.Csum

	more := make([]byte, 4096)
	for i := range more {
		more[i] = byte(i + 1)
	}
	require.NoError(t, et.AppendCsum(context.Background(), e, more))
	assert.Len(t, e.Csum, 3)
	assert.Equal(t, first[0], e.Csum[0])
	assert.Equal(t, first[1], e.Csum[1])
}
