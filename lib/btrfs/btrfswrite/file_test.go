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
	"github.com/btrfswrite/driver/lib/btrfs/btrfsvol"
)

// memPhysDevice is a byte-slice-backed PhysDevice, letting tests verify the
// exact bytes a write lands on disk.
type memPhysDevice struct {
	buf []byte
}

func newMemPhysDevice(size int64) *memPhysDevice { return &memPhysDevice{buf: make([]byte, size)} }

func (d *memPhysDevice) ReadAt(p []byte, off btrfsvol.PhysicalAddr) (int, error) {
	n := copy(p, d.buf[off:])
	return n, nil
}

func (d *memPhysDevice) WriteAt(p []byte, off btrfsvol.PhysicalAddr) (int, error) {
	n := copy(d.buf[off:], p)
	return n, nil
}

type spyCache struct {
	calls int
	alloc, file, valid int64
}

func (c *spyCache) SetFileSizes(ctx context.Context, allocationSize, fileSize, validDataLength int64) {
	c.calls++
	c.alloc, c.file, c.valid = allocationSize, fileSize, validDataLength
}
func (c *spyCache) Flush(ctx context.Context, start, end int64) error { return nil }
func (c *spyCache) Purge(ctx context.Context, start, end int64) error { return nil }

func newTestWriter(t *testing.T, cache CacheManager) (*Writer, *Allocator, *memPhysDevice) {
	t.Helper()
	phys := newMemPhysDevice(64 * miB)
	dev := NewDevice(1, btrfsprim.UUID{}, phys, 64*miB, 4096)
	alloc := NewAllocator(DefaultConfig(), []*Device{dev})
	planner := NewPlanner(4096)
	dispatch := NewDispatcher()
	cfg := DefaultConfig()
	cfg.DataFlags = btrfsvol.BLOCK_GROUP_DATA
	w := NewWriter(cfg, alloc, planner, dispatch, panicReader{}, nil, cache)
	return w, alloc, phys
}

func newTestFile() *File {
	return NewFile(5, 256, 4096, &fakeExtentTree{}, nil)
}

func TestWriteSmallPayloadIsInline(t *testing.T) {
	t.Parallel()
	w, _, _ := newTestWriter(t, nil)
	f := newTestFile()

	payload := []byte("hello, world")
	n, err := w.Write(context.Background(), f, 0, payload, false)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	extents := f.Table.Extents()
	require.Len(t, extents, 1)
	assert.Equal(t, ExtentInline, extents[0].Kind)
	assert.Equal(t, payload, extents[0].InlineData[:len(payload)])
	assert.Equal(t, int64(len(payload)), f.FileSize)
}

func TestWriteRegularRoundTripsThroughDevice(t *testing.T) {
	t.Parallel()
	w, alloc, phys := newTestWriter(t, nil)
	f := newTestFile()

	payload := make([]byte, 12288) // 3 sectors, past MaxInline
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := w.Write(context.Background(), f, 0, payload, false)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	extents := f.Table.Extents()
	require.Len(t, extents, 1)
	e := extents[0]
	assert.Equal(t, ExtentRegular, e.Kind)
	assert.Equal(t, int64(12288), e.Length)
	assert.Len(t, e.Csum, 3)
	assertDisjointOrdered(t, extents)

	require.Len(t, alloc.chunks, 1)
	chunk := alloc.chunks[0]
	require.Len(t, chunk.Stripes, 1)
	physOff := int64(chunk.Stripes[0].Offset) + int64(e.ChunkAddress-chunk.Offset)
	assert.Equal(t, payload, phys.buf[physOff:physOff+int64(len(payload))])
}

func TestWriteCacheManagerIsInformedOfSizes(t *testing.T) {
	t.Parallel()
	cache := &spyCache{}
	w, _, _ := newTestWriter(t, cache)
	f := newTestFile()

	_, err := w.Write(context.Background(), f, 0, []byte("abc"), false)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.calls)
	assert.Equal(t, int64(3), cache.file)
}

func TestWriteExtendsPriorExtentInPlaceViaTryExtend(t *testing.T) {
	t.Parallel()
	w, _, _ := newTestWriter(t, nil)
	f := newTestFile()

	first := make([]byte, 12288)
	_, err := w.Write(context.Background(), f, 0, first, false)
	require.NoError(t, err)
	require.Len(t, f.Table.Extents(), 1)

	second := make([]byte, 4096)
	for i := range second {
		second[i] = 0xAB
	}
	_, err = w.Write(context.Background(), f, 12288, second, false)
	require.NoError(t, err)

	extents := f.Table.Extents()
	require.Len(t, extents, 1, "try_extend should grow the extent in place rather than add a second one")
	assert.Equal(t, int64(16384), extents[0].Length)
	assert.Equal(t, int64(16384), f.FileSize)
}

func TestTruncateShrinksFileAndExcisesTail(t *testing.T) {
	t.Parallel()
	w, _, _ := newTestWriter(t, nil)
	f := newTestFile()

	payload := make([]byte, 16384)
	_, err := w.Write(context.Background(), f, 0, payload, false)
	require.NoError(t, err)

	require.NoError(t, w.Truncate(context.Background(), f, 8192))
	assert.Equal(t, int64(8192), f.FileSize)
	extents := f.Table.Extents()
	require.Len(t, extents, 1)
	assert.Equal(t, int64(8192), extents[0].Length)
}

func TestExtendWithPreallocateCreatesPreallocExtent(t *testing.T) {
	t.Parallel()
	w, _, _ := newTestWriter(t, nil)
	f := newTestFile()

	require.NoError(t, w.Extend(context.Background(), f, 8192, true))
	assert.Equal(t, int64(8192), f.AllocationSize)
	extents := f.Table.Extents()
	require.Len(t, extents, 1)
	assert.Equal(t, ExtentPrealloc, extents[0].Kind)
	assert.Equal(t, int64(8192), extents[0].Length)
}

func TestOverwritePartialPreallocSplitsIntoRegularAndPrealloc(t *testing.T) {
	t.Parallel()
	w, _, _ := newTestWriter(t, nil)
	f := newTestFile()

	require.NoError(t, w.Extend(context.Background(), f, 8192, true))
	require.Len(t, f.Table.Extents(), 1)
	require.Equal(t, ExtentPrealloc, f.Table.Extents()[0].Kind)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = 0xCD
	}
	_, err := w.Write(context.Background(), f, 0, payload, false)
	require.NoError(t, err)

	extents := f.Table.Extents()
	require.Len(t, extents, 2)
	assertDisjointOrdered(t, extents)
	assert.Equal(t, ExtentRegular, extents[0].Kind)
	assert.Equal(t, int64(0), extents[0].Offset)
	assert.Equal(t, int64(4096), extents[0].Length)
	assert.Equal(t, ExtentPrealloc, extents[1].Kind)
	assert.Equal(t, int64(4096), extents[1].Offset)
	assert.Equal(t, int64(4096), extents[1].Length)
}

func TestExciseHolePunch(t *testing.T) {
	t.Parallel()
	w, _, _ := newTestWriter(t, nil)
	f := newTestFile()

	payload := make([]byte, 16384)
	_, err := w.Write(context.Background(), f, 0, payload, false)
	require.NoError(t, err)

	require.NoError(t, w.Excise(context.Background(), f, 4096, 8192))
	extents := f.Table.Extents()
	require.Len(t, extents, 2)
	assertDisjointOrdered(t, extents)
	assert.Equal(t, int64(0), extents[0].Offset)
	assert.Equal(t, int64(4096), extents[0].Length)
	assert.Equal(t, int64(8192), extents[1].Offset)
	assert.Equal(t, int64(8192), extents[1].Length)
}
