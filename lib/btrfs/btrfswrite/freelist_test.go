// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeListAddMergesAdjacentRanges(t *testing.T) {
	t.Parallel()
	fl := newFreeList[int64AddrForTest]()
	fl.add(0, 100)
	fl.add(100, 50)
	require.Equal(t, 1, fl.len())
	r, ok := fl.largest()
	require.True(t, ok)
	assert.Equal(t, int64AddrForTest(0), r.Addr)
	assert.Equal(t, int64(150), r.Size)
}

func TestFreeListSubtractSplitsIntoHoles(t *testing.T) {
	t.Parallel()
	fl := newFreeList[int64AddrForTest]()
	fl.add(0, 100)
	require.NoError(t, fl.subtract(40, 20))
	assert.Equal(t, 2, fl.len())
	ranges := fl.ranges()
	require.Len(t, ranges, 2)
	assert.Equal(t, int64AddrForTest(0), ranges[0].Addr)
	assert.Equal(t, int64(40), ranges[0].Size)
	assert.Equal(t, int64AddrForTest(60), ranges[1].Addr)
	assert.Equal(t, int64(40), ranges[1].Size)
}

func TestFreeListSubtractRejectsUncontainedRange(t *testing.T) {
	t.Parallel()
	fl := newFreeList[int64AddrForTest]()
	fl.add(0, 100)
	require.NoError(t, fl.subtract(0, 50))
	assert.Error(t, fl.subtract(40, 20)) // [40,60) straddles used/free boundary
}

func TestFreeListBestFit(t *testing.T) {
	t.Parallel()
	fl := newFreeList[int64AddrForTest]()
	fl.add(0, 10)
	fl.add(100, 1000)
	fl.add(2000, 50)
	r, ok := fl.bestFit(50)
	require.True(t, ok)
	assert.Equal(t, int64(50), r.Size)
	r, ok = fl.bestFit(60)
	require.True(t, ok)
	assert.Equal(t, int64(1000), r.Size)
	_, ok = fl.bestFit(10000)
	assert.False(t, ok)
}

type int64AddrForTest int64
