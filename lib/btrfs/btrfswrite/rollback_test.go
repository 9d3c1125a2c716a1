// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btrfswrite/driver/lib/btrfs/btrfsvol"
)

func TestRollbackUndoReplaysInReverse(t *testing.T) {
	t.Parallel()
	var order []string
	rb := NewRollback()
	rb.record(recordingItem{name: "a", fn: func() { order = append(order, "a") }})
	rb.record(recordingItem{name: "b", fn: func() { order = append(order, "b") }})
	rb.record(recordingItem{name: "c", fn: func() { order = append(order, "c") }})

	rb.Undo()
	assert.Equal(t, []string{"c", "b", "a"}, order)
}

type recordingItem struct {
	name string
	fn   func()
}

func (r recordingItem) undo() { r.fn() }

func TestRollbackUndoIsIdempotentAfterDraining(t *testing.T) {
	t.Parallel()
	calls := 0
	rb := NewRollback()
	rb.record(recordingItem{fn: func() { calls++ }})
	rb.Undo()
	rb.Undo() // log was drained by the first Undo; second call must be a no-op
	assert.Equal(t, 1, calls)
}

func TestRollbackClearDiscardsLog(t *testing.T) {
	t.Parallel()
	calls := 0
	rb := NewRollback()
	rb.record(recordingItem{fn: func() { calls++ }})
	rb.Clear()
	rb.Undo()
	assert.Equal(t, 0, calls)
}

func TestRollbackSubtractSpaceItemUndoesByAdding(t *testing.T) {
	t.Parallel()
	chunk := NewChunk(0, 1<<20, 65536, btrfsvol.BLOCK_GROUP_DATA, 1, nil)
	rb := NewRollback()

	require.NoError(t, chunk.SubtractSpace(0, 4096))
	rb.record(rollbackSubtractSpace{chunk, 0, 4096})
	assert.Equal(t, int64(4096), chunk.Used())

	rb.Undo()
	assert.Equal(t, int64(0), chunk.Used())
}

func TestRollbackAddSpaceItemUndoesBySubtracting(t *testing.T) {
	t.Parallel()
	chunk := NewChunk(0, 1<<20, 65536, btrfsvol.BLOCK_GROUP_DATA, 1, nil)
	// Simulate a pre-existing allocation at [4096,8192) that excise is
	// about to free.
	require.NoError(t, chunk.SubtractSpace(4096, 4096))
	assert.Equal(t, int64(4096), chunk.Used())

	rb := NewRollback()
	chunk.AddSpace(4096, 4096)
	rb.record(rollbackAddSpace{chunk, 4096, 4096})
	assert.Equal(t, int64(0), chunk.Used())

	rb.Undo()
	assert.Equal(t, int64(4096), chunk.Used())
}
