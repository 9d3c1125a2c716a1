// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"sync"

	"github.com/btrfswrite/driver/lib/btrfs/btrfsvol"
)

// rollbackItem is one entry of the undo log (spec §3 "RollbackItem": tagged
// variant InsertExtent/DeleteExtent/AddSpace/SubtractSpace).
type rollbackItem interface {
	undo()
}

type rollbackInsertExtent struct {
	table *ExtentTable
	ext   *Extent
}

func (r rollbackInsertExtent) undo() { r.table.remove(r.ext) }

type rollbackDeleteExtent struct {
	table *ExtentTable
	ext   *Extent
}

func (r rollbackDeleteExtent) undo() { r.table.restore(r.ext) }

// rollbackMutateExtent undoes an in-place field mutation of an extent that
// keeps its original tree slot (the head fragment of a tail/middle excise,
// or an extent grown in place by TryExtend), by restoring the full
// pre-mutation struct value.
type rollbackMutateExtent struct {
	ext      *Extent
	snapshot Extent
}

func (r rollbackMutateExtent) undo() { *r.ext = r.snapshot }

type rollbackAddSpace struct {
	chunk *Chunk
	addr  btrfsvol.LogicalAddr
	size  btrfsvol.AddrDelta
}

func (r rollbackAddSpace) undo() { _ = r.chunk.SubtractSpace(r.addr, r.size) }

type rollbackSubtractSpace struct {
	chunk *Chunk
	addr  btrfsvol.LogicalAddr
	size  btrfsvol.AddrDelta
}

func (r rollbackSubtractSpace) undo() { r.chunk.AddSpace(r.addr, r.size) }

// Rollback is the in-memory undo log for one IRP's worth of mutations
// (spec §4.6). It is passed as an out-parameter through the entire write;
// every Extent Table or chunk free-space mutation appends an item.
type Rollback struct {
	mu    sync.Mutex
	items []rollbackItem
}

func NewRollback() *Rollback { return &Rollback{} }

func (rb *Rollback) record(item rollbackItem) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.items = append(rb.items, item)
}

// Clear discards the log on success, after the final commit has propagated
// extent changes to the B-tree (spec §4.6 "clear_rollback").
func (rb *Rollback) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.items = nil
}

// Undo replays the log in reverse on failure (spec §4.6 "do_rollback"):
// restore ignored flags on deleted extents, remove inserted extents, and
// re-add/re-subtract chunk free space.
func (rb *Rollback) Undo() {
	rb.mu.Lock()
	items := rb.items
	rb.items = nil
	rb.mu.Unlock()

	for i := len(items) - 1; i >= 0; i-- {
		items[i].undo()
	}
}
