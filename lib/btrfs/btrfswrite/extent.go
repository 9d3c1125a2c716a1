// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"context"

	"github.com/btrfswrite/driver/lib/btrfs/btrfssum"
	"github.com/btrfswrite/driver/lib/btrfs/btrfsvol"
	"github.com/btrfswrite/driver/lib/containers"
)

// ExtentKind distinguishes the three on-disk shapes a file extent can take
// (spec §3 "Extent (file-scoped)").
type ExtentKind uint8

const (
	ExtentInline ExtentKind = iota
	ExtentRegular
	ExtentPrealloc
)

// Extent is one entry of a file's ordered extent list (spec §3, §GLOSSARY
// "Extent (file)").
type Extent struct {
	Offset      int64
	Length      int64
	Kind        ExtentKind
	DecodedSize int64
	Compression CompressType
	Encryption  uint8

	// ChunkAddress/ChunkSize/ExtentOffset/NumBytes are only meaningful
	// for Regular/Prealloc.
	ChunkAddress btrfsvol.LogicalAddr
	ChunkSize    btrfsvol.AddrDelta
	ExtentOffset int64
	NumBytes     int64

	Csum []btrfssum.CSum

	// Unique is true iff this file is the sole referrer of the on-disk
	// extent at ChunkAddress.
	Unique bool

	// Inserted/Ignored are transaction-scoped bookkeeping (spec §4.6
	// state machine); neither is ever true for a persisted extent loaded
	// fresh from the B-tree.
	Inserted bool
	Ignored  bool

	// InlineData holds the payload for Kind==ExtentInline.
	InlineData []byte
}

func (e *Extent) end() int64 { return e.Offset + e.Length }

// extentKey orders the table by Offset (spec §3 "non-ignored extents are
// strictly ordered by offset and non-overlapping").
type extentKey = containers.NativeOrdered[int64]

// ExtentTable is one file's ordered, rollback-aware extent list (spec §4.4).
type ExtentTable struct {
	sectorSize int64
	tree       *containers.RBTree[extentKey, *Extent]
	extentTree ExtentTree
	worker     ChecksumWorker
}

func NewExtentTable(sectorSize int64, extentTree ExtentTree, worker ChecksumWorker) *ExtentTable {
	et := &ExtentTable{sectorSize: sectorSize, extentTree: extentTree, worker: worker}
	et.tree = &containers.RBTree[extentKey, *Extent]{
		KeyFn: func(e *Extent) extentKey { return containers.NativeOrdered[int64]{Val: e.Offset} },
	}
	return et
}

// Load seeds the table from persisted extents (e.g. read from the B-tree at
// open time); callers must not call this once writes have begun.
func (et *ExtentTable) Load(extents []*Extent) {
	for _, e := range extents {
		et.tree.Insert(e)
	}
}

// Extents returns the non-ignored extents in offset order.
func (et *ExtentTable) Extents() []*Extent {
	var out []*Extent
	_ = et.tree.Walk(func(n *containers.RBNode[*Extent]) error {
		if !n.Value.Ignored {
			out = append(out, n.Value)
		}
		return nil
	})
	return out
}

// Last returns the highest-offset non-ignored extent, or nil if the table is
// empty.
func (et *ExtentTable) Last() *Extent {
	var last *Extent
	_ = et.tree.Walk(func(n *containers.RBNode[*Extent]) error {
		if !n.Value.Ignored {
			last = n.Value
		}
		return nil
	})
	return last
}

// overlapping returns every extent E with E.Offset < end && E.end() > start,
// in offset order.
func (et *ExtentTable) overlapping(start, end int64) []*Extent {
	var out []*Extent
	_ = et.tree.Walk(func(n *containers.RBNode[*Extent]) error {
		e := n.Value
		if !e.Ignored && e.Offset < end && e.end() > start {
			out = append(out, e)
		}
		return nil
	})
	return out
}

// Excise implements spec §4.4 excise: full/head/tail/middle splitting of
// every extent overlapping [start, end), recording rollback items and
// adjusting extent-tree back-refs as each case requires.
func (et *ExtentTable) Excise(ctx context.Context, rb *Rollback, start, end int64) error {
	for _, e := range et.overlapping(start, end) {
		switch {
		case start <= e.Offset && end >= e.end():
			if err := et.exciseFull(ctx, rb, e); err != nil {
				return err
			}
		case start <= e.Offset && end < e.end():
			if err := et.exciseHead(rb, e, end); err != nil {
				return err
			}
		case start > e.Offset && end >= e.end():
			if err := et.exciseTail(rb, e, start); err != nil {
				return err
			}
		default:
			if err := et.exciseMiddle(ctx, rb, e, start, end); err != nil {
				return err
			}
		}
	}
	return nil
}

func (et *ExtentTable) exciseFull(ctx context.Context, rb *Rollback, e *Extent) error {
	e.Ignored = true
	if (e.Kind == ExtentRegular || e.Kind == ExtentPrealloc) && e.ChunkSize > 0 {
		if err := et.extentTree.UpdateRef(ctx, e.ChunkAddress, e.ChunkSize, 0, 0, e.Offset, -1, false, false); err != nil {
			return errCorrupted("excise_full", err)
		}
	}
	rb.record(rollbackDeleteExtent{et, e})
	return nil
}

// exciseHead drops the leading [e.Offset, end) portion of e and keeps the
// tail as a new extent n at a fresh offset key. e is flagged Ignored (same
// pattern as exciseFull); rollback un-ignores it and re-inserts it at its
// key, since a later Insert at e.Offset replaces it in the tree.
func (et *ExtentTable) exciseHead(rb *Rollback, e *Extent, end int64) error {
	shift := end - e.Offset
	e.Ignored = true
	n := &Extent{
		Offset: end, Length: e.Length - shift, Kind: e.Kind,
		DecodedSize: e.DecodedSize, Compression: e.Compression, Encryption: e.Encryption,
		Unique: e.Unique,
	}
	switch e.Kind {
	case ExtentInline:
		n.DecodedSize = e.DecodedSize - shift
		if shift < int64(len(e.InlineData)) {
			n.InlineData = append([]byte(nil), e.InlineData[shift:]...)
		}
	default:
		n.ChunkAddress, n.ChunkSize = e.ChunkAddress, e.ChunkSize
		n.ExtentOffset = e.ExtentOffset + shift
		n.NumBytes = e.NumBytes
		n.Csum = shiftCsum(e.Csum, e.Compression, shift, et.sectorSize)
	}
	et.tree.Insert(n)
	rb.record(rollbackDeleteExtent{et, e})
	rb.record(rollbackInsertExtent{et, n})
	return nil
}

// exciseTail drops the trailing [start, e.end()) portion of e and keeps the
// head in place. The surviving fragment shares e.Offset, so unlike
// exciseHead it is produced by trimming e in place rather than inserting a
// second Extent at the same tree key (containers.RBTree.Insert replaces by
// key on an exact match, which would otherwise evict e from the tree with no
// way to get it back on rollback).
func (et *ExtentTable) exciseTail(rb *Rollback, e *Extent, start int64) error {
	snapshot := *e
	newLength := start - e.Offset
	switch e.Kind {
	case ExtentInline:
		e.DecodedSize = newLength
		if e.DecodedSize <= int64(len(e.InlineData)) {
			e.InlineData = append([]byte(nil), e.InlineData[:e.DecodedSize]...)
		}
	default:
		if e.Compression == CompressNone {
			e.Csum = cloneCsumPrefix(e.Csum, newLength/et.sectorSize)
		}
	}
	e.Length = newLength
	rb.record(rollbackMutateExtent{e, snapshot})
	return nil
}

// exciseMiddle punches [start, end) out of e, keeping the head in place (for
// the same key-collision reason as exciseTail) and inserting a new tail
// fragment e2 at a fresh offset key.
func (et *ExtentTable) exciseMiddle(ctx context.Context, rb *Rollback, e *Extent, start, end int64) error {
	snapshot := *e
	e2 := &Extent{
		Offset: end, Length: e.end() - end, Kind: e.Kind,
		DecodedSize: e.end() - end, Compression: e.Compression, Encryption: e.Encryption,
		ChunkAddress: e.ChunkAddress, ChunkSize: e.ChunkSize,
		ExtentOffset: e.ExtentOffset + (end - e.Offset),
		NumBytes:     e.NumBytes,
		Unique:       false,
	}
	headLength := start - e.Offset
	var headCsum []btrfssum.CSum
	if e.Kind != ExtentInline {
		if e.Compression == CompressNone {
			headCsum = cloneCsumPrefix(e.Csum, headLength/et.sectorSize)
			e2.Csum = shiftCsum(e.Csum, e.Compression, end-e.Offset, et.sectorSize)
		} else {
			headCsum, e2.Csum = e.Csum, e.Csum
		}
		if e.ChunkSize > 0 {
			if err := et.extentTree.UpdateRef(ctx, e.ChunkAddress, e.ChunkSize, 0, 0, e.Offset, +1, false, false); err != nil {
				return errCorrupted("excise_middle", err)
			}
		}
	}

	e.Length = headLength
	e.DecodedSize = headLength
	e.Unique = false
	if e.Kind != ExtentInline {
		e.Csum = headCsum
	}

	et.tree.Insert(e2)
	rb.record(rollbackMutateExtent{e, snapshot})
	rb.record(rollbackInsertExtent{et, e2})
	return nil
}

// Insert implements spec §4.4 insert: place extent into the ordered list.
// Caller guarantees no overlap (Excise first).
func (et *ExtentTable) Insert(rb *Rollback, e *Extent) {
	e.Inserted = true
	et.tree.Insert(e)
	rb.record(rollbackInsertExtent{et, e})
}

// remove deletes e from the tree outright (used by rollback replay of an
// InsertExtent item).
func (et *ExtentTable) remove(e *Extent) {
	et.tree.Delete(containers.NativeOrdered[int64]{Val: e.Offset})
}

// restore un-ignores e and puts it back at its key, in case an extent
// inserted at the same offset replaced it (used by rollback replay of a
// DeleteExtent item).
func (et *ExtentTable) restore(e *Extent) {
	e.Ignored = false
	et.tree.Insert(e)
}

// TryExtend implements spec §4.4 try_extend: if the last extent ends
// exactly at start and the chunk has contiguous free space right after it,
// grow in place rather than allocating a new extent. Returns the number of
// bytes actually extended, which may be less than requested (0 if the fast
// path doesn't apply).
func (et *ExtentTable) TryExtend(ctx context.Context, rb *Rollback, chunk *Chunk, start, length int64, nodatacow bool) int64 {
	last := et.Last()
	if last == nil || last.Kind == ExtentInline || last.end() != start || nodatacow {
		return 0
	}
	extEnd := last.ChunkAddress + btrfsvol.LogicalAddr(last.ChunkSize)
	if !chunk.HasContiguousFree(extEnd, length) {
		return 0
	}
	if err := chunk.SubtractSpace(extEnd, btrfsvol.AddrDelta(length)); err != nil {
		return 0
	}
	rb.record(rollbackSubtractSpace{chunk, extEnd, btrfsvol.AddrDelta(length)})

	snapshot := *last
	last.Length += length
	last.DecodedSize += length
	last.ChunkSize += btrfsvol.AddrDelta(length)
	last.NumBytes += length
	rb.record(rollbackMutateExtent{last, snapshot})
	return length
}

// ComputeCsum fills in a Regular extent's checksum array, offloading to the
// checksum worker when the sector count meets checksumWorkerThreshold, or
// computing CRC32C inline otherwise (spec §4.4 "Checksum lifecycle").
func (et *ExtentTable) ComputeCsum(ctx context.Context, e *Extent, data []byte) error {
	sectors := int64(len(data)) / et.sectorSize
	if sectors == 0 {
		return nil
	}
	if sectors >= checksumWorkerThreshold && et.worker != nil {
		out := make([]btrfssum.CSum, sectors)
		job, err := et.worker.AddCalcJob(ctx, data, et.sectorSize, out)
		if err != nil {
			return err
		}
		if err := job.Wait(ctx); err != nil {
			return err
		}
		e.Csum = out
		return nil
	}
	out := make([]btrfssum.CSum, sectors)
	for i := int64(0); i < sectors; i++ {
		sector := data[i*et.sectorSize : (i+1)*et.sectorSize]
		c, err := btrfssum.TYPE_CRC32.Sum(sector)
		if err != nil {
			return errCorrupted("compute_csum", err)
		}
		out[i] = c
	}
	e.Csum = out
	return nil
}

// AppendCsum extends e's checksum array with the sectors in newData,
// without disturbing the entries already covering earlier bytes of e (used
// by try_extend, whose grown region is new on-disk data appended after what
// e already covered).
func (et *ExtentTable) AppendCsum(ctx context.Context, e *Extent, newData []byte) error {
	sectors := int64(len(newData)) / et.sectorSize
	if sectors == 0 {
		return nil
	}
	if sectors >= checksumWorkerThreshold && et.worker != nil {
		out := make([]btrfssum.CSum, sectors)
		job, err := et.worker.AddCalcJob(ctx, newData, et.sectorSize, out)
		if err != nil {
			return err
		}
		if err := job.Wait(ctx); err != nil {
			return err
		}
		e.Csum = append(e.Csum, out...)
		return nil
	}
	for i := int64(0); i < sectors; i++ {
		sector := newData[i*et.sectorSize : (i+1)*et.sectorSize]
		c, err := btrfssum.TYPE_CRC32.Sum(sector)
		if err != nil {
			return errCorrupted("append_csum", err)
		}
		e.Csum = append(e.Csum, c)
	}
	return nil
}

// shiftCsum drops the sectors covering the first `shift` bytes
// (compression=none), or returns the full array unchanged for compressed
// extents, whose checksum array is shared across splits (spec §4.4).
func shiftCsum(csum []btrfssum.CSum, compression CompressType, shift, sectorSize int64) []btrfssum.CSum {
	if compression != CompressNone {
		return csum
	}
	drop := shift / sectorSize
	if drop >= int64(len(csum)) {
		return nil
	}
	return append([]btrfssum.CSum(nil), csum[drop:]...)
}

func cloneCsumPrefix(csum []btrfssum.CSum, n int64) []btrfssum.CSum {
	if n > int64(len(csum)) {
		n = int64(len(csum))
	}
	return append([]btrfssum.CSum(nil), csum[:n]...)
}
