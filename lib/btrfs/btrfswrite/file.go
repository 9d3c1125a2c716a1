// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"context"
	"sync"

	"github.com/datawire/dlib/dlog"

	"github.com/btrfswrite/driver/lib/btrfs/btrfsprim"
	"github.com/btrfswrite/driver/lib/btrfs/btrfsvol"
)

// InodeItem is the subset of a file's inode item the write path mutates
// (spec §3 "File (fcb)").
type InodeItem struct {
	Size       int64
	Blocks     int64
	Flags      InodeFlags
	Generation btrfsprim.Generation
}

type InodeFlags uint32

const (
	InodeFlagNoCompress InodeFlags = 1 << iota
	InodeFlagNoDataCow
	InodeFlagCompress
)

func (f InodeFlags) Has(bit InodeFlags) bool { return f&bit == bit }

// File is the write path's view of one open file (spec §3 "File (fcb)").
type File struct {
	mu sync.Mutex

	Subvol btrfsprim.ObjID
	Inode  btrfsprim.ObjID

	InodeData InodeItem
	Table     *ExtentTable

	AllocationSize  int64
	FileSize        int64
	ValidDataLength int64

	ExtentsChanged   bool
	InodeItemChanged bool
}

func NewFile(subvol, inode btrfsprim.ObjID, sectorSize int64, extentTree ExtentTree, worker ChecksumWorker) *File {
	return &File{
		Subvol: subvol,
		Inode:  inode,
		Table:  NewExtentTable(sectorSize, extentTree, worker),
	}
}

// Writer orchestrates logical-offset writes across the Chunk Allocator,
// Stripe Planner, Write Dispatcher, and each file's Extent Table (spec
// §4.5).
type Writer struct {
	cfg      Config
	alloc    *Allocator
	planner  *Planner
	dispatch *Dispatcher
	reader   StripeReader
	compress Compressor
	cache    CacheManager
}

func NewWriter(cfg Config, alloc *Allocator, planner *Planner, dispatch *Dispatcher, reader StripeReader, compress Compressor, cache CacheManager) *Writer {
	return &Writer{
		cfg: cfg, alloc: alloc, planner: planner, dispatch: dispatch,
		reader: reader, compress: compress, cache: cache,
	}
}

// Write implements spec §4.5 write(file, offset, payload, length).
func (w *Writer) Write(ctx context.Context, f *File, offset int64, payload []byte, paging bool) (int, error) {
	if len(payload) == 0 {
		return 0, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	rb := NewRollback()

	if offset > f.FileSize {
		if paging {
			if offset >= f.FileSize {
				return 0, nil
			}
			payload = payload[:f.FileSize-offset]
		} else {
			if err := w.extendLocked(ctx, f, rb, offset); err != nil {
				rb.Undo()
				return 0, err
			}
		}
	}

	newEnd := offset + int64(len(payload))

	var err error
	switch {
	case newEnd <= w.cfg.MaxInline:
		err = w.writeInline(ctx, f, rb, offset, payload, newEnd)
	case w.cfg.Compress && !f.InodeData.Flags.Has(InodeFlagNoCompress) && !paging:
		err = w.writeCompressed(ctx, f, rb, offset, payload)
	default:
		err = w.writeRegular(ctx, f, rb, offset, payload)
	}
	if err != nil {
		rb.Undo()
		return 0, err
	}

	rb.Clear()
	f.updateSizeLocked(newEnd)
	if w.cache != nil {
		w.cache.SetFileSizes(ctx, f.AllocationSize, f.FileSize, f.ValidDataLength)
	}
	return len(payload), nil
}

func (f *File) updateSizeLocked(newEnd int64) {
	if newEnd > f.FileSize {
		f.FileSize = newEnd
		if newEnd > f.AllocationSize {
			f.AllocationSize = newEnd
		}
		if newEnd > f.ValidDataLength {
			f.ValidDataLength = newEnd
		}
	}
	var blocks int64
	for _, e := range f.Table.Extents() {
		if e.Kind == ExtentRegular || e.Kind == ExtentPrealloc {
			blocks += e.Length
		}
	}
	f.InodeData.Size = f.FileSize
	f.InodeData.Blocks = blocks
	f.ExtentsChanged = true
	f.InodeItemChanged = true
}

func (w *Writer) extendLocked(ctx context.Context, f *File, rb *Rollback, newEnd int64) error {
	f.FileSize = newEnd
	if newEnd > f.AllocationSize {
		f.AllocationSize = newEnd
	}
	f.InodeItemChanged = true
	return nil
}

// writeInline implements spec §4.5's inline branch: excise [0,
// file_size_rounded) and replace with a single Inline extent.
func (w *Writer) writeInline(ctx context.Context, f *File, rb *Rollback, offset int64, payload []byte, newEnd int64) error {
	if offset != 0 {
		return errInvalidArgument("write_inline", "inline extents only exist at offset 0")
	}
	roundedEnd := roundUp(f.FileSize, w.cfg.SectorSize)
	if err := f.Table.Excise(ctx, rb, 0, roundedEnd); err != nil {
		return err
	}
	data := make([]byte, newEnd)
	copy(data, payload)
	e := &Extent{
		Offset: 0, Length: newEnd, Kind: ExtentInline,
		DecodedSize: newEnd, InlineData: data, Unique: true,
	}
	f.Table.Insert(rb, e)
	return nil
}

// writeCompressed implements spec §4.5 write_compressed: split into
// CompressedExtentSize blocks, attempt compression per block, and fall back
// to NOCOMPRESS + regular writes once the first block proves incompressible
// and compress_force is false.
func (w *Writer) writeCompressed(ctx context.Context, f *File, rb *Rollback, offset int64, payload []byte) error {
	if w.compress == nil {
		return w.writeRegular(ctx, f, rb, offset, payload)
	}
	first := true
	for len(payload) > 0 {
		blockLen := int64(CompressedExtentSize)
		if blockLen > int64(len(payload)) {
			blockLen = int64(len(payload))
		}
		block := payload[:blockLen]

		encoded, ok, err := w.compress.Compress(ctx, block)
		if err != nil {
			return err
		}
		if !ok {
			if first && !w.cfg.CompressForce {
				f.InodeData.Flags |= InodeFlagNoCompress
				f.InodeItemChanged = true
			}
			if err := w.writeRegular(ctx, f, rb, offset, block); err != nil {
				return err
			}
		} else {
			if err := w.writeCompressedExtent(ctx, f, rb, offset, block, encoded); err != nil {
				return err
			}
		}

		first = false
		offset += blockLen
		payload = payload[blockLen:]
	}
	return nil
}

func (w *Writer) writeCompressedExtent(ctx context.Context, f *File, rb *Rollback, offset int64, decoded, encoded []byte) error {
	alignedEnd := roundUp(offset+int64(len(decoded)), w.cfg.SectorSize)
	if err := f.Table.Excise(ctx, rb, offset, alignedEnd); err != nil {
		return err
	}
	chunkLen := roundUp(int64(len(encoded)), w.cfg.SectorSize)
	chunk, err := w.alloc.FindOrAlloc(ctx, w.cfg.DataFlags, chunkLen)
	if err != nil {
		return err
	}
	chunk.Lock()
	addr, ok := chunk.FindFreeRun(chunkLen)
	if !ok {
		chunk.Unlock()
		return errOutOfSpace("write_compressed")
	}
	if err := chunk.SubtractSpace(addr, btrfsvol.AddrDelta(chunkLen)); err != nil {
		chunk.Unlock()
		return err
	}
	chunk.Unlock()
	rb.record(rollbackSubtractSpace{chunk, addr, btrfsvol.AddrDelta(chunkLen)})

	padded := make([]byte, chunkLen)
	copy(padded, encoded)
	if err := w.planAndDispatch(ctx, chunk, addr, padded); err != nil {
		return err
	}

	e := &Extent{
		Offset: offset, Length: int64(len(decoded)), Kind: ExtentRegular,
		DecodedSize: int64(len(decoded)), Compression: w.compress.Type(),
		ChunkAddress: addr, ChunkSize: btrfsvol.AddrDelta(chunkLen),
		ExtentOffset: 0, NumBytes: chunkLen, Unique: true,
	}
	if err := f.Table.ComputeCsum(ctx, e, padded); err != nil {
		return err
	}
	f.Table.Insert(rb, e)
	return nil
}

// writeRegular implements spec §4.5's regular branch: align to sectors,
// then for each overlapped existing extent either overwrite in place
// (Prealloc, or nodatacow+unique) or COW via excise+insert_extent.
func (w *Writer) writeRegular(ctx context.Context, f *File, rb *Rollback, offset int64, payload []byte) error {
	start := roundDown(offset, w.cfg.SectorSize)
	end := roundUp(offset+int64(len(payload)), w.cfg.SectorSize)

	padded := make([]byte, end-start)
	copy(padded[offset-start:], payload)

	nodatacow := f.InodeData.Flags.Has(InodeFlagNoDataCow)

	cursor := start
	for cursor < end {
		existing := f.overlapAt(cursor, end)
		if existing != nil && (existing.Kind == ExtentPrealloc || (nodatacow && existing.Unique)) {
			segEnd := existing.end()
			if segEnd > end {
				segEnd = end
			}
			if err := w.overwriteInPlace(ctx, f, rb, existing, cursor, segEnd, padded[cursor-start:segEnd-start]); err != nil {
				return err
			}
			cursor = segEnd
			continue
		}

		segEnd := end
		if err := f.Table.Excise(ctx, rb, cursor, segEnd); err != nil {
			return err
		}
		if err := w.insertExtent(ctx, f, rb, cursor, padded[cursor-start:segEnd-start]); err != nil {
			return err
		}
		cursor = segEnd
	}
	return nil
}

func (f *File) overlapAt(offset, end int64) *Extent {
	for _, e := range f.Table.overlapping(offset, end) {
		if e.Offset <= offset {
			return e
		}
	}
	return nil
}

// overwriteInPlace implements the Prealloc/nodatacow fast path of spec
// §4.5: write to the existing on-disk location, recompute checksums for the
// overwritten sectors, and for Prealloc split the extent into
// Regular+remaining-Prealloc exactly as excise's four cases do.
func (w *Writer) overwriteInPlace(ctx context.Context, f *File, rb *Rollback, e *Extent, start, end int64, data []byte) error {
	relStart := start - e.Offset
	chunkAddr := e.ChunkAddress + btrfsvol.LogicalAddr(e.ExtentOffset) + btrfsvol.LogicalAddr(relStart)

	chunk := w.lookupChunk(e.ChunkAddress)
	if chunk == nil {
		return errCorrupted("overwrite_in_place", errChunkNotFound{e.ChunkAddress})
	}
	if err := w.planAndDispatch(ctx, chunk, chunkAddr, data); err != nil {
		return err
	}

	if e.Kind != ExtentPrealloc {
		return f.Table.ComputeCsum(ctx, e, data)
	}

	// Split the Prealloc extent around [start, end) exactly as excise's
	// four cases do, then insert the overwritten slice as a Regular
	// extent referencing the same on-disk location (spec §4.5 "for
	// Prealloc also split the extent so that the overwritten portion
	// becomes Regular").
	if start <= e.Offset && end >= e.end() {
		e.Kind = ExtentRegular
		return f.Table.ComputeCsum(ctx, e, data)
	}
	extentOffset := e.ExtentOffset + (start - e.Offset)
	if err := f.Table.Excise(ctx, rb, start, end); err != nil {
		return err
	}
	regular := &Extent{
		Offset: start, Length: end - start, Kind: ExtentRegular,
		DecodedSize: end - start, ChunkAddress: e.ChunkAddress, ChunkSize: e.ChunkSize,
		ExtentOffset: extentOffset, NumBytes: e.NumBytes, Unique: e.Unique,
	}
	if err := f.Table.ComputeCsum(ctx, regular, data); err != nil {
		return err
	}
	f.Table.Insert(rb, regular)
	return nil
}

type errChunkNotFound struct{ addr btrfsvol.LogicalAddr }

func (e errChunkNotFound) Error() string { return "no chunk covers extent address" }

func (w *Writer) lookupChunk(addr btrfsvol.LogicalAddr) *Chunk {
	return w.alloc.LookupChunk(addr)
}

// insertExtent implements spec §4.4/§4.5 insert_extent: try_extend first,
// then allocate new extents via find_or_alloc(DATA), chunked by
// MaxExtentSize.
func (w *Writer) insertExtent(ctx context.Context, f *File, rb *Rollback, offset int64, data []byte) error {
	remaining := data
	cursor := offset
	nodatacow := f.InodeData.Flags.Has(InodeFlagNoDataCow)

	if last := f.Table.Last(); last != nil && last.end() == cursor && !nodatacow {
		if chunk := w.lookupChunk(last.ChunkAddress); chunk != nil {
			want := int64(len(remaining))
			if want > MaxExtentSize {
				want = MaxExtentSize
			}
			if n := f.Table.TryExtend(ctx, rb, chunk, cursor, want, nodatacow); n > 0 {
				addr := last.ChunkAddress + btrfsvol.LogicalAddr(last.ExtentOffset) + btrfsvol.LogicalAddr(last.Length-n)
				if err := w.planAndDispatch(ctx, chunk, addr, remaining[:n]); err != nil {
					return err
				}
				if err := f.Table.AppendCsum(ctx, last, remaining[:n]); err != nil {
					return err
				}
				remaining = remaining[n:]
				cursor += n
			}
		}
	}

	for len(remaining) > 0 {
		chunkLen := int64(len(remaining))
		if chunkLen > MaxExtentSize {
			chunkLen = MaxExtentSize
		}
		chunk, err := w.alloc.FindOrAlloc(ctx, w.cfg.DataFlags, chunkLen)
		if err != nil {
			return err
		}

		chunk.Lock()
		addr, ok := chunk.FindFreeRun(chunkLen)
		if !ok {
			chunk.Unlock()
			return errOutOfSpace("insert_extent")
		}
		if err := chunk.SubtractSpace(addr, btrfsvol.AddrDelta(chunkLen)); err != nil {
			chunk.Unlock()
			return err
		}
		chunk.Unlock()
		rb.record(rollbackSubtractSpace{chunk, addr, btrfsvol.AddrDelta(chunkLen)})

		segment := remaining[:chunkLen]
		if err := w.planAndDispatch(ctx, chunk, addr, segment); err != nil {
			return err
		}

		e := &Extent{
			Offset: cursor, Length: chunkLen, Kind: ExtentRegular,
			DecodedSize: chunkLen, ChunkAddress: addr, ChunkSize: btrfsvol.AddrDelta(chunkLen),
			NumBytes: chunkLen, Unique: true,
		}
		if err := f.Table.ComputeCsum(ctx, e, segment); err != nil {
			return err
		}
		f.Table.Insert(rb, e)

		remaining = remaining[chunkLen:]
		cursor += chunkLen
	}
	return nil
}

func (w *Writer) planAndDispatch(ctx context.Context, chunk *Chunk, addr btrfsvol.LogicalAddr, data []byte) error {
	var unlockRange func()
	if chunk.rangeLocks != nil {
		lockAddr, lockLen := rowLockRange(chunk, addr, addr+btrfsvol.LogicalAddr(len(data)))
		if err := chunk.rangeLocks.Lock(ctx, lockAddr, lockLen); err != nil {
			return err
		}
		unlockRange = func() { chunk.rangeLocks.Unlock(lockAddr, lockLen) }
		defer unlockRange()
	}

	wc, err := w.planner.Plan(ctx, w.reader, chunk, addr, data)
	if err != nil {
		return err
	}
	if err := w.dispatch.Dispatch(ctx, wc); err != nil {
		return err
	}
	dlog.Tracef(ctx, "wrote %d bytes at %v in chunk %v", len(data), addr, chunk.Offset)
	return nil
}

func roundDown(v, align int64) int64 { return (v / align) * align }
func roundUp(v, align int64) int64   { return ((v + align - 1) / align) * align }

// Truncate implements the inbound truncate(file, new_end) API (spec §6):
// shrink the file, excising everything past new_end.
func (w *Writer) Truncate(ctx context.Context, f *File, newEnd int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rb := NewRollback()
	oldEnd := roundUp(f.FileSize, w.cfg.SectorSize)
	if err := f.Table.Excise(ctx, rb, newEnd, oldEnd); err != nil {
		rb.Undo()
		return err
	}
	rb.Clear()
	f.FileSize = newEnd
	if newEnd < f.AllocationSize {
		f.AllocationSize = newEnd
	}
	if newEnd < f.ValidDataLength {
		f.ValidDataLength = newEnd
	}
	f.updateSizeLocked(newEnd)
	return nil
}

// Extend implements the inbound extend(file, new_end, preallocate?) API
// (spec §6): grow AllocationSize, optionally reserving a Prealloc extent for
// the new region rather than leaving it a sparse hole.
func (w *Writer) Extend(ctx context.Context, f *File, newEnd int64, preallocate bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if newEnd <= f.AllocationSize {
		return nil
	}
	rb := NewRollback()
	if preallocate {
		start := roundUp(f.AllocationSize, w.cfg.SectorSize)
		length := roundUp(newEnd, w.cfg.SectorSize) - start
		if length > 0 {
			if err := w.preallocRange(ctx, f, rb, start, length); err != nil {
				rb.Undo()
				return err
			}
		}
	}
	rb.Clear()
	f.AllocationSize = newEnd
	f.InodeItemChanged = true
	return nil
}

func (w *Writer) preallocRange(ctx context.Context, f *File, rb *Rollback, start, length int64) error {
	remaining := length
	cursor := start
	for remaining > 0 {
		chunkLen := remaining
		if chunkLen > MaxExtentSize {
			chunkLen = MaxExtentSize
		}
		chunk, err := w.alloc.FindOrAlloc(ctx, w.cfg.DataFlags, chunkLen)
		if err != nil {
			return err
		}
		chunk.Lock()
		addr, ok := chunk.FindFreeRun(chunkLen)
		if !ok {
			chunk.Unlock()
			return errOutOfSpace("extend")
		}
		if err := chunk.SubtractSpace(addr, btrfsvol.AddrDelta(chunkLen)); err != nil {
			chunk.Unlock()
			return err
		}
		chunk.Unlock()
		rb.record(rollbackSubtractSpace{chunk, addr, btrfsvol.AddrDelta(chunkLen)})

		e := &Extent{
			Offset: cursor, Length: chunkLen, Kind: ExtentPrealloc,
			DecodedSize: chunkLen, ChunkAddress: addr, ChunkSize: btrfsvol.AddrDelta(chunkLen),
			NumBytes: chunkLen, Unique: true,
		}
		f.Table.Insert(rb, e)

		remaining -= chunkLen
		cursor += chunkLen
	}
	return nil
}

// Excise implements the inbound excise(file, start, end) API (spec §6),
// used by hole-punch and internal rewrite logic.
func (w *Writer) Excise(ctx context.Context, f *File, start, end int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rb := NewRollback()
	if err := f.Table.Excise(ctx, rb, start, end); err != nil {
		rb.Undo()
		return err
	}
	rb.Clear()
	f.updateSizeLocked(f.FileSize)
	return nil
}
