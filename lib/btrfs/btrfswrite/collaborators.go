// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"context"

	"github.com/btrfswrite/driver/lib/btrfs/btrfsprim"
	"github.com/btrfswrite/driver/lib/btrfs/btrfssum"
	"github.com/btrfswrite/driver/lib/btrfs/btrfsvol"
)

// PhysDevice is the block-device abstraction the write path issues stripe
// I/O against (spec §6 "Device"). It is satisfied by *Device's embedded
// physical volume, and by any diskio.File[btrfsvol.PhysicalAddr] in tests.
type PhysDevice interface {
	ReadAt(p []byte, off btrfsvol.PhysicalAddr) (int, error)
	WriteAt(p []byte, off btrfsvol.PhysicalAddr) (int, error)
}

// ExtentTree is the collaborator that owns the extent-tree root's back-refs
// (spec §6 "update_changed_extent_ref", "add_changed_extent_ref").
// Implementations are expected to batch these into a tree commit; the write
// path never calls through to on-disk state synchronously.
type ExtentTree interface {
	// UpdateRef adjusts the reference count of the on-disk extent at
	// chunkAddr by delta, recording that the change came from the given
	// subvolume/inode/file-offset. superseded is threaded straight
	// through rather than folded into an error code (Design Note in
	// spec §9).
	UpdateRef(ctx context.Context, chunkAddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta, subvol, inode btrfsprim.ObjID, fileOffset int64, delta int64, nosum, superseded bool) error

	// RefCount reports the current reference count of the extent at
	// chunkAddr. The write path does not call it: Excise's middle case
	// marks both fragments non-unique without querying the count.
	RefCount(ctx context.Context, chunkAddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta) (uint64, error)
}

// ChecksumJob is a handle to an in-flight (or already-complete) checksum
// computation requested via ChecksumWorker.AddCalcJob.
type ChecksumJob interface {
	Wait(ctx context.Context) error
}

// ChecksumWorker offloads CRC32C computation for large batches (spec §4.4,
// threshold checksumWorkerThreshold sectors); below the threshold the
// Extent Table computes checksums inline instead of calling this.
type ChecksumWorker interface {
	AddCalcJob(ctx context.Context, data []byte, sectorSize int64, out []btrfssum.CSum) (ChecksumJob, error)
}

// Compressor is the compression collaborator (spec §6 "compress_bit").
// Implementations report whether the input was worth compressing; the
// caller (write_compressed) is responsible for falling back to an
// uncompressed regular extent when ok is false.
type Compressor interface {
	Compress(ctx context.Context, data []byte) (encoded []byte, ok bool, err error)
	Decompress(ctx context.Context, encoded []byte, decodedSize int64) ([]byte, error)
	Type() CompressType
}

// CacheManager models the subset of the cache-manager collaborator the
// write path touches (spec §6): propagating a new file size, and flushing
// or purging cached pages after an extent is remapped.
type CacheManager interface {
	SetFileSizes(ctx context.Context, allocationSize, fileSize, validDataLength int64)
	Flush(ctx context.Context, start, end int64) error
	Purge(ctx context.Context, start, end int64) error
}

// FreeSpaceTracker is the per-chunk free-space cache collaborator (spec §6
// "load_cache_chunk", "space_list_add/subtract"). *Chunk implements the
// authoritative in-memory free list directly (lib/containers.RBTree-backed,
// see chunk.go); this interface exists for components — e.g. a future
// on-disk free-space-tree writer — that only need to observe mutations.
type FreeSpaceTracker interface {
	SpaceAdded(chunkAddr btrfsvol.LogicalAddr, addr btrfsvol.LogicalAddr, length btrfsvol.AddrDelta)
	SpaceSubtracted(chunkAddr btrfsvol.LogicalAddr, addr btrfsvol.LogicalAddr, length btrfsvol.AddrDelta)
}
