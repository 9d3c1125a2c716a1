// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"sync"

	"github.com/btrfswrite/driver/lib/btrfs/btrfsprim"
	"github.com/btrfswrite/driver/lib/btrfs/btrfsvol"
)

// StripeRef is one of a Chunk's on-device stripes (spec §3 "Chunk" ...
// "N {dev_id, device_offset, dev_uuid} stripe descriptors").
type StripeRef struct {
	DeviceID   btrfsvol.DeviceID
	Device     *Device
	Offset     btrfsvol.PhysicalAddr
	DeviceUUID btrfsprim.UUID
}

// Chunk is a logical address range mapped across one or more device
// stripes under a block-group profile (spec §3 "Chunk").
type Chunk struct {
	Offset       btrfsvol.LogicalAddr
	Size         btrfsvol.AddrDelta
	StripeLength int64
	Type         btrfsvol.BlockGroupFlags
	SubStripes   uint16
	Stripes      []StripeRef
	Generation   btrfsprim.Generation

	// Readonly/Relocation exclude the chunk from find_or_alloc's scan
	// (spec §4.1).
	Readonly   bool
	Relocation bool

	mu         sync.Mutex
	used       int64
	free       *freeList[btrfsvol.LogicalAddr]
	cacheDirty bool

	pendingDelete []freeRange[btrfsvol.LogicalAddr]

	// rangeLocks serializes RAID5/6 parity-row writers (spec §5 "RAID5/6
	// row locking"); nil for non-parity profiles.
	rangeLocks *rangeLockTable
}

// NewChunk builds a freshly allocated chunk spanning [offset, offset+size)
// with every byte free.
func NewChunk(offset btrfsvol.LogicalAddr, size btrfsvol.AddrDelta, stripeLen int64, typ btrfsvol.BlockGroupFlags, subStripes uint16, stripes []StripeRef) *Chunk {
	c := &Chunk{
		Offset:       offset,
		Size:         size,
		StripeLength: stripeLen,
		Type:         typ,
		SubStripes:   subStripes,
		Stripes:      stripes,
		free:         newFreeList[btrfsvol.LogicalAddr](),
	}
	c.free.add(offset, int64(size))
	if typ.Has(btrfsvol.BLOCK_GROUP_RAID5) || typ.Has(btrfsvol.BLOCK_GROUP_RAID6) {
		c.rangeLocks = newRangeLockTable()
	}
	return c
}

func (c *Chunk) Lock()   { c.mu.Lock() }
func (c *Chunk) Unlock() { c.mu.Unlock() }

// NumStripes is derived from len(Stripes) rather than stored separately.
func (c *Chunk) NumStripes() int { return len(c.Stripes) }

// Used reports bytes currently allocated out of this chunk.
func (c *Chunk) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// HasFree reports whether this chunk (under its own lock) can satisfy a
// request of needed bytes without further allocation (spec §4.1
// find_or_alloc: "if size − used ≥ needed, return it").
func (c *Chunk) HasFree(needed int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(c.Size)-c.used >= needed
}

// AddSpace returns [addr, addr+size) to the chunk's free list (spec
// RollbackItem "AddSpace"); used by rollback's replay of a SubtractSpace
// item.
func (c *Chunk) AddSpace(addr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.free.add(addr, int64(size))
	c.used -= int64(size)
	c.cacheDirty = true
}

// SubtractSpace reserves [addr, addr+size) out of the chunk's free list
// (spec RollbackItem "SubtractSpace").
func (c *Chunk) SubtractSpace(addr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.free.subtract(addr, int64(size)); err != nil {
		return errDevice("Chunk.SubtractSpace", err)
	}
	c.used += int64(size)
	c.cacheDirty = true
	return nil
}

// FindFreeRun looks for a contiguous free run of at least size bytes,
// returning its address (find_data_address_in_chunk, spec glossary).
func (c *Chunk) FindFreeRun(size int64) (btrfsvol.LogicalAddr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.free.bestFit(size)
	if !ok || r.Size < size {
		return 0, false
	}
	return r.Addr, true
}

// HasContiguousFree reports whether [addr, addr+size) is entirely free,
// used by try_extend to decide whether an extent can grow in place (spec
// §4.4 try_extend).
func (c *Chunk) HasContiguousFree(addr btrfsvol.LogicalAddr, size int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := freeRange[btrfsvol.LogicalAddr]{Addr: addr, Size: size}
	node := c.free.byAddr.Search(func(r freeRange[btrfsvol.LogicalAddr]) int { return want.cmpRange(r) })
	if node == nil {
		return false
	}
	r := node.Value
	return int64(addr) >= int64(r.Addr) && int64(addr)+size <= int64(r.end())
}

// FreeBytes is sum(free.size) -- used to validate the chunk invariant
// used + sum(free.size) == size (spec §8).
func (c *Chunk) FreeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.free.total()
}

// dataStripesCount is N-P: the number of stripes that carry payload rather
// than parity, for RAID5 (P=1) and RAID6 (P=2); for non-parity profiles it
// is simply NumStripes (spec §3 "for RAID5/6, logical size = (N − P) ×
// stripe_length × K").
func (c *Chunk) dataStripesCount() int {
	switch {
	case c.Type.Has(btrfsvol.BLOCK_GROUP_RAID6):
		return c.NumStripes() - 2
	case c.Type.Has(btrfsvol.BLOCK_GROUP_RAID5):
		return c.NumStripes() - 1
	default:
		return c.NumStripes()
	}
}
