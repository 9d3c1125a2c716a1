// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"context"
	"sort"
	"sync"

	"github.com/datawire/dlib/dlog"
	lru "github.com/hashicorp/golang-lru"

	"github.com/btrfswrite/driver/lib/btrfs/btrfsvol"
)

// chunkLookupCacheSize bounds the Allocator's by-address chunk cache (see
// LookupChunk); a file touches at most a handful of extents' chunks at a
// time, so this is generous headroom rather than a tuned figure.
const chunkLookupCacheSize = 256

const (
	giB = 1 << 30
	miB = 1 << 20

	chunkAddrFloor = btrfsvol.LogicalAddr(0xC00000)
)

// profileRule is the (min_stripes, max_stripes, sub_stripes, type) tuple
// keyed by block-group profile (spec §4.1 step 2).
type profileRule struct {
	minStripes int
	maxStripes int
	subStripes uint16
	extraType  btrfsvol.BlockGroupFlags
}

var profileRules = map[btrfsvol.BlockGroupFlags]profileRule{
	0:                          {1, 1, 1, 0},
	btrfsvol.BLOCK_GROUP_DUP:   {2, 2, 0, btrfsvol.BLOCK_GROUP_DUP},
	btrfsvol.BLOCK_GROUP_RAID0: {2, 0, 0, 0}, // maxStripes filled from num_devices
	btrfsvol.BLOCK_GROUP_RAID1: {2, 2, 1, 0},
	btrfsvol.BLOCK_GROUP_RAID10: {4, 0, 2, 0},
	btrfsvol.BLOCK_GROUP_RAID5:  {3, 0, 1, 0},
	btrfsvol.BLOCK_GROUP_RAID6:  {4, 257, 1, 0},
}

// Allocator owns the chunk list and the chunk-list lock (spec §4.1 "chunk
// lock is a shared/exclusive lock").
type Allocator struct {
	mu      sync.RWMutex
	devices []*Device
	chunks  []*Chunk // kept sorted by Offset

	cfg Config

	// chunkCache short-circuits LookupChunk for addresses already found by
	// a linear chunks scan, keyed by the exact address looked up (most
	// callers repeatedly look up the same extent's ChunkAddress, e.g.
	// overwriteInPlace on successive writes to the same region).
	chunkCache *lru.Cache

	// incompatRAID56 latches true the first time a RAID5/RAID6 chunk is
	// allocated, mirroring alloc_chunk's superblock incompat_flags update
	// (spec §6): once set, a host filesystem must OR in
	// BTRFS_FEATURE_INCOMPAT_RAID56 before committing the superblock.
	incompatRAID56 bool
}

func NewAllocator(cfg Config, devices []*Device) *Allocator {
	cache, _ := lru.New(chunkLookupCacheSize) // only errors on size <= 0
	return &Allocator{cfg: cfg, devices: devices, chunkCache: cache}
}

// LookupChunk returns the chunk whose logical range contains addr, or nil.
// It is the collaborator behind Writer.lookupChunk (spec §4.5 overwrite and
// insert_extent paths), pulled up onto the Allocator so the cache is shared
// across every File using it rather than re-scanning per write.
func (a *Allocator) LookupChunk(addr btrfsvol.LogicalAddr) *Chunk {
	if v, ok := a.chunkCache.Get(addr); ok {
		return v.(*Chunk)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, c := range a.chunks {
		if addr >= c.Offset && addr < c.Offset+btrfsvol.LogicalAddr(c.Size) {
			a.chunkCache.Add(addr, c)
			return c
		}
	}
	return nil
}

func (a *Allocator) AddChunk(c *Chunk) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := sort.Search(len(a.chunks), func(i int) bool { return a.chunks[i].Offset >= c.Offset })
	a.chunks = append(a.chunks, nil)
	copy(a.chunks[i+1:], a.chunks[i:])
	a.chunks[i] = c
}

// FindOrAlloc implements spec §4.1's find_or_alloc: scan existing chunks
// under the shared lock, falling back to allocChunkLocked under the exclusive
// lock when none has room.
func (a *Allocator) FindOrAlloc(ctx context.Context, profile btrfsvol.BlockGroupFlags, needed int64) (*Chunk, error) {
	a.mu.RLock()
	for _, c := range a.chunks {
		if c.Readonly || c.Relocation {
			continue
		}
		if c.Type&(btrfsvol.BLOCK_GROUP_DATA|btrfsvol.BLOCK_GROUP_METADATA|btrfsvol.BLOCK_GROUP_SYSTEM|btrfsvol.BLOCK_GROUP_RAID_MASK|btrfsvol.BLOCK_GROUP_RAID0) != profile {
			continue
		}
		if c.HasFree(needed) {
			a.mu.RUnlock()
			return c, nil
		}
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	// Re-check: another writer may have allocated while we waited for the
	// exclusive lock.
	for _, c := range a.chunks {
		if !c.Readonly && !c.Relocation && c.Type == profile && c.HasFree(needed) {
			return c, nil
		}
	}
	c, err := a.allocChunkLocked(ctx, profile)
	if err != nil {
		return nil, err
	}
	i := sort.Search(len(a.chunks), func(i int) bool { return a.chunks[i].Offset >= c.Offset })
	a.chunks = append(a.chunks, nil)
	copy(a.chunks[i+1:], a.chunks[i:])
	a.chunks[i] = c
	return c, nil
}

func maxStripeSize(profile btrfsvol.BlockGroupFlags, totalDeviceBytes int64) int64 {
	switch {
	case profile.Has(btrfsvol.BLOCK_GROUP_SYSTEM):
		return 32 * miB
	case profile.Has(btrfsvol.BLOCK_GROUP_METADATA):
		if totalDeviceBytes > 50*giB {
			return giB
		}
		return 256 * miB
	default: // DATA
		return giB
	}
}

func maxChunkSize(profile btrfsvol.BlockGroupFlags, stripeSize, totalDeviceBytes int64) int64 {
	var m int64
	switch {
	case profile.Has(btrfsvol.BLOCK_GROUP_SYSTEM):
		m = 2 * stripeSize
	case profile.Has(btrfsvol.BLOCK_GROUP_METADATA):
		m = stripeSize
	default:
		m = 10 * stripeSize
	}
	if cap := totalDeviceBytes / 10; m > cap {
		m = cap
	}
	return m
}

func stripeFactor(profile btrfsvol.BlockGroupFlags, numStripes int, subStripes uint16) int64 {
	switch {
	case profile.Has(btrfsvol.BLOCK_GROUP_RAID0):
		return int64(numStripes)
	case profile.Has(btrfsvol.BLOCK_GROUP_RAID10):
		return int64(numStripes) / int64(subStripes)
	case profile.Has(btrfsvol.BLOCK_GROUP_RAID5):
		return int64(numStripes - 1)
	case profile.Has(btrfsvol.BLOCK_GROUP_RAID6):
		return int64(numStripes - 2)
	default:
		return 1
	}
}

// candidateSlot is one chosen (device, hole) pairing for a stripe.
type candidateSlot struct {
	dev  *Device
	addr btrfsvol.PhysicalAddr
	size btrfsvol.AddrDelta
}

// allocChunkLocked implements spec §4.1 alloc_chunk. Caller must hold a.mu
// for writing.
func (a *Allocator) allocChunkLocked(ctx context.Context, profile btrfsvol.BlockGroupFlags) (*Chunk, error) {
	var totalDeviceBytes int64
	for _, d := range a.devices {
		totalDeviceBytes += d.TotalSize
	}

	raidBits := profile &^ (btrfsvol.BLOCK_GROUP_DATA | btrfsvol.BLOCK_GROUP_METADATA | btrfsvol.BLOCK_GROUP_SYSTEM)
	rule, ok := profileRules[raidBits]
	if !ok {
		return nil, errAlloc("alloc_chunk", KindInvalidArgument, "unknown block-group profile %v", profile)
	}
	numDevices := len(a.devices)
	maxStripes := rule.maxStripes
	if raidBits.Has(btrfsvol.BLOCK_GROUP_RAID0) && maxStripes == 0 {
		maxStripes = numDevices
	}
	if raidBits.Has(btrfsvol.BLOCK_GROUP_RAID10) && maxStripes == 0 {
		maxStripes = numDevices
	}
	if raidBits.Has(btrfsvol.BLOCK_GROUP_RAID5) && maxStripes == 0 {
		maxStripes = numDevices
	}

	stripeSizeCap := maxStripeSize(profile, totalDeviceBytes)

	dup := raidBits.Has(btrfsvol.BLOCK_GROUP_DUP)

	slots, err := a.selectDevices(profile, dup, rule.minStripes, maxStripes, stripeSizeCap)
	if err != nil {
		return nil, err
	}

	numStripes := len(slots)
	if raidBits.Has(btrfsvol.BLOCK_GROUP_RAID10) {
		numStripes -= numStripes % int(rule.subStripes)
		slots = slots[:numStripes]
	}
	if numStripes < rule.minStripes {
		return nil, errAlloc("alloc_chunk", KindOutOfSpace, "only %d of %d minimum stripes available for profile %v", numStripes, rule.minStripes, profile)
	}

	smallest := slots[0].size
	for _, s := range slots[1:] {
		if s.size < smallest {
			smallest = s.size
		}
	}
	stripeSize := int64(smallest)
	if stripeSize > stripeSizeCap {
		stripeSize = stripeSizeCap
	}
	if dup && len(slots) == 1 {
		stripeSize /= 2
	}

	factor := stripeFactor(profile, numStripes, rule.subStripes)
	chunkCap := maxChunkSize(profile, stripeSizeCap, totalDeviceBytes)
	if stripeSize*factor > chunkCap {
		stripeSize = chunkCap / factor
	}
	stripeSize -= stripeSize % a.cfg.SectorSize
	if a.cfg.StripeLength > 0 {
		stripeSize -= stripeSize % a.cfg.StripeLength
	}
	if stripeSize <= 0 {
		return nil, errAlloc("alloc_chunk", KindOutOfSpace, "no usable stripe size for profile %v", profile)
	}

	chunkSize := stripeSize * factor
	chunkAddr := a.nextChunkAddress(btrfsvol.AddrDelta(chunkSize))

	stripes := make([]StripeRef, 0, numStripes)
	for _, slot := range slots {
		if err := slot.dev.SubtractFreeRange(slot.addr, btrfsvol.AddrDelta(stripeSize)); err != nil {
			return nil, errAlloc("alloc_chunk", KindDeviceError, "reserving stripe on device %v: %v", slot.dev.ID, err)
		}
		slot.dev.BytesUsed += stripeSize
		stripes = append(stripes, StripeRef{
			DeviceID:   slot.dev.ID,
			Device:     slot.dev,
			Offset:     slot.addr,
			DeviceUUID: slot.dev.UUID,
		})
	}

	if raidBits.Has(btrfsvol.BLOCK_GROUP_RAID5) || raidBits.Has(btrfsvol.BLOCK_GROUP_RAID6) {
		a.incompatRAID56 = true
	}

	chunk := NewChunk(chunkAddr, btrfsvol.AddrDelta(chunkSize), a.cfg.StripeLength, profile, rule.subStripes, stripes)
	dlog.Infof(ctx, "allocated chunk addr=%v size=%v profile=%v stripes=%d", chunkAddr, chunkSize, profile, numStripes)
	return chunk, nil
}

// IncompatRAID56Needed reports whether this allocator has ever allocated a
// RAID5 or RAID6 chunk. A host filesystem must OR
// BTRFS_FEATURE_INCOMPAT_RAID56 into the superblock's incompat_flags before
// committing a transaction once this is true (spec §6).
func (a *Allocator) IncompatRAID56Needed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.incompatRAID56
}

// selectDevices implements spec §4.1 step 3: score candidate devices by
// usage ratio and pick the best per stripe slot, falling back to the
// largest available hole when no device meets stripeSizeCap.
func (a *Allocator) selectDevices(profile btrfsvol.BlockGroupFlags, dup bool, minStripes, maxStripes int, stripeSizeCap int64) ([]candidateSlot, error) {
	type scored struct {
		dev   *Device
		ratio float64
	}
	var pool []scored
	for _, d := range a.devices {
		if d.Readonly || d.Relocation {
			continue
		}
		pool = append(pool, scored{d, d.usageRatio()})
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].ratio < pool[j].ratio })

	var slots []candidateSlot
	used := map[btrfsvol.DeviceID]bool{}

	if dup {
		for _, s := range pool {
			ranges := s.dev.FreeRanges()
			var big []freeRange[btrfsvol.PhysicalAddr]
			for _, r := range ranges {
				if r.Size >= stripeSizeCap {
					big = append(big, r)
				}
			}
			switch {
			case len(big) >= 2:
				slots = append(slots, candidateSlot{s.dev, big[0].Addr, btrfsvol.AddrDelta(stripeSizeCap)})
				slots = append(slots, candidateSlot{s.dev, big[1].Addr, btrfsvol.AddrDelta(stripeSizeCap)})
				return slots, nil
			case s.dev.NumFreeRanges() > 0:
				addr, size, ok := s.dev.BestHoleAtLeast(btrfsvol.AddrDelta(2 * stripeSizeCap))
				if ok {
					half := int64(size) / 2
					slots = append(slots, candidateSlot{s.dev, addr, btrfsvol.AddrDelta(half)})
					slots = append(slots, candidateSlot{s.dev, addr + btrfsvol.PhysicalAddr(half), btrfsvol.AddrDelta(size) - btrfsvol.AddrDelta(half)})
					return slots, nil
				}
			}
		}
		// Fallback: largest single hole on the least-used device, split in two.
		for _, s := range pool {
			addr, size, ok := s.dev.LargestHole()
			if ok && size > 0 {
				half := int64(size) / 2
				slots = append(slots, candidateSlot{s.dev, addr, btrfsvol.AddrDelta(half)})
				slots = append(slots, candidateSlot{s.dev, addr + btrfsvol.PhysicalAddr(half), btrfsvol.AddrDelta(size) - btrfsvol.AddrDelta(half)})
				return slots, nil
			}
		}
		return nil, errAlloc("alloc_chunk", KindOutOfSpace, "no device has room for a DUP stripe pair")
	}

	for _, s := range pool {
		if len(slots) >= maxStripes {
			break
		}
		if used[s.dev.ID] {
			continue
		}
		addr, size, ok := s.dev.BestHoleAtLeast(btrfsvol.AddrDelta(stripeSizeCap))
		if !ok {
			addr, size, ok = s.dev.LargestHole()
		}
		if !ok || size <= 0 {
			continue
		}
		slots = append(slots, candidateSlot{s.dev, addr, size})
		used[s.dev.ID] = true
	}
	if len(slots) < minStripes {
		return nil, errAlloc("alloc_chunk", KindOutOfSpace, "only found %d of %d required stripes", len(slots), minStripes)
	}
	return slots, nil
}

// nextChunkAddress picks max(0xC00000, lowest gap >= size, or past the
// last chunk) -- spec §4.1 step 6. Caller must hold a.mu.
func (a *Allocator) nextChunkAddress(size btrfsvol.AddrDelta) btrfsvol.LogicalAddr {
	prev := chunkAddrFloor
	for _, c := range a.chunks {
		if c.Offset < prev {
			continue
		}
		if c.Offset-prev >= size {
			return prev
		}
		end := c.Offset + btrfsvol.LogicalAddr(c.Size)
		if end > prev {
			prev = end
		}
	}
	return prev
}
