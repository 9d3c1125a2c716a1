// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"sync"

	"github.com/btrfswrite/driver/lib/btrfs/btrfsprim"
	"github.com/btrfswrite/driver/lib/btrfs/btrfsvol"
)

// Device is the write path's view of one block device (spec §3 "Device").
type Device struct {
	UUID          btrfsprim.UUID
	ID            btrfsvol.DeviceID
	Phys          PhysDevice
	TotalSize     int64
	BytesUsed     int64
	MinimalIOSize int64
	Readonly      bool
	Relocation    bool

	mu   sync.Mutex
	free *freeList[btrfsvol.PhysicalAddr]
}

func NewDevice(id btrfsvol.DeviceID, uuid btrfsprim.UUID, phys PhysDevice, totalSize, minimalIOSize int64) *Device {
	d := &Device{
		UUID:          uuid,
		ID:            id,
		Phys:          phys,
		TotalSize:     totalSize,
		MinimalIOSize: minimalIOSize,
		free:          newFreeList[btrfsvol.PhysicalAddr](),
	}
	d.free.add(0, totalSize)
	return d
}

// AddFreeRange seeds (or restores, on rollback) a free run of bytes.
func (d *Device) AddFreeRange(addr btrfsvol.PhysicalAddr, size btrfsvol.AddrDelta) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.free.add(addr, int64(size))
}

// SubtractFreeRange reserves [addr, addr+size) -- it must be wholly
// contained within a single existing free hole.
func (d *Device) SubtractFreeRange(addr btrfsvol.PhysicalAddr, size btrfsvol.AddrDelta) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.free.subtract(addr, int64(size)); err != nil {
		return errDevice("Device.SubtractFreeRange", err)
	}
	return nil
}

// BestHoleAtLeast returns the smallest free hole whose size is >= min, or
// the overall largest hole if none is big enough (ok reports which). This
// backs the Chunk Allocator's device-selection pass (spec §4.1 step 3).
func (d *Device) BestHoleAtLeast(min btrfsvol.AddrDelta) (addr btrfsvol.PhysicalAddr, size btrfsvol.AddrDelta, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.free.bestFit(int64(min))
	return r.Addr, btrfsvol.AddrDelta(r.Size), ok
}

// LargestHole returns the single largest free hole on the device.
func (d *Device) LargestHole() (addr btrfsvol.PhysicalAddr, size btrfsvol.AddrDelta, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.free.largest()
	return r.Addr, btrfsvol.AddrDelta(r.Size), ok
}

// FreeRanges returns a snapshot of all free holes, ordered by address.
func (d *Device) FreeRanges() []freeRange[btrfsvol.PhysicalAddr] {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.free.ranges()
}

// NumFreeRanges reports how many disjoint holes remain (used by the DUP
// profile's "two distinct holes" selection rule, spec §4.1 step 3).
func (d *Device) NumFreeRanges() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.free.len()
}

// usageRatio is the device-selection score from spec §4.1 step 3:
// "bytes_used·4096 / num_bytes" (lower is better).
func (d *Device) usageRatio() float64 {
	if d.TotalSize == 0 {
		return 0
	}
	return float64(d.BytesUsed) * 4096 / float64(d.TotalSize)
}

func (d *Device) ReadAt(p []byte, off btrfsvol.PhysicalAddr) (int, error) {
	return d.Phys.ReadAt(p, off)
}

func (d *Device) WriteAt(p []byte, off btrfsvol.PhysicalAddr) (int, error) {
	return d.Phys.WriteAt(p, off)
}
