// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"context"

	"github.com/btrfswrite/driver/lib/btrfs/btrfsvol"
)

// StripeStatus tracks one stripe descriptor through the Write Dispatcher's
// completion state machine (spec §4.3).
type StripeStatus int

const (
	StripePending StripeStatus = iota
	StripeCancelling
	StripeCancelled
	StripeSuccess
	StripeError
	StripeIgnore
)

// StripeIO is one per-device write (or read, for RAID5/6 fragment
// reconstruction) carved out of a logical write by the Stripe Planner (spec
// §3 "WriteContext... list of per-stripe write descriptors").
type StripeIO struct {
	Device *Device
	Offset btrfsvol.PhysicalAddr
	Data   []byte
	Status StripeStatus
	Err    error
}

// WriteContext is the per-logical-write bundle of stripe descriptors and any
// parity scratch buffers the planner allocated (spec §3 "WriteContext").
type WriteContext struct {
	Chunk   *Chunk
	Stripes []*StripeIO

	// Parity1/Parity2 are the freshly allocated P/Q buffers for RAID5/6;
	// nil otherwise. The dispatcher frees nothing -- buffers live exactly
	// as long as the WriteContext does (spec §3 ownership note).
	Parity1 []byte
	Parity2 []byte

	// scratch holds page-aligned copies the planner made of
	// non-page-aligned caller payloads, and any row buffers allocated for
	// RAID5/6 reconstruction (spec §4.2 "Alignment requirement").
	scratch [][]byte
}

func (wc *WriteContext) newScratch(size int64) []byte {
	b := make([]byte, size)
	wc.scratch = append(wc.scratch, b)
	return b
}

// StripeReader supplies pre-write fragment reads for RAID5/6 parity
// recomputation (spec §4.2 "these are the fragments").
type StripeReader interface {
	ReadFragment(ctx context.Context, dev *Device, off btrfsvol.PhysicalAddr, size int64) ([]byte, error)
}

// Planner computes per-stripe descriptors for a logical write, dispatching
// to the profile-specific routine (spec §4.2).
type Planner struct {
	PageSize int64
}

func NewPlanner(pageSize int64) *Planner {
	if pageSize <= 0 {
		pageSize = 4096
	}
	return &Planner{PageSize: pageSize}
}

// Plan produces the WriteContext for writing payload at logical addr within
// chunk. The caller guarantees addr and len(payload) are sector-aligned
// (spec §4.2 "Alignment requirement").
func (p *Planner) Plan(ctx context.Context, reader StripeReader, chunk *Chunk, addr btrfsvol.LogicalAddr, payload []byte) (*WriteContext, error) {
	if addr < chunk.Offset || int64(addr-chunk.Offset)+int64(len(payload)) > int64(chunk.Size) {
		return nil, errInvalidArgument("stripe_plan", "logical range outside chunk bounds")
	}

	wc := &WriteContext{Chunk: chunk}
	payload = p.ensurePageAligned(wc, payload)

	switch {
	case chunk.Type.Has(btrfsvol.BLOCK_GROUP_RAID6):
		return p.planParity(ctx, reader, wc, addr, payload, true)
	case chunk.Type.Has(btrfsvol.BLOCK_GROUP_RAID5):
		return p.planParity(ctx, reader, wc, addr, payload, false)
	case chunk.Type.Has(btrfsvol.BLOCK_GROUP_RAID10):
		p.planRAID10(wc, addr, payload)
		return wc, nil
	case chunk.Type.Has(btrfsvol.BLOCK_GROUP_RAID0):
		p.planRAID0(wc, chunk, addr, payload)
		return wc, nil
	default: // SINGLE/DUP/RAID1
		p.planMirrored(wc, addr, payload)
		return wc, nil
	}
}

// ensurePageAligned copies payload into a WriteContext-owned scratch buffer
// when it is not page-granular (spec §4.2).
func (p *Planner) ensurePageAligned(wc *WriteContext, payload []byte) []byte {
	if len(payload)%int(p.PageSize) == 0 {
		return payload
	}
	buf := wc.newScratch(int64(len(payload)))
	copy(buf, payload)
	return buf
}

// planMirrored handles SINGLE/DUP/RAID1: every stripe gets the identical
// byte range and a read-only borrow of the same payload (spec §4.2).
func (p *Planner) planMirrored(wc *WriteContext, addr btrfsvol.LogicalAddr, payload []byte) {
	chunk := wc.Chunk
	rel := int64(addr - chunk.Offset)
	for _, s := range chunk.Stripes {
		wc.Stripes = append(wc.Stripes, &StripeIO{
			Device: s.Device,
			Offset: s.Offset + btrfsvol.PhysicalAddr(rel),
			Data:   payload,
		})
	}
}

// raid0Segment is one contiguous run of payload that lands on a single
// stripe at a single device offset.
type raid0Segment struct {
	stripe int
	devOff int64
	data   []byte
}

// splitRAID0 implements the byte-to-stripe mapping of spec §4.2 RAID0:
// stripe_index(offset) = (offset/L) mod numStripes, emitted in stripe-length
// chunks starting with a possibly-partial chunk at the head stripe.
func splitRAID0(numStripes int, stripeLen int64, rel int64, payload []byte) []raid0Segment {
	var segs []raid0Segment
	cursor := int64(0)
	for cursor < int64(len(payload)) {
		abs := rel + cursor
		rowStart := (abs / stripeLen) * stripeLen
		stripeIdx := int((abs / stripeLen) % int64(numStripes))
		offInStripe := abs - rowStart
		take := stripeLen - offInStripe
		if remain := int64(len(payload)) - cursor; take > remain {
			take = remain
		}
		devOff := (abs/(stripeLen*int64(numStripes)))*stripeLen + offInStripe
		segs = append(segs, raid0Segment{stripeIdx, devOff, payload[cursor : cursor+take]})
		cursor += take
	}
	return segs
}

// planRAID0 splits payload across chunk.NumStripes() (spec §4.2 RAID0).
func (p *Planner) planRAID0(wc *WriteContext, chunk *Chunk, addr btrfsvol.LogicalAddr, payload []byte) {
	n := chunk.NumStripes()
	rel := int64(addr - chunk.Offset)
	segs := splitRAID0(n, chunk.StripeLength, rel, payload)

	ios := make([]*StripeIO, n)
	for _, seg := range segs {
		io := ios[seg.stripe]
		if io == nil {
			sr := chunk.Stripes[seg.stripe]
			io = &StripeIO{Device: sr.Device, Offset: sr.Offset + btrfsvol.PhysicalAddr(seg.devOff)}
			ios[seg.stripe] = io
		}
		io.Data = append(io.Data, seg.data...)
	}
	for i, io := range ios {
		if io == nil {
			wc.Stripes = append(wc.Stripes, &StripeIO{Status: StripeIgnore})
			continue
		}
		_ = i
		wc.Stripes = append(wc.Stripes, io)
	}
}

// planRAID10 is RAID0 over chunk.NumStripes()/SubStripes logical stripes,
// each fanned out to SubStripes mirrors that share payload and byte range
// (spec §4.2 RAID10).
func (p *Planner) planRAID10(wc *WriteContext, addr btrfsvol.LogicalAddr, payload []byte) {
	chunk := wc.Chunk
	k := int(chunk.SubStripes)
	logicalN := chunk.NumStripes() / k
	rel := int64(addr - chunk.Offset)
	segs := splitRAID0(logicalN, chunk.StripeLength, rel, payload)

	data := make([][]byte, logicalN)
	devOff := make([]int64, logicalN)
	touched := make([]bool, logicalN)
	for _, seg := range segs {
		data[seg.stripe] = append(data[seg.stripe], seg.data...)
		if !touched[seg.stripe] {
			devOff[seg.stripe] = seg.devOff
			touched[seg.stripe] = true
		}
	}
	for logical := 0; logical < logicalN; logical++ {
		if !touched[logical] {
			for m := 0; m < k; m++ {
				wc.Stripes = append(wc.Stripes, &StripeIO{Status: StripeIgnore})
			}
			continue
		}
		for m := 0; m < k; m++ {
			sr := chunk.Stripes[logical*k+m]
			wc.Stripes = append(wc.Stripes, &StripeIO{
				Device: sr.Device,
				Offset: sr.Offset + btrfsvol.PhysicalAddr(devOff[logical]),
				Data:   data[logical],
			})
		}
	}
}

// planParity implements spec §4.2 RAID5/RAID6: row-by-row planning, with
// fragment reads filling in the parts of the parity row this write doesn't
// cover, followed by XOR (and, for RAID6, Galois-field Q) parity.
func (p *Planner) planParity(ctx context.Context, reader StripeReader, wc *WriteContext, addr btrfsvol.LogicalAddr, payload []byte, dualParity bool) (*WriteContext, error) {
	chunk := wc.Chunk
	n := chunk.NumStripes()
	nParity := 1
	if dualParity {
		nParity = 2
	}
	nData := n - nParity
	L := chunk.StripeLength
	rowBytes := int64(nData) * L

	rel := int64(addr - chunk.Offset)
	firstRow := rel / rowBytes
	lastRow := (rel + int64(len(payload)) - 1) / rowBytes

	for rowIdx := firstRow; rowIdx <= lastRow; rowIdx++ {
		rowDataStart := rowIdx * rowBytes

		var parity1 int
		if dualParity {
			parity1 = int((rowIdx + int64(n) - int64(nParity)) % int64(n))
		} else {
			parity1 = int((rowIdx + int64(n) - 1) % int64(n))
		}
		parity2 := (parity1 + 1) % n

		dataStripes := make([]int, 0, nData)
		for s := 0; s < n; s++ {
			if s == parity1 || (dualParity && s == parity2) {
				continue
			}
			dataStripes = append(dataStripes, s)
		}

		writeBeg := rel
		if writeBeg < rowDataStart {
			writeBeg = rowDataStart
		}
		writeEnd := rel + int64(len(payload))
		if writeEnd > rowDataStart+rowBytes {
			writeEnd = rowDataStart + rowBytes
		}

		rowBuffers := make([][]byte, nData)
		for di, s := range dataStripes {
			stripeRowStart := rowDataStart + int64(di)*L
			stripeRowEnd := stripeRowStart + L
			buf := wc.newScratch(L)

			segBeg, segEnd := writeBeg, writeEnd
			if segBeg < stripeRowStart {
				segBeg = stripeRowStart
			}
			if segEnd > stripeRowEnd {
				segEnd = stripeRowEnd
			}
			if segBeg < segEnd {
				srcOff := segBeg - rel
				copy(buf[segBeg-stripeRowStart:segEnd-stripeRowStart], payload[srcOff:srcOff+(segEnd-segBeg)])
			}

			sr := chunk.Stripes[s]
			stripePhysBase := sr.Offset + btrfsvol.PhysicalAddr(rowIdx*L)
			if segBeg > stripeRowStart {
				frag, err := reader.ReadFragment(ctx, sr.Device, stripePhysBase, segBeg-stripeRowStart)
				if err != nil {
					return nil, errDevice("raid56_plan", err)
				}
				copy(buf[:segBeg-stripeRowStart], frag)
			}
			if segEnd < stripeRowEnd {
				off := segEnd - stripeRowStart
				frag, err := reader.ReadFragment(ctx, sr.Device, stripePhysBase+btrfsvol.PhysicalAddr(off), stripeRowEnd-segEnd)
				if err != nil {
					return nil, errDevice("raid56_plan", err)
				}
				copy(buf[off:], frag)
			}
			rowBuffers[di] = buf

			if segBeg < segEnd {
				wc.Stripes = append(wc.Stripes, &StripeIO{
					Device: sr.Device,
					Offset: sr.Offset + btrfsvol.PhysicalAddr(rowIdx*L+(segBeg-stripeRowStart)),
					Data:   payload[segBeg-rel : segEnd-rel],
				})
			}
		}

		pSr := chunk.Stripes[parity1]
		if dualParity {
			pBuf, qBuf := raid6PQ(rowBuffers, L)
			wc.Stripes = append(wc.Stripes, &StripeIO{Device: pSr.Device, Offset: pSr.Offset + btrfsvol.PhysicalAddr(rowIdx*L), Data: pBuf})
			qSr := chunk.Stripes[parity2]
			wc.Stripes = append(wc.Stripes, &StripeIO{Device: qSr.Device, Offset: qSr.Offset + btrfsvol.PhysicalAddr(rowIdx*L), Data: qBuf})
			wc.Parity1, wc.Parity2 = pBuf, qBuf
		} else {
			pBuf := raid5P(rowBuffers, L)
			wc.Stripes = append(wc.Stripes, &StripeIO{Device: pSr.Device, Offset: pSr.Offset + btrfsvol.PhysicalAddr(rowIdx*L), Data: pBuf})
			wc.Parity1 = pBuf
		}
	}
	return wc, nil
}
