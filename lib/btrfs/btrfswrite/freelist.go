// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"fmt"

	"github.com/btrfswrite/driver/lib/containers"
)

// addrlike is satisfied by both btrfsvol.PhysicalAddr and
// btrfsvol.LogicalAddr: a per-chunk free list and a per-device free list
// are the same data structure over two different address spaces (spec §3
// "Device", "Chunk" both carry free-space lists "sorted by address and
// another sorted by size").
type addrlike interface {
	~int64
}

type freeRange[A addrlike] struct {
	Addr A
	Size int64
}

func (r freeRange[A]) end() A { return A(int64(r.Addr) + r.Size) }

func (r freeRange[A]) cmpRange(other freeRange[A]) int {
	switch {
	case int64(r.end()) <= int64(other.Addr):
		return -1
	case int64(other.end()) <= int64(r.Addr):
		return 1
	default:
		return 0
	}
}

type freeSizeKey[A addrlike] struct {
	Size int64
	Addr A
}

func (a freeSizeKey[A]) Cmp(b freeSizeKey[A]) int {
	if a.Size != b.Size {
		if a.Size < b.Size {
			return -1
		}
		return 1
	}
	if a.Addr != b.Addr {
		if a.Addr < b.Addr {
			return -1
		}
		return 1
	}
	return 0
}

// freeList is an ordered-by-address view and an ordered-by-size view of the
// same set of disjoint byte ranges, backed by lib/containers.RBTree exactly
// as the teacher backs its logical<->physical chunk maps (lib/btrfs/btrfsvol
// /lvm.go).
type freeList[A addrlike] struct {
	byAddr *containers.RBTree[containers.NativeOrdered[A], freeRange[A]]
	bySize *containers.RBTree[freeSizeKey[A], freeRange[A]]
}

func newFreeList[A addrlike]() *freeList[A] {
	fl := &freeList[A]{
		byAddr: &containers.RBTree[containers.NativeOrdered[A], freeRange[A]]{
			KeyFn: func(r freeRange[A]) containers.NativeOrdered[A] {
				return containers.NativeOrdered[A]{Val: r.Addr}
			},
		},
		bySize: &containers.RBTree[freeSizeKey[A], freeRange[A]]{
			KeyFn: func(r freeRange[A]) freeSizeKey[A] { return freeSizeKey[A]{Size: r.Size, Addr: r.Addr} },
		},
	}
	return fl
}

func (fl *freeList[A]) add(addr A, size int64) {
	if size <= 0 {
		return
	}
	beg, end := int64(addr), int64(addr)+size
	// Ranges that overlap or merely touch [beg, end) are merged into it.
	overlaps := fl.byAddr.SearchRange(func(r freeRange[A]) int {
		switch {
		case end < int64(r.Addr):
			return -1
		case int64(r.end()) < beg:
			return 1
		default:
			return 0
		}
	})
	for _, r := range overlaps {
		if int64(r.Addr) < beg {
			beg = int64(r.Addr)
		}
		if int64(r.end()) > end {
			end = int64(r.end())
		}
		fl.byAddr.Delete(containers.NativeOrdered[A]{Val: r.Addr})
		fl.bySize.Delete(freeSizeKey[A]{Size: r.Size, Addr: r.Addr})
	}
	merged := freeRange[A]{Addr: A(beg), Size: end - beg}
	fl.byAddr.Insert(merged)
	fl.bySize.Insert(merged)
}

func (fl *freeList[A]) subtract(addr A, size int64) error {
	if size <= 0 {
		return nil
	}
	want := freeRange[A]{Addr: addr, Size: size}
	node := fl.byAddr.Search(func(r freeRange[A]) int { return want.cmpRange(r) })
	if node == nil {
		return fmt.Errorf("no free range contains [%v,%v)", addr, int64(addr)+size)
	}
	r := node.Value
	if int64(addr) < int64(r.Addr) || int64(addr)+size > int64(r.end()) {
		return fmt.Errorf("free range [%v,%v) does not fully contain [%v,%v)",
			r.Addr, r.end(), addr, int64(addr)+size)
	}
	fl.byAddr.Delete(containers.NativeOrdered[A]{Val: r.Addr})
	fl.bySize.Delete(freeSizeKey[A]{Size: r.Size, Addr: r.Addr})
	if int64(r.Addr) < int64(addr) {
		fl.add(r.Addr, int64(addr)-int64(r.Addr))
	}
	tailBeg := int64(addr) + size
	tailEnd := int64(r.end())
	if tailBeg < tailEnd {
		fl.add(A(tailBeg), tailEnd-tailBeg)
	}
	return nil
}

// bestFit returns the smallest free range whose size is >= min, or the
// largest available range otherwise (ok distinguishes the two). Backs the
// Chunk Allocator's device-selection scoring (spec §4.1 step 3).
func (fl *freeList[A]) bestFit(min int64) (freeRange[A], bool) {
	for n := fl.bySize.Min(); n != nil; n = fl.bySize.Next(n) {
		if n.Value.Size >= min {
			return n.Value, true
		}
	}
	if max := fl.bySize.Max(); max != nil {
		return max.Value, false
	}
	return freeRange[A]{}, false
}

func (fl *freeList[A]) largest() (freeRange[A], bool) {
	if max := fl.bySize.Max(); max != nil {
		return max.Value, true
	}
	return freeRange[A]{}, false
}

func (fl *freeList[A]) total() int64 {
	var sum int64
	_ = fl.byAddr.Walk(func(n *containers.RBNode[freeRange[A]]) error {
		sum += n.Value.Size
		return nil
	})
	return sum
}

func (fl *freeList[A]) ranges() []freeRange[A] {
	var out []freeRange[A]
	_ = fl.byAddr.Walk(func(n *containers.RBNode[freeRange[A]]) error {
		out = append(out, n.Value)
		return nil
	})
	return out
}

// len reports how many disjoint free ranges remain.
func (fl *freeList[A]) len() int { return fl.byAddr.Len() }
