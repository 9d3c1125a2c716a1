// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGaloisDouble(t *testing.T) {
	t.Parallel()
	testcases := map[string]struct {
		In, Out byte
	}{
		"zero":      {In: 0x00, Out: 0x00},
		"no-carry":  {In: 0x01, Out: 0x02},
		"high-bit":  {In: 0x80, Out: 0x1d},
		"all-ones":  {In: 0xff, Out: 0xe3},
	}
	for name, tc := range testcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.Out, galoisDouble(tc.In))
		})
	}
}

func TestRAID5P(t *testing.T) {
	t.Parallel()
	stripes := [][]byte{
		{0x01, 0x02, 0x03, 0x04},
		{0x10, 0x20, 0x30, 0x40},
		{0xff, 0x00, 0xff, 0x00},
	}
	p := raid5P(stripes, 4)
	want := make([]byte, 4)
	for _, s := range stripes {
		for i, b := range s {
			want[i] ^= b
		}
	}
	assert.Equal(t, want, p)
}

// TestRAID6PQMatchesP confirms that the P half of raid6PQ is plain XOR,
// same as raid5P, regardless of the Q accumulation order.
func TestRAID6PQMatchesP(t *testing.T) {
	t.Parallel()
	stripes := [][]byte{
		{0xde, 0xad, 0xbe, 0xef},
		{0x01, 0x02, 0x03, 0x04},
		{0x55, 0x55, 0x55, 0x55},
		{0xaa, 0xaa, 0xaa, 0xaa},
	}
	p, q := raid6PQ(stripes, 4)
	assert.Equal(t, raid5P(stripes, 4), p)
	assert.Len(t, q, 4)
	// All-zero stripes sanity check: zero input folds to zero Q.
	zeros := [][]byte{{0, 0, 0, 0}, {0, 0, 0, 0}}
	_, qz := raid6PQ(zeros, 4)
	assert.Equal(t, []byte{0, 0, 0, 0}, qz)
}

// TestRAID6PQReconstructsData checks that the P half of raid6PQ recovers a
// lost data stripe: P XOR the surviving data stripe gives back the missing
// one. Q is not used by this check.
func TestRAID6PQReconstructsData(t *testing.T) {
	t.Parallel()
	d0 := []byte{1, 2, 3, 4}
	d1 := []byte{5, 6, 7, 8}
	p, _ := raid6PQ([][]byte{d0, d1}, 4)
	// Losing d1: P XOR d0 recovers it for a pure-XOR P parity.
	recovered := make([]byte, 4)
	for i := range recovered {
		recovered[i] = p[i] ^ d0[i]
	}
	assert.Equal(t, d1, recovered)
}
