// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZlibCompressorRoundTrip(t *testing.T) {
	t.Parallel()
	c := NewZlibCompressor(0)
	assert.Equal(t, CompressZlib, c.Type())

	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)
	encoded, ok, err := c.Compress(context.Background(), data)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Less(t, len(encoded), len(data))

	decoded, err := c.Decompress(context.Background(), encoded, int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestZlibCompressorReportsIncompressible(t *testing.T) {
	t.Parallel()
	c := NewZlibCompressor(0)
	// Random-looking, already-high-entropy data compresses to >= its own
	// size once zlib's header/trailer overhead is included.
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i * 97)
	}
	// Force the fallback deterministically: compress tiny input, where
	// zlib's framing overhead always dominates.
	encoded, ok, err := c.Compress(context.Background(), data[:1])
	require.NoError(t, err)
	if !ok {
		assert.Nil(t, encoded)
	}
}

func TestLZOCompressorAlwaysFallsBack(t *testing.T) {
	t.Parallel()
	c := &LZOCompressor{}
	assert.Equal(t, CompressLZO, c.Type())
	encoded, ok, err := c.Compress(context.Background(), []byte("anything"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, encoded)

	_, err = c.Decompress(context.Background(), []byte{0x01}, 8)
	assert.Error(t, err)
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, KindCorrupted, werr.Kind)
}
