// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"bytes"
	"context"
	"io"

	"github.com/klauspost/compress/zlib"
)

// ZlibCompressor is the Compressor collaborator backing CompressType=zlib
// (spec §6 "compress_bit"). It reports ok=false (never worth compressing)
// when the encoded form is not smaller than the input, mirroring
// write_compressed's "first block incompressible" fallback.
type ZlibCompressor struct {
	Level int
}

func NewZlibCompressor(level int) *ZlibCompressor {
	if level == 0 {
		level = zlib.DefaultCompression
	}
	return &ZlibCompressor{Level: level}
}

func (c *ZlibCompressor) Type() CompressType { return CompressZlib }

func (c *ZlibCompressor) Compress(ctx context.Context, data []byte) ([]byte, bool, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, c.Level)
	if err != nil {
		return nil, false, errInvalidArgument("compress", err.Error())
	}
	if _, err := w.Write(data); err != nil {
		return nil, false, err
	}
	if err := w.Close(); err != nil {
		return nil, false, err
	}
	if buf.Len() >= len(data) {
		return nil, false, nil
	}
	return buf.Bytes(), true, nil
}

func (c *ZlibCompressor) Decompress(ctx context.Context, encoded []byte, decodedSize int64) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(encoded))
	if err != nil {
		return nil, errCorrupted("decompress", err)
	}
	defer r.Close()
	out := make([]byte, decodedSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errCorrupted("decompress", err)
	}
	return out, nil
}

// LZOCompressor is a placeholder for CompressType=lzo. No library in the
// dependency set implements Btrfs's LZO variant (length-prefixed 4KiB pages
// with the classic LZO1X byte stream), so Compress always reports ok=false,
// falling back to an uncompressed regular extent exactly as
// write_compressed does for any incompressible block.
type LZOCompressor struct{}

func (c *LZOCompressor) Type() CompressType { return CompressLZO }

func (c *LZOCompressor) Compress(ctx context.Context, data []byte) ([]byte, bool, error) {
	return nil, false, nil
}

func (c *LZOCompressor) Decompress(ctx context.Context, encoded []byte, decodedSize int64) ([]byte, error) {
	return nil, errCorrupted("decompress", errUnsupportedLZO{})
}

type errUnsupportedLZO struct{}

func (errUnsupportedLZO) Error() string { return "lzo decompression is not supported" }
