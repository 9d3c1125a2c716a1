// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfswrite implements the write path of a btrfs-compatible
// filesystem: chunk allocation, RAID stripe planning, concurrent stripe
// dispatch, per-file extent tracking, and the orchestration that ties them
// together into a single logical write() call.
package btrfswrite

import (
	"github.com/btrfswrite/driver/lib/btrfs/btrfsvol"
)

// CompressType selects the on-disk encoding used by write_compressed.
type CompressType uint8

const (
	CompressNone CompressType = iota
	CompressZlib
	CompressLZO
)

func (t CompressType) String() string {
	switch t {
	case CompressNone:
		return "none"
	case CompressZlib:
		return "zlib"
	case CompressLZO:
		return "lzo"
	default:
		return "unknown"
	}
}

// Set implements pflag.Value, the same interface cmd/btrfs-rec's
// logLevelFlag implements for --verbosity.
func (t *CompressType) Set(s string) error {
	switch s {
	case "none":
		*t = CompressNone
	case "zlib":
		*t = CompressZlib
	case "lzo":
		*t = CompressLZO
	default:
		return errCompressType(s)
	}
	return nil
}

func (t *CompressType) Type() string { return "compress-type" }

type errCompressType string

func (e errCompressType) Error() string { return "unknown compress type: " + string(e) }

// Config carries the mount-time tunables consumed by the write path (spec
// §6 "Tunables").
type Config struct {
	// MaxInline is the largest decoded_size an Inline extent may have
	// before it is promoted to Regular.
	MaxInline int64

	CompressForce bool
	Compress      bool
	CompressType  CompressType
	ZlibLevel     int

	// NoBarrier is carried in the configuration but not read by this
	// package; no write path here requests FUA.
	NoBarrier bool
	NoTrim    bool

	DataFlags     btrfsvol.BlockGroupFlags
	MetadataFlags btrfsvol.BlockGroupFlags
	SystemFlags   btrfsvol.BlockGroupFlags

	// ParanoidReadback is carried in the configuration but not read by
	// this package; no stripe is re-read after it is written.
	ParanoidReadback bool

	// SectorSize and StripeLength come from the superblock in the
	// real filesystem; they are plumbed in here because this repo does
	// not implement superblock parsing (out of scope).
	SectorSize   int64 // S
	StripeLength int64 // L
}

// DefaultConfig matches the values the source uses absent explicit mount
// options (write.c's max_inline default of 2048, stripe length 64KiB).
func DefaultConfig() Config {
	return Config{
		MaxInline:    2048,
		CompressType: CompressNone,
		ZlibLevel:    3,
		SectorSize:   4096,
		StripeLength: 65536,
	}
}

const (
	// CompressedExtentSize is the block size write_compressed splits
	// a write into before attempting compression (spec §4.5).
	CompressedExtentSize = 128 * 1024
	// MaxExtentSize bounds how large a single Regular extent insert_extent
	// will create in one chunk-allocation round (spec §4.5).
	MaxExtentSize = 128 * 1024 * 1024
	// checksumWorkerThreshold is the sector count above which checksum
	// computation is offloaded to the Checksum Worker rather than
	// computed inline (spec §4.4).
	checksumWorkerThreshold = 40
)
