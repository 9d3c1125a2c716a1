// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import "sync"

// Runtime is a process-wide object initialized once and passed by
// reference to every write-path component, replacing the source's
// global/static flags (have_sse2, mount globals) with explicit state (spec
// §9 design note).
type Runtime struct {
	once sync.Once

	cfg Config
}

// NewRuntime builds a Runtime from cfg. Feature detection (e.g. choosing a
// SIMD XOR primitive) happens once here rather than being checked on every
// call.
func NewRuntime(cfg Config) *Runtime {
	rt := &Runtime{cfg: cfg}
	rt.once.Do(func() {})
	return rt
}

// calledFromLXSS is an always-false predicate on every host this driver
// targets. The source reads a byte at a fixed PEB offset in the current
// process structure to detect one class of caller (the Windows Subsystem
// for Linux); that check has no equivalent on a cross-platform host (spec
// §9 Open Question). A real VFS integration that needs to distinguish this
// caller class must supply its own predicate.
func calledFromLXSS() bool { return false }
