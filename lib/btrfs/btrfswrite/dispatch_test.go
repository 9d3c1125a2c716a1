// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btrfswrite/driver/lib/btrfs/btrfsprim"
	"github.com/btrfswrite/driver/lib/btrfs/btrfsvol"
)

type recordingPhysDevice struct {
	mu     sync.Mutex
	writes [][]byte
	failOn error
}

func (d *recordingPhysDevice) ReadAt(p []byte, off btrfsvol.PhysicalAddr) (int, error) {
	return len(p), nil
}

func (d *recordingPhysDevice) WriteAt(p []byte, off btrfsvol.PhysicalAddr) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failOn != nil {
		return 0, d.failOn
	}
	cp := append([]byte(nil), p...)
	d.writes = append(d.writes, cp)
	return len(p), nil
}

func TestDispatchWritesEveryPendingStripe(t *testing.T) {
	t.Parallel()
	phys := &recordingPhysDevice{}
	dev := NewDevice(1, btrfsprim.UUID{}, phys, 1<<20, 4096)
	wc := &WriteContext{Stripes: []*StripeIO{
		{Device: dev, Offset: 0, Data: []byte("aaaa")},
		{Device: dev, Offset: 4096, Data: []byte("bbbb")},
	}}

	disp := NewDispatcher()
	require.NoError(t, disp.Dispatch(context.Background(), wc))
	for _, s := range wc.Stripes {
		assert.Equal(t, StripeSuccess, s.Status)
	}
	phys.mu.Lock()
	assert.Len(t, phys.writes, 2)
	phys.mu.Unlock()
}

func TestDispatchSkipsIgnoredStripes(t *testing.T) {
	t.Parallel()
	phys := &recordingPhysDevice{}
	dev := NewDevice(1, btrfsprim.UUID{}, phys, 1<<20, 4096)
	wc := &WriteContext{Stripes: []*StripeIO{
		{Device: dev, Offset: 0, Data: []byte("aaaa")},
		{Status: StripeIgnore}, // no Device: must never be dereferenced
	}}

	disp := NewDispatcher()
	require.NoError(t, disp.Dispatch(context.Background(), wc))
	assert.Equal(t, StripeSuccess, wc.Stripes[0].Status)
	assert.Equal(t, StripeIgnore, wc.Stripes[1].Status)
}

func TestDispatchReturnsFirstErrorAndMarksStripe(t *testing.T) {
	t.Parallel()
	wantErr := errors.New("device offline")
	phys := &recordingPhysDevice{failOn: wantErr}
	dev := NewDevice(1, btrfsprim.UUID{}, phys, 1<<20, 4096)
	wc := &WriteContext{Stripes: []*StripeIO{
		{Device: dev, Offset: 0, Data: []byte("aaaa")},
	}}

	disp := NewDispatcher()
	err := disp.Dispatch(context.Background(), wc)
	require.Error(t, err)
	assert.ErrorIs(t, err, KindDeviceError)
	assert.Equal(t, StripeError, wc.Stripes[0].Status)
	assert.ErrorIs(t, wc.Stripes[0].Err, wantErr)
}

func TestDispatchNoOpOnAllIgnored(t *testing.T) {
	t.Parallel()
	wc := &WriteContext{Stripes: []*StripeIO{{Status: StripeIgnore}, {Status: StripeIgnore}}}
	disp := NewDispatcher()
	assert.NoError(t, disp.Dispatch(context.Background(), wc))
}
