// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
)

// Dispatcher issues a WriteContext's per-stripe writes concurrently,
// aggregates completions, reports the first failure, and cancels in-flight
// peers on error (spec §4.3).
type Dispatcher struct{}

func NewDispatcher() *Dispatcher { return &Dispatcher{} }

// Dispatch runs wc's stripe writes to completion. It returns the first
// non-Cancelled error observed, or nil if every non-ignored stripe
// succeeded. The dispatcher does not free wc's buffers; those live as long
// as the WriteContext (spec §4.3 "must not free buffers until all stripes
// have completed").
func (disp *Dispatcher) Dispatch(ctx context.Context, wc *WriteContext) error {
	pending := 0
	for _, s := range wc.Stripes {
		if s.Status != StripeIgnore {
			pending++
		}
	}
	if pending == 0 {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var firstErr atomic.Value // stores error
	var mu sync.Mutex

	grp := dgroup.NewGroup(runCtx, dgroup.GroupConfig{})
	for i := range wc.Stripes {
		s := wc.Stripes[i]
		if s.Status == StripeIgnore {
			continue
		}
		s.Status = StripePending
		grp.Go("stripe", func(ctx context.Context) error {
			disp.writeOne(ctx, s, &mu, &firstErr, cancel)
			return nil
		})
	}
	_ = grp.Wait()

	if v := firstErr.Load(); v != nil {
		err := v.(error)
		dlog.Debugf(ctx, "dispatch: first stripe error: %v", err)
		return errDevice("write_dispatch", err)
	}
	return nil
}

func (disp *Dispatcher) writeOne(ctx context.Context, s *StripeIO, mu *sync.Mutex, firstErr *atomic.Value, cancel context.CancelFunc) {
	select {
	case <-ctx.Done():
		mu.Lock()
		s.Status = StripeCancelled
		mu.Unlock()
		return
	default:
	}

	_, err := s.Device.WriteAt(s.Data, s.Offset)

	mu.Lock()
	defer mu.Unlock()
	if s.Status == StripeCancelling {
		s.Status = StripeCancelled
		return
	}
	if err != nil {
		s.Status = StripeError
		s.Err = err
		if firstErr.CompareAndSwap(nil, err) {
			cancel()
		}
		return
	}
	s.Status = StripeSuccess
}
