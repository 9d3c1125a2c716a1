// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"context"
	"sync/atomic"

	"git.lukeshu.com/go/typedsync"

	"github.com/btrfswrite/driver/lib/btrfs/btrfssum"
)

// checksumJob is the ChecksumJob handed back by WorkerPool.AddCalcJob.
type checksumJob struct {
	done chan struct{}
	err  error
}

func (j *checksumJob) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type checksumTask struct {
	data       []byte
	sectorSize int64
	out        []btrfssum.CSum
	job        *checksumJob
}

// WorkerPool is the Checksum Worker collaborator (spec §4.4): a small fixed
// pool of goroutines that CRC32C large batches off of the calling
// goroutine, so that insert_extent and try_extend aren't blocked computing
// checksums for extents at or above checksumWorkerThreshold sectors.
//
// inFlight tracks outstanding jobs by a monotonically increasing id; nothing
// currently reads it back out, but it gives a future admin/debug surface
// (job count, draining on shutdown) somewhere to hook in without changing
// AddCalcJob's signature.
type WorkerPool struct {
	tasks    chan checksumTask
	cancel   context.CancelFunc
	nextID   uint64
	inFlight typedsync.Map[uint64, *checksumJob]
}

// NewWorkerPool starts workers goroutines pulling from an internally
// buffered task queue. Call Close to stop them.
func NewWorkerPool(ctx context.Context, workers int) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(ctx)
	wp := &WorkerPool{
		tasks:  make(chan checksumTask, workers*2),
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		go wp.loop(ctx)
	}
	return wp
}

func (wp *WorkerPool) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-wp.tasks:
			if !ok {
				return
			}
			wp.run(t)
		}
	}
}

func (wp *WorkerPool) run(t checksumTask) {
	id := atomic.AddUint64(&wp.nextID, 1)
	wp.inFlight.Store(id, t.job)
	defer wp.inFlight.LoadAndDelete(id)

	sectors := int64(len(t.data)) / t.sectorSize
	for i := int64(0); i < sectors; i++ {
		sector := t.data[i*t.sectorSize : (i+1)*t.sectorSize]
		c, err := btrfssum.TYPE_CRC32.Sum(sector)
		if err != nil {
			t.job.err = err
			break
		}
		t.out[i] = c
	}
	close(t.job.done)
}

// AddCalcJob implements ChecksumWorker.
func (wp *WorkerPool) AddCalcJob(ctx context.Context, data []byte, sectorSize int64, out []btrfssum.CSum) (ChecksumJob, error) {
	job := &checksumJob{done: make(chan struct{})}
	select {
	case wp.tasks <- checksumTask{data: data, sectorSize: sectorSize, out: out, job: job}:
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops every worker goroutine. In-flight jobs are left to finish;
// their done channels are still closed by run.
func (wp *WorkerPool) Close() { wp.cancel() }

var _ ChecksumWorker = (*WorkerPool)(nil)
