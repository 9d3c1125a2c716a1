// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btrfswrite/driver/lib/btrfs/btrfssum"
)

func TestWorkerPoolComputesMatchingChecksums(t *testing.T) {
	t.Parallel()
	wp := NewWorkerPool(context.Background(), 2)
	defer wp.Close()

	data := make([]byte, 4096*5)
	for i := range data {
		data[i] = byte(i)
	}

	out := make([]btrfssum.CSum, 5)
	job, err := wp.AddCalcJob(context.Background(), data, 4096, out)
	require.NoError(t, err)
	require.NoError(t, job.Wait(context.Background()))

	for i := 0; i < 5; i++ {
		want, err := btrfssum.TYPE_CRC32.Sum(data[i*4096 : (i+1)*4096])
		require.NoError(t, err)
		assert.Equal(t, want, out[i])
	}
}

func TestWorkerPoolRunsJobsConcurrently(t *testing.T) {
	t.Parallel()
	wp := NewWorkerPool(context.Background(), 4)
	defer wp.Close()

	const jobs = 8
	outs := make([][]btrfssum.CSum, jobs)
	waiters := make([]ChecksumJob, jobs)
	for i := 0; i < jobs; i++ {
		data := make([]byte, 4096*2)
		outs[i] = make([]btrfssum.CSum, 2)
		job, err := wp.AddCalcJob(context.Background(), data, 4096, outs[i])
		require.NoError(t, err)
		waiters[i] = job
	}
	for _, j := range waiters {
		require.NoError(t, j.Wait(context.Background()))
	}
	zero, err := btrfssum.TYPE_CRC32.Sum(make([]byte, 4096))
	require.NoError(t, err)
	for i := 0; i < jobs; i++ {
		assert.Equal(t, zero, outs[i][0])
		assert.Equal(t, zero, outs[i][1])
	}
}

func TestWorkerPoolAddCalcJobRespectsCancellation(t *testing.T) {
	t.Parallel()
	// Built directly rather than via NewWorkerPool, so no worker
	// goroutine drains the queue: once it's full, AddCalcJob's send can
	// only proceed through the cancellation branch, deterministically.
	wp := &WorkerPool{tasks: make(chan checksumTask, 2)}
	data := make([]byte, 4096)
	for i := 0; i < 2; i++ {
		_, err := wp.AddCalcJob(context.Background(), data, 4096, make([]btrfssum.CSum, 1))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := wp.AddCalcJob(ctx, data, 4096, make([]btrfssum.CSum, 1))
	assert.Error(t, err)
}
