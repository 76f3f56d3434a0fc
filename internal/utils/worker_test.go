package utils

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tomb "gopkg.in/tomb.v2"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	var tb tomb.Tomb
	pool := NewWorkerPool(4)

	var handled atomic.Int64
	done := make(chan struct{}, 10)
	pool.Setup(&tb, func(_ *tomb.Tomb, task any) error {
		handled.Add(int64(task.(int)))
		done <- struct{}{}
		return nil
	})

	// Tasks are only accepted while a worker is free.
	for i := 1; i <= 10; i++ {
		require.Eventually(t, func() bool { return pool.AddTask(i) == nil }, time.Second, time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("task not handled")
		}
	}
	assert.Equal(t, int64(55), handled.Load())

	tb.Kill(nil)
	assert.NoError(t, tb.Wait())
}

func TestWorkerPool_Full(t *testing.T) {
	// No workers are started, so nothing picks the tasks up.
	pool := NewWorkerPool(2)
	require.NoError(t, pool.AddTask(1))
	require.NoError(t, pool.AddTask(2))
	assert.Equal(t, 0, pool.Idle())
	assert.ErrorIs(t, pool.AddTask("one more"), ErrPoolFull)
}

func TestWorkerPool_BusyWorkersRejectNewTasks(t *testing.T) {
	var tb tomb.Tomb
	pool := NewWorkerPool(1)

	started := make(chan struct{})
	release := make(chan struct{})
	pool.Setup(&tb, func(_ *tomb.Tomb, _ any) error {
		started <- struct{}{}
		<-release
		return nil
	})

	require.NoError(t, pool.AddTask("first"))
	<-started

	// The only worker is busy, the task is refused rather than queued.
	assert.ErrorIs(t, pool.AddTask("second"), ErrPoolFull)

	close(release)
	require.Eventually(t, func() bool { return pool.Idle() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, pool.AddTask("third"))
	<-started

	tb.Kill(nil)
	assert.NoError(t, tb.Wait())
}

func TestWorkerPool_ErrorKillsTomb(t *testing.T) {
	var tb tomb.Tomb
	pool := NewWorkerPool(2)
	failure := errors.New("boom")

	pool.Setup(&tb, func(_ *tomb.Tomb, _ any) error {
		return failure
	})
	require.NoError(t, pool.AddTask(struct{}{}))

	assert.ErrorIs(t, tb.Wait(), failure)
}

func TestNewWorkerPool_MinimumSize(t *testing.T) {
	assert.Equal(t, 1, NewWorkerPool(0).Size())
	assert.Equal(t, 8, NewWorkerPool(8).Size())
}
