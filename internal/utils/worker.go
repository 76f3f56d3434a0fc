package utils

import (
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

var ErrPoolFull = errors.New("worker pool is full")

// WorkerFunction handles one task. Any error returned is fatal to the tomb.
type WorkerFunction = func(t *tomb.Tomb, task any) error

// WorkerPool runs at most n tasks at once and never queues beyond that: a
// task is only accepted when a worker is free to take it.
type WorkerPool struct {
	n     int          // number of workers
	idle  atomic.Int64 // workers not holding a task
	tasks chan any     // accepted tasks not yet picked up
}

func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	pool := &WorkerPool{
		n:     size,
		tasks: make(chan any, size),
	}
	pool.idle.Store(int64(size))
	return pool
}

// Size is the number of tasks the pool handles concurrently.
func (pool *WorkerPool) Size() int {
	return pool.n
}

// Idle is the number of tasks AddTask would accept right now.
func (pool *WorkerPool) Idle() int {
	return int(pool.idle.Load())
}

// Setup starts the workers on the tomb. They exit once the tomb is dying.
func (pool *WorkerPool) Setup(t *tomb.Tomb, work WorkerFunction) {
	for id := 0; id < pool.n; id++ {
		t.Go(func() error {
			return pool.worker(t, id, work)
		})
	}
}

// AddTask hands the task to a free worker without blocking, or fails with
// ErrPoolFull when every worker is busy.
func (pool *WorkerPool) AddTask(task any) error {
	for {
		idle := pool.idle.Load()
		if idle <= 0 {
			return ErrPoolFull
		}
		if pool.idle.CompareAndSwap(idle, idle-1) {
			break
		}
	}
	// Reserved tasks never exceed the buffer, so this cannot block.
	pool.tasks <- task
	return nil
}

// Workers wait on tasks in the task pool and action them.
func (pool *WorkerPool) worker(t *tomb.Tomb, id int, work WorkerFunction) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case task := <-pool.tasks:
			if err := work(t, task); err != nil {
				log.Error().Err(err).Int("id", id).Msg("worker exiting")
				return err
			}
			pool.idle.Add(1)
		}
	}
}
