// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

package events

import (
	"log/slog"
	"sync"
)

// DefaultPoolSize is the worker count used when none is configured.
const DefaultPoolSize = 20

// Pool is the bounded worker pool that carries event deliveries so a slow
// handler cannot stall the transport read loop.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

// NewPool starts a pool with the given number of workers.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultPoolSize
	}
	p := &Pool{tasks: make(chan func(), workers*2)}
	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

// Submit queues a task, blocking when the pool is saturated.
func (p *Pool) Submit(task func()) {
	p.tasks <- task
}

// Close stops accepting tasks and waits for in-flight work to drain.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.tasks) })
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event worker task panicked", "panic", r)
		}
	}()
	task()
}
