// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

package router

import (
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/veilnet/veil/core/log"
)

const executorQueueSize = 1024

// Logic is the single-threaded logic executor.  Every function handed to
// CallSafe runs on the one logic goroutine, so path state transitions,
// completion callbacks and expiry sweeps observe a single serial order.
type Logic struct {
	log *logging.Logger

	ch     chan func()
	haltCh chan struct{}
	doneCh chan struct{}
}

// NewLogic starts the logic executor.
func NewLogic(backend *log.Backend) *Logic {
	l := &Logic{
		log:    backend.GetLogger("logic"),
		ch:     make(chan func(), executorQueueSize),
		haltCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go l.run()
	return l
}

// CallSafe enqueues fn to run on the logic goroutine.  Calls made after
// Halt are discarded.
func (l *Logic) CallSafe(fn func()) {
	select {
	case l.ch <- fn:
	case <-l.haltCh:
	}
}

// Halt stops the executor and blocks until the logic goroutine has
// returned.  Queued calls that have not started yet are discarded.
func (l *Logic) Halt() {
	close(l.haltCh)
	<-l.doneCh
}

func (l *Logic) run() {
	defer close(l.doneCh)
	for {
		select {
		case <-l.haltCh:
			l.log.Debugf("Terminating gracefully.")
			return
		case fn := <-l.ch:
			fn()
		}
	}
}

// Pool is the parallel worker pool for CPU-bound path build crypto.
// Tasks of one build never run concurrently with each other (each hop's
// task submits the next), but builds for different paths share the pool
// freely.
type Pool struct {
	ch     chan func()
	haltCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool starts a pool of n workers.
func NewPool(n int) *Pool {
	p := &Pool{
		ch:     make(chan func(), executorQueueSize),
		haltCh: make(chan struct{}),
	}
	if n <= 0 {
		n = 1
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.run()
	}
	return p
}

// Submit enqueues fn to run on some pool worker.  Calls made after Halt
// are discarded.
func (p *Pool) Submit(fn func()) {
	select {
	case p.ch <- fn:
	case <-p.haltCh:
	}
}

// Halt stops the pool and blocks until every worker has returned.
func (p *Pool) Halt() {
	close(p.haltCh)
	p.wg.Wait()
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.haltCh:
			return
		case fn := <-p.ch:
			fn()
		}
	}
}
