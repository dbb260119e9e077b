// Package sched runs data-parallel row work on a fixed set of goroutines.
package sched

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// TaskPanic is the value Run re-panics with when a block panicked on a
// worker. Value is what the block panicked with.
type TaskPanic struct {
	Value      any
	Start, End int
	Stack      []byte
}

func (p *TaskPanic) Error() string {
	return fmt.Sprintf("sched: rows [%d, %d) panicked: %v\n\n%s", p.Start, p.End, p.Value, p.Stack)
}

// Unwrap returns Value when it is an error.
func (p *TaskPanic) Unwrap() error {
	err, _ := p.Value.(error)
	return err
}

type task struct {
	fn     func(start, end int)
	rs, re int
	done   chan any
}

// Pool is a bounded worker pool. Run partitions a row range into contiguous
// blocks, hands them to the workers through one shared queue and waits for
// all of them before returning.
type Pool struct {
	size      int
	tasks     chan task
	doneSlots chan chan any

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewPool starts a pool with the given number of workers. workers <= 0
// means GOMAXPROCS.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		size:      workers,
		tasks:     make(chan task, workers*2),
		doneSlots: make(chan chan any, workers),
	}
	for range workers {
		p.doneSlots <- make(chan any, workers)
	}
	for range workers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for t := range p.tasks {
		t.done <- runTask(t)
	}
}

// runTask returns a *TaskPanic if fn panicked, or nil.
func runTask(t task) (r any) {
	defer func() {
		if v := recover(); v != nil {
			r = &TaskPanic{Value: v, Start: t.rs, End: t.re, Stack: debug.Stack()}
		}
	}()
	t.fn(t.rs, t.re)
	return nil
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	if p == nil {
		return 1
	}
	return p.size
}

// Run calls fn over [0, n) split into at most Size() blocks of at least
// minBlock rows. Blocks are disjoint and cover the range exactly once. Run
// returns after every block has finished; a panic in fn is re-raised on the
// calling goroutine as a *TaskPanic. A nil or closed pool runs fn inline.
func (p *Pool) Run(n, minBlock int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	minBlock = max(minBlock, 1)
	workers := min(p.Size(), (n+minBlock-1)/minBlock)
	if workers <= 1 {
		fn(0, n)
		return
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		fn(0, n)
		return
	}
	chunk := (n + workers - 1) / workers
	done := <-p.doneSlots
	active := 0
	for rs := 0; rs < n; rs += chunk {
		active++
		p.tasks <- task{fn: fn, rs: rs, re: min(rs+chunk, n), done: done}
	}
	p.mu.RUnlock()

	var panicked any
	for range active {
		if r := <-done; r != nil && panicked == nil {
			panicked = r
		}
	}
	p.doneSlots <- done
	if panicked != nil {
		panic(panicked)
	}
}

// Close stops the workers. Run calls already queued finish first; later
// calls run inline.
func (p *Pool) Close() {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()
	})
}
