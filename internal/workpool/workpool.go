// Package workpool runs tasks on a fixed set of workers. Tasks submitted
// with the same key run on the same worker in submission order, which is
// how the server keeps one connection's events ordered while different
// connections proceed in parallel.
package workpool

import (
	"sync"

	"nhooyr.io/wsserver/internal/xsync"
)

// Pool is a keyed worker pool. Submit never blocks.
type Pool struct {
	onPanic func(error)

	mu      sync.RWMutex
	workers []*worker
	closed  bool
}

// New starts n workers. onPanic, if non nil, receives the error of every
// task that panicked.
func New(n int, onPanic func(error)) *Pool {
	if n <= 0 {
		n = 1
	}
	p := &Pool{
		onPanic: onPanic,
	}
	p.workers = p.spawn(n)
	for _, w := range p.workers {
		go w.run(p.onPanic)
	}
	return p
}

func (p *Pool) spawn(n int) []*worker {
	ws := make([]*worker, n)
	for i := range ws {
		ws[i] = &worker{
			wake: make(chan struct{}, 1),
			done: make(chan struct{}),
		}
	}
	return ws
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// Submit queues fn on the worker owning key.
// It reports false if the pool is closed.
func (p *Pool) Submit(key int, fn func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}
	if key < 0 {
		key = -key
	}
	p.workers[key%len(p.workers)].push(fn)
	return true
}

// Restart replaces every worker. Tasks already queued finish on the old
// workers before the new ones start, so per key ordering holds across a
// restart. Restart must not be called from inside a task.
func (p *Pool) Restart() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	old := p.workers
	p.workers = p.spawn(len(old))
	fresh := p.workers
	p.mu.Unlock()

	stopAll(old)
	for _, w := range fresh {
		go w.run(p.onPanic)
	}
}

// Close drains queued tasks and stops the workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	old := p.workers
	p.mu.Unlock()

	stopAll(old)
}

func stopAll(ws []*worker) {
	for _, w := range ws {
		w.stop()
	}
	for _, w := range ws {
		<-w.done
	}
}

type worker struct {
	mu       sync.Mutex
	tasks    []func()
	stopping bool

	wake chan struct{}
	done chan struct{}
}

func (w *worker) push(fn func()) {
	w.mu.Lock()
	w.tasks = append(w.tasks, fn)
	w.mu.Unlock()
	w.notify()
}

func (w *worker) stop() {
	w.mu.Lock()
	w.stopping = true
	w.mu.Unlock()
	w.notify()
}

func (w *worker) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) run(onPanic func(error)) {
	defer close(w.done)

	for {
		w.mu.Lock()
		tasks := w.tasks
		w.tasks = nil
		stopping := w.stopping
		w.mu.Unlock()

		for _, fn := range tasks {
			fn := fn
			err := xsync.Recover(func() error {
				fn()
				return nil
			})
			if err != nil && onPanic != nil {
				onPanic(err)
			}
		}

		if len(tasks) > 0 {
			continue
		}
		if stopping {
			return
		}
		<-w.wake
	}
}
