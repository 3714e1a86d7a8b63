package eventloop

import "sync/atomic"

// Dispatcher is the single-producer handoff from the acceptor to a chosen
// worker: round-robin by a monotonically increasing counter modulo pool
// size.
type Dispatcher struct {
	workers []*Worker
	next    uint64
}

// NewDispatcher builds a dispatcher over an already-constructed worker
// pool. The pool itself is owned by internal/server; the dispatcher only
// ever reads the slice.
func NewDispatcher(workers []*Worker) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// Dispatch chooses the next worker by round-robin and hands it fd. Called
// from the acceptor goroutine.
func (d *Dispatcher) Dispatch(fd int) error {
	idx := atomic.AddUint64(&d.next, 1) - 1
	w := d.workers[idx%uint64(len(d.workers))]
	return w.Handoff(fd)
}
