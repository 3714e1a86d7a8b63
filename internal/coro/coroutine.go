// Package coro implements the stackful coroutine abstraction, the per-worker
// ready queue and fd table, and the scheduler that drives them. A Coroutine
// is one goroutine paired with two unbuffered channels that make exactly one
// of {worker-main, coroutine} runnable at a time, the Go-idiomatic stand-in
// for a symmetric ucontext_t swap, since the Go runtime offers no
// user-space stack-switching primitive. The ready queue and fd table are
// mutated under the owning Scheduler's mutex, since a recv_async deadline
// timer may wake a coroutine from its own goroutine (see Scheduler).
package coro

import "sync/atomic"

// WaitKind names the direction a coroutine is parked for.
type WaitKind uint8

const (
	WaitNone WaitKind = iota
	WaitRead
	WaitWrite
)

func (k WaitKind) String() string {
	switch k {
	case WaitRead:
		return "read"
	case WaitWrite:
		return "write"
	default:
		return "none"
	}
}

// DefaultStackSize is the recommended stack allowance per coroutine. Go
// goroutine stacks grow on demand; this value is retained purely for
// resource-bound accounting (see Coroutine.StackSize, used to budget
// stack_size × max_connections worth of memory per worker).
const DefaultStackSize = 64 * 1024

var nextID uint64

// Coroutine is an executable task with its own goroutine-backed stack.
// Exactly one worker owns it for its entire lifetime; there is no migration.
type Coroutine struct {
	id        uint64
	ownerID   int
	stackSize int

	fn func(co *Coroutine)

	resume chan struct{}
	yield  chan struct{}

	finished bool
	panicVal any

	fd       int
	waitKind WaitKind

	// next is the intrusive ready-queue link. A coroutine is in the
	// ready queue, in an fd-table slot, running, or destroyed, never
	// more than one of those at a time.
	next *Coroutine
}

// newCoroutine allocates a coroutine bound to workerID and spawns its
// backing goroutine, which blocks immediately until the scheduler first
// resumes it.
func newCoroutine(workerID, stackSize int, fn func(co *Coroutine)) *Coroutine {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	co := &Coroutine{
		id:        atomic.AddUint64(&nextID, 1),
		ownerID:   workerID,
		stackSize: stackSize,
		fn:        fn,
		resume:    make(chan struct{}),
		yield:     make(chan struct{}),
		fd:        -1,
	}
	go co.trampoline()
	return co
}

// trampoline is the single entry point every coroutine's goroutine runs. It
// waits for the first resume, runs the user entry function, and on return
// (however it returns) marks the coroutine finished and swaps back to the
// worker's main context exactly once more. A panic inside the entry
// function is treated like any other return path (coroutines have no
// exceptions, only values on the return path) and is recovered here so
// one connection's bug cannot take down its worker.
func (co *Coroutine) trampoline() {
	<-co.resume
	func() {
		defer func() {
			if r := recover(); r != nil {
				co.panicVal = r
			}
		}()
		co.fn(co)
	}()
	co.finished = true
	co.yield <- struct{}{}
}

// ID returns a process-unique identifier, useful for logging.
func (co *Coroutine) ID() uint64 { return co.id }

// Finished reports whether the trampoline has returned.
func (co *Coroutine) Finished() bool { return co.finished }

// Panic returns the recovered panic value, if the entry function panicked.
func (co *Coroutine) Panic() any { return co.panicVal }

// StackSize reports the declared stack allowance for resource accounting.
func (co *Coroutine) StackSize() int { return co.stackSize }

// Fd returns the descriptor this coroutine is currently parked on, or -1.
func (co *Coroutine) Fd() int { return co.fd }

// WaitKind returns the direction this coroutine is parked for.
func (co *Coroutine) WaitKind() WaitKind { return co.waitKind }
