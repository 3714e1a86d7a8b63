package coro

import (
	"sync"

	"github.com/loomhttp/loom/internal/errs"
	"github.com/pkg/errors"
)

// Scheduler owns one worker's ready queue, fd table and the symmetric
// context switch between the worker's main goroutine and whichever
// coroutine is currently running. All of its methods are meant to be
// called from a single goroutine (the worker thread), with one exception:
// Suspend is called from inside the coroutine's own goroutine, which is
// safe only because the channel handoff guarantees the worker-main
// goroutine is blocked for the whole duration (see coroutine.go).
//
// The one deliberate exception is timeout expiry on a recv_async deadline:
// a timer fires on its own goroutine and must be able to call Wake. An
// implementation that allows wake to be called from other threads must
// protect the ready queue and fd table with mutexes, so Scheduler guards
// both with one, making cross-goroutine Wake calls safe; the worker's own
// goroutine takes the same lock, uncontended in the common case.
type Scheduler struct {
	workerID int
	policy   Policy

	mu  sync.Mutex
	rq  *readyQueue
	fdt *fdTable

	current *Coroutine

	maxInFlight int
	inFlight    int

	// pendingExpire records fds whose deadline timer fired before the
	// coroutine that will wait on them actually called Suspend, the
	// unavoidable race between "recv saw EAGAIN" and "the timer already
	// fired in between". Suspend consults and consumes this instead of
	// blocking forever on a wake that already happened.
	pendingExpire map[int]struct{}
}

// NewScheduler constructs a scheduler for one worker. fdTableCap should be
// the worker's descriptor limit; maxInFlight bounds simultaneously-live
// coroutines and is enforced by Spawn (0 = unbounded).
func NewScheduler(workerID int, policy Policy, fdTableCap, maxInFlight int) *Scheduler {
	return &Scheduler{
		workerID:    workerID,
		policy:      policy,
		rq:          newReadyQueue(policy),
		fdt:         newFdTable(fdTableCap),
		maxInFlight: maxInFlight,
	}
}

// Current returns the coroutine presently running on this worker, or nil
// when the worker's main context is running.
func (s *Scheduler) Current() *Coroutine { return s.current }

// Policy reports the worker's fixed ready-queue discipline.
func (s *Scheduler) Policy() Policy { return s.policy }

// ReadyLen reports the number of coroutines currently runnable, for
// diagnostics and tests.
func (s *Scheduler) ReadyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rq.Len()
}

// InFlight reports the number of live (not yet destroyed) coroutines.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Spawn creates a coroutine bound to this worker and enqueues it ready to
// run. It fails with errs.ResourceExhausted if the worker is already at its
// in-flight cap.
func (s *Scheduler) Spawn(fn func(co *Coroutine)) (*Coroutine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxInFlight > 0 && s.inFlight >= s.maxInFlight {
		return nil, errors.Wrapf(errs.ResourceExhausted, "coro: worker %d at in-flight cap %d", s.workerID, s.maxInFlight)
	}
	co := newCoroutine(s.workerID, DefaultStackSize, fn)
	s.inFlight++
	s.rq.push(co)
	return co, nil
}

// Suspend parks the calling coroutine on fd for the given direction and
// blocks until Wake(fd) (or a subsequent Run iteration) resumes it. It must
// be called from inside co's own goroutine while co is the scheduler's
// current coroutine, exactly the contract AsyncIO's yield points rely on.
//
// It returns false, without blocking, if fd's deadline already expired
// between the caller's would-block check and this call; see ExpireWait.
func (s *Scheduler) Suspend(co *Coroutine, fd int, kind WaitKind) bool {
	if co != s.current {
		panic("coro: Suspend called for a coroutine that is not running")
	}
	s.mu.Lock()
	if _, expired := s.pendingExpire[fd]; expired {
		delete(s.pendingExpire, fd)
		s.mu.Unlock()
		return false
	}
	co.fd = fd
	co.waitKind = kind
	s.fdt.park(fd, co)
	s.mu.Unlock()
	co.yield <- struct{}{}
	<-co.resume
	return true
}

// Wake moves the coroutine parked on fd (if any) back onto the ready
// queue. It is the event loop's response to an epoll readiness event and
// is idempotent for fds with no current waiter. Safe to call from any
// goroutine (see the mutex note on Scheduler), in particular from a
// recv_async deadline timer.
func (s *Scheduler) Wake(fd int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fdt.wake(fd, s.rq) != nil
}

// ExpireWait is called by a recv_async deadline timer when it fires. The
// expiry is always recorded, so the next Suspend(fd) sees it and returns
// false immediately instead of parking again. If a coroutine is currently
// parked on fd, it is also woken exactly as Wake would do it and this
// returns true: on resuming, its retried recv either finds data or hits
// EAGAIN and reaches that Suspend. Otherwise the timer fired in the narrow
// window before the coroutine reached Suspend (it saw EAGAIN but has not
// yet parked), and this returns false.
func (s *Scheduler) ExpireWait(fd int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingExpire == nil {
		s.pendingExpire = make(map[int]struct{})
	}
	s.pendingExpire[fd] = struct{}{}
	return s.fdt.wake(fd, s.rq) != nil
}

// ClearExpiry discards any recorded pending expiry for fd without
// consuming it via Suspend. Used once a caller has observed its own
// success (data arrived before the timer fired) so a late-firing timer
// cannot poison a future, unrelated wait on a reused fd.
func (s *Scheduler) ClearExpiry(fd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingExpire, fd)
}

// Deregister drops any waiter slot for fd without waking it, and discards
// any pending expiry for fd. The close protocol calls it from inside the
// owning coroutine while that coroutine is running, so no waiter is parked
// on fd at that point.
func (s *Scheduler) Deregister(fd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fdt.clear(fd)
	delete(s.pendingExpire, fd)
}

// Waiting reports whether a coroutine is currently parked on fd, and its
// direction. Used by tests asserting the single-waiter-per-fd invariant.
func (s *Scheduler) Waiting(fd int) (co *Coroutine, kind WaitKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	co = s.fdt.occupant(fd)
	if co == nil {
		return nil, WaitNone
	}
	return co, co.waitKind
}

// Run drains the ready queue: pop, swap in, reap if finished, repeat, until
// the ready queue is observed empty. Work pushed synchronously during this
// call (by Wake, called from inside a coroutine that yields and is
// immediately resumable, or by Spawn) is picked up before Run returns.
func (s *Scheduler) Run() {
	for {
		s.mu.Lock()
		co := s.rq.pop()
		s.mu.Unlock()
		if co == nil {
			return
		}
		s.current = co
		co.resume <- struct{}{}
		<-co.yield
		s.current = nil
		if co.finished {
			s.destroy(co)
		}
		// Otherwise co already recorded itself in the fd table via
		// Suspend, or was re-enqueued by Wake before returning here.
	}
}

// destroy removes co from every structure it could occupy and releases its
// slot. It must never be called while co is running; Run only calls it
// after observing co.finished, i.e. after the trampoline has returned
// control for the last time.
func (s *Scheduler) destroy(co *Coroutine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rq.remove(co)
	if co.fd >= 0 {
		s.fdt.clear(co.fd)
	}
	s.inFlight--
}
