// Package eventloop implements the per-worker readiness loop and the
// acceptor-to-worker handoff (see DESIGN.md for how this generalizes a
// single-aiocb-parking proactor loop into a driver for coro.Scheduler's
// coroutines).
package eventloop

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/loomhttp/loom/internal/coro"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Worker is a single OS thread's worth of event loop plus scheduler. All
// ready-queue and fd-table mutation driven by Run happens on whatever
// goroutine calls Run; cross-goroutine wakeups (recv timeouts, Dispatch
// handoff) only ever touch the notify pipe or Scheduler.Wake, both of
// which are safe to call from elsewhere.
type Worker struct {
	id               int
	sched            *coro.Scheduler
	poll             *poller
	notifyR, notifyW int
	events           []unix.EpollEvent
	log              *logrus.Entry
	closing          int32
}

// NewWorker constructs a worker with its own epoll instance, notify pipe
// and scheduler. The scheduler's fd table is sized to the process's
// descriptor limit (see descriptorLimit); maxConns bounds simultaneously
// in-flight coroutines (0 = unbounded).
func NewWorker(id int, policy coro.Policy, maxConns int, log *logrus.Entry) (*Worker, error) {
	fdCap := descriptorLimit()
	sched := coro.NewScheduler(id, policy, fdCap, maxConns)

	p, err := newPoller()
	if err != nil {
		return nil, err
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		p.close()
		return nil, errors.Wrap(err, "eventloop: pipe2")
	}
	notifyR, notifyW := fds[0], fds[1]

	if err := unix.SetNonblock(notifyR, true); err != nil {
		p.close()
		unix.Close(notifyR)
		unix.Close(notifyW)
		return nil, errors.Wrap(err, "eventloop: set notify read end non-blocking")
	}
	if err := p.addLevelTriggered(notifyR); err != nil {
		p.close()
		unix.Close(notifyR)
		unix.Close(notifyW)
		return nil, err
	}

	return &Worker{
		id:      id,
		sched:   sched,
		poll:    p,
		notifyR: notifyR,
		notifyW: notifyW,
		events:  make([]unix.EpollEvent, maxEvents),
		log:     log.WithField("worker", id),
	}, nil
}

// ID returns the worker's index, used by the dispatcher and for logging.
func (w *Worker) ID() int { return w.id }

// Scheduler exposes the worker's coroutine scheduler to the connection and
// asyncio packages.
func (w *Worker) Scheduler() *coro.Scheduler { return w.sched }

// descriptorLimit reads RLIMIT_NOFILE so the fd table is sized to the
// platform descriptor limit.
func descriptorLimit() int {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 65536
	}
	return int(rlim.Cur)
}

// Handoff hands an accepted fd to this worker: makes it non-blocking and
// writes it onto the notify pipe. Called from the acceptor goroutine, not
// from the worker's own goroutine (the one cross-thread write this
// package performs). A single write of sizeof(fd) bytes onto a pipe is
// atomic, so no framing is needed; if the pipe is full the write blocks
// the caller, giving the accept side deliberate backpressure.
func (w *Worker) Handoff(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "eventloop: set accepted fd non-blocking")
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(fd))
	if _, err := writeFull(w.notifyW, buf[:]); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "eventloop: notify handoff write")
	}
	return nil
}

func writeFull(fd int, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Write(fd, buf[total:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return total, err
		}
		total += n
	}
	return total, nil
}

// Register adds fd to this worker's poller with the standard
// read/write/hangup edge-triggered interest, without spawning a
// coroutine. Exposed so callers that already have a raw, non-blocking fd
// (tests, or future non-accept connection sources) can register it the
// same way drainNotify does for accepted connections.
func (w *Worker) Register(fd int) error {
	return w.poll.add(fd)
}

// Deregister removes fd from the poller and from the scheduler's fd table,
// without waking it (step one of the close protocol, which must run
// before the socket itself is closed).
func (w *Worker) Deregister(fd int) error {
	w.sched.Deregister(fd)
	return w.poll.remove(fd)
}

// Spawn is how the connection package creates a coroutine on this worker
// (used both for freshly-accepted fds and, in principle, for any other
// bookkeeping task a future extension might need).
func (w *Worker) Spawn(fn func(co *coro.Coroutine)) (*coro.Coroutine, error) {
	return w.sched.Spawn(fn)
}

// Run is the event loop's forever-loop: block for readiness, demultiplex,
// drive the scheduler, repeat. newConn is called
// once per freshly accepted fd (after registration) to build that
// connection's coroutine body.
func (w *Worker) Run(newConn func(worker *Worker, fd int) func(co *coro.Coroutine)) error {
	for {
		n, err := w.poll.wait(w.events)
		if err != nil {
			if atomic.LoadInt32(&w.closing) == 1 {
				return nil
			}
			return err
		}
		for i := 0; i < n; i++ {
			ev := w.events[i]
			fd := int(ev.Fd)
			if fd == w.notifyR {
				w.drainNotify(newConn)
				continue
			}
			// Any of readable/writable/hangup/error simply wakes the
			// parked coroutine, if one exists; its own recv/send call
			// observes EOF or the error directly and drives the close
			// protocol from inside ConnectionEntry. This keeps the event
			// loop's only responsibility "demultiplex and wake", avoiding
			// a second, competing copy of socket-teardown logic living in
			// this package.
			if ev.Events&(unix.EPOLLIN|unix.EPOLLOUT|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				w.sched.Wake(fd)
			}
		}
		w.sched.Run()
	}
}

func (w *Worker) drainNotify(newConn func(worker *Worker, fd int) func(co *coro.Coroutine)) {
	var buf [8]byte
	for {
		n, err := unix.Read(w.notifyR, buf[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			w.log.WithError(err).Error("notify channel read failed")
			return
		}
		if n == 0 {
			return
		}
		if n < len(buf) {
			// Partial read off a pipe whose writer always sends exactly
			// sizeof(fd) bytes atomically should not happen; skip rather
			// than risk misinterpreting a fd.
			w.log.Warn("short read on notify channel, dropping")
			continue
		}
		fd := int(binary.LittleEndian.Uint64(buf[:]))

		if err := w.Register(fd); err != nil {
			w.log.WithError(err).WithField("fd", fd).Warn("registration failed, closing new connection")
			unix.Close(fd)
			continue
		}

		entry := newConn(w, fd)
		if _, err := w.sched.Spawn(entry); err != nil {
			w.log.WithError(err).WithField("fd", fd).Warn("coroutine allocation failed, closing connection")
			w.poll.remove(fd)
			unix.Close(fd)
		}
	}
}

// Close releases the worker's epoll instance and notify pipe. Intended for
// shutdown; it does not attempt to drain or close in-flight connections,
// which are the acceptor/server's responsibility. Setting closing first
// means a concurrent Run, woken by the resulting epoll_wait failure, treats
// it as a clean stop rather than a fault.
func (w *Worker) Close() error {
	atomic.StoreInt32(&w.closing, 1)
	unix.Close(w.notifyR)
	unix.Close(w.notifyW)
	return w.poll.close()
}
