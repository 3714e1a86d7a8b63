// Package asyncio implements the recv/send/sendfile primitives that yield
// the calling coroutine on EAGAIN instead of blocking the worker thread.
// Each primitive encapsulates "try, yield on would-block, retry" so caller
// code (the HTTP parser loop, handler code) reads like ordinary blocking
// I/O while the worker keeps servicing other connections. Every function
// here must be called from inside a coroutine, i.e. with
// sched.Current() == co.
package asyncio

import (
	"os"
	"time"

	"github.com/loomhttp/loom/internal/coro"
	"github.com/loomhttp/loom/internal/errs"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// RecvAsync reads into buf, yielding on EAGAIN and retrying until data
// arrives, the peer closes, a hard error occurs, or timeout elapses
// (timeout <= 0 means wait forever). It returns errs.PeerClosed on EOF and
// errs.TimedOut on deadline expiry.
func RecvAsync(sched *coro.Scheduler, co *coro.Coroutine, fd int, buf []byte, timeout time.Duration) (int, error) {
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			sched.ExpireWait(fd)
		})
	}

	for {
		n, err := unix.Read(fd, buf)
		switch {
		case err == nil:
			if timer != nil {
				timer.Stop()
				sched.ClearExpiry(fd)
			}
			if n == 0 {
				return 0, errs.PeerClosed
			}
			return n, nil
		case errors.Is(err, unix.EAGAIN):
			if !sched.Suspend(co, fd, coro.WaitRead) {
				return 0, errs.TimedOut
			}
		case errors.Is(err, unix.EINTR):
			continue
		default:
			if timer != nil {
				timer.Stop()
				sched.ClearExpiry(fd)
			}
			return 0, errors.Wrap(err, "asyncio: recv")
		}
	}
}

// SendAsync writes all of buf, yielding on EAGAIN. It is best-effort: on
// any error other than EAGAIN/EINTR it abandons the remainder and reports
// how many bytes were actually written, leaving the caller to observe the
// failure via a later recv or an externally closed connection. Callers that
// need to know whether the whole buffer landed should compare the returned
// count against len(buf).
func SendAsync(sched *coro.Scheduler, co *coro.Coroutine, fd int, buf []byte) (int, error) {
	sent := 0
	for sent < len(buf) {
		n, err := unix.Write(fd, buf[sent:])
		switch {
		case err == nil:
			sent += n
		case errors.Is(err, unix.EAGAIN):
			sched.Suspend(co, fd, coro.WaitWrite)
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return sent, errors.Wrap(err, "asyncio: send")
		}
	}
	return sent, nil
}

// SendfileAsync zero-copy transfers size bytes from the file at path to
// fd, yielding on EAGAIN. The file is always closed on return, whatever
// the outcome.
func SendfileAsync(sched *coro.Scheduler, co *coro.Coroutine, fd int, path string, size int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "asyncio: open")
	}
	defer f.Close()

	srcFd := int(f.Fd())
	_ = unix.Fadvise(srcFd, 0, size, unix.FADV_SEQUENTIAL)

	var sent int64
	var offset int64
	for sent < size {
		n, err := unix.Sendfile(fd, srcFd, &offset, int(size-sent))
		switch {
		case err == nil:
			if n == 0 {
				// Source exhausted before size bytes were reached;
				// nothing more to send.
				return sent, nil
			}
			sent += int64(n)
		case errors.Is(err, unix.EAGAIN):
			sched.Suspend(co, fd, coro.WaitWrite)
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return sent, errors.Wrap(err, "asyncio: sendfile")
		}
	}
	return sent, nil
}
