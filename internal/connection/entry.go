// Package connection implements the per-connection coroutine body and its
// close protocol. Entry is the function every freshly-accepted fd's
// coroutine runs; it owns the Request for its whole lifetime and is the
// only place that runs the close protocol, always tearing a connection
// down before the coroutine returns (see DESIGN.md for why this ordering
// matters).
package connection

import (
	"time"

	"github.com/loomhttp/loom/internal/asyncio"
	"github.com/loomhttp/loom/internal/coro"
	"github.com/loomhttp/loom/internal/errs"
	"github.com/loomhttp/loom/internal/eventloop"
	"github.com/loomhttp/loom/internal/handler"
	"github.com/loomhttp/loom/internal/httpparser"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// RecvBufferSize is the per-call read buffer size; it bounds how many
// bytes a single recv_async call can hand the parser at once, not the
// request itself (the parser's own line cap is the request-size bound).
const RecvBufferSize = 8192

// Entry builds the coroutine body bound to fd on worker w, reusing the
// connection across keep-alive requests until the client or a timeout
// ends it.
func Entry(w *eventloop.Worker, fd int, pipeline *handler.Pipeline, recvTimeout time.Duration, log *logrus.Entry) func(co *coro.Coroutine) {
	return func(co *coro.Coroutine) {
		sched := w.Scheduler()
		buf := make([]byte, RecvBufferSize)
		req := httpparser.NewRequest()
		connLog := log.WithField("fd", fd)

		keepAlive := true
		for keepAlive {
			req.Reset()

			res, err := readRequest(sched, co, fd, buf, req, recvTimeout)
			if err != nil {
				// Peer closed, timed out, or a hard recv error: no
				// response is sent, the connection is simply torn down.
				closeConnection(w, fd, connLog)
				return
			}
			if res == httpparser.ResultError {
				_, _ = asyncio.SendAsync(sched, co, fd, handler.BadRequest())
				closeConnection(w, fd, connLog)
				return
			}

			keepAlive = req.KeepAlive()
			ctx := &handler.Context{
				Sched:     sched,
				Co:        co,
				Worker:    w,
				Fd:        fd,
				Request:   req,
				KeepAlive: keepAlive,
			}
			if err := pipeline.Handle(ctx); err != nil {
				connLog.WithError(err).Debug("handler returned an error, closing connection")
				keepAlive = false
			}
		}
		closeConnection(w, fd, connLog)
	}
}

// readRequest drives recv_async/parse until the parser reaches DONE or
// ERROR, or recv itself fails. A non-nil error always means recv failed;
// a parse error is reported as ResultError with a nil error, so the caller
// can answer it with a 400.
func readRequest(sched *coro.Scheduler, co *coro.Coroutine, fd int, buf []byte, req *httpparser.Request, timeout time.Duration) (httpparser.Result, error) {
	for {
		n, err := asyncio.RecvAsync(sched, co, fd, buf, timeout)
		if err != nil {
			return httpparser.ResultError, err
		}
		res, _ := req.Feed(buf[:n])
		switch res {
		case httpparser.ResultNeedMore:
			continue
		case httpparser.ResultDone:
			return httpparser.ResultDone, nil
		default: // httpparser.ResultError
			return httpparser.ResultError, nil
		}
	}
}

// closeConnection runs the teardown protocol: deregister from the
// readiness facility (which also clears the fd-table waiter slot), then
// half-close writes to flush, then close the socket. Order matters:
// deregistering first means a readiness event racing with this close can
// never try to wake a coroutine that is mid-teardown or already gone.
func closeConnection(w *eventloop.Worker, fd int, log *logrus.Entry) {
	if err := w.Deregister(fd); err != nil {
		log.WithError(errors.Wrap(err, "connection: deregister")).Debug("deregister failed")
	}
	_ = unix.Shutdown(fd, unix.SHUT_WR)
	if err := unix.Close(fd); err != nil {
		log.WithError(errors.Wrap(err, "connection: close")).Debug("close failed")
	}
}

// IsRecoverable reports whether err is one of the per-connection error
// kinds that must never take the worker down: everything except
// errs.Fatal.
func IsRecoverable(err error) bool {
	return !errors.Is(err, errs.Fatal)
}
