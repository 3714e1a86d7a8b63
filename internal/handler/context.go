// Package handler defines the boundary to application code: the
// per-request Context handlers and middleware operate on, the middleware
// pipeline type, and a small plain-text response builder. Nothing in this
// package may call blocking I/O; Context only exposes the async
// primitives.
package handler

import (
	"github.com/loomhttp/loom/internal/asyncio"
	"github.com/loomhttp/loom/internal/coro"
	"github.com/loomhttp/loom/internal/eventloop"
	"github.com/loomhttp/loom/internal/httpparser"
)

// Context is the (request, keep_alive, worker, fd) tuple that names the
// handler signature, bundled into one value plus the async I/O methods a
// handler is allowed to call.
type Context struct {
	Sched     *coro.Scheduler
	Co        *coro.Coroutine
	Worker    *eventloop.Worker
	Fd        int
	Request   *httpparser.Request
	KeepAlive bool
}

// Send writes buf to the connection, yielding on EAGAIN as needed.
func (c *Context) Send(buf []byte) (int, error) {
	return asyncio.SendAsync(c.Sched, c.Co, c.Fd, buf)
}

// SendFile zero-copy transfers size bytes from path to the connection.
func (c *Context) SendFile(path string, size int64) (int64, error) {
	return asyncio.SendfileAsync(c.Sched, c.Co, c.Fd, path, size)
}

// Handler is the application-code entry point: a
// (request, keep_alive, worker, fd) signature expressed as a Go func over
// Context. Handlers and middleware MUST NOT call blocking I/O.
type Handler func(ctx *Context) error

// Middleware wraps a Handler to produce another Handler, composing outside
// in (the first Middleware passed to NewPipeline runs first).
type Middleware func(next Handler) Handler
