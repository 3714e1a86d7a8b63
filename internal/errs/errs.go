// Package errs names the error taxonomy shared by the scheduler, the async
// IO primitives and the connection lifecycle. Kinds are sentinel values;
// callers wrap them with github.com/pkg/errors to attach context.
package errs

import "github.com/pkg/errors"

// Sentinel kinds. Compare with errors.Is after unwrapping pkg/errors context.
var (
	// WouldBlock never escapes internal/asyncio; it is handled by yielding
	// and retrying. Exported only so tests can assert on internal behavior.
	WouldBlock = errors.New("errs: would block")

	// TimedOut is returned by RecvAsync when a deadline elapses.
	TimedOut = errors.New("errs: timed out")

	// PeerClosed is returned when recv observes EOF or the poller reports
	// a hangup.
	PeerClosed = errors.New("errs: peer closed")

	// ProtocolError is returned by the HTTP parser on malformed input.
	ProtocolError = errors.New("errs: protocol error")

	// ResourceExhausted is returned when a coroutine or fd-table slot
	// cannot be allocated.
	ResourceExhausted = errors.New("errs: resource exhausted")

	// Fatal marks startup failures (epoll_create, pipe, bind) that abort
	// the process; nothing post-startup uses this kind.
	Fatal = errors.New("errs: fatal")
)
