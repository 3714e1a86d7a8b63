// Package netutil implements the socket-binding and accept-loop helpers
// that sit outside the scheduler core. It hands each accepted connection
// to the dispatcher as a raw, already-dup'd file descriptor, decoupling
// the fd's lifetime from the net.Conn wrapper's garbage collection.
package netutil

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Listen binds a TCP listener on the given port across all interfaces.
func Listen(port int) (*net.TCPListener, error) {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, errors.Wrap(err, "netutil: listen")
	}
	return ln.(*net.TCPListener), nil
}

// AcceptLoop accepts connections forever, dup's each into a raw fd, and
// hands it to dispatch. Accept errors are logged and treated as
// recoverable (nothing post-startup kills the server); it runs until the
// listener itself is closed, at which point it returns.
func AcceptLoop(ln *net.TCPListener, dispatch func(fd int) error, log *logrus.Entry) error {
	for {
		fd, err := acceptFD(ln)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.WithError(err).Warn("netutil: accept failed")
			continue
		}
		if err := dispatch(fd); err != nil {
			log.WithError(err).Warn("netutil: dispatch failed")
			unix.Close(fd)
		}
	}
}

// acceptFD accepts one connection and returns a duplicated raw fd, closing
// the original *net.TCPConn immediately. The dup is what the worker's
// event loop and async IO primitives operate on from here forward.
func acceptFD(ln *net.TCPListener) (int, error) {
	conn, err := ln.AcceptTCP()
	if err != nil {
		return -1, err
	}
	defer conn.Close()

	sc, err := conn.SyscallConn()
	if err != nil {
		return -1, errors.Wrap(err, "netutil: SyscallConn")
	}

	var newfd int
	var dupErr error
	if ctrlErr := sc.Control(func(fd uintptr) {
		newfd, dupErr = unix.Dup(int(fd))
	}); ctrlErr != nil {
		return -1, errors.Wrap(ctrlErr, "netutil: Control")
	}
	if dupErr != nil {
		return -1, errors.Wrap(dupErr, "netutil: dup")
	}
	return newfd, nil
}
