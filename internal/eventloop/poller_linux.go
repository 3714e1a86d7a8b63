//go:build linux

package eventloop

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// maxEvents bounds how many events epoll_wait returns per call.
const maxEvents = 1024

// pollTimeoutMillis bounds how long epoll_wait blocks with no fd activity
// at all. RecvAsync's deadline timer fires on its own goroutine and only
// pushes the expired coroutine onto the ready queue, it never touches the
// poller. Without a bounded wait, a worker with a single idle connection
// and no other fd traffic would block in epoll_wait forever and never call
// Scheduler.Run to notice the expired coroutine sitting ready. Waking
// periodically guarantees an expired recv_async deadline is observed
// within one tick even when nothing else is happening on the worker.
const pollTimeoutMillis = 200

// interestMask is the fixed per-connection interest set: readable,
// writable and peer-hangup, registered edge-triggered so that Wake is the
// only thing that ever rearms readiness.
const interestMask = unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET

// poller wraps one worker's epoll instance.
type poller struct {
	epfd int
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "eventloop: epoll_create1")
	}
	return &poller{epfd: fd}, nil
}

// add registers fd edge-triggered for read/write/hangup.
func (p *poller) add(fd int) error {
	ev := unix.EpollEvent{Events: interestMask, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Wrap(err, "eventloop: epoll_ctl add")
	}
	return nil
}

// addLevelTriggered registers fd level-triggered for read only, used for
// the notify-channel read end, which is always drained fully in one go so
// edge vs level makes no observable difference but level keeps the pipe's
// semantics simple.
func (p *poller) addLevelTriggered(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Wrap(err, "eventloop: epoll_ctl add notify fd")
	}
	return nil
}

func (p *poller) remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errors.Wrap(err, "eventloop: epoll_ctl del")
	}
	return nil
}

func (p *poller) wait(events []unix.EpollEvent) (int, error) {
	n, err := unix.EpollWait(p.epfd, events, pollTimeoutMillis)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "eventloop: epoll_wait")
	}
	return n, nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}
