// Package eventloop is a single-threaded, edge-triggered epoll readiness
// multiplexer: each registered Source is an fd whose callback runs on the
// loop's own goroutine. cmd/microvm registers each network interface's tap
// fd here for RX readiness; control-plane requests, vCPU exits and block
// devices are not delivered through the loop.
package eventloop

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Source is one fd registered with the loop. Callback runs on the loop's own
// goroutine whenever Fd becomes ready per Events; it must not block.
type Source struct {
	Fd       int
	Events   uint32
	Callback func(events uint32) error
}

// Loop owns one epoll instance and dispatches ready sources to their
// callbacks until Close is called.
type Loop struct {
	epfd int

	mu      sync.Mutex
	sources map[int32]*Source

	closeFD int
}

// New creates an epoll instance with its own close-notification eventfd
// already registered, so Close can wake a blocked Run without a signal.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}

	closeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)

		return nil, fmt.Errorf("eventloop: eventfd: %w", err)
	}

	l := &Loop{
		epfd:    epfd,
		sources: make(map[int32]*Source),
		closeFD: closeFD,
	}

	event := unix.EpollEvent{Fd: int32(closeFD), Events: unix.EPOLLIN}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, closeFD, &event); err != nil {
		unix.Close(epfd)
		unix.Close(closeFD)

		return nil, fmt.Errorf("eventloop: register close fd: %w", err)
	}

	return l, nil
}

// Add registers src with the loop, edge-triggered on top of whatever
// readiness bits the caller asked for.
func (l *Loop) Add(src *Source) error {
	l.mu.Lock()
	l.sources[int32(src.Fd)] = src
	l.mu.Unlock()

	event := unix.EpollEvent{Fd: int32(src.Fd), Events: src.Events | unix.EPOLLET}

	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, src.Fd, &event); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add fd %d: %w", src.Fd, err)
	}

	return nil
}

// Remove unregisters the source for fd, if any.
func (l *Loop) Remove(fd int) error {
	l.mu.Lock()
	delete(l.sources, int32(fd))
	l.mu.Unlock()

	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl del fd %d: %w", fd, err)
	}

	return nil
}

const maxEvents = 64

// Run blocks, dispatching ready sources to their callbacks, until Close is
// called or a callback returns a non-nil error.
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, maxEvents)

	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			// Close (for instance from inside a callback) has already
			// released the epoll instance.
			if err == unix.EBADF {
				return nil
			}

			return fmt.Errorf("eventloop: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := events[i].Fd

			if int(fd) == l.closeFD {
				return nil
			}

			l.mu.Lock()
			src := l.sources[fd]
			l.mu.Unlock()

			if src == nil {
				continue
			}

			if err := src.Callback(events[i].Events); err != nil {
				return err
			}
		}
	}
}

// Close wakes a blocked Run and releases the epoll instance. It does not
// close any of the fds registered via Add; callers own those.
func (l *Loop) Close() error {
	var one [8]byte
	one[0] = 1

	if _, err := unix.Write(l.closeFD, one[:]); err != nil {
		return fmt.Errorf("eventloop: wake close fd: %w", err)
	}

	if err := unix.Close(l.closeFD); err != nil {
		return fmt.Errorf("eventloop: close fd: %w", err)
	}

	return unix.Close(l.epfd)
}
