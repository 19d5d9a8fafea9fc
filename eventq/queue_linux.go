// File: eventq/queue_linux.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Level-triggered epoll(7) implementation of the api.EventQueue contract.

package eventq

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/evloop/tcpcore/api"
)

// maxEvents bounds one epoll_wait batch.
const maxEvents = 128

// Queue is an epoll-backed event queue. It is not safe for concurrent use:
// Watch, Adjust, Forget and Wait must all run on the same thread, normally
// the one a Loop locked itself to. Cross-goroutine access goes through
// Loop.Post.
type Queue struct {
	epfd     int
	handlers map[int]api.EventHandler
	events   [maxEvents]unix.EpollEvent
	closed   bool
}

// NewQueue creates an epoll instance.
func NewQueue() (*Queue, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventq: epoll create: %w", err)
	}
	return &Queue{
		epfd:     epfd,
		handlers: make(map[int]api.EventHandler),
	}, nil
}

func epollMask(mask api.EventMask) uint32 {
	var ev uint32
	if mask&api.Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&api.Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Watch implements api.EventQueue.
func (q *Queue) Watch(fd int, mask api.EventMask, h api.EventHandler) error {
	if q.closed {
		return api.ErrQueueClosed
	}
	if _, ok := q.handlers[fd]; ok {
		return fmt.Errorf("eventq: fd %d: %w", fd, api.ErrAlreadyWatched)
	}
	ev := unix.EpollEvent{Events: epollMask(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(q.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("eventq: epoll ctl add fd %d: %w", fd, err)
	}
	q.handlers[fd] = h
	return nil
}

// Adjust implements api.EventQueue. The handler replaces the one given to
// Watch; handler identity is not verified (func-typed handlers are not
// comparable).
func (q *Queue) Adjust(fd int, mask api.EventMask, h api.EventHandler) error {
	if q.closed {
		return api.ErrQueueClosed
	}
	if _, ok := q.handlers[fd]; !ok {
		return fmt.Errorf("eventq: fd %d: %w", fd, api.ErrNotWatched)
	}
	ev := unix.EpollEvent{Events: epollMask(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(q.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("eventq: epoll ctl mod fd %d: %w", fd, err)
	}
	q.handlers[fd] = h
	return nil
}

// Forget implements api.EventQueue.
func (q *Queue) Forget(fd int, _ api.EventHandler) error {
	if q.closed {
		return api.ErrQueueClosed
	}
	if _, ok := q.handlers[fd]; !ok {
		return fmt.Errorf("eventq: fd %d: %w", fd, api.ErrNotWatched)
	}
	if err := unix.EpollCtl(q.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("eventq: epoll ctl del fd %d: %w", fd, err)
	}
	delete(q.handlers, fd)
	return nil
}

// Wait blocks up to timeoutMs (-1 blocks indefinitely) and dispatches one
// batch of readiness events to the registered handlers. Returns the number
// of events dispatched. EINTR is not an error.
func (q *Queue) Wait(timeoutMs int) (int, error) {
	n, err := unix.EpollWait(q.epfd, q.events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("eventq: epoll wait: %w", err)
	}
	dispatched := 0
	for i := 0; i < n; i++ {
		fd := int(q.events[i].Fd)
		h, ok := q.handlers[fd]
		if !ok {
			// Forgotten by a handler that ran earlier in this batch.
			continue
		}
		var mask api.EventMask
		e := q.events[i].Events
		if e&unix.EPOLLIN != 0 {
			mask |= api.Readable
		}
		if e&unix.EPOLLOUT != 0 {
			mask |= api.Writable
		}
		if e&unix.EPOLLERR != 0 {
			mask |= api.ErrEvent
		}
		if e&unix.EPOLLHUP != 0 {
			mask |= api.Hangup
		}
		h.OnEvent(mask)
		dispatched++
	}
	return dispatched, nil
}

// Close releases the epoll instance. Watched fds are left to their owners.
func (q *Queue) Close() error {
	if q.closed {
		return nil
	}
	q.closed = true
	return unix.Close(q.epfd)
}
