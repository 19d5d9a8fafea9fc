// File: eventq/loop_linux.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loop binds one Queue to one OS thread and pumps it. Work from other
// goroutines enters through Post: tasks land in a FIFO and an eventfd write
// kicks the poller.

package eventq

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/evloop/tcpcore/api"
	"github.com/evloop/tcpcore/logging"
)

// Loop drives a Queue on a dedicated, locked OS thread. Everything that
// touches the queue or a connection registered with it must run on that
// thread; Post is the only cross-goroutine entry point.
type Loop struct {
	queue  *Queue
	wakeFD int

	mu    sync.Mutex
	tasks *queue.Queue

	tid  int64 // kernel thread id of the running loop, 0 before Run
	stop bool
	done chan struct{}
}

// wakeHandler drains the loop's eventfd and runs posted tasks.
type wakeHandler struct{ loop *Loop }

func (w *wakeHandler) OnEvent(api.EventMask) { w.loop.onWake() }

// NewLoop creates a loop with its own epoll queue and wakeup eventfd.
func NewLoop() (*Loop, error) {
	q, err := NewQueue()
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("eventq: eventfd: %w", err)
	}
	l := &Loop{
		queue:  q,
		wakeFD: wfd,
		tasks:  queue.New(),
		done:   make(chan struct{}),
	}
	if err := q.Watch(wfd, api.Readable, &wakeHandler{loop: l}); err != nil {
		q.Close()
		unix.Close(wfd)
		return nil, err
	}
	return l, nil
}

// Queue returns the event queue owned by this loop.
func (l *Loop) Queue() api.EventQueue { return l.queue }

// Tid returns the kernel thread id the loop runs on, 0 before Run started.
func (l *Loop) Tid() int { return int(atomic.LoadInt64(&l.tid)) }

// Run pumps the queue until Shutdown. It locks the calling goroutine to its
// OS thread so that thread identity can stand in for loop ownership.
func (l *Loop) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	atomic.StoreInt64(&l.tid, int64(unix.Gettid()))
	defer close(l.done)

	for !l.stop {
		if _, err := l.queue.Wait(-1); err != nil {
			l.cleanup()
			return err
		}
	}
	l.cleanup()
	return nil
}

// Post schedules task to run on the loop thread. Safe to call from any
// goroutine. Tasks run in submission order.
func (l *Loop) Post(task func()) {
	l.mu.Lock()
	l.tasks.Add(task)
	l.mu.Unlock()
	l.wake()
}

// Shutdown asks the loop to exit after draining the tasks already posted.
// It returns once Run has cleaned up and returned.
func (l *Loop) Shutdown() {
	l.Post(func() { l.stop = true })
	<-l.done
}

// Close releases the loop's descriptors. Only for a loop that was never
// Run; a running loop is stopped with Shutdown, which cleans up itself.
func (l *Loop) Close() {
	l.cleanup()
}

func (l *Loop) wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(l.wakeFD, buf[:]); err != nil && err != unix.EAGAIN {
		logging.Errorf("eventq: eventfd write: %v", err)
	}
}

// onWake drains the eventfd counter and runs every queued task.
func (l *Loop) onWake() {
	var buf [8]byte
	if _, err := unix.Read(l.wakeFD, buf[:]); err != nil && err != unix.EAGAIN {
		logging.Errorf("eventq: eventfd read: %v", err)
	}
	for {
		l.mu.Lock()
		if l.tasks.Length() == 0 {
			l.mu.Unlock()
			return
		}
		task := l.tasks.Remove().(func())
		l.mu.Unlock()
		task()
	}
}

func (l *Loop) cleanup() {
	if err := l.queue.Forget(l.wakeFD, nil); err != nil {
		logging.Errorf("eventq: forget eventfd: %v", err)
	}
	if err := unix.Close(l.wakeFD); err != nil {
		logging.Errorf("eventq: close eventfd: %v", err)
	}
	if err := l.queue.Close(); err != nil {
		logging.Errorf("eventq: close queue: %v", err)
	}
}
