// File: tcp/listener.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/evloop/tcpcore/api"
	"github.com/evloop/tcpcore/logging"
)

const listenBacklog = 5

// ListenerOption customizes listener construction.
type ListenerOption func(*Listener)

// WithConnQueue sets a per-accept queue selector, letting a multi-loop
// server place each accepted connection on its own event queue. The default
// selector returns the listener's queue.
func WithConnQueue(sel func() api.EventQueue) ListenerOption {
	return func(l *Listener) {
		l.connQueue = sel
	}
}

// Listener owns a bound, listening, non-blocking socket and feeds accepted
// connections to a sink. A listener whose bind failed is defunct: still a
// valid object, but every method is a no-op, so the enclosing server can
// run its orderly shutdown instead of crashing.
type Listener struct {
	fd        int
	queue     api.EventQueue
	sink      AcceptSink
	defunct   bool
	connQueue func() api.EventQueue
}

// NewListener binds INADDR_ANY:port and starts listening. Failures to
// create or configure the socket are returned as errors; a bind failure
// yields a defunct listener and a nil error.
func NewListener(q api.EventQueue, port int, opts ...ListenerOption) (*Listener, error) {
	l := &Listener{fd: -1, queue: q}
	l.connQueue = func() api.EventQueue { return l.queue }
	for _, opt := range opts {
		opt(l)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("tcp: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcp: SO_REUSEADDR: %w", err)
	}
	// Nagle coalescing holds small pipelined replies for up to ~40ms waiting
	// for a full window. Latency wins over the possible throughput cost here;
	// accepted sockets inherit the intent.
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcp: TCP_NODELAY: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		// Crashing here could leave the enclosing server's storage in a bad
		// state. Stay alive as a listener that does nothing and let the
		// server shut down in order.
		logging.Errorf("tcp: bind port %d: %v", port, err)
		unix.Close(fd)
		l.defunct = true
		return l, nil
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcp: listen: %w", err)
	}

	l.fd = fd
	return l, nil
}

// Defunct reports whether the bind failed at construction.
func (l *Listener) Defunct() bool { return l.defunct }

// Port returns the locally bound port, 0 when defunct. Useful when the
// listener was constructed with port 0.
func (l *Listener) Port() int {
	if l.defunct || l.fd < 0 {
		return 0
	}
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		logging.Errorf("tcp: getsockname: %v", err)
		return 0
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return in4.Port
	}
	return 0
}

// SetSink installs the accept sink, once, and registers readable interest
// with the event queue. No-op when defunct.
func (l *Listener) SetSink(sink AcceptSink) {
	if l.defunct {
		return
	}
	if l.sink != nil {
		panic("tcp: listener sink already set")
	}
	if sink == nil {
		panic("tcp: nil accept sink")
	}
	l.sink = sink
	if err := l.queue.Watch(l.fd, api.Readable, l); err != nil {
		logging.Errorf("tcp: watch listener fd=%d: %v", l.fd, err)
	}
}

// OnEvent implements api.EventHandler: drain accept(2) until it would
// block, handing each new connection to the sink.
func (l *Listener) OnEvent(events api.EventMask) {
	if l.defunct {
		return
	}
	if events != api.Readable {
		logging.Errorf("tcp: unexpected listener events: %v", events)
	}

	for {
		nfd, _, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC)
		if err != nil {
			if wouldBlock(err) {
				return
			}
			switch err {
			case unix.EPROTO, unix.ENOPROTOOPT, unix.ENETDOWN, unix.ENONET, unix.ENETUNREACH, unix.EINTR:
				// The handshake fell apart before we got to it; next.
			default:
				// A failing accept is no reason to stop serving the
				// connections we already have.
				logging.Errorf("tcp: accept: %v", err)
			}
			continue
		}

		conn, err := NewConn(nfd, l.connQueue())
		if err != nil {
			logging.Errorf("tcp: conn setup fd=%d: %v", nfd, err)
			unix.Close(nfd)
			continue
		}
		l.sink.OnAccept(conn)
	}
}

// Close deregisters and closes the listening socket. No-op when defunct.
func (l *Listener) Close() {
	if l.defunct || l.fd < 0 {
		return
	}
	if l.sink != nil {
		if err := l.queue.Forget(l.fd, l); err != nil {
			logging.Errorf("tcp: forget listener fd=%d: %v", l.fd, err)
		}
	}
	if err := unix.Shutdown(l.fd, unix.SHUT_RDWR); err != nil {
		logging.Errorf("tcp: shutdown listener fd=%d: %v", l.fd, err)
	}
	if err := unix.Close(l.fd); err != nil {
		logging.Errorf("tcp: close listener fd=%d: %v", l.fd, err)
	}
	l.fd = -1
}
