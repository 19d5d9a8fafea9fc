// File: server/server.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/evloop/tcpcore/api"
	"github.com/evloop/tcpcore/eventq"
	"github.com/evloop/tcpcore/logging"
	"github.com/evloop/tcpcore/tcp"
)

// DefaultWorkerPoolSize caps the Submit worker pool.
const DefaultWorkerPoolSize = 1 << 16

// Server runs a listener over a group of event loops. Accepted connections
// are placed on the loops round-robin; the application sink runs on the
// connection's own loop thread and wires the callbacks from there.
type Server struct {
	cfg      config
	loops    []*eventq.Loop
	listener *tcp.Listener
	pool     *ants.Pool

	sink tcp.AcceptSink

	// Round-robin state, touched only on the listener's loop thread.
	next    int
	pending *eventq.Loop

	wg      sync.WaitGroup
	started bool
}

// New builds a server. Loops and the worker pool are created here; nothing
// runs until Start.
func New(opts ...Option) (*Server, error) {
	cfg := config{
		loops:   runtime.NumCPU(),
		workers: DefaultWorkerPoolSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{cfg: cfg}
	for i := 0; i < cfg.loops; i++ {
		loop, err := eventq.NewLoop()
		if err != nil {
			for _, l := range s.loops {
				l.Close()
			}
			return nil, fmt.Errorf("server: loop %d: %w", i, err)
		}
		s.loops = append(s.loops, loop)
	}

	pool, err := ants.NewPool(cfg.workers, ants.WithOptions(ants.Options{
		Nonblocking: true,
		PanicHandler: func(v interface{}) {
			logging.Errorf("server: panic on worker: %v\n%s", v, debug.Stack())
		},
	}))
	if err != nil {
		return nil, fmt.Errorf("server: worker pool: %w", err)
	}
	s.pool = pool
	return s, nil
}

// Start launches the loops and begins accepting into sink. Returns an error
// when the listener could not be created; a failed bind is not an error —
// the listener is defunct and the server stays up for an orderly Shutdown.
func (s *Server) Start(sink tcp.AcceptSink) error {
	if s.started {
		return fmt.Errorf("server: already started")
	}
	if sink == nil {
		return fmt.Errorf("server: nil sink")
	}
	s.started = true
	s.sink = sink

	for _, loop := range s.loops {
		s.wg.Add(1)
		go func(l *eventq.Loop) {
			defer s.wg.Done()
			if err := l.Run(); err != nil {
				logging.Errorf("server: loop exited: %v", err)
			}
		}(loop)
	}

	ln, err := tcp.NewListener(s.loops[0].Queue(), s.cfg.port, tcp.WithConnQueue(s.nextQueue))
	if err != nil {
		return err
	}
	s.listener = ln
	if ln.Defunct() {
		logging.Warnf("server: listener defunct, not accepting")
		return nil
	}

	// Queue registration belongs on the loop that will dispatch it.
	s.loops[0].Post(func() { ln.SetSink(s) })
	return nil
}

// nextQueue is the listener's per-accept queue selector. Runs on the
// listener's loop thread.
func (s *Server) nextQueue() api.EventQueue {
	loop := s.loops[s.next%len(s.loops)]
	s.next++
	s.pending = loop
	return loop.Queue()
}

// OnAccept implements tcp.AcceptSink: hand the connection to the
// application sink on the loop the connection was placed on.
func (s *Server) OnAccept(conn *tcp.Conn) {
	loop := s.pending
	s.pending = nil
	if loop == s.loops[0] {
		s.sink.OnAccept(conn)
		return
	}
	loop.Post(func() { s.sink.OnAccept(conn) })
}

// Port returns the port the listener is bound to, 0 when defunct.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Port()
}

// Submit runs task on the worker pool, falling back to a plain goroutine
// when the pool is saturated. Use it from connection callbacks to keep
// blocking work off the loop threads.
func (s *Server) Submit(task func()) {
	if err := s.pool.Submit(task); err != nil {
		logging.Warnf("server: worker pool: %v", err)
		go task()
	}
}

// Shutdown closes the listener, drains and stops every loop, and releases
// the worker pool.
func (s *Server) Shutdown() {
	if !s.started {
		for _, loop := range s.loops {
			loop.Close()
		}
		s.pool.Release()
		return
	}
	if s.listener != nil && !s.listener.Defunct() {
		ln := s.listener
		s.loops[0].Post(func() { ln.Close() })
	}
	for _, loop := range s.loops {
		loop.Shutdown()
	}
	s.wg.Wait()
	s.pool.Release()
}
