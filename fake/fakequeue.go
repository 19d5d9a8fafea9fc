// File: fake/fakequeue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package fake provides test doubles for the api contracts.
package fake

import (
	"github.com/evloop/tcpcore/api"
)

// QueueOp is one recorded EventQueue call.
type QueueOp struct {
	Op   string // "watch", "adjust", "forget"
	FD   int
	Mask api.EventMask // zero for forget
}

// Queue is a recording api.EventQueue. It performs no I/O: tests drive
// handlers by calling OnEvent directly and inspect the recorded interest
// changes.
type Queue struct {
	Ops      []QueueOp
	Handlers map[int]api.EventHandler

	// Scripted failures, returned verbatim when set.
	WatchErr  error
	AdjustErr error
	ForgetErr error
}

// NewQueue returns an empty recording queue.
func NewQueue() *Queue {
	return &Queue{Handlers: make(map[int]api.EventHandler)}
}

// Watch implements api.EventQueue.
func (q *Queue) Watch(fd int, mask api.EventMask, h api.EventHandler) error {
	q.Ops = append(q.Ops, QueueOp{Op: "watch", FD: fd, Mask: mask})
	if q.WatchErr != nil {
		return q.WatchErr
	}
	q.Handlers[fd] = h
	return nil
}

// Adjust implements api.EventQueue.
func (q *Queue) Adjust(fd int, mask api.EventMask, h api.EventHandler) error {
	q.Ops = append(q.Ops, QueueOp{Op: "adjust", FD: fd, Mask: mask})
	if q.AdjustErr != nil {
		return q.AdjustErr
	}
	q.Handlers[fd] = h
	return nil
}

// Forget implements api.EventQueue.
func (q *Queue) Forget(fd int, _ api.EventHandler) error {
	q.Ops = append(q.Ops, QueueOp{Op: "forget", FD: fd})
	if q.ForgetErr != nil {
		return q.ForgetErr
	}
	delete(q.Handlers, fd)
	return nil
}

// Watched reports whether fd currently has a registration.
func (q *Queue) Watched(fd int) bool {
	_, ok := q.Handlers[fd]
	return ok
}

// InterestMask returns the most recently registered interest for fd and
// whether any registration ever happened.
func (q *Queue) InterestMask(fd int) (api.EventMask, bool) {
	for i := len(q.Ops) - 1; i >= 0; i-- {
		op := q.Ops[i]
		if op.FD != fd {
			continue
		}
		switch op.Op {
		case "watch", "adjust":
			return op.Mask, true
		case "forget":
			return 0, true
		}
	}
	return 0, false
}

// CountOps returns how many recorded calls match op (for any fd).
func (q *Queue) CountOps(op string) int {
	n := 0
	for _, o := range q.Ops {
		if o.Op == op {
			n++
		}
	}
	return n
}
