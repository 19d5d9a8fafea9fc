// File: tcp/conn_test.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp_test

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/evloop/tcpcore/api"
	"github.com/evloop/tcpcore/fake"
	"github.com/evloop/tcpcore/tcp"
)

// newPair returns a Conn over one end of a socketpair, the raw peer fd and
// the recording queue behind the conn. The calling goroutine is locked to
// its OS thread so that ownership checks hold for the whole test.
func newPair(t *testing.T) (*tcp.Conn, int, int, *fake.Queue) {
	t.Helper()
	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[1], true))

	q := fake.NewQueue()
	conn, err := tcp.NewConn(fds[0], q)
	require.NoError(t, err)

	t.Cleanup(func() { unix.Close(fds[1]) })
	return conn, fds[0], fds[1], q
}

func peerWrite(t *testing.T, fd int, data []byte) {
	t.Helper()
	off := 0
	deadline := time.Now().Add(2 * time.Second)
	for off < len(data) {
		n, err := unix.Write(fd, data[off:])
		if err == unix.EAGAIN {
			require.False(t, time.Now().After(deadline), "peer write stalled")
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		off += n
	}
}

func peerRead(t *testing.T, fd int, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	got := 0
	deadline := time.Now().Add(2 * time.Second)
	for got < n {
		m, err := unix.Read(fd, buf[got:])
		if err == unix.EAGAIN {
			require.False(t, time.Now().After(deadline), "peer read stalled, got %d of %d", got, n)
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		if m == 0 {
			break
		}
		got += m
	}
	return buf[:got]
}

type readRec struct {
	complete int
	closed   int
	onDone   func()
}

func (r *readRec) OnComplete() {
	r.complete++
	if r.onDone != nil {
		r.onDone()
	}
}
func (r *readRec) OnClose() { r.closed++ }

type writeRec struct {
	complete int
	closed   int
	onDone   func()
}

func (w *writeRec) OnComplete() {
	w.complete++
	if w.onDone != nil {
		w.onDone()
	}
}
func (w *writeRec) OnClose() { w.closed++ }

type bufRec struct {
	data   func(buf []byte)
	closed int
}

func (b *bufRec) OnData(buf []byte) {
	if b.data != nil {
		b.data(buf)
	}
}
func (b *bufRec) OnClose() { b.closed++ }

func destroy(conn *tcp.Conn) {
	if conn.IsReadOpen() {
		conn.ShutdownRead()
	}
	if conn.IsWriteOpen() {
		conn.ShutdownWrite()
	}
	conn.Destroy()
}

// Scenario: a rejected buffered offer leaves bytes in the peek buffer; a
// zero-byte accept switches discipline and a subsequent exact read starts
// at the right offset.
func TestReadExactDrainsPeekBuffer(t *testing.T) {
	conn, connFD, peer, q := newPair(t)
	defer destroy(conn)

	peerWrite(t, peer, []byte("0123456789"))

	offers := 0
	cb := &bufRec{data: func(buf []byte) {
		offers++
		if len(buf) == 0 {
			return // first offer comes before any kernel read
		}
		assert.Equal(t, "0123456789", string(buf))
		conn.AcceptBuffer(0)
	}}
	conn.ReadBuffered(cb)
	assert.Equal(t, 2, offers)
	assert.Zero(t, cb.closed)

	// Peek buffer holds all ten bytes; the exact read must consume them
	// synchronously, in order.
	buf := make([]byte, 6)
	rr := &readRec{}
	conn.ReadExact(buf, rr)
	assert.Equal(t, 1, rr.complete)
	assert.Equal(t, "012345", string(buf))

	rest := make([]byte, 4)
	rr2 := &readRec{}
	conn.ReadExact(rest, rr2)
	assert.Equal(t, 1, rr2.complete)
	assert.Equal(t, "6789", string(rest))

	mask, ok := q.InterestMask(connFD)
	require.True(t, ok)
	assert.Equal(t, api.Readable, mask)
}

// P4: after a partial accept the next exact read starts at exactly the
// accepted offset.
func TestPeekContinuityAfterPartialAccept(t *testing.T) {
	conn, _, peer, _ := newPair(t)
	defer destroy(conn)

	peerWrite(t, peer, []byte("0123456789"))

	var consumed []byte
	cb := &bufRec{data: func(buf []byte) {
		if len(buf) == 0 {
			return
		}
		consumed = append(consumed, buf[:3]...)
		conn.AcceptBuffer(3)
	}}
	conn.ReadBuffered(cb)
	assert.Equal(t, "012", string(consumed))

	buf := make([]byte, 4)
	rr := &readRec{}
	conn.ReadExact(buf, rr)
	assert.Equal(t, 1, rr.complete)
	assert.Equal(t, "3456", string(buf))

	rest := make([]byte, 3)
	rr2 := &readRec{}
	conn.ReadExact(rest, rr2)
	assert.Equal(t, 1, rr2.complete)
	assert.Equal(t, "789", string(rest))
}

// Scenario: echo a short line. One write completion, no closes, no writable
// interest ever armed.
func TestEchoShortLine(t *testing.T) {
	conn, connFD, peer, q := newPair(t)
	defer destroy(conn)

	peerWrite(t, peer, []byte("ping\n"))

	wr := &writeRec{}
	cb := &bufRec{data: func(buf []byte) {
		if len(buf) < 5 {
			return
		}
		conn.AcceptBuffer(5)
		conn.WriteAll([]byte("pong\n"), wr)
	}}
	conn.ReadBuffered(cb)

	assert.Equal(t, 1, wr.complete)
	assert.Zero(t, wr.closed)
	assert.Zero(t, cb.closed)
	assert.Equal(t, "pong\n", string(peerRead(t, peer, 5)))

	mask, ok := q.InterestMask(connFD)
	require.True(t, ok)
	assert.Equal(t, api.Readable, mask, "writable interest must never have been armed")
}

// Scenario: peer closes mid-way through an exact read. The read ends with
// OnClose, the write half stays usable.
func TestPeerCloseDuringExactRead(t *testing.T) {
	conn, connFD, peer, q := newPair(t)

	buf := make([]byte, 16)
	rr := &readRec{}
	conn.ReadExact(buf, rr)
	assert.Zero(t, rr.complete)

	peerWrite(t, peer, []byte("abcd"))
	conn.OnEvent(api.Readable)
	assert.Zero(t, rr.complete)
	assert.Zero(t, rr.closed)

	require.NoError(t, unix.Shutdown(peer, unix.SHUT_WR))
	conn.OnEvent(api.Readable)

	assert.Equal(t, 1, rr.closed)
	assert.Zero(t, rr.complete)
	assert.False(t, conn.IsReadOpen())
	assert.True(t, conn.IsWriteOpen())

	mask, ok := q.InterestMask(connFD)
	require.True(t, ok)
	assert.Equal(t, api.Writable, mask, "registration must survive for the write half")

	wr := &writeRec{}
	conn.WriteAll([]byte("x"), wr)
	assert.Equal(t, 1, wr.complete)
	assert.Equal(t, "x", string(peerRead(t, peer, 1)))

	conn.ShutdownWrite()
	conn.Destroy()
}

// Scenario: a write larger than the send buffer. Writable interest is
// armed while blocked and disarmed before the single completion.
func TestWriteBackpressure(t *testing.T) {
	conn, connFD, peer, q := newPair(t)
	defer destroy(conn)

	require.NoError(t, unix.SetsockoptInt(connFD, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))

	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	wr := &writeRec{}
	conn.WriteAll(payload, wr)
	require.Zero(t, wr.complete, "a 1MiB write cannot complete in one go")

	mask, ok := q.InterestMask(connFD)
	require.True(t, ok)
	assert.Equal(t, api.Readable|api.Writable, mask)

	received := make([]byte, 0, len(payload))
	drain := func() {
		chunk := make([]byte, 64<<10)
		for {
			n, err := unix.Read(peer, chunk)
			if err == unix.EAGAIN {
				return
			}
			require.NoError(t, err)
			if n == 0 {
				return
			}
			received = append(received, chunk[:n]...)
		}
	}

	for i := 0; wr.complete == 0; i++ {
		require.Less(t, i, 100000, "write never completed")
		drain()
		conn.OnEvent(api.Writable)
	}
	drain()

	assert.Equal(t, 1, wr.complete)
	assert.Zero(t, wr.closed)
	assert.Equal(t, payload, received)

	mask, ok = q.InterestMask(connFD)
	require.True(t, ok)
	assert.Equal(t, api.Readable, mask, "writable interest must be disarmed after completion")
}

// Scenario: the callback destroys the connection from inside an OnEvent
// dispatch. The core must back off without touching the conn again.
func TestDestroyInsideCallback(t *testing.T) {
	conn, connFD, peer, q := newPair(t)

	cb := &bufRec{data: func(buf []byte) {
		if len(buf) == 0 {
			return
		}
		conn.AcceptBuffer(len(buf))
		conn.ShutdownRead()
		conn.ShutdownWrite()
		conn.Destroy()
	}}
	conn.ReadBuffered(cb)

	peerWrite(t, peer, []byte("bye"))
	conn.OnEvent(api.Readable)

	assert.Zero(t, cb.closed)
	assert.Equal(t, 1, q.CountOps("forget"))
	assert.False(t, q.Watched(connFD))

	// The conn side is closed; the peer observes EOF.
	assert.Empty(t, peerRead(t, peer, 1))
}

// P1: after read shutdown any new read is a programming error.
func TestShutdownReadRejectsNewRead(t *testing.T) {
	conn, _, _, q := newPair(t)

	conn.ShutdownRead()
	assert.False(t, conn.IsReadOpen())
	assert.Empty(t, q.Ops, "never-registered conn must not touch the queue")

	assert.Panics(t, func() { conn.ReadExact(make([]byte, 1), &readRec{}) })
	assert.Panics(t, func() { conn.ReadBuffered(&bufRec{}) })

	conn.ShutdownWrite()
	assert.Panics(t, func() { conn.WriteAll([]byte("x"), &writeRec{}) })
	conn.Destroy()
}

// P7: an event-queue error event closes both halves, once each, and a
// repeat delivery is a no-op.
func TestErrorEventClosesOnce(t *testing.T) {
	conn, _, _, q := newPair(t)

	rr := &readRec{}
	conn.ReadExact(make([]byte, 8), rr)
	require.Zero(t, rr.complete)

	conn.OnEvent(api.ErrEvent)
	assert.Equal(t, 1, rr.closed)
	assert.False(t, conn.IsReadOpen())
	assert.False(t, conn.IsWriteOpen())
	assert.Equal(t, 1, q.CountOps("forget"))

	conn.OnEvent(api.ErrEvent)
	assert.Equal(t, 1, rr.closed)
	assert.Equal(t, 1, q.CountOps("forget"))

	conn.Destroy()
}

// Error and hangup together are deliberately ignored; the read path
// surfaces the closure on its own.
func TestErrorPlusHangupIgnored(t *testing.T) {
	conn, _, peer, _ := newPair(t)
	defer destroy(conn)

	rr := &readRec{}
	buf := make([]byte, 4)
	conn.ReadExact(buf, rr)

	conn.OnEvent(api.ErrEvent | api.Hangup)
	assert.Zero(t, rr.closed)
	assert.True(t, conn.IsReadOpen())
	assert.True(t, conn.IsWriteOpen())

	peerWrite(t, peer, []byte("data"))
	conn.OnEvent(api.Readable)
	assert.Equal(t, 1, rr.complete)
	assert.Equal(t, "data", string(buf))
}

func TestDestroyGuards(t *testing.T) {
	conn, _, _, _ := newPair(t)

	assert.Panics(t, func() { conn.Destroy() }, "destroy with open halves")

	conn.ShutdownRead()
	conn.ShutdownWrite()
	conn.Destroy()
	assert.Panics(t, func() { conn.Destroy() }, "double destroy")
}

func TestAcceptBufferOutsideOfferPanics(t *testing.T) {
	conn, _, _, _ := newPair(t)
	defer destroy(conn)

	assert.Panics(t, func() { conn.AcceptBuffer(0) })
}

func TestShutdownReadInsideUnacceptedOfferPanics(t *testing.T) {
	conn, _, peer, _ := newPair(t)

	peerWrite(t, peer, []byte("x"))
	cb := &bufRec{data: func(buf []byte) {
		if len(buf) > 0 {
			conn.ShutdownRead()
		}
	}}
	assert.Panics(t, func() { conn.ReadBuffered(cb) })
}

// Round-trip law: any partitioning of the stream across both read
// disciplines yields the stream, in order.
func TestRoundTripPartitions(t *testing.T) {
	conn, _, peer, _ := newPair(t)
	defer destroy(conn)

	const total = 32 << 10
	stream := make([]byte, total)
	for i := range stream {
		stream[i] = byte((i*7 + 13) % 256)
	}

	var received []byte
	sizes := []int{1, 2, 3, 5, 7, 1024, 11, 13, 4096}
	step := 0

	var issue func()
	issue = func() {
		if len(received) >= total {
			return
		}
		n := sizes[step%len(sizes)]
		step++
		if n > total-len(received) {
			n = total - len(received)
		}
		if step%5 == 0 {
			want := n
			cb := &bufRec{}
			cb.data = func(buf []byte) {
				if len(buf) == 0 {
					return
				}
				k := want
				if k > len(buf) {
					k = len(buf)
				}
				received = append(received, buf[:k]...)
				conn.AcceptBuffer(k)
				issue()
			}
			conn.ReadBuffered(cb)
			return
		}
		buf := make([]byte, n)
		rr := &readRec{}
		rr.onDone = func() {
			received = append(received, buf...)
			issue()
		}
		conn.ReadExact(buf, rr)
	}

	issue()

	for off := 0; off < total; off += 8 << 10 {
		end := off + 8<<10
		if end > total {
			end = total
		}
		peerWrite(t, peer, stream[off:end])
		conn.OnEvent(api.Readable)
	}
	for i := 0; len(received) < total; i++ {
		require.Less(t, i, 10000, "stream never fully delivered (%d of %d)", len(received), total)
		conn.OnEvent(api.Readable)
	}

	assert.Equal(t, stream, received)
}
