// File: tcp/conn.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import (
	"fmt"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"github.com/evloop/tcpcore/api"
	"github.com/evloop/tcpcore/logging"
)

// IOBufferSize is the chunk by which the peek buffer grows per kernel read.
const IOBufferSize = 16 * 1024

type readMode int8

const (
	readNone readMode = iota
	readExternal
	readBuffered
)

type writeMode int8

const (
	writeNone writeMode = iota
	writeExternal
)

// AcceptSink receives exclusive ownership of connections accepted by a
// Listener. The handoff is synchronous and the listener keeps no reference.
type AcceptSink interface {
	OnAccept(conn *Conn)
}

// Conn is one accepted TCP stream. At most one read and one write are
// outstanding at a time; reads and writes are independent and their
// callbacks may interleave. All methods must run on the thread that first
// registered the connection with its event queue.
type Conn struct {
	fd    int
	queue api.EventQueue

	// Kernel thread id of the first registration, 0 until then. Loops lock
	// their goroutine to an OS thread, so tid identity is loop identity.
	ownerTID int

	// Chained destruction flags. Every frame that runs a user callback
	// installs its own and links the previous one, so an inline Destroy is
	// visible to the whole stack of core frames below it.
	tripwire *bool

	readMode     readMode
	inBufferedCB bool
	writeMode    writeMode

	readShut         bool
	writeShut        bool
	writableInterest bool

	// Bytes pulled from the kernel but not yet handed to the application.
	peek *bytebufferpool.ByteBuffer

	extReadBuf []byte // unfilled tail of the external read target
	readCB     api.ReadCallback
	bufferedCB api.BufferedReadCallback

	extWriteBuf []byte // unsent tail of the external write source
	writeCB     api.WriteCallback
}

// NewConn wraps an accepted socket. The fd is switched to non-blocking mode
// and owned by the Conn from here on.
func NewConn(fd int, q api.EventQueue) (*Conn, error) {
	if fd < 0 {
		return nil, fmt.Errorf("tcp: invalid fd %d", fd)
	}
	if q == nil {
		return nil, fmt.Errorf("tcp: nil event queue")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("tcp: set nonblock fd %d: %w", fd, err)
	}
	return &Conn{
		fd:    fd,
		queue: q,
		peek:  bytebufferpool.Get(),
	}, nil
}

// IsReadOpen reports whether the read half is still open.
func (c *Conn) IsReadOpen() bool { return !c.readShut }

// IsWriteOpen reports whether the write half is still open.
func (c *Conn) IsWriteOpen() bool { return !c.writeShut }

// register watches the socket on first use and pins ownership to the
// calling thread afterwards.
func (c *Conn) register() {
	if c.ownerTID == 0 {
		c.ownerTID = unix.Gettid()
		if err := c.queue.Watch(c.fd, api.Readable, c); err != nil {
			logging.Errorf("tcp: watch fd=%d: %v", c.fd, err)
		}
		return
	}
	c.assertOwner()
}

func (c *Conn) assertOwner() {
	if tid := unix.Gettid(); tid != c.ownerTID {
		panic(fmt.Sprintf("tcp: conn fd=%d used from thread %d, registered on %d", c.fd, tid, c.ownerTID))
	}
}

func wouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// deliver runs a user callback under a fresh tripwire. It reports whether
// the callback destroyed the connection; if so the tripped flag has already
// been propagated to the enclosing frame and the caller must return without
// touching the Conn again.
func (c *Conn) deliver(cb func()) bool {
	destroyed := false
	prev := c.tripwire
	c.tripwire = &destroyed
	cb()
	if destroyed {
		if prev != nil {
			*prev = true
		}
		return true
	}
	c.tripwire = prev
	return false
}

// ReadExact fills buf completely, then invokes cb.OnComplete exactly once,
// or cb.OnClose if the peer closes first. Bytes left over from an earlier
// buffered read are consumed before the kernel is asked for more. The
// callback may fire synchronously from inside this call.
func (c *Conn) ReadExact(buf []byte, cb api.ReadCallback) {
	if c.readShut {
		panic("tcp: read started after read shutdown")
	}
	if cb == nil {
		panic("tcp: nil read callback")
	}
	c.register()
	if c.fd < 0 {
		panic("tcp: read on destroyed conn")
	}
	if c.readMode != readNone {
		panic("tcp: a read is already outstanding")
	}

	c.readMode = readExternal
	c.extReadBuf = buf
	c.readCB = cb

	// A buffered read may have pulled more than the application consumed.
	// Drain the peek buffer before touching the kernel.
	if n := copy(c.extReadBuf, c.peek.B); n > 0 {
		c.peek.B = c.peek.B[:copy(c.peek.B, c.peek.B[n:])]
		c.extReadBuf = c.extReadBuf[n:]
	}

	c.tryReadExternal()
}

func (c *Conn) tryReadExternal() {
	for len(c.extReadBuf) > 0 {
		n, err := unix.Read(c.fd, c.extReadBuf)
		switch {
		case wouldBlock(err):
			// OnEvent resumes the drain when the socket turns readable.
			return
		case err == unix.ECONNRESET || err == unix.ENOTCONN:
			c.onReadShut()
			return
		case err != nil:
			logging.Errorf("tcp: read fd=%d: %v", c.fd, err)
			c.onReadShut()
			return
		case n == 0:
			c.onReadShut()
			return
		default:
			c.extReadBuf = c.extReadBuf[n:]
		}
	}

	c.readMode = readNone
	cb := c.readCB
	c.readCB = nil
	c.extReadBuf = nil
	c.deliver(cb.OnComplete)
}

// ReadBuffered offers the application a view of whatever is buffered and
// invites it to consume a prefix via AcceptBuffer. An offer that returns
// without accepting means "not enough data": the core reads more into the
// peek buffer and offers again. The first offer may fire synchronously.
func (c *Conn) ReadBuffered(cb api.BufferedReadCallback) {
	if c.readShut {
		panic("tcp: read started after read shutdown")
	}
	if cb == nil {
		panic("tcp: nil buffered read callback")
	}
	c.register()
	if c.fd < 0 {
		panic("tcp: read on destroyed conn")
	}
	if c.readMode != readNone {
		panic("tcp: a read is already outstanding")
	}

	c.readMode = readBuffered
	c.bufferedCB = cb

	// Offer before reading: the peek buffer may already hold data, and the
	// callback may even be satisfied with an empty one.
	if !c.offerPeek() {
		c.fillPeekBuffer()
	}
}

// offerPeek runs one OnData offer. Reports true when this round of the
// buffered read is over: the offer was accepted, or the connection was
// destroyed inside the callback.
func (c *Conn) offerPeek() bool {
	if c.inBufferedCB {
		panic("tcp: nested buffered-read offer")
	}
	c.inBufferedCB = true // AcceptBuffer becomes legal

	cb := c.bufferedCB
	if c.deliver(func() { cb.OnData(c.peek.B) }) {
		return true
	}

	if c.inBufferedCB {
		// AcceptBuffer was not called; the offer was rejected.
		c.inBufferedCB = false
		return false
	}
	// AcceptBuffer consumed a prefix and reset the read mode. The callback
	// may already have started another read, so no mode assumptions here.
	return true
}

// fillPeekBuffer grows the peek buffer by up to IOBufferSize per kernel
// read and re-offers after each, until the offer is accepted, the socket
// would block, or it closes.
func (c *Conn) fillPeekBuffer() {
	for {
		b := c.peek.B
		if cap(b)-len(b) < IOBufferSize {
			b = append(b, make([]byte, IOBufferSize)...)[:len(b)]
		}
		n, err := unix.Read(c.fd, b[len(b):len(b)+IOBufferSize])
		switch {
		case wouldBlock(err):
			c.peek.B = b
			// OnEvent resumes the offer loop when the socket turns readable.
			return
		case err == unix.ECONNRESET || err == unix.ENOTCONN:
			c.onReadShut()
			return
		case err != nil:
			logging.Errorf("tcp: read fd=%d: %v", c.fd, err)
			c.onReadShut()
			return
		case n == 0:
			c.onReadShut()
			return
		default:
			c.peek.B = b[:len(b)+n]
			if c.offerPeek() {
				return
			}
			// Rejected again; there may be more in the kernel buffer.
		}
	}
}

// AcceptBuffer consumes the first k bytes of the current offer and
// completes the buffered read. Legal only from inside OnData, at most once
// per offer. k may be zero: the buffered read completes and every offered
// byte stays in the peek buffer for the next read of either discipline.
func (c *Conn) AcceptBuffer(k int) {
	if c.readMode != readBuffered || !c.inBufferedCB {
		panic("tcp: AcceptBuffer outside a buffered-read offer")
	}
	if k < 0 || k > len(c.peek.B) {
		panic(fmt.Sprintf("tcp: AcceptBuffer(%d) out of range (buffered %d)", k, len(c.peek.B)))
	}
	c.peek.B = c.peek.B[:copy(c.peek.B, c.peek.B[k:])]

	// The callback may start another read after accepting.
	c.inBufferedCB = false
	c.readMode = readNone
	c.bufferedCB = nil
}

// WriteAll sends buf completely, then invokes cb.OnComplete exactly once,
// or cb.OnClose on a peer or network error. The callback may fire
// synchronously from inside this call.
func (c *Conn) WriteAll(buf []byte, cb api.WriteCallback) {
	if c.writeShut {
		panic("tcp: write started after write shutdown")
	}
	if cb == nil {
		panic("tcp: nil write callback")
	}
	c.register()
	if c.fd < 0 {
		panic("tcp: write on destroyed conn")
	}
	if c.writeMode != writeNone {
		panic("tcp: a write is already outstanding")
	}

	c.writeMode = writeExternal
	c.extWriteBuf = buf
	c.writeCB = cb
	c.tryWriteExternal()
}

func (c *Conn) tryWriteExternal() {
	for len(c.extWriteBuf) > 0 {
		n, err := unix.Write(c.fd, c.extWriteBuf)
		switch {
		case wouldBlock(err):
			// Arm writable interest only while a write is pending. Left armed
			// with nothing to write, a level-triggered queue spins the loop.
			if !c.writableInterest {
				c.adjustInterest(c.readInterest() | api.Writable)
				c.writableInterest = true
			}
			return
		case err == unix.EPIPE || err == unix.ENOTCONN || err == unix.EHOSTUNREACH ||
			err == unix.ENETDOWN || err == unix.EHOSTDOWN || err == unix.ECONNRESET:
			// Expected peer/network failures; shut down nicely.
			c.onWriteShut()
			return
		case err != nil:
			logging.Errorf("tcp: write fd=%d: %v", c.fd, err)
			c.onWriteShut()
			return
		case n == 0:
			logging.Errorf("tcp: write fd=%d returned 0", c.fd)
			c.onWriteShut()
			return
		default:
			c.extWriteBuf = c.extWriteBuf[n:]
		}
	}

	// Disarm before completing so a level-triggered queue does not flood us
	// with writable events while no write is pending.
	if c.writableInterest {
		c.adjustInterest(c.readInterest())
		c.writableInterest = false
	}

	c.writeMode = writeNone
	cb := c.writeCB
	c.writeCB = nil
	c.extWriteBuf = nil
	c.deliver(cb.OnComplete)
}

func (c *Conn) readInterest() api.EventMask {
	if c.readShut {
		return 0
	}
	return api.Readable
}

func (c *Conn) adjustInterest(mask api.EventMask) {
	if err := c.queue.Adjust(c.fd, mask, c); err != nil {
		logging.Errorf("tcp: adjust fd=%d: %v", c.fd, err)
	}
}

// ShutdownRead half-closes the read side. Any pending read completes with
// OnClose. Calling this from inside an OnData offer that has not accepted
// is a programming error.
func (c *Conn) ShutdownRead() {
	if c.inBufferedCB {
		panic("tcp: ShutdownRead inside a buffered-read offer; call AcceptBuffer first")
	}
	if err := unix.Shutdown(c.fd, unix.SHUT_RD); err != nil && err != unix.ENOTCONN {
		logging.Errorf("tcp: shutdown(RD) fd=%d: %v", c.fd, err)
	}
	c.onReadShut()
}

// ShutdownWrite half-closes the write side. Any pending write completes
// with OnClose.
func (c *Conn) ShutdownWrite() {
	if err := unix.Shutdown(c.fd, unix.SHUT_WR); err != nil && err != unix.ENOTCONN {
		logging.Errorf("tcp: shutdown(WR) fd=%d: %v", c.fd, err)
	}
	c.onWriteShut()
}

func (c *Conn) onReadShut() {
	if c.readShut {
		panic("tcp: read side already shut down")
	}
	if c.fd < 0 {
		panic("tcp: shutdown on destroyed conn")
	}
	c.readShut = true

	// Keep the registration alive for the surviving half only; once both
	// halves are gone, drop it entirely.
	if c.ownerTID != 0 {
		c.assertOwner()
		if c.writeShut {
			c.forget()
		} else {
			c.adjustInterest(api.Writable)
		}
	}

	mode := c.readMode
	c.readMode = readNone
	switch mode {
	case readNone:
		// No reader waiting; nothing to notify until a read is attempted.
	case readExternal:
		cb := c.readCB
		c.readCB = nil
		c.extReadBuf = nil
		c.deliver(cb.OnClose)
	case readBuffered:
		cb := c.bufferedCB
		c.bufferedCB = nil
		c.deliver(cb.OnClose)
	}
}

func (c *Conn) onWriteShut() {
	if c.writeShut {
		panic("tcp: write side already shut down")
	}
	if c.fd < 0 {
		panic("tcp: shutdown on destroyed conn")
	}
	c.writeShut = true
	c.writableInterest = false

	if c.ownerTID != 0 {
		c.assertOwner()
		if c.readShut {
			c.forget()
		} else {
			c.adjustInterest(api.Readable)
		}
	}

	mode := c.writeMode
	c.writeMode = writeNone
	switch mode {
	case writeNone:
		// No writer waiting; nothing to notify until a write is attempted.
	case writeExternal:
		cb := c.writeCB
		c.writeCB = nil
		c.extWriteBuf = nil
		c.deliver(cb.OnClose)
	}
}

func (c *Conn) forget() {
	if err := c.queue.Forget(c.fd, c); err != nil {
		logging.Errorf("tcp: forget fd=%d: %v", c.fd, err)
	}
}

// Destroy closes the socket and releases the connection. Both halves must
// already be shut down. Legal from inside a callback: the core detects the
// destruction and stops touching the connection.
func (c *Conn) Destroy() {
	if c.fd < 0 {
		panic("tcp: conn destroyed twice")
	}
	if !c.readShut || !c.writeShut {
		panic("tcp: Destroy with an open half; shut down both sides first")
	}
	if c.tripwire != nil {
		*c.tripwire = true
	}
	if err := unix.Close(c.fd); err != nil {
		logging.Errorf("tcp: close fd=%d: %v", c.fd, err)
	}
	c.fd = -1
	bytebufferpool.Put(c.peek)
	c.peek = nil
}

// OnEvent implements api.EventHandler. Entered by the event queue; resumes
// whichever operations the readiness mask unblocks.
func (c *Conn) OnEvent(events api.EventMask) {
	if c.fd < 0 {
		panic("tcp: event on destroyed conn")
	}

	destroyed := false
	prev := c.tripwire
	c.tripwire = &destroyed

	if events&api.Readable != 0 && !c.readShut {
		switch c.readMode {
		case readNone:
			// Nothing outstanding; the bytes wait in the kernel until the
			// application asks for them.
		case readExternal:
			c.tryReadExternal()
		case readBuffered:
			c.fillPeekBuffer()
		}
		if destroyed {
			if prev != nil {
				*prev = true
			}
			return
		}
	}

	// A read callback above may have shut the write side down.
	if events&api.Writable != 0 && !c.writeShut {
		switch c.writeMode {
		case writeNone:
			// No write pending, e.g. the residual Writable interest left by
			// a read shutdown; disarm so a level-triggered queue does not
			// spin on us.
			c.adjustInterest(c.readInterest())
			c.writableInterest = false
		case writeExternal:
			c.tryWriteExternal()
		}
		if destroyed {
			if prev != nil {
				*prev = true
			}
			return
		}
	}

	if events&api.ErrEvent != 0 && events&api.Hangup != 0 {
		// Peer hung up with undelivered bytes still sitting in our send
		// buffer. The read/write paths surface the closure on their own.
		logging.Debugf("tcp: fd=%d error+hangup, ignoring (events=%v)", c.fd, events)
	} else if events&api.ErrEvent != 0 {
		logging.Errorf("tcp: fd=%d unexpected error event (events=%v)", c.fd, events)
		if !c.readShut {
			c.ShutdownRead()
		}
		if destroyed {
			if prev != nil {
				*prev = true
			}
			return
		}
		if !c.writeShut {
			c.ShutdownWrite()
		}
		if destroyed {
			if prev != nil {
				*prev = true
			}
			return
		}
	}

	c.tripwire = prev
}
