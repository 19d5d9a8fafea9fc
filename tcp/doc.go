// File: tcp/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package tcp is the non-blocking connection core: Conn, an accepted TCP
// byte stream with two read disciplines and independent half-shutdown, and
// Listener, a bound acceptor feeding new Conns to a sink. Both are driven
// by an api.EventQueue and never block on a syscall.
//
// A Conn belongs to the thread that first registered it with its queue and
// must only ever be touched from there. Callbacks run inline: a callback may
// start the next operation, shut a half down, or destroy the connection
// outright; the core detects the destruction and backs off.
package tcp
