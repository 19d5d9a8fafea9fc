// File: api/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package api holds the contracts shared by the tcpcore packages: the event
// mask and handler types, the EventQueue interface the connection core is
// driven by, and the completion callbacks it delivers results through.
//
// The package is interface-only so that any readiness multiplexer (the epoll
// queue in eventq, the recording double in fake, or a caller-supplied one)
// can drive the same connection core.
package api
