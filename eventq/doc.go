// File: eventq/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package eventq provides the Linux epoll implementation of api.EventQueue
// and Loop, the single-threaded driver that owns one queue, pins itself to
// an OS thread and accepts cross-goroutine work through Post.
package eventq
