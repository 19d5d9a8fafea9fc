// File: eventq/queue_linux_test.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package eventq_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/evloop/tcpcore/api"
	"github.com/evloop/tcpcore/eventq"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestQueueDispatch(t *testing.T) {
	q, err := eventq.NewQueue()
	require.NoError(t, err)
	defer q.Close()

	local, peer := socketpair(t)

	var got api.EventMask
	h := api.EventHandlerFunc(func(events api.EventMask) { got |= events })

	require.NoError(t, q.Watch(local, api.Readable, h))

	// Nothing readable yet.
	n, err := q.Wait(10)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = unix.Write(peer, []byte("x"))
	require.NoError(t, err)

	n, err = q.Wait(1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.NotZero(t, got&api.Readable)

	// Switch interest to writable; an idle stream socket is writable.
	got = 0
	require.NoError(t, q.Adjust(local, api.Writable, h))
	n, err = q.Wait(1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.NotZero(t, got&api.Writable)
	assert.Zero(t, got&api.Readable)

	require.NoError(t, q.Forget(local, h))
	n, err = q.Wait(10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueHangup(t *testing.T) {
	q, err := eventq.NewQueue()
	require.NoError(t, err)
	defer q.Close()

	local, peer := socketpair(t)

	var got api.EventMask
	require.NoError(t, q.Watch(local, api.Readable, api.EventHandlerFunc(func(events api.EventMask) {
		got |= events
	})))

	require.NoError(t, unix.Close(peer))
	deadline := time.Now().Add(2 * time.Second)
	for got&api.Hangup == 0 {
		require.False(t, time.Now().After(deadline), "no hangup observed")
		_, err := q.Wait(100)
		require.NoError(t, err)
	}
	assert.NotZero(t, got&api.Hangup)
}

func TestQueueRegistrationErrors(t *testing.T) {
	q, err := eventq.NewQueue()
	require.NoError(t, err)
	defer q.Close()

	local, _ := socketpair(t)
	h := api.EventHandlerFunc(func(api.EventMask) {})

	require.NoError(t, q.Watch(local, api.Readable, h))
	assert.ErrorIs(t, q.Watch(local, api.Readable, h), api.ErrAlreadyWatched)

	assert.ErrorIs(t, q.Adjust(local+1000, api.Readable, h), api.ErrNotWatched)
	assert.ErrorIs(t, q.Forget(local+1000, h), api.ErrNotWatched)

	require.NoError(t, q.Forget(local, h))
	assert.ErrorIs(t, q.Forget(local, h), api.ErrNotWatched)
}
