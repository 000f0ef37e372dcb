package ioctx

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"branchnet/internal/result"
)

func TestPostNeverRunsInline(t *testing.T) {
	c := New()
	ran := false
	c.Post(func() { ran = true })
	assert.False(t, ran)
	n, err := c.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, ran)
}

func TestPollRunsNestedPostsInOrder(t *testing.T) {
	c := New()
	var order []int
	c.Post(func() {
		order = append(order, 1)
		c.Post(func() { order = append(order, 3) })
	})
	c.Post(func() { order = append(order, 2) })
	n, err := c.Poll()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2, 3}, order)

	n, err = c.Poll()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPollOne(t *testing.T) {
	c := New()
	c.Post(func() {})
	c.Post(func() {})
	n, err := c.PollOne()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = c.PollOne()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = c.PollOne()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunTimesOut(t *testing.T) {
	c := New()
	start := time.Now()
	n, err := c.Run(20 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRunOneWaitsForItem(t *testing.T) {
	c := New()
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Post(func() {})
	}()
	n, err := c.RunOne(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReentrantPollIsBusy(t *testing.T) {
	c := New()
	var inner error
	c.Post(func() {
		_, inner = c.Poll()
	})
	_, err := c.Poll()
	require.NoError(t, err)
	assert.True(t, errors.Is(inner, result.Busy))
}

func TestStopFromHandler(t *testing.T) {
	c := New()
	c.Post(func() { c.Stop() })
	c.Post(func() {})
	n, err := c.Run(Infinite)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the stop request does not outlive the run it targeted
	n, err = c.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStopIdleIsDropped(t *testing.T) {
	c := New()
	c.Stop()
	c.Post(func() {})
	n, err := c.Run(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunInBackground(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := New()
	require.NoError(t, c.RunInBackground())
	assert.True(t, c.WaitForRunning(time.Second))

	_, err := c.Run(10 * time.Millisecond)
	assert.True(t, errors.Is(err, result.Busy))
	assert.True(t, errors.Is(c.RunInBackground(), result.Busy))

	var ran atomic.Int32
	done := make(chan struct{})
	c.Post(func() {
		ran.Add(1)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("background runner did not execute posted item")
	}

	c.Stop()
	assert.True(t, c.WaitForStopped(time.Second))
	assert.Equal(t, int32(1), ran.Load())
	require.NoError(t, c.Close())
}

func TestWaitForRunningTimesOut(t *testing.T) {
	c := New()
	assert.False(t, c.WaitForRunning(10*time.Millisecond))
	assert.True(t, c.WaitForStopped(0))
}

func TestCloseWithDependents(t *testing.T) {
	c := New()
	require.NoError(t, c.Retain())
	err := c.Close()
	assert.True(t, errors.Is(err, result.ObjectStillUsed))
	c.Release()
	require.NoError(t, c.Close())
	assert.Error(t, c.Retain())
}

func TestOpCompleteOnce(t *testing.T) {
	c := New()
	var got []error
	op := Register(c, func(err error, v int) {
		got = append(got, err)
		assert.Equal(t, 7, v)
	})
	assert.True(t, op.Pending())
	assert.Equal(t, 1, c.PendingOps())
	assert.True(t, op.Complete(nil, 7))
	assert.False(t, op.Complete(nil, 7))
	assert.False(t, op.Cancel())
	assert.Equal(t, 0, c.PendingOps())
	_, err := c.Poll()
	require.NoError(t, err)
	assert.Equal(t, []error{nil}, got)
}

func TestOpCancel(t *testing.T) {
	c := New()
	var got error
	op := Register(c, func(err error, _ string) { got = err })
	assert.True(t, op.Cancel())
	assert.False(t, op.Complete(nil, "late"))
	_, err := c.Poll()
	require.NoError(t, err)
	assert.True(t, errors.Is(got, result.Canceled))

	var zero Op[int]
	assert.False(t, zero.Cancel())
	assert.False(t, zero.Pending())
}
