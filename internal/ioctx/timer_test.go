package ioctx

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchnet/internal/result"
)

func TestTimerExpires(t *testing.T) {
	c := New()
	tm, err := NewTimer(c)
	require.NoError(t, err)
	defer tm.Close()

	fired := make(chan error, 1)
	require.NoError(t, tm.Start(5*time.Millisecond, func(err error) { fired <- err }))
	n, err := c.RunOne(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, <-fired)
	assert.False(t, tm.Cancel())
}

func TestTimerCancel(t *testing.T) {
	c := New()
	tm, err := NewTimer(c)
	require.NoError(t, err)
	defer tm.Close()

	var got error
	require.NoError(t, tm.Start(time.Hour, func(err error) { got = err }))
	assert.True(t, tm.Cancel())
	assert.False(t, tm.Cancel())
	_, err = c.Poll()
	require.NoError(t, err)
	assert.True(t, errors.Is(got, result.Canceled))
	assert.Equal(t, 0, c.PendingOps())
}

func TestTimerRestartCancelsPrevious(t *testing.T) {
	c := New()
	tm, err := NewTimer(c)
	require.NoError(t, err)
	defer tm.Close()

	var order []string
	require.NoError(t, tm.Start(time.Hour, func(err error) {
		if errors.Is(err, result.Canceled) {
			order = append(order, "first-canceled")
		}
	}))
	require.NoError(t, tm.Start(time.Millisecond, func(err error) {
		if err == nil {
			order = append(order, "second-expired")
		}
	}))
	deadline := time.Now().Add(time.Second)
	for len(order) < 2 && time.Now().Before(deadline) {
		_, err := c.RunOne(100 * time.Millisecond)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"first-canceled", "second-expired"}, order)
}

func TestTimerInfiniteOnlyCancels(t *testing.T) {
	c := New()
	tm, err := NewTimer(c)
	require.NoError(t, err)

	var got error
	require.NoError(t, tm.Start(Infinite, func(err error) { got = err }))
	n, err := c.Run(20 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	tm.Close()
	_, err = c.Poll()
	require.NoError(t, err)
	assert.True(t, errors.Is(got, result.Canceled))
	require.NoError(t, c.Close())
}

func TestTimerKeepsContextAlive(t *testing.T) {
	c := New()
	tm, err := NewTimer(c)
	require.NoError(t, err)
	assert.True(t, errors.Is(c.Close(), result.ObjectStillUsed))
	tm.Close()
	assert.NoError(t, c.Close())

	assert.Error(t, tm.Start(time.Millisecond, func(error) {}))
}
