package ioctx

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchnet/internal/result"
)

type gotSignal struct {
	err error
	sig Signal
	arg any
}

func newSignalSet(t *testing.T, c *Context, signals Signal) *SignalSet {
	t.Helper()
	s, err := NewSignalSet(c, signals)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestRaiseSignalWithoutListeners(t *testing.T) {
	c := New()
	newSignalSet(t, c, SigInt)

	cleaned := false
	n, err := RaiseSignal(SigTerm, nil, func() { cleaned = true })
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, cleaned)
}

func TestRaiseSignalValidation(t *testing.T) {
	for _, sig := range []Signal{SigNone, SigInt | SigTerm, Signal(1 << 5)} {
		_, err := RaiseSignal(sig, nil, nil)
		assert.True(t, errors.Is(err, result.InvalidParam), "signal %d: got %v", sig, err)
	}
	_, err := NewSignalSet(New(), SigNone)
	assert.True(t, errors.Is(err, result.InvalidParam))
	_, err = NewSignalSet(nil, SigInt)
	assert.True(t, errors.Is(err, result.InvalidParam))
}

func TestAwaitSignalDeliversToMatchingSets(t *testing.T) {
	c := New()
	s1 := newSignalSet(t, c, SigInt)
	s2 := newSignalSet(t, c, SigInt|SigUsr1)
	s3 := newSignalSet(t, c, SigUsr2)

	var got1, got2, got3 []gotSignal
	require.NoError(t, s1.AwaitSignal(func(err error, sig Signal, arg any) { got1 = append(got1, gotSignal{err, sig, arg}) }))
	require.NoError(t, s2.AwaitSignal(func(err error, sig Signal, arg any) { got2 = append(got2, gotSignal{err, sig, arg}) }))
	require.NoError(t, s3.AwaitSignal(func(err error, sig Signal, arg any) { got3 = append(got3, gotSignal{err, sig, arg}) }))

	cleaned := 0
	n, err := RaiseSignal(SigInt, 123, func() { cleaned++ })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, cleaned)

	ran, err := c.Poll()
	require.NoError(t, err)
	assert.Equal(t, 2, ran)
	assert.Equal(t, []gotSignal{{nil, SigInt, 123}}, got1)
	assert.Equal(t, []gotSignal{{nil, SigInt, 123}}, got2)
	assert.Empty(t, got3)
	assert.Equal(t, 1, cleaned)
	assert.True(t, s3.CancelAwait())
}

func TestSignalsQueueUntilAwaited(t *testing.T) {
	c := New()
	s := newSignalSet(t, c, SigInt)

	_, err := RaiseSignal(SigInt, "first", nil)
	require.NoError(t, err)
	_, err = RaiseSignal(SigTerm, "ignored", nil)
	require.NoError(t, err)
	_, err = RaiseSignal(SigInt, "second", nil)
	require.NoError(t, err)

	for _, want := range []string{"first", "second"} {
		var got gotSignal
		require.NoError(t, s.AwaitSignal(func(err error, sig Signal, arg any) { got = gotSignal{err, sig, arg} }))
		n, err := c.RunOne(time.Second)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		assert.NoError(t, got.err)
		assert.Equal(t, SigInt, got.sig)
		assert.Equal(t, want, got.arg)
	}
	n, err := c.PollOne()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCancelAwaitSignal(t *testing.T) {
	c := New()
	s := newSignalSet(t, c, SigInt)

	var got []gotSignal
	h := func(err error, sig Signal, arg any) { got = append(got, gotSignal{err, sig, arg}) }
	require.NoError(t, s.AwaitSignal(h))
	require.NoError(t, s.AwaitSignal(h))
	assert.True(t, s.CancelAwait())
	assert.False(t, s.CancelAwait())
	_, err := c.Poll()
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, g := range got {
		assert.True(t, errors.Is(g.err, result.Canceled))
		assert.Equal(t, SigNone, g.sig)
		assert.Nil(t, g.arg)
	}
}

func TestSignalSetCloseRunsCleanup(t *testing.T) {
	c := New()
	s, err := NewSignalSet(c, SigUsr1)
	require.NoError(t, err)
	assert.True(t, errors.Is(c.Close(), result.ObjectStillUsed))

	cleaned := false
	n, err := RaiseSignal(SigUsr1, nil, func() { cleaned = true })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	s.Close()
	s.Close()
	_, err = c.Poll()
	require.NoError(t, err)
	assert.True(t, cleaned)
	err = s.AwaitSignal(func(error, Signal, any) {})
	assert.True(t, errors.Is(err, result.InvalidHandle))
	require.NoError(t, c.Close())
}
