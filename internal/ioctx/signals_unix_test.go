//go:build unix

package ioctx

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardOSSignals(t *testing.T) {
	c := New()
	s := newSignalSet(t, c, SigTerm)
	stop := ForwardOSSignals()
	defer stop()

	got := make(chan gotSignal, 1)
	require.NoError(t, s.AwaitSignal(func(err error, sig Signal, arg any) { got <- gotSignal{err, sig, arg} }))
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))
	n, err := c.RunOne(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	g := <-got
	assert.NoError(t, g.err)
	assert.Equal(t, SigTerm, g.sig)
	assert.Equal(t, syscall.SIGTERM, g.arg)
	stop()
}
