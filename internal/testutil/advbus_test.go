package testutil

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchnet/internal/result"
)

func TestAdvBusDeliversToAllMembers(t *testing.T) {
	bus := NewAdvBus()
	a := bus.Join()
	b := bus.Join()
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send([]byte("hello")))
	buf := make([]byte, 16)
	for _, ep := range []*AdvEndpoint{a, b} {
		n, from, err := ep.Receive(buf)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(buf[:n]))
		udp, ok := from.(*net.UDPAddr)
		require.True(t, ok)
		assert.True(t, udp.IP.IsLoopback())
		assert.Equal(t, a.addr.Port, udp.Port)
	}
}

func TestAdvBusClose(t *testing.T) {
	bus := NewAdvBus()
	a := bus.Join()
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	_, _, err := a.Receive(make([]byte, 4))
	assert.True(t, errors.Is(err, result.Canceled))
	assert.Error(t, a.Send([]byte("x")))
}

func TestAdvBusPause(t *testing.T) {
	bus := NewAdvBus()
	a := bus.Join()
	defer a.Close()

	bus.Pause()
	require.NoError(t, a.Send([]byte("dropped")))
	bus.Resume()
	require.NoError(t, a.Send([]byte("kept")))

	buf := make([]byte, 16)
	n, _, err := a.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(buf[:n]))
}
