package branch

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchnet/internal/config"
	"branchnet/internal/ioctx"
	"branchnet/internal/result"
	"branchnet/internal/testutil"
)

func TestBranchesConnect(t *testing.T) {
	h := newHarness(t)
	a := h.newBranch(h.props("a"))
	b := h.newBranch(h.props("b"))
	evA := awaitOnce(t, a, EventConnectFinished)
	evB := awaitOnce(t, b, EventConnectFinished)
	h.start()

	for _, tc := range []struct {
		ch     <-chan recordedEvent
		local  *Branch
		remote *Branch
	}{
		{evA, a, b},
		{evB, b, a},
	} {
		e := waitEvent(t, tc.ch)
		require.NoError(t, e.res)
		require.NoError(t, e.evRes)
		assert.Equal(t, EventConnectFinished, e.ev)
		info, ok := e.info.(*ConnectFinishedInfo)
		require.True(t, ok, "unexpected payload %T", e.info)
		require.NotNil(t, info.Info)
		assert.Equal(t, tc.remote.UUID(), info.UUID())
		assert.Equal(t, tc.remote.Settings().Name, info.Info.Name)
		assert.Equal(t, tc.remote.Settings().Path, info.Info.Path)
		assert.Equal(t, "127.0.0.1", info.Info.TCPServerAddress)

		waitConnected(t, tc.local, 1)
		connected := tc.local.ConnectedBranches()
		assert.Equal(t, *info.Info, connected[tc.remote.UUID()])
		assert.Equal(t, connected, tc.local.ConnectedBranches())
		assert.Equal(t, StateConnected, tc.local.KnownBranches()[tc.remote.UUID()])
	}
	assert.EqualValues(t, 1, a.Metrics().Snapshot().Connected)
}

func TestDuplicatePathRejected(t *testing.T) {
	h := newHarness(t)
	pa := h.props("a")
	pb := h.props("b")
	pb.Path = pa.Path
	a := h.newBranch(pa)
	b := h.newBranch(pb)
	evA := awaitOnce(t, a, EventConnectFinished)
	evB := awaitOnce(t, b, EventConnectFinished)
	h.start()

	for _, ch := range []<-chan recordedEvent{evA, evB} {
		e := waitEvent(t, ch)
		require.NoError(t, e.res)
		assert.True(t, errors.Is(e.evRes, result.DuplicateBranchPath), "got %v", e.evRes)
		info, ok := e.info.(*ConnectFinishedInfo)
		require.True(t, ok)
		assert.Nil(t, info.Info)
	}
	assert.Empty(t, a.ConnectedBranches())
	assert.Empty(t, b.ConnectedBranches())
}

func TestDuplicateNameRejected(t *testing.T) {
	h := newHarness(t)
	pa := h.props("same")
	pb := h.props("same")
	pb.Path = "/other"
	a := h.newBranch(pa)
	b := h.newBranch(pb)
	evA := awaitOnce(t, a, EventConnectFinished)
	evB := awaitOnce(t, b, EventConnectFinished)
	h.start()

	for _, ch := range []<-chan recordedEvent{evA, evB} {
		e := waitEvent(t, ch)
		assert.True(t, errors.Is(e.evRes, result.DuplicateBranchName), "got %v", e.evRes)
	}
}

func TestPasswordMismatch(t *testing.T) {
	h := newHarness(t)
	pb := h.props("b")
	pb.NetworkPassword = "other"
	a := h.newBranch(h.props("a"))
	b := h.newBranch(pb)
	evA := awaitOnce(t, a, EventConnectFinished)
	evB := awaitOnce(t, b, EventConnectFinished)
	h.start()

	for _, ch := range []<-chan recordedEvent{evA, evB} {
		e := waitEvent(t, ch)
		assert.True(t, errors.Is(e.evRes, result.PasswordMismatch), "got %v", e.evRes)
	}
	assert.Empty(t, a.ConnectedBranches())
	snap := a.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.ConnectFailures[result.PasswordMismatch.Description()])
}

func TestNetNameMismatch(t *testing.T) {
	h := newHarness(t)
	pb := h.props("b")
	pb.NetworkName = "elsewhere"
	a := h.newBranch(h.props("a"))
	b := h.newBranch(pb)
	evA := awaitOnce(t, a, EventConnectFinished)
	evB := awaitOnce(t, b, EventConnectFinished)
	h.start()

	for _, ch := range []<-chan recordedEvent{evA, evB} {
		e := waitEvent(t, ch)
		assert.True(t, errors.Is(e.evRes, result.NetNameMismatch), "got %v", e.evRes)
	}
}

func TestGhostBranchOnlyObserves(t *testing.T) {
	h := newHarness(t)
	pg := h.props("ghost")
	pg.GhostMode = true
	a := h.newBranch(h.props("a"))
	g := h.newBranch(pg)
	evA := awaitOnce(t, a, EventBranchDiscovered)
	evG := awaitOnce(t, g, EventBranchQueried)
	h.start()

	e := waitEvent(t, evA)
	require.NoError(t, e.evRes)
	disc, ok := e.info.(*DiscoveredInfo)
	require.True(t, ok)
	assert.Equal(t, g.UUID(), disc.ID)

	e = waitEvent(t, evG)
	require.NoError(t, e.evRes)
	q, ok := e.info.(*QueriedInfo)
	require.True(t, ok)
	assert.Equal(t, a.UUID(), q.UUID())
	assert.Equal(t, "a", q.Name)
	assert.False(t, q.GhostMode)

	require.Eventually(t, func() bool {
		return a.Metrics().Snapshot().Connections.QueriesOK >= 1
	}, waitTimeout, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, a.ConnectedBranches())
	assert.Empty(t, g.ConnectedBranches())
	for _, rec := range a.Metrics().Snapshot().Recent {
		assert.NotEqual(t, EventConnectFinished.String(), rec.Event)
	}
	assert.Zero(t, g.Metrics().Snapshot().Advertising.Sent)
}

func TestConnectionLostOnPeerClose(t *testing.T) {
	h := newHarness(t)
	a := h.newBranch(h.props("a"))
	b, err := New(h.ctx, h.props("b"), Options{Constants: &h.consts, AdvChannel: h.bus.Join()})
	require.NoError(t, err)
	h.start()
	waitConnected(t, a, 1)

	lost := awaitOnce(t, a, EventConnectionLost)
	require.NoError(t, b.Close())
	e := waitEvent(t, lost)
	require.NoError(t, e.res)
	assert.True(t, errors.Is(e.evRes, result.RwSocketFailed), "got %v", e.evRes)
	assert.Equal(t, b.UUID(), e.info.UUID())
	assert.Empty(t, a.ConnectedBranches())
	assert.EqualValues(t, 0, a.Metrics().Snapshot().Connected)
}

func TestAwaitEventCancel(t *testing.T) {
	h := newHarness(t)
	a := h.newBranch(h.props("a"))

	first := awaitOnce(t, a, EventAll)
	second := awaitOnce(t, a, EventAll)
	e := waitEvent(t, first)
	assert.True(t, errors.Is(e.res, result.Canceled))
	assert.Equal(t, EventNone, e.ev)
	assert.Nil(t, e.evRes)
	assert.Nil(t, e.info)

	assert.True(t, a.CancelAwaitEvent())
	assert.False(t, a.CancelAwaitEvent())
	e = waitEvent(t, second)
	assert.True(t, errors.Is(e.res, result.Canceled))

	select {
	case e := <-second:
		t.Fatalf("handler invoked twice: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseCancelsOutstandingOperations(t *testing.T) {
	h := newHarness(t)
	a, err := New(h.ctx, h.props("a"), Options{Constants: &h.consts, AdvChannel: h.bus.Join()})
	require.NoError(t, err)

	ev := awaitOnce(t, a, EventAll)
	recv := make(chan error, 1)
	require.NoError(t, a.ReceiveBroadcastAsync(make([]byte, 16), func(res error, _ uuid.UUID, _ int) {
		recv <- res
	}))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.True(t, errors.Is(waitEvent(t, ev).res, result.Canceled))
	select {
	case err := <-recv:
		assert.True(t, errors.Is(err, result.Canceled))
	case <-time.After(waitTimeout):
		t.Fatalf("receive handler not invoked")
	}
	require.Eventually(t, func() bool { return h.ctx.PendingOps() == 0 }, time.Second, 5*time.Millisecond)

	err = a.AwaitEvent(EventAll, func(error, Event, error, EventInfo) {})
	assert.True(t, errors.Is(err, result.InvalidHandle))
	_, err = a.SendBroadcastAsync([]byte("x"), false, func(error) {})
	assert.True(t, errors.Is(err, result.InvalidHandle))
}

func TestNewValidation(t *testing.T) {
	h := newHarness(t)
	p := h.props("a")
	p.Path = "no-slash"
	_, err := New(h.ctx, p, Options{Constants: &h.consts, AdvChannel: h.bus.Join()})
	assert.True(t, errors.Is(err, result.InvalidParam), "got %v", err)

	_, err = New(nil, h.props("a"), Options{})
	assert.True(t, errors.Is(err, result.InvalidParam))

	closed := ioctx.New()
	require.NoError(t, closed.Close())
	_, err = New(closed, h.props("a"), Options{Constants: &h.consts, AdvChannel: h.bus.Join()})
	assert.True(t, errors.Is(err, result.InvalidHandle), "got %v", err)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	p = h.props("a")
	p.ListenAddress = busy.Addr().String()
	_, err = New(h.ctx, p, Options{Constants: &h.consts, AdvChannel: h.bus.Join()})
	assert.Equal(t, result.BindSocketFailed, result.CodeOf(err), "got %v", err)
}

func TestContextCloseRefusedWhileBranchAlive(t *testing.T) {
	ctx := ioctx.New()
	consts := config.DefaultConstants()
	p := config.Properties{Name: "a", ListenAddress: "127.0.0.1:0", AdvertisingInterval: config.Duration(config.Infinite)}
	a, err := New(ctx, p, Options{Constants: &consts, AdvChannel: testutil.NewAdvBus().Join()})
	require.NoError(t, err)
	err = ctx.Close()
	assert.True(t, errors.Is(err, result.ObjectStillUsed), "got %v", err)
	require.NoError(t, a.Close())
	require.NoError(t, ctx.Close())
}

func TestLocalInfo(t *testing.T) {
	h := newHarness(t)
	p := h.props("a")
	p.Description = "described"
	a := h.newBranch(p)

	info := a.Info()
	assert.Equal(t, a.UUID(), info.UUID)
	assert.Equal(t, "a", info.Name)
	assert.Equal(t, "described", info.Description)
	assert.Equal(t, "/test/a", info.Path)
	assert.Equal(t, "127.0.0.1", info.TCPServerAddress)
	assert.NotZero(t, info.TCPServerPort)
	assert.Equal(t, config.DefaultAdvAddress, info.AdvertisingAddress)
	assert.Equal(t, "tcp", info.Transport)
	assert.Equal(t, time.Second, info.Timeout)
	assert.False(t, info.StartTime.IsZero())
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "none", EventNone.String())
	assert.Equal(t, "discovered|connection-lost", (EventBranchDiscovered | EventConnectionLost).String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unknown", PeerState(42).String())
}

func TestHigherBranchDialsSilentPeer(t *testing.T) {
	h := newHarness(t)
	epA, epB := h.bus.Join(), h.bus.Join()
	a := h.newBranchOn(h.props("a"), epA)
	b := h.newBranchOn(h.props("b"), epB)
	// The lower branch never hears the higher one, so only the fallback
	// dial of the higher branch can connect them.
	if lessUUID(a.UUID(), b.UUID()) {
		epA.Deafen()
	} else {
		epB.Deafen()
	}
	h.start()
	waitConnected(t, a, 1)
	waitConnected(t, b, 1)
	assert.EqualValues(t, 1, a.Metrics().Snapshot().Connected)
	assert.EqualValues(t, 1, b.Metrics().Snapshot().Connected)
}

func TestNonAdvertisingBranchDials(t *testing.T) {
	h := newHarness(t)
	quiet := h.props("quiet")
	quiet.AdvertisingInterval = config.Duration(config.Infinite)
	q := h.newBranch(quiet)
	loud := h.newBranch(h.props("loud"))
	h.start()
	waitConnected(t, q, 1)
	waitConnected(t, loud, 1)
	assert.Zero(t, q.Metrics().Snapshot().Advertising.Sent)
}

func TestCloseWritesQueuedBroadcasts(t *testing.T) {
	h := newHarness(t)
	a := h.newBranch(h.props("a"))
	b, err := New(h.ctx, h.props("b"), Options{Constants: &h.consts, AdvChannel: h.bus.Join()})
	require.NoError(t, err)
	h.start()
	waitConnected(t, a, 1)
	waitConnected(t, b, 1)

	buf := make([]byte, 16)
	rx := make(chan error, 1)
	var from uuid.UUID
	var n int
	require.NoError(t, a.ReceiveBroadcastAsync(buf, func(res error, f uuid.UUID, size int) {
		from, n = f, size
		rx <- res
	}))
	require.NoError(t, b.SendBroadcast(context.Background(), []byte("bye"), true))
	require.NoError(t, b.Close())

	select {
	case err := <-rx:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatalf("broadcast queued before close never arrived")
	}
	assert.Equal(t, b.UUID(), from)
	assert.Equal(t, "bye", string(buf[:n]))
}
