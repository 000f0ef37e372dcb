package branch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"branchnet/internal/config"
	"branchnet/internal/ioctx"
	"branchnet/internal/testutil"
)

const waitTimeout = 5 * time.Second

type harness struct {
	t      *testing.T
	ctx    *ioctx.Context
	bus    *testutil.AdvBus
	consts config.Constants
}

// newHarness runs a Context in the background and provides an in-memory
// advertising bus. Advertising starts paused; call start once every
// branch has registered its event handlers.
func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Cleanup(func() { goleak.VerifyNone(t) })
	ctx := ioctx.New()
	require.NoError(t, ctx.RunInBackground())
	require.True(t, ctx.WaitForRunning(time.Second))
	t.Cleanup(func() {
		require.NoError(t, ctx.Close())
	})
	consts := config.DefaultConstants()
	consts.MaxMessageSize = 1024
	consts.BlacklistTTL = time.Minute
	bus := testutil.NewAdvBus()
	bus.Pause()
	return &harness{t: t, ctx: ctx, bus: bus, consts: consts}
}

func (h *harness) start() {
	h.bus.Resume()
}

func (h *harness) props(name string) config.Properties {
	return config.Properties{
		Name:                name,
		Path:                "/test/" + name,
		NetworkName:         "test-net",
		NetworkPassword:     "secret",
		AdvertisingInterval: config.Duration(20 * time.Millisecond),
		Timeout:             config.Duration(time.Second),
		TxQueueSize:         4096,
		RxQueueSize:         4096,
		ListenAddress:       "127.0.0.1:0",
	}
}

func (h *harness) newBranch(props config.Properties) *Branch {
	h.t.Helper()
	return h.newBranchOn(props, h.bus.Join())
}

func (h *harness) newBranchOn(props config.Properties, ep *testutil.AdvEndpoint) *Branch {
	h.t.Helper()
	b, err := New(h.ctx, props, Options{
		Logger:     zaptest.NewLogger(h.t, zaptest.Level(zapcore.WarnLevel)),
		Constants:  &h.consts,
		AdvChannel: ep,
	})
	require.NoError(h.t, err)
	h.t.Cleanup(func() {
		require.NoError(h.t, b.Close())
	})
	return b
}

type recordedEvent struct {
	res   error
	ev    Event
	evRes error
	info  EventInfo
}

// awaitOnce registers a single event handler and returns the channel its
// invocation is delivered on.
func awaitOnce(t *testing.T, b *Branch, mask Event) <-chan recordedEvent {
	t.Helper()
	ch := make(chan recordedEvent, 1)
	require.NoError(t, b.AwaitEvent(mask, func(res error, ev Event, evRes error, info EventInfo) {
		ch <- recordedEvent{res: res, ev: ev, evRes: evRes, info: info}
	}))
	return ch
}

func waitEvent(t *testing.T, ch <-chan recordedEvent) recordedEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(waitTimeout):
		t.Fatalf("no event within %s", waitTimeout)
	}
	return recordedEvent{}
}

func waitConnected(t *testing.T, b *Branch, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(b.ConnectedBranches()) == n
	}, waitTimeout, 10*time.Millisecond)
}
