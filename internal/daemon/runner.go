// Package daemon runs a single branch on its own execution context for the
// command line tools. Events and received broadcasts are logged and
// rendered as text lines; metrics are exposed as a JSON snapshot file and
// on an optional prometheus endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"branchnet/internal/branch"
	"branchnet/internal/config"
	"branchnet/internal/debuglog"
	"branchnet/internal/ioctx"
	"branchnet/internal/metrics"
	"branchnet/internal/network"
	"branchnet/internal/result"
)

const (
	snapshotInterval = time.Second
	flushTimeout     = 2 * time.Second
)

type Options struct {
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Constants *config.Constants
	// AdvChannel replaces the multicast socket of the branch.
	AdvChannel network.AdvChannel
	// Out receives one line per reported event and received broadcast.
	Out io.Writer
	// Events selects the reported events. Zero reports all of them.
	Events branch.Event
	// Receive enables printing of received broadcasts.
	Receive     bool
	SnapPath    string
	MetricsAddr string
	// StopSignals end RunWithContext when raised through ioctx.RaiseSignal.
	StopSignals ioctx.Signal
}

// Runner owns a Context and the Branch bound to it.
type Runner struct {
	Ctx     *ioctx.Context
	Branch  *branch.Branch
	Metrics *metrics.Metrics
	Log     *zap.Logger

	out      io.Writer
	outMu    sync.Mutex
	mask     branch.Event
	receive  bool
	recvBuf  []byte
	snapPath string
	stopSnap chan struct{}
	snapDone chan struct{}

	metricsAddr string
	listenMu    sync.RWMutex
	listenAddr  string

	stopSignals ioctx.Signal
	sigSet      *ioctx.SignalSet
	stopped     chan struct{}
}

// NewRunner creates the context and the branch. The branch starts
// advertising right away; events are reported once RunWithContext is
// called.
func NewRunner(props config.Properties, opts Options) (*Runner, error) {
	log := debuglog.OrNop(opts.Logger)
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	mask := opts.Events
	if mask == branch.EventNone {
		mask = branch.EventAll
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	ctx := ioctx.New()
	b, err := branch.New(ctx, props, branch.Options{
		Logger:     log,
		Metrics:    m,
		Constants:  opts.Constants,
		AdvChannel: opts.AdvChannel,
	})
	if err != nil {
		_ = ctx.Close()
		return nil, err
	}
	r := &Runner{
		Ctx:         ctx,
		Branch:      b,
		Metrics:     m,
		Log:         log,
		out:         out,
		mask:        mask,
		receive:     opts.Receive,
		snapPath:    opts.SnapPath,
		metricsAddr: opts.MetricsAddr,
		stopSignals: opts.StopSignals,
		stopSnap:    make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	if opts.Receive {
		size := config.MaxMessageSize
		if opts.Constants != nil {
			size = opts.Constants.MaxMessageSize
		}
		r.recvBuf = make([]byte, size)
	}
	return r, nil
}

// StartSnapshotWriter writes the metrics snapshot to the configured path
// every interval until StopSnapshotWriter is called.
func (r *Runner) StartSnapshotWriter(interval time.Duration) {
	if r == nil || r.Metrics == nil || r.snapPath == "" || r.snapDone != nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	r.snapDone = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Metrics.WriteSnapshot(r.snapPath); err != nil {
					r.Log.Debug("snapshot write failed", result.Field(err))
				}
			case <-r.stopSnap:
				_ = r.Metrics.WriteSnapshot(r.snapPath)
				return
			}
		}
	}()
}

func (r *Runner) StopSnapshotWriter() {
	if r == nil || r.snapDone == nil {
		return
	}
	select {
	case <-r.stopSnap:
	default:
		close(r.stopSnap)
	}
	<-r.snapDone
}

// MetricsHandler serves the branch counters in the prometheus text format.
func (r *Runner) MetricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(r.Metrics))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{ErrorLog: zap.NewStdLog(r.Log)})
}

// ListenAddr returns the address of the metrics endpoint once it is bound.
func (r *Runner) ListenAddr() string {
	r.listenMu.RLock()
	defer r.listenMu.RUnlock()
	return r.listenAddr
}

func (r *Runner) setListenAddr(addr string) {
	r.listenMu.Lock()
	r.listenAddr = addr
	r.listenMu.Unlock()
}

// RunWithContext blocks until ctx is canceled or one of the stop signals
// is raised, then closes the branch and the context. The branch server
// address is sent on ready once event reporting is armed.
func (r *Runner) RunWithContext(ctx context.Context, ready chan<- string) error {
	if r == nil {
		return errors.New("missing runner")
	}
	if err := r.Ctx.RunInBackground(); err != nil {
		return err
	}
	defer r.shutdown()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.stopSignals != ioctx.SigNone {
		if err := r.armSignals(cancel); err != nil {
			return err
		}
	}
	if err := r.armEvents(); err != nil {
		return err
	}
	if r.receive {
		if err := r.armReceive(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	var srv *http.Server
	if r.metricsAddr != "" {
		ln, err := net.Listen("tcp", r.metricsAddr)
		if err != nil {
			return result.Wrap(result.BindSocketFailed, err, "addr", r.metricsAddr)
		}
		r.setListenAddr(ln.Addr().String())
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.MetricsHandler())
		srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		r.Log.Info("metrics endpoint", zap.String("addr", ln.Addr().String()))
	}
	r.StartSnapshotWriter(snapshotInterval)

	if ready != nil {
		info := r.Branch.Info()
		addr := net.JoinHostPort(info.TCPServerAddress, strconv.Itoa(info.TCPServerPort))
		select {
		case ready <- addr:
		default:
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		r.StopSnapshotWriter()
		if srv == nil {
			return nil
		}
		sctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func (r *Runner) shutdown() {
	if err := r.Branch.Close(); err != nil {
		r.Log.Warn("branch close failed", result.Field(err))
	}
	if r.sigSet != nil {
		r.sigSet.Close()
	}
	r.flush()
	if err := r.Ctx.Close(); err != nil {
		r.Log.Warn("context close failed", result.Field(err))
	}
	close(r.stopped)
}

// flush waits until every handler posted so far has run.
func (r *Runner) flush() {
	done := make(chan struct{})
	r.Ctx.Post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(flushTimeout):
	}
}

// Broadcast sends msg to every connected branch.
func (r *Runner) Broadcast(ctx context.Context, msg []byte, retry bool) error {
	return r.Branch.SendBroadcast(ctx, msg, retry)
}

// WaitConnected blocks until at least n branches are connected. It fails
// with Canceled once the runner has stopped.
func (r *Runner) WaitConnected(ctx context.Context, n int) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(r.Branch.ConnectedBranches()) >= n {
			return nil
		}
		select {
		case <-r.stopped:
			return result.New(result.Canceled, "runner stopped")
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return result.Wrap(result.Timeout, ctx.Err())
			}
			return result.Wrap(result.Canceled, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Runner) armSignals(stop context.CancelFunc) error {
	set, err := ioctx.NewSignalSet(r.Ctx, r.stopSignals)
	if err != nil {
		return err
	}
	r.sigSet = set
	return set.AwaitSignal(func(err error, sig ioctx.Signal, _ any) {
		if err != nil {
			return
		}
		r.Log.Info("stopping on signal", zap.Stringer("signal", sig))
		stop()
	})
}

func (r *Runner) armEvents() error {
	return r.Branch.AwaitEvent(r.mask, r.onEvent)
}

func (r *Runner) onEvent(res error, ev branch.Event, evRes error, info branch.EventInfo) {
	if res != nil {
		return
	}
	fields := []zap.Field{zap.Stringer("event", ev)}
	if info != nil {
		fields = append(fields, zap.Stringer("remote", info.UUID()))
	}
	if evRes != nil {
		r.Log.Info("branch event", append(fields, result.Field(evRes))...)
	} else {
		r.Log.Info("branch event", fields...)
	}
	r.printf("%s\n", EventLine(ev, evRes, info))
	if err := r.armEvents(); err != nil && !errors.Is(err, result.InvalidHandle) {
		r.Log.Warn("re-arming event handler failed", result.Field(err))
	}
}

func (r *Runner) armReceive() error {
	return r.Branch.ReceiveBroadcastAsync(r.recvBuf, r.onBroadcast)
}

func (r *Runner) onBroadcast(res error, from uuid.UUID, n int) {
	switch {
	case errors.Is(res, result.Canceled), errors.Is(res, result.InvalidHandle):
		return
	case res != nil:
		r.Log.Warn("broadcast dropped", zap.Stringer("remote", from), zap.Int("size", n), result.Field(res))
	default:
		r.printf("broadcast from %s: %s\n", from, r.recvBuf[:n])
	}
	if err := r.armReceive(); err != nil && !errors.Is(err, result.InvalidHandle) {
		r.Log.Warn("re-arming receive failed", result.Field(err))
	}
}

func (r *Runner) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// EventLine renders an event as a single human readable line.
func EventLine(ev branch.Event, evRes error, info branch.EventInfo) string {
	id := "unknown"
	if info != nil {
		id = info.UUID().String()
	}
	if ev == branch.EventConnectionLost {
		if evRes != nil {
			return fmt.Sprintf("connection lost %s: %v", id, evRes)
		}
		return fmt.Sprintf("connection lost %s", id)
	}
	if evRes != nil {
		return fmt.Sprintf("%s %s failed: %v", ev, id, evRes)
	}
	switch i := info.(type) {
	case *branch.DiscoveredInfo:
		return fmt.Sprintf("discovered %s at %s", id,
			net.JoinHostPort(i.TCPServerAddress, strconv.Itoa(i.TCPServerPort)))
	case *branch.QueriedInfo:
		return fmt.Sprintf("queried %s name=%q path=%q net=%q host=%s", id,
			i.Name, i.Path, i.NetworkName, i.Hostname)
	case *branch.ConnectFinishedInfo:
		if i.Info != nil {
			return fmt.Sprintf("connected %s name=%q path=%q", id, i.Info.Name, i.Info.Path)
		}
		return fmt.Sprintf("connected %s", id)
	}
	return fmt.Sprintf("%s %s", ev, id)
}
