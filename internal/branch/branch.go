// Package branch implements the local network participant: it advertises
// itself, discovers and queries peers, authenticates them and keeps
// sessions over which broadcasts are exchanged. Completion handlers run
// on the ioctx.Context the branch is bound to.
package branch

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"branchnet/internal/config"
	"branchnet/internal/crypto"
	"branchnet/internal/debuglog"
	"branchnet/internal/ioctx"
	"branchnet/internal/metrics"
	"branchnet/internal/network"
	"branchnet/internal/peer"
	"branchnet/internal/result"
)

const (
	dialAttempts = 3
	// maxDrainTime bounds how long Close waits for queued broadcasts.
	maxDrainTime = 2 * time.Second
)

// Options carries the collaborators of a Branch. Zero values select
// defaults: a nop logger, fresh metrics, config.DefaultConstants, the
// transport named in the properties and a UDP multicast channel.
type Options struct {
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Constants *config.Constants
	Transport network.Transport
	// AdvChannel replaces the multicast socket. The branch owns it and
	// closes it on Close.
	AdvChannel    network.AdvChannel
	MaxConnsPerIP int
}

// Branch is a local participant of a branch network.
type Branch struct {
	ctx        *ioctx.Context
	id         uuid.UUID
	settings   config.Settings
	consts     config.Constants
	startTime  time.Time
	pwHash     []byte
	log        *zap.Logger
	metrics    *metrics.Metrics
	limiter    *debuglog.Limiter
	transport  network.Transport
	dialer     *network.Dialer
	ln         network.Listener
	adv        network.AdvChannel
	serverHost string
	serverPort int
	blacklist  *peer.Blacklist

	runCtx context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu           sync.Mutex
	closed       bool
	remotes      map[uuid.UUID]*remote
	sessions     map[uuid.UUID]*session
	order        []uuid.UUID
	rrNext       int
	conns        map[network.Conn]struct{}
	eventOp      ioctx.Op[eventResult]
	eventMask    Event
	eventPending bool
	recvOp       ioctx.Op[recvResult]
	recvBuf      []byte
	recvPending  bool
	sends        map[ioctx.OpID]*pendingSend
}

// New creates a branch bound to ctx and starts advertising, listening and
// discovering. Socket failures are returned here; everything that happens
// later is reported through events.
func New(ctx *ioctx.Context, props config.Properties, opts Options) (*Branch, error) {
	if ctx == nil {
		return nil, result.New(result.InvalidParam, "nil context")
	}
	consts := config.DefaultConstants()
	if opts.Constants != nil {
		consts = *opts.Constants
	}
	settings, err := config.Resolve(props, consts)
	if err != nil {
		return nil, err
	}
	if err := ctx.Retain(); err != nil {
		return nil, err
	}
	b := &Branch{
		ctx:       ctx,
		id:        uuid.New(),
		settings:  settings,
		consts:    consts,
		startTime: time.Now(),
		pwHash:    crypto.PasswordHash(settings.NetworkPassword),
		log:       debuglog.OrNop(opts.Logger),
		metrics:   opts.Metrics,
		limiter:   debuglog.NewLimiter(),
		transport: opts.Transport,
		adv:       opts.AdvChannel,
		blacklist: peer.NewBlacklist(consts.BlacklistTTL),
		remotes:   make(map[uuid.UUID]*remote),
		sessions:  make(map[uuid.UUID]*session),
		conns:     make(map[network.Conn]struct{}),
		sends:     make(map[ioctx.OpID]*pendingSend),
	}
	if b.metrics == nil {
		b.metrics = metrics.New()
	}
	b.log = b.log.With(zap.Stringer("branch", b.id))
	if err := b.open(opts); err != nil {
		ctx.Release()
		return nil, err
	}
	b.dialer = network.NewDialer(b.transport, dialAttempts)
	b.runCtx, b.cancel = context.WithCancel(context.Background())
	b.start()
	b.log.Info("branch started",
		zap.String("name", settings.Name),
		zap.String("path", settings.Path),
		zap.String("network", settings.NetworkName),
		zap.String("transport", b.transport.Name()),
		zap.Int("port", b.serverPort),
		zap.Bool("ghost", settings.GhostMode))
	return b, nil
}

func (b *Branch) open(opts Options) error {
	if b.transport == nil {
		t, err := network.NewTransport(b.settings.Transport, network.Options{MaxConnsPerIP: opts.MaxConnsPerIP})
		if err != nil {
			return err
		}
		b.transport = t
	}
	ln, err := b.transport.Listen(b.settings.ListenAddress)
	if err != nil {
		return err
	}
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		_ = ln.Close()
		return result.Wrap(result.ListenSocketFailed, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 0xffff {
		_ = ln.Close()
		return result.New(result.ListenSocketFailed, "invalid listen port", "addr", ln.Addr().String())
	}
	b.ln, b.serverHost, b.serverPort = ln, host, port
	if b.adv != nil {
		return nil
	}
	ifaces, err := network.ResolveInterfaces(b.settings.AdvertisingInterfaces)
	if err != nil {
		_ = ln.Close()
		return err
	}
	b.log.Debug("advertising interfaces", zap.Strings("interfaces", network.InterfaceNames(ifaces)))
	ch, err := network.ListenMulticast(b.settings.AdvertisingAddress, b.settings.AdvertisingPort, ifaces, b.log)
	if err != nil {
		_ = ln.Close()
		return err
	}
	b.adv = ch
	return nil
}

func (b *Branch) UUID() uuid.UUID {
	return b.id
}

func (b *Branch) Settings() config.Settings {
	return b.settings
}

func (b *Branch) Metrics() *metrics.Metrics {
	return b.metrics
}

// Info describes the local branch.
func (b *Branch) Info() LocalBranchInfo {
	s := b.settings
	return LocalBranchInfo{
		RemoteBranchInfo: RemoteBranchInfo{
			UUID:                b.id,
			Name:                s.Name,
			Description:         s.Description,
			NetworkName:         s.NetworkName,
			Path:                s.Path,
			Hostname:            s.Hostname,
			PID:                 s.PID,
			StartTime:           b.startTime,
			Timeout:             s.Timeout,
			AdvertisingInterval: s.AdvertisingInterval,
			GhostMode:           s.GhostMode,
			TxQueueSize:         s.TxQueueSize,
			RxQueueSize:         s.RxQueueSize,
			TCPServerAddress:    b.serverHost,
			TCPServerPort:       b.serverPort,
		},
		AdvertisingInterfaces: append([]string(nil), s.AdvertisingInterfaces...),
		AdvertisingAddress:    s.AdvertisingAddress,
		AdvertisingPort:       s.AdvertisingPort,
		Transport:             b.transport.Name(),
	}
}

// ConnectedBranches returns the info of every branch with a live session.
// Each value equals the payload of that branch's connect-finished event.
func (b *Branch) ConnectedBranches() map[uuid.UUID]RemoteBranchInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[uuid.UUID]RemoteBranchInfo, len(b.sessions))
	for id, s := range b.sessions {
		out[id] = s.info
	}
	return out
}

// KnownBranches returns the state of every branch the engine is tracking.
func (b *Branch) KnownBranches() map[uuid.UUID]PeerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[uuid.UUID]PeerState, len(b.remotes))
	for id, r := range b.remotes {
		out[id] = r.state
	}
	return out
}

// Close stops the engine, closes every socket and cancels all outstanding
// operations. Their handlers run with Canceled on the next run of the
// Context; nothing completes after Close returns. Broadcasts queued
// before Close are still written, bounded by the connection timeout.
func (b *Branch) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := make([]network.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	sessions := b.sessionsLocked()
	b.mu.Unlock()

	b.drainSessions(sessions)
	b.cancel()
	_ = b.ln.Close()
	_ = b.adv.Close()
	for _, s := range sessions {
		s.shutdown()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	err := b.group.Wait()

	b.mu.Lock()
	if b.eventPending {
		b.eventPending = false
		b.eventOp.Cancel()
	}
	if b.recvPending {
		b.recvPending = false
		b.recvBuf = nil
		b.recvOp.Cancel()
	}
	for id, ps := range b.sends {
		delete(b.sends, id)
		ps.op.Cancel()
	}
	b.sessions = make(map[uuid.UUID]*session)
	b.remotes = make(map[uuid.UUID]*remote)
	b.order = nil
	b.conns = make(map[network.Conn]struct{})
	b.mu.Unlock()

	b.blacklist.Flush()
	b.ctx.Release()
	b.log.Info("branch closed")
	return err
}

func (b *Branch) drainSessions(sessions []*session) {
	if len(sessions) == 0 {
		return
	}
	limit := maxDrainTime
	if t := b.settings.Timeout; t > 0 && t < limit {
		limit = t
	}
	timer := time.NewTimer(limit)
	defer timer.Stop()
	waits := make([]<-chan struct{}, 0, len(sessions))
	for _, s := range sessions {
		waits = append(waits, s.requestDrain())
	}
	for i, w := range waits {
		select {
		case <-w:
		case <-timer.C:
			b.log.Warn("dropping queued broadcasts on close", zap.Int("sessions", len(waits)-i))
			return
		}
	}
}

func (b *Branch) recordEvent(rec metrics.EventRecord) {
	rec.At = time.Now()
	b.metrics.Recent().Add(rec)
}

func (b *Branch) trackConn(c network.Conn) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = c.Close()
		return false
	}
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	return true
}

func (b *Branch) dropConn(c network.Conn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
	_ = c.Close()
}

// timeoutContext bounds an operation by the local connection timeout.
func (b *Branch) timeoutContext() (context.Context, context.CancelFunc) {
	if b.settings.Timeout < 0 {
		return context.WithCancel(b.runCtx)
	}
	return context.WithTimeout(b.runCtx, b.settings.Timeout)
}

func lessUUID(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

func addrHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
