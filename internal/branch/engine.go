package branch

import (
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"branchnet/internal/config"
	"branchnet/internal/network"
	"branchnet/internal/proto"
	"branchnet/internal/result"
)

const (
	advErrorDelay   = 100 * time.Millisecond
	logInterval     = time.Minute
	advReceiveSlack = 1
)

// PeerState is the progress of the engine with one remote branch.
type PeerState int

const (
	StateDiscovered PeerState = iota
	StateQuerying
	StateQueried
	StateConnecting
	StateConnected
)

func (s PeerState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateQuerying:
		return "querying"
	case StateQueried:
		return "queried"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

type remote struct {
	id    uuid.UUID
	addr  string
	state PeerState
	conn  network.Conn
	seen  time.Time
	// fallback marks a dial by the higher uuid after the lower one stayed
	// silent. An incoming connection from the peer replaces it.
	fallback bool
}

func (b *Branch) start() {
	b.group.Go(b.acceptLoop)
	b.group.Go(b.receiveAdvertisements)
	if !b.settings.GhostMode && b.settings.AdvertisingInterval != config.Infinite {
		b.group.Go(b.sendAdvertisements)
	}
}

func (b *Branch) acceptLoop() error {
	for {
		c, err := b.ln.Accept(b.runCtx)
		if err != nil {
			if b.runCtx.Err() != nil || errors.Is(err, result.Canceled) {
				return nil
			}
			b.log.Error("accepting connection failed, no more connections will be accepted", result.Field(err))
			return nil
		}
		if !b.trackConn(c) {
			return nil
		}
		b.group.Go(func() error {
			b.handshake(c, nil)
			return nil
		})
	}
}

func (b *Branch) sendAdvertisements() error {
	pkt := proto.EncodeAdvertisement(b.advertisement())
	t := time.NewTicker(b.settings.AdvertisingInterval)
	defer t.Stop()
	for {
		if err := b.adv.Send(pkt); err != nil {
			if b.runCtx.Err() != nil {
				return nil
			}
			b.limiter.RateLimited(b.log, "adv-send", logInterval, "sending advertisement failed", result.Field(err))
		} else {
			b.metrics.IncAdvSent()
		}
		select {
		case <-b.runCtx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (b *Branch) receiveAdvertisements() error {
	buf := make([]byte, proto.AdvertisingSize+advReceiveSlack)
	lastSweep := time.Now()
	for {
		n, from, err := b.adv.Receive(buf)
		if err != nil {
			if b.runCtx.Err() != nil || errors.Is(err, result.Canceled) {
				return nil
			}
			b.limiter.RateLimited(b.log, "adv-receive", logInterval, "receiving advertisement failed", result.Field(err))
			select {
			case <-b.runCtx.Done():
				return nil
			case <-time.After(advErrorDelay):
			}
			continue
		}
		if time.Since(lastSweep) > b.blacklist.TTL() {
			b.sweep()
			lastSweep = time.Now()
		}
		adv, err := proto.DecodeAdvertisement(buf[:n])
		if err == nil {
			err = adv.CheckVersion(b.consts.VersionMajor)
		}
		if err != nil {
			b.metrics.IncAdvInvalid()
			b.limiter.RateLimited(b.log, "adv-invalid:"+addrHost(from), logInterval,
				"ignoring invalid advertisement", zap.Stringer("from", from), result.Field(err))
			continue
		}
		if adv.UUID == b.id {
			continue
		}
		b.metrics.IncAdvReceived()
		b.onAdvertisement(adv, from)
	}
}

// sweep drops expired blacklist entries and discovered branches that
// never connected to us within the blacklist lifetime.
func (b *Branch) sweep() {
	b.blacklist.Sweep()
	cutoff := time.Now().Add(-b.blacklist.TTL())
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, r := range b.remotes {
		if r.state == StateDiscovered && r.seen.Before(cutoff) {
			delete(b.remotes, id)
		}
	}
}

// onAdvertisement registers a newly seen branch. Only the branch with the
// lower UUID dials, so a pair of branches builds one connection; ghost
// branches and branches that do not advertise always dial since nobody
// discovers them. The higher UUID dials as well when the peer has not
// connected within two advertising intervals.
func (b *Branch) onAdvertisement(adv proto.Advertisement, from net.Addr) {
	if b.blacklist.Contains(adv.UUID) {
		return
	}
	ip, zone := udpIP(from)
	addr := (&net.TCPAddr{IP: ip, Port: int(adv.Port), Zone: zone}).String()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if r, ok := b.remotes[adv.UUID]; ok {
		r.seen = time.Now()
		b.mu.Unlock()
		return
	}
	r := &remote{id: adv.UUID, addr: addr, state: StateDiscovered, seen: time.Now()}
	dial := b.settings.GhostMode || b.settings.AdvertisingInterval == config.Infinite || lessUUID(b.id, adv.UUID)
	if dial {
		r.state = StateQuerying
	}
	b.remotes[adv.UUID] = r
	b.mu.Unlock()

	b.metrics.IncDiscovered()
	b.log.Info("branch discovered", zap.Stringer("uuid", adv.UUID), zap.String("addr", addr), zap.Bool("dial", dial))
	b.emit(EventBranchDiscovered, nil, &DiscoveredInfo{
		ID:               adv.UUID,
		TCPServerAddress: ip.String(),
		TCPServerPort:    int(adv.Port),
	})
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if !dial {
		b.group.Go(func() error {
			b.dialIfSilent(r, 2*b.settings.AdvertisingInterval)
			return nil
		})
		return
	}
	b.group.Go(func() error {
		b.dialRemote(r)
		return nil
	})
}

// dialIfSilent dials r once grace has passed without r connecting to us.
func (b *Branch) dialIfSilent(r *remote, grace time.Duration) {
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-b.runCtx.Done():
		return
	case <-t.C:
	}
	b.mu.Lock()
	if b.closed || b.remotes[r.id] != r || r.state != StateDiscovered || r.conn != nil {
		b.mu.Unlock()
		return
	}
	r.state = StateQuerying
	r.fallback = true
	b.mu.Unlock()
	b.log.Debug("branch did not connect, dialing it", zap.Stringer("uuid", r.id), zap.Duration("grace", grace))
	b.dialRemote(r)
}

func (b *Branch) dialRemote(r *remote) {
	ctx, cancel := b.timeoutContext()
	c, err := b.dialer.Dial(ctx, r.addr)
	cancel()
	if err != nil {
		if !b.superseded(r, nil) {
			b.queryFailed(r.id, err)
		}
		return
	}
	if !b.trackConn(c) {
		return
	}
	b.mu.Lock()
	if r.conn != nil {
		b.mu.Unlock()
		b.dropConn(c)
		return
	}
	r.conn = c
	b.mu.Unlock()
	b.handshake(c, r)
}

// superseded reports whether c no longer is the connection of r because
// an incoming connection replaced a fallback dial.
func (b *Branch) superseded(r *remote, c network.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return r.conn != c
}

// queryFailed reports a failed query of a branch we dialed. The branch is
// blacklisted so it is only retried after the entry expires.
func (b *Branch) queryFailed(id uuid.UUID, err error) {
	b.forget(id)
	b.blacklist.Add(id, err)
	b.metrics.IncQuery(false)
	b.log.Warn("querying branch failed", zap.Stringer("uuid", id), result.Field(err))
	b.emit(EventBranchQueried, err, nil)
}

func (b *Branch) forget(id uuid.UUID) {
	b.mu.Lock()
	delete(b.remotes, id)
	b.mu.Unlock()
}

// setState advances r unless c has been replaced meanwhile.
func (b *Branch) setState(r *remote, c network.Conn, st PeerState) {
	b.mu.Lock()
	if r.conn == c {
		r.state = st
	}
	b.mu.Unlock()
}

func udpIP(addr net.Addr) (net.IP, string) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP, a.Zone
	case *net.TCPAddr:
		return a.IP, a.Zone
	}
	return net.ParseIP(addrHost(addr)), ""
}
