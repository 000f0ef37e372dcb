package branch

import (
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"branchnet/internal/crypto"
	"branchnet/internal/network"
	"branchnet/internal/proto"
	"branchnet/internal/result"
)

// handshake drives a new connection from the info exchange to a live
// session. r is the dialed branch, or nil for accepted connections.
func (b *Branch) handshake(c network.Conn, r *remote) {
	outbound := r != nil
	info, err := b.exchangeInfo(c)
	if err == nil && info.UUID == b.id {
		err = result.LoopbackConnection
	}
	if err == nil && outbound && info.UUID != r.id {
		err = result.New(result.DeserializeMsgFailed, "branch answered with unexpected uuid",
			"want", r.id, "got", info.UUID)
	}
	if err != nil {
		b.dropConn(c)
		if outbound {
			if !b.superseded(r, c) {
				b.queryFailed(r.id, err)
			}
			return
		}
		b.log.Debug("incoming connection failed", zap.Stringer("from", c.RemoteAddr()), result.Field(err))
		return
	}
	if !outbound {
		var ok bool
		if r, ok = b.adoptIncoming(c, info); !ok {
			b.log.Debug("dropping duplicate connection", zap.Stringer("uuid", info.UUID))
			b.dropConn(c)
			return
		}
	} else if b.superseded(r, c) {
		b.dropConn(c)
		return
	}

	b.setState(r, c, StateQueried)
	b.metrics.IncQuery(true)
	b.log.Debug("branch queried", zap.Stringer("uuid", info.UUID), zap.String("name", info.Name))
	b.emit(EventBranchQueried, nil, &QueriedInfo{RemoteBranchInfo: info})

	if b.settings.GhostMode || info.GhostMode {
		b.dropConn(c)
		b.forget(info.UUID)
		if outbound {
			b.blacklist.Add(info.UUID, nil)
		}
		return
	}

	b.setState(r, c, StateConnecting)
	if err := b.checkRemote(info); err != nil {
		b.connectFailed(c, r, err)
		return
	}
	keys, err := b.authenticate(c, info.UUID)
	if err != nil {
		b.connectFailed(c, r, err)
		return
	}
	s, err := b.promote(c, r, info, keys)
	if err != nil {
		b.connectFailed(c, r, err)
		return
	}
	b.metrics.IncConnectOK()
	b.log.Info("branch connected",
		zap.Stringer("uuid", info.UUID),
		zap.String("name", info.Name),
		zap.String("path", info.Path))
	connected := info
	b.emit(EventConnectFinished, nil, &ConnectFinishedInfo{ID: info.UUID, Info: &connected})
	s.start()
}

// exchangeInfo sends our info message, reads the peer's and confirms
// both with an ack byte.
func (b *Branch) exchangeInfo(c network.Conn) (RemoteBranchInfo, error) {
	if err := c.SetDeadline(network.Deadline(b.settings.Timeout)); err != nil {
		return RemoteBranchInfo{}, result.Wrap(result.SetSocketOptionFailed, err)
	}
	msg, err := proto.EncodeInfoMessage(b.infoMessage())
	if err != nil {
		return RemoteBranchInfo{}, err
	}
	if err := proto.WriteFull(c, msg); err != nil {
		return RemoteBranchInfo{}, err
	}
	m, err := proto.ReadInfoMessage(c, b.consts.VersionMajor, b.consts.MaxMessageSize)
	if err != nil {
		return RemoteBranchInfo{}, err
	}
	if err := proto.WriteAck(c); err != nil {
		return RemoteBranchInfo{}, err
	}
	if err := proto.ReadAck(c); err != nil {
		return RemoteBranchInfo{}, err
	}
	return remoteInfoFrom(m, addrHost(c.RemoteAddr())), nil
}

// adoptIncoming attaches an accepted connection to its branch. It fails
// when the branch already has a connection in progress or established,
// unless that is our fallback dial and the peer has the lower uuid.
func (b *Branch) adoptIncoming(c network.Conn, info RemoteBranchInfo) (*remote, bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, false
	}
	if _, ok := b.sessions[info.UUID]; ok {
		b.mu.Unlock()
		return nil, false
	}
	if r, ok := b.remotes[info.UUID]; ok {
		defer b.mu.Unlock()
		switch {
		case r.conn == nil && r.state == StateDiscovered:
		case r.fallback && r.state < StateConnected && lessUUID(info.UUID, b.id):
			if r.conn != nil {
				_ = r.conn.Close()
			}
			r.fallback = false
		default:
			return nil, false
		}
		r.conn = c
		r.state = StateQuerying
		return r, true
	}
	ip, zone := udpIP(c.RemoteAddr())
	r := &remote{
		id:    info.UUID,
		addr:  (&net.TCPAddr{IP: ip, Port: info.TCPServerPort, Zone: zone}).String(),
		state: StateQuerying,
		conn:  c,
	}
	b.remotes[info.UUID] = r
	b.mu.Unlock()

	b.metrics.IncDiscovered()
	b.log.Info("branch discovered through incoming connection", zap.Stringer("uuid", info.UUID), zap.String("addr", r.addr))
	b.emit(EventBranchDiscovered, nil, &DiscoveredInfo{
		ID:               info.UUID,
		TCPServerAddress: info.TCPServerAddress,
		TCPServerPort:    info.TCPServerPort,
	})
	return r, true
}

// checkRemote rejects branches of another network and branches whose
// name or path is already taken locally or by a connected branch.
func (b *Branch) checkRemote(info RemoteBranchInfo) error {
	if info.NetworkName != b.settings.NetworkName {
		return result.New(result.NetNameMismatch, "", "local", b.settings.NetworkName, "remote", info.NetworkName)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if info.Name == b.settings.Name {
		return result.New(result.DuplicateBranchName, "", "name", info.Name)
	}
	for _, s := range b.sessions {
		if s.info.Name == info.Name {
			return result.New(result.DuplicateBranchName, "", "name", info.Name, "holder", s.id)
		}
	}
	return b.checkPathLocked(info)
}

func (b *Branch) checkPathLocked(info RemoteBranchInfo) error {
	if info.Path == b.settings.Path {
		return result.New(result.DuplicateBranchPath, "", "path", info.Path)
	}
	for _, s := range b.sessions {
		if s.info.Path == info.Path {
			return result.New(result.DuplicateBranchPath, "", "path", info.Path, "holder", s.id)
		}
	}
	return nil
}

// authenticate proves knowledge of the network password in both
// directions without sending it. Solutions are bound to the uuids of the
// solver and the verifier. It then derives the session keys from the
// password hash and both challenges.
func (b *Branch) authenticate(c network.Conn, remoteID uuid.UUID) (crypto.SessionKeys, error) {
	if err := c.SetDeadline(network.Deadline(b.settings.Timeout)); err != nil {
		return crypto.SessionKeys{}, result.Wrap(result.SetSocketOptionFailed, err)
	}
	challenge, err := crypto.NewChallenge()
	if err != nil {
		return crypto.SessionKeys{}, result.Wrap(result.Unknown, err)
	}
	if err := proto.WriteFull(c, challenge); err != nil {
		return crypto.SessionKeys{}, err
	}
	remoteChallenge, err := proto.ReadFixed(c, proto.ChallengeSize)
	if err != nil {
		return crypto.SessionKeys{}, err
	}
	solution, err := crypto.Solve(remoteChallenge, b.pwHash, b.id, remoteID)
	if err != nil {
		return crypto.SessionKeys{}, result.Wrap(result.Unknown, err)
	}
	if err := proto.WriteFull(c, solution); err != nil {
		return crypto.SessionKeys{}, err
	}
	remoteSolution, err := proto.ReadFixed(c, proto.SolutionSize)
	if err != nil {
		return crypto.SessionKeys{}, err
	}
	if !crypto.VerifySolution(challenge, b.pwHash, remoteID, b.id, remoteSolution) {
		return crypto.SessionKeys{}, result.PasswordMismatch
	}
	if err := proto.WriteAck(c); err != nil {
		return crypto.SessionKeys{}, err
	}
	if err := proto.ReadAck(c); err != nil {
		return crypto.SessionKeys{}, err
	}

	first := lessUUID(b.id, remoteID)
	transcript := append(append([]byte(nil), challenge...), remoteChallenge...)
	if !first {
		transcript = append(append([]byte(nil), remoteChallenge...), challenge...)
	}
	keys, err := crypto.DeriveSessionKeys(b.pwHash, transcript)
	if err != nil {
		return crypto.SessionKeys{}, result.Wrap(result.Unknown, err)
	}
	if !first {
		keys = keys.Reverse()
	}
	return keys, nil
}

// promote turns an authenticated connection into a session. The path is
// checked again since another handshake may have finished meanwhile.
func (b *Branch) promote(c network.Conn, r *remote, info RemoteBranchInfo, keys crypto.SessionKeys) (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, result.Canceled
	}
	if r.conn != c {
		return nil, result.New(result.Canceled, "connection replaced")
	}
	if err := b.checkPathLocked(info); err != nil {
		return nil, err
	}
	s := newSession(b, c, info, keys)
	b.sessions[info.UUID] = s
	b.order = append(b.order, info.UUID)
	r.state = StateConnected
	return s, nil
}

// connectFailed closes a connection that passed the query but could not
// be promoted. Both sides blacklist each other until rediscovery.
func (b *Branch) connectFailed(c network.Conn, r *remote, err error) {
	b.dropConn(c)
	if b.superseded(r, c) {
		return
	}
	id := r.id
	b.forget(id)
	b.blacklist.Add(id, err)
	b.metrics.IncConnectFailed(result.CodeOf(err).Description())
	b.log.Warn("connecting to branch failed", zap.Stringer("uuid", id), result.Field(err))
	b.emit(EventConnectFinished, err, &ConnectFinishedInfo{ID: id})
}
