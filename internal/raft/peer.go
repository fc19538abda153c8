package raft

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"quorumkv/internal/metrics"
)

type PeerState int

const (
	PeerDisconnected PeerState = iota
	PeerResolving
	PeerConnecting
	PeerConnected
	PeerConnectError
)

func (s PeerState) String() string {
	switch s {
	case PeerDisconnected:
		return "disconnected"
	case PeerResolving:
		return "resolving"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerConnectError:
		return "connect_error"
	default:
		return "unknown"
	}
}

// idle states are the only ones Connect acts on; everything else means a
// connection attempt is in flight or established.
func (s PeerState) idle() bool {
	return s == PeerDisconnected || s == PeerConnectError
}

// Peer tracks one remote node's connection lifecycle plus the progress of an
// outbound snapshot transfer. All fields are guarded by the manager's mutex;
// async resolve/dial callbacks re-check terminating before touching state.
type Peer struct {
	ID   uint64
	Addr NodeAddr

	state       PeerState
	terminating bool
	conn        *grpc.ClientConn

	snapInProgress bool
	snapIndex      uint64
	snapLastPush   time.Time
	snapCancel     context.CancelFunc
}

func (p *Peer) State() PeerState { return p.state }

// resolverFunc turns a hostname into a dialable IP. Injectable for tests.
type resolverFunc func(ctx context.Context, host string) (string, error)

// dialerFunc opens a gRPC connection to a resolved target. Injectable for tests.
type dialerFunc func(target string) (*grpc.ClientConn, error)

func defaultResolver(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("resolve %s: no addresses", host)
	}
	return addrs[0], nil
}

func defaultDialer(target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(RawCodecName)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// peerManager owns every Peer. Connection attempts run asynchronously; the
// processing goroutine drives retries from its tick via ConnectIdle.
type peerManager struct {
	mu     sync.Mutex
	selfID uint64
	peers  map[uint64]*Peer

	resolve resolverFunc
	dial    dialerFunc

	// onSendFailure runs outside the lock after a mid-life send error, so the
	// engine can report the peer unreachable to the consensus core.
	onSendFailure func(id uint64)
}

func newPeerManager(selfID uint64, resolve resolverFunc, dial dialerFunc) *peerManager {
	if resolve == nil {
		resolve = defaultResolver
	}
	if dial == nil {
		dial = defaultDialer
	}
	return &peerManager{
		selfID:  selfID,
		peers:   make(map[uint64]*Peer),
		resolve: resolve,
		dial:    dial,
	}
}

// Upsert registers a peer or updates its address. An address change tears the
// existing connection down so the next tick reconnects to the new one.
func (m *peerManager) Upsert(id uint64, addr NodeAddr) {
	if id == m.selfID {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[id]
	if !ok {
		m.peers[id] = &Peer{ID: id, Addr: addr}
		metrics.RaftPeersTotal.Set(float64(len(m.peers)))
		return
	}
	if p.Addr != addr {
		p.Addr = addr
		m.releaseLocked(p)
		p.state = PeerDisconnected
		p.terminating = false
	}
}

// Remove terminates and forgets a peer. Safe from any peer state.
func (m *peerManager) Remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[id]
	if !ok {
		return
	}
	p.terminating = true
	m.releaseLocked(p)
	delete(m.peers, id)
	metrics.RaftPeersTotal.Set(float64(len(m.peers)))
}

// ConnectIdle starts a connection attempt for every idle peer. Called once
// per reconnect interval; a peer that fails to connect waits for the next
// call rather than retrying inline.
func (m *peerManager) ConnectIdle() {
	m.mu.Lock()
	var starting []*Peer
	for _, p := range m.peers {
		if p.state.idle() && !p.terminating {
			p.state = PeerResolving
			starting = append(starting, p)
		}
	}
	m.mu.Unlock()

	for _, p := range starting {
		go m.connect(p)
	}
}

// connect resolves then dials. Every failure path lands in PeerConnectError
// with no retry here; a terminating peer silently drops out at each step.
func (m *peerManager) connect(p *Peer) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ip, err := m.resolve(ctx, p.Addr.Host)

	m.mu.Lock()
	if p.terminating {
		m.mu.Unlock()
		return
	}
	if err != nil {
		p.state = PeerConnectError
		m.mu.Unlock()
		slog.Warn("peer resolve failed", "peer", p.ID, "host", p.Addr.Host, "error", err)
		return
	}
	p.state = PeerConnecting
	m.mu.Unlock()

	target := net.JoinHostPort(ip, fmt.Sprint(p.Addr.Port))
	conn, err := m.dial(target)

	m.mu.Lock()
	if p.terminating {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		p.state = PeerConnectError
		m.mu.Unlock()
		slog.Warn("peer dial failed", "peer", p.ID, "target", target, "error", err)
		return
	}
	p.conn = conn
	p.state = PeerConnected
	m.mu.Unlock()

	slog.Info("peer connected", "peer", p.ID, "target", target)
	m.updateConnectedGauge()
}

// Conn returns the live connection for a peer, or an error when the peer is
// unknown or not connected.
func (m *peerManager) Conn(id uint64) (*grpc.ClientConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[id]
	if !ok {
		return nil, fmt.Errorf("unknown peer %d", id)
	}
	if p.state != PeerConnected || p.conn == nil {
		return nil, fmt.Errorf("peer %d not connected (%s)", id, p.state)
	}
	return p.conn, nil
}

// SendFailed transitions a connected peer to the error state, releasing the
// connection and cancelling any in-flight snapshot push.
func (m *peerManager) SendFailed(id uint64) {
	m.mu.Lock()
	p, ok := m.peers[id]
	if !ok || p.state != PeerConnected {
		m.mu.Unlock()
		return
	}
	m.releaseLocked(p)
	p.state = PeerConnectError
	cb := m.onSendFailure
	m.mu.Unlock()

	metrics.RaftMessageErrors.WithLabelValues(fmt.Sprint(id)).Inc()
	m.updateConnectedGauge()
	if cb != nil {
		cb(id)
	}
}

// releaseLocked drops the connection and snapshot-push state. Caller holds mu.
func (m *peerManager) releaseLocked(p *Peer) {
	if p.snapCancel != nil {
		p.snapCancel()
		p.snapCancel = nil
	}
	p.snapInProgress = false
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

func (m *peerManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.peers {
		p.terminating = true
		m.releaseLocked(p)
		p.state = PeerDisconnected
	}
}

func (m *peerManager) Get(id uint64) *Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[id]
}

func (m *peerManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

func (m *peerManager) updateConnectedGauge() {
	m.mu.Lock()
	connected := 0
	for _, p := range m.peers {
		if p.state == PeerConnected {
			connected++
		}
	}
	m.mu.Unlock()
	metrics.RaftPeersConnected.Set(float64(connected))
}
