package gossip

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"icn-core/crypto"
	"icn-core/identity"
	"icn-core/runtimeerr"
)

const (
	malformedPenalty       = 2
	reputationBanThreshold = -6
	banDuration            = 15 * time.Minute
	seenWindow             = 8192
)

// OverlayConfig configures an OverlayServer.
type OverlayConfig struct {
	ListenAddr  string
	Federation  string
	Signer      identity.Signer
	RatePerPeer rate.Limit
	RateBurst   int
	// Keys, when set, collects the public key each peer proves during its
	// handshake, feeding block signature verification.
	Keys *KeyDirectory
}

func (c *OverlayConfig) setDefaults() {
	if c.RatePerPeer <= 0 {
		c.RatePerPeer = 50
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 100
	}
}

// OverlayServer is the peer-to-peer NetworkService implementation: a
// JSON-framed TCP overlay with signed handshakes, topic-based pub/sub,
// and reputation/ban-score bookkeeping.
type OverlayServer struct {
	cfg  OverlayConfig
	self identity.Principal

	mu         sync.RWMutex
	peers      map[identity.Principal]*peer
	reputation map[identity.Principal]int
	banned     map[identity.Principal]time.Time

	subMu sync.Mutex
	subs  map[Topic][]*subscription

	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string

	knownMu sync.Mutex
	known   *knownPeers

	breaker *breaker

	ln net.Listener
}

// NewOverlayServer constructs an overlay server bound to cfg.ListenAddr.
func NewOverlayServer(cfg OverlayConfig) *OverlayServer {
	cfg.setDefaults()
	return &OverlayServer{
		cfg:        cfg,
		self:       cfg.Signer.Principal(),
		peers:      make(map[identity.Principal]*peer),
		reputation: make(map[identity.Principal]int),
		banned:     make(map[identity.Principal]time.Time),
		subs:       make(map[Topic][]*subscription),
		seen:       make(map[string]struct{}),
		known:      newKnownPeers(),
		breaker:    newBreaker(),
	}
}

// ListenAndServe binds the listen address and accepts inbound peers until
// ctx is cancelled.
func (s *OverlayServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.NetworkError, "gossip: listen", err)
	}
	s.ln = ln
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return runtimeerr.Wrap(runtimeerr.NetworkError, "gossip: accept", err)
			}
		}
		go s.handleInbound(conn)
	}
}

func (s *OverlayServer) handleInbound(conn net.Conn) {
	if err := s.initPeer(conn, false); err != nil {
		conn.Close()
	}
}

// Connect dials a remote overlay peer at addr and performs the signed
// handshake. Repeated failures against one address open its circuit
// breaker for a cool-down, during which Connect fails fast.
func (s *OverlayServer) Connect(addr string) error {
	if err := s.breaker.allow(addr); err != nil {
		return err
	}
	dialer := &net.Dialer{Timeout: handshakeTimeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		s.breaker.failure(addr)
		return runtimeerr.Wrap(runtimeerr.NetworkError, "gossip: dial", err)
	}
	if err := s.initPeer(conn, true); err != nil {
		conn.Close()
		s.breaker.failure(addr)
		return err
	}
	s.breaker.success(addr)
	return nil
}

func (s *OverlayServer) initPeer(conn net.Conn, persistent bool) error {
	reader := bufio.NewReader(conn)
	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return runtimeerr.Wrap(runtimeerr.NetworkError, "gossip: set handshake deadline", err)
	}
	local, err := buildHandshake(s.cfg.Federation, s.cfg.Signer)
	if err != nil {
		return err
	}
	if err := writeJSONLine(conn, local); err != nil {
		return runtimeerr.Wrap(runtimeerr.NetworkError, "gossip: send handshake", err)
	}
	var remote handshakeMessage
	if err := readJSONLine(reader, &remote); err != nil {
		return runtimeerr.Wrap(runtimeerr.NetworkError, "gossip: read handshake", err)
	}
	remotePrincipal, err := verifyHandshake(s.cfg.Federation, &remote)
	if err != nil {
		return err
	}
	if s.cfg.Keys != nil {
		if pub, err := crypto.PublicKeyFromBytes(remote.PubKey); err == nil {
			s.cfg.Keys.Add(remotePrincipal, pub)
		}
	}
	if remotePrincipal.Equal(s.self) {
		return runtimeerr.New(runtimeerr.InvalidInput, "gossip: self connection not allowed")
	}
	if s.isBanned(remotePrincipal) {
		return runtimeerr.New(runtimeerr.NetworkError, fmt.Sprintf("gossip: peer %s is banned", remotePrincipal))
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return runtimeerr.Wrap(runtimeerr.NetworkError, "gossip: clear handshake deadline", err)
	}
	p := newPeer(remotePrincipal, conn, reader, s, persistent)
	if err := s.registerPeer(p); err != nil {
		return err
	}
	s.knownMu.Lock()
	s.known.add(PexAddress{Addr: conn.RemoteAddr().String(), Principal: remotePrincipal.String()})
	s.knownMu.Unlock()
	p.start()
	return nil
}

func (s *OverlayServer) registerPeer(p *peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.peers[p.id]; exists {
		return runtimeerr.New(runtimeerr.InvalidInput, fmt.Sprintf("gossip: peer %s already connected", p.id))
	}
	s.peers[p.id] = p
	return nil
}

func (s *OverlayServer) removePeer(p *peer, ban bool, reason error) {
	s.mu.Lock()
	if cur, ok := s.peers[p.id]; ok && cur == p {
		delete(s.peers, p.id)
	}
	s.mu.Unlock()
	if ban {
		s.banPeer(p.id)
	}
}

func (s *OverlayServer) isBanned(id identity.Principal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.banned[id]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(s.banned, id)
		delete(s.reputation, id)
		return false
	}
	return true
}

func (s *OverlayServer) banPeer(id identity.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.banned[id] = time.Now().Add(banDuration)
	s.reputation[id] = reputationBanThreshold
}

func (s *OverlayServer) adjustReputation(id identity.Principal, delta int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep := s.reputation[id] + delta
	s.reputation[id] = rep
	return rep
}

func (s *OverlayServer) handleProtocolViolation(p *peer, err error) {
	rep := s.adjustReputation(p.id, -malformedPenalty)
	ban := rep <= reputationBanThreshold
	p.terminate(ban, err)
}

func (s *OverlayServer) dispatch(from identity.Principal, msg Message) {
	if msg.ID != "" && !s.markSeen(msg.ID) {
		return
	}
	if msg.Topic == TopicFederation && s.handlePex(from, msg) {
		return
	}
	s.subMu.Lock()
	subs := append([]*subscription(nil), s.subs[msg.Topic]...)
	s.subMu.Unlock()
	for _, sub := range subs {
		sub.deliver(msg)
	}
}

const pexSampleLimit = 32

// handlePex services peer-exchange traffic internally: a request is
// answered from the address book with a bounded sample, a response feeds
// the address book. Returns true when the message was consumed.
func (s *OverlayServer) handlePex(from identity.Principal, msg Message) bool {
	switch msg.Type {
	case MsgPexRequest:
		var req PexRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return true
		}
		limit := req.Limit
		if limit <= 0 || limit > pexSampleLimit {
			limit = pexSampleLimit
		}
		s.knownMu.Lock()
		sampled := s.known.sample(limit)
		s.knownMu.Unlock()
		payload, err := json.Marshal(PexAddresses{Addresses: sampled})
		if err != nil {
			return true
		}
		_ = s.SendDirect(context.Background(), PeerID(from.String()), Message{
			Topic:   TopicFederation,
			Type:    MsgPexAddresses,
			Payload: payload,
		})
		return true
	case MsgPexAddresses:
		var resp PexAddresses
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			return true
		}
		s.knownMu.Lock()
		for _, addr := range resp.Addresses {
			s.known.add(addr)
		}
		s.knownMu.Unlock()
		return true
	default:
		return false
	}
}

// KnownAddresses samples the live address book, for reconnect logic.
func (s *OverlayServer) KnownAddresses(limit int) []PexAddress {
	s.knownMu.Lock()
	defer s.knownMu.Unlock()
	return s.known.sample(limit)
}

// markSeen records a message ID, reporting false for IDs already seen. The
// window is bounded: once full, the oldest half is discarded, which at
// worst re-admits a very old duplicate that consumers reconcile against
// persisted DAG state anyway.
func (s *OverlayServer) markSeen(id string) bool {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false
	}
	if len(s.seenOrder) >= seenWindow {
		drop := s.seenOrder[:seenWindow/2]
		for _, old := range drop {
			delete(s.seen, old)
		}
		s.seenOrder = append([]string(nil), s.seenOrder[seenWindow/2:]...)
	}
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	return true
}

// Announce broadcasts msg on topic to every currently connected peer.
func (s *OverlayServer) Announce(ctx context.Context, topic Topic, msg Message) error {
	msg.Topic = topic
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	s.markSeen(msg.ID)
	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()
	for _, p := range peers {
		_ = p.enqueue(msg)
	}
	s.subMu.Lock()
	local := append([]*subscription(nil), s.subs[topic]...)
	s.subMu.Unlock()
	for _, sub := range local {
		sub.deliver(msg)
	}
	return nil
}

// Subscribe returns a bounded stream of messages announced on topic,
// including locally-originated announcements.
func (s *OverlayServer) Subscribe(ctx context.Context, topic Topic) (Stream, error) {
	sub := newSubscription()
	s.subMu.Lock()
	s.subs[topic] = append(s.subs[topic], sub)
	s.subMu.Unlock()
	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		defer s.subMu.Unlock()
		list := s.subs[topic]
		for i, cur := range list {
			if cur == sub {
				s.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}()
	return Stream{C: sub.ch, Dropped: func() uint64 { return loadDropped(sub) }}, nil
}

// Peers returns the currently connected peer set.
func (s *OverlayServer) Peers() []PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerID, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, PeerID(id.String()))
	}
	return out
}

// SendDirect delivers msg to a single named peer.
func (s *OverlayServer) SendDirect(ctx context.Context, peerID PeerID, msg Message) error {
	target, err := identity.ParseDID(string(peerID))
	if err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	s.mu.RLock()
	p, ok := s.peers[target]
	s.mu.RUnlock()
	if !ok {
		return runtimeerr.New(runtimeerr.NotFound, "gossip: peer not connected")
	}
	return p.enqueue(msg)
}
