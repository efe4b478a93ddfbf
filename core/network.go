package core

// network.go — the P2P host and envelope transport of §6.1/§6.2. Kept the
// teacher's libp2p host/pubsub/mDNS wiring near-verbatim (NewNode,
// DialSeed, HandlePeerFound, Broadcast/Subscribe over pubsub topics); the
// teacher's block/orphan-gossip helpers (BroadcastOrphanBlock,
// SubscribeOrphanBlocks, the package-level replicatedMessages cache) are
// gone entirely — Nodalync has no blocks. ANNOUNCE records travel over
// the same pubsub topics instead, and the request/response message
// families (PREVIEW/QUERY/CHANNEL/SETTLE/PING) travel as §6.1 envelopes
// over per-request libp2p streams, a generalization of the teacher's
// peer_management.go SendAsync helper into a real round trip.

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

var netLog = logrus.New()

func init() { netLog.SetOutput(io.Discard) }

// SetNetworkLogger installs a logger for the P2P transport.
func SetNetworkLogger(l *logrus.Logger) { netLog = l }

// ProtocolID is the libp2p stream protocol envelopes travel over (§6.1).
const ProtocolID = protocol.ID("/nodalync/1.0.0")

// AnnounceTopic is the pubsub topic ANNOUNCE/ANNOUNCE_UPDATE publish to
// (§6.1 0x0100-0x011F range).
const AnnounceTopic = "nodalync/announce/v1"

// requestTimeout is §6.5 MESSAGE_TIMEOUT_MS: every outbound request
// carries a 30-second deadline (§5 "Cancellation & timeouts").
const requestTimeout = 30 * time.Second

// EnvelopeHandler dispatches an inbound envelope (already decoded, not
// yet verified) to the operations layer and returns the envelope to write
// back on the same stream. Registered once, by the node owner, at
// startup (operations.go).
type EnvelopeHandler func(from PeerID, env *Envelope) (*Envelope, error)

// Node is the engine's libp2p-backed transport: one of the three
// process-wide singletons of §9, constructed at startup and torn down on
// shutdown.
type Node struct {
	self PeerID
	host host.Host
	ps   *pubsub.PubSub
	ctx  context.Context
	stop context.CancelFunc

	peerLock sync.RWMutex
	peers    map[PeerID]*PeerRecord
	byLibp2p map[libp2pPeer.ID]PeerID

	topicLock sync.Mutex
	topics    map[string]*pubsub.Topic
	subLock   sync.Mutex
	subs      map[string]*pubsub.Subscription

	handlerMu sync.RWMutex
	handler   EnvelopeHandler
}

// NewNode creates and bootstraps a libp2p-backed node: host, gossip
// pubsub, mDNS discovery, and the envelope stream handler.
func NewNode(self PeerID, cfg Config) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("network: creating host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("network: creating pubsub: %w", err)
	}

	n := &Node{
		self:     self,
		host:     h,
		ps:       ps,
		ctx:      ctx,
		stop:     cancel,
		peers:    make(map[PeerID]*PeerRecord),
		byLibp2p: make(map[libp2pPeer.ID]PeerID),
		topics:   make(map[string]*pubsub.Topic),
		subs:     make(map[string]*pubsub.Subscription),
	}

	h.SetStreamHandler(ProtocolID, n.handleStream)

	if len(cfg.BootstrapPeers) > 0 {
		if err := n.DialSeed(cfg.BootstrapPeers); err != nil {
			netLog.Warnf("network: bootstrap dial warnings: %v", err)
		}
	}

	if err := mdns.NewMdnsService(h, cfg.DiscoveryTag, n).Start(); err != nil {
		netLog.Warnf("network: starting mDNS discovery: %v", err)
	}

	return n, nil
}

// Ensure Node implements mdns.Notifee.
var _ mdns.Notifee = (*Node)(nil)

// HandlePeerFound implements mdns.Notifee: dial a locally-discovered peer.
// The protocol PeerID it maps to is learned separately, via a PEER_INFO
// exchange (peer_management.go), once a stream is open.
func (n *Node) HandlePeerFound(info libp2pPeer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		netLog.Warnf("network: mDNS connect to %s failed: %v", info.ID, err)
		return
	}
	netLog.Infof("network: connected to %s via mDNS", info.ID)
}

// DialSeed connects to a list of bootstrap multiaddrs.
func (n *Node) DialSeed(seeds []string) error {
	var firstErr error
	for _, addr := range seeds {
		pi, err := libp2pPeer.AddrInfoFromString(addr)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("network: invalid bootstrap addr %s: %w", addr, err)
			}
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("network: dialing bootstrap %s: %w", addr, err)
			}
			continue
		}
	}
	return firstErr
}

// SetHandler installs the envelope dispatcher used for every inbound
// stream.
func (n *Node) SetHandler(h EnvelopeHandler) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.handler = h
}

// handleStream services one inbound request: read a framed envelope,
// dispatch it, write back the response envelope, close the stream. Task
// granularity is per-message-flow (§5), not per-connection — libp2p hands
// this a fresh goroutine per stream already.
func (n *Node) handleStream(s network.Stream) {
	defer s.Close()

	raw, err := readFramed(s)
	if err != nil {
		netLog.Warnf("network: reading inbound envelope: %v", err)
		return
	}
	env, err := DecodeEnvelope(raw)
	if err != nil {
		netLog.Warnf("network: decoding inbound envelope: %v", err)
		return
	}

	n.handlerMu.RLock()
	handler := n.handler
	n.handlerMu.RUnlock()
	if handler == nil {
		netLog.Warnf("network: no handler registered, dropping message type 0x%04x", env.Type)
		return
	}

	resp, err := handler(env.Header.Sender, env)
	if err != nil {
		netLog.Warnf("network: handler error: %v", err)
		return
	}
	if resp == nil {
		return
	}
	respRaw, err := EncodeEnvelope(resp)
	if err != nil {
		netLog.Warnf("network: encoding response envelope: %v", err)
		return
	}
	if err := writeFramed(s, respRaw); err != nil {
		netLog.Warnf("network: writing response envelope: %v", err)
	}
}

// SendRequest opens a stream to peer, writes env, and returns the decoded
// response envelope. Every outbound request carries the §6.5
// MESSAGE_TIMEOUT_MS deadline; on expiry the stream is reset and the
// caller gets ErrTimeout (§5 "Cancellation & timeouts" — dropping a
// request mid-flight must not mutate local channel state, a guarantee the
// caller, not this function, upholds by applying debits only after the
// response is verified).
func (n *Node) SendRequest(ctx context.Context, peer PeerID, env *Envelope) (*Envelope, error) {
	n.peerLock.RLock()
	rec, ok := n.peers[peer]
	n.peerLock.RUnlock()
	if !ok {
		return nil, ErrPeerNotFound("network: no known address for peer")
	}

	var pid libp2pPeer.ID
	if decoded, err := libp2pPeer.Decode(rec.Multiaddr); err == nil {
		pid = decoded
	} else if pi, aerr := libp2pPeer.AddrInfoFromString(rec.Multiaddr); aerr == nil {
		pid = pi.ID
	} else {
		return nil, ErrConnectionFailed("network: unresolvable peer address").Wrap(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	s, err := n.host.NewStream(reqCtx, pid, ProtocolID)
	if err != nil {
		return nil, ErrConnectionFailed("network: opening stream").Wrap(err)
	}
	defer s.Close()

	raw, err := EncodeEnvelope(env)
	if err != nil {
		return nil, fmt.Errorf("network: encoding request envelope: %w", err)
	}
	if err := writeFramed(s, raw); err != nil {
		return nil, ErrConnectionFailed("network: writing request").Wrap(err)
	}

	type result struct {
		env *Envelope
		err error
	}
	done := make(chan result, 1)
	go func() {
		respRaw, err := readFramed(s)
		if err != nil {
			done <- result{nil, err}
			return
		}
		resp, err := DecodeEnvelope(respRaw)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, ErrConnectionFailed("network: reading response").Wrap(r.err)
		}
		return r.env, nil
	case <-reqCtx.Done():
		s.Reset()
		return nil, ErrTimeout("network: request exceeded MESSAGE_TIMEOUT_MS")
	}
}

// Broadcast publishes data to a pubsub topic, joining it on first use.
func (n *Node) Broadcast(topic string, data []byte) error {
	n.topicLock.Lock()
	t, ok := n.topics[topic]
	if !ok {
		var err error
		t, err = n.ps.Join(topic)
		if err != nil {
			n.topicLock.Unlock()
			return fmt.Errorf("network: joining topic %s: %w", topic, err)
		}
		n.topics[topic] = t
	}
	n.topicLock.Unlock()
	if err := t.Publish(n.ctx, data); err != nil {
		return fmt.Errorf("network: publishing to %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns a channel of GossipMessage for topic, joining and
// subscribing on first use.
func (n *Node) Subscribe(topic string) (<-chan GossipMessage, error) {
	n.subLock.Lock()
	sub, ok := n.subs[topic]
	if !ok {
		n.topicLock.Lock()
		t, tok := n.topics[topic]
		if !tok {
			var err error
			t, err = n.ps.Join(topic)
			if err != nil {
				n.topicLock.Unlock()
				n.subLock.Unlock()
				return nil, fmt.Errorf("network: joining topic %s: %w", topic, err)
			}
			n.topics[topic] = t
		}
		n.topicLock.Unlock()

		var err error
		sub, err = t.Subscribe()
		if err != nil {
			n.subLock.Unlock()
			return nil, fmt.Errorf("network: subscribing to %s: %w", topic, err)
		}
		n.subs[topic] = sub
	}
	n.subLock.Unlock()

	out := make(chan GossipMessage)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				return
			}
			out <- GossipMessage{From: n.resolvePeer(msg.GetFrom()), Topic: topic, Data: msg.Data}
		}
	}()
	return out, nil
}

func (n *Node) resolvePeer(id libp2pPeer.ID) PeerID {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	if p, ok := n.byLibp2p[id]; ok {
		return p
	}
	return PeerID{}
}

// RegisterPeer records (or refreshes) what this node knows about a
// counterparty, learned via PEER_INFO exchange or a DHT lookup.
func (n *Node) RegisterPeer(rec PeerRecord) {
	n.peerLock.Lock()
	defer n.peerLock.Unlock()
	rec.LastSeen = wallClock.Now().Unix()
	n.peers[rec.Peer] = &rec
	if pid, err := libp2pPeer.Decode(rec.Multiaddr); err == nil {
		n.byLibp2p[pid] = rec.Peer
	}
}

// PeerRecordOf returns what this node knows about peer, if anything.
func (n *Node) PeerRecordOf(peer PeerID) (PeerRecord, bool) {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	rec, ok := n.peers[peer]
	if !ok {
		return PeerRecord{}, false
	}
	return *rec, true
}

// KnownPeers returns every peer this node currently has a record for.
func (n *Node) KnownPeers() []PeerRecord {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	out := make([]PeerRecord, 0, len(n.peers))
	for _, rec := range n.peers {
		out = append(out, *rec)
	}
	return out
}

// Self returns this node's own PeerID.
func (n *Node) Self() PeerID { return n.self }

// Close tears down the node's host and background goroutines.
func (n *Node) Close() error {
	n.stop()
	return n.host.Close()
}

//---------------------------------------------------------------------
// Stream framing: a 4-byte big-endian length prefix followed by the
// envelope bytes. The envelope's own payload-length field (§6.1) bounds
// the payload, but a stream still needs an outer frame so a reader knows
// where the signature ends without relying on stream EOF.
//---------------------------------------------------------------------

func writeFramed(w io.Writer, data []byte) error {
	bw := bufio.NewWriter(w)
	var lenBuf [4]byte
	lenBuf[0] = byte(len(data) >> 24)
	lenBuf[1] = byte(len(data) >> 16)
	lenBuf[2] = byte(len(data) >> 8)
	lenBuf[3] = byte(len(data))
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(data); err != nil {
		return err
	}
	return bw.Flush()
}

func readFramed(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	var lenBuf [4]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
	if n > MaxMessageSize+128 {
		return nil, ErrContentTooLarge("network: framed message exceeds MAX_MESSAGE_SIZE")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
