package core

// peer_management.go — peer discovery, sampling and per-peer rate
// limiting built around Node. Grounded on the teacher's PeerManagement:
// same "wrap a Node behind a capability interface" shape, here exposing
// Known/Register/Sample/Allow; Sample's Fisher-Yates shuffle over
// crypto/rand is kept verbatim. Replaced SendAsync's fire-and-forget
// stream write with Node.SendRequest's real round trip, and added the
// per-peer token-bucket quota §7 names as a Rate-limit error kind, which
// the teacher's PeerManagement never modeled.

import (
	crand "crypto/rand"
	"math/big"
	"sync"
	"time"
)

// PeerManager is the capability interface operations.go depends on,
// matching §9 "dynamic dispatch of components": callers program against
// this contract so a test double can stand in for a live libp2p Node.
type PeerManager interface {
	Known() []PeerRecord
	Register(rec PeerRecord)
	Sample(n int) []PeerID
	Allow(peer PeerID) error
}

// NetworkPeerManager is the production PeerManager, backed by a live
// Node.
type NetworkPeerManager struct {
	node    *Node
	limiter *RateLimiter
}

// NewNetworkPeerManager wraps node with discovery/sampling/rate-limiting
// helpers.
func NewNetworkPeerManager(node *Node, limiter *RateLimiter) *NetworkPeerManager {
	return &NetworkPeerManager{node: node, limiter: limiter}
}

func (pm *NetworkPeerManager) Known() []PeerRecord { return pm.node.KnownPeers() }

func (pm *NetworkPeerManager) Register(rec PeerRecord) { pm.node.RegisterPeer(rec) }

// Sample returns up to n known peers in random order, the basis of
// discovery fanout and DHT alpha-parallel lookups (§6.5 DHT_ALPHA).
func (pm *NetworkPeerManager) Sample(n int) []PeerID {
	known := pm.node.KnownPeers()
	if n > len(known) {
		n = len(known)
	}
	for i := len(known) - 1; i > 0; i-- {
		j, err := cryptoRandInt(i + 1)
		if err != nil {
			break
		}
		known[i], known[j] = known[j], known[i]
	}
	out := make([]PeerID, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, known[i].Peer)
	}
	return out
}

// Allow applies the rate-limit check of §7 ("per-peer quota exceeded",
// wire code 0x0005) before a request from peer is serviced.
func (pm *NetworkPeerManager) Allow(peer PeerID) error {
	if pm.limiter == nil {
		return nil
	}
	if !pm.limiter.Allow(peer) {
		return ErrRateLimited("peer_management: per-peer quota exceeded")
	}
	return nil
}

func cryptoRandInt(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	v, err := crand.Int(crand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

//---------------------------------------------------------------------
// Rate limiter (§7 Rate-limit error kind)
//---------------------------------------------------------------------

// RateLimiter is a per-peer token bucket: each peer accrues up to burst
// tokens, refilled at rate tokens/interval, consumed one per serviced
// request.
type RateLimiter struct {
	mu       sync.Mutex
	rate     int
	interval time.Duration
	burst    int
	buckets  map[PeerID]*bucket
}

type bucket struct {
	tokens   int
	lastFill time.Time
}

// NewRateLimiter builds a limiter allowing up to rate requests per
// interval, bursting to burst.
func NewRateLimiter(rate int, interval time.Duration, burst int) *RateLimiter {
	if burst < rate {
		burst = rate
	}
	return &RateLimiter{rate: rate, interval: interval, burst: burst, buckets: make(map[PeerID]*bucket)}
}

// Allow reports whether peer has quota remaining, consuming one token if
// so.
func (r *RateLimiter) Allow(peer PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := wallClock.Now()
	b, ok := r.buckets[peer]
	if !ok {
		b = &bucket{tokens: r.burst, lastFill: now}
		r.buckets[peer] = b
	}

	elapsed := now.Sub(b.lastFill)
	if elapsed >= r.interval {
		periods := int(elapsed / r.interval)
		b.tokens += periods * r.rate
		if b.tokens > r.burst {
			b.tokens = r.burst
		}
		b.lastFill = now
	}

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}
