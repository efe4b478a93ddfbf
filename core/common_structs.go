// Package core implements the Nodalync protocol engine: the content model,
// provenance graph, wire codec, payment-channel state machine, revenue
// economics and settlement-batch queue. Higher layers (CLI, MCP bridge,
// desktop UI, the concrete DHT transport) are external collaborators and
// live outside this module.
package core

// common_structs.go — centralised struct and enum definitions referenced
// across the engine. Declares data shapes only; behaviour lives in the
// file named after the concern (crypto.go, channel.go, economics.go, ...).
// Keeping the shapes in one place avoids import cycles between the
// concern-specific files, the same convention the teacher codebase used.

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"
)

//---------------------------------------------------------------------
// Identifiers
//---------------------------------------------------------------------

// Hash is a content-addressed identifier: SHA-256 of a domain-separated
// preimage. Opaque bytes — no human encoding is defined.
type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }
func (h Hash) IsZero() bool   { return h == Hash{} }

// PeerID is the first 20 bytes of H(0x00‖public_key) — a node's persistent
// protocol identity, independent of any transport-level address.
type PeerID [20]byte

func (p PeerID) String() string { return fmt.Sprintf("%x", p[:]) }
func (p PeerID) IsZero() bool   { return p == PeerID{} }

// ChannelID identifies a bilateral payment channel.
type ChannelID [32]byte

func (c ChannelID) String() string { return fmt.Sprintf("%x", c[:]) }

//---------------------------------------------------------------------
// Content-type hierarchy
//---------------------------------------------------------------------

type ContentType uint8

const (
	ContentL0 ContentType = iota
	ContentL1
	ContentL2
	ContentL3
)

func (t ContentType) String() string {
	switch t {
	case ContentL0:
		return "L0"
	case ContentL1:
		return "L1"
	case ContentL2:
		return "L2"
	case ContentL3:
		return "L3"
	default:
		return "unknown"
	}
}

func (t ContentType) Valid() bool { return t <= ContentL3 }

// Visibility governs who may preview/query a manifest.
type Visibility uint8

const (
	VisibilityPrivate Visibility = iota
	VisibilityUnlisted
	VisibilityShared
)

func (v Visibility) Valid() bool { return v <= VisibilityShared }

//---------------------------------------------------------------------
// Provenance root set
//---------------------------------------------------------------------

// RootEntry is one member of a content item's flattened root_L0L1 set: an
// L0 or L1 ancestor, the visibility it had when folded into the set, and
// the accumulated path-weight through which it was reached.
type RootEntry struct {
	Hash       Hash        `cbor:"1,keyasint" json:"hash"`
	Owner      PeerID      `cbor:"2,keyasint" json:"owner"`
	Visibility Visibility  `cbor:"3,keyasint" json:"visibility"`
	Weight     uint64      `cbor:"4,keyasint" json:"weight"`
	Type       ContentType `cbor:"5,keyasint" json:"type"`
}

//---------------------------------------------------------------------
// Metadata & economics
//---------------------------------------------------------------------

type Metadata struct {
	Title       string   `cbor:"1,keyasint" json:"title"`
	Description string   `cbor:"2,keyasint" json:"description"`
	Tags        []string `cbor:"3,keyasint" json:"tags"`
	ContentSize uint64   `cbor:"4,keyasint" json:"content_size"`
	MIME        string   `cbor:"5,keyasint" json:"mime,omitempty"`
}

const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 2000
	MaxTagCount       = 20
	MaxTagLen         = 50
)

type Economics struct {
	Price        uint64 `cbor:"1,keyasint" json:"price"`
	Currency     string `cbor:"2,keyasint" json:"currency"`
	TotalQueries uint64 `cbor:"3,keyasint" json:"total_queries"`
	TotalRevenue uint64 `cbor:"4,keyasint" json:"total_revenue"`
}

// AccessControl captures the allow/deny lists and bond requirement
// evaluated by access validation.
type AccessControl struct {
	Allowlist    []PeerID `cbor:"1,keyasint" json:"allowlist,omitempty"`
	Denylist     []PeerID `cbor:"2,keyasint" json:"denylist,omitempty"`
	BondRequired uint64   `cbor:"3,keyasint" json:"bond_required,omitempty"`
}

//---------------------------------------------------------------------
// Manifest
//---------------------------------------------------------------------

type Manifest struct {
	Hash        Hash          `cbor:"1,keyasint" json:"hash"`
	ContentType ContentType   `cbor:"2,keyasint" json:"content_type"`
	Owner       PeerID        `cbor:"3,keyasint" json:"owner"`
	Version     uint64        `cbor:"4,keyasint" json:"version"`
	Previous    *Hash         `cbor:"5,keyasint" json:"previous,omitempty"`
	Root        Hash          `cbor:"6,keyasint" json:"root"`
	Visibility  Visibility    `cbor:"7,keyasint" json:"visibility"`
	Access      AccessControl `cbor:"8,keyasint" json:"access"`
	Economics   Economics     `cbor:"9,keyasint" json:"economics"`
	DerivedFrom []Hash        `cbor:"10,keyasint" json:"derived_from,omitempty"`
	RootL0L1    []RootEntry   `cbor:"11,keyasint" json:"root_l0l1,omitempty"`
	Depth       uint32        `cbor:"12,keyasint" json:"depth"`
	Metadata    Metadata      `cbor:"13,keyasint" json:"metadata"`
	CreatedAt   int64         `cbor:"14,keyasint" json:"created_at"`
	UpdatedAt   int64         `cbor:"15,keyasint" json:"updated_at"`
}

// Clone returns a deep-enough copy for safe mutation by callers — stores
// must never hand out internal slices.
func (m *Manifest) Clone() *Manifest {
	cp := *m
	if m.Previous != nil {
		p := *m.Previous
		cp.Previous = &p
	}
	cp.DerivedFrom = append([]Hash(nil), m.DerivedFrom...)
	cp.RootL0L1 = append([]RootEntry(nil), m.RootL0L1...)
	cp.Metadata.Tags = append([]string(nil), m.Metadata.Tags...)
	cp.Access.Allowlist = append([]PeerID(nil), m.Access.Allowlist...)
	cp.Access.Denylist = append([]PeerID(nil), m.Access.Denylist...)
	return &cp
}

//---------------------------------------------------------------------
// Channel state machine
//---------------------------------------------------------------------

type ChannelState uint8

const (
	ChannelOpening ChannelState = iota
	ChannelOpen
	ChannelClosing
	ChannelDisputed
	ChannelClosed
)

// ChallengePeriod is the dispute-resolution window.
const ChallengePeriod = 24 * time.Hour

// ChannelBalances is the replaceable state a channel update carries — the
// nonce'd pair, not a delta.
type ChannelBalances struct {
	ChannelID        ChannelID `cbor:"1,keyasint" json:"channel_id"`
	Nonce            uint64    `cbor:"2,keyasint" json:"nonce"`
	InitiatorBalance uint64    `cbor:"3,keyasint" json:"initiator_balance"`
	ResponderBalance uint64    `cbor:"4,keyasint" json:"responder_balance"`
}

// SignedChannelState pairs a balances snapshot with up to two signatures.
// A single signature is acceptable as dispute evidence; cooperative close
// and normal updates require both.
type SignedChannelState struct {
	Balances     ChannelBalances `cbor:"1,keyasint" json:"balances"`
	InitiatorSig []byte          `cbor:"2,keyasint" json:"initiator_sig,omitempty"`
	ResponderSig []byte          `cbor:"3,keyasint" json:"responder_sig,omitempty"`
}

type Channel struct {
	ID               ChannelID           `json:"id"`
	Initiator        PeerID              `json:"initiator"`
	Responder        PeerID              `json:"responder"`
	InitiatorBalance uint64              `json:"initiator_balance"`
	ResponderBalance uint64              `json:"responder_balance"`
	FundedTotal      uint64              `json:"funded_total"`
	Nonce            uint64              `json:"nonce"`
	State            ChannelState        `json:"state"`
	DisputeStartedAt int64               `json:"dispute_started_at,omitempty"`
	DisputedState    *SignedChannelState `json:"disputed_state,omitempty"`
	OpenedAt         int64               `json:"opened_at"`
	ClosedAt         int64               `json:"closed_at,omitempty"`
}

func (c *Channel) Clone() *Channel {
	cp := *c
	if c.DisputedState != nil {
		ds := *c.DisputedState
		cp.DisputedState = &ds
	}
	return &cp
}

// CounterpartyBalance returns the balance held by the peer that is not
// `who`.
func (c *Channel) CounterpartyBalance(who PeerID) uint64 {
	if who == c.Initiator {
		return c.ResponderBalance
	}
	return c.InitiatorBalance
}

//---------------------------------------------------------------------
// Payments & receipts
//---------------------------------------------------------------------

type Payment struct {
	QueryHash  Hash        `cbor:"1,keyasint" json:"query_hash"`
	Payer      PeerID      `cbor:"2,keyasint" json:"payer"`
	Recipient  PeerID      `cbor:"3,keyasint" json:"recipient"`
	Amount     uint64      `cbor:"4,keyasint" json:"amount"`
	ChannelID  ChannelID   `cbor:"5,keyasint" json:"channel_id"`
	Nonce      uint64      `cbor:"6,keyasint" json:"nonce"`
	Provenance []RootEntry `cbor:"7,keyasint" json:"provenance"`
	Timestamp  int64       `cbor:"8,keyasint" json:"timestamp"`
	Signature  []byte      `cbor:"9,keyasint" json:"signature"`
}

type PaymentReceipt struct {
	Payment         Payment `cbor:"1,keyasint" json:"payment"`
	ContentHash     Hash    `cbor:"2,keyasint" json:"content_hash"`
	ServerSignature []byte  `cbor:"3,keyasint" json:"server_signature"`
	IssuedAt        int64   `cbor:"4,keyasint" json:"issued_at"`
}

//---------------------------------------------------------------------
// Settlement queue & batches
//---------------------------------------------------------------------

type QueuedDistribution struct {
	ID         string `json:"id"`
	Recipient  PeerID `json:"recipient"`
	Amount     uint64 `json:"amount"`
	SourceHash Hash   `json:"source_hash"`
	BatchID    string `json:"batch_id,omitempty"`
	SettledAt  *int64 `json:"settled_at,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

type AggregatedEntry struct {
	Recipient PeerID `cbor:"1,keyasint" json:"recipient"`
	Amount    uint64 `cbor:"2,keyasint" json:"amount"`
}

type SettlementBatch struct {
	ID         string            `json:"id"`
	MerkleRoot [32]byte          `json:"merkle_root"`
	Entries    []AggregatedEntry `json:"entries"`
	CreatedAt  int64             `json:"created_at"`
	Confirmed  bool              `json:"confirmed"`
}

//---------------------------------------------------------------------
// Config
//---------------------------------------------------------------------

// Config is the minimal process configuration the engine itself needs.
// Key material at rest, platform data directories and desktop/CLI
// preferences belong to the external collaborators that wrap this module.
type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
	DefaultDeposit uint64
	MinDeposit     uint64
	BlobDir        string
	WALPath        string
	SnapshotPath   string
	CacheEntries   int
	BatchThreshold uint64
	BatchInterval  time.Duration
}

//---------------------------------------------------------------------
// Generic capability interfaces
//---------------------------------------------------------------------

// StateIterator walks key/value pairs under a prefix, in the same shape as
// the teacher's ledger iterator.
type StateIterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
}

// clock is overridable in tests; production code uses wallClock.
type clock interface{ Now() time.Time }

type wallClockT struct{}

func (wallClockT) Now() time.Time { return time.Now() }

var wallClock clock = wallClockT{}

// namedMutexes guards per-key critical sections (per-manifest and
// per-channel serialization). Keys are hex-encoded hashes/channel IDs.
type namedMutexes struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newNamedMutexes() *namedMutexes { return &namedMutexes{m: make(map[string]*sync.Mutex)} }

func (n *namedMutexes) Lock(key string) func() {
	n.mu.Lock()
	l, ok := n.m[key]
	if !ok {
		l = &sync.Mutex{}
		n.m[key] = l
	}
	n.mu.Unlock()
	l.Lock()
	return l.Unlock
}

//---------------------------------------------------------------------
// Network / transport
//---------------------------------------------------------------------

// PeerRecord is what this node knows about a reachable counterparty: its
// protocol PeerID, the transport address it was last reached at, and the
// Ed25519 public key used to verify that peer's envelope and channel-state
// signatures. Learned via PEER_INFO exchange or a DHT announce record.
type PeerRecord struct {
	Peer      PeerID
	Multiaddr string
	PublicKey ed25519.PublicKey
	LastSeen  int64
}

// GossipMessage is one message received over a pubsub topic (ANNOUNCE/
// ANNOUNCE_UPDATE travel this way, §6.1 0x0100-0x011F).
type GossipMessage struct {
	From  PeerID
	Topic string
	Data  []byte
}

//---------------------------------------------------------------------
// Wire message payload schemas (§6.1). Each is CBOR-encoded under the
// rules of §4.2 and carried as an Envelope's Body.
//---------------------------------------------------------------------

// AnnouncePayload is the hash-only discovery summary published to the
// ANNOUNCE topic and stored in the DHT (§6.2 "manifest-summary").
type AnnouncePayload struct {
	Hash        Hash        `cbor:"1,keyasint" json:"hash"`
	Owner       PeerID      `cbor:"2,keyasint" json:"owner"`
	ContentType ContentType `cbor:"3,keyasint" json:"content_type"`
	Visibility  Visibility  `cbor:"4,keyasint" json:"visibility"`
	Price       uint64      `cbor:"5,keyasint" json:"price"`
}

// SearchPayload and SearchResponsePayload support the hash-only SEARCH
// primitive: a direct hash lookup against a specific peer, not keyword
// search (§6.2: "Keyword search is not a protocol primitive").
type SearchPayload struct {
	Hash Hash `cbor:"1,keyasint" json:"hash"`
}

type SearchResponsePayload struct {
	Found    bool      `cbor:"1,keyasint" json:"found"`
	Manifest *Manifest `cbor:"2,keyasint" json:"manifest,omitempty"`
}

// PreviewRequestPayload/PreviewResponsePayload carry the manifest a
// prospective querier needs to learn price and provenance before paying.
type PreviewRequestPayload struct {
	Hash      Hash   `cbor:"1,keyasint" json:"hash"`
	Requester PeerID `cbor:"2,keyasint" json:"requester"`
}

type PreviewResponsePayload struct {
	Manifest Manifest `cbor:"1,keyasint" json:"manifest"`
}

// QueryRequestPayload/QueryResponsePayload/QueryErrorPayload are the paid
// retrieval round trip of §4.7.
type QueryRequestPayload struct {
	Hash    Hash    `cbor:"1,keyasint" json:"hash"`
	Payment Payment `cbor:"2,keyasint" json:"payment"`
}

type QueryResponsePayload struct {
	Hash    Hash           `cbor:"1,keyasint" json:"hash"`
	Content []byte         `cbor:"2,keyasint" json:"content"`
	Receipt PaymentReceipt `cbor:"3,keyasint" json:"receipt"`
}

type QueryErrorPayload struct {
	Code    uint16 `cbor:"1,keyasint" json:"code"`
	Message string `cbor:"2,keyasint" json:"message"`
}

// VersionRequestPayload/VersionResponsePayload let a peer fetch the
// latest manifest in a version chain given any member's hash.
type VersionRequestPayload struct {
	Hash Hash `cbor:"1,keyasint" json:"hash"`
}

type VersionResponsePayload struct {
	Latest Manifest `cbor:"1,keyasint" json:"latest"`
}

// ChannelOpenPayload/ChannelAcceptPayload propose and confirm a new
// bilateral channel; ChannelUpdatePayload/ChannelClosePayload/
// ChannelDisputePayload carry signed balance-replacement states (§4.6).
type ChannelOpenPayload struct {
	ChannelID        ChannelID `cbor:"1,keyasint" json:"channel_id"`
	Initiator        PeerID    `cbor:"2,keyasint" json:"initiator"`
	Responder        PeerID    `cbor:"3,keyasint" json:"responder"`
	InitiatorDeposit uint64    `cbor:"4,keyasint" json:"initiator_deposit"`
	ResponderDeposit uint64    `cbor:"5,keyasint" json:"responder_deposit"`
}

type ChannelAcceptPayload struct {
	ChannelID ChannelID `cbor:"1,keyasint" json:"channel_id"`
	Accepted  bool      `cbor:"2,keyasint" json:"accepted"`
}

type ChannelUpdatePayload struct {
	State SignedChannelState `cbor:"1,keyasint" json:"state"`
}

type ChannelClosePayload struct {
	State SignedChannelState `cbor:"1,keyasint" json:"state"`
}

type ChannelDisputePayload struct {
	State SignedChannelState `cbor:"1,keyasint" json:"state"`
}

// SettleBatchPayload/SettleConfirmPayload announce a submitted batch and
// its on-chain confirmation to the peers whose distributions it carries.
type SettleBatchPayload struct {
	Batch SettlementBatch `cbor:"1,keyasint" json:"batch"`
}

type SettleConfirmPayload struct {
	BatchID string `cbor:"1,keyasint" json:"batch_id"`
}

// PingPayload/PongPayload are a liveness check; PeerInfoPayload exchanges
// the sender's public key and reachable address so the recipient can
// verify future envelope and channel-state signatures from this peer.
type PingPayload struct {
	Nonce uint64 `cbor:"1,keyasint" json:"nonce"`
}

type PongPayload struct {
	Nonce uint64 `cbor:"1,keyasint" json:"nonce"`
}

type PeerInfoPayload struct {
	Peer      PeerID `cbor:"1,keyasint" json:"peer"`
	PublicKey []byte `cbor:"2,keyasint" json:"public_key"`
	Multiaddr string `cbor:"3,keyasint" json:"multiaddr"`
}
