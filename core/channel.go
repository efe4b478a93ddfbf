package core

// channel.go — the bilateral payment-channel state machine (§4.6). Kept
// the teacher's state_channel.go shape: a singleton engine guarding a
// map of channel state behind a mutex, an InitiateClose/Challenge/Finalize
// trio driving the dispute lifecycle, and "verify signatures, check the
// nonce, mutate under lock" as the shared skeleton for every transition.
// Swapped the teacher's ECDSA/P256 signatures for this engine's Ed25519
// identity, and added the counter-dispute timer reset that §4.6 requires
// but the teacher's Challenge never modeled (the teacher only supported a
// single dispute submission per channel).

import (
	"crypto/ed25519"
	"sync"
)

// ChannelStore holds every channel this node participates in, keyed by
// ChannelID, each guarded by a per-channel critical section (§5 ordering
// guarantee 2).
type ChannelStore struct {
	mu       sync.RWMutex
	channels map[ChannelID]*Channel
	locks    *namedMutexes
	// pubkeys resolves a PeerID to the Ed25519 public key used to verify
	// that peer's channel-state signatures. Populated out of band (e.g.
	// from PEER_INFO exchange or the DHT announce record).
	pubkeys map[PeerID]ed25519.PublicKey
}

func NewChannelStore() *ChannelStore {
	return &ChannelStore{
		channels: make(map[ChannelID]*Channel),
		locks:    newNamedMutexes(),
		pubkeys:  make(map[PeerID]ed25519.PublicKey),
	}
}

// RegisterPeerKey records the Ed25519 public key used to verify a peer's
// channel signatures.
func (s *ChannelStore) RegisterPeerKey(peer PeerID, pub ed25519.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pubkeys[peer] = pub
}

func (s *ChannelStore) pubkeyFor(peer PeerID) (ed25519.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.pubkeys[peer]
	return pk, ok
}

// deriveChannelID mirrors the teacher's H(a||b||nonce)-style derivation,
// folding in a creation nonce so the same pair of peers may reopen a
// channel after a prior one closes.
func deriveChannelID(initiator, responder PeerID, creationNonce uint64) ChannelID {
	buf := make([]byte, 0, 20+20+8)
	buf = append(buf, initiator[:]...)
	buf = append(buf, responder[:]...)
	var nb [8]byte
	for i := 0; i < 8; i++ {
		nb[i] = byte(creationNonce >> (8 * (7 - i)))
	}
	buf = append(buf, nb[:]...)
	return ChannelID(ContentHash(buf))
}

// Open creates a new channel in the Opening state with the given initial
// deposits. §4.6: Open requires both peers' CHANNEL_OPEN/CHANNEL_ACCEPT
// and any on-chain funding proof the settlement contract demands —
// callers transition Opening -> Open only once that proof lands
// (MarkFunded).
func (s *ChannelStore) Open(initiator, responder PeerID, initiatorDeposit, responderDeposit uint64, creationNonce int64) (*Channel, error) {
	id := deriveChannelID(initiator, responder, uint64(creationNonce))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.channels[id]; exists {
		return nil, ErrBadManifest("channel: already exists for this peer pair and nonce")
	}
	ch := &Channel{
		ID:               id,
		Initiator:        initiator,
		Responder:        responder,
		InitiatorBalance: initiatorDeposit,
		ResponderBalance: responderDeposit,
		FundedTotal:      initiatorDeposit + responderDeposit,
		Nonce:            0,
		State:            ChannelOpening,
		OpenedAt:         wallClock.Now().Unix(),
	}
	s.channels[id] = ch
	return ch.Clone(), nil
}

// OpenWithID mirrors Open for the responder side of a channel proposal,
// where the channel id was already derived by the initiator and travels in
// the CHANNEL_OPEN payload rather than being recomputed locally.
func (s *ChannelStore) OpenWithID(id ChannelID, initiator, responder PeerID, initiatorDeposit, responderDeposit uint64) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.channels[id]; exists {
		return nil, ErrBadManifest("channel: already exists for this id")
	}
	ch := &Channel{
		ID:               id,
		Initiator:        initiator,
		Responder:        responder,
		InitiatorBalance: initiatorDeposit,
		ResponderBalance: responderDeposit,
		FundedTotal:      initiatorDeposit + responderDeposit,
		Nonce:            0,
		State:            ChannelOpening,
		OpenedAt:         wallClock.Now().Unix(),
	}
	s.channels[id] = ch
	return ch.Clone(), nil
}

// ApplyPayment advances a channel's nonce and balances by a single signed
// Payment (§4.7 query responder/initiator side): payer's side debits by
// amount, the counterparty's side credits by amount. The Payment's own
// signature (checked by Validator.ValidatePayment before this is called) is
// the evidence for this transition, so unlike Update it does not require a
// freshly co-signed SignedChannelState for every micropayment.
func (s *ChannelStore) ApplyPayment(id ChannelID, payer PeerID, amount uint64, nonce uint64) (*Channel, error) {
	unlock := s.locks.Lock(id.String())
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, ErrChannelNotFound("channel: unknown channel id")
	}
	if ch.State != ChannelOpen {
		return nil, ErrChannelClosed("channel: payment requires an Open channel")
	}
	if nonce <= ch.Nonce {
		return nil, ErrInvalidNonce("channel: payment nonce must exceed the channel's current nonce")
	}
	if payer == ch.Initiator {
		if ch.InitiatorBalance < amount {
			return nil, ErrInsufficientBalance("channel: payer balance insufficient for payment")
		}
		ch.InitiatorBalance -= amount
		ch.ResponderBalance += amount
	} else {
		if ch.ResponderBalance < amount {
			return nil, ErrInsufficientBalance("channel: payer balance insufficient for payment")
		}
		ch.ResponderBalance -= amount
		ch.InitiatorBalance += amount
	}
	ch.Nonce = nonce
	return ch.Clone(), nil
}

// MarkFunded transitions a channel from Opening to Open once the
// settlement contract confirms the funding deposit.
func (s *ChannelStore) MarkFunded(id ChannelID) error {
	unlock := s.locks.Lock(id.String())
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return ErrChannelNotFound("channel: unknown channel id")
	}
	if ch.State != ChannelOpening {
		return ErrChannelClosed("channel: cannot fund a channel that is not Opening")
	}
	ch.State = ChannelOpen
	return nil
}

// Get returns a snapshot of the channel's current state.
func (s *ChannelStore) Get(id ChannelID) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, ErrChannelNotFound("channel: unknown channel id")
	}
	return ch.Clone(), nil
}

// verifySigs requires at least one valid signature for a dispute
// submission, and both for a cooperative update (§4.6: "a single peer
// signature is acceptable as evidence in dispute").
func (s *ChannelStore) verifySigs(ch *Channel, signed *SignedChannelState, requireBoth bool) error {
	initiatorPub, haveInit := s.pubkeyFor(ch.Initiator)
	responderPub, haveResp := s.pubkeyFor(ch.Responder)

	initiatorOK := haveInit && len(signed.InitiatorSig) > 0 && VerifyChannelState(initiatorPub, signed.Balances, signed.InitiatorSig)
	responderOK := haveResp && len(signed.ResponderSig) > 0 && VerifyChannelState(responderPub, signed.Balances, signed.ResponderSig)

	if requireBoth {
		if !initiatorOK || !responderOK {
			return ErrInvalidChannelSignature("channel: cooperative update requires both signatures")
		}
		return nil
	}
	if !initiatorOK && !responderOK {
		return ErrInvalidChannelSignature("channel: at least one valid signature is required")
	}
	return nil
}

// Update applies a cooperative balance replacement while the channel is
// Open. The nonce must be strictly increasing (§4.6 rate-limit invariant);
// balances must be non-negative and conserve funded_total.
func (s *ChannelStore) Update(signed *SignedChannelState) (*Channel, error) {
	id := signed.Balances.ChannelID
	unlock := s.locks.Lock(id.String())
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, ErrChannelNotFound("channel: unknown channel id")
	}
	if ch.State != ChannelOpen {
		return nil, ErrChannelClosed("channel: update requires an Open channel")
	}
	if signed.Balances.Nonce <= ch.Nonce {
		return nil, ErrInvalidNonce("channel: nonce must strictly increase")
	}
	if signed.Balances.InitiatorBalance+signed.Balances.ResponderBalance > ch.FundedTotal {
		return nil, ErrInsufficientBalance("channel: balances exceed funded_total")
	}
	if err := s.verifySigs(ch, signed, true); err != nil {
		return nil, err
	}

	ch.Nonce = signed.Balances.Nonce
	ch.InitiatorBalance = signed.Balances.InitiatorBalance
	ch.ResponderBalance = signed.Balances.ResponderBalance
	return ch.Clone(), nil
}

// InitiateClose begins a cooperative close: both signatures finalize the
// balances and the channel moves to Closing (settlement happens via the
// contract's closeChannel call, driven by operations.go).
func (s *ChannelStore) InitiateClose(signed *SignedChannelState) (*Channel, error) {
	id := signed.Balances.ChannelID
	unlock := s.locks.Lock(id.String())
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, ErrChannelNotFound("channel: unknown channel id")
	}
	if ch.State != ChannelOpen {
		return nil, ErrChannelClosed("channel: close requires an Open channel")
	}
	if signed.Balances.Nonce < ch.Nonce {
		return nil, ErrInvalidNonce("channel: close balances are stale")
	}
	if err := s.verifySigs(ch, signed, true); err != nil {
		return nil, err
	}

	ch.State = ChannelClosing
	ch.Nonce = signed.Balances.Nonce
	ch.InitiatorBalance = signed.Balances.InitiatorBalance
	ch.ResponderBalance = signed.Balances.ResponderBalance
	ch.ClosedAt = wallClock.Now().Unix()
	return ch.Clone(), nil
}

// Dispute starts the unilateral dispute window with the disputant's
// highest-known state. A single signature suffices as evidence.
func (s *ChannelStore) Dispute(signed *SignedChannelState) (*Channel, error) {
	id := signed.Balances.ChannelID
	unlock := s.locks.Lock(id.String())
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, ErrChannelNotFound("channel: unknown channel id")
	}
	if ch.State != ChannelOpen && ch.State != ChannelDisputed {
		return nil, ErrChannelClosed("channel: dispute requires an Open or already-Disputed channel")
	}
	if ch.State == ChannelDisputed && signed.Balances.Nonce <= ch.Nonce {
		return nil, ErrInvalidNonce("channel: counter-dispute must carry a strictly higher nonce")
	}
	if signed.Balances.Nonce < ch.Nonce {
		return nil, ErrInvalidNonce("channel: dispute state is stale")
	}
	if err := s.verifySigs(ch, signed, false); err != nil {
		return nil, err
	}

	// A counter-dispute with a higher nonce replaces the pending state
	// and resets the timer (§4.6) — this branch also covers the first
	// dispute, since ch.DisputeStartedAt is zero until then.
	ch.State = ChannelDisputed
	ch.Nonce = signed.Balances.Nonce
	ch.DisputedState = signed
	ch.DisputeStartedAt = wallClock.Now().Unix()
	return ch.Clone(), nil
}

// ResolveDispute finalizes a Disputed channel once the 24-hour challenge
// window has elapsed with no further counter-dispute.
func (s *ChannelStore) ResolveDispute(id ChannelID) (*Channel, error) {
	unlock := s.locks.Lock(id.String())
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, ErrChannelNotFound("channel: unknown channel id")
	}
	if ch.State != ChannelDisputed {
		return nil, ErrChannelClosed("channel: resolve requires a Disputed channel")
	}
	elapsed := wallClock.Now().Unix() - ch.DisputeStartedAt
	if elapsed < int64(ChallengePeriod.Seconds()) {
		return nil, ErrChannelClosed("channel: challenge period has not yet elapsed")
	}

	ch.InitiatorBalance = ch.DisputedState.Balances.InitiatorBalance
	ch.ResponderBalance = ch.DisputedState.Balances.ResponderBalance
	ch.State = ChannelClosed
	ch.ClosedAt = wallClock.Now().Unix()
	return ch.Clone(), nil
}

// List returns every channel matching filter.
func (s *ChannelStore) List(filter func(*Channel) bool) []*Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Channel
	for _, ch := range s.channels {
		if filter == nil || filter(ch) {
			out = append(out, ch.Clone())
		}
	}
	return out
}
