package core

// settlement_contract.go — the on-chain settlement contract's behavioral
// contract (§6.3) as a Go interface, modeled the way the teacher models
// swappable components (PeerManager, StateRW) as capability interfaces
// (§9 "dynamic dispatch of components"). MemSettlementContract is an
// in-memory reference implementation: the real contract is a separate
// implementation out of scope for this engine (§1), but operations.go
// and the test suite need something to drive against.

import (
	"sync"
)

// SettlementClient is the behavioral contract of §6.3: balances,
// deposits/withdrawals, attestations, channel lifecycle operations, and
// batch settlement. Every amount is an unsigned 64-bit minor-unit value.
type SettlementClient interface {
	Deposit(peer PeerID, amount uint64) error
	Withdraw(peer PeerID, amount uint64) error
	Balance(peer PeerID) uint64

	Attest(contentHash Hash, provenanceRoot [32]byte) error

	OpenChannel(ch *Channel) error
	CloseChannel(signed *SignedChannelState, initiatorPub, responderPub []byte) error
	DisputeChannel(signed *SignedChannelState, disputantPub []byte) error
	CounterDispute(signed *SignedChannelState, disputantPub []byte) error
	ResolveDispute(id ChannelID) error

	SettleBatch(batch *SettlementBatch) error
}

// MemSettlementContract is a single-process reference implementation of
// SettlementClient sufficient for tests and local demos, without any
// actual chain. It enforces single-use batch ids and balance sufficiency
// for channel funding and withdrawals. It checks no signatures,
// DisputeChannel and CounterDispute record nothing, and it keeps no dispute
// timer of its own: ResolveDispute only requires the shared ChannelStore
// to have already moved the channel to Closed.
type MemSettlementContract struct {
	mu           sync.Mutex
	balances     map[PeerID]uint64
	attestations map[Hash][32]byte
	settledIDs   map[string]bool
	channels     *ChannelStore
}

// NewMemSettlementContract wires an in-memory contract sharing the node's
// ChannelStore, so channel operations issued against the contract observe
// the same state the local channel engine does.
func NewMemSettlementContract(channels *ChannelStore) *MemSettlementContract {
	return &MemSettlementContract{
		balances:     make(map[PeerID]uint64),
		attestations: make(map[Hash][32]byte),
		settledIDs:   make(map[string]bool),
		channels:     channels,
	}
}

func (c *MemSettlementContract) Deposit(peer PeerID, amount uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[peer] += amount
	return nil
}

func (c *MemSettlementContract) Withdraw(peer PeerID, amount uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balances[peer] < amount {
		return ErrInsufficientBalance("settlement_contract: withdrawal exceeds balance")
	}
	c.balances[peer] -= amount
	return nil
}

func (c *MemSettlementContract) Balance(peer PeerID) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[peer]
}

func (c *MemSettlementContract) Attest(contentHash Hash, provenanceRoot [32]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attestations[contentHash] = provenanceRoot
	return nil
}

func (c *MemSettlementContract) OpenChannel(ch *Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balances[ch.Initiator] < ch.InitiatorBalance {
		return ErrInsufficientBalance("settlement_contract: initiator balance insufficient to fund channel")
	}
	if c.balances[ch.Responder] < ch.ResponderBalance {
		return ErrInsufficientBalance("settlement_contract: responder balance insufficient to fund channel")
	}
	c.balances[ch.Initiator] -= ch.InitiatorBalance
	c.balances[ch.Responder] -= ch.ResponderBalance
	return nil
}

func (c *MemSettlementContract) CloseChannel(signed *SignedChannelState, initiatorPub, responderPub []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.channels.Get(signed.Balances.ChannelID)
	if err != nil {
		return err
	}
	c.balances[ch.Initiator] += signed.Balances.InitiatorBalance
	c.balances[ch.Responder] += signed.Balances.ResponderBalance
	return nil
}

func (c *MemSettlementContract) DisputeChannel(signed *SignedChannelState, disputantPub []byte) error {
	return nil
}

func (c *MemSettlementContract) CounterDispute(signed *SignedChannelState, disputantPub []byte) error {
	return nil
}

func (c *MemSettlementContract) ResolveDispute(id ChannelID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.channels.Get(id)
	if err != nil {
		return err
	}
	if ch.State != ChannelClosed {
		return ErrChannelClosed("settlement_contract: channel dispute not yet resolved locally")
	}
	c.balances[ch.Initiator] += ch.InitiatorBalance
	c.balances[ch.Responder] += ch.ResponderBalance
	return nil
}

// SettleBatch credits every aggregated entry's recipient. No submitter
// balance is debited; the batch total is not deducted from any account. Every batch id is single-use (§6.3).
func (c *MemSettlementContract) SettleBatch(batch *SettlementBatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settledIDs[batch.ID] {
		return ErrBadManifest("settlement_contract: batch id already settled")
	}
	for _, e := range batch.Entries {
		c.balances[e.Recipient] += e.Amount
	}
	c.settledIDs[batch.ID] = true
	return nil
}
