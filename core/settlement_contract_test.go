package core

import "testing"

func TestMemSettlementContractDepositWithdrawBalance(t *testing.T) {
	c := NewMemSettlementContract(NewChannelStore())
	peer := PeerID{1}
	if err := c.Deposit(peer, 500); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if got := c.Balance(peer); got != 500 {
		t.Fatalf("expected balance 500, got %d", got)
	}
	if err := c.Withdraw(peer, 200); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if got := c.Balance(peer); got != 300 {
		t.Fatalf("expected balance 300, got %d", got)
	}
}

func TestMemSettlementContractWithdrawRejectsInsufficientBalance(t *testing.T) {
	c := NewMemSettlementContract(NewChannelStore())
	peer := PeerID{1}
	if err := c.Withdraw(peer, 1); err == nil {
		t.Fatalf("expected error withdrawing from a zero balance")
	}
}

func TestMemSettlementContractOpenChannelDebitsBothSides(t *testing.T) {
	c := NewMemSettlementContract(NewChannelStore())
	initiator, responder := PeerID{1}, PeerID{2}
	if err := c.Deposit(initiator, 1000); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := c.Deposit(responder, 1000); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	ch := &Channel{ID: ChannelID{1}, Initiator: initiator, Responder: responder, InitiatorBalance: 300, ResponderBalance: 400}
	if err := c.OpenChannel(ch); err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if got := c.Balance(initiator); got != 700 {
		t.Fatalf("expected initiator balance 700 after funding, got %d", got)
	}
	if got := c.Balance(responder); got != 600 {
		t.Fatalf("expected responder balance 600 after funding, got %d", got)
	}
}

func TestMemSettlementContractOpenChannelRejectsInsufficientFunds(t *testing.T) {
	c := NewMemSettlementContract(NewChannelStore())
	initiator, responder := PeerID{1}, PeerID{2}
	ch := &Channel{ID: ChannelID{1}, Initiator: initiator, Responder: responder, InitiatorBalance: 300, ResponderBalance: 400}
	if err := c.OpenChannel(ch); err == nil {
		t.Fatalf("expected error opening a channel neither side has funded")
	}
}

func TestMemSettlementContractSettleBatchIsSingleUse(t *testing.T) {
	c := NewMemSettlementContract(NewChannelStore())
	batch := &SettlementBatch{
		ID:      "batch-1",
		Entries: []AggregatedEntry{{Recipient: PeerID{1}, Amount: 100}},
	}
	if err := c.SettleBatch(batch); err != nil {
		t.Fatalf("first SettleBatch: %v", err)
	}
	if got := c.Balance(PeerID{1}); got != 100 {
		t.Fatalf("expected recipient credited 100, got %d", got)
	}
	if err := c.SettleBatch(batch); err == nil {
		t.Fatalf("expected error re-settling the same batch id")
	}
}
