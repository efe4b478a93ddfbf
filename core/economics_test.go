package core

import "testing"

func sumDistributions(ds []Distribution) uint64 {
	var sum uint64
	for _, d := range ds {
		sum += d.Amount
	}
	return sum
}

func TestDistributeConservesAmountSingleRoot(t *testing.T) {
	d := NewDistributor()
	owner := PeerID{1}
	roots := []RootEntry{{Hash: Hash{1}, Owner: PeerID{2}, Weight: 1, Type: ContentL0}}

	out, err := d.Distribute(1000, owner, roots)
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if sumDistributions(out) != 1000 {
		t.Fatalf("distributions must sum to amount, got %d", sumDistributions(out))
	}
	// owner is not in the root set, so synthesis fee is a distinct entry.
	if len(out) != 2 {
		t.Fatalf("expected 2 distributions (root + synthesis), got %d", len(out))
	}
}

func TestDistributeMergesOwnerSynthesisFee(t *testing.T) {
	d := NewDistributor()
	owner := PeerID{1}
	roots := []RootEntry{{Hash: Hash{1}, Owner: owner, Weight: 1, Type: ContentL0}}

	out, err := d.Distribute(1000, owner, roots)
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected owner's pool share and synthesis fee merged into 1 entry, got %d", len(out))
	}
	if out[0].Amount != 1000 {
		t.Fatalf("expected owner to receive the full amount, got %d", out[0].Amount)
	}
}

func TestDistributeProportionalByWeight(t *testing.T) {
	d := NewDistributor()
	owner := PeerID{99}
	roots := []RootEntry{
		{Hash: Hash{1}, Owner: PeerID{1}, Weight: 1, Type: ContentL0},
		{Hash: Hash{2}, Owner: PeerID{2}, Weight: 3, Type: ContentL0},
	}
	out, err := d.Distribute(1000, owner, roots)
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if sumDistributions(out) != 1000 {
		t.Fatalf("distributions must sum to amount, got %d", sumDistributions(out))
	}
	// pool = 950, weight 1/4 and 3/4 -> 237 and 712, residual to first entry.
	want1, want2 := PeerID{1}, PeerID{2}
	var first, second uint64
	for _, dist := range out {
		if dist.Recipient == want1 {
			first = dist.Amount
		}
		if dist.Recipient == want2 {
			second = dist.Amount
		}
	}
	if first+second != 950 {
		t.Fatalf("expected root shares to sum to the pool (950), got %d", first+second)
	}
	if second != 950*3/4 {
		t.Fatalf("expected proportional share for weight-3 root, got %d", second)
	}
}

func TestDistributeRejectsEmptyRootSet(t *testing.T) {
	d := NewDistributor()
	if _, err := d.Distribute(100, PeerID{1}, nil); err == nil {
		t.Fatalf("expected error distributing against an empty root set")
	}
}

func TestDistributeRejectsZeroTotalWeight(t *testing.T) {
	d := NewDistributor()
	roots := []RootEntry{{Hash: Hash{1}, Owner: PeerID{1}, Weight: 0, Type: ContentL0}}
	if _, err := d.Distribute(100, PeerID{2}, roots); err == nil {
		t.Fatalf("expected error distributing against a zero-weight root set")
	}
}

func TestDistributeResidualGoesToFirstEntry(t *testing.T) {
	d := NewDistributor()
	owner := PeerID{99}
	roots := []RootEntry{
		{Hash: Hash{1}, Owner: PeerID{1}, Weight: 1, Type: ContentL0},
		{Hash: Hash{2}, Owner: PeerID{2}, Weight: 1, Type: ContentL0},
		{Hash: Hash{3}, Owner: PeerID{3}, Weight: 1, Type: ContentL0},
	}
	// amount chosen so pool (after 5% fee) doesn't divide evenly by 3.
	out, err := d.Distribute(100, owner, roots)
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if sumDistributions(out) != 100 {
		t.Fatalf("distributions must sum to amount, got %d", sumDistributions(out))
	}
	// pool 95 splits 31/31/31 with residual 2, so the first root gets 33.
	if out[0].Amount != 33 {
		t.Fatalf("expected the floor-division residual to go to the first root entry (33), got %d", out[0].Amount)
	}
}
