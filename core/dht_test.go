package core

import "testing"

func TestMemDHTAnnounceGetRemove(t *testing.T) {
	d := NewMemDHT(PeerID{1})
	hash := Hash{1}
	if _, ok := d.Get(hash); ok {
		t.Fatalf("expected no record before Announce")
	}
	rec := AnnounceRecord{Hash: hash, Owner: PeerID{2}, ContentType: ContentL0, Visibility: VisibilityShared}
	if err := d.Announce(hash, rec); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	got, ok := d.Get(hash)
	if !ok || got.Owner != rec.Owner {
		t.Fatalf("expected to retrieve the announced record, got %+v (ok=%v)", got, ok)
	}
	if err := d.Remove(hash); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := d.Get(hash); ok {
		t.Fatalf("expected no record after Remove")
	}
}

func TestMemDHTAddPeerIgnoresSelf(t *testing.T) {
	self := PeerID{1}
	d := NewMemDHT(self)
	d.AddPeer(self)
	if got := d.Nearest(self, 10); len(got) != 0 {
		t.Fatalf("expected self to never be added as a peer, got %v", got)
	}
}

func TestMemDHTNearestOrdersByXORDistance(t *testing.T) {
	self := PeerID{0}
	d := NewMemDHT(self)
	target := PeerID{}

	near := PeerID{0, 0, 0, 0, 1}
	far := PeerID{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	d.AddPeer(near)
	d.AddPeer(far)

	out := d.Nearest(target, 2)
	if len(out) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(out))
	}
	if out[0] != near {
		t.Fatalf("expected the closer peer first, got %v then %v", out[0], out[1])
	}
}

func TestMemDHTNearestCapsAtRequestedCount(t *testing.T) {
	self := PeerID{0}
	d := NewMemDHT(self)
	for i := 1; i <= 5; i++ {
		var p PeerID
		p[0] = byte(i)
		d.AddPeer(p)
	}
	out := d.Nearest(PeerID{}, 2)
	if len(out) != 2 {
		t.Fatalf("expected Nearest to cap at count=2, got %d", len(out))
	}
}
