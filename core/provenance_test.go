package core

import "testing"

func TestProvenanceAddL0(t *testing.T) {
	g := NewProvenanceGraph()
	owner := PeerID{1}
	hash := Hash{1}

	rec, err := g.Add(hash, ContentL0, owner, VisibilityShared, nil, nil)
	if err != nil {
		t.Fatalf("Add L0: %v", err)
	}
	if rec.Depth != 0 {
		t.Fatalf("expected depth 0 for L0, got %d", rec.Depth)
	}
	if len(rec.RootL0L1) != 1 || rec.RootL0L1[0].Hash != hash || rec.RootL0L1[0].Weight != 1 {
		t.Fatalf("unexpected root set for L0: %+v", rec.RootL0L1)
	}
}

func TestProvenanceAddL1InheritsParentRoot(t *testing.T) {
	g := NewProvenanceGraph()
	owner := PeerID{1}
	l0Hash := Hash{1}
	l0, err := g.Add(l0Hash, ContentL0, owner, VisibilityShared, nil, nil)
	if err != nil {
		t.Fatalf("Add L0: %v", err)
	}

	l1Hash := Hash{2}
	l1, err := g.Add(l1Hash, ContentL1, owner, VisibilityShared, []Hash{l0Hash}, []*ProvenanceRecord{l0})
	if err != nil {
		t.Fatalf("Add L1: %v", err)
	}
	if l1.Depth != 1 {
		t.Fatalf("expected depth 1 for L1, got %d", l1.Depth)
	}
	if len(l1.RootL0L1) != 1 || l1.RootL0L1[0].Hash != l0Hash {
		t.Fatalf("L1 must inherit its L0 parent's root set verbatim, got %+v", l1.RootL0L1)
	}
}

func TestProvenanceAddL1RejectsNonL0Parent(t *testing.T) {
	g := NewProvenanceGraph()
	owner := PeerID{1}
	l0Hash := Hash{1}
	l0, _ := g.Add(l0Hash, ContentL0, owner, VisibilityShared, nil, nil)
	l1Hash := Hash{2}
	l1, _ := g.Add(l1Hash, ContentL1, owner, VisibilityShared, []Hash{l0Hash}, []*ProvenanceRecord{l0})

	l1b := Hash{3}
	if _, err := g.Add(l1b, ContentL1, owner, VisibilityShared, []Hash{l1Hash}, []*ProvenanceRecord{l1}); err == nil {
		t.Fatalf("expected error deriving L1 from an L1 parent")
	}
}

func TestProvenanceAddL2NeverEntersGraph(t *testing.T) {
	g := NewProvenanceGraph()
	owner := PeerID{1}
	if _, err := g.Add(Hash{9}, ContentL2, owner, VisibilityPrivate, nil, nil); err == nil {
		t.Fatalf("expected L2 content to be rejected by the provenance graph")
	}
}

func TestProvenanceAddL3MergesWeightsAcrossSharedRoots(t *testing.T) {
	g := NewProvenanceGraph()
	owner := PeerID{1}

	l0a, _ := g.Add(Hash{1}, ContentL0, owner, VisibilityShared, nil, nil)
	l1a, _ := g.Add(Hash{2}, ContentL1, owner, VisibilityShared, []Hash{Hash{1}}, []*ProvenanceRecord{l0a})

	l0b, _ := g.Add(Hash{3}, ContentL0, owner, VisibilityShared, nil, nil)

	// l1a's root set already contains Hash{1} (weight 1); deriving an L3
	// from both l1a and l0a should sum Hash{1}'s weight to 2, and keep
	// l0b's Hash{3} as a separate weight-1 entry.
	l3Hash := Hash{4}
	l3, err := g.Add(l3Hash, ContentL3, owner, VisibilityShared,
		[]Hash{Hash{2}, Hash{1}, Hash{3}},
		[]*ProvenanceRecord{l1a, l0a, l0b})
	if err != nil {
		t.Fatalf("Add L3: %v", err)
	}
	if l3.Depth != 2 {
		t.Fatalf("expected L3 depth = max(source depths)+1 = 2, got %d", l3.Depth)
	}

	var total uint64
	weightByHash := make(map[Hash]uint64)
	for _, r := range l3.RootL0L1 {
		weightByHash[r.Hash] = r.Weight
		total += r.Weight
	}
	if weightByHash[Hash{1}] != 2 {
		t.Fatalf("expected shared root Hash{1} weight 2, got %d", weightByHash[Hash{1}])
	}
	if weightByHash[Hash{3}] != 1 {
		t.Fatalf("expected root Hash{3} weight 1, got %d", weightByHash[Hash{3}])
	}
	if total != 3 {
		t.Fatalf("expected total root weight 3, got %d", total)
	}
}

func TestProvenanceAddRejectsSelfReference(t *testing.T) {
	g := NewProvenanceGraph()
	owner := PeerID{1}
	h := Hash{5}
	l0, _ := g.Add(Hash{1}, ContentL0, owner, VisibilityShared, nil, nil)
	if _, err := g.Add(h, ContentL1, owner, VisibilityShared, []Hash{h}, []*ProvenanceRecord{l0}); err == nil {
		t.Fatalf("expected error for self-referential derived_from")
	}
}

func TestProvenanceAddRejectsDuplicateHash(t *testing.T) {
	g := NewProvenanceGraph()
	owner := PeerID{1}
	h := Hash{1}
	if _, err := g.Add(h, ContentL0, owner, VisibilityShared, nil, nil); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if _, err := g.Add(h, ContentL0, owner, VisibilityShared, nil, nil); err == nil {
		t.Fatalf("expected error re-adding an existing hash")
	}
}

func TestProvenanceContainsSourceDetectsTransitiveReachability(t *testing.T) {
	g := NewProvenanceGraph()
	owner := PeerID{1}

	l0, _ := g.Add(Hash{1}, ContentL0, owner, VisibilityShared, nil, nil)
	l1, _ := g.Add(Hash{2}, ContentL1, owner, VisibilityShared, []Hash{Hash{1}}, []*ProvenanceRecord{l0})
	l3, _ := g.Add(Hash{3}, ContentL3, owner, VisibilityShared, []Hash{Hash{2}}, []*ProvenanceRecord{l1})

	if !g.ContainsSource(l3.Hash, Hash{1}) {
		t.Fatalf("expected l3 to transitively contain Hash{1} through its L1 parent")
	}
	if g.ContainsSource(l3.Hash, Hash{99}) {
		t.Fatalf("expected l3 not to contain an unrelated hash")
	}
}

func TestProvenanceDerivationsOfTracksBackwardEdges(t *testing.T) {
	g := NewProvenanceGraph()
	owner := PeerID{1}
	l0, _ := g.Add(Hash{1}, ContentL0, owner, VisibilityShared, nil, nil)
	l1Hash := Hash{2}
	if _, err := g.Add(l1Hash, ContentL1, owner, VisibilityShared, []Hash{Hash{1}}, []*ProvenanceRecord{l0}); err != nil {
		t.Fatalf("Add L1: %v", err)
	}
	derived := g.DerivationsOf(Hash{1})
	if len(derived) != 1 || derived[0] != l1Hash {
		t.Fatalf("expected Hash{1}'s derivations to contain only %v, got %v", l1Hash, derived)
	}
}
