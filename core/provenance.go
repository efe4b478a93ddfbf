package core

// provenance.go — the provenance graph (§3.6): forward edges
// (derived_from), backward edges (derivations), and a flattened
// root_L0L1 cache per content hash with path-weight accumulation. Built
// on the same in-memory-map-plus-mutex shape the teacher uses for its
// ledger state cache, but the graph math itself has no teacher analog —
// it is pure application logic over §3.4's derivation invariants.

import (
	"sync"
)

// MaxProvenanceDepth and MaxSourcesPerL3 are the normative bounds of §6.5.
const (
	MaxProvenanceDepth = 100
	MaxSourcesPerL3    = 100
)

// ProvenanceRecord is the immutable edge set recorded for one content hash
// at the moment it was created.
type ProvenanceRecord struct {
	Hash        Hash
	ContentType ContentType
	DerivedFrom []Hash
	RootL0L1    []RootEntry
	Depth       uint32
}

// ProvenanceGraph holds the forward/backward adjacency and the
// materialized root_L0L1 cache. One graph instance is shared by a running
// node; Add holds the graph's own lock for the whole insertion, so
// concurrent Add calls are serialized here.
type ProvenanceGraph struct {
	mu          sync.RWMutex
	records     map[Hash]*ProvenanceRecord
	derivations map[Hash][]Hash // backward: source -> derived hashes
}

func NewProvenanceGraph() *ProvenanceGraph {
	return &ProvenanceGraph{
		records:     make(map[Hash]*ProvenanceRecord),
		derivations: make(map[Hash][]Hash),
	}
}

// Add records the provenance of a newly created content item. sources are
// the ProvenanceRecords of every hash in derivedFrom, looked up by the
// caller (operations.go) before invoking this so the graph never needs to
// recurse through the store itself.
//
// Weight accumulation rule (§3.6): when the same root hash is reachable
// through more than one source, its weight is summed across paths rather
// than appended as a duplicate entry.
func (g *ProvenanceGraph) Add(hash Hash, ct ContentType, owner PeerID, visibility Visibility, derivedFrom []Hash, sources []*ProvenanceRecord) (*ProvenanceRecord, error) {
	if len(derivedFrom) != len(sources) {
		return nil, ErrInternal("provenance: sources slice must align with derivedFrom")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.records[hash]; exists {
		return nil, ErrBadProvenance("provenance: record already exists for hash")
	}
	for _, d := range derivedFrom {
		if d == hash {
			return nil, ErrBadProvenance("provenance: self-reference in derived_from")
		}
	}

	rec := &ProvenanceRecord{Hash: hash, ContentType: ct, DerivedFrom: append([]Hash(nil), derivedFrom...)}

	switch ct {
	case ContentL0:
		rec.Depth = 0
		rec.RootL0L1 = []RootEntry{{Hash: hash, Owner: owner, Visibility: visibility, Weight: 1, Type: ContentL0}}

	case ContentL1:
		if len(sources) != 1 {
			return nil, ErrBadProvenance("provenance: L1 must derive from exactly one L0")
		}
		if sources[0].ContentType != ContentL0 {
			return nil, ErrBadProvenance("provenance: L1 parent must be L0")
		}
		rec.Depth = 1
		rec.RootL0L1 = append([]RootEntry(nil), sources[0].RootL0L1...)

	case ContentL2:
		return nil, ErrBadProvenance("provenance: L2 content is never entered into the shared graph")

	case ContentL3:
		if len(sources) == 0 {
			return nil, ErrBadProvenance("provenance: L3 requires at least one source")
		}
		if len(sources) > MaxSourcesPerL3 {
			return nil, ErrBadProvenance("provenance: too many sources for L3")
		}
		maxDepth := uint32(0)
		merged := mergeRootSets(sources)
		for _, s := range sources {
			if s.Depth > maxDepth {
				maxDepth = s.Depth
			}
			if s.ContentType != ContentL2 {
				for _, r := range s.RootL0L1 {
					if r.Type != ContentL0 && r.Type != ContentL1 {
						return nil, ErrBadProvenance("provenance: root_L0L1 entry with non-L0/L1 type")
					}
				}
			}
		}
		rec.Depth = maxDepth + 1
		rec.RootL0L1 = merged

	default:
		return nil, ErrBadProvenance("provenance: unknown content type")
	}

	if rec.Depth > MaxProvenanceDepth {
		return nil, ErrBadProvenance("provenance: depth exceeds MAX_PROVENANCE_DEPTH")
	}
	if len(rec.DerivedFrom) > MaxSourcesPerL3 {
		return nil, ErrBadProvenance("provenance: derived_from exceeds the source-count bound")
	}

	g.records[hash] = rec
	for _, d := range derivedFrom {
		g.derivations[d] = append(g.derivations[d], hash)
	}
	return rec, nil
}

// mergeRootSets flattens the root_L0L1 sets of every source into one
// weight-accumulated, order-stable list (§3.6).
func mergeRootSets(sources []*ProvenanceRecord) []RootEntry {
	var order []Hash
	byHash := make(map[Hash]*RootEntry)
	for _, s := range sources {
		for _, r := range s.RootL0L1 {
			if existing, ok := byHash[r.Hash]; ok {
				existing.Weight += r.Weight
				continue
			}
			cp := r
			byHash[r.Hash] = &cp
			order = append(order, r.Hash)
		}
	}
	out := make([]RootEntry, 0, len(order))
	for _, h := range order {
		out = append(out, *byHash[h])
	}
	return out
}

// RootsOf returns the flattened root_L0L1 set for hash.
func (g *ProvenanceGraph) RootsOf(hash Hash) ([]RootEntry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[hash]
	if !ok {
		return nil, ErrNotFound("provenance: no record for hash")
	}
	return append([]RootEntry(nil), rec.RootL0L1...), nil
}

// DerivationsOf returns every hash directly derived from hash (the
// backward edge set).
func (g *ProvenanceGraph) DerivationsOf(hash Hash) []Hash {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Hash(nil), g.derivations[hash]...)
}

// Get returns the immutable provenance record for hash.
func (g *ProvenanceGraph) Get(hash Hash) (*ProvenanceRecord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[hash]
	if !ok {
		return nil, ErrNotFound("provenance: no record for hash")
	}
	return rec, nil
}

// SetReference overwrites the stored record for hash with rec. It exists
// solely for ReferenceL3AsL0 (operations.go, §4.7): the one legitimate way
// to replace a graph record after Add has already committed it, so that a
// later Derive citing hash as a source observes the merged root set and
// the L3 owner's weight-1 entry rather than the original, unmodified
// record.
func (g *ProvenanceGraph) SetReference(hash Hash, rec *ProvenanceRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[hash] = rec
}

// ContainsSource reports whether target appears anywhere in hash's
// derivation closure — used by the L3-import-cycle check (operations.go,
// §9 OQ2).
func (g *ProvenanceGraph) ContainsSource(hash, target Hash) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := make(map[Hash]bool)
	var walk func(h Hash) bool
	walk = func(h Hash) bool {
		if h == target {
			return true
		}
		if seen[h] {
			return false
		}
		seen[h] = true
		rec, ok := g.records[h]
		if !ok {
			return false
		}
		for _, d := range rec.DerivedFrom {
			if walk(d) {
				return true
			}
		}
		return false
	}
	return walk(hash)
}
