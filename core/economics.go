package core

// economics.go — the revenue distribution calculator (§4.5). Kept the
// teacher's distribution.go Distributor-with-mutex shape (a small struct
// wrapping a lock around a pure calculation, exposed as a method so
// callers don't need to thread extra state through); replaced the
// bulk-token-transfer/airdrop logic entirely with the proportional
// synthesis-fee-plus-weighted-pool split.

import "sync"

// SynthesisFeeNumerator/Denominator are the normative synthesis-fee ratio
// (§6.5): synthesis = amount * 5 / 100.
const (
	SynthesisFeeNumerator   = 5
	SynthesisFeeDenominator = 100
)

// Distributor computes the per-query distribution set. It holds no state
// beyond a mutex because the calculation is pure; the mutex exists so a
// node-wide Distributor can be shared across concurrent query handlers
// without each allocating its own, matching the teacher's Distributor.
type Distributor struct {
	mu sync.Mutex
}

func NewDistributor() *Distributor { return &Distributor{} }

// Distribute splits payment amount A across a manifest's root_L0L1 set
// plus the serving node's synthesis fee, per §4.5:
//
//  1. synthesis = A * 5 / 100 (floor division)
//  2. pool = A - synthesis
//  3. total_weight = sum of entry weights
//  4. each entry receives floor(pool * weight_i / total_weight)
//  5. the floor-division residual is assigned to the first root entry
//  6. if owner appears in root_L0L1, their pool share and the synthesis
//     fee are merged into one distribution entry
//
// Conservation holds exactly: Σ distributions == A.
func (d *Distributor) Distribute(amount uint64, owner PeerID, roots []RootEntry) ([]Distribution, error) {
	if len(roots) == 0 {
		return nil, ErrBadProvenance("economics: cannot distribute against an empty root set")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	synthesis := amount * SynthesisFeeNumerator / SynthesisFeeDenominator
	pool := amount - synthesis

	var totalWeight uint64
	for _, r := range roots {
		totalWeight += r.Weight
	}
	if totalWeight == 0 {
		return nil, ErrBadProvenance("economics: root set has zero total weight")
	}

	shares := make([]uint64, len(roots))
	var distributed uint64
	for i, r := range roots {
		shares[i] = pool * r.Weight / totalWeight
		distributed += shares[i]
	}
	residual := pool - distributed
	shares[0] += residual

	ownerIdx := -1
	for i, r := range roots {
		if r.Owner == owner {
			ownerIdx = i
			break
		}
	}
	if ownerIdx >= 0 {
		shares[ownerIdx] += synthesis
	}

	out := make([]Distribution, 0, len(roots)+1)
	for i, r := range roots {
		out = append(out, Distribution{Recipient: r.Owner, Amount: shares[i], SourceHash: r.Hash})
	}
	if ownerIdx < 0 {
		out = append(out, Distribution{Recipient: owner, Amount: synthesis, SourceHash: Hash{}})
	}

	var sum uint64
	for _, dist := range out {
		sum += dist.Amount
	}
	if sum != amount {
		return nil, ErrInternal("economics: distribution conservation check failed")
	}
	return out, nil
}

// Distribution is one recipient's share of a paid query, before it is
// appended to the settlement queue.
type Distribution struct {
	Recipient  PeerID
	Amount     uint64
	SourceHash Hash
}
