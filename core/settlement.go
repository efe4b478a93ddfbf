package core

// settlement.go — the settlement-batch queue, aggregation and Merkle
// commitment of §4.5's batching rules. The queue contract
// (enqueue/pending/pending_total/mark_settled) is §4.3's fourth capability
// alongside blobs/manifests/provenance; the Merkle helper is adapted from
// the teacher's merkle_tree_operations.go (BuildMerkleTree), trimmed to
// the single canonical-ordering root this engine needs rather than the
// teacher's full proof-generation API. Batch identifiers use
// github.com/google/uuid, the same library the teacher reaches for in
// escrow.go and storage.go.

import (
	"bytes"
	"crypto/sha256"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Normative batching thresholds (§6.5).
const (
	SettlementBatchThreshold = 10_000_000_000 // 100 NDL in minor units
	SettlementBatchIntervalSeconds = 3600
)

// SettlementQueue holds distributions awaiting aggregation into a batch.
// Reads and writes are serializable with respect to batch boundaries
// (§5 ordering guarantee 3): a distribution cannot be marked settled
// unless the batch containing it was confirmed.
type SettlementQueue struct {
	mu      sync.Mutex
	pending []*QueuedDistribution
	byID    map[string]*QueuedDistribution
	batches map[string]*SettlementBatch
}

func NewSettlementQueue() *SettlementQueue {
	return &SettlementQueue{
		byID:    make(map[string]*QueuedDistribution),
		batches: make(map[string]*SettlementBatch),
	}
}

// Enqueue appends a distribution to the pending queue. A zero-amount
// distribution is still recorded (§4.5) but callers may choose to
// suppress it before calling Enqueue.
func (q *SettlementQueue) Enqueue(d Distribution) *QueuedDistribution {
	qd := &QueuedDistribution{
		ID:         uuid.NewString(),
		Recipient:  d.Recipient,
		Amount:     d.Amount,
		SourceHash: d.SourceHash,
		CreatedAt:  wallClock.Now().Unix(),
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, qd)
	q.byID[qd.ID] = qd
	return qd
}

// Pending returns every distribution not yet assigned to a batch.
func (q *SettlementQueue) Pending() []*QueuedDistribution {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*QueuedDistribution, 0, len(q.pending))
	for _, qd := range q.pending {
		if qd.BatchID == "" {
			cp := *qd
			out = append(out, &cp)
		}
	}
	return out
}

// PendingTotal sums every still-pending distribution's amount, the
// trigger condition of §4.5's batching rule (a).
func (q *SettlementQueue) PendingTotal() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	var total uint64
	for _, qd := range q.pending {
		if qd.BatchID == "" {
			total += qd.Amount
		}
	}
	return total
}

// BuildBatch aggregates every pending distribution by recipient and
// produces a Merkle commitment over the aggregated entries in canonical
// order (recipient bytes ascending, §4.5).
func (q *SettlementQueue) BuildBatch() (*SettlementBatch, error) {
	q.mu.Lock()
	var toBatch []*QueuedDistribution
	for _, qd := range q.pending {
		if qd.BatchID == "" {
			toBatch = append(toBatch, qd)
		}
	}
	q.mu.Unlock()

	if len(toBatch) == 0 {
		return nil, ErrNotFound("settlement: no pending distributions to batch")
	}

	totals := make(map[PeerID]uint64)
	for _, qd := range toBatch {
		totals[qd.Recipient] += qd.Amount
	}
	entries := make([]AggregatedEntry, 0, len(totals))
	for recipient, amt := range totals {
		entries = append(entries, AggregatedEntry{Recipient: recipient, Amount: amt})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Recipient[:], entries[j].Recipient[:]) < 0
	})

	root, err := merkleRootOfEntries(entries)
	if err != nil {
		return nil, err
	}

	batch := &SettlementBatch{
		ID:         uuid.NewString(),
		MerkleRoot: root,
		Entries:    entries,
		CreatedAt:  wallClock.Now().Unix(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, qd := range toBatch {
		qd.BatchID = batch.ID
	}
	q.batches[batch.ID] = batch
	return batch, nil
}

// ConfirmBatch marks a batch as confirmed by the settlement contract and
// stamps every distribution it contains as settled.
func (q *SettlementQueue) ConfirmBatch(batchID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch, ok := q.batches[batchID]
	if !ok {
		return ErrNotFound("settlement: unknown batch id")
	}
	batch.Confirmed = true
	now := wallClock.Now().Unix()
	for _, qd := range q.pending {
		if qd.BatchID == batchID {
			qd.SettledAt = &now
		}
	}
	return nil
}

// MarkSettled stamps specific distribution ids as settled once their
// containing batch is confirmed — callers must have already confirmed
// the batch; this method refuses otherwise (§5 ordering guarantee 3).
func (q *SettlementQueue) MarkSettled(ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := wallClock.Now().Unix()
	for _, id := range ids {
		qd, ok := q.byID[id]
		if !ok {
			return ErrNotFound("settlement: unknown distribution id")
		}
		if qd.BatchID == "" {
			return ErrInternal("settlement: distribution has not been batched")
		}
		batch, ok := q.batches[qd.BatchID]
		if !ok || !batch.Confirmed {
			return ErrInternal("settlement: distribution's batch is not yet confirmed")
		}
		qd.SettledAt = &now
	}
	return nil
}

//---------------------------------------------------------------------
// Merkle commitment (adapted from merkle_tree_operations.go)
//---------------------------------------------------------------------

func entryLeaf(e AggregatedEntry) []byte {
	raw, _ := Marshal(e)
	return raw
}

// merkleRootOfEntries builds a binary Merkle tree over the CBOR encoding
// of each aggregated entry, duplicating the last node on odd levels —
// the teacher's BuildMerkleTree shape, trimmed to just the root.
func merkleRootOfEntries(entries []AggregatedEntry) ([32]byte, error) {
	if len(entries) == 0 {
		return [32]byte{}, ErrInternal("settlement: cannot root an empty entry set")
	}
	level := make([][32]byte, len(entries))
	for i, e := range entries {
		level[i] = sha256.Sum256(entryLeaf(e))
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][32]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			pair := append(append([]byte(nil), level[i][:]...), level[i+1][:]...)
			next[i/2] = sha256.Sum256(pair)
		}
		level = next
	}
	return level[0], nil
}

// ShouldBatch reports whether any of the §4.5 batching triggers currently
// holds: pending amount over threshold, wall time since lastBatch over
// the interval, or a channel closing.
func ShouldBatch(pendingTotal uint64, secondsSinceLastBatch int64, channelClosing bool) bool {
	if pendingTotal >= SettlementBatchThreshold {
		return true
	}
	if secondsSinceLastBatch >= SettlementBatchIntervalSeconds {
		return true
	}
	return channelClosing
}
