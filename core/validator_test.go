package core

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nodalync/engine/internal/testutil"
)

func newTestValidator(t *testing.T) (*Validator, *ManifestStore, *ProvenanceGraph, *ChannelStore, *ReceiptLog) {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	t.Cleanup(func() { sb.Cleanup() })

	manifests, err := NewManifestStore(filepath.Join(sb.Root, "manifests.wal"))
	if err != nil {
		t.Fatalf("NewManifestStore: %v", err)
	}
	t.Cleanup(func() { manifests.Close() })

	provenance := NewProvenanceGraph()
	channels := NewChannelStore()
	access := NewAccessChecker()
	receipts := NewReceiptLog()
	v := NewValidator(manifests, provenance, channels, access, receipts)
	return v, manifests, provenance, channels, receipts
}

func TestValidateContentChecksHashAndSize(t *testing.T) {
	v, _, _, _, _ := newTestValidator(t)
	body := []byte("hello world")
	m := &Manifest{
		Hash:        ContentHash(body),
		ContentType: ContentL0,
		Visibility:  VisibilityShared,
		Metadata:    Metadata{ContentSize: uint64(len(body))},
	}
	if err := v.ValidateContent(m, body); err != nil {
		t.Fatalf("ValidateContent: %v", err)
	}

	bad := m.Clone()
	bad.Hash = Hash{0xFF}
	if err := v.ValidateContent(bad, body); err == nil {
		t.Fatalf("expected error for mismatched content hash")
	}
}

func TestValidateContentRejectsWrongDeclaredSize(t *testing.T) {
	v, _, _, _, _ := newTestValidator(t)
	body := []byte("hello world")
	m := &Manifest{
		Hash:        ContentHash(body),
		ContentType: ContentL0,
		Visibility:  VisibilityShared,
		Metadata:    Metadata{ContentSize: uint64(len(body)) + 1},
	}
	if err := v.ValidateContent(m, body); err == nil {
		t.Fatalf("expected error for mismatched declared content_size")
	}
}

func TestValidateVersionFirstVersionRules(t *testing.T) {
	v, _, _, _, _ := newTestValidator(t)
	hash := Hash{1}
	first := &Manifest{Hash: hash, Root: hash, Version: 1}
	if err := v.ValidateVersion(nil, first); err != nil {
		t.Fatalf("ValidateVersion: %v", err)
	}

	bad := &Manifest{Hash: hash, Root: Hash{2}, Version: 1}
	if err := v.ValidateVersion(nil, bad); err == nil {
		t.Fatalf("expected error for version-1 manifest with root != self")
	}
}

func TestValidateVersionChainRules(t *testing.T) {
	v, _, _, _, _ := newTestValidator(t)
	root := Hash{1}
	prev := &Manifest{Hash: root, Root: root, Version: 1, UpdatedAt: 100}

	next := &Manifest{Hash: Hash{2}, Previous: &root, Root: root, Version: 2, UpdatedAt: 200}
	if err := v.ValidateVersion(prev, next); err != nil {
		t.Fatalf("ValidateVersion chain: %v", err)
	}

	staleTime := &Manifest{Hash: Hash{2}, Previous: &root, Root: root, Version: 2, UpdatedAt: 50}
	if err := v.ValidateVersion(prev, staleTime); err == nil {
		t.Fatalf("expected error for non-increasing UpdatedAt across versions")
	}

	skippedVersion := &Manifest{Hash: Hash{2}, Previous: &root, Root: root, Version: 3, UpdatedAt: 200}
	if err := v.ValidateVersion(prev, skippedVersion); err == nil {
		t.Fatalf("expected error for version jump")
	}
}

func TestValidateProvenanceRequiresOwnershipOrReceipt(t *testing.T) {
	v, manifests, _, _, receipts := newTestValidator(t)
	creator := PeerID{1}
	otherOwner := PeerID{2}

	srcHash := Hash{9}
	src := &Manifest{Hash: srcHash, Owner: otherOwner, ContentType: ContentL0, Root: srcHash, Version: 1}
	if err := manifests.Put(src); err != nil {
		t.Fatalf("Put source manifest: %v", err)
	}

	newHash := Hash{10}
	if err := v.ValidateProvenance(creator, newHash, []Hash{srcHash}); err == nil {
		t.Fatalf("expected error deriving from an unpaid, non-owned source")
	}

	receipts.Record(creator, srcHash, PaymentReceipt{ContentHash: srcHash})
	if err := v.ValidateProvenance(creator, newHash, []Hash{srcHash}); err != nil {
		t.Fatalf("expected paid derivation to pass, got %v", err)
	}
}

func TestValidateProvenanceAllowsOwnContent(t *testing.T) {
	v, manifests, _, _, _ := newTestValidator(t)
	creator := PeerID{1}
	srcHash := Hash{9}
	src := &Manifest{Hash: srcHash, Owner: creator, ContentType: ContentL0, Root: srcHash, Version: 1}
	if err := manifests.Put(src); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := v.ValidateProvenance(creator, Hash{10}, []Hash{srcHash}); err != nil {
		t.Fatalf("expected creator-owned source to pass, got %v", err)
	}
}

func TestValidateProvenanceRejectsSelfReference(t *testing.T) {
	v, _, _, _, _ := newTestValidator(t)
	h := Hash{1}
	if err := v.ValidateProvenance(PeerID{1}, h, []Hash{h}); err == nil {
		t.Fatalf("expected error for self-referential derived_from")
	}
}

func TestValidatePaymentFullRoundtrip(t *testing.T) {
	v, manifests, provenance, channels, _ := newTestValidator(t)

	owner, _ := GenerateIdentity()
	payer, _ := GenerateIdentity()

	contentHash := Hash{5}
	roots := []RootEntry{{Hash: contentHash, Owner: owner.Peer, Weight: 1, Type: ContentL0}}
	if _, err := provenance.Add(contentHash, ContentL0, owner.Peer, VisibilityShared, nil, nil); err != nil {
		t.Fatalf("provenance.Add: %v", err)
	}

	m := &Manifest{
		Hash:       contentHash,
		Owner:      owner.Peer,
		Root:       contentHash,
		Version:    1,
		Visibility: VisibilityShared,
		Economics:  Economics{Price: 100},
	}
	if err := manifests.Put(m); err != nil {
		t.Fatalf("Put: %v", err)
	}

	channels.RegisterPeerKey(payer.Peer, payer.Public)
	channels.RegisterPeerKey(owner.Peer, owner.Public)
	ch, err := channels.Open(payer.Peer, owner.Peer, 1000, 0, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := channels.MarkFunded(ch.ID); err != nil {
		t.Fatalf("MarkFunded: %v", err)
	}

	p := Payment{
		QueryHash:  contentHash,
		Payer:      payer.Peer,
		Recipient:  owner.Peer,
		Amount:     100,
		ChannelID:  ch.ID,
		Nonce:      1,
		Provenance: roots,
		Timestamp:  time.Now().Unix(),
	}
	p.Signature = payer.SignPayment(p)

	if err := v.ValidatePayment(m, &p, payer.Public); err != nil {
		t.Fatalf("ValidatePayment: %v", err)
	}
}

func TestValidatePaymentRejectsBelowPrice(t *testing.T) {
	v, manifests, provenance, channels, _ := newTestValidator(t)
	owner, _ := GenerateIdentity()
	payer, _ := GenerateIdentity()

	contentHash := Hash{5}
	if _, err := provenance.Add(contentHash, ContentL0, owner.Peer, VisibilityShared, nil, nil); err != nil {
		t.Fatalf("provenance.Add: %v", err)
	}
	m := &Manifest{Hash: contentHash, Owner: owner.Peer, Root: contentHash, Version: 1, Economics: Economics{Price: 100}}
	if err := manifests.Put(m); err != nil {
		t.Fatalf("Put: %v", err)
	}

	channels.RegisterPeerKey(payer.Peer, payer.Public)
	channels.RegisterPeerKey(owner.Peer, owner.Public)
	ch, _ := channels.Open(payer.Peer, owner.Peer, 1000, 0, 1)
	_ = channels.MarkFunded(ch.ID)

	p := Payment{QueryHash: contentHash, Payer: payer.Peer, Recipient: owner.Peer, Amount: 10, ChannelID: ch.ID, Nonce: 1}
	p.Signature = payer.SignPayment(p)
	if err := v.ValidatePayment(m, &p, payer.Public); err == nil {
		t.Fatalf("expected error for payment below manifest price")
	}
}

func TestValidateMessageRejectsStaleClock(t *testing.T) {
	v, _, _, _, _ := newTestValidator(t)
	id, _ := GenerateIdentity()
	body, _ := Marshal(PingPayload{Nonce: 1})
	env, err := NewEnvelope(id, MsgPing, body)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	farFuture := time.Unix(env.Header.Timestamp, 0).Add(time.Hour)
	if err := v.ValidateMessage(env, id.Public, farFuture); err == nil {
		t.Fatalf("expected error for a message far outside clock-skew tolerance")
	}
	if err := v.ValidateMessage(env, id.Public, time.Unix(env.Header.Timestamp, 0)); err != nil {
		t.Fatalf("ValidateMessage within tolerance: %v", err)
	}
}

func TestValidateMessageRejectsBadSignature(t *testing.T) {
	v, _, _, _, _ := newTestValidator(t)
	id, _ := GenerateIdentity()
	other, _ := GenerateIdentity()
	body, _ := Marshal(PingPayload{Nonce: 1})
	env, err := NewEnvelope(id, MsgPing, body)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := v.ValidateMessage(env, other.Public, time.Unix(env.Header.Timestamp, 0)); err == nil {
		t.Fatalf("expected error verifying against the wrong public key")
	}
}

func TestValidateAccessDelegatesToAccessChecker(t *testing.T) {
	v, _, _, _, _ := newTestValidator(t)
	owner := PeerID{1}
	requester := PeerID{2}
	m := &Manifest{Owner: owner, Visibility: VisibilityPrivate}
	if err := v.ValidateAccess(m, requester); err == nil {
		t.Fatalf("expected error for non-owner access to a private manifest")
	}
	if err := v.ValidateAccess(m, owner); err != nil {
		t.Fatalf("expected owner access to pass, got %v", err)
	}
}
