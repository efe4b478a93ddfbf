package core

// validator.go — one entry per validation concern named in §4.4, each
// returning a typed ProtocolError so the caller maps it to a wire code
// (§7). Composes codec.go (message digest/decode), crypto.go (Verify),
// content_store.go (manifest lookups) and provenance.go (root_L0L1
// correctness) the way the teacher's validator-shaped helpers compose
// storage + crypto rather than owning either.

import (
	"crypto/ed25519"
	"time"
)

// MaxClockSkew is §6.5 MAX_CLOCK_SKEW_MS: a message whose timestamp
// differs from "now" by more than this is rejected.
const MaxClockSkew = 5 * time.Minute

// MaxContentSize is §6.5 MAX_CONTENT_SIZE.
const MaxContentSize = 100 * 1024 * 1024

// Validator groups the validation concerns of §4.4 behind the stores
// they read from. It holds no mutable state of its own.
type Validator struct {
	manifests  *ManifestStore
	provenance *ProvenanceGraph
	channels   *ChannelStore
	access     *AccessChecker
	receipts   *ReceiptLog
}

// NewValidator wires the validation concerns to the stores they check
// against.
func NewValidator(manifests *ManifestStore, provenance *ProvenanceGraph, channels *ChannelStore, access *AccessChecker, receipts *ReceiptLog) *Validator {
	return &Validator{manifests: manifests, provenance: provenance, channels: channels, access: access, receipts: receipts}
}

// ValidateContent checks §4.4's content rules: the hash equals
// content_hash(bytes), the declared size matches, and the metadata/type/
// visibility fields are within their limits and enums (§3.5).
func (v *Validator) ValidateContent(m *Manifest, body []byte) error {
	if !m.ContentType.Valid() {
		return ErrBadManifest("validator: unknown content_type")
	}
	if !m.Visibility.Valid() {
		return ErrBadManifest("validator: unknown visibility")
	}
	if uint64(len(body)) > MaxContentSize {
		return ErrContentTooLarge("validator: content exceeds MAX_CONTENT_SIZE")
	}
	if ContentHash(body) != m.Hash {
		return ErrBadHash("validator: content_hash(bytes) != manifest.hash")
	}
	if uint64(len(body)) != m.Metadata.ContentSize {
		return ErrBadManifest("validator: declared content_size does not match body length")
	}
	if len(m.Metadata.Title) > MaxTitleLen {
		return ErrBadManifest("validator: title exceeds MaxTitleLen")
	}
	if len(m.Metadata.Description) > MaxDescriptionLen {
		return ErrBadManifest("validator: description exceeds MaxDescriptionLen")
	}
	if len(m.Metadata.Tags) > MaxTagCount {
		return ErrBadManifest("validator: too many tags")
	}
	for _, tag := range m.Metadata.Tags {
		if len(tag) > MaxTagLen {
			return ErrBadManifest("validator: tag exceeds MaxTagLen")
		}
	}
	return nil
}

// ValidateVersion checks the version-chain invariants of §3.4 rule 5.
// prev is nil for a version-1 manifest.
func (v *Validator) ValidateVersion(prev, next *Manifest) error {
	if prev == nil {
		if next.Previous != nil {
			return ErrBadVersion("validator: version 1 must have previous == nil")
		}
		if next.Root != next.Hash {
			return ErrBadVersion("validator: version 1 must have root == self")
		}
		if next.Version != 1 {
			return ErrBadVersion("validator: first manifest in a chain must be version 1")
		}
		return nil
	}
	if next.Previous == nil || *next.Previous != prev.Hash {
		return ErrBadVersion("validator: previous must equal the prior version's hash")
	}
	if next.Root != prev.Root {
		return ErrBadVersion("validator: root must carry over from the prior version")
	}
	if next.Version != prev.Version+1 {
		return ErrBadVersion("validator: version must increase by exactly one")
	}
	if next.UpdatedAt <= prev.UpdatedAt {
		return ErrBadVersion("validator: timestamp must strictly increase across versions")
	}
	return nil
}

// ValidateProvenance checks §3.4's derivation invariants: every source in
// derivedFrom must have been queried-and-paid-for by creator (a receipt
// exists) or be creator's own content; the source-count bound; no
// self-reference. The depth bound and weight correctness are enforced by
// ProvenanceGraph.Add, which callers (operations.go) invoke after this
// check.
func (v *Validator) ValidateProvenance(creator PeerID, hash Hash, derivedFrom []Hash) error {
	if len(derivedFrom) > MaxSourcesPerL3 {
		return ErrBadProvenance("validator: derived_from exceeds the source-count bound")
	}
	for _, d := range derivedFrom {
		if d == hash {
			return ErrBadProvenance("validator: self-reference in derived_from")
		}
		src, err := v.manifests.Get(d)
		if err != nil {
			return ErrBadProvenance("validator: unknown derivation source").Wrap(err)
		}
		if src.Owner == creator {
			continue
		}
		if v.receipts == nil || !v.receipts.HasPaid(creator, d) {
			return ErrBadProvenance("validator: derivation source was neither queried-and-paid-for nor creator-owned")
		}
	}
	return nil
}

// ValidatePayment checks §4.4's payment rules against the manifest being
// queried and the channel the payment is carried over.
func (v *Validator) ValidatePayment(m *Manifest, p *Payment, payerPub ed25519.PublicKey) error {
	if p.Amount < m.Economics.Price {
		return ErrPaymentRequired("validator: amount below manifest price")
	}
	if p.Recipient != m.Owner {
		return ErrInvalidPayment("validator: recipient does not match manifest owner")
	}
	if p.QueryHash != m.Hash {
		return ErrInvalidPayment("validator: query_hash does not match manifest hash")
	}
	ch, err := v.channels.Get(p.ChannelID)
	if err != nil {
		return ErrChannelNotFound("validator: payment references unknown channel").Wrap(err)
	}
	if ch.State != ChannelOpen {
		return ErrChannelClosed("validator: payment channel is not Open")
	}
	if ch.CounterpartyBalance(p.Recipient) < p.Amount {
		return ErrInsufficientBalance("validator: counterparty balance insufficient for payment")
	}
	if p.Nonce <= ch.Nonce {
		return ErrInvalidNonce("validator: payment nonce must exceed the channel's current nonce")
	}
	digest := PaymentDigest(*p)
	if !Verify(payerPub, digest[:], p.Signature) {
		return ErrInvalidPayment("validator: payment signature does not verify")
	}
	roots, err := v.provenance.RootsOf(m.Hash)
	if err != nil {
		return ErrBadProvenance("validator: manifest has no provenance roots on record").Wrap(err)
	}
	if !rootsEqual(p.Provenance, roots) {
		return ErrInvalidPayment("validator: payment provenance does not match manifest root_L0L1")
	}
	return nil
}

func rootsEqual(a, b []RootEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Hash != b[i].Hash || a[i].Owner != b[i].Owner || a[i].Weight != b[i].Weight || a[i].Type != b[i].Type {
			return false
		}
	}
	return true
}

// ValidateMessage checks §4.4's envelope rules: protocol version, a
// well-formed sender PeerID, clock skew, and the envelope signature.
func (v *Validator) ValidateMessage(env *Envelope, senderPub ed25519.PublicKey, now time.Time) error {
	if env.Version != ProtocolVersion {
		return ErrBadManifest("validator: unsupported protocol version")
	}
	if env.Header.Sender.IsZero() {
		return ErrBadManifest("validator: malformed sender PeerID")
	}
	skew := now.Unix() - env.Header.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > MaxClockSkew {
		return ErrBadManifest("validator: message timestamp outside MAX_CLOCK_SKEW_MS")
	}
	digest := env.Digest()
	if !Verify(senderPub, digest[:], env.Signature) {
		return ErrBadManifest("validator: envelope signature does not verify")
	}
	return nil
}

// ValidateAccess applies §4.4's access rules. Per §8's boundary case, a
// denied Private lookup is remapped by the caller (operations.go) to
// NOT_FOUND before it reaches the wire, so existence is never leaked.
func (v *Validator) ValidateAccess(m *Manifest, requester PeerID) error {
	return v.access.Check(m.Owner, m.Visibility, m.Access, requester)
}
