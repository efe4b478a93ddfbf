package core

// operations.go — the fourteen public verbs of §4.7, plus the inbound
// envelope dispatcher that wires every wire message type to its handler.
// Every verb is a method on *Engine since an Engine already holds every
// store, the transport, and the settlement contract a verb might touch —
// there is no separate "operations" struct to thread those dependencies
// through a second time.

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

//---------------------------------------------------------------------
// create / extract_l1 / derive / build_l2 / merge_l2 / reference_l3_as_l0
//---------------------------------------------------------------------

// Create publishes a brand-new L0 content item: raw material with no
// derivation (§3.4).
func (e *Engine) Create(owner PeerID, body []byte, visibility Visibility, econ Economics, meta Metadata) (*Manifest, error) {
	hash := ContentHash(body)
	meta.ContentSize = uint64(len(body))
	now := wallClock.Now().Unix()

	m := &Manifest{
		Hash: hash, ContentType: ContentL0, Owner: owner, Version: 1, Root: hash,
		Visibility: visibility, Economics: econ, Metadata: meta, CreatedAt: now, UpdatedAt: now,
	}
	if err := e.Validator.ValidateContent(m, body); err != nil {
		return nil, err
	}
	if _, err := e.Provenance.Add(hash, ContentL0, owner, visibility, nil, nil); err != nil {
		return nil, err
	}
	m.RootL0L1 = []RootEntry{{Hash: hash, Owner: owner, Visibility: visibility, Weight: 1, Type: ContentL0}}
	if err := e.Blobs.Put(hash, body); err != nil {
		return nil, err
	}
	if err := e.Manifests.Put(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ExtractL1 derives an atomic-fact L1 item from exactly one L0 parent
// (§3.4). The L1 natural-language extraction heuristic itself is an
// external collaborator concern (§1) — this verb only records the
// resulting content item and its provenance.
func (e *Engine) ExtractL1(owner PeerID, parentL0 Hash, body []byte, visibility Visibility, econ Economics, meta Metadata) (*Manifest, error) {
	parent, err := e.Manifests.Get(parentL0)
	if err != nil {
		return nil, err
	}
	if parent.ContentType != ContentL0 {
		return nil, ErrBadProvenance("operations: extract_l1 requires an L0 parent")
	}
	hash := ContentHash(body)
	if err := e.Validator.ValidateProvenance(owner, hash, []Hash{parentL0}); err != nil {
		return nil, err
	}
	parentRec, err := e.Provenance.Get(parentL0)
	if err != nil {
		return nil, err
	}
	rec, err := e.Provenance.Add(hash, ContentL1, owner, visibility, []Hash{parentL0}, []*ProvenanceRecord{parentRec})
	if err != nil {
		return nil, err
	}

	meta.ContentSize = uint64(len(body))
	now := wallClock.Now().Unix()
	m := &Manifest{
		Hash: hash, ContentType: ContentL1, Owner: owner, Version: 1, Root: hash,
		Visibility: visibility, Economics: econ, DerivedFrom: []Hash{parentL0}, RootL0L1: rec.RootL0L1,
		Depth: rec.Depth, Metadata: meta, CreatedAt: now, UpdatedAt: now,
	}
	if err := e.Validator.ValidateContent(m, body); err != nil {
		return nil, err
	}
	if err := e.Blobs.Put(hash, body); err != nil {
		return nil, err
	}
	if err := e.Manifests.Put(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Derive synthesizes an L3 item over any mix of L0/L1/L2/L3 sources
// (§3.4). Every source must already have been queried-and-paid-for by
// owner, or be owner's own content — enforced by ValidateProvenance.
func (e *Engine) Derive(owner PeerID, sources []Hash, body []byte, visibility Visibility, econ Economics, meta Metadata) (*Manifest, error) {
	hash := ContentHash(body)
	if err := e.Validator.ValidateProvenance(owner, hash, sources); err != nil {
		return nil, err
	}
	sourceRecs := make([]*ProvenanceRecord, len(sources))
	for i, s := range sources {
		rec, err := e.Provenance.Get(s)
		if err != nil {
			return nil, ErrBadProvenance("operations: derive: source has no provenance record").Wrap(err)
		}
		sourceRecs[i] = rec
	}
	rec, err := e.Provenance.Add(hash, ContentL3, owner, visibility, sources, sourceRecs)
	if err != nil {
		return nil, err
	}

	meta.ContentSize = uint64(len(body))
	now := wallClock.Now().Unix()
	m := &Manifest{
		Hash: hash, ContentType: ContentL3, Owner: owner, Version: 1, Root: hash,
		Visibility: visibility, Economics: econ, DerivedFrom: sources, RootL0L1: rec.RootL0L1,
		Depth: rec.Depth, Metadata: meta, CreatedAt: now, UpdatedAt: now,
	}
	if err := e.Validator.ValidateContent(m, body); err != nil {
		return nil, err
	}
	if err := e.Blobs.Put(hash, body); err != nil {
		return nil, err
	}
	if err := e.Manifests.Put(m); err != nil {
		return nil, err
	}
	return m, nil
}

// BuildL2 constructs a private personal entity graph from one or more of
// the owner's L1 or L2 sources (§3.4); MergeL2 uses it for L2-only source
// sets. L2 content is never entered into the shared provenance
// graph — ProvenanceGraph.Add rejects ContentL2 outright — so this verb
// keeps its derivation edges in the manifest alone, visible only to the
// owning node.
func (e *Engine) BuildL2(owner PeerID, l1Sources []Hash, body []byte, meta Metadata) (*Manifest, error) {
	for _, s := range l1Sources {
		src, err := e.Manifests.Get(s)
		if err != nil {
			return nil, err
		}
		if src.ContentType != ContentL1 && src.ContentType != ContentL2 {
			return nil, ErrBadProvenance("operations: build_l2 sources must be L1 or L2")
		}
		if src.Owner != owner {
			return nil, ErrBadProvenance("operations: build_l2 sources must be owned by the builder")
		}
	}
	hash := ContentHash(body)
	meta.ContentSize = uint64(len(body))
	now := wallClock.Now().Unix()
	m := &Manifest{
		Hash: hash, ContentType: ContentL2, Owner: owner, Version: 1, Root: hash,
		Visibility: VisibilityPrivate, DerivedFrom: l1Sources, Metadata: meta,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := e.Validator.ValidateContent(m, body); err != nil {
		return nil, err
	}
	if err := e.Blobs.Put(hash, body); err != nil {
		return nil, err
	}
	if err := e.Manifests.Put(m); err != nil {
		return nil, err
	}
	return m, nil
}

// MergeL2 combines two or more of the owner's own L2 items into a new
// private L2 (§3.4 "optionally merged with owned L2s").
func (e *Engine) MergeL2(owner PeerID, l2Sources []Hash, body []byte, meta Metadata) (*Manifest, error) {
	if len(l2Sources) < 2 {
		return nil, ErrBadProvenance("operations: merge_l2 requires at least two sources")
	}
	for _, s := range l2Sources {
		src, err := e.Manifests.Get(s)
		if err != nil {
			return nil, err
		}
		if src.ContentType != ContentL2 {
			return nil, ErrBadProvenance("operations: merge_l2 sources must be L2")
		}
		if src.Owner != owner {
			return nil, ErrBadProvenance("operations: merge_l2 sources must be owned by the merger")
		}
	}
	return e.BuildL2(owner, l2Sources, body, meta)
}

// ReferenceL3AsL0 records a local reference that treats a previously
// queried L3 as an L0 source for a forthcoming derivation (§4.7): it does
// not copy content. The referenced L3's root_L0L1 is merged into the new
// content's root set, and the L3's owner is added as a new weight-1 root
// entry typed as L0 — "treated as" L0, satisfying invariant 1 (root_L0L1
// holds only L0/L1-typed entries) without special-casing the invariant
// itself. Per §9 OQ2, the reference is refused if accepting it would let
// the L3 become a root of its own upstream sources (a cycle).
func (e *Engine) ReferenceL3AsL0(creator PeerID, l3Hash Hash) (*ProvenanceRecord, error) {
	l3, err := e.Manifests.Get(l3Hash)
	if err != nil {
		return nil, err
	}
	if l3.ContentType != ContentL3 {
		return nil, ErrBadProvenance("operations: reference_l3_as_l0 requires an L3 source")
	}
	if l3.Owner != creator && !e.Receipts.HasPaid(creator, l3Hash) {
		return nil, ErrBadProvenance("operations: reference_l3_as_l0 source was neither queried-and-paid-for nor creator-owned")
	}
	rec, err := e.Provenance.Get(l3Hash)
	if err != nil {
		return nil, err
	}
	for _, r := range rec.RootL0L1 {
		if e.Provenance.ContainsSource(r.Hash, l3Hash) {
			return nil, ErrBadProvenance("operations: reference_l3_as_l0 would create a provenance cycle")
		}
	}

	synthetic := &ProvenanceRecord{
		Hash:        l3Hash,
		ContentType: ContentL0,
		DerivedFrom: nil,
		Depth:       rec.Depth,
		RootL0L1:    append(append([]RootEntry(nil), rec.RootL0L1...), RootEntry{Hash: l3Hash, Owner: l3.Owner, Visibility: l3.Visibility, Weight: 1, Type: ContentL0}),
	}
	e.Provenance.SetReference(l3Hash, synthetic)
	return synthetic, nil
}

//---------------------------------------------------------------------
// publish / update
//---------------------------------------------------------------------

// Publish sets a manifest's visibility and, unless it is Private,
// announces it over the DHT and the ANNOUNCE gossip topic. L2 content can
// never be published (§8 scenario 6) regardless of the requested
// visibility.
func (e *Engine) Publish(hash Hash, visibility Visibility) error {
	m, err := e.Manifests.Get(hash)
	if err != nil {
		return err
	}
	if m.ContentType == ContentL2 {
		return ErrBadManifest("operations: L2 content cannot be published")
	}
	m.Visibility = visibility
	m.UpdatedAt = wallClock.Now().Unix()
	if err := e.Manifests.Update(m); err != nil {
		return err
	}
	e.Access.Prime(hash, m.Access)

	if visibility == VisibilityPrivate {
		return nil
	}
	rec := AnnounceRecord{Hash: hash, Owner: m.Owner, ContentType: m.ContentType, Visibility: visibility, AnnouncedAt: wallClock.Now().Unix()}
	if err := e.DHT.Announce(hash, rec); err != nil {
		return fmt.Errorf("operations: publish: dht announce: %w", err)
	}
	payload, err := Marshal(AnnouncePayload{Hash: hash, Owner: m.Owner, ContentType: m.ContentType, Visibility: visibility, Price: m.Economics.Price})
	if err != nil {
		return fmt.Errorf("operations: publish: encoding announce payload: %w", err)
	}
	return e.Network.Broadcast(AnnounceTopic, payload)
}

// Update appends a new version to an existing manifest's chain (§3.4 rule
// 5): the content body changes, the version number advances by one, and
// root/previous/derivation lineage carry forward from the prior version.
func (e *Engine) Update(prevHash Hash, newBody []byte, meta Metadata, econ Economics) (*Manifest, error) {
	prev, err := e.Manifests.Get(prevHash)
	if err != nil {
		return nil, err
	}
	hash := ContentHash(newBody)
	meta.ContentSize = uint64(len(newBody))
	now := wallClock.Now().Unix()
	if now <= prev.UpdatedAt {
		now = prev.UpdatedAt + 1
	}

	next := &Manifest{
		Hash: hash, ContentType: prev.ContentType, Owner: prev.Owner, Version: prev.Version + 1,
		Previous: &prevHash, Root: prev.Root, Visibility: prev.Visibility, Access: prev.Access,
		Economics: econ, DerivedFrom: prev.DerivedFrom, RootL0L1: prev.RootL0L1, Depth: prev.Depth,
		Metadata: meta, CreatedAt: prev.CreatedAt, UpdatedAt: now,
	}
	if err := e.Validator.ValidateVersion(prev, next); err != nil {
		return nil, err
	}
	if err := e.Validator.ValidateContent(next, newBody); err != nil {
		return nil, err
	}
	if err := e.Blobs.Put(hash, newBody); err != nil {
		return nil, err
	}
	if err := e.Manifests.Put(next); err != nil {
		return nil, err
	}
	return next, nil
}

//---------------------------------------------------------------------
// preview
//---------------------------------------------------------------------

// Preview fetches a manifest from a remote peer (the querier-side half of
// the price/provenance discovery step that precedes a paid query).
func (e *Engine) Preview(ctx context.Context, peer PeerID, hash Hash) (*Manifest, error) {
	body, err := Marshal(PreviewRequestPayload{Hash: hash, Requester: e.Identity.Peer})
	if err != nil {
		return nil, fmt.Errorf("operations: preview: encoding request: %w", err)
	}
	env, err := NewEnvelope(e.Identity, MsgPreviewRequest, body)
	if err != nil {
		return nil, err
	}
	resp, err := e.sendWithRetry(ctx, peer, env)
	if err != nil {
		return nil, err
	}
	if resp.Type == MsgQueryError {
		return nil, decodeQueryError(resp.Body)
	}
	var payload PreviewResponsePayload
	if err := Unmarshal(resp.Body, &payload); err != nil {
		return nil, ErrBadManifest("operations: preview: undecodable response").Wrap(err)
	}
	return &payload.Manifest, nil
}

// handlePreview serves a PREVIEW_REQUEST. Per §8's boundary case, a denied
// Private lookup is reported as NOT_FOUND to avoid leaking existence.
func (e *Engine) handlePreview(from PeerID, body []byte) ([]byte, MessageType, error) {
	var req PreviewRequestPayload
	if err := Unmarshal(body, &req); err != nil {
		return nil, 0, ErrBadManifest("operations: undecodable preview request").Wrap(err)
	}
	m, err := e.Manifests.Get(req.Hash)
	if err != nil {
		return nil, 0, ErrNotFound("operations: no manifest for hash")
	}
	if err := e.Validator.ValidateAccess(m, from); err != nil {
		return nil, 0, ErrNotFound("operations: manifest not visible to requester")
	}
	raw, err := Marshal(PreviewResponsePayload{Manifest: *m})
	if err != nil {
		return nil, 0, fmt.Errorf("operations: encoding preview response: %w", err)
	}
	return raw, MsgPreviewResponse, nil
}

//---------------------------------------------------------------------
// query
//---------------------------------------------------------------------

// Query is the initiator side of §4.7's paid retrieval flow: resolve the
// peer, ensure a channel exists (auto-opening if policy allows), preview
// the manifest, build and sign a Payment, send QUERY_REQUEST, verify the
// returned content, apply the local channel debit, and cache the result.
func (e *Engine) Query(ctx context.Context, peer PeerID, hash Hash) ([]byte, *PaymentReceipt, error) {
	if _, ok := e.Network.PeerRecordOf(peer); !ok {
		return nil, nil, ErrPeerNotFound("operations: query: no known address for peer")
	}

	ch, err := e.ensureChannel(ctx, peer)
	if err != nil {
		return nil, nil, err
	}

	manifest, err := e.Preview(ctx, peer, hash)
	if err != nil {
		return nil, nil, err
	}

	payment := Payment{
		QueryHash: hash, Payer: e.Identity.Peer, Recipient: manifest.Owner,
		Amount: manifest.Economics.Price, ChannelID: ch.ID, Nonce: ch.Nonce + 1,
		Provenance: manifest.RootL0L1, Timestamp: wallClock.Now().Unix(),
	}
	payment.Signature = e.Identity.SignPayment(payment)

	body, err := Marshal(QueryRequestPayload{Hash: hash, Payment: payment})
	if err != nil {
		return nil, nil, fmt.Errorf("operations: query: encoding request: %w", err)
	}
	env, err := NewEnvelope(e.Identity, MsgQueryRequest, body)
	if err != nil {
		return nil, nil, err
	}
	resp, err := e.sendWithRetry(ctx, peer, env)
	if err != nil {
		return nil, nil, err
	}
	if resp.Type == MsgQueryError {
		return nil, nil, decodeQueryError(resp.Body)
	}

	var payload QueryResponsePayload
	if err := Unmarshal(resp.Body, &payload); err != nil {
		return nil, nil, ErrBadManifest("operations: query: undecodable response").Wrap(err)
	}
	if ContentHash(payload.Content) != hash {
		return nil, nil, ErrBadHash("operations: query: returned content does not match the requested hash")
	}

	if _, err := e.Channels.ApplyPayment(ch.ID, e.Identity.Peer, payment.Amount, payment.Nonce); err != nil {
		return nil, nil, err
	}

	e.Cache.Put(hash, payload.Content)
	e.Receipts.Record(e.Identity.Peer, hash, payload.Receipt)
	return payload.Content, &payload.Receipt, nil
}

// ensureChannel returns an Open channel with peer, auto-opening one under
// the §4.7 Auto-open policy if none exists: deposit
// min(available_balance, default_deposit), refusing with
// PAYMENT_REQUIRED if available_balance < min_deposit.
func (e *Engine) ensureChannel(ctx context.Context, peer PeerID) (*Channel, error) {
	existing := e.Channels.List(func(c *Channel) bool {
		return c.State == ChannelOpen && ((c.Initiator == e.Identity.Peer && c.Responder == peer) || (c.Responder == e.Identity.Peer && c.Initiator == peer))
	})
	if len(existing) > 0 {
		return existing[0], nil
	}

	available := e.Contract.Balance(e.Identity.Peer)
	if available < e.cfg.MinDeposit {
		return nil, ErrPaymentRequired("operations: query: available balance below min_deposit, auto-open refused")
	}
	deposit := e.cfg.DefaultDeposit
	if available < deposit {
		deposit = available
	}
	return e.OpenChannel(ctx, peer, deposit, 0)
}

// handleQuery serves a QUERY_REQUEST: validate access and payment, debit
// the payer's channel-side balance, compute and enqueue the root_L0L1
// distributions, bump economics counters, and return the content plus a
// signed receipt.
func (e *Engine) handleQuery(from PeerID, fromPub []byte, body []byte) ([]byte, MessageType, error) {
	var req QueryRequestPayload
	if err := Unmarshal(body, &req); err != nil {
		return nil, 0, ErrBadManifest("operations: undecodable query request").Wrap(err)
	}
	m, err := e.Manifests.Get(req.Hash)
	if err != nil {
		return nil, 0, ErrNotFound("operations: no manifest for hash")
	}
	if err := e.Validator.ValidateAccess(m, from); err != nil {
		return nil, 0, ErrNotFound("operations: manifest not visible to requester")
	}
	if err := e.Validator.ValidatePayment(m, &req.Payment, fromPub); err != nil {
		return nil, 0, err
	}

	if _, err := e.Channels.ApplyPayment(req.Payment.ChannelID, from, req.Payment.Amount, req.Payment.Nonce); err != nil {
		return nil, 0, err
	}

	distributions, err := e.Distributor.Distribute(req.Payment.Amount, m.Owner, m.RootL0L1)
	if err != nil {
		return nil, 0, err
	}
	for _, d := range distributions {
		if d.Amount == 0 {
			continue
		}
		e.Queue.Enqueue(d)
	}

	m.Economics.TotalQueries++
	m.Economics.TotalRevenue += req.Payment.Amount
	m.UpdatedAt = wallClock.Now().Unix()
	if err := e.Manifests.Update(m); err != nil {
		return nil, 0, err
	}

	content, err := e.Blobs.Get(req.Hash)
	if err != nil {
		return nil, 0, err
	}

	receipt := PaymentReceipt{Payment: req.Payment, ContentHash: req.Hash, IssuedAt: wallClock.Now().Unix()}
	digest := PaymentDigest(req.Payment)
	receipt.ServerSignature = e.Identity.Sign(digest[:])

	raw, err := Marshal(QueryResponsePayload{Hash: req.Hash, Content: content, Receipt: receipt})
	if err != nil {
		return nil, 0, fmt.Errorf("operations: encoding query response: %w", err)
	}
	return raw, MsgQueryResponse, nil
}

func decodeQueryError(body []byte) error {
	var payload QueryErrorPayload
	if err := Unmarshal(body, &payload); err != nil {
		return ErrInternal("operations: undecodable query error").Wrap(err)
	}
	return errorForCode(payload.Code, payload.Message)
}

// errorForCode rebuilds a typed ProtocolError from a wire code, the
// inverse of WireCode, so a QUERY_ERROR response is as catchable locally
// as a same-process failure.
func errorForCode(code uint16, msg string) *ProtocolError {
	switch code {
	case CodeNotFound:
		return ErrNotFound(msg)
	case CodeAccessDenied:
		return ErrAccessDenied(msg)
	case CodePaymentRequired:
		return ErrPaymentRequired(msg)
	case CodeInvalidPayment:
		return ErrInvalidPayment(msg)
	case CodeRateLimited:
		return ErrRateLimited(msg)
	case CodeChannelNotFound:
		return ErrChannelNotFound(msg)
	case CodeChannelClosed:
		return ErrChannelClosed(msg)
	case CodeInsufficientBalance:
		return ErrInsufficientBalance(msg)
	case CodeInvalidNonce:
		return ErrInvalidNonce(msg)
	case CodeBadHash:
		return ErrBadHash(msg)
	case CodeBadProvenance:
		return ErrBadProvenance(msg)
	case CodeBadVersion:
		return ErrBadVersion(msg)
	case CodeBadManifest:
		return ErrBadManifest(msg)
	case CodeContentTooLarge:
		return ErrContentTooLarge(msg)
	case CodePeerNotFound:
		return ErrPeerNotFound(msg)
	case CodeConnectionFailed:
		return ErrConnectionFailed(msg)
	case CodeTimeout:
		return ErrTimeout(msg)
	default:
		return ErrInternal(msg)
	}
}

//---------------------------------------------------------------------
// open_channel / close_channel / dispute_channel / settle_batch
//---------------------------------------------------------------------

// OpenChannel proposes a new bilateral channel to peer and blocks for its
// CHANNEL_ACCEPT (§4.6: Open requires both peers' CHANNEL_OPEN/
// CHANNEL_ACCEPT and the contract's funding proof).
func (e *Engine) OpenChannel(ctx context.Context, peer PeerID, initiatorDeposit, responderDeposit uint64) (*Channel, error) {
	creationNonce := wallClock.Now().UnixNano()
	ch, err := e.Channels.Open(e.Identity.Peer, peer, initiatorDeposit, responderDeposit, creationNonce)
	if err != nil {
		return nil, err
	}

	body, err := Marshal(ChannelOpenPayload{
		ChannelID: ch.ID, Initiator: e.Identity.Peer, Responder: peer,
		InitiatorDeposit: initiatorDeposit, ResponderDeposit: responderDeposit,
	})
	if err != nil {
		return nil, fmt.Errorf("operations: open_channel: encoding request: %w", err)
	}
	env, err := NewEnvelope(e.Identity, MsgChannelOpen, body)
	if err != nil {
		return nil, err
	}
	resp, err := e.sendWithRetry(ctx, peer, env)
	if err != nil {
		return nil, err
	}
	var accept ChannelAcceptPayload
	if err := Unmarshal(resp.Body, &accept); err != nil {
		return nil, ErrBadManifest("operations: open_channel: undecodable accept").Wrap(err)
	}
	if !accept.Accepted {
		return nil, ErrChannelClosed("operations: open_channel: peer declined")
	}

	if err := e.Contract.OpenChannel(ch); err != nil {
		return nil, err
	}
	if err := e.Channels.MarkFunded(ch.ID); err != nil {
		return nil, err
	}
	if rec, ok := e.Network.PeerRecordOf(peer); ok {
		e.Channels.RegisterPeerKey(peer, rec.PublicKey)
	}
	return e.Channels.Get(ch.ID)
}

// handleChannelOpen serves a CHANNEL_OPEN proposal: mirror the channel
// locally under the id the initiator already derived, fund it against the
// settlement contract, and accept.
func (e *Engine) handleChannelOpen(from PeerID, fromPub []byte, body []byte) ([]byte, MessageType, error) {
	var req ChannelOpenPayload
	if err := Unmarshal(body, &req); err != nil {
		return nil, 0, ErrBadManifest("operations: undecodable channel_open").Wrap(err)
	}
	ch, err := e.Channels.OpenWithID(req.ChannelID, req.Initiator, req.Responder, req.InitiatorDeposit, req.ResponderDeposit)
	if err != nil {
		return nil, 0, err
	}
	if err := e.Contract.OpenChannel(ch); err != nil {
		return nil, 0, err
	}
	if err := e.Channels.MarkFunded(ch.ID); err != nil {
		return nil, 0, err
	}
	e.Channels.RegisterPeerKey(from, fromPub)

	raw, err := Marshal(ChannelAcceptPayload{ChannelID: ch.ID, Accepted: true})
	if err != nil {
		return nil, 0, fmt.Errorf("operations: encoding channel_accept: %w", err)
	}
	return raw, MsgChannelAccept, nil
}

// handleChannelUpdate applies a cooperatively co-signed balance
// replacement (§4.6 UPDATE).
func (e *Engine) handleChannelUpdate(body []byte) ([]byte, MessageType, error) {
	var req ChannelUpdatePayload
	if err := Unmarshal(body, &req); err != nil {
		return nil, 0, ErrBadManifest("operations: undecodable channel_update").Wrap(err)
	}
	if _, err := e.Channels.Update(&req.State); err != nil {
		return nil, 0, err
	}
	raw, err := Marshal(ChannelAcceptPayload{ChannelID: req.State.Balances.ChannelID, Accepted: true})
	if err != nil {
		return nil, 0, err
	}
	return raw, MsgChannelAccept, nil
}

// CloseChannel drives the cooperative-close half of §4.6: both peers'
// signatures finalize the balances locally, the settlement contract
// settles them, and the batcher is nudged to sweep any still-pending
// distributions before the channel disappears.
func (e *Engine) CloseChannel(ctx context.Context, peer PeerID, signed *SignedChannelState) (*Channel, error) {
	ch, err := e.Channels.InitiateClose(signed)
	if err != nil {
		return nil, err
	}
	initPub, _ := e.Network.PeerRecordOf(ch.Initiator)
	respPub, _ := e.Network.PeerRecordOf(ch.Responder)
	if err := e.Contract.CloseChannel(signed, initPub.PublicKey, respPub.PublicKey); err != nil {
		return nil, err
	}
	e.Batcher.TriggerOnClose()

	body, err := Marshal(ChannelClosePayload{State: *signed})
	if err == nil {
		if env, eerr := NewEnvelope(e.Identity, MsgChannelClose, body); eerr == nil {
			_, _ = e.Network.SendRequest(ctx, peer, env)
		}
	}
	return ch, nil
}

// handleChannelClose mirrors a counterparty-initiated cooperative close.
func (e *Engine) handleChannelClose(body []byte) ([]byte, MessageType, error) {
	var req ChannelClosePayload
	if err := Unmarshal(body, &req); err != nil {
		return nil, 0, ErrBadManifest("operations: undecodable channel_close").Wrap(err)
	}
	ch, err := e.Channels.InitiateClose(&req.State)
	if err != nil {
		return nil, 0, err
	}
	e.Batcher.TriggerOnClose()
	raw, err := Marshal(ChannelAcceptPayload{ChannelID: ch.ID, Accepted: true})
	if err != nil {
		return nil, 0, err
	}
	return raw, MsgChannelAccept, nil
}

// DisputeChannel submits a unilateral dispute or counter-dispute (§4.6).
// Whether the contract call is a first dispute or a counter-dispute is
// decided by the channel's state before this submission.
func (e *Engine) DisputeChannel(signed *SignedChannelState) (*Channel, error) {
	before, err := e.Channels.Get(signed.Balances.ChannelID)
	if err != nil {
		return nil, err
	}
	wasDisputed := before.State == ChannelDisputed

	ch, err := e.Channels.Dispute(signed)
	if err != nil {
		return nil, err
	}

	disputantPub, _ := e.Network.PeerRecordOf(e.Identity.Peer)
	if wasDisputed {
		err = e.Contract.CounterDispute(signed, disputantPub.PublicKey)
	} else {
		err = e.Contract.DisputeChannel(signed, disputantPub.PublicKey)
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// handleChannelDispute serves a peer's CHANNEL_DISPUTE submission.
func (e *Engine) handleChannelDispute(from PeerID, fromPub []byte, body []byte) ([]byte, MessageType, error) {
	var req ChannelDisputePayload
	if err := Unmarshal(body, &req); err != nil {
		return nil, 0, ErrBadManifest("operations: undecodable channel_dispute").Wrap(err)
	}
	before, err := e.Channels.Get(req.State.Balances.ChannelID)
	if err != nil {
		return nil, 0, err
	}
	wasDisputed := before.State == ChannelDisputed

	ch, err := e.Channels.Dispute(&req.State)
	if err != nil {
		return nil, 0, err
	}
	if wasDisputed {
		err = e.Contract.CounterDispute(&req.State, fromPub)
	} else {
		err = e.Contract.DisputeChannel(&req.State, fromPub)
	}
	if err != nil {
		return nil, 0, err
	}
	raw, err := Marshal(ChannelAcceptPayload{ChannelID: ch.ID, Accepted: true})
	if err != nil {
		return nil, 0, err
	}
	return raw, MsgChannelAccept, nil
}

// SettleBatch forces an immediate batch of the pending settlement queue,
// bypassing the §4.5 trigger thresholds — an explicit operator request
// rather than the background batcher's periodic check.
func (e *Engine) SettleBatch() (*SettlementBatch, error) {
	batch, err := e.Queue.BuildBatch()
	if err != nil {
		return nil, err
	}
	if err := e.Contract.SettleBatch(batch); err != nil {
		return nil, err
	}
	if err := e.Queue.ConfirmBatch(batch.ID); err != nil {
		return nil, err
	}
	body, err := Marshal(SettleBatchPayload{Batch: *batch})
	if err == nil {
		_ = e.Network.Broadcast(AnnounceTopic, body)
	}
	return batch, nil
}

//---------------------------------------------------------------------
// Transport: retry policy and inbound dispatch
//---------------------------------------------------------------------

// sendWithRetry issues a request, retrying network-kind failures up to 3
// times with exponential backoff before surfacing the error (§7
// "Network timeouts are retried up to 3 times with exponential backoff").
// Validation, access, payment and channel errors are never retried — they
// will not succeed on resubmission.
func (e *Engine) sendWithRetry(ctx context.Context, peer PeerID, env *Envelope) (*Envelope, error) {
	var resp *Envelope
	operation := func() error {
		r, err := e.Network.SendRequest(ctx, peer, env)
		if err != nil {
			if pe, ok := AsProtocolError(err); ok && pe.Kind != KindNetwork {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		var pe *ProtocolError
		if perr, ok := err.(*backoff.PermanentError); ok {
			if p, ok := AsProtocolError(perr.Err); ok {
				pe = p
			} else {
				return nil, perr.Err
			}
			return nil, pe
		}
		return nil, err
	}
	return resp, nil
}

// Dispatch is the Engine's EnvelopeHandler, registered on Network at
// startup: validate the envelope when the sender's public key is known
// (envelopes from unregistered senders are not validated), apply the
// per-peer rate limit, and route to the handler for its message type.
func (e *Engine) Dispatch(from PeerID, env *Envelope) (*Envelope, error) {
	rec, known := e.Network.PeerRecordOf(from)
	if known {
		if err := e.Validator.ValidateMessage(env, rec.PublicKey, wallClock.Now()); err != nil {
			return e.errorEnvelope(env.Type, err)
		}
	}
	if err := e.Peers.Allow(from); err != nil {
		return e.errorEnvelope(env.Type, err)
	}

	var (
		respBody []byte
		respType MessageType
		err      error
	)
	switch env.Type {
	case MsgPreviewRequest:
		respBody, respType, err = e.handlePreview(from, env.Body)
	case MsgQueryRequest:
		respBody, respType, err = e.handleQuery(from, rec.PublicKey, env.Body)
	case MsgChannelOpen:
		respBody, respType, err = e.handleChannelOpen(from, rec.PublicKey, env.Body)
	case MsgChannelUpdate:
		respBody, respType, err = e.handleChannelUpdate(env.Body)
	case MsgChannelClose:
		respBody, respType, err = e.handleChannelClose(env.Body)
	case MsgChannelDispute:
		respBody, respType, err = e.handleChannelDispute(from, rec.PublicKey, env.Body)
	case MsgVersionRequest:
		respBody, respType, err = e.handleVersionRequest(env.Body)
	case MsgSearch:
		respBody, respType, err = e.handleSearch(from, env.Body)
	case MsgPing:
		respBody, respType, err = e.handlePing(env.Body)
	case MsgPeerInfo:
		respBody, respType, err = e.handlePeerInfo(from, env.Body)
	default:
		err = ErrBadManifest("operations: unhandled message type")
	}
	if err != nil {
		return e.errorEnvelope(env.Type, err)
	}
	if respBody == nil {
		return nil, nil
	}
	return NewEnvelope(e.Identity, respType, respBody)
}

// errorEnvelope turns a failure into a QUERY_ERROR-shaped response for
// request/response message families, matching §7's propagation policy:
// validation and access errors are recovered locally, the connection
// stays alive.
func (e *Engine) errorEnvelope(_ MessageType, cause error) (*Envelope, error) {
	body, err := Marshal(QueryErrorPayload{Code: WireCode(cause), Message: cause.Error()})
	if err != nil {
		return nil, err
	}
	return NewEnvelope(e.Identity, MsgQueryError, body)
}

func (e *Engine) handleVersionRequest(body []byte) ([]byte, MessageType, error) {
	var req VersionRequestPayload
	if err := Unmarshal(body, &req); err != nil {
		return nil, 0, ErrBadManifest("operations: undecodable version_request").Wrap(err)
	}
	m, err := e.Manifests.Get(req.Hash)
	if err != nil {
		return nil, 0, err
	}
	latest := m
	for _, candidate := range e.Manifests.List(func(c *Manifest) bool { return c.Root == m.Root }) {
		if candidate.Version > latest.Version {
			latest = candidate
		}
	}
	raw, err := Marshal(VersionResponsePayload{Latest: *latest})
	if err != nil {
		return nil, 0, err
	}
	return raw, MsgVersionResponse, nil
}

func (e *Engine) handleSearch(from PeerID, body []byte) ([]byte, MessageType, error) {
	var req SearchPayload
	if err := Unmarshal(body, &req); err != nil {
		return nil, 0, ErrBadManifest("operations: undecodable search").Wrap(err)
	}
	m, err := e.Manifests.Get(req.Hash)
	if err != nil {
		raw, merr := Marshal(SearchResponsePayload{Found: false})
		return raw, MsgSearchResponse, merr
	}
	if err := e.Validator.ValidateAccess(m, from); err != nil {
		raw, merr := Marshal(SearchResponsePayload{Found: false})
		return raw, MsgSearchResponse, merr
	}
	raw, err := Marshal(SearchResponsePayload{Found: true, Manifest: m})
	if err != nil {
		return nil, 0, err
	}
	return raw, MsgSearchResponse, nil
}

func (e *Engine) handlePing(body []byte) ([]byte, MessageType, error) {
	var req PingPayload
	if err := Unmarshal(body, &req); err != nil {
		return nil, 0, ErrBadManifest("operations: undecodable ping").Wrap(err)
	}
	raw, err := Marshal(PongPayload{Nonce: req.Nonce})
	if err != nil {
		return nil, 0, err
	}
	return raw, MsgPong, nil
}

func (e *Engine) handlePeerInfo(from PeerID, body []byte) ([]byte, MessageType, error) {
	var req PeerInfoPayload
	if err := Unmarshal(body, &req); err != nil {
		return nil, 0, ErrBadManifest("operations: undecodable peer_info").Wrap(err)
	}
	e.Peers.Register(PeerRecord{Peer: from, Multiaddr: req.Multiaddr, PublicKey: req.PublicKey})

	self, _ := e.Network.PeerRecordOf(e.Identity.Peer)
	raw, err := Marshal(PeerInfoPayload{Peer: e.Identity.Peer, PublicKey: e.Identity.Public, Multiaddr: self.Multiaddr})
	if err != nil {
		return nil, 0, err
	}
	return raw, MsgPeerInfo, nil
}
