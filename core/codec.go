package core

// codec.go — deterministic wire codec and envelope framing (§4.2, §6.1).
// The teacher has no CBOR user anywhere; this engine's codec choice is
// grounded in the wider retrieval pack, where github.com/fxamacker/cbor/v2
// is attested in several sibling manifests. Its CoreDetEncOptions preset
// gives sorted map keys, minimal-width integers and a ban on
// indefinite-length collections for free, which is exactly what §4.2
// demands: two structurally equal values must produce byte-identical
// output.

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ProtocolVersion is the only wire version this engine speaks (§6.5
// PROTOCOL_VERSION).
const ProtocolVersion byte = 0x01

const envelopeMagic byte = 0x00

// MaxMessageSize bounds a decoded envelope payload (§6.5 MAX_MESSAGE_SIZE).
const MaxMessageSize = 10 * 1024 * 1024

// MessageType enumerates the wire message kinds, grouped into the 16-bit
// ranges of §6.1.
type MessageType uint16

const (
	MsgAnnounce       MessageType = 0x0100
	MsgAnnounceUpdate MessageType = 0x0101
	MsgSearch         MessageType = 0x0102
	MsgSearchResponse MessageType = 0x0103

	MsgPreviewRequest  MessageType = 0x0200
	MsgPreviewResponse MessageType = 0x0201

	MsgQueryRequest  MessageType = 0x0300
	MsgQueryResponse MessageType = 0x0301
	MsgQueryError    MessageType = 0x0302

	MsgVersionRequest  MessageType = 0x0400
	MsgVersionResponse MessageType = 0x0401

	MsgChannelOpen    MessageType = 0x0500
	MsgChannelAccept  MessageType = 0x0501
	MsgChannelUpdate  MessageType = 0x0502
	MsgChannelClose   MessageType = 0x0503
	MsgChannelDispute MessageType = 0x0504

	MsgSettleBatch   MessageType = 0x0600
	MsgSettleConfirm MessageType = 0x0601

	MsgPing     MessageType = 0x0700
	MsgPong     MessageType = 0x0701
	MsgPeerInfo MessageType = 0x0702
)

var detMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Errorf("codec: building deterministic encode mode: %w", err))
	}
	detMode = m
}

// Marshal produces the deterministic CBOR encoding required by §4.2: sorted
// map keys, minimal-width integers, no indefinite-length collections.
func Marshal(v interface{}) ([]byte, error) {
	return detMode.Marshal(v)
}

// Unmarshal decodes a deterministic CBOR payload into v.
func Unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

// MessageHeader carries the fields the message digest itemizes explicitly
// (id, timestamp, sender) alongside the type-specific body.
type MessageHeader struct {
	ID        [16]byte `cbor:"1,keyasint"`
	Timestamp int64    `cbor:"2,keyasint"`
	Sender    PeerID   `cbor:"3,keyasint"`
}

// messageBody is the CBOR-encoded {header, body} pair carried as an
// envelope's payload.
type messageBody struct {
	Header MessageHeader `cbor:"1,keyasint"`
	Body   []byte        `cbor:"2,keyasint"`
}

// Envelope is the wire frame of §6.1: magic, version, type, payload,
// signature. The signature covers the message digest, not the raw
// payload, so envelopes transport unchanged end to end.
type Envelope struct {
	Version   byte
	Type      MessageType
	Header    MessageHeader
	Body      []byte
	Signature []byte
}

// EncodeEnvelope serializes env to the wire layout: magic, version, 2-byte
// type, 4-byte payload length, payload, 64-byte signature.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	payload, err := Marshal(messageBody{Header: env.Header, Body: env.Body})
	if err != nil {
		return nil, fmt.Errorf("codec: encoding payload: %w", err)
	}
	if len(payload) > MaxMessageSize {
		return nil, ErrContentTooLarge("codec: payload exceeds MAX_MESSAGE_SIZE")
	}

	var buf bytes.Buffer
	buf.WriteByte(envelopeMagic)
	buf.WriteByte(env.Version)

	var typeBuf [2]byte
	binary.BigEndian.PutUint16(typeBuf[:], uint16(env.Type))
	buf.Write(typeBuf[:])

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf.Write(lenBuf[:])

	buf.Write(payload)
	buf.Write(env.Signature)
	return buf.Bytes(), nil
}

// DecodeEnvelope parses the wire layout back into an Envelope, without
// verifying the signature — callers run MessageDigest + Verify themselves
// once they know the sender's public key.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	if len(raw) < 1+1+2+4+64 {
		return nil, ErrBadManifest("codec: envelope too short")
	}
	if raw[0] != envelopeMagic {
		return nil, ErrBadManifest("codec: bad magic byte")
	}
	version := raw[1]
	msgType := MessageType(binary.BigEndian.Uint16(raw[2:4]))
	payloadLen := binary.BigEndian.Uint32(raw[4:8])

	if payloadLen > MaxMessageSize {
		return nil, ErrContentTooLarge("codec: declared payload length exceeds MAX_MESSAGE_SIZE")
	}
	offset := 8
	if len(raw) < offset+int(payloadLen)+64 {
		return nil, ErrBadManifest("codec: truncated envelope")
	}
	payload := raw[offset : offset+int(payloadLen)]
	sig := raw[offset+int(payloadLen):]

	var mb messageBody
	if err := Unmarshal(payload, &mb); err != nil {
		return nil, ErrBadManifest("codec: undecodable payload").Wrap(err)
	}

	return &Envelope{
		Version:   version,
		Type:      msgType,
		Header:    mb.Header,
		Body:      mb.Body,
		Signature: sig,
	}, nil
}

// Digest returns the message digest this envelope's signature must cover.
func (env *Envelope) Digest() Hash {
	payload, _ := Marshal(messageBody{Header: env.Header, Body: env.Body})
	return MessageDigest(env.Version, uint16(env.Type), env.Header.ID, env.Header.Timestamp, env.Header.Sender, payload)
}

// NewEnvelope builds and signs an envelope carrying body (already
// CBOR-encoded by the caller's typed payload struct).
func NewEnvelope(id *Identity, msgType MessageType, body []byte) (*Envelope, error) {
	msgID, err := randomID()
	if err != nil {
		return nil, fmt.Errorf("codec: generating message id: %w", err)
	}
	env := &Envelope{
		Version: ProtocolVersion,
		Type:    msgType,
		Header: MessageHeader{
			ID:        msgID,
			Timestamp: wallClock.Now().Unix(),
			Sender:    id.Peer,
		},
		Body: body,
	}
	digest := env.Digest()
	env.Signature = id.Sign(digest[:])
	return env, nil
}
