package core

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	type sample struct {
		B int    `cbor:"2,keyasint"`
		A string `cbor:"1,keyasint"`
	}
	v := sample{A: "x", B: 1}
	a, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	b, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("two marshals of the same value produced different bytes")
	}
}

func TestEncodeDecodeEnvelopeRoundtrip(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	body, err := Marshal(PingPayload{Nonce: 42})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	env, err := NewEnvelope(id, MsgPing, body)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	raw, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	decoded, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if decoded.Type != env.Type || decoded.Header.Sender != env.Header.Sender {
		t.Fatalf("decoded envelope header mismatch")
	}
	if !bytes.Equal(decoded.Body, env.Body) {
		t.Fatalf("decoded envelope body mismatch")
	}

	digest := decoded.Digest()
	if !Verify(id.Public, digest[:], decoded.Signature) {
		t.Fatalf("decoded envelope signature does not verify")
	}
}

func TestDecodeEnvelopeRejectsBadMagic(t *testing.T) {
	raw := make([]byte, 1+1+2+4+64)
	raw[0] = 0xFF
	if _, err := DecodeEnvelope(raw); err == nil {
		t.Fatalf("expected error for bad magic byte")
	}
}

func TestDecodeEnvelopeRejectsTruncated(t *testing.T) {
	if _, err := DecodeEnvelope([]byte{0x00, 0x01}); err == nil {
		t.Fatalf("expected error for truncated envelope")
	}
}

func TestDecodeEnvelopeRejectsOversizedDeclaredLength(t *testing.T) {
	raw := make([]byte, 1+1+2+4+64)
	raw[0] = envelopeMagic
	raw[1] = ProtocolVersion
	// payload length field (bytes 4-8) set absurdly high
	raw[4] = 0xFF
	raw[5] = 0xFF
	raw[6] = 0xFF
	raw[7] = 0xFF
	if _, err := DecodeEnvelope(raw); err == nil {
		t.Fatalf("expected error for oversized declared payload length")
	}
}
