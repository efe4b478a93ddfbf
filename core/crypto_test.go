package core

import "testing"

func TestGenerateIdentityPeerIDDerivation(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	want := PeerIDFromPublicKey(id.Public)
	if id.Peer != want {
		t.Fatalf("identity peer id does not match PeerIDFromPublicKey(public)")
	}
}

func TestIdentityFromPrivateKeyRoundtrip(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	restored := IdentityFromPrivateKey(id.Private)
	if restored.Peer != id.Peer {
		t.Fatalf("restored identity has a different peer id")
	}
}

func TestSignVerify(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	msg := []byte("hello nodalync")
	sig := id.Sign(msg)
	if !Verify(id.Public, msg, sig) {
		t.Fatalf("expected signature to verify")
	}
	if Verify(id.Public, []byte("tampered"), sig) {
		t.Fatalf("expected signature over different message to fail")
	}
}

func TestContentHashDeterministic(t *testing.T) {
	a := ContentHash([]byte("same body"))
	b := ContentHash([]byte("same body"))
	if a != b {
		t.Fatalf("ContentHash is not deterministic")
	}
	c := ContentHash([]byte("different body"))
	if a == c {
		t.Fatalf("ContentHash collided for distinct inputs")
	}
}

func TestContentHashDomainSeparatedFromPeerID(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	// A content hash of the raw public key bytes must never equal the
	// peer id derived from the same bytes, even though both hash under
	// domain 0x00 — the length-prefix in ContentHash's preimage already
	// guarantees this, this test pins that guarantee.
	asContent := ContentHash(id.Public)
	var asPeer PeerID
	copy(asPeer[:], asContent[:len(asPeer)])
	if asPeer == id.Peer {
		t.Fatalf("peer id must not collide with content hash of the same bytes")
	}
}

func TestChannelStateDigestBindsAllFields(t *testing.T) {
	base := ChannelBalances{ChannelID: ChannelID{1}, Nonce: 1, InitiatorBalance: 100, ResponderBalance: 50}
	d1 := ChannelStateDigest(base)

	variants := []ChannelBalances{
		{ChannelID: ChannelID{2}, Nonce: 1, InitiatorBalance: 100, ResponderBalance: 50},
		{ChannelID: ChannelID{1}, Nonce: 2, InitiatorBalance: 100, ResponderBalance: 50},
		{ChannelID: ChannelID{1}, Nonce: 1, InitiatorBalance: 101, ResponderBalance: 50},
		{ChannelID: ChannelID{1}, Nonce: 1, InitiatorBalance: 100, ResponderBalance: 51},
	}
	for i, v := range variants {
		if ChannelStateDigest(v) == d1 {
			t.Fatalf("variant %d produced the same digest as the base balances", i)
		}
	}
}

func TestSignVerifyChannelState(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	b := ChannelBalances{ChannelID: ChannelID{9}, Nonce: 3, InitiatorBalance: 10, ResponderBalance: 20}
	sig := id.SignChannelState(b)
	if !VerifyChannelState(id.Public, b, sig) {
		t.Fatalf("expected channel state signature to verify")
	}
	b.Nonce++
	if VerifyChannelState(id.Public, b, sig) {
		t.Fatalf("expected signature to fail against mutated balances")
	}
}

func TestSignPaymentDigestStable(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	p := Payment{
		QueryHash: Hash{1},
		Payer:     id.Peer,
		Recipient: PeerID{2},
		Amount:    500,
		ChannelID: ChannelID{3},
		Nonce:     1,
		Timestamp: 1000,
	}
	sig1 := id.SignPayment(p)
	sig2 := id.SignPayment(p)
	if string(sig1) != string(sig2) {
		t.Fatalf("signing the same payment twice produced different signatures")
	}
	d := PaymentDigest(p)
	if !Verify(id.Public, d[:], sig1) {
		t.Fatalf("payment signature does not verify against PaymentDigest")
	}
}
