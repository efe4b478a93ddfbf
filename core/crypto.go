package core

// crypto.go — identity, content addressing and the three domain-separated
// digests that signatures cover (§4.1). Kept the teacher's stdlib choice
// (crypto/ed25519, crypto/sha256) and Sign/Verify shape from security.go
// and wallet.go; dropped BLS/Dilithium and the TLS loader, neither of
// which this protocol needs — identity here is a single Ed25519 keypair,
// not a validator set.

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"github.com/sirupsen/logrus"
)

var cryptoLog = logrus.New()

func init() { cryptoLog.SetOutput(io.Discard) }

// SetCryptoLogger installs a logger for the crypto package, matching the
// teacher's Set<Thing>Logger convention.
func SetCryptoLogger(l *logrus.Logger) { cryptoLog = l }

// Domain separation prefixes (§4.1).
const (
	domainContent ContentHashDomain = 0x00
	domainMessage ContentHashDomain = 0x01
	domainChannel ContentHashDomain = 0x02
)

// ContentHashDomain tags a digest with the role its signature covers —
// reusing a digest for the wrong role must fail verification.
type ContentHashDomain byte

// Identity is a node's Ed25519 keypair and derived PeerID.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
	Peer    PeerID
}

// GenerateIdentity creates a fresh random keypair.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{Public: pub, Private: priv, Peer: PeerIDFromPublicKey(pub)}, nil
}

// IdentityFromPrivateKey reconstructs an Identity from a stored seed.
func IdentityFromPrivateKey(priv ed25519.PrivateKey) *Identity {
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{Public: pub, Private: priv, Peer: PeerIDFromPublicKey(pub)}
}

// Sign produces an Ed25519 signature over msg.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.Private, msg)
}

// ContentHash computes H(0x00 ‖ len(content) as big-endian u64 ‖ content).
func ContentHash(content []byte) Hash {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(content)))
	h := sha256.New()
	h.Write([]byte{byte(domainContent)})
	h.Write(lenBuf[:])
	h.Write(content)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// PeerIDFromPublicKey derives a PeerID as the first 20 bytes of
// H(0x00 ‖ public_key).
func PeerIDFromPublicKey(pub ed25519.PublicKey) PeerID {
	h := sha256.New()
	h.Write([]byte{byte(domainContent)})
	h.Write(pub)
	sum := h.Sum(nil)
	var id PeerID
	copy(id[:], sum[:20])
	return id
}

// Verify checks an Ed25519 signature over msg under pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// MessageDigest computes the digest an envelope signature covers:
// H(0x01 ‖ version ‖ type ‖ id ‖ timestamp ‖ sender ‖ H(payload)).
func MessageDigest(version byte, msgType uint16, id [16]byte, timestamp int64, sender PeerID, payload []byte) Hash {
	payloadHash := sha256.Sum256(payload)

	var typeBuf [2]byte
	binary.BigEndian.PutUint16(typeBuf[:], msgType)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(timestamp))

	h := sha256.New()
	h.Write([]byte{byte(domainMessage), version})
	h.Write(typeBuf[:])
	h.Write(id[:])
	h.Write(tsBuf[:])
	h.Write(sender[:])
	h.Write(payloadHash[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ChannelStateDigest computes the digest a channel-update signature
// covers: H(0x02 ‖ channel_id ‖ nonce ‖ initiator_balance ‖ responder_balance).
func ChannelStateDigest(b ChannelBalances) Hash {
	var nonceBuf, initBuf, respBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], b.Nonce)
	binary.BigEndian.PutUint64(initBuf[:], b.InitiatorBalance)
	binary.BigEndian.PutUint64(respBuf[:], b.ResponderBalance)

	h := sha256.New()
	h.Write([]byte{byte(domainChannel)})
	h.Write(b.ChannelID[:])
	h.Write(nonceBuf[:])
	h.Write(initBuf[:])
	h.Write(respBuf[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// SignChannelState signs the channel-state digest with id's key.
func (id *Identity) SignChannelState(b ChannelBalances) []byte {
	d := ChannelStateDigest(b)
	return id.Sign(d[:])
}

// VerifyChannelState checks a channel-state signature under pub.
func VerifyChannelState(pub ed25519.PublicKey, b ChannelBalances, sig []byte) bool {
	d := ChannelStateDigest(b)
	return Verify(pub, d[:], sig)
}

// PaymentDigest computes the digest a Payment's own signature covers.
// §4.1 names "envelopes, channel states, and payments" as the three
// roles the domain-separated digests exist for, but only two wire
// constructions beyond the content digest; a payment is itself a signed
// protocol message distinct from whatever envelope later carries it, so
// it reuses the message domain (0x01) over its own field set rather than
// inventing a fourth domain byte.
func PaymentDigest(p Payment) Hash {
	provRaw, _ := Marshal(p.Provenance)
	provHash := sha256.Sum256(provRaw)

	var amtBuf, nonceBuf, tsBuf [8]byte
	binary.BigEndian.PutUint64(amtBuf[:], p.Amount)
	binary.BigEndian.PutUint64(nonceBuf[:], p.Nonce)
	binary.BigEndian.PutUint64(tsBuf[:], uint64(p.Timestamp))

	h := sha256.New()
	h.Write([]byte{byte(domainMessage)})
	h.Write(p.QueryHash[:])
	h.Write(p.Payer[:])
	h.Write(p.Recipient[:])
	h.Write(amtBuf[:])
	h.Write(p.ChannelID[:])
	h.Write(nonceBuf[:])
	h.Write(provHash[:])
	h.Write(tsBuf[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// SignPayment signs a Payment's digest with id's key. The caller still
// sets p.Signature — SignPayment just produces the bytes to assign.
func (id *Identity) SignPayment(p Payment) []byte {
	d := PaymentDigest(p)
	return id.Sign(d[:])
}

var errRandom = errors.New("crypto: short read from random source")

// randomID fills a 16-byte message identifier.
func randomID() ([16]byte, error) {
	var id [16]byte
	n, err := rand.Read(id[:])
	if err != nil {
		return id, err
	}
	if n != len(id) {
		return id, errRandom
	}
	return id, nil
}
