package core

// wallet.go — the node's identity keypair (§3.2), trimmed from the
// teacher's wallet.go. Dropped the SLIP-0010 HD derivation and BIP-39
// mnemonic machinery entirely: the protocol defines identity as a single
// Ed25519 keypair, not a hierarchy of derived accounts, so there is
// nothing here to derive from an index. Kept the teacher's
// SetWalletLogger hook and its "generate, then load-if-present" shape.
// Key-encryption-at-rest is an explicit external collaborator concern
// (§1); this file reads/writes a raw seed file and leaves wrapping it in
// a platform keystore to the caller.

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var walletLog = logrus.New()

func init() { walletLog.SetOutput(io.Discard) }

func SetWalletLogger(l *logrus.Logger) { walletLog = l }

// LoadOrCreateIdentity reads a 32-byte Ed25519 seed from path, or
// generates and persists a fresh one if the file does not exist.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	seed, err := os.ReadFile(path)
	if err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, ErrInternal("wallet: identity seed file has the wrong length")
		}
		priv := ed25519.NewKeyFromSeed(seed)
		walletLog.Infof("wallet: loaded identity from %s", path)
		return IdentityFromPrivateKey(priv), nil
	}
	if !os.IsNotExist(err) {
		return nil, ErrInternal("wallet: reading identity seed").Wrap(err)
	}

	id, err := GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("wallet: generating identity: %w", err)
	}
	seed = id.Private.Seed()
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		return nil, ErrInternal("wallet: persisting identity seed").Wrap(err)
	}
	walletLog.Infof("wallet: generated new identity, peer_id=%s", id.Peer)
	return id, nil
}
