package config

import (
	"path/filepath"
	"testing"
)

func TestLoadIdentityGeneratesAndReloadsSamePeer(t *testing.T) {
	c := &Config{}
	c.Identity.KeyPath = filepath.Join(t.TempDir(), "identity.seed")

	first, err := c.LoadIdentity()
	if err != nil {
		t.Fatalf("LoadIdentity (create): %v", err)
	}
	second, err := c.LoadIdentity()
	if err != nil {
		t.Fatalf("LoadIdentity (reload): %v", err)
	}
	if first.Peer != second.Peer {
		t.Fatalf("expected LoadIdentity to reload the same identity, got %v and %v", first.Peer, second.Peer)
	}
}

func TestLoadIdentityRequiresKeyPath(t *testing.T) {
	c := &Config{}
	if _, err := c.LoadIdentity(); err == nil {
		t.Fatalf("expected LoadIdentity to fail when identity.key_path is unset")
	}
}
