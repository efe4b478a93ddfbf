package core

import "testing"

func TestNewEngineWiresEveryComponent(t *testing.T) {
	e := newTestEngine(t, 0)
	if e.Identity == nil || e.Network == nil || e.Manifests == nil || e.Blobs == nil ||
		e.Cache == nil || e.Provenance == nil || e.Channels == nil || e.Access == nil ||
		e.Receipts == nil || e.Queue == nil || e.Distributor == nil || e.Validator == nil ||
		e.Contract == nil || e.Scheduler == nil || e.Batcher == nil || e.DHT == nil || e.Peers == nil {
		t.Fatalf("expected NewEngine to wire every component, got %+v", e)
	}
	if _, ok := e.Channels.pubkeyFor(e.Identity.Peer); !ok {
		t.Fatalf("expected the engine's own identity key to be registered for channel-signature verification")
	}
}

func TestEngineCloseWithBackgroundBatcher(t *testing.T) {
	e := newTestEngine(t, 0)
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
