package core

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestWriteReadFramedRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello framed world")
	if err := writeFramed(&buf, payload); err != nil {
		t.Fatalf("writeFramed: %v", err)
	}
	got, err := readFramed(&buf)
	if err != nil {
		t.Fatalf("readFramed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestReadFramedRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	n := MaxMessageSize + 129
	var lenBuf [4]byte
	lenBuf[0] = byte(n >> 24)
	lenBuf[1] = byte(n >> 16)
	lenBuf[2] = byte(n >> 8)
	lenBuf[3] = byte(n)
	buf.Write(lenBuf[:])
	if _, err := readFramed(&buf); err == nil {
		t.Fatalf("expected error for a declared length over MAX_MESSAGE_SIZE")
	}
}

func newLoopbackNode(t *testing.T, self PeerID) *Node {
	t.Helper()
	n, err := NewNode(self, Config{ListenAddr: "/ip4/127.0.0.1/tcp/0", DiscoveryTag: "nodalync-test"})
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func TestNodeRegisterAndKnownPeers(t *testing.T) {
	self := PeerID{1}
	n := newLoopbackNode(t, self)

	if len(n.KnownPeers()) != 0 {
		t.Fatalf("expected no known peers on a fresh node")
	}
	rec := PeerRecord{Peer: PeerID{2}, Multiaddr: "/ip4/127.0.0.1/tcp/9/p2p/QmInvalid"}
	n.RegisterPeer(rec)

	got, ok := n.PeerRecordOf(PeerID{2})
	if !ok {
		t.Fatalf("expected PeerRecordOf to find the registered peer")
	}
	if got.LastSeen == 0 {
		t.Fatalf("expected RegisterPeer to stamp LastSeen")
	}
	if len(n.KnownPeers()) != 1 {
		t.Fatalf("expected one known peer, got %d", len(n.KnownPeers()))
	}
}

func TestNodeSendRequestRoundtrip(t *testing.T) {
	a := newLoopbackNode(t, PeerID{1})
	b := newLoopbackNode(t, PeerID{2})

	b.SetHandler(func(from PeerID, env *Envelope) (*Envelope, error) {
		id, _ := GenerateIdentity()
		resp, err := NewEnvelope(id, MsgPong, env.Body)
		if err != nil {
			return nil, err
		}
		return resp, nil
	})

	bAddrs := b.host.Addrs()
	if len(bAddrs) == 0 {
		t.Fatalf("expected node b to have a listen address")
	}
	addrInfo := aToAddrInfo(t, b)
	if err := a.DialSeed([]string{addrInfo}); err != nil {
		t.Fatalf("DialSeed: %v", err)
	}
	a.RegisterPeer(PeerRecord{Peer: PeerID{2}, Multiaddr: addrInfo})

	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	env, err := NewEnvelope(id, MsgPing, []byte("ping-body"))
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := a.SendRequest(ctx, PeerID{2}, env)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if resp.Type != MsgPong {
		t.Fatalf("expected pong response, got type 0x%04x", resp.Type)
	}
	if !bytes.Equal(resp.Body, env.Body) {
		t.Fatalf("expected echoed payload, got %q", resp.Body)
	}
}

func aToAddrInfo(t *testing.T, n *Node) string {
	t.Helper()
	pi := n.host.ID()
	addrs := n.host.Addrs()
	return addrs[0].String() + "/p2p/" + pi.String()
}
