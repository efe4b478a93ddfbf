package core

// settlement_rpc.go — a production SettlementClient that reaches the
// on-chain settlement contract (§6.3) over a pooled TCP connection instead
// of the in-process MemSettlementContract reference implementation.
// Grounded on the teacher's connection_pool.go: Dialer/ConnPool already
// modeled "dial once, reuse, reap idle connections after a TTL" for
// outbound RPC traffic, but the teacher never wired a concrete Dialer
// implementation to it. RPCSettlementClient is that wiring: every contract
// call opens (or reuses) a pooled connection to the configured RPC
// endpoint and exchanges one framed, CBOR-encoded request/response pair,
// the same wire shape operations.go already uses for peer-to-peer
// envelopes.

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Dialer opens outbound connections for ConnPool. The teacher's
// connection_pool.go referenced this type without ever defining it; a
// plain net.Dialer wrapper is all SettlementClient's RPC transport needs.
type Dialer struct {
	Timeout time.Duration
}

// Dial opens a TCP connection to addr, bounded by ctx and the dialer's
// configured timeout.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	return nd.DialContext(ctx, "tcp", addr)
}

// rpcMethod enumerates the settlement contract calls a remote RPC
// endpoint must implement, one per SettlementClient method.
type rpcMethod string

const (
	rpcDeposit         rpcMethod = "deposit"
	rpcWithdraw        rpcMethod = "withdraw"
	rpcBalance         rpcMethod = "balance"
	rpcAttest          rpcMethod = "attest"
	rpcOpenChannel     rpcMethod = "open_channel"
	rpcCloseChannel    rpcMethod = "close_channel"
	rpcDisputeChannel  rpcMethod = "dispute_channel"
	rpcCounterDispute  rpcMethod = "counter_dispute"
	rpcResolveDispute  rpcMethod = "resolve_dispute"
	rpcSettleBatch     rpcMethod = "settle_batch"
)

// rpcRequest/rpcResponse are the deterministic-CBOR envelope this client
// exchanges with the settlement contract's RPC front end. Params/Result
// carry a method-specific payload, pre-encoded by the caller so this
// transport stays agnostic to any one call's shape.
type rpcRequest struct {
	Method rpcMethod `cbor:"1,keyasint"`
	Params []byte    `cbor:"2,keyasint"`
}

type rpcResponse struct {
	Result []byte `cbor:"1,keyasint"`
	Error  string `cbor:"2,keyasint"`
}

// RPCSettlementClient implements SettlementClient against a remote
// contract endpoint, pooling connections via ConnPool/Dialer rather than
// dialing fresh for every call.
type RPCSettlementClient struct {
	addr string
	pool *ConnPool
}

// NewRPCSettlementClient dials addr through a pooled Dialer, keeping up to
// maxIdle idle connections alive for idleTTL between calls.
func NewRPCSettlementClient(addr string, maxIdle int, idleTTL time.Duration) *RPCSettlementClient {
	dialer := &Dialer{Timeout: requestTimeout}
	return &RPCSettlementClient{addr: addr, pool: NewConnPool(dialer, maxIdle, idleTTL)}
}

// Close releases every pooled connection.
func (c *RPCSettlementClient) Close() { c.pool.Close() }

func (c *RPCSettlementClient) call(method rpcMethod, params interface{}) ([]byte, error) {
	paramBytes, err := Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("settlement_rpc: encoding %s params: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	conn, err := c.pool.Acquire(ctx, c.addr)
	if err != nil {
		return nil, ErrConnectionFailed("settlement_rpc: acquiring connection").Wrap(err)
	}

	reqBytes, err := Marshal(rpcRequest{Method: method, Params: paramBytes})
	if err != nil {
		c.pool.Release(conn)
		return nil, fmt.Errorf("settlement_rpc: encoding request: %w", err)
	}
	if err := writeFramed(conn, reqBytes); err != nil {
		_ = conn.Close()
		return nil, ErrConnectionFailed("settlement_rpc: writing request").Wrap(err)
	}
	raw, err := readFramed(conn)
	if err != nil {
		_ = conn.Close()
		return nil, ErrConnectionFailed("settlement_rpc: reading response").Wrap(err)
	}
	c.pool.Release(conn)

	var resp rpcResponse
	if err := Unmarshal(raw, &resp); err != nil {
		return nil, ErrBadManifest("settlement_rpc: undecodable response").Wrap(err)
	}
	if resp.Error != "" {
		return nil, ErrInternal("settlement_rpc: " + resp.Error)
	}
	return resp.Result, nil
}

type peerAmount struct {
	Peer   PeerID `cbor:"1,keyasint"`
	Amount uint64 `cbor:"2,keyasint"`
}

func (c *RPCSettlementClient) Deposit(peer PeerID, amount uint64) error {
	_, err := c.call(rpcDeposit, peerAmount{Peer: peer, Amount: amount})
	return err
}

func (c *RPCSettlementClient) Withdraw(peer PeerID, amount uint64) error {
	_, err := c.call(rpcWithdraw, peerAmount{Peer: peer, Amount: amount})
	return err
}

func (c *RPCSettlementClient) Balance(peer PeerID) uint64 {
	raw, err := c.call(rpcBalance, peer)
	if err != nil {
		return 0
	}
	var amount uint64
	if err := Unmarshal(raw, &amount); err != nil {
		return 0
	}
	return amount
}

type attestation struct {
	ContentHash    Hash     `cbor:"1,keyasint"`
	ProvenanceRoot [32]byte `cbor:"2,keyasint"`
}

func (c *RPCSettlementClient) Attest(contentHash Hash, provenanceRoot [32]byte) error {
	_, err := c.call(rpcAttest, attestation{ContentHash: contentHash, ProvenanceRoot: provenanceRoot})
	return err
}

func (c *RPCSettlementClient) OpenChannel(ch *Channel) error {
	_, err := c.call(rpcOpenChannel, ch)
	return err
}

type channelPubkeys struct {
	State        SignedChannelState `cbor:"1,keyasint"`
	InitiatorPub []byte             `cbor:"2,keyasint"`
	ResponderPub []byte             `cbor:"3,keyasint"`
}

func (c *RPCSettlementClient) CloseChannel(signed *SignedChannelState, initiatorPub, responderPub []byte) error {
	_, err := c.call(rpcCloseChannel, channelPubkeys{State: *signed, InitiatorPub: initiatorPub, ResponderPub: responderPub})
	return err
}

type channelDisputant struct {
	State        SignedChannelState `cbor:"1,keyasint"`
	DisputantPub []byte             `cbor:"2,keyasint"`
}

func (c *RPCSettlementClient) DisputeChannel(signed *SignedChannelState, disputantPub []byte) error {
	_, err := c.call(rpcDisputeChannel, channelDisputant{State: *signed, DisputantPub: disputantPub})
	return err
}

func (c *RPCSettlementClient) CounterDispute(signed *SignedChannelState, disputantPub []byte) error {
	_, err := c.call(rpcCounterDispute, channelDisputant{State: *signed, DisputantPub: disputantPub})
	return err
}

func (c *RPCSettlementClient) ResolveDispute(id ChannelID) error {
	_, err := c.call(rpcResolveDispute, id)
	return err
}

func (c *RPCSettlementClient) SettleBatch(batch *SettlementBatch) error {
	_, err := c.call(rpcSettleBatch, batch)
	return err
}

var _ SettlementClient = (*RPCSettlementClient)(nil)
