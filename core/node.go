package core

// node.go — assembles the engine's three process-wide singletons (§9:
// "the identity, the scheduler, and the settlement contract client...
// constructed at node startup and torn down on shutdown; there is no
// lazy initialization") plus every store and capability component they
// depend on. Named Engine rather than Node because Node (network.go)
// already names the libp2p transport component; Engine is the thing that
// owns a Node, not the other way around.

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

var engineLog = logrus.New()

func init() { engineLog.SetOutput(io.Discard) }

// SetEngineLogger installs a logger for engine startup/shutdown.
func SetEngineLogger(l *logrus.Logger) { engineLog = l }

// Engine is the fully wired node: every store, the transport, the
// scheduler and the settlement contract client, constructed once at
// startup per §9.
type Engine struct {
	Identity *Identity
	Network  *Node
	Peers    PeerManager
	DHT      DHTClient

	Manifests    *ManifestStore
	Blobs        *BlobStore
	Cache        *ContentCache
	Provenance   *ProvenanceGraph
	Channels     *ChannelStore
	Access       *AccessChecker
	Receipts     *ReceiptLog
	Queue        *SettlementQueue
	Distributor  *Distributor
	Validator    *Validator
	Contract     SettlementClient

	Scheduler *Scheduler
	Batcher   *Batcher

	cfg Config
}

// NewEngine constructs every component from cfg and an already-loaded
// identity, wires their cross-dependencies, registers the operations-layer
// Dispatch method as the network's inbound envelope handler, and starts
// the scheduler's background tasks (currently: the settlement batcher).
func NewEngine(identity *Identity, cfg Config) (*Engine, error) {
	blobs, err := NewBlobStore(cfg.BlobDir, cfg.CacheEntries)
	if err != nil {
		return nil, fmt.Errorf("node: opening blob store: %w", err)
	}
	cache, err := NewContentCache(cfg.CacheEntries)
	if err != nil {
		return nil, fmt.Errorf("node: opening content cache: %w", err)
	}
	manifests, err := NewManifestStore(cfg.WALPath)
	if err != nil {
		return nil, fmt.Errorf("node: opening manifest store: %w", err)
	}

	provenance := NewProvenanceGraph()
	channels := NewChannelStore()
	channels.RegisterPeerKey(identity.Peer, identity.Public)
	access := NewAccessChecker()
	receipts := NewReceiptLog()
	queue := NewSettlementQueue()
	distributor := NewDistributor()
	validator := NewValidator(manifests, provenance, channels, access, receipts)
	contract := NewMemSettlementContract(channels)

	net, err := NewNode(identity.Peer, cfg)
	if err != nil {
		return nil, fmt.Errorf("node: starting network transport: %w", err)
	}
	limiter := NewRateLimiter(100, time.Second, 200)
	peers := NewNetworkPeerManager(net, limiter)
	dht := NewMemDHT(identity.Peer)

	batchInterval := cfg.BatchInterval
	if batchInterval <= 0 {
		batchInterval = time.Minute
	}
	batcher := NewBatcher(queue, contract, batchInterval)
	if cfg.BatchThreshold > 0 {
		batcher.threshold = cfg.BatchThreshold
	}

	e := &Engine{
		Identity:    identity,
		Network:     net,
		Peers:       peers,
		DHT:         dht,
		Manifests:   manifests,
		Blobs:       blobs,
		Cache:       cache,
		Provenance:  provenance,
		Channels:    channels,
		Access:      access,
		Receipts:    receipts,
		Queue:       queue,
		Distributor: distributor,
		Validator:   validator,
		Contract:    contract,
		Scheduler:   NewScheduler(),
		Batcher:     batcher,
		cfg:         cfg,
	}

	e.Scheduler.Go(batcher.Run)
	net.SetHandler(e.Dispatch)
	return e, nil
}

// Close tears down the scheduler's background tasks, the network
// transport, and flushes the manifest WAL.
func (e *Engine) Close() error {
	if err := e.Scheduler.Shutdown(); err != nil {
		engineLog.Warnf("node: scheduler shutdown: %v", err)
	}
	if err := e.Network.Close(); err != nil {
		engineLog.Warnf("node: closing network transport: %v", err)
	}
	return e.Manifests.Close()
}
