package core

// content_store.go — blob store and manifest store (§4.3). The on-disk
// LRU blob cache is adapted from the teacher's storage.go (newDiskLRU/
// put/get), dropping the IPFS HTTP gateway and CID machinery entirely —
// §3.1 mandates opaque hash identifiers with no human encoding, so there
// is nothing for a gateway or a CID wrapper to do here. Manifest
// persistence borrows ledger.go's append-only-WAL-then-replay shape:
// writes are appended as CBOR records and replayed in order on startup.

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

var storeLog = logrus.New()

func init() { storeLog.SetOutput(io.Discard) }

// SetContentStoreLogger installs a logger for blob/manifest storage.
func SetContentStoreLogger(l *logrus.Logger) { storeLog = l }

//---------------------------------------------------------------------
// Blob store
//---------------------------------------------------------------------

// BlobStore persists content bodies keyed by their content hash, backed by
// a plain directory on disk with a bounded in-memory LRU in front of it —
// the same two-tier shape as the teacher's diskLRU, minus the gateway.
type BlobStore struct {
	mu  sync.RWMutex
	dir string
	hot *lru.Cache[Hash, []byte]
}

// NewBlobStore opens (creating if absent) a blob directory with a hot
// cache holding up to cacheEntries recently touched bodies.
func NewBlobStore(dir string, cacheEntries int) (*BlobStore, error) {
	if cacheEntries <= 0 {
		cacheEntries = 10_000
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("content_store: creating blob dir: %w", err)
	}
	cache, err := lru.New[Hash, []byte](cacheEntries)
	if err != nil {
		return nil, fmt.Errorf("content_store: building hot cache: %w", err)
	}
	return &BlobStore{dir: dir, hot: cache}, nil
}

func (s *BlobStore) path(h Hash) string {
	return filepath.Join(s.dir, hex.EncodeToString(h[:]))
}

// Put stores data under hash. Callers run content validation (content_hash
// equality, size limits) before calling this — the store itself trusts
// its caller, matching the teacher's separation between storage and
// validation concerns.
func (s *BlobStore) Put(hash Hash, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.path(hash), data, 0o644); err != nil {
		return ErrInternal("content_store: writing blob").Wrap(err)
	}
	s.hot.Add(hash, data)
	return nil
}

// Get returns the content body for hash.
func (s *BlobStore) Get(hash Hash) ([]byte, error) {
	if v, ok := s.hot.Get(hash); ok {
		return v, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound("content_store: no blob for hash")
		}
		return nil, ErrInternal("content_store: reading blob").Wrap(err)
	}
	s.hot.Add(hash, data)
	return data, nil
}

// Exists reports whether a blob for hash is stored.
func (s *BlobStore) Exists(hash Hash) bool {
	if s.hot.Contains(hash) {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// Delete removes the locally stored blob. Provenance records that
// reference it are untouched (§3.3: provenance references persist).
func (s *BlobStore) Delete(hash Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hot.Remove(hash)
	if err := os.Remove(s.path(hash)); err != nil && !os.IsNotExist(err) {
		return ErrInternal("content_store: deleting blob").Wrap(err)
	}
	return nil
}

//---------------------------------------------------------------------
// Cached content (§3.3 "Cached content" entity)
//---------------------------------------------------------------------

// ContentCache is the querying node's local cache of content bodies it has
// paid for, distinct from BlobStore's role as the serving node's
// authoritative copy. Eviction is a local policy choice (§3.3, explicitly
// out of scope) — an LRU is this engine's default.
type ContentCache struct {
	c *lru.Cache[Hash, []byte]
}

func NewContentCache(entries int) (*ContentCache, error) {
	if entries <= 0 {
		entries = 1_000
	}
	c, err := lru.New[Hash, []byte](entries)
	if err != nil {
		return nil, fmt.Errorf("content_store: building content cache: %w", err)
	}
	return &ContentCache{c: c}, nil
}

func (c *ContentCache) Put(hash Hash, data []byte) { c.c.Add(hash, data) }

func (c *ContentCache) Get(hash Hash) ([]byte, bool) { return c.c.Get(hash) }

//---------------------------------------------------------------------
// Manifest store
//---------------------------------------------------------------------

// manifestRecord is the WAL entry shape: every Put/Update appends one of
// these in CBOR, replayed in order on open.
type manifestRecord struct {
	Manifest Manifest `cbor:"1,keyasint"`
}

// ManifestStore holds every manifest version in memory, keyed by its own
// hash, persisted as an append-only log the way ledger.go replays blocks.
type ManifestStore struct {
	mu      sync.RWMutex
	byHash  map[Hash]*Manifest
	wal     *os.File
	locks   *namedMutexes
}

// NewManifestStore opens (or creates) the WAL at path and replays it.
func NewManifestStore(path string) (*ManifestStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("content_store: creating manifest WAL dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("content_store: opening manifest WAL: %w", err)
	}

	ms := &ManifestStore{
		byHash: make(map[Hash]*Manifest),
		wal:    f,
		locks:  newNamedMutexes(),
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)
	for scanner.Scan() {
		raw, decErr := hex.DecodeString(scanner.Text())
		if decErr != nil {
			return nil, ErrInternal("content_store: corrupt manifest WAL line").Wrap(decErr)
		}
		var rec manifestRecord
		if err := Unmarshal(raw, &rec); err != nil {
			return nil, ErrInternal("content_store: undecodable manifest WAL record").Wrap(err)
		}
		m := rec.Manifest
		ms.byHash[m.Hash] = &m
	}
	if err := scanner.Err(); err != nil {
		return nil, ErrInternal("content_store: scanning manifest WAL").Wrap(err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return ms, nil
}

func (ms *ManifestStore) append(m *Manifest) error {
	raw, err := Marshal(manifestRecord{Manifest: *m})
	if err != nil {
		return ErrInternal("content_store: encoding manifest record").Wrap(err)
	}
	line := hex.EncodeToString(raw) + "\n"
	if _, err := ms.wal.WriteString(line); err != nil {
		return ErrInternal("content_store: appending manifest WAL").Wrap(err)
	}
	return nil
}

// Put stores a brand-new manifest (version 1 or the first time this hash
// is seen).
func (ms *ManifestStore) Put(m *Manifest) error {
	unlock := ms.locks.Lock(m.Hash.String())
	defer unlock()

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, exists := ms.byHash[m.Hash]; exists {
		return ErrBadManifest("content_store: manifest already exists for hash")
	}
	if err := ms.append(m); err != nil {
		return err
	}
	ms.byHash[m.Hash] = m.Clone()
	return nil
}

// Get returns the manifest for hash.
func (ms *ManifestStore) Get(hash Hash) (*Manifest, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	m, ok := ms.byHash[hash]
	if !ok {
		return nil, ErrNotFound("content_store: no manifest for hash")
	}
	return m.Clone(), nil
}

// Update persists a manifest that amends an existing entry in place under
// the same hash — used for visibility/price/access-control and counter
// edits. An unknown hash returns NOT_FOUND; a new version-chain entry,
// whose hash differs from the previous one, is stored with Put.
func (ms *ManifestStore) Update(m *Manifest) error {
	unlock := ms.locks.Lock(m.Hash.String())
	defer unlock()

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.byHash[m.Hash]; !ok {
		return ErrNotFound("content_store: cannot update unknown manifest")
	}
	if err := ms.append(m); err != nil {
		return err
	}
	ms.byHash[m.Hash] = m.Clone()
	return nil
}

// List returns every manifest matching filter, in unspecified order; the
// order can differ between calls (map iteration).
func (ms *ManifestStore) List(filter func(*Manifest) bool) []*Manifest {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var out []*Manifest
	for _, m := range ms.byHash {
		if filter == nil || filter(m) {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Close flushes and closes the underlying WAL file.
func (ms *ManifestStore) Close() error {
	return ms.wal.Close()
}

//---------------------------------------------------------------------
// Receipt log (§3.4 invariant 2: "queried" means a signed payment
// receipt exists in the local store)
//---------------------------------------------------------------------

// ReceiptLog is the querying node's local record of payment receipts:
// proof that a given content hash was queried-and-paid-for, which
// derivation validation (validator.go) checks before allowing that hash
// into a new content item's derived_from.
type ReceiptLog struct {
	mu  sync.RWMutex
	byK map[string]PaymentReceipt
}

func NewReceiptLog() *ReceiptLog { return &ReceiptLog{byK: make(map[string]PaymentReceipt)} }

// Record stores the receipt payer received for querying hash.
func (r *ReceiptLog) Record(payer PeerID, hash Hash, receipt PaymentReceipt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byK[receiptKey(payer, hash)] = receipt
}

// HasPaid reports whether payer holds a receipt for hash.
func (r *ReceiptLog) HasPaid(payer PeerID, hash Hash) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byK[receiptKey(payer, hash)]
	return ok
}

// Get returns the receipt payer holds for hash, if any.
func (r *ReceiptLog) Get(payer PeerID, hash Hash) (PaymentReceipt, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byK[receiptKey(payer, hash)]
	return rec, ok
}

func receiptKey(payer PeerID, hash Hash) string { return payer.String() + ":" + hash.String() }
