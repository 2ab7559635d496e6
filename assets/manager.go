// Package assets serves registered binary assets to sessions in fixed-size,
// individually checksummed chunks.
//
// A transfer is keyed by (asset, session) and advances one chunk per
// NextChunk call, in strictly increasing index order. Transfers can resume at
// a byte offset, are capped per session, and are reclaimed when idle for
// longer than the transfer timeout.
package assets

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/esportsjesus1-create/gameverse-backend-sub008/bridgeerr"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/checksum"
)

const (
	DefaultMaxAssets              = 1000
	DefaultChunkSize              = 64 << 10
	DefaultMaxChunkSize           = 256 << 10
	DefaultMaxConcurrentTransfers = 4
	DefaultTransferTimeout        = 60 * time.Second
	DefaultSweepInterval          = 10 * time.Second
	DefaultChunkCacheEntries      = 512
	DefaultChunkCacheBytes        = 64 << 20
	DefaultChunkCacheTTL          = 5 * time.Minute
)

// Config controls a Manager.
type Config struct {
	MaxAssets              int
	DefaultChunkSize       int
	MaxChunkSize           int
	MaxConcurrentTransfers int
	TransferTimeout        time.Duration
	SweepInterval          time.Duration

	ChunkCacheEntries int
	// ChunkCacheBytes caps cached chunk bytes. Negative disables the cap.
	ChunkCacheBytes int64
	ChunkCacheTTL   time.Duration

	// Algorithm digests whole assets and chunks. Defaults to SHA256.
	Algorithm checksum.Algorithm

	Now    func() time.Time
	Logger *slog.Logger
}

type asset struct {
	manifest Manifest
	data     []byte
}

type transferKey struct {
	assetID   string
	sessionID string
}

type transfer struct {
	mu     sync.Mutex
	state  Transfer
	closed bool
}

// Manager owns the asset catalog and all transfers.
type Manager struct {
	cfg      Config
	log      *slog.Logger
	listener Listener

	// catMu guards the catalog. Chunk slicing holds it for reading so
	// registration and removal never interleave with a read of the same
	// bytes.
	catMu  sync.RWMutex
	assets map[string]*asset

	mu        sync.Mutex
	transfers map[transferKey]*transfer

	cache *chunkCache
}

// New constructs a Manager. listener may be nil.
func New(cfg Config, listener Listener) *Manager {
	if cfg.MaxAssets <= 0 {
		cfg.MaxAssets = DefaultMaxAssets
	}
	if cfg.DefaultChunkSize <= 0 {
		cfg.DefaultChunkSize = DefaultChunkSize
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = DefaultMaxChunkSize
	}
	if cfg.DefaultChunkSize > cfg.MaxChunkSize {
		cfg.DefaultChunkSize = cfg.MaxChunkSize
	}
	if cfg.MaxConcurrentTransfers <= 0 {
		cfg.MaxConcurrentTransfers = DefaultMaxConcurrentTransfers
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = DefaultTransferTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.ChunkCacheEntries <= 0 {
		cfg.ChunkCacheEntries = DefaultChunkCacheEntries
	}
	if cfg.ChunkCacheBytes == 0 {
		cfg.ChunkCacheBytes = DefaultChunkCacheBytes
	}
	if cfg.ChunkCacheTTL <= 0 {
		cfg.ChunkCacheTTL = DefaultChunkCacheTTL
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = checksum.SHA256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		cfg:       cfg,
		log:       log,
		listener:  listener,
		assets:    make(map[string]*asset),
		transfers: make(map[transferKey]*transfer),
		cache:     newChunkCache(cfg.ChunkCacheEntries, cfg.ChunkCacheBytes, cfg.ChunkCacheTTL),
	}
}

// RegisterOption customizes Register.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	metadata  map[string]any
	chunkSize int
}

// WithMetadata attaches opaque metadata to the manifest.
func WithMetadata(md map[string]any) RegisterOption {
	return func(o *registerOptions) { o.metadata = md }
}

// WithChunkSize overrides the default chunk size for one asset.
func WithChunkSize(n int) RegisterOption {
	return func(o *registerOptions) { o.chunkSize = n }
}

// Register adds an asset to the catalog, or replaces the asset with the same
// ID. Replacing cancels the old asset's transfers.
func (m *Manager) Register(id, assetType, fileName string, data []byte, opts ...RegisterOption) (Manifest, error) {
	o := registerOptions{chunkSize: m.cfg.DefaultChunkSize}
	for _, opt := range opts {
		opt(&o)
	}
	if id == "" {
		return Manifest{}, bridgeerr.New(bridgeerr.CodeInvalidPayload, "asset id must not be empty", nil)
	}
	if o.chunkSize <= 0 || o.chunkSize > m.cfg.MaxChunkSize {
		return Manifest{}, bridgeerr.New(bridgeerr.CodeInvalidPayload, "chunk size out of range",
			map[string]any{"chunkSize": o.chunkSize, "maxChunkSize": m.cfg.MaxChunkSize})
	}

	buf := append([]byte(nil), data...)
	size := int64(len(buf))
	man := Manifest{
		AssetID:      id,
		AssetType:    assetType,
		FileName:     fileName,
		FileSize:     size,
		Checksum:     checksum.Sum(m.cfg.Algorithm, buf),
		ChunkSize:    o.chunkSize,
		TotalChunks:  int((size + int64(o.chunkSize) - 1) / int64(o.chunkSize)),
		RegisteredAt: m.cfg.Now(),
	}
	if o.metadata != nil {
		man.Metadata = make(map[string]any, len(o.metadata))
		for k, v := range o.metadata {
			man.Metadata[k] = v
		}
	}

	m.catMu.Lock()
	prev, replacing := m.assets[id]
	if !replacing && len(m.assets) >= m.cfg.MaxAssets {
		m.catMu.Unlock()
		return Manifest{}, bridgeerr.New(bridgeerr.CodeCapacityExceeded, "maximum assets reached",
			map[string]any{"maxAssets": m.cfg.MaxAssets})
	}
	var keys []transferKey
	var victims []*transfer
	if replacing {
		m.cache.purge(id, prev.manifest.TotalChunks)
		keys, victims = m.detachAsset(id)
	}
	m.assets[id] = &asset{manifest: man, data: buf}
	m.catMu.Unlock()

	m.finishAll(keys, victims, nil, ReasonReplaced)
	m.log.Debug("asset registered", slog.String("asset_id", id), slog.Int64("size", size),
		slog.Int("chunks", man.TotalChunks))
	return man.clone(), nil
}

// ExtendMetadata merges md into the asset's metadata.
func (m *Manager) ExtendMetadata(id string, md map[string]any) error {
	m.catMu.Lock()
	defer m.catMu.Unlock()
	a, ok := m.assets[id]
	if !ok {
		return assetNotFound(id)
	}
	if a.manifest.Metadata == nil {
		a.manifest.Metadata = make(map[string]any, len(md))
	}
	for k, v := range md {
		a.manifest.Metadata[k] = v
	}
	return nil
}

// Remove deletes an asset, its cached chunks and every transfer of it.
func (m *Manager) Remove(id string) error {
	m.catMu.Lock()
	a, ok := m.assets[id]
	if !ok {
		m.catMu.Unlock()
		return assetNotFound(id)
	}
	delete(m.assets, id)
	m.cache.purge(id, a.manifest.TotalChunks)
	keys, victims := m.detachAsset(id)
	m.catMu.Unlock()

	m.finishAll(keys, victims, nil, ReasonRemoved)
	m.log.Debug("asset removed", slog.String("asset_id", id))
	return nil
}

// Manifest returns the manifest of an asset.
func (m *Manager) Manifest(id string) (Manifest, bool) {
	m.catMu.RLock()
	defer m.catMu.RUnlock()
	a, ok := m.assets[id]
	if !ok {
		return Manifest{}, false
	}
	return a.manifest.clone(), true
}

// List returns every manifest ordered by asset ID.
func (m *Manager) List() []Manifest {
	m.catMu.RLock()
	out := make([]Manifest, 0, len(m.assets))
	for _, a := range m.assets {
		out = append(out, a.manifest.clone())
	}
	m.catMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

// StartTransfer begins sending an asset to a session. Starting a transfer
// that already exists restarts it in place.
//
// The catalog stays read-locked until the transfer is in the table, so a
// concurrent Remove or Register either sees the new transfer and cancels it
// or runs first and the asset lookup fails.
func (m *Manager) StartTransfer(req Request, sessionID string) (Transfer, Manifest, error) {
	m.catMu.RLock()
	a, ok := m.assets[req.AssetID]
	if !ok {
		m.catMu.RUnlock()
		return Transfer{}, Manifest{}, assetNotFound(req.AssetID)
	}
	man := a.manifest.clone()
	if req.ResumeFrom < 0 || req.ResumeFrom > man.FileSize {
		m.catMu.RUnlock()
		return Transfer{}, Manifest{}, bridgeerr.New(bridgeerr.CodeInvalidPayload, "resume offset outside asset",
			map[string]any{"resumeFrom": req.ResumeFrom, "fileSize": man.FileSize})
	}

	start := int(req.ResumeFrom / int64(man.ChunkSize))
	if start > man.TotalChunks {
		start = man.TotalChunks
	}
	sent := min(int64(start)*int64(man.ChunkSize), man.FileSize)
	now := m.cfg.Now()
	t := &transfer{state: Transfer{
		AssetID:          man.AssetID,
		SessionID:        sessionID,
		CurrentChunk:     start,
		TotalChunks:      man.TotalChunks,
		BytesTransferred: sent,
		TotalBytes:       man.FileSize,
		Priority:         req.Priority,
		StartedAt:        now,
		LastActivity:     now,
	}}

	key := transferKey{assetID: req.AssetID, sessionID: sessionID}
	m.mu.Lock()
	prev, restarting := m.transfers[key]
	if !restarting && m.sessionTransfersLocked(sessionID) >= m.cfg.MaxConcurrentTransfers {
		m.mu.Unlock()
		m.catMu.RUnlock()
		return Transfer{}, Manifest{}, bridgeerr.New(bridgeerr.CodeCapacityExceeded, "maximum concurrent transfers reached",
			map[string]any{"sessionId": sessionID, "maxConcurrentTransfers": m.cfg.MaxConcurrentTransfers})
	}
	m.transfers[key] = t
	m.mu.Unlock()
	m.catMu.RUnlock()

	// NextChunk holds prev.mu while it reads the catalog, so prev is
	// closed only after catMu is released.
	if restarting {
		prev.mu.Lock()
		prev.closed = true
		prev.mu.Unlock()
	}
	m.log.Debug("transfer started", slog.String("asset_id", req.AssetID), slog.String("session_id", sessionID),
		slog.Int("start_chunk", start), slog.Bool("restart", restarting))
	return t.state, man, nil
}

func (m *Manager) sessionTransfersLocked(sessionID string) int {
	n := 0
	for k := range m.transfers {
		if k.sessionID == sessionID {
			n++
		}
	}
	return n
}

// NextChunk returns the next chunk of a transfer and advances it. It returns
// false when there is no such transfer, or when every chunk has been sent; in
// the latter case the transfer completes.
func (m *Manager) NextChunk(assetID, sessionID string) (Chunk, bool) {
	key := transferKey{assetID: assetID, sessionID: sessionID}
	m.mu.Lock()
	t, ok := m.transfers[key]
	m.mu.Unlock()
	if !ok {
		return Chunk{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Chunk{}, false
	}
	if t.state.CurrentChunk >= t.state.TotalChunks {
		m.finishLocked(key, t, "")
		return Chunk{}, false
	}

	c, ok := m.slice(assetID, t.state.CurrentChunk)
	if !ok {
		m.finishLocked(key, t, ReasonRemoved)
		return Chunk{}, false
	}
	t.state.CurrentChunk++
	t.state.BytesTransferred = c.Offset + int64(len(c.Data))
	t.state.LastActivity = m.cfg.Now()

	c.BytesTransferred = t.state.BytesTransferred
	c.Last = t.state.CurrentChunk == t.state.TotalChunks
	return c, true
}

// slice cuts chunk index out of the asset, consulting the chunk cache first.
func (m *Manager) slice(assetID string, index int) (Chunk, bool) {
	m.catMu.RLock()
	defer m.catMu.RUnlock()
	a, ok := m.assets[assetID]
	if !ok || index >= a.manifest.TotalChunks {
		return Chunk{}, false
	}
	size := int64(a.manifest.ChunkSize)
	off := int64(index) * size
	end := min(off+size, a.manifest.FileSize)

	key := chunkKey{assetID: assetID, index: index}
	cc, hit := m.cache.get(key)
	if !hit {
		raw := a.data[off:end]
		cc = cachedChunk{data: raw, sum: checksum.Sum(m.cfg.Algorithm, raw)}
		m.cache.add(key, cc)
	}
	return Chunk{
		AssetID:     assetID,
		Index:       index,
		TotalChunks: a.manifest.TotalChunks,
		Offset:      off,
		Data:        append([]byte(nil), cc.data...),
		Checksum:    cc.sum,
		TotalBytes:  a.manifest.FileSize,
	}, true
}

// Complete ends a transfer successfully.
func (m *Manager) Complete(assetID, sessionID string) error {
	return m.end(transferKey{assetID: assetID, sessionID: sessionID}, "")
}

// Cancel ends a transfer with a failure reason.
func (m *Manager) Cancel(assetID, sessionID, reason string) error {
	return m.end(transferKey{assetID: assetID, sessionID: sessionID}, reason)
}

func (m *Manager) end(key transferKey, reason string) error {
	m.mu.Lock()
	t, ok := m.transfers[key]
	m.mu.Unlock()
	if !ok {
		return transferNotFound(key)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transferNotFound(key)
	}
	m.finishLocked(key, t, reason)
	return nil
}

// CancelAll cancels every transfer of a session and returns how many ended.
func (m *Manager) CancelAll(sessionID, reason string) int {
	return m.cancelWhere(func(k transferKey) bool { return k.sessionID == sessionID }, nil, reason)
}

// detachAsset takes every transfer of assetID out of the table and returns
// them for finishAll. catMu must be held for writing.
func (m *Manager) detachAsset(assetID string) ([]transferKey, []*transfer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []transferKey
	var victims []*transfer
	for k, t := range m.transfers {
		if k.assetID == assetID {
			keys = append(keys, k)
			victims = append(victims, t)
			delete(m.transfers, k)
		}
	}
	return keys, victims
}

// cancelWhere ends the transfers whose key matches and, when stale is set,
// whose state it accepts. stale runs with the transfer locked.
func (m *Manager) cancelWhere(match func(transferKey) bool, stale func(Transfer) bool, reason string) int {
	m.mu.Lock()
	var keys []transferKey
	var victims []*transfer
	for k, t := range m.transfers {
		if match(k) {
			keys = append(keys, k)
			victims = append(victims, t)
		}
	}
	m.mu.Unlock()
	return m.finishAll(keys, victims, stale, reason)
}

// finishAll ends each victim that is still open. It must run without catMu
// held: listeners may read the catalog.
func (m *Manager) finishAll(keys []transferKey, victims []*transfer, stale func(Transfer) bool, reason string) int {
	n := 0
	for i, t := range victims {
		t.mu.Lock()
		if !t.closed && (stale == nil || stale(t.state)) {
			m.finishLocked(keys[i], t, reason)
			n++
		}
		t.mu.Unlock()
	}
	return n
}

// finishLocked closes t and reports the outcome. An empty reason means the
// transfer completed. t.mu must be held.
func (m *Manager) finishLocked(key transferKey, t *transfer, reason string) {
	t.closed = true
	m.mu.Lock()
	if m.transfers[key] == t {
		delete(m.transfers, key)
	}
	m.mu.Unlock()

	snap := t.state
	if reason == "" {
		m.log.Debug("transfer completed", slog.String("asset_id", key.assetID), slog.String("session_id", key.sessionID))
		if m.listener != nil {
			m.listener.TransferCompleted(snap)
		}
		return
	}
	m.log.Info("transfer cancelled", slog.String("asset_id", key.assetID), slog.String("session_id", key.sessionID),
		slog.String("reason", reason))
	if m.listener != nil {
		m.listener.TransferFailed(snap, reason)
	}
}

// Transfer returns the progress of one transfer.
func (m *Manager) Transfer(assetID, sessionID string) (Transfer, bool) {
	m.mu.Lock()
	t, ok := m.transfers[transferKey{assetID: assetID, sessionID: sessionID}]
	m.mu.Unlock()
	if !ok {
		return Transfer{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Transfer{}, false
	}
	return t.state, true
}

// Transfers returns the active transfers of a session, or of every session
// when sessionID is empty.
func (m *Manager) Transfers(sessionID string) []Transfer {
	m.mu.Lock()
	var ts []*transfer
	for k, t := range m.transfers {
		if sessionID == "" || k.sessionID == sessionID {
			ts = append(ts, t)
		}
	}
	m.mu.Unlock()

	out := make([]Transfer, 0, len(ts))
	for _, t := range ts {
		t.mu.Lock()
		if !t.closed {
			out = append(out, t.state)
		}
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].AssetID < out[j].AssetID
	})
	return out
}

// SweepStale cancels every transfer idle for longer than the transfer
// timeout and returns how many were cancelled.
func (m *Manager) SweepStale() int {
	now := m.cfg.Now()
	all := func(transferKey) bool { return true }
	n := m.cancelWhere(all, func(t Transfer) bool {
		return now.Sub(t.LastActivity) > m.cfg.TransferTimeout
	}, ReasonTimeout)
	if n > 0 {
		m.log.Info("stale transfers swept", slog.Int("count", n))
	}
	return n
}

// Run sweeps stale transfers every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	tk := time.NewTicker(m.cfg.SweepInterval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
			m.SweepStale()
		}
	}
}

// Stats summarizes the manager.
type Stats struct {
	Assets       int   `json:"assets"`
	Transfers    int   `json:"transfers"`
	CachedChunks int   `json:"cachedChunks"`
	CachedBytes  int64 `json:"cachedBytes"`
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	m.catMu.RLock()
	assets := len(m.assets)
	m.catMu.RUnlock()
	m.mu.Lock()
	transfers := len(m.transfers)
	m.mu.Unlock()
	return Stats{
		Assets:       assets,
		Transfers:    transfers,
		CachedChunks: m.cache.len(),
		CachedBytes:  m.cache.size(),
	}
}

func assetNotFound(id string) error {
	return bridgeerr.New(bridgeerr.CodeNotFound, "asset not found", map[string]any{"assetId": id})
}

func transferNotFound(k transferKey) error {
	return bridgeerr.New(bridgeerr.CodeNotFound, "transfer not found",
		map[string]any{"assetId": k.assetID, "sessionId": k.sessionID})
}
