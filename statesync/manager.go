package statesync

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/esportsjesus1-create/gameverse-backend-sub008/bridgeerr"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/checksum"
)

const (
	DefaultMaxStates        = 10000
	DefaultSnapshotInterval = 30 * time.Second
	DefaultSnapshotTTL      = 10 * time.Minute
	DefaultMaxSnapshots     = 1000
)

// Config controls a Manager.
type Config struct {
	MaxStates int
	// DeltaCompression sends subscribers a diff against the previous version
	// whenever it encodes smaller than the full document.
	DeltaCompression bool
	// Algorithm fingerprints documents. Defaults to XXH64.
	Algorithm checksum.Algorithm

	SnapshotInterval time.Duration
	SnapshotTTL      time.Duration
	MaxSnapshots     int

	Now    func() time.Time
	Logger *slog.Logger
}

type entry struct {
	mu sync.Mutex

	id           string
	version      int64
	data         any
	checksum     string
	createdAt    time.Time
	lastModified time.Time
	deleted      bool

	// lastDelta turns version-1 into version; nil when unavailable.
	lastDelta   []Operation
	snapshotted int64
}

type snapshotKey struct {
	stateID string
	version int64
}

// Manager owns every replicated state.
type Manager struct {
	cfg      Config
	log      *slog.Logger
	listener Listener

	// mu guards states; it is never held while an entry lock is acquired.
	mu     sync.RWMutex
	states map[string]*entry

	subMu sync.RWMutex
	subs  map[string]map[string]struct{} // stateID -> sessionIDs

	snapshots *expirable.LRU[snapshotKey, Snapshot]
}

// New constructs a Manager. listener may be nil.
func New(cfg Config, listener Listener) *Manager {
	if cfg.MaxStates <= 0 {
		cfg.MaxStates = DefaultMaxStates
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = checksum.XXH64
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = DefaultSnapshotTTL
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = DefaultMaxSnapshots
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
		states:    make(map[string]*entry),
		subs:      make(map[string]map[string]struct{}),
		snapshots: expirable.NewLRU[snapshotKey, Snapshot](cfg.MaxSnapshots, nil, cfg.SnapshotTTL),
	}
}

// Create registers a new state at version 1.
func (m *Manager) Create(id string, data any) (State, error) {
	doc, err := normalize(data)
	if err != nil {
		return State{}, bridgeerr.Wrap(bridgeerr.CodeInvalidPayload, err, "state data is not JSON")
	}
	sum, err := checksum.SumJSON(m.cfg.Algorithm, doc)
	if err != nil {
		return State{}, bridgeerr.Wrap(bridgeerr.CodeInternal, err, "fingerprint state")
	}

	m.mu.Lock()
	if _, ok := m.states[id]; ok {
		m.mu.Unlock()
		return State{}, bridgeerr.New(bridgeerr.CodeAlreadyExists, "state already exists", map[string]any{"stateId": id})
	}
	if len(m.states) >= m.cfg.MaxStates {
		m.mu.Unlock()
		return State{}, bridgeerr.New(bridgeerr.CodeCapacityExceeded, "maximum states reached",
			map[string]any{"maxStates": m.cfg.MaxStates})
	}
	now := m.cfg.Now()
	e := &entry{id: id, version: 1, data: doc, checksum: sum, createdAt: now, lastModified: now}
	m.states[id] = e
	m.mu.Unlock()

	m.log.Debug("state created", slog.String("state_id", id))
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.view(e), nil
}

func (m *Manager) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.states[id]
	return e, ok
}

// lockEntry returns the live entry for id with its lock held.
func (m *Manager) lockEntry(id string) (*entry, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, notFound(id)
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, notFound(id)
	}
	return e, nil
}

// Get returns a copy of the state.
func (m *Manager) Get(id string) (State, bool) {
	e, err := m.lockEntry(id)
	if err != nil {
		return State{}, false
	}
	defer e.mu.Unlock()
	return m.view(e), true
}

// Count returns the number of live states.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

// UpdateOption customizes Update.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	expected *int64
}

// IfVersion rejects the update unless the state is currently at version.
func IfVersion(version int64) UpdateOption {
	return func(o *updateOptions) { o.expected = &version }
}

// Update replaces the document.
func (m *Manager) Update(id string, data any, opts ...UpdateOption) (State, error) {
	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}
	doc, err := normalize(data)
	if err != nil {
		return State{}, bridgeerr.Wrap(bridgeerr.CodeInvalidPayload, err, "state data is not JSON")
	}

	e, err := m.lockEntry(id)
	if err != nil {
		return State{}, err
	}
	defer e.mu.Unlock()

	if o.expected != nil && *o.expected != e.version {
		return State{}, m.conflict(e, *o.expected)
	}
	if err := m.commit(e, doc); err != nil {
		return State{}, err
	}
	return m.view(e), nil
}

// ApplyOperations applies ops as one atomic batch on top of version. Either
// every operation applies and the version advances by one, or nothing
// changes.
func (m *Manager) ApplyOperations(id string, version int64, ops []Operation) (State, error) {
	e, err := m.lockEntry(id)
	if err != nil {
		return State{}, err
	}
	defer e.mu.Unlock()

	if version != e.version {
		return State{}, m.conflict(e, version)
	}
	doc, err := ApplyDelta(e.data, ops)
	if err != nil {
		be := bridgeerr.Wrap(bridgeerr.CodeInvalidPayload, err, "patch operation failed")
		var pe *patchError
		if errors.As(err, &pe) {
			be = be.WithDetail("index", pe.index).WithDetail("path", pe.op.Path)
		}
		return State{}, be
	}
	if err := m.commit(e, doc); err != nil {
		return State{}, err
	}
	return m.view(e), nil
}

func (m *Manager) conflict(e *entry, expected int64) error {
	m.log.Debug("state version conflict", slog.String("state_id", e.id),
		slog.Int64("expected", expected), slog.Int64("current", e.version))
	if m.listener != nil {
		m.listener.VersionConflict(Conflict{StateID: e.id, ExpectedVersion: expected, CurrentVersion: e.version})
	}
	return bridgeerr.New(bridgeerr.CodeVersionConflict, "state version conflict", map[string]any{
		"stateId":         e.id,
		"expectedVersion": expected,
		"currentVersion":  e.version,
	})
}

// commit installs doc as the next version. e.mu must be held.
func (m *Manager) commit(e *entry, doc any) error {
	sum, err := checksum.SumJSON(m.cfg.Algorithm, doc)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.CodeInternal, err, "fingerprint state")
	}
	prev := e.data
	e.version++
	e.data = doc
	e.checksum = sum
	e.lastModified = m.cfg.Now()
	e.lastDelta = nil
	if m.cfg.DeltaCompression {
		e.lastDelta = smallerDelta(prev, doc)
	}

	if m.listener != nil {
		m.listener.StateChanged(Change{
			StateID:     e.id,
			Version:     e.version,
			Payload:     m.payload(e, false),
			Subscribers: m.Subscribers(e.id),
		})
	}
	return nil
}

// smallerDelta returns the diff from prev to next when it encodes smaller
// than next itself, else nil.
func smallerDelta(prev, next any) []Operation {
	ops := diff(prev, next)
	if len(ops) == 0 {
		return []Operation{}
	}
	full, err := json.Marshal(next)
	if err != nil {
		return nil
	}
	delta, err := json.Marshal(ops)
	if err != nil || len(delta) >= len(full) {
		return nil
	}
	return ops
}

func (m *Manager) payload(e *entry, full bool) SyncPayload {
	p := SyncPayload{StateID: e.id, Version: e.version, Checksum: e.checksum}
	if full || e.lastDelta == nil {
		p.FullState = true
		p.Data = deepClone(e.data)
		return p
	}
	p.BaseVersion = e.version - 1
	p.Delta = cloneOps(e.lastDelta)
	return p
}

// SyncPayload renders the state for a subscriber. With full unset the most
// recent delta is used when one is available; otherwise the payload carries
// the whole document.
func (m *Manager) SyncPayload(id string, full bool) (SyncPayload, error) {
	e, err := m.lockEntry(id)
	if err != nil {
		return SyncPayload{}, err
	}
	defer e.mu.Unlock()
	return m.payload(e, full), nil
}

// Delete removes the state. Subscriptions are left in place; callers clean
// them up with Unsubscribe or UnsubscribeAll.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	e, ok := m.states[id]
	if ok {
		delete(m.states, id)
	}
	m.mu.Unlock()
	if !ok {
		return notFound(id)
	}
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	m.log.Debug("state deleted", slog.String("state_id", id))
	return nil
}

// Subscribe adds sessionID to the state's subscribers. It reports false and
// does nothing when the state does not exist.
func (m *Manager) Subscribe(stateID, sessionID string) bool {
	if _, ok := m.lookup(stateID); !ok {
		return false
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	set, ok := m.subs[stateID]
	if !ok {
		set = make(map[string]struct{})
		m.subs[stateID] = set
	}
	set[sessionID] = struct{}{}
	return true
}

// Unsubscribe removes sessionID from one state's subscribers.
func (m *Manager) Unsubscribe(stateID, sessionID string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.unsubscribeLocked(stateID, sessionID)
}

func (m *Manager) unsubscribeLocked(stateID, sessionID string) bool {
	set, ok := m.subs[stateID]
	if !ok {
		return false
	}
	if _, ok := set[sessionID]; !ok {
		return false
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(m.subs, stateID)
	}
	return true
}

// UnsubscribeAll removes sessionID from every state, deleted ones included,
// and returns the affected state IDs.
func (m *Manager) UnsubscribeAll(sessionID string) []string {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	var out []string
	for stateID := range m.subs {
		if m.unsubscribeLocked(stateID, sessionID) {
			out = append(out, stateID)
		}
	}
	sort.Strings(out)
	return out
}

// Subscribers returns the sorted subscriber session IDs of a state.
func (m *Manager) Subscribers(stateID string) []string {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	set := m.subs[stateID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// view copies e. e.mu must be held.
func (m *Manager) view(e *entry) State {
	return State{
		ID:           e.id,
		Version:      e.version,
		Data:         deepClone(e.data),
		Checksum:     e.checksum,
		Subscribers:  m.Subscribers(e.id),
		CreatedAt:    e.createdAt,
		LastModified: e.lastModified,
	}
}

func notFound(id string) error {
	return bridgeerr.New(bridgeerr.CodeNotFound, "state not found", map[string]any{"stateId": id})
}
