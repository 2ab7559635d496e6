package statesync

import (
	"context"
	"log/slog"
	"time"
)

// TakeSnapshots records a snapshot of every state whose current version has
// not been captured yet and returns how many were taken.
func (m *Manager) TakeSnapshots() int {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.states))
	for _, e := range m.states {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	taken := 0
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted && e.snapshotted != e.version {
			now := m.cfg.Now()
			m.snapshots.Add(snapshotKey{stateID: e.id, version: e.version}, Snapshot{
				StateID:   e.id,
				Version:   e.version,
				Data:      deepClone(e.data),
				Checksum:  e.checksum,
				CreatedAt: now,
				ExpiresAt: now.Add(m.cfg.SnapshotTTL),
			})
			e.snapshotted = e.version
			taken++
		}
		e.mu.Unlock()
	}
	if taken > 0 {
		m.log.Debug("state snapshots taken", slog.Int("count", taken))
	}
	return taken
}

// Snapshot returns the cached snapshot of a state at version. Snapshots
// expire and may be evicted at any time.
func (m *Manager) Snapshot(stateID string, version int64) (Snapshot, bool) {
	s, ok := m.snapshots.Get(snapshotKey{stateID: stateID, version: version})
	if !ok {
		return Snapshot{}, false
	}
	s.Data = deepClone(s.Data)
	return s, true
}

// Run takes snapshots every SnapshotInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.cfg.SnapshotInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.TakeSnapshots()
		}
	}
}
