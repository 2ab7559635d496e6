// Package statesync keeps named JSON documents replicated across sessions
// with optimistic concurrency.
//
// Every write names the version it was based on; a stale version is rejected
// with VERSION_CONFLICT and leaves the state untouched. Accepted writes bump
// the version by exactly one, whether they replace the document or apply a
// batch of patch operations. Subscribers are tracked per state so the caller
// can fan changes out; the manager itself performs no I/O.
package statesync

import (
	"encoding/json"
	"time"
)

// State is a point-in-time copy of a replicated document.
type State struct {
	ID           string    `json:"id"`
	Version      int64     `json:"version"`
	Data         any       `json:"data"`
	Checksum     string    `json:"checksum"`
	Subscribers  []string  `json:"subscribers,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastModified time.Time `json:"lastModified"`
}

// Op names a patch operation.
type Op string

const (
	OpAdd     Op = "add"
	OpRemove  Op = "remove"
	OpReplace Op = "replace"
	OpMove    Op = "move"
	OpCopy    Op = "copy"
)

// Operation is one step of a patch batch. Paths are JSON pointers; the empty
// path addresses the whole document.
type Operation struct {
	Op    Op     `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`
}

// SyncPayload is what subscribers receive. A full payload carries Data; a
// delta payload carries Delta, which reconstructs Version when applied to
// BaseVersion.
type SyncPayload struct {
	StateID     string      `json:"stateId"`
	Version     int64       `json:"version"`
	BaseVersion int64       `json:"baseVersion,omitempty"`
	FullState   bool        `json:"fullState"`
	Data        any         `json:"data,omitempty"`
	Delta       []Operation `json:"delta,omitempty"`
	Checksum    string      `json:"checksum"`
}

// Change describes a committed write.
type Change struct {
	StateID     string
	Version     int64
	Payload     SyncPayload
	Subscribers []string
}

// Conflict describes a rejected write.
type Conflict struct {
	StateID         string
	ExpectedVersion int64
	CurrentVersion  int64
}

// Listener observes writes. Calls for one state are serialized and made in
// version order while that state is locked: a Listener must not write to the
// same state from inside a callback.
type Listener interface {
	StateChanged(c Change)
	VersionConflict(c Conflict)
}

// Snapshot is an immutable copy of a state at one version.
type Snapshot struct {
	StateID   string    `json:"stateId"`
	Version   int64     `json:"version"`
	Data      any       `json:"data"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// normalize converts v into its plain JSON form: map[string]any, []any,
// float64, string, bool or nil.
func normalize(v any) (any, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func deepClone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepClone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepClone(e)
		}
		return out
	default:
		return v
	}
}

func cloneOps(ops []Operation) []Operation {
	if ops == nil {
		return nil
	}
	out := make([]Operation, len(ops))
	for i, op := range ops {
		op.Value = deepClone(op.Value)
		out[i] = op
	}
	return out
}
