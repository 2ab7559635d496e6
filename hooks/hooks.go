package hooks

import (
	"context"
	"encoding/json"
)

// Session interface is defined locally to avoid circular imports.
// The bridge provides an implementation backed by the session manager.
type Session interface {
	SessionID() string
	ClientID() string
	UserID() string
}

// Hooks defines the collaborators a bridge delegates application logic to.
// The bridge itself owns sessions, state replication and asset streaming;
// everything method- or event-specific is handed to these capabilities.
type Hooks interface {
	// GetRPCCapability returns the implementation of the RPCCapability interface. If nil is returned,
	// RPC_REQUEST messages are answered with an error.
	GetRPCCapability() RPCCapability

	// GetEventsCapability returns the implementation of the EventsCapability interface. If nil is returned,
	// inbound EVENT messages are acknowledged and dropped.
	GetEventsCapability() EventsCapability

	// GetLifecycleCapability returns the implementation of the LifecycleCapability interface. If nil is
	// returned, session lifecycle changes are not reported.
	GetLifecycleCapability() LifecycleCapability
}

// RPCCapability executes remote procedure calls keyed by method name. Params
// and results are passed through unmodified. Implementations should honor ctx
// cancellation: the bridge abandons the call once its timeout elapses.
type RPCCapability interface {
	Call(ctx context.Context, session Session, method string, params json.RawMessage) (json.RawMessage, error)
}

// EventsCapability receives named events published by clients.
type EventsCapability interface {
	HandleEvent(ctx context.Context, session Session, name string, data json.RawMessage) error
}

// LifecycleCapability observes sessions opening and closing. Closing is
// reported once per session, whether it ended by request, by transport loss
// followed by reconnect expiry, or by the heartbeat sweep.
type LifecycleCapability interface {
	SessionOpened(ctx context.Context, session Session, resumed bool)
	SessionClosed(ctx context.Context, session Session, reason string)
}
