package sessions

import (
	"time"
)

// ConnectionState is the lifecycle state of a session.
type ConnectionState string

const (
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateAuthenticated ConnectionState = "authenticated"
	StateDisconnecting ConnectionState = "disconnecting"
	StateDisconnected  ConnectionState = "disconnected"
	StateError         ConnectionState = "error"
)

// Valid reports whether s is one of the known states.
func (s ConnectionState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// transitions lists the states reachable from each state through
// UpdateState. Disconnected sessions only come back through Reconnect.
var transitions = map[ConnectionState][]ConnectionState{
	StateConnecting:    {StateConnected, StateAuthenticated, StateDisconnecting, StateDisconnected, StateError},
	StateConnected:     {StateAuthenticated, StateDisconnecting, StateDisconnected, StateError},
	StateAuthenticated: {StateDisconnecting, StateDisconnected, StateError},
	StateDisconnecting: {StateDisconnected, StateError},
	StateDisconnected:  {StateError},
	StateError:         {StateDisconnecting, StateDisconnected},
}

// CanTransition reports whether from -> to is allowed by the transition
// table. Staying in the same state is always allowed.
func CanTransition(from, to ConnectionState) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ClientInfo identifies the engine instance on the other end of a session.
type ClientInfo struct {
	ClientID      string `json:"clientId"`
	EngineVersion string `json:"engineVersion,omitempty"`
	Platform      string `json:"platform,omitempty"`
	BuildID       string `json:"buildId,omitempty"`
}

// Session is a point-in-time copy of a session record. Mutating a Session
// value has no effect on the manager.
type Session struct {
	ID             string          `json:"sessionId"`
	ClientID       string          `json:"clientId"`
	ClientInfo     ClientInfo      `json:"clientInfo"`
	State          ConnectionState `json:"connectionState"`
	UserID         string          `json:"userId,omitempty"`
	ConnectedAt    time.Time       `json:"connectedAt"`
	LastHeartbeat  time.Time       `json:"lastHeartbeat"`
	Latency        time.Duration   `json:"latency"`
	ReconnectToken string          `json:"-"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

func (s *Session) clone() Session {
	cp := *s
	if s.Metadata != nil {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}
