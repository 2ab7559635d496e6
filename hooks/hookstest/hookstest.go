package hookstest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/esportsjesus1-create/gameverse-backend-sub008/hooks"
)

// RPCHandler handles one RPC method.
type RPCHandler func(ctx context.Context, session hooks.Session, params json.RawMessage) (json.RawMessage, error)

// MockRPCCapability dispatches calls to per-method handlers.
type MockRPCCapability struct {
	handlers map[string]RPCHandler
}

func NewMockRPCCapability(handlers map[string]RPCHandler) *MockRPCCapability {
	if handlers == nil {
		handlers = map[string]RPCHandler{}
	}
	return &MockRPCCapability{handlers: handlers}
}

func (m *MockRPCCapability) Call(ctx context.Context, session hooks.Session, method string, params json.RawMessage) (json.RawMessage, error) {
	h, ok := m.handlers[method]
	if !ok {
		return nil, &hooks.NotFoundError{Type: "method", Name: method}
	}
	return h(ctx, session, params)
}

// RecordedEvent is one event seen by MockEventsCapability.
type RecordedEvent struct {
	SessionID string
	Name      string
	Data      json.RawMessage
}

// MockEventsCapability records every event it receives.
type MockEventsCapability struct {
	mu     sync.Mutex
	events []RecordedEvent
}

func (m *MockEventsCapability) HandleEvent(ctx context.Context, session hooks.Session, name string, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, RecordedEvent{SessionID: session.SessionID(), Name: name, Data: data})
	return nil
}

// Events returns a copy of the recorded events.
func (m *MockEventsCapability) Events() []RecordedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedEvent(nil), m.events...)
}

// MockLifecycleCapability records session lifecycle notifications as
// "opened:<id>", "resumed:<id>" and "closed:<id>:<reason>".
type MockLifecycleCapability struct {
	mu  sync.Mutex
	log []string
}

func (m *MockLifecycleCapability) SessionOpened(ctx context.Context, session hooks.Session, resumed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if resumed {
		m.log = append(m.log, "resumed:"+session.SessionID())
		return
	}
	m.log = append(m.log, "opened:"+session.SessionID())
}

func (m *MockLifecycleCapability) SessionClosed(ctx context.Context, session hooks.Session, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, "closed:"+session.SessionID()+":"+reason)
}

// Log returns a copy of the recorded notifications.
func (m *MockLifecycleCapability) Log() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.log...)
}

// MockHooks provides a configurable implementation of hooks.Hooks for testing
type MockHooks struct {
	rpcCapability       hooks.RPCCapability
	eventsCapability    hooks.EventsCapability
	lifecycleCapability hooks.LifecycleCapability
}

// Option configures MockHooks
type Option func(*MockHooks)

// NewMockHooks creates a new MockHooks and applies the provided options.
// Without options every capability is absent.
func NewMockHooks(opts ...Option) *MockHooks {
	m := &MockHooks{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithRPCCapability sets the RPC capability implementation
func WithRPCCapability(capability hooks.RPCCapability) Option {
	return func(m *MockHooks) {
		m.rpcCapability = capability
	}
}

// WithRPCHandlers enables the RPC capability backed by the given handlers
func WithRPCHandlers(handlers map[string]RPCHandler) Option {
	return func(m *MockHooks) {
		m.rpcCapability = NewMockRPCCapability(handlers)
	}
}

// WithEventsCapability sets the events capability implementation
func WithEventsCapability(capability hooks.EventsCapability) Option {
	return func(m *MockHooks) {
		m.eventsCapability = capability
	}
}

// WithLifecycleCapability sets the lifecycle capability implementation
func WithLifecycleCapability(capability hooks.LifecycleCapability) Option {
	return func(m *MockHooks) {
		m.lifecycleCapability = capability
	}
}

// Implementation of hooks.Hooks interface

func (m *MockHooks) GetRPCCapability() hooks.RPCCapability {
	return m.rpcCapability
}

func (m *MockHooks) GetEventsCapability() hooks.EventsCapability {
	return m.eventsCapability
}

func (m *MockHooks) GetLifecycleCapability() hooks.LifecycleCapability {
	return m.lifecycleCapability
}
