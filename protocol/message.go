package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the payload carried by a message.
type MessageType string

const (
	TypeConnect       MessageType = "CONNECT"
	TypeDisconnect    MessageType = "DISCONNECT"
	TypeHeartbeat     MessageType = "HEARTBEAT"
	TypeStateSync     MessageType = "STATE_SYNC"
	TypeStateUpdate   MessageType = "STATE_UPDATE"
	TypeAssetRequest  MessageType = "ASSET_REQUEST"
	TypeAssetChunk    MessageType = "ASSET_CHUNK"
	TypeAssetComplete MessageType = "ASSET_COMPLETE"
	TypeRPCRequest    MessageType = "RPC_REQUEST"
	TypeRPCResponse   MessageType = "RPC_RESPONSE"
	TypeEvent         MessageType = "EVENT"
	TypeError         MessageType = "ERROR"
	TypeAck           MessageType = "ACK"
)

// MessageTypes lists every known message type.
var MessageTypes = []MessageType{
	TypeConnect, TypeDisconnect, TypeHeartbeat,
	TypeStateSync, TypeStateUpdate,
	TypeAssetRequest, TypeAssetChunk, TypeAssetComplete,
	TypeRPCRequest, TypeRPCResponse,
	TypeEvent, TypeError, TypeAck,
}

// Known reports whether t is a known message type.
func (t MessageType) Known() bool {
	for _, k := range MessageTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Header is the typed metadata wrapper on every message.
type Header struct {
	ID            string      `json:"id"`
	Type          MessageType `json:"type"`
	Timestamp     int64       `json:"timestamp"`
	CorrelationID string      `json:"correlationId,omitempty"`
	ClientID      string      `json:"clientId,omitempty"`
	SessionID     string      `json:"sessionId,omitempty"`
}

// Message is a header plus an opaque JSON payload.
type Message struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message with a fresh ID and the current timestamp.
// payload may be nil, a json.RawMessage, or any JSON-marshalable value.
func NewMessage(t MessageType, payload any, correlationID string) (Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Header: Header{
			ID:            uuid.NewString(),
			Type:          t,
			Timestamp:     time.Now().UnixMilli(),
			CorrelationID: correlationID,
		},
		Payload: raw,
	}, nil
}

// NewReply builds a message answering req: its correlation ID is req's ID.
func NewReply(req Message, t MessageType, payload any) (Message, error) {
	return NewMessage(t, payload, req.Header.ID)
}

// DecodePayload unmarshals the message payload into dst.
func (m Message) DecodePayload(dst any) error {
	if len(m.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), dst)
	}
	return json.Unmarshal(m.Payload, dst)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal payload: %w", err)
		}
		return b, nil
	}
}
