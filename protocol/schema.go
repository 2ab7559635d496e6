package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
)

// Issue is one structured validation failure.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// inboundPayloads maps each message type to the Go type its payload is
// decoded into when received from a client.
var inboundPayloads = map[MessageType]reflect.Type{
	TypeConnect:       reflect.TypeOf(ConnectPayload{}),
	TypeDisconnect:    reflect.TypeOf(DisconnectPayload{}),
	TypeHeartbeat:     reflect.TypeOf(HeartbeatPayload{}),
	TypeStateSync:     reflect.TypeOf(StateSyncRequest{}),
	TypeStateUpdate:   reflect.TypeOf(StateUpdatePayload{}),
	TypeAssetRequest:  reflect.TypeOf(AssetRequestPayload{}),
	TypeAssetChunk:    reflect.TypeOf(AssetChunkAck{}),
	TypeAssetComplete: reflect.TypeOf(AssetCompletePayload{}),
	TypeRPCRequest:    reflect.TypeOf(RPCRequestPayload{}),
	TypeRPCResponse:   reflect.TypeOf(RPCResponsePayload{}),
	TypeEvent:         reflect.TypeOf(EventPayload{}),
	TypeError:         reflect.TypeOf(ErrorPayload{}),
	TypeAck:           reflect.TypeOf(AckPayload{}),
}

var rawMessageType = reflect.TypeOf(json.RawMessage(nil))

var (
	schemaOnce sync.Once
	schemas    map[MessageType]*jsonschema.Schema
)

func buildSchemas() {
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline nested structs
		ExpandedStruct: true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			// Opaque JSON accepts any value.
			if t == rawMessageType {
				return &jsonschema.Schema{}
			}
			return nil
		},
	}
	schemas = make(map[MessageType]*jsonschema.Schema, len(inboundPayloads))
	for mt, rt := range inboundPayloads {
		schemas[mt] = r.Reflect(reflect.New(rt).Interface())
	}
}

// Schema returns the JSON schema for the inbound payload of t.
func Schema(t MessageType) (*jsonschema.Schema, bool) {
	schemaOnce.Do(buildSchemas)
	s, ok := schemas[t]
	return s, ok
}

// Validate checks raw against the schema for t. An empty payload is treated
// as an empty object. Unknown types yield a single issue.
func Validate(t MessageType, raw json.RawMessage) []Issue {
	s, ok := Schema(t)
	if !ok {
		return []Issue{{Message: fmt.Sprintf("unknown message type %q", t)}}
	}
	var v any = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return []Issue{{Message: "payload is not valid JSON"}}
		}
	}
	var issues []Issue
	validateValue(s, v, "", &issues)
	return issues
}

func validateValue(s *jsonschema.Schema, v any, path string, issues *[]Issue) {
	if s == nil {
		return
	}
	add := func(msg string) { *issues = append(*issues, Issue{Path: path, Message: msg}) }

	switch s.Type {
	case "":
		// unconstrained
	case "object":
		obj, ok := v.(map[string]any)
		if !ok {
			add("expected object")
			return
		}
		required := make(map[string]bool, len(s.Required))
		for _, name := range s.Required {
			required[name] = true
			if _, ok := obj[name]; !ok {
				*issues = append(*issues, Issue{Path: path + "/" + name, Message: "is required"})
			}
		}
		if s.Properties == nil {
			return
		}
		for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
			val, ok := obj[pair.Key]
			if !ok || (val == nil && !required[pair.Key]) {
				continue
			}
			validateValue(pair.Value, val, path+"/"+pair.Key, issues)
		}
	case "array":
		arr, ok := v.([]any)
		if !ok {
			add("expected array")
			return
		}
		for i, el := range arr {
			validateValue(s.Items, el, indexPath(path, i), issues)
		}
	case "string":
		if _, ok := v.(string); !ok {
			add("expected string")
			return
		}
	case "integer":
		f, ok := v.(float64)
		if !ok || f != math.Trunc(f) {
			add("expected integer")
			return
		}
	case "number":
		if _, ok := v.(float64); !ok {
			add("expected number")
			return
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			add("expected boolean")
			return
		}
	}

	if len(s.Enum) > 0 && !enumContains(s.Enum, v) {
		allowed := make([]string, 0, len(s.Enum))
		for _, e := range s.Enum {
			allowed = append(allowed, fmt.Sprint(e))
		}
		add("must be one of " + strings.Join(allowed, ", "))
	}
}

func enumContains(enum []any, v any) bool {
	for _, e := range enum {
		if fmt.Sprint(e) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

func indexPath(path string, i int) string {
	return path + "/" + strconv.Itoa(i)
}
