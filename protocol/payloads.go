package protocol

import (
	"encoding/json"

	"github.com/esportsjesus1-create/gameverse-backend-sub008/bridgeerr"
)

// ClientInfo identifies the engine instance opening a session.
type ClientInfo struct {
	ClientID      string `json:"clientId" jsonschema:"description=Stable identifier of the engine instance"`
	EngineVersion string `json:"engineVersion,omitempty"`
	Platform      string `json:"platform,omitempty"`
	BuildID       string `json:"buildId,omitempty"`
}

// ConnectPayload opens a session, or resumes one when ReconnectToken is set.
type ConnectPayload struct {
	ClientInfo      ClientInfo `json:"clientInfo"`
	ReconnectToken  string     `json:"reconnectToken,omitempty"`
	AuthToken       string     `json:"authToken,omitempty"`
	ProtocolVersion int        `json:"protocolVersion,omitempty"`
}

func (p ConnectPayload) validate() []Issue {
	if p.ClientInfo.ClientID == "" {
		return []Issue{{Path: "/clientInfo/clientId", Message: "must not be empty"}}
	}
	return nil
}

// ConnectAck is the ACK payload answering a CONNECT.
type ConnectAck struct {
	SessionID         string `json:"sessionId"`
	ReconnectToken    string `json:"reconnectToken"`
	Resumed           bool   `json:"resumed"`
	State             string `json:"state"`
	HeartbeatInterval int64  `json:"heartbeatInterval"`
	HeartbeatTimeout  int64  `json:"heartbeatTimeout"`
	ServerTime        int64  `json:"serverTime"`
}

// DisconnectPayload ends a session.
type DisconnectPayload struct {
	Reason string `json:"reason,omitempty"`
}

// HeartbeatPayload carries liveness and round-trip timing. Times are unix
// milliseconds.
type HeartbeatPayload struct {
	ClientTime int64 `json:"clientTime,omitempty"`
	ServerTime int64 `json:"serverTime,omitempty"`
	Latency    int64 `json:"latency,omitempty"`
}

// StateSyncRequest subscribes to a replicated state and asks for its
// current value. A client already holding SinceVersion may be answered with
// a delta instead of the full document.
type StateSyncRequest struct {
	StateID      string `json:"stateId"`
	SinceVersion int64  `json:"sinceVersion,omitempty"`
	Unsubscribe  bool   `json:"unsubscribe,omitempty"`
}

func (p StateSyncRequest) validate() []Issue {
	if p.StateID == "" {
		return []Issue{{Path: "/stateId", Message: "must not be empty"}}
	}
	return nil
}

// PatchOperation is one step of an atomic patch batch.
type PatchOperation struct {
	Op    string `json:"op" jsonschema:"enum=add,enum=remove,enum=replace,enum=move,enum=copy"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`
}

// StateUpdatePayload writes a replicated state, either as a full
// replacement (Data) or as an operation batch (Operations).
type StateUpdatePayload struct {
	StateID         string           `json:"stateId"`
	ExpectedVersion *int64           `json:"expectedVersion,omitempty"`
	Data            json.RawMessage  `json:"data,omitempty"`
	Operations      []PatchOperation `json:"operations,omitempty"`
	Create          bool             `json:"create,omitempty"`
}

func (p StateUpdatePayload) validate() []Issue {
	var issues []Issue
	if p.StateID == "" {
		issues = append(issues, Issue{Path: "/stateId", Message: "must not be empty"})
	}
	hasData := len(p.Data) > 0
	hasOps := len(p.Operations) > 0
	switch {
	case hasData && hasOps:
		issues = append(issues, Issue{Path: "", Message: "data and operations are mutually exclusive"})
	case !hasData && !hasOps:
		issues = append(issues, Issue{Path: "", Message: "one of data or operations is required"})
	case hasOps && p.ExpectedVersion == nil:
		issues = append(issues, Issue{Path: "/expectedVersion", Message: "required with operations"})
	}
	for i, op := range p.Operations {
		if (op.Op == "move" || op.Op == "copy") && op.From == "" {
			issues = append(issues, Issue{Path: indexPath("/operations", i) + "/from", Message: "required for " + op.Op})
		}
	}
	return issues
}

// StateUpdateAck is the ACK payload answering an accepted STATE_UPDATE.
type StateUpdateAck struct {
	StateID  string `json:"stateId"`
	Version  int64  `json:"version"`
	Checksum string `json:"checksum"`
}

// AssetRequestPayload starts (or resumes) a transfer.
type AssetRequestPayload struct {
	AssetID    string `json:"assetId"`
	ResumeFrom int64  `json:"resumeFrom,omitempty"`
	Priority   int    `json:"priority,omitempty"`
}

func (p AssetRequestPayload) validate() []Issue {
	var issues []Issue
	if p.AssetID == "" {
		issues = append(issues, Issue{Path: "/assetId", Message: "must not be empty"})
	}
	if p.ResumeFrom < 0 {
		issues = append(issues, Issue{Path: "/resumeFrom", Message: "must not be negative"})
	}
	return issues
}

// AssetManifestPayload describes an asset; sent in the ACK answering an
// ASSET_REQUEST.
type AssetManifestPayload struct {
	AssetID     string         `json:"assetId"`
	AssetType   string         `json:"assetType"`
	FileName    string         `json:"fileName"`
	FileSize    int64          `json:"fileSize"`
	Checksum    string         `json:"checksum"`
	ChunkSize   int            `json:"chunkSize"`
	TotalChunks int            `json:"totalChunks"`
	StartChunk  int            `json:"startChunk"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// AssetChunkAck is the client's ASSET_CHUNK: it acknowledges a chunk and
// asks for the next one.
type AssetChunkAck struct {
	AssetID    string `json:"assetId"`
	ChunkIndex int    `json:"chunkIndex"`
}

func (p AssetChunkAck) validate() []Issue {
	if p.AssetID == "" {
		return []Issue{{Path: "/assetId", Message: "must not be empty"}}
	}
	return nil
}

// ChunkEnvelopeAllowance bounds what an ASSET_CHUNK frame carries besides the
// chunk data: header, the other payload fields, framing and checksum.
const ChunkEnvelopeAllowance = 4 << 10

// ChunkFrameSize is the largest frame a chunk of n bytes encodes to. Data is
// base64 in both wire formats.
func ChunkFrameSize(n int) int {
	return 4*((n+2)/3) + ChunkEnvelopeAllowance
}

// AssetChunkPayload is the server's ASSET_CHUNK carrying one slice of bytes.
type AssetChunkPayload struct {
	AssetID          string `json:"assetId"`
	ChunkIndex       int    `json:"chunkIndex"`
	TotalChunks      int    `json:"totalChunks"`
	Offset           int64  `json:"offset"`
	Data             []byte `json:"data"`
	Checksum         string `json:"checksum"`
	BytesTransferred int64  `json:"bytesTransferred"`
	TotalBytes       int64  `json:"totalBytes"`
	Last             bool   `json:"last,omitempty"`
}

// AssetCompletePayload ends a transfer. From the server it reports success
// (with the whole-asset checksum) or a cancellation; from the client it
// cancels the transfer.
type AssetCompletePayload struct {
	AssetID    string `json:"assetId"`
	Checksum   string `json:"checksum,omitempty"`
	TotalBytes int64  `json:"totalBytes,omitempty"`
	Cancelled  bool   `json:"cancelled,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (p AssetCompletePayload) validate() []Issue {
	if p.AssetID == "" {
		return []Issue{{Path: "/assetId", Message: "must not be empty"}}
	}
	return nil
}

// RPCRequestPayload is passed unmodified to the RPC executor. Only the
// envelope shape is validated here.
type RPCRequestPayload struct {
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Timeout int64           `json:"timeout,omitempty" jsonschema:"description=Timeout in milliseconds"`
}

func (p RPCRequestPayload) validate() []Issue {
	var issues []Issue
	if p.Method == "" {
		issues = append(issues, Issue{Path: "/method", Message: "must not be empty"})
	}
	if p.Timeout < 0 {
		issues = append(issues, Issue{Path: "/timeout", Message: "must not be negative"})
	}
	return issues
}

// RPCResponsePayload carries an RPC result or error.
type RPCResponsePayload struct {
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
}

// EventPayload is a named pub/sub event.
type EventPayload struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (p EventPayload) validate() []Issue {
	if p.Name == "" {
		return []Issue{{Path: "/name", Message: "must not be empty"}}
	}
	return nil
}

// ErrorPayload is the body of an ERROR message.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorPayloadFrom renders err for the wire.
func ErrorPayloadFrom(err error) ErrorPayload {
	be := bridgeerr.From(err)
	if be == nil {
		be = bridgeerr.New(bridgeerr.CodeInternal, "internal error", nil)
	}
	return ErrorPayload{Code: string(be.Code), Message: be.Message, Details: be.Details}
}

// AckPayload acknowledges the request named by the header's correlation ID.
type AckPayload struct {
	Status string `json:"status,omitempty"`
	Data   any    `json:"data,omitempty"`
}
