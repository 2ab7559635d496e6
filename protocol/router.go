package protocol

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/esportsjesus1-create/gameverse-backend-sub008/bridgeerr"
)

// Request is an inbound message together with the session it arrived on.
// SessionID is empty before a CONNECT has been accepted.
type Request struct {
	SessionID string
	Message   Message
}

// Handler receives decoded, validated messages. Each method is invoked with
// the payload already parsed into its typed form. A returned error is
// reported to the ErrorHandler along with the offending message.
type Handler interface {
	HandleConnect(ctx context.Context, req Request, p ConnectPayload) error
	HandleDisconnect(ctx context.Context, req Request, p DisconnectPayload) error
	HandleHeartbeat(ctx context.Context, req Request, p HeartbeatPayload) error
	HandleStateSync(ctx context.Context, req Request, p StateSyncRequest) error
	HandleStateUpdate(ctx context.Context, req Request, p StateUpdatePayload) error
	HandleAssetRequest(ctx context.Context, req Request, p AssetRequestPayload) error
	HandleAssetChunk(ctx context.Context, req Request, p AssetChunkAck) error
	HandleAssetComplete(ctx context.Context, req Request, p AssetCompletePayload) error
	HandleRPCRequest(ctx context.Context, req Request, p RPCRequestPayload) error
	HandleRPCResponse(ctx context.Context, req Request, p RPCResponsePayload) error
	HandleEvent(ctx context.Context, req Request, p EventPayload) error
	HandleError(ctx context.Context, req Request, p ErrorPayload) error
	HandleAck(ctx context.Context, req Request, p AckPayload) error
}

// UnimplementedHandler answers every message type with INVALID_MESSAGE.
// Embed it to implement a subset of Handler.
type UnimplementedHandler struct{}

func unhandled(req Request) error {
	return bridgeerr.Newf(bridgeerr.CodeInvalidMessage, "no handler for %s", req.Message.Header.Type)
}

func (UnimplementedHandler) HandleConnect(_ context.Context, r Request, _ ConnectPayload) error {
	return unhandled(r)
}
func (UnimplementedHandler) HandleDisconnect(_ context.Context, r Request, _ DisconnectPayload) error {
	return unhandled(r)
}
func (UnimplementedHandler) HandleHeartbeat(_ context.Context, r Request, _ HeartbeatPayload) error {
	return unhandled(r)
}
func (UnimplementedHandler) HandleStateSync(_ context.Context, r Request, _ StateSyncRequest) error {
	return unhandled(r)
}
func (UnimplementedHandler) HandleStateUpdate(_ context.Context, r Request, _ StateUpdatePayload) error {
	return unhandled(r)
}
func (UnimplementedHandler) HandleAssetRequest(_ context.Context, r Request, _ AssetRequestPayload) error {
	return unhandled(r)
}
func (UnimplementedHandler) HandleAssetChunk(_ context.Context, r Request, _ AssetChunkAck) error {
	return unhandled(r)
}
func (UnimplementedHandler) HandleAssetComplete(_ context.Context, r Request, _ AssetCompletePayload) error {
	return unhandled(r)
}
func (UnimplementedHandler) HandleRPCRequest(_ context.Context, r Request, _ RPCRequestPayload) error {
	return unhandled(r)
}
func (UnimplementedHandler) HandleRPCResponse(_ context.Context, r Request, _ RPCResponsePayload) error {
	return unhandled(r)
}
func (UnimplementedHandler) HandleEvent(_ context.Context, r Request, _ EventPayload) error {
	return unhandled(r)
}
func (UnimplementedHandler) HandleError(_ context.Context, r Request, _ ErrorPayload) error {
	return unhandled(r)
}
func (UnimplementedHandler) HandleAck(_ context.Context, r Request, _ AckPayload) error {
	return unhandled(r)
}

// Failure describes a message that could not be decoded, validated or
// handled. Message is nil when the frame itself could not be decoded.
type Failure struct {
	SessionID string
	Message   *Message
	Err       *bridgeerr.Error
}

// ErrorHandler is notified of every failure in the receive path.
type ErrorHandler interface {
	HandleFailure(ctx context.Context, f Failure)
}

// ErrorHandlerFunc adapts a function to ErrorHandler.
type ErrorHandlerFunc func(ctx context.Context, f Failure)

func (fn ErrorHandlerFunc) HandleFailure(ctx context.Context, f Failure) { fn(ctx, f) }

// Router decodes frames and dispatches them to a Handler by message type.
type Router struct {
	codec   Codec
	handler Handler
	errs    ErrorHandler
	log     *slog.Logger
}

// NewRouter wires a codec, a handler and an error sink. A nil ErrorHandler
// only logs failures.
func NewRouter(codec Codec, h Handler, errs ErrorHandler, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{codec: codec, handler: h, errs: errs, log: log}
}

// Codec returns the codec the router decodes with.
func (r *Router) Codec() Codec { return r.codec }

// Receive decodes raw and dispatches it. It never returns an error: every
// failure is funneled to the ErrorHandler.
func (r *Router) Receive(ctx context.Context, sessionID string, raw []byte) {
	msg, err := r.codec.Decode(raw)
	if err != nil {
		r.fail(ctx, Failure{SessionID: sessionID, Err: bridgeerr.From(err)})
		return
	}
	if err := r.Route(ctx, sessionID, msg); err != nil {
		r.fail(ctx, Failure{SessionID: sessionID, Message: &msg, Err: bridgeerr.From(err)})
	}
}

func (r *Router) fail(ctx context.Context, f Failure) {
	attrs := []any{slog.String("code", string(f.Err.Code)), slog.String("err", f.Err.Message)}
	if f.Message != nil {
		attrs = append(attrs, slog.String("type", string(f.Message.Header.Type)), slog.String("message_id", f.Message.Header.ID))
	}
	r.log.DebugContext(ctx, "protocol.receive.fail", attrs...)
	if r.errs != nil {
		r.errs.HandleFailure(ctx, f)
	}
}

// Route validates an already decoded message and invokes the matching
// handler method.
func (r *Router) Route(ctx context.Context, sessionID string, msg Message) error {
	req := Request{SessionID: sessionID, Message: msg}
	h := r.handler
	switch msg.Header.Type {
	case TypeConnect:
		return dispatch(ctx, req, h.HandleConnect)
	case TypeDisconnect:
		return dispatch(ctx, req, h.HandleDisconnect)
	case TypeHeartbeat:
		return dispatch(ctx, req, h.HandleHeartbeat)
	case TypeStateSync:
		return dispatch(ctx, req, h.HandleStateSync)
	case TypeStateUpdate:
		return dispatch(ctx, req, h.HandleStateUpdate)
	case TypeAssetRequest:
		return dispatch(ctx, req, h.HandleAssetRequest)
	case TypeAssetChunk:
		return dispatch(ctx, req, h.HandleAssetChunk)
	case TypeAssetComplete:
		return dispatch(ctx, req, h.HandleAssetComplete)
	case TypeRPCRequest:
		return dispatch(ctx, req, h.HandleRPCRequest)
	case TypeRPCResponse:
		return dispatch(ctx, req, h.HandleRPCResponse)
	case TypeEvent:
		return dispatch(ctx, req, h.HandleEvent)
	case TypeError:
		return dispatch(ctx, req, h.HandleError)
	case TypeAck:
		return dispatch(ctx, req, h.HandleAck)
	default:
		return bridgeerr.New(bridgeerr.CodeInvalidMessage, "unknown message type",
			map[string]any{"type": string(msg.Header.Type)})
	}
}

type validator interface {
	validate() []Issue
}

// ParsePayload validates msg's payload for its type and decodes it into T.
func ParsePayload[T any](msg Message) (T, error) {
	var p T
	if issues := Validate(msg.Header.Type, msg.Payload); len(issues) > 0 {
		return p, invalidPayload(issues)
	}
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return p, bridgeerr.Wrap(bridgeerr.CodeInvalidPayload, err, "payload does not match type")
		}
	}
	if v, ok := any(p).(validator); ok {
		if issues := v.validate(); len(issues) > 0 {
			return p, invalidPayload(issues)
		}
	}
	return p, nil
}

func dispatch[T any](ctx context.Context, req Request, fn func(context.Context, Request, T) error) error {
	p, err := ParsePayload[T](req.Message)
	if err != nil {
		return err
	}
	return fn(ctx, req, p)
}

func invalidPayload(issues []Issue) error {
	return bridgeerr.New(bridgeerr.CodeInvalidPayload, issues[0].String(),
		map[string]any{"issues": issues})
}
