package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/esportsjesus1-create/gameverse-backend-sub008/bridgeerr"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/hooks"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/protocol"
)

// HandleRPCRequest runs the call on the RPC capability in the background so
// the connection keeps reading. The answer is an RPC_RESPONSE, or an ERROR
// when the call fails or outlives its timeout.
func (c *Conn) HandleRPCRequest(ctx context.Context, req protocol.Request, p protocol.RPCRequestPayload) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	rpc := c.srv.rpc()
	if rpc == nil {
		return hookError(&hooks.UnsupportedOperationError{Operation: "rpc"})
	}
	timeout := c.srv.opts.RPCTimeout
	if p.Timeout > 0 {
		timeout = time.Duration(p.Timeout) * time.Millisecond
	}

	ctx = withMessage(ctx, req)
	c.srv.inflight.Add(1)
	go func() {
		defer c.srv.inflight.Done()
		c.call(ctx, req, rpc, sessionView{sess}, p, timeout)
	}()
	return nil
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

func (c *Conn) call(ctx context.Context, req protocol.Request, rpc hooks.RPCCapability, sess hooks.Session, p protocol.RPCRequestPayload, timeout time.Duration) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	done := make(chan rpcResult, 1)
	go func() {
		res, err := rpc.Call(callCtx, sess, p.Method, p.Params)
		done <- rpcResult{result: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			c.fail(ctx, req, hookError(r.err))
			return
		}
		_ = c.reply(ctx, req, protocol.TypeRPCResponse, protocol.RPCResponsePayload{Method: p.Method, Result: r.result})
	case <-callCtx.Done():
		c.srv.log.WarnContext(ctx, "rpc timed out", slog.String("method", p.Method), slog.Duration("timeout", timeout))
		c.fail(ctx, req, bridgeerr.New(bridgeerr.CodeTimeout, "rpc timed out", map[string]any{
			"method":  p.Method,
			"timeout": timeout.Milliseconds(),
		}))
	}
}

// HandleRPCResponse completes a call started with Server.Call.
func (c *Conn) HandleRPCResponse(ctx context.Context, req protocol.Request, p protocol.RPCResponsePayload) error {
	if !c.srv.resolve(c.SessionID(), req.Message.Header.CorrelationID, p) {
		c.srv.log.DebugContext(withMessage(ctx, req), "unmatched rpc response")
	}
	return nil
}

// Call invokes method on the client bound to sessionID and waits for its
// RPC_RESPONSE. Without a deadline on ctx the call is bounded by the
// configured RPC timeout.
func (s *Server) Call(ctx context.Context, sessionID, method string, params json.RawMessage) (json.RawMessage, error) {
	c := s.conn(sessionID)
	if c == nil {
		return nil, bridgeerr.New(bridgeerr.CodeNotFound, "session not connected", map[string]any{"sessionId": sessionID})
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RPCTimeout)
		defer cancel()
	}
	var timeout int64
	if dl, ok := ctx.Deadline(); ok {
		timeout = max(time.Until(dl).Milliseconds(), 1)
	}
	msg, err := protocol.NewMessage(protocol.TypeRPCRequest, protocol.RPCRequestPayload{
		Method:  method,
		Params:  params,
		Timeout: timeout,
	}, "")
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.CodeInternal, err, "encode rpc request")
	}

	ch := make(chan protocol.RPCResponsePayload, 1)
	s.pendingMu.Lock()
	s.pending[msg.Header.ID] = pendingCall{sessionID: sessionID, ch: ch}
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, msg.Header.ID)
		s.pendingMu.Unlock()
	}()

	if err := c.send(ctx, msg); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.CodeInternal, err, "send rpc request")
	}
	select {
	case r := <-ch:
		if r.Error != nil {
			return nil, bridgeerr.New(bridgeerr.Code(r.Error.Code), r.Error.Message, r.Error.Details)
		}
		return r.Result, nil
	case <-ctx.Done():
		return nil, bridgeerr.Wrap(bridgeerr.CodeTimeout, ctx.Err(), "rpc timed out")
	}
}

// resolve hands a response to the pending call it correlates to. Responses
// from a session other than the one called are ignored.
func (s *Server) resolve(sessionID, correlationID string, p protocol.RPCResponsePayload) bool {
	if correlationID == "" || sessionID == "" {
		return false
	}
	s.pendingMu.Lock()
	pc, ok := s.pending[correlationID]
	if ok && pc.sessionID == sessionID {
		delete(s.pending, correlationID)
	}
	s.pendingMu.Unlock()
	if !ok || pc.sessionID != sessionID {
		return false
	}
	pc.ch <- p
	return true
}

// Publish sends an EVENT to the given sessions, or to every connected
// session when none are named. It returns how many were sent.
func (s *Server) Publish(ctx context.Context, name string, data json.RawMessage, sessionIDs ...string) int {
	var targets []*Conn
	if len(sessionIDs) == 0 {
		targets = s.boundConns()
	} else {
		for _, id := range sessionIDs {
			if c := s.conn(id); c != nil {
				targets = append(targets, c)
			}
		}
	}
	sent := 0
	for _, c := range targets {
		msg, err := protocol.NewMessage(protocol.TypeEvent, protocol.EventPayload{Name: name, Data: data}, "")
		if err != nil {
			return sent
		}
		if c.send(ctx, msg) == nil {
			sent++
		}
	}
	return sent
}

// hookError maps collaborator errors onto wire error codes.
func hookError(err error) error {
	var (
		be *bridgeerr.Error
		nf *hooks.NotFoundError
		ip *hooks.InvalidParamsError
		uo *hooks.UnsupportedOperationError
		bz *hooks.BusyError
	)
	switch {
	case errors.As(err, &be):
		return be
	case errors.As(err, &nf):
		return bridgeerr.Wrap(bridgeerr.CodeNotFound, err, nf.Error()).
			WithDetail("type", nf.Type).WithDetail("name", nf.Name)
	case errors.As(err, &ip):
		e := bridgeerr.Wrap(bridgeerr.CodeInvalidPayload, err, ip.Error())
		if ip.Field != "" {
			e = e.WithDetail("field", ip.Field)
		}
		return e
	case errors.As(err, &uo):
		return bridgeerr.Wrap(bridgeerr.CodeInvalidMessage, err, uo.Error())
	case errors.As(err, &bz):
		e := bridgeerr.Wrap(bridgeerr.CodeCapacityExceeded, err, bz.Error())
		if bz.RetryAfter > 0 {
			e = e.WithDetail("retryAfter", bz.RetryAfter.Milliseconds())
		}
		return e
	case errors.Is(err, context.DeadlineExceeded):
		return bridgeerr.Wrap(bridgeerr.CodeTimeout, err, "rpc timed out")
	default:
		return bridgeerr.Wrap(bridgeerr.CodeInternal, err, "handler failed")
	}
}
