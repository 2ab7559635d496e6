package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/esportsjesus1-create/gameverse-backend-sub008/assets"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/auth"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/bridgeerr"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/internal/logctx"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/protocol"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/sessions"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/statesync"
)

// Conn is one transport connection. It implements protocol.Handler for the
// frames it receives.
type Conn struct {
	srv        *Server
	id         string
	remoteAddr string
	sender     Sender
	router     *protocol.Router

	mu        sync.Mutex
	sessionID string
	closed    bool
}

var _ protocol.Handler = (*Conn)(nil)

// ID returns the connection ID.
func (c *Conn) ID() string { return c.id }

// SessionID returns the bound session, or "" before CONNECT.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Receive decodes and handles one inbound frame. Failures are answered with
// an ERROR message; they never close the connection.
func (c *Conn) Receive(ctx context.Context, raw []byte) {
	c.mu.Lock()
	closed, sid := c.closed, c.sessionID
	c.mu.Unlock()
	if closed {
		return
	}
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		ConnID:     c.id,
		RemoteAddr: c.remoteAddr,
		Format:     string(c.srv.codec.Format()),
	})
	if sid != "" {
		if sess, ok := c.srv.sessions.Get(sid); ok {
			ctx = withSession(ctx, sess)
		}
	}
	c.router.Receive(ctx, sid, raw)
}

// Close reports that the transport ended. The bound session is marked
// disconnected and kept for reconnection; its transfers are cancelled.
func (c *Conn) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sid := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()

	c.srv.open.Add(-1)
	if sid == "" || !c.srv.unbind(sid, c) {
		return
	}
	c.srv.assets.CancelAll(sid, ReasonConnectionLost)
	if err := c.srv.sessions.UpdateState(sid, sessions.StateDisconnected); err != nil {
		c.srv.log.DebugContext(ctx, "mark session disconnected", slog.String("session_id", sid), slog.String("err", err.Error()))
	}
	c.srv.log.InfoContext(ctx, "connection lost", slog.String("conn_id", c.id), slog.String("session_id", sid))
}

func (c *Conn) detach(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == sessionID {
		c.sessionID = ""
	}
}

func (c *Conn) send(ctx context.Context, msg protocol.Message) error {
	msg.Header.SessionID = c.SessionID()
	frame, err := c.srv.codec.Encode(msg)
	if err != nil {
		c.srv.log.WarnContext(ctx, "bridge.send.encode", slog.String("type", string(msg.Header.Type)), slog.String("err", err.Error()))
		return err
	}
	if err := c.sender.Send(ctx, frame); err != nil {
		c.srv.log.DebugContext(ctx, "bridge.send.fail", slog.String("conn_id", c.id), slog.String("err", err.Error()))
		return err
	}
	return nil
}

func (c *Conn) reply(ctx context.Context, req protocol.Request, t protocol.MessageType, payload any) error {
	msg, err := protocol.NewReply(req.Message, t, payload)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.CodeInternal, err, "encode reply")
	}
	_ = c.send(ctx, msg)
	return nil
}

func (c *Conn) ack(ctx context.Context, req protocol.Request, data any) error {
	return c.reply(ctx, req, protocol.TypeAck, protocol.AckPayload{Status: "ok", Data: data})
}

// HandleFailure answers a failed message with an ERROR correlated to it.
func (c *Conn) HandleFailure(ctx context.Context, f protocol.Failure) {
	var corr string
	if f.Message != nil {
		corr = f.Message.Header.ID
	}
	msg, err := protocol.NewMessage(protocol.TypeError, protocol.ErrorPayloadFrom(f.Err), corr)
	if err != nil {
		return
	}
	_ = c.send(ctx, msg)
}

func (c *Conn) fail(ctx context.Context, req protocol.Request, err error) {
	c.HandleFailure(ctx, protocol.Failure{SessionID: req.SessionID, Message: &req.Message, Err: bridgeerr.From(err)})
}

// session returns the live session bound to c.
func (c *Conn) session() (sessions.Session, error) {
	sid := c.SessionID()
	if sid == "" {
		return sessions.Session{}, bridgeerr.New(bridgeerr.CodeInvalidTransition, "no session on this connection; send CONNECT first", nil)
	}
	sess, ok := c.srv.sessions.Get(sid)
	if !ok {
		c.detach(sid)
		return sessions.Session{}, bridgeerr.New(bridgeerr.CodeNotFound, "session not found", map[string]any{"sessionId": sid})
	}
	return sess, nil
}

func (c *Conn) HandleConnect(ctx context.Context, req protocol.Request, p protocol.ConnectPayload) error {
	ctx = withMessage(ctx, req)
	if c.SessionID() != "" {
		return bridgeerr.New(bridgeerr.CodeInvalidTransition, "session already established on this connection", nil)
	}

	var user auth.UserInfo
	if p.AuthToken != "" || c.srv.opts.RequireAuth {
		u, err := c.srv.authenticate(ctx, p.AuthToken)
		if err != nil {
			return err
		}
		user = u
	}

	info := sessions.ClientInfo{
		ClientID:      p.ClientInfo.ClientID,
		EngineVersion: p.ClientInfo.EngineVersion,
		Platform:      p.ClientInfo.Platform,
		BuildID:       p.ClientInfo.BuildID,
	}
	var (
		sess    sessions.Session
		err     error
		resumed = p.ReconnectToken != ""
	)
	if resumed {
		if prev, ok := c.srv.sessions.GetByReconnectToken(p.ReconnectToken); ok && user != nil &&
			prev.UserID != "" && prev.UserID != user.UserID() {
			return bridgeerr.New(bridgeerr.CodeAuthMismatch, "token subject does not match session", nil)
		}
		sess, err = c.srv.sessions.Reconnect(p.ReconnectToken, info)
	} else {
		sess, err = c.srv.sessions.Create(info)
	}
	if err != nil {
		return err
	}

	if err := c.srv.sessions.UpdateState(sess.ID, sessions.StateConnected); err != nil {
		return err
	}
	userID := sess.UserID
	if user != nil {
		userID = user.UserID()
	}
	if userID != "" {
		if err := c.srv.sessions.Authenticate(sess.ID, userID); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = c.srv.sessions.UpdateState(sess.ID, sessions.StateDisconnected)
		return bridgeerr.New(bridgeerr.CodeInvalidTransition, "connection closed", nil)
	}
	c.sessionID = sess.ID
	c.srv.bind(sess.ID, c)
	c.mu.Unlock()

	if cur, ok := c.srv.sessions.Get(sess.ID); ok {
		sess = cur
	}
	ctx = withSession(ctx, sess)
	if err := c.ack(ctx, req, protocol.ConnectAck{
		SessionID:         sess.ID,
		ReconnectToken:    sess.ReconnectToken,
		Resumed:           resumed,
		State:             string(sess.State),
		HeartbeatInterval: c.srv.opts.HeartbeatInterval.Milliseconds(),
		HeartbeatTimeout:  c.srv.opts.HeartbeatTimeout.Milliseconds(),
		ServerTime:        c.srv.now().UnixMilli(),
	}); err != nil {
		return err
	}

	if lc := c.srv.lifecycle(); lc != nil {
		lc.SessionOpened(ctx, sessionView{sess}, resumed)
	}
	c.srv.log.InfoContext(ctx, "session opened", slog.Bool("resumed", resumed))
	return nil
}

func (s *Server) authenticate(ctx context.Context, tok string) (auth.UserInfo, error) {
	if s.authn == nil {
		if s.opts.RequireAuth {
			return nil, bridgeerr.New(bridgeerr.CodeUnauthorized, "authentication required but not configured", nil)
		}
		return nil, nil
	}
	u, err := s.authn.CheckAuthentication(ctx, tok)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.CodeUnauthorized, err, "authentication failed")
	}
	return u, nil
}

func (c *Conn) HandleDisconnect(ctx context.Context, req protocol.Request, p protocol.DisconnectPayload) error {
	ctx = withMessage(ctx, req)
	sess, err := c.session()
	if err != nil {
		return err
	}
	reason := p.Reason
	if reason == "" {
		reason = ReasonClientDisconnect
	}
	_ = c.srv.sessions.UpdateState(sess.ID, sessions.StateDisconnecting)
	if err := c.ack(ctx, req, nil); err != nil {
		return err
	}
	_, err = c.srv.endSession(ctx, sess.ID, reason)
	return err
}

func (c *Conn) HandleHeartbeat(ctx context.Context, req protocol.Request, p protocol.HeartbeatPayload) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	now := c.srv.now()

	// An answer to a server ping: measure the round trip ourselves.
	if req.Message.Header.CorrelationID != "" && p.ServerTime > 0 {
		rtt := max(now.Sub(time.UnixMilli(p.ServerTime)), 0)
		return c.srv.sessions.Heartbeat(sess.ID, rtt)
	}

	if err := c.srv.sessions.Heartbeat(sess.ID, time.Duration(p.Latency)*time.Millisecond); err != nil {
		return err
	}
	latency := sess.Latency
	if p.Latency > 0 {
		latency = time.Duration(p.Latency) * time.Millisecond
	}
	return c.reply(ctx, req, protocol.TypeHeartbeat, protocol.HeartbeatPayload{
		ClientTime: p.ClientTime,
		ServerTime: now.UnixMilli(),
		Latency:    latency.Milliseconds(),
	})
}

func (c *Conn) HandleStateSync(ctx context.Context, req protocol.Request, p protocol.StateSyncRequest) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	if p.Unsubscribe {
		c.srv.states.Unsubscribe(p.StateID, sess.ID)
		return c.ack(ctx, req, nil)
	}
	if !c.srv.states.Subscribe(p.StateID, sess.ID) {
		return bridgeerr.New(bridgeerr.CodeNotFound, "state not found", map[string]any{"stateId": p.StateID})
	}
	payload, err := c.srv.states.SyncPayload(p.StateID, false)
	if err != nil {
		return err
	}
	// A delta is only useful to a client holding exactly its base version.
	if !payload.FullState && (p.SinceVersion == 0 || payload.BaseVersion != p.SinceVersion) {
		if payload, err = c.srv.states.SyncPayload(p.StateID, true); err != nil {
			return err
		}
	}
	return c.reply(ctx, req, protocol.TypeStateSync, payload)
}

func (c *Conn) HandleStateUpdate(ctx context.Context, req protocol.Request, p protocol.StateUpdatePayload) error {
	if _, err := c.session(); err != nil {
		return err
	}
	st, err := c.writeState(p)
	if err != nil {
		return err
	}
	return c.ack(ctx, req, protocol.StateUpdateAck{StateID: st.ID, Version: st.Version, Checksum: st.Checksum})
}

func (c *Conn) writeState(p protocol.StateUpdatePayload) (statesync.State, error) {
	states := c.srv.states
	switch {
	case len(p.Operations) > 0:
		ops := make([]statesync.Operation, len(p.Operations))
		for i, op := range p.Operations {
			ops[i] = statesync.Operation{Op: statesync.Op(op.Op), Path: op.Path, Value: op.Value, From: op.From}
		}
		return states.ApplyOperations(p.StateID, *p.ExpectedVersion, ops)
	case p.Create:
		return states.Create(p.StateID, p.Data)
	}

	var opts []statesync.UpdateOption
	if p.ExpectedVersion != nil {
		opts = append(opts, statesync.IfVersion(*p.ExpectedVersion))
	}
	st, err := states.Update(p.StateID, p.Data, opts...)
	// A full write without a version requirement creates the state.
	if errors.Is(err, bridgeerr.ErrNotFound) && (p.ExpectedVersion == nil || *p.ExpectedVersion == 0) {
		st, err = states.Create(p.StateID, p.Data)
		if errors.Is(err, bridgeerr.ErrAlreadyExists) {
			st, err = states.Update(p.StateID, p.Data)
		}
	}
	return st, err
}

func (c *Conn) HandleAssetRequest(ctx context.Context, req protocol.Request, p protocol.AssetRequestPayload) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	tr, man, err := c.srv.assets.StartTransfer(assets.Request{
		AssetID:    p.AssetID,
		ResumeFrom: p.ResumeFrom,
		Priority:   p.Priority,
	}, sess.ID)
	if err != nil {
		return err
	}
	if err := c.ack(ctx, req, protocol.AssetManifestPayload{
		AssetID:     man.AssetID,
		AssetType:   man.AssetType,
		FileName:    man.FileName,
		FileSize:    man.FileSize,
		Checksum:    man.Checksum,
		ChunkSize:   man.ChunkSize,
		TotalChunks: man.TotalChunks,
		StartChunk:  tr.CurrentChunk,
		Metadata:    man.Metadata,
	}); err != nil {
		return err
	}
	return c.pushChunk(ctx, p.AssetID, sess.ID)
}

// pushChunk sends the next chunk of a transfer. After the last chunk it
// completes the transfer, which reports ASSET_COMPLETE. A chunk that cannot
// be encoded or queued ends the transfer: the client never saw it, so no
// later acknowledgement could match.
func (c *Conn) pushChunk(ctx context.Context, assetID, sessionID string) error {
	ch, ok := c.srv.assets.NextChunk(assetID, sessionID)
	if !ok {
		return nil
	}
	msg, err := protocol.NewMessage(protocol.TypeAssetChunk, protocol.AssetChunkPayload{
		AssetID:          ch.AssetID,
		ChunkIndex:       ch.Index,
		TotalChunks:      ch.TotalChunks,
		Offset:           ch.Offset,
		Data:             ch.Data,
		Checksum:         ch.Checksum,
		BytesTransferred: ch.BytesTransferred,
		TotalBytes:       ch.TotalBytes,
		Last:             ch.Last,
	}, "")
	if err == nil {
		err = c.send(ctx, msg)
	}
	if err == nil {
		return nil
	}
	_ = c.srv.assets.Cancel(assetID, sessionID, ReasonSendFailed)
	c.srv.log.WarnContext(ctx, "asset chunk not delivered", slog.String("asset_id", assetID),
		slog.Int("chunk", ch.Index), slog.String("err", err.Error()))
	return bridgeerr.Wrap(bridgeerr.CodeTransferFailed, err, "chunk delivery failed").
		WithDetail("assetId", assetID).
		WithDetail("chunkIndex", ch.Index)
}

func (c *Conn) HandleAssetChunk(ctx context.Context, req protocol.Request, p protocol.AssetChunkAck) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	tr, ok := c.srv.assets.Transfer(p.AssetID, sess.ID)
	if !ok {
		return bridgeerr.New(bridgeerr.CodeNotFound, "no active transfer", map[string]any{"assetId": p.AssetID})
	}
	if p.ChunkIndex != tr.CurrentChunk-1 {
		return bridgeerr.New(bridgeerr.CodeInvalidPayload, "chunk acknowledgement out of order", map[string]any{
			"assetId":  p.AssetID,
			"expected": tr.CurrentChunk - 1,
			"got":      p.ChunkIndex,
		})
	}
	return c.pushChunk(ctx, p.AssetID, sess.ID)
}

func (c *Conn) HandleAssetComplete(ctx context.Context, req protocol.Request, p protocol.AssetCompletePayload) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	reason := p.Reason
	if reason == "" {
		reason = ReasonClientCancelled
	}
	if err := c.srv.assets.Cancel(p.AssetID, sess.ID, reason); err != nil {
		return err
	}
	return c.ack(ctx, req, nil)
}

func (c *Conn) HandleEvent(ctx context.Context, req protocol.Request, p protocol.EventPayload) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	if ev := c.srv.events(); ev != nil {
		if err := ev.HandleEvent(withMessage(ctx, req), sessionView{sess}, p.Name, p.Data); err != nil {
			return hookError(err)
		}
	}
	return c.ack(ctx, req, nil)
}

func (c *Conn) HandleError(ctx context.Context, req protocol.Request, p protocol.ErrorPayload) error {
	if c.srv.resolve(c.SessionID(), req.Message.Header.CorrelationID, protocol.RPCResponsePayload{Error: &p}) {
		return nil
	}
	c.srv.log.WarnContext(withMessage(ctx, req), "client reported error",
		slog.String("code", p.Code), slog.String("message", p.Message))
	return nil
}

func (c *Conn) HandleAck(ctx context.Context, req protocol.Request, p protocol.AckPayload) error {
	c.srv.log.DebugContext(withMessage(ctx, req), "client ack", slog.String("status", p.Status))
	return nil
}

func withMessage(ctx context.Context, req protocol.Request) context.Context {
	return logctx.WithMessage(ctx, &logctx.Message{
		ID:            req.Message.Header.ID,
		Type:          string(req.Message.Header.Type),
		CorrelationID: req.Message.Header.CorrelationID,
	})
}

func withSession(ctx context.Context, s sessions.Session) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: s.ID,
		ClientID:  s.ClientID,
		UserID:    s.UserID,
		State:     s.State,
	})
}
