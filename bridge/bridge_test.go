package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/esportsjesus1-create/gameverse-backend-sub008/assets"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/auth/authtest"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/bridgeerr"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/checksum"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/hooks"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/hooks/hookstest"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/protocol"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/sessions"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/statesync"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSender struct {
	frames chan []byte
	closed atomic.Bool
	// reject, when set, may refuse a frame the way a full transport would.
	reject func(frame []byte) error
}

func newFakeSender() *fakeSender {
	return &fakeSender{frames: make(chan []byte, 256)}
}

func (f *fakeSender) Send(_ context.Context, frame []byte) error {
	if f.closed.Load() {
		return errors.New("sender closed")
	}
	if f.reject != nil {
		if err := f.reject(frame); err != nil {
			return err
		}
	}
	select {
	case f.frames <- frame:
		return nil
	default:
		return errors.New("send queue full")
	}
}

func (f *fakeSender) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeSender) RemoteAddr() string { return "192.0.2.1:5000" }

type testClient struct {
	t    *testing.T
	srv  *Server
	conn *Conn
	out  *fakeSender
}

func newClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	out := newFakeSender()
	return &testClient{t: t, srv: srv, conn: srv.Accept(out), out: out}
}

func (c *testClient) send(typ protocol.MessageType, payload any) protocol.Message {
	c.t.Helper()
	msg, err := protocol.NewMessage(typ, payload, "")
	if err != nil {
		c.t.Fatalf("NewMessage: %v", err)
	}
	c.deliver(msg)
	return msg
}

func (c *testClient) deliver(msg protocol.Message) {
	c.t.Helper()
	frame, err := c.srv.Codec().Encode(msg)
	if err != nil {
		c.t.Fatalf("Encode: %v", err)
	}
	c.conn.Receive(c.t.Context(), frame)
}

func (c *testClient) next() protocol.Message {
	c.t.Helper()
	select {
	case frame := <-c.out.frames:
		msg, err := c.srv.Codec().Decode(frame)
		if err != nil {
			c.t.Fatalf("Decode: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		c.t.Fatalf("timed out waiting for a frame")
		return protocol.Message{}
	}
}

func (c *testClient) expectNone() {
	c.t.Helper()
	select {
	case frame := <-c.out.frames:
		msg, _ := c.srv.Codec().Decode(frame)
		c.t.Fatalf("unexpected frame %s: %s", msg.Header.Type, msg.Payload)
	default:
	}
}

func (c *testClient) expect(typ protocol.MessageType, dst any) protocol.Message {
	c.t.Helper()
	msg := c.next()
	if msg.Header.Type != typ {
		c.t.Fatalf("expected %s, got %s: %s", typ, msg.Header.Type, msg.Payload)
	}
	if dst != nil {
		if err := msg.DecodePayload(dst); err != nil {
			c.t.Fatalf("decode %s payload: %v", typ, err)
		}
	}
	return msg
}

// expectAck reads an ACK correlated to req and decodes its data into dst.
func (c *testClient) expectAck(req protocol.Message, dst any) {
	c.t.Helper()
	var ack struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	msg := c.expect(protocol.TypeAck, &ack)
	if msg.Header.CorrelationID != req.Header.ID {
		c.t.Fatalf("ack correlates to %q, want %q", msg.Header.CorrelationID, req.Header.ID)
	}
	if ack.Status != "ok" {
		c.t.Fatalf("unexpected ack status %q", ack.Status)
	}
	if dst != nil {
		if err := json.Unmarshal(ack.Data, dst); err != nil {
			c.t.Fatalf("decode ack data: %v (%s)", err, ack.Data)
		}
	}
}

func (c *testClient) expectError(req protocol.Message, code bridgeerr.Code) protocol.ErrorPayload {
	c.t.Helper()
	var p protocol.ErrorPayload
	msg := c.expect(protocol.TypeError, &p)
	if p.Code != string(code) {
		c.t.Fatalf("expected %s, got %s (%s)", code, p.Code, p.Message)
	}
	if msg.Header.CorrelationID != req.Header.ID {
		c.t.Fatalf("error correlates to %q, want %q", msg.Header.CorrelationID, req.Header.ID)
	}
	return p
}

func (c *testClient) connect(p protocol.ConnectPayload) protocol.ConnectAck {
	c.t.Helper()
	req := c.send(protocol.TypeConnect, p)
	var ack protocol.ConnectAck
	c.expectAck(req, &ack)
	return ack
}

func connectPayload(clientID string) protocol.ConnectPayload {
	return protocol.ConnectPayload{ClientInfo: protocol.ClientInfo{ClientID: clientID, EngineVersion: "5.4"}}
}

type serverOption func(*Options, *Deps)

func newServer(t *testing.T, opts ...serverOption) (*Server, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	o := Options{
		Sessions:          sessions.Config{Now: clk.Now},
		State:             statesync.Config{Now: clk.Now, DeltaCompression: true},
		Assets:            assets.Config{Now: clk.Now},
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  3 * time.Second,
	}
	var d Deps
	for _, opt := range opts {
		opt(&o, &d)
	}
	return New(o, d), clk
}

func withOptions(fn func(*Options)) serverOption {
	return func(o *Options, _ *Deps) { fn(o) }
}

func withHooks(h hooks.Hooks) serverOption {
	return func(_ *Options, d *Deps) { d.Hooks = h }
}

func TestConnect(t *testing.T) {
	lc := &hookstest.MockLifecycleCapability{}
	srv, _ := newServer(t, withHooks(hookstest.NewMockHooks(hookstest.WithLifecycleCapability(lc))))
	c := newClient(t, srv)

	ack := c.connect(connectPayload("engine-1"))
	if ack.SessionID == "" || ack.ReconnectToken == "" || ack.Resumed {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if ack.State != string(sessions.StateConnected) {
		t.Fatalf("expected connected, got %q", ack.State)
	}
	if ack.HeartbeatInterval != 1000 || ack.HeartbeatTimeout != 3000 {
		t.Fatalf("unexpected heartbeat settings: %+v", ack)
	}
	if c.conn.SessionID() != ack.SessionID {
		t.Fatalf("connection not bound to session")
	}
	if got := lc.Log(); len(got) != 1 || got[0] != "opened:"+ack.SessionID {
		t.Fatalf("unexpected lifecycle log %v", got)
	}

	again := c.send(protocol.TypeConnect, connectPayload("engine-1"))
	c.expectError(again, bridgeerr.CodeInvalidTransition)
}

func TestMessagesBeforeConnect(t *testing.T) {
	srv, _ := newServer(t)
	c := newClient(t, srv)
	req := c.send(protocol.TypeStateSync, protocol.StateSyncRequest{StateID: "world"})
	c.expectError(req, bridgeerr.CodeInvalidTransition)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	srv, _ := newServer(t)
	c := newClient(t, srv)
	c.conn.Receive(t.Context(), []byte("definitely not a frame"))
	var p protocol.ErrorPayload
	msg := c.expect(protocol.TypeError, &p)
	if p.Code != string(bridgeerr.CodeInvalidMessage) || msg.Header.CorrelationID != "" {
		t.Fatalf("unexpected error reply: %+v %+v", msg.Header, p)
	}
	c.connect(connectPayload("engine-1"))
}

func TestInvalidPayloadReportsIssues(t *testing.T) {
	srv, _ := newServer(t)
	c := newClient(t, srv)
	c.connect(connectPayload("engine-1"))
	req := c.send(protocol.TypeStateUpdate, map[string]any{"stateId": "world"})
	p := c.expectError(req, bridgeerr.CodeInvalidPayload)
	if p.Details["issues"] == nil {
		t.Fatalf("expected issues in details: %+v", p)
	}
}

func TestReconnect(t *testing.T) {
	lc := &hookstest.MockLifecycleCapability{}
	srv, _ := newServer(t, withHooks(hookstest.NewMockHooks(hookstest.WithLifecycleCapability(lc))))

	c1 := newClient(t, srv)
	first := c1.connect(connectPayload("engine-1"))
	c1.conn.Close(t.Context())

	sess, ok := srv.Session(first.SessionID)
	if !ok || sess.State != sessions.StateDisconnected {
		t.Fatalf("expected disconnected session kept, got %+v %v", sess, ok)
	}

	c2 := newClient(t, srv)
	p := connectPayload("engine-1")
	p.ReconnectToken = first.ReconnectToken
	second := c2.connect(p)
	if !second.Resumed || second.SessionID != first.SessionID {
		t.Fatalf("expected resumed session %q, got %+v", first.SessionID, second)
	}
	if second.ReconnectToken == first.ReconnectToken {
		t.Fatalf("reconnect token not rotated")
	}

	t.Run("stale token", func(t *testing.T) {
		c3 := newClient(t, srv)
		p := connectPayload("engine-1")
		p.ReconnectToken = first.ReconnectToken
		req := c3.send(protocol.TypeConnect, p)
		c3.expectError(req, bridgeerr.CodeNotFound)
	})

	t.Run("wrong client", func(t *testing.T) {
		c3 := newClient(t, srv)
		p := connectPayload("engine-2")
		p.ReconnectToken = second.ReconnectToken
		req := c3.send(protocol.TypeConnect, p)
		c3.expectError(req, bridgeerr.CodeAuthMismatch)
	})

	want := []string{"opened:" + first.SessionID, "resumed:" + first.SessionID}
	got := lc.Log()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("unexpected lifecycle log %v", got)
	}
}

func TestReconnectTakesOverLiveConnection(t *testing.T) {
	srv, _ := newServer(t)
	c1 := newClient(t, srv)
	first := c1.connect(connectPayload("engine-1"))

	c2 := newClient(t, srv)
	p := connectPayload("engine-1")
	p.ReconnectToken = first.ReconnectToken
	c2.connect(p)

	if !c1.out.closed.Load() {
		t.Fatalf("previous transport should be closed")
	}
	if c1.conn.SessionID() != "" {
		t.Fatalf("previous connection still bound")
	}
	// The superseded connection closing must not disturb the session.
	c1.conn.Close(t.Context())
	if sess, _ := srv.Session(first.SessionID); sess.State != sessions.StateConnected {
		t.Fatalf("expected connected, got %s", sess.State)
	}
}

func TestAuthentication(t *testing.T) {
	srv, _ := newServer(t, func(o *Options, d *Deps) {
		o.RequireAuth = true
		d.Authenticator = authtest.NewNoAuth("player-7")
	})

	c := newClient(t, srv)
	req := c.send(protocol.TypeConnect, connectPayload("engine-1"))
	c.expectError(req, bridgeerr.CodeUnauthorized)
	if srv.Stats().Sessions != 0 {
		t.Fatalf("rejected connect must not create a session")
	}

	p := connectPayload("engine-1")
	p.AuthToken = "token"
	ack := c.connect(p)
	if ack.State != string(sessions.StateAuthenticated) {
		t.Fatalf("expected authenticated, got %q", ack.State)
	}
	sess, _ := srv.Session(ack.SessionID)
	if sess.UserID != "player-7" {
		t.Fatalf("unexpected user %q", sess.UserID)
	}

	// A resumed session keeps its identity without presenting a new token.
	c.conn.Close(t.Context())
	c2 := newClient(t, srv)
	resume := connectPayload("engine-1")
	resume.ReconnectToken = ack.ReconnectToken
	resume.AuthToken = "token"
	again := c2.connect(resume)
	if again.State != string(sessions.StateAuthenticated) {
		t.Fatalf("expected authenticated after resume, got %q", again.State)
	}
}

func TestHeartbeat(t *testing.T) {
	srv, clk := newServer(t)
	c := newClient(t, srv)
	ack := c.connect(connectPayload("engine-1"))

	req := c.send(protocol.TypeHeartbeat, protocol.HeartbeatPayload{ClientTime: 1234, Latency: 42})
	var hb protocol.HeartbeatPayload
	msg := c.expect(protocol.TypeHeartbeat, &hb)
	if msg.Header.CorrelationID != req.Header.ID {
		t.Fatalf("heartbeat reply not correlated")
	}
	if hb.ClientTime != 1234 || hb.Latency != 42 || hb.ServerTime != clk.Now().UnixMilli() {
		t.Fatalf("unexpected heartbeat reply %+v", hb)
	}

	t.Run("ping echo", func(t *testing.T) {
		srv.ping(t.Context())
		var ping protocol.HeartbeatPayload
		pingMsg := c.expect(protocol.TypeHeartbeat, &ping)
		if ping.ServerTime != clk.Now().UnixMilli() {
			t.Fatalf("unexpected ping %+v", ping)
		}
		clk.Advance(30 * time.Millisecond)
		echo, err := protocol.NewReply(pingMsg, protocol.TypeHeartbeat, protocol.HeartbeatPayload{ServerTime: ping.ServerTime})
		if err != nil {
			t.Fatalf("NewReply: %v", err)
		}
		c.deliver(echo)
		c.expectNone()
		sess, _ := srv.Session(ack.SessionID)
		if sess.Latency != 30*time.Millisecond {
			t.Fatalf("expected 30ms latency, got %s", sess.Latency)
		}
		if !sess.LastHeartbeat.Equal(clk.Now()) {
			t.Fatalf("heartbeat not refreshed")
		}
	})
}

func TestSweepEndsStaleSessions(t *testing.T) {
	lc := &hookstest.MockLifecycleCapability{}
	srv, clk := newServer(t, withHooks(hookstest.NewMockHooks(hookstest.WithLifecycleCapability(lc))))

	stale := newClient(t, srv)
	staleAck := stale.connect(connectPayload("engine-1"))
	live := newClient(t, srv)
	liveAck := live.connect(connectPayload("engine-2"))

	if _, err := srv.States().Create("world", map[string]any{"tick": 1}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	stale.send(protocol.TypeStateSync, protocol.StateSyncRequest{StateID: "world"})
	stale.expect(protocol.TypeStateSync, nil)

	clk.Advance(2 * time.Second)
	live.send(protocol.TypeHeartbeat, protocol.HeartbeatPayload{})
	live.expect(protocol.TypeHeartbeat, nil)
	clk.Advance(2 * time.Second)

	if n := srv.Sweep(t.Context()); n != 1 {
		t.Fatalf("expected 1 stale session, got %d", n)
	}
	if _, ok := srv.Session(staleAck.SessionID); ok {
		t.Fatalf("stale session still tracked")
	}
	if _, ok := srv.Session(liveAck.SessionID); !ok {
		t.Fatalf("live session removed")
	}
	if !stale.out.closed.Load() {
		t.Fatalf("stale transport not closed")
	}
	if subs := srv.States().Subscribers("world"); len(subs) != 0 {
		t.Fatalf("stale subscription kept: %v", subs)
	}
	log := lc.Log()
	if log[len(log)-1] != "closed:"+staleAck.SessionID+":"+ReasonHeartbeatTimeout {
		t.Fatalf("unexpected lifecycle log %v", log)
	}
}

func TestStateSync(t *testing.T) {
	srv, _ := newServer(t)
	writer := newClient(t, srv)
	writer.connect(connectPayload("engine-1"))
	reader := newClient(t, srv)
	reader.connect(connectPayload("engine-2"))

	missing := reader.send(protocol.TypeStateSync, protocol.StateSyncRequest{StateID: "world"})
	reader.expectError(missing, bridgeerr.CodeNotFound)

	// First full write creates the state. The terrain keeps single-field
	// deltas smaller than the document.
	create := writer.send(protocol.TypeStateUpdate, protocol.StateUpdatePayload{
		StateID: "world",
		Data:    json.RawMessage(fmt.Sprintf(`{"players":{"p1":{"hp":100}},"tick":1,"terrain":%q}`, strings.Repeat("grass ", 64))),
	})
	var created protocol.StateUpdateAck
	writer.expectAck(create, &created)
	if created.Version != 1 || created.Checksum == "" {
		t.Fatalf("unexpected create ack %+v", created)
	}

	sub := reader.send(protocol.TypeStateSync, protocol.StateSyncRequest{StateID: "world"})
	var full statesync.SyncPayload
	msg := reader.expect(protocol.TypeStateSync, &full)
	if msg.Header.CorrelationID != sub.Header.ID || !full.FullState || full.Version != 1 {
		t.Fatalf("unexpected sync reply %+v", full)
	}

	expected := int64(1)
	patch := writer.send(protocol.TypeStateUpdate, protocol.StateUpdatePayload{
		StateID:         "world",
		ExpectedVersion: &expected,
		Operations: []protocol.PatchOperation{
			{Op: "replace", Path: "/players/p1/hp", Value: 80},
		},
	})
	var patched protocol.StateUpdateAck
	writer.expectAck(patch, &patched)
	if patched.Version != 2 {
		t.Fatalf("expected version 2, got %d", patched.Version)
	}

	var push statesync.SyncPayload
	reader.expect(protocol.TypeStateSync, &push)
	if push.Version != 2 || push.FullState || push.BaseVersion != 1 {
		t.Fatalf("expected delta push for version 2, got %+v", push)
	}
	doc, err := statesync.ApplyDelta(full.Data, push.Delta)
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	sum, err := checksum.SumJSON(checksum.XXH64, doc)
	if err != nil || sum != push.Checksum {
		t.Fatalf("reconstructed state checksum %q, want %q (%v)", sum, push.Checksum, err)
	}

	t.Run("stale write", func(t *testing.T) {
		stale := writer.send(protocol.TypeStateUpdate, protocol.StateUpdatePayload{
			StateID:         "world",
			ExpectedVersion: &expected,
			Data:            json.RawMessage(`{}`),
		})
		p := writer.expectError(stale, bridgeerr.CodeVersionConflict)
		if p.Details["currentVersion"] != float64(2) {
			t.Fatalf("unexpected conflict details %+v", p.Details)
		}
		reader.expectNone()
	})

	t.Run("bad operation is atomic", func(t *testing.T) {
		v := int64(2)
		bad := writer.send(protocol.TypeStateUpdate, protocol.StateUpdatePayload{
			StateID:         "world",
			ExpectedVersion: &v,
			Operations: []protocol.PatchOperation{
				{Op: "replace", Path: "/tick", Value: 2},
				{Op: "move", From: "/players/p9", Path: "/players/p2"},
			},
		})
		writer.expectError(bad, bridgeerr.CodeInvalidPayload)
		if st, _ := srv.States().Get("world"); st.Version != 2 {
			t.Fatalf("failed batch changed the version to %d", st.Version)
		}
	})

	t.Run("resync since version", func(t *testing.T) {
		reader.send(protocol.TypeStateSync, protocol.StateSyncRequest{StateID: "world", SinceVersion: 1})
		var p statesync.SyncPayload
		reader.expect(protocol.TypeStateSync, &p)
		if p.FullState || p.BaseVersion != 1 {
			t.Fatalf("expected delta from version 1, got %+v", p)
		}

		reader.send(protocol.TypeStateSync, protocol.StateSyncRequest{StateID: "world", SinceVersion: 7})
		reader.expect(protocol.TypeStateSync, &p)
		if !p.FullState || p.Version != 2 {
			t.Fatalf("expected full state for an unknown base, got %+v", p)
		}
	})

	t.Run("unsubscribe", func(t *testing.T) {
		unsub := reader.send(protocol.TypeStateSync, protocol.StateSyncRequest{StateID: "world", Unsubscribe: true})
		reader.expectAck(unsub, nil)
		upd := writer.send(protocol.TypeStateUpdate, protocol.StateUpdatePayload{StateID: "world", Data: json.RawMessage(`{"tick":9}`)})
		writer.expectAck(upd, nil)
		reader.expectNone()
	})
}

func TestAssetStreaming(t *testing.T) {
	srv, _ := newServer(t)
	data := bytes.Repeat([]byte("0123456789"), 250)
	man, err := srv.Assets().Register("tex-1", "texture", "tex.bin", data, assets.WithChunkSize(1024))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	c := newClient(t, srv)
	c.connect(connectPayload("engine-1"))

	req := c.send(protocol.TypeAssetRequest, protocol.AssetRequestPayload{AssetID: "tex-1"})
	var mp protocol.AssetManifestPayload
	c.expectAck(req, &mp)
	if mp.TotalChunks != 3 || mp.FileSize != 2500 || mp.Checksum != man.Checksum || mp.StartChunk != 0 {
		t.Fatalf("unexpected manifest %+v", mp)
	}

	var got []byte
	for i := 0; i < mp.TotalChunks; i++ {
		var ch protocol.AssetChunkPayload
		c.expect(protocol.TypeAssetChunk, &ch)
		if ch.ChunkIndex != i || ch.Offset != int64(i*1024) {
			t.Fatalf("unexpected chunk %d at %d", ch.ChunkIndex, ch.Offset)
		}
		if !checksum.Verify(checksum.SHA256, ch.Data, ch.Checksum) {
			t.Fatalf("chunk %d checksum mismatch", i)
		}
		if ch.Last != (i == mp.TotalChunks-1) {
			t.Fatalf("chunk %d last=%v", i, ch.Last)
		}
		got = append(got, ch.Data...)
		c.expectNone()
		c.send(protocol.TypeAssetChunk, protocol.AssetChunkAck{AssetID: "tex-1", ChunkIndex: i})
	}

	var done protocol.AssetCompletePayload
	c.expect(protocol.TypeAssetComplete, &done)
	if done.Cancelled || done.Checksum != man.Checksum || done.TotalBytes != 2500 {
		t.Fatalf("unexpected completion %+v", done)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("reassembled asset differs")
	}
	if n := len(srv.Assets().Transfers("")); n != 0 {
		t.Fatalf("expected no transfers, got %d", n)
	}
}

func TestAssetResumeAndErrors(t *testing.T) {
	srv, _ := newServer(t)
	data := bytes.Repeat([]byte{7}, 3000)
	if _, err := srv.Assets().Register("mesh", "mesh", "mesh.bin", data, assets.WithChunkSize(1024)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	c := newClient(t, srv)
	c.connect(connectPayload("engine-1"))

	t.Run("unknown asset", func(t *testing.T) {
		req := c.send(protocol.TypeAssetRequest, protocol.AssetRequestPayload{AssetID: "nope"})
		c.expectError(req, bridgeerr.CodeNotFound)
	})

	t.Run("resume", func(t *testing.T) {
		req := c.send(protocol.TypeAssetRequest, protocol.AssetRequestPayload{AssetID: "mesh", ResumeFrom: 2048})
		var mp protocol.AssetManifestPayload
		c.expectAck(req, &mp)
		if mp.StartChunk != 2 {
			t.Fatalf("expected start chunk 2, got %d", mp.StartChunk)
		}
		var ch protocol.AssetChunkPayload
		c.expect(protocol.TypeAssetChunk, &ch)
		if ch.ChunkIndex != 2 || len(ch.Data) != 3000-2048 || !ch.Last {
			t.Fatalf("unexpected resumed chunk %+v", ch)
		}
	})

	t.Run("out of order ack", func(t *testing.T) {
		req := c.send(protocol.TypeAssetChunk, protocol.AssetChunkAck{AssetID: "mesh", ChunkIndex: 0})
		c.expectError(req, bridgeerr.CodeInvalidPayload)
	})

	t.Run("client cancel", func(t *testing.T) {
		req := c.send(protocol.TypeAssetComplete, protocol.AssetCompletePayload{AssetID: "mesh"})
		c.expectAck(req, nil)
		c.expectNone()
		if _, ok := srv.Assets().Transfer("mesh", c.conn.SessionID()); ok {
			t.Fatalf("transfer not cancelled")
		}
		again := c.send(protocol.TypeAssetComplete, protocol.AssetCompletePayload{AssetID: "mesh"})
		c.expectError(again, bridgeerr.CodeNotFound)
	})

	t.Run("asset removed mid transfer", func(t *testing.T) {
		req := c.send(protocol.TypeAssetRequest, protocol.AssetRequestPayload{AssetID: "mesh"})
		c.expectAck(req, nil)
		c.expect(protocol.TypeAssetChunk, nil)
		if err := srv.Assets().Remove("mesh"); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		var p protocol.AssetCompletePayload
		c.expect(protocol.TypeAssetComplete, &p)
		if !p.Cancelled || p.Reason != assets.ReasonRemoved {
			t.Fatalf("unexpected cancellation %+v", p)
		}
	})
}

func TestAssetChunkDelivery(t *testing.T) {
	errQueueFull := errors.New("send queue full")
	cases := []struct {
		name      string
		maxChunk  int
		size      int
		chunkSize int
		// rejectChunks makes the transport refuse every ASSET_CHUNK frame.
		rejectChunks bool
		wantErr      bridgeerr.Code
	}{
		{name: "chunk at default maximum", size: assets.DefaultMaxChunkSize + 10, chunkSize: assets.DefaultMaxChunkSize},
		{name: "chunk over message size", maxChunk: 1 << 20, size: 800 << 10, chunkSize: 800 << 10, wantErr: bridgeerr.CodeTransferFailed},
		{name: "transport queue full", size: 4096, chunkSize: 1024, rejectChunks: true, wantErr: bridgeerr.CodeTransferFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newServer(t, withOptions(func(o *Options) {
				o.Protocol = protocol.Options{Checksum: true}
				o.Assets.MaxChunkSize = tc.maxChunk
			}))
			data := bytes.Repeat([]byte{0xAB}, tc.size)
			if _, err := srv.Assets().Register("blob", "data", "blob.bin", data, assets.WithChunkSize(tc.chunkSize)); err != nil {
				t.Fatalf("Register: %v", err)
			}
			c := newClient(t, srv)
			ack := c.connect(connectPayload("engine-1"))
			if tc.rejectChunks {
				c.out.reject = func(frame []byte) error {
					if msg, err := srv.Codec().Decode(frame); err == nil && msg.Header.Type == protocol.TypeAssetChunk {
						return errQueueFull
					}
					return nil
				}
			}

			req := c.send(protocol.TypeAssetRequest, protocol.AssetRequestPayload{AssetID: "blob"})
			c.expectAck(req, nil)

			if tc.wantErr != "" {
				p := c.expectError(req, tc.wantErr)
				if p.Details["assetId"] != "blob" || p.Details["chunkIndex"] != float64(0) {
					t.Fatalf("unexpected details %+v", p.Details)
				}
				if _, ok := srv.Assets().Transfer("blob", ack.SessionID); ok {
					t.Fatalf("failed transfer should be cancelled")
				}
				c.expectNone()
				return
			}

			var ch protocol.AssetChunkPayload
			c.expect(protocol.TypeAssetChunk, &ch)
			if len(ch.Data) != tc.chunkSize || !checksum.Verify(checksum.SHA256, ch.Data, ch.Checksum) {
				t.Fatalf("unexpected first chunk: %d bytes", len(ch.Data))
			}
			c.send(protocol.TypeAssetChunk, protocol.AssetChunkAck{AssetID: "blob", ChunkIndex: 0})
			c.expect(protocol.TypeAssetChunk, &ch)
			if !ch.Last || len(ch.Data) != tc.size-tc.chunkSize {
				t.Fatalf("unexpected last chunk %+v", ch.ChunkIndex)
			}
		})
	}
}

func TestRPC(t *testing.T) {
	rpc := hookstest.NewMockRPCCapability(map[string]hookstest.RPCHandler{
		"echo": func(_ context.Context, s hooks.Session, params json.RawMessage) (json.RawMessage, error) {
			return params, nil
		},
		"whoami": func(_ context.Context, s hooks.Session, _ json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(s.ClientID())
		},
		"slow": func(ctx context.Context, _ hooks.Session, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		"picky": func(context.Context, hooks.Session, json.RawMessage) (json.RawMessage, error) {
			return nil, &hooks.InvalidParamsError{Field: "x", Reason: "required"}
		},
		"busy": func(context.Context, hooks.Session, json.RawMessage) (json.RawMessage, error) {
			return nil, &hooks.BusyError{RetryAfter: 250 * time.Millisecond}
		},
	})
	srv, _ := newServer(t, withHooks(hookstest.NewMockHooks(hookstest.WithRPCCapability(rpc))))
	c := newClient(t, srv)
	c.connect(connectPayload("engine-1"))

	t.Run("result", func(t *testing.T) {
		req := c.send(protocol.TypeRPCRequest, protocol.RPCRequestPayload{Method: "echo", Params: json.RawMessage(`{"a":1}`)})
		var p protocol.RPCResponsePayload
		msg := c.expect(protocol.TypeRPCResponse, &p)
		if msg.Header.CorrelationID != req.Header.ID || p.Method != "echo" {
			t.Fatalf("unexpected response %+v %+v", msg.Header, p)
		}
		var got map[string]any
		if err := json.Unmarshal(p.Result, &got); err != nil || got["a"] != float64(1) {
			t.Fatalf("unexpected result %s", p.Result)
		}
	})

	t.Run("session passed through", func(t *testing.T) {
		c.send(protocol.TypeRPCRequest, protocol.RPCRequestPayload{Method: "whoami"})
		var p protocol.RPCResponsePayload
		c.expect(protocol.TypeRPCResponse, &p)
		if string(p.Result) != `"engine-1"` {
			t.Fatalf("unexpected result %s", p.Result)
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		req := c.send(protocol.TypeRPCRequest, protocol.RPCRequestPayload{Method: "nope"})
		p := c.expectError(req, bridgeerr.CodeNotFound)
		if p.Details["name"] != "nope" {
			t.Fatalf("unexpected details %+v", p.Details)
		}
	})

	t.Run("invalid params", func(t *testing.T) {
		req := c.send(protocol.TypeRPCRequest, protocol.RPCRequestPayload{Method: "picky"})
		c.expectError(req, bridgeerr.CodeInvalidPayload)
	})

	t.Run("busy", func(t *testing.T) {
		req := c.send(protocol.TypeRPCRequest, protocol.RPCRequestPayload{Method: "busy"})
		p := c.expectError(req, bridgeerr.CodeCapacityExceeded)
		if p.Details["retryAfter"] != float64(250) {
			t.Fatalf("unexpected details %+v", p.Details)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		req := c.send(protocol.TypeRPCRequest, protocol.RPCRequestPayload{Method: "slow", Timeout: 20})
		c.expectError(req, bridgeerr.CodeTimeout)
	})
}

func TestRPCUnsupported(t *testing.T) {
	srv, _ := newServer(t)
	c := newClient(t, srv)
	c.connect(connectPayload("engine-1"))
	req := c.send(protocol.TypeRPCRequest, protocol.RPCRequestPayload{Method: "echo"})
	c.expectError(req, bridgeerr.CodeInvalidMessage)
}

func TestServerCall(t *testing.T) {
	srv, _ := newServer(t)
	c := newClient(t, srv)
	ack := c.connect(connectPayload("engine-1"))

	type result struct {
		res json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := srv.Call(t.Context(), ack.SessionID, "engine.screenshot", json.RawMessage(`{"w":640}`))
		done <- result{res, err}
	}()

	var p protocol.RPCRequestPayload
	req := c.expect(protocol.TypeRPCRequest, &p)
	if p.Method != "engine.screenshot" || p.Timeout <= 0 {
		t.Fatalf("unexpected request %+v", p)
	}
	resp, err := protocol.NewReply(req, protocol.TypeRPCResponse, protocol.RPCResponsePayload{Result: json.RawMessage(`"ok"`)})
	if err != nil {
		t.Fatalf("NewReply: %v", err)
	}
	c.deliver(resp)

	r := <-done
	if r.err != nil || string(r.res) != `"ok"` {
		t.Fatalf("unexpected call result %s, %v", r.res, r.err)
	}
	if srv.Stats().PendingRPCs != 0 {
		t.Fatalf("pending call not cleared")
	}

	t.Run("client error", func(t *testing.T) {
		go func() {
			res, err := srv.Call(t.Context(), ack.SessionID, "engine.crash", nil)
			done <- result{res, err}
		}()
		req := c.expect(protocol.TypeRPCRequest, nil)
		reply, _ := protocol.NewReply(req, protocol.TypeError, protocol.ErrorPayload{Code: string(bridgeerr.CodeNotFound), Message: "no such method"})
		c.deliver(reply)
		r := <-done
		if !errors.Is(r.err, bridgeerr.ErrNotFound) {
			t.Fatalf("expected NOT_FOUND, got %v", r.err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()
		_, err := srv.Call(ctx, ack.SessionID, "engine.hang", nil)
		if !errors.Is(err, bridgeerr.ErrTimeout) {
			t.Fatalf("expected TIMEOUT, got %v", err)
		}
		c.expect(protocol.TypeRPCRequest, nil)
	})

	t.Run("not connected", func(t *testing.T) {
		if _, err := srv.Call(t.Context(), "missing", "x", nil); !errors.Is(err, bridgeerr.ErrNotFound) {
			t.Fatalf("expected NOT_FOUND, got %v", err)
		}
	})
}

func TestEvents(t *testing.T) {
	ev := &hookstest.MockEventsCapability{}
	srv, _ := newServer(t, withHooks(hookstest.NewMockHooks(hookstest.WithEventsCapability(ev))))
	a := newClient(t, srv)
	ackA := a.connect(connectPayload("engine-1"))
	b := newClient(t, srv)
	b.connect(connectPayload("engine-2"))

	req := a.send(protocol.TypeEvent, protocol.EventPayload{Name: "player.spawned", Data: json.RawMessage(`{"id":"p1"}`)})
	a.expectAck(req, nil)
	got := ev.Events()
	if len(got) != 1 || got[0].Name != "player.spawned" || got[0].SessionID != ackA.SessionID {
		t.Fatalf("unexpected events %+v", got)
	}

	if n := srv.Publish(t.Context(), "round.start", json.RawMessage(`1`)); n != 2 {
		t.Fatalf("expected broadcast to 2 sessions, got %d", n)
	}
	for _, c := range []*testClient{a, b} {
		var p protocol.EventPayload
		c.expect(protocol.TypeEvent, &p)
		if p.Name != "round.start" {
			t.Fatalf("unexpected event %+v", p)
		}
	}
	if n := srv.Publish(t.Context(), "whisper", nil, ackA.SessionID); n != 1 {
		t.Fatalf("expected targeted publish to 1 session, got %d", n)
	}
	a.expect(protocol.TypeEvent, nil)
	b.expectNone()
}

func TestDisconnectCascade(t *testing.T) {
	lc := &hookstest.MockLifecycleCapability{}
	srv, _ := newServer(t, withHooks(hookstest.NewMockHooks(hookstest.WithLifecycleCapability(lc))))
	if _, err := srv.States().Create("world", map[string]any{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := srv.Assets().Register("big", "blob", "big.bin", make([]byte, 4096), assets.WithChunkSize(1024)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	c := newClient(t, srv)
	ack := c.connect(connectPayload("engine-1"))
	c.send(protocol.TypeStateSync, protocol.StateSyncRequest{StateID: "world"})
	c.expect(protocol.TypeStateSync, nil)
	c.send(protocol.TypeAssetRequest, protocol.AssetRequestPayload{AssetID: "big"})
	c.expect(protocol.TypeAck, nil)
	c.expect(protocol.TypeAssetChunk, nil)

	req := c.send(protocol.TypeDisconnect, protocol.DisconnectPayload{Reason: "level unloaded"})
	c.expectAck(req, nil)

	if _, ok := srv.Session(ack.SessionID); ok {
		t.Fatalf("session still tracked")
	}
	if subs := srv.States().Subscribers("world"); len(subs) != 0 {
		t.Fatalf("subscription kept: %v", subs)
	}
	if tr := srv.Assets().Transfers(ack.SessionID); len(tr) != 0 {
		t.Fatalf("transfers kept: %v", tr)
	}
	if c.conn.SessionID() != "" {
		t.Fatalf("connection still bound")
	}
	log := lc.Log()
	if log[len(log)-1] != "closed:"+ack.SessionID+":level unloaded" {
		t.Fatalf("unexpected lifecycle log %v", log)
	}

	// The token died with the session.
	p := connectPayload("engine-1")
	p.ReconnectToken = ack.ReconnectToken
	again := c.send(protocol.TypeConnect, p)
	c.expectError(again, bridgeerr.CodeNotFound)
}

func TestAdmin(t *testing.T) {
	srv, clk := newServer(t)
	a := newClient(t, srv)
	ackA := a.connect(connectPayload("engine-1"))
	clk.Advance(time.Millisecond)
	b := newClient(t, srv)
	ackB := b.connect(connectPayload("engine-2"))

	list := srv.Sessions()
	if len(list) != 2 || list[0].ID != ackA.SessionID || list[1].ID != ackB.SessionID {
		t.Fatalf("unexpected session list %+v", list)
	}

	if err := srv.SetSessionMetadata(ackA.SessionID, "map", "de_dust"); err != nil {
		t.Fatalf("SetSessionMetadata: %v", err)
	}
	if s, _ := srv.Session(ackA.SessionID); s.Metadata["map"] != "de_dust" {
		t.Fatalf("metadata not stored: %+v", s.Metadata)
	}
	if err := srv.SetSessionMetadata("missing", "k", 1); !errors.Is(err, bridgeerr.ErrNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}

	st := srv.Stats()
	if st.Sessions != 2 || st.Connections != 2 || st.Bound != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}

	if err := srv.RemoveSession(t.Context(), ackB.SessionID); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	if !b.out.closed.Load() {
		t.Fatalf("removed session transport not closed")
	}
	if err := srv.RemoveSession(t.Context(), ackB.SessionID); !errors.Is(err, bridgeerr.ErrNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	b.conn.Close(t.Context())
	a.conn.Close(t.Context())

	st = srv.Stats()
	if st.Sessions != 1 || st.Connections != 0 || st.Bound != 0 {
		t.Fatalf("unexpected stats after close %+v", st)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	srv, _ := newServer(t)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected Run error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}
