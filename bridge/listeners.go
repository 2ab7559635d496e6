package bridge

import (
	"context"
	"log/slog"

	"github.com/esportsjesus1-create/gameverse-backend-sub008/assets"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/protocol"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/statesync"
)

// stateListener fans committed writes out to subscribed sessions. Sessions
// without a live connection miss the change and resync on reconnect.
type stateListener struct{ s *Server }

func (l stateListener) StateChanged(c statesync.Change) {
	ctx := context.Background()
	for _, sid := range c.Subscribers {
		conn := l.s.conn(sid)
		if conn == nil {
			continue
		}
		msg, err := protocol.NewMessage(protocol.TypeStateSync, c.Payload, "")
		if err != nil {
			l.s.log.Warn("encode state change", slog.String("state_id", c.StateID), slog.String("err", err.Error()))
			return
		}
		_ = conn.send(ctx, msg)
	}
}

func (l stateListener) VersionConflict(c statesync.Conflict) {
	l.s.log.Debug("state write rejected", slog.String("state_id", c.StateID),
		slog.Int64("expected", c.ExpectedVersion), slog.Int64("current", c.CurrentVersion))
}

// assetListener reports finished transfers to the receiving client.
// Timeouts and cancellations caused by the session itself are not reported:
// the client either asked for them or is gone.
type assetListener struct{ s *Server }

func (l assetListener) TransferCompleted(t assets.Transfer) {
	conn := l.s.conn(t.SessionID)
	if conn == nil {
		return
	}
	p := protocol.AssetCompletePayload{AssetID: t.AssetID, TotalBytes: t.TotalBytes}
	if man, ok := l.s.assets.Manifest(t.AssetID); ok {
		p.Checksum = man.Checksum
	}
	msg, err := protocol.NewMessage(protocol.TypeAssetComplete, p, "")
	if err != nil {
		return
	}
	_ = conn.send(context.Background(), msg)
}

func (l assetListener) TransferFailed(t assets.Transfer, reason string) {
	if reason != assets.ReasonRemoved && reason != assets.ReasonReplaced {
		return
	}
	conn := l.s.conn(t.SessionID)
	if conn == nil {
		return
	}
	msg, err := protocol.NewMessage(protocol.TypeAssetComplete, protocol.AssetCompletePayload{
		AssetID:   t.AssetID,
		Cancelled: true,
		Reason:    reason,
	}, "")
	if err != nil {
		return
	}
	_ = conn.send(context.Background(), msg)
}
