package logctx

import (
	"context"
	"log/slog"

	"github.com/esportsjesus1-create/gameverse-backend-sub008/sessions"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnID),
			slog.String("remote_addr", cd.RemoteAddr),
			slog.String("format", cd.Format),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("client_id", sd.ClientID),
			slog.String("user_id", sd.UserID),
			slog.String("state", string(sd.State)),
		))
	}

	if msg, ok := ctx.Value(messageKey{}).(*Message); ok {
		r.AddAttrs(slog.Group("msg",
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
			slog.String("correlation_id", msg.CorrelationID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type messageKey struct{}

type Message struct {
	ID            string
	Type          string
	CorrelationID string
}

func WithMessage(ctx context.Context, msg *Message) context.Context {
	return context.WithValue(ctx, messageKey{}, msg)
}

type connDataKey struct{}

type ConnData struct {
	ConnID     string
	RemoteAddr string
	Format     string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
	ClientID  string
	UserID    string
	State     sessions.ConnectionState
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}
