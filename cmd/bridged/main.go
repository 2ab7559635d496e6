// Command bridged runs the engine bridge as a WebSocket service configured
// from BRIDGE_* environment variables.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/esportsjesus1-create/gameverse-backend-sub008/assets/assetdir"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/bridge"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/config"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/internal/logctx"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/transport/wsbridge"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.String("err", err.Error()))
		os.Exit(1)
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("bridge stopped", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(logctx.Handler{Handler: h})
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	authn, err := cfg.Authenticator()
	if err != nil {
		return err
	}
	srv := bridge.New(cfg.Bridge(log), bridge.Deps{Authenticator: authn, Logger: log})

	// A failing component stops the others.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 3)
	running := 0

	if cfg.AssetDir != "" {
		dirOpts := []assetdir.Option{
			assetdir.WithLogger(log),
			assetdir.WithChunkSize(cfg.DefaultChunkSize),
		}
		if cfg.AssetWatch {
			running++
			go func() { errc <- assetdir.Watch(ctx, cfg.AssetDir, srv.Assets(), dirOpts...) }()
		} else {
			n, err := assetdir.Scan(ctx, cfg.AssetDir, srv.Assets(), dirOpts...)
			if err != nil {
				return err
			}
			log.Info("assets loaded", slog.String("dir", cfg.AssetDir), slog.Int("assets", n))
		}
	}

	running++
	go func() { errc <- srv.Run(ctx) }()

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, wsbridge.New(srv, wsbridge.Options{
		Logger:         log,
		SendQueue:      cfg.SendQueue,
		PingInterval:   cfg.HeartbeatInterval,
		PongTimeout:    cfg.HeartbeatTimeout,
		MaxMessageSize: int64(cfg.MaxMessageSize),
	}))
	hs := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	running++
	go func() {
		log.Info("bridge listening", slog.String("addr", cfg.ListenAddr), slog.String("path", cfg.Path),
			slog.String("format", cfg.WireFormat))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	var first error
	select {
	case <-ctx.Done():
	case first = <-errc:
		running--
		if errors.Is(first, context.Canceled) {
			first = nil
		}
	}

	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownGrace)
	defer cancelShutdown()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", slog.String("err", err.Error()))
	}

	for ; running > 0; running-- {
		select {
		case err := <-errc:
			if first == nil && err != nil && !errors.Is(err, context.Canceled) {
				first = err
			}
		case <-shutdownCtx.Done():
			return errors.Join(first, shutdownCtx.Err())
		}
	}
	log.Info("bridge stopped")
	return first
}
