// Package config loads bridge settings from the environment.
//
// Every setting has a default, so an empty environment yields a working
// configuration. Variables share the BRIDGE_ prefix:
//
//	BRIDGE_LISTEN_ADDR=:9000 BRIDGE_WIRE_FORMAT=json bridged
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/esportsjesus1-create/gameverse-backend-sub008/assets"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/auth"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/bridge"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/checksum"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/protocol"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/sessions"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/statesync"
)

// Config holds every tunable of the bridge.
type Config struct {
	ListenAddr string `env:"BRIDGE_LISTEN_ADDR,default=:8080"`
	Path       string `env:"BRIDGE_PATH,default=/bridge"`
	LogLevel   string `env:"BRIDGE_LOG_LEVEL,default=info"`
	LogFormat  string `env:"BRIDGE_LOG_FORMAT,default=json"`

	MaxSessions       int           `env:"BRIDGE_MAX_SESSIONS,default=1000"`
	HeartbeatInterval time.Duration `env:"BRIDGE_HEARTBEAT_INTERVAL,default=15s"`
	HeartbeatTimeout  time.Duration `env:"BRIDGE_HEARTBEAT_TIMEOUT,default=45s"`
	ReconnectWindow   time.Duration `env:"BRIDGE_RECONNECT_WINDOW,default=5m"`
	RequireAuth       bool          `env:"BRIDGE_REQUIRE_AUTH,default=false"`

	MaxMessageSize    int    `env:"BRIDGE_MAX_MESSAGE_SIZE,default=1048576"`
	WireFormat        string `env:"BRIDGE_WIRE_FORMAT,default=binary"`
	Checksum          bool   `env:"BRIDGE_CHECKSUM,default=true"`
	ChecksumAlgorithm string `env:"BRIDGE_CHECKSUM_ALGORITHM,default=sha256"`
	SendQueue         int    `env:"BRIDGE_SEND_QUEUE,default=256"`

	MaxAssets              int           `env:"BRIDGE_MAX_ASSETS,default=1000"`
	MaxConcurrentTransfers int           `env:"BRIDGE_MAX_CONCURRENT_TRANSFERS,default=4"`
	DefaultChunkSize       int           `env:"BRIDGE_DEFAULT_CHUNK_SIZE,default=65536"`
	MaxChunkSize           int           `env:"BRIDGE_MAX_CHUNK_SIZE,default=262144"`
	TransferTimeout        time.Duration `env:"BRIDGE_TRANSFER_TIMEOUT,default=60s"`
	TransferSweepInterval  time.Duration `env:"BRIDGE_TRANSFER_SWEEP_INTERVAL,default=10s"`
	ChunkCacheEntries      int           `env:"BRIDGE_CHUNK_CACHE_ENTRIES,default=512"`
	ChunkCacheBytes        int64         `env:"BRIDGE_CHUNK_CACHE_BYTES,default=67108864"`
	ChunkCacheTTL          time.Duration `env:"BRIDGE_CHUNK_CACHE_TTL,default=5m"`
	AssetDir               string        `env:"BRIDGE_ASSET_DIR"`
	AssetWatch             bool          `env:"BRIDGE_ASSET_WATCH,default=true"`

	MaxStates        int           `env:"BRIDGE_MAX_STATES,default=10000"`
	DeltaCompression bool          `env:"BRIDGE_DELTA_COMPRESSION,default=true"`
	StateChecksum    string        `env:"BRIDGE_STATE_CHECKSUM_ALGORITHM,default=xxh64"`
	SnapshotInterval time.Duration `env:"BRIDGE_SNAPSHOT_INTERVAL,default=30s"`
	SnapshotTTL      time.Duration `env:"BRIDGE_SNAPSHOT_TTL,default=10m"`
	MaxSnapshots     int           `env:"BRIDGE_MAX_SNAPSHOTS,default=1000"`
	RPCTimeout       time.Duration `env:"BRIDGE_RPC_TIMEOUT,default=10s"`
	ShutdownGrace    time.Duration `env:"BRIDGE_SHUTDOWN_GRACE,default=10s"`
	JWTSecret        string        `env:"BRIDGE_JWT_SECRET"`
	JWTIssuer        string        `env:"BRIDGE_JWT_ISSUER"`
	JWTAudience      string        `env:"BRIDGE_JWT_AUDIENCE"`
	JWTLeeway        time.Duration `env:"BRIDGE_JWT_LEEWAY,default=30s"`
}

// Load decodes the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every inconsistent setting.
func (c Config) Validate() error {
	var errs []error
	if c.MaxSessions <= 0 {
		errs = append(errs, errors.New("max sessions must be positive"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat interval must be positive"))
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("heartbeat timeout %s must exceed interval %s", c.HeartbeatTimeout, c.HeartbeatInterval))
	}
	if c.ReconnectWindow <= 0 {
		errs = append(errs, errors.New("reconnect window must be positive"))
	}
	if _, err := c.format(); err != nil {
		errs = append(errs, err)
	}
	if _, err := checksum.ParseAlgorithm(c.ChecksumAlgorithm); err != nil {
		errs = append(errs, fmt.Errorf("checksum algorithm: %w", err))
	}
	if _, err := checksum.ParseAlgorithm(c.StateChecksum); err != nil {
		errs = append(errs, fmt.Errorf("state checksum algorithm: %w", err))
	}
	if c.DefaultChunkSize <= 0 || c.MaxChunkSize <= 0 {
		errs = append(errs, errors.New("chunk sizes must be positive"))
	} else if c.DefaultChunkSize > c.MaxChunkSize {
		errs = append(errs, fmt.Errorf("default chunk size %d exceeds max chunk size %d", c.DefaultChunkSize, c.MaxChunkSize))
	}
	if n := protocol.ChunkFrameSize(c.MaxChunkSize); c.MaxMessageSize > 0 && n >= c.MaxMessageSize {
		errs = append(errs, fmt.Errorf("max chunk size %d encodes to up to %d bytes, over max message size %d",
			c.MaxChunkSize, n, c.MaxMessageSize))
	}
	if c.MaxConcurrentTransfers <= 0 {
		errs = append(errs, errors.New("max concurrent transfers must be positive"))
	}
	if c.RequireAuth && c.JWTSecret == "" {
		errs = append(errs, errors.New("BRIDGE_REQUIRE_AUTH needs BRIDGE_JWT_SECRET"))
	}
	if _, err := c.level(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c Config) format() (protocol.Format, error) {
	switch f := protocol.Format(strings.ToLower(c.WireFormat)); f {
	case protocol.FormatBinary, protocol.FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown wire format %q", c.WireFormat)
	}
}

func (c Config) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}

// Level returns the configured log level, info when unparsable.
func (c Config) Level() slog.Level {
	l, err := c.level()
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func (c Config) Sessions(log *slog.Logger) sessions.Config {
	return sessions.Config{
		MaxSessions:     c.MaxSessions,
		ReconnectWindow: c.ReconnectWindow,
		Logger:          log,
	}
}

func (c Config) Protocol() protocol.Options {
	f, _ := c.format()
	alg, _ := checksum.ParseAlgorithm(c.ChecksumAlgorithm)
	return protocol.Options{
		Format:         f,
		Checksum:       c.Checksum,
		Algorithm:      alg,
		MaxMessageSize: c.MaxMessageSize,
	}
}

func (c Config) StateSync(log *slog.Logger) statesync.Config {
	alg, _ := checksum.ParseAlgorithm(c.StateChecksum)
	return statesync.Config{
		MaxStates:        c.MaxStates,
		DeltaCompression: c.DeltaCompression,
		Algorithm:        alg,
		SnapshotInterval: c.SnapshotInterval,
		SnapshotTTL:      c.SnapshotTTL,
		MaxSnapshots:     c.MaxSnapshots,
		Logger:           log,
	}
}

func (c Config) Assets(log *slog.Logger) assets.Config {
	return assets.Config{
		MaxAssets:              c.MaxAssets,
		DefaultChunkSize:       c.DefaultChunkSize,
		MaxChunkSize:           c.MaxChunkSize,
		MaxConcurrentTransfers: c.MaxConcurrentTransfers,
		TransferTimeout:        c.TransferTimeout,
		SweepInterval:          c.TransferSweepInterval,
		ChunkCacheEntries:      c.ChunkCacheEntries,
		ChunkCacheBytes:        c.ChunkCacheBytes,
		ChunkCacheTTL:          c.ChunkCacheTTL,
		Logger:                 log,
	}
}

// Bridge assembles the orchestrator options, including every subsystem
// config.
func (c Config) Bridge(log *slog.Logger) bridge.Options {
	return bridge.Options{
		Sessions:          c.Sessions(log),
		Protocol:          c.Protocol(),
		State:             c.StateSync(log),
		Assets:            c.Assets(log),
		HeartbeatInterval: c.HeartbeatInterval,
		HeartbeatTimeout:  c.HeartbeatTimeout,
		RPCTimeout:        c.RPCTimeout,
		RequireAuth:       c.RequireAuth,
	}
}

// Authenticator returns the CONNECT token verifier, or nil when no JWT
// secret is configured.
func (c Config) Authenticator() (auth.Authenticator, error) {
	if c.JWTSecret == "" {
		return nil, nil
	}
	opts := []auth.HMACOption{auth.WithLeeway(c.JWTLeeway)}
	if c.JWTIssuer != "" {
		opts = append(opts, auth.WithIssuer(c.JWTIssuer))
	}
	if c.JWTAudience != "" {
		opts = append(opts, auth.WithAudience(c.JWTAudience))
	}
	return auth.NewHMAC([]byte(c.JWTSecret), opts...)
}
