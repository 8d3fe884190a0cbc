// Package config holds every tunable of a warpsync peer and relay, with the
// defaults the synchronisation model was calibrated against.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Peer          Peer          `yaml:"peer"`
	Subspace      Subspace      `yaml:"subspace"`
	Detector      Detector      `yaml:"detector"`
	Queue         Queue         `yaml:"queue"`
	Interpolation Interpolation `yaml:"interpolation"`
	Relay         Relay         `yaml:"relay"`
	Log           Log           `yaml:"log"`
}

type Peer struct {
	// ID is this peer's identifier; generated when empty.
	ID string `yaml:"id"`
	// RelayURL is ws://host:port/path or quic://host:port.
	RelayURL string `yaml:"relay_url"`
	// TickSeconds is the fixed simulation tick.
	TickSeconds float64 `yaml:"tick_seconds"`
	// StatsInterval controls periodic diagnostic logging; zero disables it.
	StatsInterval time.Duration `yaml:"stats_interval"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	// PingInterval paces relay round-trip probes used for the one-way latency estimate.
	PingInterval      time.Duration `yaml:"ping_interval"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

type Subspace struct {
	// SyncThreshold is the largest |local − predicted| still considered the same subspace.
	SyncThreshold float64 `yaml:"sync_threshold"`
	// HeartbeatGuard is how far ahead the authority must be before a heartbeat moves the clock.
	HeartbeatGuard float64 `yaml:"heartbeat_guard"`
	Shards         int     `yaml:"shards"`
}

type Detector struct {
	WarpThreshold          float64 `yaml:"warp_threshold"`
	ThrottleEpsilon        float64 `yaml:"throttle_epsilon"`
	ManeuverAccelThreshold float64 `yaml:"maneuver_accel_threshold"`
	// OwnedResyncInterval is in simulated seconds.
	OwnedResyncInterval float64 `yaml:"owned_resync_interval"`
}

type Queue struct {
	MaxSize int `yaml:"max_size"`
	// MaxAge is in simulated seconds; entries older than this are dropped before acquisition.
	MaxAge float64 `yaml:"max_age"`
	// PoolWarm pre-allocates this many snapshots.
	PoolWarm int `yaml:"pool_warm"`
}

type Interpolation struct {
	FixedTick        float64 `yaml:"fixed_tick"`
	MaxDuration      float64 `yaml:"max_duration"`
	MinTransitOffset float64 `yaml:"min_transit_offset"`
	MaxTransitOffset float64 `yaml:"max_transit_offset"`
	// LargeErrorSeconds splits the last two rungs of the correction ladder.
	LargeErrorSeconds float64 `yaml:"large_error_seconds"`
	// DiagnosticsEvery logs per-entity interpolation state every N ticks; zero disables it.
	DiagnosticsEvery int `yaml:"diagnostics_every"`
}

type Relay struct {
	ListenAddr        string        `yaml:"listen_addr"`
	WebSocketPath     string        `yaml:"websocket_path"`
	QUICAddr          string        `yaml:"quic_addr"`
	MaxPeers          int           `yaml:"max_peers"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ClientTimeout     time.Duration `yaml:"client_timeout"`
	HealthInterval    time.Duration `yaml:"health_interval"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

type Log struct {
	Level string `yaml:"level"`
}

// Default returns the calibrated configuration.
func Default() Config {
	return Config{
		Peer: Peer{
			RelayURL:          "ws://127.0.0.1:7777/ws",
			TickSeconds:       0.02,
			StatsInterval:     30 * time.Second,
			SendTimeout:       2 * time.Second,
			PingInterval:      2 * time.Second,
			ConnectTimeout:    10 * time.Second,
			ReconnectInterval: 5 * time.Second,
		},
		Subspace: Subspace{
			SyncThreshold:  5.0,
			HeartbeatGuard: 1.0,
			Shards:         16,
		},
		Detector: Detector{
			WarpThreshold:          1.5,
			ThrottleEpsilon:        0.01,
			ManeuverAccelThreshold: 0.5,
			OwnedResyncInterval:    5.0,
		},
		Queue: Queue{
			MaxSize:  50,
			MaxAge:   10.0,
			PoolWarm: 64,
		},
		Interpolation: Interpolation{
			FixedTick:         0.02,
			MaxDuration:       2.0,
			MinTransitOffset:  0.1,
			MaxTransitOffset:  1.0,
			LargeErrorSeconds: 2.5,
			DiagnosticsEvery:  0,
		},
		Relay: Relay{
			ListenAddr:        "127.0.0.1:7777",
			WebSocketPath:     "/ws",
			QUICAddr:          "",
			MaxPeers:          64,
			HeartbeatInterval: 3 * time.Second,
			ClientTimeout:     30 * time.Second,
			HealthInterval:    5 * time.Second,
			MaxMessageSize:    1 << 20,
			WriteTimeout:      5 * time.Second,
		},
		Log: Log{Level: "info"},
	}
}

// Parse reads YAML from r on top of the defaults.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads a YAML file. An empty path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	check(c.Peer.TickSeconds > 0, "peer.tick_seconds must be positive, got %v", c.Peer.TickSeconds)
	check(c.Subspace.SyncThreshold > 0, "subspace.sync_threshold must be positive, got %v", c.Subspace.SyncThreshold)
	check(c.Subspace.HeartbeatGuard >= 0, "subspace.heartbeat_guard must not be negative")
	check(c.Subspace.Shards > 0 && c.Subspace.Shards&(c.Subspace.Shards-1) == 0,
		"subspace.shards must be a power of two, got %d", c.Subspace.Shards)
	check(c.Detector.WarpThreshold >= 1, "detector.warp_threshold must be at least 1")
	check(c.Detector.ThrottleEpsilon >= 0, "detector.throttle_epsilon must not be negative")
	check(c.Detector.ManeuverAccelThreshold > 0, "detector.maneuver_accel_threshold must be positive")
	check(c.Detector.OwnedResyncInterval > 0, "detector.owned_resync_interval must be positive")
	check(c.Queue.MaxSize > 0, "queue.max_size must be positive, got %d", c.Queue.MaxSize)
	check(c.Queue.MaxAge > 0, "queue.max_age must be positive")
	check(c.Interpolation.FixedTick > 0, "interpolation.fixed_tick must be positive")
	check(c.Interpolation.MaxDuration > 0, "interpolation.max_duration must be positive")
	check(c.Interpolation.MinTransitOffset <= c.Interpolation.MaxTransitOffset,
		"interpolation.min_transit_offset exceeds max_transit_offset")
	check(c.Peer.PingInterval > 0, "peer.ping_interval must be positive")
	check(c.Peer.ReconnectInterval > 0, "peer.reconnect_interval must be positive")
	check(c.Relay.HeartbeatInterval > 0, "relay.heartbeat_interval must be positive")
	check(c.Relay.MaxPeers > 0, "relay.max_peers must be positive")
	check(c.Relay.HealthInterval > 0, "relay.health_interval must be positive")
	check(c.Relay.ClientTimeout > 0, "relay.client_timeout must be positive")
	check(strings.HasPrefix(c.Relay.WebSocketPath, "/"), "relay.websocket_path must start with /")

	return errors.Join(errs...)
}
