// Package config loads and watches the waitline configuration.
//
// Configuration is a plain immutable record: components receive the values
// they need at construction and are never handed the global. Hot reload goes
// through explicit callbacks registered on the ConfigWatcher.
package config

// Config represents the core waitline configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database"`
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Queue     QueueConfig     `mapstructure:"queue" toml:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" toml:"scheduler"`
	Predictor PredictorConfig `mapstructure:"predictor" toml:"predictor"`
	Hub       HubConfig       `mapstructure:"hub" toml:"hub"`
	Notify    NotifyConfig    `mapstructure:"notify" toml:"notify"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the WebSocket gateway
type ServerConfig struct {
	// Port is the listen port: nil = default 8090, 0 is invalid (omit for default)
	Port *int `mapstructure:"port" toml:"port"`
	// AllowedOrigins lists origins accepted during the WebSocket upgrade
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
	// PingIntervalSeconds is the server ping cadence (default: 20)
	PingIntervalSeconds int `mapstructure:"ping_interval_seconds" toml:"ping_interval_seconds"`
	// PongTimeoutSeconds disconnects the client after no pong (default: 30)
	PongTimeoutSeconds int `mapstructure:"pong_timeout_seconds" toml:"pong_timeout_seconds"`
	// MaxDenials closes the session after this many authorization denials (default: 5)
	MaxDenials int `mapstructure:"max_denials" toml:"max_denials"`
}

// DefaultServerPort is used when server.port is omitted
const DefaultServerPort = 8090

// QueueConfig configures per-shop queue engines
type QueueConfig struct {
	// MailboxDepth bounds the request mailbox per shop actor (default: 64)
	MailboxDepth int `mapstructure:"mailbox_depth" toml:"mailbox_depth"`
	// StaleCalledMinutes: called tickets older than this are skipped (default: 15)
	StaleCalledMinutes int `mapstructure:"stale_called_minutes" toml:"stale_called_minutes"`
	// EstimateRefreshSeconds is the periodic estimate recompute per open queue (default: 30)
	EstimateRefreshSeconds int `mapstructure:"estimate_refresh_seconds" toml:"estimate_refresh_seconds"`
}

// SchedulerConfig configures the hybrid scheduler
type SchedulerConfig struct {
	// GraceMinutes: appointment due window starts at now - grace (default: 5)
	GraceMinutes int `mapstructure:"grace_minutes" toml:"grace_minutes"`
	// LookaheadMinutes: appointment due window ends at now + lookahead (default: 15)
	LookaheadMinutes int `mapstructure:"lookahead_minutes" toml:"lookahead_minutes"`
	// EarlyArrivalMinutes: earlier arrivals become high-priority walk-ins (default: 30)
	EarlyArrivalMinutes int `mapstructure:"early_arrival_minutes" toml:"early_arrival_minutes"`
	// LateArrivalMinutes: later arrivals are accepted with a lateness note (default: 30)
	LateArrivalMinutes int `mapstructure:"late_arrival_minutes" toml:"late_arrival_minutes"`
	// SequenceSampleCount: completed tickets averaged for gap filling (default: 20)
	SequenceSampleCount int `mapstructure:"sequence_sample_count" toml:"sequence_sample_count"`
	// DefaultServiceMinutes is the fallback service duration (default: 15)
	DefaultServiceMinutes int `mapstructure:"default_service_minutes" toml:"default_service_minutes"`
}

// PredictorConfig configures the wait-time predictor
type PredictorConfig struct {
	// HistoryDays is the sample window (default: 30)
	HistoryDays int `mapstructure:"history_days" toml:"history_days"`
	// MinSamples: below this the base mean falls back to the default (default: 5)
	MinSamples int `mapstructure:"min_samples" toml:"min_samples"`
	// DefaultServiceMinutes is the fallback base mean (default: 15)
	DefaultServiceMinutes int `mapstructure:"default_service_minutes" toml:"default_service_minutes"`
	// MaxEstimateMinutes is the clamp ceiling (default: 180)
	MaxEstimateMinutes int `mapstructure:"max_estimate_minutes" toml:"max_estimate_minutes"`
}

// HubConfig configures the subscription hub
type HubConfig struct {
	// SessionBufferDepth: outbound events per session before resync (default: 256)
	SessionBufferDepth int `mapstructure:"session_buffer_depth" toml:"session_buffer_depth"`
}

// NotifyConfig configures outbound notification dispatch
type NotifyConfig struct {
	// RatePerSecond is the transport send rate (default: 10)
	RatePerSecond float64 `mapstructure:"rate_per_second" toml:"rate_per_second"`
	// Burst is the rate limiter burst (default: 20)
	Burst int `mapstructure:"burst" toml:"burst"`
	// MaxAttempts: delivery attempts before a notification is parked (default: 5)
	MaxAttempts int `mapstructure:"max_attempts" toml:"max_attempts"`
	// QueueDepth bounds the pending notification buffer (default: 1024)
	QueueDepth int `mapstructure:"queue_depth" toml:"queue_depth"`
}
