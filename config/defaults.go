package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "waitline.db")

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
	v.SetDefault("server.ping_interval_seconds", 20)
	v.SetDefault("server.pong_timeout_seconds", 30)
	v.SetDefault("server.max_denials", 5)

	// Queue engine defaults
	v.SetDefault("queue.mailbox_depth", 64)
	v.SetDefault("queue.stale_called_minutes", 15)
	v.SetDefault("queue.estimate_refresh_seconds", 30)

	// Hybrid scheduler defaults
	v.SetDefault("scheduler.grace_minutes", 5)
	v.SetDefault("scheduler.lookahead_minutes", 15)
	v.SetDefault("scheduler.early_arrival_minutes", 30)
	v.SetDefault("scheduler.late_arrival_minutes", 30)
	v.SetDefault("scheduler.sequence_sample_count", 20)
	v.SetDefault("scheduler.default_service_minutes", 15)

	// Predictor defaults
	v.SetDefault("predictor.history_days", 30)
	v.SetDefault("predictor.min_samples", 5)
	v.SetDefault("predictor.default_service_minutes", 15)
	v.SetDefault("predictor.max_estimate_minutes", 180)

	// Hub defaults
	v.SetDefault("hub.session_buffer_depth", 256)

	// Notification dispatch defaults
	v.SetDefault("notify.rate_per_second", 10.0)
	v.SetDefault("notify.burst", 20)
	v.SetDefault("notify.max_attempts", 5)
	v.SetDefault("notify.queue_depth", 1024)
}
