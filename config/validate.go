package config

import "github.com/waitline/waitline/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}

	if c.Server.PingIntervalSeconds <= 0 {
		return errors.Newf("server.ping_interval_seconds must be > 0, got %d", c.Server.PingIntervalSeconds)
	}
	if c.Server.PongTimeoutSeconds <= c.Server.PingIntervalSeconds {
		return errors.Newf("server.pong_timeout_seconds must exceed ping_interval_seconds (%d), got %d",
			c.Server.PingIntervalSeconds, c.Server.PongTimeoutSeconds)
	}
	if c.Server.MaxDenials < 0 {
		return errors.Newf("server.max_denials must be >= 0, got %d", c.Server.MaxDenials)
	}

	if c.Queue.MailboxDepth <= 0 {
		return errors.Newf("queue.mailbox_depth must be > 0, got %d", c.Queue.MailboxDepth)
	}
	if c.Queue.StaleCalledMinutes <= 0 {
		return errors.Newf("queue.stale_called_minutes must be > 0, got %d", c.Queue.StaleCalledMinutes)
	}
	if c.Queue.EstimateRefreshSeconds <= 0 {
		return errors.Newf("queue.estimate_refresh_seconds must be > 0, got %d", c.Queue.EstimateRefreshSeconds)
	}

	if c.Scheduler.GraceMinutes < 0 {
		return errors.Newf("scheduler.grace_minutes must be >= 0, got %d", c.Scheduler.GraceMinutes)
	}
	if c.Scheduler.LookaheadMinutes < 0 {
		return errors.Newf("scheduler.lookahead_minutes must be >= 0, got %d", c.Scheduler.LookaheadMinutes)
	}
	if c.Scheduler.SequenceSampleCount <= 0 {
		return errors.Newf("scheduler.sequence_sample_count must be > 0, got %d", c.Scheduler.SequenceSampleCount)
	}
	if c.Scheduler.DefaultServiceMinutes <= 0 {
		return errors.Newf("scheduler.default_service_minutes must be > 0, got %d", c.Scheduler.DefaultServiceMinutes)
	}

	if c.Predictor.HistoryDays <= 0 {
		return errors.Newf("predictor.history_days must be > 0, got %d", c.Predictor.HistoryDays)
	}
	if c.Predictor.MinSamples < 0 {
		return errors.Newf("predictor.min_samples must be >= 0, got %d", c.Predictor.MinSamples)
	}
	if c.Predictor.DefaultServiceMinutes <= 0 {
		return errors.Newf("predictor.default_service_minutes must be > 0, got %d", c.Predictor.DefaultServiceMinutes)
	}
	if c.Predictor.MaxEstimateMinutes <= 0 {
		return errors.Newf("predictor.max_estimate_minutes must be > 0, got %d", c.Predictor.MaxEstimateMinutes)
	}

	if c.Hub.SessionBufferDepth <= 0 {
		return errors.Newf("hub.session_buffer_depth must be > 0, got %d", c.Hub.SessionBufferDepth)
	}

	if c.Notify.RatePerSecond <= 0 {
		return errors.Newf("notify.rate_per_second must be > 0, got %f", c.Notify.RatePerSecond)
	}
	if c.Notify.Burst <= 0 {
		return errors.Newf("notify.burst must be > 0, got %d", c.Notify.Burst)
	}
	if c.Notify.MaxAttempts <= 0 {
		return errors.Newf("notify.max_attempts must be > 0, got %d", c.Notify.MaxAttempts)
	}
	if c.Notify.QueueDepth <= 0 {
		return errors.Newf("notify.queue_depth must be > 0, got %d", c.Notify.QueueDepth)
	}

	return nil
}
