package store

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the engine's process-wide configuration. It is read once
// from the environment at provision time and immutable afterwards.
type Config struct {
	// Rotation thresholds for the hot region.
	SegmentMaxMessages int   `env:"SEGMENT_MAX_MESSAGES" envDefault:"1000"`
	SegmentMaxBytes    int64 `env:"SEGMENT_MAX_BYTES" envDefault:"4194304"`

	// Request and response size caps.
	MaxAppendBytes int `env:"MAX_APPEND_BYTES" envDefault:"10485760"`
	MaxChunkBytes  int `env:"MAX_CHUNK_BYTES" envDefault:"262144"`

	LongPollTimeoutMS int `env:"LONG_POLL_TIMEOUT_MS" envDefault:"20000"`

	SessionTTLSeconds int64 `env:"SESSION_TTL_SECONDS" envDefault:"86400"`

	// Fan-out: inline below the threshold, queue above it.
	FanoutSubscriberThreshold int `env:"FANOUT_SUBSCRIBER_THRESHOLD" envDefault:"8"`
	FanoutRetryMaxAttempts    int `env:"FANOUT_RETRY_MAX_ATTEMPTS" envDefault:"5"`
	FanoutRetryBaseSeconds    int `env:"FANOUT_RETRY_BASE_SECONDS" envDefault:"5"`
	FanoutRetryCapSeconds     int `env:"FANOUT_RETRY_CAP_SECONDS" envDefault:"900"`

	// RetainOps keeps hot rows after rotation. Debug builds only.
	RetainOps bool `env:"DEBUG_RETAIN_OPS" envDefault:"false"`
}

// ConfigFromEnv loads Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the built-in defaults without consulting the
// environment. Used by tests.
func DefaultConfig() Config {
	return Config{
		SegmentMaxMessages:        1000,
		SegmentMaxBytes:           4 * 1024 * 1024,
		MaxAppendBytes:            10 * 1024 * 1024,
		MaxChunkBytes:             256 * 1024,
		LongPollTimeoutMS:         20000,
		SessionTTLSeconds:         86400,
		FanoutSubscriberThreshold: 8,
		FanoutRetryMaxAttempts:    5,
		FanoutRetryBaseSeconds:    5,
		FanoutRetryCapSeconds:     900,
	}
}

// LongPollTimeout returns the long-poll timeout as a duration.
func (c Config) LongPollTimeout() time.Duration {
	return time.Duration(c.LongPollTimeoutMS) * time.Millisecond
}

// SessionTTL returns the session TTL as a duration.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}
