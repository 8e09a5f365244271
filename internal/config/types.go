package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Delivery controls the broadcast engine: worker pool sizing, retry
	// behavior and the pacing policy applied between sends.
	Delivery DeliveryConfig `json:"delivery"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Metrics *MetricsConfig `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// RatePerSec caps outgoing Bot API calls per session. Defaults to 20.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// ConnectTimeout is a Go duration string (e.g. "30s").
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DeliveryConfig controls the broadcast delivery service.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 64
//   - retry_max: 3
//   - retry_base: "5s"
//   - retry_max_delay: "2m"
//   - retry_jitter: 0.2
//   - floor_delay: "500ms"
//   - max_delay: "30s"
//   - backoff_multiplier: 8
//   - flood_penalty: 2
//   - jitter: 0.2
//   - failure_threshold: 0.5
//   - snapshot_ttl: "6h"
//   - sweep_interval: "5m"
type DeliveryConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	// RetryJitter is a +/- fraction applied to retry backoff. Negative disables it.
	RetryJitter float64 `json:"retry_jitter,omitempty"`

	// FloorDelay is the minimum inter-send pause for a fully aged account.
	FloorDelay string `json:"floor_delay,omitempty"`
	// MaxDelay clamps the computed inter-send pause.
	MaxDelay          string  `json:"max_delay,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
	FloodPenalty      float64 `json:"flood_penalty,omitempty"`
	// Jitter is a +/- fraction applied to each pause. Negative disables it.
	Jitter           float64 `json:"jitter,omitempty"`
	FailureThreshold float64 `json:"failure_threshold,omitempty"`
	SnapshotTTL      string  `json:"snapshot_ttl,omitempty"`

	// SweepInterval controls how often failed campaigns with retry budget
	// left are re-enqueued. "0s" keeps the default.
	SweepInterval string `json:"sweep_interval,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tgblast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MetricsConfig controls the optional Prometheus endpoint.
//
// Prefer binding to localhost (e.g. "127.0.0.1:9090").
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
}
