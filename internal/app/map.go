package app

import (
	"fmt"

	"tgblast/internal/config"
	"tgblast/internal/delivery"
	"tgblast/internal/storage"
	"tgblast/internal/transport/telegram"
)

// Config sections map onto component configs here, so the config package
// stays plain data and components never see raw duration strings.

func storageConfig(sc *config.StorageConfig) storage.Config {
	if sc == nil {
		// No storage section: keep everything in process memory.
		return storage.Config{Driver: "memory"}
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		busy = 0
	}
	return storage.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: busy}
}

func telegramConfig(tc config.TelegramConfig) (telegram.Config, error) {
	connect, err := config.ParseDurationField("telegram.connect_timeout", tc.ConnectTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		RatePerSec:     tc.RatePerSec,
		ConnectTimeout: connect,
	}, nil
}

func deliveryPolicy(dc config.DeliveryConfig) (delivery.Policy, error) {
	floor, err := config.ParseDurationField("delivery.floor_delay", dc.FloorDelay)
	if err != nil {
		return delivery.Policy{}, err
	}
	maxDelay, err := config.ParseDurationField("delivery.max_delay", dc.MaxDelay)
	if err != nil {
		return delivery.Policy{}, err
	}
	ttl, err := config.ParseDurationField("delivery.snapshot_ttl", dc.SnapshotTTL)
	if err != nil {
		return delivery.Policy{}, err
	}
	return delivery.Policy{
		FloorDelay:        floor,
		MaxDelay:          maxDelay,
		BackoffMultiplier: dc.BackoffMultiplier,
		FloodPenalty:      dc.FloodPenalty,
		Jitter:            dc.Jitter,
		FailureThreshold:  dc.FailureThreshold,
		SnapshotTTL:       ttl,
	}, nil
}

func deliveryConfig(dc config.DeliveryConfig) (delivery.Config, error) {
	base, err := config.ParseDurationField("delivery.retry_base", dc.RetryBase)
	if err != nil {
		return delivery.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("delivery.retry_max_delay", dc.RetryMaxDelay)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		Workers:       dc.Workers,
		QueueSize:     dc.QueueSize,
		RetryMax:      dc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		RetryJitter:   dc.RetryJitter,
	}, nil
}

func sweeperConfig(dc config.DeliveryConfig) (delivery.SweeperConfig, error) {
	interval, err := config.ParseDurationField("delivery.sweep_interval", dc.SweepInterval)
	if err != nil {
		return delivery.SweeperConfig{}, err
	}
	return delivery.SweeperConfig{
		Interval: interval,
		MaxRetry: dc.RetryMax,
	}, nil
}

// validate rejects a config before it is committed or published; invalid
// hot-reloads keep the previous config in effect.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Delivery.Workers < 0 {
		return fmt.Errorf("delivery.workers must be >= 0")
	}
	if cfg.Delivery.RetryMax < 0 {
		return fmt.Errorf("delivery.retry_max must be >= 0")
	}
	if cfg.Delivery.BackoffMultiplier < 0 {
		return fmt.Errorf("delivery.backoff_multiplier must be >= 0")
	}
	if t := cfg.Delivery.FailureThreshold; t < 0 || t > 1 {
		return fmt.Errorf("delivery.failure_threshold must be in [0,1]")
	}
	if _, err := deliveryPolicy(cfg.Delivery); err != nil {
		return err
	}
	if _, err := deliveryConfig(cfg.Delivery); err != nil {
		return err
	}
	if _, err := sweeperConfig(cfg.Delivery); err != nil {
		return err
	}
	if _, err := telegramConfig(cfg.Telegram); err != nil {
		return err
	}
	if cfg.Storage != nil {
		if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
