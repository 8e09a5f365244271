package config

import (
	"sort"
	"strings"

	logx "tgblast/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (the bot token) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log token)
	if (strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") ||
		oldCfg.Telegram.RatePerSec != newCfg.Telegram.RatePerSec ||
		strings.TrimSpace(oldCfg.Telegram.ConnectTimeout) != strings.TrimSpace(newCfg.Telegram.ConnectTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int("telegram.rate_per_sec", newCfg.Telegram.RatePerSec),
			logx.String("telegram.connect_timeout", strings.TrimSpace(newCfg.Telegram.ConnectTimeout)),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Delivery
	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.workers", newCfg.Delivery.Workers),
			logx.Int("delivery.queue_size", newCfg.Delivery.QueueSize),
			logx.Int("delivery.retry_max", newCfg.Delivery.RetryMax),
			logx.String("delivery.floor_delay", strings.TrimSpace(newCfg.Delivery.FloorDelay)),
			logx.String("delivery.max_delay", strings.TrimSpace(newCfg.Delivery.MaxDelay)),
			logx.Float64("delivery.failure_threshold", newCfg.Delivery.FailureThreshold),
		)
	}

	// Storage; nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Metrics; nil means disabled.
	var oEnabled, nEnabled bool
	var oAddr, nAddr string
	if oldCfg.Metrics != nil {
		oEnabled = oldCfg.Metrics.Enabled
		oAddr = strings.TrimSpace(oldCfg.Metrics.Addr)
	}
	if newCfg.Metrics != nil {
		nEnabled = newCfg.Metrics.Enabled
		nAddr = strings.TrimSpace(newCfg.Metrics.Addr)
	}
	if oEnabled != nEnabled || oAddr != nAddr {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nEnabled),
			logx.String("metrics.addr", nAddr),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
