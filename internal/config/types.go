package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the blastd daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	MediaDir string         `json:"media_dir,omitempty"`
	Dispatch DispatchConfig `json:"dispatch"`
	Billing  BillingConfig  `json:"billing,omitempty"`
	Sweeper  SweeperConfig  `json:"sweeper,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DispatchConfig controls the worker loop.
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "1s"
//   - batch_size: 30
//   - min_send_interval: "0s" (disabled; the per-campaign delay is the
//     primary throttle, this is a per-identity floor under it)
type DispatchConfig struct {
	TickInterval    string `json:"tick_interval,omitempty"`
	BatchSize       int    `json:"batch_size,omitempty"`
	MinSendInterval string `json:"min_send_interval,omitempty"`
}

// BillingConfig controls the creation-time charge hook. The per-message
// price is always computed and recorded; the ledger is only debited
// when charge_mailings is set.
type BillingConfig struct {
	ChargeMailings bool               `json:"charge_mailings"`
	Prices         map[string]float64 `json:"prices,omitempty"`
}

type SweeperConfig struct {
	Enabled   bool   `json:"enabled"`
	Schedule  string `json:"schedule,omitempty"`
	Retention string `json:"retention,omitempty"`
}

const (
	defaultTickInterval = time.Second
	defaultBatchSize    = 30
	defaultRetention    = 30 * 24 * time.Hour
	defaultSchedule     = "10 4 * * *"
)

// Normalize fills defaults in place.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = "./data/blastd.db"
	}
	if strings.TrimSpace(c.MediaDir) == "" {
		c.MediaDir = "./data/media"
	}
	if strings.TrimSpace(c.Dispatch.TickInterval) == "" {
		c.Dispatch.TickInterval = defaultTickInterval.String()
	}
	if c.Dispatch.BatchSize <= 0 {
		c.Dispatch.BatchSize = defaultBatchSize
	}
	if strings.TrimSpace(c.Sweeper.Schedule) == "" {
		c.Sweeper.Schedule = defaultSchedule
	}
	if strings.TrimSpace(c.Sweeper.Retention) == "" {
		c.Sweeper.Retention = defaultRetention.String()
	}
}

// Validate rejects configs the daemon cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	for name, raw := range map[string]string{
		"dispatch.tick_interval":     c.Dispatch.TickInterval,
		"dispatch.min_send_interval": c.Dispatch.MinSendInterval,
		"storage.busy_timeout":       c.Storage.BusyTimeout,
		"sweeper.retention":          c.Sweeper.Retention,
	} {
		if _, err := parseDuration(raw, 0); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if d, _ := parseDuration(c.Dispatch.TickInterval, defaultTickInterval); d <= 0 {
		return errors.New("dispatch.tick_interval must be positive")
	}
	for key, v := range c.Billing.Prices {
		if v < 0 {
			return fmt.Errorf("billing.prices[%s] must be >= 0", key)
		}
	}
	return nil
}

func (c *Config) TickInterval() time.Duration {
	d, _ := parseDuration(c.Dispatch.TickInterval, defaultTickInterval)
	return d
}

func (c *Config) MinSendInterval() time.Duration {
	d, _ := parseDuration(c.Dispatch.MinSendInterval, 0)
	return d
}

func (c *Config) BusyTimeout() time.Duration {
	d, _ := parseDuration(c.Storage.BusyTimeout, 5*time.Second)
	return d
}

func (c *Config) SweeperRetention() time.Duration {
	d, _ := parseDuration(c.Sweeper.Retention, defaultRetention)
	return d
}

func parseDuration(raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}
