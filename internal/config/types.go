package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Feeds    FeedsConfig    `json:"feeds"`
	Delivery DeliveryConfig `json:"delivery"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`

	// PollTimeout and CallTimeout are Go duration strings (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	CallTimeout string `json:"call_timeout,omitempty"`

	// RatePerSec caps outbound API calls globally.
	RatePerSec int `json:"rate_per_sec,omitempty"`
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

// StorageConfig selects the delivery registry backend.
//
// Example:
//
//	storage:
//	  driver: file
//	  path: ./relaybot_store
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type FeedsConfig struct {
	// PollSpec is a cron expression or descriptor ("@every 5m").
	PollSpec string `json:"poll_spec,omitempty"`

	CycleTimeout string `json:"cycle_timeout,omitempty"`
	FetchTimeout string `json:"fetch_timeout,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
}

type DeliveryConfig struct {
	// RetryMax is the per-destination retry budget during fan-out.
	RetryMax int `json:"retry_max,omitempty"`

	// JobTimeout bounds one subscribe job end to end.
	JobTimeout string `json:"job_timeout,omitempty"`

	IncludeBody    bool `json:"include_body,omitempty"`
	ExtractMedia   bool `json:"extract_media,omitempty"`
	DisablePreview bool `json:"disable_preview,omitempty"`
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if len(c.Telegram.OwnerUserIDs) == 0 {
		return fmt.Errorf("telegram.owner_user_ids must not be empty")
	}
	switch c.Storage.Driver {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"telegram.call_timeout", c.Telegram.CallTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"feeds.cycle_timeout", c.Feeds.CycleTimeout},
		{"feeds.fetch_timeout", c.Feeds.FetchTimeout},
		{"delivery.job_timeout", c.Delivery.JobTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Duration is a lenient accessor for validated duration fields.
func Duration(raw string) time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(raw))
	if d < 0 {
		return 0
	}
	return d
}
