package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	User    UserConfig    `json:"user"`
	Logging LoggingConfig `json:"logging"`

	// Storage configures the device persistent store.
	// If omitted, state lives in memory only and is lost on restart.
	Storage *StorageConfig `json:"storage,omitempty"`

	Remote RemoteConfig `json:"remote"`

	// Push configures the batched push delivery endpoint.
	// If omitted, push delivery is disabled and alerts stay local-only.
	Push *PushConfig `json:"push,omitempty"`

	Notifications NotificationsConfig `json:"notifications"`
	Scheduling    SchedulingConfig    `json:"scheduling"`
	Connectivity  ConnectivityConfig  `json:"connectivity"`
}

// UserConfig identifies the account this process coordinates reminders for.
type UserConfig struct {
	ID       string `json:"id"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "America/New_York"

	// PushToken is this device's delivery token. It is union-merged into the
	// profile's token set on initialize.
	PushToken string `json:"push_token,omitempty"`
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

// StorageConfig controls the device persistent store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./touchbase_store" }
type StorageConfig struct {
	Driver      string   `json:"driver"`
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"` // sqlite lock wait
}

// RemoteConfig controls the remote reminder/profile store connection.
//
// Driver values:
//   - "redis": documents in Redis, change feed over pub/sub
//   - "memory": in-process store (tests, single-device use)
type RemoteConfig struct {
	Driver   string `json:"driver"`
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// PushConfig controls the push delivery client.
type PushConfig struct {
	Enabled       bool     `json:"enabled"`
	Endpoint      string   `json:"endpoint"`
	AccessToken   string   `json:"access_token,omitempty"`
	RatePerSec    int      `json:"rate_per_sec,omitempty"`
	RetryMax      int      `json:"retry_max,omitempty"`
	RetryBase     Duration `json:"retry_base,omitempty"`
	RetryMaxDelay Duration `json:"retry_max_delay,omitempty"`
	CallTimeout   Duration `json:"call_timeout,omitempty"`
}

// NotificationsConfig controls the coordinator's bookkeeping.
//
// Defaults (when fields are omitted/zero):
//   - cleanup_interval: "1h"
//   - sync_interval: "15m"
//   - cleanup_debounce: "6h"
//   - followup_ttl: "168h", scheduled_ttl: "24h", custom_date_ttl: "72h"
//   - operation_retention: "168h"
type NotificationsConfig struct {
	CleanupInterval    Duration `json:"cleanup_interval,omitempty"`
	SyncInterval       Duration `json:"sync_interval,omitempty"`
	CleanupDebounce    Duration `json:"cleanup_debounce,omitempty"`
	FollowUpTTL        Duration `json:"followup_ttl,omitempty"`
	ScheduledTTL       Duration `json:"scheduled_ttl,omitempty"`
	CustomDateTTL      Duration `json:"custom_date_ttl,omitempty"`
	OperationRetention Duration `json:"operation_retention,omitempty"`
}

// SchedulingConfig controls the snooze/slot policy engine.
type SchedulingConfig struct {
	MaxSnoozeAttempts int `json:"max_snooze_attempts,omitempty"` // default 5

	// LookaheadDays bounds the slot search horizon. Default 30.
	LookaheadDays int `json:"lookahead_days,omitempty"`
}

// ConnectivityConfig controls the reachability monitor.
type ConnectivityConfig struct {
	// Addr is dialed to decide online/offline. Default "1.1.1.1:53".
	Addr     string   `json:"addr,omitempty"`
	Interval Duration `json:"interval,omitempty"` // default "30s"
	Timeout  Duration `json:"timeout,omitempty"`  // default "3s"
}

// Validate rejects configs the services cannot start with. Durations are
// typed, so malformed values already fail at decode time; this only checks
// cross-field shape.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.User.ID) == "" {
		return errors.New("user.id is required")
	}
	if tz := strings.TrimSpace(c.User.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("user.timezone: %w", err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Remote.Driver)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Remote.Addr) == "" {
			return errors.New("remote.addr is required for redis driver")
		}
	default:
		return fmt.Errorf("remote.driver: unknown driver %q", c.Remote.Driver)
	}
	if c.Push != nil && c.Push.Enabled && strings.TrimSpace(c.Push.Endpoint) == "" {
		return errors.New("push.endpoint is required when push is enabled")
	}
	return nil
}
