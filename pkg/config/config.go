// Package config defines the immutable, validated configuration for a
// MerkleKV Mobile device and the MQTT topic scheme derived from it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/merklekv/mobile/pkg/log"
)

const (
	defaultTopicPrefix        = "mkv"
	defaultKeepAliveS         = 60
	defaultSessionExpiryS     = 86400
	defaultSkewMaxFutureMs    = 300000
	defaultTombstoneRetHours  = 24
	defaultConnectTimeoutS    = 20
	defaultOfflineCapacity    = 10000
	defaultOfflineMaxAgeDays  = 7
	defaultOfflineMaxRetries  = 3
	defaultOfflineBatchSize   = 50
	defaultAntiEntropyPeriodS = 60
	defaultSyncTimeoutS       = 30
	defaultBatteryLowPct      = 20
	defaultBatteryCriticalPct = 10

	maxIdentifierLen = 128
)

// BatteryConfig carries the advisory thresholds and toggles that drive
// adaptive scheduling under §5 of the design. Adaptation only ever
// affects scheduling, never correctness.
type BatteryConfig struct {
	LowPercent               int  `json:"low_percent"`
	CriticalPercent          int  `json:"critical_percent"`
	AdaptiveKeepalive        bool `json:"adaptive_keepalive"`
	AdaptiveSyncInterval     bool `json:"adaptive_sync_interval"`
	EnableOperationThrottle  bool `json:"enable_operation_throttling"`
	ReduceBackgroundActivity bool `json:"reduce_background_activity"`
}

// DefaultBatteryConfig returns the advisory defaults.
func DefaultBatteryConfig() BatteryConfig {
	return BatteryConfig{
		LowPercent:               defaultBatteryLowPct,
		CriticalPercent:          defaultBatteryCriticalPct,
		AdaptiveKeepalive:        true,
		AdaptiveSyncInterval:     true,
		EnableOperationThrottle:  true,
		ReduceBackgroundActivity: true,
	}
}

// Config is the immutable, validated device configuration. Build one via
// New, which applies defaults and rejects invalid combinations.
type Config struct {
	BrokerHost string `json:"broker_host"`
	BrokerPort int    `json:"broker_port"`
	UseTLS     bool   `json:"use_tls"`

	// Username/Password are credentials, omitted from MarshalJSON.
	Username string `json:"-"`
	Password string `json:"-"`

	ClientID string `json:"client_id"`
	NodeID   string `json:"node_id"`

	TopicPrefix string `json:"topic_prefix"`

	KeepAliveS      int `json:"keep_alive_s"`
	SessionExpiryS  int `json:"session_expiry_s"`
	ConnectTimeoutS int `json:"connect_timeout_s"`

	SkewMaxFutureMs      int64 `json:"skew_max_future_ms"`
	TombstoneRetentionH  int   `json:"tombstone_retention_h"`

	PersistenceEnabled bool   `json:"persistence_enabled"`
	StoragePath        string `json:"storage_path,omitempty"`

	// OfflineQueuePath is the SQLite file backing the offline operation
	// queue. The queue is crash-safe regardless of PersistenceEnabled
	// (which governs only the storage engine's replication log), so this
	// always gets a default when left empty.
	OfflineQueuePath string `json:"offline_queue_path,omitempty"`

	OfflineQueueCapacity   int `json:"offline_queue_capacity"`
	OfflineQueueMaxAgeDays int `json:"offline_queue_max_age_days"`
	OfflineMaxRetries      int `json:"offline_max_retries"`
	OfflineBatchSize       int `json:"offline_batch_size"`

	AntiEntropyPeriodS int `json:"anti_entropy_period_s"`
	SyncTimeoutS       int `json:"sync_timeout_s"`

	Battery BatteryConfig `json:"battery_config"`
}

// New validates opts and returns an immutable Config, applying defaults
// for any zero-valued optional field.
func New(opts Config) (*Config, error) {
	c := opts

	if c.BrokerHost == "" {
		return nil, fmt.Errorf("config: broker_host is required")
	}
	if err := validateIdentifier("client_id", c.ClientID); err != nil {
		return nil, err
	}
	if err := validateIdentifier("node_id", c.NodeID); err != nil {
		return nil, err
	}

	if c.BrokerPort == 0 {
		if c.UseTLS {
			c.BrokerPort = 8883
		} else {
			c.BrokerPort = 1883
		}
	}

	c.TopicPrefix = normalizeTopicPrefix(c.TopicPrefix)
	if err := validateIdentifier("topic_prefix", c.TopicPrefix); err != nil {
		return nil, err
	}

	if !c.UseTLS && (c.Username != "" || c.Password != "") {
		log.Logger.Warn().Msg("config: credentials supplied without TLS; traffic is unencrypted")
	}

	if c.KeepAliveS == 0 {
		c.KeepAliveS = defaultKeepAliveS
	}
	if c.SessionExpiryS == 0 {
		c.SessionExpiryS = defaultSessionExpiryS
	}
	if c.ConnectTimeoutS == 0 {
		c.ConnectTimeoutS = defaultConnectTimeoutS
	}
	if c.SkewMaxFutureMs == 0 {
		c.SkewMaxFutureMs = defaultSkewMaxFutureMs
	}
	if c.TombstoneRetentionH == 0 {
		c.TombstoneRetentionH = defaultTombstoneRetHours
	}
	if c.OfflineQueueCapacity == 0 {
		c.OfflineQueueCapacity = defaultOfflineCapacity
	}
	if c.OfflineQueueMaxAgeDays == 0 {
		c.OfflineQueueMaxAgeDays = defaultOfflineMaxAgeDays
	}
	if c.OfflineMaxRetries == 0 {
		c.OfflineMaxRetries = defaultOfflineMaxRetries
	}
	if c.OfflineBatchSize == 0 {
		c.OfflineBatchSize = defaultOfflineBatchSize
	}
	if c.AntiEntropyPeriodS == 0 {
		c.AntiEntropyPeriodS = defaultAntiEntropyPeriodS
	}
	if c.SyncTimeoutS == 0 {
		c.SyncTimeoutS = defaultSyncTimeoutS
	}
	if (c.Battery == BatteryConfig{}) {
		c.Battery = DefaultBatteryConfig()
	}

	if c.PersistenceEnabled && c.StoragePath == "" {
		return nil, fmt.Errorf("config: storage_path is required when persistence_enabled is true")
	}
	if c.OfflineQueuePath == "" {
		c.OfflineQueuePath = filepath.Join(os.TempDir(), fmt.Sprintf("merklekv-%s-queue.db", c.ClientID))
	}

	return &c, nil
}

func validateIdentifier(field, value string) error {
	if value == "" {
		return fmt.Errorf("config: %s is required", field)
	}
	if len(value) > maxIdentifierLen {
		return fmt.Errorf("config: %s exceeds %d bytes", field, maxIdentifierLen)
	}
	if strings.ContainsAny(value, "/+# \t\n\r") {
		return fmt.Errorf("config: %s must not contain whitespace or MQTT wildcard characters", field)
	}
	return nil
}

func normalizeTopicPrefix(prefix string) string {
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	prefix = strings.TrimSpace(prefix)
	prefix = strings.Trim(prefix, "/")
	for strings.Contains(prefix, "//") {
		prefix = strings.ReplaceAll(prefix, "//", "/")
	}
	return prefix
}

// MarshalJSON renders the configuration without credentials.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	return json.Marshal(alias(c))
}

// ConnectTimeout returns the initial connect deadline as a Duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutS) * time.Second
}

// SyncTimeout returns the anti-entropy round deadline as a Duration.
func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutS) * time.Second
}

// AntiEntropyPeriod returns the anti-entropy cadence as a Duration.
func (c *Config) AntiEntropyPeriod() time.Duration {
	return time.Duration(c.AntiEntropyPeriodS) * time.Second
}

// TombstoneRetention returns the minimum tombstone lifetime as a Duration.
func (c *Config) TombstoneRetention() time.Duration {
	return time.Duration(c.TombstoneRetentionH) * time.Hour
}

// OfflineQueueMaxAge returns the queue item expiry as a Duration.
func (c *Config) OfflineQueueMaxAge() time.Duration {
	return time.Duration(c.OfflineQueueMaxAgeDays) * 24 * time.Hour
}
