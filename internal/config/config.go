// Package config handles Shelfwatch configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/shelfwatch/config.yaml, /etc/shelfwatch/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "shelfwatch", "config.yaml"))
	}

	paths = append(paths, "/etc/shelfwatch/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Framing values accepted by broker.framing.
const (
	FramingSocketIO = "socketio"
	FramingRaw      = "raw"
)

// Config holds all Shelfwatch configuration.
type Config struct {
	// UnitID identifies the storage unit. It is substituted into the
	// default sensor topics and sent as the unitId query parameter.
	UnitID    string         `yaml:"unit_id"`
	Broker    BrokerConfig   `yaml:"broker"`
	Snapshot  SnapshotConfig `yaml:"snapshot"`
	Topics    TopicsConfig   `yaml:"topics"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	History   HistoryConfig  `yaml:"history"`
	Listen    ListenConfig   `yaml:"listen"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text (default) or json
}

// BrokerConfig defines the persistent websocket connection to the
// message broker.
type BrokerConfig struct {
	URL     string `yaml:"url"`
	Framing string `yaml:"framing"` // socketio (default) or raw
	// Event is the Socket.IO event name carrying sensor frames.
	Event string `yaml:"event"`
	// Reconnection enables the fixed-delay reconnect policy. Nil means
	// the default (enabled).
	Reconnection         *bool `yaml:"reconnection"`
	MaxReconnectAttempts int   `yaml:"max_reconnect_attempts"`
	ReconnectDelayMs     int   `yaml:"reconnect_delay_ms"`
	HandshakeTimeoutSec  int   `yaml:"handshake_timeout_sec"`
}

// Configured reports whether a broker URL is set.
func (b BrokerConfig) Configured() bool {
	return b.URL != ""
}

// ReconnectionEnabled reports the effective reconnection setting.
func (b BrokerConfig) ReconnectionEnabled() bool {
	return b.Reconnection == nil || *b.Reconnection
}

// ReconnectDelay returns the fixed delay between reconnect attempts.
func (b BrokerConfig) ReconnectDelay() time.Duration {
	return time.Duration(b.ReconnectDelayMs) * time.Millisecond
}

// HandshakeTimeout returns the websocket handshake timeout.
func (b BrokerConfig) HandshakeTimeout() time.Duration {
	return time.Duration(b.HandshakeTimeoutSec) * time.Second
}

// SnapshotConfig defines the REST snapshot endpoint polled as a
// fallback to the broker.
type SnapshotConfig struct {
	BaseURL     string `yaml:"base_url"`
	Path        string `yaml:"path"`
	IntervalSec int    `yaml:"interval_sec"`
	TimeoutSec  int    `yaml:"timeout_sec"`
	// InsecureSkipVerify disables TLS certificate checks for
	// self-signed hubs.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Configured reports whether a snapshot base URL is set.
func (s SnapshotConfig) Configured() bool {
	return s.BaseURL != ""
}

// Interval returns the poll interval.
func (s SnapshotConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSec) * time.Second
}

// Timeout returns the per-request timeout.
func (s SnapshotConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

// TopicsConfig names the broker topic carrying each signal.
type TopicsConfig struct {
	Proximity1  string `yaml:"proximity1"`
	Proximity2  string `yaml:"proximity2"`
	Temperature string `yaml:"temperature"`
	Humidity    string `yaml:"humidity"`
}

// MQTTConfig defines the optional direct MQTT connection. When
// Broker is empty the bridge and publisher are disabled.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
	// Subscriptions are topic filters fed into the topic registry.
	// Defaults to the four sensor topics.
	Subscriptions []string `yaml:"subscriptions"`
	// RateLimit caps inbound messages per second; excess is dropped.
	RateLimit int `yaml:"rate_limit"`
	// Publish enables Home Assistant discovery and occupancy state
	// publishing.
	Publish         bool   `yaml:"publish"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	DeviceName      string `yaml:"device_name"`
}

// Configured reports whether an MQTT broker is set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// HistoryConfig sizes the in-memory window of slot transitions.
type HistoryConfig struct {
	MaxEntries int `yaml:"max_entries"`
	MaxAgeMin  int `yaml:"max_age_min"`
	// Timezone is an IANA name for text timestamps. Empty means local.
	Timezone string `yaml:"timezone"`
}

// MaxAge returns the oldest transition age kept in the window.
func (h HistoryConfig) MaxAge() time.Duration {
	return time.Duration(h.MaxAgeMin) * time.Minute
}

// Location resolves Timezone. Validate rejects unknown names, so the
// error only matters for unvalidated configs.
func (h HistoryConfig) Location() (*time.Location, error) {
	if h.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(h.Timezone)
}

// ListenConfig defines the status API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // 0 disables the status server
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// endpoints set.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.UnitID == "" {
		c.UnitID = "1"
	}

	if c.Broker.Framing == "" {
		c.Broker.Framing = FramingSocketIO
	}
	if c.Broker.Event == "" {
		c.Broker.Event = "mqtt-message"
	}
	if c.Broker.MaxReconnectAttempts <= 0 {
		c.Broker.MaxReconnectAttempts = 5
	}
	if c.Broker.ReconnectDelayMs <= 0 {
		c.Broker.ReconnectDelayMs = 1000
	}
	if c.Broker.HandshakeTimeoutSec <= 0 {
		c.Broker.HandshakeTimeoutSec = 10
	}

	if c.Snapshot.Path == "" {
		c.Snapshot.Path = "/api/mongodb/readings/proximity"
	}
	if c.Snapshot.IntervalSec <= 0 {
		c.Snapshot.IntervalSec = 300
	}
	if c.Snapshot.TimeoutSec <= 0 {
		c.Snapshot.TimeoutSec = 15
	}

	base := "warehouse/unit/" + c.UnitID + "/sensor/"
	if c.Topics.Proximity1 == "" {
		c.Topics.Proximity1 = base + "proximity1"
	}
	if c.Topics.Proximity2 == "" {
		c.Topics.Proximity2 = base + "proximity2"
	}
	if c.Topics.Temperature == "" {
		c.Topics.Temperature = base + "temperature"
	}
	if c.Topics.Humidity == "" {
		c.Topics.Humidity = base + "humidity"
	}

	if len(c.MQTT.Subscriptions) == 0 {
		c.MQTT.Subscriptions = []string{
			c.Topics.Proximity1,
			c.Topics.Proximity2,
			c.Topics.Temperature,
			c.Topics.Humidity,
		}
	}
	if c.MQTT.RateLimit <= 0 {
		c.MQTT.RateLimit = 100
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "shelfwatch-unit-" + c.UnitID
	}

	if c.History.MaxEntries <= 0 {
		c.History.MaxEntries = 50
	}
	if c.History.MaxAgeMin <= 0 {
		c.History.MaxAgeMin = 24 * 60
	}

	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports configuration errors that would prevent startup.
// At least one signal source must be configured.
func (c *Config) Validate() error {
	var errs []error

	if !c.Broker.Configured() && !c.Snapshot.Configured() && !c.MQTT.Configured() {
		errs = append(errs, errors.New("no signal source configured (set broker.url, snapshot.base_url or mqtt.broker)"))
	}
	switch c.Broker.Framing {
	case FramingSocketIO, FramingRaw:
	default:
		errs = append(errs, fmt.Errorf("broker.framing %q is not one of %s, %s", c.Broker.Framing, FramingSocketIO, FramingRaw))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not text or json", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.History.Location(); err != nil {
		errs = append(errs, fmt.Errorf("history.timezone: %w", err))
	}

	return errors.Join(errs...)
}
