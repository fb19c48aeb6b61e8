// Package config handles direct4me-bridge configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [Config.applyDefaults].
const (
	DefaultDeviceID        = "HomeAssistant"
	DefaultUpdateInterval  = "01:00:00"
	DefaultAPIURL          = "https://api.direct4.me/MobileApp/v3/api"
	DefaultMainURL         = "https://api.direct4.me/main/v1"
	DefaultDataDir         = "./db"
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultMQTTDeviceName  = "direct4me"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/direct4me/config.yaml, /etc/direct4me/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "direct4me", "config.yaml"))
	}

	paths = append(paths, "/etc/direct4me/config.yaml")
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

// Config holds all bridge configuration.
type Config struct {
	Direct4me     Direct4meConfig     `yaml:"direct4me"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text (default) or json
}

// Direct4meConfig holds the vendor account and polling settings.
type Direct4meConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DeviceID string `yaml:"device_id"`

	// UpdateInterval is a time-of-day formatted duration ("hh:mm:ss").
	UpdateInterval string `yaml:"update_interval"`

	// APIURL and MainURL override the vendor endpoints. Mostly useful
	// for tests and for pointing at a recording proxy.
	APIURL  string `yaml:"api_url"`
	MainURL string `yaml:"main_url"`
}

// Interval returns the parsed polling interval.
func (c Direct4meConfig) Interval() (time.Duration, error) {
	return ParseInterval(c.UpdateInterval)
}

// MQTTConfig defines the optional MQTT discovery publisher.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// HomeAssistantConfig defines HA REST connection settings used to push
// sensor states directly via /api/states.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Configured reports whether both URL and token are set.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// InfluxDBConfig defines the optional delivery history sink.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// Load reads configuration from a YAML file. A .env file next to the
// config (if present) is loaded into the process environment first so
// credentials can be kept out of the YAML and referenced as ${VAR}.
// Variables already set in the environment take precedence.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// applyDefaults fills zero-value fields with their documented defaults.
func (c *Config) applyDefaults() {
	if c.Direct4me.DeviceID == "" {
		c.Direct4me.DeviceID = DefaultDeviceID
	}
	if c.Direct4me.UpdateInterval == "" {
		c.Direct4me.UpdateInterval = DefaultUpdateInterval
	}
	if c.Direct4me.APIURL == "" {
		c.Direct4me.APIURL = DefaultAPIURL
	}
	if c.Direct4me.MainURL == "" {
		c.Direct4me.MainURL = DefaultMainURL
	}
	c.Direct4me.APIURL = strings.TrimRight(c.Direct4me.APIURL, "/")
	c.Direct4me.MainURL = strings.TrimRight(c.Direct4me.MainURL, "/")

	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = DefaultMQTTDeviceName
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	c.HomeAssistant.URL = strings.TrimRight(c.HomeAssistant.URL, "/")
	if c.InfluxDB.BatchSize <= 0 {
		c.InfluxDB.BatchSize = 100
	}
	if c.InfluxDB.FlushInterval <= 0 {
		c.InfluxDB.FlushInterval = 10
	}
}

// Validate checks the configuration for required fields and malformed
// values. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Direct4me.Username == "" {
		errs = append(errs, errors.New("direct4me.username is required"))
	}
	if c.Direct4me.Password == "" {
		errs = append(errs, errors.New("direct4me.password is required"))
	}
	if _, err := c.Direct4me.Interval(); err != nil {
		errs = append(errs, fmt.Errorf("direct4me.update_interval: %w", err))
	}
	for name, raw := range map[string]string{
		"direct4me.api_url":  c.Direct4me.APIURL,
		"direct4me.main_url": c.Direct4me.MainURL,
	} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: invalid URL %q", name, raw))
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format: %q (expected text or json)", c.LogFormat))
	}
	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("mqtt.broker: invalid URL %q", c.MQTT.Broker))
		}
	}
	if (c.HomeAssistant.URL == "") != (c.HomeAssistant.Token == "") {
		errs = append(errs, errors.New("homeassistant: url and token must be set together"))
	}
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, errors.New("influxdb: url, org and bucket are required when enabled"))
		}
	}

	return errors.Join(errs...)
}

// ParseInterval converts a time-of-day formatted duration ("hh:mm:ss" or
// "hh:mm") into a [time.Duration]. Hours are limited to 0-23 like a wall
// clock time, so the longest interval is 23:59:59. A zero interval is
// rejected.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)

	var t time.Time
	var err error
	for _, layout := range []string{"15:04:05", "15:04"} {
		t, err = time.Parse(layout, s)
		if err == nil {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("invalid time format %q, expected hh:mm:ss", s)
	}

	d := time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be greater than zero", s)
	}
	return d, nil
}
