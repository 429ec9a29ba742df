// Package config loads the grid configuration. Values come from, in
// increasing order of precedence: built-in defaults, a TOML file, SE_*
// environment variables and command line flags.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"

	"github.com/wanmail/selenium-grid"
)

// Config is the configuration of every grid component. Durations are whole
// seconds.
type Config struct {
	Server       ServerConfig       `toml:"server"`
	Node         NodeConfig         `toml:"node"`
	Relay        RelayConfig        `toml:"relay"`
	Distributor  DistributorConfig  `toml:"distributor"`
	SessionQueue SessionQueueConfig `toml:"sessionqueue"`
	Sessions     SessionsConfig     `toml:"sessions"`
	Logging      LoggingConfig      `toml:"logging"`
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Host string `toml:"host" env:"SE_SERVER_HOST"`
	Port int    `toml:"port" env:"SE_SERVER_PORT"`
	// ExternalURL is the address others use to reach this process. It
	// defaults to http://host:port.
	ExternalURL string `toml:"external-url" env:"SE_SERVER_EXTERNAL_URL"`
}

// NodeConfig is a node and its slots.
type NodeConfig struct {
	// Hub is the URL of the router the node registers with.
	Hub             string `toml:"hub" env:"SE_NODE_HUB"`
	MaxSessions     int    `toml:"max-sessions" env:"SE_NODE_MAX_SESSIONS"`
	SessionTimeout  int    `toml:"session-timeout" env:"SE_NODE_SESSION_TIMEOUT"`
	HeartbeatPeriod int    `toml:"heartbeat-period" env:"SE_NODE_HEARTBEAT_PERIOD"`
	// DetectDrivers adds a slot for every driver binary found on the PATH.
	DetectDrivers bool `toml:"detect-drivers" env:"SE_NODE_DETECT_DRIVERS"`
	// FrameBuffer starts the drivers on an Xvfb display.
	FrameBuffer bool           `toml:"frame-buffer" env:"SE_START_XVFB"`
	Drivers     []DriverConfig `toml:"driver-configuration"`
}

// DriverConfig describes slots backed by a local driver binary.
type DriverConfig struct {
	DisplayName string `toml:"display-name"`
	// Stereotype is the JSON object advertised by the slots.
	Stereotype  string `toml:"stereotype"`
	MaxSessions int    `toml:"max-sessions"`
	// Executable is the path of the driver binary. The binary is looked up
	// on the PATH when empty.
	Executable string `toml:"webdriver-executable"`
}

// RelayConfig describes slots backed by a WebDriver endpoint running on its
// own.
type RelayConfig struct {
	URL string `toml:"url" env:"SE_RELAY_URL"`
	// Configs are pairs of slot count and stereotype JSON.
	Configs []string `toml:"configs"`
}

// DistributorConfig tunes the distributor and the scheduler.
type DistributorConfig struct {
	HealthCheckInterval   int  `toml:"healthcheck-interval" env:"SE_DISTRIBUTOR_HEALTHCHECK_INTERVAL"`
	PurgeNodesInterval    int  `toml:"purge-nodes-interval" env:"SE_DISTRIBUTOR_PURGE_NODES_INTERVAL"`
	RejectUnsupportedCaps bool `toml:"reject-unsupported-caps" env:"SE_REJECT_UNSUPPORTED_CAPS"`
	// NewSessionThreadPoolSize is the number of sessions created
	// concurrently.
	NewSessionThreadPoolSize int `toml:"newsession-threadpool-size" env:"SE_NEWSESSION_THREADPOOL_SIZE"`
}

// SessionQueueConfig tunes the new session queue.
type SessionQueueConfig struct {
	RequestTimeout       int `toml:"session-request-timeout" env:"SE_SESSION_REQUEST_TIMEOUT"`
	RetryInterval        int `toml:"session-retry-interval" env:"SE_SESSION_RETRY_INTERVAL"`
	TimeoutCheckInterval int `toml:"session-request-timeout-period" env:"SE_SESSION_REQUEST_TIMEOUT_PERIOD"`
	BatchSize            int `toml:"batch-size" env:"SE_SESSION_QUEUE_BATCH_SIZE"`
}

// SessionsConfig selects the session map.
type SessionsConfig struct {
	// Implementation is "local" or "redis".
	Implementation string `toml:"implementation" env:"SE_SESSIONS_IMPLEMENTATION"`
	RedisAddr      string `toml:"redis-addr" env:"SE_REDIS_ADDR"`
	RedisPassword  string `toml:"redis-password" env:"SE_REDIS_PASSWORD"`
	RedisDB        int    `toml:"redis-db" env:"SE_REDIS_DB"`
	RedisKeyPrefix string `toml:"redis-key-prefix" env:"SE_REDIS_KEY_PREFIX"`
	// RedisSessionTTL, in seconds, expires entries that were not read for
	// that long. Zero keeps them until the session is closed.
	RedisSessionTTL int `toml:"redis-session-ttl" env:"SE_REDIS_SESSION_TTL"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `toml:"log-level" env:"SE_LOG_LEVEL"`
	File  string `toml:"log-file" env:"SE_LOG_FILE"`
	// Encoding is "console" or "json".
	Encoding string `toml:"log-encoding" env:"SE_LOG_ENCODING"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 4444},
		Node: NodeConfig{
			Hub:             "http://localhost:4444",
			MaxSessions:     1,
			SessionTimeout:  300,
			HeartbeatPeriod: 60,
			DetectDrivers:   true,
		},
		Distributor: DistributorConfig{
			HealthCheckInterval:      120,
			PurgeNodesInterval:       30,
			NewSessionThreadPoolSize: 4,
		},
		SessionQueue: SessionQueueConfig{
			RequestTimeout:       300,
			RetryInterval:        15,
			TimeoutCheckInterval: 10,
			BatchSize:            1,
		},
		Sessions: SessionsConfig{Implementation: "local"},
		Logging:  LoggingConfig{Level: "info", Encoding: "console"},
	}
}

// Flags are command line values by TOML section and key, e.g.
// {"node": {"max-sessions": 4}}.
type Flags map[string]map[string]interface{}

// Load builds the configuration from the TOML file at path, if any, the
// environment and flags.
func Load(path string, flags Flags) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if err := checkUndecoded(md); err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if err := cfg.apply(flags); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func checkUndecoded(md toml.MetaData) error {
	keys := md.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	var names []string
	for _, k := range keys {
		names = append(names, k.String())
	}
	sort.Strings(names)
	return fmt.Errorf("unknown keys: %s", strings.Join(names, ", "))
}

// apply overlays the flags by encoding them as TOML, so that they go through
// the same decoding as the file.
func (c *Config) apply(flags Flags) error {
	if len(flags) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(flags); err != nil {
		return fmt.Errorf("encoding flags: %w", err)
	}
	md, err := toml.NewDecoder(&buf).Decode(c)
	if err != nil {
		return fmt.Errorf("applying flags: %w", err)
	}
	return checkUndecoded(md)
}

// Validate checks values that would make a component misbehave.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d is out of range", c.Server.Port)
	}
	if c.Node.MaxSessions < 1 {
		return fmt.Errorf("node max-sessions must be positive, got %d", c.Node.MaxSessions)
	}
	switch c.Sessions.Implementation {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown sessions implementation %q", c.Sessions.Implementation)
	}
	if c.Sessions.RedisSessionTTL < 0 {
		return fmt.Errorf("redis-session-ttl must not be negative, got %d", c.Sessions.RedisSessionTTL)
	}
	switch c.Logging.Encoding {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log encoding %q", c.Logging.Encoding)
	}
	for _, d := range c.Node.Drivers {
		if _, err := d.Capabilities(); err != nil {
			return err
		}
	}
	if _, err := c.Relay.Slots(); err != nil {
		return err
	}
	return nil
}

// ExternalURL returns the address of the server as seen by others.
func (c *Config) ExternalURL() string {
	if c.Server.ExternalURL != "" {
		return strings.TrimSuffix(c.Server.ExternalURL, "/")
	}
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Server.Port)
}

// Seconds converts a configuration value to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Capabilities parses the stereotype. A driver without one advertises its
// display name as browser name.
func (d DriverConfig) Capabilities() (selenium.Capabilities, error) {
	if d.Stereotype == "" {
		if d.DisplayName == "" {
			return nil, errors.New("driver configuration needs a stereotype or a display name")
		}
		return selenium.Capabilities{selenium.BrowserNameCapability: strings.ToLower(d.DisplayName)}, nil
	}
	var caps selenium.Capabilities
	if err := json.Unmarshal([]byte(d.Stereotype), &caps); err != nil {
		return nil, fmt.Errorf("stereotype of driver %q: %w", d.DisplayName, err)
	}
	if caps.BrowserName() == "" {
		return nil, fmt.Errorf("stereotype of driver %q has no browserName", d.DisplayName)
	}
	return caps, nil
}

// RelaySlots is a stereotype served by the relayed endpoint.
type RelaySlots struct {
	Count      int
	Stereotype selenium.Capabilities
}

// Slots parses the relay configs.
func (r RelayConfig) Slots() ([]RelaySlots, error) {
	if len(r.Configs)%2 != 0 {
		return nil, errors.New("relay configs must be pairs of slot count and stereotype")
	}
	if len(r.Configs) > 0 && r.URL == "" {
		return nil, errors.New("relay configs need a relay url")
	}
	var out []RelaySlots
	for i := 0; i < len(r.Configs); i += 2 {
		n, err := strconv.Atoi(r.Configs[i])
		if err != nil || n < 1 {
			return nil, fmt.Errorf("relay slot count %q is not a positive number", r.Configs[i])
		}
		var caps selenium.Capabilities
		if err := json.Unmarshal([]byte(r.Configs[i+1]), &caps); err != nil {
			return nil, fmt.Errorf("relay stereotype %q: %w", r.Configs[i+1], err)
		}
		out = append(out, RelaySlots{Count: n, Stereotype: caps})
	}
	return out, nil
}
