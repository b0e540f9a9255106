// Package config loads the deskhub configuration.
//
// The file is YAML. Flags and DESKHUB_* environment variables bound through
// viper override individual keys on top of the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete deskhub configuration.
type Config struct {
	InstanceID       string `yaml:"instance_id"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"` // graceful shutdown timeout (default: 5)

	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
	Decoder   DecoderConfig   `yaml:"decoder"`
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Redis     RedisConfig     `yaml:"redis"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level         string `yaml:"level"`          // debug, info, warn, error
	Format        string `yaml:"format"`         // text, json
	BufferEntries int    `yaml:"buffer_entries"` // entries served by /logs (default: 1000)
}

// HTTPConfig configures the gateway.
type HTTPConfig struct {
	Listen        string `yaml:"listen"`
	JWTSecret     string `yaml:"jwt_secret"`      // empty disables auth
	TokenParam    string `yaml:"token_param"`     // query parameter for websocket tokens
	ScreenshotDir string `yaml:"screenshot_dir"`  // relative screenshot paths resolve here
	WriteTimeoutS int    `yaml:"write_timeout_s"` // websocket frame write deadline
}

// DecoderConfig configures decoder backends.
type DecoderConfig struct {
	Backends     []string `yaml:"backends"`     // fallback order
	ColorMatrix  string   `yaml:"color_matrix"` // bt709, bt601
	ColorRange   string   `yaml:"color_range"`  // limited, full
	PoolCapacity int      `yaml:"pool_capacity"`
}

// SessionConfig holds per-session policy.
type SessionConfig struct {
	ConnectTimeoutS int `yaml:"connect_timeout_s"`
	ReadTimeoutMS   int `yaml:"read_timeout_ms"` // idle poll, bounds command latency

	DefaultWidth  int `yaml:"default_width"`
	DefaultHeight int `yaml:"default_height"`
	MinWidth      int `yaml:"min_width"`
	MinHeight     int `yaml:"min_height"`
	MaxWidth      int `yaml:"max_width"`
	MaxHeight     int `yaml:"max_height"`

	ReconnectMaxRetries int `yaml:"reconnect_max_retries"`
	ReconnectInitialMS  int `yaml:"reconnect_initial_ms"`
	ReconnectMaxMS      int `yaml:"reconnect_max_ms"`
}

// TransportConfig selects the wire transport.
type TransportConfig struct {
	Kind   string       `yaml:"kind"` // replay
	Replay ReplayConfig `yaml:"replay"`
}

// ReplayConfig configures the recording transport.
type ReplayConfig struct {
	Path string  `yaml:"path"`
	FPS  float64 `yaml:"fps"`
	Loop bool    `yaml:"loop"`
}

// RedisConfig enables the session mirror. Empty Address disables it.
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	Channel   string `yaml:"channel"`
	TTLS      int    `yaml:"ttl_s"`
}

// MQTTConfig enables the control plane. Empty Broker disables it.
type MQTTConfig struct {
	Broker   string     `yaml:"broker"`
	ClientID string     `yaml:"client_id"`
	Topics   MQTTTopics `yaml:"topics"`
	QoS      byte       `yaml:"qos"`
}

// MQTTTopics contains topic names.
type MQTTTopics struct {
	Control   string `yaml:"control"`
	Responses string `yaml:"responses"`
	Events    string `yaml:"events"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		InstanceID:       "deskhub",
		ShutdownTimeoutS: 5,
		Log: LogConfig{
			Level:         "info",
			Format:        "text",
			BufferEntries: 1000,
		},
		HTTP: HTTPConfig{
			Listen:        ":8090",
			TokenParam:    "token",
			ScreenshotDir: ".",
			WriteTimeoutS: 5,
		},
		Decoder: DecoderConfig{
			Backends:    []string{"gstreamer", "software"},
			ColorMatrix: "bt709",
			ColorRange:  "limited",
		},
		Session: SessionConfig{
			ConnectTimeoutS:     15,
			ReadTimeoutMS:       100,
			DefaultWidth:        1920,
			DefaultHeight:       1080,
			MinWidth:            200,
			MinHeight:           200,
			MaxWidth:            8192,
			MaxHeight:           8192,
			ReconnectMaxRetries: 5,
			ReconnectInitialMS:  500,
			ReconnectMaxMS:      10000,
		},
		Transport: TransportConfig{
			Kind:   "replay",
			Replay: ReplayConfig{FPS: 30},
		},
		Redis: RedisConfig{
			KeyPrefix: "deskhub:session:",
			Channel:   "deskhub:sessions",
			TTLS:      60,
		},
		MQTT: MQTTConfig{QoS: 1},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := decodeFile(cfg, path); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decodeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// ConnectTimeout returns Session.ConnectTimeoutS as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Session.ConnectTimeoutS) * time.Second
}

// ReadTimeout returns Session.ReadTimeoutMS as a duration.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Session.ReadTimeoutMS) * time.Millisecond
}

// ShutdownTimeout returns ShutdownTimeoutS as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}
