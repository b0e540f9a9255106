package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/decoder"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks cfg and fills derived defaults.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return errors.New("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return errors.New("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn or error", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", cfg.Log.Format)
	}
	if cfg.Log.BufferEntries <= 0 {
		cfg.Log.BufferEntries = 1000
	}

	if cfg.HTTP.Listen == "" {
		return errors.New("http.listen is required")
	}
	if cfg.HTTP.JWTSecret != "" && len(cfg.HTTP.JWTSecret) < 16 {
		return errors.New("http.jwt_secret must be at least 16 characters when set")
	}
	if cfg.HTTP.TokenParam == "" {
		cfg.HTTP.TokenParam = "token"
	}
	if cfg.HTTP.WriteTimeoutS <= 0 {
		cfg.HTTP.WriteTimeoutS = 5
	}

	if len(cfg.Decoder.Backends) == 0 {
		return errors.New("decoder.backends must list at least one backend")
	}
	if _, err := decoder.ParseColorSpace(cfg.Decoder.ColorMatrix, cfg.Decoder.ColorRange); err != nil {
		return fmt.Errorf("decoder color space: %w", err)
	}
	if cfg.Decoder.PoolCapacity < 0 {
		return errors.New("decoder.pool_capacity must be >= 0")
	}

	if err := validateSession(&cfg.Session); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	switch cfg.Transport.Kind {
	case "replay":
		if cfg.Transport.Replay.Path == "" {
			return errors.New("transport.replay.path is required for the replay transport")
		}
		if cfg.Transport.Replay.FPS <= 0 || cfg.Transport.Replay.FPS > 240 {
			return fmt.Errorf("transport.replay.fps %.2f must be in (0, 240]", cfg.Transport.Replay.FPS)
		}
	default:
		return fmt.Errorf("unknown transport.kind %q (must be 'replay')", cfg.Transport.Kind)
	}

	if cfg.Redis.Address != "" {
		if cfg.Redis.KeyPrefix == "" {
			cfg.Redis.KeyPrefix = "deskhub:session:"
		}
		if cfg.Redis.Channel == "" {
			cfg.Redis.Channel = "deskhub:sessions"
		}
		if cfg.Redis.TTLS <= 0 {
			cfg.Redis.TTLS = 60
		}
	}

	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", cfg.MQTT.QoS)
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = cfg.InstanceID
		}
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("deskhub/control/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Responses == "" {
			cfg.MQTT.Topics.Responses = fmt.Sprintf("deskhub/responses/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Events == "" {
			cfg.MQTT.Topics.Events = fmt.Sprintf("deskhub/events/%s", cfg.InstanceID)
		}
	}

	return nil
}

func validateSession(s *SessionConfig) error {
	if s.ConnectTimeoutS <= 0 {
		return errors.New("connect_timeout_s must be > 0")
	}
	if s.ReadTimeoutMS <= 0 {
		return errors.New("read_timeout_ms must be > 0")
	}
	if s.MinWidth <= 0 || s.MinHeight <= 0 {
		return errors.New("min_width and min_height must be > 0")
	}
	if s.MaxWidth < s.MinWidth || s.MaxHeight < s.MinHeight {
		return fmt.Errorf("max size %dx%d is below min size %dx%d",
			s.MaxWidth, s.MaxHeight, s.MinWidth, s.MinHeight)
	}
	if s.DefaultWidth < s.MinWidth || s.DefaultWidth > s.MaxWidth ||
		s.DefaultHeight < s.MinHeight || s.DefaultHeight > s.MaxHeight {
		return fmt.Errorf("default size %dx%d is outside %dx%d..%dx%d",
			s.DefaultWidth, s.DefaultHeight, s.MinWidth, s.MinHeight, s.MaxWidth, s.MaxHeight)
	}
	if s.ReconnectMaxRetries < 0 {
		return errors.New("reconnect_max_retries must be >= 0")
	}
	if s.ReconnectInitialMS <= 0 || s.ReconnectMaxMS < s.ReconnectInitialMS {
		return errors.New("reconnect_initial_ms must be > 0 and <= reconnect_max_ms")
	}
	return nil
}
