package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: DESKHUB_HTTP_LISTEN sets
// http.listen.
const EnvPrefix = "DESKHUB"

// NewViper returns a viper instance reading DESKHUB_* variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// FromViper builds and validates the configuration: defaults, then the YAML
// file named by the "config" key, then every override key set in v.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg, err := Merge(v)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Merge is FromViper without validation, for commands that only need part
// of the configuration.
func Merge(v *viper.Viper) (*Config, error) {
	cfg := Default()

	if path := v.GetString("config"); path != "" {
		if err := decodeFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyOverrides(cfg, v)
	return cfg, nil
}

// applyOverrides copies keys explicitly set through flags or environment.
func applyOverrides(cfg *Config, v *viper.Viper) {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}

	str("instance_id", &cfg.InstanceID)
	str("log.level", &cfg.Log.Level)
	str("log.format", &cfg.Log.Format)
	str("http.listen", &cfg.HTTP.Listen)
	str("http.jwt_secret", &cfg.HTTP.JWTSecret)
	str("http.screenshot_dir", &cfg.HTTP.ScreenshotDir)
	str("decoder.color_matrix", &cfg.Decoder.ColorMatrix)
	str("decoder.color_range", &cfg.Decoder.ColorRange)
	str("transport.replay.path", &cfg.Transport.Replay.Path)
	str("redis.address", &cfg.Redis.Address)
	str("mqtt.broker", &cfg.MQTT.Broker)
	num("session.connect_timeout_s", &cfg.Session.ConnectTimeoutS)

	if v.IsSet("decoder.backends") {
		cfg.Decoder.Backends = v.GetStringSlice("decoder.backends")
	}
	if v.IsSet("transport.replay.fps") {
		cfg.Transport.Replay.FPS = v.GetFloat64("transport.replay.fps")
	}
	if v.IsSet("transport.replay.loop") {
		cfg.Transport.Replay.Loop = v.GetBool("transport.replay.loop")
	}
}
