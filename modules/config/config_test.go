package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Transport.Replay.Path = "/recordings/desktop.h264"
	return cfg
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deskhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_NeedsRecording(t *testing.T) {
	err := Validate(Default())
	assert.ErrorContains(t, err, "transport.replay.path")

	assert.NoError(t, Validate(validConfig()))
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
instance_id: lab-hub
log:
  level: debug
decoder:
  backends: [software]
  color_matrix: bt601
transport:
  replay:
    path: /tmp/desk.h264
    loop: true
mqtt:
  broker: tcp://localhost:1883
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "lab-hub", cfg.InstanceID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format, "untouched keys keep defaults")
	assert.Equal(t, []string{"software"}, cfg.Decoder.Backends)
	assert.True(t, cfg.Transport.Replay.Loop)
	assert.Equal(t, 30.0, cfg.Transport.Replay.FPS)

	// Derived MQTT defaults.
	assert.Equal(t, "lab-hub", cfg.MQTT.ClientID)
	assert.Equal(t, "deskhub/control/lab-hub", cfg.MQTT.Topics.Control)
	assert.Equal(t, "deskhub/responses/lab-hub", cfg.MQTT.Topics.Responses)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeFile(t, "log: [broken"))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestValidate_Rejects(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"instance_id_pattern", func(c *Config) { c.InstanceID = "Lab Hub" }, "instance_id"},
		{"log_level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"short_jwt_secret", func(c *Config) { c.HTTP.JWTSecret = "short" }, "jwt_secret"},
		{"no_backends", func(c *Config) { c.Decoder.Backends = nil }, "decoder.backends"},
		{"color_matrix", func(c *Config) { c.Decoder.ColorMatrix = "bt2020" }, "color"},
		{"min_above_max", func(c *Config) { c.Session.MinWidth = 10000 }, "max size"},
		{"default_outside_bounds", func(c *Config) { c.Session.DefaultWidth = 100 }, "default size"},
		{"reconnect_intervals", func(c *Config) { c.Session.ReconnectMaxMS = 1 }, "reconnect_initial_ms"},
		{"transport_kind", func(c *Config) { c.Transport.Kind = "rdp" }, "transport.kind"},
		{"replay_fps", func(c *Config) { c.Transport.Replay.FPS = 0 }, "fps"},
		{"mqtt_qos", func(c *Config) { c.MQTT.Broker = "tcp://b:1883"; c.MQTT.QoS = 3 }, "mqtt.qos"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			assert.ErrorContains(t, Validate(cfg), tc.want)
		})
	}
}

func TestFromViper_OverridesFile(t *testing.T) {
	path := writeFile(t, `
http:
  listen: ":9000"
transport:
  replay:
    path: /tmp/a.h264
`)
	t.Setenv("DESKHUB_TRANSPORT_REPLAY_PATH", "/tmp/b.h264")

	v := NewViper()
	v.Set("config", path)
	v.Set("log.level", "warn")

	cfg, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTP.Listen)
	assert.Equal(t, "/tmp/b.h264", cfg.Transport.Replay.Path, "environment beats file")
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestDurations(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "15s", cfg.ConnectTimeout().String())
	assert.Equal(t, "100ms", cfg.ReadTimeout().String())
	assert.Equal(t, "5s", cfg.ShutdownTimeout().String())
}

func TestMerge_SkipsValidation(t *testing.T) {
	v := NewViper()
	v.Set("http.jwt_secret", "0123456789abcdef")

	cfg, err := Merge(v)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", cfg.HTTP.JWTSecret)

	_, err = FromViper(v)
	assert.ErrorContains(t, err, "transport.replay.path")
}
