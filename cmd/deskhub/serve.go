package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/config"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/control"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/gateway"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/registry"
)

const statusInterval = 10 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session hub",
		Long: `Run the session hub: the HTTP/websocket gateway, the optional Redis
session mirror and the optional MQTT control plane.`,
		Example: `  deskhub serve --config deskhub.yaml
  deskhub serve --recording desk.h264 --loop --backends software
  DESKHUB_HTTP_JWT_SECRET=... deskhub serve --config deskhub.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.String("listen", "", "HTTP listen address (default :8090)")
	f.String("recording", "", "Annex-B H.264 recording played by the replay transport")
	f.Bool("loop", false, "restart the recording at end of file")
	f.Float64("fps", 0, "recording playback rate (default 30)")
	f.StringSlice("backends", nil, "decoder fallback order (gstreamer, hardware, software)")
	f.String("jwt-secret", "", "HMAC secret enabling token auth")
	f.String("redis", "", "Redis address for the session mirror")
	f.String("mqtt", "", "MQTT broker for the control plane")
	bindFlags(v, cmd, map[string]string{
		"http.listen":           "listen",
		"transport.replay.path": "recording",
		"transport.replay.loop": "loop",
		"transport.replay.fps":  "fps",
		"decoder.backends":      "backends",
		"http.jwt_secret":       "jwt-secret",
		"redis.address":         "redis",
		"mqtt.broker":           "mqtt",
	})
	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logs, err := setupLogging(cfg, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var mirror registry.Mirror
	if cfg.Redis.Address != "" {
		client, err := registry.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		ttl := time.Duration(cfg.Redis.TTLS) * time.Second
		mirror = registry.NewRedisMirror(client, cfg.Redis.KeyPrefix, cfg.Redis.Channel, ttl)
	}

	reg, err := newRegistry(cfg, logs, mirror)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		if err := reg.Shutdown(sctx); err != nil {
			slog.Warn("deskhub: sessions did not stop in time", "error", err)
		}
	}()

	if mirror != nil {
		go reg.RunMirror(ctx, time.Duration(cfg.Redis.TTLS)*time.Second/2)
	}

	if cfg.MQTT.Broker != "" {
		client, err := control.Connect(ctx, cfg.MQTT)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)

		h := control.NewHandler(reg, control.ClientPublisher{Client: client, QoS: cfg.MQTT.QoS},
			cfg.InstanceID, cfg.MQTT.Topics)
		h.ConnectTimeout = cfg.ConnectTimeout() * 2
		if err := h.Start(ctx, client, cfg.MQTT.QoS); err != nil {
			return err
		}
		go h.RunStatus(ctx, statusInterval)
	}

	srv := gateway.New(reg, gateway.Config{
		JWTSecret:    cfg.HTTP.JWTSecret,
		TokenParam:   cfg.HTTP.TokenParam,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutS) * time.Second,
	})

	slog.Info("deskhub: starting",
		"instance_id", cfg.InstanceID,
		"version", version,
		"listen", cfg.HTTP.Listen,
		"backends", cfg.Decoder.Backends,
		"recording", cfg.Transport.Replay.Path,
		"auth", cfg.HTTP.JWTSecret != "",
		"redis", cfg.Redis.Address != "",
		"mqtt", cfg.MQTT.Broker != "",
	)

	if err := srv.ListenAndServe(ctx, cfg.HTTP.Listen, cfg.ShutdownTimeout()); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	slog.Info("deskhub: stopped")
	return nil
}
