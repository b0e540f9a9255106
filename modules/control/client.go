package control

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/config"
)

// Connect dials the broker with auto-reconnect enabled.
func Connect(ctx context.Context, cfg config.MQTTConfig) (mqtt.Client, error) {
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("control: mqtt connection established",
			"broker", broker,
			"client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("control: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", broker)
	}

	client := mqtt.NewClient(opts)
	slog.Info("control: connecting to mqtt broker", "broker", broker)

	if err := awaitConnect(ctx, client, connectTimeout); err != nil {
		return nil, err
	}
	return client, nil
}

const connectTimeout = 5 * time.Second

// awaitConnect waits for the first connection. On failure the client is
// disconnected so its connect-retry loop stops.
func awaitConnect(ctx context.Context, client mqtt.Client, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	token := client.Connect()
	var err error
	select {
	case <-token.Done():
		if terr := token.Error(); terr != nil {
			err = fmt.Errorf("control: mqtt connection failed: %w", terr)
		}
	case <-timer.C:
		err = fmt.Errorf("control: mqtt connection timeout")
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		client.Disconnect(0)
	}
	return err
}

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// ClientPublisher publishes through an MQTT client at a fixed QoS.
type ClientPublisher struct {
	Client mqtt.Client
	QoS    byte
}

// Publish implements Publisher.
func (p ClientPublisher) Publish(topic string, payload []byte) error {
	token := p.Client.Publish(topic, p.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}
