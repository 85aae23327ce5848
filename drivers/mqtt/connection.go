package mqtt

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/timzifer/pulseinj/config"
)

const defaultConnectTimeout = 10 * time.Second

// statusTopic carries the retained availability of the controller.
func statusTopic(base string) string {
	return base + "/status"
}

// buildClient constructs a configured MQTT client and establishes the initial
// connection. The broker is told to publish "offline" on the status topic
// when the connection drops; "online" is published on every connect.
func buildClient(cfg config.MQTTSinkConfig, logger zerolog.Logger) (mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker address is required")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	timeout := cfg.ConnectTimeout.Duration
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(timeout)
	opts.SetAutoReconnect(true)
	opts.SetWill(statusTopic(cfg.Topic), "offline", cfg.QoS, true)

	opts.OnConnect = func(client mqtt.Client) {
		client.Publish(statusTopic(cfg.Topic), cfg.QoS, true, "online")
		logger.Info().Str("broker", cfg.Broker).Msg("mqtt: connected")
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("mqtt: connection lost")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info().Msg("mqtt: reconnecting")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt: connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect failed: %w", err)
	}
	return client, nil
}
