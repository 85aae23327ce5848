// Package mqtt publishes pulse edges to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/timzifer/pulseinj/config"
	"github.com/timzifer/pulseinj/runtime/sinks"
)

// publisher is the subset of mqtt.Client used by the sink.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// EdgePayload is the JSON document published for every edge.
type EdgePayload struct {
	Tick   uint64    `json:"tick"`
	Time   time.Time `json:"time"`
	Line   string    `json:"line"`
	Level  int       `json:"level"`
	Rising bool      `json:"rising"`
	Mode   string    `json:"mode"`
}

// EncodeEdge renders an edge as JSON.
func EncodeEdge(edge sinks.Edge) ([]byte, error) {
	level := 0
	if edge.Rising {
		level = 1
	}
	return json.Marshal(EdgePayload{
		Tick:   edge.Tick,
		Time:   edge.Time.UTC(),
		Line:   string(edge.Line),
		Level:  level,
		Rising: edge.Rising,
		Mode:   edge.Mode.String(),
	})
}

// NewSinkFactory returns a sinks.Factory that connects to the configured
// broker and publishes edges to <topic>/<line>.
func NewSinkFactory() sinks.Factory {
	return func(cfg config.SinkConfig, deps sinks.Dependencies) (sinks.Sink, error) {
		settings, err := validate(cfg)
		if err != nil {
			return nil, err
		}
		logger := deps.Logger.With().Str("sink", cfg.ID).Logger()
		client, err := buildClient(settings, logger)
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", cfg.ID, err)
		}
		return newSink(cfg.ID, settings, client, logger), nil
	}
}

func validate(cfg config.SinkConfig) (config.MQTTSinkConfig, error) {
	if cfg.ID == "" {
		return config.MQTTSinkConfig{}, errors.New("sink id must not be empty")
	}
	if cfg.MQTT == nil {
		return config.MQTTSinkConfig{}, fmt.Errorf("sink %s: mqtt settings missing", cfg.ID)
	}
	settings := *cfg.MQTT
	settings.Topic = strings.TrimRight(strings.TrimSpace(settings.Topic), "/")
	if settings.Topic == "" {
		return config.MQTTSinkConfig{}, fmt.Errorf("sink %s: topic is required", cfg.ID)
	}
	if strings.ContainsAny(settings.Topic, "+#") {
		return config.MQTTSinkConfig{}, fmt.Errorf("sink %s: topic must not contain wildcards", cfg.ID)
	}
	if settings.QoS > 2 {
		return config.MQTTSinkConfig{}, fmt.Errorf("sink %s: qos %d out of range", cfg.ID, settings.QoS)
	}
	return settings, nil
}

type sink struct {
	id       string
	settings config.MQTTSinkConfig
	client   publisher
	logger   zerolog.Logger

	pending sync.WaitGroup
	failed  atomic.Uint64
}

func newSink(id string, settings config.MQTTSinkConfig, client publisher, logger zerolog.Logger) *sink {
	return &sink{id: id, settings: settings, client: client, logger: logger}
}

func (s *sink) ID() string { return s.id }

// Publish hands the edge to the client without waiting for the broker.
// Delivery failures are logged and counted when the token completes.
func (s *sink) Publish(edge sinks.Edge) error {
	if s.settings.RisingOnly && !edge.Rising {
		return nil
	}
	payload, err := EncodeEdge(edge)
	if err != nil {
		return fmt.Errorf("mqtt: encode edge: %w", err)
	}
	topic := s.settings.Topic + "/" + string(edge.Line)
	token := s.client.Publish(topic, s.settings.QoS, s.settings.Retain, payload)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		<-token.Done()
		if err := token.Error(); err != nil {
			s.failed.Add(1)
			s.logger.Error().Err(err).Str("topic", topic).Msg("mqtt: publish failed")
		}
	}()
	return nil
}

// Failed returns the number of publications the broker did not accept.
func (s *sink) Failed() uint64 { return s.failed.Load() }

func (s *sink) Close() {
	s.pending.Wait()
	if s.client.IsConnected() {
		token := s.client.Publish(statusTopic(s.settings.Topic), s.settings.QoS, true, "offline")
		token.WaitTimeout(time.Second)
		s.client.Disconnect(250)
	}
}
