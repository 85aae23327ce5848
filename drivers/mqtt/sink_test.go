package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/pulseinj/config"
	"github.com/timzifer/pulseinj/csr"
	"github.com/timzifer/pulseinj/runtime/sinks"
)

type doneToken struct {
	err  error
	done chan struct{}
}

func newDoneToken(err error) *doneToken {
	done := make(chan struct{})
	close(done)
	return &doneToken{err: err, done: done}
}

func (t *doneToken) Wait() bool { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{} { return t.done }
func (t *doneToken) Error() error { return t.err }

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	messages     []message
	err          error
	connected    bool
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var raw []byte
	switch v := payload.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	}
	c.messages = append(c.messages, message{topic: topic, qos: qos, retained: retained, payload: raw})
	return newDoneToken(c.err)
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Disconnect(uint) { c.disconnected = true }

func TestSinkPublishesEdges(t *testing.T) {
	client := &fakeClient{connected: true}
	s := newSink("edges", config.MQTTSinkConfig{Topic: "lab/inj", QoS: 1}, client, zerolog.Nop())

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.Publish(sinks.Edge{Tick: 42, Time: at, Line: sinks.LineOutput, Rising: true, Mode: csr.ModePeriodic}))
	require.NoError(t, s.Publish(sinks.Edge{Tick: 46, Time: at, Line: sinks.LineHeader, Mode: csr.ModeHeaderSync}))
	s.Close()

	require.Len(t, client.messages, 3)
	first := client.messages[0]
	require.Equal(t, "lab/inj/output", first.topic)
	require.Equal(t, byte(1), first.qos)

	var payload EdgePayload
	require.NoError(t, json.Unmarshal(first.payload, &payload))
	require.Equal(t, uint64(42), payload.Tick)
	require.Equal(t, 1, payload.Level)
	require.Equal(t, "output", payload.Line)
	require.Equal(t, csr.ModePeriodic.String(), payload.Mode)
	require.True(t, payload.Time.Equal(at))

	require.Equal(t, "lab/inj/header", client.messages[1].topic)
	require.Equal(t, "lab/inj/status", client.messages[2].topic)
	require.Equal(t, "offline", string(client.messages[2].payload))
	require.True(t, client.messages[2].retained)
	require.True(t, client.disconnected)
}

func TestSinkRisingOnly(t *testing.T) {
	client := &fakeClient{}
	s := newSink("edges", config.MQTTSinkConfig{Topic: "inj", RisingOnly: true}, client, zerolog.Nop())
	require.NoError(t, s.Publish(sinks.Edge{Line: sinks.LineOutput}))
	require.NoError(t, s.Publish(sinks.Edge{Line: sinks.LineOutput, Rising: true}))
	s.Close()
	require.Len(t, client.messages, 1)
	require.False(t, client.disconnected)
}

func TestSinkCountsFailedDeliveries(t *testing.T) {
	client := &fakeClient{err: errors.New("not authorized")}
	s := newSink("edges", config.MQTTSinkConfig{Topic: "inj"}, client, zerolog.Nop())
	require.NoError(t, s.Publish(sinks.Edge{Line: sinks.LinePeriodic, Rising: true}))
	s.pending.Wait()
	require.Equal(t, uint64(1), s.Failed())
}

func TestValidateSettings(t *testing.T) {
	cases := map[string]config.SinkConfig{
		"missing id":       {MQTT: &config.MQTTSinkConfig{Topic: "a"}},
		"missing settings": {ID: "s"},
		"missing topic":    {ID: "s", MQTT: &config.MQTTSinkConfig{Topic: " / "}},
		"wildcard":         {ID: "s", MQTT: &config.MQTTSinkConfig{Topic: "a/#"}},
		"qos":              {ID: "s", MQTT: &config.MQTTSinkConfig{Topic: "a", QoS: 3}},
	}
	for name, cfg := range cases {
		_, err := validate(cfg)
		require.Error(t, err, name)
	}

	settings, err := validate(config.SinkConfig{ID: "s", MQTT: &config.MQTTSinkConfig{Topic: " lab/inj/ "}})
	require.NoError(t, err)
	require.Equal(t, "lab/inj", settings.Topic)
}
