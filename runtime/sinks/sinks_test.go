package sinks

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/pulseinj/config"
	"github.com/timzifer/pulseinj/csr"
)

func TestLogSinkWritesEdges(t *testing.T) {
	var buf bytes.Buffer
	sink, err := NewLogSink()(config.SinkConfig{ID: "trace", Driver: "log"}, Dependencies{Logger: zerolog.New(&buf)})
	require.NoError(t, err)
	require.Equal(t, "trace", sink.ID())

	require.NoError(t, sink.Publish(Edge{Tick: 42, Line: LineHeader, Rising: true, Mode: csr.ModeHeaderSync}))
	sink.Close()

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "trace", entry["sink"])
	require.Equal(t, float64(42), entry["tick"])
	require.Equal(t, "header", entry["line"])
	require.Equal(t, true, entry["rising"])
	require.Equal(t, csr.ModeHeaderSync.String(), entry["mode"])
}
