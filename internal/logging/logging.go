// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/timzifer/pulseinj/config"
)

const defaultApp = "pulseinj"

// Setup returns a logger writing to stdout and, when enabled, to Loki. The
// returned cleanup flushes pending Loki entries.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, func(), error) {
	return setup(cfg, os.Stdout)
}

func setup(cfg config.LoggingConfig, out io.Writer) (zerolog.Logger, func(), error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}
	primary, err := formatWriter(cfg.Format, out)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	var writer zerolog.LevelWriter = zerolog.MultiLevelWriter(primary)
	cleanup := func() {}
	if cfg.Loki.Enabled {
		client, err := dialLoki(cfg.Loki)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writer = zerolog.MultiLevelWriter(primary, newLokiWriter(client, cfg.Loki.Labels))
		cleanup = client.Stop
	}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger(), cleanup, nil
}

func parseLevel(raw string) (zerolog.Level, error) {
	if strings.TrimSpace(raw) == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}

func formatWriter(format string, out io.Writer) (io.Writer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return out, nil
	case "text", "console":
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339Nano, NoColor: out != os.Stdout}, nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

func dialLoki(cfg config.LokiConfig) (*loki.Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("loki url is required")
	}
	clientCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create loki client: %w", err)
	}
	return client, nil
}

type pusher interface {
	Handle(labels model.LabelSet, ts time.Time, line string) error
}

// lokiWriter pushes every log line as one Loki entry. Entries are split into
// streams by level.
type lokiWriter struct {
	client pusher
	labels model.LabelSet
	now    func() time.Time
}

func newLokiWriter(client pusher, static map[string]string) *lokiWriter {
	labels := make(model.LabelSet, len(static)+1)
	for name, value := range static {
		labels[model.LabelName(name)] = model.LabelValue(value)
	}
	if _, ok := labels["app"]; !ok {
		labels["app"] = defaultApp
	}
	return &lokiWriter{client: client, labels: labels, now: time.Now}
}

func (l *lokiWriter) Write(p []byte) (int, error) {
	return l.WriteLevel(zerolog.NoLevel, p)
}

func (l *lokiWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	labels := l.labels
	if level != zerolog.NoLevel {
		labels = l.labels.Clone()
		labels["level"] = model.LabelValue(level.String())
	}
	return len(p), l.client.Handle(labels, l.now(), line)
}
