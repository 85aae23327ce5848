// Package sinks defines the consumers of pulse edges produced by the tick loop.
package sinks

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/pulseinj/config"
	"github.com/timzifer/pulseinj/csr"
)

// Line names a pulse signal.
type Line string

const (
	// LineOutput is the arbitrated injection pulse.
	LineOutput Line = "output"
	// LineHeader is the header-synchronized generator before arbitration.
	LineHeader Line = "header"
	// LinePeriodic is the periodic generator before arbitration.
	LinePeriodic Line = "periodic"
)

// Edge is a level change on one pulse line, observed at the given tick.
type Edge struct {
	Tick   uint64
	Time   time.Time
	Line   Line
	Rising bool
	Mode   csr.Mode
}

// Sink receives pulse edges.
//
// Publish is called inline with the tick loop; implementations must hand the
// edge off without waiting on the network. Close flushes and releases the
// underlying connection.
type Sink interface {
	ID() string
	Publish(edge Edge) error
	Close()
}

// Dependencies are handed to every sink factory.
type Dependencies struct {
	Logger zerolog.Logger
}

// Factory constructs a Sink from its configuration.
type Factory func(cfg config.SinkConfig, deps Dependencies) (Sink, error)

// LogSink writes every edge to a logger.
type LogSink struct {
	id     string
	logger zerolog.Logger
}

// NewLogSink returns a factory for sinks that log edges at info level.
func NewLogSink() Factory {
	return func(cfg config.SinkConfig, deps Dependencies) (Sink, error) {
		return &LogSink{id: cfg.ID, logger: deps.Logger.With().Str("sink", cfg.ID).Logger()}, nil
	}
}

// ID returns the sink identifier.
func (s *LogSink) ID() string { return s.id }

// Publish logs the edge.
func (s *LogSink) Publish(edge Edge) error {
	s.logger.Info().
		Uint64("tick", edge.Tick).
		Str("line", string(edge.Line)).
		Bool("rising", edge.Rising).
		Stringer("mode", edge.Mode).
		Msg("pulse edge")
	return nil
}

// Close is a no-op.
func (s *LogSink) Close() {}
