// Package stimulus defines the framing event sources feeding the tick loop.
package stimulus

import (
	"github.com/rs/zerolog"

	"github.com/timzifer/pulseinj/config"
	"github.com/timzifer/pulseinj/injector"
)

// Source produces framing events for the controller.
//
// Poll is called once per tick from the tick loop and must not block. A
// source that has nothing to deliver for the tick reports false. Sources
// backed by I/O read on their own goroutines and queue events in an
// EventBuffer; Close stops that work and releases the connection.
type Source interface {
	ID() string
	Poll(tick uint64) (injector.Event, bool)
	Status() Status
	Close()
}

// Status captures diagnostic information about a source.
type Status struct {
	ID       string
	Driver   string
	Buffered int
	Dropped  uint64
	Errors   uint64
	Source   config.ModuleReference
}

// Dependencies are handed to every source factory.
type Dependencies struct {
	Logger       zerolog.Logger
	ChannelWidth uint
}

// Factory constructs a Source from its configuration.
//
// Factories allow different stimulus implementations to be wired into the
// service without coupling the tick loop to concrete types.
type Factory func(cfg config.SourceConfig, deps Dependencies) (Source, error)
