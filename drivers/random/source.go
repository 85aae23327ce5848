// Package random provides a synthetic framing event source.
package random

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/pulseinj/config"
	"github.com/timzifer/pulseinj/injector"
	"github.com/timzifer/pulseinj/runtime/stimulus"
)

// NewSourceFactory returns a stimulus.Factory producing events at random
// ticks. Each tick an event is emitted with the configured probability on a
// channel drawn uniformly from the configured list.
func NewSourceFactory() stimulus.Factory {
	return func(cfg config.SourceConfig, deps stimulus.Dependencies) (stimulus.Source, error) {
		if cfg.ID == "" {
			return nil, errors.New("source id must not be empty")
		}
		width := deps.ChannelWidth
		if width == 0 || width > 32 {
			width = config.DefaultChannelWidth
		}
		mask := uint32(1<<width - 1)
		resolved, err := resolveSettings(cfg.Random, mask)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
		}
		src, err := newEntropy(resolved.source, resolved.seed)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
		}
		return &source{
			cfg:      cfg,
			settings: resolved,
			entropy:  src,
			logger:   deps.Logger.With().Str("source", cfg.ID).Logger(),
		}, nil
	}
}

type source struct {
	cfg      config.SourceConfig
	settings settings
	logger   zerolog.Logger

	mu      sync.Mutex
	entropy entropy
	errors  uint64
}

func (s *source) ID() string { return s.cfg.ID }

func (s *source) Poll(uint64) (injector.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fire, err := chance(s.entropy, s.settings.probability)
	if err == nil && fire {
		var idx int
		idx, err = pick(s.entropy, len(s.settings.channels))
		if err == nil {
			var payload uint64
			payload, err = s.entropy.Uint63()
			if err == nil {
				return injector.NewEvent(s.settings.channels[idx], payload), true
			}
		}
	}
	if err != nil {
		s.errors++
		s.logger.Error().Err(err).Msg("random draw failed")
	}
	return injector.Event{}, false
}

func (s *source) Status() stimulus.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return stimulus.Status{ID: s.cfg.ID, Driver: "random", Errors: s.errors, Source: s.cfg.Source}
}

func (s *source) Close() {}
