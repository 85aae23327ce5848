// Package script provides a framing event source driven by expressions.
//
// Three expressions are evaluated per tick. valid decides whether an event is
// emitted, channel and payload compute its fields. The environment exposes:
//
//	tick            current tick number
//	every(n)        true on every n-th tick
//	within(a, b)    true for a <= tick < b
package script

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/timzifer/pulseinj/config"
	"github.com/timzifer/pulseinj/injector"
	"github.com/timzifer/pulseinj/runtime/stimulus"
)

// NewSourceFactory returns a stimulus.Factory for expression sources.
func NewSourceFactory() stimulus.Factory {
	return func(cfg config.SourceConfig, deps stimulus.Dependencies) (stimulus.Source, error) {
		if cfg.ID == "" {
			return nil, errors.New("source id must not be empty")
		}
		if cfg.Script == nil || strings.TrimSpace(cfg.Script.Valid) == "" {
			return nil, fmt.Errorf("source %s: valid expression must not be empty", cfg.ID)
		}
		valid, err := compile(cfg.Script.Valid, expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("source %s: compile valid: %w", cfg.ID, err)
		}
		src := &source{
			cfg:    cfg,
			valid:  valid,
			logger: deps.Logger.With().Str("source", cfg.ID).Logger(),
		}
		if src.channel, err = compile(cfg.Script.Channel); err != nil {
			return nil, fmt.Errorf("source %s: compile channel: %w", cfg.ID, err)
		}
		if src.payload, err = compile(cfg.Script.Payload); err != nil {
			return nil, fmt.Errorf("source %s: compile payload: %w", cfg.ID, err)
		}
		return src, nil
	}
}

func environment(tick uint64) map[string]interface{} {
	return map[string]interface{}{
		"tick": int(tick),
		"every": func(n int) bool {
			return n > 0 && tick%uint64(n) == 0
		},
		"within": func(start, end int) bool {
			return int(tick) >= start && int(tick) < end
		},
	}
}

func compile(source string, opts ...expr.Option) (*vm.Program, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, nil
	}
	options := append([]expr.Option{expr.Env(environment(0))}, opts...)
	return expr.Compile(source, options...)
}

type source struct {
	cfg     config.SourceConfig
	valid   *vm.Program
	channel *vm.Program
	payload *vm.Program
	logger  zerolog.Logger

	mu     sync.Mutex
	errors uint64
}

func (s *source) ID() string { return s.cfg.ID }

func (s *source) Poll(tick uint64) (injector.Event, bool) {
	ev, ok, err := s.evaluate(tick)
	if err != nil {
		s.mu.Lock()
		s.errors++
		s.mu.Unlock()
		s.logger.Error().Err(err).Uint64("tick", tick).Msg("evaluate stimulus script failed")
		return injector.Event{}, false
	}
	return ev, ok
}

func (s *source) evaluate(tick uint64) (injector.Event, bool, error) {
	env := environment(tick)
	out, err := vm.Run(s.valid, env)
	if err != nil {
		return injector.Event{}, false, fmt.Errorf("valid: %w", err)
	}
	if fire, _ := out.(bool); !fire {
		return injector.Event{}, false, nil
	}
	channel, err := s.eval(s.channel, env, math.MaxUint32)
	if err != nil {
		return injector.Event{}, false, fmt.Errorf("channel: %w", err)
	}
	payload, err := s.eval(s.payload, env, math.MaxUint64)
	if err != nil {
		return injector.Event{}, false, fmt.Errorf("payload: %w", err)
	}
	return injector.NewEvent(uint32(channel), payload), true, nil
}

func (s *source) eval(program *vm.Program, env map[string]interface{}, max uint64) (uint64, error) {
	if program == nil {
		return 0, nil
	}
	out, err := vm.Run(program, env)
	if err != nil {
		return 0, err
	}
	value, err := toUint64(out)
	if err != nil {
		return 0, err
	}
	if value > max {
		return 0, fmt.Errorf("value %d out of range", value)
	}
	return value, nil
}

func toUint64(value interface{}) (uint64, error) {
	switch v := value.(type) {
	case int:
		if v < 0 {
			return 0, fmt.Errorf("negative value %d", v)
		}
		return uint64(v), nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("negative value %d", v)
		}
		return uint64(v), nil
	case uint:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case uint64:
		return v, nil
	case float64:
		if v < 0 || v != math.Trunc(v) || v > math.MaxUint64 {
			return 0, fmt.Errorf("value %v is not a non-negative integer", v)
		}
		return uint64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("value %T is not numeric", value)
	}
}

func (s *source) Status() stimulus.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return stimulus.Status{ID: s.cfg.ID, Driver: "script", Errors: s.errors, Source: s.cfg.Source}
}

func (s *source) Close() {}
