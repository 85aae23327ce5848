package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/pulseinj/config"
	"github.com/timzifer/pulseinj/csr"
	"github.com/timzifer/pulseinj/injector"
	"github.com/timzifer/pulseinj/runtime/sinks"
	"github.com/timzifer/pulseinj/runtime/stimulus"
	"github.com/timzifer/pulseinj/telemetry"
)

const busQueueSize = 64

// Service drives the injector core in real time. It owns the core, the
// stimulus sources feeding the event stream, the sinks receiving pulse edges
// and the optional Modbus register server.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger

	mu        sync.Mutex
	core      *injector.Core
	tick      uint64
	levels    levels
	dropped   map[string]uint64
	pulses    map[sinks.Line]uint64
	lastTick  time.Time
	telemetry telemetry.Collector

	sources []stimulus.Source
	sinks   []sinks.Sink
	server  *modbusServer

	bus        chan *busOp
	writeSlot  chan struct{}
	reset      atomic.Bool
	controller *tickController
	closeOnce  sync.Once
}

type levels struct {
	output   bool
	header   bool
	periodic bool
}

const (
	opPending int32 = iota
	opClaimed
	opCancelled
)

// busOp is a queued register access. It is claimed exactly once, either by
// the tick that services it or by the caller giving up on it.
type busOp struct {
	req   csr.Request
	reply chan csr.Response
	state atomic.Int32
}

func newBusOp(req csr.Request) *busOp {
	return &busOp{req: req, reply: make(chan csr.Response, 1)}
}

func (op *busOp) claim() bool { return op.state.CompareAndSwap(opPending, opClaimed) }

func (op *busOp) cancel() bool { return op.state.CompareAndSwap(opPending, opCancelled) }

// Option customises the factories available to a service.
type Option func(*factoryRegistry)

type factoryRegistry struct {
	sources map[string]stimulus.Factory
	sinks   map[string]sinks.Factory
}

func newFactoryRegistry() factoryRegistry {
	return factoryRegistry{
		sources: make(map[string]stimulus.Factory),
		sinks: map[string]sinks.Factory{
			"log": sinks.NewLogSink(),
		},
	}
}

func applyOptions(reg factoryRegistry, opts []Option) factoryRegistry {
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	return reg
}

// WithSourceFactory registers or overrides a stimulus factory for a driver
// identifier. A nil factory removes the driver.
func WithSourceFactory(driver string, factory stimulus.Factory) Option {
	return func(reg *factoryRegistry) {
		if reg == nil || driver == "" {
			return
		}
		if reg.sources == nil {
			reg.sources = make(map[string]stimulus.Factory)
		}
		if factory == nil {
			delete(reg.sources, driver)
			return
		}
		reg.sources[driver] = factory
	}
}

// WithSinkFactory registers or overrides a sink factory for a driver
// identifier. A nil factory removes the driver.
func WithSinkFactory(driver string, factory sinks.Factory) Option {
	return func(reg *factoryRegistry) {
		if reg == nil || driver == "" {
			return
		}
		if reg.sinks == nil {
			reg.sinks = make(map[string]sinks.Factory)
		}
		if factory == nil {
			delete(reg.sinks, driver)
			return
		}
		reg.sinks[driver] = factory
	}
}

// New builds a service from configuration. Register presets are written
// through the bus before New returns, so the first ticks of the service are
// spent on them.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	registry := applyOptions(newFactoryRegistry(), opts)
	core, err := injector.New(cfg.Width())
	if err != nil {
		return nil, err
	}
	presets, err := presetOps(cfg.Registers)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		cfg:        cfg,
		logger:     logger.With().Str("component", "service").Logger(),
		core:       core,
		dropped:    make(map[string]uint64),
		pulses:     make(map[sinks.Line]uint64),
		telemetry:  telemetry.Noop(),
		bus:        make(chan *busOp, busQueueSize),
		writeSlot:  make(chan struct{}, 1),
		controller: newTickController(cfg.CycleInterval()),
	}
	cleanupOnErr := func(err error) (*Service, error) {
		svc.closeDrivers()
		return nil, err
	}

	svc.sources, err = buildSources(cfg.Sources, stimulus.Dependencies{Logger: logger, ChannelWidth: cfg.Width()}, registry.sources)
	if err != nil {
		return cleanupOnErr(err)
	}
	svc.sinks, err = buildSinks(cfg.Sinks, sinks.Dependencies{Logger: logger}, registry.sinks)
	if err != nil {
		return cleanupOnErr(err)
	}

	now := time.Now()
	for _, req := range presets {
		svc.iterate(now, newBusOp(req), false)
	}

	if cfg.Server.Enabled {
		srv, err := newModbusServer(cfg.Server, svc, logger.With().Str("component", "modbus_server").Logger())
		if err != nil {
			return cleanupOnErr(err)
		}
		svc.server = srv
	}
	return svc, nil
}

// presetOps turns the configured register presets into bus writes. The mode
// register is written last because every write restarts the sequencers.
func presetOps(preset config.RegisterPreset) ([]csr.Request, error) {
	values := preset.Values()
	ops := make([]csr.Request, 0, len(values)+1)
	for _, value := range values {
		addr, err := csr.Lookup(value.Name)
		if err != nil {
			return nil, fmt.Errorf("register preset: %w", err)
		}
		ops = append(ops, csr.Request{Write: true, Address: addr, Data: value.Value})
	}
	if preset.Mode != "" {
		mode, err := csr.ParseMode(preset.Mode)
		if err != nil {
			return nil, fmt.Errorf("register preset: %w", err)
		}
		ops = append(ops, csr.Request{Write: true, Address: csr.AddrMode, Data: uint32(mode)})
	}
	return ops, nil
}

func buildSources(cfgs []config.SourceConfig, deps stimulus.Dependencies, factories map[string]stimulus.Factory) ([]stimulus.Source, error) {
	sources := make([]stimulus.Source, 0, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.Disable {
			continue
		}
		factory := factories[cfg.Driver]
		if factory == nil {
			closeSources(sources)
			return nil, fmt.Errorf("source %s: no factory registered for driver %s", cfg.ID, cfg.Driver)
		}
		src, err := factory(cfg, deps)
		if err != nil {
			closeSources(sources)
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func buildSinks(cfgs []config.SinkConfig, deps sinks.Dependencies, factories map[string]sinks.Factory) ([]sinks.Sink, error) {
	built := make([]sinks.Sink, 0, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.Disable {
			continue
		}
		factory := factories[cfg.Driver]
		if factory == nil {
			closeSinks(built)
			return nil, fmt.Errorf("sink %s: no factory registered for driver %s", cfg.ID, cfg.Driver)
		}
		sink, err := factory(cfg, deps)
		if err != nil {
			closeSinks(built)
			return nil, err
		}
		built = append(built, sink)
	}
	return built, nil
}

func closeSources(sources []stimulus.Source) {
	for _, src := range sources {
		src.Close()
	}
}

func closeSinks(list []sinks.Sink) {
	for _, sink := range list {
		sink.Close()
	}
}

// Validate performs a dry run of the configuration against the drivers
// registered by opts. Only settings that do not require a connection are
// checked.
func Validate(cfg *config.Config, opts ...Option) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := injector.New(cfg.Width()); err != nil {
		return err
	}
	if _, err := presetOps(cfg.Registers); err != nil {
		return err
	}
	registry := applyOptions(newFactoryRegistry(), opts)
	for _, src := range cfg.Sources {
		if _, ok := registry.sources[src.Driver]; !ok {
			return fmt.Errorf("source %s: unknown driver %s", src.ID, src.Driver)
		}
	}
	for _, sink := range cfg.Sinks {
		if _, ok := registry.sinks[sink.Driver]; !ok {
			return fmt.Errorf("sink %s: unknown driver %s", sink.ID, sink.Driver)
		}
	}
	return nil
}

// SetTelemetry configures the collector used for runtime metrics emission.
func (s *Service) SetTelemetry(collector telemetry.Collector) {
	if collector == nil {
		collector = telemetry.Noop()
	}
	s.mu.Lock()
	s.telemetry = collector
	s.mu.Unlock()
}

// Run executes ticks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	for {
		now, err := s.controller.Wait(ctx, timer)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if err := s.IterateOnce(ctx, now); err != nil {
			s.logger.Error().Err(err).Msg("tick failure")
		}
	}
}

// IterateOnce executes exactly one tick.
func (s *Service) IterateOnce(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var op *busOp
	reset := s.reset.Load()
	if !reset {
		op = s.nextOp()
	}
	s.iterate(now, op, reset)
	return nil
}

// nextOp dequeues the oldest operation whose caller is still waiting.
func (s *Service) nextOp() *busOp {
	for {
		select {
		case op := <-s.bus:
			if op.claim() {
				return op
			}
		default:
			return nil
		}
	}
}

func (s *Service) iterate(now time.Time, op *busOp, reset bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tick := s.tick
	in := injector.Inputs{Reset: reset, Event: s.pollSources(tick)}
	if op != nil {
		in.Bus = op.req
	}
	out := s.core.Step(in)
	s.tick++
	s.lastTick = now

	if op != nil {
		op.reply <- out.Bus
		switch {
		case op.req.Read:
			s.telemetry.IncRegisterAccess("read")
		case op.req.Write:
			s.telemetry.IncRegisterAccess("write")
		}
	}

	mode := s.core.Snapshot().Registers.Mode
	next := levels{output: out.Pulse, header: out.HeaderPulse, periodic: out.PeriodicPulse}
	s.publishEdges(tick, now, mode, next)
	s.levels = next

	s.telemetry.IncTicks(1)
	s.telemetry.SetMode(uint8(mode))
}

// pollSources pulls one event per source. The first event wins; events that
// arrive on other sources during the same tick are dropped.
func (s *Service) pollSources(tick uint64) injector.Event {
	var winner injector.Event
	for _, src := range s.sources {
		ev, ok := src.Poll(tick)
		if ok && ev.Valid {
			if !winner.Valid {
				winner = ev
			} else {
				s.dropped[src.ID()]++
				s.telemetry.IncEventsDropped(src.ID(), 1)
			}
		}
		s.telemetry.SetQueueDepth(src.ID(), src.Status().Buffered)
	}
	return winner
}

func (s *Service) publishEdges(tick uint64, now time.Time, mode csr.Mode, next levels) {
	changes := []struct {
		line      sinks.Line
		prev, cur bool
	}{
		{sinks.LineOutput, s.levels.output, next.output},
		{sinks.LineHeader, s.levels.header, next.header},
		{sinks.LinePeriodic, s.levels.periodic, next.periodic},
	}
	for _, change := range changes {
		if change.prev == change.cur {
			continue
		}
		if change.cur {
			s.pulses[change.line]++
			s.telemetry.IncPulse(string(change.line))
		}
		edge := sinks.Edge{Tick: tick, Time: now, Line: change.line, Rising: change.cur, Mode: mode}
		for _, sink := range s.sinks {
			if err := sink.Publish(edge); err != nil {
				s.logger.Warn().Err(err).Str("sink", sink.ID()).Msg("publish edge failed")
			}
		}
	}
}

// Access presents a bus request to the core and waits for the tick that
// services it. Requests queue while reset is asserted.
func (s *Service) Access(ctx context.Context, req csr.Request) (csr.Response, error) {
	op := newBusOp(req)
	select {
	case s.bus <- op:
	case <-ctx.Done():
		return csr.Response{}, ctx.Err()
	}
	select {
	case resp := <-op.reply:
		return resp, nil
	case <-ctx.Done():
		if op.cancel() {
			return csr.Response{}, ctx.Err()
		}
		// A tick already took the request; its reply is on the way.
		return <-op.reply, nil
	}
}

// ReadRegister reads one register through the bus.
func (s *Service) ReadRegister(ctx context.Context, addr csr.Address) (uint32, error) {
	resp, err := s.Access(ctx, csr.Request{Read: true, Address: addr})
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", addr, err)
	}
	return resp.Data, nil
}

// WriteRegister writes one register through the bus. Writes to unmapped
// addresses are ignored by the register file and reported as an error.
func (s *Service) WriteRegister(ctx context.Context, addr csr.Address, value uint32) error {
	return s.UpdateRegister(ctx, addr, 0xFFFFFFFF, value)
}

// UpdateRegister replaces the bits selected by mask with those of value and
// keeps the rest. A partial mask costs a read tick before the write tick.
// Writes and updates are serialized, so no other write lands between the
// read and the write of an update.
func (s *Service) UpdateRegister(ctx context.Context, addr csr.Address, mask, value uint32) error {
	select {
	case s.writeSlot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("write %s: %w", addr, ctx.Err())
	}
	defer func() { <-s.writeSlot }()

	if mask != 0xFFFFFFFF {
		current, err := s.ReadRegister(ctx, addr)
		if err != nil {
			return err
		}
		value = current&^mask | value&mask
	}
	resp, err := s.Access(ctx, csr.Request{Write: true, Address: addr, Data: value})
	if err != nil {
		return fmt.Errorf("write %s: %w", addr, err)
	}
	if !resp.Wrote {
		return fmt.Errorf("write %s: address is not mapped", addr)
	}
	return nil
}

// SetReset asserts or releases the synchronous reset.
func (s *Service) SetReset(asserted bool) {
	s.reset.Store(asserted)
	s.logger.Info().Bool("asserted", asserted).Msg("reset changed")
}

// Pause stops the time base.
func (s *Service) Pause() { s.controller.SetMode(ControlPause) }

// Resume restarts the time base.
func (s *Service) Resume() { s.controller.SetMode(ControlRun) }

// Step pauses the time base and releases n ticks.
func (s *Service) Step(n int) { s.controller.Step(n) }

// SetCycle changes the wall time between ticks.
func (s *Service) SetCycle(d time.Duration) { s.controller.SetInterval(d) }

// Control reports the pacing of the tick loop.
func (s *Service) Control() ControlStatus { return s.controller.Status() }

// Snapshot returns the committed core state.
func (s *Service) Snapshot() injector.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.core.Snapshot()
}

// Status summarises the runtime state of the service.
type Status struct {
	Tick          uint64
	LastTick      time.Time
	Reset         bool
	Control       ControlStatus
	State         injector.State
	Output        bool
	HeaderPulse   bool
	PeriodicPulse bool
	Pulses        map[sinks.Line]uint64
	Dropped       map[string]uint64
	Sources       []stimulus.Status
}

// Status returns a copy of the runtime state.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{
		Tick:          s.tick,
		LastTick:      s.lastTick,
		Reset:         s.reset.Load(),
		Control:       s.controller.Status(),
		State:         s.core.Snapshot(),
		Output:        s.levels.output,
		HeaderPulse:   s.levels.header,
		PeriodicPulse: s.levels.periodic,
		Pulses:        make(map[sinks.Line]uint64, len(s.pulses)),
		Dropped:       make(map[string]uint64, len(s.dropped)),
		Sources:       make([]stimulus.Status, 0, len(s.sources)),
	}
	for line, count := range s.pulses {
		status.Pulses[line] = count
	}
	for id, count := range s.dropped {
		status.Dropped[id] = count
	}
	for _, src := range s.sources {
		status.Sources = append(status.Sources, src.Status())
	}
	return status
}

// ServerAddr returns the listen address of the Modbus server or an empty
// string when it is disabled.
func (s *Service) ServerAddr() string {
	return s.server.addr()
}

// Close stops the server and releases all drivers.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.server.close()
		s.closeDrivers()
	})
	return nil
}

func (s *Service) closeDrivers() {
	closeSources(s.sources)
	closeSinks(s.sinks)
	s.sources = nil
	s.sinks = nil
}
