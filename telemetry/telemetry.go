package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with the tick loop.
type Collector interface {
	IncHotReload(file string)
	IncTicks(count uint64)
	IncPulse(generator string)
	IncRegisterAccess(op string)
	IncEventsDropped(source string, count uint64)
	SetQueueDepth(source string, depth int)
	SetMode(mode uint8)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)             {}
func (noopCollector) IncTicks(uint64)                 {}
func (noopCollector) IncPulse(string)                 {}
func (noopCollector) IncRegisterAccess(string)        {}
func (noopCollector) IncEventsDropped(string, uint64) {}
func (noopCollector) SetQueueDepth(string, int)       {}
func (noopCollector) SetMode(uint8)                   {}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	hotReloads     *prometheus.CounterVec
	ticks          prometheus.Counter
	pulses         *prometheus.CounterVec
	registerAccess *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	mode           prometheus.Gauge
}

var (
	metricsLock sync.Mutex
	metrics     *PrometheusCollector
)

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Metrics already registered by an earlier call are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metricsLock.Lock()
	defer metricsLock.Unlock()
	if metrics != nil {
		return metrics, nil
	}

	collector := &PrometheusCollector{}
	var err error
	if collector.hotReloads, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulseinj_config_hot_reload_total",
		Help: "Number of hot reload operations triggered per configuration source file.",
	}, []string{"file"})); err != nil {
		return nil, err
	}
	if collector.ticks, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulseinj_ticks_total",
		Help: "Number of controller ticks executed.",
	})); err != nil {
		return nil, err
	}
	if collector.pulses, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulseinj_pulses_total",
		Help: "Rising pulse edges per generator and on the arbitrated output.",
	}, []string{"generator"})); err != nil {
		return nil, err
	}
	if collector.registerAccess, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulseinj_register_access_total",
		Help: "Register bus accesses per operation.",
	}, []string{"op"})); err != nil {
		return nil, err
	}
	if collector.eventsDropped, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulseinj_events_dropped_total",
		Help: "Framing events discarded per source because of queue overflow or arbitration.",
	}, []string{"source"})); err != nil {
		return nil, err
	}
	if collector.queueDepth, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulseinj_event_queue_depth",
		Help: "Framing events waiting per source.",
	}, []string{"source"})); err != nil {
		return nil, err
	}
	if collector.mode, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulseinj_mode",
		Help: "Committed value of the mode register.",
	})); err != nil {
		return nil, err
	}
	metrics = collector
	return collector, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// IncTicks adds executed ticks.
func (p *PrometheusCollector) IncTicks(count uint64) {
	if p == nil || p.ticks == nil || count == 0 {
		return
	}
	p.ticks.Add(float64(count))
}

// IncPulse records a rising edge of the named generator.
func (p *PrometheusCollector) IncPulse(generator string) {
	if p == nil || p.pulses == nil {
		return
	}
	p.pulses.WithLabelValues(generator).Inc()
}

// IncRegisterAccess records one serviced bus operation.
func (p *PrometheusCollector) IncRegisterAccess(op string) {
	if p == nil || p.registerAccess == nil {
		return
	}
	p.registerAccess.WithLabelValues(op).Inc()
}

// IncEventsDropped records discarded events for a source.
func (p *PrometheusCollector) IncEventsDropped(source string, count uint64) {
	if p == nil || p.eventsDropped == nil || count == 0 {
		return
	}
	p.eventsDropped.WithLabelValues(source).Add(float64(count))
}

// SetQueueDepth updates the pending event gauge of a source.
func (p *PrometheusCollector) SetQueueDepth(source string, depth int) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.WithLabelValues(source).Set(float64(depth))
}

// SetMode publishes the committed mode register.
func (p *PrometheusCollector) SetMode(mode uint8) {
	if p == nil || p.mode == nil {
		return
	}
	p.mode.Set(float64(mode))
}
