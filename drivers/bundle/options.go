// Package bundle registers the stimulus and sink drivers shipped with the
// controller.
package bundle

import (
	"github.com/timzifer/pulseinj/drivers/canstream"
	"github.com/timzifer/pulseinj/drivers/mqtt"
	"github.com/timzifer/pulseinj/drivers/random"
	"github.com/timzifer/pulseinj/drivers/script"
	"github.com/timzifer/pulseinj/service"
)

const (
	canDriver    = "canstream"
	randomDriver = "random"
	scriptDriver = "script"
	mqttDriver   = "mqtt"
)

// Options returns service options that register all bundled drivers.
func Options() []service.Option {
	return []service.Option{
		WithCAN(),
		WithRandom(),
		WithScript(),
		WithMQTT(),
	}
}

// WithCAN registers only the CAN stream source.
func WithCAN() service.Option {
	return service.WithSourceFactory(canDriver, canstream.NewSourceFactory())
}

// WithRandom registers only the random source.
func WithRandom() service.Option {
	return service.WithSourceFactory(randomDriver, random.NewSourceFactory())
}

// WithScript registers only the expression source.
func WithScript() service.Option {
	return service.WithSourceFactory(scriptDriver, script.NewSourceFactory())
}

// WithMQTT registers only the MQTT edge sink.
func WithMQTT() service.Option {
	return service.WithSinkFactory(mqttDriver, mqtt.NewSinkFactory())
}
