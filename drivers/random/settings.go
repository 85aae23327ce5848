package random

import (
	"fmt"
	"math"

	"github.com/timzifer/pulseinj/config"
)

const defaultProbability = 0.5

type settings struct {
	source      string
	seed        *int64
	probability float64
	channels    []uint32
}

func resolveSettings(cfg *config.RandomSourceConfig, channelMask uint32) (settings, error) {
	resolved := settings{probability: defaultProbability, channels: []uint32{0}}
	if cfg == nil {
		return resolved, nil
	}
	resolved.source = cfg.Source
	resolved.seed = cfg.Seed
	if cfg.Probability != 0 {
		if math.IsNaN(cfg.Probability) || cfg.Probability < 0 || cfg.Probability > 1 {
			return settings{}, fmt.Errorf("probability must be between 0 and 1")
		}
		resolved.probability = cfg.Probability
	}
	if len(cfg.Channels) > 0 {
		resolved.channels = make([]uint32, len(cfg.Channels))
		for i, ch := range cfg.Channels {
			if ch&^channelMask != 0 {
				return settings{}, fmt.Errorf("channel %d exceeds the channel width", ch)
			}
			resolved.channels[i] = ch
		}
	}
	return resolved, nil
}
