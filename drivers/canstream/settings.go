package canstream

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.einride.tech/can/pkg/dbc"

	"github.com/timzifer/pulseinj/config"
)

const (
	defaultReadBuffer  = 2048
	defaultReadTimeout = 50 * time.Millisecond
	defaultDialTimeout = 5 * time.Second
	reconnectDelay     = time.Second
)

type settings struct {
	protocol    string
	address     string
	bufferSize  int
	readTimeout time.Duration
	bindings    map[frameKey][]frameBinding
}

// frameBinding turns one matching CAN frame into a framing event. Without
// signals the channel is fixed and the payload is the raw frame data.
type frameBinding struct {
	channel       uint32
	channelSignal *dbc.SignalDef
	payloadSignal *dbc.SignalDef
}

func resolveSettings(cfg config.SourceConfig) (settings, error) {
	if cfg.CAN == nil {
		return settings{}, fmt.Errorf("source %s: missing CAN configuration", cfg.ID)
	}
	canCfg := cfg.CAN
	if len(canCfg.Frames) == 0 {
		return settings{}, fmt.Errorf("source %s: no CAN frames configured", cfg.ID)
	}
	resolved := settings{
		protocol:    strings.ToLower(strings.TrimSpace(canCfg.Protocol)),
		address:     strings.TrimSpace(canCfg.Address),
		bufferSize:  canCfg.BufferSize,
		readTimeout: canCfg.ReadTimeout.Duration,
		bindings:    make(map[frameKey][]frameBinding),
	}
	if resolved.protocol == "" {
		resolved.protocol = "udp"
	}
	switch resolved.protocol {
	case "udp", "tcp", "socketcan":
	default:
		return settings{}, fmt.Errorf("source %s: unsupported CAN protocol %q", cfg.ID, canCfg.Protocol)
	}
	if resolved.address == "" {
		return settings{}, fmt.Errorf("source %s: address is required", cfg.ID)
	}
	if resolved.bufferSize <= 0 {
		resolved.bufferSize = defaultReadBuffer
	}
	if resolved.readTimeout <= 0 {
		resolved.readTimeout = defaultReadTimeout
	}

	var messages *messageIndex
	if strings.TrimSpace(canCfg.DBC) != "" {
		idx, err := loadDBC(config.ResolvePath(cfg.Source.File, canCfg.DBC))
		if err != nil {
			return settings{}, fmt.Errorf("source %s: %w", cfg.ID, err)
		}
		messages = &idx
	}
	for _, frameCfg := range canCfg.Frames {
		key, binding, err := bindFrame(frameCfg, messages)
		if err != nil {
			return settings{}, fmt.Errorf("source %s: frame %s: %w", cfg.ID, describeFrame(frameCfg), err)
		}
		resolved.bindings[key] = append(resolved.bindings[key], binding)
	}
	return resolved, nil
}

func loadDBC(path string) (messageIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return messageIndex{}, fmt.Errorf("read dbc %s: %w", path, err)
	}
	parser := dbc.NewParser(path, data)
	if err := parser.Parse(); err != nil {
		return messageIndex{}, fmt.Errorf("parse dbc: %w", err)
	}
	idx := indexMessages(parser.Defs())
	if len(idx.byID) == 0 {
		return messageIndex{}, errors.New("dbc contains no message definitions")
	}
	return idx, nil
}

func bindFrame(cfg config.CANFrameConfig, messages *messageIndex) (frameKey, frameBinding, error) {
	var binding frameBinding
	if cfg.Channel != nil {
		binding.channel = *cfg.Channel
	}
	if cfg.Channel != nil && cfg.ChannelSignal != "" {
		return frameKey{}, binding, errors.New("channel and channel_signal are mutually exclusive")
	}
	if messages == nil {
		if cfg.Message != "" || cfg.ChannelSignal != "" || cfg.PayloadSignal != "" {
			return frameKey{}, binding, errors.New("message and signal bindings require a dbc file")
		}
		if cfg.FrameID == "" {
			return frameKey{}, binding, errors.New("frame_id is required")
		}
		id, err := parseCANID(cfg.FrameID)
		if err != nil {
			return frameKey{}, binding, err
		}
		key := frameKey{id: id}
		if cfg.Extended != nil {
			key.extended = *cfg.Extended
		}
		return key, binding, nil
	}

	msg, key, err := resolveMessage(cfg, *messages)
	if err != nil {
		return frameKey{}, binding, err
	}
	if cfg.ChannelSignal != "" {
		if binding.channelSignal, err = findSignal(msg, cfg.ChannelSignal); err != nil {
			return frameKey{}, binding, err
		}
	}
	if cfg.PayloadSignal != "" {
		if binding.payloadSignal, err = findSignal(msg, cfg.PayloadSignal); err != nil {
			return frameKey{}, binding, err
		}
	}
	return key, binding, nil
}

func describeFrame(cfg config.CANFrameConfig) string {
	switch {
	case cfg.Message != "":
		return cfg.Message
	case cfg.FrameID != "":
		return cfg.FrameID
	default:
		return "<unnamed>"
	}
}
