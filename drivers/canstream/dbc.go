package canstream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.einride.tech/can/pkg/dbc"

	"github.com/timzifer/pulseinj/config"
)

type frameKey struct {
	id       uint32
	extended bool
}

func keyOf(msg *dbc.MessageDef) frameKey {
	return frameKey{id: msg.MessageID.ToCAN(), extended: msg.MessageID.IsExtended()}
}

// messageIndex looks up DBC messages by wire identity or by name.
type messageIndex struct {
	byID   map[frameKey]*dbc.MessageDef
	byName map[string]*dbc.MessageDef
}

func indexMessages(defs []dbc.Def) messageIndex {
	idx := messageIndex{
		byID:   map[frameKey]*dbc.MessageDef{},
		byName: map[string]*dbc.MessageDef{},
	}
	for _, def := range defs {
		if msg, ok := def.(*dbc.MessageDef); ok {
			idx.byID[keyOf(msg)] = msg
			idx.byName[strings.ToLower(string(msg.Name))] = msg
		}
	}
	return idx
}

// lookupID finds a message by numeric id. When the frame config leaves the
// format open the standard id is preferred over the extended one.
func (idx messageIndex) lookupID(id uint32, extended *bool) (*dbc.MessageDef, bool) {
	if extended != nil {
		msg, ok := idx.byID[frameKey{id: id, extended: *extended}]
		return msg, ok
	}
	for _, ext := range []bool{false, true} {
		if msg, ok := idx.byID[frameKey{id: id, extended: ext}]; ok {
			return msg, true
		}
	}
	return nil, false
}

func resolveMessage(cfg config.CANFrameConfig, idx messageIndex) (*dbc.MessageDef, frameKey, error) {
	if cfg.Message != "" {
		msg, ok := idx.byName[strings.ToLower(cfg.Message)]
		if !ok {
			return nil, frameKey{}, fmt.Errorf("unknown CAN message %s", cfg.Message)
		}
		return msg, keyOf(msg), nil
	}
	if cfg.FrameID == "" {
		return nil, frameKey{}, errors.New("frame requires either message or frame_id")
	}
	id, err := parseCANID(cfg.FrameID)
	if err != nil {
		return nil, frameKey{}, err
	}
	msg, ok := idx.lookupID(id, cfg.Extended)
	if !ok {
		return nil, frameKey{}, fmt.Errorf("no message with id 0x%X", id)
	}
	return msg, keyOf(msg), nil
}

func findSignal(msg *dbc.MessageDef, name string) (*dbc.SignalDef, error) {
	if msg == nil {
		return nil, errors.New("message definition is nil")
	}
	for i := range msg.Signals {
		if strings.EqualFold(string(msg.Signals[i].Name), name) {
			return &msg.Signals[i], nil
		}
	}
	return nil, fmt.Errorf("message %s has no signal %s", msg.Name, name)
}

// parseCANID accepts decimal or 0x-prefixed hexadecimal ids.
func parseCANID(value string) (uint32, error) {
	text := strings.TrimSpace(value)
	if text == "" {
		return 0, errors.New("empty frame id")
	}
	base := 10
	if rest, ok := strings.CutPrefix(strings.ToLower(text), "0x"); ok {
		base, text = 16, rest
	}
	id, err := strconv.ParseUint(text, base, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid frame id %q: %w", value, err)
	}
	return uint32(id), nil
}

// extractSignalBits returns the raw bits of a signal. Factor and offset are
// not applied; events carry the unscaled value.
func extractSignalBits(signal *dbc.SignalDef, data []byte) (uint64, error) {
	switch {
	case signal == nil:
		return 0, errors.New("signal definition is nil")
	case signal.Size == 0 || signal.Size > 64:
		return 0, fmt.Errorf("signal %s has unsupported size %d", signal.Name, signal.Size)
	case len(data) < 8:
		return 0, fmt.Errorf("signal %s requires 8 bytes, have %d", signal.Name, len(data))
	}
	bit := func(pos uint64) uint64 {
		if pos/8 >= uint64(len(data)) {
			return 0
		}
		return uint64(data[pos/8]>>(pos%8)) & 1
	}

	var value uint64
	if !signal.IsBigEndian {
		for i := uint64(0); i < signal.Size; i++ {
			value |= bit(signal.StartBit+i) << i
		}
		return value, nil
	}
	// Motorola signals start at their most significant bit and walk down
	// within a byte before moving to the next byte's top bit.
	pos := signal.StartBit
	for i := uint64(0); i < signal.Size; i++ {
		value = value<<1 | bit(pos)
		if pos%8 == 0 {
			pos += 15
		} else {
			pos--
		}
	}
	return value, nil
}
