package injector

import "github.com/timzifer/pulseinj/csr"

// HeaderState enumerates the header-synchronized injector states.
type HeaderState uint8

const (
	HeaderReset HeaderState = iota
	HeaderIdle
	HeaderDelay
	HeaderInject
	HeaderLo
)

func (s HeaderState) String() string {
	switch s {
	case HeaderReset:
		return "RESET"
	case HeaderIdle:
		return "IDLE"
	case HeaderDelay:
		return "DELAY"
	case HeaderInject:
		return "INJECT"
	case HeaderLo:
		return "LO"
	default:
		return "INVALID"
	}
}

// HeaderSync is the committed state of the header-synchronized injector.
// The zero value is the RESET state.
type HeaderSync struct {
	State     HeaderState
	Events    uint32
	Delay     uint32
	Width     uint8
	Completed uint32
	Gap       uint8
	// Pulse is the level driven during the current tick.
	Pulse bool
}

// next computes the state for the following tick. Limits are compared in
// 64-bit arithmetic so a zero limit can never match an incremented counter.
func (h HeaderSync) next(cfg csr.Record, qualifying bool) HeaderSync {
	n := h
	switch h.State {
	case HeaderReset:
		n = HeaderSync{State: HeaderIdle}
	case HeaderIdle:
		if cfg.Mode != csr.ModeHeaderSync || !qualifying {
			break
		}
		if uint64(h.Events)+1 == uint64(cfg.HeaderInterval) {
			n.Events = 0
			n.State = HeaderDelay
		} else {
			n.Events = h.Events + 1
		}
	case HeaderDelay:
		if uint64(h.Delay)+1 == uint64(cfg.HeaderDelay) {
			n.Delay = 0
			n.State = HeaderInject
		} else {
			n.Delay = h.Delay + 1
		}
	case HeaderInject:
		if uint64(h.Width)+1 != uint64(cfg.PulseHighCycles) {
			n.Width = h.Width + 1
			break
		}
		n.Width = 0
		if uint64(h.Completed)+1 == uint64(cfg.InjectionMultiplicity) {
			n.Completed = 0
			n.State = HeaderReset
		} else {
			n.Completed = h.Completed + 1
			n.State = HeaderLo
		}
	case HeaderLo:
		if h.Gap+1 == csr.BurstGapTicks {
			n.Gap = 0
			n.State = HeaderInject
		} else {
			n.Gap = h.Gap + 1
		}
	}
	n.Pulse = n.State == HeaderInject
	return n
}
