package injector

import "github.com/timzifer/pulseinj/csr"

const (
	// PayloadBits is the width of the opaque event payload.
	PayloadBits = 42
	// RunControlPayloadBits is the width of the opaque run-control payload.
	RunControlPayloadBits = 9

	payloadMask    = (uint64(1) << PayloadBits) - 1
	runControlMask = (uint16(1) << RunControlPayloadBits) - 1
)

// Event is one sample of the framing event stream.
type Event struct {
	Valid   bool
	Channel uint32
	Payload uint64
}

// NewEvent builds a valid event with the payload truncated to PayloadBits.
func NewEvent(channel uint32, payload uint64) Event {
	return Event{Valid: true, Channel: channel, Payload: payload & payloadMask}
}

// RunControlBeat is one sample of the run-control stream.
type RunControlBeat struct {
	Valid   bool
	Payload uint16
}

// NewRunControlBeat builds a valid beat with the payload truncated to
// RunControlPayloadBits.
func NewRunControlBeat(payload uint16) RunControlBeat {
	return RunControlBeat{Valid: true, Payload: payload & runControlMask}
}

// Qualifies reports whether the event advances the header-sync event counter.
// The channel tag is truncated to the header_ch width before comparison.
func Qualifies(ev Event, headerCh, channelMask uint32) bool {
	return ev.Valid && ev.Channel&channelMask == headerCh
}

// Arbitrate routes exactly one generator to the pulse line.
func Arbitrate(mode csr.Mode, header, periodic bool) bool {
	switch mode {
	case csr.ModeHeaderSync:
		return header
	case csr.ModePeriodic:
		return periodic
	case csr.ModeOff, csr.ModePeriodicAsync, csr.ModeOnClick, csr.ModeRandom:
		return false
	default:
		// Encodings 6-15 are unassigned.
		return false
	}
}

// RunControl acknowledges the run-control stream. The payload is accepted
// and discarded.
type RunControl struct {
	Ready bool
}

func (r RunControl) next(RunControlBeat) RunControl {
	return RunControl{Ready: true}
}
