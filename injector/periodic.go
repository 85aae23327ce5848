package injector

import "github.com/timzifer/pulseinj/csr"

// MinPulseTicks is the count of INJECT and LO ticks the periodic generator
// must exceed before it may return to IDLE, whatever pulse_interval says.
// With the closing IDLE tick no cycle is shorter than MinPulseTicks+2 ticks.
const MinPulseTicks = 5

// PeriodicState enumerates the periodic injector states.
type PeriodicState uint8

const (
	PeriodicReset PeriodicState = iota
	PeriodicIdle
	PeriodicInject
	PeriodicLo
)

func (s PeriodicState) String() string {
	switch s {
	case PeriodicReset:
		return "RESET"
	case PeriodicIdle:
		return "IDLE"
	case PeriodicInject:
		return "INJECT"
	case PeriodicLo:
		return "LO"
	default:
		return "INVALID"
	}
}

// Periodic is the committed state of the free-running injector. The zero
// value is the RESET state.
type Periodic struct {
	State PeriodicState
	// Elapsed counts INJECT and LO ticks of the current cycle.
	Elapsed uint32
	Width   uint8
	Pulse   bool
}

func periodicEnabled(mode csr.Mode) bool {
	return mode == csr.ModePeriodic || mode == csr.ModePeriodicAsync
}

func (p Periodic) next(cfg csr.Record) Periodic {
	n := p
	switch p.State {
	case PeriodicReset:
		n = Periodic{State: PeriodicIdle}
	case PeriodicIdle:
		n.Elapsed = 0
		if periodicEnabled(cfg.Mode) {
			n.State = PeriodicInject
		}
	case PeriodicInject:
		n.Elapsed = p.Elapsed + 1
		if uint64(p.Width)+1 == uint64(cfg.PulseHighCycles) {
			n.Width = 0
			n.State = PeriodicLo
		} else {
			n.Width = p.Width + 1
		}
	case PeriodicLo:
		n.Elapsed = p.Elapsed + 1
		// The closing IDLE tick belongs to the cycle, hence the +1.
		if n.Elapsed > MinPulseTicks && uint64(n.Elapsed)+1 >= uint64(cfg.PulseInterval) {
			n.State = PeriodicIdle
		}
	}
	n.Pulse = n.State == PeriodicInject
	return n
}
