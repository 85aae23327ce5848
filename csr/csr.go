package csr

import (
	"fmt"
	"strconv"
	"strings"
)

// Address selects one of the 32-bit registers on the 4-bit register bus.
type Address uint8

const (
	AddrMode Address = iota
	AddrHeaderDelay
	AddrHeaderInterval
	AddrInjectionMultiplicity
	AddrHeaderCh
	AddrPulseInterval
	AddrPulseHighCycles

	// AddrCount is the number of mapped registers. Addresses from AddrCount up
	// to AddressSpace-1 read as zero and ignore writes.
	AddrCount
)

// AddressSpace is the number of addresses reachable with the 4-bit address bus.
const AddressSpace = 16

const (
	// DefaultChannelWidth is the default width of the header_ch register in bits.
	DefaultChannelWidth uint = 4
	// MaxChannelWidth bounds header_ch to the 32-bit data bus.
	MaxChannelWidth uint = 32
)

// Register defaults applied at power-up and on every reset.
const (
	DefaultMode                  = ModeOff
	DefaultHeaderDelay           = 100
	DefaultHeaderInterval        = 1
	DefaultInjectionMultiplicity = 1
	DefaultHeaderCh              = 0
	DefaultPulseInterval         = 1000
	DefaultPulseHighCycles       = 5
)

// Mode selects which generator drives the pulse output.
type Mode uint8

const (
	ModeOff Mode = iota
	ModeHeaderSync
	ModePeriodic
	// ModePeriodicAsync is reserved; the periodic generator runs exactly as in
	// ModePeriodic but the output stays low.
	ModePeriodicAsync
	// ModeOnClick is reserved and inert.
	ModeOnClick
	// ModeRandom is reserved and inert.
	ModeRandom
)

const modeMask = 0x0F

var modeNames = map[Mode]string{
	ModeOff:           "off",
	ModeHeaderSync:    "header-sync",
	ModePeriodic:      "periodic",
	ModePeriodicAsync: "periodic-async",
	ModeOnClick:       "on-click",
	ModeRandom:        "random",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("unused(%d)", uint8(m))
}

// Reserved reports whether the mode is documented but has no behaviour.
func (m Mode) Reserved() bool {
	return m == ModePeriodicAsync || m == ModeOnClick || m == ModeRandom
}

// ParseMode accepts a mode name or its numeric encoding.
func ParseMode(value string) (Mode, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for mode, name := range modeNames {
		if normalized == name {
			return mode, nil
		}
	}
	n, err := strconv.ParseUint(normalized, 0, 8)
	if err != nil || n > modeMask {
		return 0, fmt.Errorf("unknown mode %q", value)
	}
	return Mode(n), nil
}

// Record is the structured view of the configuration registers.
type Record struct {
	Mode                  Mode
	HeaderDelay           uint32
	HeaderInterval        uint32
	InjectionMultiplicity uint32
	HeaderCh              uint32
	PulseInterval         uint32
	PulseHighCycles       uint8
}

// Defaults returns the register contents after reset.
func Defaults() Record {
	return Record{
		Mode:                  DefaultMode,
		HeaderDelay:           DefaultHeaderDelay,
		HeaderInterval:        DefaultHeaderInterval,
		InjectionMultiplicity: DefaultInjectionMultiplicity,
		HeaderCh:              DefaultHeaderCh,
		PulseInterval:         DefaultPulseInterval,
		PulseHighCycles:       DefaultPulseHighCycles,
	}
}

// Field describes a mapped register.
type Field struct {
	Address Address
	Name    string
	Width   uint
	Default uint32
}

var fieldNames = [AddrCount]string{
	AddrMode:                  "mode",
	AddrHeaderDelay:           "header_delay",
	AddrHeaderInterval:        "header_interval",
	AddrInjectionMultiplicity: "injection_multiplicity",
	AddrHeaderCh:              "header_ch",
	AddrPulseInterval:         "pulse_interval",
	AddrPulseHighCycles:       "pulse_high_cycles",
}

// Fields lists the register map for the given header_ch width.
func Fields(channelWidth uint) []Field {
	defaults := Defaults()
	fields := make([]Field, 0, AddrCount)
	for addr := Address(0); addr < AddrCount; addr++ {
		fields = append(fields, Field{
			Address: addr,
			Name:    fieldNames[addr],
			Width:   fieldWidth(addr, channelWidth),
			Default: defaults.get(addr),
		})
	}
	return fields
}

// Lookup resolves a register name or numeric address.
func Lookup(name string) (Address, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for addr, fieldName := range fieldNames {
		if fieldName == normalized {
			return Address(addr), nil
		}
	}
	n, err := strconv.ParseUint(normalized, 0, 8)
	if err != nil || n >= AddressSpace {
		return 0, fmt.Errorf("unknown register %q", name)
	}
	return Address(n), nil
}

// Mapped reports whether the address holds a register.
func (a Address) Mapped() bool {
	return a < AddrCount
}

func (a Address) String() string {
	if a.Mapped() {
		return fieldNames[a]
	}
	return fmt.Sprintf("unmapped(%d)", uint8(a))
}

func fieldWidth(addr Address, channelWidth uint) uint {
	switch addr {
	case AddrMode:
		return 4
	case AddrHeaderCh:
		return channelWidth
	case AddrPulseHighCycles:
		return 8
	default:
		return 32
	}
}

func widthMask(width uint) uint32 {
	if width >= 32 {
		return 0xFFFFFFFF
	}
	return (uint32(1) << width) - 1
}

func (r Record) get(addr Address) uint32 {
	switch addr {
	case AddrMode:
		return uint32(r.Mode)
	case AddrHeaderDelay:
		return r.HeaderDelay
	case AddrHeaderInterval:
		return r.HeaderInterval
	case AddrInjectionMultiplicity:
		return r.InjectionMultiplicity
	case AddrHeaderCh:
		return r.HeaderCh
	case AddrPulseInterval:
		return r.PulseInterval
	case AddrPulseHighCycles:
		return uint32(r.PulseHighCycles)
	default:
		return 0
	}
}

// set stores an already masked value.
func (r *Record) set(addr Address, value uint32) {
	switch addr {
	case AddrMode:
		r.Mode = Mode(value)
	case AddrHeaderDelay:
		r.HeaderDelay = value
	case AddrHeaderInterval:
		r.HeaderInterval = value
	case AddrInjectionMultiplicity:
		r.InjectionMultiplicity = value
	case AddrHeaderCh:
		r.HeaderCh = value
	case AddrPulseInterval:
		r.PulseInterval = value
	case AddrPulseHighCycles:
		r.PulseHighCycles = uint8(value)
	}
}

// Diagnose lists degenerate settings. The register file accepts all of them;
// callers may surface the notes but must not reject the values.
func (r Record) Diagnose() []string {
	var notes []string
	switch {
	case r.Mode.Reserved():
		notes = append(notes, fmt.Sprintf("mode %s is reserved and produces no pulse", r.Mode))
	case r.Mode > ModeRandom:
		notes = append(notes, fmt.Sprintf("mode %d is not assigned and produces no pulse", uint8(r.Mode)))
	}
	if r.HeaderInterval == 0 {
		notes = append(notes, "header_interval is 0: header-sync injector never triggers")
	}
	if r.HeaderDelay == 0 {
		notes = append(notes, "header_delay is 0: header-sync injector never leaves DELAY")
	}
	if r.InjectionMultiplicity == 0 {
		notes = append(notes, "injection_multiplicity is 0: bursts never terminate")
	}
	if r.PulseHighCycles == 0 {
		notes = append(notes, "pulse_high_cycles is 0: pulse never deasserts")
	} else if r.PulseHighCycles < MinPulseWidth {
		notes = append(notes, fmt.Sprintf("pulse_high_cycles %d is below the minimum pulse width of %d ticks", r.PulseHighCycles, MinPulseWidth))
	}
	return notes
}

// MinPulseWidth is the documented minimum pulse width in ticks. It is not
// enforced by the register file.
const MinPulseWidth = 5
