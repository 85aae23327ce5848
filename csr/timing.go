package csr

import (
	"errors"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
)

// BurstGapTicks is the fixed low time between pulses of one header-sync burst.
const BurstGapTicks = 5

// Timing converts the tick-valued registers to physical time at a given clock.
type Timing struct {
	ClockHz     decimal.Decimal
	Tick        decimal.Decimal
	PulseWidth  decimal.Decimal
	PulsePeriod decimal.Decimal
	HeaderDelay decimal.Decimal
	Burst       decimal.Decimal
	BurstTicks  uint64
}

// Timing computes the physical timing of the record. All durations are in
// seconds.
func (r Record) Timing(clockHz uint64) (Timing, error) {
	if clockHz == 0 {
		return Timing{}, errors.New("clock frequency must be positive")
	}
	clock := decimal.NewFromInt(int64(clockHz))
	seconds := func(ticks uint64) decimal.Decimal {
		return decimal.NewFromInt(int64(ticks)).Div(clock)
	}
	burst := r.BurstTicks()
	return Timing{
		ClockHz:     clock,
		Tick:        seconds(1),
		PulseWidth:  seconds(uint64(r.PulseHighCycles)),
		PulsePeriod: seconds(uint64(r.PulseInterval)),
		HeaderDelay: seconds(uint64(r.HeaderDelay)),
		Burst:       seconds(burst),
		BurstTicks:  burst,
	}, nil
}

// BurstTicks is the length of one header-sync burst from the first rising
// edge to the last falling edge.
func (r Record) BurstTicks() uint64 {
	if r.InjectionMultiplicity == 0 {
		return 0
	}
	n := uint64(r.InjectionMultiplicity)
	return n*uint64(r.PulseHighCycles) + (n-1)*BurstGapTicks
}

// WriteReport prints the timing table in a human readable form.
func (t Timing) WriteReport(w io.Writer) error {
	rows := []struct {
		label string
		value decimal.Decimal
	}{
		{"tick", t.Tick},
		{"pulse width", t.PulseWidth},
		{"pulse period", t.PulsePeriod},
		{"header delay", t.HeaderDelay},
		{"burst length", t.Burst},
	}
	if _, err := fmt.Fprintf(w, "clock: %s Hz\n", t.ClockHz.String()); err != nil {
		return err
	}
	for _, row := range rows {
		micro := row.value.Shift(6)
		if _, err := fmt.Fprintf(w, "%-13s %s us\n", row.label+":", micro.String()); err != nil {
			return err
		}
	}
	return nil
}
