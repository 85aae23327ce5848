// Package injector implements the tick-accurate pulse injector: the
// header-synchronized and periodic generators, the channel filter, the output
// arbiter and the run-control acknowledgement, all clocked by Core.Step.
package injector

import "github.com/timzifer/pulseinj/csr"

// Inputs are the signals sampled during one tick.
type Inputs struct {
	Reset      bool
	Bus        csr.Request
	Event      Event
	RunControl RunControlBeat
}

// Outputs are the signals driven during one tick.
type Outputs struct {
	Pulse           bool
	HeaderPulse     bool
	PeriodicPulse   bool
	Bus             csr.Response
	RunControlReady bool
}

// State is a copy of everything committed at a tick boundary.
type State struct {
	Tick            uint64
	Registers       csr.Record
	Header          HeaderSync
	Periodic        Periodic
	RunControlReady bool
}

// Core owns all synchronous state. It is not safe for concurrent use.
type Core struct {
	regs     *csr.File
	header   HeaderSync
	periodic Periodic
	runctl   RunControl
	tick     uint64
}

// New returns a core in its post-reset state.
func New(channelWidth uint) (*Core, error) {
	regs, err := csr.New(channelWidth)
	if err != nil {
		return nil, err
	}
	return &Core{regs: regs}, nil
}

// Step advances the core by one tick. Outputs reflect the state committed at
// the previous boundary; every next-state value is derived from that same
// snapshot and committed together before Step returns.
func (c *Core) Step(in Inputs) Outputs {
	cfg := c.regs.Record()
	out := Outputs{
		HeaderPulse:     c.header.Pulse,
		PeriodicPulse:   c.periodic.Pulse,
		RunControlReady: c.runctl.Ready,
	}
	out.Pulse = Arbitrate(cfg.Mode, out.HeaderPulse, out.PeriodicPulse)
	c.tick++

	if in.Reset {
		out.Bus = csr.Response{Busy: true}
		c.regs.Reset()
		c.header = HeaderSync{}
		c.periodic = Periodic{}
		c.runctl = RunControl{}
		return out
	}

	qualifying := Qualifies(in.Event, cfg.HeaderCh, c.regs.ChannelMask())
	header := c.header.next(cfg, qualifying)
	periodic := c.periodic.next(cfg)
	runctl := c.runctl.next(in.RunControl)

	out.Bus = c.regs.Service(in.Bus)
	if out.Bus.Wrote {
		// Any committed configuration write restarts both sequencers.
		header = HeaderSync{}
		periodic = Periodic{}
	}

	c.header = header
	c.periodic = periodic
	c.runctl = runctl
	return out
}

// Snapshot returns the committed state.
func (c *Core) Snapshot() State {
	return State{
		Tick:            c.tick,
		Registers:       c.regs.Record(),
		Header:          c.header,
		Periodic:        c.periodic,
		RunControlReady: c.runctl.Ready,
	}
}

// ChannelWidth returns the width of the header_ch register.
func (c *Core) ChannelWidth() uint { return c.regs.ChannelWidth() }
