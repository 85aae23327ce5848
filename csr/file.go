package csr

import "fmt"

// Request is the register bus request presented during one tick.
type Request struct {
	Read    bool
	Write   bool
	Address Address
	Data    uint32
}

// Response is the register bus response for the same tick.
type Response struct {
	// Data carries the read value; zero for writes and idle ticks.
	Data uint32
	// Busy is asserted on every tick without a serviced access.
	Busy bool
	// Wrote reports that a write to a mapped register was committed.
	Wrote bool
}

// File is the register file. It is owned by a single writer; callers that
// share it across goroutines must serialise access.
type File struct {
	width uint
	mask  uint32
	rec   Record
}

// New creates a register file with header_ch of the given width and the
// documented defaults loaded.
func New(channelWidth uint) (*File, error) {
	if channelWidth == 0 || channelWidth > MaxChannelWidth {
		return nil, fmt.Errorf("channel width %d out of range [1, %d]", channelWidth, MaxChannelWidth)
	}
	return &File{width: channelWidth, mask: widthMask(channelWidth), rec: Defaults()}, nil
}

// ChannelWidth returns the width of header_ch in bits.
func (f *File) ChannelWidth() uint { return f.width }

// ChannelMask returns the bit mask of valid channel tags.
func (f *File) ChannelMask() uint32 { return f.mask }

// Record returns a copy of the committed register contents.
func (f *File) Record() Record { return f.rec }

// Reset restores the documented defaults.
func (f *File) Reset() { f.rec = Defaults() }

// Read returns the register value zero-extended to 32 bits. Unmapped
// addresses read as zero.
func (f *File) Read(addr Address) uint32 {
	return f.rec.get(addr)
}

// Write stores value truncated to the register width. It reports false for
// unmapped addresses, which are ignored.
func (f *File) Write(addr Address, value uint32) bool {
	if !addr.Mapped() {
		return false
	}
	f.rec.set(addr, value&widthMask(fieldWidth(addr, f.width)))
	return true
}

// Service executes one bus cycle. Every access completes in the tick it is
// presented; reads win over simultaneous writes.
func (f *File) Service(req Request) Response {
	switch {
	case req.Read:
		return Response{Data: f.Read(req.Address)}
	case req.Write:
		return Response{Wrote: f.Write(req.Address, req.Data)}
	default:
		return Response{Busy: true}
	}
}
