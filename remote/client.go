// Package remote reads and writes injector registers over Modbus TCP.
package remote

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/goburrow/modbus"

	"github.com/timzifer/pulseinj/csr"
	"github.com/timzifer/pulseinj/injector"
	"github.com/timzifer/pulseinj/service"
)

const defaultTimeout = 5 * time.Second

// Options configure a client connection.
type Options struct {
	Address string
	UnitID  uint8
	Timeout time.Duration
}

// Status is the decoded input register block.
type Status struct {
	Tick            uint64
	Output          bool
	HeaderPulse     bool
	PeriodicPulse   bool
	RunControlReady bool
	Reset           bool
	Header          injector.HeaderState
	Periodic        injector.PeriodicState
	Mode            csr.Mode
	Events          uint32
	Completed       uint32
}

// Client talks to the register server of a running controller.
type Client struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// Dial connects to the register server.
func Dial(opts Options) (*Client, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("remote address is required")
	}
	handler := modbus.NewTCPClientHandler(opts.Address)
	handler.SlaveId = opts.UnitID
	handler.Timeout = opts.Timeout
	if handler.Timeout <= 0 {
		handler.Timeout = defaultTimeout
	}
	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("connect remote %s: %w", opts.Address, err)
	}
	return &Client{handler: handler, client: modbus.NewClient(handler)}, nil
}

// ReadRegister reads one 32-bit register.
func (c *Client) ReadRegister(addr csr.Address) (uint32, error) {
	if !addr.Mapped() {
		return 0, fmt.Errorf("register %s is not reachable over modbus", addr)
	}
	raw, err := c.client.ReadHoldingRegisters(uint16(addr)*2, 2)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", addr, err)
	}
	if len(raw) != 4 {
		return 0, fmt.Errorf("read %s: unexpected response length %d", addr, len(raw))
	}
	return binary.BigEndian.Uint32(raw), nil
}

// ReadAll reads every mapped register in address order.
func (c *Client) ReadAll() ([]uint32, error) {
	raw, err := c.client.ReadHoldingRegisters(0, uint16(service.HoldingRegisterCount))
	if err != nil {
		return nil, fmt.Errorf("read registers: %w", err)
	}
	if len(raw) != service.HoldingRegisterCount*2 {
		return nil, fmt.Errorf("read registers: unexpected response length %d", len(raw))
	}
	values := make([]uint32, csr.AddrCount)
	for i := range values {
		values[i] = binary.BigEndian.Uint32(raw[i*4:])
	}
	return values, nil
}

// WriteRegister writes one 32-bit register in a single request.
func (c *Client) WriteRegister(addr csr.Address, value uint32) error {
	if !addr.Mapped() {
		return fmt.Errorf("register %s is not reachable over modbus", addr)
	}
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, value)
	if _, err := c.client.WriteMultipleRegisters(uint16(addr)*2, 2, payload); err != nil {
		return fmt.Errorf("write %s: %w", addr, err)
	}
	return nil
}

// ReadStatus reads the status block.
func (c *Client) ReadStatus() (Status, error) {
	raw, err := c.client.ReadInputRegisters(0, service.InputRegisterCount)
	if err != nil {
		return Status{}, fmt.Errorf("read status: %w", err)
	}
	if len(raw) != service.InputRegisterCount*2 {
		return Status{}, fmt.Errorf("read status: unexpected response length %d", len(raw))
	}
	word := func(i int) uint16 { return binary.BigEndian.Uint16(raw[i*2:]) }
	levels := word(service.InputLevels)
	return Status{
		Tick:            binary.BigEndian.Uint64(raw[service.InputTick*2:]),
		Output:          levels&service.LevelOutput != 0,
		HeaderPulse:     levels&service.LevelHeader != 0,
		PeriodicPulse:   levels&service.LevelPeriodic != 0,
		RunControlReady: levels&service.LevelRunControlReady != 0,
		Reset:           levels&service.LevelReset != 0,
		Header:          injector.HeaderState(word(service.InputHeader)),
		Periodic:        injector.PeriodicState(word(service.InputPeriodic)),
		Mode:            csr.Mode(word(service.InputMode)),
		Events:          binary.BigEndian.Uint32(raw[service.InputEvents*2:]),
		Completed:       binary.BigEndian.Uint32(raw[service.InputCompleted*2:]),
	}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	if c.handler != nil {
		return c.handler.Close()
	}
	return nil
}
