package service

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/pulseinj/config"
	"github.com/timzifer/pulseinj/csr"
)

const (
	defaultServerListen   = ":15020"
	defaultRequestTimeout = time.Second

	// HoldingRegisterCount is the number of 16-bit holding registers. Each
	// mapped CSR occupies two, high word first.
	HoldingRegisterCount = int(csr.AddrCount) * 2
	// InputRegisterCount is the number of 16-bit status registers.
	InputRegisterCount = 12
)

// Input register layout.
const (
	InputTick      = 0 // four words, most significant first
	InputLevels    = 4
	InputHeader    = 5
	InputPeriodic  = 6
	InputMode      = 7
	InputEvents    = 8  // two words
	InputCompleted = 10 // two words
)

// Bits of the InputLevels register.
const (
	LevelOutput uint16 = 1 << iota
	LevelHeader
	LevelPeriodic
	LevelRunControlReady
	LevelReset
)

const (
	fcReadHoldingRegisters   = 0x03
	fcReadInputRegisters     = 0x04
	fcWriteSingleRegister    = 0x06
	fcWriteMultipleRegisters = 0x10

	excIllegalFunction = 0x01
	excIllegalAddress  = 0x02
	excIllegalValue    = 0x03
	excServerFailure   = 0x04
	excServerBusy      = 0x06
)

// registerBus is the part of the service the server needs.
type registerBus interface {
	Access(ctx context.Context, req csr.Request) (csr.Response, error)
	UpdateRegister(ctx context.Context, addr csr.Address, mask, value uint32) error
	Status() Status
}

// exception is a Modbus exception response code.
type exception byte

func (e exception) Error() string { return fmt.Sprintf("modbus exception 0x%02X", byte(e)) }

type modbusServer struct {
	logger   zerolog.Logger
	unitID   uint8
	timeout  time.Duration
	bus      registerBus
	listener net.Listener
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
	connsMu  sync.Mutex
	conns    map[net.Conn]struct{}
}

func newModbusServer(cfg config.ServerConfig, bus registerBus, logger zerolog.Logger) (*modbusServer, error) {
	if cfg.Listen == "" {
		cfg.Listen = defaultServerListen
	}
	timeout := cfg.RequestTimeout.Duration
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen modbus server on %s: %w", cfg.Listen, err)
	}
	srv := &modbusServer{
		logger:   logger,
		unitID:   cfg.UnitID,
		timeout:  timeout,
		bus:      bus,
		listener: listener,
		stopCh:   make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
	srv.wg.Add(1)
	go srv.acceptLoop()
	logger.Info().Str("listen", listener.Addr().String()).Msg("modbus server started")
	return srv, nil
}

func (s *modbusServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("modbus server accept failed")
			continue
		}
		s.wg.Add(1)
		s.trackConn(conn)
		go s.handleConn(conn)
	}
}

func (s *modbusServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	defer s.untrackConn(conn)

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			if !isClosedConnError(err) {
				s.logger.Trace().Err(err).Msg("modbus server read header failed")
			}
			return
		}
		length := binary.BigEndian.Uint16(header[4:6])
		if length < 2 {
			s.writeException(conn, header, 0, excIllegalValue)
			continue
		}
		pdu := make([]byte, length-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			if !isClosedConnError(err) {
				s.logger.Trace().Err(err).Msg("modbus server read payload failed")
			}
			return
		}
		if s.unitID != 0 && header[6] != s.unitID {
			// Requests for other unit ids are ignored.
			continue
		}
		function := pdu[0]
		response, err := s.dispatch(function, pdu[1:])
		if err != nil {
			var exc exception
			if !errors.As(err, &exc) {
				exc = excServerFailure
			}
			s.logger.Debug().Err(err).Uint8("function", function).Msg("modbus request rejected")
			s.writeException(conn, header, function, byte(exc))
			continue
		}
		if err := s.writeResponse(conn, header, append([]byte{function}, response...)); err != nil {
			s.logger.Trace().Err(err).Msg("modbus server write failed")
			return
		}
	}
}

func (s *modbusServer) dispatch(function byte, data []byte) ([]byte, error) {
	switch function {
	case fcReadHoldingRegisters:
		start, quantity, err := readRange(data, 125, HoldingRegisterCount)
		if err != nil {
			return nil, err
		}
		words, err := s.readHolding(start, quantity)
		if err != nil {
			return nil, err
		}
		return encodeWords(words), nil
	case fcReadInputRegisters:
		start, quantity, err := readRange(data, 125, InputRegisterCount)
		if err != nil {
			return nil, err
		}
		words := statusRegisters(s.bus.Status())
		return encodeWords(words[start : start+quantity]), nil
	case fcWriteSingleRegister:
		if len(data) != 4 {
			return nil, exception(excIllegalValue)
		}
		address := int(binary.BigEndian.Uint16(data[0:2]))
		if address >= HoldingRegisterCount {
			return nil, exception(excIllegalAddress)
		}
		value := binary.BigEndian.Uint16(data[2:4])
		if err := s.writeHolding(address, []uint16{value}); err != nil {
			return nil, err
		}
		return append([]byte(nil), data...), nil
	case fcWriteMultipleRegisters:
		if len(data) < 5 {
			return nil, exception(excIllegalValue)
		}
		start, quantity, err := readRange(data[:4], 123, HoldingRegisterCount)
		if err != nil {
			return nil, err
		}
		if int(data[4]) != quantity*2 || len(data) != 5+quantity*2 {
			return nil, exception(excIllegalValue)
		}
		values := make([]uint16, quantity)
		for i := range values {
			values[i] = binary.BigEndian.Uint16(data[5+i*2:])
		}
		if err := s.writeHolding(start, values); err != nil {
			return nil, err
		}
		return append([]byte(nil), data[:4]...), nil
	default:
		return nil, exception(excIllegalFunction)
	}
}

func readRange(data []byte, maxQuantity, limit int) (int, int, error) {
	if len(data) != 4 {
		return 0, 0, exception(excIllegalValue)
	}
	start := int(binary.BigEndian.Uint16(data[0:2]))
	quantity := int(binary.BigEndian.Uint16(data[2:4]))
	if quantity == 0 || quantity > maxQuantity {
		return 0, 0, exception(excIllegalValue)
	}
	if start+quantity > limit {
		return 0, 0, exception(excIllegalAddress)
	}
	return start, quantity, nil
}

func encodeWords(words []uint16) []byte {
	out := make([]byte, 1+len(words)*2)
	out[0] = byte(len(words) * 2)
	for i, word := range words {
		binary.BigEndian.PutUint16(out[1+i*2:], word)
	}
	return out
}

func (s *modbusServer) access(req csr.Request) (csr.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	resp, err := s.bus.Access(ctx, req)
	return resp, busyOnTimeout(err)
}

func busyOnTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return exception(excServerBusy)
	}
	return err
}

// readHolding reads every register touched by the range, one bus access per
// register.
func (s *modbusServer) readHolding(start, quantity int) ([]uint16, error) {
	words := make([]uint16, 0, quantity)
	var value uint32
	for reg := start; reg < start+quantity; reg++ {
		if reg == start || reg%2 == 0 {
			resp, err := s.access(csr.Request{Read: true, Address: csr.Address(reg / 2)})
			if err != nil {
				return nil, err
			}
			value = resp.Data
		}
		words = append(words, halfWord(value, reg))
	}
	return words, nil
}

// writeHolding writes values starting at register start. A register whose
// words are only partially covered is updated under a word mask, so its
// other word keeps the committed value.
func (s *modbusServer) writeHolding(start int, values []uint16) error {
	end := start + len(values)
	for addr := start / 2; addr*2 < end; addr++ {
		hiReg, loReg := addr*2, addr*2+1
		var mask, value uint32
		if hiReg >= start {
			mask |= 0xFFFF0000
			value |= uint32(values[hiReg-start]) << 16
		}
		if loReg < end {
			mask |= 0x0000FFFF
			value |= uint32(values[loReg-start])
		}
		if err := s.update(csr.Address(addr), mask, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *modbusServer) update(addr csr.Address, mask, value uint32) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return busyOnTimeout(s.bus.UpdateRegister(ctx, addr, mask, value))
}

func halfWord(value uint32, reg int) uint16 {
	if reg%2 == 0 {
		return uint16(value >> 16)
	}
	return uint16(value)
}

func statusRegisters(status Status) []uint16 {
	words := make([]uint16, InputRegisterCount)
	for i := 0; i < 4; i++ {
		words[InputTick+i] = uint16(status.Tick >> (48 - 16*i))
	}
	var levels uint16
	if status.Output {
		levels |= LevelOutput
	}
	if status.HeaderPulse {
		levels |= LevelHeader
	}
	if status.PeriodicPulse {
		levels |= LevelPeriodic
	}
	if status.State.RunControlReady {
		levels |= LevelRunControlReady
	}
	if status.Reset {
		levels |= LevelReset
	}
	words[InputLevels] = levels
	words[InputHeader] = uint16(status.State.Header.State)
	words[InputPeriodic] = uint16(status.State.Periodic.State)
	words[InputMode] = uint16(status.State.Registers.Mode)
	words[InputEvents] = uint16(status.State.Header.Events >> 16)
	words[InputEvents+1] = uint16(status.State.Header.Events)
	words[InputCompleted] = uint16(status.State.Header.Completed >> 16)
	words[InputCompleted+1] = uint16(status.State.Header.Completed)
	return words
}

func (s *modbusServer) writeResponse(conn net.Conn, header, pdu []byte) error {
	response := make([]byte, 7+len(pdu))
	copy(response[:4], header[:4])
	binary.BigEndian.PutUint16(response[4:6], uint16(len(pdu)+1))
	response[6] = header[6]
	copy(response[7:], pdu)
	_, err := conn.Write(response)
	return err
}

func (s *modbusServer) writeException(conn net.Conn, header []byte, function, code byte) {
	_ = s.writeResponse(conn, header, []byte{function | 0x80, code})
}

func (s *modbusServer) close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
		_ = s.listener.Close()
		s.closeAllConns()
	})
	s.wg.Wait()
	s.logger.Info().Msg("modbus server stopped")
}

func (s *modbusServer) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func isClosedConnError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func (s *modbusServer) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
}

func (s *modbusServer) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *modbusServer) closeAllConns() {
	s.connsMu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.connsMu.Unlock()

	for _, conn := range conns {
		_ = conn.SetDeadline(time.Now())
		_ = conn.Close()
	}
}
