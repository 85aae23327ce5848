// Package canstream turns CAN frames into framing events.
//
// Frames are received from a gateway speaking the 13-byte stream format over
// UDP or TCP, or from a SocketCAN interface on Linux. Each configured frame
// binding yields one event per matching frame. With a DBC file the channel
// and payload can be taken from named signals; otherwise the channel is fixed
// and the payload is the raw frame data.
package canstream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/pulseinj/config"
	"github.com/timzifer/pulseinj/injector"
	"github.com/timzifer/pulseinj/runtime/stimulus"
)

const streamFrameSize = 13

type frame struct {
	id       uint32
	extended bool
	channel  uint8
	remote   bool
	dlc      uint8
	data     [8]byte
}

// NewSourceFactory returns a stimulus.Factory for CAN sources. The returned
// source starts receiving immediately and reconnects after failures until it
// is closed.
func NewSourceFactory() stimulus.Factory {
	return func(cfg config.SourceConfig, deps stimulus.Dependencies) (stimulus.Source, error) {
		if cfg.ID == "" {
			return nil, errors.New("source id must not be empty")
		}
		resolved, err := resolveSettings(cfg)
		if err != nil {
			return nil, err
		}
		buffer, err := stimulus.NewEventBuffer(cfg.BufferSize())
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		src := &source{
			cfg:      cfg,
			settings: resolved,
			buffer:   buffer,
			logger:   deps.Logger.With().Str("source", cfg.ID).Logger(),
			ctx:      ctx,
			cancel:   cancel,
			done:     make(chan struct{}),
		}
		go src.run()
		return src, nil
	}
}

type source struct {
	cfg      config.SourceConfig
	settings settings
	buffer   *stimulus.EventBuffer
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	errors atomic.Uint64

	mu   sync.Mutex
	conn net.Conn
}

func (s *source) ID() string { return s.cfg.ID }

func (s *source) Poll(uint64) (injector.Event, bool) {
	return s.buffer.Pop()
}

func (s *source) Status() stimulus.Status {
	return stimulus.Status{
		ID:       s.cfg.ID,
		Driver:   "canstream",
		Buffered: s.buffer.Len(),
		Dropped:  s.buffer.Dropped(),
		Errors:   s.errors.Load(),
		Source:   s.cfg.Source,
	}
}

func (s *source) Close() {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	<-s.done
}

func (s *source) run() {
	defer close(s.done)
	for {
		err := s.session()
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.errors.Add(1)
			s.logger.Error().Err(err).Str("protocol", s.settings.protocol).Msg("can stream session failed")
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *source) session() error {
	switch s.settings.protocol {
	case "socketcan":
		return s.receiveSocketCAN()
	case "tcp":
		dialer := net.Dialer{Timeout: defaultDialTimeout}
		conn, err := dialer.DialContext(s.ctx, "tcp", s.settings.address)
		if err != nil {
			return fmt.Errorf("dial tcp %s: %w", s.settings.address, err)
		}
		return s.receiveStream(conn, false)
	default:
		local, err := net.ResolveUDPAddr("udp", s.settings.address)
		if err != nil {
			return fmt.Errorf("resolve udp address %s: %w", s.settings.address, err)
		}
		conn, err := net.ListenUDP("udp", local)
		if err != nil {
			return fmt.Errorf("listen udp %s: %w", s.settings.address, err)
		}
		return s.receiveStream(conn, true)
	}
}

// track publishes conn so Close can interrupt a blocked read. It reports
// false and closes conn when the source is already closing.
func (s *source) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		_ = conn.Close()
		return false
	}
	s.conn = conn
	return true
}

func (s *source) untrack() {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *source) localAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// receiveStream reads stream frames until the connection fails. Datagrams
// carry whole frames, so a trailing fragment is discarded.
func (s *source) receiveStream(conn net.Conn, datagram bool) error {
	if !s.track(conn) {
		return nil
	}
	defer s.untrack()

	tmp := make([]byte, s.settings.bufferSize)
	var pending []byte
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.settings.readTimeout)); err != nil {
			s.logger.Debug().Err(err).Msg("set read deadline failed")
		}
		n, err := conn.Read(tmp)
		if n > 0 {
			pending = s.drain(append(pending, tmp[:n]...))
			if datagram {
				pending = pending[:0]
			}
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}

// drain dispatches every complete frame in buf and returns the unconsumed
// remainder.
func (s *source) drain(buf []byte) []byte {
	offset := 0
	for offset < len(buf) {
		frm, consumed, err := decodeFrame(buf[offset:])
		if err != nil {
			s.errors.Add(1)
			s.logger.Error().Err(err).Msg("decode CAN frame failed")
			offset++
			continue
		}
		if consumed == 0 {
			break
		}
		offset += consumed
		s.dispatch(frm)
	}
	remaining := copy(buf, buf[offset:])
	return buf[:remaining]
}

func (s *source) dispatch(frm frame) {
	if frm.remote {
		return
	}
	for _, binding := range s.settings.bindings[frameKey{id: frm.id, extended: frm.extended}] {
		ev, err := binding.event(frm)
		if err != nil {
			s.errors.Add(1)
			s.logger.Error().Err(err).Uint32("frame_id", frm.id).Msg("decode CAN signal failed")
			continue
		}
		if err := s.buffer.Push(ev); err != nil {
			s.logger.Warn().Err(err).Int("capacity", s.buffer.Capacity()).Msg("framing event dropped")
		}
	}
}

func (b frameBinding) event(frm frame) (injector.Event, error) {
	channel := uint64(b.channel)
	if b.channelSignal != nil {
		value, err := extractSignalBits(b.channelSignal, frm.data[:])
		if err != nil {
			return injector.Event{}, err
		}
		channel = value
	}
	if channel > math.MaxUint32 {
		return injector.Event{}, fmt.Errorf("channel %d out of range", channel)
	}
	payload := rawPayload(frm)
	if b.payloadSignal != nil {
		value, err := extractSignalBits(b.payloadSignal, frm.data[:])
		if err != nil {
			return injector.Event{}, err
		}
		payload = value
	}
	return injector.NewEvent(uint32(channel), payload), nil
}

// rawPayload interprets the first dlc data bytes as a little-endian integer.
func rawPayload(frm frame) uint64 {
	var data [8]byte
	copy(data[:frm.dlc], frm.data[:frm.dlc])
	return binary.LittleEndian.Uint64(data[:])
}

func decodeFrame(buf []byte) (frame, int, error) {
	if len(buf) < streamFrameSize {
		return frame{}, 0, nil
	}
	ctrl := buf[0]
	dlc := ctrl & 0x0F
	if dlc > 8 {
		return frame{}, 0, fmt.Errorf("invalid dlc %d", dlc)
	}
	extended := ctrl&0x80 != 0
	id := binary.BigEndian.Uint32(buf[1:5])
	if extended {
		id &= 0x1FFFFFFF
	} else {
		id &= 0x7FF
	}
	frm := frame{
		id:       id,
		extended: extended,
		channel:  (ctrl >> 5) & 0x01,
		remote:   ctrl&0x40 != 0,
		dlc:      dlc,
	}
	copy(frm.data[:], buf[5:streamFrameSize])
	return frm, streamFrameSize, nil
}
