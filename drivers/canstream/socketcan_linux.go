//go:build linux

package canstream

import (
	"fmt"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

func (s *source) receiveSocketCAN() error {
	conn, err := socketcan.DialContext(s.ctx, "can", s.settings.address)
	if err != nil {
		return fmt.Errorf("dial socketcan %s: %w", s.settings.address, err)
	}
	if !s.track(conn) {
		return nil
	}
	defer s.untrack()

	recv := socketcan.NewReceiver(conn)
	for recv.Receive() {
		if recv.HasErrorFrame() {
			s.errors.Add(1)
			s.logger.Warn().Str("interface", s.settings.address).Msg("socketcan error frame")
			continue
		}
		s.dispatch(fromCAN(recv.Frame()))
	}
	if s.ctx.Err() != nil {
		return nil
	}
	if err := recv.Err(); err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}

func fromCAN(f can.Frame) frame {
	return frame{
		id:       f.ID,
		extended: f.IsExtended,
		remote:   f.IsRemote,
		dlc:      f.Length,
		data:     [8]byte(f.Data),
	}
}
