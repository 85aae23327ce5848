//go:build !linux

package canstream

import "errors"

func (s *source) receiveSocketCAN() error {
	return errors.New("socketcan is only supported on linux")
}
