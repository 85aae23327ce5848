package canstream

import (
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/pulseinj/config"
	"github.com/timzifer/pulseinj/injector"
	"github.com/timzifer/pulseinj/runtime/stimulus"
)

const testDBC = `VERSION ""

BU_: GW

BO_ 291 Trigger: 8 GW
 SG_ Lane : 0|4@1+ (1,0) [0|15] "" GW
 SG_ Stamp : 8|16@1+ (1,0) [0|65535] "" GW
`

func encodeFrame(id uint32, extended bool, data []byte) []byte {
	buf := make([]byte, streamFrameSize)
	buf[0] = byte(len(data))
	if extended {
		buf[0] |= 0x80
	}
	binary.BigEndian.PutUint32(buf[1:5], id)
	copy(buf[5:], data)
	return buf
}

func newTestSource(t *testing.T, cfg config.SourceConfig) *source {
	t.Helper()
	src, err := NewSourceFactory()(cfg, stimulus.Dependencies{Logger: zerolog.Nop(), ChannelWidth: 4})
	require.NoError(t, err)
	t.Cleanup(src.Close)
	return src.(*source)
}

func pollEventually(t *testing.T, src stimulus.Source) injector.Event {
	t.Helper()
	var ev injector.Event
	require.Eventually(t, func() bool {
		var ok bool
		ev, ok = src.Poll(0)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return ev
}

func TestDecodeFrame(t *testing.T) {
	buf := encodeFrame(0x1ABCDEF0, true, []byte{1, 2, 3})
	buf[0] |= 0x20
	frm, consumed, err := decodeFrame(buf)
	require.NoError(t, err)
	require.Equal(t, streamFrameSize, consumed)
	require.True(t, frm.extended)
	require.Equal(t, uint32(0x1ABCDEF0), frm.id)
	require.Equal(t, uint8(1), frm.channel)
	require.Equal(t, uint8(3), frm.dlc)
	require.False(t, frm.remote)

	std := encodeFrame(0xFFFF, false, nil)
	frm, _, err = decodeFrame(std)
	require.NoError(t, err)
	require.Equal(t, uint32(0x7FF), frm.id)

	_, consumed, err = decodeFrame(buf[:12])
	require.NoError(t, err)
	require.Zero(t, consumed)

	bad := encodeFrame(1, false, nil)
	bad[0] = 0x09
	_, _, err = decodeFrame(bad)
	require.Error(t, err)
}

func TestRawPayloadUsesDLC(t *testing.T) {
	frm := frame{dlc: 2, data: [8]byte{0x34, 0x12, 0xFF, 0xFF}}
	require.Equal(t, uint64(0x1234), rawPayload(frm))
}

func TestSignalBindingsMapFrames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trigger.dbc"), []byte(testDBC), 0o600))
	cfgPath := filepath.Join(dir, "config.yaml")

	resolved, err := resolveSettings(config.SourceConfig{
		ID: "can",
		CAN: &config.CANSourceConfig{
			Address: "127.0.0.1:0",
			DBC:     "trigger.dbc",
			Frames:  []config.CANFrameConfig{{Message: "trigger", ChannelSignal: "Lane", PayloadSignal: "Stamp"}},
		},
		Source: config.ModuleReference{File: cfgPath},
	})
	require.NoError(t, err)
	bindings := resolved.bindings[frameKey{id: 291}]
	require.Len(t, bindings, 1)

	ev, err := bindings[0].event(frame{id: 291, dlc: 8, data: [8]byte{0xA5, 0x34, 0x12}})
	require.NoError(t, err)
	require.True(t, ev.Valid)
	require.Equal(t, uint32(5), ev.Channel)
	require.Equal(t, uint64(0x1234), ev.Payload)
}

func TestResolveSettingsRejectsInvalidBindings(t *testing.T) {
	channel := uint32(1)
	cases := map[string]*config.CANSourceConfig{
		"missing frames":   {Address: "x"},
		"missing address":  {Frames: []config.CANFrameConfig{{FrameID: "1"}}},
		"protocol":         {Protocol: "serial", Address: "x", Frames: []config.CANFrameConfig{{FrameID: "1"}}},
		"signal needs dbc": {Address: "x", Frames: []config.CANFrameConfig{{FrameID: "1", PayloadSignal: "a"}}},
		"bad id":           {Address: "x", Frames: []config.CANFrameConfig{{FrameID: "0xZZ"}}},
		"both channels":    {Address: "x", Frames: []config.CANFrameConfig{{FrameID: "1", Channel: &channel, ChannelSignal: "a"}}},
		"missing dbc":      {Address: "x", DBC: "/nonexistent.dbc", Frames: []config.CANFrameConfig{{Message: "a"}}},
	}
	for name, canCfg := range cases {
		_, err := resolveSettings(config.SourceConfig{ID: "can", CAN: canCfg})
		require.Error(t, err, name)
	}
	_, err := resolveSettings(config.SourceConfig{ID: "can"})
	require.Error(t, err)
}

func TestUDPSourceQueuesEvents(t *testing.T) {
	channel := uint32(3)
	src := newTestSource(t, config.SourceConfig{
		ID:     "can",
		Buffer: 4,
		CAN: &config.CANSourceConfig{
			Protocol: "udp",
			Address:  "127.0.0.1:0",
			Frames:   []config.CANFrameConfig{{FrameID: "0x100", Channel: &channel}},
		},
	})
	require.Eventually(t, func() bool { return src.localAddr() != nil }, 2*time.Second, 5*time.Millisecond)

	conn, err := net.Dial("udp", src.localAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	datagram := append(encodeFrame(0x100, false, []byte{7}), encodeFrame(0x200, false, []byte{9})...)
	datagram = append(datagram, encodeFrame(0x100, false, []byte{8})...)
	_, err = conn.Write(datagram)
	require.NoError(t, err)

	first := pollEventually(t, src)
	require.Equal(t, injector.NewEvent(3, 7), first)
	second := pollEventually(t, src)
	require.Equal(t, injector.NewEvent(3, 8), second)

	_, ok := src.Poll(0)
	require.False(t, ok)
	require.Zero(t, src.Status().Dropped)
}

func TestTCPSourceCountsOverflow(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	src := newTestSource(t, config.SourceConfig{
		ID:     "can",
		Buffer: 2,
		CAN: &config.CANSourceConfig{
			Protocol: "tcp",
			Address:  listener.Addr().String(),
			Frames:   []config.CANFrameConfig{{FrameID: "0x1F", Extended: boolPtr(true)}},
		},
	})

	conn, err := listener.Accept()
	require.NoError(t, err)
	defer conn.Close()

	var stream []byte
	for i := byte(1); i <= 3; i++ {
		stream = append(stream, encodeFrame(0x1F, true, []byte{i})...)
	}
	// Split mid-frame to exercise reassembly.
	_, err = conn.Write(stream[:20])
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write(stream[20:])
	require.NoError(t, err)

	require.Eventually(t, func() bool { return src.Status().Dropped == 1 }, 2*time.Second, 5*time.Millisecond)
	status := src.Status()
	require.Equal(t, 2, status.Buffered)
	require.Equal(t, "canstream", status.Driver)

	ev, ok := src.Poll(0)
	require.True(t, ok)
	require.Equal(t, uint64(2), ev.Payload)
}

func boolPtr(v bool) *bool { return &v }
