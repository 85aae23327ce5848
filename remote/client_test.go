package remote

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/pulseinj/config"
	"github.com/timzifer/pulseinj/csr"
	"github.com/timzifer/pulseinj/injector"
	"github.com/timzifer/pulseinj/service"
)

func startService(t *testing.T) *service.Service {
	t.Helper()
	svc, err := service.New(&config.Config{
		Cycle: config.Duration{Duration: time.Millisecond},
		Server: config.ServerConfig{
			Enabled: true,
			Listen:  "127.0.0.1:0",
			UnitID:  7,
		},
	}, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = svc.Close()
	})
	return svc
}

func TestDialRequiresAddress(t *testing.T) {
	_, err := Dial(Options{})
	require.Error(t, err)
}

func TestDialConnectionFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(Options{Address: addr})
	require.Error(t, err)
}

func TestClientRoundTrip(t *testing.T) {
	svc := startService(t)
	client, err := Dial(Options{Address: svc.ServerAddr(), UnitID: 7})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, client.Close()) })
	require.Equal(t, defaultTimeout, client.handler.Timeout)

	require.NoError(t, client.WriteRegister(csr.AddrPulseInterval, 0x00012345))
	value, err := client.ReadRegister(csr.AddrPulseInterval)
	require.NoError(t, err)
	require.Equal(t, uint32(0x00012345), value)

	require.NoError(t, client.WriteRegister(csr.AddrMode, uint32(csr.ModePeriodic)))
	all, err := client.ReadAll()
	require.NoError(t, err)
	require.Len(t, all, int(csr.AddrCount))
	require.Equal(t, uint32(csr.ModePeriodic), all[csr.AddrMode])
	require.Equal(t, uint32(csr.DefaultHeaderDelay), all[csr.AddrHeaderDelay])

	status, err := client.ReadStatus()
	require.NoError(t, err)
	require.Equal(t, csr.ModePeriodic, status.Mode)
	require.True(t, status.RunControlReady)
	require.NotEqual(t, injector.PeriodicReset, status.Periodic)
	require.Positive(t, status.Tick)

	require.Error(t, client.WriteRegister(csr.Address(9), 1))
	_, err = client.ReadRegister(csr.Address(9))
	require.Error(t, err)
}
