package bundle

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/pulseinj/config"
	"github.com/timzifer/pulseinj/service"
)

func bundledConfig() *config.Config {
	return &config.Config{
		Sources: []config.SourceConfig{
			{ID: "can", Driver: "canstream"},
			{ID: "noise", Driver: "random"},
			{ID: "stim", Driver: "script"},
		},
		Sinks: []config.SinkConfig{
			{ID: "broker", Driver: "mqtt"},
			{ID: "trace", Driver: "log"},
		},
	}
}

func TestOptionsRegisterAllDrivers(t *testing.T) {
	require.Error(t, service.Validate(bundledConfig()))
	require.NoError(t, service.Validate(bundledConfig(), Options()...))
}

func TestSingleDriverOptions(t *testing.T) {
	cfg := &config.Config{Sources: []config.SourceConfig{{ID: "noise", Driver: "random"}}}
	require.Error(t, service.Validate(cfg, WithCAN(), WithScript(), WithMQTT()))
	require.NoError(t, service.Validate(cfg, WithRandom()))
}

func TestBundledServiceRuns(t *testing.T) {
	seed := int64(1)
	cfg := &config.Config{
		Registers: config.RegisterPreset{Mode: "header-sync"},
		Sources: []config.SourceConfig{
			{ID: "noise", Driver: "random", Random: &config.RandomSourceConfig{Seed: &seed, Probability: 1}},
			{ID: "stim", Driver: "script", Script: &config.ScriptSourceConfig{Valid: "tick % 2 == 0"}},
		},
		Sinks: []config.SinkConfig{{ID: "trace", Driver: "log"}},
	}
	svc, err := service.New(cfg, zerolog.Nop(), Options()...)
	require.NoError(t, err)
	defer svc.Close()

	start := svc.Status().Tick
	for i := 0; i < 10; i++ {
		require.NoError(t, svc.IterateOnce(context.Background(), time.Now()))
	}
	status := svc.Status()
	require.Equal(t, start+10, status.Tick)
	require.Len(t, status.Sources, 2)
}
