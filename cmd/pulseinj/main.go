package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/pulseinj/config"
	"github.com/timzifer/pulseinj/csr"
	"github.com/timzifer/pulseinj/drivers/bundle"
	"github.com/timzifer/pulseinj/internal/logging"
	"github.com/timzifer/pulseinj/internal/reload"
	"github.com/timzifer/pulseinj/service"
	"github.com/timzifer/pulseinj/telemetry"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	configCheck := flag.Bool("config-check", false, "Validate configuration, print the timing report and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.Listen != "" {
		stop := serveMetrics(cfg.Telemetry.Listen)
		defer stop()
	}

	if err := run(ctx, *cfgPath, cfg, collector); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("service stopped")
	}
}

// run executes the service and restarts it whenever a configuration file
// changes and hot reload is enabled.
func run(ctx context.Context, cfgPath string, cfg *config.Config, collector telemetry.Collector) error {
	var changes <-chan []string
	watcher, err := reload.NewWatcher(cfgPath, cfg)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if cfg.HotReload {
		changes = watcher.Watch(ctx, time.Second)
	}

	for {
		logger, cleanup, err := logging.Setup(cfg.Logging)
		if err != nil {
			return err
		}
		log.Logger = logger

		srv, err := service.New(cfg, logger, bundle.Options()...)
		if err != nil {
			cleanup()
			return err
		}
		srv.SetTelemetry(collector)
		for _, note := range srv.Snapshot().Registers.Diagnose() {
			logger.Warn().Str("component", "registers").Msg(note)
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Run(runCtx)
		}()

		next, err := waitForReload(ctx, cfgPath, watcher, changes, errCh, collector, logger)
		cancelRun()
		if runErr := <-errCh; runErr != nil && err == nil {
			err = runErr
		}
		_ = srv.Close()
		cleanup()
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		cfg = next
	}
}

func waitForReload(ctx context.Context, cfgPath string, watcher *reload.Watcher, changes <-chan []string, errCh <-chan error, collector telemetry.Collector, logger zerolog.Logger) (*config.Config, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case err := <-errCh:
			if err == nil {
				err = errors.New("service stopped unexpectedly")
			}
			return nil, err
		case changed, ok := <-changes:
			if !ok {
				return nil, nil
			}
			next, err := config.Load(cfgPath)
			if err != nil {
				logger.Error().Err(err).Msg("failed to reload configuration")
				continue
			}
			if err := service.Validate(next, bundle.Options()...); err != nil {
				logger.Error().Err(err).Msg("reloaded configuration invalid")
				continue
			}
			if err := watcher.Update(cfgPath, next); err != nil {
				logger.Error().Err(err).Msg("failed to update watcher state")
			}
			for _, file := range changed {
				collector.IncHotReload(file)
			}
			logger.Info().Strs("files", changed).Msg("configuration changed, restarting")
			return next, nil
		}
	}
}

func executeConfigCheck(cfg *config.Config) int {
	if err := service.Validate(cfg, bundle.Options()...); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}

	file, err := presetFile(cfg.Registers, cfg.Width())
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}
	fmt.Printf("Configuration %q\n", describeConfig(cfg))
	fmt.Printf("  Cycle: %s per tick\n", cfg.CycleInterval())
	fmt.Printf("  Channel width: %d bits\n", cfg.Width())
	fmt.Println("  Registers:")
	for _, field := range csr.Fields(cfg.Width()) {
		fmt.Printf("    %-24s %d\n", field.Name, file.Read(field.Address))
	}
	record := file.Record()

	clock := cfg.ClockHz
	if clock > 0 {
		timing, err := record.Timing(clock)
		if err != nil {
			fmt.Fprintf(os.Stderr, "timing report failed: %v\n", err)
			return 1
		}
		fmt.Println("  Timing:")
		if err := timing.WriteReport(indent{prefix: "    "}); err != nil {
			fmt.Fprintf(os.Stderr, "timing report failed: %v\n", err)
			return 1
		}
	}

	notes := record.Diagnose()
	if len(notes) > 0 {
		fmt.Println("  Notes:")
		for _, note := range notes {
			fmt.Printf("    - %s\n", note)
		}
	}
	fmt.Printf("  Sources: %d, sinks: %d\n", len(cfg.Sources), len(cfg.Sinks))
	fmt.Println("Configuration check completed successfully.")
	return 0
}

// presetFile applies the configured presets to a register file holding the
// reset defaults.
func presetFile(preset config.RegisterPreset, width uint) (*csr.File, error) {
	file, err := csr.New(width)
	if err != nil {
		return nil, err
	}
	for _, value := range preset.Values() {
		addr, err := csr.Lookup(value.Name)
		if err != nil {
			return nil, err
		}
		file.Write(addr, value.Value)
	}
	if preset.Mode != "" {
		mode, err := csr.ParseMode(preset.Mode)
		if err != nil {
			return nil, err
		}
		file.Write(csr.AddrMode, uint32(mode))
	}
	return file, nil
}

type indent struct {
	prefix string
}

func (i indent) Write(p []byte) (int, error) {
	lines := strings.SplitAfter(string(p), "\n")
	for _, line := range lines {
		if line == "" {
			continue
		}
		if _, err := fmt.Fprint(os.Stdout, i.prefix+line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func describeConfig(cfg *config.Config) string {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = cfg.Source.File
	}
	if desc := strings.TrimSpace(cfg.Description); desc != "" {
		return fmt.Sprintf("%s: %s", name, desc)
	}
	return name
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return nil, err
		}
		return collector, nil
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}

func serveMetrics(listen string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("listen", listen).Msg("metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
