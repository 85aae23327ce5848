package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `name: bench
cycle: 2ms
clock_hz: 40000000
channel_width: 6
registers:
  mode: header_sync
  header_interval: 3
  header_ch: 9
  pulse_high_cycles: 5
server:
  enabled: true
  listen: 127.0.0.1:1502
  request_timeout: 250ms
sources:
  - id: gen
    driver: random
    buffer: 16
    random:
      probability: 0.25
      channels: [9, 1]
sinks:
  - id: edges
    driver: log
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CycleInterval() != 2*time.Millisecond {
		t.Fatalf("unexpected cycle %s", cfg.CycleInterval())
	}
	if cfg.Width() != 6 || cfg.ClockHz != 40000000 {
		t.Fatalf("unexpected width %d or clock %d", cfg.Width(), cfg.ClockHz)
	}
	if cfg.Registers.Mode != "header_sync" {
		t.Fatalf("unexpected mode %q", cfg.Registers.Mode)
	}
	values := cfg.Registers.Values()
	if len(values) != 3 || values[0].Name != "header_interval" || values[1].Name != "header_ch" || values[1].Value != 9 {
		t.Fatalf("unexpected preset order %+v", values)
	}
	if cfg.Server.RequestTimeout.Duration != 250*time.Millisecond {
		t.Fatalf("unexpected request timeout %s", cfg.Server.RequestTimeout)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].Random == nil || cfg.Sources[0].BufferSize() != 16 {
		t.Fatalf("unexpected sources %+v", cfg.Sources)
	}
	if cfg.Sources[0].Source.File != path {
		t.Fatalf("source reference %q, want %q", cfg.Sources[0].Source.File, path)
	}
	if len(cfg.Sinks) != 1 || cfg.Sinks[0].Driver != "log" {
		t.Fatalf("unexpected sinks %+v", cfg.Sinks)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	writeFile(t, path, "name: empty\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CycleInterval() != DefaultCycle {
		t.Fatalf("expected default cycle, got %s", cfg.CycleInterval())
	}
	if cfg.Width() != DefaultChannelWidth {
		t.Fatalf("expected default width, got %d", cfg.Width())
	}
	if !cfg.Registers.Empty() {
		t.Fatalf("expected empty preset")
	}
}

func TestLoadCUE(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.cue")
	writeFile(t, path, `package pulseinj

config: {
	cycle:    "500us"
	clock_hz: 100000000
	registers: {
		mode:           "periodic"
		pulse_interval: 20
	}
	sources: [{
		id:     "stim"
		driver: "script"
		script: {
			valid:   "tick % 10 == 0"
			channel: "2"
		}
	}]
}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CycleInterval() != 500*time.Microsecond {
		t.Fatalf("unexpected cycle %s", cfg.CycleInterval())
	}
	if cfg.Registers.PulseInterval == nil || *cfg.Registers.PulseInterval != 20 {
		t.Fatalf("unexpected pulse interval %+v", cfg.Registers.PulseInterval)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].Script == nil || cfg.Sources[0].Script.Valid != "tick % 10 == 0" {
		t.Fatalf("unexpected sources %+v", cfg.Sources)
	}
}

func TestLoadCUERejectsSchemaViolations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.cue")
	writeFile(t, path, `config: {
	registers: pulse_high_cycles: 300
}
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected schema violation")
	}

	writeFile(t, path, `settings: {}`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "missing top-level config") {
		t.Fatalf("expected missing config error, got %v", err)
	}
}

func TestLoadModules(t *testing.T) {
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "config.yaml")
	modulePath := filepath.Join(dir, "stimulus.cue")

	writeFile(t, modulePath, `config: {
	cycle: "5ms"
	sources: [{id: "extra", driver: "random"}]
}
`)
	writeFile(t, mainPath, `cycle: 1ms
modules:
  - stimulus.cue
sources:
  - id: base
    driver: random
`)

	cfg, err := Load(mainPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(cfg.Sources))
	}
	if cfg.CycleInterval() != time.Millisecond {
		t.Fatalf("parent cycle must win, got %s", cfg.CycleInterval())
	}
	if cfg.Sources[1].Source.File != modulePath {
		t.Fatalf("module source %q, want %q", cfg.Sources[1].Source.File, modulePath)
	}
	files := SourceFiles(cfg)
	if len(files) != 2 {
		t.Fatalf("expected 2 source files, got %v", files)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	writeFile(t, a, "modules: [b.yaml]\n")
	writeFile(t, b, "modules: [a.yaml]\n")

	_, err := Load(a)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestValidateRejectsBadEntries(t *testing.T) {
	tooWide := uint32(0x20)
	cases := map[string]*Config{
		"duplicate source": {Sources: []SourceConfig{{ID: "a", Driver: "random"}, {ID: "a", Driver: "random"}}},
		"missing driver":   {Sinks: []SinkConfig{{ID: "s"}}},
		"bad identifier":   {Sources: []SourceConfig{{ID: "1st", Driver: "random"}}},
		"header_ch width":  {Registers: RegisterPreset{HeaderCh: &tooWide}},
		"channel width":    {ChannelWidth: 33},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
