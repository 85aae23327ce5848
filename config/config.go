package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultCycle is the wall-clock duration of one controller tick.
	DefaultCycle = time.Millisecond
	// DefaultChannelWidth is the width of the header_ch register when unset.
	DefaultChannelWidth uint = 4
	// DefaultEventBuffer is the stimulus queue depth of a source when unset.
	DefaultEventBuffer = 1024
)

// Duration wraps time.Duration to support YAML and CUE decoding from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	return d.parse(raw)
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// UnmarshalJSON parses a quoted duration string. CUE values are decoded
// through this path.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	return d.parse(raw)
}

// MarshalJSON renders the duration as a quoted string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) parse(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// ModuleReference captures the file that defined a configuration entry.
type ModuleReference struct {
	File        string `json:"file,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// RegisterPreset lists register values written over the bus at start-up.
// Unset fields keep their reset defaults.
type RegisterPreset struct {
	Mode                  string  `yaml:"mode,omitempty" json:"mode,omitempty"`
	HeaderDelay           *uint32 `yaml:"header_delay,omitempty" json:"header_delay,omitempty"`
	HeaderInterval        *uint32 `yaml:"header_interval,omitempty" json:"header_interval,omitempty"`
	InjectionMultiplicity *uint32 `yaml:"injection_multiplicity,omitempty" json:"injection_multiplicity,omitempty"`
	HeaderCh              *uint32 `yaml:"header_ch,omitempty" json:"header_ch,omitempty"`
	PulseInterval         *uint32 `yaml:"pulse_interval,omitempty" json:"pulse_interval,omitempty"`
	PulseHighCycles       *uint32 `yaml:"pulse_high_cycles,omitempty" json:"pulse_high_cycles,omitempty"`
}

// RegisterValue is one named preset entry.
type RegisterValue struct {
	Name  string
	Value uint32
}

// Values returns the numeric presets in register address order. The mode is
// reported separately so it can be written last.
func (p RegisterPreset) Values() []RegisterValue {
	fields := []struct {
		name  string
		value *uint32
	}{
		{"header_delay", p.HeaderDelay},
		{"header_interval", p.HeaderInterval},
		{"injection_multiplicity", p.InjectionMultiplicity},
		{"header_ch", p.HeaderCh},
		{"pulse_interval", p.PulseInterval},
		{"pulse_high_cycles", p.PulseHighCycles},
	}
	values := make([]RegisterValue, 0, len(fields))
	for _, field := range fields {
		if field.value == nil {
			continue
		}
		values = append(values, RegisterValue{Name: field.name, Value: *field.value})
	}
	return values
}

// Empty reports whether the preset sets nothing.
func (p RegisterPreset) Empty() bool {
	return p.Mode == "" && len(p.Values()) == 0
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled,omitempty"`
	URL     string            `yaml:"url" json:"url,omitempty"`
	Labels  map[string]string `yaml:"labels" json:"labels,omitempty"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level" json:"level,omitempty"`
	Format string     `yaml:"format,omitempty" json:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki" json:"loki,omitempty"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled,omitempty"`
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
	Listen   string `yaml:"listen,omitempty" json:"listen,omitempty"`
}

// ServerConfig configures the embedded Modbus register server.
type ServerConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled,omitempty"`
	Listen         string   `yaml:"listen" json:"listen,omitempty"`
	UnitID         uint8    `yaml:"unit_id,omitempty" json:"unit_id,omitempty"`
	RequestTimeout Duration `yaml:"request_timeout,omitempty" json:"request_timeout,omitempty"`
}

// CANSourceConfig describes how framing events are taken from CAN frames.
type CANSourceConfig struct {
	// Protocol is udp, tcp or socketcan.
	Protocol    string           `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	Address     string           `yaml:"address" json:"address,omitempty"`
	DBC         string           `yaml:"dbc,omitempty" json:"dbc,omitempty"`
	BufferSize  int              `yaml:"buffer_size,omitempty" json:"buffer_size,omitempty"`
	ReadTimeout Duration         `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`
	Frames      []CANFrameConfig `yaml:"frames" json:"frames,omitempty"`
}

// CANFrameConfig maps one CAN message onto framing events. Without a
// channel signal the fixed channel is used.
type CANFrameConfig struct {
	Message       string  `yaml:"message,omitempty" json:"message,omitempty"`
	FrameID       string  `yaml:"frame_id,omitempty" json:"frame_id,omitempty"`
	Extended      *bool   `yaml:"extended,omitempty" json:"extended,omitempty"`
	Channel       *uint32 `yaml:"channel,omitempty" json:"channel,omitempty"`
	ChannelSignal string  `yaml:"channel_signal,omitempty" json:"channel_signal,omitempty"`
	PayloadSignal string  `yaml:"payload_signal,omitempty" json:"payload_signal,omitempty"`
}

// RandomSourceConfig configures synthetic framing events.
type RandomSourceConfig struct {
	Source      string   `yaml:"source,omitempty" json:"source,omitempty"`
	Seed        *int64   `yaml:"seed,omitempty" json:"seed,omitempty"`
	Probability float64  `yaml:"probability,omitempty" json:"probability,omitempty"`
	Channels    []uint32 `yaml:"channels,omitempty" json:"channels,omitempty"`
}

// ScriptSourceConfig configures expression-driven events. Each expression is
// evaluated once per tick with the tick number in scope.
type ScriptSourceConfig struct {
	Valid   string `yaml:"valid" json:"valid,omitempty"`
	Channel string `yaml:"channel,omitempty" json:"channel,omitempty"`
	Payload string `yaml:"payload,omitempty" json:"payload,omitempty"`
}

// SourceConfig declares one framing event source.
type SourceConfig struct {
	ID      string              `yaml:"id" json:"id"`
	Driver  string              `yaml:"driver" json:"driver"`
	Disable bool                `yaml:"disable,omitempty" json:"disable,omitempty"`
	Buffer  int                 `yaml:"buffer,omitempty" json:"buffer,omitempty"`
	CAN     *CANSourceConfig    `yaml:"can,omitempty" json:"can,omitempty"`
	Random  *RandomSourceConfig `yaml:"random,omitempty" json:"random,omitempty"`
	Script  *ScriptSourceConfig `yaml:"script,omitempty" json:"script,omitempty"`
	Source  ModuleReference     `yaml:"-" json:"-"`
}

// BufferSize returns the configured queue depth or the default.
func (s SourceConfig) BufferSize() int {
	if s.Buffer <= 0 {
		return DefaultEventBuffer
	}
	return s.Buffer
}

// MQTTSinkConfig configures publication of pulse edges to a broker.
type MQTTSinkConfig struct {
	Broker         string   `yaml:"broker" json:"broker,omitempty"`
	ClientID       string   `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	Username       string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password       string   `yaml:"password,omitempty" json:"password,omitempty"`
	Topic          string   `yaml:"topic" json:"topic,omitempty"`
	QoS            byte     `yaml:"qos,omitempty" json:"qos,omitempty"`
	Retain         bool     `yaml:"retain,omitempty" json:"retain,omitempty"`
	RisingOnly     bool     `yaml:"rising_only,omitempty" json:"rising_only,omitempty"`
	ConnectTimeout Duration `yaml:"connect_timeout,omitempty" json:"connect_timeout,omitempty"`
}

// SinkConfig declares one pulse-edge sink.
type SinkConfig struct {
	ID      string          `yaml:"id" json:"id"`
	Driver  string          `yaml:"driver" json:"driver"`
	Disable bool            `yaml:"disable,omitempty" json:"disable,omitempty"`
	MQTT    *MQTTSinkConfig `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	Source  ModuleReference `yaml:"-" json:"-"`
}

// Config is the root configuration structure for the controller.
type Config struct {
	Name         string          `yaml:"name,omitempty" json:"name,omitempty"`
	Description  string          `yaml:"description,omitempty" json:"description,omitempty"`
	Cycle        Duration        `yaml:"cycle" json:"cycle,omitempty"`
	ClockHz      uint64          `yaml:"clock_hz,omitempty" json:"clock_hz,omitempty"`
	ChannelWidth uint            `yaml:"channel_width,omitempty" json:"channel_width,omitempty"`
	Registers    RegisterPreset  `yaml:"registers,omitempty" json:"registers,omitempty"`
	Logging      LoggingConfig   `yaml:"logging" json:"logging,omitempty"`
	Telemetry    TelemetryConfig `yaml:"telemetry" json:"telemetry,omitempty"`
	Server       ServerConfig    `yaml:"server" json:"server,omitempty"`
	Sources      []SourceConfig  `yaml:"sources" json:"sources,omitempty"`
	Sinks        []SinkConfig    `yaml:"sinks" json:"sinks,omitempty"`
	Modules      []string        `yaml:"modules,omitempty" json:"modules,omitempty"`
	HotReload    bool            `yaml:"hot_reload,omitempty" json:"hot_reload,omitempty"`
	Source       ModuleReference `yaml:"-" json:"-"`
}

// CycleInterval returns the wall-clock duration of one tick.
func (c *Config) CycleInterval() time.Duration {
	if c == nil || c.Cycle.Duration <= 0 {
		return DefaultCycle
	}
	return c.Cycle.Duration
}

// Width returns the header_ch register width.
func (c *Config) Width() uint {
	if c == nil || c.ChannelWidth == 0 {
		return DefaultChannelWidth
	}
	return c.ChannelWidth
}

// Load reads and decodes the configuration file from disk. YAML and CUE
// documents are accepted; modules listed by a file are loaded relative to it
// and contribute their sources and sinks.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg, err := loadFile(abs, make(map[string]struct{}))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	return cfg, nil
}

func loadFile(path string, visited map[string]struct{}) (*Config, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		cfg, err = decodeCUE(path, raw)
	case ".yaml", ".yml":
		cfg, err = decodeYAML(path, raw)
	default:
		return nil, fmt.Errorf("config %s: unsupported file type", path)
	}
	if err != nil {
		return nil, err
	}
	cfg.setSource(ModuleReference{File: path, Name: cfg.Name, Description: cfg.Description})

	modules := cfg.Modules
	cfg.Modules = nil
	baseDir := filepath.Dir(path)
	for _, module := range modules {
		module = strings.TrimSpace(module)
		if module == "" {
			continue
		}
		modulePath := module
		if !filepath.IsAbs(modulePath) {
			modulePath = filepath.Join(baseDir, module)
		}
		child, err := loadFile(modulePath, visited)
		if err != nil {
			return nil, fmt.Errorf("load module %s: %w", module, err)
		}
		mergeConfig(cfg, child)
	}
	return cfg, nil
}

func decodeYAML(path string, raw []byte) (*Config, error) {
	var document yaml.Node
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	if len(document.Content) == 0 || document.Content[0] == nil {
		return nil, fmt.Errorf("config %s is empty", path)
	}
	root := document.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config %s: top-level YAML document must be a mapping", path)
	}
	var cfg Config
	if err := root.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks identifiers and value ranges that the decoders cannot.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.ChannelWidth > 32 {
		return fmt.Errorf("channel_width %d exceeds 32 bits", c.ChannelWidth)
	}
	if c.Registers.PulseHighCycles != nil && *c.Registers.PulseHighCycles > 0xFF {
		return fmt.Errorf("registers.pulse_high_cycles %d exceeds 8 bits", *c.Registers.PulseHighCycles)
	}
	if c.Registers.HeaderCh != nil && c.Width() < 32 && *c.Registers.HeaderCh>>c.Width() != 0 {
		return fmt.Errorf("registers.header_ch %d exceeds %d bits", *c.Registers.HeaderCh, c.Width())
	}
	seen := make(map[string]struct{})
	for _, src := range c.Sources {
		if err := ensureIdentifier(src.ID, "source"); err != nil {
			return err
		}
		if _, ok := seen[src.ID]; ok {
			return fmt.Errorf("duplicate source %q", src.ID)
		}
		seen[src.ID] = struct{}{}
		if strings.TrimSpace(src.Driver) == "" {
			return fmt.Errorf("source %s: driver must not be empty", src.ID)
		}
	}
	seen = make(map[string]struct{})
	for _, sink := range c.Sinks {
		if err := ensureIdentifier(sink.ID, "sink"); err != nil {
			return err
		}
		if _, ok := seen[sink.ID]; ok {
			return fmt.Errorf("duplicate sink %q", sink.ID)
		}
		seen[sink.ID] = struct{}{}
		if strings.TrimSpace(sink.Driver) == "" {
			return fmt.Errorf("sink %s: driver must not be empty", sink.ID)
		}
	}
	return nil
}

func ensureIdentifier(value, kind string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s identifier must not be empty", kind)
	}
	for idx, r := range trimmed {
		if idx == 0 && unicode.IsDigit(r) {
			return fmt.Errorf("%s %q must not start with a digit", kind, trimmed)
		}
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-') {
			return fmt.Errorf("%s %q contains invalid character %q", kind, trimmed, r)
		}
	}
	return nil
}

// mergeConfig folds a module into its parent. Scalar sections of the parent
// win; collections are appended.
func mergeConfig(dst, src *Config) {
	if dst == nil || src == nil {
		return
	}
	if dst.Cycle.Duration == 0 {
		dst.Cycle = src.Cycle
	}
	if dst.ClockHz == 0 {
		dst.ClockHz = src.ClockHz
	}
	if dst.ChannelWidth == 0 {
		dst.ChannelWidth = src.ChannelWidth
	}
	if dst.Registers.Empty() {
		dst.Registers = src.Registers
	}
	if src.HotReload {
		dst.HotReload = true
	}
	dst.Sources = append(dst.Sources, src.Sources...)
	dst.Sinks = append(dst.Sinks, src.Sinks...)
}

func (c *Config) setSource(meta ModuleReference) {
	if c == nil {
		return
	}
	c.Source = meta
	for i := range c.Sources {
		if c.Sources[i].Source.File == "" {
			c.Sources[i].Source = meta
		}
	}
	for i := range c.Sinks {
		if c.Sinks[i].Source.File == "" {
			c.Sinks[i].Source = meta
		}
	}
}
