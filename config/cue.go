package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

const schemaFile = "pulseinj.dev/schema.cue"

// schemaSource constrains the top-level config value of a CUE document.
const schemaSource = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" | ""

#Config: {
	name?:          string
	description?:   string
	cycle?:         #Duration
	clock_hz?:      int & >=0
	channel_width?: int & >=1 & <=32
	registers?:     #Registers
	logging?: {
		level?:  "trace" | "debug" | "info" | "warn" | "error" | ""
		format?: "json" | "text" | "console" | ""
		loki?: {...}
	}
	telemetry?: {
		enabled?:  bool
		provider?: string
		listen?:   string
	}
	server?: {
		enabled?:         bool
		listen?:          string
		unit_id?:         int & >=0 & <=255
		request_timeout?: #Duration
	}
	sources?: [...#Source]
	sinks?: [...#Sink]
	modules?: [...string]
	hot_reload?: bool
}

#Word: int & >=0 & <=4294967295

#Registers: {
	mode?:                   string
	header_delay?:           #Word
	header_interval?:        #Word
	injection_multiplicity?: #Word
	header_ch?:              #Word
	pulse_interval?:         #Word
	pulse_high_cycles?:      int & >=0 & <=255
}

#Source: {
	id:       string
	driver:   "canstream" | "random" | "script"
	disable?: bool
	buffer?:  int & >0
	can?: {
		protocol?:     "udp" | "tcp" | "socketcan"
		address:       string
		dbc?:          string
		buffer_size?:  int & >0
		read_timeout?: #Duration
		frames?: [...{...}]
	}
	random?: {
		source?:      "pseudo" | "secure"
		seed?:        int
		probability?: number & >=0 & <=1
		channels?: [...#Word]
	}
	script?: {
		valid:    string
		channel?: string
		payload?: string
	}
}

#Sink: {
	id:       string
	driver:   "mqtt" | "log"
	disable?: bool
	mqtt?: {...}
}
`

func decodeCUE(path string, raw []byte) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename(schemaFile))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	document := ctx.CompileBytes(raw, cue.Filename(path))
	if err := document.Err(); err != nil {
		return nil, fmt.Errorf("compile config %s: %w", path, err)
	}
	value := document.LookupPath(cue.ParsePath("config"))
	if !value.Exists() {
		return nil, fmt.Errorf("config %s: missing top-level config value", path)
	}
	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &cfg, nil
}
