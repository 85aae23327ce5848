package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/pulseinj/csr"
	"github.com/timzifer/pulseinj/remote"
)

const usage = `usage: injctl [flags] <command>

commands:
  read NAME|ADDR          read one register
  write NAME|ADDR VALUE   write one register (mode also accepts a name)
  dump                    print all registers and the timing at -clock
  status                  print tick counter, pulse levels and states

flags:
`

func main() {
	addr := flag.String("addr", "127.0.0.1:15020", "Register server address")
	unit := flag.Uint("unit", 1, "Modbus unit id")
	timeout := flag.Duration("timeout", 5*time.Second, "Request timeout")
	clock := flag.Uint64("clock", 0, "Clock frequency in Hz for the timing report")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).With().Timestamp().Logger()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if *unit > 255 {
		log.Fatal().Uint("unit", *unit).Msg("unit id out of range")
	}

	client, err := remote.Dial(remote.Options{Address: *addr, UnitID: uint8(*unit), Timeout: *timeout})
	if err != nil {
		log.Fatal().Err(err).Msg("connect failed")
	}
	defer client.Close()

	if err := execute(client, args, *clock); err != nil {
		log.Error().Err(err).Str("command", args[0]).Msg("command failed")
		client.Close()
		os.Exit(1)
	}
}

func execute(client *remote.Client, args []string, clock uint64) error {
	switch args[0] {
	case "read":
		if len(args) != 2 {
			return fmt.Errorf("read expects one register")
		}
		addr, err := csr.Lookup(args[1])
		if err != nil {
			return err
		}
		value, err := client.ReadRegister(addr)
		if err != nil {
			return err
		}
		fmt.Println(formatValue(addr, value))
		return nil
	case "write":
		if len(args) != 3 {
			return fmt.Errorf("write expects a register and a value")
		}
		addr, err := csr.Lookup(args[1])
		if err != nil {
			return err
		}
		value, err := parseValue(addr, args[2])
		if err != nil {
			return err
		}
		return client.WriteRegister(addr, value)
	case "dump":
		values, err := client.ReadAll()
		if err != nil {
			return err
		}
		return dump(values, clock)
	case "status":
		status, err := client.ReadStatus()
		if err != nil {
			return err
		}
		fmt.Printf("tick:          %d\n", status.Tick)
		fmt.Printf("mode:          %s\n", status.Mode)
		fmt.Printf("output:        %s\n", level(status.Output))
		fmt.Printf("header:        %s (%s)\n", level(status.HeaderPulse), status.Header)
		fmt.Printf("periodic:      %s (%s)\n", level(status.PeriodicPulse), status.Periodic)
		fmt.Printf("header events: %d\n", status.Events)
		fmt.Printf("burst pulses:  %d\n", status.Completed)
		fmt.Printf("run control:   ready=%t\n", status.RunControlReady)
		fmt.Printf("reset:         %t\n", status.Reset)
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func parseValue(addr csr.Address, raw string) (uint32, error) {
	if addr == csr.AddrMode {
		mode, err := csr.ParseMode(raw)
		if err != nil {
			return 0, err
		}
		return uint32(mode), nil
	}
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q: %w", raw, err)
	}
	return uint32(value), nil
}

func formatValue(addr csr.Address, value uint32) string {
	if addr == csr.AddrMode {
		return fmt.Sprintf("%d (%s)", value, csr.Mode(value))
	}
	return fmt.Sprintf("%d (0x%08X)", value, value)
}

func dump(values []uint32, clock uint64) error {
	file, err := csr.New(csr.MaxChannelWidth)
	if err != nil {
		return err
	}
	for i, value := range values {
		addr := csr.Address(i)
		file.Write(addr, value)
		fmt.Printf("%2d %-24s %s\n", i, addr, formatValue(addr, value))
	}
	record := file.Record()
	if clock > 0 {
		timing, err := record.Timing(clock)
		if err != nil {
			return err
		}
		fmt.Println()
		if err := timing.WriteReport(os.Stdout); err != nil {
			return err
		}
	}
	for _, note := range record.Diagnose() {
		fmt.Printf("note: %s\n", note)
	}
	return nil
}

func level(high bool) string {
	if high {
		return "high"
	}
	return "low"
}
