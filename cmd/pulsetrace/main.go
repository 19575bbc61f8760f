// pulsetrace runs a gcode file against the simulated laser machine and
// reports the pulses the power driver would fire. With -v it prints a
// per-line trace so the pulse placement of a job can be checked before
// it is sent to hardware.
//
// Usage:
//
//	pulsetrace [-config machine.cfg] [-v] file.gcode
//
// Reads stdin when no file is given.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"lasergrbl-host/pkg/hal"
	"lasergrbl-host/pkg/host"
	"lasergrbl-host/pkg/hostcfg"
	"lasergrbl-host/pkg/log"
	"lasergrbl-host/pkg/ppi"
	"lasergrbl-host/pkg/spindle"
)

func main() {
	configFile := flag.String("config", "", "Machine defaults file")
	verbose := flag.Bool("v", false, "Print a per-line pulse trace")
	flag.Parse()

	logger := log.New("pulsetrace")
	logger.SetLevel(log.WARN)
	log.SetDefaultLogger(logger)

	mc := hostcfg.DefaultMachine()
	if *configFile != "" {
		var err error
		mc, err = hostcfg.LoadMachine(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	var in io.Reader = os.Stdin
	name := "<stdin>"
	if flag.NArg() > 0 {
		f, err := os.Open(flag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
		name = flag.Arg(0)
	}

	m := hal.New(logger.WithPrefix("hal"))
	var coolantState hal.CoolantState
	m.Coolant = hal.CoolantControl{
		GetState: func() hal.CoolantState { return coolantState },
		SetState: func(s hal.CoolantState) { coolantState = s },
	}

	plugin := ppi.Init(m, ppi.Config{
		Rate:        mc.PPI.Rate,
		PulseMicros: mc.PPI.PulseMicros,
	})

	laser := spindle.NewPWMLaser(mc.Spindle.Name)
	m.SelectSpindle(laser.Driver())

	engine := host.New(m, host.Config{StepsPerMM: mc.Stepper.StepsPerMM})

	scanner := bufio.NewScanner(in)
	lineNum := 0
	prevPulses := 0
	failed := false
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if err := engine.Execute(line); err != nil {
			fmt.Fprintf(os.Stderr, "%s:%d: %v\n", name, lineNum, err)
			failed = true
			break
		}
		if *verbose {
			count := laser.PulseCount()
			x, y := engine.Position()
			if delta := count - prevPulses; delta > 0 || isMotion(line) {
				fmt.Printf("%4d  %-40s %5d pulses  (%.3f, %.3f)\n",
					lineNum, strings.TrimSpace(line), delta, x, y)
			}
			prevPulses = count
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	st := plugin.Status()
	x, y := engine.Position()
	fmt.Printf("%s: %d lines, %d pulses\n", name, engine.Lines(), laser.PulseCount())
	fmt.Printf("rate %d PPI (pitch %.4f mm), pulse %d us\n",
		st.Rate, st.PitchMM, st.PulseMicros)
	fmt.Printf("final position (%.3f, %.3f)\n", x, y)
	if failed {
		os.Exit(1)
	}
}

// isMotion reports whether a line looks like a move, so zero-pulse
// moves still show up in the trace.
func isMotion(line string) bool {
	s := strings.ToUpper(strings.TrimSpace(line))
	return strings.HasPrefix(s, "G0") || strings.HasPrefix(s, "G1")
}
