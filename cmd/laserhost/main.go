// laserhost runs the laser machine host: a simulated grbl-class
// controller with the laser plugins attached, a status API for sender
// UIs, and an interactive console on stdin.
//
// Usage:
//
//	laserhost [-config machine.cfg] [options]
//
// Options:
//
//	-config string   Machine defaults file (INI format)
//	-listen string   Status API listen address (overrides LASERHOST_LISTEN_ADDR)
//	-loglevel string Log level: debug, info, warn, error
//	-logfile string  Log file path (default: stderr)
//
// Console commands: gcode lines are executed directly; ? prints the
// realtime status report, $c toggles check mode, ctrl-x (or "reset")
// soft-resets, "quit" exits.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"lasergrbl-host/pkg/coolant"
	"lasergrbl-host/pkg/hal"
	"lasergrbl-host/pkg/host"
	"lasergrbl-host/pkg/hostcfg"
	"lasergrbl-host/pkg/log"
	"lasergrbl-host/pkg/overdrive"
	"lasergrbl-host/pkg/ppi"
	"lasergrbl-host/pkg/reactor"
	"lasergrbl-host/pkg/report"
	"lasergrbl-host/pkg/spindle"
)

func main() {
	configFile := flag.String("config", "", "Machine defaults file")
	listenAddr := flag.String("listen", "", "Status API listen address")
	logLevel := flag.String("loglevel", "", "Log level: debug, info, warn, error")
	logFile := flag.String("logfile", "", "Log file path (default: stderr)")
	flag.Parse()

	env, err := hostcfg.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		env.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		env.LogLevel = *logLevel
	}
	if *logFile != "" {
		env.LogFile = *logFile
	}
	if *configFile == "" {
		*configFile = env.MachineConfig
	}

	logger, cleanup, err := setupLogging(env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	mc := hostcfg.DefaultMachine()
	if *configFile != "" {
		mc, err = hostcfg.LoadMachine(*configFile)
		if err != nil {
			logger.Error("config: %v", err)
			os.Exit(1)
		}
		logger.Info("machine defaults loaded from %s", *configFile)
	}

	r := reactor.New()
	r.Run()
	defer func() {
		r.End()
		r.Wait()
	}()

	m, ppiPlugin := buildMachine(logger, mc, r)

	engine := host.New(m, host.Config{StepsPerMM: mc.Stepper.StepsPerMM})

	srv := report.New(report.Config{
		Addr:    env.ListenAddr,
		Machine: &machineAdapter{m: m, engine: engine, ppi: ppiPlugin},
	})
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("status API: %v", err)
		}
	}()
	defer srv.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		srv.Stop()
		r.End()
		os.Exit(0)
	}()

	console(engine, logger)
}

// buildMachine assembles the simulated machine: aux ports, plugins and
// the power driver.
func buildMachine(logger *log.Logger, mc *hostcfg.MachineConfig, r *reactor.Reactor) (*hal.Machine, *ppi.Plugin) {
	m := hal.New(logger.WithPrefix("hal"))
	m.Ports = simulatedPorts()

	var coolantMu sync.Mutex
	var coolantState hal.CoolantState
	m.Coolant = hal.CoolantControl{
		GetState: func() hal.CoolantState {
			coolantMu.Lock()
			defer coolantMu.Unlock()
			return coolantState
		},
		SetState: func(s hal.CoolantState) {
			coolantMu.Lock()
			defer coolantMu.Unlock()
			coolantState = s
		},
	}

	ppiPlugin := ppi.Init(m, ppi.Config{
		Rate:        mc.PPI.Rate,
		PulseMicros: mc.PPI.PulseMicros,
	})
	overdrive.Init(m)

	if _, err := coolant.Init(m, r, coolant.Config{
		OnDelay:  mc.Coolant.OnDelay,
		OffDelay: mc.Coolant.OffDelay,
		MaxTemp:  mc.Coolant.MaxTemp,
		OkPort:   mc.Coolant.OkPort,
		TempPort: mc.Coolant.TempPort,
	}); err != nil {
		logger.Error("coolant plugin: %v", err)
		os.Exit(1)
	}

	if mc.Spindle.Laser {
		m.SelectSpindle(spindle.NewPWMLaser(mc.Spindle.Name).Driver())
	} else {
		m.SelectSpindle(spindle.NewInductionMotor(mc.Spindle.Name))
	}
	return m, ppiPlugin
}

// simulatedPorts builds the aux I/O of the simulated board: one always
// high coolant-ok input and one fixed-temperature analog input.
func simulatedPorts() *hal.Ports {
	return hal.NewPorts(
		[]*hal.DigitalInput{{
			Name: "sim coolant ok",
			Read: func() bool { return true },
			Wait: func(high bool, _ time.Duration) bool { return high },
		}},
		[]*hal.AnalogInput{{
			Name: "sim coolant temp",
			Read: func() float64 { return 21.0 },
		}},
	)
}

func setupLogging(env hostcfg.Env) (*log.Logger, func(), error) {
	root := log.New("laserhost")
	root.SetLevel(log.ParseLevel(env.LogLevel))
	if strings.EqualFold(env.LogFormat, "json") {
		root.SetFormat(log.FormatJSON)
	}

	cleanup := func() {}
	if env.LogFile != "" {
		w, err := log.NewRotatingFileWriter(log.RotationConfig{Filename: env.LogFile})
		if err != nil {
			return nil, nil, err
		}
		root.SetWriter(w)
		root.SetColorize(false)
		cleanup = func() { w.Close() }
	}

	log.SetDefaultLogger(root)
	return root, cleanup, nil
}

func console(engine *host.Engine, logger *log.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("laserhost ready ('quit' to exit)")

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "quit", "exit":
			return
		case "?":
			fmt.Println(engine.StatusReport(true))
			continue
		case "$c":
			fmt.Printf("check mode: %v\n", engine.ToggleCheckMode())
			continue
		case "reset", "\x18":
			engine.Reset()
			fmt.Println("ok")
			continue
		}

		if err := engine.Execute(line); err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Println("ok")
	}
}
