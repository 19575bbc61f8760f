// gcodesend streams a gcode file to a grbl-class controller over a
// serial port, waiting for each line's ok/error response before sending
// the next. Unsolicited status pushes from the controller are printed
// as they arrive.
//
// Usage:
//
//	gcodesend -port /dev/ttyUSB0 [-baud 115200] file.gcode
//	gcodesend -list
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"lasergrbl-host/pkg/hostcfg"
	"lasergrbl-host/pkg/serial"
)

func main() {
	port := flag.String("port", "", "Serial device (overrides LASERHOST_SERIAL_PORT)")
	baud := flag.Int("baud", 0, "Baud rate (overrides LASERHOST_SERIAL_BAUD)")
	list := flag.Bool("list", false, "List candidate serial ports and exit")
	status := flag.Bool("status", false, "Request a status report after each N lines")
	flag.Parse()

	if *list {
		ports, err := serial.ListPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	env, err := hostcfg.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *port == "" {
		*port = env.SerialPort
	}
	if *baud == 0 {
		*baud = env.SerialBaud
	}
	if *port == "" {
		fmt.Fprintln(os.Stderr, "Error: no serial port given (-port or LASERHOST_SERIAL_PORT)")
		os.Exit(1)
	}
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: gcodesend -port <device> file.gcode")
		os.Exit(1)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	cfg := serial.DefaultConfig()
	cfg.Device = *port
	cfg.BaudRate = *baud
	p, err := serial.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	conn := serial.NewConn(p)
	defer conn.Close()
	conn.OnPush = func(line string) {
		fmt.Println(line)
	}

	// Give the controller time to come up after the port toggles DTR,
	// then drain its banner.
	time.Sleep(2 * time.Second)
	p.Flush()

	start := time.Now()
	sent := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		if err := conn.SendLine(line); err != nil {
			fmt.Fprintf(os.Stderr, "%s:%d: %v\n", flag.Arg(0), sent+1, err)
			os.Exit(1)
		}
		sent++
		if *status && sent%50 == 0 {
			conn.SendRealtime('?')
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("sent %d lines in %s\n", sent, time.Since(start).Round(time.Millisecond))
}
