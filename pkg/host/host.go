// Package host runs gcode against a machine. The Engine owns the
// foreground command stream: it parses lines, executes the motion and
// power commands it knows, and routes user machine commands through the
// machine's dispatch chain.
package host

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"lasergrbl-host/pkg/gcode"
	"lasergrbl-host/pkg/hal"
	"lasergrbl-host/pkg/log"
	"lasergrbl-host/pkg/mcerr"
	"lasergrbl-host/pkg/stepsim"
)

// Config carries the engine's motion defaults.
type Config struct {
	// StepsPerMM is the simulated axis resolution.
	StepsPerMM float64
}

// Engine executes a gcode command stream in foreground context.
type Engine struct {
	mu  sync.Mutex
	m   *hal.Machine
	sim *stepsim.Engine
	log *log.Logger

	stepsPerMM float64

	// Parser state.
	pos       [2]float64 // X, Y in mm
	feed      float64    // mm/min
	absolute  bool
	power     float64 // commanded S value
	spindleOn bool
	checkMode bool

	lines uint64
}

// New creates an engine bound to the machine.
func New(m *hal.Machine, cfg Config) *Engine {
	stepsPerMM := cfg.StepsPerMM
	if stepsPerMM <= 0 {
		stepsPerMM = 80
	}
	return &Engine{
		m:          m,
		sim:        stepsim.New(m),
		log:        log.GetLogger("host"),
		stepsPerMM: stepsPerMM,
		feed:       600,
		absolute:   true,
	}
}

// Execute parses and runs one gcode line. Blank and comment-only lines
// are accepted and do nothing.
func (e *Engine) Execute(line string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, err := gcode.ParseLine(line)
	if err != nil {
		return err
	}
	if l == nil {
		return nil
	}
	e.lines++

	switch l.Letter {
	case 'G':
		return e.executeG(l)
	case 'M':
		return e.executeM(l)
	}
	return mcerr.UnsupportedCommandError(strings.TrimSpace(line))
}

// ExecuteStream runs a gcode program from a reader, stopping at the
// first rejected line or raised alarm.
func (e *Engine) ExecuteStream(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	n := 0
	for scanner.Scan() {
		n++
		if err := e.Execute(scanner.Text()); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		if alarm := e.m.Alarm(); alarm != hal.AlarmNone {
			return mcerr.New(mcerr.ErrAlarm, "alarm: "+alarm.String())
		}
	}
	return scanner.Err()
}

func (e *Engine) executeG(l *gcode.Line) error {
	switch l.Code {
	case 0, 1:
		return e.move(l)
	case 90:
		e.absolute = true
	case 91:
		e.absolute = false
	case 20:
		return mcerr.UnsupportedCommandError("G20")
	case 21:
		// Millimeters, the only supported unit.
	default:
		return mcerr.UnsupportedCommandError(fmt.Sprintf("G%d", l.Code))
	}
	return nil
}

func (e *Engine) executeM(l *gcode.Line) error {
	switch l.Code {
	case 2:
		e.m.ProgramCompleted(hal.FlowCompleted, e.checkMode)
		return nil
	case 30:
		e.m.ProgramCompleted(hal.FlowCompletedRewind, e.checkMode)
		return nil

	case 3, 4:
		if s, ok := l.Word('S'); ok {
			e.power = s
		}
		e.spindleOn = true
		e.applyPower()
		return nil
	case 5:
		e.spindleOn = false
		e.applyPower()
		return nil

	case 7:
		return e.setCoolant(func(c *hal.CoolantState) { c.Mist = true })
	case 8:
		return e.setCoolant(func(c *hal.CoolantState) { c.Flood = true })
	case 9:
		return e.setCoolant(func(c *hal.CoolantState) { c.Flood = false; c.Mist = false })
	}

	return e.m.MCode.Run(gcode.BlockFromLine(l), e.checkMode)
}

// move updates the parser position and, outside check mode, generates
// the step events for the travel.
func (e *Engine) move(l *gcode.Line) error {
	if f, ok := l.Word('F'); ok {
		if f <= 0 {
			return mcerr.ValueRangeError(fmt.Sprintf("G%d", l.Code), "F", f)
		}
		e.feed = f
	}

	target := e.pos
	if x, ok := l.Word('X'); ok {
		if e.absolute {
			target[0] = x
		} else {
			target[0] += x
		}
	}
	if y, ok := l.Word('Y'); ok {
		if e.absolute {
			target[1] = y
		} else {
			target[1] += y
		}
	}

	dx := target[0] - e.pos[0]
	dy := target[1] - e.pos[1]
	e.pos = target

	distance := math.Hypot(dx, dy)
	if distance == 0 || e.checkMode {
		return nil
	}

	e.sim.Run(stepsim.Segment{LengthMM: distance, StepsPerMM: e.stepsPerMM})
	return nil
}

// applyPower pushes the commanded power state to the selected driver.
func (e *Engine) applyPower() {
	sp := e.m.Spindle()
	if sp == nil || e.checkMode {
		return
	}

	if !e.spindleOn {
		if sp.UpdatePWM != nil {
			sp.UpdatePWM(0)
		}
		if sp.SetState != nil {
			sp.SetState(false)
		}
		return
	}

	if sp.SetState != nil {
		sp.SetState(true)
	}
	if sp.UpdatePWM != nil {
		sp.UpdatePWM(uint16(e.power))
	}
}

func (e *Engine) setCoolant(mutate func(*hal.CoolantState)) error {
	if e.m.Coolant.GetState == nil || e.m.Coolant.SetState == nil {
		return mcerr.RuntimeError("no coolant control")
	}
	state := e.m.Coolant.GetState()
	mutate(&state)
	if !e.checkMode {
		e.m.Coolant.SetState(state)
	}
	return nil
}

// ToggleCheckMode flips gcode check mode. Entering or leaving check mode
// reinitializes the parser, like a soft reset.
func (e *Engine) ToggleCheckMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.checkMode = !e.checkMode
	e.pos = [2]float64{}
	e.spindleOn = false
	e.power = 0
	e.m.ParserInit(&hal.ParserState{SimulationMode: e.checkMode})
	e.log.Info("check mode %v", e.checkMode)
	return e.checkMode
}

// Reset performs a soft reset: machine reset chains plus parser state.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pos = [2]float64{}
	e.feed = 600
	e.absolute = true
	e.power = 0
	e.spindleOn = false
	e.checkMode = false
	e.m.Reset()
}

// Position returns the current parser position.
func (e *Engine) Position() (x, y float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos[0], e.pos[1]
}

// Lines returns the number of executed gcode lines.
func (e *Engine) Lines() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lines
}

// StatusReport builds a grbl-style realtime status line, including the
// fragments plugins append through the realtime-report chain.
func (e *Engine) StatusReport(all bool) string {
	e.mu.Lock()
	x, y := e.pos[0], e.pos[1]
	state := "Idle"
	if e.m.Alarm() != hal.AlarmNone {
		state = "Alarm"
	} else if e.checkMode {
		state = "Check"
	}
	e.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "<%s|MPos:%.3f,%.3f", state, x, y)
	e.m.RealtimeReport(func(s string) { sb.WriteString(s) }, all)
	sb.WriteString(">")
	return sb.String()
}
