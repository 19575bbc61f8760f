// Package ppi implements laser PPI (pulses per inch) mode: it converts a
// continuously commanded laser power level into a train of fixed-duration
// pulses spatially locked to motion, by intercepting the motion system's
// per-step entry point and firing one pulse every pitch = 25.4/rate mm of
// travel.
//
// Foreground context owns configuration, engagement and spindle binding.
// The wake-up and per-step wrappers run in the real-time step context and
// are allocation-free and lock-free; configuration scalars are read there
// without synchronization, with at most one pulse computed against a
// stale value when a setting changes mid-block.
package ppi

import (
	"math"
	"sync/atomic"

	"lasergrbl-host/pkg/gcode"
	"lasergrbl-host/pkg/hal"
	"lasergrbl-host/pkg/log"
	"lasergrbl-host/pkg/mcerr"
)

// Machine commands handled by the plugin.
const (
	MCodeEnable      = 126 // M126 P<0|1>
	MCodeRate        = 127 // M127 P<pulses per inch>
	MCodePulseLength = 128 // M128 P<microseconds>
)

// Defaults applied when no machine configuration overrides them.
const (
	DefaultRate        = 600  // pulses per inch
	DefaultPulseMicros = 1500 // microseconds

	mmPerInch = 25.4
)

const (
	pluginName    = "Laser PPI"
	pluginVersion = "0.10"
)

// Config carries startup defaults for the plugin.
type Config struct {
	// Rate is the initial pulse density in pulses per inch.
	Rate uint16

	// PulseMicros is the initial pulse duration in microseconds.
	PulseMicros uint16
}

// Plugin is the step-synchronized pulse generator and its command
// surface. Create one per machine with Init.
type Plugin struct {
	m   *hal.Machine
	log *log.Logger

	// Configuration. Foreground writes, real-time reads.
	rate        uint16
	pitch       float64 // mm between pulses, consistent with the last nonzero rate
	pulseMicros uint16

	// Enable state. Foreground only.
	commandedOn bool
	engaged     bool

	// Spindle binding, valid only while the selected driver can pulse.
	spindle *hal.Spindle
	prevPWM func(duty uint16)
	prevRPM func(rpm float64)

	// orig holds the displaced stepper hooks while engaged.
	orig *hal.StepperHooks

	// Accumulator state, real-time context only. traveled is a running
	// sum carried across block boundaries; next is the travel at which
	// the next pulse fires, zero meaning "unprimed" right after a reset.
	traveled  float64
	next      float64
	mmPerStep float64

	// laserOn tracks whether commanded power is nonzero.
	laserOn bool

	pulses atomic.Uint64

	// Displaced chain stages.
	prevMCode            gcode.Handlers
	prevSpindleSelected  func(*hal.Spindle)
	prevParserInit       func(*hal.ParserState)
	prevProgramCompleted func(hal.ProgramFlow, bool)
	prevReportOptions    func(bool)
}

// Init wires the plugin into the machine's command and event chains.
// Foreground context, machine initialization time.
func Init(m *hal.Machine, cfg Config) *Plugin {
	p := &Plugin{
		m:           m,
		log:         log.GetLogger("ppi"),
		rate:        cfg.Rate,
		pulseMicros: cfg.PulseMicros,
	}
	if p.rate == 0 {
		p.rate = DefaultRate
	}
	if p.pulseMicros == 0 {
		p.pulseMicros = DefaultPulseMicros
	}
	p.pitch = mmPerInch / float64(p.rate)

	p.prevMCode = m.MCode.Intercept(gcode.Handlers{
		Check:    p.check,
		Validate: p.validate,
		Execute:  p.execute,
	})

	p.prevSpindleSelected = m.OnSpindleSelected
	m.OnSpindleSelected = p.onSpindleSelected

	p.prevParserInit = m.OnParserInit
	m.OnParserInit = p.onParserInit

	p.prevProgramCompleted = m.OnProgramCompleted
	m.OnProgramCompleted = p.onProgramCompleted

	p.prevReportOptions = m.OnReportOptions
	m.OnReportOptions = p.onReportOptions

	p.log.Info("laser PPI mode ready, rate=%d pulse=%dus", p.rate, p.pulseMicros)
	return p
}

// Command surface

func (p *Plugin) check(mcode uint16) gcode.MCodeType {
	switch mcode {
	case MCodeEnable, MCodeRate, MCodePulseLength:
		return gcode.MCodeNormal
	}
	if p.prevMCode.Check != nil {
		return p.prevMCode.Check(mcode)
	}
	return gcode.MCodeUnsupported
}

func (p *Plugin) validate(b *gcode.Block) error {
	switch b.MCode {

	case MCodeEnable:
		if !b.Words.P {
			return mcerr.WordMissingError(b.Command(), "P")
		}
		b.Words.P = false
		return nil

	case MCodeRate:
		if !p.m.Caps.LaserPPIMode {
			return mcerr.UnsupportedCommandError(b.Command())
		}
		if !b.Words.P {
			return mcerr.WordMissingError(b.Command(), "P")
		}
		if !isUint16(b.Values.P) {
			return mcerr.ValueRangeError(b.Command(), "P", b.Values.P)
		}
		b.Words.P = false
		b.SyncExecute = true
		return nil

	case MCodePulseLength:
		if !p.m.Caps.LaserPPIMode {
			return mcerr.UnsupportedCommandError(b.Command())
		}
		if !b.Words.P {
			return mcerr.WordMissingError(b.Command(), "P")
		}
		if !isUint16(b.Values.P) {
			return mcerr.ValueRangeError(b.Command(), "P", b.Values.P)
		}
		b.Words.P = false
		b.SyncExecute = true
		return nil
	}

	if p.prevMCode.Validate != nil {
		return p.prevMCode.Validate(b)
	}
	return mcerr.UnhandledError(b.Command())
}

func (p *Plugin) execute(b *gcode.Block, simulation bool) {
	switch b.MCode {

	case MCodeEnable:
		if !simulation {
			p.commandedOn = b.Values.P != 0
			p.applyEngagement()
		}

	case MCodeRate:
		if !simulation {
			p.rate = uint16(b.Values.P)
			if p.rate != 0 {
				p.pitch = mmPerInch / float64(p.rate)
			}
			p.applyEngagement()
		}

	case MCodePulseLength:
		if !simulation {
			// Takes effect on the next pulse fired
			p.pulseMicros = uint16(b.Values.P)
			p.applyEngagement()
		}

	default:
		if p.prevMCode.Execute != nil {
			p.prevMCode.Execute(b, simulation)
		}
	}
}

func isUint16(v float64) bool {
	return v >= 0 && v <= math.MaxUint16 && v == math.Trunc(v)
}

// Capability negotiator

func (p *Plugin) onSpindleSelected(sp *hal.Spindle) {
	p.unbind()

	supported := sp.CanPulse()
	p.m.Caps.LaserPPIMode = supported

	if supported {
		p.spindle = sp
		if sp.UpdatePWM != nil {
			p.prevPWM = sp.UpdatePWM
			sp.UpdatePWM = p.updatePWM
		}
		if sp.UpdateRPM != nil {
			p.prevRPM = sp.UpdateRPM
			sp.UpdateRPM = p.updateRPM
		}
	} else {
		p.disengage()
	}

	if p.prevSpindleSelected != nil {
		p.prevSpindleSelected(sp)
	}
}

// unbind restores any wrapped power-update entry points and drops the
// spindle binding.
func (p *Plugin) unbind() {
	if p.spindle == nil {
		return
	}
	if p.prevPWM != nil {
		p.spindle.UpdatePWM = p.prevPWM
		p.prevPWM = nil
	}
	if p.prevRPM != nil {
		p.spindle.UpdateRPM = p.prevRPM
		p.prevRPM = nil
	}
	p.spindle = nil
}

// updatePWM wraps the driver's duty-cycle update so ordinary power
// commands drive pulsed output once PPI is armed: a zero to nonzero
// transition restarts the accumulator.
func (p *Plugin) updatePWM(duty uint16) {
	if !p.laserOn && duty > 0 {
		p.resetAccumulator()
	}
	p.laserOn = duty > 0

	p.prevPWM(duty)
}

// updateRPM is the speed-based variant of updatePWM.
func (p *Plugin) updateRPM(rpm float64) {
	if !p.laserOn && rpm > 0 {
		p.resetAccumulator()
	}
	p.laserOn = rpm > 0

	p.prevRPM(rpm)
}

// Pulse generator

func (p *Plugin) resetAccumulator() {
	p.traveled = 0
	p.next = 0
}

// wakeUp zeroes the accumulator on every idle to active transition, then
// delegates to the original wake routine.
func (p *Plugin) wakeUp() {
	p.traveled = 0
	p.next = 0

	p.orig.WakeUp()
}

// pulseStart runs once per generated step event in real-time context.
// It adds a side effect only and always delegates.
func (p *Plugin) pulseStart(ev *hal.StepEvent) {
	if p.laserOn {

		if ev.NewBlock {
			p.mmPerStep = 1.0 / ev.StepsPerMM
		}

		if ev.StepBits != 0 {
			p.traveled += p.mmPerStep
			if p.next == 0 {
				// Unprimed after a reset: the first pulse is due one
				// pitch into the move.
				p.next = p.pitch
			}
			if p.traveled >= p.next {
				p.next += p.pitch
				p.spindle.PulseOn(uint32(p.pulseMicros))
				p.pulses.Add(1)
			}
		}
	}

	p.orig.PulseStart(ev)
}

// Engagement

// netEngaged computes the combined enable condition.
func (p *Plugin) netEngaged() bool {
	return p.commandedOn && p.rate > 0 && p.pulseMicros > 0 && p.spindle.CanPulse()
}

func (p *Plugin) applyEngagement() {
	if p.netEngaged() {
		p.engage()
	} else {
		p.disengage()
	}
}

// engage wraps the motion entry points. Idempotent; foreground context,
// machine idle.
func (p *Plugin) engage() {
	if p.engaged {
		return
	}

	p.orig = p.m.StepperHooks()
	p.resetAccumulator()
	p.m.SetStepperHooks(&hal.StepperHooks{
		WakeUp:     p.wakeUp,
		PulseStart: p.pulseStart,
	})
	p.engaged = true

	p.log.Debug("engaged: rate=%d pitch=%.6fmm pulse=%dus", p.rate, p.pitch, p.pulseMicros)
}

// disengage restores the displaced hooks exactly. Idempotent.
func (p *Plugin) disengage() {
	if !p.engaged {
		return
	}

	p.m.SetStepperHooks(p.orig)
	p.orig = nil
	p.engaged = false

	p.log.Debug("disengaged")
}

// Lifecycle hooks

// onParserInit forces engagement off on parser reinitialization (machine
// reset, new program), then delegates.
func (p *Plugin) onParserInit(state *hal.ParserState) {
	p.commandedOn = false
	p.disengage()

	if p.prevParserInit != nil {
		p.prevParserInit(state)
	}
}

// onProgramCompleted forces engagement off when a job ends outside
// simulation mode, so the laser cannot remain armed without an explicit
// disable command.
func (p *Plugin) onProgramCompleted(flow hal.ProgramFlow, simulation bool) {
	if !simulation {
		p.commandedOn = false
		p.disengage()
	}

	if p.prevProgramCompleted != nil {
		p.prevProgramCompleted(flow, simulation)
	}
}

func (p *Plugin) onReportOptions(structured bool) {
	if p.prevReportOptions != nil {
		p.prevReportOptions(structured)
	}

	if !structured {
		p.m.ReportPlugin(pluginName, pluginVersion)
	}
}

// Status reporting

// Status is a foreground snapshot of the plugin state.
type Status struct {
	Rate        uint16  `json:"rate"`
	PitchMM     float64 `json:"pitch_mm"`
	PulseMicros uint16  `json:"pulse_us"`
	CommandedOn bool    `json:"commanded_on"`
	Engaged     bool    `json:"engaged"`
	LaserOn     bool    `json:"laser_on"`
	Pulses      uint64  `json:"pulses"`
}

// Status returns a snapshot of the plugin state.
func (p *Plugin) Status() Status {
	return Status{
		Rate:        p.rate,
		PitchMM:     p.pitch,
		PulseMicros: p.pulseMicros,
		CommandedOn: p.commandedOn,
		Engaged:     p.engaged,
		LaserOn:     p.laserOn,
		Pulses:      p.pulses.Load(),
	}
}

// Pulses returns the total pulses fired since startup.
func (p *Plugin) Pulses() uint64 {
	return p.pulses.Load()
}
