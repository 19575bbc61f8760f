// Package overdrive adds an M129 command applying a temporary power
// overdrive on laser-capable drivers, used to boost tube ignition at
// very low power levels. The overdrive is cleared when a program ends
// or the driver resets, so a job cannot leave it behind.
package overdrive

import (
	"lasergrbl-host/pkg/gcode"
	"lasergrbl-host/pkg/hal"
	"lasergrbl-host/pkg/log"
	"lasergrbl-host/pkg/mcerr"
)

// MCode is the overdrive command, M129 P<percent>.
const MCode = 129

const (
	pluginName    = "CO2 laser overdrive"
	pluginVersion = "0.01"
)

// Plugin is the overdrive command surface. Create one per machine with
// Init.
type Plugin struct {
	m   *hal.Machine
	log *log.Logger

	// laser is the selected driver's overdrive entry point, nil while no
	// capable driver is selected.
	laser *hal.Spindle

	prevMCode            gcode.Handlers
	prevSpindleSelected  func(*hal.Spindle)
	prevProgramCompleted func(hal.ProgramFlow, bool)
	prevReportOptions    func(bool)
	prevDriverReset      func()
}

// Init wires the plugin into the machine's command and event chains.
func Init(m *hal.Machine) *Plugin {
	p := &Plugin{
		m:   m,
		log: log.GetLogger("overdrive"),
	}

	p.prevMCode = m.MCode.Intercept(gcode.Handlers{
		Check:    p.check,
		Validate: p.validate,
		Execute:  p.execute,
	})

	p.prevSpindleSelected = m.OnSpindleSelected
	m.OnSpindleSelected = p.onSpindleSelected

	p.prevProgramCompleted = m.OnProgramCompleted
	m.OnProgramCompleted = p.onProgramCompleted

	p.prevReportOptions = m.OnReportOptions
	m.OnReportOptions = p.onReportOptions

	p.prevDriverReset = m.OnDriverReset
	m.OnDriverReset = p.onDriverReset

	return p
}

func (p *Plugin) check(mcode uint16) gcode.MCodeType {
	if mcode == MCode && p.laser != nil && p.laser.Caps.RPMControlled {
		return gcode.MCodeNormal
	}
	if p.prevMCode.Check != nil {
		return p.prevMCode.Check(mcode)
	}
	return gcode.MCodeUnsupported
}

func (p *Plugin) validate(b *gcode.Block) error {
	if b.MCode == MCode {
		if !b.Words.P {
			return mcerr.WordMissingError(b.Command(), "P")
		}
		if b.Values.P < 0 {
			return mcerr.ValueRangeError(b.Command(), "P", b.Values.P)
		}
		b.Words.P = false
		return nil
	}

	if p.prevMCode.Validate != nil {
		return p.prevMCode.Validate(b)
	}
	return mcerr.UnhandledError(b.Command())
}

func (p *Plugin) execute(b *gcode.Block, simulation bool) {
	if b.MCode == MCode {
		if !simulation {
			p.laser.SetOverdrive(b.Values.P)
			p.log.Debug("overdrive set to %.1f%%", b.Values.P)
		}
		return
	}

	if p.prevMCode.Execute != nil {
		p.prevMCode.Execute(b, simulation)
	}
}

func (p *Plugin) onSpindleSelected(sp *hal.Spindle) {
	if sp != nil && sp.Caps.Laser && sp.SetOverdrive != nil {
		p.laser = sp
	} else {
		p.laser = nil
	}

	if p.prevSpindleSelected != nil {
		p.prevSpindleSelected(sp)
	}
}

// onProgramCompleted clears the overdrive when a job ends, in real and
// simulation runs alike.
func (p *Plugin) onProgramCompleted(flow hal.ProgramFlow, simulation bool) {
	if p.laser != nil {
		p.laser.SetOverdrive(0)
	}

	if p.prevProgramCompleted != nil {
		p.prevProgramCompleted(flow, simulation)
	}
}

func (p *Plugin) onDriverReset() {
	if p.prevDriverReset != nil {
		p.prevDriverReset()
	}

	if p.laser != nil {
		p.laser.SetOverdrive(0)
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
