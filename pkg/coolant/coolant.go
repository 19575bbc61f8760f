// Package coolant implements the laser tube coolant interlock. It wraps
// the machine's coolant entry point so that turning flood coolant on
// waits for the coolant-ok signal, turning it off is deferred by a
// configurable delay so the tube keeps cooling after a job, and losing
// the ok signal or exceeding the temperature limit while the laser runs
// raises an abort alarm.
package coolant

import (
	"fmt"
	"sync"
	"time"

	"lasergrbl-host/pkg/hal"
	"lasergrbl-host/pkg/log"
	"lasergrbl-host/pkg/reactor"
)

const (
	pluginName    = "Laser coolant"
	pluginVersion = "0.06"
)

// Config carries the interlock settings, typically read from machine
// configuration.
type Config struct {
	// OnDelay is how long to wait for the coolant-ok signal after
	// enabling flood coolant. Zero disables the wait.
	OnDelay time.Duration

	// OffDelay defers the physical flood-off by this much after the
	// disable command. Zero turns coolant off immediately.
	OffDelay time.Duration

	// MaxTemp is the coolant temperature alarm threshold in degrees.
	// Zero disables temperature monitoring.
	MaxTemp float64

	// OkPort is the digital input carrying the coolant-ok signal,
	// -1 when not wired.
	OkPort int

	// TempPort is the analog input carrying the coolant temperature,
	// -1 when not wired.
	TempPort int
}

// Plugin is the coolant interlock state. Create one per machine with
// Init.
type Plugin struct {
	m   *hal.Machine
	r   *reactor.Reactor
	log *log.Logger
	cfg Config

	okPort   *hal.DigitalInput
	tempPort *hal.AnalogInput

	// canMonitor is set when a temperature port was claimed.
	canMonitor bool

	mu sync.Mutex
	// coolantOn tracks a confirmed flood-on. offPending is set while a
	// deferred flood-off is scheduled. monitorOn arms the over-temp
	// check while the tube is cooled.
	coolantOn  bool
	offPending bool
	monitorOn  bool
	irqChecked bool
	prevTemp   float64

	offTimer *reactor.Timer

	// Displaced chain stages.
	prevCoolant        hal.CoolantControl
	prevRealtimeReport func(func(string), bool)
	prevReportOptions  func(bool)
}

// Init claims the configured ports and wires the plugin into the
// machine's coolant and report chains. Foreground context, machine
// initialization time.
func Init(m *hal.Machine, r *reactor.Reactor, cfg Config) (*Plugin, error) {
	p := &Plugin{
		m:   m,
		r:   r,
		log: log.GetLogger("coolant"),
		cfg: cfg,
	}

	if cfg.TempPort >= 0 {
		port, err := m.Ports.ClaimAnalog(cfg.TempPort, "Coolant temperature")
		if err != nil {
			return nil, err
		}
		p.tempPort = port
		p.canMonitor = true
	}

	if cfg.OkPort >= 0 {
		port, err := m.Ports.ClaimDigital(cfg.OkPort, "Coolant ok")
		if err != nil {
			return nil, err
		}
		p.okPort = port
	}

	p.offTimer = r.RegisterTimer(p.floodOff, reactor.NEVER)

	p.prevCoolant = m.Coolant
	m.Coolant.SetState = p.setState

	p.prevRealtimeReport = m.OnRealtimeReport
	m.OnRealtimeReport = p.onRealtimeReport

	p.prevReportOptions = m.OnReportOptions
	m.OnReportOptions = p.onReportOptions

	p.log.Info("coolant interlock ready, on_delay=%s off_delay=%s max_temp=%.1f",
		cfg.OnDelay, cfg.OffDelay, cfg.MaxTemp)
	return p, nil
}

// setState replaces the machine's coolant entry point. Flood-off with a
// configured off delay keeps the output on and schedules the physical
// off; flood-on cancels any pending off, switches the output and waits
// for the ok signal.
func (p *Plugin) setState(mode hal.CoolantState) {
	p.mu.Lock()

	changed := mode.Flood != p.prevCoolant.GetState().Flood || (mode.Flood && p.offPending)

	if changed && !mode.Flood {
		if p.cfg.OffDelay > 0 && !p.m.ResetPending() {
			mode.Flood = true
			p.offPending = true
			p.r.UpdateTimer(p.offTimer, p.r.Monotonic()+p.cfg.OffDelay.Seconds())
			p.prevCoolant.SetState(mode)
			p.checkIRQ()
			p.mu.Unlock()
			return
		}
		p.coolantOn = false
	}

	p.prevCoolant.SetState(mode)

	if changed && mode.Flood {
		p.r.UpdateTimer(p.offTimer, reactor.NEVER)
		p.offPending = false

		if p.cfg.OnDelay > 0 && p.okPort != nil {
			p.mu.Unlock()
			ok := p.okPort.Wait(true, p.cfg.OnDelay)
			p.mu.Lock()

			if !ok {
				mode.Flood = false
				p.coolantOn = false
				p.prevCoolant.SetState(mode)
				p.mu.Unlock()
				p.log.Error("coolant ok signal not asserted within %s", p.cfg.OnDelay)
				p.m.SetAlarm(hal.AlarmAbortCycle)
				return
			}
		}
		p.coolantOn = true
	}

	p.checkIRQ()
	p.monitorOn = mode.Flood && p.cfg.MaxTemp > 0

	p.mu.Unlock()
}

// checkIRQ registers the ok-loss interrupt handler on the first state
// change. Caller holds p.mu.
func (p *Plugin) checkIRQ() {
	if p.irqChecked {
		return
	}
	p.irqChecked = true

	if p.okPort != nil && p.okPort.OnFalling != nil {
		p.okPort.OnFalling(p.coolantLost)
	}
}

// coolantLost runs from the ok-port falling edge. Losing the signal
// while the tube is supposed to be cooled aborts the cycle.
func (p *Plugin) coolantLost() {
	p.mu.Lock()
	alarm := p.coolantOn && !p.offPending
	p.mu.Unlock()

	if alarm {
		p.log.Error("coolant ok signal lost")
		p.m.SetAlarm(hal.AlarmAbortCycle)
	}
}

// floodOff is the deferred flood-off timer callback. Reactor context.
func (p *Plugin) floodOff(eventtime float64) float64 {
	p.mu.Lock()
	mode := p.prevCoolant.GetState()
	mode.Flood = false
	p.prevCoolant.SetState(mode)
	p.offPending = false
	p.coolantOn = false
	p.mu.Unlock()

	p.log.Info("deferred coolant off")
	return reactor.NEVER
}

// onRealtimeReport appends the coolant temperature to the periodic
// status report when it changed and raises the over-temp alarm.
func (p *Plugin) onRealtimeReport(appendReport func(string), all bool) {
	if p.canMonitor {
		temp := p.tempPort.Read()

		p.mu.Lock()
		changed := temp != p.prevTemp
		p.prevTemp = temp
		overTemp := p.monitorOn && temp > p.cfg.MaxTemp
		p.mu.Unlock()

		if changed || all {
			appendReport(fmt.Sprintf("|TCT:%.1f", temp))
		}

		if overTemp {
			p.log.Error("coolant over temperature: %.1f > %.1f", temp, p.cfg.MaxTemp)
			p.m.SetAlarm(hal.AlarmAbortCycle)
		}
	}

	if p.prevRealtimeReport != nil {
		p.prevRealtimeReport(appendReport, all)
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

// On reports whether flood coolant is confirmed running.
func (p *Plugin) On() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.coolantOn
}

// OffPending reports whether a deferred flood-off is scheduled.
func (p *Plugin) OffPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offPending
}
