// Package hal is the host-side hardware abstraction the plugins attach
// to. A Machine is an explicit context object created at startup: it owns
// the stepper hook slot, the selected power driver, the machine command
// dispatch chain, and the lifecycle event chains.
//
// Two execution contexts touch a Machine. Foreground (command) context
// mutates everything; the real-time step path only reads the published
// stepper hooks and the scalar state the plugins keep for it. Hook chains
// are resolved at initialization and never mutated concurrently with
// invocation: every interceptor captures the previous stage and always
// delegates exactly once.
package hal

import (
	"sync"
	"sync/atomic"

	"lasergrbl-host/pkg/gcode"
	"lasergrbl-host/pkg/log"
)

// ProgramFlow indicates how a gcode program ended.
type ProgramFlow int

const (
	// FlowCompleted is an M2 program end.
	FlowCompleted ProgramFlow = iota
	// FlowCompletedRewind is an M30 program end.
	FlowCompletedRewind
)

// Alarm identifies a machine alarm condition.
type Alarm int

const (
	AlarmNone Alarm = iota
	AlarmAbortCycle
	AlarmEStop
)

func (a Alarm) String() string {
	switch a {
	case AlarmNone:
		return "none"
	case AlarmAbortCycle:
		return "abort cycle"
	case AlarmEStop:
		return "e-stop"
	default:
		return "unknown"
	}
}

// ParserState is the gcode parser state handed to parser-init hooks.
type ParserState struct {
	// SimulationMode is set while the parser runs in check mode.
	SimulationMode bool
}

// CoolantState is the commanded coolant output state.
type CoolantState struct {
	Flood bool
	Mist  bool
}

// CoolantControl is the coolant entry point pair. Plugins wrap SetState
// the same way they wrap spindle power updates.
type CoolantControl struct {
	GetState func() CoolantState
	SetState func(state CoolantState)
}

// PluginInfo identifies a plugin in reports.
type PluginInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Machine is the explicit hardware/host context. Construct with New at
// machine initialization; plugins register their hooks once during Init
// and the chains stay fixed afterwards.
type Machine struct {
	log *log.Logger

	// stepper is the atomically published hook slot for the real-time
	// step path.
	stepper stepperSlot

	// Caps is the driver capability word. Foreground writes only.
	Caps DriverCaps

	// MCode is the user machine-command dispatch chain.
	MCode gcode.Dispatcher

	// Coolant is the coolant entry point pair.
	Coolant CoolantControl

	// Ports is the aux I/O port pool, nil when the board has none.
	Ports *Ports

	// Event chains. Interceptors copy the current value and install a
	// wrapper delegating to it. Foreground context only.
	OnSpindleSelected  func(spindle *Spindle)
	OnParserInit       func(state *ParserState)
	OnProgramCompleted func(flow ProgramFlow, simulation bool)
	OnRealtimeReport   func(appendReport func(string), all bool)
	OnReportOptions    func(structured bool)
	OnDriverReset      func()

	// OnAlarm is the host alarm sink, set once by the owner.
	OnAlarm func(alarm Alarm)

	mu      sync.Mutex
	spindle *Spindle
	plugins []PluginInfo

	alarm        atomic.Int32
	resetPending atomic.Bool
}

// New creates a Machine with no-op stepper hooks installed.
func New(logger *log.Logger) *Machine {
	if logger == nil {
		logger = log.GetLogger("hal")
	}
	m := &Machine{log: logger}
	m.stepper.set(&StepperHooks{
		WakeUp:     func() {},
		PulseStart: func(*StepEvent) {},
	})
	return m
}

// Log returns the machine's logger.
func (m *Machine) Log() *log.Logger {
	return m.log
}

// StepperHooks returns the currently active stepper hooks. Safe from the
// real-time context.
func (m *Machine) StepperHooks() *StepperHooks {
	return m.stepper.get()
}

// SetStepperHooks publishes a new stepper hook pair. Foreground context
// only, and only while no real-time invocation can occur through the old
// reference (machine idle).
func (m *Machine) SetStepperHooks(h *StepperHooks) {
	m.stepper.set(h)
}

// Spindle returns the currently selected power driver, nil when none.
func (m *Machine) Spindle() *Spindle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spindle
}

// SelectSpindle makes sp the selected power driver and runs the
// spindle-selected chain.
func (m *Machine) SelectSpindle(sp *Spindle) {
	m.mu.Lock()
	m.spindle = sp
	m.mu.Unlock()

	if sp != nil {
		m.log.Info("spindle selected: %s", sp.Name)
	}
	if m.OnSpindleSelected != nil {
		m.OnSpindleSelected(sp)
	}
}

// ParserInit runs the parser-init chain. Called on machine reset and at
// the start of a new program.
func (m *Machine) ParserInit(state *ParserState) {
	if m.OnParserInit != nil {
		m.OnParserInit(state)
	}
}

// ProgramCompleted runs the program-completed chain.
func (m *Machine) ProgramCompleted(flow ProgramFlow, simulation bool) {
	if m.OnProgramCompleted != nil {
		m.OnProgramCompleted(flow, simulation)
	}
}

// RealtimeReport runs the realtime-report chain, letting plugins append
// fragments to the periodic status report.
func (m *Machine) RealtimeReport(appendReport func(string), all bool) {
	if m.OnRealtimeReport != nil {
		m.OnRealtimeReport(appendReport, all)
	}
}

// ReportOptions runs the report-options chain. Plugins announce their
// identity and version from it via ReportPlugin.
func (m *Machine) ReportOptions(structured bool) {
	if m.OnReportOptions != nil {
		m.OnReportOptions(structured)
	}
}

// DriverReset runs the driver-reset chain.
func (m *Machine) DriverReset() {
	if m.OnDriverReset != nil {
		m.OnDriverReset()
	}
}

// ReportPlugin records a plugin identity for reporting. Called by plugins
// from their report-options hook.
func (m *Machine) ReportPlugin(name, version string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.plugins {
		if p.Name == name {
			return
		}
	}
	m.plugins = append(m.plugins, PluginInfo{Name: name, Version: version})
}

// Plugins returns the registered plugin identities.
func (m *Machine) Plugins() []PluginInfo {
	// Refresh the registry through the report-options chain first, so
	// late-registered plugins show up.
	m.ReportOptions(false)

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PluginInfo, len(m.plugins))
	copy(out, m.plugins)
	return out
}

// SetAlarm raises a machine alarm.
func (m *Machine) SetAlarm(alarm Alarm) {
	m.alarm.Store(int32(alarm))
	m.log.Error("alarm raised: %s", alarm)
	if m.OnAlarm != nil {
		m.OnAlarm(alarm)
	}
}

// Alarm returns the current alarm state.
func (m *Machine) Alarm() Alarm {
	return Alarm(m.alarm.Load())
}

// ClearAlarm clears the alarm state.
func (m *Machine) ClearAlarm() {
	m.alarm.Store(int32(AlarmNone))
}

// ResetPending reports whether a machine reset is in progress.
func (m *Machine) ResetPending() bool {
	return m.resetPending.Load()
}

// Reset performs a machine reset: driver reset chain, parser reinit,
// alarm clear.
func (m *Machine) Reset() {
	m.resetPending.Store(true)
	m.DriverReset()
	m.ParserInit(&ParserState{})
	m.ClearAlarm()
	m.resetPending.Store(false)
	m.log.Info("machine reset")
}
