package hal

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestStepperHookDefaults(t *testing.T) {
	m := New(nil)
	h := m.StepperHooks()
	if h == nil || h.WakeUp == nil || h.PulseStart == nil {
		t.Fatal("expected no-op stepper hooks on a fresh machine")
	}
	// Must not panic.
	h.WakeUp()
	h.PulseStart(&StepEvent{NewBlock: true, StepBits: 1})
}

func TestStepperHookWrap(t *testing.T) {
	m := New(nil)

	var events []StepEvent
	prev := m.StepperHooks()
	m.SetStepperHooks(&StepperHooks{
		WakeUp: prev.WakeUp,
		PulseStart: func(ev *StepEvent) {
			events = append(events, *ev)
			prev.PulseStart(ev)
		},
	})

	m.StepperHooks().PulseStart(&StepEvent{StepBits: 0x3, StepsPerMM: 80})
	if len(events) != 1 || events[0].StepBits != 0x3 {
		t.Errorf("expected wrapped hook to see the event, got %v", events)
	}
}

func TestSelectSpindleRunsChain(t *testing.T) {
	m := New(nil)

	var seen []*Spindle
	prev := m.OnSpindleSelected
	m.OnSpindleSelected = func(sp *Spindle) {
		seen = append(seen, sp)
		if prev != nil {
			prev(sp)
		}
	}

	sp := &Spindle{Name: "laser", Caps: SpindleCaps{Laser: true}}
	m.SelectSpindle(sp)
	if m.Spindle() != sp {
		t.Error("expected spindle to be selected")
	}
	if len(seen) != 1 || seen[0] != sp {
		t.Errorf("expected chain to run once with the spindle, got %v", seen)
	}

	m.SelectSpindle(nil)
	if m.Spindle() != nil {
		t.Error("expected spindle deselection")
	}
	if len(seen) != 2 || seen[1] != nil {
		t.Errorf("expected chain to see nil, got %v", seen)
	}
}

func TestCanPulse(t *testing.T) {
	tests := []struct {
		name    string
		spindle *Spindle
		want    bool
	}{
		{"laser with pulse", &Spindle{Caps: SpindleCaps{Laser: true}, PulseOn: func(uint32) {}}, true},
		{"laser without pulse", &Spindle{Caps: SpindleCaps{Laser: true}}, false},
		{"non-laser with pulse", &Spindle{PulseOn: func(uint32) {}}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		if got := tt.spindle.CanPulse(); got != tt.want {
			t.Errorf("%s: CanPulse() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestReportPluginDedup(t *testing.T) {
	m := New(nil)
	m.OnReportOptions = func(structured bool) {
		m.ReportPlugin("Laser PPI", "0.12")
		m.ReportPlugin("Laser PPI", "0.12")
	}

	plugins := m.Plugins()
	if len(plugins) != 1 {
		t.Fatalf("expected 1 plugin, got %d: %v", len(plugins), plugins)
	}
	if plugins[0].Name != "Laser PPI" || plugins[0].Version != "0.12" {
		t.Errorf("unexpected plugin identity: %+v", plugins[0])
	}

	// Repeated queries stay deduplicated.
	if plugins := m.Plugins(); len(plugins) != 1 {
		t.Errorf("expected 1 plugin on requery, got %d", len(plugins))
	}
}

func TestRealtimeReportChain(t *testing.T) {
	m := New(nil)
	m.OnRealtimeReport = func(appendReport func(string), all bool) {
		appendReport("|TCT:20.0")
		if all {
			appendReport("|PPI:600")
		}
	}

	var out string
	m.RealtimeReport(func(s string) { out += s }, false)
	if out != "|TCT:20.0" {
		t.Errorf("expected partial report, got %q", out)
	}

	out = ""
	m.RealtimeReport(func(s string) { out += s }, true)
	if out != "|TCT:20.0|PPI:600" {
		t.Errorf("expected full report, got %q", out)
	}
}

func TestAlarmLifecycle(t *testing.T) {
	m := New(nil)
	if m.Alarm() != AlarmNone {
		t.Fatalf("expected no alarm, got %v", m.Alarm())
	}

	var sunk []Alarm
	m.OnAlarm = func(a Alarm) { sunk = append(sunk, a) }

	m.SetAlarm(AlarmAbortCycle)
	if m.Alarm() != AlarmAbortCycle {
		t.Errorf("expected abort cycle alarm, got %v", m.Alarm())
	}
	if len(sunk) != 1 || sunk[0] != AlarmAbortCycle {
		t.Errorf("expected alarm sink to fire, got %v", sunk)
	}

	m.ClearAlarm()
	if m.Alarm() != AlarmNone {
		t.Errorf("expected cleared alarm, got %v", m.Alarm())
	}
}

func TestResetRunsChains(t *testing.T) {
	m := New(nil)

	var resets int
	m.OnDriverReset = func() { resets++ }

	var inits []ParserState
	m.OnParserInit = func(st *ParserState) {
		inits = append(inits, *st)
		if !m.ResetPending() {
			t.Error("expected reset to be pending inside the chain")
		}
	}

	m.SetAlarm(AlarmEStop)
	m.Reset()

	if resets != 1 {
		t.Errorf("expected 1 driver reset, got %d", resets)
	}
	if len(inits) != 1 || inits[0].SimulationMode {
		t.Errorf("expected one parser init without simulation, got %v", inits)
	}
	if m.Alarm() != AlarmNone {
		t.Errorf("expected reset to clear the alarm, got %v", m.Alarm())
	}
	if m.ResetPending() {
		t.Error("expected reset pending to clear")
	}
}

func TestPortClaims(t *testing.T) {
	ports := NewPorts(
		[]*DigitalInput{
			{Name: "ok", Read: func() bool { return true }},
			{Name: "door", Read: func() bool { return false }},
		},
		[]*AnalogInput{
			{Name: "temp", Read: func() float64 { return 20 }},
		},
	)

	if ports.DigitalAvailable() != 2 || ports.AnalogAvailable() != 1 {
		t.Fatalf("unexpected port counts: %d digital, %d analog",
			ports.DigitalAvailable(), ports.AnalogAvailable())
	}

	d, err := ports.ClaimDigital(0, "coolant")
	if err != nil {
		t.Fatalf("ClaimDigital: %v", err)
	}
	if d.Name != "ok" {
		t.Errorf("expected port 'ok', got %q", d.Name)
	}

	if _, err := ports.ClaimDigital(0, "other"); err == nil {
		t.Error("expected double claim to fail")
	}
	if _, err := ports.ClaimDigital(5, "other"); err == nil {
		t.Error("expected out-of-range claim to fail")
	}

	a, err := ports.ClaimAnalog(0, "coolant")
	if err != nil {
		t.Fatalf("ClaimAnalog: %v", err)
	}
	if a.Read() != 20 {
		t.Errorf("expected analog read 20, got %v", a.Read())
	}
	if _, err := ports.ClaimAnalog(0, "other"); err == nil {
		t.Error("expected double analog claim to fail")
	}
}

func TestNilPortsAvailable(t *testing.T) {
	var ports *Ports
	if ports.DigitalAvailable() != 0 || ports.AnalogAvailable() != 0 {
		t.Error("expected nil port pool to report zero ports")
	}
}

func TestDigitalWait(t *testing.T) {
	var high atomic.Bool
	d := &DigitalInput{
		Name: "ok",
		Read: func() bool { return high.Load() },
		Wait: func(want bool, timeout time.Duration) bool {
			deadline := time.Now().Add(timeout)
			for time.Now().Before(deadline) {
				if high.Load() == want {
					return high.Load()
				}
				time.Sleep(time.Millisecond)
			}
			return high.Load()
		},
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		high.Store(true)
	}()
	if got := d.Wait(true, 200*time.Millisecond); !got {
		t.Error("expected wait to observe the port going high")
	}
}
