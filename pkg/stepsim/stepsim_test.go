package stepsim

import (
	"testing"

	"lasergrbl-host/pkg/hal"
)

type recorder struct {
	wakeups int
	events  []hal.StepEvent
}

func (r *recorder) install(m *hal.Machine) {
	prev := m.StepperHooks()
	m.SetStepperHooks(&hal.StepperHooks{
		WakeUp: func() {
			r.wakeups++
			prev.WakeUp()
		},
		PulseStart: func(ev *hal.StepEvent) {
			r.events = append(r.events, *ev)
			prev.PulseStart(ev)
		},
	})
}

func TestSegmentSteps(t *testing.T) {
	tests := []struct {
		seg  Segment
		want int
	}{
		{Segment{LengthMM: 10, StepsPerMM: 80}, 800},
		{Segment{LengthMM: 1, StepsPerMM: 80}, 80},
		{Segment{LengthMM: 0.006, StepsPerMM: 80}, 0}, // rounds down
		{Segment{LengthMM: 0.007, StepsPerMM: 80}, 1}, // rounds up
		{Segment{LengthMM: 0, StepsPerMM: 80}, 0},
	}
	for _, tt := range tests {
		if got := tt.seg.Steps(); got != tt.want {
			t.Errorf("Steps(%v mm @ %v) = %d, want %d",
				tt.seg.LengthMM, tt.seg.StepsPerMM, got, tt.want)
		}
	}
}

func TestRunDeliversSteps(t *testing.T) {
	m := hal.New(nil)
	var rec recorder
	rec.install(m)

	e := New(m)
	if !e.Idle() {
		t.Fatal("expected engine to start idle")
	}

	e.Run(Segment{LengthMM: 1, StepsPerMM: 10})

	if rec.wakeups != 1 {
		t.Errorf("expected 1 wakeup, got %d", rec.wakeups)
	}
	if len(rec.events) != 10 {
		t.Fatalf("expected 10 events, got %d", len(rec.events))
	}
	if !rec.events[0].NewBlock {
		t.Error("expected NewBlock on the first event")
	}
	for i, ev := range rec.events[1:] {
		if ev.NewBlock {
			t.Errorf("event %d: unexpected NewBlock", i+1)
		}
	}
	for i, ev := range rec.events {
		if ev.StepBits != 1 {
			t.Errorf("event %d: expected default axis bit, got %#x", i, ev.StepBits)
		}
		if ev.StepsPerMM != 10 {
			t.Errorf("event %d: expected StepsPerMM 10, got %v", i, ev.StepsPerMM)
		}
	}
	if !e.Idle() {
		t.Error("expected engine to return to idle")
	}
	if e.Steps() != 10 || e.Events() != 10 {
		t.Errorf("expected 10 steps and 10 events, got %d and %d", e.Steps(), e.Events())
	}
}

func TestRunIdleCycles(t *testing.T) {
	m := hal.New(nil)
	var rec recorder
	rec.install(m)

	e := New(m)
	e.Run(Segment{LengthMM: 1, StepsPerMM: 3, IdleCycles: 2})

	if len(rec.events) != 9 {
		t.Fatalf("expected 9 events (3 steps, 2 idles each), got %d", len(rec.events))
	}
	if e.Steps() != 3 || e.Events() != 9 {
		t.Errorf("expected 3 steps and 9 events, got %d and %d", e.Steps(), e.Events())
	}
	for i, ev := range rec.events {
		wantBits := uint8(0)
		if i%3 == 0 {
			wantBits = 1
		}
		if ev.StepBits != wantBits {
			t.Errorf("event %d: expected bits %#x, got %#x", i, wantBits, ev.StepBits)
		}
	}
}

func TestRunMultipleSegments(t *testing.T) {
	m := hal.New(nil)
	var rec recorder
	rec.install(m)

	e := New(m)
	e.Run(
		Segment{LengthMM: 1, StepsPerMM: 2, AxisBits: 0x1},
		Segment{LengthMM: 1, StepsPerMM: 3, AxisBits: 0x3},
	)

	if rec.wakeups != 1 {
		t.Errorf("expected a single wakeup across segments, got %d", rec.wakeups)
	}
	if len(rec.events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(rec.events))
	}
	if !rec.events[0].NewBlock || !rec.events[2].NewBlock {
		t.Error("expected NewBlock at each segment start")
	}
	if rec.events[2].StepBits != 0x3 {
		t.Errorf("expected second segment axis bits, got %#x", rec.events[2].StepBits)
	}
}

func TestRunEmpty(t *testing.T) {
	m := hal.New(nil)
	var rec recorder
	rec.install(m)

	e := New(m)
	e.Run()

	if rec.wakeups != 0 || len(rec.events) != 0 {
		t.Error("expected no hook activity for an empty run")
	}
	if !e.Idle() {
		t.Error("expected engine to stay idle")
	}
}

func TestSeparateRunsWakeAgain(t *testing.T) {
	m := hal.New(nil)
	var rec recorder
	rec.install(m)

	e := New(m)
	e.Run(Segment{LengthMM: 1, StepsPerMM: 1})
	e.Run(Segment{LengthMM: 1, StepsPerMM: 1})

	if rec.wakeups != 2 {
		t.Errorf("expected a wakeup per run, got %d", rec.wakeups)
	}
}
