package ppi

import (
	"math"
	"testing"

	"lasergrbl-host/pkg/gcode"
	"lasergrbl-host/pkg/hal"
	"lasergrbl-host/pkg/mcerr"
	"lasergrbl-host/pkg/spindle"
	"lasergrbl-host/pkg/stepsim"
)

type rig struct {
	m      *hal.Machine
	laser  *spindle.PWMLaser
	plugin *Plugin
	motion *stepsim.Engine
	base   *hal.StepperHooks
}

func newRig(t *testing.T) *rig {
	t.Helper()

	m := hal.New(nil)
	base := m.StepperHooks()

	plugin := Init(m, Config{})

	laser := spindle.NewPWMLaser("laser")
	m.SelectSpindle(laser.Driver())

	return &rig{
		m:      m,
		laser:  laser,
		plugin: plugin,
		motion: stepsim.New(m),
		base:   base,
	}
}

func (r *rig) mustRun(t *testing.T, line string) {
	t.Helper()
	if err := r.run(line); err != nil {
		t.Fatalf("command %q rejected: %v", line, err)
	}
}

func (r *rig) run(line string) error {
	l, err := gcode.ParseLine(line)
	if err != nil {
		return err
	}
	return r.m.MCode.Run(gcode.BlockFromLine(l), false)
}

// powerOn drives the wrapped duty-cycle update the way an ordinary power
// command (M3 Sxxx) would.
func (r *rig) powerOn(duty uint16) {
	r.laser.Driver().UpdatePWM(duty)
}

func TestPitchDerivation(t *testing.T) {
	r := newRig(t)

	cases := []struct {
		rate  string
		pitch float64
	}{
		{"M127 P600", 25.4 / 600},
		{"M127 P300", 25.4 / 300},
		{"M127 P1000", 25.4 / 1000},
		{"M127 P1", 25.4},
	}
	for _, tc := range cases {
		r.mustRun(t, tc.rate)
		if got := r.plugin.Status().PitchMM; math.Abs(got-tc.pitch) > 1e-12 {
			t.Errorf("%s: pitch = %v, want %v", tc.rate, got, tc.pitch)
		}
	}
}

func TestZeroRateFiresNothing(t *testing.T) {
	r := newRig(t)

	r.mustRun(t, "M127 P0")
	r.mustRun(t, "M126 P1")
	r.powerOn(1000)

	r.motion.Run(stepsim.Segment{LengthMM: 50, StepsPerMM: 100})

	if n := r.laser.PulseCount(); n != 0 {
		t.Errorf("rate 0 fired %d pulses, want 0", n)
	}
	if r.plugin.Status().Engaged {
		t.Error("engaged with rate 0")
	}
}

func TestPulseCountMatchesFloorFormula(t *testing.T) {
	// rate=600 -> pitch = 25.4/600 = 0.042333mm. 1mm at 100 steps/mm
	// reaches 23 thresholds; the 24th sits at 1.016mm.
	r := newRig(t)

	r.mustRun(t, "M126 P1")
	r.powerOn(1000)

	r.motion.Run(stepsim.Segment{LengthMM: 1.0, StepsPerMM: 100})

	if n := r.laser.PulseCount(); n != 23 {
		t.Errorf("pulses = %d, want 23", n)
	}

	for _, p := range r.laser.Pulses() {
		if p.DurationMicros != DefaultPulseMicros {
			t.Fatalf("pulse duration = %d, want %d", p.DurationMicros, DefaultPulseMicros)
		}
	}
}

func TestPulseCountIndependentOfChunking(t *testing.T) {
	// The accumulator is a running sum across block boundaries, so the
	// count must not depend on how the distance is split into blocks.
	run := func(segs ...stepsim.Segment) int {
		r := newRig(t)
		r.mustRun(t, "M126 P1")
		r.powerOn(1000)
		r.motion.Run(segs...)
		return r.laser.PulseCount()
	}

	whole := run(stepsim.Segment{LengthMM: 4.0, StepsPerMM: 200})
	split := run(
		stepsim.Segment{LengthMM: 1.0, StepsPerMM: 200},
		stepsim.Segment{LengthMM: 0.5, StepsPerMM: 200},
		stepsim.Segment{LengthMM: 2.5, StepsPerMM: 200},
	)

	want := int(math.Floor(4.0 / (25.4 / 600)))
	if whole != want {
		t.Errorf("single block: pulses = %d, want %d", whole, want)
	}
	if split != whole {
		t.Errorf("split blocks: pulses = %d, single block fired %d", split, whole)
	}
}

func TestIdleCyclesDoNotAdvanceTravel(t *testing.T) {
	// Skipped cycles on a slower axis carry no step output and must not
	// count as travel.
	run := func(idle int) int {
		r := newRig(t)
		r.mustRun(t, "M126 P1")
		r.powerOn(1000)
		r.motion.Run(stepsim.Segment{LengthMM: 2.0, StepsPerMM: 100, AxisBits: 0x3, IdleCycles: idle})
		return r.laser.PulseCount()
	}

	if dense, sparse := run(0), run(3); dense != sparse {
		t.Errorf("idle cycles changed pulse count: %d vs %d", dense, sparse)
	}
}

func TestBlockResolutionChange(t *testing.T) {
	// mm-per-step is re-derived on every new block.
	r := newRig(t)
	r.mustRun(t, "M126 P1")
	r.powerOn(1000)

	r.motion.Run(
		stepsim.Segment{LengthMM: 1.0, StepsPerMM: 100},
		stepsim.Segment{LengthMM: 1.0, StepsPerMM: 400},
	)

	want := int(math.Floor(2.0 / (25.4 / 600)))
	if n := r.laser.PulseCount(); n != want {
		t.Errorf("pulses = %d, want %d", n, want)
	}
}

func TestEnableWithPowerAlreadyOnResetsAccumulator(t *testing.T) {
	r := newRig(t)

	// Power on first, then run some distance without PPI armed.
	r.powerOn(1000)
	r.motion.Run(stepsim.Segment{LengthMM: 0.5, StepsPerMM: 100})
	if n := r.laser.PulseCount(); n != 0 {
		t.Fatalf("fired %d pulses before enable", n)
	}

	// Arming must start from a clean accumulator: exactly the floor
	// count for the distance after enable, no residual offset.
	r.mustRun(t, "M126 P1")
	r.motion.Run(stepsim.Segment{LengthMM: 1.0, StepsPerMM: 100})

	if n := r.laser.PulseCount(); n != 23 {
		t.Errorf("pulses after enable = %d, want 23", n)
	}
}

func TestPowerOffOnStopsAndRestartsCleanly(t *testing.T) {
	r := newRig(t)
	r.mustRun(t, "M126 P1")

	r.powerOn(1000)
	r.motion.Run(stepsim.Segment{LengthMM: 1.0, StepsPerMM: 100})
	first := r.laser.PulseCount()

	// Power off: travel accumulates nothing.
	r.powerOn(0)
	r.motion.Run(stepsim.Segment{LengthMM: 5.0, StepsPerMM: 100})
	if n := r.laser.PulseCount(); n != first {
		t.Fatalf("pulses while off = %d", n-first)
	}

	// Power back on: zero to nonzero transition restarts the
	// accumulator.
	r.laser.ResetPulses()
	r.powerOn(800)
	r.motion.Run(stepsim.Segment{LengthMM: 1.0, StepsPerMM: 100})
	if n := r.laser.PulseCount(); n != 23 {
		t.Errorf("pulses after restart = %d, want 23", n)
	}
}

func TestSpeedControlledPowerUpdates(t *testing.T) {
	r := newRig(t)
	r.mustRun(t, "M126 P1")

	r.laser.Driver().UpdateRPM(5000)
	r.motion.Run(stepsim.Segment{LengthMM: 1.0, StepsPerMM: 100})

	if n := r.laser.PulseCount(); n != 23 {
		t.Errorf("pulses with rpm control = %d, want 23", n)
	}
	if got := r.laser.RPM(); got != 5000 {
		t.Errorf("wrapped update lost rpm: %v", got)
	}
}

func TestPulseLengthTakesEffectOnNextPulse(t *testing.T) {
	r := newRig(t)
	r.mustRun(t, "M126 P1")
	r.powerOn(1000)

	r.motion.Run(stepsim.Segment{LengthMM: 0.5, StepsPerMM: 100})
	r.mustRun(t, "M128 P900")
	r.motion.Run(stepsim.Segment{LengthMM: 0.5, StepsPerMM: 100})

	pulses := r.laser.Pulses()
	if len(pulses) == 0 {
		t.Fatal("no pulses fired")
	}
	if first := pulses[0].DurationMicros; first != DefaultPulseMicros {
		t.Errorf("early pulse duration = %d, want %d", first, DefaultPulseMicros)
	}
	if last := pulses[len(pulses)-1].DurationMicros; last != 900 {
		t.Errorf("late pulse duration = %d, want 900", last)
	}
}

func TestDisableRestoresHooksExactly(t *testing.T) {
	r := newRig(t)

	r.mustRun(t, "M126 P1")
	if r.m.StepperHooks() == r.base {
		t.Fatal("enable did not swap hooks")
	}

	r.mustRun(t, "M126 P0")
	if r.m.StepperHooks() != r.base {
		t.Fatal("disable did not restore the original hooks")
	}

	// Re-enabling resumes correct counting.
	r.mustRun(t, "M126 P1")
	r.powerOn(1000)
	r.motion.Run(stepsim.Segment{LengthMM: 1.0, StepsPerMM: 100})
	if n := r.laser.PulseCount(); n != 23 {
		t.Errorf("pulses after re-enable = %d, want 23", n)
	}
}

func TestEngagementIsIdempotent(t *testing.T) {
	r := newRig(t)

	r.mustRun(t, "M126 P1")
	r.mustRun(t, "M126 P1")
	r.mustRun(t, "M127 P600") // re-derives engagement while engaged

	r.mustRun(t, "M126 P0")
	if r.m.StepperHooks() != r.base {
		t.Fatal("repeated enables lost the original hooks")
	}

	r.mustRun(t, "M126 P0")
	if r.m.StepperHooks() != r.base {
		t.Fatal("repeated disable changed hooks")
	}
}

func TestProgramCompletionDisarms(t *testing.T) {
	r := newRig(t)
	r.mustRun(t, "M126 P1")
	r.powerOn(1000)

	r.m.ProgramCompleted(hal.FlowCompleted, false)

	if r.plugin.Status().Engaged || r.plugin.Status().CommandedOn {
		t.Fatal("program completion left PPI armed")
	}
	if r.m.StepperHooks() != r.base {
		t.Fatal("program completion did not restore hooks")
	}

	r.motion.Run(stepsim.Segment{LengthMM: 5.0, StepsPerMM: 100})
	if n := r.laser.PulseCount(); n != 0 {
		t.Errorf("fired %d pulses after program completion", n)
	}
}

func TestSimulatedProgramCompletionKeepsEngagement(t *testing.T) {
	r := newRig(t)
	r.mustRun(t, "M126 P1")

	r.m.ProgramCompleted(hal.FlowCompleted, true)

	if !r.plugin.Status().Engaged {
		t.Error("check-mode program completion disengaged PPI")
	}
}

func TestParserReinitDisarms(t *testing.T) {
	r := newRig(t)
	r.mustRun(t, "M126 P1")

	r.m.ParserInit(&hal.ParserState{})

	if r.plugin.Status().Engaged || r.plugin.Status().CommandedOn {
		t.Fatal("parser reinit left PPI armed")
	}
	if r.m.StepperHooks() != r.base {
		t.Fatal("parser reinit did not restore hooks")
	}
}

func TestWakeUpZeroesAccumulator(t *testing.T) {
	r := newRig(t)
	r.mustRun(t, "M126 P1")
	r.powerOn(1000)

	// Two separate runs: each wake-up restarts the accumulator, so each
	// run fires its own floor count.
	r.motion.Run(stepsim.Segment{LengthMM: 1.0, StepsPerMM: 100})
	r.motion.Run(stepsim.Segment{LengthMM: 1.0, StepsPerMM: 100})

	if n := r.laser.PulseCount(); n != 46 {
		t.Errorf("pulses over two runs = %d, want 46", n)
	}
}

func TestOversizedStepFiresSinglePulse(t *testing.T) {
	// One step longer than the pitch fires exactly one pulse; the count
	// catches up on subsequent steps instead of bursting.
	r := newRig(t)
	r.mustRun(t, "M126 P1")
	r.powerOn(1000)

	// 10 steps/mm: each step is 0.1mm, more than twice the 0.042mm
	// pitch.
	r.motion.Run(stepsim.Segment{LengthMM: 1.0, StepsPerMM: 10})

	if n := r.laser.PulseCount(); n != 10 {
		t.Errorf("pulses = %d, want one per oversized step (10)", n)
	}
}

func TestValidationRejections(t *testing.T) {
	r := newRig(t)

	cases := []struct {
		line string
		code mcerr.ErrorCode
	}{
		{"M126", mcerr.ErrGcodeWordMissing},
		{"M127", mcerr.ErrGcodeWordMissing},
		{"M128", mcerr.ErrGcodeWordMissing},
		{"M127 P-1", mcerr.ErrGcodeValueRange},
		{"M127 P99999", mcerr.ErrGcodeValueRange},
		{"M128 P0.5", mcerr.ErrGcodeValueRange},
		{"M127 Pabc", mcerr.ErrGcodeBadNumber},
		{"M199 P1", mcerr.ErrGcodeUnsupported},
	}
	for _, tc := range cases {
		err := r.run(tc.line)
		if err == nil {
			t.Errorf("%q: accepted, want %s", tc.line, tc.code)
			continue
		}
		if !mcerr.Is(err, tc.code) {
			t.Errorf("%q: got %v, want code %s", tc.line, err, tc.code)
		}
	}
}

func TestRateRejectedWithoutPulseCapability(t *testing.T) {
	r := newRig(t)
	r.m.SelectSpindle(spindle.NewInductionMotor("motor"))

	for _, line := range []string{"M127 P600", "M128 P1500"} {
		err := r.run(line)
		if !mcerr.Is(err, mcerr.ErrGcodeUnsupported) {
			t.Errorf("%q against non-laser driver: got %v, want unsupported", line, err)
		}
	}
}

func TestCapabilityLossForcesDisengagement(t *testing.T) {
	r := newRig(t)
	r.mustRun(t, "M126 P1")

	r.m.SelectSpindle(spindle.NewInductionMotor("motor"))

	if r.m.Caps.LaserPPIMode {
		t.Error("capability word still set after selecting non-laser driver")
	}
	if r.plugin.Status().Engaged {
		t.Error("still engaged after losing pulse capability")
	}
	if r.m.StepperHooks() != r.base {
		t.Error("hooks not restored after capability loss")
	}

	// Selecting a capable driver again restores support.
	r.m.SelectSpindle(r.laser.Driver())
	if !r.m.Caps.LaserPPIMode {
		t.Error("capability word not republished")
	}
}

func TestReselectionDoesNotDoubleWrap(t *testing.T) {
	r := newRig(t)

	r.m.SelectSpindle(r.laser.Driver())
	r.m.SelectSpindle(r.laser.Driver())
	r.mustRun(t, "M126 P1")

	r.powerOn(1000)
	r.motion.Run(stepsim.Segment{LengthMM: 1.0, StepsPerMM: 100})

	if n := r.laser.PulseCount(); n != 23 {
		t.Errorf("pulses after reselection = %d, want 23", n)
	}
	if got := r.laser.Duty(); got != 1000 {
		t.Errorf("duty after reselection = %d, want 1000", got)
	}
}

func TestSimulationModeDoesNotMutate(t *testing.T) {
	r := newRig(t)

	l, err := gcode.ParseLine("M126 P1")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.m.MCode.Run(gcode.BlockFromLine(l), true); err != nil {
		t.Fatalf("check-mode run rejected: %v", err)
	}

	if r.plugin.Status().CommandedOn || r.plugin.Status().Engaged {
		t.Error("check-mode execution mutated enable state")
	}
}

func TestDelegationToPriorHandler(t *testing.T) {
	m := hal.New(nil)

	// A pre-existing handler owning M200.
	executed := false
	m.MCode.Intercept(gcode.Handlers{
		Check: func(mcode uint16) gcode.MCodeType {
			if mcode == 200 {
				return gcode.MCodeNormal
			}
			return gcode.MCodeUnsupported
		},
		Validate: func(b *gcode.Block) error {
			if b.MCode == 200 {
				return nil
			}
			return mcerr.UnhandledError(b.Command())
		},
		Execute: func(b *gcode.Block, simulation bool) {
			executed = b.MCode == 200
		},
	})

	Init(m, Config{})

	if err := m.MCode.Run(&gcode.Block{MCode: 200}, false); err != nil {
		t.Fatalf("delegated command rejected: %v", err)
	}
	if !executed {
		t.Error("prior handler not reached through the chain")
	}
}

func TestReportOptionsAnnouncesPlugin(t *testing.T) {
	r := newRig(t)

	found := false
	for _, p := range r.m.Plugins() {
		if p.Name == "Laser PPI" {
			found = true
		}
	}
	if !found {
		t.Error("plugin not announced in report options")
	}
}
