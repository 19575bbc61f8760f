// Package stepsim is a simulated motion engine. It turns planned line
// segments into the per-step events a stepper driver ISR would deliver,
// through whatever stepper hooks are currently active on the machine, so
// the step-synchronized plugins can be exercised without hardware.
//
// It is a test double for the motion system, not a planner: no
// acceleration, no junction handling, just step events at the block's
// step resolution with Bresenham-style idle cycles for slower axes.
package stepsim

import (
	"math"

	"lasergrbl-host/pkg/hal"
)

// Segment is one motion block: constant step resolution, constant axis
// set.
type Segment struct {
	// LengthMM is the block length along the dominant axis.
	LengthMM float64

	// StepsPerMM is the block's step resolution.
	StepsPerMM float64

	// AxisBits marks the axes that move in this block. Zero defaults to
	// axis 0.
	AxisBits uint8

	// IdleCycles inserts this many empty step events (no step output)
	// after every physical step, modelling skipped cycles on slower axes
	// of a multi-axis move.
	IdleCycles int
}

// Steps returns the number of physical steps the segment generates.
func (s Segment) Steps() int {
	return int(math.Floor(s.LengthMM*s.StepsPerMM + 0.5))
}

// Engine drives the machine's active stepper hooks.
type Engine struct {
	m *hal.Machine

	idle   bool
	steps  uint64
	events uint64
}

// New creates an engine in the idle state.
func New(m *hal.Machine) *Engine {
	return &Engine{m: m, idle: true}
}

// Idle reports whether the engine is between runs.
func (e *Engine) Idle() bool {
	return e.idle
}

// Steps returns the number of physical steps delivered since startup.
func (e *Engine) Steps() uint64 {
	return e.steps
}

// Events returns the number of step events delivered, including idle
// cycles.
func (e *Engine) Events() uint64 {
	return e.events
}

// Run executes the segments through the active hooks: a wake-up on the
// idle to run transition, then one event per step cycle. The engine
// returns to idle when the segments are exhausted, after which hooks may
// safely be swapped again.
func (e *Engine) Run(segments ...Segment) {
	if len(segments) == 0 {
		return
	}

	hooks := e.m.StepperHooks()
	if e.idle {
		hooks.WakeUp()
		e.idle = false
	}

	ev := hal.StepEvent{}
	for _, seg := range segments {
		axes := seg.AxisBits
		if axes == 0 {
			axes = 1
		}

		ev.NewBlock = true
		ev.StepsPerMM = seg.StepsPerMM

		for i := 0; i < seg.Steps(); i++ {
			ev.StepBits = axes
			hooks.PulseStart(&ev)
			ev.NewBlock = false
			e.steps++
			e.events++

			for k := 0; k < seg.IdleCycles; k++ {
				ev.StepBits = 0
				hooks.PulseStart(&ev)
				e.events++
			}
		}
	}

	e.idle = true
}
