package hal

import "sync/atomic"

// StepEvent describes one step-interrupt cycle of the motion system.
// It is delivered to the active PulseStart hook once per generated step
// event, at the motion system's step rate.
type StepEvent struct {
	// NewBlock is set on the first event of a motion block.
	NewBlock bool

	// StepBits holds the per-axis step output bits for this cycle.
	// Zero means no physical step was produced (a skipped cycle on a
	// slower axis of a multi-axis move).
	StepBits uint8

	// StepsPerMM is the active block's step resolution.
	StepsPerMM float64
}

// StepperHooks is the pair of motion entry points plugins may intercept.
// A hooks value is immutable once published; interceptors install a new
// value wrapping the previous one and restore the previous value to
// disengage.
type StepperHooks struct {
	// WakeUp is invoked on every transition from idle to an active run.
	WakeUp func()

	// PulseStart is invoked once per generated step event. Interceptors
	// add side effects only and must always delegate; they never suppress
	// or alter the underlying step output.
	PulseStart func(ev *StepEvent)
}

// stepperSlot publishes the active hooks through an atomic pointer so the
// step-interrupt reader never observes a partially updated pair. Swaps
// happen only in foreground context, and only while the motion system is
// idle.
type stepperSlot struct {
	hooks atomic.Pointer[StepperHooks]
}

func (s *stepperSlot) get() *StepperHooks {
	return s.hooks.Load()
}

func (s *stepperSlot) set(h *StepperHooks) {
	s.hooks.Store(h)
}
