// Package spindle provides host-side power driver implementations. The
// PWM laser driver records its output so offline tools and tests can
// inspect the pulse train; a real deployment swaps in a driver backed by
// hardware.
package spindle

import (
	"sync"

	"lasergrbl-host/pkg/hal"
)

// Pulse is one recorded pulse command.
type Pulse struct {
	// DurationMicros is the commanded pulse duration.
	DurationMicros uint32
}

// PWMLaser is a duty-cycle controlled laser driver with discrete pulse
// firing. It satisfies the capability requirements for laser PPI mode.
type PWMLaser struct {
	mu sync.Mutex

	on        bool
	duty      uint16
	rpm       float64
	overdrive float64

	pulses []Pulse

	driver *hal.Spindle
}

// NewPWMLaser creates the driver and its hal control surface.
func NewPWMLaser(name string) *PWMLaser {
	l := &PWMLaser{}
	l.driver = &hal.Spindle{
		Name: name,
		Caps: hal.SpindleCaps{Laser: true, RPMControlled: true},
		SetState: func(on bool) {
			l.mu.Lock()
			l.on = on
			if !on {
				l.duty = 0
				l.rpm = 0
			}
			l.mu.Unlock()
		},
		UpdatePWM: func(duty uint16) {
			l.mu.Lock()
			l.duty = duty
			l.mu.Unlock()
		},
		UpdateRPM: func(rpm float64) {
			l.mu.Lock()
			l.rpm = rpm
			l.mu.Unlock()
		},
		PulseOn: func(durationMicros uint32) {
			// Fire-and-forget; record only.
			l.mu.Lock()
			l.pulses = append(l.pulses, Pulse{DurationMicros: durationMicros})
			l.mu.Unlock()
		},
		SetOverdrive: func(percent float64) {
			l.mu.Lock()
			l.overdrive = percent
			l.mu.Unlock()
		},
	}
	return l
}

// Driver returns the hal control surface.
func (l *PWMLaser) Driver() *hal.Spindle {
	return l.driver
}

// On reports the commanded on/off state.
func (l *PWMLaser) On() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

// Duty returns the commanded duty cycle.
func (l *PWMLaser) Duty() uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.duty
}

// RPM returns the commanded speed.
func (l *PWMLaser) RPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rpm
}

// Overdrive returns the commanded overdrive percentage.
func (l *PWMLaser) Overdrive() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.overdrive
}

// PulseCount returns the number of pulses fired so far.
func (l *PWMLaser) PulseCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pulses)
}

// Pulses returns a copy of the recorded pulse train.
func (l *PWMLaser) Pulses() []Pulse {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Pulse, len(l.pulses))
	copy(out, l.pulses)
	return out
}

// ResetPulses clears the recorded pulse train.
func (l *PWMLaser) ResetPulses() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pulses = l.pulses[:0]
}

// NewInductionMotor creates a spindle driver without laser capability,
// for machines that alternate between a laser and a rotating spindle.
func NewInductionMotor(name string) *hal.Spindle {
	var rpm float64
	return &hal.Spindle{
		Name: name,
		Caps: hal.SpindleCaps{RPMControlled: true},
		SetState: func(on bool) {
			if !on {
				rpm = 0
			}
			_ = rpm
		},
		UpdateRPM: func(v float64) {
			rpm = v
		},
	}
}
