package hal

// SpindleCaps describes the capabilities a power driver declares.
type SpindleCaps struct {
	// Laser is set when the driver energizes a laser rather than a
	// rotating spindle.
	Laser bool

	// RPMControlled is set when power tracks commanded RPM rather than
	// raw duty cycle.
	RPMControlled bool
}

// Spindle is the control surface of a power driver. It is a struct of
// entry points rather than an interface so plugins can wrap individual
// entry points in place, the same way they wrap stepper hooks. Optional
// entry points are nil when the driver does not support them.
type Spindle struct {
	// Name identifies the driver in reports.
	Name string

	// Caps holds the driver's declared capabilities.
	Caps SpindleCaps

	// SetState switches the driver on or off.
	SetState func(on bool)

	// UpdatePWM sets output power as a raw duty-cycle value.
	// Nil when the driver is not duty-cycle controlled.
	UpdatePWM func(duty uint16)

	// UpdateRPM sets output power from a commanded speed.
	// Nil when the driver is not speed controlled.
	UpdateRPM func(rpm float64)

	// PulseOn fires a single pulse of the given duration in microseconds.
	// Nil when the driver cannot fire discrete pulses. Fire-and-forget:
	// no failure reporting, no retry.
	PulseOn func(durationMicros uint32)

	// SetOverdrive adjusts the initial-power overdrive percentage on PWM
	// laser drivers that support it. Nil otherwise.
	SetOverdrive func(percent float64)
}

// CanPulse reports whether the driver supports discrete pulse firing for
// laser PPI mode.
func (s *Spindle) CanPulse() bool {
	return s != nil && s.Caps.Laser && s.PulseOn != nil
}

// DriverCaps is the driver capability word published on the machine.
// Written only from foreground context.
type DriverCaps struct {
	// LaserPPIMode is set while the selected driver supports pulsed
	// laser firing. Read by command validation.
	LaserPPIMode bool
}
