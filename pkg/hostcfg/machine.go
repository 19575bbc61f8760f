package hostcfg

import "time"

// PPIConfig holds the laser PPI defaults.
type PPIConfig struct {
	Rate        uint16
	PulseMicros uint16
}

// CoolantConfig holds the coolant interlock settings. Ports are -1 when
// not wired.
type CoolantConfig struct {
	OnDelay  time.Duration
	OffDelay time.Duration
	MaxTemp  float64
	OkPort   int
	TempPort int
}

// SpindleConfig describes the configured power driver.
type SpindleConfig struct {
	Name  string
	Laser bool
}

// StepperConfig holds the motion defaults used by the simulator.
type StepperConfig struct {
	StepsPerMM float64
}

// MachineConfig is the typed machine defaults, assembled from the
// [ppi], [coolant], [spindle] and [stepper] sections.
type MachineConfig struct {
	PPI     PPIConfig
	Coolant CoolantConfig
	Spindle SpindleConfig
	Stepper StepperConfig
}

// DefaultMachine returns the machine defaults used when no configuration
// file is given.
func DefaultMachine() *MachineConfig {
	return &MachineConfig{
		PPI:     PPIConfig{Rate: 600, PulseMicros: 1500},
		Coolant: CoolantConfig{OkPort: -1, TempPort: -1},
		Spindle: SpindleConfig{Name: "laser", Laser: true},
		Stepper: StepperConfig{StepsPerMM: 80},
	}
}

// LoadMachine reads the machine defaults file. Missing sections and
// options keep their defaults; malformed values are errors.
func LoadMachine(path string) (*MachineConfig, error) {
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	return machineFromFile(f)
}

// ParseMachine builds machine defaults from configuration text.
func ParseMachine(data string) (*MachineConfig, error) {
	f, err := LoadString(data)
	if err != nil {
		return nil, err
	}
	return machineFromFile(f)
}

func machineFromFile(f *File) (*MachineConfig, error) {
	mc := DefaultMachine()

	if f.HasSection("ppi") {
		s, _ := f.GetSection("ppi")
		rate, err := s.GetInt("rate", int(mc.PPI.Rate))
		if err != nil {
			return nil, err
		}
		pulse, err := s.GetInt("pulse_us", int(mc.PPI.PulseMicros))
		if err != nil {
			return nil, err
		}
		mc.PPI.Rate = uint16(rate)
		mc.PPI.PulseMicros = uint16(pulse)
	}

	if f.HasSection("coolant") {
		s, _ := f.GetSection("coolant")
		var err error
		if mc.Coolant.OnDelay, err = s.GetDuration("on_delay", 0); err != nil {
			return nil, err
		}
		if mc.Coolant.OffDelay, err = s.GetDuration("off_delay", 0); err != nil {
			return nil, err
		}
		if mc.Coolant.MaxTemp, err = s.GetFloat("max_temp", 0); err != nil {
			return nil, err
		}
		if mc.Coolant.OkPort, err = s.GetInt("ok_port", -1); err != nil {
			return nil, err
		}
		if mc.Coolant.TempPort, err = s.GetInt("temp_port", -1); err != nil {
			return nil, err
		}
	}

	if f.HasSection("spindle") {
		s, _ := f.GetSection("spindle")
		var err error
		if mc.Spindle.Name, err = s.Get("name", mc.Spindle.Name); err != nil {
			return nil, err
		}
		if mc.Spindle.Laser, err = s.GetBool("laser", mc.Spindle.Laser); err != nil {
			return nil, err
		}
	}

	if f.HasSection("stepper") {
		s, _ := f.GetSection("stepper")
		var err error
		if mc.Stepper.StepsPerMM, err = s.GetFloat("steps_per_mm", mc.Stepper.StepsPerMM); err != nil {
			return nil, err
		}
	}

	return mc, nil
}
