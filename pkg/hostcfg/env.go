package hostcfg

import (
	"github.com/caarlos0/env/v11"

	"lasergrbl-host/pkg/mcerr"
)

// Env holds the process-level settings, read from LASERHOST_* variables.
type Env struct {
	// ListenAddr is the report server bind address.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:7130"`

	// LogLevel is debug, info, warning or error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// LogFormat is text or json.
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// LogFile enables file logging when set.
	LogFile string `env:"LOG_FILE"`

	// MachineConfig is the machine defaults file path.
	MachineConfig string `env:"MACHINE_CONFIG"`

	// SerialPort is the controller serial device, empty for the built-in
	// simulator.
	SerialPort string `env:"SERIAL_PORT"`

	// SerialBaud is the controller baud rate.
	SerialBaud int `env:"SERIAL_BAUD" envDefault:"115200"`
}

// FromEnv reads the process settings from the environment.
func FromEnv() (Env, error) {
	var e Env
	if err := env.ParseWithOptions(&e, env.Options{Prefix: "LASERHOST_"}); err != nil {
		return Env{}, mcerr.Wrap(err, mcerr.ErrConfigType, "invalid environment configuration")
	}
	return e, nil
}
