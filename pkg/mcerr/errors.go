// Unified error handling for the laser host.
//
// Machine command rejections map to grbl-style status codes so the host
// command pipeline can report them verbatim to the sender.

package mcerr

import (
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// G-code / machine command status codes
	ErrGcodeWordMissing   ErrorCode = "GCODE_WORD_MISSING"
	ErrGcodeUnsupported   ErrorCode = "GCODE_UNSUPPORTED_CMD"
	ErrGcodeBadNumber     ErrorCode = "GCODE_BAD_NUMBER"
	ErrGcodeValueRange    ErrorCode = "GCODE_VALUE_RANGE"
	ErrGcodeUnhandled     ErrorCode = "GCODE_UNHANDLED"

	// Configuration errors
	ErrConfigSection ErrorCode = "CONFIG_SECTION"
	ErrConfigOption  ErrorCode = "CONFIG_OPTION"
	ErrConfigType    ErrorCode = "CONFIG_TYPE"

	// Runtime errors
	ErrRuntime     ErrorCode = "RUNTIME"
	ErrRuntimeInit ErrorCode = "RUNTIME_INIT"
	ErrPortClaim   ErrorCode = "PORT_CLAIM"
	ErrAlarm       ErrorCode = "ALARM"
)

// MachineError is the unified error type for the host system
type MachineError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Command is the machine command the error relates to (if applicable)
	Command string

	// Word is the offending gcode word letter (if applicable)
	Word string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *MachineError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Command, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *MachineError) Unwrap() error {
	return e.Err
}

// SetCommand sets the related machine command
func (e *MachineError) SetCommand(command string) *MachineError {
	e.Command = command
	return e
}

// SetWord sets the offending gcode word
func (e *MachineError) SetWord(word string) *MachineError {
	e.Word = word
	return e
}

// SetContext adds additional context
func (e *MachineError) SetContext(key string, value interface{}) *MachineError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new MachineError
func New(code ErrorCode, message string) *MachineError {
	return &MachineError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *MachineError {
	return &MachineError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// G-code status errors

// WordMissingError reports a command issued without its required value word.
func WordMissingError(command, word string) *MachineError {
	return New(ErrGcodeWordMissing, fmt.Sprintf("command '%s' missing required word: %s", command, word)).
		SetCommand(command).
		SetWord(word)
}

// UnsupportedCommandError reports a command the active driver cannot honor.
func UnsupportedCommandError(command string) *MachineError {
	return New(ErrGcodeUnsupported, fmt.Sprintf("unsupported command: %s", command)).
		SetCommand(command)
}

// BadNumberError reports a malformed numeric value in a command word.
func BadNumberError(command, word, value string) *MachineError {
	return New(ErrGcodeBadNumber, fmt.Sprintf("command '%s': bad number %s=%q", command, word, value)).
		SetCommand(command).
		SetWord(word)
}

// ValueRangeError reports an out-of-range numeric value in a command word.
func ValueRangeError(command, word string, value float64) *MachineError {
	return New(ErrGcodeValueRange, fmt.Sprintf("command '%s': value %s=%g out of range", command, word, value)).
		SetCommand(command).
		SetWord(word)
}

// UnhandledError marks a command no handler in the chain recognized.
// The dispatcher converts a terminal unhandled status into an unsupported
// command rejection.
func UnhandledError(command string) *MachineError {
	return New(ErrGcodeUnhandled, fmt.Sprintf("unhandled command: %s", command)).
		SetCommand(command)
}

// Config errors

// ConfigSectionError creates an error for a missing config section
func ConfigSectionError(section string) *MachineError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetContext("section", section)
}

// ConfigOptionError creates an error for a missing or invalid config option
func ConfigOptionError(section, option string) *MachineError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s' not found in section '%s'", option, section)).
		SetContext("section", section).
		SetContext("option", option)
}

// ConfigTypeError creates an error for a config value that fails to parse
func ConfigTypeError(section, option, value, targetType string, err error) *MachineError {
	return Wrap(err, ErrConfigType, fmt.Sprintf("option '%s' in section '%s': failed to parse '%s' as %s", option, section, value, targetType)).
		SetContext("section", section).
		SetContext("option", option)
}

// Runtime errors

// RuntimeError creates a general runtime error
func RuntimeError(message string) *MachineError {
	return New(ErrRuntime, message)
}

// RuntimeInitError creates an error for initialization failure
func RuntimeInitError(component, reason string) *MachineError {
	return New(ErrRuntimeInit, fmt.Sprintf("failed to initialize %s: %s", component, reason))
}

// PortClaimError creates an error for an aux port that could not be claimed
func PortClaimError(kind string, port int, reason string) *MachineError {
	return New(ErrPortClaim, fmt.Sprintf("%s port %d: %s", kind, port, reason)).
		SetContext("port", port)
}

// RecoverPanic safely recovers from panic and converts to error
func RecoverPanic() *MachineError {
	if r := recover(); r != nil {
		var err error
		switch x := r.(type) {
		case string:
			err = RuntimeError(fmt.Sprintf("panic: %s", x))
		case error:
			err = RuntimeError(x.Error())
		case runtime.Error:
			err = RuntimeError(x.Error())
		default:
			err = RuntimeError(fmt.Sprintf("panic: %v", x))
		}
		return err.(*MachineError)
	}
	return nil
}

// Is checks if error matches the given error code
func Is(err error, code ErrorCode) bool {
	if mErr, ok := err.(*MachineError); ok {
		return mErr.Code == code
	}
	return false
}

// IsRejection checks if error is a command rejection status
func IsRejection(err error) bool {
	return Is(err, ErrGcodeWordMissing) ||
		Is(err, ErrGcodeUnsupported) ||
		Is(err, ErrGcodeBadNumber) ||
		Is(err, ErrGcodeValueRange)
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigType)
}
