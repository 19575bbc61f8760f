package gcode

import (
	"fmt"

	"lasergrbl-host/pkg/mcerr"
)

// MCodeType classifies a user machine command.
type MCodeType int

const (
	// MCodeUnsupported means no handler in the chain recognizes the code.
	MCodeUnsupported MCodeType = iota

	// MCodeNormal is a recognized command executed through the chain.
	MCodeNormal
)

// Words flags the value words present in a parser block.
type Words struct {
	P bool
	Q bool
	S bool
}

// Values holds the value words of a parser block.
type Values struct {
	P float64
	Q float64
	S float64
}

// Block is the parser block handed through the user machine-command
// chain. Validation consumes the words it accepts by clearing their flag
// so they are not reprocessed downstream.
type Block struct {
	// MCode is the user machine-command number.
	MCode uint16

	// Words flags which value words the block carries.
	Words Words

	// Values holds the word values.
	Values Values

	// SyncExecute marks the command as requiring synchronous, in-order
	// execution: the planner must drain before it runs, and it is never
	// reordered by look-ahead.
	SyncExecute bool
}

// Command returns the block's command name, e.g. "M126".
func (b *Block) Command() string {
	return fmt.Sprintf("M%d", b.MCode)
}

// BlockFromLine builds a parser block from a parsed M-code line.
func BlockFromLine(l *Line) *Block {
	b := &Block{MCode: l.Code}
	if v, ok := l.Word('P'); ok {
		b.Words.P = true
		b.Values.P = v
	}
	if v, ok := l.Word('Q'); ok {
		b.Words.Q = true
		b.Values.Q = v
	}
	if v, ok := l.Word('S'); ok {
		b.Words.S = true
		b.Values.S = v
	}
	return b
}

// Handlers is one stage of the user machine-command chain. A plugin
// captures the previously installed Handlers at init and delegates to it
// for every code it does not recognize, preserving composability.
type Handlers struct {
	// Check classifies a machine-command number.
	Check func(mcode uint16) MCodeType

	// Validate checks and consumes the block's value words. It returns
	// nil to accept, a rejection status to refuse, or an unhandled status
	// to indicate the code belongs to an earlier stage.
	Validate func(b *Block) error

	// Execute runs the validated command. When simulation is set no
	// hardware mutation may occur.
	Execute func(b *Block, simulation bool)
}

// Dispatcher holds the head of the user machine-command chain and runs
// blocks through it.
type Dispatcher struct {
	Handlers Handlers
}

// Intercept installs h as the new chain head and returns the previous
// head for delegation. Foreground context, initialization time only.
func (d *Dispatcher) Intercept(h Handlers) Handlers {
	prev := d.Handlers
	d.Handlers = h
	return prev
}

// Run takes a block through check, validate and execute. Validation-time
// rejections are returned as coded errors; execution cannot fail.
func (d *Dispatcher) Run(b *Block, simulation bool) error {
	if d.Handlers.Check == nil || d.Handlers.Check(b.MCode) != MCodeNormal {
		return mcerr.UnsupportedCommandError(b.Command())
	}

	if d.Handlers.Validate != nil {
		if err := d.Handlers.Validate(b); err != nil {
			// A terminal unhandled status means check and validate
			// disagree about ownership of the code; reject it.
			if mcerr.Is(err, mcerr.ErrGcodeUnhandled) {
				return mcerr.UnsupportedCommandError(b.Command())
			}
			return err
		}
	}

	if d.Handlers.Execute != nil {
		d.Handlers.Execute(b, simulation)
	}
	return nil
}
