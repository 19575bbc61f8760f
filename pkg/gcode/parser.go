// Package gcode provides machine command parsing and the user
// machine-command dispatch chain for the laser host.
package gcode

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"lasergrbl-host/pkg/mcerr"
)

// Word is a single gcode word: a letter and its numeric value.
type Word struct {
	Letter byte
	Value  float64
	Raw    string
}

// Line is one parsed gcode line.
type Line struct {
	// Letter is the command letter (G or M), 0 for a bare word line.
	Letter byte

	// Code is the command number (e.g. 126 for M126).
	Code uint16

	// Words are the value words following the command.
	Words []Word

	// Raw is the original line text.
	Raw string
}

var reParenComment = regexp.MustCompile(`\([^)]*\)`)

// ParseLine parses one gcode line. Returns nil for blank lines and
// comment-only lines.
func ParseLine(line string) (*Line, error) {
	ln := strings.TrimSpace(line)
	if ln == "" {
		return nil, nil
	}
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = strings.TrimSpace(ln[:idx])
	}
	ln = strings.TrimSpace(reParenComment.ReplaceAllString(ln, " "))
	if ln == "" {
		return nil, nil
	}

	fields := strings.Fields(strings.ToUpper(ln))
	if len(fields) == 0 {
		return nil, nil
	}

	out := &Line{Raw: line}

	first := fields[0]
	rest := fields
	if first[0] == 'G' || first[0] == 'M' {
		code, err := strconv.ParseUint(first[1:], 10, 16)
		if err != nil {
			return nil, mcerr.BadNumberError(first, string(first[0]), first[1:])
		}
		out.Letter = first[0]
		out.Code = uint16(code)
		rest = fields[1:]
	}

	command := commandName(out.Letter, out.Code)
	for _, f := range rest {
		if len(f) < 2 {
			return nil, mcerr.BadNumberError(command, f, "")
		}
		v, err := strconv.ParseFloat(f[1:], 64)
		if err != nil {
			return nil, mcerr.BadNumberError(command, string(f[0]), f[1:])
		}
		out.Words = append(out.Words, Word{Letter: f[0], Value: v, Raw: f})
	}

	return out, nil
}

// Word returns the value of the given word letter and whether the line
// carries it.
func (l *Line) Word(letter byte) (float64, bool) {
	for _, w := range l.Words {
		if w.Letter == letter {
			return w.Value, true
		}
	}
	return 0, false
}

func commandName(letter byte, code uint16) string {
	if letter == 0 {
		return "?"
	}
	return fmt.Sprintf("%c%d", letter, code)
}
