// Package hostcfg loads the host configuration. Process-level settings
// come from the environment; machine defaults come from an INI-style
// file, the same format the firmware settings dumps use.
package hostcfg

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"lasergrbl-host/pkg/mcerr"
)

// File is a parsed machine configuration file.
type File struct {
	sections map[string]*Section
	order    []string
}

// Section is one [name] block of a configuration file.
type Section struct {
	name    string
	options map[string]string
}

// Load reads and parses a configuration file.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, mcerr.Wrap(err, mcerr.ErrConfigSection, "unable to open "+path)
	}
	defer f.Close()
	return Parse(f)
}

// LoadString parses configuration text.
func LoadString(data string) (*File, error) {
	return Parse(strings.NewReader(data))
}

// Parse reads INI-style configuration text. Comments start with # or ;,
// options use key = value or key: value, and repeated section headers
// merge.
func Parse(r io.Reader) (*File, error) {
	c := &File{sections: make(map[string]*Section)}

	var current *Section
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		if idx := strings.IndexByte(line, ';'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			if name == "" {
				return nil, mcerr.New(mcerr.ErrConfigSection, "empty section header")
			}
			current = c.section(name)
			continue
		}

		// Options before the first section header are ignored.
		if current == nil {
			continue
		}

		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			kv = strings.SplitN(line, ":", 2)
		}
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		if key != "" {
			current.options[key] = strings.TrimSpace(kv[1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, mcerr.Wrap(err, mcerr.ErrConfigSection, "error reading configuration")
	}
	return c, nil
}

// section returns the named section, creating it when missing so later
// blocks with the same header merge.
func (c *File) section(name string) *Section {
	if s, ok := c.sections[name]; ok {
		return s
	}
	s := &Section{name: name, options: make(map[string]string)}
	c.sections[name] = s
	c.order = append(c.order, name)
	return s
}

// HasSection reports whether the file contains the named section.
func (c *File) HasSection(name string) bool {
	_, ok := c.sections[strings.ToLower(name)]
	return ok
}

// GetSection returns the named section.
func (c *File) GetSection(name string) (*Section, error) {
	s, ok := c.sections[strings.ToLower(name)]
	if !ok {
		return nil, mcerr.ConfigSectionError(name)
	}
	return s, nil
}

// SectionNames returns the section names in file order.
func (c *File) SectionNames() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Name returns the section name.
func (s *Section) Name() string {
	return s.name
}

// Get returns a string option, or fallback when absent.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	if v, ok := s.options[strings.ToLower(option)]; ok {
		return v, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return "", mcerr.ConfigOptionError(s.name, option)
}

// GetInt returns an integer option, or fallback when absent.
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	v, ok := s.options[strings.ToLower(option)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, mcerr.ConfigOptionError(s.name, option)
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, mcerr.ConfigTypeError(s.name, option, v, "integer", err)
	}
	return i, nil
}

// GetFloat returns a float option, or fallback when absent.
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	v, ok := s.options[strings.ToLower(option)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, mcerr.ConfigOptionError(s.name, option)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, mcerr.ConfigTypeError(s.name, option, v, "float", err)
	}
	return f, nil
}

// GetBool returns a boolean option, or fallback when absent. Accepts
// 1/true/yes/on and 0/false/no/off.
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	v, ok := s.options[strings.ToLower(option)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return false, mcerr.ConfigOptionError(s.name, option)
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, mcerr.ConfigTypeError(s.name, option, v, "boolean", nil)
}

// GetDuration returns a duration option, or fallback when absent. Bare
// numbers are taken as seconds.
func (s *Section) GetDuration(option string, fallback ...time.Duration) (time.Duration, error) {
	v, ok := s.options[strings.ToLower(option)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, mcerr.ConfigOptionError(s.name, option)
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, mcerr.ConfigTypeError(s.name, option, v, "duration", err)
	}
	return d, nil
}
