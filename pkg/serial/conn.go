package serial

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Conn frames a controller byte stream into lines and implements the
// grbl send-response protocol: every command line is answered with ok
// or error:<code>, while status reports and messages arrive unsolicited.
type Conn struct {
	mu sync.Mutex
	rw io.ReadWriteCloser
	r  *bufio.Reader

	// OnPush receives unsolicited lines: <...> status reports, [MSG:..]
	// messages, alarms. May be nil.
	OnPush func(line string)

	// ResponseTimeout bounds the wait for ok/error, default 10s.
	ResponseTimeout time.Duration
}

// NewConn wraps a port or any byte stream.
func NewConn(rw io.ReadWriteCloser) *Conn {
	return &Conn{
		rw:              rw,
		r:               bufio.NewReader(rw),
		ResponseTimeout: 10 * time.Second,
	}
}

// SendLine writes one command line and blocks until the controller
// acknowledges it. An error:<code> response is returned as an error.
func (c *Conn) SendLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.rw.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("serial: send: %w", err)
	}

	deadline := time.Now().Add(c.ResponseTimeout)
	for {
		if time.Now().After(deadline) {
			return ErrTimeout
		}

		resp, err := c.readLine()
		if err != nil {
			if err == ErrTimeout {
				continue
			}
			return err
		}

		switch {
		case resp == "ok":
			return nil
		case strings.HasPrefix(resp, "error:"):
			return fmt.Errorf("serial: %s rejected: %s", strings.TrimSpace(line), resp)
		case strings.HasPrefix(resp, "ALARM:"):
			return fmt.Errorf("serial: alarm: %s", resp)
		default:
			c.push(resp)
		}
	}
}

// SendRealtime writes a single realtime command byte, bypassing line
// framing. Used for ? status queries and 0x18 soft reset.
func (c *Conn) SendRealtime(b byte) error {
	if _, err := c.rw.Write([]byte{b}); err != nil {
		return fmt.Errorf("serial: send realtime: %w", err)
	}
	return nil
}

// ReadPush reads one unsolicited line, for callers draining the stream
// between commands.
func (c *Conn) ReadPush() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLine()
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rw.Close()
}

func (c *Conn) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		if line == "" {
			return "", err
		}
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Conn) push(line string) {
	if line == "" {
		return
	}
	if c.OnPush != nil {
		c.OnPush(line)
	}
}
