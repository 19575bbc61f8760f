package hal

import (
	"sync"
	"time"

	"lasergrbl-host/pkg/mcerr"
)

// DigitalInput is an auxiliary digital input port.
type DigitalInput struct {
	// Name describes the signal wired to the port.
	Name string

	// Read samples the port immediately.
	Read func() bool

	// Wait blocks until the port reads high (or low when high is false),
	// up to timeout. Returns the final sampled state. Foreground context
	// only.
	Wait func(high bool, timeout time.Duration) bool

	// OnFalling registers a falling-edge interrupt handler. Nil when the
	// port has no IRQ capability.
	OnFalling func(handler func())
}

// AnalogInput is an auxiliary analog input port.
type AnalogInput struct {
	Name string

	// Read samples the port immediately.
	Read func() float64
}

// Ports is the auxiliary I/O port pool with claim accounting, so two
// plugins cannot bind the same physical port.
type Ports struct {
	mu sync.Mutex

	Digital []*DigitalInput
	Analog  []*AnalogInput

	digitalClaims map[int]string
	analogClaims  map[int]string
}

// NewPorts creates a port pool.
func NewPorts(digital []*DigitalInput, analog []*AnalogInput) *Ports {
	return &Ports{
		Digital:       digital,
		Analog:        analog,
		digitalClaims: make(map[int]string),
		analogClaims:  make(map[int]string),
	}
}

// ClaimDigital claims a digital input port for exclusive use.
func (p *Ports) ClaimDigital(port int, owner string) (*DigitalInput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port < 0 || port >= len(p.Digital) {
		return nil, mcerr.PortClaimError("digital", port, "no such port")
	}
	if prev, taken := p.digitalClaims[port]; taken {
		return nil, mcerr.PortClaimError("digital", port, "already claimed by "+prev)
	}
	p.digitalClaims[port] = owner
	return p.Digital[port], nil
}

// ClaimAnalog claims an analog input port for exclusive use.
func (p *Ports) ClaimAnalog(port int, owner string) (*AnalogInput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port < 0 || port >= len(p.Analog) {
		return nil, mcerr.PortClaimError("analog", port, "no such port")
	}
	if prev, taken := p.analogClaims[port]; taken {
		return nil, mcerr.PortClaimError("analog", port, "already claimed by "+prev)
	}
	p.analogClaims[port] = owner
	return p.Analog[port], nil
}

// DigitalAvailable returns the number of digital input ports.
func (p *Ports) DigitalAvailable() int {
	if p == nil {
		return 0
	}
	return len(p.Digital)
}

// AnalogAvailable returns the number of analog input ports.
func (p *Ports) AnalogAvailable() int {
	if p == nil {
		return 0
	}
	return len(p.Analog)
}
