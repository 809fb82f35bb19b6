// Package preflight validates the host environment before a deployment
// mutates anything: container runtime reachability, compose descriptor
// sanity, host port availability, and disk/memory headroom.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/quayside/stackpilot/internal/layout"
)

const (
	defaultMinDiskBytes   = 500 << 20 // 500 MiB
	defaultMinMemoryBytes = 256 << 20 // 256 MiB

	// How far past a conflicting port to look for a free alternative.
	suggestionWindow = 100
)

// Runtime is the slice of the container runtime the checker probes.
type Runtime interface {
	Ping(ctx context.Context) error
	ServerVersion(ctx context.Context) (string, error)
}

// PortCheck is the result for one declared host-port binding. When the port
// is taken a free alternative is suggested; rewriting the binding is the
// caller's decision.
type PortCheck struct {
	Service   string
	HostPort  uint16
	InUse     bool
	Suggested uint16 // 0 when free or no alternative found
}

// Report is the aggregate preflight outcome.
type Report struct {
	RuntimeOK      bool
	RuntimeVersion string
	RuntimeErr     string

	ComposeOK  bool
	ComposeErr string

	Ports []PortCheck

	DiskFreeBytes uint64
	DiskOK        bool

	MemAvailableBytes uint64
	MemOK             bool

	DirsCreated bool
}

// Conflicts returns the declared ports currently in use.
func (r *Report) Conflicts() []PortCheck {
	var out []PortCheck
	for _, p := range r.Ports {
		if p.InUse {
			out = append(out, p)
		}
	}
	return out
}

// Err reduces the report to a deployment verdict. Runtime, compose and
// headroom failures are always fatal; port conflicts only in strict mode.
func (r *Report) Err(strict bool) error {
	var problems []string
	if !r.RuntimeOK {
		problems = append(problems, "container runtime unavailable: "+r.RuntimeErr)
	}
	if !r.ComposeOK {
		problems = append(problems, "compose descriptor invalid: "+r.ComposeErr)
	}
	if !r.DiskOK {
		problems = append(problems, fmt.Sprintf("insufficient disk headroom (%d bytes free)", r.DiskFreeBytes))
	}
	if !r.MemOK {
		problems = append(problems, fmt.Sprintf("insufficient memory headroom (%d bytes available)", r.MemAvailableBytes))
	}
	if strict {
		for _, p := range r.Conflicts() {
			problems = append(problems, fmt.Sprintf("port %d (service %s) already bound, %d is free",
				p.HostPort, p.Service, p.Suggested))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.New("preflight: " + strings.Join(problems, "; "))
}

// Checker runs the environment checks against one working directory.
type Checker struct {
	Runtime Runtime
	Layout  layout.Layout

	MinDiskBytes   uint64
	MinMemoryBytes uint64

	// probe is swapped in tests to avoid binding real ports.
	probe func(port uint16) bool
}

func NewChecker(rt Runtime, lay layout.Layout) *Checker {
	return &Checker{
		Runtime:        rt,
		Layout:         lay,
		MinDiskBytes:   defaultMinDiskBytes,
		MinMemoryBytes: defaultMinMemoryBytes,
	}
}

// Check runs all probes. It only returns an error when the working
// directory itself is unusable; individual check failures land in the
// report.
func (c *Checker) Check(ctx context.Context) (*Report, error) {
	r := &Report{}

	if err := c.Layout.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("preflight: create directories: %w", err)
	}
	r.DirsCreated = true

	if err := c.Runtime.Ping(ctx); err != nil {
		r.RuntimeErr = err.Error()
	} else if v, err := c.Runtime.ServerVersion(ctx); err != nil {
		r.RuntimeErr = err.Error()
	} else {
		r.RuntimeOK = true
		r.RuntimeVersion = v
	}

	bindings, err := declaredHostPorts(c.Layout.ComposeFile())
	if err != nil {
		r.ComposeErr = err.Error()
	} else {
		r.ComposeOK = true
		for _, b := range bindings {
			r.Ports = append(r.Ports, c.checkPort(b))
		}
	}

	c.checkHeadroom(ctx, r)

	log.Debug().
		Bool("runtime", r.RuntimeOK).
		Bool("compose", r.ComposeOK).
		Int("port_conflicts", len(r.Conflicts())).
		Bool("disk", r.DiskOK).
		Bool("mem", r.MemOK).
		Msg("preflight complete")
	return r, nil
}

func (c *Checker) checkPort(b PortBinding) PortCheck {
	pc := PortCheck{Service: b.Service, HostPort: b.HostPort}
	if c.portFree(b.HostPort) {
		return pc
	}
	pc.InUse = true
	pc.Suggested = c.suggestFree(b.HostPort)
	return pc
}

// suggestFree scans upward from the conflicting port for a free one.
func (c *Checker) suggestFree(port uint16) uint16 {
	for p := uint32(port) + 1; p <= uint32(port)+suggestionWindow && p <= 65535; p++ {
		if c.portFree(uint16(p)) {
			return uint16(p)
		}
	}
	return 0
}

func (c *Checker) portFree(port uint16) bool {
	if c.probe != nil {
		return c.probe(port)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(port))))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func (c *Checker) checkHeadroom(ctx context.Context, r *Report) {
	if usage, err := disk.UsageWithContext(ctx, c.Layout.Root); err == nil {
		r.DiskFreeBytes = usage.Free
		r.DiskOK = usage.Free >= c.MinDiskBytes
	} else {
		log.Warn().Err(err).Msg("disk usage probe failed")
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		r.MemAvailableBytes = vm.Available
		r.MemOK = vm.Available >= c.MinMemoryBytes
	} else {
		log.Warn().Err(err).Msg("memory probe failed")
	}
}
