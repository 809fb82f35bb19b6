// Package lifecycle drives the compose stack: start, confirmed stop,
// restart, status, and post-start health verification.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quayside/stackpilot/internal/dockerx"
	"github.com/quayside/stackpilot/internal/layout"
)

// ErrHealthCheckTimeout means the stack started but did not report healthy
// within the verification window. The deployment is not reverted; the
// outcome is a degraded success.
var ErrHealthCheckTimeout = errors.New("lifecycle: health check timed out")

// Runtime is the container-runtime slice the controller queries for status.
// Mutations go through the compose CLI so that compose owns its own state.
type Runtime interface {
	ListComposeProject(ctx context.Context, project string) ([]dockerx.ContainerStatus, error)
}

// runCommand executes the compose CLI; swapped in tests.
type runCommand func(ctx context.Context, dir string, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Controller manages one compose project rooted at the canonical service
// directory.
type Controller struct {
	Project string

	HealthTimeout  time.Duration
	HealthInterval time.Duration
	StopTimeout    time.Duration

	rt  Runtime
	lay layout.Layout
	run runCommand
}

func NewController(rt Runtime, lay layout.Layout, project string) *Controller {
	return &Controller{
		Project:        project,
		HealthTimeout:  2 * time.Minute,
		HealthInterval: 3 * time.Second,
		StopTimeout:    30 * time.Second,
		rt:             rt,
		lay:            lay,
		run:            execCommand,
	}
}

func (c *Controller) compose(ctx context.Context, args ...string) error {
	full := append([]string{"compose", "--project-name", c.Project, "--file", c.lay.ComposeFile()}, args...)
	out, err := c.run(ctx, c.lay.ServiceRoot(), "docker", full...)
	if err != nil {
		return fmt.Errorf("docker %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	log.Debug().Str("args", strings.Join(args, " ")).Msg("compose command ok")
	return nil
}

// Up starts the stack detached.
func (c *Controller) Up(ctx context.Context) error {
	log.Info().Str("project", c.Project).Msg("starting stack")
	return c.compose(ctx, "up", "--detach")
}

// Stop stops the stack and confirms every container actually halted before
// returning. Cold operations (backup, restore) depend on that confirmation.
func (c *Controller) Stop(ctx context.Context) error {
	log.Info().Str("project", c.Project).Msg("stopping stack")
	if err := c.compose(ctx, "stop", "--timeout", strconv.Itoa(int(c.StopTimeout.Seconds()))); err != nil {
		return err
	}
	deadline := time.Now().Add(c.StopTimeout)
	for {
		running, err := c.IsRunning(ctx)
		if err != nil {
			return err
		}
		if !running {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lifecycle: containers still running %s after stop", c.StopTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Down stops the stack and removes its containers.
func (c *Controller) Down(ctx context.Context) error {
	log.Info().Str("project", c.Project).Msg("tearing down stack")
	return c.compose(ctx, "down")
}

// Restart is a confirmed stop followed by a start.
func (c *Controller) Restart(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}
	return c.Up(ctx)
}

// Status lists the stack's containers, running or not.
func (c *Controller) Status(ctx context.Context) ([]dockerx.ContainerStatus, error) {
	return c.rt.ListComposeProject(ctx, c.Project)
}

// IsRunning reports whether any stack container is live.
func (c *Controller) IsRunning(ctx context.Context) (bool, error) {
	containers, err := c.Status(ctx)
	if err != nil {
		return false, err
	}
	for _, ct := range containers {
		if ct.Running() {
			return true, nil
		}
	}
	return false, nil
}

// WaitHealthy polls until every container is running and, where a health
// check is configured, reports healthy. Returns ErrHealthCheckTimeout when
// the window closes first.
func (c *Controller) WaitHealthy(ctx context.Context) error {
	deadline := time.Now().Add(c.HealthTimeout)
	for {
		containers, err := c.Status(ctx)
		if err != nil {
			return err
		}
		if ok, waitingOn := allHealthy(containers); ok {
			log.Info().Str("project", c.Project).Msg("stack healthy")
			return nil
		} else if time.Now().After(deadline) {
			return fmt.Errorf("%w: waiting on %s", ErrHealthCheckTimeout, waitingOn)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.HealthInterval):
		}
	}
}

// allHealthy reports whether the stack is fully up, and if not, which
// container it is waiting on.
func allHealthy(containers []dockerx.ContainerStatus) (bool, string) {
	if len(containers) == 0 {
		return false, "no containers yet"
	}
	for _, ct := range containers {
		if ct.State != "running" {
			return false, ct.Name + " (" + ct.State + ")"
		}
		// Docker appends the health state to the human status when a
		// healthcheck is configured.
		if strings.Contains(ct.Status, "(starting)") || strings.Contains(ct.Status, "(unhealthy)") {
			return false, ct.Name + " " + ct.Status
		}
	}
	return true, ""
}
