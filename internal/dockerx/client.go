// Package dockerx wraps the Docker SDK client with the narrow surface the
// engine uses: daemon probing, offline image loading and tagging, and
// compose-project container queries.
package dockerx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// ComposeProjectLabel is the label docker compose stamps on every container
// it manages.
const ComposeProjectLabel = "com.docker.compose.project"

const composeServiceLabel = "com.docker.compose.service"

// Client wraps the Docker SDK client.
type Client struct {
	inner *client.Client
}

// New creates a Docker client from environment defaults. host overrides
// DOCKER_HOST when non-empty.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return errors.New("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return errors.New("docker ping returned empty API version")
	}
	return nil
}

// ServerVersion returns the daemon's version string.
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	v, err := c.inner.ServerVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("docker version: %w", err)
	}
	return v.Version, nil
}

// LoadArchive streams an image tarball into the daemon and returns the
// references it reported loading.
func (c *Client) LoadArchive(ctx context.Context, r io.Reader) ([]string, error) {
	resp, err := c.inner.ImageLoad(ctx, r, false)
	if err != nil {
		return nil, fmt.Errorf("docker load: %w", err)
	}
	defer resp.Body.Close()

	if !resp.JSON {
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return loadedRefs(strings.Split(string(b), "\n")), nil
	}

	var lines []string
	dec := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("docker load response: %w", err)
		}
		if msg.Error != "" {
			return nil, fmt.Errorf("docker load: %s", msg.Error)
		}
		lines = append(lines, msg.Stream)
	}
	return loadedRefs(lines), nil
}

func loadedRefs(lines []string) []string {
	var refs []string
	for _, l := range lines {
		s := strings.TrimSpace(l)
		if ref, ok := strings.CutPrefix(s, "Loaded image: "); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

// TagImage adds target as an additional reference to source.
func (c *Client) TagImage(ctx context.Context, source, target string) error {
	if err := c.inner.ImageTag(ctx, source, target); err != nil {
		return fmt.Errorf("docker tag %s -> %s: %w", source, target, err)
	}
	return nil
}

// ListImageRefs returns all repo:tag references known to the daemon.
func (c *Client) ListImageRefs(ctx context.Context) ([]string, error) {
	images, err := c.inner.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("docker image list: %w", err)
	}
	var refs []string
	for _, img := range images {
		refs = append(refs, img.RepoTags...)
	}
	return refs, nil
}

// ContainerStatus is the engine's view of one stack container.
type ContainerStatus struct {
	ID      string
	Name    string
	Service string
	State   string // created, running, paused, restarting, exited, dead
	Status  string // human readable, e.g. "Up 2 minutes (healthy)"
}

// Running reports whether the container is live in any form.
func (s ContainerStatus) Running() bool {
	switch s.State {
	case "running", "restarting", "paused":
		return true
	}
	return false
}

// ListComposeProject returns all containers (running or not) belonging to a
// compose project.
func (c *Client) ListComposeProject(ctx context.Context, project string) ([]ContainerStatus, error) {
	f := filters.NewArgs(filters.Arg("label", ComposeProjectLabel+"="+project))
	list, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("docker container list: %w", err)
	}
	out := make([]ContainerStatus, 0, len(list))
	for _, ct := range list {
		out = append(out, ContainerStatus{
			ID:      ct.ID,
			Name:    containerName(ct),
			Service: ct.Labels[composeServiceLabel],
			State:   ct.State,
			Status:  ct.Status,
		})
	}
	return out, nil
}

func containerName(ct types.Container) string {
	if len(ct.Names) == 0 {
		return ct.ID[:12]
	}
	return strings.TrimPrefix(ct.Names[0], "/")
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
