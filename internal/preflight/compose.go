package preflight

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"
)

// composeFile is the subset of the compose descriptor the checker reads.
type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Image string        `yaml:"image"`
	Ports []composePort `yaml:"ports"`
}

// composePort accepts both the short string form ("8080:80/tcp", optionally
// with a host IP) and the long mapping form ({published: 8080, target: 80}).
type composePort struct {
	raw       string
	published string
}

func (p *composePort) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		p.raw = value.Value
		return nil
	case yaml.MappingNode:
		var long struct {
			Published any `yaml:"published"`
		}
		if err := value.Decode(&long); err != nil {
			return err
		}
		if long.Published != nil {
			p.published = fmt.Sprint(long.Published)
		}
		return nil
	}
	return fmt.Errorf("unsupported port declaration (line %d)", value.Line)
}

// PortBinding is one declared host-port binding from the descriptor.
type PortBinding struct {
	Service  string
	HostPort uint16
}

// declaredHostPorts parses the compose descriptor and returns every host
// port it binds, sorted and de-duplicated. Container-only port declarations
// (no published side) are skipped.
func declaredHostPorts(composePath string) ([]PortBinding, error) {
	raw, err := os.ReadFile(composePath)
	if err != nil {
		return nil, err
	}
	var cf composeFile
	if err := yaml.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", composePath, err)
	}
	if len(cf.Services) == 0 {
		return nil, fmt.Errorf("%s declares no services", composePath)
	}

	seen := map[uint16]bool{}
	var out []PortBinding
	for svc, def := range cf.Services {
		for _, p := range def.Ports {
			ports, err := p.hostPorts()
			if err != nil {
				return nil, fmt.Errorf("service %s: %w", svc, err)
			}
			for _, hp := range ports {
				if seen[hp] {
					continue
				}
				seen[hp] = true
				out = append(out, PortBinding{Service: svc, HostPort: hp})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostPort < out[j].HostPort })
	return out, nil
}

func (p composePort) hostPorts() ([]uint16, error) {
	if p.published != "" {
		// A published range ("8000-8010") is skipped like ephemeral bindings.
		if strings.Contains(p.published, "-") {
			return nil, nil
		}
		hp, err := parsePort(p.published)
		if err != nil {
			return nil, err
		}
		return []uint16{hp}, nil
	}
	mappings, err := nat.ParsePortSpec(p.raw)
	if err != nil {
		return nil, fmt.Errorf("port %q: %w", p.raw, err)
	}
	var out []uint16
	for _, m := range mappings {
		if m.Binding.HostPort == "" {
			continue // ephemeral host port, nothing to conflict with
		}
		hp, err := parsePort(m.Binding.HostPort)
		if err != nil {
			return nil, fmt.Errorf("port %q: %w", p.raw, err)
		}
		out = append(out, hp)
	}
	return out, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(n), nil
}
