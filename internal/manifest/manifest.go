// Package manifest models the harness service manifest, a small compose v3
// subset covering images, entrypoint arguments, host networking, published
// port ranges, read-only bind mounts and start-order dependencies.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// NetworkModeHost shares the host network namespace, so every host-networked
// service contends for the same port space.
const NetworkModeHost = "host"

// Manifest is the parsed harness manifest.
type Manifest struct {
	Version  string             `yaml:"version"`
	Services map[string]Service `yaml:"services"`

	digest string
}

// Service declares a single container.
type Service struct {
	Image       string            `yaml:"image"`
	Command     Command           `yaml:"command"`
	NetworkMode string            `yaml:"network_mode"`
	Environment Environment       `yaml:"environment"`
	Ports       []PortSpec        `yaml:"ports"`
	Volumes     []Mount           `yaml:"volumes"`
	DependsOn   []string          `yaml:"depends_on"`
	WaitFor     map[string]string `yaml:"wait_for"`
}

// Command is an entrypoint argument list. Compose accepts both a shell-style
// string and an explicit list, so both are decoded.
type Command []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Command) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		*c = Command(strings.Fields(raw))
		return nil
	case yaml.SequenceNode:
		var raw []string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		*c = Command(raw)
		return nil
	default:
		return fmt.Errorf("command must be a string or a list, got %s", value.Tag)
	}
}

// Environment holds container environment variables. Compose accepts both the
// map form and the KEY=VALUE list form.
type Environment map[string]string

// UnmarshalYAML implements yaml.Unmarshaler.
func (e *Environment) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		raw := map[string]string{}
		if err := value.Decode(&raw); err != nil {
			return err
		}
		*e = raw
		return nil
	case yaml.SequenceNode:
		var raw []string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		env := make(map[string]string, len(raw))
		for _, item := range raw {
			key, val, found := strings.Cut(item, "=")
			if !found || key == "" {
				return fmt.Errorf("environment entry %q is not KEY=VALUE", item)
			}
			env[key] = val
		}
		*e = env
		return nil
	default:
		return fmt.Errorf("environment must be a map or a list, got %s", value.Tag)
	}
}

// Slice returns the environment in KEY=VALUE form, sorted for determinism.
func (e Environment) Slice() []string {
	out := make([]string, 0, len(e))
	for k, v := range e {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Mount maps a host path into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// UnmarshalYAML parses the compose short mount syntax SOURCE:TARGET[:ro|rw].
func (m *Mount) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseMount(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMount parses the short mount syntax SOURCE:TARGET[:ro|rw].
func ParseMount(raw string) (Mount, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Mount{}, fmt.Errorf("volume %q is not SOURCE:TARGET[:ro|rw]", raw)
	}
	m := Mount{Source: parts[0], Target: parts[1]}
	if m.Source == "" || m.Target == "" {
		return Mount{}, fmt.Errorf("volume %q has an empty source or target", raw)
	}
	if !strings.HasPrefix(m.Target, "/") {
		return Mount{}, fmt.Errorf("volume %q target must be an absolute path", raw)
	}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			m.ReadOnly = true
		case "rw":
		default:
			return Mount{}, fmt.Errorf("volume %q has unknown mode %q", raw, parts[2])
		}
	}
	return m, nil
}

// String renders the mount back into short syntax.
func (m Mount) String() string {
	s := m.Source + ":" + m.Target
	if m.ReadOnly {
		s += ":ro"
	}
	return s
}

// Load reads, interpolates and decodes a manifest file. Variable references
// are resolved against the process environment.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(raw, os.LookupEnv)
}

// Parse interpolates and decodes manifest bytes using the given variable
// lookup.
func Parse(raw []byte, lookup func(string) (string, bool)) (*Manifest, error) {
	expanded, err := Interpolate(string(raw), lookup)
	if err != nil {
		return nil, err
	}

	var m Manifest
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if len(m.Services) == 0 {
		return nil, fmt.Errorf("manifest declares no services")
	}

	sum := sha256.Sum256([]byte(expanded))
	m.digest = hex.EncodeToString(sum[:])
	return &m, nil
}

// Digest returns the hex SHA-256 of the interpolated manifest document.
func (m *Manifest) Digest() string {
	return m.digest
}

// ServiceNames returns the declared service names in sorted order.
func (m *Manifest) ServiceNames() []string {
	names := make([]string, 0, len(m.Services))
	for name := range m.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
