package manifest

import (
	"fmt"
	"sort"
	"strings"
)

// Known wait_for gate forms. "tcp:<port>" is also accepted.
const (
	GateStarted = "started"
	GateRunning = "running"
)

// Validate checks structural manifest invariants: images present, dependency
// references resolvable and acyclic, wait_for gates well formed, and host
// port publications free of collisions. Host networking shares one port
// space, so ranges are checked across every host-networked service.
//
// The returned warnings flag accepted but suspect declarations, such as port
// publications on a host-networked service, which the container runtime
// silently ignores.
func (m *Manifest) Validate() ([]string, error) {
	var warnings []string

	for _, name := range m.ServiceNames() {
		svc := m.Services[name]
		if strings.TrimSpace(svc.Image) == "" {
			return nil, fmt.Errorf("service %q: image is required", name)
		}
		if svc.NetworkMode != "" && svc.NetworkMode != NetworkModeHost {
			return nil, fmt.Errorf("service %q: unsupported network_mode %q", name, svc.NetworkMode)
		}
		for _, dep := range svc.DependsOn {
			if _, ok := m.Services[dep]; !ok {
				return nil, fmt.Errorf("service %q: depends_on references unknown service %q", name, dep)
			}
			if dep == name {
				return nil, fmt.Errorf("service %q: depends_on references itself", name)
			}
		}
		for target, gate := range svc.WaitFor {
			if _, ok := m.Services[target]; !ok {
				return nil, fmt.Errorf("service %q: wait_for references unknown service %q", name, target)
			}
			if !contains(svc.DependsOn, target) {
				return nil, fmt.Errorf("service %q: wait_for %q requires a matching depends_on entry", name, target)
			}
			if err := validateGate(gate); err != nil {
				return nil, fmt.Errorf("service %q: %w", name, err)
			}
		}
		if svc.NetworkMode == NetworkModeHost && hasPublished(svc.Ports) {
			warnings = append(warnings,
				fmt.Sprintf("service %q publishes ports while using host networking; the runtime ignores the mappings", name))
		}
	}

	if err := m.checkCycles(); err != nil {
		return nil, err
	}
	if err := m.checkPortCollisions(); err != nil {
		return nil, err
	}
	return warnings, nil
}

func validateGate(gate string) error {
	switch gate {
	case GateStarted, GateRunning:
		return nil
	}
	if port, ok := strings.CutPrefix(gate, "tcp:"); ok {
		if _, err := parsePort(gate, port); err != nil {
			return err
		}
		return nil
	}
	return fmt.Errorf("unknown wait_for gate %q", gate)
}

// checkCycles rejects dependency cycles via iterative DFS coloring.
func (m *Manifest) checkCycles() error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(m.Services))

	var visit func(name string, trail []string) error
	visit = func(name string, trail []string) error {
		color[name] = grey
		trail = append(trail, name)
		deps := append([]string(nil), m.Services[name].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case grey:
				return fmt.Errorf("dependency cycle: %s -> %s", strings.Join(trail, " -> "), dep)
			case white:
				if err := visit(dep, trail); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}

	for _, name := range m.ServiceNames() {
		if color[name] == white {
			if err := visit(name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkPortCollisions asserts published host ranges do not overlap between
// services. All services in this harness share the host port space either
// through host networking or through host-side publications.
func (m *Manifest) checkPortCollisions() error {
	type claim struct {
		service string
		spec    PortSpec
	}
	var claims []claim
	for _, name := range m.ServiceNames() {
		for _, spec := range m.Services[name].Ports {
			if !spec.Published() {
				continue
			}
			for _, prev := range claims {
				if prev.service != name && prev.spec.Overlaps(spec) {
					return fmt.Errorf("host port collision: service %q port %s overlaps service %q port %s",
						name, spec, prev.service, prev.spec)
				}
			}
			claims = append(claims, claim{service: name, spec: spec})
		}
	}
	return nil
}

func hasPublished(specs []PortSpec) bool {
	for _, spec := range specs {
		if spec.Published() {
			return true
		}
	}
	return false
}

func contains(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
