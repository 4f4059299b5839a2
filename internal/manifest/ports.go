package manifest

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// PortSpec is a published port declaration. A host range maps every host
// port in [HostFrom, HostTo] to the single container port, the way compose
// treats "21337-22336:21337".
type PortSpec struct {
	HostFrom      int
	HostTo        int
	ContainerPort int
	Protocol      string
}

// UnmarshalYAML parses the compose short port syntax.
func (p *PortSpec) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParsePortSpec(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePortSpec parses "CONTAINER", "HOST:CONTAINER" or
// "HOSTFROM-HOSTTO:CONTAINER", each with an optional "/tcp" or "/udp"
// suffix.
func ParsePortSpec(raw string) (PortSpec, error) {
	spec := PortSpec{Protocol: "tcp"}

	rest := raw
	if body, proto, found := strings.Cut(raw, "/"); found {
		switch proto {
		case "tcp", "udp":
			spec.Protocol = proto
		default:
			return PortSpec{}, fmt.Errorf("port %q has unknown protocol %q", raw, proto)
		}
		rest = body
	}

	host, cont, hasHost := strings.Cut(rest, ":")
	if !hasHost {
		port, err := parsePort(raw, rest)
		if err != nil {
			return PortSpec{}, err
		}
		spec.ContainerPort = port
		return spec, nil
	}

	contPort, err := parsePort(raw, cont)
	if err != nil {
		return PortSpec{}, err
	}
	spec.ContainerPort = contPort

	if from, to, isRange := strings.Cut(host, "-"); isRange {
		spec.HostFrom, err = parsePort(raw, from)
		if err != nil {
			return PortSpec{}, err
		}
		spec.HostTo, err = parsePort(raw, to)
		if err != nil {
			return PortSpec{}, err
		}
		if spec.HostTo < spec.HostFrom {
			return PortSpec{}, fmt.Errorf("port %q has an inverted host range", raw)
		}
	} else {
		spec.HostFrom, err = parsePort(raw, host)
		if err != nil {
			return PortSpec{}, err
		}
		spec.HostTo = spec.HostFrom
	}
	return spec, nil
}

func parsePort(raw, s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %q has invalid port number %q", raw, s)
	}
	return port, nil
}

// Published reports whether the spec maps host ports at all.
func (p PortSpec) Published() bool {
	return p.HostFrom != 0
}

// HostSpan returns the number of host ports the spec occupies.
func (p PortSpec) HostSpan() int {
	if !p.Published() {
		return 0
	}
	return p.HostTo - p.HostFrom + 1
}

// Overlaps reports whether two published specs contend for a host port.
// Differing protocols never overlap.
func (p PortSpec) Overlaps(other PortSpec) bool {
	if !p.Published() || !other.Published() || p.Protocol != other.Protocol {
		return false
	}
	return p.HostFrom <= other.HostTo && other.HostFrom <= p.HostTo
}

// String renders the spec back into short syntax.
func (p PortSpec) String() string {
	var s string
	switch {
	case !p.Published():
		s = strconv.Itoa(p.ContainerPort)
	case p.HostFrom == p.HostTo:
		s = fmt.Sprintf("%d:%d", p.HostFrom, p.ContainerPort)
	default:
		s = fmt.Sprintf("%d-%d:%d", p.HostFrom, p.HostTo, p.ContainerPort)
	}
	if p.Protocol != "tcp" {
		s += "/" + p.Protocol
	}
	return s
}
