package harness

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/girazoki/witnet-rust/internal/manifest"
)

const gatePollInterval = 250 * time.Millisecond

// Dialer is satisfied by net.Dialer and lets tests stub TCP probes.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// gate is a parsed wait_for condition on a dependency.
type gate struct {
	kind string // manifest.GateStarted, manifest.GateRunning or "tcp"
	port int
}

func parseGate(raw string) (gate, error) {
	switch raw {
	case "", manifest.GateStarted:
		return gate{kind: manifest.GateStarted}, nil
	case manifest.GateRunning:
		return gate{kind: manifest.GateRunning}, nil
	}
	if portSpec, ok := strings.CutPrefix(raw, "tcp:"); ok {
		spec, err := manifest.ParsePortSpec(portSpec)
		if err != nil {
			return gate{}, fmt.Errorf("wait_for gate %q: %w", raw, err)
		}
		return gate{kind: "tcp", port: spec.ContainerPort}, nil
	}
	return gate{}, fmt.Errorf("unknown wait_for gate %q", raw)
}

// await blocks until the gate condition holds for the dependency container.
// started gates return immediately: the container was already started by the
// time dependents are scheduled, which is exactly the original compose
// depends_on contract.
func (r *Runner) await(ctx context.Context, g gate, dependency, containerID string) error {
	switch g.kind {
	case manifest.GateStarted:
		return nil
	case manifest.GateRunning:
		return r.awaitRunning(ctx, dependency, containerID)
	case "tcp":
		return r.awaitTCP(ctx, dependency, g.port)
	}
	return fmt.Errorf("unknown gate kind %q", g.kind)
}

func (r *Runner) awaitRunning(ctx context.Context, dependency, containerID string) error {
	ticker := time.NewTicker(gatePollInterval)
	defer ticker.Stop()
	for {
		running, err := r.engine.Running(ctx, containerID)
		if err != nil {
			return fmt.Errorf("service %q readiness: %w", dependency, err)
		}
		if running {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("service %q readiness: %w", dependency, ctx.Err())
		case <-ticker.C:
		}
	}
}

// awaitTCP dials the port until something accepts. Host networking puts the
// dependency's listeners directly on the host, so localhost is the right
// target.
func (r *Runner) awaitTCP(ctx context.Context, dependency string, port int) error {
	addr := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", port))
	ticker := time.NewTicker(gatePollInterval)
	defer ticker.Stop()
	for {
		dialCtx, cancel := context.WithTimeout(ctx, gatePollInterval)
		conn, err := r.dialer.DialContext(dialCtx, "tcp", addr)
		cancel()
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("service %q readiness on %s: %w", dependency, addr, ctx.Err())
		case <-ticker.C:
		}
	}
}
