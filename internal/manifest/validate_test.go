package manifest

import (
	"strings"
	"testing"
)

func parseValid(t *testing.T, doc string) *Manifest {
	t.Helper()
	m, err := Parse([]byte(doc), noEnv)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	return m
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	m := parseValid(t, `services:
  tester:
    image: witnet/python-tester
    depends_on: [ghost]
`)
	if _, err := m.Validate(); err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("expected unknown dependency error, got %v", err)
	}
}

func TestValidateRejectsSelfDependency(t *testing.T) {
	m := parseValid(t, `services:
  node:
    image: witnet/debug-run
    depends_on: [node]
`)
	if _, err := m.Validate(); err == nil {
		t.Fatal("expected self dependency error, got nil")
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	m := parseValid(t, `services:
  a:
    image: busybox
    depends_on: [b]
  b:
    image: busybox
    depends_on: [c]
  c:
    image: busybox
    depends_on: [a]
`)
	_, err := m.Validate()
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestValidateRejectsMissingImage(t *testing.T) {
	m := parseValid(t, `services:
  node:
    image: "  "
`)
	if _, err := m.Validate(); err == nil {
		t.Fatal("expected image required error, got nil")
	}
}

func TestValidateRejectsUnsupportedNetworkMode(t *testing.T) {
	m := parseValid(t, `services:
  node:
    image: witnet/debug-run
    network_mode: bridge-custom
`)
	if _, err := m.Validate(); err == nil {
		t.Fatal("expected network_mode error, got nil")
	}
}

func TestValidateRejectsHostPortCollision(t *testing.T) {
	m := parseValid(t, `services:
  node:
    image: witnet/debug-run
    ports:
      - "21337-22336:21337"
  other:
    image: busybox
    ports:
      - "22000:9000"
`)
	_, err := m.Validate()
	if err == nil || !strings.Contains(err.Error(), "collision") {
		t.Fatalf("expected collision error, got %v", err)
	}
}

func TestValidateAllowsDisjointRanges(t *testing.T) {
	m := parseValid(t, `services:
  node:
    image: witnet/debug-run
    ports:
      - "21337-22336:21337"
  other:
    image: busybox
    ports:
      - "23000:9000"
      - "22000:9000/udp"
`)
	if _, err := m.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
}

func TestValidateWaitForGates(t *testing.T) {
	base := `services:
  node:
    image: witnet/debug-run
  tester:
    image: witnet/python-tester
    depends_on: [node]
    wait_for:
      node: %s
`
	for _, gate := range []string{"started", "running", "tcp:21337"} {
		m := parseValid(t, strings.Replace(base, "%s", gate, 1))
		if _, err := m.Validate(); err != nil {
			t.Fatalf("gate %q should validate, got %v", gate, err)
		}
	}
	for _, gate := range []string{"ready", "tcp:notaport", "tcp:0"} {
		m := parseValid(t, strings.Replace(base, "%s", gate, 1))
		if _, err := m.Validate(); err == nil {
			t.Fatalf("gate %q should be rejected", gate)
		}
	}
}

func TestValidateWaitForRequiresDependsOn(t *testing.T) {
	m := parseValid(t, `services:
  node:
    image: witnet/debug-run
  tester:
    image: witnet/python-tester
    wait_for:
      node: started
`)
	if _, err := m.Validate(); err == nil {
		t.Fatal("expected wait_for without depends_on to be rejected")
	}
}
