package manifest

import "testing"

func TestParsePortSpec(t *testing.T) {
	cases := []struct {
		in   string
		want PortSpec
	}{
		{"21337-22336:21337", PortSpec{HostFrom: 21337, HostTo: 22336, ContainerPort: 21337, Protocol: "tcp"}},
		{"8080:80", PortSpec{HostFrom: 8080, HostTo: 8080, ContainerPort: 80, Protocol: "tcp"}},
		{"53:53/udp", PortSpec{HostFrom: 53, HostTo: 53, ContainerPort: 53, Protocol: "udp"}},
		{"9000", PortSpec{ContainerPort: 9000, Protocol: "tcp"}},
	}
	for _, tc := range cases {
		got, err := ParsePortSpec(tc.in)
		if err != nil {
			t.Fatalf("ParsePortSpec(%q) returned error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParsePortSpec(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestParsePortSpecRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "abc", "0:80", "70000:80", "100-50:80", "80:80/icmp", "80:"} {
		if _, err := ParsePortSpec(in); err == nil {
			t.Fatalf("ParsePortSpec(%q) expected error, got nil", in)
		}
	}
}

func TestPortSpecHostSpan(t *testing.T) {
	spec, err := ParsePortSpec("21337-22336:21337")
	if err != nil {
		t.Fatalf("ParsePortSpec returned error: %v", err)
	}
	if spec.HostSpan() != 1000 {
		t.Fatalf("expected span 1000, got %d", spec.HostSpan())
	}
	if (PortSpec{ContainerPort: 80}).HostSpan() != 0 {
		t.Fatal("unpublished spec should have zero span")
	}
}

func TestPortSpecOverlaps(t *testing.T) {
	node, _ := ParsePortSpec("21337-22336:21337")
	cases := []struct {
		name  string
		other string
		want  bool
	}{
		{"inside range", "22000:8080", true},
		{"range edge", "22336:8080", true},
		{"below range", "21336:8080", false},
		{"above range", "22337:8080", false},
		{"overlapping range", "22000-23000:8080", true},
		{"disjoint range", "30000-31000:8080", false},
		{"udp never collides with tcp", "22000:8080/udp", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			other, err := ParsePortSpec(tc.other)
			if err != nil {
				t.Fatalf("ParsePortSpec(%q) returned error: %v", tc.other, err)
			}
			if got := node.Overlaps(other); got != tc.want {
				t.Fatalf("Overlaps(%s, %s) = %v, want %v", node, other, got, tc.want)
			}
			if got := other.Overlaps(node); got != tc.want {
				t.Fatalf("overlap must be symmetric for %s and %s", node, other)
			}
		})
	}
}

func TestPortSpecString(t *testing.T) {
	for _, raw := range []string{"21337-22336:21337", "8080:80", "53:53/udp", "9000"} {
		spec, err := ParsePortSpec(raw)
		if err != nil {
			t.Fatalf("ParsePortSpec(%q) returned error: %v", raw, err)
		}
		if spec.String() != raw {
			t.Fatalf("String() = %q, want %q", spec.String(), raw)
		}
	}
}
