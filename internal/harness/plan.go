// Package harness starts manifest services against the Docker daemon in
// dependency order, waits for the runner service to exit and tears the
// stack down.
package harness

import (
	"fmt"
	"sort"
	"strings"

	"github.com/girazoki/witnet-rust/internal/manifest"
)

// Plan returns the order services are started in: a topological sort of the
// depends_on graph with ties broken alphabetically so runs are
// deterministic.
func Plan(m *manifest.Manifest) ([]string, error) {
	indegree := make(map[string]int, len(m.Services))
	dependents := make(map[string][]string, len(m.Services))

	for name, svc := range m.Services {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range svc.DependsOn {
			if _, ok := m.Services[dep]; !ok {
				return nil, fmt.Errorf("service %q depends on unknown service %q", name, dep)
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	ready := make([]string, 0, len(indegree))
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(indegree))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		next := append([]string(nil), dependents[name]...)
		sort.Strings(next)
		for _, dependent := range next {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = insertSorted(ready, dependent)
			}
		}
	}

	if len(order) != len(indegree) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("dependency cycle involving: %s", strings.Join(stuck, ", "))
	}
	return order, nil
}

func insertSorted(list []string, item string) []string {
	i := sort.SearchStrings(list, item)
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = item
	return list
}
