package graph

import (
	"fmt"
	"sort"
)

// StartOrder groups component names into waves using Kahn's algorithm: every
// component of a wave depends only on components of earlier waves. deps maps
// a component to the components it depends on.
//
// It fails when a dependency is not a known component or when the
// dependencies contain a cycle.
func StartOrder(components []string, deps map[string][]string) ([][]string, error) {
	graph := make(map[string][]string)
	inDegree := make(map[string]int)
	known := make(map[string]bool)

	for _, name := range components {
		known[name] = true
		inDegree[name] = 0
		graph[name] = []string{}
	}

	for _, name := range components {
		for _, dep := range deps[name] {
			if !known[dep] {
				return nil, fmt.Errorf("component %s depends on non-existent component %s", name, dep)
			}
			// dep -> name (dep must start before name)
			graph[dep] = append(graph[dep], name)
			inDegree[name]++
		}
	}

	var waves [][]string
	queue := []string{}
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}

	processed := 0
	for len(queue) > 0 {
		sort.Strings(queue)
		wave := make([]string, len(queue))
		copy(wave, queue)
		waves = append(waves, wave)
		processed += len(wave)

		next := []string{}
		for _, name := range queue {
			for _, dependent := range graph[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		queue = next
	}

	if processed != len(components) {
		return nil, fmt.Errorf("circular dependency detected among %v", cycleMembers(inDegree))
	}
	return waves, nil
}

func cycleMembers(inDegree map[string]int) []string {
	var out []string
	for name, degree := range inDegree {
		if degree > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
