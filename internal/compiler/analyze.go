package compiler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/fmsync/internal/model"
)

// Warning is a static finding about a model's constraints.
//
// Findings are warnings, not errors: a model with a dead feature or a
// requires-cycle is still a valid document, just probably not what the
// author meant.
type Warning struct {
	Path    []string `json:"path"`    // Features involved, e.g. ["A", "B", "A"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning" or "info"
}

// AnalyzeConstraints reports requires-cycles and contradictory constraint
// pairs.
//
// The algorithm:
//  1. Build the feature → required-features graph from requires constraints
//  2. Use Tarjan's algorithm to find strongly connected components
//  3. Report each SCC with size > 1 as features that are always selected
//     together
//  4. Report every (from, to) pair that is both required and excluded: from
//     can never be selected
//
// Results are in a deterministic order.
func AnalyzeConstraints(m *Model) []Warning {
	warnings := []Warning{}
	if len(m.Constraints) == 0 {
		return warnings
	}

	graph := buildRequiresGraph(m.Constraints)
	for _, scc := range tarjanSCC(graph) {
		if len(scc) < 2 {
			continue
		}
		path := reconstructCyclePath(scc, graph)
		warnings = append(warnings, Warning{
			Path:    path,
			Message: fmt.Sprintf("features require each other and are always selected together: %s", strings.Join(path, " → ")),
			Level:   "info",
		})
	}

	excludes := make(map[[2]string]bool)
	for _, c := range m.Constraints {
		if c.Kind == model.Excludes {
			excludes[[2]string{c.From, c.To}] = true
			excludes[[2]string{c.To, c.From}] = true
		}
	}
	for _, c := range m.Constraints {
		if c.Kind == model.Requires && excludes[[2]string{c.From, c.To}] {
			warnings = append(warnings, Warning{
				Path:    []string{c.From, c.To},
				Message: fmt.Sprintf("dead feature: %s both requires and excludes %s", c.From, c.To),
				Level:   "warning",
			})
		}
	}

	return warnings
}

// requiresGraph maps feature id → features it requires.
type requiresGraph map[string][]string

func buildRequiresGraph(constraints []Constraint) requiresGraph {
	graph := make(requiresGraph)
	for _, c := range constraints {
		if c.Kind != model.Requires {
			continue
		}
		graph[c.From] = append(graph[c.From], c.To)
		if graph[c.To] == nil {
			graph[c.To] = []string{}
		}
	}
	for node := range graph {
		slices.Sort(graph[node])
	}
	return graph
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in sorted order so the output is deterministic.
func tarjanSCC(graph requiresGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root node: pop the stack into an SCC
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// reconstructCyclePath walks edges inside scc from its first member back to
// itself.
func reconstructCyclePath(scc []string, graph requiresGraph) []string {
	if len(scc) == 0 {
		return []string{}
	}

	members := make(map[string]bool)
	for _, node := range scc {
		members[node] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)
	for {
		visited[current] = true

		var next string
		for _, neighbor := range graph[current] {
			if members[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}
