package workflow

import "sort"

// StepGraph maps a step ID to the IDs of the steps that may legally follow
// it. A step with no entry, or an empty list, is terminal.
type StepGraph map[string][]string

// Successors returns a copy of the successor IDs of a step.
func (g StepGraph) Successors(id string) []string {
	return append([]string(nil), g[id]...)
}

// IsTerminal reports whether the step has no successors.
func (g StepGraph) IsTerminal(id string) bool {
	return len(g[id]) == 0
}

// AddEdge adds from → to unless it already exists.
func (g StepGraph) AddEdge(from, to string) {
	for _, existing := range g[from] {
		if existing == to {
			return
		}
	}
	g[from] = append(g[from], to)
}

// Clone returns a deep copy of the graph.
func (g StepGraph) Clone() StepGraph {
	out := make(StepGraph, len(g))
	for k, v := range g {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// UnknownIDs returns, sorted, every ID referenced as key or value that is
// not in known.
func (g StepGraph) UnknownIDs(known map[string]bool) []string {
	seen := make(map[string]bool)
	var unknown []string
	mark := func(id string) {
		if known[id] || seen[id] {
			return
		}
		seen[id] = true
		unknown = append(unknown, id)
	}
	for from, tos := range g {
		mark(from)
		for _, to := range tos {
			mark(to)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// Reachable returns the set of IDs reachable from start, start included.
func (g StepGraph) Reachable(start string) map[string]bool {
	reachable := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		if reachable[id] {
			return
		}
		reachable[id] = true
		for _, next := range g[id] {
			visit(next)
		}
	}
	visit(start)
	return reachable
}

// HasCycle reports whether the graph contains a cycle.
func (g StepGraph) HasCycle() bool {
	visited := make(map[string]bool)
	stack := make(map[string]bool)

	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		stack[id] = true
		for _, next := range g[id] {
			if !visited[next] {
				if dfs(next) {
					return true
				}
			} else if stack[next] {
				return true
			}
		}
		stack[id] = false
		return false
	}

	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !visited[k] && dfs(k) {
			return true
		}
	}
	return false
}
