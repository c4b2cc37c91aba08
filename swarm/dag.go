package swarm

import "sort"

// The dependency graph is small and bespoke, so cycle detection and
// topological ordering are implemented directly rather than through a
// graph library: a depth-first walk that reports the back-edge path, and
// Kahn's algorithm with lexical tie-breaking for stable output.

// findCycle returns a cycle path (first node repeated at the end) if the
// dependency graph contains one, or nil if the graph is acyclic. Edges
// point from a dependency to its dependents.
func findCycle(tasks map[string]*Task) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS stack
		black = 2 // fully explored
	)

	color := make(map[string]int, len(tasks))
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)

		deps := append([]string(nil), tasks[id].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, ok := tasks[dep]; !ok {
				continue // unknown deps are reported separately
			}
			switch color[dep] {
			case gray:
				// Back edge: slice the stack from the first occurrence
				// of dep and close the loop.
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// topoSort returns the task IDs in dependency order (dependencies first)
// using Kahn's algorithm. Ties are broken lexically so the order is
// deterministic. The graph must already be acyclic.
func topoSort(tasks map[string]*Task) []string {
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))

	for id, t := range tasks {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range t.DependsOn {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var frontier []string
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(tasks))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		next := append([]string(nil), dependents[id]...)
		sort.Strings(next)
		for _, d := range next {
			indegree[d]--
			if indegree[d] == 0 {
				frontier = insertSorted(frontier, d)
			}
		}
	}
	return order
}

// descendants returns every task reachable from root along dependency
// edges (root's dependents, their dependents, and so on). Used to mark
// the transitive downstream of a FAILED task as SKIPPED.
func descendants(tasks map[string]*Task, root string) map[string]bool {
	dependents := make(map[string][]string, len(tasks))
	for id, t := range tasks {
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	seen := make(map[string]bool)
	queue := append([]string(nil), dependents[root]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, dependents[id]...)
	}
	return seen
}

func insertSorted(ss []string, s string) []string {
	i := sort.SearchStrings(ss, s)
	ss = append(ss, "")
	copy(ss[i+1:], ss[i:])
	ss[i] = s
	return ss
}
