package ir

import "slices"

// findCycle returns the node names of one cycle, closed on its first node.
//
// The algorithm:
//  1. Build node -> successor edges through produced tensors
//  2. Use Tarjan's algorithm to find strongly connected components
//  3. Walk the first SCC with more than one node (or a self-loop)
func (g *Graph) findCycle() []string {
	succ := make([][]int, len(g.Nodes))
	for i, n := range g.Nodes {
		for _, out := range n.Outputs {
			for _, c := range g.consumers[out] {
				succ[i] = append(succ[i], int(c))
			}
		}
	}
	for _, scc := range tarjanSCC(succ) {
		if len(scc) > 1 || slices.Contains(succ[scc[0]], scc[0]) {
			path := cyclePath(scc, succ)
			names := make([]string, len(path))
			for i, n := range path {
				names[i] = g.Nodes[n].Name
			}
			return names
		}
	}
	return nil
}

// tarjanSCC finds strongly connected components. Nodes are visited in index
// order so the result is deterministic.
func tarjanSCC(succ [][]int) [][]int {
	var (
		index   = 0
		stack   []int
		indices = make([]int, len(succ))
		lowlink = make([]int, len(succ))
		onStack = make([]bool, len(succ))
		sccs    [][]int
	)
	for i := range indices {
		indices[i] = -1
	}

	var strongConnect func(int)
	strongConnect = func(v int) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range succ[v] {
			if indices[w] < 0 {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for v := range succ {
		if indices[v] < 0 {
			strongConnect(v)
		}
	}
	return sccs
}

// cyclePath follows edges inside scc from its smallest member until the walk
// returns to the start.
func cyclePath(scc []int, succ [][]int) []int {
	start := slices.Min(scc)
	in := make(map[int]bool, len(scc))
	for _, v := range scc {
		in[v] = true
	}
	path := []int{start}
	visited := map[int]bool{}
	cur := start
	for {
		visited[cur] = true
		next := -1
		for _, w := range succ[cur] {
			if in[w] && (!visited[w] || w == start) {
				next = w
				break
			}
		}
		if next < 0 {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		cur = next
	}
	return path
}
