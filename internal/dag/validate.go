package dag

import (
	"container/heap"

	"kmpipe/internal/core"
)

// graph is the index view of the registered universe used for validation.
// Indices follow registration order.
type graph struct {
	ids      []core.TaskID
	outgoing [][]int
	indeg    []int
}

// buildGraph indexes tasks and rejects unknown or self dependencies.
func buildGraph(tasks []*core.Task) (*graph, error) {
	index := make(map[core.TaskID]int, len(tasks))
	for i, t := range tasks {
		index[t.ID] = i
	}

	g := &graph{
		ids:      make([]core.TaskID, len(tasks)),
		outgoing: make([][]int, len(tasks)),
		indeg:    make([]int, len(tasks)),
	}
	for i, t := range tasks {
		g.ids[i] = t.ID
		seen := make(map[core.TaskID]struct{}, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return nil, invalidf("self-dependency: %s", t.ID)
			}
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			j, ok := index[dep]
			if !ok {
				return nil, invalidf("task %s depends on unknown task %s", t.ID, dep)
			}
			g.outgoing[j] = append(g.outgoing[j], i)
			g.indeg[i]++
		}
	}
	return g, nil
}

// validateAcyclic proves the graph has no cycles using Kahn's algorithm.
//
// If a cycle exists, it deterministically extracts one cycle path for error reporting.
func (g *graph) validateAcyclic() error {
	order := g.topoOrderIndices()
	if len(order) == len(g.ids) {
		return nil
	}
	return cycleError(g.findCycle())
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrderIndices returns a topological ordering of task indices, lowest
// registration index first among ready nodes.
func (g *graph) topoOrderIndices() []int {
	indeg := make([]int, len(g.indeg))
	copy(indeg, g.indeg)

	ready := &intMinHeap{}
	heap.Init(ready)
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle performs a DFS in registration order to extract one cycle path.
func (g *graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make([]int, len(g.ids))
	parent := make([]int, len(g.ids))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int

	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] {
			if color[v] == white {
				parent[v] = u
				if dfs(v) {
					return true
				}
				continue
			}
			if color[v] == gray {
				// Back-edge u -> v: walk parents from u back to v.
				cycle = append(cycle, v)
				cur := u
				for cur != -1 && cur != v {
					cycle = append(cycle, cur)
					cur = parent[cur]
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range g.ids {
		if color[i] != white {
			continue
		}
		if dfs(i) {
			break
		}
	}

	out := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		out = append(out, g.ids[cycle[i]].String())
	}
	return out
}
