// Package graph implements the directed acyclic graph of precedence
// edges between tasks.
//
// Nodes are task ids. An edge runs from predecessor to successor. The
// graph is a plain in-memory structure; callers build one from a
// project snapshot, query it, and throw it away.
package graph

import (
	"sort"

	"github.com/pkg/errors"
)

// ErrCycle is returned by TopologicalSort when the graph is not a DAG.
var ErrCycle = errors.New("cycle detected")

// Graph is a DAG keyed by task id. The zero value is not usable; call
// New.
type Graph struct {
	nodes map[string]bool
	succ  map[string]map[string]bool
	pred  map[string]map[string]bool
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		nodes: map[string]bool{},
		succ:  map[string]map[string]bool{},
		pred:  map[string]map[string]bool{},
	}
}

// AddNode adds a node. Adding an existing node is a no-op.
func (g *Graph) AddNode(id string) {
	g.nodes[id] = true
}

// AddEdge adds a precedence edge from pred to succ, adding either
// endpoint if it is not yet a node. Duplicate edges collapse.
func (g *Graph) AddEdge(pred, succ string) {
	g.AddNode(pred)
	g.AddNode(succ)
	if g.succ[pred] == nil {
		g.succ[pred] = map[string]bool{}
	}
	g.succ[pred][succ] = true
	if g.pred[succ] == nil {
		g.pred[succ] = map[string]bool{}
	}
	g.pred[succ][pred] = true
}

// HasNode returns true if id is a node.
func (g *Graph) HasNode(id string) bool {
	return g.nodes[id]
}

// NumNodes returns the number of nodes.
func (g *Graph) NumNodes() int {
	return len(g.nodes)
}

// Nodes returns all node ids in lexicographic order.
func (g *Graph) Nodes() []string {
	return sortedKeys(g.nodes)
}

// Successors returns the direct successors of id in lexicographic
// order.
func (g *Graph) Successors(id string) []string {
	return sortedKeys(g.succ[id])
}

// Predecessors returns the direct predecessors of id in lexicographic
// order.
func (g *Graph) Predecessors(id string) []string {
	return sortedKeys(g.pred[id])
}

// TopologicalSort returns the nodes in an order where every
// predecessor appears before its successors, using Kahn's algorithm.
// Ties break by lexicographic id, so the order is deterministic for a
// given graph. Returns ErrCycle if the graph contains a cycle.
func (g *Graph) TopologicalSort() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.pred[id])
	}
	frontier := []string{}
	for id, n := range indegree {
		if n == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(g.nodes))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)
		for _, s := range sortedKeys(g.succ[id]) {
			indegree[s]--
			if indegree[s] == 0 {
				// Insert keeping the frontier sorted.
				i := sort.SearchStrings(frontier, s)
				frontier = append(frontier, "")
				copy(frontier[i+1:], frontier[i:])
				frontier[i] = s
			}
		}
	}
	if len(order) != len(g.nodes) {
		remaining := []string{}
		for id, n := range indegree {
			if n > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, errors.Wrapf(ErrCycle, "%d nodes unsortable: %v", len(remaining), remaining)
	}
	return order, nil
}

// Descendants returns every node reachable from root by following
// successor edges, excluding root itself, in lexicographic order.
func (g *Graph) Descendants(root string) []string {
	seen := map[string]bool{}
	stack := []string{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for s := range g.succ[id] {
			if !seen[s] {
				seen[s] = true
				stack = append(stack, s)
			}
		}
	}
	delete(seen, root)
	return sortedKeys(seen)
}

// WouldCreateCycle returns true if adding an edge from pred to succ
// would close a cycle, i.e. pred is succ itself or is already
// reachable from succ.
func (g *Graph) WouldCreateCycle(pred, succ string) bool {
	if pred == succ {
		return true
	}
	seen := map[string]bool{}
	stack := []string{succ}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for s := range g.succ[id] {
			if s == pred {
				return true
			}
			if !seen[s] {
				seen[s] = true
				stack = append(stack, s)
			}
		}
	}
	return false
}

func sortedKeys(m map[string]bool) []string {
	rv := make([]string, 0, len(m))
	for k := range m {
		rv = append(rv, k)
	}
	sort.Strings(rv)
	return rv
}
