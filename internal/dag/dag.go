// Package dag provides a small directed graph used to order schema
// changes. It supports cycle detection and a deterministic topological
// sort that preserves insertion order among independent nodes.
package dag

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is a directed graph keyed by node id. An edge from a to b means
// b depends on a: a must sort before b.
type Graph struct {
	order    []string
	seq      map[string]int
	children map[string][]string
	parents  map[string][]string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		seq:      make(map[string]int),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
	}
}

// AddNode registers a node. Adding an existing node is a no-op.
func (g *Graph) AddNode(id string) {
	if _, ok := g.seq[id]; ok {
		return
	}
	g.seq[id] = len(g.order)
	g.order = append(g.order, id)
}

// HasNode reports whether id is in the graph.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.seq[id]
	return ok
}

// AddEdge records that child depends on parent. Both nodes must exist
// and self-loops are rejected.
func (g *Graph) AddEdge(parent, child string) error {
	if !g.HasNode(parent) {
		return fmt.Errorf("unknown node %q", parent)
	}
	if !g.HasNode(child) {
		return fmt.Errorf("unknown node %q", child)
	}
	if parent == child {
		return fmt.Errorf("self-dependency on %q", parent)
	}
	if contains(g.children[parent], child) {
		return nil
	}
	g.children[parent] = append(g.children[parent], child)
	g.parents[child] = append(g.parents[child], parent)
	return nil
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.order) }

// CycleError reports a true dependency cycle. Members lists the node ids
// still unresolvable when the sort stalled.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among: %s", strings.Join(e.Members, ", "))
}

// TopoSort returns the node ids in dependency order. Ties between
// independent nodes are broken by insertion order, so a pre-sorted input
// keeps its grouping. Returns *CycleError if the graph has a cycle.
func (g *Graph) TopoSort() ([]string, error) {
	indegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indegree[id] = len(g.parents[id])
	}

	var ready []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	sorted := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		// The lowest insertion sequence goes first.
		sort.Slice(ready, func(i, j int) bool { return g.seq[ready[i]] < g.seq[ready[j]] })
		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, id)

		for _, child := range g.children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(sorted) != len(g.order) {
		var stuck []string
		for _, id := range g.order {
			if indegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, &CycleError{Members: stuck}
	}
	return sorted, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
