// # Modified from https://github.com/kro-run/kro/blob/7e437f2fe159a1e1c59d8eefd2bfa55320df4489/pkg/graph/dag/dag.go under Apache 2.0 License
//
// Original License:
//
// Copyright 2025 The Kube Resource Orchestrator Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License"). You may
// not use this file except in compliance with the License. A copy of the
// License is located at
//
//     http://aws.amazon.com/apache2.0/
//
// or in the "license" file accompanying this file. This file is distributed
// on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either
// express or implied. See the License for the specific language governing
// permissions and limitations under the License.
//
// We would like to thank the authors of kro for their outstanding work on this code.

// Package dag provides a directed acyclic graph used to describe resolved
// module dependency graphs.
//
// Edges point from a dependant to its dependency. Adding an edge that would
// close a cycle is rejected with a CycleError.
package dag

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	ErrSelfReference = errors.New("self-references are not allowed")
	ErrAlreadyExists = errors.New("vertex already exists in the graph")
	ErrNotExists     = errors.New("vertex does not exist in the graph")
)

// Vertex is a node of the graph.
type Vertex[T cmp.Ordered] struct {
	ID T
	// Attributes stores arbitrary data of the vertex, such as the resolved
	// version of a module.
	Attributes map[string]any
	// Edges stores the targets of outgoing edges and the edge attributes.
	Edges map[T]map[string]any
}

// EdgeKeys returns the targets of the outgoing edges in sorted order.
func (v *Vertex[T]) EdgeKeys() []T {
	keys := make([]T, 0, len(v.Edges))
	for k := range v.Edges {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("the graph would contain a cycle: %s", strings.Join(e.Cycle, " -> "))
}

// DirectedAcyclicGraph is safe for concurrent use.
type DirectedAcyclicGraph[T cmp.Ordered] struct {
	mu        sync.RWMutex
	vertices  map[T]*Vertex[T]
	inDegree  map[T]int
	outDegree map[T]int
}

func NewDirectedAcyclicGraph[T cmp.Ordered]() *DirectedAcyclicGraph[T] {
	return &DirectedAcyclicGraph[T]{
		vertices:  make(map[T]*Vertex[T]),
		inDegree:  make(map[T]int),
		outDegree: make(map[T]int),
	}
}

// AddVertex adds a new vertex. Attributes are merged in order.
func (d *DirectedAcyclicGraph[T]) AddVertex(id T, attributes ...map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.vertices[id]; exists {
		return fmt.Errorf("vertex %v: %w", id, ErrAlreadyExists)
	}
	vertex := &Vertex[T]{
		ID:         id,
		Attributes: make(map[string]any),
		Edges:      make(map[T]map[string]any),
	}
	for _, attrs := range attributes {
		for k, v := range attrs {
			vertex.Attributes[k] = v
		}
	}
	d.vertices[id] = vertex
	d.inDegree[id] = 0
	d.outDegree[id] = 0
	return nil
}

// AddEdge adds a directed edge. Adding an existing edge only merges its
// attributes.
func (d *DirectedAcyclicGraph[T]) AddEdge(from, to T, attributes ...map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	fromVertex, ok := d.vertices[from]
	if !ok {
		return fmt.Errorf("vertex %v: %w", from, ErrNotExists)
	}
	if _, ok := d.vertices[to]; !ok {
		return fmt.Errorf("vertex %v: %w", to, ErrNotExists)
	}
	if from == to {
		return ErrSelfReference
	}

	attrs, exists := fromVertex.Edges[to]
	if !exists {
		attrs = make(map[string]any)
		fromVertex.Edges[to] = attrs
		d.outDegree[from]++
		d.inDegree[to]++

		if cyclic, cycle := d.hasCycle(); cyclic {
			delete(fromVertex.Edges, to)
			d.outDegree[from]--
			d.inDegree[to]--
			return fmt.Errorf("adding an edge from %v to %v would create a cycle: %w", from, to, &CycleError{Cycle: cycle})
		}
	}
	for _, a := range attributes {
		for k, v := range a {
			attrs[k] = v
		}
	}
	return nil
}

func (d *DirectedAcyclicGraph[T]) GetVertex(id T) (*Vertex[T], bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.vertices[id]
	return v, ok
}

func (d *DirectedAcyclicGraph[T]) Contains(id T) bool {
	_, ok := d.GetVertex(id)
	return ok
}

func (d *DirectedAcyclicGraph[T]) LengthVertices() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.vertices)
}

// GetVertices returns the vertex ids in sorted order.
func (d *DirectedAcyclicGraph[T]) GetVertices() []T {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedIDs()
}

func (d *DirectedAcyclicGraph[T]) sortedIDs() []T {
	ids := make([]T, 0, len(d.vertices))
	for id := range d.vertices {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// GetEdges returns all edges sorted by source, then target.
func (d *DirectedAcyclicGraph[T]) GetEdges() [][2]T {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var edges [][2]T
	for _, from := range d.sortedIDs() {
		for _, to := range d.vertices[from].EdgeKeys() {
			edges = append(edges, [2]T{from, to})
		}
	}
	return edges
}

func (d *DirectedAcyclicGraph[T]) GetInDegree(id T) (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	deg, ok := d.inDegree[id]
	return deg, ok
}

func (d *DirectedAcyclicGraph[T]) GetOutDegree(id T) (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	deg, ok := d.outDegree[id]
	return deg, ok
}

// Roots returns the vertices without incoming edges in sorted order.
func (d *DirectedAcyclicGraph[T]) Roots() []T {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var roots []T
	for _, id := range d.sortedIDs() {
		if d.inDegree[id] == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

func (d *DirectedAcyclicGraph[T]) HasCycle() (bool, []string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hasCycle()
}

func (d *DirectedAcyclicGraph[T]) hasCycle() (bool, []string) {
	visited := make(map[T]bool)
	recStack := make(map[T]bool)
	var path []string

	var dfs func(T) bool
	dfs = func(node T) bool {
		visited[node] = true
		recStack[node] = true
		path = append(path, fmt.Sprintf("%v", node))
		for _, neighbor := range d.vertices[node].EdgeKeys() {
			if !visited[neighbor] {
				if dfs(neighbor) {
					return true
				}
			} else if recStack[neighbor] {
				path = append(path, fmt.Sprintf("%v", neighbor))
				return true
			}
		}
		recStack[node] = false
		path = path[:len(path)-1]
		return false
	}

	for _, node := range d.sortedIDs() {
		if visited[node] {
			continue
		}
		path = nil
		if dfs(node) {
			// trim the path so it starts at the repeated vertex
			last := path[len(path)-1]
			start := 0
			for i, v := range path[:len(path)-1] {
				if v == last {
					start = i
					break
				}
			}
			return true, path[start:]
		}
	}
	return false, nil
}

// TopologicalSort returns the vertices ordered so that every vertex comes
// after all vertices it has an edge to, i.e. dependencies first. The order
// is deterministic.
func (d *DirectedAcyclicGraph[T]) TopologicalSort() ([]T, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if cyclic, cycle := d.hasCycle(); cyclic {
		return nil, &CycleError{Cycle: cycle}
	}

	visited := make(map[T]bool)
	order := make([]T, 0, len(d.vertices))
	var dfs func(T)
	dfs = func(node T) {
		visited[node] = true
		for _, neighbor := range d.vertices[node].EdgeKeys() {
			if !visited[neighbor] {
				dfs(neighbor)
			}
		}
		order = append(order, node)
	}
	for _, node := range d.sortedIDs() {
		if !visited[node] {
			dfs(node)
		}
	}
	return order, nil
}
