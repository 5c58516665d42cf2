// Package gamemap keeps the architecture map shown next to the terminal:
// a fixed topology of components whose visitation status follows the
// server's map_update snapshots.
package gamemap

import (
	"errors"
	"fmt"
	"os"

	"computer-quest/internal/protocol"

	"gopkg.in/yaml.v3"
)

// Status is a node's visitation status.
type Status string

const (
	Unvisited Status = protocol.StatusUnvisited
	Current   Status = protocol.StatusCurrent
	Visited   Status = protocol.StatusVisited
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case Unvisited, Current, Visited:
		return true
	}
	return false
}

type Position struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

// Node is one component on the map. Only Status changes at runtime.
type Node struct {
	ID       string   `yaml:"id" json:"id"`
	Label    string   `yaml:"label" json:"label"`
	Status   Status   `yaml:"-" json:"status"`
	Position Position `yaml:"position" json:"position"`
}

type Edge struct {
	Source string `yaml:"source" json:"source"`
	Target string `yaml:"target" json:"target"`
}

// Topology is the static graph. Entry names the node the player starts in.
type Topology struct {
	Entry string `yaml:"entry"`
	Nodes []Node `yaml:"nodes"`
	Edges []Edge `yaml:"edges"`
}

// DefaultTopology returns the built-in computer architecture diagram.
func DefaultTopology() Topology {
	return Topology{
		Entry: "cpu_package",
		Nodes: []Node{
			{ID: "cpu_package", Label: "CPU Package", Position: Position{X: 250, Y: 100}},
			{ID: "core1", Label: "Core 1", Position: Position{X: 100, Y: 200}},
			{ID: "core2", Label: "Core 2", Position: Position{X: 400, Y: 200}},
			{ID: "l3_cache", Label: "L3 Cache", Position: Position{X: 250, Y: 300}},
			{ID: "memory_controller", Label: "Memory Controller", Position: Position{X: 250, Y: 400}},
		},
		Edges: []Edge{
			{Source: "cpu_package", Target: "core1"},
			{Source: "cpu_package", Target: "core2"},
			{Source: "cpu_package", Target: "l3_cache"},
			{Source: "l3_cache", Target: "memory_controller"},
		},
	}
}

// LoadTopology reads a YAML topology file. An empty path yields the
// built-in topology.
func LoadTopology(path string) (Topology, error) {
	if path == "" {
		return DefaultTopology(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("read topology: %w", err)
	}
	return ParseTopology(data)
}

// ParseTopology decodes and validates a YAML topology document.
func ParseTopology(data []byte) (Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Topology{}, fmt.Errorf("parse topology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Topology{}, err
	}
	return t, nil
}

// Validate checks ids are unique and non-empty, the entry exists and
// every edge references known nodes.
func (t Topology) Validate() error {
	if len(t.Nodes) == 0 {
		return errors.New("topology: no nodes")
	}
	ids := make(map[string]bool, len(t.Nodes))
	for _, n := range t.Nodes {
		if n.ID == "" {
			return errors.New("topology: node without id")
		}
		if ids[n.ID] {
			return fmt.Errorf("topology: duplicate node %q", n.ID)
		}
		ids[n.ID] = true
	}
	if !ids[t.Entry] {
		return fmt.Errorf("topology: entry %q is not a node", t.Entry)
	}
	for _, e := range t.Edges {
		if !ids[e.Source] || !ids[e.Target] {
			return fmt.Errorf("topology: edge %s->%s references unknown node", e.Source, e.Target)
		}
	}
	return nil
}
