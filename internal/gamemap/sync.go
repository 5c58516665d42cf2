package gamemap

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"computer-quest/internal/logging"
	"computer-quest/internal/protocol"
	"computer-quest/internal/transport"

	"go.uber.org/zap"
)

// ErrMalformedUpdate wraps every rejected update. The previous state is
// kept when it is returned.
var ErrMalformedUpdate = errors.New("gamemap: malformed update")

// Synchronizer reconciles map_update snapshots into the node set. All
// methods must run on the event loop.
type Synchronizer struct {
	topo   Topology
	ch     transport.Channel
	logger *zap.Logger
	now    func() time.Time

	nodes []Node
	index map[string]int

	lastUpdate time.Time
	listeners  []func()
}

// NewSynchronizer seeds the node set from topo with the entry node current.
// ch may be nil when updates are applied directly.
func NewSynchronizer(topo Topology, ch transport.Channel, logger *zap.Logger) *Synchronizer {
	s := &Synchronizer{
		topo:   topo,
		ch:     ch,
		logger: logging.OrNop(logger).Named("gamemap"),
		now:    time.Now,
		index:  make(map[string]int, len(topo.Nodes)),
	}
	s.nodes = make([]Node, len(topo.Nodes))
	copy(s.nodes, topo.Nodes)
	for i, n := range s.nodes {
		s.index[n.ID] = i
	}
	s.resetStatuses()
	return s
}

// Bind registers the map_update handler on scope.
func (s *Synchronizer) Bind(scope *transport.Scope) {
	scope.On(s.ch, protocol.TypeMapUpdate, func(raw json.RawMessage) {
		// Errors are logged by Apply.
		_ = s.Apply(raw)
	})
}

// OnChange adds an observer called after each applied update or reset.
func (s *Synchronizer) OnChange(fn func()) {
	s.listeners = append(s.listeners, fn)
}

// Apply decodes and applies one map_update payload. Kinds other than
// snapshot are logged and ignored.
func (s *Synchronizer) Apply(raw []byte) error {
	p, err := protocol.ParseMapUpdate(raw)
	if err != nil {
		s.logger.Warn("map update rejected", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	switch p.Kind {
	case protocol.MapKindSnapshot:
		return s.ApplySnapshot(p.Nodes)
	case protocol.MapKindDelta:
		// Deltas carry no full state; the next snapshot supersedes them.
		s.logger.Debug("map delta ignored", zap.Int("nodes", len(p.Nodes)))
		return nil
	default:
		s.logger.Info("map update kind not handled", zap.String("kind", p.Kind))
		return nil
	}
}

// ApplySnapshot replaces every node's status. Nodes missing from the
// snapshot become unvisited and ids outside the topology are ignored. When
// no node is marked current the entry node is. A snapshot with more than
// one current node is rejected as a whole.
func (s *Synchronizer) ApplySnapshot(entries []protocol.NodeStatus) error {
	next := make([]Status, len(s.nodes))
	for i := range next {
		next[i] = Unvisited
	}

	current := -1
	for _, e := range entries {
		st := Status(e.Status)
		if !st.Valid() {
			err := fmt.Errorf("%w: node %q has status %q", ErrMalformedUpdate, e.ID, e.Status)
			s.logger.Warn("map update rejected", zap.Error(err))
			return err
		}
		i, ok := s.index[e.ID]
		if !ok {
			s.logger.Debug("map update names unknown node", zap.String("id", e.ID))
			continue
		}
		if st == Current {
			if current >= 0 && current != i {
				err := fmt.Errorf("%w: nodes %q and %q both current", ErrMalformedUpdate, s.nodes[current].ID, e.ID)
				s.logger.Warn("map update rejected", zap.Error(err))
				return err
			}
			current = i
		}
		next[i] = st
	}
	if current < 0 {
		next[s.index[s.topo.Entry]] = Current
	}

	for i := range s.nodes {
		s.nodes[i].Status = next[i]
	}
	s.lastUpdate = s.now()
	s.notify()
	return nil
}

// Reset puts the entry node back to current and every other node to
// unvisited, as at the start of a game.
func (s *Synchronizer) Reset() {
	s.resetStatuses()
	s.notify()
}

// LastUpdate returns when the last snapshot was applied, zero if never.
func (s *Synchronizer) LastUpdate() time.Time {
	return s.lastUpdate
}

// Nodes returns a copy of the node set in topology order.
func (s *Synchronizer) Nodes() []Node {
	out := make([]Node, len(s.nodes))
	copy(out, s.nodes)
	return out
}

func (s *Synchronizer) Edges() []Edge {
	out := make([]Edge, len(s.topo.Edges))
	copy(out, s.topo.Edges)
	return out
}

// Current returns the node holding current status.
func (s *Synchronizer) Current() (Node, bool) {
	for _, n := range s.nodes {
		if n.Status == Current {
			return n, true
		}
	}
	return Node{}, false
}

// Status returns one node's status.
func (s *Synchronizer) Status(id string) (Status, bool) {
	i, ok := s.index[id]
	if !ok {
		return "", false
	}
	return s.nodes[i].Status, true
}

// Topology returns the static graph the synchronizer was seeded with.
func (s *Synchronizer) Topology() Topology {
	return s.topo
}

// GraphNode is a node as handed to a graph view: the status is carried as
// a "node <status>" class.
type GraphNode struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Class    string   `json:"className"`
	Position Position `json:"position"`
}

type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []Edge      `json:"edges"`
}

// Graph returns the current state shaped for a graph view.
func (s *Synchronizer) Graph() Graph {
	g := Graph{Nodes: make([]GraphNode, len(s.nodes)), Edges: s.Edges()}
	for i, n := range s.nodes {
		g.Nodes[i] = GraphNode{
			ID:       n.ID,
			Label:    n.Label,
			Class:    "node " + string(n.Status),
			Position: n.Position,
		}
	}
	return g
}

func (s *Synchronizer) resetStatuses() {
	for i := range s.nodes {
		s.nodes[i].Status = Unvisited
		if s.nodes[i].ID == s.topo.Entry {
			s.nodes[i].Status = Current
		}
	}
}

func (s *Synchronizer) notify() {
	for _, fn := range s.listeners {
		fn()
	}
}
