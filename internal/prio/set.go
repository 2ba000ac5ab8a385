// internal/prio/set.go

package prio

import "errors"

// ErrSetFull is returned when a node set has no room for another node.
var ErrSetFull = errors.New("priority node set is full")

// Change describes how an edit of a node set affected one scheduler.
type Change struct {
	Scheduler SchedulerID
	Gained    bool // first node on the scheduler
	Lost      bool // last node on the scheduler removed
	Moved     bool // the winning node changed while standing was kept
	Before    Priority
	After     Priority
}

// Set is the fixed-capacity collection of priority nodes owned by one thread.
// The backing array is allocated once; edits never grow it.
type Set struct {
	nodes   []Node
	nextSeq uint64
}

// NewSet returns a set holding at most capacity nodes.
func NewSet(capacity int) Set {
	if capacity < 1 {
		capacity = 1
	}
	return Set{nodes: make([]Node, 0, capacity)}
}

// Len returns the number of nodes in the set.
func (s *Set) Len() int { return len(s.nodes) }

// Nodes returns a copy of the nodes, in attach order.
func (s *Set) Nodes() []Node {
	out := make([]Node, len(s.nodes))
	copy(out, s.nodes)
	return out
}

// Winner returns the winning node on scheduler id.
func (s *Set) Winner(id SchedulerID) (Node, bool) {
	var best Node
	found := false
	for _, n := range s.nodes {
		if n.Scheduler != id {
			continue
		}
		if !found || n.wins(best) {
			best, found = n, true
		}
	}
	return best, found
}

// Effective returns the most urgent priority on scheduler id. The second
// result is false when the set has no standing there.
func (s *Set) Effective(id SchedulerID) (Priority, bool) {
	n, ok := s.Winner(id)
	return n.Value, ok
}

// EffectiveWithout is Effective ignoring the nodes skip selects.
func (s *Set) EffectiveWithout(id SchedulerID, skip func(Node) bool) (Priority, bool) {
	var best Priority
	found := false
	for _, n := range s.nodes {
		if n.Scheduler != id || skip(n) {
			continue
		}
		if !found || n.Value < best {
			best, found = n.Value, true
		}
	}
	return best, found
}

// Has reports whether the set has standing on scheduler id.
func (s *Set) Has(id SchedulerID) bool {
	for _, n := range s.nodes {
		if n.Scheduler == id {
			return true
		}
	}
	return false
}

// Schedulers appends the distinct schedulers the set has standing on to dst,
// in order of first attachment.
func (s *Set) Schedulers(dst []SchedulerID) []SchedulerID {
	for _, n := range s.nodes {
		if !containsID(dst, n.Scheduler) {
			dst = append(dst, n.Scheduler)
		}
	}
	return dst
}

// Contributes reports whether resource r has a node in the set.
func (s *Set) Contributes(r ResourceID) bool {
	for _, n := range s.nodes {
		if n.Source == SourceInherited && n.Resource == r {
			return true
		}
	}
	return false
}

// SetBase installs or replaces the base node on scheduler id.
func (s *Set) SetBase(id SchedulerID, v Priority, dst []Change) ([]Change, error) {
	touched := []SchedulerID{id}
	base := Node{Scheduler: id, Value: v, Source: SourceBase}
	for _, n := range s.nodes {
		if n.Source == SourceBase {
			touched = appendID(touched, n.Scheduler)
			if n.Scheduler == id && n.Value == v {
				base.seq = n.seq
			}
		}
	}
	before := s.winners(touched)
	s.remove(func(n Node) bool { return n.Source == SourceBase })
	if err := s.add(base); err != nil {
		return dst, err
	}
	return s.diff(touched, before, dst), nil
}

// Replace removes every node contributed by resource r, attaches add in order
// and reports the per-scheduler effect. On ErrSetFull the set keeps the
// nodes that fit and the reported changes still describe that state.
func (s *Set) Replace(r ResourceID, add []Node, dst []Change) ([]Change, error) {
	var touched []SchedulerID
	var old []Node
	for _, n := range s.nodes {
		if n.Source == SourceInherited && n.Resource == r {
			touched = appendID(touched, n.Scheduler)
			old = append(old, n)
		}
	}
	for _, n := range add {
		touched = appendID(touched, n.Scheduler)
	}
	before := s.winners(touched)

	s.remove(func(n Node) bool { return n.Source == SourceInherited && n.Resource == r })
	var err error
	for _, n := range add {
		n.Source = SourceInherited
		n.Resource = r
		n.seq = 0
		// An unchanged node keeps its attach order.
		for i := range old {
			if old[i].seq != 0 && old[i].Scheduler == n.Scheduler && old[i].Value == n.Value && old[i].Ceiling == n.Ceiling {
				n.seq = old[i].seq
				old[i].seq = 0
				break
			}
		}
		if err = s.add(n); err != nil {
			break
		}
	}
	return s.diff(touched, before, dst), err
}

type winner struct {
	node Node
	ok   bool
}

func (s *Set) winners(ids []SchedulerID) []winner {
	out := make([]winner, len(ids))
	for i, id := range ids {
		out[i].node, out[i].ok = s.Winner(id)
	}
	return out
}

func (s *Set) diff(ids []SchedulerID, before []winner, dst []Change) []Change {
	for i, id := range ids {
		after, ok := s.Winner(id)
		b := before[i]
		c := Change{Scheduler: id, Before: b.node.Value, After: after.Value}
		switch {
		case !b.ok && ok:
			c.Gained = true
		case b.ok && !ok:
			c.Lost = true
		case b.ok && ok && b.node.seq != after.seq:
			c.Moved = true
		default:
			continue
		}
		dst = append(dst, c)
	}
	return dst
}

func (s *Set) add(n Node) error {
	if len(s.nodes) == cap(s.nodes) {
		return ErrSetFull
	}
	if n.seq == 0 {
		s.nextSeq++
		n.seq = s.nextSeq
	}
	s.nodes = append(s.nodes, n)
	return nil
}

// remove deletes the matching nodes in place, keeping attach order.
func (s *Set) remove(match func(Node) bool) {
	kept := s.nodes[:0]
	for _, n := range s.nodes {
		if !match(n) {
			kept = append(kept, n)
		}
	}
	s.nodes = kept
}

func containsID(ids []SchedulerID, id SchedulerID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func appendID(ids []SchedulerID, id SchedulerID) []SchedulerID {
	if containsID(ids, id) {
		return ids
	}
	return append(ids, id)
}
