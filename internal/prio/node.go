// internal/prio/node.go

package prio

import "fmt"

// Priority is a scheduling priority. Lower values are more urgent.
type Priority uint32

const (
	MostUrgent  Priority = 0
	LeastUrgent Priority = 255
)

// More reports whether p is strictly more urgent than q.
func (p Priority) More(q Priority) bool { return p < q }

// SchedulerID identifies one scheduler instance.
type SchedulerID uint32

// ThreadID identifies a thread in the thread arena.
type ThreadID uint32

// ResourceID identifies the object that contributed an inherited node.
type ResourceID uint32

// Source tells whether a node is the thread's own base priority or was
// inherited from a resource.
type Source uint8

const (
	SourceBase Source = iota
	SourceInherited
)

func (s Source) String() string {
	switch s {
	case SourceBase:
		return "Base"
	case SourceInherited:
		return "Inherited"
	default:
		return "Unknown"
	}
}

// Node is one contribution to a thread's priority on one scheduler.
type Node struct {
	Scheduler SchedulerID
	Value     Priority
	Source    Source
	Resource  ResourceID // valid for SourceInherited only
	Ceiling   bool       // installed by a ceiling protocol

	seq uint64 // attach order, used as the tie-break
}

func (n Node) String() string {
	if n.Source == SourceBase {
		return fmt.Sprintf("{sched=%d prio=%d base}", n.Scheduler, n.Value)
	}
	return fmt.Sprintf("{sched=%d prio=%d from=%d}", n.Scheduler, n.Value, n.Resource)
}

// wins reports whether n beats b as the winning node of a scheduler: the
// lower value wins, among equal values the most recently attached node wins.
func (n Node) wins(b Node) bool {
	if n.Value != b.Value {
		return n.Value < b.Value
	}
	return n.seq > b.seq
}

// Inherited builds an inherited node contributed by resource r.
func Inherited(s SchedulerID, v Priority, r ResourceID) Node {
	return Node{Scheduler: s, Value: v, Source: SourceInherited, Resource: r}
}
