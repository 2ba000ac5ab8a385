// internal/trace/event.go

package trace

import "time"

// Kind represents the type of a traced kernel event.
type Kind int

const (
	KindTick Kind = iota
	KindEnqueue
	KindBlock
	KindUnblock
	KindSurrender
	KindExtract
	KindTimeout
	KindPriority
	KindAddHelper
	KindRemoveHelper
	KindYield
	KindObtain
	KindRelease
	KindSuspend
	KindResume
	KindProcessor
	KindFatal
	KindDelay
)

// Event is emitted on every state change of the core.
type Event struct {
	Time      time.Time
	Tick      uint64
	Kind      Kind
	Thread    string
	Scheduler string
	Object    string
	Value     int64
	Note      string
}

func (k Kind) String() string {
	switch k {
	case KindTick:
		return "Tick"
	case KindEnqueue:
		return "Enqueue"
	case KindBlock:
		return "Block"
	case KindUnblock:
		return "Unblock"
	case KindSurrender:
		return "Surrender"
	case KindExtract:
		return "Extract"
	case KindTimeout:
		return "Timeout"
	case KindPriority:
		return "Priority"
	case KindAddHelper:
		return "AddHelper"
	case KindRemoveHelper:
		return "RemoveHelper"
	case KindYield:
		return "Yield"
	case KindObtain:
		return "Obtain"
	case KindRelease:
		return "Release"
	case KindSuspend:
		return "Suspend"
	case KindResume:
		return "Resume"
	case KindProcessor:
		return "Processor"
	case KindFatal:
		return "Fatal"
	case KindDelay:
		return "Delay"
	default:
		return "Unknown"
	}
}

// Recorder receives events. Implementations must be safe for concurrent use
// and must not call back into the core.
type Recorder interface {
	Record(Event)
}

type discard struct{}

func (discard) Record(Event) {}

// Discard drops every event.
var Discard Recorder = discard{}
