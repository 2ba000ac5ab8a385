// internal/fatal/fatal.go

package fatal

import (
	"errors"
	"fmt"
)

// Source names the subsystem that detected an invariant violation.
type Source uint8

const (
	SourceThreadQueue Source = iota + 1
	SourcePriority
	SourceWatchdog
)

func (s Source) String() string {
	switch s {
	case SourceThreadQueue:
		return "ThreadQueue"
	case SourcePriority:
		return "Priority"
	case SourceWatchdog:
		return "Watchdog"
	default:
		return "Unknown"
	}
}

// Code identifies the violated invariant within its source.
type Code uint8

const (
	NotEnqueued Code = iota + 1
	InconsistentWaitFlags
	NodeSetFull
	TimerState
)

func (c Code) String() string {
	switch c {
	case NotEnqueued:
		return "NotEnqueued"
	case InconsistentWaitFlags:
		return "InconsistentWaitFlags"
	case NodeSetFull:
		return "NodeSetFull"
	case TimerState:
		return "TimerState"
	default:
		return "Unknown"
	}
}

// ErrHalted is returned by every operation once a fatal error was reported.
var ErrHalted = errors.New("system halted after fatal error")

// Error is an unrecoverable invariant violation. It must be routed to the
// halt handler, never retried or translated into a status.
type Error struct {
	Source Source
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("fatal %s/%s", e.Source, e.Code)
	}
	return fmt.Sprintf("fatal %s/%s: %s", e.Source, e.Code, e.Detail)
}

// New returns a fatal error with a formatted detail message.
func New(src Source, code Code, format string, args ...any) *Error {
	return &Error{Source: src, Code: code, Detail: fmt.Sprintf(format, args...)}
}

// As extracts the fatal error from an error chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// Handler receives the first fatal error of a system.
type Handler func(*Error)
