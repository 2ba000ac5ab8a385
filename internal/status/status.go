// internal/status/status.go

package status

import "errors"

// Code is the outcome of a thread queue or resource operation as seen by the
// directive layer. Only Successful means the operation was satisfied.
type Code uint8

const (
	Successful Code = iota
	Timeout
	CeilingViolated
	Deadlock
	NotOwner
	Unavailable
	ObjectWasDeleted
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrCeilingViolated  = errors.New("ceiling violated")
	ErrDeadlock         = errors.New("deadlock")
	ErrNotOwner         = errors.New("not owner")
	ErrUnavailable      = errors.New("unavailable")
	ErrObjectWasDeleted = errors.New("object was deleted")
)

func (c Code) String() string {
	switch c {
	case Successful:
		return "Successful"
	case Timeout:
		return "Timeout"
	case CeilingViolated:
		return "CeilingViolated"
	case Deadlock:
		return "Deadlock"
	case NotOwner:
		return "NotOwner"
	case Unavailable:
		return "Unavailable"
	case ObjectWasDeleted:
		return "ObjectWasDeleted"
	default:
		return "Unknown"
	}
}

// Err maps the code to its sentinel error, nil for Successful.
func (c Code) Err() error {
	switch c {
	case Successful:
		return nil
	case Timeout:
		return ErrTimeout
	case CeilingViolated:
		return ErrCeilingViolated
	case Deadlock:
		return ErrDeadlock
	case NotOwner:
		return ErrNotOwner
	case Unavailable:
		return ErrUnavailable
	case ObjectWasDeleted:
		return ErrObjectWasDeleted
	default:
		return errors.New("unknown status")
	}
}

// FromErr is the inverse of Err. Errors outside the taxonomy map to
// Unavailable.
func FromErr(err error) Code {
	switch {
	case err == nil:
		return Successful
	case errors.Is(err, ErrTimeout):
		return Timeout
	case errors.Is(err, ErrCeilingViolated):
		return CeilingViolated
	case errors.Is(err, ErrDeadlock):
		return Deadlock
	case errors.Is(err, ErrNotOwner):
		return NotOwner
	case errors.Is(err, ErrObjectWasDeleted):
		return ObjectWasDeleted
	default:
		return Unavailable
	}
}

// Parse returns the code with the given name, as written by String.
func Parse(name string) (Code, bool) {
	for c := Successful; c <= ObjectWasDeleted; c++ {
		if c.String() == name {
			return c, true
		}
	}
	return 0, false
}
