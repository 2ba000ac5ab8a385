package status

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrRoundTrip(t *testing.T) {
	for c := Successful; c <= ObjectWasDeleted; c++ {
		err := c.Err()
		if c == Successful && err != nil {
			t.Fatalf("Successful maps to %v", err)
		}
		wrapped := fmt.Errorf("obtain: %w", err)
		if err == nil {
			wrapped = nil
		}
		if got := FromErr(wrapped); got != c {
			t.Errorf("FromErr(%v) = %v, want %v", wrapped, got, c)
		}
		if p, ok := Parse(c.String()); !ok || p != c {
			t.Errorf("Parse(%q) = %v,%v", c.String(), p, ok)
		}
	}
}

func TestForeignErrorIsUnavailable(t *testing.T) {
	if got := FromErr(errors.New("boom")); got != Unavailable {
		t.Fatalf("got %v", got)
	}
}
