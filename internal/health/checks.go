package health

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Flag returns a [Checker] that passes while ok reports true and otherwise
// fails with reason.
func Flag(name string, ok func() bool, reason string) Checker {
	return Checker{
		Name: name,
		Check: func(_ context.Context) error {
			if ok() {
				return nil
			}
			return errors.New(reason)
		},
	}
}

// Freshness returns a [Checker] that fails when last reports a time older
// than maxAge, or the zero time. It is used to detect a stalled pipeline:
// while audio is flowing a frame is decoded every hop.
func Freshness(name string, last func() time.Time, maxAge time.Duration, now func() time.Time) Checker {
	if now == nil {
		now = time.Now
	}
	return Checker{
		Name: name,
		Check: func(_ context.Context) error {
			t := last()
			if t.IsZero() {
				return errors.New("no activity yet")
			}
			if age := now().Sub(t); age > maxAge {
				return fmt.Errorf("last activity %s ago exceeds %s", age.Round(time.Millisecond), maxAge)
			}
			return nil
		},
	}
}
