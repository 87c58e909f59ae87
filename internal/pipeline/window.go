package pipeline

import (
	"errors"
	"fmt"
	"time"
)

var ErrEmptyWindow = errors.New("empty time window")

// Window bounds the entity timestamps a live stage looks at. Both ends are
// inclusive.
type Window struct {
	Since time.Time
	Until time.Time
}

// Trailing is the window of length d ending at until.
func Trailing(until time.Time, d time.Duration) Window {
	return Window{Since: until.Add(-d), Until: until}
}

func (w Window) Validate() error {
	if w.Since.IsZero() || w.Until.IsZero() {
		return fmt.Errorf("window %s..%s: %w", w.Since.Format(time.RFC3339), w.Until.Format(time.RFC3339), ErrEmptyWindow)
	}
	if !w.Until.After(w.Since) {
		return fmt.Errorf("window %s..%s is inverted: %w", w.Since.Format(time.RFC3339), w.Until.Format(time.RFC3339), ErrEmptyWindow)
	}
	return nil
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Since) && !t.After(w.Until)
}
