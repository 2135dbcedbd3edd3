// Package clock provides the single time port used across the core.
// Go's time.Time already carries a monotonic reading alongside the
// wall-clock one (since go1.9) and Sub/After/Before use it automatically,
// so one injectable port covers both the steady-clock comparisons and the
// wall-clock timestamps the original split across two C++ types.
package clock

import "time"

// Clock is swappable for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Real is the production clock, backed by time.Now.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// ISO8601 formats t as UTC with millisecond precision and a "Z" suffix,
// e.g. 2026-08-03T10:15:30.123Z.
func ISO8601(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
