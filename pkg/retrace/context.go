package retrace

import "github.com/grafana/retrace/pkg/mapping"

// StackTraceContext carries state from one resolved frame of a stack trace
// to the next. The zero value is the context at the start of a trace.
// Contexts are values: every operation returns a new one.
type StackTraceContext struct {
	outlinePosition Position
	callsite        *mapping.OutlineCallsite
	thrown          string
}

// IsEmpty reports whether the context carries nothing.
func (c StackTraceContext) IsEmpty() bool {
	return !c.outlinePosition.Valid && c.callsite == nil && c.thrown == ""
}

// WithThrownException returns a fresh context recording the original name
// of the exception thrown by the frames that follow.
func (c StackTraceContext) WithThrownException(originalClass string) StackTraceContext {
	return StackTraceContext{thrown: originalClass}
}

// ThrownException returns the exception recorded in the context.
func (c StackTraceContext) ThrownException() (string, bool) { return c.thrown, c.thrown != "" }

// Position is an optional line number.
type Position struct {
	Line  int
	Valid bool
}

// At returns a position for line.
func At(line int) Position { return Position{Line: line, Valid: true} }

// NoPosition is a frame without a line number.
var NoPosition = Position{}
