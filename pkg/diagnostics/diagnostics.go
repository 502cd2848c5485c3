// Package diagnostics carries structured warnings and errors out of the
// mapping parser and the retrace engine.
package diagnostics

import (
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Position is a 1-based line and column. A zero value means no position.
type Position struct {
	Line   int
	Column int
}

func (p Position) IsZero() bool { return p.Line == 0 && p.Column == 0 }

func (p Position) String() string {
	if p.Column == 0 {
		return fmt.Sprintf("%d", p.Line)
	}
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

type Diagnostic struct {
	Severity Severity
	Message  string
	Position Position
}

func (d Diagnostic) String() string {
	if d.Position.IsZero() {
		return fmt.Sprintf("%s: %s", d.Severity, d.Message)
	}
	return fmt.Sprintf("%s: line %s: %s", d.Severity, d.Position, d.Message)
}

func Warningf(pos Position, format string, args ...any) Diagnostic {
	return Diagnostic{Severity: SeverityWarning, Message: fmt.Sprintf(format, args...), Position: pos}
}

func Errorf(pos Position, format string, args ...any) Diagnostic {
	return Diagnostic{Severity: SeverityError, Message: fmt.Sprintf(format, args...), Position: pos}
}

// Sink receives diagnostics. Implementations must be safe for concurrent use.
type Sink interface {
	Report(Diagnostic)
}

type SinkFunc func(Diagnostic)

func (f SinkFunc) Report(d Diagnostic) { f(d) }

// Discard drops everything reported to it.
var Discard Sink = SinkFunc(func(Diagnostic) {})

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}

// Collector keeps every reported diagnostic in order.
type Collector struct {
	mu    sync.Mutex
	diags []Diagnostic
}

func NewCollector() *Collector { return &Collector{} }

func (c *Collector) Report(d Diagnostic) {
	c.mu.Lock()
	c.diags = append(c.diags, d)
	c.mu.Unlock()
}

func (c *Collector) Diagnostics() []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Diagnostic, len(c.diags))
	copy(out, c.diags)
	return out
}

func (c *Collector) Warnings() []Diagnostic { return c.filter(SeverityWarning) }

func (c *Collector) Errors() []Diagnostic { return c.filter(SeverityError) }

func (c *Collector) filter(s Severity) []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Diagnostic
	for _, d := range c.diags {
		if d.Severity == s {
			out = append(out, d)
		}
	}
	return out
}

type loggerSink struct {
	logger log.Logger
}

// NewLoggerSink forwards diagnostics to a go-kit logger: warnings at warn
// level, errors at error level.
func NewLoggerSink(logger log.Logger) Sink {
	return &loggerSink{logger: logger}
}

func (s *loggerSink) Report(d Diagnostic) {
	l := level.Warn(s.logger)
	if d.Severity == SeverityError {
		l = level.Error(s.logger)
	}
	if d.Position.IsZero() {
		_ = l.Log("msg", d.Message)
		return
	}
	_ = l.Log("msg", d.Message, "line", d.Position.Line, "column", d.Position.Column)
}

// Tee reports to every non-nil sink.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(d Diagnostic) {
		for _, s := range sinks {
			if s != nil {
				s.Report(d)
			}
		}
	})
}
