package retrace

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/grafana/retrace/pkg/iter"
	"github.com/grafana/retrace/pkg/stacktrace"
)

type AmbiguityPolicy string

const (
	// AllAlternatives prints every candidate, marking all but the first.
	AllAlternatives AmbiguityPolicy = "all"
	// FirstAlternative prints the first candidate only.
	FirstAlternative AmbiguityPolicy = "first"
)

const DefaultOrMarker = "<OR> "

type Options struct {
	Verbose bool `yaml:"verbose"`
	// ShowHidden keeps frames that are hidden by default: compiler
	// synthesized frames next to original ones, outline bodies and frames
	// removed by rewrite rules.
	ShowHidden bool            `yaml:"show_hidden"`
	Ambiguity  AmbiguityPolicy `yaml:"ambiguity"`
	OrMarker   string          `yaml:"or_marker"`
}

func (o *Options) RegisterFlags(f *flag.FlagSet) {
	f.BoolVar(&o.Verbose, "retrace.verbose", false, "Print full method signatures and field types.")
	f.BoolVar(&o.ShowHidden, "retrace.show-hidden", false, "Print synthesized, outline and rewritten frames.")
	f.StringVar((*string)(&o.Ambiguity), "retrace.ambiguity", string(AllAlternatives), "How to print ambiguous frames: all or first.")
	f.StringVar(&o.OrMarker, "retrace.or-marker", DefaultOrMarker, "Prefix of alternative frames.")
}

func (o *Options) Validate() error {
	switch o.Ambiguity {
	case "", AllAlternatives, FirstAlternative:
		return nil
	default:
		return fmt.Errorf("invalid ambiguity policy %q, must be %q or %q", o.Ambiguity, AllAlternatives, FirstAlternative)
	}
}

// Session rewrites the lines of stack traces. It keeps no state between
// calls and is safe for concurrent use; the per-trace state is the
// StackTraceContext threaded by the caller or by Retrace.
type Session struct {
	retracer *Retracer
	parser   *stacktrace.Parser
	opts     Options
}

// NewSession returns a session. A nil parser uses stacktrace.Default.
func NewSession(r *Retracer, p *stacktrace.Parser, opts Options) *Session {
	if p == nil {
		p = stacktrace.Default()
	}
	if opts.Ambiguity == "" {
		opts.Ambiguity = AllAlternatives
	}
	if opts.OrMarker == "" {
		opts.OrMarker = DefaultOrMarker
	}
	return &Session{retracer: r, parser: p, opts: opts}
}

// Retrace rewrites a whole trace.
func (s *Session) Retrace(lines []string) ([]string, error) {
	return iter.Slice(s.RetraceIterator(iter.NewSliceIterator(lines)))
}

// RetraceIterator rewrites the lines pulled from lines as they are read.
func (s *Session) RetraceIterator(lines iter.Iterator[string]) iter.Iterator[string] {
	return &sessionIterator{session: s, lines: lines}
}

// RetraceLine rewrites one line. It returns the output lines and the
// context for the next line of the same trace.
func (s *Session) RetraceLine(ctx StackTraceContext, line string) ([]string, StackTraceContext, error) {
	e := s.parser.Parse(line)
	if !e.Matched() || len(e.Tokens()) == 0 {
		return []string{line}, ctx, nil
	}
	r := &renderer{session: s, element: e, classes: s.classes(e)}

	if method, ok := e.First(stacktrace.KindMethod); ok && len(r.classes) > 0 {
		q := FrameQuery{
			Class:  r.classes[0].Obfuscated,
			Method: method.Text,
		}
		if n, ok := e.LineNumber(); ok {
			q.Position = At(n)
		}
		if e.HasArguments() {
			q.Arguments = make([]string, 0, len(e.Arguments()))
			for _, a := range e.Arguments() {
				q.Arguments = append(q.Arguments, a.Text)
			}
		}
		res, next, err := s.retracer.Frame(ctx, q)
		if err != nil {
			return nil, next, err
		}
		return r.frames(res), next, nil
	}
	if field, ok := e.First(stacktrace.KindField); ok && len(r.classes) > 0 {
		return r.fields(s.retracer.RetraceField(r.classes[0].Obfuscated, field.Text)), ctx, nil
	}
	if len(r.classes) > 0 {
		ctx = ctx.WithThrownException(r.classes[0].Name())
	}
	return []string{r.render(nil, nil)}, ctx, nil
}

func (s *Session) classes(e *stacktrace.Element) []ClassResult {
	tokens := e.Classes()
	out := make([]ClassResult, len(tokens))
	for i, t := range tokens {
		out[i] = s.retracer.RetraceClass(t.ClassName())
	}
	return out
}

type sessionIterator struct {
	session *Session
	lines   iter.Iterator[string]
	ctx     StackTraceContext
	pending []string
	cur     string
	n       int
	err     error
}

func (i *sessionIterator) Next() bool {
	for len(i.pending) == 0 {
		if i.err != nil || !i.lines.Next() {
			if i.err == nil {
				i.err = i.lines.Err()
			}
			i.cur = ""
			return false
		}
		i.n++
		out, next, err := i.session.RetraceLine(i.ctx, i.lines.At())
		if err != nil {
			i.err = errors.Wrapf(err, "retrace line %d", i.n)
			return false
		}
		i.ctx, i.pending = next, out
	}
	i.cur, i.pending = i.pending[0], i.pending[1:]
	return true
}

func (i *sessionIterator) At() string { return i.cur }

func (i *sessionIterator) Err() error { return i.err }

func (i *sessionIterator) Close() error { return i.lines.Close() }

type renderer struct {
	session *Session
	element *stacktrace.Element
	classes []ClassResult
}

func (r *renderer) frames(res FrameResult) []string {
	if res.IsUnknown() {
		return []string{r.render(nil, nil)}
	}
	var out []string
	seen := make(map[string]bool)
	for _, alt := range res.Candidates() {
		if len(out) > 0 && r.session.opts.Ambiguity == FirstAlternative {
			break
		}
		var lines []string
		for _, f := range r.session.visible(alt) {
			f := f
			lines = append(lines, r.render(&f, nil))
		}
		if len(lines) == 0 {
			continue
		}
		key := strings.Join(lines, "\n")
		if seen[key] {
			continue
		}
		seen[key] = true
		if len(out) > 0 {
			lines[0] = insertMarker(lines[0], r.session.opts.OrMarker)
		}
		out = append(out, lines...)
	}
	return out
}

func (r *renderer) fields(res FieldResult) []string {
	if res.IsUnknown() {
		return []string{r.render(nil, nil)}
	}
	alternatives := res.Candidates()
	if r.session.opts.Ambiguity == FirstAlternative {
		alternatives = alternatives[:1]
	}
	var out []string
	seen := make(map[string]bool)
	for _, f := range alternatives {
		f := f
		line := r.render(nil, &f)
		if seen[line] {
			continue
		}
		seen[line] = true
		if len(out) > 0 {
			line = insertMarker(line, r.session.opts.OrMarker)
		}
		out = append(out, line)
	}
	return out
}

// visible filters the frames of one candidate per the session options.
// Synthesized frames are only hidden when an original frame remains.
func (s *Session) visible(chain FrameChain) FrameChain {
	if s.opts.ShowHidden {
		return chain
	}
	out := make(FrameChain, 0, len(chain))
	original := false
	for _, f := range chain {
		if f.RemovedByRewrite || f.Outline {
			continue
		}
		out = append(out, f)
		original = original || !f.CompilerSynthesized
	}
	if !original {
		return out
	}
	kept := out[:0]
	for _, f := range out {
		if !f.CompilerSynthesized {
			kept = append(kept, f)
		}
	}
	return kept
}

func insertMarker(line, marker string) string {
	indent := len(line) - len(strings.TrimLeft(line, " \t"))
	return line[:indent] + marker + line[indent:]
}

// render rewrites the line for one frame or one field; both nil renders
// the classes alone.
func (r *renderer) render(frame *Frame, field *Field) string {
	verbose := r.session.opts.Verbose
	return r.element.Rewrite(func(t stacktrace.Token) string {
		switch t.Kind {
		case stacktrace.KindClass, stacktrace.KindBinaryClass:
			name := r.className(t, frame, field)
			if t.Kind == stacktrace.KindBinaryClass {
				return strings.ReplaceAll(name, ".", "/")
			}
			return name
		case stacktrace.KindMethod:
			if frame == nil {
				return t.Text
			}
			return frame.MethodName(verbose)
		case stacktrace.KindField:
			if field == nil {
				return t.Text
			}
			if verbose {
				return field.Verbose()
			}
			return field.Name
		case stacktrace.KindSourceFile:
			switch {
			case frame != nil:
				return frame.SourceFile(t.Text)
			case len(r.classes) > 0:
				return r.classes[0].SourceFile(t.Text)
			}
			return t.Text
		case stacktrace.KindLine:
			return r.lineNumber(t, frame)
		case stacktrace.KindType, stacktrace.KindArgument:
			name, _ := r.session.retracer.RetraceType(t.Text)
			return name
		}
		return t.Text
	})
}

func (r *renderer) className(t stacktrace.Token, frame *Frame, field *Field) string {
	if t.Index == 0 {
		switch {
		case frame != nil:
			return frame.Class
		case field != nil:
			return field.Class
		}
	}
	if t.Index < len(r.classes) {
		return r.classes[t.Index].Name()
	}
	return t.Text
}

func (r *renderer) lineNumber(t stacktrace.Token, frame *Frame) string {
	obfuscated, ok := t.Number()
	if frame == nil || !ok {
		return t.Text
	}
	line := frame.LineOr(obfuscated)
	if line <= 0 {
		return ""
	}
	if t.Separator {
		return ":" + strconv.Itoa(line)
	}
	return strconv.Itoa(line)
}
