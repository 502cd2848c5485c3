// Package retrace resolves obfuscated classes, members and stack frames
// against a mapping and rewrites stack traces line by line.
package retrace

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/grafana/retrace/pkg/diagnostics"
	"github.com/grafana/retrace/pkg/mapping"
)

// Retracer answers lookups against one mapping. It holds no per-trace
// state and is safe for concurrent use.
type Retracer struct {
	model *mapping.Model
	sink  diagnostics.Sink
}

type Option func(*Retracer)

// WithDiagnostics sets the sink for lookup warnings.
func WithDiagnostics(sink diagnostics.Sink) Option {
	return func(r *Retracer) { r.sink = diagnostics.OrDiscard(sink) }
}

// New returns a Retracer for model. A nil model behaves as an empty mapping.
func New(model *mapping.Model, opts ...Option) *Retracer {
	if model == nil {
		model = mapping.Empty()
	}
	r := &Retracer{model: model, sink: diagnostics.Discard}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Retracer) Model() *mapping.Model { return r.model }

func (r *Retracer) RetraceClass(obfuscated string) ClassResult {
	c, _ := r.model.Class(obfuscated)
	return ClassResult{Obfuscated: obfuscated, class: c}
}

// RetraceType retraces a type name such as "a.b[]". Primitive types and
// unknown classes are returned unchanged with false.
func (r *Retracer) RetraceType(name string) (string, bool) {
	base := strings.TrimRight(name, "[]")
	if base == "" || mapping.IsPrimitive(base) {
		return name, false
	}
	c, ok := r.model.Class(base)
	if !ok {
		return name, false
	}
	return c.OriginalName + name[len(base):], true
}

func (r *Retracer) RetraceField(class, field string) FieldResult {
	c, ok := r.model.Class(class)
	if !ok {
		return FieldResult{}
	}
	return newResult(lo.Map(c.Fields(field), func(f *mapping.FieldMapping, _ int) Field {
		return Field{Class: c.OriginalName, Name: f.Name, Type: f.Type, CompilerSynthesized: f.IsCompilerSynthesized()}
	}))
}

// RetraceMethod returns every method renamed to method in class. It fails
// when a residual signature of one of them is not a valid descriptor.
func (r *Retracer) RetraceMethod(class, method string) (MethodResult, error) {
	c, ok := r.model.Class(class)
	if !ok {
		return MethodResult{}, nil
	}
	methods := c.Methods(method)
	out := make([]Method, 0, len(methods))
	for _, m := range methods {
		residual, err := residualDescriptor(m)
		if err != nil {
			return MethodResult{}, err
		}
		frame := r.frame(c, m.Signature, 0, 0, false, m.IsCompilerSynthesized())
		out = append(out, Method{
			Class:               frame.Class,
			Signature:           frame.Method,
			Residual:            residual,
			CompilerSynthesized: frame.CompilerSynthesized,
			Outline:             m.IsOutline() || c.IsOutline(),
		})
	}
	return newResult(out), nil
}

// FrameQuery identifies an obfuscated stack frame.
type FrameQuery struct {
	Class    string
	Method   string
	Position Position
	// Arguments are the obfuscated parameter types printed with the frame.
	// A nil slice means the line carries no argument list.
	Arguments []string
}

// RetraceFrame resolves a stack frame. The returned context must be passed
// to the next frame of the same trace.
func (r *Retracer) RetraceFrame(ctx StackTraceContext, class, method string, pos Position) (FrameResult, StackTraceContext, error) {
	return r.Frame(ctx, FrameQuery{Class: class, Method: method, Position: pos})
}

// Frame resolves q. Every candidate is an inline chain ordered from the
// innermost frame out. Candidates whose range contains the line come first,
// single-line ranges before wider ones and later declarations before
// earlier ones.
func (r *Retracer) Frame(ctx StackTraceContext, q FrameQuery) (FrameResult, StackTraceContext, error) {
	var next StackTraceContext
	c, ok := r.model.Class(q.Class)
	if !ok {
		return FrameResult{}, next, nil
	}
	methods := c.Methods(q.Method)
	if len(methods) == 0 {
		return FrameResult{}, next, nil
	}
	residuals := make(map[*mapping.MethodMapping]*mapping.MethodDescriptor, len(methods))
	for _, m := range methods {
		d, err := residualDescriptor(m)
		if err != nil {
			return FrameResult{}, next, err
		}
		residuals[m] = d
	}
	methods = narrowByArity(methods, residuals, q.Arguments)

	pos := q.Position
	if ctx.outlinePosition.Valid && pos.Valid {
		if moved, ok := callsitePosition(methods, pos.Line, ctx.outlinePosition.Line); ok {
			pos = At(moved)
		} else if hasCallsite(methods, pos.Line) {
			r.sink.Report(diagnostics.Warningf(diagnostics.Position{}, "no outline callsite position %d in %s.%s", ctx.outlinePosition.Line, c.OriginalName, q.Method))
		}
	}

	candidates := selectCandidates(methods, pos)
	chains := make([]FrameChain, 0, len(candidates))
	for _, cand := range candidates {
		chain := r.chain(c, cand, pos)
		if pos.Valid {
			outline := cand.method.IsOutline() || c.IsOutline()
			if ctx.callsite != nil && calleeOf(c, cand.method, ctx.callsite, outline) {
				if p, ok := ctx.callsite.Lookup(pos.Line); ok {
					chain[0].Line, chain[0].HasLine = p, true
				}
			} else if outline {
				for i := range chain {
					chain[i].Outline = true
				}
				next.outlinePosition = pos
			}
		}
		if cand.head != nil {
			if next.callsite == nil {
				if cs, ok := chainCallsite(cand.head); ok {
					next.callsite = &cs
				}
			}
			if ctx.thrown != "" {
				applyRewrite(chain, cand.head, ctx.thrown)
			}
		}
		chains = append(chains, chain)
	}
	return newResult(chains), next, nil
}

type candidate struct {
	method *mapping.MethodMapping
	// head is nil for a candidate without position.
	head      *mapping.MappedRange
	contained bool
}

func selectCandidates(methods []*mapping.MethodMapping, pos Position) []candidate {
	if !pos.Valid {
		return lo.Map(methods, func(m *mapping.MethodMapping, _ int) candidate { return candidate{method: m} })
	}
	var contained []candidate
	for _, m := range methods {
		for _, head := range m.Ranges {
			if head.Obfuscated != nil && head.Obfuscated.Contains(pos.Line) {
				contained = append(contained, candidate{method: m, head: head, contained: true})
			}
		}
	}
	if len(contained) > 0 {
		sort.SliceStable(contained, func(i, j int) bool {
			a, b := contained[i].head, contained[j].head
			if a.Obfuscated.IsSingleLine() != b.Obfuscated.IsSingleLine() {
				return a.Obfuscated.IsSingleLine()
			}
			return a.Seq() > b.Seq()
		})
		return contained
	}
	out := make([]candidate, 0, len(methods))
	for _, m := range methods {
		if len(m.Ranges) == 1 {
			out = append(out, candidate{method: m, head: m.Ranges[0]})
			continue
		}
		out = append(out, candidate{method: m})
	}
	return out
}

func (r *Retracer) chain(c *mapping.ClassMapping, cand candidate, pos Position) FrameChain {
	if cand.head == nil {
		return FrameChain{r.frame(c, cand.method.Signature, 0, 0, false, cand.method.IsCompilerSynthesized())}
	}
	links := cand.head.Chain()
	chain := make(FrameChain, len(links))
	for i, l := range links {
		line, has := 0, false
		switch {
		case cand.contained:
			line, has = l.OriginalLine(pos.Line), true
		case l.Original != nil && l.Original.IsSingleLine():
			line, has = l.Original.Start, true
		}
		synthesized := l.IsCompilerSynthesized() || (i == len(links)-1 && cand.method.IsCompilerSynthesized())
		chain[i] = r.frame(c, l.Method, i, line, has, synthesized)
	}
	return chain
}

func (r *Retracer) frame(c *mapping.ClassMapping, sig mapping.MethodSignature, depth, line int, hasLine, synthesized bool) Frame {
	holder := c.OriginalName
	sourceFile, _ := c.SourceFile()
	if sig.Holder != "" && sig.Holder != c.OriginalName {
		holder, sourceFile = sig.Holder, ""
		if hc, ok := r.model.ClassByOriginal(holder); ok {
			sourceFile, _ = hc.SourceFile()
		}
	}
	sig.Holder = ""
	return Frame{
		Class:               holder,
		Method:              sig,
		Line:                line,
		HasLine:             hasLine,
		Depth:               depth,
		CompilerSynthesized: synthesized,
		sourceFile:          sourceFile,
	}
}

func residualDescriptor(m *mapping.MethodMapping) (*mapping.MethodDescriptor, error) {
	raw, ok := m.ResidualSignature()
	if !ok {
		return nil, nil
	}
	d, err := mapping.ParseMethodDescriptor(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "residual signature of %s -> %s", m.Signature, m.ObfuscatedName)
	}
	return &d, nil
}

// narrowByArity keeps the methods taking len(args) parameters, unless
// none does.
func narrowByArity(methods []*mapping.MethodMapping, residuals map[*mapping.MethodMapping]*mapping.MethodDescriptor, args []string) []*mapping.MethodMapping {
	if args == nil {
		return methods
	}
	out := lo.Filter(methods, func(m *mapping.MethodMapping, _ int) bool {
		n := len(m.Signature.Parameters)
		if d := residuals[m]; d != nil {
			n = len(d.Parameters)
		}
		return n == len(args)
	})
	if len(out) == 0 {
		return methods
	}
	return out
}

// callsitePosition maps an outline position through the outline callsite
// of the range containing line.
func callsitePosition(methods []*mapping.MethodMapping, line, outlinePosition int) (int, bool) {
	for _, m := range methods {
		for _, head := range m.Ranges {
			if head.Obfuscated == nil || !head.Obfuscated.Contains(line) {
				continue
			}
			if cs, ok := chainCallsite(head); ok {
				if p, ok := cs.Lookup(outlinePosition); ok {
					return p, true
				}
			}
		}
	}
	return 0, false
}

func hasCallsite(methods []*mapping.MethodMapping, line int) bool {
	for _, m := range methods {
		for _, head := range m.Ranges {
			if head.Obfuscated == nil || !head.Obfuscated.Contains(line) {
				continue
			}
			if _, ok := chainCallsite(head); ok {
				return true
			}
		}
	}
	return false
}

func chainCallsite(head *mapping.MappedRange) (mapping.OutlineCallsite, bool) {
	for l := head; l != nil; l = l.Caller {
		if cs, ok := l.OutlineCallsite(); ok {
			return cs, true
		}
	}
	return mapping.OutlineCallsite{}, false
}

// calleeOf reports whether method m of class c is the outline invoked by
// the callsite recorded in the context. A callsite naming its outline
// matches that method only; otherwise any method tagged as an outline
// matches.
func calleeOf(c *mapping.ClassMapping, m *mapping.MethodMapping, cs *mapping.OutlineCallsite, outline bool) bool {
	if cs.OutlineSignature == "" {
		return outline
	}
	ref, err := mapping.ParseMethodReference(cs.OutlineSignature)
	if err != nil {
		return outline
	}
	return ref.Class == c.ObfuscatedName && ref.Name == m.ObfuscatedName
}

func applyRewrite(chain FrameChain, head *mapping.MappedRange, thrown string) {
	n := 0
	for l := head; l != nil; l = l.Caller {
		for _, rf := range l.RewriteFrames() {
			if throws(rf, thrown) {
				n += rf.RemovedInnerFrames()
			}
		}
	}
	for i := 0; i < n && i < len(chain); i++ {
		chain[i].RemovedByRewrite = true
	}
}

func throws(rf mapping.RewriteFrame, thrown string) bool {
	for _, desc := range rf.ThrownDescriptors() {
		if t, err := mapping.TypeFromDescriptor(desc); err == nil && t == thrown {
			return true
		}
	}
	return false
}
