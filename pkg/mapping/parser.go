package mapping

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/grafana/retrace/pkg/diagnostics"
	"github.com/grafana/retrace/pkg/iter"
)

// ErrBinaryInput is returned for input that is not mapping text, such as a
// compressed file that was not decompressed.
var ErrBinaryInput = errors.New("mapping input is binary")

// ParseError describes a mapping line that could not be read. Err is the
// failure of the line supplier, if any.
type ParseError struct {
	Line    int
	Column  int
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Column == 0 {
		return fmt.Sprintf("line %d: %s", e.Line, msg)
	}
	return fmt.Sprintf("line %d:%d: %s", e.Line, e.Column, msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse reads a mapping from lines. Lines that cannot be read are reported
// as warnings and skipped. Every diagnostic is sent to sink, which may be
// nil, and returned. The error is non-nil only when lines fails or the
// input is not text.
func Parse(lines iter.Iterator[string], sink diagnostics.Sink) (*Model, []diagnostics.Diagnostic, error) {
	collector := diagnostics.NewCollector()
	p := &parser{
		sink:  diagnostics.Tee(collector, sink),
		model: newModel(),
	}
	defer lines.Close()
	for lines.Next() {
		p.lineNo++
		line := lines.At()
		if p.lineNo == 1 && strings.IndexByte(line, 0) >= 0 {
			return nil, collector.Diagnostics(), ErrBinaryInput
		}
		p.parseLine(line)
	}
	if err := lines.Err(); err != nil {
		return nil, collector.Diagnostics(), &ParseError{Line: p.lineNo + 1, Message: "reading mapping", Err: err}
	}
	p.closeChain()
	return p.model, collector.Diagnostics(), nil
}

// ParseString parses a mapping held in memory.
func ParseString(s string, sink diagnostics.Sink) (*Model, []diagnostics.Diagnostic, error) {
	return Parse(iter.NewLineIterator(strings.NewReader(s)), sink)
}

// ParseReader parses a mapping read lazily from r.
func ParseReader(r io.Reader, sink diagnostics.Sink) (*Model, []diagnostics.Diagnostic, error) {
	return Parse(iter.NewLineIterator(r), sink)
}

type targetKind int

const (
	targetNone targetKind = iota
	targetClass
	targetField
	targetMethod
	targetRange
)

type parser struct {
	sink  diagnostics.Sink
	model *Model

	lineNo int
	seq    int

	class    *ClassMapping
	skipping bool
	chain    chainBuilder

	target      targetKind
	field       *FieldMapping
	method      *MethodMapping
	mappedRange *MappedRange
}

func (p *parser) warn(column int, format string, args ...any) {
	p.sink.Report(diagnostics.Warningf(diagnostics.Position{Line: p.lineNo, Column: column}, format, args...))
}

func (p *parser) parseLine(line string) {
	line = strings.TrimRight(line, " \t")
	trimmed := strings.TrimLeft(line, " \t")
	if trimmed == "" {
		return
	}
	indent := len(line) - len(trimmed)
	if trimmed[0] == '#' {
		comment := strings.TrimSpace(trimmed[1:])
		if strings.HasPrefix(comment, "{") {
			p.parseInformation(comment, indent+1)
		}
		return
	}
	if indent == 0 {
		p.parseClassLine(line)
		return
	}
	if p.class == nil {
		if !p.skipping {
			p.warn(indent+1, "member mapping outside of a class: %q", trimmed)
		}
		return
	}
	p.parseMemberLine(trimmed, indent+1)
}

func (p *parser) parseClassLine(line string) {
	p.closeChain()
	p.class = nil
	p.target = targetNone

	arrow := strings.Index(line, "->")
	if arrow < 0 || !strings.HasSuffix(line, ":") || arrow+2 > len(line)-1 {
		p.skipping = true
		p.warn(1, "could not parse class mapping: %q", line)
		return
	}
	original := strings.TrimSpace(line[:arrow])
	obfuscated := strings.TrimSpace(line[arrow+2 : len(line)-1])
	if !isName(original) || !isName(obfuscated) {
		p.skipping = true
		p.warn(1, "could not parse class mapping: %q", line)
		return
	}
	if _, ok := p.model.Class(obfuscated); ok {
		p.skipping = true
		p.warn(1, "duplicate mapping for obfuscated class %s, ignoring %s", obfuscated, original)
		return
	}
	p.skipping = false
	p.class = newClassMapping(original, obfuscated)
	p.model.addClass(p.class)
	p.target = targetClass
}

func (p *parser) parseMemberLine(body string, column int) {
	m, err := parseMember(body)
	if err != nil {
		p.closeChain()
		p.target = targetNone
		p.warn(column, "%s: %q", err, body)
		return
	}
	seq := p.seq
	p.seq++

	if m.field {
		p.closeChain()
		f := &FieldMapping{Name: m.sig.Name, Type: m.sig.ReturnType, ObfuscatedName: m.obfuscated}
		p.class.addField(f)
		p.target, p.field = targetField, f
		return
	}
	if m.obfuscatedRange == nil {
		p.closeChain()
		method := p.class.method(m.sig, m.obfuscated)
		if m.original == nil {
			p.target, p.method = targetMethod, method
			return
		}
		r := &MappedRange{Original: m.original, Method: m.sig, seq: seq}
		method.Ranges = append(method.Ranges, r)
		p.target, p.mappedRange = targetRange, r
		return
	}
	if m.reversed {
		p.warn(column, "reversed obfuscated range %d:%d read as %s", m.obfuscatedRange.End, m.obfuscatedRange.Start, m.obfuscatedRange)
	}
	if !p.chain.extends(m.obfuscated, *m.obfuscatedRange) {
		p.closeChain()
	}
	r := &MappedRange{Obfuscated: m.obfuscatedRange, Original: m.original, Method: m.sig, seq: seq}
	p.chain.push(m.obfuscated, r)
	p.target, p.mappedRange = targetRange, r
}

func (p *parser) closeChain() {
	head, name, ok := p.chain.close()
	if !ok {
		return
	}
	method := p.class.method(head.Outermost().Method, name)
	method.Ranges = append(method.Ranges, head)
}

func (p *parser) parseInformation(payload string, column int) {
	s := scopeMember
	switch {
	case p.target == targetClass:
		s = scopeClass
	case p.target == targetNone && p.class == nil:
		s = scopeGlobal
	}
	info, err := parseInformation(payload, s)
	if err != nil {
		p.warn(column, "%s", err)
		return
	}
	if v, ok := info.(MapVersion); ok {
		if p.model.Version != "" && p.model.Version != v.Version {
			p.warn(column, "conflicting map version %s, keeping %s", v.Version, p.model.Version)
			return
		}
		p.model.Version = v.Version
		return
	}
	var infos *[]Information
	switch p.target {
	case targetClass:
		infos = &p.class.Informations
	case targetField:
		infos = &p.field.Informations
	case targetMethod:
		infos = &p.method.Informations
	case targetRange:
		infos = &p.mappedRange.Informations
	default:
		if p.skipping || p.class != nil {
			return
		}
		p.model.Preamble = append(p.model.Preamble, info)
		return
	}
	if conflicting(*infos, info) {
		if info.ID() == IDSourceFile {
			p.warn(column, "duplicate sourceFile for class %s, keeping the first", p.class.OriginalName)
		} else {
			p.warn(column, "duplicate mapping information %s", info.ID())
		}
		return
	}
	*infos = append(*infos, info)
}

// conflicting reports whether info may not be added next to infos.
// Unknown and rewrite-frame records may repeat.
func conflicting(infos []Information, info Information) bool {
	switch info.(type) {
	case Unknown, RewriteFrame:
		return false
	}
	for _, existing := range infos {
		if existing.ID() == info.ID() {
			return true
		}
	}
	return false
}

type memberLine struct {
	field           bool
	sig             MethodSignature
	obfuscatedRange *Range
	reversed        bool
	original        *Range
	obfuscated      string
}

// parseMember reads a member line with its indentation removed:
//
//	type name -> obf
//	type name(params) -> obf
//	start:end:type name(params)[:origStart[:origEnd]] -> obf
func parseMember(body string) (memberLine, error) {
	var m memberLine
	arrow := strings.LastIndex(body, "->")
	if arrow < 0 {
		return m, errors.New("missing '->'")
	}
	left := strings.TrimSpace(body[:arrow])
	m.obfuscated = strings.TrimSpace(body[arrow+2:])
	if !isName(m.obfuscated) {
		return m, errors.New("invalid obfuscated name")
	}

	if left != "" && isDigit(left[0]) {
		a, rest, ok := readInt(left)
		if !ok || !strings.HasPrefix(rest, ":") {
			return m, errors.New("invalid obfuscated line number range")
		}
		b, rest, ok := readInt(rest[1:])
		if !ok || !strings.HasPrefix(rest, ":") {
			return m, errors.New("invalid obfuscated line number range")
		}
		r := NormalizedRange(a, b)
		m.obfuscatedRange, m.reversed = &r, a > b
		left = strings.TrimSpace(rest[1:])
	}

	open := strings.IndexByte(left, '(')
	if open < 0 {
		if m.obfuscatedRange != nil {
			return m, errors.New("line number range on a field")
		}
		parts := strings.Fields(left)
		if len(parts) != 2 || !isName(parts[0]) || !isName(parts[1]) || strings.ContainsRune(parts[1], ':') {
			return m, errors.New("invalid field signature")
		}
		m.field = true
		m.sig = MethodSignature{Name: parts[1], ReturnType: parts[0]}
		return m, nil
	}
	closing := strings.IndexByte(left[open:], ')')
	if closing < 0 {
		return m, errors.New("missing ')'")
	}
	closing += open

	head := strings.TrimSpace(left[:open])
	sp := strings.LastIndexAny(head, " \t")
	if sp < 0 {
		return m, errors.New("missing return type")
	}
	returnType, qualified := strings.TrimSpace(head[:sp]), head[sp+1:]
	if !isName(returnType) || !isName(qualified) {
		return m, errors.New("invalid method signature")
	}
	m.sig.ReturnType = returnType
	if dot := strings.LastIndexByte(qualified, '.'); dot > 0 {
		m.sig.Holder, m.sig.Name = qualified[:dot], qualified[dot+1:]
	} else {
		m.sig.Name = qualified
	}
	if params := strings.TrimSpace(left[open+1 : closing]); params != "" {
		for _, param := range strings.Split(params, ",") {
			param = strings.TrimSpace(param)
			if !isName(param) {
				return m, errors.New("invalid parameter type")
			}
			m.sig.Parameters = append(m.sig.Parameters, param)
		}
	}

	suffix := strings.TrimSpace(left[closing+1:])
	if suffix == "" {
		return m, nil
	}
	if suffix[0] != ':' {
		return m, errors.New("unexpected text after method signature")
	}
	start, rest, ok := readInt(strings.TrimSpace(suffix[1:]))
	if !ok {
		return m, errors.New("no number follows the colon after the method signature")
	}
	end := start
	rest = strings.TrimSpace(rest)
	if rest != "" {
		if rest[0] != ':' {
			return m, errors.New("invalid original line number range")
		}
		if end, rest, ok = readInt(strings.TrimSpace(rest[1:])); !ok || strings.TrimSpace(rest) != "" {
			return m, errors.New("invalid original line number range")
		}
	}
	m.original = &Range{Start: start, End: end}
	return m, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func readInt(s string) (int, string, bool) {
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	if i == 0 {
		return 0, s, false
	}
	v, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0, s, false
	}
	return v, s[i:], true
}

func isName(s string) bool {
	return s != "" && !strings.ContainsAny(s, " \t()")
}
