// Package stacktrace compiles line templates into matchers that extract
// class, member, source file, line number and type tokens from one line of
// stack trace text.
//
// Placeholders:
//
//	%c  class name, dotted (a.b.C)
//	%C  class name, slash separated (a/b/C)
//	%m  method name
//	%f  field name
//	%s  source file
//	%l  line number
//	%S  source file with an optional trailing :line
//	%t  type name, possibly an array
//	%a  comma separated argument types
//
// Matching uses RE2 semantics and runs in time linear in the length of the
// line.
package stacktrace

import (
	"fmt"
	"strings"

	"github.com/grafana/regexp"
)

type Kind int

const (
	KindClass Kind = iota
	KindBinaryClass
	KindMethod
	KindField
	KindSourceFile
	KindLine
	KindType
	KindArgument
)

func (k Kind) String() string {
	switch k {
	case KindClass:
		return "class"
	case KindBinaryClass:
		return "binary-class"
	case KindMethod:
		return "method"
	case KindField:
		return "field"
	case KindSourceFile:
		return "source-file"
	case KindLine:
		return "line"
	case KindType:
		return "type"
	case KindArgument:
		return "argument"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

const (
	identifierSegment = `[-\p{L}\p{Nl}\p{Sc}\p{Pc}][-\p{L}\p{Nl}\p{Sc}\p{Pc}\p{Nd}\p{Mn}\p{Mc}\p{Cf}]*`
	typeExpression    = `(?:` + identifierSegment + `\.)*` + identifierSegment + `[\[\]]*`
)

// placeholder is the expression and kind of a %x placeholder. %S and %a
// are split into several tokens after matching.
type placeholder struct {
	expression string
	kind       Kind
	sourceLine bool
	arguments  bool
}

var placeholders = map[byte]placeholder{
	'c': {expression: `(?:` + identifierSegment + `\.)*` + identifierSegment, kind: KindClass},
	'C': {expression: `(?:` + identifierSegment + `/)*` + identifierSegment, kind: KindBinaryClass},
	'm': {expression: `(?:` + identifierSegment + `|<init>|<clinit>)`, kind: KindMethod},
	'f': {expression: identifierSegment, kind: KindField},
	's': {expression: `(?::+[^\d:\s]|[^:]*)*`, kind: KindSourceFile},
	'l': {expression: `\d*`, kind: KindLine},
	'S': {expression: `.*`, kind: KindSourceFile, sourceLine: true},
	't': {expression: typeExpression, kind: KindType},
	'a': {expression: `(?:` + typeExpression + `(?:\s*,\s*` + typeExpression + `)*)?`, kind: KindArgument, arguments: true},
}

// DefaultRegularExpression matches "at cls.method(File:line)" frames and
// "[prefix: ]cls[: message]" exception lines.
const DefaultRegularExpression = `(?:.*?\bat\s+%c\.%m\s*\(%S\)\p{Z}*(?:~\[.*\])?)` +
	`|(?:(?:(?:%c|.*)?[:"]\s+)?%c(?::.*)?)`

const captureGroupPrefix = "captureGroup"

type group struct {
	placeholder
	index int
}

// Parser is a compiled line template. It is safe for concurrent use.
type Parser struct {
	expression string
	re         *regexp.Regexp
	groups     []group
}

// CompileRegularExpression compiles a regular expression in which %x
// placeholders stand for stack trace tokens. A backslash escapes the
// character after it, including '%'.
func CompileRegularExpression(expr string) (*Parser, error) {
	var (
		b       strings.Builder
		kinds   []placeholder
		percent bool
		escaped bool
	)
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if percent {
			ph, ok := placeholders[c]
			if !ok {
				return nil, fmt.Errorf("unknown placeholder %%%c at offset %d", c, i-1)
			}
			b.WriteString(groupExpression(len(kinds), ph))
			kinds = append(kinds, ph)
			percent = false
			continue
		}
		percent = !escaped && c == '%'
		escaped = !escaped && c == '\\'
		if !percent {
			b.WriteByte(c)
		}
	}
	if percent {
		return nil, fmt.Errorf("trailing %% in %q", expr)
	}
	return compile(expr, b.String(), kinds)
}

// CompileTemplate compiles a template in which text other than %x
// placeholders is matched literally. %% matches a single '%'.
func CompileTemplate(tmpl string) (*Parser, error) {
	var (
		b       strings.Builder
		literal strings.Builder
		kinds   []placeholder
	)
	flush := func() {
		if literal.Len() > 0 {
			b.WriteString(regexp.QuoteMeta(literal.String()))
			literal.Reset()
		}
	}
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c != '%' {
			literal.WriteByte(c)
			continue
		}
		if i+1 >= len(tmpl) {
			return nil, fmt.Errorf("trailing %% in %q", tmpl)
		}
		i++
		if tmpl[i] == '%' {
			literal.WriteByte('%')
			continue
		}
		ph, ok := placeholders[tmpl[i]]
		if !ok {
			return nil, fmt.Errorf("unknown placeholder %%%c at offset %d", tmpl[i], i-1)
		}
		flush()
		b.WriteString(groupExpression(len(kinds), ph))
		kinds = append(kinds, ph)
	}
	flush()
	return compile(tmpl, b.String(), kinds)
}

// MustCompileRegularExpression is like CompileRegularExpression but panics
// on error.
func MustCompileRegularExpression(expr string) *Parser {
	p, err := CompileRegularExpression(expr)
	if err != nil {
		panic(err)
	}
	return p
}

var defaultParser = MustCompileRegularExpression(DefaultRegularExpression)

// Default returns the parser for DefaultRegularExpression.
func Default() *Parser { return defaultParser }

func groupExpression(n int, ph placeholder) string {
	return fmt.Sprintf("(?P<%s%d>%s)", captureGroupPrefix, n, ph.expression)
}

func compile(source, expr string, kinds []placeholder) (*Parser, error) {
	re, err := regexp.Compile(`^(?:` + expr + `)$`)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", source, err)
	}
	p := &Parser{expression: source, re: re, groups: make([]group, len(kinds))}
	for i, ph := range kinds {
		p.groups[i] = group{placeholder: ph, index: re.SubexpIndex(fmt.Sprintf("%s%d", captureGroupPrefix, i))}
	}
	return p, nil
}

func (p *Parser) String() string { return p.expression }

// Parse matches line against the template. A line that does not match is
// returned as an element without tokens.
func (p *Parser) Parse(line string) *Element {
	e := &Element{line: line}
	m := p.re.FindStringSubmatchIndex(line)
	if m == nil {
		return e
	}
	e.matched = true
	seen := make(map[Kind]bool)
	classes := 0
	for _, g := range p.groups {
		start, end := m[2*g.index], m[2*g.index+1]
		if start < 0 {
			continue
		}
		text := line[start:end]
		switch {
		case g.kind == KindClass || g.kind == KindBinaryClass:
			if text == "Suppressed" {
				continue
			}
			e.add(Token{Kind: g.kind, Start: start, End: end, Text: text, Index: classes})
			classes++
		case g.sourceLine:
			if seen[KindSourceFile] || seen[KindLine] {
				continue
			}
			seen[KindSourceFile], seen[KindLine] = true, true
			fileEnd := start + endOfSourceFile(text)
			e.add(Token{Kind: KindSourceFile, Start: start, End: fileEnd, Text: line[start:fileEnd]})
			e.add(Token{Kind: KindLine, Start: fileEnd, End: end, Text: line[fileEnd:end], Separator: true})
		case g.arguments:
			if seen[KindArgument] {
				continue
			}
			seen[KindArgument] = true
			e.arguments = true
			for i, a := range splitArguments(text, start) {
				a.Index = i
				e.add(a)
			}
		case g.kind == KindLine:
			if seen[KindLine] {
				continue
			}
			seen[KindLine] = true
			tok := Token{Kind: KindLine, Start: start, End: end, Text: text}
			if start > 0 && line[start-1] == ':' {
				tok.Start--
				tok.Text = line[tok.Start:end]
				tok.Separator = true
			}
			e.add(tok)
		default:
			if seen[g.kind] {
				continue
			}
			seen[g.kind] = true
			e.add(Token{Kind: g.kind, Start: start, End: end, Text: text})
		}
	}
	e.sort()
	return e
}

// endOfSourceFile returns the length of the source file part of a %S
// group, excluding a trailing ":digits".
func endOfSourceFile(group string) int {
	i := len(group)
	for i > 0 {
		c := group[i-1]
		if c == ':' && i < len(group) {
			return i - 1
		}
		if c < '0' || c > '9' {
			return len(group)
		}
		i--
	}
	return len(group)
}

func splitArguments(text string, offset int) []Token {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var out []Token
	pos := 0
	for _, part := range strings.Split(text, ",") {
		lead := len(part) - len(strings.TrimLeft(part, " \t"))
		trimmed := strings.TrimSpace(part)
		start := offset + pos + lead
		out = append(out, Token{Kind: KindArgument, Start: start, End: start + len(trimmed), Text: trimmed})
		pos += len(part) + 1
	}
	return out
}
