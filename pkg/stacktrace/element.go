package stacktrace

import (
	"sort"
	"strconv"
	"strings"
)

// Token is a captured span of a line.
type Token struct {
	Kind  Kind
	Start int
	End   int
	Text  string
	// Index orders tokens of the same kind, e.g. the n-th class of a line.
	Index int
	// Separator is set on line tokens that own the ':' in front of the
	// number, so an empty rendering drops it.
	Separator bool
}

// Element is a parsed line: the captured tokens and the text around them.
type Element struct {
	line      string
	matched   bool
	arguments bool
	tokens    []Token
}

func (e *Element) add(t Token) { e.tokens = append(e.tokens, t) }

func (e *Element) sort() {
	sort.SliceStable(e.tokens, func(i, j int) bool { return e.tokens[i].Start < e.tokens[j].Start })
}

// Line returns the input line.
func (e *Element) Line() string { return e.line }

// Matched reports whether the line matched the template.
func (e *Element) Matched() bool { return e.matched }

// Tokens returns all captured tokens ordered by position.
func (e *Element) Tokens() []Token { return e.tokens }

// First returns the first token of a kind.
func (e *Element) First(kind Kind) (Token, bool) {
	for _, t := range e.tokens {
		if t.Kind == kind {
			return t, true
		}
	}
	return Token{}, false
}

// Classes returns class tokens of either notation in order.
func (e *Element) Classes() []Token {
	var out []Token
	for _, t := range e.tokens {
		if t.Kind == KindClass || t.Kind == KindBinaryClass {
			out = append(out, t)
		}
	}
	return out
}

// Arguments returns the argument type tokens.
func (e *Element) Arguments() []Token {
	var out []Token
	for _, t := range e.tokens {
		if t.Kind == KindArgument {
			out = append(out, t)
		}
	}
	return out
}

// HasArguments reports whether an argument list was matched, possibly an
// empty one.
func (e *Element) HasArguments() bool { return e.arguments }

// ClassName returns the first class of the line in dotted form.
func (e *Element) ClassName() (string, bool) {
	cs := e.Classes()
	if len(cs) == 0 {
		return "", false
	}
	return cs[0].ClassName(), true
}

// LineNumber returns the captured line number.
func (e *Element) LineNumber() (int, bool) {
	t, ok := e.First(KindLine)
	if !ok {
		return 0, false
	}
	return t.Number()
}

// ClassName returns the dotted form of a class token.
func (t Token) ClassName() string {
	if t.Kind == KindBinaryClass {
		return strings.ReplaceAll(t.Text, "/", ".")
	}
	return t.Text
}

// Number parses a line token.
func (t Token) Number() (int, bool) {
	digits := strings.TrimPrefix(t.Text, ":")
	if digits == "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Rewrite rebuilds the line, replacing every token with the text returned
// by fn. Text outside tokens is copied unchanged.
func (e *Element) Rewrite(fn func(Token) string) string {
	if len(e.tokens) == 0 {
		return e.line
	}
	var b strings.Builder
	b.Grow(len(e.line))
	last := 0
	for _, t := range e.tokens {
		if t.Start < last {
			continue
		}
		b.WriteString(e.line[last:t.Start])
		b.WriteString(fn(t))
		last = t.End
	}
	b.WriteString(e.line[last:])
	return b.String()
}
