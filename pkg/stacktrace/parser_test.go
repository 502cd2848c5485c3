package stacktrace

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type tok struct {
	Kind Kind
	Text string
}

func tokens(e *Element) []tok {
	var out []tok
	for _, t := range e.Tokens() {
		out = append(out, tok{Kind: t.Kind, Text: t.Text})
	}
	return out
}

func TestDefaultRegularExpression(t *testing.T) {
	for _, tc := range []struct {
		line string
		want []tok
	}{
		{
			line: "    at a.b.c.a(SourceFile:3)",
			want: []tok{{KindClass, "a.b.c"}, {KindMethod, "a"}, {KindSourceFile, "SourceFile"}, {KindLine, ":3"}},
		},
		{
			line: "\tat java.lang.Thread.run(Thread.java)",
			want: []tok{{KindClass, "java.lang.Thread"}, {KindMethod, "run"}, {KindSourceFile, "Thread.java"}, {KindLine, ""}},
		},
		{
			line: "    at a.b.c.<init>(Unknown Source)",
			want: []tok{{KindClass, "a.b.c"}, {KindMethod, "<init>"}, {KindSourceFile, "Unknown Source"}, {KindLine, ""}},
		},
		{
			line: "Caused by: a.b.c: some message",
			want: []tok{{KindClass, "a.b.c"}},
		},
		{
			line: "Suppressed: a.b.c: some message",
			want: []tok{{KindClass, "a.b.c"}},
		},
		{
			line: "a.b.c",
			want: []tok{{KindClass, "a.b.c"}},
		},
		{
			line: "",
			want: nil,
		},
	} {
		t.Run(tc.line, func(t *testing.T) {
			e := Default().Parse(tc.line)
			require.Equal(t, tc.want, tokens(e))
			require.Equal(t, tc.line, e.Rewrite(func(t Token) string { return t.Text }))
		})
	}
}

func TestDefaultLineNumber(t *testing.T) {
	e := Default().Parse("    at a.b.c.a(SourceFile:3)")
	n, ok := e.LineNumber()
	require.True(t, ok)
	require.Equal(t, 3, n)
	line, _ := e.First(KindLine)
	require.True(t, line.Separator)

	e = Default().Parse("    at a.b.c.a(SourceFile)")
	_, ok = e.LineNumber()
	require.False(t, ok)
}

func TestCompileTemplate(t *testing.T) {
	p, err := CompileTemplate("%c.%m(%l)")
	require.NoError(t, err)

	e := p.Parse("a.b.c.a(3)")
	require.True(t, e.Matched())
	require.Equal(t, []tok{{KindClass, "a.b.c"}, {KindMethod, "a"}, {KindLine, "3"}}, tokens(e))
	line, _ := e.First(KindLine)
	require.False(t, line.Separator)

	e = p.Parse("not a frame")
	require.False(t, e.Matched())
	require.Empty(t, e.Tokens())
	require.Equal(t, "not a frame", e.Rewrite(func(Token) string { return "x" }))
}

func TestCompileTemplateLiterals(t *testing.T) {
	p, err := CompileTemplate("[%c] (%l) 100%% %m")
	require.NoError(t, err)
	e := p.Parse("[a.b] (12) 100% foo")
	require.Equal(t, []tok{{KindClass, "a.b"}, {KindLine, "12"}, {KindMethod, "foo"}}, tokens(e))
	require.False(t, p.Parse("[a.b] (12) 100 foo").Matched())
}

func TestCompileErrors(t *testing.T) {
	for _, tmpl := range []string{"%x", "abc%", "%c.%"} {
		_, err := CompileTemplate(tmpl)
		require.Error(t, err, tmpl)
	}
	for _, expr := range []string{"%q", "(%c", "%"} {
		_, err := CompileRegularExpression(expr)
		require.Error(t, err, expr)
	}
}

func TestMultipleClasses(t *testing.T) {
	p := MustCompileRegularExpression(`%c\s%c\s%c`)
	e := p.Parse("a.b.c a.b.d a.b.e")
	classes := e.Classes()
	require.Len(t, classes, 3)
	for i, want := range []string{"a.b.c", "a.b.d", "a.b.e"} {
		require.Equal(t, want, classes[i].Text)
		require.Equal(t, i, classes[i].Index)
	}
	name, ok := e.ClassName()
	require.True(t, ok)
	require.Equal(t, "a.b.c", name)
}

func TestBinaryClass(t *testing.T) {
	e := MustCompileRegularExpression(`%C\.%m`).Parse("a/b/c.d")
	classes := e.Classes()
	require.Len(t, classes, 1)
	require.Equal(t, KindBinaryClass, classes[0].Kind)
	require.Equal(t, "a.b.c", classes[0].ClassName())
}

func TestEscapedPercent(t *testing.T) {
	e := MustCompileRegularExpression(`\%%c`).Parse("%a.b")
	require.Equal(t, []tok{{KindClass, "a.b"}}, tokens(e))
}

func TestArguments(t *testing.T) {
	p := MustCompileRegularExpression(`%c\.%m\(%a\)`)
	e := p.Parse("a.b.c.a(int, a.b.d,a.b.e[])")
	args := e.Arguments()
	require.Len(t, args, 3)
	require.Equal(t, "int", args[0].Text)
	require.Equal(t, "a.b.d", args[1].Text)
	require.Equal(t, "a.b.e[]", args[2].Text)
	rewritten := e.Rewrite(func(t Token) string {
		if t.Kind == KindArgument {
			return strings.ToUpper(t.Text)
		}
		return t.Text
	})
	require.Equal(t, "a.b.c.a(INT, A.B.D,A.B.E[])", rewritten)

	e = p.Parse("a.b.c.a()")
	require.True(t, e.Matched())
	require.Empty(t, e.Arguments())
}

func TestSourceFileAndLine(t *testing.T) {
	p, err := CompileTemplate("%c.%m(%s:%l)")
	require.NoError(t, err)
	e := p.Parse("a.b.c.a(SourceFile:3)")
	require.Equal(t, []tok{{KindClass, "a.b.c"}, {KindMethod, "a"}, {KindSourceFile, "SourceFile"}, {KindLine, ":3"}}, tokens(e))
	line, _ := e.First(KindLine)
	require.True(t, line.Separator)

	e = MustCompileRegularExpression(`%c\(%s\)`).Parse("a.b.c(SourceFile)")
	require.Equal(t, []tok{{KindClass, "a.b.c"}, {KindSourceFile, "SourceFile"}}, tokens(e))
}

func TestTypeToken(t *testing.T) {
	e := MustCompileRegularExpression(`%t %c\.%m`).Parse("a.b.c[][] a.b.d.e")
	require.Equal(t, []tok{{KindType, "a.b.c[][]"}, {KindClass, "a.b.d"}, {KindMethod, "e"}}, tokens(e))
}

func TestLongLines(t *testing.T) {
	long := strings.Repeat("a.", 50000) + "a"
	e := Default().Parse(long)
	require.True(t, e.Matched())
	require.Len(t, e.Classes(), 1)

	noise := "    at " + strings.Repeat("(", 100000)
	e = Default().Parse(noise)
	require.Equal(t, noise, e.Rewrite(func(t Token) string { return t.Text }))
}
