package mapping

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/retrace/pkg/diagnostics"
	"github.com/grafana/retrace/pkg/iter"
)

const basicMapping = `# {"id":"com.android.tools.r8.mapping","version":"2.2"}
com.example.Main -> a.a:
# {"id":"sourceFile","fileName":"Main.kt"}
    int counter -> a
    1:3:void run():10:12 -> b
    4:4:void run():20 -> b
    void helper(int,java.lang.String) -> c
`

func mustParse(t *testing.T, text string) (*Model, []diagnostics.Diagnostic) {
	t.Helper()
	m, diags, err := ParseString(text, nil)
	require.NoError(t, err)
	require.NotNil(t, m)
	return m, diags
}

func TestParseBasic(t *testing.T) {
	m, diags := mustParse(t, basicMapping)
	require.Empty(t, diags)
	require.Equal(t, "2.2", m.Version)
	require.Equal(t, 1, m.Len())

	c, ok := m.Class("a.a")
	require.True(t, ok)
	require.Equal(t, "com.example.Main", c.OriginalName)
	byOriginal, ok := m.ClassByOriginal("com.example.Main")
	require.True(t, ok)
	require.Same(t, c, byOriginal)
	_, ok = m.Class("com.example.Main")
	require.False(t, ok)

	file, ok := c.SourceFile()
	require.True(t, ok)
	require.Equal(t, "Main.kt", file)

	fields := c.Fields("a")
	require.Len(t, fields, 1)
	require.Equal(t, "counter", fields[0].Name)
	require.Equal(t, "int", fields[0].Type)

	run := c.Methods("b")
	require.Len(t, run, 1)
	require.Equal(t, MethodSignature{Name: "run", ReturnType: "void"}, run[0].Signature)
	require.Len(t, run[0].Ranges, 2)
	require.Equal(t, &Range{Start: 1, End: 3}, run[0].Ranges[0].Obfuscated)
	require.Equal(t, &Range{Start: 10, End: 12}, run[0].Ranges[0].Original)
	require.Equal(t, &Range{Start: 20, End: 20}, run[0].Ranges[1].Original)
	require.Nil(t, run[0].Ranges[0].Caller)

	helper := c.Methods("c")
	require.Len(t, helper, 1)
	require.Equal(t, []string{"int", "java.lang.String"}, helper[0].Signature.Parameters)
	require.Empty(t, helper[0].Ranges)

	require.Len(t, c.Members(), 3)
}

func TestOriginalLine(t *testing.T) {
	m, _ := mustParse(t, basicMapping+"    5:7:void tail() -> d\n")
	c, _ := m.Class("a.a")
	run := c.Methods("b")[0]
	for _, tc := range []struct {
		r    *MappedRange
		line int
		want int
	}{
		{r: run.Ranges[0], line: 1, want: 10},
		{r: run.Ranges[0], line: 2, want: 11},
		{r: run.Ranges[0], line: 3, want: 12},
		{r: run.Ranges[1], line: 4, want: 20},
		{r: c.Methods("d")[0].Ranges[0], line: 6, want: 6},
	} {
		require.Equal(t, tc.want, tc.r.OriginalLine(tc.line))
	}
}

func TestParseReversedRange(t *testing.T) {
	reversed, diags := mustParse(t, "a -> a:\n    11:2:void a():1:10 -> a\n")
	require.Len(t, diags, 1)
	require.Equal(t, diagnostics.SeverityWarning, diags[0].Severity)
	require.Equal(t, 2, diags[0].Position.Line)

	ordered, diags := mustParse(t, "a -> a:\n    2:11:void a():1:10 -> a\n")
	require.Empty(t, diags)

	r1 := mustClass(t, reversed, "a").Methods("a")[0].Ranges[0]
	r2 := mustClass(t, ordered, "a").Methods("a")[0].Ranges[0]
	require.Equal(t, r2.Obfuscated, r1.Obfuscated)
	require.Equal(t, r2.Original, r1.Original)
	require.Equal(t, reversed.String(), ordered.String())
}

func mustClass(t *testing.T, m *Model, obfuscated string) *ClassMapping {
	t.Helper()
	c, ok := m.Class(obfuscated)
	require.True(t, ok, obfuscated)
	return c
}

func TestParseInlineChain(t *testing.T) {
	m, diags := mustParse(t, `pkg.Outer -> a:
    1:1:void inner():10:10 -> a
    1:1:void pkg.Other.middle(int):20:20 -> a
    1:1:void outer():30:30 -> a
    2:4:void outer():31:33 -> a
    5:5:void other():40:40 -> b
    5:5:void outer():34:34 -> a
`)
	require.Empty(t, diags)
	c := mustClass(t, m, "a")

	methods := c.Methods("a")
	require.Len(t, methods, 1)
	outer := methods[0]
	require.Equal(t, "outer", outer.Signature.Name)
	require.Len(t, outer.Ranges, 3)

	chain := outer.Ranges[0].Chain()
	require.Len(t, chain, 3)
	require.Equal(t, "inner", chain[0].Method.Name)
	require.Equal(t, "pkg.Other", chain[1].Method.Holder)
	require.Equal(t, "middle", chain[1].Method.Name)
	require.Equal(t, []string{"int"}, chain[1].Method.Parameters)
	require.Equal(t, "outer", chain[2].Method.Name)
	require.Less(t, chain[0].Seq(), chain[2].Seq())

	require.Len(t, outer.Ranges[1].Chain(), 1)
	require.Len(t, outer.Ranges[2].Chain(), 1)
	require.Equal(t, 34, outer.Ranges[2].OriginalLine(5))

	require.Len(t, c.Methods("b"), 1)
}

func TestParseMalformedLines(t *testing.T) {
	m, diags := mustParse(t, `com.A -> a:
    this is garbage
    1:void foo() -> b
    int x ->
    void bar() -> c
com.B ->
    void baz() -> d
com.C -> c:
    void ok() -> e
    void broken( -> f
`)
	require.Len(t, diags, 5)
	lines := make([]int, 0, len(diags))
	for _, d := range diags {
		require.Equal(t, diagnostics.SeverityWarning, d.Severity)
		lines = append(lines, d.Position.Line)
	}
	require.Equal(t, []int{2, 3, 4, 6, 10}, lines)

	require.Equal(t, 2, m.Len())
	a := mustClass(t, m, "a")
	require.Len(t, a.Members(), 1)
	require.Len(t, a.Methods("c"), 1)
	require.Empty(t, a.Methods("b"))
	c := mustClass(t, m, "c")
	require.Len(t, c.Methods("e"), 1)
	_, ok := m.ClassByOriginal("com.B")
	require.False(t, ok)
}

func TestParseDuplicateClass(t *testing.T) {
	m, diags := mustParse(t, "com.A -> a:\n    void x() -> a\ncom.B -> a:\n    void y() -> b\n")
	require.Len(t, diags, 1)
	require.Equal(t, 3, diags[0].Position.Line)
	c := mustClass(t, m, "a")
	require.Equal(t, "com.A", c.OriginalName)
	require.Empty(t, c.Methods("b"))
}

func TestParseInformation(t *testing.T) {
	m, diags := mustParse(t, `# {"id":"com.example.preamble","x":1}
com.A -> a:
# {"id":"sourceFile","fileName":"A.java"}
# {"id":"sourceFile","fileName":"B.java"}
# {"id":"com.android.tools.r8.synthesized"}
# just a comment
    void lambda() -> a
      # {"id":"com.android.tools.r8.synthesized"}
      # {"id":"com.android.tools.r8.residualsignature","signature":"(I)V"}
    1:2:void call():10:11 -> b
      # {"id":"com.android.tools.r8.outlineCallsite","positions":{"1":10,"2":11},"outline":"La;a()V"}
      # {"id":"com.android.tools.r8.rewriteFrame","conditions":["throws(Ljava/lang/NullPointerException;)"],"actions":["removeInnerFrames(1)"]}
    int f -> c
      # {"id":"com.example.future","payload":[1,2]}
      # {not json}
`)
	require.Len(t, diags, 2)
	require.Contains(t, diags[0].Message, "duplicate sourceFile")
	require.Equal(t, 4, diags[0].Position.Line)
	require.Equal(t, 15, diags[1].Position.Line)

	require.Equal(t, []Information{Unknown{Identifier: "com.example.preamble", Raw: `{"id":"com.example.preamble","x":1}`}}, m.Preamble)

	c := mustClass(t, m, "a")
	file, _ := c.SourceFile()
	require.Equal(t, "A.java", file)
	require.True(t, c.IsSynthesized())

	lambda := c.Methods("a")[0]
	require.True(t, lambda.IsCompilerSynthesized())
	sig, ok := lambda.ResidualSignature()
	require.True(t, ok)
	require.Equal(t, "(I)V", sig)

	call := c.Methods("b")[0].Ranges[0]
	callsite, ok := call.OutlineCallsite()
	require.True(t, ok)
	require.Equal(t, map[int]int{1: 10, 2: 11}, callsite.Positions)
	require.Equal(t, "La;a()V", callsite.OutlineSignature)
	rewrites := call.RewriteFrames()
	require.Len(t, rewrites, 1)
	require.Equal(t, []string{"Ljava/lang/NullPointerException;"}, rewrites[0].ThrownDescriptors())
	require.Equal(t, 1, rewrites[0].RemovedInnerFrames())

	f := c.Fields("c")[0]
	require.Equal(t, []Information{Unknown{Identifier: "com.example.future", Raw: `{"id":"com.example.future","payload":[1,2]}`}}, f.Informations)
}

func TestParseRangelessOriginal(t *testing.T) {
	m, diags := mustParse(t, "a.b.c -> a.b.c:\n    void foo():7 -> a\n")
	require.Empty(t, diags)
	foo := mustClass(t, m, "a.b.c").Methods("a")[0]
	require.Len(t, foo.Ranges, 1)
	require.Nil(t, foo.Ranges[0].Obfuscated)
	require.Equal(t, 7, foo.Ranges[0].OriginalLine(3))
}

func TestParseEmpty(t *testing.T) {
	for _, text := range []string{"", "\n\n", "# only a comment\n"} {
		m, diags := mustParse(t, text)
		require.Empty(t, diags)
		require.Equal(t, 0, m.Len())
		_, ok := m.Class("a")
		require.False(t, ok)
	}
}

func TestParseBinaryInput(t *testing.T) {
	_, _, err := ParseString("\x1f\x8b\x08\x00\x00\x00", nil)
	require.ErrorIs(t, err, ErrBinaryInput)
}

func TestParseSupplierError(t *testing.T) {
	boom := errors.New("boom")
	_, _, err := Parse(iter.NewErrIterator[string](boom), nil)
	require.ErrorIs(t, err, boom)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, 1, parseErr.Line)
	require.Equal(t, "line 1: reading mapping: boom", err.Error())

	_, _, err = Parse(&failingLines{Iterator: iter.NewSliceIterator([]string{"a -> a:", "    void x() -> a"}), err: boom}, nil)
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, 3, parseErr.Line)
}

type failingLines struct {
	iter.Iterator[string]
	err error
}

func (f *failingLines) Err() error { return f.err }

func TestParseReportsToSink(t *testing.T) {
	sink := diagnostics.NewCollector()
	_, diags, err := ParseString("a -> a:\n    nonsense\n", sink)
	require.NoError(t, err)
	require.Equal(t, diags, sink.Diagnostics())
	require.Len(t, diags, 1)
}

func TestWriteTo(t *testing.T) {
	m, _ := mustParse(t, basicMapping)
	var b strings.Builder
	n, err := m.WriteTo(&b)
	require.NoError(t, err)
	require.Equal(t, int64(len(basicMapping)), n)
	require.Equal(t, basicMapping, b.String())
}

func TestWriteToReparse(t *testing.T) {
	text := `com.A -> a:
# {"id":"com.android.tools.r8.synthesized"}
    1:1:void inner():10 -> a
      # {"id":"com.android.tools.r8.synthesized"}
    1:1:void outer():30 -> a
    void plain() -> b
      # {"id":"com.android.tools.r8.outline"}
    2:3:void call():5:6 -> c
      # {"id":"com.android.tools.r8.outlineCallsite","positions":{"1":10,"2":11},"outline":"La;a()V"}
`
	m, diags := mustParse(t, text)
	require.Empty(t, diags)
	again, diags := mustParse(t, m.String())
	require.Empty(t, diags)
	require.Equal(t, m.String(), again.String())
	require.Equal(t, text, m.String())
}
