// Package mapping holds the in-memory form of a Proguard-style mapping file
// and the parser that builds it.
//
// A Model is built once by Parse and is read-only afterwards; it can be
// shared by any number of concurrent readers.
package mapping

import (
	"strconv"
	"strings"
)

// Range is an inclusive line range. Start is never greater than End for
// obfuscated ranges.
type Range struct {
	Start int
	End   int
}

// NormalizedRange builds an obfuscated range, swapping reversed bounds.
func NormalizedRange(a, b int) Range {
	if a > b {
		a, b = b, a
	}
	return Range{Start: a, End: b}
}

func (r Range) Contains(line int) bool { return line >= r.Start && line <= r.End }

func (r Range) IsSingleLine() bool { return r.Start == r.End }

func (r Range) Span() int { return r.End - r.Start }

func (r Range) String() string {
	return strconv.Itoa(r.Start) + ":" + strconv.Itoa(r.End)
}

// MethodSignature is an original method signature. Holder is set when the
// mapping qualifies the method with a class, which happens for methods
// inlined from another class.
type MethodSignature struct {
	Holder     string
	Name       string
	ReturnType string
	Parameters []string
}

// QualifiedName returns Holder.Name, or Name when the method is not qualified.
func (s MethodSignature) QualifiedName() string {
	if s.Holder == "" {
		return s.Name
	}
	return s.Holder + "." + s.Name
}

// String formats the signature the way it is written in a mapping file.
func (s MethodSignature) String() string {
	var b strings.Builder
	b.WriteString(s.ReturnType)
	b.WriteByte(' ')
	b.WriteString(s.QualifiedName())
	b.WriteByte('(')
	b.WriteString(strings.Join(s.Parameters, ","))
	b.WriteByte(')')
	return b.String()
}

func (s MethodSignature) Equal(o MethodSignature) bool {
	if s.Holder != o.Holder || s.Name != o.Name || s.ReturnType != o.ReturnType || len(s.Parameters) != len(o.Parameters) {
		return false
	}
	for i := range s.Parameters {
		if s.Parameters[i] != o.Parameters[i] {
			return false
		}
	}
	return true
}

// Member is a FieldMapping or a MethodMapping.
type Member interface {
	Original() string
	Obfuscated() string
	member()
}

type FieldMapping struct {
	Name           string
	Type           string
	ObfuscatedName string
	Informations   []Information
}

func (f *FieldMapping) Original() string   { return f.Name }
func (f *FieldMapping) Obfuscated() string { return f.ObfuscatedName }
func (*FieldMapping) member()              {}

func (f *FieldMapping) IsCompilerSynthesized() bool {
	return hasInformation[CompilerSynthesized](f.Informations)
}

// MethodMapping is one original method renamed to ObfuscatedName. Ranges
// holds the innermost link of every inline chain whose outermost frame is
// this method, in file order.
type MethodMapping struct {
	Signature      MethodSignature
	ObfuscatedName string
	Ranges         []*MappedRange
	Informations   []Information
}

func (m *MethodMapping) Original() string   { return m.Signature.Name }
func (m *MethodMapping) Obfuscated() string { return m.ObfuscatedName }
func (*MethodMapping) member()              {}

func (m *MethodMapping) IsCompilerSynthesized() bool {
	return hasInformation[CompilerSynthesized](m.Informations)
}

// IsOutline reports whether the method or one of its ranges is marked as
// an outline.
func (m *MethodMapping) IsOutline() bool {
	if hasInformation[Outline](m.Informations) {
		return true
	}
	for _, r := range m.Ranges {
		for l := r; l != nil; l = l.Caller {
			if hasInformation[Outline](l.Informations) {
				return true
			}
		}
	}
	return false
}

// ResidualSignature returns the raw residual descriptor recorded for the
// method, looking at the method and then at its ranges.
func (m *MethodMapping) ResidualSignature() (string, bool) {
	if info, ok := findInformation[ResidualSignature](m.Informations); ok {
		return info.Signature, true
	}
	for _, r := range m.Ranges {
		for l := r; l != nil; l = l.Caller {
			if info, ok := findInformation[ResidualSignature](l.Informations); ok {
				return info.Signature, true
			}
		}
	}
	return "", false
}

// MappedRange maps obfuscated lines of a method body to original lines of
// Method. Caller links an inlined frame to the frame it was inlined into;
// the last link of a chain has a nil Caller and is the compiled method.
type MappedRange struct {
	// Obfuscated is nil for a member line without line information.
	Obfuscated *Range
	// Original is nil when the original position is not given, in which
	// case it equals the obfuscated one.
	Original     *Range
	Method       MethodSignature
	Caller       *MappedRange
	Informations []Information

	// seq is the declaration order of the line within its class.
	seq int
}

// Seq is the 0-based position of the range line among the member lines of
// its class.
func (r *MappedRange) Seq() int { return r.seq }

// OriginalLine translates an obfuscated line to the original line of this
// link.
func (r *MappedRange) OriginalLine(obfuscatedLine int) int {
	switch {
	case r.Original == nil:
		return obfuscatedLine
	case r.Original.IsSingleLine() || r.Obfuscated == nil:
		return r.Original.Start
	default:
		return r.Original.Start + (obfuscatedLine - r.Obfuscated.Start)
	}
}

// Chain returns the links from r outward.
func (r *MappedRange) Chain() []*MappedRange {
	var out []*MappedRange
	for l := r; l != nil; l = l.Caller {
		out = append(out, l)
	}
	return out
}

// Outermost returns the last link of the chain.
func (r *MappedRange) Outermost() *MappedRange {
	l := r
	for l.Caller != nil {
		l = l.Caller
	}
	return l
}

func (r *MappedRange) IsCompilerSynthesized() bool {
	return hasInformation[CompilerSynthesized](r.Informations)
}

func (r *MappedRange) OutlineCallsite() (OutlineCallsite, bool) {
	return findInformation[OutlineCallsite](r.Informations)
}

func (r *MappedRange) RewriteFrames() []RewriteFrame {
	var out []RewriteFrame
	for _, info := range r.Informations {
		if rf, ok := info.(RewriteFrame); ok {
			out = append(out, rf)
		}
	}
	return out
}

type ClassMapping struct {
	OriginalName   string
	ObfuscatedName string
	Informations   []Information

	members []Member
	methods map[string][]*MethodMapping
	fields  map[string][]*FieldMapping
}

func newClassMapping(original, obfuscated string) *ClassMapping {
	return &ClassMapping{
		OriginalName:   original,
		ObfuscatedName: obfuscated,
		methods:        make(map[string][]*MethodMapping),
		fields:         make(map[string][]*FieldMapping),
	}
}

// Members returns fields and methods in the order they first appear.
func (c *ClassMapping) Members() []Member { return c.members }

// Methods returns every method renamed to obfuscated, in file order.
func (c *ClassMapping) Methods(obfuscated string) []*MethodMapping { return c.methods[obfuscated] }

// Fields returns every field renamed to obfuscated, in file order.
func (c *ClassMapping) Fields(obfuscated string) []*FieldMapping { return c.fields[obfuscated] }

func (c *ClassMapping) SourceFile() (string, bool) {
	if info, ok := findInformation[SourceFile](c.Informations); ok {
		return info.FileName, true
	}
	return "", false
}

func (c *ClassMapping) IsSynthesized() bool {
	return hasInformation[Synthesized](c.Informations)
}

func (c *ClassMapping) IsOutline() bool {
	return hasInformation[Outline](c.Informations)
}

func (c *ClassMapping) method(sig MethodSignature, obfuscated string) *MethodMapping {
	for _, m := range c.methods[obfuscated] {
		if m.Signature.Equal(sig) {
			return m
		}
	}
	m := &MethodMapping{Signature: sig, ObfuscatedName: obfuscated}
	c.methods[obfuscated] = append(c.methods[obfuscated], m)
	c.members = append(c.members, m)
	return m
}

func (c *ClassMapping) addField(f *FieldMapping) {
	c.fields[f.ObfuscatedName] = append(c.fields[f.ObfuscatedName], f)
	c.members = append(c.members, f)
}

type Model struct {
	// Version is the map version declared by a mapping information
	// record, empty when absent.
	Version string
	// Preamble holds information records that appear before the first class.
	Preamble []Information

	classes    []*ClassMapping
	obfuscated map[string]*ClassMapping
	original   map[string]*ClassMapping
}

func newModel() *Model {
	return &Model{
		obfuscated: make(map[string]*ClassMapping),
		original:   make(map[string]*ClassMapping),
	}
}

// Empty returns a model without classes. Every lookup against it misses.
func Empty() *Model { return newModel() }

func (m *Model) Class(obfuscated string) (*ClassMapping, bool) {
	c, ok := m.obfuscated[obfuscated]
	return c, ok
}

func (m *Model) ClassByOriginal(original string) (*ClassMapping, bool) {
	c, ok := m.original[original]
	return c, ok
}

// Classes returns the classes in file order.
func (m *Model) Classes() []*ClassMapping { return m.classes }

func (m *Model) Len() int { return len(m.classes) }

func (m *Model) addClass(c *ClassMapping) {
	m.classes = append(m.classes, c)
	m.obfuscated[c.ObfuscatedName] = c
	if _, ok := m.original[c.OriginalName]; !ok {
		m.original[c.OriginalName] = c
	}
}
