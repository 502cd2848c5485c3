package retrace

import (
	"strings"

	"github.com/grafana/retrace/pkg/mapping"
)

type Kind int

const (
	// KindUnknown means the input has no mapping and is kept as is.
	KindUnknown Kind = iota
	KindKnown
	KindAmbiguous
)

func (k Kind) String() string {
	switch k {
	case KindKnown:
		return "known"
	case KindAmbiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// Result is a lookup answer with zero, one or several candidates.
type Result[T any] struct {
	candidates []T
}

func newResult[T any](candidates []T) Result[T] { return Result[T]{candidates: candidates} }

func (r Result[T]) Kind() Kind {
	switch len(r.candidates) {
	case 0:
		return KindUnknown
	case 1:
		return KindKnown
	default:
		return KindAmbiguous
	}
}

func (r Result[T]) Candidates() []T { return r.candidates }

func (r Result[T]) Len() int { return len(r.candidates) }

func (r Result[T]) First() (T, bool) {
	if len(r.candidates) == 0 {
		var zero T
		return zero, false
	}
	return r.candidates[0], true
}

func (r Result[T]) IsUnknown() bool { return len(r.candidates) == 0 }

func (r Result[T]) IsAmbiguous() bool { return len(r.candidates) > 1 }

// ClassResult is the answer for a class name. It is never ambiguous.
type ClassResult struct {
	Obfuscated string
	class      *mapping.ClassMapping
}

func (r ClassResult) Kind() Kind {
	if r.class == nil {
		return KindUnknown
	}
	return KindKnown
}

func (r ClassResult) Mapping() (*mapping.ClassMapping, bool) { return r.class, r.class != nil }

// Name returns the original name, or the obfuscated one when unknown.
func (r ClassResult) Name() string {
	if r.class == nil {
		return r.Obfuscated
	}
	return r.class.OriginalName
}

// SourceFile returns the source file to print for the class given the
// source file found in the input.
func (r ClassResult) SourceFile(input string) string {
	if r.class == nil {
		return input
	}
	if file, ok := r.class.SourceFile(); ok {
		return file
	}
	return InferSourceFile(r.class.OriginalName, input)
}

type Field struct {
	Class               string
	Name                string
	Type                string
	CompilerSynthesized bool
}

// Verbose formats the field as "type name".
func (f Field) Verbose() string { return f.Type + " " + f.Name }

type Method struct {
	Class     string
	Signature mapping.MethodSignature
	// Residual is the obfuscated descriptor when the mapping records one.
	Residual            *mapping.MethodDescriptor
	CompilerSynthesized bool
	Outline             bool
}

// Frame is one logical frame of a retraced stack frame.
type Frame struct {
	// Class is the original class holding Method at this depth.
	Class string
	// Method has an empty Holder; see Class.
	Method  mapping.MethodSignature
	Line    int
	HasLine bool
	// Depth is 0 for the innermost inlined frame.
	Depth               int
	CompilerSynthesized bool
	// Outline is set on an outline body whose position is carried to the
	// next frame in the context.
	Outline bool
	// RemovedByRewrite is set on frames a rewrite rule removes for the
	// thrown exception.
	RemovedByRewrite bool

	sourceFile string
}

// SourceFile returns the source file to print given the input source file.
func (f Frame) SourceFile(input string) string {
	if f.sourceFile != "" {
		return f.sourceFile
	}
	return InferSourceFile(f.Class, input)
}

// MethodName returns the method name, or "returnType name(params)" when
// verbose.
func (f Frame) MethodName(verbose bool) string {
	if !verbose {
		return f.Method.Name
	}
	return f.Method.ReturnType + " " + f.Method.Name + "(" + strings.Join(f.Method.Parameters, ",") + ")"
}

// LineOr returns the original line, or def when the frame has none.
func (f Frame) LineOr(def int) int {
	if f.HasLine {
		return f.Line
	}
	return def
}

// FrameChain is one candidate for a stack frame: the inline chain from the
// innermost frame to the compiled method.
type FrameChain []Frame

type (
	FieldResult  = Result[Field]
	MethodResult = Result[Method]
	FrameResult  = Result[FrameChain]
)
