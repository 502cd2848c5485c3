package retrace

import "strings"

var keptSourceFiles = map[string]bool{
	"":               true,
	"Unknown Source": true,
	"Native Method":  true,
}

// InferSourceFile derives a source file name from a class name: the simple
// name of the outermost class with the extension of input when it is
// ".kt", ".java" otherwise. Markers such as "Unknown Source" are kept.
func InferSourceFile(className, input string) string {
	if keptSourceFiles[input] {
		return input
	}
	simple := className
	if dot := strings.LastIndexByte(simple, '.'); dot >= 0 {
		simple = simple[dot+1:]
	}
	if dollar := strings.IndexByte(simple, '$'); dollar > 0 {
		simple = simple[:dollar]
	}
	ext := ".java"
	if strings.HasSuffix(input, ".kt") {
		ext = ".kt"
	}
	return simple + ext
}
