package mapping

import (
	"fmt"
	"strings"
)

var primitives = map[byte]string{
	'V': "void",
	'Z': "boolean",
	'B': "byte",
	'S': "short",
	'C': "char",
	'I': "int",
	'J': "long",
	'F': "float",
	'D': "double",
}

var primitiveDescriptors = func() map[string]byte {
	m := make(map[string]byte, len(primitives))
	for d, n := range primitives {
		m[n] = d
	}
	return m
}()

type InvalidDescriptorError struct {
	Descriptor string
	Reason     string
}

func (e *InvalidDescriptorError) Error() string {
	return fmt.Sprintf("invalid descriptor %q: %s", e.Descriptor, e.Reason)
}

// MethodDescriptor is a decoded method descriptor with Java type names.
type MethodDescriptor struct {
	Parameters []string
	ReturnType string
}

func (d MethodDescriptor) String() string {
	return "(" + strings.Join(d.Parameters, ",") + ")" + d.ReturnType
}

// IsPrimitive reports whether name is a primitive type name or void.
func IsPrimitive(name string) bool {
	_, ok := primitiveDescriptors[name]
	return ok
}

// TypeFromDescriptor converts a field descriptor such as "[Ljava/lang/String;"
// to a Java type name such as "java.lang.String[]".
func TypeFromDescriptor(desc string) (string, error) {
	t, n, err := readType(desc, 0)
	if err != nil {
		return "", err
	}
	if n != len(desc) {
		return "", &InvalidDescriptorError{Descriptor: desc, Reason: "trailing characters"}
	}
	return t, nil
}

func readType(desc string, pos int) (string, int, error) {
	dims := 0
	for pos < len(desc) && desc[pos] == '[' {
		dims++
		pos++
	}
	if pos >= len(desc) {
		return "", pos, &InvalidDescriptorError{Descriptor: desc, Reason: "unexpected end"}
	}
	var name string
	switch c := desc[pos]; c {
	case 'L':
		end := strings.IndexByte(desc[pos:], ';')
		if end <= 1 {
			return "", pos, &InvalidDescriptorError{Descriptor: desc, Reason: "unterminated class type"}
		}
		name = strings.ReplaceAll(desc[pos+1:pos+end], "/", ".")
		pos += end + 1
	default:
		p, ok := primitives[c]
		if !ok {
			return "", pos, &InvalidDescriptorError{Descriptor: desc, Reason: fmt.Sprintf("unexpected %q", c)}
		}
		if c == 'V' && dims > 0 {
			return "", pos, &InvalidDescriptorError{Descriptor: desc, Reason: "array of void"}
		}
		name = p
		pos++
	}
	return name + strings.Repeat("[]", dims), pos, nil
}

// ParseMethodDescriptor decodes a descriptor such as "(I[Ljava/lang/String;)V".
func ParseMethodDescriptor(desc string) (MethodDescriptor, error) {
	if !strings.HasPrefix(desc, "(") {
		return MethodDescriptor{}, &InvalidDescriptorError{Descriptor: desc, Reason: "missing '('"}
	}
	pos := 1
	var params []string
	for pos < len(desc) && desc[pos] != ')' {
		t, n, err := readType(desc, pos)
		if err != nil {
			return MethodDescriptor{}, err
		}
		if t == "void" {
			return MethodDescriptor{}, &InvalidDescriptorError{Descriptor: desc, Reason: "void parameter"}
		}
		params = append(params, t)
		pos = n
	}
	if pos >= len(desc) {
		return MethodDescriptor{}, &InvalidDescriptorError{Descriptor: desc, Reason: "missing ')'"}
	}
	ret, n, err := readType(desc, pos+1)
	if err != nil {
		return MethodDescriptor{}, err
	}
	if n != len(desc) {
		return MethodDescriptor{}, &InvalidDescriptorError{Descriptor: desc, Reason: "trailing characters"}
	}
	return MethodDescriptor{Parameters: params, ReturnType: ret}, nil
}

// DescriptorFromType converts a Java type name to a field descriptor.
func DescriptorFromType(name string) string {
	dims := 0
	for strings.HasSuffix(name, "[]") {
		dims++
		name = name[:len(name)-2]
	}
	var d string
	if p, ok := primitiveDescriptors[name]; ok {
		d = string(p)
	} else {
		d = "L" + strings.ReplaceAll(name, ".", "/") + ";"
	}
	return strings.Repeat("[", dims) + d
}

// MethodReference is a residual method reference such as "La;b(I)V".
type MethodReference struct {
	Class      string
	Name       string
	Descriptor MethodDescriptor
}

func ParseMethodReference(ref string) (MethodReference, error) {
	if !strings.HasPrefix(ref, "L") {
		return MethodReference{}, &InvalidDescriptorError{Descriptor: ref, Reason: "missing holder type"}
	}
	semi := strings.IndexByte(ref, ';')
	paren := strings.IndexByte(ref, '(')
	if semi < 0 || paren < semi+2 {
		return MethodReference{}, &InvalidDescriptorError{Descriptor: ref, Reason: "malformed method reference"}
	}
	holder, err := TypeFromDescriptor(ref[:semi+1])
	if err != nil {
		return MethodReference{}, err
	}
	desc, err := ParseMethodDescriptor(ref[paren:])
	if err != nil {
		return MethodReference{}, err
	}
	return MethodReference{Class: holder, Name: ref[semi+1 : paren], Descriptor: desc}, nil
}
