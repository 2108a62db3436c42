package android

import (
	"fmt"
	"strings"

	"github.com/getsentry/cctprof/internal/errorutil"
)

// Signature is a decoded method descriptor such as "(ILjava/lang/String;)V".
// Parameters and Return hold bytecode types.
type Signature struct {
	Parameters []string
	Return     string
}

var primitiveTypes = map[byte]string{
	'Z': "boolean",
	'B': "byte",
	'C': "char",
	'S': "short",
	'I': "int",
	'J': "long",
	'F': "float",
	'D': "double",
	'V': "void",
}

// ParseSignature decodes a method descriptor. The "Unknown" descriptor some
// runtimes emit decodes to a zero Signature.
func ParseSignature(descriptor string) (Signature, error) {
	var s Signature
	if descriptor == "Unknown" {
		return s, nil
	}
	if !strings.HasPrefix(descriptor, "(") {
		return s, fmt.Errorf("android: %w: descriptor %q must start with '('", errorutil.ErrDataIntegrity, descriptor)
	}
	rest := descriptor[1:]
	for {
		if rest == "" {
			return s, fmt.Errorf("android: %w: descriptor %q has no closing ')'", errorutil.ErrDataIntegrity, descriptor)
		}
		if rest[0] == ')' {
			rest = rest[1:]
			break
		}
		t, n, err := nextType(rest)
		if err != nil {
			return s, fmt.Errorf("android: descriptor %q: %w", descriptor, err)
		}
		s.Parameters = append(s.Parameters, t)
		rest = rest[n:]
	}
	if rest == "" {
		return s, fmt.Errorf("android: %w: descriptor %q has no return type", errorutil.ErrDataIntegrity, descriptor)
	}
	t, n, err := nextType(rest)
	if err != nil {
		return s, fmt.Errorf("android: descriptor %q: %w", descriptor, err)
	}
	if n != len(rest) {
		return s, fmt.Errorf("android: %w: descriptor %q has trailing data after the return type", errorutil.ErrDataIntegrity, descriptor)
	}
	s.Return = t
	return s, nil
}

// nextType returns the bytecode type at the start of s and its length.
func nextType(s string) (string, int, error) {
	dims := 0
	for dims < len(s) && s[dims] == '[' {
		dims++
	}
	if dims == len(s) {
		return "", 0, fmt.Errorf("%w: array of nothing", errorutil.ErrDataIntegrity)
	}
	switch c := s[dims]; {
	case c == 'L':
		end := strings.IndexByte(s[dims:], ';')
		if end < 0 {
			return "", 0, fmt.Errorf("%w: class type without ';'", errorutil.ErrDataIntegrity)
		}
		n := dims + end + 1
		return s[:n], n, nil
	case primitiveTypes[c] != "":
		return s[:dims+1], dims + 1, nil
	default:
		return "", 0, fmt.Errorf("%w: unknown type %q", errorutil.ErrDataIntegrity, c)
	}
}

// JavaType renders a bytecode type as Java source would spell it. Class
// names keep their package when qualified is set.
//
//	"Ljava/lang/String;" -> "String" or "java.lang.String"
//	"[[J"                -> "long[][]"
func JavaType(bytecodeType string, qualified bool) (string, error) {
	base := strings.TrimLeft(bytecodeType, "[")
	suffix := strings.Repeat("[]", len(bytecodeType)-len(base))
	if base == "" {
		return "", fmt.Errorf("android: %w: empty type %q", errorutil.ErrDataIntegrity, bytecodeType)
	}
	if name, ok := primitiveTypes[base[0]]; ok && len(base) == 1 {
		return name + suffix, nil
	}
	if len(base) < 3 || base[0] != 'L' || base[len(base)-1] != ';' {
		return "", fmt.Errorf("android: %w: invalid type %q", errorutil.ErrDataIntegrity, bytecodeType)
	}
	class := base[1 : len(base)-1]
	if qualified {
		return strings.ReplaceAll(class, "/", ".") + suffix, nil
	}
	return class[strings.LastIndexByte(class, '/')+1:] + suffix, nil
}

// String renders s with simple type names, "(byte, String): int[]". A void
// return is omitted and a zero Signature renders as "".
func (s Signature) String() string {
	if s.Parameters == nil && s.Return == "" {
		return ""
	}
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range s.Parameters {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(simpleType(p))
	}
	b.WriteByte(')')
	if s.Return != "V" {
		b.WriteString(": ")
		b.WriteString(simpleType(s.Return))
	}
	return b.String()
}

func simpleType(t string) string {
	if name, err := JavaType(t, false); err == nil {
		return name
	}
	return t
}

// Label is the call site label of a method: its fully qualified name followed
// by its rendered signature. Methods with an undecodable signature keep the
// raw descriptor.
func (m Method) Label() string {
	name := m.Name
	if m.ClassName != "" {
		name = m.ClassName + "." + m.Name
	}
	if m.Signature == "" {
		return name
	}
	s, err := ParseSignature(m.Signature)
	if err != nil {
		return name + m.Signature
	}
	return name + s.String()
}
