package manifest

import (
	"fmt"
	"strings"
)

// Interpolate expands compose-style variable references in src: $VAR, ${VAR}
// and ${VAR:-default}. An unset variable without a default expands to the
// empty string, matching compose. $$ escapes a literal dollar sign.
func Interpolate(src string, lookup func(string) (string, bool)) (string, error) {
	var out strings.Builder
	out.Grow(len(src))

	for i := 0; i < len(src); i++ {
		ch := src[i]
		if ch != '$' {
			out.WriteByte(ch)
			continue
		}
		if i+1 >= len(src) {
			return "", fmt.Errorf("dangling $ at end of manifest")
		}
		next := src[i+1]
		switch {
		case next == '$':
			out.WriteByte('$')
			i++
		case next == '{':
			end := strings.IndexByte(src[i+2:], '}')
			if end < 0 {
				return "", fmt.Errorf("unclosed ${ in manifest")
			}
			expr := src[i+2 : i+2+end]
			value, err := resolve(expr, lookup)
			if err != nil {
				return "", err
			}
			out.WriteString(value)
			i += 2 + end
		case isNameByte(next):
			j := i + 1
			for j < len(src) && isNameByte(src[j]) {
				j++
			}
			if value, ok := lookup(src[i+1 : j]); ok {
				out.WriteString(value)
			}
			i = j - 1
		default:
			return "", fmt.Errorf("invalid variable reference at %q", src[i:min(i+8, len(src))])
		}
	}
	return out.String(), nil
}

// resolve evaluates the inside of a ${...} expression. Supported operators
// are ":-" (default when unset or empty) and "-" (default when unset only).
func resolve(expr string, lookup func(string) (string, bool)) (string, error) {
	name := expr
	op := ""
	def := ""
	for i := 0; i < len(expr); i++ {
		if expr[i] == ':' && i+1 < len(expr) && expr[i+1] == '-' {
			name, op, def = expr[:i], ":-", expr[i+2:]
			break
		}
		if expr[i] == '-' {
			name, op, def = expr[:i], "-", expr[i+1:]
			break
		}
	}
	if name == "" || !isName(name) {
		return "", fmt.Errorf("invalid variable name in ${%s}", expr)
	}

	value, ok := lookup(name)
	switch op {
	case ":-":
		if !ok || value == "" {
			return def, nil
		}
	case "-":
		if !ok {
			return def, nil
		}
	}
	return value, nil
}

func isName(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isNameByte(s[i]) {
			return false
		}
	}
	return len(s) > 0
}

func isNameByte(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
