package generator

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// pyComment makes s safe to embed in a single-line Python comment.
// Line breaks and other non-printable runes become '?'.
func pyComment(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return '?'
	}, s)
}

// pyLiteral renders a normalized catalog value as a Python source literal.
// Integral numbers with the hex hint render as 0x literals. Map keys are
// sorted so the output is deterministic.
func pyLiteral(v any, hex bool) string {
	switch t := v.(type) {
	case nil:
		return "None"
	case bool:
		if t {
			return "True"
		}
		return "False"
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) && math.Abs(t) < 1<<53 {
			if hex && t >= 0 {
				return fmt.Sprintf("0x%x", int64(t))
			}
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case string:
		return pyString(t)
	case []any:
		items := make([]string, len(t))
		for i, item := range t {
			items[i] = pyLiteral(item, false)
		}
		return "[" + strings.Join(items, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]string, len(keys))
		for i, k := range keys {
			items[i] = pyString(k) + ": " + pyLiteral(t[k], false)
		}
		return "{" + strings.Join(items, ", ") + "}"
	default:
		return pyString(fmt.Sprint(t))
	}
}

// pyString quotes s with single quotes, escaping for Python source.
func pyString(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 || r == 0x7f {
				fmt.Fprintf(&b, `\x%02x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('\'')
	return b.String()
}
