package rewrite

import "strings"

// span marks an address inside a header value.
type span struct {
	start, end int
}

// addressSpans locates the addresses in a header value: the contents of each
// angle-bracketed addr-spec, and bare addresses outside quoted strings and
// comments. An unquoted display-name word containing @ is returned as well,
// so a real address used as a display name is translated too. Quoted display
// names and comments are never returned.
func addressSpans(v string) []span {
	var spans []span
	tokStart := -1
	inQuote := false
	depth := 0

	flush := func(end int) {
		if tokStart < 0 {
			return
		}
		if strings.Contains(v[tokStart:end], "@") {
			spans = append(spans, span{tokStart, end})
		}
		tokStart = -1
	}

	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case inQuote:
			if c == '\\' {
				i++
			} else if c == '"' {
				inQuote = false
			}
		case depth > 0:
			if c == '(' {
				depth++
			} else if c == ')' {
				depth--
			}
		case c == '"':
			flush(i)
			inQuote = true
		case c == '(':
			flush(i)
			depth = 1
		case c == '<':
			// Words before an angle address belong to the display name.
			tokStart = -1
			end := strings.IndexByte(v[i+1:], '>')
			if end < 0 {
				return spans
			}
			end += i + 1
			start, stop := trimSpan(v, i+1, end)
			if strings.Contains(v[start:stop], "@") {
				spans = append(spans, span{start, stop})
			}
			i = end
		case c == ',' || c == ';' || c == ':' || c == ' ' || c == '\t' || c == '\r' || c == '\n':
			flush(i)
		default:
			if tokStart < 0 {
				tokStart = i
			}
		}
	}
	flush(len(v))

	return spans
}

func trimSpan(s string, start, end int) (int, int) {
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return start, end
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
