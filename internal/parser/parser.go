// Package parser tokenizes the header block of an RFC 5322 message into
// fields while keeping every byte of the original, so that selected fields can
// be edited and the message re-serialized without disturbing anything else.
package parser

import (
	"strings"
)

// Field is one header field as it appeared on the wire. Lines holds the first
// line and any folded continuation lines, each with its original terminator.
type Field struct {
	// Name is the field name as written, or empty for a malformed line
	// without a colon.
	Name  string
	Lines []string
}

// Is reports whether the field has the given name, ignoring case.
func (f Field) Is(name string) bool {
	return f.Name != "" && strings.EqualFold(f.Name, name)
}

// Raw returns the field exactly as it appeared, including line terminators.
func (f Field) Raw() string {
	return strings.Join(f.Lines, "")
}

// Message is a raw message split at the first blank line.
type Message struct {
	Fields []Field

	// Body starts with the blank line separating it from the header block,
	// or is empty when the message has no blank line.
	Body string
}

// Split tokenizes raw into header fields and body. Both CRLF and LF line
// endings are accepted and kept as they are.
func Split(raw string) *Message {
	msg := &Message{}

	pos := 0
	for pos < len(raw) {
		end := strings.IndexByte(raw[pos:], '\n')
		var line string
		if end < 0 {
			line = raw[pos:]
		} else {
			line = raw[pos : pos+end+1]
		}

		if isBlank(line) {
			msg.Body = raw[pos:]
			return msg
		}

		if (line[0] == ' ' || line[0] == '\t') && len(msg.Fields) > 0 {
			last := &msg.Fields[len(msg.Fields)-1]
			last.Lines = append(last.Lines, line)
		} else {
			msg.Fields = append(msg.Fields, Field{
				Name:  fieldName(line),
				Lines: []string{line},
			})
		}
		pos += len(line)
	}

	return msg
}

// String re-serializes the message.
func (m *Message) String() string {
	var b strings.Builder
	for _, f := range m.Fields {
		for _, l := range f.Lines {
			b.WriteString(l)
		}
	}
	b.WriteString(m.Body)
	return b.String()
}

// Header returns the serialized header block without the body.
func (m *Message) Header() string {
	var b strings.Builder
	for _, f := range m.Fields {
		b.WriteString(f.Raw())
	}
	return b.String()
}

// Remove drops every field whose name matches one of names, ignoring case,
// and returns the number of fields removed.
func (m *Message) Remove(names ...string) int {
	kept := m.Fields[:0]
	removed := 0
	for _, f := range m.Fields {
		if f.matchesAny(names) {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	m.Fields = kept
	return removed
}

// Count returns the number of fields with the given name.
func (m *Message) Count(name string) int {
	n := 0
	for _, f := range m.Fields {
		if f.Is(name) {
			n++
		}
	}
	return n
}

func (f Field) matchesAny(names []string) bool {
	for _, n := range names {
		if f.Is(n) {
			return true
		}
	}
	return false
}

func isBlank(line string) bool {
	return line == "\n" || line == "\r\n" || line == "\r"
}

// fieldName extracts the name before the colon. Lines without a colon, or
// whose name contains whitespace, are treated as malformed.
func fieldName(line string) string {
	i := strings.IndexByte(line, ':')
	if i <= 0 {
		return ""
	}
	name := line[:i]
	if strings.ContainsAny(name, " \t") {
		name = strings.TrimRight(name, " \t")
		if name == "" || strings.ContainsAny(name, " \t") {
			return ""
		}
	}
	return name
}
