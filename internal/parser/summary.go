package parser

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Summary holds the decoded header values recorded next to an archived email.
type Summary struct {
	Subject string
	Date    time.Time
}

// Summarize decodes the Subject and Date of a raw message. A subject with an
// unknown charset falls back to its raw value; a missing or malformed date
// leaves Date zero.
func Summarize(raw string) (Summary, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read header: %w", err)
	}
	mh := mail.Header{Header: message.Header{Header: h}}

	var s Summary
	s.Subject, err = mh.Subject()
	if err != nil {
		s.Subject = mh.Get("Subject")
	}
	if date, err := mh.Date(); err == nil {
		s.Date = date
	}
	return s, nil
}

// Metadata returns the summary as archive metadata.
func (s Summary) Metadata() map[string]any {
	md := map[string]any{"subject": s.Subject}
	if !s.Date.IsZero() {
		md["date"] = s.Date.UTC().Format(time.RFC3339)
	}
	return md
}
