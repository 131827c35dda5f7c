package rewrite

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/tutorbook/mail-relay/internal/parser"
)

const mailDomain = "mail.tutorbook.org"

// mapTranslator maps addresses from a fixed table and records the order of
// calls per address.
type mapTranslator struct {
	mu    sync.Mutex
	table map[string]string
	calls []string
}

func (m *mapTranslator) translate(_ context.Context, addr string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, addr)
	if v, ok := m.table[addr]; ok {
		return v, nil
	}
	return addr, nil
}

func TestRewrite_StripsAndTranslates(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		"Return-Path: <alice@example.com>",
		"DKIM-Signature: v=1; a=rsa-sha256; d=example.com;",
		"\ts=sel; b=abcdef",
		"Sender: alice@example.com",
		"Message-ID: <123@example.com>",
		"From: \"Alice A\" <alice@example.com>",
		"To: h1@mail.tutorbook.org",
		"Subject: Lesson on Tuesday",
		"X-Custom: alice@example.com",
		"",
		"Hi Bob, write to alice@example.com",
	}, "\r\n")

	tr := &mapTranslator{table: map[string]string{"alice@example.com": "a1@mail.tutorbook.org"}}
	got, err := New(mailDomain).Rewrite(context.Background(), raw, tr.translate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := strings.Join([]string{
		"From: \"Alice A\" <a1@mail.tutorbook.org>",
		"To: h1@mail.tutorbook.org",
		"Subject: Lesson on Tuesday",
		"X-Custom: alice@example.com",
		"",
		"Hi Bob, write to alice@example.com",
	}, "\r\n")
	if got != want {
		t.Errorf("Rewrite:\ngot  %q\nwant %q", got, want)
	}
}

func TestRewrite_BodyUntouched(t *testing.T) {
	t.Parallel()

	body := "\nFrom: bob@example.com\nDKIM-Signature: not a header\n\n<carol@example.com>\n"
	raw := "From: bob@example.com\nTo: h1@mail.tutorbook.org\n" + body

	tr := &mapTranslator{table: map[string]string{"bob@example.com": "b1@mail.tutorbook.org"}}
	got, err := New(mailDomain).Rewrite(context.Background(), raw, tr.translate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasSuffix(got, body) {
		t.Errorf("body changed: got %q", got)
	}
	if got := parser.Split(got).Body; got != body {
		t.Errorf("Body: got %q, want %q", got, body)
	}
}

func TestRewrite_StripsEveryDKIMSignature(t *testing.T) {
	t.Parallel()

	raw := "DKIM-Signature: v=1;\r\n b=one\r\n" +
		"dkim-signature: v=1;\r\n\tb=two;\r\n\t c=three\r\n" +
		"Subject: x\r\n" +
		"DKIM-SIGNATURE: v=1\r\n" +
		"\r\n" +
		"body"

	got, err := New(mailDomain).Rewrite(context.Background(), raw, (&mapTranslator{}).translate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := parser.Split(got)
	if n := msg.Count("DKIM-Signature"); n != 0 {
		t.Errorf("DKIM-Signature count: got %d, want 0", n)
	}
	if want := "Subject: x\r\n\r\nbody"; got != want {
		t.Errorf("Rewrite: got %q, want %q", got, want)
	}
}

func TestRewrite_AddressListsInOrder(t *testing.T) {
	t.Parallel()

	raw := "Cc: Bob <bob@example.com>, carol@example.com,\r\n" +
		" \"Dan, D.\" <dan@example.com>\r\n" +
		"\r\n" +
		"body"

	tr := &mapTranslator{table: map[string]string{
		"bob@example.com":   "b1@mail.tutorbook.org",
		"carol@example.com": "c1@mail.tutorbook.org",
		"dan@example.com":   "d1@mail.tutorbook.org",
	}}
	got, err := New(mailDomain).Rewrite(context.Background(), raw, tr.translate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "Cc: Bob <b1@mail.tutorbook.org>, c1@mail.tutorbook.org,\r\n" +
		" \"Dan, D.\" <d1@mail.tutorbook.org>\r\n" +
		"\r\n" +
		"body"
	if got != want {
		t.Errorf("Rewrite:\ngot  %q\nwant %q", got, want)
	}

	wantCalls := []string{"bob@example.com", "carol@example.com", "dan@example.com"}
	if strings.Join(tr.calls, ",") != strings.Join(wantCalls, ",") {
		t.Errorf("calls: got %v, want %v", tr.calls, wantCalls)
	}
}

func TestRewrite_SkipsHeaderAlreadyAnonymized(t *testing.T) {
	t.Parallel()

	raw := "To: h1@mail.tutorbook.org, eve@example.com\r\n" +
		"From: alice@example.com\r\n" +
		"\r\n"

	tr := &mapTranslator{table: map[string]string{
		"alice@example.com": "a1@mail.tutorbook.org",
		"eve@example.com":   "e1@mail.tutorbook.org",
	}}
	got, err := New(mailDomain).Rewrite(context.Background(), raw, tr.translate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "To: h1@mail.tutorbook.org, eve@example.com\r\n" +
		"From: a1@mail.tutorbook.org\r\n" +
		"\r\n"
	if got != want {
		t.Errorf("Rewrite:\ngot  %q\nwant %q", got, want)
	}
	for _, c := range tr.calls {
		if c == "eve@example.com" {
			t.Error("translated an address in an already anonymized header")
		}
	}
}

func TestRewrite_QuotedAtInDisplayName(t *testing.T) {
	t.Parallel()

	raw := "From: \"alice@example.com\" <alice@example.com> (via web)\r\n\r\n"
	tr := &mapTranslator{table: map[string]string{"alice@example.com": "a1@mail.tutorbook.org"}}

	got, err := New(mailDomain).Rewrite(context.Background(), raw, tr.translate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "From: \"alice@example.com\" <a1@mail.tutorbook.org> (via web)\r\n\r\n"
	if got != want {
		t.Errorf("Rewrite: got %q, want %q", got, want)
	}
}

func TestRewrite_UnquotedAddressAsDisplayName(t *testing.T) {
	t.Parallel()

	raw := "From: bob@x.com <bob@x.com>\r\n\r\n"
	tr := &mapTranslator{table: map[string]string{"bob@x.com": "h1@mail.tutorbook.org"}}

	got, err := New(mailDomain).Rewrite(context.Background(), raw, tr.translate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "From: h1@mail.tutorbook.org <h1@mail.tutorbook.org>\r\n\r\n"
	if got != want {
		t.Errorf("Rewrite: got %q, want %q", got, want)
	}
	if strings.Contains(got, "bob@x.com") {
		t.Errorf("real address left in header: %q", got)
	}
}

func TestRewrite_ErrorNamesHeaderAndAddress(t *testing.T) {
	t.Parallel()

	raw := "From: alice@example.com\r\nReply-To: <bad@example.com>\r\n\r\n"
	boom := errors.New("directory unavailable")
	translate := func(_ context.Context, addr string) (string, error) {
		if addr == "bad@example.com" {
			return "", boom
		}
		return addr, nil
	}

	_, err := New(mailDomain).Rewrite(context.Background(), raw, translate)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, boom) {
		t.Errorf("error chain: got %v, want %v", err, boom)
	}
	if !strings.Contains(err.Error(), "Reply-To") || !strings.Contains(err.Error(), "bad@example.com") {
		t.Errorf("error message: got %q, want header and address named", err.Error())
	}
}

func TestAddressSpans(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value string
		want  []string
	}{
		{" alice@example.com", []string{"alice@example.com"}},
		{" Alice <alice@example.com>", []string{"alice@example.com"}},
		{" < alice@example.com >", []string{"alice@example.com"}},
		{" a@x.com, \"B, b\" <b@y.com>;", []string{"a@x.com", "b@y.com"}},
		{" undisclosed-recipients:;", nil},
		{" team: a@x.com, b@y.com;", []string{"a@x.com", "b@y.com"}},
		{" (comment a@x.com) b@y.com", []string{"b@y.com"}},
		{" bob@x.com <bob@x.com>", []string{"bob@x.com", "bob@x.com"}},
		{" Bob <bob@x.com>, c@z.com", []string{"bob@x.com", "c@z.com"}},
	}

	for _, tt := range tests {
		var got []string
		for _, s := range addressSpans(tt.value) {
			got = append(got, tt.value[s.start:s.end])
		}
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("addressSpans(%q): got %v, want %v", tt.value, got, tt.want)
		}
	}
}
