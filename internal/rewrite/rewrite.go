// Package rewrite anonymizes the header block of a raw message. It strips the
// headers that identify the original sender or carry signatures, and swaps the
// addresses in the address headers through a caller-supplied translation.
package rewrite

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tutorbook/mail-relay/internal/parser"
)

// DeletedHeaders are removed outright. A DKIM-Signature stops verifying as
// soon as From is rewritten and strict MTAs reject the relayed copy.
var DeletedHeaders = []string{"Return-Path", "Sender", "Message-ID", "DKIM-Signature"}

// AddressHeaders have each embedded address translated.
var AddressHeaders = []string{"Reply-To", "From", "Cc", "Bcc", "To"}

// TranslateFunc maps one address to its replacement.
type TranslateFunc func(ctx context.Context, addr string) (string, error)

// Rewriter rewrites header blocks for one anonymous mail domain.
type Rewriter struct {
	mailDomain string
}

// New creates a Rewriter. Address headers already mentioning mailDomain are
// left as they are.
func New(mailDomain string) *Rewriter {
	return &Rewriter{mailDomain: strings.ToLower(mailDomain)}
}

// Rewrite returns raw with the deleted headers removed and every address in
// the address headers replaced by translate. The body is returned unchanged.
//
// The five address headers are processed concurrently; the addresses of one
// header kind are translated one after another in the order they appear.
func (r *Rewriter) Rewrite(ctx context.Context, raw string, translate TranslateFunc) (string, error) {
	msg := parser.Split(raw)
	msg.Remove(DeletedHeaders...)

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range AddressHeaders {
		var idx []int
		for i, f := range msg.Fields {
			if f.Is(name) {
				idx = append(idx, i)
			}
		}
		if len(idx) == 0 {
			continue
		}

		g.Go(func() error {
			for _, i := range idx {
				f, err := r.rewriteField(ctx, msg.Fields[i], translate)
				if err != nil {
					return err
				}
				msg.Fields[i] = f
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	return msg.String(), nil
}

func (r *Rewriter) rewriteField(ctx context.Context, f parser.Field, translate TranslateFunc) (parser.Field, error) {
	raw := f.Raw()
	if r.mailDomain != "" && strings.Contains(strings.ToLower(raw), "@"+r.mailDomain) {
		return f, nil
	}

	colon := strings.IndexByte(raw, ':')
	prefix, value := raw[:colon+1], raw[colon+1:]

	var b strings.Builder
	b.WriteString(prefix)
	last := 0
	for _, s := range addressSpans(value) {
		addr := value[s.start:s.end]
		replaced, err := translate(ctx, addr)
		if err != nil {
			return f, fmt.Errorf("failed to rewrite %s address %q: %w", f.Name, addr, err)
		}
		b.WriteString(value[last:s.start])
		b.WriteString(replaced)
		last = s.end
	}
	b.WriteString(value[last:])

	return parser.Field{
		Name:  f.Name,
		Lines: splitLines(b.String()),
	}, nil
}

func splitLines(s string) []string {
	lines := strings.SplitAfter(s, "\n")
	if n := len(lines); n > 1 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}
