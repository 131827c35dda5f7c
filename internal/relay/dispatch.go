package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tutorbook/mail-relay/internal/provider"
)

// maxConcurrentSends bounds the sends in flight for one message.
const maxConcurrentSends = 8

// Recipient pairs an attendee's alias with the real address it stands for.
type Recipient struct {
	Alias string
	Real  string
}

// Dispatcher sends one copy of a message per recipient, revealing in each
// copy only that recipient's own real address.
type Dispatcher struct {
	provider provider.Provider
	limiter  *rate.Limiter
}

// NewDispatcher creates a Dispatcher. limiter may be nil for unpaced sends.
func NewDispatcher(p provider.Provider, limiter *rate.Limiter) *Dispatcher {
	return &Dispatcher{provider: p, limiter: limiter}
}

// Personalize replaces every occurrence of the recipient's alias in raw,
// ignoring case, with the recipient's real address. Occurrences that are
// part of a longer address are left alone.
func Personalize(raw string, r Recipient) string {
	re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(r.Alias))

	var b strings.Builder
	last := 0
	for _, loc := range re.FindAllStringIndex(raw, -1) {
		if loc[0] > 0 && isAddrChar(raw[loc[0]-1]) {
			continue
		}
		if continuesAddress(raw[loc[1]:]) {
			continue
		}
		b.WriteString(raw[last:loc[0]])
		b.WriteString(r.Real)
		last = loc[1]
	}
	b.WriteString(raw[last:])
	return b.String()
}

// continuesAddress reports whether rest, the text right after a match,
// extends the matched address. A trailing period ending a sentence does not.
func continuesAddress(rest string) bool {
	if rest == "" {
		return false
	}
	if rest[0] == '.' {
		return len(rest) > 1 && isAddrChar(rest[1]) && rest[1] != '.'
	}
	return isAddrChar(rest[0])
}

// isAddrChar reports whether c can continue the local part or domain of an
// address.
func isAddrChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("._%+-", c) >= 0
}

// Dispatch sends a personalized copy of raw to every recipient concurrently
// and waits for all of them. A failed send does not stop the others; all
// failures are returned joined.
func (d *Dispatcher) Dispatch(ctx context.Context, raw string, recipients []Recipient) error {
	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(maxConcurrentSends)
	for _, r := range recipients {
		r := r
		g.Go(func() error {
			if err := d.send(ctx, raw, r); err != nil {
				slog.Error("failed to relay message",
					"recipient", r.Real,
					"provider", d.provider.Name(),
					"error", err,
				)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			slog.Info("relayed message",
				"recipient", r.Real,
				"provider", d.provider.Name(),
			)
			return nil
		})
	}
	g.Wait()

	return errors.Join(errs...)
}

func (d *Dispatcher) send(ctx context.Context, raw string, r Recipient) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("failed to relay to %s: %w", r.Real, err)
		}
	}
	if err := d.provider.SendRaw(ctx, r.Real, []byte(Personalize(raw, r))); err != nil {
		return fmt.Errorf("failed to relay to %s: %w", r.Real, err)
	}
	return nil
}
