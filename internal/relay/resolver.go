package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/tutorbook/mail-relay/internal/model"
	"github.com/tutorbook/mail-relay/internal/store"
)

// Resolver routes an inbound message to the one appointment all of its
// anonymous recipients belong to.
type Resolver struct {
	mailDomain string
	index      store.SearchIndex
}

// NewResolver creates a Resolver for aliases in mailDomain.
func NewResolver(mailDomain string, index store.SearchIndex) *Resolver {
	return &Resolver{mailDomain: mailDomain, index: index}
}

// Handles extracts the lowercase, de-duplicated handles of the recipients in
// the mail domain, in their original order.
func (r *Resolver) Handles(recipients []string) []string {
	seen := make(map[string]bool, len(recipients))
	var handles []string
	for _, rcpt := range recipients {
		rcpt = strings.TrimSpace(rcpt)
		if !model.InDomain(rcpt, r.mailDomain) {
			continue
		}
		local, _ := model.SplitAddress(rcpt)
		h := strings.ToLower(local)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		handles = append(handles, h)
	}
	return handles
}

// Resolve returns the id of the single appointment having an attendee for
// every recipient handle, along with those handles. No match and several
// matches are both reported as a *model.RoutingError.
func (r *Resolver) Resolve(ctx context.Context, recipients []string) (string, []string, error) {
	handles := r.Handles(recipients)
	if len(handles) == 0 {
		return "", nil, &model.RoutingError{Handles: recipients, Err: model.ErrNoRecipients}
	}

	ids, err := r.index.FindAppointments(ctx, handles)
	if err != nil {
		return "", handles, fmt.Errorf("failed to search appointments for [%s]: %w", strings.Join(handles, ", "), err)
	}

	switch len(ids) {
	case 0:
		return "", handles, &model.RoutingError{Handles: handles, Err: model.ErrNoAppointment}
	case 1:
		return ids[0], handles, nil
	default:
		return "", handles, &model.RoutingError{Handles: handles, Matches: ids, Err: model.ErrAmbiguousAppointment}
	}
}
