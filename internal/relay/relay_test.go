package relay

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tutorbook/mail-relay/internal/anonymize"
	"github.com/tutorbook/mail-relay/internal/inbound"
	"github.com/tutorbook/mail-relay/internal/model"
	"github.com/tutorbook/mail-relay/internal/store"
)

const testMailDomain = "mail.tutorbook.org"

var testTranslation = anonymize.Config{
	MailDomain:     testMailDomain,
	TrustedDomains: []string{"tutorbook.org"},
}

// fakeProvider records every send. Sends to addresses in fail return the
// mapped error.
type fakeProvider struct {
	mu   sync.Mutex
	sent map[string][]string
	fail map[string]error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{sent: map[string][]string{}, fail: map[string]error{}}
}

func (p *fakeProvider) SendRaw(_ context.Context, to string, raw []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[to]; err != nil {
		return err
	}
	p.sent[to] = append(p.sent[to], string(raw))
	return nil
}

func (p *fakeProvider) Name() string {
	return "fake"
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, msgs := range p.sent {
		n += len(msgs)
	}
	return n
}

func (p *fakeProvider) last(to string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.sent[to]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func putAppointments(t *testing.T, s *store.BoltStore, appts ...*model.Appointment) {
	t.Helper()
	for _, a := range appts {
		if err := s.PutAppointment(context.Background(), a); err != nil {
			t.Fatalf("failed to put appointment %s: %v", a.ID, err)
		}
	}
}

func putUsers(t *testing.T, s *store.BoltStore, users ...*model.User) {
	t.Helper()
	for _, u := range users {
		if err := s.PutUser(context.Background(), u); err != nil {
			t.Fatalf("failed to put user %s: %v", u.ID, err)
		}
	}
}

type fixture struct {
	store    *store.BoltStore
	mail     *inbound.MemoryStore
	provider *fakeProvider
	pipeline *Pipeline
}

// newFixture seeds appointment A42 with alice and bob.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := newTestStore(t)
	putUsers(t, s,
		&model.User{ID: "u-alice", Email: "alice@example.com"},
		&model.User{ID: "u-bob", Email: "bob@example.com"},
	)
	putAppointments(t, s, &model.Appointment{
		ID: "A42",
		Attendees: []model.Attendee{
			{UserID: "u-alice", Handle: "alicehandle", Roles: []string{"parent"}},
			{UserID: "u-bob", Handle: "bobhandle", Roles: []string{"tutor"}},
		},
	})

	f := &fixture{store: s, mail: inbound.NewMemoryStore(), provider: newFakeProvider()}
	f.pipeline = New(PipelineConfig{
		Translation: testTranslation,
		MailStore:   f.mail,
		Records:     s,
		Index:       s,
		Directory:   s,
		Provider:    f.provider,
	})
	return f
}

func (f *fixture) emails(t *testing.T, appointmentID string) []model.Email {
	t.Helper()
	emails, err := f.store.Emails(context.Background(), appointmentID)
	if err != nil {
		t.Fatalf("failed to list emails: %v", err)
	}
	return emails
}

func TestResolver_Handles(t *testing.T) {
	t.Parallel()

	r := NewResolver(testMailDomain, nil)
	got := r.Handles([]string{
		"H1@mail.tutorbook.org",
		"someone@example.com",
		"h1@MAIL.tutorbook.org",
		" h2@mail.tutorbook.org ",
		"@mail.tutorbook.org",
	})
	want := []string{"h1", "h2"}
	if len(got) != len(want) {
		t.Fatalf("Handles: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Handles[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestResolver_Resolve(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	putAppointments(t, s,
		&model.Appointment{ID: "A1", Attendees: []model.Attendee{{UserID: "u1", Handle: "h1"}, {UserID: "u2", Handle: "h2"}}},
		&model.Appointment{ID: "A2", Attendees: []model.Attendee{{UserID: "u1", Handle: "h1"}, {UserID: "u3", Handle: "h3"}}},
	)
	r := NewResolver(testMailDomain, s)

	tests := []struct {
		name       string
		recipients []string
		wantID     string
		wantErr    error
	}{
		{"single match", []string{"h1@mail.tutorbook.org", "h2@mail.tutorbook.org"}, "A1", nil},
		{"ambiguous", []string{"h1@mail.tutorbook.org"}, "", model.ErrAmbiguousAppointment},
		{"spans appointments", []string{"h2@mail.tutorbook.org", "h3@mail.tutorbook.org"}, "", model.ErrNoAppointment},
		{"unknown handle", []string{"nobody@mail.tutorbook.org"}, "", model.ErrNoAppointment},
		{"no anonymous recipients", []string{"bob@example.com"}, "", model.ErrNoRecipients},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, _, err := r.Resolve(context.Background(), tt.recipients)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error: got %v, want %v", err, tt.wantErr)
			}
			if id != tt.wantID {
				t.Errorf("id: got %q, want %q", id, tt.wantID)
			}
			if tt.wantErr != nil {
				var re *model.RoutingError
				if !errors.As(err, &re) {
					t.Errorf("error type: got %T, want *model.RoutingError", err)
				}
			}
		})
	}
}

func TestResolver_AmbiguousListsMatches(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	putAppointments(t, s,
		&model.Appointment{ID: "A1", Attendees: []model.Attendee{{UserID: "u1", Handle: "h1"}}},
		&model.Appointment{ID: "A2", Attendees: []model.Attendee{{UserID: "u1", Handle: "h1"}}},
	)

	_, _, err := NewResolver(testMailDomain, s).Resolve(context.Background(), []string{"h1@mail.tutorbook.org"})
	var re *model.RoutingError
	if !errors.As(err, &re) {
		t.Fatalf("error: got %v, want *model.RoutingError", err)
	}
	if len(re.Matches) != 2 || re.Matches[0] != "A1" || re.Matches[1] != "A2" {
		t.Errorf("Matches: got %v, want [A1 A2]", re.Matches)
	}
}

func TestGuard_Processed(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	putAppointments(t, s, &model.Appointment{ID: "A1"})
	g := NewGuard(s)
	ctx := context.Background()

	done, err := g.Processed(ctx, "A1", "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done {
		t.Error("Processed before archive: got true, want false")
	}

	if err := NewArchiver(s).Archive(ctx, "A1", "m1", "Subject: hi\r\n\r\nbody", nil); err != nil {
		t.Fatalf("failed to archive: %v", err)
	}
	done, err = g.Processed(ctx, "A1", "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Error("Processed after archive: got false, want true")
	}
}

func TestArchiver_Archive(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	putAppointments(t, s, &model.Appointment{ID: "A1"})
	a := NewArchiver(s)
	ctx := context.Background()

	md := map[string]any{"timestamp": "2024-05-01T10:00:00Z"}
	raw := "Subject: =?UTF-8?Q?Caf=C3=A9?=\r\nDate: Wed, 01 May 2024 10:00:00 +0000\r\n\r\nbody"
	if err := a.Archive(ctx, "A1", "m1", raw, md); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(md) != 1 {
		t.Errorf("caller metadata mutated: %v", md)
	}

	emails, err := s.Emails(ctx, "A1")
	if err != nil {
		t.Fatalf("failed to list emails: %v", err)
	}
	if len(emails) != 1 {
		t.Fatalf("emails: got %d, want 1", len(emails))
	}
	got := emails[0]
	if string(got.Raw) != raw {
		t.Errorf("Raw: got %q, want %q", got.Raw, raw)
	}
	if got.Metadata["subject"] != "Café" {
		t.Errorf("subject: got %v, want %q", got.Metadata["subject"], "Café")
	}
	if got.Metadata["date"] != "2024-05-01T10:00:00Z" {
		t.Errorf("date: got %v", got.Metadata["date"])
	}
	if got.Metadata["timestamp"] != "2024-05-01T10:00:00Z" {
		t.Errorf("timestamp: got %v", got.Metadata["timestamp"])
	}

	err = a.Archive(ctx, "A1", "m1", raw, md)
	if !errors.Is(err, model.ErrAlreadyArchived) {
		t.Errorf("second archive: got %v, want ErrAlreadyArchived", err)
	}
}
