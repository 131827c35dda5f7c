package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/tutorbook/mail-relay/internal/model"
)

var (
	appointmentsBucket = []byte("appointments")
	handlesBucket      = []byte("handles")
	usersBucket        = []byte("users")
	usersByEmailBucket = []byte("users_by_email")
	emailsBucket       = []byte("emails")
)

var (
	_ RecordStore = (*BoltStore)(nil)
	_ SearchIndex = (*BoltStore)(nil)
	_ Directory   = (*BoltStore)(nil)
)

// BoltStore implements RecordStore, SearchIndex and Directory on a single
// bbolt file. Every mutation runs in one write transaction, so appends are
// never computed from a stale read.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appointmentsBucket, handlesBucket, usersBucket, usersByEmailBucket, emailsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutAppointment creates or replaces an appointment and indexes its handles.
func (s *BoltStore) PutAppointment(_ context.Context, appt *model.Appointment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if old, err := getAppointment(tx, appt.ID); err == nil {
			for _, att := range old.Attendees {
				if err := unindexHandle(tx, att.Handle, appt.ID); err != nil {
					return err
				}
			}
		}
		for i := range appt.Attendees {
			appt.Attendees[i].Handle = strings.ToLower(appt.Attendees[i].Handle)
			if err := indexHandle(tx, appt.Attendees[i].Handle, appt.ID); err != nil {
				return err
			}
		}
		return putJSON(tx.Bucket(appointmentsBucket), appt.ID, appt)
	})
}

func (s *BoltStore) GetAppointment(_ context.Context, id string) (*model.Appointment, error) {
	var appt *model.Appointment
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		appt, err = getAppointment(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

func (s *BoltStore) AppendAttendee(_ context.Context, appointmentID string, att model.Attendee) (model.Attendee, error) {
	att.Handle = strings.ToLower(att.Handle)

	var result model.Attendee
	err := s.db.Update(func(tx *bolt.Tx) error {
		appt, err := getAppointment(tx, appointmentID)
		if err != nil {
			return err
		}

		if existing, ok := appt.AttendeeByUser(att.UserID); ok {
			result = existing
			return nil
		}
		if _, ok := appt.AttendeeByHandle(att.Handle); ok {
			return fmt.Errorf("failed to append attendee %s to %s: %w", att.Handle, appointmentID, ErrHandleTaken)
		}

		appt.Attendees = append(appt.Attendees, att)
		if err := indexHandle(tx, att.Handle, appointmentID); err != nil {
			return err
		}
		if err := putJSON(tx.Bucket(appointmentsBucket), appointmentID, appt); err != nil {
			return err
		}
		result = att
		return nil
	})
	if err != nil {
		return model.Attendee{}, err
	}
	return result, nil
}

func (s *BoltStore) EmailExists(_ context.Context, appointmentID, messageID string) (bool, error) {
	exists := false
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := getAppointment(tx, appointmentID); err != nil {
			return err
		}
		b := tx.Bucket(emailsBucket).Bucket([]byte(appointmentID))
		exists = b != nil && b.Get([]byte(messageID)) != nil
		return nil
	})
	return exists, err
}

func (s *BoltStore) ArchiveEmail(_ context.Context, appointmentID string, email model.Email) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getAppointment(tx, appointmentID); err != nil {
			return err
		}
		b, err := tx.Bucket(emailsBucket).CreateBucketIfNotExists([]byte(appointmentID))
		if err != nil {
			return fmt.Errorf("failed to create emails bucket for %s: %w", appointmentID, err)
		}
		if b.Get([]byte(email.MessageID)) != nil {
			return fmt.Errorf("email %s in %s: %w", email.MessageID, appointmentID, model.ErrAlreadyArchived)
		}
		return putJSON(b, email.MessageID, email)
	})
}

// Emails lists the archived emails of an appointment ordered by message id.
func (s *BoltStore) Emails(_ context.Context, appointmentID string) ([]model.Email, error) {
	var emails []model.Email
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(emailsBucket).Bucket([]byte(appointmentID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var e model.Email
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to unmarshal email %s: %w", k, err)
			}
			emails = append(emails, e)
			return nil
		})
	})
	return emails, err
}

func (s *BoltStore) FindAppointments(_ context.Context, handles []string) ([]string, error) {
	if len(handles) == 0 {
		return nil, nil
	}

	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		var matches map[string]bool
		for _, h := range handles {
			list, err := handleList(tx, strings.ToLower(h))
			if err != nil {
				return err
			}
			next := make(map[string]bool, len(list))
			for _, id := range list {
				if matches == nil || matches[id] {
					next[id] = true
				}
			}
			matches = next
			if len(matches) == 0 {
				return nil
			}
		}
		for id := range matches {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(ids)
	return ids, nil
}

func (s *BoltStore) FindOrCreateUserByEmail(_ context.Context, email string) (*model.User, error) {
	key := []byte(strings.ToLower(strings.TrimSpace(email)))
	if len(key) == 0 {
		return nil, fmt.Errorf("failed to find user: empty email")
	}

	var user *model.User
	err := s.db.Update(func(tx *bolt.Tx) error {
		if id := tx.Bucket(usersByEmailBucket).Get(key); id != nil {
			var err error
			user, err = getUser(tx, string(id))
			return err
		}

		user = &model.User{ID: uuid.NewString(), Email: strings.TrimSpace(email)}
		if err := putJSON(tx.Bucket(usersBucket), user.ID, user); err != nil {
			return err
		}
		if err := tx.Bucket(usersByEmailBucket).Put(key, []byte(user.ID)); err != nil {
			return fmt.Errorf("failed to index user %s: %w", user.ID, err)
		}
		slog.Debug("created user", "user_id", user.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *BoltStore) GetUser(_ context.Context, id string) (*model.User, error) {
	var user *model.User
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		user, err = getUser(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// PutUser creates or replaces a user record.
func (s *BoltStore) PutUser(_ context.Context, user *model.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket(usersBucket), user.ID, user); err != nil {
			return err
		}
		if user.Email == "" {
			return nil
		}
		key := []byte(strings.ToLower(user.Email))
		if err := tx.Bucket(usersByEmailBucket).Put(key, []byte(user.ID)); err != nil {
			return fmt.Errorf("failed to index user %s: %w", user.ID, err)
		}
		return nil
	})
}

func getAppointment(tx *bolt.Tx, id string) (*model.Appointment, error) {
	data := tx.Bucket(appointmentsBucket).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("appointment %s: %w", id, model.ErrAppointmentNotFound)
	}
	var appt model.Appointment
	if err := json.Unmarshal(data, &appt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal appointment %s: %w", id, err)
	}
	return &appt, nil
}

func getUser(tx *bolt.Tx, id string) (*model.User, error) {
	data := tx.Bucket(usersBucket).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("user %s: %w", id, model.ErrUserNotFound)
	}
	var u model.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user %s: %w", id, err)
	}
	return &u, nil
}

func handleList(tx *bolt.Tx, handle string) ([]string, error) {
	data := tx.Bucket(handlesBucket).Get([]byte(handle))
	if data == nil {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("failed to unmarshal handle %s: %w", handle, err)
	}
	return ids, nil
}

func indexHandle(tx *bolt.Tx, handle, appointmentID string) error {
	ids, err := handleList(tx, handle)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == appointmentID {
			return nil
		}
	}
	return putJSON(tx.Bucket(handlesBucket), handle, append(ids, appointmentID))
}

func unindexHandle(tx *bolt.Tx, handle, appointmentID string) error {
	ids, err := handleList(tx, handle)
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, id := range ids {
		if id != appointmentID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		return tx.Bucket(handlesBucket).Delete([]byte(handle))
	}
	return putJSON(tx.Bucket(handlesBucket), handle, kept)
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := b.Put([]byte(key), data); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}
