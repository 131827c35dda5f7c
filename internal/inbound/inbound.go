// Package inbound fetches the raw bytes of received messages.
package inbound

import (
	"context"
	"fmt"
	"sync"

	"github.com/tutorbook/mail-relay/internal/model"
)

// MailStore returns the raw MIME bytes of a received message by id.
type MailStore interface {
	GetRawMessage(ctx context.Context, messageID string) ([]byte, error)
}

// MemoryStore keeps raw messages in memory. The SMTP ingress uses it to hand
// accepted messages to the pipeline.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string][]byte)}
}

// Put stores raw under messageID.
func (m *MemoryStore) Put(messageID string, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[messageID] = raw
}

// Delete forgets messageID.
func (m *MemoryStore) Delete(messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, messageID)
}

func (m *MemoryStore) GetRawMessage(_ context.Context, messageID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, model.ErrMessageNotFound)
	}
	return raw, nil
}
