package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/gadgetrt/pkg/models"
)

// maxMessagesPerSession bounds the in-memory history kept per session; once
// exceeded, the oldest messages are dropped to cap memory growth.
const maxMessagesPerSession = 1000

// MemoryStore is an in-memory Store, suitable for tests and single-process
// local runs. History does not survive process restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]*models.Message
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*Session{},
		messages: map[string][]*models.Message{},
	}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		return cloneSession(s), nil
	}
	now := time.Now()
	s := &Session{ID: id, CreatedAt: now, UpdatedAt: now}
	m.sessions[id] = s
	return cloneSession(s), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) AppendMessages(ctx context.Context, id string, msgs ...*models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		clone := cloneMessage(msg)
		if clone.CreatedAt.IsZero() {
			clone.CreatedAt = time.Now()
		}
		m.messages[id] = append(m.messages[id], clone)
	}
	if excess := len(m.messages[id]) - maxMessagesPerSession; excess > 0 {
		m.messages[id] = m.messages[id][excess:]
	}
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, id string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[id]; !ok {
		return nil, ErrNotFound
	}
	all := m.messages[id]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}
	out := make([]*models.Message, 0, len(all)-start)
	for _, msg := range all[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func cloneSession(s *Session) *Session {
	clone := *s
	if s.Metadata != nil {
		clone.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	clone := *msg
	if msg.Metadata != nil {
		clone.Metadata = make(map[string]any, len(msg.Metadata))
		for k, v := range msg.Metadata {
			clone.Metadata[k] = v
		}
	}
	if len(msg.Parts) > 0 {
		clone.Parts = append([]models.ContentPart{}, msg.Parts...)
	}
	return &clone
}
