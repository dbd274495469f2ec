// Package sessions persists conversation history across process restarts so
// a run can resume with its prior turns as Conversation's initialHistory
// (see internal/agent.NewConversation). It owns no model registry, pricing,
// or transport concerns; it stores and returns models.Message values
// verbatim.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/gadgetrt/pkg/models"
)

// ErrNotFound is returned by Get and GetHistory when the session id is
// unknown to the store.
var ErrNotFound = errors.New("sessions: not found")

// Session is the bookkeeping record a Store keeps alongside a session's
// message history. It carries no channel/tenant routing concerns; callers
// that need those own them above this package.
type Session struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  map[string]any
}

// Store is the interface for conversation history persistence. A Store
// implementation must be safe for concurrent use.
type Store interface {
	// GetOrCreate returns the session for id, creating it with empty
	// history if it doesn't exist yet.
	GetOrCreate(ctx context.Context, id string) (*Session, error)

	// Get returns the session for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// Delete removes a session and its history.
	Delete(ctx context.Context, id string) error

	// AppendMessages appends msgs to the session's history in order,
	// updating the session's UpdatedAt. The session must already exist.
	AppendMessages(ctx context.Context, id string, msgs ...*models.Message) error

	// GetHistory returns up to limit of the most recent messages for id,
	// oldest first, suitable as Conversation's initialHistory. limit <= 0
	// means unlimited.
	GetHistory(ctx context.Context, id string, limit int) ([]*models.Message, error)
}
