// Package events publishes fire-and-forget auth events.
//
// Delivery is best-effort: a lost event never fails the operation that produced it.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects.
const (
	UserRegistered     = "auth.user.registered"
	UserDeleted        = "auth.user.deleted"
	SessionCreated     = "auth.session.created"
	SessionRevoked     = "auth.session.revoked"
	SessionsRevokedAll = "auth.sessions.revoked_all"
)

// Event is the envelope written to the bus.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	UserID     string         `json:"user_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// New builds an event with a fresh id.
func New(typ, userID string, now time.Time, data map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		UserID:     userID,
		OccurredAt: now.UTC(),
		Data:       data,
	}
}

// Publisher sends events. Publish must not block on the network.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close()                               {}
