package authz

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventKind enumerates role change notifications.
type EventKind string

const (
	EventRoleAssigned      EventKind = "role_assigned"
	EventRoleRemoved       EventKind = "role_removed"
	EventRoleCreated       EventKind = "role_created"
	EventRoleUpdated       EventKind = "role_updated"
	EventRoleDeleted       EventKind = "role_deleted"
	EventRolesSynced       EventKind = "roles_synced"
	EventRolesBulkAssigned EventKind = "roles_bulk_assigned"
)

// Event describes a committed role change. Events are published strictly
// after the surrounding transaction commits.
type Event struct {
	ID         string    `json:"id"`
	Kind       EventKind `json:"kind"`
	UserID     int64     `json:"user_id,omitempty"`
	RoleID     int64     `json:"role_id,omitempty"`
	Role       string    `json:"role,omitempty"`
	Roles      []string  `json:"roles,omitempty"`
	AssignedBy *int64    `json:"assigned_by,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEvent constructs an event with a fresh ID and timestamp.
func NewEvent(kind EventKind) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher delivers role change events with fire-and-forget semantics.
// Delivery is at most once; consumers must tolerate missed events.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// NopPublisher discards all events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) {}
