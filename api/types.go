package api

import (
	"context"

	"boardsync/domain"
	"boardsync/notify"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	FetchBoard(ctx context.Context, projectID string) ([]domain.Ticket, error)
	GetTicket(ctx context.Context, projectID, ticketID string) (domain.Ticket, error)
	InsertTicket(ctx context.Context, t domain.Ticket) error
	MergeTicketFields(ctx context.Context, projectID, ticketID string, fields map[string]any) error
	DeleteTicket(ctx context.Context, projectID, ticketID string) error
	Members(ctx context.Context, projectID string) ([]domain.Member, error)
	AppendEvent(ctx context.Context, ev domain.Event) error
	RecentEvents(ctx context.Context, projectID string, limit int) ([]domain.Event, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate mutations.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, userID, key string) error
}

// Publisher fans a committed mutation out to recipients and the board room.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event, excludedActor string, recipients []notify.Recipient)
	BroadcastBoard(ev domain.Event) int
}

// Mover is the ordering engine surface the handlers use.
type Mover interface {
	Place(ctx context.Context, projectID string, lane domain.Lane) (int64, error)
	Append(ctx context.Context, projectID string, lane domain.Lane, ticketID string) (int64, error)
}
