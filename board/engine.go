package board

import (
	"context"
	"fmt"
	"sort"

	"boardsync/domain"
)

// OrderStep is the gap left between consecutive order indices. Appending in
// steps rather than by one leaves room for insertion strategies that place a
// ticket between two neighbours.
const OrderStep int64 = 1024

// Store exposes the lane reads, the conditional index reservation and the
// single authoritative position write the engine needs.
type Store interface {
	TicketsByLane(ctx context.Context, projectID string, lane domain.Lane) ([]domain.Ticket, error)
	AllocateOrderIndex(ctx context.Context, projectID string, lane domain.Lane, step int64) (int64, error)
	UpdateTicketPosition(ctx context.Context, projectID, ticketID string, lane domain.Lane, orderIndex int64) error
}

// Engine maintains the lane-local total order of tickets. Lanes form an
// unordered, fully connected set: a ticket may move from any lane to any
// other lane directly.
type Engine struct {
	store Store
	step  int64
}

// NewEngine creates an ordering engine over the given store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store, step: OrderStep}
}

// Place reserves the order index for a ticket appended to the end of the
// lane without touching the ticket itself. Used on ticket creation, where the
// caller inserts the full entity in one write. Reservation goes through the
// store's conditional counter update, so concurrent placements into one lane
// receive distinct increasing indices.
func (e *Engine) Place(ctx context.Context, projectID string, lane domain.Lane) (int64, error) {
	if !domain.ValidLane(lane) {
		return 0, fmt.Errorf("unknown lane %q", lane)
	}
	idx, err := e.store.AllocateOrderIndex(ctx, projectID, lane, e.step)
	if err != nil {
		return 0, fmt.Errorf("allocate index %s/%s: %w", projectID, lane, err)
	}
	return idx, nil
}

// Append moves the ticket to the end of the destination lane and returns its
// new order index. Every move, same-lane reorder or cross-lane, appends to
// the end; there is no mid-list insertion.
func (e *Engine) Append(ctx context.Context, projectID string, lane domain.Lane, ticketID string) (int64, error) {
	idx, err := e.Place(ctx, projectID, lane)
	if err != nil {
		return 0, err
	}
	if err := e.store.UpdateTicketPosition(ctx, projectID, ticketID, lane, idx); err != nil {
		return 0, fmt.Errorf("position ticket %s: %w", ticketID, err)
	}
	return idx, nil
}

// ListByLane returns the lane's tickets in board order: ascending by order
// index, ties broken by creation time and then id.
func (e *Engine) ListByLane(ctx context.Context, projectID string, lane domain.Lane) ([]domain.Ticket, error) {
	if !domain.ValidLane(lane) {
		return nil, fmt.Errorf("unknown lane %q", lane)
	}
	tickets, err := e.store.TicketsByLane(ctx, projectID, lane)
	if err != nil {
		return nil, err
	}
	SortTickets(tickets)
	return tickets, nil
}

// SortTickets orders tickets by (OrderIndex, CreatedAt, ID).
func SortTickets(tickets []domain.Ticket) {
	sort.Slice(tickets, func(i, j int) bool {
		a, b := tickets[i], tickets[j]
		if a.OrderIndex != b.OrderIndex {
			return a.OrderIndex < b.OrderIndex
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
}
