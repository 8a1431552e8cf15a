package domain

const (
	TicketCreated = "ticket-created"
	TicketUpdated = "ticket-updated"
	TicketMoved   = "ticket-moved"
	TicketDeleted = "ticket-deleted"
)

// Event is an immutable, append-only record of one domain mutation. It is the
// sole input to notification content.
type Event struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	TicketID    string `json:"ticketId,omitempty"`
	Actor       string `json:"actor"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Timestamp   int64  `json:"timestamp"`
}
