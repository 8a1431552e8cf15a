package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"boardsync/domain"
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Storage provides access to underlying persistence mechanisms: tickets,
// identities, project members and the activity log live in table storage,
// outbound fallback messages go to a queue drained by the mailer.
type Storage struct {
	tickets    *aztables.Client
	identities *aztables.Client
	members    *aztables.Client
	activity   *aztables.Client
	mailQueue  queueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, ticketsTable, identitiesTable, membersTable, activityTable, mailQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	mq, err := azqueue.NewQueueClientFromConnectionString(connStr, mailQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		tickets:    svc.NewClient(ticketsTable),
		identities: svc.NewClient(identitiesTable),
		members:    svc.NewClient(membersTable),
		activity:   svc.NewClient(activityTable),
		mailQueue:  mq,
	}, nil
}

type ticketEntity struct {
	aztables.Entity
	Title      string `json:"Title"`
	Notes      string `json:"Notes"`
	Lane       string `json:"Lane"`
	OrderIndex int64  `json:"OrderIndex"`
	CreatedAt  int64  `json:"CreatedAt"`
}

func decodeTicketEntity(data []byte) (domain.Ticket, error) {
	var ent ticketEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Ticket{}, err
	}
	return domain.Ticket{
		ID:         ent.RowKey,
		ProjectID:  ent.PartitionKey,
		Title:      ent.Title,
		Notes:      ent.Notes,
		Lane:       domain.Lane(ent.Lane),
		OrderIndex: ent.OrderIndex,
		CreatedAt:  ent.CreatedAt,
	}, nil
}

// quoteFilter doubles single quotes so a path parameter can never terminate
// an OData filter string early.
func quoteFilter(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func (s *Storage) listTickets(ctx context.Context, filter string) ([]domain.Ticket, error) {
	pager := s.tickets.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tickets := []domain.Ticket{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTicketEntity(e)
			if err != nil {
				return nil, err
			}
			tickets = append(tickets, t)
		}
	}
	return tickets, nil
}

// GetTicket retrieves one ticket.
func (s *Storage) GetTicket(ctx context.Context, projectID, ticketID string) (domain.Ticket, error) {
	ent, err := s.tickets.GetEntity(ctx, projectID, ticketID, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	return decodeTicketEntity(ent.Value)
}

// FetchBoard retrieves every ticket of the project.
func (s *Storage) FetchBoard(ctx context.Context, projectID string) ([]domain.Ticket, error) {
	return s.listTickets(ctx, "PartitionKey eq "+quoteFilter(projectID))
}

// TicketsByLane retrieves the tickets currently in one lane of the project.
func (s *Storage) TicketsByLane(ctx context.Context, projectID string, lane domain.Lane) ([]domain.Ticket, error) {
	return s.listTickets(ctx, fmt.Sprintf("PartitionKey eq %s and Lane eq %s", quoteFilter(projectID), quoteFilter(string(lane))))
}

// InsertTicket stores a freshly created ticket.
func (s *Storage) InsertTicket(ctx context.Context, t domain.Ticket) error {
	ent := ticketEntity{
		Entity: aztables.Entity{
			PartitionKey: t.ProjectID,
			RowKey:       t.ID,
		},
		Title:      t.Title,
		Notes:      t.Notes,
		Lane:       string(t.Lane),
		OrderIndex: t.OrderIndex,
		CreatedAt:  t.CreatedAt,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.tickets.AddEntity(ctx, payload, nil)
	return err
}

// MergeTicketFields applies plain field edits (title, notes) to a ticket.
func (s *Storage) MergeTicketFields(ctx context.Context, projectID, ticketID string, fields map[string]any) error {
	updates := map[string]any{
		"PartitionKey": projectID,
		"RowKey":       ticketID,
	}
	for k, v := range fields {
		updates[k] = v
	}
	payload, err := json.Marshal(updates)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.tickets.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	return err
}

// UpdateTicketPosition is the single authoritative write of a ticket's
// (lane, orderIndex) pair. The per-entity merge is atomic; the surrounding
// read-compute-write sequence is not.
func (s *Storage) UpdateTicketPosition(ctx context.Context, projectID, ticketID string, lane domain.Lane, orderIndex int64) error {
	return s.MergeTicketFields(ctx, projectID, ticketID, map[string]any{
		"Lane":       string(lane),
		"OrderIndex": orderIndex,
	})
}

// Lane order counters live in the tickets table under a partition key no
// project id can produce, so board listings never see them.
type orderCounterEntity struct {
	aztables.Entity
	ETag      string `json:"odata.etag,omitempty"`
	NextIndex int64  `json:"NextIndex"`
}

const orderCounterRetries = 4

func orderPartition(projectID string) string {
	return "order#" + projectID
}

// AllocateOrderIndex reserves the next order index at the end of the lane.
// The per-lane counter is advanced with an ETag-conditional update, so two
// concurrent moves into the same lane never receive the same index.
func (s *Storage) AllocateOrderIndex(ctx context.Context, projectID string, lane domain.Lane, step int64) (int64, error) {
	for attempt := 0; attempt < orderCounterRetries; attempt++ {
		resp, err := s.tickets.GetEntity(ctx, orderPartition(projectID), string(lane), nil)
		if err != nil {
			if httpStatus(err) != http.StatusNotFound {
				return 0, err
			}
			next, err := s.seedOrderCounter(ctx, projectID, lane, step)
			if err == nil {
				return next, nil
			}
			if httpStatus(err) == http.StatusConflict {
				// Another writer seeded the counter first; advance it instead.
				continue
			}
			return 0, err
		}

		var counter orderCounterEntity
		if err := json.Unmarshal(resp.Value, &counter); err != nil {
			return 0, err
		}
		next := counter.NextIndex + step
		payload, err := json.Marshal(orderCounterEntity{
			Entity:    aztables.Entity{PartitionKey: orderPartition(projectID), RowKey: string(lane)},
			NextIndex: next,
		})
		if err != nil {
			return 0, err
		}
		et := azcore.ETag(counter.ETag)
		_, err = s.tickets.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace})
		if err == nil {
			return next, nil
		}
		if httpStatus(err) != http.StatusPreconditionFailed {
			return 0, err
		}
	}
	return 0, fmt.Errorf("allocate order index %s/%s: too much contention", projectID, lane)
}

// seedOrderCounter initializes the lane counter from the current lane max so
// boards that predate counters keep their order.
func (s *Storage) seedOrderCounter(ctx context.Context, projectID string, lane domain.Lane, step int64) (int64, error) {
	tickets, err := s.TicketsByLane(ctx, projectID, lane)
	if err != nil {
		return 0, err
	}
	var max int64
	for _, t := range tickets {
		if t.OrderIndex > max {
			max = t.OrderIndex
		}
	}
	next := max + step
	payload, err := json.Marshal(orderCounterEntity{
		Entity:    aztables.Entity{PartitionKey: orderPartition(projectID), RowKey: string(lane)},
		NextIndex: next,
	})
	if err != nil {
		return 0, err
	}
	if _, err := s.tickets.AddEntity(ctx, payload, nil); err != nil {
		return 0, err
	}
	return next, nil
}

func httpStatus(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

// DeleteTicket removes a ticket.
func (s *Storage) DeleteTicket(ctx context.Context, projectID, ticketID string) error {
	_, err := s.tickets.DeleteEntity(ctx, projectID, ticketID, nil)
	return err
}

// UpdatePresence persists the presence fields of an identity record.
func (s *Storage) UpdatePresence(ctx context.Context, userID string, online bool, lastSeen int64) error {
	ent := map[string]any{
		"PartitionKey": userID,
		"RowKey":       userID,
		"Online":       online,
		"LastSeen":     lastSeen,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.identities.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeMerge})
	return err
}

type memberEntity struct {
	aztables.Entity
	Address string `json:"Address"`
}

func decodeMemberEntity(data []byte) (domain.Member, error) {
	var ent memberEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Member{}, err
	}
	return domain.Member{
		ProjectID: ent.PartitionKey,
		UserID:    ent.RowKey,
		Address:   ent.Address,
	}, nil
}

// Members retrieves the project's membership, the recipient set for its
// notifications.
func (s *Storage) Members(ctx context.Context, projectID string) ([]domain.Member, error) {
	filter := "PartitionKey eq " + quoteFilter(projectID)
	pager := s.members.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	members := []domain.Member{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			m, err := decodeMemberEntity(e)
			if err != nil {
				return nil, err
			}
			members = append(members, m)
		}
	}
	return members, nil
}

type eventEntity struct {
	aztables.Entity
	TicketID    string `json:"TicketId"`
	Actor       string `json:"Actor"`
	Kind        string `json:"Kind"`
	Description string `json:"Description"`
	Timestamp   int64  `json:"Timestamp"`
}

func decodeEventEntity(data []byte) (domain.Event, error) {
	var ent eventEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:          ent.RowKey,
		ProjectID:   ent.PartitionKey,
		TicketID:    ent.TicketID,
		Actor:       ent.Actor,
		Kind:        ent.Kind,
		Description: ent.Description,
		Timestamp:   ent.Timestamp,
	}, nil
}

// AppendEvent records an activity event. Events are insert-only; they are
// never updated or deleted.
func (s *Storage) AppendEvent(ctx context.Context, ev domain.Event) error {
	ent := eventEntity{
		Entity: aztables.Entity{
			PartitionKey: ev.ProjectID,
			RowKey:       ev.ID,
		},
		TicketID:    ev.TicketID,
		Actor:       ev.Actor,
		Kind:        ev.Kind,
		Description: ev.Description,
		Timestamp:   ev.Timestamp,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.activity.AddEntity(ctx, payload, nil)
	return err
}

// RecentEvents retrieves the project's newest activity events, newest first.
func (s *Storage) RecentEvents(ctx context.Context, projectID string, limit int) ([]domain.Event, error) {
	filter := "PartitionKey eq " + quoteFilter(projectID)
	pager := s.activity.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	events := []domain.Event{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			ev, err := decodeEventEntity(e)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp > events[j].Timestamp })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

type fallbackMessage struct {
	Address string `json:"address"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Send enqueues a fallback message for asynchronous delivery. The mail queue
// consumer owns templating and the actual outbound transport.
func (s *Storage) Send(ctx context.Context, address, subject, body string) error {
	data, err := json.Marshal(fallbackMessage{Address: address, Subject: subject, Body: body})
	if err != nil {
		return err
	}
	_, err = s.mailQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}
