package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/board"
	"boardsync/domain"
	"boardsync/notify"
	"boardsync/presence"
	"boardsync/realtime"
)

const mutationMaxSize = 64 * 1024 // 64 KiB

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, auth Authenticator, deduper Deduper, engine Mover, publisher Publisher, tracker *presence.Tracker, hub *realtime.Hub, logger *log.Logger) {
	g := e.Group("/api", TouchPresence(auth, tracker))
	g.GET("/projects/:project/board", getBoard(store, auth))
	g.GET("/projects/:project/activity", getActivity(store, auth))
	g.POST("/projects/:project/tickets", createTicket(store, auth, deduper, engine, publisher, logger))
	g.PATCH("/projects/:project/tickets/:id", updateTicket(store, auth, publisher, logger))
	g.POST("/projects/:project/tickets/:id/move", moveTicket(store, auth, engine, publisher, logger))
	g.DELETE("/projects/:project/tickets/:id", deleteTicket(store, auth, publisher, logger))

	e.GET("/stream", streamBoard(hub, tracker, auth, logger))
	e.GET("/healthz", healthz())
}

type laneGroup struct {
	Lane    domain.Lane     `json:"lane"`
	Tickets []domain.Ticket `json:"tickets"`
}

type boardResponse struct {
	ProjectID string      `json:"projectId"`
	Lanes     []laneGroup `json:"lanes"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func getBoard(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		projectID := c.Param("project")
		tickets, err := store.FetchBoard(ctx, projectID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}

		resp := boardResponse{ProjectID: projectID}
		byLane := make(map[domain.Lane][]domain.Ticket, len(domain.Lanes))
		for _, t := range tickets {
			byLane[t.Lane] = append(byLane[t.Lane], t)
		}
		for _, lane := range domain.Lanes {
			group := byLane[lane]
			board.SortTickets(group)
			if group == nil {
				group = []domain.Ticket{}
			}
			resp.Lanes = append(resp.Lanes, laneGroup{Lane: lane, Tickets: group})
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func getActivity(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		limit := 50
		if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return c.String(http.StatusBadRequest, "invalid limit")
			}
			limit = n
		}
		events, err := store.RecentEvents(ctx, c.Param("project"), limit)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, events)
	}
}

type createTicketRequest struct {
	Title string      `json:"title"`
	Notes string      `json:"notes"`
	Lane  domain.Lane `json:"lane"`
}

type ticketResponse struct {
	Ticket    domain.Ticket `json:"ticket"`
	Duplicate bool          `json:"duplicate,omitempty"`
}

func createTicket(store Storage, auth Authenticator, deduper Deduper, engine Mover, publisher Publisher, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var req createTicketRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if strings.TrimSpace(req.Title) == "" {
			return c.String(http.StatusBadRequest, "title is required")
		}
		lane := req.Lane
		if lane == "" {
			lane = domain.LaneTodo
		}
		if !domain.ValidLane(lane) {
			return c.String(http.StatusBadRequest, "unknown lane")
		}
		projectID := c.Param("project")

		idemKey := c.Request().Header.Get("Idempotency-Key")
		if idemKey != "" {
			added, err := deduper.Add(ctx, userID, idemKey)
			if err != nil {
				logger.Errorf("dedupe add failed, key: %s, user: %s: %v", idemKey, userID, err)
			} else if !added {
				return c.JSON(http.StatusAccepted, ticketResponse{Duplicate: true})
			}
		}

		index, err := engine.Place(ctx, projectID, lane)
		if err != nil {
			rollbackDedupe(ctx, deduper, logger, userID, idemKey)
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to position ticket")
		}
		ticket := domain.Ticket{
			ID:         uuid.NewString(),
			ProjectID:  projectID,
			Title:      req.Title,
			Notes:      req.Notes,
			Lane:       lane,
			OrderIndex: index,
			CreatedAt:  nextTimestamp(),
		}
		if err := store.InsertTicket(ctx, ticket); err != nil {
			rollbackDedupe(ctx, deduper, logger, userID, idemKey)
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to create ticket")
		}

		notifyMutation(c, store, publisher, logger, domain.Event{
			ProjectID:   projectID,
			TicketID:    ticket.ID,
			Actor:       userID,
			Kind:        domain.TicketCreated,
			Description: fmt.Sprintf("%s created ticket %q", userID, ticket.Title),
		})
		return c.JSON(http.StatusCreated, ticketResponse{Ticket: ticket})
	}
}

type updateTicketRequest struct {
	Title *string `json:"title"`
	Notes *string `json:"notes"`
}

func updateTicket(store Storage, auth Authenticator, publisher Publisher, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var req updateTicketRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		fields := make(map[string]any, 2)
		if req.Title != nil {
			if strings.TrimSpace(*req.Title) == "" {
				return c.String(http.StatusBadRequest, "title cannot be empty")
			}
			fields["Title"] = *req.Title
		}
		if req.Notes != nil {
			fields["Notes"] = *req.Notes
		}
		if len(fields) == 0 {
			return c.String(http.StatusBadRequest, "no fields to update")
		}

		projectID := c.Param("project")
		ticketID := c.Param("id")
		if err := store.MergeTicketFields(ctx, projectID, ticketID, fields); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to update ticket")
		}

		title := describeTicket(ctx, store, projectID, ticketID)
		notifyMutation(c, store, publisher, logger, domain.Event{
			ProjectID:   projectID,
			TicketID:    ticketID,
			Actor:       userID,
			Kind:        domain.TicketUpdated,
			Description: fmt.Sprintf("%s updated ticket %s", userID, title),
		})
		return c.NoContent(http.StatusNoContent)
	}
}

type moveTicketRequest struct {
	Lane domain.Lane `json:"lane"`
}

type moveTicketResponse struct {
	Lane       domain.Lane `json:"lane"`
	OrderIndex int64       `json:"orderIndex"`
}

func moveTicket(store Storage, auth Authenticator, engine Mover, publisher Publisher, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var req moveTicketRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if !domain.ValidLane(req.Lane) {
			return c.String(http.StatusBadRequest, "unknown lane")
		}

		projectID := c.Param("project")
		ticketID := c.Param("id")
		index, err := engine.Append(ctx, projectID, req.Lane, ticketID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to move ticket")
		}

		title := describeTicket(ctx, store, projectID, ticketID)
		notifyMutation(c, store, publisher, logger, domain.Event{
			ProjectID:   projectID,
			TicketID:    ticketID,
			Actor:       userID,
			Kind:        domain.TicketMoved,
			Description: fmt.Sprintf("%s moved ticket %s to %s", userID, title, req.Lane),
		})
		return c.JSON(http.StatusOK, moveTicketResponse{Lane: req.Lane, OrderIndex: index})
	}
}

func deleteTicket(store Storage, auth Authenticator, publisher Publisher, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		projectID := c.Param("project")
		ticketID := c.Param("id")
		title := describeTicket(ctx, store, projectID, ticketID)
		if err := store.DeleteTicket(ctx, projectID, ticketID); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to delete ticket")
		}

		notifyMutation(c, store, publisher, logger, domain.Event{
			ProjectID:   projectID,
			TicketID:    ticketID,
			Actor:       userID,
			Kind:        domain.TicketDeleted,
			Description: fmt.Sprintf("%s deleted ticket %s", userID, title),
		})
		return c.NoContent(http.StatusNoContent)
	}
}

func decodeBody(c echo.Context, out any) error {
	lr := io.LimitReader(c.Request().Body, mutationMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func rollbackDedupe(ctx context.Context, deduper Deduper, logger *log.Logger, userID, key string) {
	if key == "" {
		return
	}
	if err := deduper.Remove(ctx, userID, key); err != nil {
		logger.Errorf("dedupe rollback failed, key: %s, user: %s: %v", key, userID, err)
	}
}

// describeTicket resolves the ticket title for event descriptions. Falling
// back to the id keeps mutations flowing when the read fails or the ticket
// is already gone.
func describeTicket(ctx context.Context, store Storage, projectID, ticketID string) string {
	t, err := store.GetTicket(ctx, projectID, ticketID)
	if err != nil || t.Title == "" {
		return ticketID
	}
	return fmt.Sprintf("%q", t.Title)
}

// notifyMutation runs the post-commit side effects of a mutation: the
// activity record, the per-recipient notification fan-out and the board-room
// state sync. The mutation is already committed; failures here degrade
// delivery, never the request.
func notifyMutation(c echo.Context, store Storage, publisher Publisher, logger *log.Logger, ev domain.Event) {
	ctx := c.Request().Context()
	ev.ID = uuid.NewString()
	ev.Timestamp = nextTimestamp()

	if err := store.AppendEvent(ctx, ev); err != nil {
		logger.Errorf("append activity %s: %v", ev.ID, err)
	}

	members, err := store.Members(ctx, ev.ProjectID)
	if err != nil {
		logger.Errorf("load members for %s: %v", ev.ProjectID, err)
	}
	recipients := make([]notify.Recipient, 0, len(members))
	for _, m := range members {
		recipients = append(recipients, notify.Recipient{ID: m.UserID, Address: m.Address})
	}

	publisher.Publish(ctx, ev, ev.Actor, recipients)
	publisher.BroadcastBoard(ev)
}
