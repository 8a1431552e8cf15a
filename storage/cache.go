package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"boardsync/domain"
)

type backend interface {
	FetchBoard(ctx context.Context, projectID string) ([]domain.Ticket, error)
	InsertTicket(ctx context.Context, t domain.Ticket) error
	MergeTicketFields(ctx context.Context, projectID, ticketID string, fields map[string]any) error
	UpdateTicketPosition(ctx context.Context, projectID, ticketID string, lane domain.Lane, orderIndex int64) error
	DeleteTicket(ctx context.Context, projectID, ticketID string) error
}

// Cache wraps a Storage instance with Redis-backed caching for board reads.
// Lane reads and the order counters deliberately bypass the cache: they feed
// the ordering engine, where staleness would surface as misplaced tickets.
type Cache struct {
	*Storage
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis client
// and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

func (c *Cache) FetchBoard(ctx context.Context, projectID string) ([]domain.Ticket, error) {
	if tickets, ok := c.loadBoardFromCache(ctx, projectID); ok {
		return tickets, nil
	}

	tickets, err := c.base.FetchBoard(ctx, projectID)
	if err != nil {
		return nil, err
	}

	c.storeBoard(ctx, projectID, tickets)
	return tickets, nil
}

func (c *Cache) InsertTicket(ctx context.Context, t domain.Ticket) error {
	if err := c.base.InsertTicket(ctx, t); err != nil {
		return err
	}
	c.evict(ctx, t.ProjectID)
	return nil
}

func (c *Cache) MergeTicketFields(ctx context.Context, projectID, ticketID string, fields map[string]any) error {
	if err := c.base.MergeTicketFields(ctx, projectID, ticketID, fields); err != nil {
		return err
	}
	c.evict(ctx, projectID)
	return nil
}

func (c *Cache) UpdateTicketPosition(ctx context.Context, projectID, ticketID string, lane domain.Lane, orderIndex int64) error {
	if err := c.base.UpdateTicketPosition(ctx, projectID, ticketID, lane, orderIndex); err != nil {
		return err
	}
	c.evict(ctx, projectID)
	return nil
}

func (c *Cache) DeleteTicket(ctx context.Context, projectID, ticketID string) error {
	if err := c.base.DeleteTicket(ctx, projectID, ticketID); err != nil {
		return err
	}
	c.evict(ctx, projectID)
	return nil
}

func (c *Cache) loadBoardFromCache(ctx context.Context, projectID string) ([]domain.Ticket, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(projectID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, boardCacheKey(projectID)).Err()
		}
		return nil, false
	}
	var tickets []domain.Ticket
	if err := json.Unmarshal(data, &tickets); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(projectID)).Err()
		return nil, false
	}
	return tickets, true
}

func (c *Cache) storeBoard(ctx context.Context, projectID string, tickets []domain.Ticket) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tickets)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(projectID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, projectID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, boardCacheKey(projectID)).Result()
}

func boardCacheKey(projectID string) string {
	return "board:" + projectID
}
