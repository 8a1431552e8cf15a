package presence

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// OfflineThreshold is how long an identity may stay silent before it is
// classified offline even while holding an open connection. Deliberately
// conservative so the fallback channel is used whenever live delivery is not
// reliably guaranteed.
const OfflineThreshold = 2 * time.Minute

// Store persists presence fields on the identity record. Write failures are
// logged and swallowed; presence staleness degrades to "treat as offline"
// rather than blocking the caller's request.
type Store interface {
	UpdatePresence(ctx context.Context, userID string, online bool, lastSeen int64) error
}

type entry struct {
	conns    int
	online   bool
	lastSeen time.Time
}

// Tracker maintains each identity's connectivity state. Lookups are O(1) on
// identity; an unknown identity resolves to offline.
type Tracker struct {
	store  Store
	logger *log.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewTracker creates a presence tracker backed by the given identity store.
func NewTracker(store Store, logger *log.Logger) *Tracker {
	return &Tracker{
		store:   store,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

func (t *Tracker) get(userID string) *entry {
	e, ok := t.entries[userID]
	if !ok {
		e = &entry{}
		t.entries[userID] = e
	}
	return e
}

// Connect registers one more open connection for the identity. The identity
// stays online while at least one connection is open.
func (t *Tracker) Connect(ctx context.Context, userID string) {
	now := t.now()
	t.mu.Lock()
	e := t.get(userID)
	e.conns++
	e.online = true
	e.lastSeen = now
	t.mu.Unlock()

	t.persist(ctx, userID, true, now)
}

// Disconnect removes one connection. When the last connection closes the
// identity goes offline; LastSeen is left untouched because it records the
// moment of last activity, not disconnect.
func (t *Tracker) Disconnect(ctx context.Context, userID string) {
	t.mu.Lock()
	e := t.get(userID)
	if e.conns > 0 {
		e.conns--
	}
	wentOffline := e.conns == 0 && e.online
	if wentOffline {
		e.online = false
	}
	lastSeen := e.lastSeen
	t.mu.Unlock()

	if wentOffline {
		t.persist(ctx, userID, false, lastSeen)
	}
}

// Touch refreshes LastSeen without altering the online flag. It is called on
// any authenticated request, so a user making plain REST calls with no open
// push channel still counts as recently active.
func (t *Tracker) Touch(ctx context.Context, userID string) {
	now := t.now()
	t.mu.Lock()
	e := t.get(userID)
	e.lastSeen = now
	online := e.online
	t.mu.Unlock()

	t.persist(ctx, userID, online, now)
}

// IsOffline reports whether the identity should be treated as unreachable for
// live delivery: either no open connection, or silent past OfflineThreshold.
func (t *Tracker) IsOffline(userID string) bool {
	t.mu.RLock()
	e, ok := t.entries[userID]
	if !ok {
		t.mu.RUnlock()
		return true
	}
	online := e.online
	lastSeen := e.lastSeen
	t.mu.RUnlock()

	if !online {
		return true
	}
	return t.now().Sub(lastSeen) > OfflineThreshold
}

// Connections reports the current reference count for the identity.
func (t *Tracker) Connections(userID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[userID]; ok {
		return e.conns
	}
	return 0
}

func (t *Tracker) persist(ctx context.Context, userID string, online bool, lastSeen time.Time) {
	if t.store == nil {
		return
	}
	if err := t.store.UpdatePresence(ctx, userID, online, lastSeen.UnixMilli()); err != nil {
		t.logger.WithFields(log.Fields{
			"user":   userID,
			"online": online,
		}).Warnf("persist presence: %v", err)
	}
}
