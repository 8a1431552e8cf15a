package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type fakeStore struct {
	mu      sync.Mutex
	err     error
	updates []storedPresence
}

type storedPresence struct {
	userID   string
	online   bool
	lastSeen int64
}

func (f *fakeStore) UpdatePresence(ctx context.Context, userID string, online bool, lastSeen int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, storedPresence{userID: userID, online: online, lastSeen: lastSeen})
	return nil
}

func (f *fakeStore) last(t *testing.T) storedPresence {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		t.Fatal("expected at least one presence update")
	}
	return f.updates[len(f.updates)-1]
}

func newTestTracker(store Store) (*Tracker, *time.Time) {
	logger, _ := test.NewNullLogger()
	tr := NewTracker(store, logger)
	current := time.Unix(1700000000, 0)
	tr.now = func() time.Time { return current }
	return tr, &current
}

func TestConnectedIdentityIsOnlineRegardlessOfLastSeenAge(t *testing.T) {
	tr, now := newTestTracker(nil)
	ctx := context.Background()

	tr.Connect(ctx, "u1")
	*now = now.Add(OfflineThreshold / 2)

	if tr.IsOffline("u1") {
		t.Fatal("identity with an open connection must not be offline before the threshold")
	}
}

func TestSilentConnectionPastThresholdIsOffline(t *testing.T) {
	tr, now := newTestTracker(nil)
	ctx := context.Background()

	tr.Connect(ctx, "u1")
	*now = now.Add(OfflineThreshold + time.Second)

	if !tr.IsOffline("u1") {
		t.Fatal("a connection silent past the threshold must be classified offline")
	}
}

func TestTouchKeepsConnectedIdentityFresh(t *testing.T) {
	tr, now := newTestTracker(nil)
	ctx := context.Background()

	tr.Connect(ctx, "u1")
	*now = now.Add(OfflineThreshold + time.Minute)
	tr.Touch(ctx, "u1")

	if tr.IsOffline("u1") {
		t.Fatal("touch must refresh last-seen for a connected identity")
	}
}

func TestLastDisconnectGoesOffline(t *testing.T) {
	store := &fakeStore{}
	tr, _ := newTestTracker(store)
	ctx := context.Background()

	tr.Connect(ctx, "u1")
	tr.Connect(ctx, "u1")
	tr.Disconnect(ctx, "u1")
	if tr.IsOffline("u1") {
		t.Fatal("identity with one remaining connection must stay online")
	}

	tr.Disconnect(ctx, "u1")
	if !tr.IsOffline("u1") {
		t.Fatal("identity with no remaining connections must be offline")
	}
	if got := store.last(t); got.online {
		t.Fatal("expected the final persisted state to be offline")
	}
}

func TestDisconnectLeavesLastSeenUntouched(t *testing.T) {
	store := &fakeStore{}
	tr, now := newTestTracker(store)
	ctx := context.Background()

	tr.Connect(ctx, "u1")
	seen := now.UnixMilli()
	*now = now.Add(30 * time.Second)
	tr.Disconnect(ctx, "u1")

	if got := store.last(t); got.lastSeen != seen {
		t.Fatalf("disconnect must not advance last-seen: got %d want %d", got.lastSeen, seen)
	}
}

func TestUnknownIdentityResolvesToOffline(t *testing.T) {
	tr, _ := newTestTracker(nil)
	if !tr.IsOffline("never-seen") {
		t.Fatal("unknown identity must resolve to offline")
	}
}

func TestTouchDoesNotFlipOffline(t *testing.T) {
	tr, _ := newTestTracker(nil)
	ctx := context.Background()

	tr.Touch(ctx, "u1")
	if !tr.IsOffline("u1") {
		t.Fatal("touch must not mark a disconnected identity online")
	}
}

func TestStoreErrorsAreLoggedAndSwallowed(t *testing.T) {
	store := &fakeStore{err: errors.New("table down")}
	logger, hook := test.NewNullLogger()
	tr := NewTracker(store, logger)
	ctx := context.Background()

	tr.Connect(ctx, "u1")

	if tr.IsOffline("u1") {
		t.Fatal("storage failure must not affect in-memory presence")
	}
	if hook.LastEntry() == nil || hook.LastEntry().Level != log.WarnLevel {
		t.Fatal("expected a warning for the failed presence write")
	}
}

func TestConcurrentConnectDisconnect(t *testing.T) {
	tr, _ := newTestTracker(&fakeStore{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Connect(ctx, "u1")
				tr.Touch(ctx, "u1")
				tr.Disconnect(ctx, "u1")
			}
		}()
	}
	wg.Wait()

	if got := tr.Connections("u1"); got != 0 {
		t.Fatalf("expected zero connections after balanced lifecycle, got %d", got)
	}
	if !tr.IsOffline("u1") {
		t.Fatal("expected identity offline after all connections closed")
	}
}
