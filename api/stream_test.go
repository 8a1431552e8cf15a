package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/presence"
	"boardsync/realtime"
)

type recordingAuth struct {
	lastHeader string
}

func (r *recordingAuth) UserIDFromAuthHeader(h string) (string, error) {
	r.lastHeader = h
	if h == "" {
		return "", errMissingAuthorization
	}
	return "user", nil
}

func TestStreamRejectsUnauthenticated(t *testing.T) {
	hub := realtime.NewHub()
	tracker := presence.NewTracker(nil, log.New())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := streamBoard(hub, tracker, &recordingAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", rec.Code)
	}
}

func TestStreamAcceptsTokenQueryParam(t *testing.T) {
	hub := realtime.NewHub()
	tracker := presence.NewTracker(nil, log.New())
	auth := &recordingAuth{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/stream?token=abc", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := streamBoard(hub, tracker, auth, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if auth.lastHeader != "Bearer abc" {
		t.Fatalf("expected token query param to be promoted to bearer header, got %q", auth.lastHeader)
	}
}

func TestStreamLifecycle(t *testing.T) {
	store := &recordingPresenceStore{}
	hub := realtime.NewHub()
	tracker := presence.NewTracker(store, log.New())

	// A canceled request context makes the stream loop exit immediately
	// after the handshake, leaving the registry and tracker cleanup to run.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/stream?project=p1", nil).WithContext(ctx)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := streamBoard(hub, tracker, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}

	if !strings.HasPrefix(rec.Body.String(), "retry: 5000") {
		t.Fatalf("expected retry hint in stream preamble, got %q", rec.Body.String())
	}
	if got := rec.Header().Get(echo.HeaderContentType); got != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", got)
	}

	if n := hub.LiveConnections("user"); n != 0 {
		t.Fatalf("expected connection to be unregistered, got %d", n)
	}
	if n := tracker.Connections("user"); n != 0 {
		t.Fatalf("expected presence refcount to drop to zero, got %d", n)
	}

	updates := store.Updates()
	if len(updates) != 2 {
		t.Fatalf("expected connect and disconnect updates, got %#v", updates)
	}
	if !updates[0].online || updates[1].online {
		t.Fatalf("expected online then offline, got %#v", updates)
	}
}
