package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/realtime"
)

// Transport is the live-push side of delivery.
type Transport interface {
	LiveConnections(userID string) int
	Push(userID string, msg []byte) int
	Broadcast(room string, msg []byte) int
}

// Presence classifies recipients for the fallback decision.
type Presence interface {
	IsOffline(userID string) bool
}

// Sender is the asynchronous fallback-message collaborator. Message
// formatting beyond subject/body assembly is its concern, not the router's.
type Sender interface {
	Send(ctx context.Context, address, subject, body string) error
}

// Recipient identifies one delivery target of a publish call.
type Recipient struct {
	ID      string
	Address string
}

type job struct {
	recipient Recipient
	event     domain.Event
	payload   []byte
	metrics   *dispatchMetrics
}

// Router decides push vs. fallback per recipient and dispatches. Each
// recipient's delivery runs as an independent job on a worker pool so one
// slow or failing delivery never serializes the others.
type Router struct {
	transport Transport
	presence  Presence
	sender    Sender
	logger    *log.Logger

	jobs           chan job
	workerWG       sync.WaitGroup
	handoffTimeout time.Duration
	sendTimeout    time.Duration

	closeOnce sync.Once
}

// NewRouter starts the router's worker pool. Pool sizing follows the
// NOTIFY_WORKERS / NOTIFY_BUFFER / NOTIFY_HANDOFF_TIMEOUT / NOTIFY_SEND_TIMEOUT
// environment variables.
func NewRouter(transport Transport, presence Presence, sender Sender, logger *log.Logger) *Router {
	if logger == nil {
		panic("logger is required")
	}
	r := &Router{
		transport:      transport,
		presence:       presence,
		sender:         sender,
		logger:         logger,
		handoffTimeout: envDur("NOTIFY_HANDOFF_TIMEOUT", 15*time.Millisecond),
		sendTimeout:    envDur("NOTIFY_SEND_TIMEOUT", 30*time.Second),
	}
	workers := envInt("NOTIFY_WORKERS", 16)
	if workers <= 0 {
		workers = 1
	}
	r.jobs = make(chan job, envInt("NOTIFY_BUFFER", 1024))
	for i := 0; i < workers; i++ {
		r.workerWG.Add(1)
		go r.worker()
	}
	logger.Infof("notification router started, workers: %d, buffer: %d", workers, cap(r.jobs))
	return r
}

// Close stops the worker pool after draining queued jobs.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		close(r.jobs)
	})
	r.workerWG.Wait()
}

// Publish fans the event out to every recipient other than the excluded
// actor. Per recipient, exactly one channel is used: live push when at least
// one connection is open at dispatch time, the fallback sender when the
// recipient is offline, nothing when the recipient is between reconnect
// attempts. Delivery is best effort; failures are logged and never affect
// the already-committed mutation.
func (r *Router) Publish(ctx context.Context, ev domain.Event, excludedActor string, recipients []Recipient) {
	payload, err := json.Marshal(notificationMessage{Kind: "notification", Event: ev})
	if err != nil {
		r.logger.Errorf("marshal notification for event %s: %v", ev.ID, err)
		return
	}

	targets := make([]Recipient, 0, len(recipients))
	for _, rec := range recipients {
		if rec.ID == "" || rec.ID == excludedActor {
			continue
		}
		targets = append(targets, rec)
	}

	metrics := newDispatchMetrics(ctx, r.logger, ev, len(targets))
	if len(targets) == 0 {
		metrics.Done()
		return
	}

	for _, rec := range targets {
		j := job{recipient: rec, event: ev, payload: payload, metrics: metrics}
		if !r.tryDispatch(j) {
			// Pool saturated: deliver inline rather than dropping. The
			// triggering request pays for this one recipient only.
			r.deliver(j)
		}
	}
}

// BroadcastBoard pushes the state-sync message for the mutation to every
// connection subscribed to the project's room, regardless of presence. This
// is not a notification and is exempt from the channel-exclusivity rule.
func (r *Router) BroadcastBoard(ev domain.Event) int {
	payload, err := json.Marshal(notificationMessage{Kind: "board-sync", Event: ev})
	if err != nil {
		r.logger.Errorf("marshal board sync for event %s: %v", ev.ID, err)
		return 0
	}
	return r.transport.Broadcast(realtime.ProjectRoom(ev.ProjectID), payload)
}

type notificationMessage struct {
	Kind  string       `json:"kind"`
	Event domain.Event `json:"event"`
}

func (r *Router) worker() {
	defer r.workerWG.Done()
	for j := range r.jobs {
		r.deliver(j)
	}
}

func (r *Router) tryDispatch(j job) bool {
	select {
	case r.jobs <- j:
		return true
	default:
	}
	if r.handoffTimeout <= 0 {
		return false
	}
	timer := time.NewTimer(r.handoffTimeout)
	defer timer.Stop()
	select {
	case r.jobs <- j:
		return true
	case <-timer.C:
		return false
	}
}

// deliver routes one recipient through exactly one channel. The presence
// check runs at dispatch time, not at event-creation time, so routing never
// happens on stale state.
func (r *Router) deliver(j job) {
	rec := j.recipient
	if r.transport.LiveConnections(rec.ID) > 0 {
		if n := r.transport.Push(rec.ID, j.payload); n > 0 {
			j.metrics.RecordPushed()
		} else {
			// The connection closed between the check and the push. The
			// frame is lost; no retry queue exists.
			j.metrics.RecordFailed()
			r.logger.WithField("user", rec.ID).Debug("live push lost connection mid-dispatch")
		}
		return
	}

	if !r.presence.IsOffline(rec.ID) {
		// No live connection right now but not yet past the offline
		// threshold: skip, to avoid double-notifying a user between
		// reconnect attempts.
		j.metrics.RecordSkipped()
		return
	}

	subject, body := renderFallback(j.event)
	ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
	err := r.sender.Send(ctx, rec.Address, subject, body)
	cancel()
	if err != nil {
		j.metrics.RecordFailed()
		r.logger.WithFields(log.Fields{
			"user":  rec.ID,
			"event": j.event.ID,
		}).Errorf("fallback send: %v", err)
		return
	}
	j.metrics.RecordFallback()
}

func renderFallback(ev domain.Event) (subject, body string) {
	subject = fmt.Sprintf("[boardsync] %s", ev.Description)
	body = fmt.Sprintf("%s\n\nProject: %s\nTicket: %s\nActor: %s\nAt: %s\n",
		ev.Description, ev.ProjectID, ev.TicketID, ev.Actor,
		time.UnixMilli(ev.Timestamp).UTC().Format(time.RFC3339))
	return subject, body
}

func envInt(name string, def int) int {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return def
}

func envDur(name string, def time.Duration) time.Duration {
	if raw := os.Getenv(name); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil {
			return v
		}
	}
	return def
}
