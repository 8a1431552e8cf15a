package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"boardsync/domain"
)

func TestDecodeTicketEntity(t *testing.T) {
	data := []byte(`{"PartitionKey":"p1","RowKey":"t1","Title":"Fix login","Notes":"see issue","Lane":"in-progress","OrderIndex":2048,"CreatedAt":1700000000000}`)
	tk, err := decodeTicketEntity(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tk.ID != "t1" || tk.ProjectID != "p1" {
		t.Fatalf("unexpected keys: %+v", tk)
	}
	if tk.Lane != domain.LaneInProgress || tk.OrderIndex != 2048 {
		t.Fatalf("unexpected ticket: %+v", tk)
	}
}

func TestDecodeMemberEntity(t *testing.T) {
	data := []byte(`{"PartitionKey":"p1","RowKey":"u1","Address":"u1@example.com"}`)
	m, err := decodeMemberEntity(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.ProjectID != "p1" || m.UserID != "u1" || m.Address != "u1@example.com" {
		t.Fatalf("unexpected member: %+v", m)
	}
}

func TestDecodeEventEntity(t *testing.T) {
	data := []byte(`{"PartitionKey":"p1","RowKey":"ev1","TicketId":"t1","Actor":"u1","Kind":"ticket-moved","Description":"u1 moved a ticket","Timestamp":1700000000000}`)
	ev, err := decodeEventEntity(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.ID != "ev1" || ev.Kind != domain.TicketMoved || ev.Timestamp != 1700000000000 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestOrderCounterEntityCarriesETag(t *testing.T) {
	data := []byte(`{"odata.etag":"W/\"datetime'2026-01-01T00%3A00%3A00Z'\"","PartitionKey":"order#p1","RowKey":"todo","NextIndex":3072}`)
	var counter orderCounterEntity
	if err := json.Unmarshal(data, &counter); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if counter.ETag == "" {
		t.Fatal("expected etag to be decoded for the conditional update")
	}
	if counter.NextIndex != 3072 {
		t.Fatalf("unexpected counter value: %d", counter.NextIndex)
	}
}

func TestQuoteFilterEscapesSingleQuotes(t *testing.T) {
	for name, tc := range map[string]struct {
		in   string
		want string
	}{
		"plain":      {in: "p1", want: "'p1'"},
		"apostrophe": {in: "o'brien", want: "'o''brien'"},
		"breakout":   {in: "x' or RowKey ne '", want: "'x'' or RowKey ne '''"},
	} {
		t.Run(name, func(t *testing.T) {
			if got := quoteFilter(tc.in); got != tc.want {
				t.Fatalf("quoteFilter(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestOrderPartitionNeverCollidesWithProjects(t *testing.T) {
	if orderPartition("p1") == "p1" {
		t.Fatal("counter partition must differ from the project partition")
	}
}

type fakeQueue struct {
	mu       sync.Mutex
	err      error
	messages []string
}

func (f *fakeQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return azqueue.EnqueueMessagesResponse{}, f.err
	}
	f.messages = append(f.messages, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

func TestSendEnqueuesFallbackMessage(t *testing.T) {
	fq := &fakeQueue{}
	store := &Storage{mailQueue: fq}

	if err := store.Send(context.Background(), "u2@example.com", "subject", "body"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(fq.messages) != 1 {
		t.Fatalf("expected one queued message, got %d", len(fq.messages))
	}
	var msg fallbackMessage
	if err := json.Unmarshal([]byte(fq.messages[0]), &msg); err != nil {
		t.Fatalf("unmarshal queued message: %v", err)
	}
	if msg.Address != "u2@example.com" || msg.Subject != "subject" || msg.Body != "body" {
		t.Fatalf("unexpected queued message: %+v", msg)
	}
}

func TestSendPropagatesQueueError(t *testing.T) {
	fq := &fakeQueue{err: errors.New("queue unavailable")}
	store := &Storage{mailQueue: fq}

	if err := store.Send(context.Background(), "u2@example.com", "s", "b"); err == nil {
		t.Fatal("expected queue error to surface")
	}
}
