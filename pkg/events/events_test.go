package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	evt := NewEvent(TypeAdmissionGranted, map[string]string{"accountId": "acct-1"})
	if evt.Type != TypeAdmissionGranted {
		t.Fatalf("expected type %s, got %q", TypeAdmissionGranted, evt.Type)
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["accountId"] != "acct-1" {
		t.Fatalf("expected accountId=acct-1, got %q", payload["accountId"])
	}
}

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	sub := h.Subscribe(1)
	h.Publish(NewEvent(TypeSlotReleased, nil))

	select {
	case evt := <-sub.C():
		if evt.Type != TypeSlotReleased {
			t.Fatalf("expected release event, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(sub)
	// Must not panic on repeated calls.
	h.Unsubscribe(sub)
	h.Unsubscribe(nil)
}

func TestPublishDropsWhenBufferFullAndCountsLoss(t *testing.T) {
	t.Parallel()

	h := NewHub()
	var dropped []string
	h.OnDrop = func(eventType string) { dropped = append(dropped, eventType) }
	sub := h.Subscribe(1)
	defer h.Unsubscribe(sub)

	h.Publish(NewEvent(TypeAdmissionGranted, nil))
	h.Publish(NewEvent(TypeAdmissionRejected, nil))

	select {
	case evt := <-sub.C():
		if evt.Type != TypeAdmissionGranted {
			t.Fatalf("expected first event to remain in buffer, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	select {
	case evt := <-sub.C():
		t.Fatalf("did not expect second buffered event, got %q", evt.Type)
	default:
	}

	if got := sub.Dropped(); got != 1 {
		t.Fatalf("expected one dropped event, got %d", got)
	}
	if len(dropped) != 1 || dropped[0] != TypeAdmissionRejected {
		t.Fatalf("unexpected drop observations: %v", dropped)
	}
}

func TestSubscribeReplaysRecentEvents(t *testing.T) {
	t.Parallel()

	h := NewHub()
	for i := 0; i < replayDepth+4; i++ {
		h.Publish(NewEvent(TypeSlotReleased, map[string]int{"seq": i}))
	}
	h.Publish(NewEvent(TypeBindingRegistered, nil))

	sub := h.Subscribe(replayDepth)
	defer h.Unsubscribe(sub)

	var replayed []Event
	for {
		select {
		case evt := <-sub.C():
			replayed = append(replayed, evt)
			continue
		default:
		}
		break
	}
	if len(replayed) != replayDepth {
		t.Fatalf("expected %d replayed events, got %d", replayDepth, len(replayed))
	}
	if replayed[len(replayed)-1].Type != TypeBindingRegistered {
		t.Fatalf("replay must end with the newest event, got %q", replayed[len(replayed)-1].Type)
	}
}

func TestReplayDoesNotCountAsDrop(t *testing.T) {
	t.Parallel()

	h := NewHub()
	h.Publish(NewEvent(TypeAdmissionGranted, nil))
	h.Publish(NewEvent(TypeAdmissionRejected, nil))

	// Buffer smaller than the backlog: the overflow is silently trimmed.
	sub := h.Subscribe(1)
	defer h.Unsubscribe(sub)
	if got := sub.Dropped(); got != 0 {
		t.Fatalf("replay overflow must not count as drops, got %d", got)
	}
}

type fakeKafkaWriter struct {
	messages []kafka.Message
	writeErr error
	closed   bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	_ = ctx
	f.messages = append(f.messages, msgs...)
	return f.writeErr
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublisherConfigValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewPublisher(PublisherConfig{Brokers: []string{" ", ""}}); err == nil {
		t.Fatal("expected error for empty brokers")
	}
	p, err := NewPublisher(PublisherConfig{Brokers: []string{"localhost:9092"}})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer p.Close()
	if w, ok := p.writer.(*kafka.Writer); !ok || w.Topic != DefaultTopic {
		t.Fatalf("expected default topic %s", DefaultTopic)
	}
}

func TestPublisherKeysMessagesByType(t *testing.T) {
	t.Parallel()

	fake := &fakeKafkaWriter{}
	p := &Publisher{writer: fake, timeout: time.Second}

	p.Publish(NewEvent(TypeQuotaRejected, map[string]int{"current": 5}))
	if len(fake.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fake.messages))
	}
	if string(fake.messages[0].Key) != TypeQuotaRejected {
		t.Fatalf("expected key %s, got %q", TypeQuotaRejected, fake.messages[0].Key)
	}
	var evt Event
	if err := json.Unmarshal(fake.messages[0].Value, &evt); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if evt.Type != TypeQuotaRejected {
		t.Fatalf("unexpected event payload %+v", evt)
	}

	// Write errors are logged, never surfaced into the admission path.
	fake.writeErr = errors.New("broker down")
	p.Publish(NewEvent(TypeAdmissionGranted, nil))

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !fake.closed {
		t.Fatal("expected writer closed")
	}
}

func TestBroadcasterFeedsHub(t *testing.T) {
	t.Parallel()

	h := NewHub()
	sub := h.Subscribe(1)
	defer h.Unsubscribe(sub)

	b := &Broadcaster{Hub: h}
	b.Emit(TypeBindingRegistered, map[string]string{"hash": "h1"})

	select {
	case evt := <-sub.C():
		if evt.Type != TypeBindingRegistered {
			t.Fatalf("unexpected event %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
}
