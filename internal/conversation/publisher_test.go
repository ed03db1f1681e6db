package conversation

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestPublisherEnqueueInboundRoundTrip(t *testing.T) {
	q := NewMemoryQueue(8)
	pub := NewPublisher(q, nil)
	ctx := context.Background()

	event := InboundEvent{
		ConversationID:    "5511999990000",
		ProviderMessageID: "wamid-1",
		Text:              "oi, tudo bem?",
		ArrivedAt:         time.Now().UTC(),
	}
	jobID, err := pub.EnqueueInbound(ctx, event)
	if err != nil {
		t.Fatalf("EnqueueInbound failed: %v", err)
	}
	if jobID == "" {
		t.Fatal("expected a job id")
	}

	msgs, err := q.Receive(ctx, 1, 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Receive failed: %v (%d messages)", err, len(msgs))
	}

	var payload queuePayload
	if err := json.Unmarshal([]byte(msgs[0].Body), &payload); err != nil {
		t.Fatalf("payload not decodable: %v", err)
	}
	if payload.ID != jobID || payload.Kind != jobTypeMessage {
		t.Fatalf("payload envelope wrong: %#v", payload)
	}
	if payload.Message == nil || payload.Message.Text != "oi, tudo bem?" {
		t.Fatalf("event lost in transit: %#v", payload.Message)
	}
}

func TestPublisherEnqueuePresenceRoundTrip(t *testing.T) {
	q := NewMemoryQueue(8)
	pub := NewPublisher(q, nil)
	ctx := context.Background()

	if _, err := pub.EnqueuePresence(ctx, "5511999990000", PresenceComposing); err != nil {
		t.Fatalf("EnqueuePresence failed: %v", err)
	}

	msgs, err := q.Receive(ctx, 1, 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Receive failed: %v (%d messages)", err, len(msgs))
	}

	var payload queuePayload
	if err := json.Unmarshal([]byte(msgs[0].Body), &payload); err != nil {
		t.Fatalf("payload not decodable: %v", err)
	}
	if payload.Kind != jobTypePresence || payload.Presence == nil {
		t.Fatalf("presence envelope wrong: %#v", payload)
	}
	if payload.Presence.Status != PresenceComposing || payload.Presence.ObservedAt.IsZero() {
		t.Fatalf("presence body wrong: %#v", payload.Presence)
	}
}

func TestPublisherRequiresConversationID(t *testing.T) {
	pub := NewPublisher(NewMemoryQueue(8), nil)

	if _, err := pub.EnqueueInbound(context.Background(), InboundEvent{Text: "sem id"}); err == nil {
		t.Fatal("expected error for missing conversation id")
	}
	if _, err := pub.EnqueuePresence(context.Background(), "", PresenceComposing); err == nil {
		t.Fatal("expected error for missing conversation id")
	}
}
