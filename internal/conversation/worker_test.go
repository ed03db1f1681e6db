package conversation

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestWorkerConsumesInboundJobs(t *testing.T) {
	reasoner := &fakeReasoner{}
	transport := newFakeTransport()
	engine, _ := newTestEngine(t, reasoner, transport, EngineConfig{
		QuietPeriod: 10 * time.Millisecond,
		MaxWait:     100 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Stop()

	q := NewMemoryQueue(8)
	pub := NewPublisher(q, nil)
	worker := NewWorker(engine, q, nil, WithWorkerCount(1), WithReceiveWaitSeconds(1))
	worker.Start(ctx)
	defer worker.Wait()

	if _, err := pub.EnqueueInbound(ctx, InboundEvent{
		ConversationID:    "5511999990000",
		ProviderMessageID: "wamid-1",
		Text:              "oi",
	}); err != nil {
		t.Fatalf("EnqueueInbound failed: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return len(transport.sent()) == 1 })
	if reasoner.callCount() != 1 {
		t.Fatalf("expected 1 turn, got %d", reasoner.callCount())
	}
	cancel()
}

func TestWorkerRoutesPresenceJobs(t *testing.T) {
	reasoner := &fakeReasoner{}
	transport := newFakeTransport()
	engine, _ := newTestEngine(t, reasoner, transport, EngineConfig{
		QuietPeriod: 40 * time.Millisecond,
		MaxWait:     time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Stop()

	q := NewMemoryQueue(8)
	pub := NewPublisher(q, nil)
	worker := NewWorker(engine, q, nil, WithWorkerCount(1), WithReceiveWaitSeconds(1))
	worker.Start(ctx)
	defer worker.Wait()

	if _, err := pub.EnqueueInbound(ctx, InboundEvent{ConversationID: "5511999990000", Text: "digitando"}); err != nil {
		t.Fatalf("EnqueueInbound failed: %v", err)
	}
	// Keep the debounce window open through presence jobs.
	for i := 0; i < 5; i++ {
		time.Sleep(15 * time.Millisecond)
		if _, err := pub.EnqueuePresence(ctx, "5511999990000", PresenceComposing); err != nil {
			t.Fatalf("EnqueuePresence failed: %v", err)
		}
	}

	waitFor(t, 3*time.Second, func() bool { return len(transport.sent()) == 1 })
	cancel()
}

func TestWorkerDropsMalformedJobs(t *testing.T) {
	reasoner := &fakeReasoner{}
	transport := newFakeTransport()
	engine, _ := newTestEngine(t, reasoner, transport, EngineConfig{
		QuietPeriod: 10 * time.Millisecond,
		MaxWait:     100 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Stop()

	q := NewMemoryQueue(8)
	worker := NewWorker(engine, q, nil, WithWorkerCount(1), WithReceiveWaitSeconds(1))
	worker.Start(ctx)
	defer worker.Wait()

	if err := q.Send(ctx, "not json at all"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	// A valid job after the poison one proves the worker kept going.
	body, err := json.Marshal(queuePayload{ID: "job-1", Kind: jobTypeMessage, Message: &InboundEvent{
		ConversationID: "5511999990000",
		Text:           "ainda funciona",
	}})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := q.Send(ctx, string(body)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return len(transport.sent()) == 1 })
	cancel()
}
