package conversation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeReasoner returns scripted outputs or errors per call.
type fakeReasoner struct {
	mu      sync.Mutex
	outputs []*TurnOutput
	errs    []error
	calls   int
	sleep   time.Duration
	gotHist [][]Message
}

func (f *fakeReasoner) RunTurn(ctx context.Context, _ string, history []Message, events []InboundEvent) (*TurnOutput, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.gotHist = append(f.gotHist, history)
	sleep := f.sleep
	f.mu.Unlock()

	if sleep > 0 {
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if call < len(f.errs) && f.errs[call] != nil {
		return nil, f.errs[call]
	}
	if call < len(f.outputs) {
		return f.outputs[call], nil
	}
	return &TurnOutput{Units: []DeliveryUnit{TextUnit("resposta padrão")}}, nil
}

func (f *fakeReasoner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestOrchestrator(reasoner Reasoner, history HistoryStore, transport *fakeTransport, cfg OrchestratorConfig) *Orchestrator {
	sched := NewScheduler(transport, nil, fastSchedulerConfig(PolicyDrainThenYield), nil, nil, nil)
	return NewOrchestrator(reasoner, history, sched, nil, cfg, nil, nil)
}

func newTestState(id string) *ConversationState {
	return &ConversationState{
		ID:        id,
		turnQueue: make(chan []InboundEvent, turnQueueDepth),
	}
}

func testEvents(id string, texts ...string) []InboundEvent {
	events := make([]InboundEvent, 0, len(texts))
	for i, text := range texts {
		events = append(events, InboundEvent{
			ConversationID:    id,
			Text:              text,
			ProviderMessageID: "wamid-in-" + text,
			ArrivedAt:         time.Now(),
			Seq:               uint64(i + 1),
		})
	}
	return events
}

func TestHandleBatchRejectsConcurrentTurn(t *testing.T) {
	orch := newTestOrchestrator(&fakeReasoner{}, NewMemoryHistory(50), newFakeTransport(), OrchestratorConfig{})
	st := newTestState("conv-1")

	st.mu.Lock()
	st.busy = true
	st.mu.Unlock()

	err := orch.HandleBatch(context.Background(), st, testEvents("conv-1", "oi"))
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestHandleBatchRunsTurnAndRecordsHistory(t *testing.T) {
	reasoner := &fakeReasoner{outputs: []*TurnOutput{
		{Units: []DeliveryUnit{TextUnit("olá!"), ReactionUnit("wamid-in-oi", "👍")}},
	}}
	history := NewMemoryHistory(50)
	transport := newFakeTransport()
	orch := newTestOrchestrator(reasoner, history, transport, OrchestratorConfig{})
	st := newTestState("conv-1")

	if err := orch.HandleBatch(context.Background(), st, testEvents("conv-1", "oi", "tudo bem?")); err != nil {
		t.Fatalf("HandleBatch failed: %v", err)
	}

	// First turn: the reasoner must not see the new events duplicated into
	// history.
	if len(reasoner.gotHist[0]) != 0 {
		t.Fatalf("history passed to first turn should be empty, got %d messages", len(reasoner.gotHist[0]))
	}

	msgs, err := history.Load(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// Two inbound plus two sent units.
	if len(msgs) != 4 {
		t.Fatalf("expected 4 history entries, got %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[1].Role != RoleUser {
		t.Fatalf("inbound entries must come first: %#v", msgs[:2])
	}
	if msgs[2].Role != RoleAssistant || msgs[2].Body != "olá!" {
		t.Fatalf("assistant reply missing: %#v", msgs[2])
	}
	if msgs[3].Kind != string(UnitReaction) || msgs[3].Body != "👍" {
		t.Fatalf("reaction entry wrong: %#v", msgs[3])
	}

	st.mu.Lock()
	busy, session := st.busy, st.session
	st.mu.Unlock()
	if busy || session != nil {
		t.Fatal("conversation must be released after the turn")
	}
}

func TestHandleBatchRetriesThenFallsBack(t *testing.T) {
	reasoner := &fakeReasoner{errs: []error{
		errors.New("backend down"),
		errors.New("backend still down"),
	}}
	transport := newFakeTransport()
	orch := newTestOrchestrator(reasoner, NewMemoryHistory(50), transport, OrchestratorConfig{
		Retries:       1,
		RetryBackoff:  time.Millisecond,
		FallbackReply: "Desculpe, tente novamente.",
	})
	st := newTestState("conv-1")

	if err := orch.HandleBatch(context.Background(), st, testEvents("conv-1", "oi")); err != nil {
		t.Fatalf("HandleBatch failed: %v", err)
	}
	if got := reasoner.callCount(); got != 2 {
		t.Fatalf("expected 2 reasoning attempts, got %d", got)
	}
	calls := transport.sent()
	if len(calls) != 1 || calls[0].text != "Desculpe, tente novamente." {
		t.Fatalf("fallback reply not delivered: %#v", calls)
	}
}

func TestHandleBatchBackendTimeoutDegrades(t *testing.T) {
	reasoner := &fakeReasoner{sleep: 200 * time.Millisecond}
	transport := newFakeTransport()
	orch := newTestOrchestrator(reasoner, NewMemoryHistory(50), transport, OrchestratorConfig{
		BackendDeadline: 20 * time.Millisecond,
		FallbackReply:   "Um momento, por favor.",
	})
	st := newTestState("conv-1")

	if err := orch.HandleBatch(context.Background(), st, testEvents("conv-1", "oi")); err != nil {
		t.Fatalf("HandleBatch failed: %v", err)
	}
	calls := transport.sent()
	if len(calls) != 1 || calls[0].text != "Um momento, por favor." {
		t.Fatalf("timeout must degrade to the fallback reply: %#v", calls)
	}
}

func TestHandleBatchEmptyOutputTreatedAsBackendError(t *testing.T) {
	reasoner := &fakeReasoner{outputs: []*TurnOutput{{Units: nil}}}
	transport := newFakeTransport()
	orch := newTestOrchestrator(reasoner, NewMemoryHistory(50), transport, OrchestratorConfig{
		FallbackReply: "fallback",
	})
	st := newTestState("conv-1")

	if err := orch.HandleBatch(context.Background(), st, testEvents("conv-1", "oi")); err != nil {
		t.Fatalf("HandleBatch failed: %v", err)
	}
	calls := transport.sent()
	if len(calls) != 1 || calls[0].text != "fallback" {
		t.Fatalf("empty output must degrade to fallback: %#v", calls)
	}
}

func TestHandleBatchDeliveryFailureReleasesConversation(t *testing.T) {
	transport := newFakeTransport()
	transport.failures[0] = 100
	orch := newTestOrchestrator(&fakeReasoner{}, NewMemoryHistory(50), transport, OrchestratorConfig{})
	st := newTestState("conv-1")

	err := orch.HandleBatch(context.Background(), st, testEvents("conv-1", "oi"))
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}

	st.mu.Lock()
	busy := st.busy
	st.mu.Unlock()
	if busy {
		t.Fatal("failed delivery must still release the conversation")
	}
}

func TestHandleBatchSequentialTurns(t *testing.T) {
	transport := newFakeTransport()
	orch := newTestOrchestrator(&fakeReasoner{}, NewMemoryHistory(50), transport, OrchestratorConfig{})
	st := newTestState("conv-1")

	var wg sync.WaitGroup
	var busyRejections atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := orch.HandleBatch(context.Background(), st, testEvents("conv-1", "oi")); errors.Is(err, ErrBusy) {
				busyRejections.Add(1)
			}
		}()
	}
	wg.Wait()

	completed := int32(len(transport.sent()))
	if completed+busyRejections.Load() != 4 {
		t.Fatalf("every batch must complete or fail fast: %d completed, %d busy", completed, busyRejections.Load())
	}
	if completed < 1 {
		t.Fatal("at least one turn must have completed")
	}
}
