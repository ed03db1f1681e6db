package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmourab/whatsflow/pkg/logging"
)

// HistoryStore persists a conversation's transcript. Implementations only
// need append-ordering consistency per conversation.
type HistoryStore interface {
	Append(ctx context.Context, conversationID string, msg Message) error
	Load(ctx context.Context, conversationID string) ([]Message, error)
}

// MemoryHistory is an in-process HistoryStore for development and tests.
type MemoryHistory struct {
	mu          sync.Mutex
	messages    map[string][]Message
	maxMessages int
}

// NewMemoryHistory creates a memory store keeping at most maxMessages per
// conversation (0 means unlimited).
func NewMemoryHistory(maxMessages int) *MemoryHistory {
	return &MemoryHistory{
		messages:    make(map[string][]Message),
		maxMessages: maxMessages,
	}
}

func (h *MemoryHistory) Append(_ context.Context, conversationID string, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := append(h.messages[conversationID], msg)
	if h.maxMessages > 0 && len(msgs) > h.maxMessages {
		msgs = msgs[len(msgs)-h.maxMessages:]
	}
	h.messages[conversationID] = msgs
	return nil
}

func (h *MemoryHistory) Load(_ context.Context, conversationID string) ([]Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.messages[conversationID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// TeeHistory fans appends out to several stores (fast + durable) and loads
// from the first store that has the transcript. Append failures on secondary
// stores are logged, not propagated, so a cold cache never stalls a turn.
type TeeHistory struct {
	stores []HistoryStore
	logger *logging.Logger
}

// NewTeeHistory combines stores in priority order. Panics when no store is
// given.
func NewTeeHistory(logger *logging.Logger, stores ...HistoryStore) *TeeHistory {
	filtered := make([]HistoryStore, 0, len(stores))
	for _, s := range stores {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		panic("conversation: tee history requires at least one store")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &TeeHistory{stores: filtered, logger: logger}
}

func (h *TeeHistory) Append(ctx context.Context, conversationID string, msg Message) error {
	var firstErr error
	for i, store := range h.stores {
		if err := store.Append(ctx, conversationID, msg); err != nil {
			if i == 0 {
				firstErr = err
			}
			h.logger.Warn("history append failed",
				"conversation_id", conversationID,
				"store_index", i,
				"error", err,
			)
		}
	}
	return firstErr
}

func (h *TeeHistory) Load(ctx context.Context, conversationID string) ([]Message, error) {
	var lastErr error
	for _, store := range h.stores {
		msgs, err := store.Load(ctx, conversationID)
		if err != nil {
			lastErr = err
			continue
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
	}
	return nil, lastErr
}
