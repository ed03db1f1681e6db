package conversation

import (
	"sync"
	"time"

	"github.com/dmourab/whatsflow/internal/clock"
)

// Presence statuses reported by the WhatsApp gateway.
const (
	PresenceAvailable = "available"
	PresenceComposing = "composing"
	PresenceRecording = "recording"
)

// presenceStaleAfter: without a fresh update the remote party is treated as
// available, so a dropped presence webhook can never stall delivery.
const presenceStaleAfter = 30 * time.Second

// IsComposing reports whether the status means the remote party is actively
// producing a message.
func IsComposing(status string) bool {
	return status == PresenceComposing || status == PresenceRecording
}

type presenceRecord struct {
	status    string
	updatedAt time.Time
}

// PresenceTracker remembers the last known presence per conversation.
type PresenceTracker struct {
	clk clock.Clock

	mu      sync.Mutex
	records map[string]presenceRecord
}

// NewPresenceTracker creates an empty tracker.
func NewPresenceTracker(clk clock.Clock) *PresenceTracker {
	if clk == nil {
		clk = clock.System()
	}
	return &PresenceTracker{
		clk:     clk,
		records: make(map[string]presenceRecord),
	}
}

// Update records a presence webhook for the conversation.
func (t *PresenceTracker) Update(conversationID, status string) {
	if conversationID == "" {
		return
	}
	if status == "" {
		status = PresenceAvailable
	}
	t.mu.Lock()
	t.records[conversationID] = presenceRecord{status: status, updatedAt: t.clk.Now()}
	t.mu.Unlock()
}

// Available reports whether the remote party is not composing/recording.
// Stale records count as available.
func (t *PresenceTracker) Available(conversationID string) bool {
	t.mu.Lock()
	rec, ok := t.records[conversationID]
	t.mu.Unlock()

	if !ok {
		return true
	}
	if t.clk.Now().Sub(rec.updatedAt) > presenceStaleAfter {
		return true
	}
	return !IsComposing(rec.status)
}

// Forget drops the record for an evicted conversation.
func (t *PresenceTracker) Forget(conversationID string) {
	t.mu.Lock()
	delete(t.records, conversationID)
	t.mu.Unlock()
}
