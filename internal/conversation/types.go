package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// InboundEvent is one message received from a remote party. Immutable once
// created; ordered by ArrivedAt with Seq breaking ties.
type InboundEvent struct {
	ConversationID    string            `json:"conversation_id"`
	Text              string            `json:"text"`
	From              string            `json:"from"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	ArrivedAt         time.Time         `json:"arrived_at"`
	Seq               uint64            `json:"seq"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// UnitKind tags a DeliveryUnit variant.
type UnitKind string

const (
	UnitText     UnitKind = "text"
	UnitReaction UnitKind = "reaction"
	UnitSticker  UnitKind = "sticker"
)

// DeliveryUnit is one atomic outbound action. The Kind field selects which of
// the remaining fields are meaningful.
type DeliveryUnit struct {
	Kind            UnitKind `json:"kind"`
	Text            string   `json:"text,omitempty"`
	EstimatedChars  int      `json:"estimated_chars,omitempty"`
	TargetMessageID string   `json:"target_message_id,omitempty"`
	Emoji           string   `json:"emoji,omitempty"`
	StickerRef      string   `json:"sticker_ref,omitempty"`
}

// TextUnit builds a text segment unit with its character estimate.
func TextUnit(segment string) DeliveryUnit {
	return DeliveryUnit{
		Kind:           UnitText,
		Text:           segment,
		EstimatedChars: len([]rune(segment)),
	}
}

// ReactionUnit builds a reaction to a previously received message.
func ReactionUnit(targetMessageID, emoji string) DeliveryUnit {
	return DeliveryUnit{
		Kind:            UnitReaction,
		TargetMessageID: targetMessageID,
		Emoji:           emoji,
	}
}

// StickerUnit builds a sticker send.
func StickerUnit(ref string) DeliveryUnit {
	return DeliveryUnit{
		Kind:       UnitSticker,
		StickerRef: ref,
	}
}

// TurnOutput is the result of one reasoning invocation: delivery units in the
// required send order.
type TurnOutput struct {
	Units []DeliveryUnit
}

// Message roles in a conversation transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry in a conversation's history.
type Message struct {
	ID                string            `json:"id"`
	Role              string            `json:"role"`
	Body              string            `json:"body"`
	Kind              string            `json:"kind,omitempty"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Error taxonomy. Busy is recoverable by re-queueing; backend errors are
// retried then degraded to a fallback reply; delivery failures unblock the
// conversation and are surfaced; registry corruption must not occur under
// correct locking and is checked defensively.
var (
	ErrBusy            = errors.New("conversation: turn already active")
	ErrBackendTimeout  = errors.New("conversation: reasoning backend timed out")
	ErrBackendError    = errors.New("conversation: reasoning backend error")
	ErrDeliveryFailed  = errors.New("conversation: delivery failed")
	ErrRegistryCorrupt = errors.New("conversation: registry corruption detected")
)

// DeliveryError reports which unit exhausted its transport retries.
type DeliveryError struct {
	ConversationID string
	UnitIndex      int
	Attempts       int
	Err            error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("conversation: delivery of unit %d failed after %d attempts for %s: %v",
		e.UnitIndex, e.Attempts, e.ConversationID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrDeliveryFailed) match.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrDeliveryFailed
}

// Transport delivers outbound units to the WhatsApp gateway. SendText accepts
// the typing-simulation delay so the gateway can show a composing indicator.
type Transport interface {
	SendText(ctx context.Context, conversationID, text string, typingDelay time.Duration) (providerMessageID string, err error)
	SendReaction(ctx context.Context, conversationID, targetMessageID, emoji string) error
	SendSticker(ctx context.Context, conversationID, stickerRef string) error
}

// Reasoner is the external reasoning backend. Synchronous from the caller's
// point of view; the orchestrator imposes the deadline through ctx.
type Reasoner interface {
	RunTurn(ctx context.Context, conversationID string, history []Message, events []InboundEvent) (*TurnOutput, error)
}
