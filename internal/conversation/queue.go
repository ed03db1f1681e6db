package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue is the transport between the webhook tier and the conversation
// workers. SQS in production, an in-memory channel in development.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

type jobType string

const (
	jobTypeMessage  jobType = "message"
	jobTypePresence jobType = "presence"
)

type presenceUpdate struct {
	ConversationID string    `json:"conversation_id"`
	Status         string    `json:"status"`
	ObservedAt     time.Time `json:"observed_at,omitempty"`
}

type queuePayload struct {
	ID       string          `json:"id"`
	Kind     jobType         `json:"kind"`
	Message  *InboundEvent   `json:"message,omitempty"`
	Presence *presenceUpdate `json:"presence,omitempty"`
}

func encodePayload(payload queuePayload) (queuePayload, string, error) {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return queuePayload{}, "", fmt.Errorf("conversation: failed to encode payload: %w", err)
	}

	return payload, string(body), nil
}
