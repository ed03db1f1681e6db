package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmourab/whatsflow/pkg/logging"
)

// Publisher hands inbound webhook events to the queue that feeds the
// conversation workers. The webhook handler stays fast; all pacing and
// reasoning happens on the consumer side.
type Publisher struct {
	queue  Queue
	logger *logging.Logger
}

func NewPublisher(queue Queue, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("conversation: publisher queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{queue: queue, logger: logger}
}

// EnqueueInbound publishes one inbound message event.
func (p *Publisher) EnqueueInbound(ctx context.Context, event InboundEvent) (string, error) {
	if event.ConversationID == "" {
		return "", errors.New("conversation: inbound event conversationID required")
	}

	payload, body, err := encodePayload(queuePayload{
		Kind:    jobTypeMessage,
		Message: &event,
	})
	if err != nil {
		return "", err
	}

	if err := p.queue.Send(ctx, body); err != nil {
		return "", fmt.Errorf("conversation: failed to enqueue inbound event: %w", err)
	}

	p.logger.Debug("inbound event enqueued",
		"job_id", payload.ID,
		"conversation_id", event.ConversationID,
		"provider_message_id", event.ProviderMessageID,
	)
	return payload.ID, nil
}

// EnqueuePresence publishes a presence change (composing, recording,
// available) so workers can extend debounce windows.
func (p *Publisher) EnqueuePresence(ctx context.Context, conversationID, status string) (string, error) {
	if conversationID == "" {
		return "", errors.New("conversation: presence conversationID required")
	}

	payload, body, err := encodePayload(queuePayload{
		Kind: jobTypePresence,
		Presence: &presenceUpdate{
			ConversationID: conversationID,
			Status:         status,
			ObservedAt:     time.Now().UTC(),
		},
	})
	if err != nil {
		return "", err
	}

	if err := p.queue.Send(ctx, body); err != nil {
		return "", fmt.Errorf("conversation: failed to enqueue presence update: %w", err)
	}

	p.logger.Debug("presence update enqueued",
		"job_id", payload.ID,
		"conversation_id", conversationID,
		"status", status,
	)
	return payload.ID, nil
}
