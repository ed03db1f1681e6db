package messaging

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dmourab/whatsflow/internal/conversation"
	"github.com/dmourab/whatsflow/internal/observability/metrics"
	"github.com/dmourab/whatsflow/pkg/logging"
)

var webhookTracer = otel.Tracer("whatsflow.internal.messaging.webhook")

type conversationPublisher interface {
	EnqueueInbound(ctx context.Context, event conversation.InboundEvent) (string, error)
	EnqueuePresence(ctx context.Context, conversationID, status string) (string, error)
}

// Handler receives Evolution API webhooks, filters noise, and forwards clean
// events to the conversation queue.
type Handler struct {
	webhookToken string
	agentNumber  string
	publisher    conversationPublisher
	dedupe       DedupeStore
	logger       *logging.Logger
	metrics      *metrics.MessagingMetrics
}

// NewHandler creates the webhook handler. agentNumber is the bot's own
// WhatsApp number; its messages are ignored to avoid reply loops.
func NewHandler(webhookToken, agentNumber string, publisher conversationPublisher, dedupe DedupeStore, logger *logging.Logger, m *metrics.MessagingMetrics) *Handler {
	if publisher == nil {
		panic("messaging: publisher cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		webhookToken: webhookToken,
		agentNumber:  NormalizeNumber(agentNumber),
		publisher:    publisher,
		dedupe:       dedupe,
		logger:       logger,
		metrics:      m,
	}
}

// EvolutionWebhook handles POST /webhooks/evolution requests.
func (h *Handler) EvolutionWebhook(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, span := webhookTracer.Start(r.Context(), "messaging.evolution.webhook")
	defer span.End()

	if h.webhookToken != "" {
		token := r.Header.Get("X-Webhook-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.webhookToken)) != 1 {
			h.logger.Warn("invalid webhook token")
			span.RecordError(errors.New("invalid webhook token"))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	envelope, err := ParseWebhook(r)
	if err != nil {
		h.logger.Error("failed to parse evolution webhook", "error", err)
		span.RecordError(err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.String("whatsflow.event", envelope.Event),
		attribute.String("whatsflow.instance", envelope.Instance),
	)

	switch envelope.Event {
	case EventMessagesUpsert:
		h.handleMessage(ctx, envelope)
	case EventPresenceUpdate:
		h.handlePresence(ctx, envelope)
	default:
		// Evolution emits many event types; unhandled ones are acked so the
		// instance does not retry them.
		h.logger.Debug("ignoring webhook event", "event", envelope.Event)
	}

	h.metrics.ObserveWebhookLatency(envelope.Event, time.Since(started).Seconds())
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleMessage(ctx context.Context, envelope *WebhookEnvelope) {
	msg := ExtractMessage(envelope)
	if msg == nil {
		h.metrics.ObserveInbound(envelope.Event, "skipped")
		return
	}
	if msg.FromMe || (h.agentNumber != "" && NormalizeNumber(msg.Number) == h.agentNumber) {
		h.metrics.ObserveInbound(envelope.Event, "self")
		return
	}
	if IsGroupJID(msg.RemoteJid) {
		h.metrics.ObserveInbound(envelope.Event, "group")
		return
	}

	if h.dedupe != nil {
		seen, err := h.dedupe.MarkSeen(ctx, msg.ProviderMessageID)
		if err != nil {
			h.logger.Warn("dedupe check failed, accepting message", "error", err, "provider_message_id", msg.ProviderMessageID)
		} else if seen {
			h.logger.Debug("duplicate webhook delivery dropped", "provider_message_id", msg.ProviderMessageID)
			h.metrics.ObserveInbound(envelope.Event, "duplicate")
			return
		}
	}

	conversationID := NormalizeNumber(msg.Number)
	event := conversation.InboundEvent{
		ConversationID:    conversationID,
		Text:              msg.Text,
		From:              msg.Number,
		ProviderMessageID: msg.ProviderMessageID,
		ArrivedAt:         msg.Timestamp,
	}
	if msg.PushName != "" {
		event.Metadata = map[string]string{"push_name": msg.PushName}
	}

	if _, err := h.publisher.EnqueueInbound(ctx, event); err != nil {
		h.logger.Error("failed to enqueue inbound message",
			"error", err,
			"conversation_id", conversationID,
			"provider_message_id", msg.ProviderMessageID,
		)
		h.metrics.ObserveInbound(envelope.Event, "failed")
		return
	}
	h.metrics.ObserveInbound(envelope.Event, "ok")
}

func (h *Handler) handlePresence(ctx context.Context, envelope *WebhookEnvelope) {
	change := ExtractPresence(envelope)
	if change == nil || change.Number == "" {
		h.metrics.ObserveInbound(envelope.Event, "skipped")
		return
	}

	conversationID := NormalizeNumber(change.Number)
	if h.agentNumber != "" && conversationID == h.agentNumber {
		return
	}

	if _, err := h.publisher.EnqueuePresence(ctx, conversationID, change.Status); err != nil {
		h.logger.Error("failed to enqueue presence update", "error", err, "conversation_id", conversationID)
		h.metrics.ObserveInbound(envelope.Event, "failed")
		return
	}
	h.metrics.ObserveInbound(envelope.Event, "ok")
}
