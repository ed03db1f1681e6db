package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dmourab/whatsflow/internal/clock"
	"github.com/dmourab/whatsflow/internal/observability/metrics"
	"github.com/dmourab/whatsflow/pkg/logging"
)

// OrchestratorConfig carries turn-level policy knobs.
type OrchestratorConfig struct {
	// BackendDeadline bounds one reasoning call.
	BackendDeadline time.Duration
	// Retries is how many extra attempts follow a failed reasoning call.
	Retries int
	// RetryBackoff is the wait between reasoning attempts.
	RetryBackoff time.Duration
	// FallbackReply is sent when all attempts fail; a conversation never goes
	// silent on backend failure.
	FallbackReply string
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.BackendDeadline <= 0 {
		c.BackendDeadline = 45 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.FallbackReply == "" {
		c.FallbackReply = "Desculpe, ocorreu um erro. Tente novamente."
	}
}

// Orchestrator enforces the single-flight invariant: at most one active
// reasoning turn per conversation. It translates a flushed batch plus history
// into a TurnOutput and hands it to the scheduler.
type Orchestrator struct {
	reasoner  Reasoner
	history   HistoryStore
	scheduler *Scheduler
	clk       clock.Clock
	cfg       OrchestratorConfig
	logger    *logging.Logger
	metrics   *metrics.ConversationMetrics
}

// NewOrchestrator builds the turn orchestrator.
func NewOrchestrator(reasoner Reasoner, history HistoryStore, scheduler *Scheduler, clk clock.Clock, cfg OrchestratorConfig, logger *logging.Logger, m *metrics.ConversationMetrics) *Orchestrator {
	if reasoner == nil {
		panic("conversation: orchestrator reasoner cannot be nil")
	}
	if history == nil {
		panic("conversation: orchestrator history store cannot be nil")
	}
	if scheduler == nil {
		panic("conversation: orchestrator scheduler cannot be nil")
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg.applyDefaults()
	return &Orchestrator{
		reasoner:  reasoner,
		history:   history,
		scheduler: scheduler,
		clk:       clk,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
	}
}

// HandleBatch runs one turn for the batch. Fails fast with ErrBusy when a
// turn is already active for this conversation; the caller must re-queue, not
// drop. The conversation is marked free when delivery completes or aborts.
func (o *Orchestrator) HandleBatch(ctx context.Context, st *ConversationState, events []InboundEvent) error {
	if st == nil || len(events) == 0 {
		return nil
	}

	st.mu.Lock()
	if st.busy {
		st.mu.Unlock()
		return ErrBusy
	}
	st.busy = true
	st.mu.Unlock()

	defer func() {
		st.mu.Lock()
		st.busy = false
		st.session = nil
		st.touchLocked(o.clk.Now())
		st.mu.Unlock()
	}()

	started := o.clk.Now()
	conversationID := st.ID

	// History is loaded before the new events are appended so the reasoner
	// sees them exactly once, as the batch argument.
	history, err := o.history.Load(ctx, conversationID)
	if err != nil {
		o.logger.Warn("history load failed, proceeding without context",
			"conversation_id", conversationID, "error", err)
		history = nil
	}
	o.appendInbound(ctx, conversationID, events)

	out, turnErr := o.runReasoning(ctx, conversationID, history, events)
	status := "ok"
	if turnErr != nil {
		status = "fallback"
		o.logger.Error("reasoning failed after retries, degrading to fallback reply",
			"conversation_id", conversationID, "error", turnErr)
		out = &TurnOutput{Units: []DeliveryUnit{TextUnit(o.cfg.FallbackReply)}}
	}

	session := NewDeliverySession(conversationID, out, o.clk.Now())
	st.mu.Lock()
	st.session = session
	st.mu.Unlock()

	deliverErr := o.scheduler.Deliver(ctx, session)
	o.appendOutbound(ctx, conversationID, session.Sent())

	if deliverErr != nil {
		status = "delivery_failed"
	}
	o.metrics.ObserveTurn(status, o.clk.Now().Sub(started).Seconds())

	return deliverErr
}

// runReasoning invokes the backend with the configured deadline, retrying a
// bounded number of times before giving up.
func (o *Orchestrator) runReasoning(ctx context.Context, conversationID string, history []Message, events []InboundEvent) (*TurnOutput, error) {
	attempts := o.cfg.Retries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.BackendDeadline)
		out, err := o.reasoner.RunTurn(callCtx, conversationID, history, events)
		cancel()

		switch {
		case err == nil && out != nil && len(out.Units) > 0:
			return out, nil
		case err == nil:
			lastErr = ErrBackendError
		case errors.Is(err, context.DeadlineExceeded):
			lastErr = errors.Join(ErrBackendTimeout, err)
		case errors.Is(err, context.Canceled):
			return nil, err
		default:
			lastErr = errors.Join(ErrBackendError, err)
		}

		o.logger.Warn("reasoning attempt failed",
			"conversation_id", conversationID,
			"attempt", attempt,
			"error", lastErr,
		)
		if attempt < attempts {
			if err := clock.Sleep(ctx, o.clk, o.cfg.RetryBackoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func (o *Orchestrator) appendInbound(ctx context.Context, conversationID string, events []InboundEvent) {
	for _, ev := range events {
		msg := Message{
			ID:                uuid.NewString(),
			Role:              RoleUser,
			Body:              ev.Text,
			Kind:              string(UnitText),
			ProviderMessageID: ev.ProviderMessageID,
			Timestamp:         ev.ArrivedAt,
			Metadata:          ev.Metadata,
		}
		if err := o.history.Append(ctx, conversationID, msg); err != nil {
			o.logger.Warn("failed to append inbound message to history",
				"conversation_id", conversationID, "error", err)
		}
	}
}

func (o *Orchestrator) appendOutbound(ctx context.Context, conversationID string, sent []SentUnit) {
	for _, rec := range sent {
		msg := Message{
			ID:                uuid.NewString(),
			Role:              RoleAssistant,
			Kind:              string(rec.Unit.Kind),
			ProviderMessageID: rec.ProviderMessageID,
			Timestamp:         rec.SentAt,
		}
		switch rec.Unit.Kind {
		case UnitText:
			msg.Body = rec.Unit.Text
		case UnitReaction:
			msg.Body = rec.Unit.Emoji
			msg.Metadata = map[string]string{"target_message_id": rec.Unit.TargetMessageID}
		case UnitSticker:
			msg.Body = rec.Unit.StickerRef
		}
		if err := o.history.Append(ctx, conversationID, msg); err != nil {
			o.logger.Warn("failed to append outbound message to history",
				"conversation_id", conversationID, "error", err)
		}
	}
}
