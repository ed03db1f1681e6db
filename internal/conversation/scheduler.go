package conversation

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmourab/whatsflow/internal/clock"
	"github.com/dmourab/whatsflow/internal/observability/metrics"
	"github.com/dmourab/whatsflow/pkg/logging"
)

// InterruptionPolicy selects what the scheduler does when new inbound
// activity arrives mid-delivery.
type InterruptionPolicy string

const (
	// PolicyAbortAndRestart discards all remaining units; the next flushed
	// batch produces a fresh turn that sees the interruption as new context.
	PolicyAbortAndRestart InterruptionPolicy = "abort-and-restart"
	// PolicyDrainThenYield finishes the text unit whose pacing has begun
	// (no mid-sentence truncation), then skips everything after it.
	PolicyDrainThenYield InterruptionPolicy = "drain-then-yield"
)

// ParseInterruptionPolicy normalizes a configured policy string, defaulting
// to drain-then-yield.
func ParseInterruptionPolicy(s string) InterruptionPolicy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(PolicyAbortAndRestart):
		return PolicyAbortAndRestart
	default:
		return PolicyDrainThenYield
	}
}

// SentUnit records one confirmed send.
type SentUnit struct {
	Unit              DeliveryUnit
	ProviderMessageID string
	SentAt            time.Time
}

// DeliverySession tracks one in-flight turn's outbound delivery. Created when
// a TurnOutput is handed to the scheduler, destroyed on completion or
// cancellation.
type DeliverySession struct {
	conversationID string
	units          []DeliveryUnit
	startedAt      time.Time

	cursor      int
	sent        []SentUnit
	aborted     bool
	interrupted atomic.Bool
	interruptCh chan struct{}
	once        sync.Once
}

// NewDeliverySession wraps a turn's output for delivery.
func NewDeliverySession(conversationID string, out *TurnOutput, startedAt time.Time) *DeliverySession {
	units := []DeliveryUnit{}
	if out != nil {
		units = out.Units
	}
	return &DeliverySession{
		conversationID: conversationID,
		units:          units,
		startedAt:      startedAt,
		interruptCh:    make(chan struct{}),
	}
}

// Interrupt signals the session. Cooperative: it takes effect at the next
// checked suspension point inside the scheduler. Safe to call multiple times
// and from any goroutine.
func (s *DeliverySession) Interrupt() {
	s.interrupted.Store(true)
	s.once.Do(func() { close(s.interruptCh) })
}

// Interrupted reports whether an interrupt has been signalled.
func (s *DeliverySession) Interrupted() bool {
	return s.interrupted.Load()
}

// Aborted reports whether delivery stopped before all units were sent.
func (s *DeliverySession) Aborted() bool {
	return s.aborted
}

// Sent returns the units confirmed sent, in send order.
func (s *DeliverySession) Sent() []SentUnit {
	return s.sent
}

// SchedulerConfig carries the externally supplied pacing parameters.
type SchedulerConfig struct {
	CharsPerSecond  float64
	MinTypingDelay  time.Duration
	MaxTypingDelay  time.Duration
	JitterPercent   float64
	ReactionDelay   time.Duration
	StickerDelay    time.Duration
	QuestionPause   time.Duration
	ExclamationPause time.Duration
	DefaultPause    time.Duration
	// ComposingWait bounds how long a send is held while the remote party is
	// composing or recording.
	ComposingWait   time.Duration
	Policy          InterruptionPolicy
	MaxSendAttempts int
	SendRetryDelay  time.Duration
}

func (c *SchedulerConfig) applyDefaults() {
	if c.CharsPerSecond <= 0 {
		c.CharsPerSecond = 60
	}
	if c.MinTypingDelay <= 0 {
		c.MinTypingDelay = time.Second
	}
	if c.MaxTypingDelay < c.MinTypingDelay {
		c.MaxTypingDelay = 3 * time.Second
		if c.MaxTypingDelay < c.MinTypingDelay {
			c.MaxTypingDelay = c.MinTypingDelay
		}
	}
	if c.JitterPercent < 0 {
		c.JitterPercent = 0
	}
	if c.ReactionDelay <= 0 {
		c.ReactionDelay = 400 * time.Millisecond
	}
	if c.StickerDelay <= 0 {
		c.StickerDelay = 700 * time.Millisecond
	}
	if c.QuestionPause <= 0 {
		c.QuestionPause = time.Second
	}
	if c.ExclamationPause <= 0 {
		c.ExclamationPause = 800 * time.Millisecond
	}
	if c.DefaultPause <= 0 {
		c.DefaultPause = 500 * time.Millisecond
	}
	if c.ComposingWait <= 0 {
		c.ComposingWait = 10 * time.Second
	}
	if c.Policy == "" {
		c.Policy = PolicyDrainThenYield
	}
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = 3
	}
	if c.SendRetryDelay <= 0 {
		c.SendRetryDelay = time.Second
	}
}

// Scheduler delivers a turn's units in order at a human-like pace while
// staying responsive to interruption.
type Scheduler struct {
	transport Transport
	clk       clock.Clock
	cfg       SchedulerConfig
	presence  *PresenceTracker
	logger    *logging.Logger
	metrics   *metrics.ConversationMetrics
}

// NewScheduler builds a delivery scheduler over the given transport. presence
// may be nil, in which case sends are never held for remote activity.
func NewScheduler(transport Transport, clk clock.Clock, cfg SchedulerConfig, presence *PresenceTracker, logger *logging.Logger, m *metrics.ConversationMetrics) *Scheduler {
	if transport == nil {
		panic("conversation: scheduler transport cannot be nil")
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg.applyDefaults()
	return &Scheduler{
		transport: transport,
		clk:       clk,
		cfg:       cfg,
		presence:  presence,
		logger:    logger,
		metrics:   m,
	}
}

// Policy reports the active interruption policy.
func (s *Scheduler) Policy() InterruptionPolicy {
	return s.cfg.Policy
}

// Deliver sends the session's units in order. Returns nil when all units were
// sent or the session was interrupted; returns a *DeliveryError when a unit
// exhausted its transport retries, and ctx.Err() on cancellation. A unit
// already confirmed sent is never resent.
func (s *Scheduler) Deliver(ctx context.Context, session *DeliverySession) error {
	for session.cursor < len(session.units) {
		if session.Interrupted() {
			s.abort(session)
			return nil
		}

		unit := session.units[session.cursor]
		delay := s.pacingDelay(unit)
		committed := s.cfg.Policy == PolicyDrainThenYield && unit.Kind == UnitText

		if committed {
			// Once pacing for a text segment has begun, the segment is
			// committed: it is sent even if an interrupt lands meanwhile.
			if err := clock.Sleep(ctx, s.clk, delay); err != nil {
				return err
			}
		} else {
			interrupted, err := s.interruptibleWait(ctx, session, delay)
			if err != nil {
				return err
			}
			if interrupted {
				s.abort(session)
				return nil
			}
		}

		interrupted, err := s.waitForAvailable(ctx, session, committed)
		if err != nil {
			return err
		}
		if interrupted {
			s.abort(session)
			return nil
		}

		rec, err := s.sendUnit(ctx, session.conversationID, session.cursor, unit, delay)
		if err != nil {
			return err
		}
		session.sent = append(session.sent, rec)
		session.cursor++

		if unit.Kind == UnitText && session.cursor < len(session.units) {
			interrupted, err := s.interruptibleWait(ctx, session, s.pauseAfter(unit.Text))
			if err != nil {
				return err
			}
			if interrupted {
				s.abort(session)
				return nil
			}
		}
	}
	return nil
}

func (s *Scheduler) abort(session *DeliverySession) {
	session.aborted = true
	s.metrics.ObserveInterruption(string(s.cfg.Policy))
	s.logger.Info("delivery session interrupted",
		"conversation_id", session.conversationID,
		"policy", string(s.cfg.Policy),
		"sent", len(session.sent),
		"skipped", len(session.units)-session.cursor,
	)
}

// interruptibleWait waits for d, returning early when the session is
// interrupted or ctx is done.
func (s *Scheduler) interruptibleWait(ctx context.Context, session *DeliverySession, d time.Duration) (bool, error) {
	if session.Interrupted() {
		return true, nil
	}
	if d <= 0 {
		return false, ctx.Err()
	}
	select {
	case <-s.clk.After(d):
		return false, nil
	case <-session.interruptCh:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// waitForAvailable holds the next send while the remote party is composing or
// recording, bounded by ComposingWait so a stuck presence signal can never
// stall delivery. Committed text segments ride out interrupts here the same
// way their pacing did; everything else aborts when interrupted.
func (s *Scheduler) waitForAvailable(ctx context.Context, session *DeliverySession, committed bool) (bool, error) {
	if s.presence == nil {
		return false, nil
	}

	poll := s.cfg.ComposingWait / 20
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	if poll > 250*time.Millisecond {
		poll = 250 * time.Millisecond
	}
	deadline := s.clk.Now().Add(s.cfg.ComposingWait)

	for !s.presence.Available(session.conversationID) {
		if s.clk.Now().After(deadline) {
			s.logger.Debug("composing wait expired, sending anyway",
				"conversation_id", session.conversationID,
			)
			return false, nil
		}
		if committed {
			if err := clock.Sleep(ctx, s.clk, poll); err != nil {
				return false, err
			}
			continue
		}
		interrupted, err := s.interruptibleWait(ctx, session, poll)
		if err != nil || interrupted {
			return interrupted, err
		}
	}
	return false, nil
}

// pacingDelay approximates how long a human would take before this unit goes
// out: typing time for text, a short fixed beat for reactions and stickers.
func (s *Scheduler) pacingDelay(unit DeliveryUnit) time.Duration {
	switch unit.Kind {
	case UnitReaction:
		return s.cfg.ReactionDelay
	case UnitSticker:
		return s.cfg.StickerDelay
	}

	chars := unit.EstimatedChars
	if chars <= 0 {
		chars = len([]rune(unit.Text))
	}
	base := time.Duration(float64(chars) / s.cfg.CharsPerSecond * float64(time.Second))
	if s.cfg.JitterPercent > 0 {
		jitter := float64(base) * s.cfg.JitterPercent
		base += time.Duration((rand.Float64()*2 - 1) * jitter)
	}
	if base < s.cfg.MinTypingDelay {
		return s.cfg.MinTypingDelay
	}
	if base > s.cfg.MaxTypingDelay {
		return s.cfg.MaxTypingDelay
	}
	return base
}

// pauseAfter picks the breath between chunks based on the chunk's punctuation.
func (s *Scheduler) pauseAfter(chunk string) time.Duration {
	if strings.Contains(chunk, "?") {
		return s.cfg.QuestionPause
	}
	if strings.Contains(chunk, "!") {
		return s.cfg.ExclamationPause
	}
	return s.cfg.DefaultPause
}

// sendUnit dispatches one unit with bounded retry. Only the failing unit is
// retried; callers advance the cursor solely on success.
func (s *Scheduler) sendUnit(ctx context.Context, conversationID string, index int, unit DeliveryUnit, typingDelay time.Duration) (SentUnit, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxSendAttempts; attempt++ {
		var (
			providerID string
			err        error
		)
		switch unit.Kind {
		case UnitText:
			providerID, err = s.transport.SendText(ctx, conversationID, unit.Text, typingDelay)
		case UnitReaction:
			err = s.transport.SendReaction(ctx, conversationID, unit.TargetMessageID, unit.Emoji)
		case UnitSticker:
			err = s.transport.SendSticker(ctx, conversationID, unit.StickerRef)
		default:
			err = ErrBackendError
		}
		if err == nil {
			s.metrics.ObserveUnitSent(string(unit.Kind), "ok")
			return SentUnit{Unit: unit, ProviderMessageID: providerID, SentAt: s.clk.Now()}, nil
		}
		lastErr = err
		s.logger.Warn("unit send failed",
			"conversation_id", conversationID,
			"unit_index", index,
			"kind", string(unit.Kind),
			"attempt", attempt,
			"error", err,
		)
		if attempt < s.cfg.MaxSendAttempts {
			if sleepErr := clock.Sleep(ctx, s.clk, s.cfg.SendRetryDelay); sleepErr != nil {
				return SentUnit{}, sleepErr
			}
		}
	}

	s.metrics.ObserveUnitSent(string(unit.Kind), "failed")
	return SentUnit{}, &DeliveryError{
		ConversationID: conversationID,
		UnitIndex:      index,
		Attempts:       s.cfg.MaxSendAttempts,
		Err:            lastErr,
	}
}
