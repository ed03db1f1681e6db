package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmourab/whatsflow/internal/clock"
	"github.com/dmourab/whatsflow/internal/observability/metrics"
	"github.com/dmourab/whatsflow/pkg/logging"
)

// EngineConfig carries the buffer and lifecycle knobs.
type EngineConfig struct {
	QuietPeriod           time.Duration
	MaxWait               time.Duration
	IdleEvictionThreshold time.Duration
	EvictionSweepInterval time.Duration
	// TurnLoopIdle is how long a conversation's turn loop lingers with no
	// work before exiting; a later flush restarts it.
	TurnLoopIdle time.Duration
}

func (c *EngineConfig) applyDefaults() {
	if c.QuietPeriod <= 0 {
		c.QuietPeriod = 5 * time.Second
	}
	if c.MaxWait < c.QuietPeriod {
		c.MaxWait = 4 * c.QuietPeriod
	}
	if c.IdleEvictionThreshold <= 0 {
		c.IdleEvictionThreshold = 30 * time.Minute
	}
	if c.EvictionSweepInterval <= 0 {
		c.EvictionSweepInterval = 5 * time.Minute
	}
	if c.TurnLoopIdle <= 0 {
		c.TurnLoopIdle = 30 * time.Second
	}
}

// Engine ties buffer, orchestrator, and scheduler together. Many
// conversations run concurrently, but within one conversation every stage is
// strictly serialized by that conversation's turn loop: buffer flush →
// orchestrator turn → scheduler delivery → next flush.
type Engine struct {
	registry *Registry
	orch     *Orchestrator
	presence *PresenceTracker
	clk      clock.Clock
	cfg      EngineConfig
	logger   *logging.Logger
	metrics  *metrics.ConversationMetrics

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine builds the engine. Call Start before submitting events.
func NewEngine(registry *Registry, orch *Orchestrator, presence *PresenceTracker, clk clock.Clock, cfg EngineConfig, logger *logging.Logger, m *metrics.ConversationMetrics) *Engine {
	if registry == nil {
		panic("conversation: engine registry cannot be nil")
	}
	if orch == nil {
		panic("conversation: engine orchestrator cannot be nil")
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg.applyDefaults()
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		registry: registry,
		orch:     orch,
		presence: presence,
		clk:      clk,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
}

// Start launches the registry sweeper until ctx is cancelled or Stop is
// called.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.cancel()
	e.baseCtx, e.cancel = context.WithCancel(ctx)
	base := e.baseCtx
	e.mu.Unlock()

	e.wg.Add(1)
	go e.sweep(base)
}

// Stop cancels in-flight work and waits for turn loops to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) base() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baseCtx
}

// Submit routes one inbound event into its conversation's debounce buffer.
// If a delivery session is active for the conversation, it is signalled for
// interruption.
func (e *Engine) Submit(event InboundEvent) error {
	if event.ConversationID == "" {
		return errors.New("conversation: event conversationID required")
	}

	for {
		st, err := e.registry.GetOrCreate(event.ConversationID, func(st *ConversationState) {
			st.buffer = NewBuffer(st.ID, e.cfg.QuietPeriod, e.cfg.MaxWait, e.clk, func(events []InboundEvent, reason string) {
				e.enqueueTurn(st, events, reason)
			})
			st.lastActivity = e.clk.Now()
		})
		if err != nil {
			return err
		}

		st.mu.Lock()
		if st.evicted {
			// Lost a race with the sweeper; the state is gone from the map,
			// so create a fresh one.
			st.mu.Unlock()
			continue
		}
		st.touchLocked(e.clk.Now())
		session := st.session
		st.mu.Unlock()

		st.buffer.Submit(event)
		if session != nil {
			session.Interrupt()
		}
		return nil
	}
}

// NotePresence extends the debounce window while the remote party is still
// composing or recording, mirroring how a human waits for the other side to
// finish typing.
func (e *Engine) NotePresence(conversationID, status string) {
	if e.presence != nil {
		e.presence.Update(conversationID, status)
	}
	if !IsComposing(status) {
		return
	}
	if st, ok := e.registry.Get(conversationID); ok && st.buffer != nil {
		st.buffer.Touch()
	}
}

// FlushNow forces an immediate flush of the conversation's pending batch,
// bypassing the quiet period. Used by operational tooling.
func (e *Engine) FlushNow(conversationID string) {
	if st, ok := e.registry.Get(conversationID); ok && st.buffer != nil {
		st.buffer.Flush()
	}
}

// enqueueTurn hands a flushed batch to the conversation's turn loop, starting
// the loop when none is running. The queue preserves flush order, which gives
// per-conversation FIFO turn processing.
func (e *Engine) enqueueTurn(st *ConversationState, events []InboundEvent, reason string) {
	e.metrics.ObserveFlush(reason, len(events))

	st.mu.Lock()
	st.touchLocked(e.clk.Now())
	if !st.loopRunning {
		st.loopRunning = true
		e.wg.Add(1)
		go e.turnLoop(st)
	}
	select {
	case st.turnQueue <- events:
		st.mu.Unlock()
		return
	default:
	}
	st.mu.Unlock()

	// Queue full: the loop is draining it; block until there is room.
	select {
	case st.turnQueue <- events:
	case <-e.base().Done():
	}
}

// turnLoop serializes turns for one conversation. It exits after lingering
// idle so long-lived deployments don't keep a goroutine per silent contact.
func (e *Engine) turnLoop(st *ConversationState) {
	defer e.wg.Done()
	base := e.base()

	for {
		select {
		case events := <-st.turnQueue:
			e.runTurn(base, st, events)
		case <-e.clk.After(e.cfg.TurnLoopIdle):
			st.mu.Lock()
			if len(st.turnQueue) == 0 {
				st.loopRunning = false
				st.mu.Unlock()
				return
			}
			st.mu.Unlock()
		case <-base.Done():
			st.mu.Lock()
			st.loopRunning = false
			st.mu.Unlock()
			return
		}
	}
}

func (e *Engine) runTurn(ctx context.Context, st *ConversationState, events []InboundEvent) {
	err := e.orch.HandleBatch(ctx, st, events)
	for errors.Is(err, ErrBusy) {
		// Cannot happen through this loop (it serializes turns), but the
		// orchestrator contract says re-queue rather than drop.
		e.logger.Warn("turn re-queued: conversation busy", "conversation_id", st.ID)
		if sleepErr := clock.Sleep(ctx, e.clk, 100*time.Millisecond); sleepErr != nil {
			return
		}
		err = e.orch.HandleBatch(ctx, st, events)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error("turn failed", "conversation_id", st.ID, "error", err)
	}
}

// sweep periodically evicts idle conversation states.
func (e *Engine) sweep(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.clk.After(e.cfg.EvictionSweepInterval):
			cutoff := e.clk.Now().Add(-e.cfg.IdleEvictionThreshold)
			for _, id := range e.registry.EvictIdle(cutoff) {
				if e.presence != nil {
					e.presence.Forget(id)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
