package conversation

import (
	"sync"
	"time"

	"github.com/dmourab/whatsflow/internal/observability/metrics"
	"github.com/dmourab/whatsflow/pkg/logging"
)

// turnQueueDepth bounds how many flushed batches can wait behind an active
// turn before the flushing goroutine blocks.
const turnQueueDepth = 16

// ConversationState is the registry's per-conversation record: the live
// debounce buffer, the in-flight delivery session if any, and the single-
// flight bookkeeping for the turn loop.
type ConversationState struct {
	ID string

	mu           sync.Mutex
	buffer       *Buffer
	session      *DeliverySession
	busy         bool
	turnQueue    chan []InboundEvent
	loopRunning  bool
	lastActivity time.Time
	evicted      bool
}

// touchLocked refreshes the activity timestamp. Callers hold st.mu.
func (st *ConversationState) touchLocked(now time.Time) {
	st.lastActivity = now
}

// Registry is the process-wide map from conversation ID to state. It is the
// mutual-exclusion boundary: buffer, orchestrator, and scheduler for the same
// conversation coordinate through the state it hands out, never through a
// global lock.
type Registry struct {
	mu      sync.RWMutex
	states  map[string]*ConversationState
	logger  *logging.Logger
	metrics *metrics.ConversationMetrics
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger, m *metrics.ConversationMetrics) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{
		states:  make(map[string]*ConversationState),
		logger:  logger,
		metrics: m,
	}
}

// GetOrCreate returns the state for id, creating it on first sight. init runs
// under the registry lock for newly created states so callers can attach the
// buffer before the state is visible to anyone else. Single-creation is
// guaranteed; a map entry whose ID disagrees with its key reports
// ErrRegistryCorrupt.
func (r *Registry) GetOrCreate(id string, init func(st *ConversationState)) (*ConversationState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.states[id]; ok {
		if st.ID != id {
			return nil, ErrRegistryCorrupt
		}
		return st, nil
	}

	st := &ConversationState{
		ID:        id,
		turnQueue: make(chan []InboundEvent, turnQueueDepth),
	}
	if init != nil {
		init(st)
	}
	r.states[id] = st
	r.logger.Debug("conversation state created", "conversation_id", id)
	return st, nil
}

// Get returns the state for id without creating one.
func (r *Registry) Get(id string) (*ConversationState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[id]
	return st, ok
}

// Len reports how many conversation states are live.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// EvictIdle removes states whose last activity predates olderThan and that
// carry no live work: no pending batch, no delivery session, no active or
// queued turn. Returns the IDs of the evicted states so callers can release
// per-conversation side state (presence records).
func (r *Registry) EvictIdle(olderThan time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, st := range r.states {
		st.mu.Lock()
		idle := !st.busy &&
			st.session == nil &&
			!st.loopRunning &&
			len(st.turnQueue) == 0 &&
			(st.buffer == nil || !st.buffer.HasPending()) &&
			st.lastActivity.Before(olderThan)
		if idle {
			st.evicted = true
			if st.buffer != nil {
				st.buffer.Stop()
			}
		}
		st.mu.Unlock()

		if idle {
			delete(r.states, id)
			evicted = append(evicted, id)
		}
	}

	if len(evicted) > 0 {
		r.metrics.ObserveEviction(len(evicted))
		r.logger.Debug("evicted idle conversations", "count", len(evicted))
	}
	return evicted
}
