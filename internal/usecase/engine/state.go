package engine

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kailas-cloud/qflow/internal/metrics"
)

// State is a request lifecycle stage.
type State string

// Request states. Completed and Cached are successful terminals, Failed is
// the error terminal.
const (
	StateIdle       State = "idle"
	StateRetrieving State = "retrieving"
	StateReranking  State = "reranking"
	StateCached     State = "cached"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

var transitions = map[State][]State{
	StateIdle:       {StateRetrieving, StateCached, StateFailed},
	StateRetrieving: {StateReranking, StateFailed},
	StateReranking:  {StateCompleted, StateFailed},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// tracker records one request's state transitions. The shared computation
// advances it from the flight goroutine, so it is synchronized.
type tracker struct {
	mu     sync.Mutex
	state  State
	logger *zap.Logger
}

func newTracker(logger *zap.Logger) *tracker {
	metrics.StateTransitionsTotal.WithLabelValues(string(StateIdle)).Inc()
	return &tracker{state: StateIdle, logger: logger}
}

// to moves to next. Illegal moves are ignored and logged; terminals are final.
func (t *tracker) to(next State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !allowed(t.state, next) {
		t.logger.Debug("Ignoring state transition",
			zap.String("from", string(t.state)),
			zap.String("to", string(next)),
		)
		return
	}
	t.logger.Debug("State transition",
		zap.String("from", string(t.state)),
		zap.String("to", string(next)),
	)
	t.state = next
	metrics.StateTransitionsTotal.WithLabelValues(string(next)).Inc()
}

func (t *tracker) current() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
