package exporter

import (
	"sync"
	"time"

	"github.com/kubeadapt/gpu-exporter/internal/errors"
	"github.com/kubeadapt/gpu-exporter/internal/observability"
)

// State represents the current lifecycle state of the exporter.
type State string

// Exporter lifecycle states.
const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

var allStates = []string{
	string(StateStarting),
	string(StateRunning),
	string(StateStopping),
	string(StateStopped),
	string(StateFailed),
}

// terminal reports whether no further transitions are allowed from s.
func (s State) terminal() bool {
	return s == StateStopped || s == StateFailed
}

// StateMachine tracks the exporter's lifecycle state and mirrors it onto
// the gpu_exporter_state gauge.
type StateMachine struct {
	mu      sync.RWMutex
	state   State
	reason  string
	since   time.Time
	clock   errors.Clock
	metrics *observability.Metrics
}

// NewStateMachine creates a StateMachine starting in StateStarting.
// metrics may be nil.
func NewStateMachine(clock errors.Clock, metrics *observability.Metrics) *StateMachine {
	sm := &StateMachine{
		state:   StateStarting,
		since:   clock.Now(),
		clock:   clock,
		metrics: metrics,
	}
	sm.publish()
	return sm
}

// State returns the current exporter state.
func (sm *StateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// StateReason returns the human-readable reason for the current state.
func (sm *StateMachine) StateReason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.reason
}

// Since returns when the current state was entered.
func (sm *StateMachine) Since() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.since
}

// TransitionTo sets the exporter state with a reason. It returns false and
// leaves the state unchanged once a terminal state has been reached.
func (sm *StateMachine) TransitionTo(state State, reason string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state.terminal() {
		return false
	}
	sm.state = state
	sm.reason = reason
	sm.since = sm.clock.Now()
	sm.publishLocked()
	return true
}

func (sm *StateMachine) publish() {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sm.publishLocked()
}

func (sm *StateMachine) publishLocked() {
	if sm.metrics != nil {
		sm.metrics.SetState(string(sm.state), allStates)
	}
}
