package orchestrator

import (
	"sync"
	"time"

	"github.com/elys-network/supervault/internal/types"
)

// Flight is the single-flight guard. At most one decision holds it, from
// authorization until its execution reaches a terminal status. A holder whose
// commands are still awaiting confirmation is parked; a later tick resumes it.
type Flight struct {
	mu       sync.Mutex
	held     bool
	active   bool
	decision types.StrategyDecision
	since    time.Time
}

// FlightStatus describes the current holder.
type FlightStatus struct {
	DecisionID string          `json:"decision_id"`
	StrategyID types.StrategyID `json:"strategy_id"`
	Action     types.Action    `json:"action"`
	Amount     string          `json:"amount"`
	Since      time.Time       `json:"since"`
	Active     bool            `json:"active"` // false while parked awaiting confirmation
}

// TryAcquire takes the guard for d. It never blocks.
func (f *Flight) TryAcquire(d types.StrategyDecision) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held {
		return false
	}
	f.held, f.active = true, true
	f.decision = d
	f.since = time.Now().UTC()
	return true
}

// TryResume reactivates a parked holder so exactly one caller drives it forward.
func (f *Flight) TryResume() (types.StrategyDecision, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.held || f.active {
		return types.StrategyDecision{}, false
	}
	f.active = true
	return f.decision, true
}

// Park keeps the guard held for decisionID but lets a later tick resume it.
func (f *Flight) Park(decisionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held && f.decision.ID == decisionID {
		f.active = false
	}
}

// Release frees the guard if decisionID holds it.
func (f *Flight) Release(decisionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.held || f.decision.ID != decisionID {
		return false
	}
	f.held, f.active = false, false
	f.decision = types.StrategyDecision{}
	f.since = time.Time{}
	return true
}

// Status reports the holder, if any.
func (f *Flight) Status() (FlightStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.held {
		return FlightStatus{}, false
	}
	s := FlightStatus{
		DecisionID: f.decision.ID,
		StrategyID: f.decision.StrategyID,
		Action:     f.decision.Action,
		Since:      f.since,
		Active:     f.active,
	}
	if !f.decision.Amount.IsNil() {
		s.Amount = f.decision.Amount.String()
	}
	return s, true
}
