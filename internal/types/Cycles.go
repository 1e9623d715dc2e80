package types

// TickKind distinguishes the two scheduler cadences.
type TickKind string

const (
	TickFast TickKind = "fast" // emergency checks, compounding and in-flight polling
	TickSlow TickKind = "slow" // full rebalance evaluation
)

// Phase is the orchestrator's position in a cycle.
type Phase string

const (
	PhaseIdle        Phase = "IDLE"
	PhaseCollecting  Phase = "COLLECTING"
	PhaseEvaluating  Phase = "EVALUATING"
	PhaseAuthorizing Phase = "AUTHORIZING"
	PhaseExecuting   Phase = "EXECUTING"
	PhaseRecording   Phase = "RECORDING"
)

// DecisionRecord is a decision as it is stored in the decision log.
type DecisionRecord struct {
	StrategyDecision
	CycleNumber int           `json:"cycle_number"`
	Tick        TickKind      `json:"tick"`
	Status      ReceiptStatus `json:"status,omitempty"` // Empty until execution resolves or when not executed
	Deferred    bool          `json:"deferred"`
}
