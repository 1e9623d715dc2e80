/*

This file contains the types for positions and decisions which carry all the state
needed for evaluating and executing a rebalance.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// Position is the vault's balance in one strategy slot, read from the contract.
type Position struct {
	StrategyID StrategyID  `json:"strategy_id"`
	Balance    sdkmath.Int `json:"balance"` // Base units of the vault asset
	AsOf       time.Time   `json:"as_of"`
}

// Action is what a decision asks the vault to do.
type Action string

const (
	ActionHold               Action = "HOLD"
	ActionIncreaseAllocation Action = "INCREASE_ALLOCATION"
	ActionDecreaseAllocation Action = "DECREASE_ALLOCATION"
	ActionEmergencyWithdraw  Action = "EMERGENCY_WITHDRAW"
)

// MutatesAllocation reports whether executing the action changes the vault's allocation.
func (a Action) MutatesAllocation() bool {
	return a == ActionIncreaseAllocation || a == ActionDecreaseAllocation || a == ActionEmergencyWithdraw
}

// StrategyDecision is produced once by the evaluator and never modified afterwards.
type StrategyDecision struct {
	ID          string      `json:"id"`
	StrategyID  StrategyID  `json:"strategy_id"`
	VenueID     VenueID     `json:"venue_id"`
	Action      Action      `json:"action"`
	Amount      sdkmath.Int `json:"amount"`
	Rationale   string      `json:"rationale"`
	Confidence  float64     `json:"confidence"`   // Advisory, 0.0 to 1.0
	TotalAssets sdkmath.Int `json:"total_assets"` // Vault total assets the decision was sized against
	SnapshotAt  time.Time   `json:"snapshot_at"`
	CreatedAt   time.Time   `json:"created_at"`
	PatternID   string      `json:"pattern_id,omitempty"` // Knowledge pattern recorded for the snapshot behind this decision
}

// IsExecutable reports whether the decision should be handed to the executor.
// Holds and zero-amount decisions are recorded only.
func (d StrategyDecision) IsExecutable() bool {
	return d.Action.MutatesAllocation() && !d.Amount.IsNil() && d.Amount.IsPositive()
}
