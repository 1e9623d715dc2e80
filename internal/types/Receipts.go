package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

// CommandKind maps to one vault contract entry point.
type CommandKind string

const (
	CommandAllocate          CommandKind = "ALLOCATE"
	CommandWithdraw          CommandKind = "WITHDRAW"
	CommandEmergencyWithdraw CommandKind = "EMERGENCY_WITHDRAW"
)

// CommandSpec is a single contract call derived from a decision.
// A decision larger than the per-command cap is split into several legs.
type CommandSpec struct {
	DecisionID string         `json:"decision_id"`
	Leg        int            `json:"leg"`
	Kind       CommandKind    `json:"kind"`
	StrategyID StrategyID     `json:"strategy_id"`
	Asset      common.Address `json:"asset"`
	Amount     sdkmath.Int    `json:"amount"`
}

// SignedCommand is a command ready for broadcast. Its transaction reference is
// known before anything is sent, and every broadcast of it carries the same one.
type SignedCommand struct {
	Command CommandSpec
	TxRef   string
	Raw     []byte // Encoded transaction, empty for clients that never broadcast
}

// ChainStatus is what the ledger reports for a submitted transaction.
type ChainStatus string

const (
	ChainPending   ChainStatus = "PENDING"
	ChainConfirmed ChainStatus = "CONFIRMED"
	ChainReverted  ChainStatus = "REVERTED"
)

// ReceiptStatus is the lifecycle state of one submission attempt.
type ReceiptStatus string

const (
	ReceiptSubmitted ReceiptStatus = "SUBMITTED"
	ReceiptConfirmed ReceiptStatus = "CONFIRMED"
	ReceiptReverted  ReceiptStatus = "REVERTED"
	ReceiptTimedOut  ReceiptStatus = "TIMED_OUT"
)

// Terminal reports whether the status can no longer change.
func (s ReceiptStatus) Terminal() bool {
	return s == ReceiptConfirmed || s == ReceiptReverted || s == ReceiptTimedOut
}

// ExecutionReceipt records one submission attempt for one command leg.
// Receipts are persisted before they are returned to any caller.
type ExecutionReceipt struct {
	DecisionID string        `json:"decision_id"`
	Leg        int           `json:"leg"`
	Attempt    int           `json:"attempt"`
	Status     ReceiptStatus `json:"status"`
	TxRef      string        `json:"tx_ref,omitempty"`
	StrategyID StrategyID    `json:"strategy_id"`
	Kind       CommandKind   `json:"kind"`
	Amount     sdkmath.Int   `json:"amount"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// ExecutionResult aggregates the latest receipt of every leg of a decision.
type ExecutionResult struct {
	DecisionID string             `json:"decision_id"`
	Status     ReceiptStatus      `json:"status"`
	Receipts   []ExecutionReceipt `json:"receipts"`
}

// AggregateStatus folds per-leg statuses into one:
// any revert wins, then timeouts, then anything still submitted; confirmed only if all legs are.
func AggregateStatus(receipts []ExecutionReceipt) ReceiptStatus {
	if len(receipts) == 0 {
		return ReceiptTimedOut
	}
	var timedOut, submitted bool
	for _, r := range receipts {
		switch r.Status {
		case ReceiptReverted:
			return ReceiptReverted
		case ReceiptTimedOut:
			timedOut = true
		case ReceiptSubmitted:
			submitted = true
		}
	}
	if timedOut {
		return ReceiptTimedOut
	}
	if submitted {
		return ReceiptSubmitted
	}
	return ReceiptConfirmed
}
