package planner

import (
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/supervault/internal/logger"
	"github.com/elys-network/supervault/internal/types"
)

// Error definitions for zero-tolerance error handling
var (
	ErrNotExecutable     = errors.New("decision does not move funds")
	ErrUnknownStrategy   = errors.New("strategy is not configured")
	ErrStrategyDisabled  = errors.New("strategy is disabled")
	ErrInvalidAmount     = errors.New("command amount is invalid")
	ErrMissingDecisionID = errors.New("decision id is required")
	ErrTooManyLegs       = errors.New("decision splits into too many commands")
)

// MaxLegs bounds how many commands one decision may be split into.
const MaxLegs = 32

var actionKinds = map[types.Action]types.CommandKind{
	types.ActionIncreaseAllocation: types.CommandAllocate,
	types.ActionDecreaseAllocation: types.CommandWithdraw,
	types.ActionEmergencyWithdraw:  types.CommandEmergencyWithdraw,
}

// BuildCommands turns a decision into the vault commands that carry it out.
// Amounts above MaxCommandAmount are split into legs of at most that size, numbered
// from 0. Legs are deterministic for a given decision so retries resubmit the same commands.
func BuildCommands(decision types.StrategyDecision, strategies *types.StrategyRegistry, params types.StrategyParameters) ([]types.CommandSpec, error) {
	planLogger := logger.GetForComponent("action_planner")

	if decision.ID == "" {
		return nil, ErrMissingDecisionID
	}
	kind, ok := actionKinds[decision.Action]
	if !ok {
		return nil, fmt.Errorf("%w: action %s", ErrNotExecutable, decision.Action)
	}
	if decision.Amount.IsNil() || !decision.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, decision.Amount)
	}
	slot, ok := strategies.Lookup(decision.StrategyID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, decision.StrategyID)
	}
	// Emergency withdrawals still go out for a slot disabled after funds were placed.
	if !slot.Enabled && kind != types.CommandEmergencyWithdraw {
		return nil, fmt.Errorf("%w: %s", ErrStrategyDisabled, decision.StrategyID)
	}

	amounts, err := splitAmount(decision.Amount, params.MaxCommandAmount)
	if err != nil {
		return nil, err
	}

	commands := make([]types.CommandSpec, 0, len(amounts))
	for leg, amount := range amounts {
		commands = append(commands, types.CommandSpec{
			DecisionID: decision.ID,
			Leg:        leg,
			Kind:       kind,
			StrategyID: slot.ID,
			Asset:      slot.Asset,
			Amount:     amount,
		})
	}

	planLogger.Info().
		Str("decision_id", decision.ID).
		Str("strategy", slot.ID.String()).
		Str("kind", string(kind)).
		Str("amount", decision.Amount.String()).
		Int("legs", len(commands)).
		Msg("Commands planned")
	return commands, nil
}

// splitAmount breaks total into chunks no larger than maxChunk. A zero maxChunk disables splitting.
func splitAmount(total, maxChunk sdkmath.Int) ([]sdkmath.Int, error) {
	if maxChunk.IsNil() || maxChunk.IsZero() || total.LTE(maxChunk) {
		return []sdkmath.Int{total}, nil
	}
	if maxChunk.IsNegative() {
		return nil, fmt.Errorf("%w: negative command cap %s", ErrInvalidAmount, maxChunk)
	}
	legs := total.Quo(maxChunk)
	if !total.Mod(maxChunk).IsZero() {
		legs = legs.AddRaw(1)
	}
	if legs.GT(sdkmath.NewInt(MaxLegs)) {
		return nil, fmt.Errorf("%w: %s legs of %s", ErrTooManyLegs, legs, maxChunk)
	}

	out := make([]sdkmath.Int, 0, legs.Int64())
	remaining := total
	for remaining.IsPositive() {
		chunk := maxChunk
		if remaining.LT(chunk) {
			chunk = remaining
		}
		out = append(out, chunk)
		remaining = remaining.Sub(chunk)
	}
	return out, nil
}
