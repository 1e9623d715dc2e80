/*

This file contains the strategy evaluator. Given one snapshot per venue, the vault
positions and total assets, it produces a decision for every enabled strategy slot.

Emergencies are evaluated first. When any slot is in an emergency the regular
rebalance is discarded for the whole cycle. Otherwise the venue with the best
risk-adjusted yield above MinAPY is moved towards its target allocation and every
other slot holds. When no venue clears MinAPY every slot holds.

The fast pass evaluates emergencies and, when none fired, reinvests pending
rewards that pay for their own gas.

*/

package analyzer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/elys-network/supervault/internal/knowledge"
	"github.com/elys-network/supervault/internal/logger"
	"github.com/elys-network/supervault/internal/types"
	"github.com/elys-network/supervault/internal/utils"
)

var ErrInvalidTotalAssets = errors.New("invalid total assets")

// ConfidenceSource scores a snapshot against recorded history.
type ConfidenceSource interface {
	FindSimilar(ctx context.Context, snapshot types.MarketSnapshot, lookback time.Duration) (knowledge.Similarity, error)
}

// EvaluationInput is everything collected for one cycle.
type EvaluationInput struct {
	Snapshots   map[types.VenueID]types.MarketSnapshot
	Positions   []types.Position
	TotalAssets sdkmath.Int
	PatternIDs  map[types.VenueID]string // Optional, attached to the decision for outcome back-fill
}

// Evaluation is the outcome of one evaluation pass.
type Evaluation struct {
	Decisions  []types.StrategyDecision // Emergencies first, then decreases, then increases, then holds
	Emergency  bool
	Degraded   map[types.VenueID]error
	Confidence map[types.VenueID]float64
}

// Executable returns the decisions that move funds, in execution order.
func (e Evaluation) Executable() []types.StrategyDecision {
	var out []types.StrategyDecision
	for _, d := range e.Decisions {
		if d.IsExecutable() {
			out = append(out, d)
		}
	}
	return out
}

type Evaluator struct {
	strategies *types.StrategyRegistry
	params     types.StrategyParameters
	knowledge  ConfidenceSource
	logger     zerolog.Logger
	now        func() time.Time
}

func NewEvaluator(strategies *types.StrategyRegistry, params types.StrategyParameters, source ConfidenceSource) (*Evaluator, error) {
	if strategies == nil {
		return nil, errors.New("strategy registry is required")
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid strategy parameters: %w", err)
	}
	return &Evaluator{
		strategies: strategies,
		params:     params,
		knowledge:  source,
		logger:     logger.GetForComponent("strategy_evaluator"),
		now:        time.Now,
	}, nil
}

// Parameters returns the parameter set the evaluator was built with.
func (e *Evaluator) Parameters() types.StrategyParameters { return e.params }

type pass int

const (
	passRegular pass = iota
	passEmergency
	passFast
)

// Evaluate runs the emergency pass and, when no emergency fired, the regular rebalance.
func (e *Evaluator) Evaluate(ctx context.Context, in EvaluationInput) (Evaluation, error) {
	return e.evaluate(ctx, in, passRegular)
}

// EvaluateEmergencies runs only the emergency pass. Healthy slots produce no decision.
func (e *Evaluator) EvaluateEmergencies(ctx context.Context, in EvaluationInput) (Evaluation, error) {
	return e.evaluate(ctx, in, passEmergency)
}

// EvaluateFast runs the emergency pass and, when no emergency fired, the compounding
// check. Slots with nothing worth compounding produce no decision.
func (e *Evaluator) EvaluateFast(ctx context.Context, in EvaluationInput) (Evaluation, error) {
	return e.evaluate(ctx, in, passFast)
}

type slotView struct {
	slot     types.StrategySlot
	snapshot types.MarketSnapshot
	balance  sdkmath.Int
}

func (e *Evaluator) evaluate(ctx context.Context, in EvaluationInput, kind pass) (Evaluation, error) {
	regular := kind == passRegular
	if in.TotalAssets.IsNil() || in.TotalAssets.IsNegative() {
		return Evaluation{}, ErrInvalidTotalAssets
	}
	result := Evaluation{
		Degraded:   make(map[types.VenueID]error),
		Confidence: make(map[types.VenueID]float64),
	}
	balances := make(map[types.StrategyID]sdkmath.Int, len(in.Positions))
	for _, p := range in.Positions {
		balances[p.StrategyID] = p.Balance
	}

	var healthy []slotView
	var emergencies []types.StrategyDecision
	for _, slot := range e.strategies.Enabled() {
		balance, ok := balances[slot.ID]
		if !ok || balance.IsNil() {
			balance = sdkmath.ZeroInt()
		}

		snapshot, ok := in.Snapshots[slot.Venue]
		if !ok {
			snapshot = types.NewEmptySnapshot(slot.Venue, time.Time{})
		}
		if err := snapshot.Validate(); err != nil {
			result.Degraded[slot.Venue] = err
			e.logger.Warn().Err(err).Str("strategy", slot.ID.String()).Msg("Snapshot incomplete, holding venue")
			if regular {
				result.Decisions = append(result.Decisions,
					e.newDecision(slot, snapshot, types.ActionHold, sdkmath.ZeroInt(), in, 0,
						fmt.Sprintf("holding: %v", err)))
			}
			continue
		}

		confidence := e.confidence(ctx, snapshot)
		result.Confidence[slot.Venue] = confidence

		if cond := DetectEmergency(slot, snapshot, e.params); cond != nil {
			amount, err := EmergencyAmount(balance, in.TotalAssets, e.params)
			if err != nil {
				return Evaluation{}, err
			}
			rationale := fmt.Sprintf("emergency: %s, withdrawing %s of balance %s",
				strings.Join(cond.Reasons, ", "), amount, balance)
			d := e.newDecision(slot, snapshot, types.ActionEmergencyWithdraw, amount, in, confidence, rationale)
			emergencies = append(emergencies, d)
			e.logger.Warn().
				Str("decision_id", d.ID).
				Str("strategy", slot.ID.String()).
				Str("amount", amount.String()).
				Strs("reasons", cond.Reasons).
				Msg("Emergency condition detected")
			continue
		}
		healthy = append(healthy, slotView{slot: slot, snapshot: snapshot, balance: balance})
	}

	if len(emergencies) > 0 {
		result.Emergency = true
		result.Decisions = append(emergencies, result.Decisions...)
		if regular && len(healthy) > 0 {
			e.logger.Info().Int("discarded_slots", len(healthy)).Msg("Emergency active, regular rebalance discarded for this cycle")
		}
		return result, nil
	}
	if kind == passFast {
		result.Decisions = e.compound(healthy, in, result.Confidence)
		return result, nil
	}
	if !regular {
		return result, nil
	}

	regularDecisions, err := e.rebalance(healthy, in, result.Confidence)
	if err != nil {
		return Evaluation{}, err
	}
	result.Decisions = append(regularDecisions, result.Decisions...)
	return result, nil
}

// rebalance sizes only the best venue against its target. Every other slot holds its
// current allocation.
func (e *Evaluator) rebalance(views []slotView, in EvaluationInput, confidence map[types.VenueID]float64) ([]types.StrategyDecision, error) {
	if !in.TotalAssets.IsPositive() {
		var holds []types.StrategyDecision
		for _, v := range views {
			holds = append(holds, e.newDecision(v.slot, v.snapshot, types.ActionHold, sdkmath.ZeroInt(), in,
				confidence[v.slot.Venue], "holding: vault reports no assets"))
		}
		return holds, nil
	}

	best := -1
	bestYield := 0.0
	for i, v := range views {
		y := RiskAdjustedYield(v.slot, v.snapshot, e.params)
		e.logger.Debug().
			Str("strategy", v.slot.ID.String()).
			Float64("supplyAPY", v.snapshot.SupplyAPY).
			Float64("borrowAPY", v.snapshot.BorrowAPY).
			Float64("yield", y).
			Msg("Risk-adjusted yield")
		if y > e.params.MinAPY && (best < 0 || y > bestYield) {
			best, bestYield = i, y
		}
	}

	decisions := make([]types.StrategyDecision, 0, len(views))
	for i, v := range views {
		if i == best {
			continue
		}
		yield := RiskAdjustedYield(v.slot, v.snapshot, e.params)
		reason := fmt.Sprintf("yield %.2f%% not above minimum %.2f%%", yield*100, e.params.MinAPY*100)
		if best >= 0 {
			reason = fmt.Sprintf("yield %.2f%% below best venue %s at %.2f%%",
				yield*100, views[best].slot.Venue, bestYield*100)
		}
		c := confidence[v.slot.Venue]
		rationale := fmt.Sprintf("%s, allocation %.2f%% unchanged, confidence %.2f",
			reason, utils.Ratio(v.balance, in.TotalAssets)*100, c)
		decisions = append(decisions, e.newDecision(v.slot, v.snapshot, types.ActionHold, sdkmath.ZeroInt(), in, c, rationale))
	}
	if best < 0 {
		e.logger.Info().Float64("minAPY", e.params.MinAPY).Msg("No venue clears the minimum yield, holding every slot")
		return decisions, nil
	}

	target, err := TargetAmount(in.TotalAssets, e.params)
	if err != nil {
		return nil, err
	}
	v := views[best]
	move, err := SizeRebalance(v.balance, target, in.TotalAssets, e.params)
	if err != nil {
		return nil, err
	}
	c := confidence[v.slot.Venue]
	rationale := fmt.Sprintf("best yield %.2f%% above minimum %.2f%%, allocation %.2f%% -> target %.2f%%, confidence %.2f",
		bestYield*100, e.params.MinAPY*100, move.Current*100, move.Target*100, c)

	action, amount := move.Action, move.Amount
	if action != types.ActionHold && e.params.ConfidenceGatingEnabled && c < e.params.MinConfidence {
		rationale = fmt.Sprintf("%s, gated: confidence %.2f below %.2f", rationale, c, e.params.MinConfidence)
		action, amount = types.ActionHold, sdkmath.ZeroInt()
	}
	decisions = append(decisions, e.newDecision(v.slot, v.snapshot, action, amount, in, c, rationale))

	sort.SliceStable(decisions, func(i, j int) bool {
		return actionRank(decisions[i].Action) < actionRank(decisions[j].Action)
	})
	return decisions, nil
}

// compound reinvests pending rewards into healthy slots where they beat the gas
// cost. Only slots with a compounding move produce a decision.
func (e *Evaluator) compound(views []slotView, in EvaluationInput, confidence map[types.VenueID]float64) []types.StrategyDecision {
	if !e.params.CompoundingEnabled || !in.TotalAssets.IsPositive() {
		return nil
	}
	var decisions []types.StrategyDecision
	for _, v := range views {
		amount, reason := CompoundAmount(v.snapshot, v.balance, in.TotalAssets, e.params)
		if !amount.IsPositive() {
			if reason != "" {
				e.logger.Debug().Str("strategy", v.slot.ID.String()).Str("reason", reason).Msg("Compounding skipped")
			}
			continue
		}
		c := confidence[v.slot.Venue]
		rationale := fmt.Sprintf("compounding: %s, confidence %.2f", reason, c)
		decisions = append(decisions, e.newDecision(v.slot, v.snapshot, types.ActionIncreaseAllocation, amount, in, c, rationale))
	}
	return decisions
}

// Withdrawals free capital before allocations consume it.
func actionRank(a types.Action) int {
	switch a {
	case types.ActionEmergencyWithdraw:
		return 0
	case types.ActionDecreaseAllocation:
		return 1
	case types.ActionIncreaseAllocation:
		return 2
	default:
		return 3
	}
}

// confidence is advisory. Lookup failures are logged and score zero.
func (e *Evaluator) confidence(ctx context.Context, snapshot types.MarketSnapshot) float64 {
	if e.knowledge == nil {
		return 0
	}
	sim, err := e.knowledge.FindSimilar(ctx, snapshot, e.params.KnowledgeLookback())
	if err != nil {
		e.logger.Warn().Err(err).Str("venue", string(snapshot.VenueID)).Msg("Similarity lookup failed, confidence set to 0")
		return 0
	}
	return sim.Confidence
}

func (e *Evaluator) newDecision(slot types.StrategySlot, snapshot types.MarketSnapshot, action types.Action,
	amount sdkmath.Int, in EvaluationInput, confidence float64, rationale string) types.StrategyDecision {
	d := types.StrategyDecision{
		ID:          DecisionID(slot.ID, action, amount, snapshot.Timestamp),
		StrategyID:  slot.ID,
		VenueID:     slot.Venue,
		Action:      action,
		Amount:      amount,
		Rationale:   rationale,
		Confidence:  confidence,
		TotalAssets: in.TotalAssets,
		SnapshotAt:  snapshot.Timestamp,
		CreatedAt:   e.now().UTC(),
		PatternID:   in.PatternIDs[slot.Venue],
	}
	e.logger.Info().
		Str("decision_id", d.ID).
		Str("strategy", slot.ID.String()).
		Str("action", string(action)).
		Str("amount", amount.String()).
		Float64("confidence", confidence).
		Str("rationale", rationale).
		Msg("Decision made")
	return d
}
