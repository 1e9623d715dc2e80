/*

This file contains the emergency pass of the evaluator. It runs before any
regular rebalance and its decisions always take priority.

*/

package analyzer

import (
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/supervault/internal/types"
	"github.com/elys-network/supervault/internal/utils"
)

// EmergencyCondition describes why a slot must be withdrawn.
type EmergencyCondition struct {
	StrategyID types.StrategyID
	Venue      types.VenueID
	Reasons    []string
}

// DetectEmergency checks a validated snapshot against the emergency thresholds.
// It returns nil when the venue is healthy.
func DetectEmergency(slot types.StrategySlot, snapshot types.MarketSnapshot, params types.StrategyParameters) *EmergencyCondition {
	var reasons []string
	if snapshot.HealthFactor < params.EmergencyHealthFactorThreshold {
		reasons = append(reasons, fmt.Sprintf("health factor %.3f below %.3f",
			snapshot.HealthFactor, params.EmergencyHealthFactorThreshold))
	}
	if snapshot.ValidatorPerformance < params.MinValidatorPerformance {
		reasons = append(reasons, fmt.Sprintf("validator performance %.2f%% below %.2f%%",
			snapshot.ValidatorPerformance*100, params.MinValidatorPerformance*100))
	}
	if len(reasons) == 0 {
		return nil
	}
	return &EmergencyCondition{StrategyID: slot.ID, Venue: slot.Venue, Reasons: reasons}
}

// EmergencyAmount sizes an emergency withdrawal: the configured share of the slot
// balance, never more than the allocation cap of total assets.
func EmergencyAmount(balance, totalAssets sdkmath.Int, params types.StrategyParameters) (sdkmath.Int, error) {
	if balance.IsNil() || !balance.IsPositive() {
		return sdkmath.ZeroInt(), nil
	}
	amount, err := utils.FractionOf(balance, params.EmergencyWithdrawFraction)
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("failed to size emergency withdrawal: %w", err)
	}
	limit, err := allocationLimit(totalAssets, params)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	return utils.MinInt(amount, limit), nil
}

// allocationLimit is MaxAllocationFraction of total assets. No decision may exceed it.
func allocationLimit(totalAssets sdkmath.Int, params types.StrategyParameters) (sdkmath.Int, error) {
	if totalAssets.IsNil() || !totalAssets.IsPositive() {
		return sdkmath.ZeroInt(), nil
	}
	limit, err := utils.FractionOf(totalAssets, params.MaxAllocationFraction)
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("failed to compute allocation limit: %w", err)
	}
	return limit, nil
}
