/*

This file contains the yield and sizing functions used by the regular rebalance path
and by compounding on the fast path.

*/

package analyzer

import (
	"fmt"
	"math"
	"math/big"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/elys-network/supervault/internal/types"
	"github.com/elys-network/supervault/internal/utils"
)

var decisionNamespace = uuid.MustParse("6f0d2a52-39f4-5c3e-9a4f-1f1f0b6f7d10")

// CapAPY limits a reported rate to MaxPlausibleAPY. Negative rates are kept as reported.
func CapAPY(rate float64, params types.StrategyParameters) float64 {
	return math.Min(rate, params.MaxPlausibleAPY)
}

// RiskAdjustedYield is the capped supply rate minus the capped borrow rate on the
// borrowed share of the position.
func RiskAdjustedYield(slot types.StrategySlot, snapshot types.MarketSnapshot, params types.StrategyParameters) float64 {
	return CapAPY(snapshot.SupplyAPY, params) - CapAPY(snapshot.BorrowAPY, params)*slot.BorrowRatio
}

// TargetAmount is the allocation a chosen venue should hold: MaxAllocationFraction of
// total assets, lowered to MaxAllocationAmount when that cap is set.
func TargetAmount(totalAssets sdkmath.Int, params types.StrategyParameters) (sdkmath.Int, error) {
	target, err := allocationLimit(totalAssets, params)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	if !params.MaxAllocationAmount.IsNil() && params.MaxAllocationAmount.IsPositive() {
		target = utils.MinInt(target, params.MaxAllocationAmount)
	}
	return target, nil
}

// Rebalance is the sized move from the current balance towards a target.
type Rebalance struct {
	Action  types.Action
	Amount  sdkmath.Int
	Current float64 // Current share of total assets
	Target  float64 // Target share of total assets
}

// SizeRebalance compares the current balance with the target and returns the move needed.
// Moves whose share of total assets does not exceed RebalanceThreshold resolve to Hold.
func SizeRebalance(balance, target, totalAssets sdkmath.Int, params types.StrategyParameters) (Rebalance, error) {
	if totalAssets.IsNil() || !totalAssets.IsPositive() {
		return Rebalance{}, fmt.Errorf("total assets must be positive")
	}
	if balance.IsNil() {
		balance = sdkmath.ZeroInt()
	}
	r := Rebalance{
		Action:  types.ActionHold,
		Amount:  sdkmath.ZeroInt(),
		Current: utils.Ratio(balance, totalAssets),
		Target:  utils.Ratio(target, totalAssets),
	}
	diff := target.Sub(balance)
	if utils.Ratio(diff.Abs(), totalAssets) <= params.RebalanceThreshold {
		return r, nil
	}

	limit, err := allocationLimit(totalAssets, params)
	if err != nil {
		return Rebalance{}, err
	}
	amount := utils.MinInt(diff.Abs(), limit)
	if !params.MaxAllocationAmount.IsNil() && params.MaxAllocationAmount.IsPositive() {
		amount = utils.MinInt(amount, params.MaxAllocationAmount)
	}
	if diff.IsPositive() {
		r.Action = types.ActionIncreaseAllocation
	} else {
		r.Action = types.ActionDecreaseAllocation
		amount = utils.MinInt(amount, balance)
	}
	r.Amount = amount
	return r, nil
}

// CompoundAmount returns how much of a slot's pending rewards to reinvest and why.
// Rewards must exceed MinCompoundReward and beat CompoundGasCost by CompoundProfitMargin.
// The amount is capped by the headroom left under the slot's target allocation.
// A zero amount with a non-empty reason explains why nothing is compounded.
func CompoundAmount(snapshot types.MarketSnapshot, balance, totalAssets sdkmath.Int, params types.StrategyParameters) (sdkmath.Int, string) {
	if !params.CompoundingEnabled || types.IsMissing(snapshot.PendingRewards) || snapshot.PendingRewards <= 0 {
		return sdkmath.ZeroInt(), ""
	}
	floored, _ := big.NewFloat(snapshot.PendingRewards).Int(nil)
	rewards := sdkmath.NewIntFromBigInt(floored)
	if !rewards.GT(params.MinCompoundReward) {
		return sdkmath.ZeroInt(), fmt.Sprintf("rewards %s not above minimum %s", rewards, params.MinCompoundReward)
	}
	gas, err := utils.IntToFloat64(params.CompoundGasCost)
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Sprintf("gas cost unusable: %v", err)
	}
	if snapshot.PendingRewards <= gas*params.CompoundProfitMargin {
		return sdkmath.ZeroInt(), fmt.Sprintf("rewards %s do not cover gas %s with margin %.2f",
			rewards, params.CompoundGasCost, params.CompoundProfitMargin)
	}
	if balance.IsNil() {
		balance = sdkmath.ZeroInt()
	}
	target, err := TargetAmount(totalAssets, params)
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Sprintf("target unavailable: %v", err)
	}
	headroom := target.Sub(balance)
	if !headroom.IsPositive() {
		return sdkmath.ZeroInt(), fmt.Sprintf("allocation %s already at target %s", balance, target)
	}
	amount := utils.MinInt(rewards, headroom)
	return amount, fmt.Sprintf("reinvesting %s of %s pending rewards, gas %s", amount, rewards, params.CompoundGasCost)
}

// DecisionID derives a stable id from what the decision does and the snapshot it was
// made from, so re-evaluating an identical snapshot reproduces the same id.
func DecisionID(strategy types.StrategyID, action types.Action, amount sdkmath.Int, snapshotAt time.Time) string {
	if amount.IsNil() {
		amount = sdkmath.ZeroInt()
	}
	key := fmt.Sprintf("%s|%s|%s|%d", strategy, action, amount, snapshotAt.UTC().UnixNano())
	return uuid.NewSHA1(decisionNamespace, []byte(key)).String()
}
