/*

This file contains the tunable parameters for evaluating strategies and sizing decisions.
Different sets of these parameters can be versioned in the database.

*/

package types

import (
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
)

// StrategyParameters holds every threshold the evaluator, knowledge store and executor read.
type StrategyParameters struct {
	// --- Regular Rebalance ---
	MinAPY                float64     `json:"min_apy"`                 // Risk-adjusted yield must be strictly above this to be chosen.
	MaxAllocationFraction float64     `json:"max_allocation_fraction"` // Upper bound on any single strategy as a fraction of total assets.
	MaxAllocationAmount   sdkmath.Int `json:"max_allocation_amount"`   // Absolute cap in base units. Zero disables the cap.
	RebalanceThreshold    float64     `json:"rebalance_threshold"`     // Minimum |target - current| fraction before a change is emitted.
	MaxPlausibleAPY       float64     `json:"max_plausible_apy"`       // Sanity cap applied to reported rates.

	// --- Emergency ---
	EmergencyHealthFactorThreshold float64 `json:"emergency_health_factor_threshold"` // Below this the slot is withdrawn.
	MinValidatorPerformance        float64 `json:"min_validator_performance"`         // Below this the slot is withdrawn.
	EmergencyWithdrawFraction      float64 `json:"emergency_withdraw_fraction"`       // Share of the slot balance pulled in an emergency.

	// --- Knowledge ---
	SimilarityThreshold   float64 `json:"similarity_threshold"`
	KnowledgeLookbackDays int     `json:"knowledge_lookback_days"`
	HealthFactorScale     float64 `json:"health_factor_scale"` // Health factor that normalizes to 1.0 in a digest.

	// --- Confidence Gating (off unless enabled) ---
	ConfidenceGatingEnabled bool    `json:"confidence_gating_enabled"`
	MinConfidence           float64 `json:"min_confidence"`

	// --- Compounding (fast tick) ---
	CompoundingEnabled   bool        `json:"compounding_enabled"`
	MinCompoundReward    sdkmath.Int `json:"min_compound_reward"`    // Pending rewards must exceed this, in base units.
	CompoundGasCost      sdkmath.Int `json:"compound_gas_cost"`      // Expected cost of one compounding command, in base units.
	CompoundProfitMargin float64     `json:"compound_profit_margin"` // Rewards must exceed gas cost times this.

	// --- Execution ---
	StaleTolerance   float64     `json:"stale_tolerance"`    // Max relative drift of total assets between decision and execution.
	MaxCommandAmount sdkmath.Int `json:"max_command_amount"` // Per-command cap; larger decisions are split into legs. Zero disables.
}

// KnowledgeLookback returns the lookback window as a duration.
func (p StrategyParameters) KnowledgeLookback() time.Duration {
	return time.Duration(p.KnowledgeLookbackDays) * 24 * time.Hour
}

// Validate rejects parameter sets that would break the evaluator's invariants.
func (p StrategyParameters) Validate() error {
	var errs []error
	if p.MaxAllocationFraction <= 0 || p.MaxAllocationFraction > 1 {
		errs = append(errs, fmt.Errorf("max_allocation_fraction must be in (0, 1], got %f", p.MaxAllocationFraction))
	}
	if p.RebalanceThreshold < 0 || p.RebalanceThreshold >= 1 {
		errs = append(errs, fmt.Errorf("rebalance_threshold must be in [0, 1), got %f", p.RebalanceThreshold))
	}
	if p.MaxPlausibleAPY <= 0 {
		errs = append(errs, fmt.Errorf("max_plausible_apy must be positive, got %f", p.MaxPlausibleAPY))
	}
	if p.EmergencyWithdrawFraction <= 0 || p.EmergencyWithdrawFraction > 1 {
		errs = append(errs, fmt.Errorf("emergency_withdraw_fraction must be in (0, 1], got %f", p.EmergencyWithdrawFraction))
	}
	if p.MinValidatorPerformance < 0 || p.MinValidatorPerformance > 1 {
		errs = append(errs, fmt.Errorf("min_validator_performance must be in [0, 1], got %f", p.MinValidatorPerformance))
	}
	if p.SimilarityThreshold < 0 || p.SimilarityThreshold >= 1 {
		errs = append(errs, fmt.Errorf("similarity_threshold must be in [0, 1), got %f", p.SimilarityThreshold))
	}
	if p.KnowledgeLookbackDays <= 0 {
		errs = append(errs, fmt.Errorf("knowledge_lookback_days must be positive, got %d", p.KnowledgeLookbackDays))
	}
	if p.HealthFactorScale <= 0 {
		errs = append(errs, fmt.Errorf("health_factor_scale must be positive, got %f", p.HealthFactorScale))
	}
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("min_confidence must be in [0, 1], got %f", p.MinConfidence))
	}
	if p.StaleTolerance < 0 {
		errs = append(errs, fmt.Errorf("stale_tolerance cannot be negative, got %f", p.StaleTolerance))
	}
	if p.MaxAllocationAmount.IsNil() || p.MaxAllocationAmount.IsNegative() {
		errs = append(errs, errors.New("max_allocation_amount must be set and non-negative"))
	}
	if p.MaxCommandAmount.IsNil() || p.MaxCommandAmount.IsNegative() {
		errs = append(errs, errors.New("max_command_amount must be set and non-negative"))
	}
	if p.CompoundingEnabled {
		if p.MinCompoundReward.IsNil() || p.MinCompoundReward.IsNegative() {
			errs = append(errs, errors.New("min_compound_reward must be set and non-negative when compounding is enabled"))
		}
		if p.CompoundGasCost.IsNil() || p.CompoundGasCost.IsNegative() {
			errs = append(errs, errors.New("compound_gas_cost must be set and non-negative when compounding is enabled"))
		}
		if p.CompoundProfitMargin < 1 {
			errs = append(errs, fmt.Errorf("compound_profit_margin must be at least 1, got %f", p.CompoundProfitMargin))
		}
	}
	return errors.Join(errs...)
}
