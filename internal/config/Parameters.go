/*

This file contains the default parameters for the strategist.

The vault holds a single stable asset (USDC, 6 decimals) and moves it between a lending
slot on Arbitrum and a farming slot on Sonic. Each value below trades yield against the
fact that the two ledgers finalize independently and nothing bridges them atomically.

*/

package config

import (
	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/supervault/internal/types"
)

const (
	DEFAULT_PARAMETERS_CONFIG_NAME    = "default_supervault_strategy"
	DEFAULT_PARAMETERS_CONFIG_VERSION = 1
)

// DefaultStrategyParameters is used when no active parameter set is found in the database.
var DefaultStrategyParameters = types.StrategyParameters{
	// --- Regular Rebalance ---
	MinAPY: 0.02, // A venue must beat 2% risk-adjusted to receive capital.
	// Rationale: Below 2% the venue barely beats idle stablecoin yield once gas on two
	// ledgers is paid. Holding is cheaper than chasing a marginal rate.

	MaxAllocationFraction: 0.5, // No single strategy holds more than half of total assets.
	// Rationale: A lending exploit or a validator slashing event is contained to half the vault.

	MaxAllocationAmount: sdkmath.NewInt(5_000_000_000_000), // $5M in USDC base units.
	// Rationale: Absolute ceiling independent of vault growth, so a large deposit cannot
	// silently concentrate exposure in one venue.

	RebalanceThreshold: 0.05, // Only act when the target differs from current by more than 5 points.
	// Rationale: Small drifts are noise in the rates. Acting on them burns gas and resets
	// position age for no durable gain.

	MaxPlausibleAPY: 1.0, // Rates above 100% are treated as 100%.
	// Rationale: Reward emissions spike briefly after epochs and oracles misreport. A capped
	// rate keeps one bad read from steering the whole allocation.

	// --- Emergency ---
	EmergencyHealthFactorThreshold: 1.2, // Withdraw when the health factor drops below 1.2.
	// Rationale: Liquidation starts at 1.0. 1.2 leaves room for one more adverse price
	// move between the fast tick and inclusion of the withdrawal.

	MinValidatorPerformance: 0.95, // Withdraw when validator uptime falls below 95%.
	// Rationale: Persistent downtime precedes slashing on Sonic.

	EmergencyWithdrawFraction: 1.0, // Pull the whole slot balance in an emergency.
	// Rationale: Partial exits leave residual exposure exactly when the venue is failing.
	// Amounts are still clamped by MaxAllocationFraction of total assets.

	// --- Knowledge ---
	SimilarityThreshold: 0.8, // Patterns closer than 0.8 similarity count as the same regime.
	KnowledgeLookbackDays: 30, // Only the last 30 days of patterns inform confidence.
	// Rationale: Market regimes older than a month rarely repeat with the same rates.

	HealthFactorScale: 3.0, // A health factor of 3 or more normalizes to 1.0.

	// --- Confidence Gating ---
	ConfidenceGatingEnabled: false, // Confidence is advisory by default.
	MinConfidence: 0.6,
	// Rationale: Cold start yields confidence 0 for every decision. Gating on it would
	// block all rebalancing until history accumulates.

	// --- Compounding ---
	CompoundingEnabled: true,
	MinCompoundReward: sdkmath.NewInt(10_000_000), // $10 of pending rewards.
	CompoundGasCost: sdkmath.NewInt(500_000), // $0.50 for one allocate call on Arbitrum.
	CompoundProfitMargin: 1.05, // Rewards must beat gas by 5%.
	// Rationale: Reinvesting dust costs more in gas than it earns before the next slow tick.

	// --- Execution ---
	StaleTolerance: 0.02, // Refuse to execute when total assets moved more than 2% since the decision.
	// Rationale: Deposits or withdrawals by vault users between decision and execution
	// invalidate the sizing.

	MaxCommandAmount: sdkmath.NewInt(1_000_000_000_000), // $1M per contract call.
	// Rationale: Large single calls hit venue supply caps and concentrate revert risk.
}
