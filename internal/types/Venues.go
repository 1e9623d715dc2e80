/*

This file contains the market snapshot type which carries everything the evaluator
needs to know about a venue at one point in time.

*/

package types

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// VenueID names a monitored venue, e.g. "aave-arbitrum".
type VenueID string

// Missing marks a snapshot field the data source could not provide.
var Missing = math.NaN()

// IsMissing reports whether a snapshot field is absent or not a finite number.
func IsMissing(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

// MarketSnapshot is an immutable observation of one venue.
// Rates are fractions (0.05 is 5%). Absent fields hold Missing.
type MarketSnapshot struct {
	VenueID              VenueID
	Timestamp            time.Time
	SupplyAPY            float64
	BorrowAPY            float64
	NetAPY               float64 // Optional, derived from supply and borrow when absent
	Utilization          float64 // 0.0 to 1.0
	HealthFactor         float64
	ValidatorPerformance float64 // 0.0 to 1.0, 1.0 for venues without validators
	TVL                  float64 // Optional, informational
	PendingRewards       float64 // Optional, unclaimed rewards in vault asset base units
}

// NewEmptySnapshot returns a snapshot with every numeric field marked Missing.
func NewEmptySnapshot(venue VenueID, ts time.Time) MarketSnapshot {
	return MarketSnapshot{
		VenueID:              venue,
		Timestamp:            ts,
		SupplyAPY:            Missing,
		BorrowAPY:            Missing,
		NetAPY:               Missing,
		Utilization:          Missing,
		HealthFactor:         Missing,
		ValidatorPerformance: Missing,
		TVL:                  Missing,
		PendingRewards:       Missing,
	}
}

// Validate checks that every field the evaluator depends on is present.
func (s MarketSnapshot) Validate() error {
	var missing []string
	if s.VenueID == "" {
		missing = append(missing, "venueId")
	}
	if s.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if IsMissing(s.SupplyAPY) {
		missing = append(missing, "supplyAPY")
	}
	if IsMissing(s.BorrowAPY) {
		missing = append(missing, "borrowAPY")
	}
	if IsMissing(s.Utilization) {
		missing = append(missing, "utilization")
	}
	if IsMissing(s.HealthFactor) {
		missing = append(missing, "healthFactor")
	}
	if IsMissing(s.ValidatorPerformance) {
		missing = append(missing, "validatorPerformance")
	}
	if len(missing) > 0 {
		return &InsufficientDataError{Venue: s.VenueID, Fields: missing}
	}
	return nil
}

// EffectiveNetAPY returns NetAPY when the source supplied it, otherwise supply minus borrow scaled by borrowRatio.
func (s MarketSnapshot) EffectiveNetAPY(borrowRatio float64) float64 {
	if !IsMissing(s.NetAPY) {
		return s.NetAPY
	}
	return s.SupplyAPY - s.BorrowAPY*borrowRatio
}

// InsufficientDataError is returned when a snapshot lacks a required field.
type InsufficientDataError struct {
	Venue  VenueID
	Fields []string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for venue %s: missing %s", e.Venue, strings.Join(e.Fields, ", "))
}
