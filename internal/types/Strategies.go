/*

This file contains the closed set of strategy slots the SuperVault exposes.
A StrategyID can only be obtained from the values declared here or from
ParseStrategyID, which is called while the strategy file is loaded.

*/

package types

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// StrategyID identifies one allocation slot on the vault contract.
// The fields are unexported so the zero value and the declared values are the only ones that exist.
type StrategyID struct {
	slot uint8
	name string
}

var (
	// StrategyAaveLending supplies the vault asset to the Aave pool on Arbitrum.
	StrategyAaveLending = StrategyID{slot: 0, name: "aave-lending"}
	// StrategySonicFarm deposits into the Sonic farming and staking venue.
	StrategySonicFarm = StrategyID{slot: 1, name: "sonic-farm"}
)

// AllStrategies lists every known slot in slot order.
var AllStrategies = []StrategyID{StrategyAaveLending, StrategySonicFarm}

// ParseStrategyID resolves a configured name into a StrategyID.
func ParseStrategyID(name string) (StrategyID, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for _, s := range AllStrategies {
		if s.name == normalized {
			return s, nil
		}
	}
	return StrategyID{}, fmt.Errorf("unknown strategy %q", name)
}

// Slot returns the ordinal the vault contract uses for this strategy.
func (s StrategyID) Slot() uint8 { return s.slot }

func (s StrategyID) String() string {
	if s.name == "" {
		return "unset"
	}
	return s.name
}

// IsZero reports whether the id was never resolved.
func (s StrategyID) IsZero() bool { return s.name == "" }

// MarshalText encodes an unset id as an empty string.
func (s StrategyID) MarshalText() ([]byte, error) {
	return []byte(s.name), nil
}

func (s *StrategyID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*s = StrategyID{}
		return nil
	}
	parsed, err := ParseStrategyID(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// StrategySlot binds a strategy to the venue that is observed for it.
type StrategySlot struct {
	ID          StrategyID
	Venue       VenueID
	Asset       common.Address
	BorrowRatio float64 // Share of the position financed by borrowing, 0 for pure supply
	Enabled     bool
}

// StrategyRegistry is the resolved set of configured slots.
type StrategyRegistry struct {
	slots []StrategySlot
}

// NewStrategyRegistry validates slots and returns a registry. Duplicate strategies or venues are rejected.
func NewStrategyRegistry(slots []StrategySlot) (*StrategyRegistry, error) {
	seenIDs := make(map[StrategyID]bool)
	seenVenues := make(map[VenueID]bool)
	for i, s := range slots {
		if s.ID.IsZero() {
			return nil, fmt.Errorf("slot %d: strategy id is unset", i)
		}
		if s.Venue == "" {
			return nil, fmt.Errorf("slot %d (%s): venue is empty", i, s.ID)
		}
		if s.Asset == (common.Address{}) {
			return nil, fmt.Errorf("slot %d (%s): asset address is zero", i, s.ID)
		}
		if s.BorrowRatio < 0 || s.BorrowRatio >= 1 {
			return nil, fmt.Errorf("slot %d (%s): borrow ratio must be in [0, 1), got %f", i, s.ID, s.BorrowRatio)
		}
		if seenIDs[s.ID] {
			return nil, fmt.Errorf("slot %d: strategy %s configured twice", i, s.ID)
		}
		if seenVenues[s.Venue] {
			return nil, fmt.Errorf("slot %d: venue %s configured twice", i, s.Venue)
		}
		seenIDs[s.ID] = true
		seenVenues[s.Venue] = true
	}
	out := make([]StrategySlot, len(slots))
	copy(out, slots)
	return &StrategyRegistry{slots: out}, nil
}

// Slots returns every configured slot.
func (r *StrategyRegistry) Slots() []StrategySlot {
	out := make([]StrategySlot, len(r.slots))
	copy(out, r.slots)
	return out
}

// Enabled returns the slots the evaluator may act on.
func (r *StrategyRegistry) Enabled() []StrategySlot {
	var out []StrategySlot
	for _, s := range r.slots {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// Lookup returns the slot for a strategy.
func (r *StrategyRegistry) Lookup(id StrategyID) (StrategySlot, bool) {
	for _, s := range r.slots {
		if s.ID == id {
			return s, true
		}
	}
	return StrategySlot{}, false
}

// Venues returns the venues of enabled slots.
func (r *StrategyRegistry) Venues() []VenueID {
	var out []VenueID
	for _, s := range r.Enabled() {
		out = append(out, s.Venue)
	}
	return out
}
