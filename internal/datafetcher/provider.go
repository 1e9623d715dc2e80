/*

This file contains the single market data interface the orchestrator depends on
and the registry that routes each venue to its adapter. Adapters are the only
place where venues are allowed to differ.

*/

package datafetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/elys-network/supervault/internal/logger"
	"github.com/elys-network/supervault/internal/types"
)

var ErrDataUnavailable = errors.New("market data unavailable")
var ErrUnknownVenue = errors.New("no adapter registered for venue")

// MarketDataProvider returns a fresh snapshot of one venue.
type MarketDataProvider interface {
	GetSnapshot(ctx context.Context, venue types.VenueID) (types.MarketSnapshot, error)
}

// DataUnavailableError reports a venue whose data could not be fetched or parsed.
type DataUnavailableError struct {
	Venue types.VenueID
	Err   error
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("market data unavailable for venue %s: %v", e.Venue, e.Err)
}

func (e *DataUnavailableError) Unwrap() error { return e.Err }

func (e *DataUnavailableError) Is(target error) bool { return target == ErrDataUnavailable }

func unavailable(venue types.VenueID, err error) error {
	var existing *DataUnavailableError
	if errors.As(err, &existing) {
		return err
	}
	return &DataUnavailableError{Venue: venue, Err: err}
}

// Registry routes snapshot requests to per-venue adapters and bounds each request with a timeout.
type Registry struct {
	adapters map[types.VenueID]MarketDataProvider
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		adapters: make(map[types.VenueID]MarketDataProvider),
		timeout:  timeout,
		logger:   logger.GetForComponent("market_data"),
	}
}

// Register binds an adapter to a venue. A venue can only be registered once.
func (r *Registry) Register(venue types.VenueID, adapter MarketDataProvider) error {
	if venue == "" || adapter == nil {
		return fmt.Errorf("venue and adapter are required")
	}
	if _, exists := r.adapters[venue]; exists {
		return fmt.Errorf("venue %s already has an adapter", venue)
	}
	r.adapters[venue] = adapter
	return nil
}

// Venues lists the registered venues.
func (r *Registry) Venues() []types.VenueID {
	out := make([]types.VenueID, 0, len(r.adapters))
	for v := range r.adapters {
		out = append(out, v)
	}
	return out
}

// GetSnapshot implements MarketDataProvider. Every failure is a *DataUnavailableError.
func (r *Registry) GetSnapshot(ctx context.Context, venue types.VenueID) (types.MarketSnapshot, error) {
	adapter, ok := r.adapters[venue]
	if !ok {
		return types.MarketSnapshot{}, unavailable(venue, ErrUnknownVenue)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	snapshot, err := adapter.GetSnapshot(ctx, venue)
	if err != nil {
		r.logger.Warn().Err(err).Str("venue", string(venue)).Dur("elapsed", time.Since(start)).Msg("Snapshot collection failed")
		return types.MarketSnapshot{}, unavailable(venue, err)
	}
	if snapshot.VenueID != venue {
		return types.MarketSnapshot{}, unavailable(venue, fmt.Errorf("adapter returned snapshot for %s", snapshot.VenueID))
	}
	r.logger.Debug().
		Str("venue", string(venue)).
		Float64("supplyAPY", snapshot.SupplyAPY).
		Float64("healthFactor", snapshot.HealthFactor).
		Dur("elapsed", time.Since(start)).
		Msg("Snapshot collected")
	return snapshot, nil
}

// snapshotWire is the JSON form of a snapshot. Absent fields are null.
type snapshotWire struct {
	VenueID              string    `json:"venue_id"`
	Timestamp            time.Time `json:"timestamp"`
	SupplyAPY            *float64  `json:"supply_apy"`
	BorrowAPY            *float64  `json:"borrow_apy"`
	NetAPY               *float64  `json:"net_apy"`
	Utilization          *float64  `json:"utilization"`
	HealthFactor         *float64  `json:"health_factor"`
	ValidatorPerformance *float64  `json:"validator_performance"`
	TVL                  *float64  `json:"tvl"`
	PendingRewards       *float64  `json:"pending_rewards"`
}

func toWire(s types.MarketSnapshot) snapshotWire {
	opt := func(v float64) *float64 {
		if types.IsMissing(v) {
			return nil
		}
		return &v
	}
	return snapshotWire{
		VenueID:              string(s.VenueID),
		Timestamp:            s.Timestamp,
		SupplyAPY:            opt(s.SupplyAPY),
		BorrowAPY:            opt(s.BorrowAPY),
		NetAPY:               opt(s.NetAPY),
		Utilization:          opt(s.Utilization),
		HealthFactor:         opt(s.HealthFactor),
		ValidatorPerformance: opt(s.ValidatorPerformance),
		TVL:                  opt(s.TVL),
		PendingRewards:       opt(s.PendingRewards),
	}
}

func (w snapshotWire) snapshot(venue types.VenueID) types.MarketSnapshot {
	val := func(v *float64) float64 {
		if v == nil {
			return types.Missing
		}
		return *v
	}
	return types.MarketSnapshot{
		VenueID:              venue,
		Timestamp:            w.Timestamp.UTC(),
		SupplyAPY:            val(w.SupplyAPY),
		BorrowAPY:            val(w.BorrowAPY),
		NetAPY:               val(w.NetAPY),
		Utilization:          val(w.Utilization),
		HealthFactor:         val(w.HealthFactor),
		ValidatorPerformance: val(w.ValidatorPerformance),
		TVL:                  val(w.TVL),
		PendingRewards:       val(w.PendingRewards),
	}
}
