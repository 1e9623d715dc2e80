/*
This file fetches venue metrics from an HTTP endpoint. It serves the Sonic farming
venue, whose yields and validator performance are published off-chain.

The endpoint returns one JSON object per venue. Every field that the venue could not
compute must be null, never zero, so a broken feed cannot pass as a 0% yield.
*/

package datafetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/elys-network/supervault/internal/logger"
	"github.com/elys-network/supervault/internal/retry"
	"github.com/elys-network/supervault/internal/types"
)

var ErrInvalidVenueResponse = errors.New("invalid venue response")

const maxResponseBytes = 1 << 20

// HTTPAdapter implements MarketDataProvider over GET {baseURL}/venues/{venue}.
type HTTPAdapter struct {
	baseURL string
	client  *http.Client
	policy  retry.Policy
	logger  zerolog.Logger
	now     func() time.Time
}

// NewHTTPAdapter returns an adapter for baseURL. A nil client uses a client with a 10s timeout.
func NewHTTPAdapter(baseURL string, client *http.Client) (*HTTPAdapter, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if _, err := url.ParseRequestURI(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid venue API URL %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPAdapter{
		baseURL: baseURL,
		client:  client,
		policy:  retry.DefaultFetchPolicy(),
		logger:  logger.GetForComponent("venue_http_adapter"),
		now:     time.Now,
	}, nil
}

// GetSnapshot implements MarketDataProvider.
func (h *HTTPAdapter) GetSnapshot(ctx context.Context, venue types.VenueID) (types.MarketSnapshot, error) {
	endpoint := h.baseURL + "/venues/" + url.PathEscape(string(venue))

	var body []byte
	attempts, err := h.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		body, err = h.fetch(ctx, endpoint)
		if err != nil {
			h.logger.Debug().Err(err).Str("venue", string(venue)).Int("attempt", attempt).Msg("Venue request failed")
		}
		return err
	})
	if err != nil {
		return types.MarketSnapshot{}, unavailable(venue, err)
	}

	snapshot, err := h.decode(venue, body)
	if err != nil {
		return types.MarketSnapshot{}, unavailable(venue, err)
	}
	h.logger.Debug().Str("venue", string(venue)).Int("attempts", attempts).Msg("Venue metrics fetched")
	return snapshot, nil
}

func (h *HTTPAdapter) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, retry.Transient(fmt.Errorf("venue request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to read venue response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, retry.Transient(fmt.Errorf("venue API returned status %d", resp.StatusCode))
	default:
		return nil, fmt.Errorf("%w: status %d: %s", ErrInvalidVenueResponse, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func (h *HTTPAdapter) decode(venue types.VenueID, body []byte) (types.MarketSnapshot, error) {
	var wire snapshotWire
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return types.MarketSnapshot{}, fmt.Errorf("%w: %w", ErrInvalidVenueResponse, err)
	}
	if wire.VenueID != "" && types.VenueID(wire.VenueID) != venue {
		return types.MarketSnapshot{}, fmt.Errorf("%w: asked for %s, got %s", ErrInvalidVenueResponse, venue, wire.VenueID)
	}
	if wire.Timestamp.IsZero() {
		wire.Timestamp = h.now()
	}
	if err := checkRanges(wire); err != nil {
		return types.MarketSnapshot{}, err
	}
	return wire.snapshot(venue), nil
}

// checkRanges rejects values no venue can report. Implausibly high rates are left to the evaluator's cap.
func checkRanges(w snapshotWire) error {
	var errs []error
	nonNegative := map[string]*float64{
		"supply_apy":      w.SupplyAPY,
		"borrow_apy":      w.BorrowAPY,
		"health_factor":   w.HealthFactor,
		"tvl":             w.TVL,
		"pending_rewards": w.PendingRewards,
	}
	for name, v := range nonNegative {
		if v != nil && *v < 0 {
			errs = append(errs, fmt.Errorf("%s cannot be negative, got %f", name, *v))
		}
	}
	unit := map[string]*float64{
		"utilization":           w.Utilization,
		"validator_performance": w.ValidatorPerformance,
	}
	for name, v := range unit {
		if v != nil && (*v < 0 || *v > 1) {
			errs = append(errs, fmt.Errorf("%s must be in [0, 1], got %f", name, *v))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidVenueResponse, errors.Join(errs...))
	}
	return nil
}
