package datafetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/elys-network/supervault/internal/logger"
	"github.com/elys-network/supervault/internal/types"
)

const snapshotKeyPrefix = "strategist:snapshot:"

// CachedProvider serves recent snapshots from Redis so the fast and slow ticks
// read a venue once per TTL. Redis failures fall through to the inner provider.
type CachedProvider struct {
	inner  MarketDataProvider
	redis  redis.Cmdable
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedProvider(inner MarketDataProvider, client redis.Cmdable, ttl time.Duration) (*CachedProvider, error) {
	if inner == nil || client == nil {
		return nil, errors.New("inner provider and redis client are required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cache TTL must be positive, got %s", ttl)
	}
	return &CachedProvider{
		inner:  inner,
		redis:  client,
		ttl:    ttl,
		logger: logger.GetForComponent("snapshot_cache"),
	}, nil
}

func snapshotKey(venue types.VenueID) string {
	return snapshotKeyPrefix + string(venue)
}

// GetSnapshot implements MarketDataProvider.
func (c *CachedProvider) GetSnapshot(ctx context.Context, venue types.VenueID) (types.MarketSnapshot, error) {
	raw, err := c.redis.Get(ctx, snapshotKey(venue)).Bytes()
	switch {
	case err == nil:
		var wire snapshotWire
		if jsonErr := json.Unmarshal(raw, &wire); jsonErr == nil && types.VenueID(wire.VenueID) == venue {
			c.logger.Debug().Str("venue", string(venue)).Msg("Snapshot served from cache")
			return wire.snapshot(venue), nil
		}
		c.logger.Warn().Str("venue", string(venue)).Msg("Discarding unreadable cached snapshot")
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn().Err(err).Str("venue", string(venue)).Msg("Snapshot cache read failed")
	}

	snapshot, err := c.inner.GetSnapshot(ctx, venue)
	if err != nil {
		return types.MarketSnapshot{}, err
	}

	encoded, err := json.Marshal(toWire(snapshot))
	if err != nil {
		c.logger.Warn().Err(err).Str("venue", string(venue)).Msg("Failed to encode snapshot for cache")
		return snapshot, nil
	}
	if err := c.redis.Set(ctx, snapshotKey(venue), encoded, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("venue", string(venue)).Msg("Snapshot cache write failed")
	}
	return snapshot, nil
}
