package datafetcher

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/supervault/internal/retry"
	"github.com/elys-network/supervault/internal/types"
)

const (
	aaveVenue  = types.VenueID("aave-arbitrum")
	sonicVenue = types.VenueID("sonic-farm")
)

var fastPolicy = retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

type countingProvider struct {
	calls    atomic.Int32
	snapshot types.MarketSnapshot
	err      error
	block    bool
}

func (c *countingProvider) GetSnapshot(ctx context.Context, venue types.VenueID) (types.MarketSnapshot, error) {
	c.calls.Add(1)
	if c.block {
		<-ctx.Done()
		return types.MarketSnapshot{}, ctx.Err()
	}
	if c.err != nil {
		return types.MarketSnapshot{}, c.err
	}
	s := c.snapshot
	if s.VenueID == "" {
		s.VenueID = venue
	}
	return s, nil
}

func healthySnapshot(venue types.VenueID) types.MarketSnapshot {
	s := types.NewEmptySnapshot(venue, time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC))
	s.SupplyAPY = 0.08
	s.BorrowAPY = 0.03
	s.Utilization = 0.6
	s.HealthFactor = 2.1
	s.ValidatorPerformance = 0.99
	return s
}

// --- Registry ---

func TestRegistryRoutesToAdapter(t *testing.T) {
	reg := NewRegistry(time.Second)
	inner := &countingProvider{snapshot: healthySnapshot(sonicVenue)}
	require.NoError(t, reg.Register(sonicVenue, inner))
	require.Error(t, reg.Register(sonicVenue, inner))

	got, err := reg.GetSnapshot(context.Background(), sonicVenue)
	require.NoError(t, err)
	assert.Equal(t, 0.08, got.SupplyAPY)
	assert.Equal(t, []types.VenueID{sonicVenue}, reg.Venues())
}

func TestRegistryUnknownVenue(t *testing.T) {
	reg := NewRegistry(time.Second)
	_, err := reg.GetSnapshot(context.Background(), "nowhere")
	require.ErrorIs(t, err, ErrDataUnavailable)
	require.ErrorIs(t, err, ErrUnknownVenue)

	var dataErr *DataUnavailableError
	require.ErrorAs(t, err, &dataErr)
	assert.Equal(t, types.VenueID("nowhere"), dataErr.Venue)
}

func TestRegistryAppliesTimeout(t *testing.T) {
	reg := NewRegistry(20 * time.Millisecond)
	require.NoError(t, reg.Register(aaveVenue, &countingProvider{block: true}))

	start := time.Now()
	_, err := reg.GetSnapshot(context.Background(), aaveVenue)
	require.ErrorIs(t, err, ErrDataUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRegistryRejectsSnapshotOfOtherVenue(t *testing.T) {
	reg := NewRegistry(time.Second)
	require.NoError(t, reg.Register(aaveVenue, &countingProvider{snapshot: healthySnapshot(sonicVenue)}))
	_, err := reg.GetSnapshot(context.Background(), aaveVenue)
	require.ErrorIs(t, err, ErrDataUnavailable)
}

// --- Aave adapter ---

var (
	dataProviderAddr = common.HexToAddress("0x69FA688f1Dc47d4B5d8029D5a35FB7a548310654")
	poolAddr         = common.HexToAddress("0x794a61358D6845594F94dc1DB02A252b5b4814aD")
	usdcAddr         = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
	accountAddr      = common.HexToAddress("0x00000000000000000000000000000000005afe01")
)

type fakeCaller struct {
	t            *testing.T
	providerABI  abi.ABI
	poolABI      abi.ABI
	liquidity    *big.Int
	healthFactor *big.Int
	failures     int
	calls        int
}

func newFakeCaller(t *testing.T) *fakeCaller {
	t.Helper()
	p, err := abi.JSON(strings.NewReader(aaveDataProviderABI))
	require.NoError(t, err)
	pool, err := abi.JSON(strings.NewReader(aavePoolABI))
	require.NoError(t, err)
	return &fakeCaller{
		t:            t,
		providerABI:  p,
		poolABI:      pool,
		liquidity:    rayFraction(0.05),
		healthFactor: new(big.Int).Mul(big.NewInt(15), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)),
	}
}

func rayFraction(f float64) *big.Int {
	out, _ := new(big.Float).Mul(big.NewFloat(f), ray).Int(nil)
	return out
}

func (f *fakeCaller) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x1}, nil
}

func (f *fakeCaller) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset by peer")
	}
	switch *msg.To {
	case dataProviderAddr:
		m := f.providerABI.Methods["getReserveData"]
		return m.Outputs.Pack(
			big.NewInt(0), big.NewInt(0),
			big.NewInt(1000), big.NewInt(100), big.NewInt(400),
			f.liquidity, rayFraction(0.07), rayFraction(0.09), rayFraction(0.08),
			rayFraction(1), rayFraction(1), big.NewInt(1_700_000_000),
		)
	case poolAddr:
		m := f.poolABI.Methods["getUserAccountData"]
		return m.Outputs.Pack(big.NewInt(1), big.NewInt(1), big.NewInt(0), big.NewInt(8000), big.NewInt(7500), f.healthFactor)
	}
	f.t.Fatalf("unexpected call to %s", msg.To.Hex())
	return nil, nil
}

func newTestAaveAdapter(t *testing.T, caller *fakeCaller, account common.Address) *AaveAdapter {
	t.Helper()
	a, err := NewAaveAdapter(caller, AaveConfig{
		Venue: aaveVenue, DataProvider: dataProviderAddr, Pool: poolAddr, Asset: usdcAddr, Account: account,
	})
	require.NoError(t, err)
	a.policy = fastPolicy
	return a
}

func TestAaveAdapterReadsReserveAndHealth(t *testing.T) {
	caller := newFakeCaller(t)
	a := newTestAaveAdapter(t, caller, accountAddr)

	s, err := a.GetSnapshot(context.Background(), aaveVenue)
	require.NoError(t, err)
	require.NoError(t, s.Validate())

	assert.InDelta(t, 0.05127, s.SupplyAPY, 1e-4)
	assert.InDelta(t, 0.07251, s.BorrowAPY, 1e-4)
	assert.InDelta(t, 0.5, s.Utilization, 1e-12)
	assert.InDelta(t, 1.5, s.HealthFactor, 1e-12)
	assert.Equal(t, 1.0, s.ValidatorPerformance)
	assert.Equal(t, 1000.0, s.TVL)
}

func TestAaveAdapterWithoutAccountReportsNoDebt(t *testing.T) {
	caller := newFakeCaller(t)
	a := newTestAaveAdapter(t, caller, common.Address{})

	s, err := a.GetSnapshot(context.Background(), aaveVenue)
	require.NoError(t, err)
	assert.Equal(t, float64(maxHealthFactor), s.HealthFactor)
	assert.Equal(t, 1, caller.calls)
}

func TestAaveAdapterCapsUnboundedHealthFactor(t *testing.T) {
	caller := newFakeCaller(t)
	caller.healthFactor = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	a := newTestAaveAdapter(t, caller, accountAddr)

	s, err := a.GetSnapshot(context.Background(), aaveVenue)
	require.NoError(t, err)
	assert.Equal(t, float64(maxHealthFactor), s.HealthFactor)
}

func TestAaveAdapterRetriesRPCFailures(t *testing.T) {
	caller := newFakeCaller(t)
	caller.failures = 2
	a := newTestAaveAdapter(t, caller, common.Address{})

	_, err := a.GetSnapshot(context.Background(), aaveVenue)
	require.NoError(t, err)
	assert.Equal(t, 3, caller.calls)

	caller.failures = 5
	_, err = a.GetSnapshot(context.Background(), aaveVenue)
	require.ErrorIs(t, err, ErrDataUnavailable)
	require.ErrorIs(t, err, retry.ErrAttemptsExhausted)
}

func TestAaveAdapterRejectsOtherVenue(t *testing.T) {
	a := newTestAaveAdapter(t, newFakeCaller(t), common.Address{})
	_, err := a.GetSnapshot(context.Background(), sonicVenue)
	require.ErrorIs(t, err, ErrUnknownVenue)
}

func TestNewAaveAdapterValidatesAddresses(t *testing.T) {
	_, err := NewAaveAdapter(newFakeCaller(t), AaveConfig{Venue: aaveVenue, Pool: poolAddr, Asset: usdcAddr})
	require.Error(t, err)
}

func TestRayAPRToAPY(t *testing.T) {
	assert.Equal(t, 0.0, RayAPRToAPY(nil))
	assert.Equal(t, 0.0, RayAPRToAPY(big.NewInt(0)))
	assert.InDelta(t, 0.10517, RayAPRToAPY(rayFraction(0.10)), 1e-4)
}

// --- HTTP adapter ---

func newTestHTTPAdapter(t *testing.T, handler http.HandlerFunc) (*HTTPAdapter, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	a, err := NewHTTPAdapter(srv.URL+"/", srv.Client())
	require.NoError(t, err)
	a.policy = fastPolicy
	return a, &hits
}

func TestHTTPAdapterDecodesSnapshot(t *testing.T) {
	a, _ := newTestHTTPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/venues/sonic-farm", r.URL.Path)
		w.Write([]byte(`{"venue_id":"sonic-farm","timestamp":"2026-03-01T12:00:00Z","supply_apy":0.12,
			"borrow_apy":0.0,"net_apy":null,"utilization":0.4,"health_factor":3.2,"validator_performance":0.97,"tvl":null}`))
	})

	s, err := a.GetSnapshot(context.Background(), sonicVenue)
	require.NoError(t, err)
	require.NoError(t, s.Validate())
	assert.Equal(t, 0.12, s.SupplyAPY)
	assert.Equal(t, 0.97, s.ValidatorPerformance)
	assert.True(t, types.IsMissing(s.NetAPY))
	assert.True(t, types.IsMissing(s.TVL))
	assert.True(t, types.IsMissing(s.PendingRewards))
	assert.True(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Equal(s.Timestamp))
}

func TestHTTPAdapterDecodesPendingRewards(t *testing.T) {
	a, _ := newTestHTTPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"venue_id":"sonic-farm","supply_apy":0.12,"borrow_apy":0.01,"utilization":0.4,
			"health_factor":3.2,"validator_performance":0.97,"pending_rewards":12500000}`))
	})
	s, err := a.GetSnapshot(context.Background(), sonicVenue)
	require.NoError(t, err)
	assert.Equal(t, 12_500_000.0, s.PendingRewards)

	neg, _ := newTestHTTPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"venue_id":"sonic-farm","supply_apy":0.12,"borrow_apy":0.01,"utilization":0.4,
			"health_factor":3.2,"validator_performance":0.97,"pending_rewards":-1}`))
	})
	_, err = neg.GetSnapshot(context.Background(), sonicVenue)
	assert.ErrorContains(t, err, "pending_rewards cannot be negative")
}

func TestHTTPAdapterNullFieldIsMissingNotZero(t *testing.T) {
	a, _ := newTestHTTPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"venue_id":"sonic-farm","supply_apy":0.12,"borrow_apy":0.01,"utilization":0.4,
			"health_factor":null,"validator_performance":0.97}`))
	})

	s, err := a.GetSnapshot(context.Background(), sonicVenue)
	require.NoError(t, err)
	assert.False(t, s.Timestamp.IsZero())

	var insufficient *types.InsufficientDataError
	require.ErrorAs(t, s.Validate(), &insufficient)
	assert.Equal(t, []string{"healthFactor"}, insufficient.Fields)
}

func TestHTTPAdapterRetriesServerErrors(t *testing.T) {
	var n atomic.Int32
	a, hits := newTestHTTPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"supply_apy":0.1,"borrow_apy":0,"utilization":0.1,"health_factor":2,"validator_performance":1}`))
	})

	_, err := a.GetSnapshot(context.Background(), sonicVenue)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestHTTPAdapterDoesNotRetryClientErrors(t *testing.T) {
	a, hits := newTestHTTPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such venue", http.StatusNotFound)
	})

	_, err := a.GetSnapshot(context.Background(), sonicVenue)
	require.ErrorIs(t, err, ErrDataUnavailable)
	require.ErrorIs(t, err, ErrInvalidVenueResponse)
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPAdapterRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"utilization above one", `{"supply_apy":0.1,"borrow_apy":0,"utilization":1.4,"health_factor":2,"validator_performance":1}`},
		{"negative supply", `{"supply_apy":-0.1,"borrow_apy":0,"utilization":0.1,"health_factor":2,"validator_performance":1}`},
		{"other venue", `{"venue_id":"aave-arbitrum","supply_apy":0.1}`},
		{"unknown field", `{"supply_apy":0.1,"apr":0.2}`},
		{"not json", `<html>maintenance</html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestHTTPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})
			_, err := a.GetSnapshot(context.Background(), sonicVenue)
			require.ErrorIs(t, err, ErrInvalidVenueResponse)
		})
	}
}

func TestNewHTTPAdapterRejectsBadURL(t *testing.T) {
	_, err := NewHTTPAdapter("not a url", nil)
	require.Error(t, err)
}

// --- Redis cache ---

func newTestCache(t *testing.T, inner MarketDataProvider, ttl time.Duration) (*CachedProvider, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c, err := NewCachedProvider(inner, client, ttl)
	require.NoError(t, err)
	return c, mr
}

func TestCachedProviderServesRepeatReadsFromRedis(t *testing.T) {
	inner := &countingProvider{snapshot: healthySnapshot(aaveVenue)}
	c, mr := newTestCache(t, inner, 30*time.Second)

	first, err := c.GetSnapshot(context.Background(), aaveVenue)
	require.NoError(t, err)
	second, err := c.GetSnapshot(context.Background(), aaveVenue)
	require.NoError(t, err)

	assert.Equal(t, int32(1), inner.calls.Load())
	assert.True(t, first.Timestamp.Equal(second.Timestamp))
	assert.Equal(t, first.SupplyAPY, second.SupplyAPY)
	assert.True(t, types.IsMissing(second.NetAPY))
	assert.True(t, mr.Exists(snapshotKeyPrefix+string(aaveVenue)))

	mr.FastForward(31 * time.Second)
	_, err = c.GetSnapshot(context.Background(), aaveVenue)
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestCachedProviderFallsThroughWhenRedisIsDown(t *testing.T) {
	inner := &countingProvider{snapshot: healthySnapshot(aaveVenue)}
	c, mr := newTestCache(t, inner, time.Minute)
	mr.Close()

	s, err := c.GetSnapshot(context.Background(), aaveVenue)
	require.NoError(t, err)
	assert.Equal(t, 0.08, s.SupplyAPY)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestCachedProviderDoesNotCacheFailures(t *testing.T) {
	inner := &countingProvider{err: errors.New("rpc down")}
	c, mr := newTestCache(t, inner, time.Minute)

	_, err := c.GetSnapshot(context.Background(), aaveVenue)
	require.Error(t, err)
	assert.False(t, mr.Exists(snapshotKeyPrefix+string(aaveVenue)))
}

func TestCachedProviderDiscardsCorruptEntries(t *testing.T) {
	inner := &countingProvider{snapshot: healthySnapshot(aaveVenue)}
	c, mr := newTestCache(t, inner, time.Minute)
	require.NoError(t, mr.Set(snapshotKeyPrefix+string(aaveVenue), "{broken"))

	s, err := c.GetSnapshot(context.Background(), aaveVenue)
	require.NoError(t, err)
	assert.Equal(t, 0.08, s.SupplyAPY)
	assert.Equal(t, int32(1), inner.calls.Load())
}
