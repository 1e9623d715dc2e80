/*
This file reads the Aave lending venue on Arbitrum directly from the protocol contracts.

Reserve rates come from the protocol data provider as per-second compounded APRs in
ray units (1e27). They are converted to APY fractions here so the evaluator never sees
protocol units. The health factor of the monitored account comes from the pool.
*/

package datafetcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/elys-network/supervault/internal/logger"
	"github.com/elys-network/supervault/internal/retry"
	"github.com/elys-network/supervault/internal/types"
)

var ErrInvalidReserveData = errors.New("invalid reserve data")

const (
	secondsPerYear = 365 * 24 * 60 * 60
	// An account without debt reports max uint256 as its health factor.
	maxHealthFactor = 1e6
)

var (
	ray = new(big.Float).SetFloat64(1e27)
	wad = new(big.Float).SetFloat64(1e18)
)

const aaveDataProviderABI = `[
  {"type":"function","name":"getReserveData","stateMutability":"view",
   "inputs":[{"name":"asset","type":"address"}],
   "outputs":[
     {"name":"unbacked","type":"uint256"},
     {"name":"accruedToTreasuryScaled","type":"uint256"},
     {"name":"totalAToken","type":"uint256"},
     {"name":"totalStableDebt","type":"uint256"},
     {"name":"totalVariableDebt","type":"uint256"},
     {"name":"liquidityRate","type":"uint256"},
     {"name":"variableBorrowRate","type":"uint256"},
     {"name":"stableBorrowRate","type":"uint256"},
     {"name":"averageStableBorrowRate","type":"uint256"},
     {"name":"liquidityIndex","type":"uint256"},
     {"name":"variableBorrowIndex","type":"uint256"},
     {"name":"lastUpdateTimestamp","type":"uint40"}]}
]`

const aavePoolABI = `[
  {"type":"function","name":"getUserAccountData","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[
     {"name":"totalCollateralBase","type":"uint256"},
     {"name":"totalDebtBase","type":"uint256"},
     {"name":"availableBorrowsBase","type":"uint256"},
     {"name":"currentLiquidationThreshold","type":"uint256"},
     {"name":"ltv","type":"uint256"},
     {"name":"healthFactor","type":"uint256"}]}
]`

// AaveConfig locates the reserve and account observed for one venue.
type AaveConfig struct {
	Venue        types.VenueID
	DataProvider common.Address
	Pool         common.Address
	Asset        common.Address // Reserve asset
	Account      common.Address // Zero skips the health factor read and reports no debt
}

// AaveAdapter implements MarketDataProvider for an Aave v3 reserve.
type AaveAdapter struct {
	cfg          AaveConfig
	dataProvider *bind.BoundContract
	pool         *bind.BoundContract
	policy       retry.Policy
	logger       zerolog.Logger
	now          func() time.Time
}

// NewAaveAdapter binds the data provider and pool on a read-only backend.
func NewAaveAdapter(caller bind.ContractCaller, cfg AaveConfig) (*AaveAdapter, error) {
	if caller == nil {
		return nil, errors.New("contract caller cannot be nil")
	}
	if cfg.Venue == "" {
		return nil, errors.New("venue cannot be empty")
	}
	if cfg.DataProvider == (common.Address{}) || cfg.Pool == (common.Address{}) || cfg.Asset == (common.Address{}) {
		return nil, fmt.Errorf("aave adapter for %s: data provider, pool and asset addresses are required", cfg.Venue)
	}
	providerABI, err := abi.JSON(strings.NewReader(aaveDataProviderABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse data provider ABI: %w", err)
	}
	poolABI, err := abi.JSON(strings.NewReader(aavePoolABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool ABI: %w", err)
	}
	return &AaveAdapter{
		cfg:          cfg,
		dataProvider: bind.NewBoundContract(cfg.DataProvider, providerABI, caller, nil, nil),
		pool:         bind.NewBoundContract(cfg.Pool, poolABI, caller, nil, nil),
		policy:       retry.DefaultFetchPolicy(),
		logger:       logger.GetForComponent("aave_adapter"),
		now:          time.Now,
	}, nil
}

// GetSnapshot implements MarketDataProvider.
func (a *AaveAdapter) GetSnapshot(ctx context.Context, venue types.VenueID) (types.MarketSnapshot, error) {
	if venue != a.cfg.Venue {
		return types.MarketSnapshot{}, unavailable(venue, ErrUnknownVenue)
	}
	snapshot := types.NewEmptySnapshot(venue, a.now().UTC())
	// Lending venues have no validator set.
	snapshot.ValidatorPerformance = 1.0

	var reserve []interface{}
	_, err := a.policy.Do(ctx, func(ctx context.Context, _ int) error {
		reserve = nil
		return markTransient(a.dataProvider.Call(&bind.CallOpts{Context: ctx}, &reserve, "getReserveData", a.cfg.Asset))
	})
	if err != nil {
		return types.MarketSnapshot{}, unavailable(venue, fmt.Errorf("getReserveData: %w", err))
	}
	if err := applyReserveData(&snapshot, reserve); err != nil {
		return types.MarketSnapshot{}, unavailable(venue, err)
	}

	snapshot.HealthFactor = maxHealthFactor
	if a.cfg.Account != (common.Address{}) {
		var account []interface{}
		_, err := a.policy.Do(ctx, func(ctx context.Context, _ int) error {
			account = nil
			return markTransient(a.pool.Call(&bind.CallOpts{Context: ctx}, &account, "getUserAccountData", a.cfg.Account))
		})
		if err != nil {
			return types.MarketSnapshot{}, unavailable(venue, fmt.Errorf("getUserAccountData: %w", err))
		}
		hf, err := healthFactorFromAccountData(account)
		if err != nil {
			return types.MarketSnapshot{}, unavailable(venue, err)
		}
		snapshot.HealthFactor = hf
	}

	a.logger.Debug().
		Str("venue", string(venue)).
		Float64("supplyAPY", snapshot.SupplyAPY).
		Float64("borrowAPY", snapshot.BorrowAPY).
		Float64("utilization", snapshot.Utilization).
		Float64("healthFactor", snapshot.HealthFactor).
		Msg("Aave reserve read")
	return snapshot, nil
}

func applyReserveData(s *types.MarketSnapshot, out []interface{}) error {
	if len(out) != 12 {
		return fmt.Errorf("%w: expected 12 values, got %d", ErrInvalidReserveData, len(out))
	}
	ints := make([]*big.Int, 11)
	for i := range ints {
		v, ok := out[i].(*big.Int)
		if !ok || v == nil {
			return fmt.Errorf("%w: value %d is %T", ErrInvalidReserveData, i, out[i])
		}
		ints[i] = v
	}
	totalAToken, stableDebt, variableDebt := ints[2], ints[3], ints[4]
	liquidityRate, variableBorrowRate := ints[5], ints[6]

	s.SupplyAPY = RayAPRToAPY(liquidityRate)
	s.BorrowAPY = RayAPRToAPY(variableBorrowRate)
	s.NetAPY = s.SupplyAPY

	if totalAToken.Sign() > 0 {
		debt := new(big.Int).Add(stableDebt, variableDebt)
		u, _ := new(big.Float).Quo(new(big.Float).SetInt(debt), new(big.Float).SetInt(totalAToken)).Float64()
		s.Utilization = math.Min(u, 1.0)
	} else {
		s.Utilization = 0
	}
	s.TVL, _ = new(big.Float).SetInt(totalAToken).Float64()
	return nil
}

func healthFactorFromAccountData(out []interface{}) (float64, error) {
	if len(out) != 6 {
		return 0, fmt.Errorf("%w: expected 6 account values, got %d", ErrInvalidReserveData, len(out))
	}
	raw, ok := out[5].(*big.Int)
	if !ok || raw == nil {
		return 0, fmt.Errorf("%w: health factor is %T", ErrInvalidReserveData, out[5])
	}
	hf, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), wad).Float64()
	return math.Min(hf, maxHealthFactor), nil
}

// RayAPRToAPY converts a per-second compounded APR in ray units into an APY fraction.
func RayAPRToAPY(rate *big.Int) float64 {
	if rate == nil || rate.Sign() <= 0 {
		return 0
	}
	apr, _ := new(big.Float).Quo(new(big.Float).SetInt(rate), ray).Float64()
	return math.Pow(1+apr/secondsPerYear, secondsPerYear) - 1
}

// markTransient flags RPC failures as retryable. A contract-level revert is not.
func markTransient(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
		return err
	}
	return retry.Transient(err)
}
