package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/supervault/internal/analyzer"
	"github.com/elys-network/supervault/internal/config"
	"github.com/elys-network/supervault/internal/datafetcher"
	"github.com/elys-network/supervault/internal/executor"
	"github.com/elys-network/supervault/internal/knowledge"
	"github.com/elys-network/supervault/internal/metrics"
	"github.com/elys-network/supervault/internal/notify"
	"github.com/elys-network/supervault/internal/retry"
	"github.com/elys-network/supervault/internal/state"
	"github.com/elys-network/supervault/internal/types"
	"github.com/elys-network/supervault/internal/vault"
	"github.com/elys-network/supervault/internal/vault/vaulttest"
)

const (
	aaveVenue  types.VenueID = "aave-arbitrum"
	sonicVenue types.VenueID = "sonic-farm"
)

var snapshotTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func healthySnapshot(venue types.VenueID, ts time.Time) types.MarketSnapshot {
	s := types.NewEmptySnapshot(venue, ts)
	s.SupplyAPY = 0.08
	s.BorrowAPY = 0.03
	s.HealthFactor = 1.8
	s.Utilization = 0.6
	s.ValidatorPerformance = 1
	return s
}

type fakeProvider struct {
	mu        sync.Mutex
	snapshots map[types.VenueID]types.MarketSnapshot
	errs      map[types.VenueID]error
	next      func(venue types.VenueID) types.MarketSnapshot
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		snapshots: make(map[types.VenueID]types.MarketSnapshot),
		errs:      make(map[types.VenueID]error),
	}
}

func (p *fakeProvider) set(s types.MarketSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots[s.VenueID] = s
}

func (p *fakeProvider) fail(venue types.VenueID, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[venue] = err
}

func (p *fakeProvider) GetSnapshot(_ context.Context, venue types.VenueID) (types.MarketSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next != nil {
		return p.next(venue), nil
	}
	if err, ok := p.errs[venue]; ok {
		return types.MarketSnapshot{}, &datafetcher.DataUnavailableError{Venue: venue, Err: err}
	}
	s, ok := p.snapshots[venue]
	if !ok {
		return types.MarketSnapshot{}, fmt.Errorf("%w: no data for %s", datafetcher.ErrDataUnavailable, venue)
	}
	return s, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingNotifier) ofKind(kind notify.EventKind) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type options struct {
	sonic      bool
	grace      time.Duration
	rpcTimeout time.Duration
	vault      vault.VaultClient
	wrap       func(DecisionExecutor) DecisionExecutor
}

type harness struct {
	store    *state.Store
	vault    *vaulttest.Fake
	provider *fakeProvider
	notes    *recordingNotifier
	metrics  *metrics.Metrics
	registry *types.StrategyRegistry
	params   types.StrategyParameters
	opts     options
	orch     *Orchestrator
}

func testParams() types.StrategyParameters {
	p := config.DefaultStrategyParameters
	p.MinAPY = 0.05
	p.RebalanceThreshold = 0.05
	p.MaxAllocationFraction = 0.5
	p.MaxAllocationAmount = sdkmath.NewInt(100_000)
	p.EmergencyHealthFactorThreshold = 1.5
	return p
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	store, err := state.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.EnsureSchema(context.Background()))

	registry, err := types.NewStrategyRegistry([]types.StrategySlot{
		{ID: types.StrategyAaveLending, Venue: aaveVenue, Asset: common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831"), Enabled: true},
		{ID: types.StrategySonicFarm, Venue: sonicVenue, Asset: common.HexToAddress("0x29219dd400f2Bf60E5a23d13Be72B486D4038894"), BorrowRatio: 0.5, Enabled: opts.sonic},
	})
	require.NoError(t, err)

	h := &harness{
		store:    store,
		vault:    vaulttest.New(1_000_000),
		provider: newFakeProvider(),
		notes:    &recordingNotifier{},
		metrics:  metrics.New(),
		registry: registry,
		params:   testParams(),
		opts:     opts,
	}
	h.orch = h.newOrchestrator(t)
	return h
}

// newOrchestrator builds a fresh process over the same store and vault, as after a restart.
func (h *harness) newOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	var client vault.VaultClient = h.vault
	if h.opts.vault != nil {
		client = h.opts.vault
	}
	exec, err := executor.NewExecutor(executor.Config{
		Vault:          client,
		Receipts:       h.store,
		Strategies:     h.registry,
		Parameters:     h.params,
		SubmitPolicy:   retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		PollPolicy:     retry.Policy{MaxAttempts: 1000, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		ConfirmTimeout: 20 * time.Millisecond,
		FetchPolicy:    retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		RPCTimeout:     time.Second,
	})
	require.NoError(t, err)

	ks := knowledge.NewStore(h.store, h.params)
	evaluator, err := analyzer.NewEvaluator(h.registry, h.params, ks)
	require.NoError(t, err)

	var de DecisionExecutor = exec
	if h.opts.wrap != nil {
		de = h.opts.wrap(exec)
	}
	grace := h.opts.grace
	if grace == 0 {
		grace = time.Second
	}
	o, err := NewOrchestrator(Config{
		Provider:        h.provider,
		Vault:           client,
		Strategies:      h.registry,
		Evaluator:       evaluator,
		Knowledge:       ks,
		Executor:        de,
		Decisions:       h.store,
		Notifier:        h.notes,
		Metrics:         h.metrics,
		FastInterval:    5 * time.Millisecond,
		SlowInterval:    15 * time.Millisecond,
		SnapshotTimeout: 100 * time.Millisecond,
		ShutdownGrace:   grace,
		FetchPolicy:     retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		RPCTimeout:      h.rpcTimeout(),
	})
	require.NoError(t, err)
	return o
}

func (h *harness) rpcTimeout() time.Duration {
	if h.opts.rpcTimeout > 0 {
		return h.opts.rpcTimeout
	}
	return time.Second
}

func TestSlowCycleIncreasesAllocationWhenYieldClearsMinimum(t *testing.T) {
	h := newHarness(t, options{})
	h.provider.set(healthySnapshot(aaveVenue, snapshotTime))
	ctx := context.Background()

	report, err := h.orch.RunCycle(ctx, types.TickSlow)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Number)
	require.Len(t, report.Decisions, 1)
	d := report.Decisions[0]
	assert.Equal(t, types.ActionIncreaseAllocation, d.Action)
	assert.Equal(t, "100000", d.Amount.String())

	require.Len(t, report.Executed, 1)
	assert.Equal(t, types.ReceiptConfirmed, report.Executed[0].Status)
	sent := h.vault.Submitted()
	require.Len(t, sent, 1)
	assert.Equal(t, types.CommandAllocate, sent[0].Kind)

	rec, err := h.store.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.CycleNumber)
	assert.Equal(t, types.ReceiptConfirmed, rec.Status)
	assert.False(t, rec.Deferred)

	require.NotEmpty(t, d.PatternID)
	pattern, err := h.store.GetPattern(ctx, d.PatternID)
	require.NoError(t, err)
	require.NotNil(t, pattern.Outcome)
	assert.True(t, pattern.Outcome.Success)

	_, held := h.orch.flight.Status()
	assert.False(t, held)
	assert.Len(t, h.notes.ofKind(notify.EventDecisionMade), 1)
	assert.Len(t, h.notes.ofKind(notify.EventExecutionResolved), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Executions.WithLabelValues("CONFIRMED")))
	assert.Equal(t, types.PhaseIdle, h.orch.Status().Phases[types.TickSlow])
}

func TestEmergencyWinsOverHighYield(t *testing.T) {
	h := newHarness(t, options{})
	risky := healthySnapshot(aaveVenue, snapshotTime)
	risky.HealthFactor = 1.2
	risky.SupplyAPY = 0.6
	h.provider.set(risky)
	h.vault.SetBalance(types.StrategyAaveLending, 300_000)

	report, err := h.orch.RunCycle(context.Background(), types.TickFast)
	require.NoError(t, err)
	assert.True(t, report.Emergency)
	require.Len(t, report.Decisions, 1)
	assert.Equal(t, types.ActionEmergencyWithdraw, report.Decisions[0].Action)
	assert.Equal(t, "300000", report.Decisions[0].Amount.String())

	sent := h.vault.Submitted()
	require.Len(t, sent, 1)
	assert.Equal(t, types.CommandEmergencyWithdraw, sent[0].Kind)
	assert.Len(t, h.notes.ofKind(notify.EventEmergencyTriggered), 1)
}

func TestFastCycleCompoundsPendingRewards(t *testing.T) {
	h := newHarness(t, options{})
	s := healthySnapshot(aaveVenue, snapshotTime)
	s.PendingRewards = 25_000_000 // Clears the default minimum reward and gas cost.
	h.provider.set(s)
	ctx := context.Background()

	report, err := h.orch.RunCycle(ctx, types.TickFast)
	require.NoError(t, err)
	assert.False(t, report.Emergency)
	require.Len(t, report.Decisions, 1)
	d := report.Decisions[0]
	assert.Equal(t, types.ActionIncreaseAllocation, d.Action)
	// Capped by the 100k absolute allocation cap.
	assert.Equal(t, "100000", d.Amount.String())
	assert.Contains(t, d.Rationale, "compounding")

	require.Len(t, report.Executed, 1)
	assert.Equal(t, types.ReceiptConfirmed, report.Executed[0].Status)
	sent := h.vault.Submitted()
	require.Len(t, sent, 1)
	assert.Equal(t, types.CommandAllocate, sent[0].Kind)
	_, held := h.orch.flight.Status()
	assert.False(t, held)
}

func TestFastCycleSkipsUnprofitableRewards(t *testing.T) {
	h := newHarness(t, options{})
	s := healthySnapshot(aaveVenue, snapshotTime)
	s.PendingRewards = 400_000 // Below the default minimum reward.
	h.provider.set(s)

	report, err := h.orch.RunCycle(context.Background(), types.TickFast)
	require.NoError(t, err)
	assert.Empty(t, report.Decisions)
	assert.Empty(t, h.vault.Submitted())
}

func TestStalledVaultReadIsBoundedByRPCTimeout(t *testing.T) {
	h := newHarness(t, options{rpcTimeout: 10 * time.Millisecond})
	h.provider.set(healthySnapshot(aaveVenue, snapshotTime))
	h.opts.vault = stalledReads{Fake: h.vault}
	h.orch = h.newOrchestrator(t)

	start := time.Now()
	_, err := h.orch.RunCycle(context.Background(), types.TickSlow)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "failed to read vault total assets")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Empty(t, h.vault.Submitted())
}

func TestFastCycleIgnoresRegularRebalance(t *testing.T) {
	h := newHarness(t, options{})
	h.provider.set(healthySnapshot(aaveVenue, snapshotTime))

	report, err := h.orch.RunCycle(context.Background(), types.TickFast)
	require.NoError(t, err)
	assert.Empty(t, report.Decisions)
	assert.Empty(t, h.vault.Submitted())
}

func TestIdenticalSnapshotTwiceCreatesOneReceipt(t *testing.T) {
	h := newHarness(t, options{})
	h.provider.set(healthySnapshot(aaveVenue, snapshotTime))
	h.vault.SetChainStatus(types.ChainPending)
	ctx := context.Background()

	first, err := h.orch.RunCycle(ctx, types.TickSlow)
	require.NoError(t, err)
	require.Len(t, first.Executed, 1)
	assert.Equal(t, types.ReceiptSubmitted, first.Executed[0].Status)
	id := first.Decisions[0].ID

	second, err := h.orch.RunCycle(ctx, types.TickSlow)
	require.NoError(t, err)
	assert.Equal(t, id, second.Decisions[0].ID)
	assert.Equal(t, []string{id}, second.Deferred)

	receipts, err := h.store.ReceiptsForDecision(ctx, id)
	require.NoError(t, err)
	assert.Len(t, receipts, 1)
	assert.Len(t, h.vault.Submitted(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Deferrals))
}

func TestInFlightDecisionDefersOthersUntilConfirmed(t *testing.T) {
	h := newHarness(t, options{})
	h.provider.set(healthySnapshot(aaveVenue, snapshotTime))
	h.vault.SetChainStatus(types.ChainPending)
	ctx := context.Background()

	first, err := h.orch.RunCycle(ctx, types.TickSlow)
	require.NoError(t, err)
	id := first.Decisions[0].ID
	status, held := h.orch.flight.Status()
	require.True(t, held)
	assert.Equal(t, id, status.DecisionID)
	assert.False(t, status.Active)

	// An emergency raised while the guard is held is deferred, not queued.
	risky := healthySnapshot(aaveVenue, snapshotTime.Add(time.Minute))
	risky.HealthFactor = 1.1
	h.provider.set(risky)
	h.vault.SetBalance(types.StrategyAaveLending, 50_000)
	report, err := h.orch.RunCycle(ctx, types.TickFast)
	require.NoError(t, err)
	require.Len(t, report.Deferred, 1)
	assert.Len(t, h.notes.ofKind(notify.EventDecisionDeferred), 1)

	deferredID := report.Deferred[0]
	deferred, err := h.store.GetDecision(ctx, deferredID)
	require.NoError(t, err)
	assert.True(t, deferred.Deferred)

	// Once the first decision confirms, the next tick frees the guard and re-raises the emergency.
	h.vault.ResolveAll(types.ChainConfirmed)
	h.vault.SetChainStatus(types.ChainConfirmed)
	report, err = h.orch.RunCycle(ctx, types.TickFast)
	require.NoError(t, err)
	require.Len(t, report.Executed, 1)
	assert.Equal(t, types.ReceiptConfirmed, report.Executed[0].Status)
	assert.Empty(t, report.Deferred)

	// The same emergency, now authorized, is no longer logged as deferred.
	require.Equal(t, deferredID, report.Executed[0].DecisionID)
	executed, err := h.store.GetDecision(ctx, deferredID)
	require.NoError(t, err)
	assert.False(t, executed.Deferred)
	assert.Equal(t, types.ReceiptConfirmed, executed.Status)

	rec, err := h.store.GetDecision(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptConfirmed, rec.Status)
	_, held = h.orch.flight.Status()
	assert.False(t, held)
}

func TestUnavailableVenueDegradesToHold(t *testing.T) {
	h := newHarness(t, options{sonic: true})
	h.provider.set(healthySnapshot(aaveVenue, snapshotTime))
	h.provider.fail(sonicVenue, errors.New("gateway timeout"))

	report, err := h.orch.RunCycle(context.Background(), types.TickSlow)
	require.NoError(t, err)
	assert.Equal(t, []types.VenueID{sonicVenue}, report.Degraded)

	var actions []types.Action
	for _, d := range report.Decisions {
		actions = append(actions, d.Action)
	}
	assert.ElementsMatch(t, []types.Action{types.ActionIncreaseAllocation, types.ActionHold}, actions)

	degraded := h.notes.ofKind(notify.EventCycleDegraded)
	require.Len(t, degraded, 1)
	assert.Contains(t, degraded[0].Detail, "gateway timeout")
	assert.Len(t, h.vault.Submitted(), 1)
}

func TestVaultReadFailureAbortsCycle(t *testing.T) {
	h := newHarness(t, options{})
	h.provider.set(healthySnapshot(aaveVenue, snapshotTime))
	h.vault.SetTotalAssetsError(errors.New("contract call failed"))

	_, err := h.orch.RunCycle(context.Background(), types.TickSlow)
	require.Error(t, err)
	assert.Empty(t, h.vault.Submitted())
	assert.Equal(t, types.PhaseIdle, h.orch.Status().Phases[types.TickSlow])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Cycles.WithLabelValues("slow", "aborted")))
}

func TestStaleDecisionIsRefused(t *testing.T) {
	h := newHarness(t, options{})
	h.provider.set(healthySnapshot(aaveVenue, snapshotTime))
	stale := &driftingVault{Fake: h.vault, after: 1_200_000}
	h.opts.vault = stale
	h.orch = h.newOrchestrator(t)

	report, err := h.orch.RunCycle(context.Background(), types.TickSlow)
	require.NoError(t, err)
	require.Len(t, report.Executed, 1)
	assert.Empty(t, report.Executed[0].Receipts)
	assert.Empty(t, h.vault.Submitted())
	_, held := h.orch.flight.Status()
	assert.False(t, held)

	resolved := h.notes.ofKind(notify.EventExecutionResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, types.ReceiptStatus(statusRefused), resolved[0].Status)
	assert.Contains(t, resolved[0].Detail, "stale")
}

// driftingVault reports the configured total assets on the first read and after on every later one.
type driftingVault struct {
	*vaulttest.Fake
	after int64
	mu    sync.Mutex
	reads int
}

func (d *driftingVault) GetTotalAssets(ctx context.Context) (sdkmath.Int, error) {
	d.mu.Lock()
	d.reads++
	n := d.reads
	d.mu.Unlock()
	if n > 1 {
		return sdkmath.NewInt(d.after), nil
	}
	return d.Fake.GetTotalAssets(ctx)
}

func TestRecoverRebuildsGuardFromReceipts(t *testing.T) {
	h := newHarness(t, options{})
	h.provider.set(healthySnapshot(aaveVenue, snapshotTime))
	h.vault.SetChainStatus(types.ChainPending)
	ctx := context.Background()

	first, err := h.orch.RunCycle(ctx, types.TickSlow)
	require.NoError(t, err)
	id := first.Decisions[0].ID

	restarted := h.newOrchestrator(t)
	require.NoError(t, restarted.Recover(ctx))
	status, held := restarted.flight.Status()
	require.True(t, held, "guard must not be assumed free after restart")
	assert.Equal(t, id, status.DecisionID)
	assert.Equal(t, types.ActionIncreaseAllocation, status.Action)

	h.vault.ResolveAll(types.ChainConfirmed)
	_, err = restarted.RunCycle(ctx, types.TickFast)
	require.NoError(t, err)
	_, held = restarted.flight.Status()
	assert.False(t, held)

	rec, err := h.store.GetDecision(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptConfirmed, rec.Status)
	assert.Len(t, h.vault.Submitted(), 1)
}

func TestRecoverHoldsGuardForUnknownDecision(t *testing.T) {
	h := newHarness(t, options{})
	h.provider.set(healthySnapshot(aaveVenue, snapshotTime))
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, h.store.InsertReceipt(ctx, types.ExecutionReceipt{
		DecisionID: "orphan",
		Attempt:    1,
		Status:     types.ReceiptSubmitted,
		TxRef:      "0xdead",
		StrategyID: types.StrategyAaveLending,
		Kind:       types.CommandAllocate,
		Amount:     sdkmath.NewInt(5),
		CreatedAt:  now,
		UpdatedAt:  now,
	}))

	require.NoError(t, h.orch.Recover(ctx))
	status, held := h.orch.flight.Status()
	require.True(t, held)
	assert.Equal(t, "orphan", status.DecisionID)

	report, err := h.orch.RunCycle(ctx, types.TickSlow)
	require.NoError(t, err)
	assert.Len(t, report.Deferred, 1)
	assert.Empty(t, h.vault.Submitted())
}

func TestRecoverWithNothingInFlight(t *testing.T) {
	h := newHarness(t, options{})
	require.NoError(t, h.orch.Recover(context.Background()))
	assert.Nil(t, h.orch.Status().InFlight)
}

// cancelOnBroadcast cancels the loop context the moment a command is broadcast.
type cancelOnBroadcast struct {
	*vaulttest.Fake
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelOnBroadcast) Broadcast(ctx context.Context, signed types.SignedCommand) error {
	c.once.Do(c.cancel)
	return c.Fake.Broadcast(ctx, signed)
}

// stalledReads never answers a total assets read before the caller gives up.
type stalledReads struct {
	*vaulttest.Fake
}

func (s stalledReads) GetTotalAssets(ctx context.Context) (sdkmath.Int, error) {
	<-ctx.Done()
	return sdkmath.Int{}, ctx.Err()
}

func TestCancellationLetsInFlightExecutionFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, options{})
	h.provider.set(healthySnapshot(aaveVenue, snapshotTime))
	h.vault.SetSubmitDelay(20 * time.Millisecond)
	h.opts.vault = &cancelOnBroadcast{Fake: h.vault, cancel: cancel}
	h.orch = h.newOrchestrator(t)

	report, err := h.orch.RunCycle(ctx, types.TickSlow)
	require.NoError(t, err)
	require.Error(t, ctx.Err())
	require.Len(t, report.Executed, 1)
	assert.Equal(t, types.ReceiptConfirmed, report.Executed[0].Status)

	rec, err := h.store.GetDecision(context.Background(), report.Decisions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptConfirmed, rec.Status)
}

func TestShutdownGraceBoundsExecution(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, options{grace: 5 * time.Millisecond})
	h.provider.set(healthySnapshot(aaveVenue, snapshotTime))
	h.vault.SetSubmitDelay(2 * time.Second)
	h.opts.vault = &cancelOnBroadcast{Fake: h.vault, cancel: cancel}
	h.orch = h.newOrchestrator(t)

	start := time.Now()
	report, err := h.orch.RunCycle(ctx, types.TickSlow)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, report.Executed, 1)
	assert.Equal(t, types.ReceiptTimedOut, report.Executed[0].Status)

	receipts, err := h.store.ReceiptsForDecision(context.Background(), report.Decisions[0].ID)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, types.ReceiptTimedOut, receipts[0].Status)
	_, held := h.orch.flight.Status()
	assert.False(t, held)
}

func TestRunLoopRunsBothTicksAndStops(t *testing.T) {
	h := newHarness(t, options{})
	h.provider.set(healthySnapshot(aaveVenue, snapshotTime))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.orch.RunLoop(ctx)
		close(done)
	}()
	time.Sleep(80 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("RunLoop did not stop after cancellation")
	}
	assert.GreaterOrEqual(t, testutil.ToFloat64(h.metrics.Cycles.WithLabelValues("slow", "ok")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(h.metrics.Cycles.WithLabelValues("fast", "ok")), 1.0)
	assert.Len(t, h.vault.Submitted(), 1, "re-evaluating an unchanged snapshot never resubmits")

	n, err := h.store.GetCurrentCycleNumber(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)
}

func TestNewOrchestratorValidatesConfig(t *testing.T) {
	_, err := NewOrchestrator(Config{})
	require.Error(t, err)
}

func TestGraceContextOutlivesParent(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := graceContext(parent, 20*time.Millisecond)
	defer stop()

	cancel()
	select {
	case <-ctx.Done():
		t.Fatal("grace context cancelled with its parent")
	case <-time.After(5 * time.Millisecond):
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("grace context never expired")
	}
}
