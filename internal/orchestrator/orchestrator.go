/*

This file contains the orchestrator: the control loop tying collection, evaluation
and execution together. Every cycle walks Idle, Collecting, Evaluating, Authorizing,
Executing and Recording and always ends back in Idle.

Two tick rates share one single-flight guard. Fast ticks check for emergencies,
reinvest pending rewards worth their gas and drive an in-flight decision to its
terminal status. Slow ticks run the full
rebalance and record knowledge patterns.

*/

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/elys-network/supervault/internal/analyzer"
	"github.com/elys-network/supervault/internal/datafetcher"
	"github.com/elys-network/supervault/internal/logger"
	"github.com/elys-network/supervault/internal/metrics"
	"github.com/elys-network/supervault/internal/notify"
	"github.com/elys-network/supervault/internal/retry"
	"github.com/elys-network/supervault/internal/state"
	"github.com/elys-network/supervault/internal/types"
	"github.com/elys-network/supervault/internal/utils"
	"github.com/elys-network/supervault/internal/vault"
)

const (
	statusRefused     = "REFUSED"
	defaultRPCTimeout = 30 * time.Second
)

// Evaluator produces decisions. *analyzer.Evaluator implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, in analyzer.EvaluationInput) (analyzer.Evaluation, error)
	EvaluateFast(ctx context.Context, in analyzer.EvaluationInput) (analyzer.Evaluation, error)
}

// PatternRecorder appends snapshots to the knowledge log. *knowledge.Store implements it.
type PatternRecorder interface {
	Record(ctx context.Context, snapshot types.MarketSnapshot) (types.KnowledgePattern, error)
	RecordOutcome(ctx context.Context, patternID string, outcome types.Outcome) error
}

// DecisionExecutor carries out decisions. *executor.Executor implements it.
type DecisionExecutor interface {
	Execute(ctx context.Context, decision types.StrategyDecision) (types.ExecutionResult, error)
	Poll(ctx context.Context, decisionID string) (types.ExecutionResult, error)
	Reconcile(ctx context.Context) ([]string, error)
}

// DecisionLog persists decisions and the cycle counter. *state.Store implements it.
type DecisionLog interface {
	SaveDecision(ctx context.Context, rec types.DecisionRecord) (bool, error)
	UpdateDecisionStatus(ctx context.Context, decisionID string, status types.ReceiptStatus) error
	MarkAuthorized(ctx context.Context, decisionID string) error
	GetDecision(ctx context.Context, decisionID string) (types.DecisionRecord, error)
	IncrementCycleNumber(ctx context.Context) (int, error)
}

// Config holds the orchestrator dependencies. Knowledge, Notifier and Metrics are optional.
type Config struct {
	Provider   datafetcher.MarketDataProvider
	Vault      vault.VaultClient
	Strategies *types.StrategyRegistry
	Evaluator  Evaluator
	Knowledge  PatternRecorder
	Executor   DecisionExecutor
	Decisions  DecisionLog
	Notifier   notify.Notifier
	Metrics    *metrics.Metrics

	FastInterval    time.Duration
	SlowInterval    time.Duration
	SnapshotTimeout time.Duration // Per venue
	ShutdownGrace   time.Duration // How long an in-flight execution may outlive cancellation
	FetchPolicy     retry.Policy  // Vault reads; zero value uses retry.DefaultFetchPolicy
	RPCTimeout      time.Duration // Bound on each vault read attempt; zero means 30s
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	Number    int
	Tick      types.TickKind
	Decisions []types.StrategyDecision
	Executed  []types.ExecutionResult
	Deferred  []string
	Degraded  []types.VenueID
	Emergency bool
}

// Status is what the status API shows about the loop.
type Status struct {
	InFlight *FlightStatus                  `json:"in_flight"`
	Phases   map[types.TickKind]types.Phase `json:"phases"`
}

type Orchestrator struct {
	provider   datafetcher.MarketDataProvider
	vault      vault.VaultClient
	strategies *types.StrategyRegistry
	evaluator  Evaluator
	knowledge  PatternRecorder
	executor   DecisionExecutor
	decisions  DecisionLog
	notifier   notify.Notifier
	metrics    *metrics.Metrics

	fastInterval    time.Duration
	slowInterval    time.Duration
	snapshotTimeout time.Duration
	shutdownGrace   time.Duration
	fetchPolicy     retry.Policy
	rpcTimeout      time.Duration

	flight  Flight
	logger  zerolog.Logger
	phaseMu sync.Mutex
	phases  map[types.TickKind]types.Phase

	backlogMu sync.Mutex
	backlog   []types.StrategyDecision // Recovered decisions waiting for the guard
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("orchestrator configuration validation failed: %w", err)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.FetchPolicy.MaxAttempts == 0 {
		cfg.FetchPolicy = retry.DefaultFetchPolicy()
	}
	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = defaultRPCTimeout
	}

	o := &Orchestrator{
		provider:        cfg.Provider,
		vault:           cfg.Vault,
		strategies:      cfg.Strategies,
		evaluator:       cfg.Evaluator,
		knowledge:       cfg.Knowledge,
		executor:        cfg.Executor,
		decisions:       cfg.Decisions,
		notifier:        cfg.Notifier,
		metrics:         cfg.Metrics,
		fastInterval:    cfg.FastInterval,
		slowInterval:    cfg.SlowInterval,
		snapshotTimeout: cfg.SnapshotTimeout,
		shutdownGrace:   cfg.ShutdownGrace,
		fetchPolicy:     cfg.FetchPolicy,
		rpcTimeout:      cfg.RPCTimeout,
		logger:          logger.GetForComponent("orchestrator"),
		phases: map[types.TickKind]types.Phase{
			types.TickFast: types.PhaseIdle,
			types.TickSlow: types.PhaseIdle,
		},
	}

	o.logger.Info().
		Dur("fastInterval", o.fastInterval).
		Dur("slowInterval", o.slowInterval).
		Dur("shutdownGrace", o.shutdownGrace).
		Int("venues", len(o.venues())).
		Msg("Orchestrator created")
	return o, nil
}

func validateConfig(cfg Config) error {
	if cfg.Provider == nil {
		return fmt.Errorf("market data provider cannot be nil")
	}
	if cfg.Vault == nil {
		return fmt.Errorf("vault client cannot be nil")
	}
	if cfg.Strategies == nil {
		return fmt.Errorf("strategy registry cannot be nil")
	}
	if cfg.Evaluator == nil {
		return fmt.Errorf("evaluator cannot be nil")
	}
	if cfg.Executor == nil {
		return fmt.Errorf("executor cannot be nil")
	}
	if cfg.Decisions == nil {
		return fmt.Errorf("decision log cannot be nil")
	}
	if cfg.FastInterval <= 0 || cfg.SlowInterval <= 0 {
		return fmt.Errorf("tick intervals must be positive")
	}
	if cfg.SnapshotTimeout <= 0 {
		return fmt.Errorf("snapshot timeout must be positive")
	}
	if cfg.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdown grace must be positive")
	}
	if cfg.RPCTimeout < 0 {
		return fmt.Errorf("RPC timeout cannot be negative")
	}
	return nil
}

// Status reports the single-flight holder and the phase of each tick kind.
func (o *Orchestrator) Status() Status {
	s := Status{Phases: make(map[types.TickKind]types.Phase, 2)}
	if f, ok := o.flight.Status(); ok {
		s.InFlight = &f
	}
	o.phaseMu.Lock()
	for k, p := range o.phases {
		s.Phases[k] = p
	}
	o.phaseMu.Unlock()
	return s
}

func (o *Orchestrator) setPhase(kind types.TickKind, p types.Phase) {
	o.phaseMu.Lock()
	o.phases[kind] = p
	o.phaseMu.Unlock()
}

// Recover rebuilds the single-flight guard from persisted receipts. It must run
// before the first cycle: the guard is never assumed free after a restart.
func (o *Orchestrator) Recover(ctx context.Context) error {
	pending, err := o.executor.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile receipts: %w", err)
	}
	if len(pending) == 0 {
		o.logger.Info().Msg("No execution in flight after restart")
		return nil
	}
	if len(pending) > 1 {
		o.logger.Error().Strs("decisions", pending).Msg("More than one decision in flight after restart, resolving them one at a time")
	}

	recovered := make([]types.StrategyDecision, 0, len(pending))
	for _, id := range pending {
		d := types.StrategyDecision{ID: id}
		rec, err := o.decisions.GetDecision(ctx, id)
		if err != nil {
			o.logger.Warn().Err(err).Str("decision_id", id).Msg("Decision record unavailable, in-flight receipts will only be polled")
		} else {
			d = rec.StrategyDecision
		}
		recovered = append(recovered, d)
	}

	o.backlogMu.Lock()
	o.backlog = append(o.backlog, recovered...)
	o.backlogMu.Unlock()
	o.adoptBacklog()
	return nil
}

// adoptBacklog hands the guard to the next recovered decision, parked so a tick resumes it.
func (o *Orchestrator) adoptBacklog() {
	o.backlogMu.Lock()
	defer o.backlogMu.Unlock()
	if len(o.backlog) == 0 {
		return
	}
	next := o.backlog[0]
	if !o.flight.TryAcquire(next) {
		return
	}
	o.backlog = o.backlog[1:]
	o.flight.Park(next.ID)
	o.metrics.SetInFlight(true)
	o.logger.Warn().Str("decision_id", next.ID).Msg("Single-flight guard held by recovered decision")
}

// RunLoop runs a slow cycle immediately and then both tickers until ctx is cancelled.
// Each tick kind never overlaps itself. On cancellation no new cycle starts and
// RunLoop waits for running cycles, whose executions are bounded by the shutdown grace.
func (o *Orchestrator) RunLoop(ctx context.Context) {
	o.logger.Info().
		Dur("fastInterval", o.fastInterval).
		Dur("slowInterval", o.slowInterval).
		Msg("Starting strategist main loop")

	fast := time.NewTicker(o.fastInterval)
	defer fast.Stop()
	slow := time.NewTicker(o.slowInterval)
	defer slow.Stop()

	var wg sync.WaitGroup
	var fastBusy, slowBusy atomic.Bool
	launch := func(kind types.TickKind, busy *atomic.Bool) {
		if ctx.Err() != nil {
			return
		}
		if !busy.CompareAndSwap(false, true) {
			o.logger.Debug().Str("tick", string(kind)).Msg("Previous cycle still running, skipping tick")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer busy.Store(false)
			if _, err := o.RunCycle(ctx, kind); err != nil {
				o.logger.Error().Err(err).Str("tick", string(kind)).Msg("Cycle aborted")
			}
		}()
	}

	launch(types.TickSlow, &slowBusy)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info().Msg("Main loop stopping, waiting for running cycles")
			wg.Wait()
			if f, ok := o.flight.Status(); ok {
				o.logger.Warn().Str("decision_id", f.DecisionID).Msg("Decision still awaiting confirmation at shutdown, it will be reconciled on restart")
			}
			o.logger.Info().Msg("Main loop stopped")
			return
		case <-fast.C:
			launch(types.TickFast, &fastBusy)
		case <-slow.C:
			launch(types.TickSlow, &slowBusy)
		}
	}
}

// RunCycle runs one cycle of the given kind. An error means the cycle was aborted
// before evaluation; nothing was executed and the next tick starts afresh.
func (o *Orchestrator) RunCycle(ctx context.Context, kind types.TickKind) (CycleReport, error) {
	start := time.Now()
	report := CycleReport{Tick: kind}
	outcome := "aborted"
	defer func() {
		o.setPhase(kind, types.PhaseIdle)
		o.metrics.ObserveCycle(kind, outcome, time.Since(start).Seconds())
	}()

	number, err := o.decisions.IncrementCycleNumber(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to advance cycle counter: %w", err)
	}
	report.Number = number
	cycleLogger := o.logger.With().
		Int("cycle", number).
		Str("tick", string(kind)).
		Str("cycle_id", uuid.NewString()).
		Logger()
	cycleLogger.Info().Msg("--- Starting cycle ---")

	// A confirmation seen here frees the guard for this cycle's decisions.
	o.resumeInFlight(ctx, number, cycleLogger)

	// --- Collecting ---
	o.setPhase(kind, types.PhaseCollecting)
	in, fetchErrs, err := o.collect(ctx, cycleLogger)
	if err != nil {
		return report, err
	}
	if kind == types.TickSlow {
		in.PatternIDs = o.recordPatterns(ctx, in.Snapshots, cycleLogger)
	}

	// --- Evaluating ---
	o.setPhase(kind, types.PhaseEvaluating)
	var eval analyzer.Evaluation
	if kind == types.TickSlow {
		eval, err = o.evaluator.Evaluate(ctx, in)
	} else {
		eval, err = o.evaluator.EvaluateFast(ctx, in)
	}
	if err != nil {
		return report, fmt.Errorf("evaluation failed: %w", err)
	}
	report.Decisions = eval.Decisions
	report.Emergency = eval.Emergency

	for venue, c := range eval.Confidence {
		o.metrics.SetConfidence(venue, c)
	}
	for venue, derr := range eval.Degraded {
		if ferr, ok := fetchErrs[venue]; ok {
			derr = ferr
		}
		report.Degraded = append(report.Degraded, venue)
		o.metrics.ObserveSnapshotFailure(venue)
		o.notify(ctx, notify.Event{
			Kind:   notify.EventCycleDegraded,
			At:     time.Now().UTC(),
			Cycle:  number,
			Venue:  venue,
			Detail: derr.Error(),
		})
	}
	for _, d := range eval.Decisions {
		o.metrics.ObserveDecision(d.Action)
		if d.Action == types.ActionEmergencyWithdraw {
			o.notify(ctx, notify.DecisionEvent(notify.EventEmergencyTriggered, number, d))
		}
		if !d.IsExecutable() {
			o.saveDecision(ctx, number, kind, d, false, cycleLogger)
			o.notify(ctx, notify.DecisionEvent(notify.EventDecisionMade, number, d))
		}
	}

	// --- Authorizing / Executing / Recording ---
	for _, d := range eval.Executable() {
		o.setPhase(kind, types.PhaseAuthorizing)
		if ctx.Err() != nil || !o.flight.TryAcquire(d) {
			o.deferDecision(ctx, number, kind, d, cycleLogger)
			report.Deferred = append(report.Deferred, d.ID)
			continue
		}
		o.metrics.SetInFlight(true)
		o.saveDecision(ctx, number, kind, d, false, cycleLogger)
		o.notify(ctx, notify.DecisionEvent(notify.EventDecisionMade, number, d))

		o.setPhase(kind, types.PhaseExecuting)
		result, execErr := o.execute(ctx, d)
		report.Executed = append(report.Executed, result)

		o.setPhase(kind, types.PhaseRecording)
		o.settle(ctx, number, d, result, execErr, cycleLogger)
	}

	o.setPhase(kind, types.PhaseRecording)
	outcome = "ok"
	cycleLogger.Info().
		Int("decisions", len(report.Decisions)).
		Int("executed", len(report.Executed)).
		Int("deferred", len(report.Deferred)).
		Int("degraded", len(report.Degraded)).
		Bool("emergency", report.Emergency).
		Dur("duration", time.Since(start)).
		Msg("--- Cycle complete ---")
	return report, nil
}

// collect reads every venue concurrently plus the vault state. A venue that cannot
// be read is left out of the snapshots and degrades to Hold in evaluation; failing
// to read the vault aborts the cycle.
func (o *Orchestrator) collect(ctx context.Context, cycleLogger zerolog.Logger) (analyzer.EvaluationInput, map[types.VenueID]error, error) {
	venues := o.venues()
	snapshots := make(map[types.VenueID]types.MarketSnapshot, len(venues))
	fetchErrs := make(map[types.VenueID]error)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, venue := range venues {
		venue := venue
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapCtx, cancel := context.WithTimeout(ctx, o.snapshotTimeout)
			defer cancel()
			s, err := o.provider.GetSnapshot(snapCtx, venue)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fetchErrs[venue] = err
				cycleLogger.Warn().Err(err).Str("venue", string(venue)).Msg("Snapshot unavailable, venue will hold")
				return
			}
			snapshots[venue] = s
		}()
	}
	wg.Wait()

	total, err := o.totalAssets(ctx)
	if err != nil {
		return analyzer.EvaluationInput{}, nil, fmt.Errorf("failed to read vault total assets: %w", err)
	}

	var positions []types.Position
	if _, err := o.fetchPolicy.Do(ctx, func(ctx context.Context, _ int) error {
		callCtx, cancel := context.WithTimeout(ctx, o.rpcTimeout)
		defer cancel()
		var err error
		positions, err = vault.Positions(callCtx, o.vault, o.strategies)
		return err
	}); err != nil {
		return analyzer.EvaluationInput{}, nil, fmt.Errorf("failed to read vault positions: %w", err)
	}

	cycleLogger.Info().
		Int("venues", len(venues)).
		Int("snapshots", len(snapshots)).
		Str("totalAssets", total.String()).
		Msg("Collection complete")
	return analyzer.EvaluationInput{
		Snapshots:   snapshots,
		Positions:   positions,
		TotalAssets: total,
	}, fetchErrs, nil
}

// totalAssets reads vault total assets under the fetch policy, each attempt bounded by the RPC timeout.
func (o *Orchestrator) totalAssets(ctx context.Context) (sdkmath.Int, error) {
	var total sdkmath.Int
	_, err := o.fetchPolicy.Do(ctx, func(ctx context.Context, _ int) error {
		callCtx, cancel := context.WithTimeout(ctx, o.rpcTimeout)
		defer cancel()
		var err error
		total, err = o.vault.GetTotalAssets(callCtx)
		return err
	})
	return total, err
}

func (o *Orchestrator) venues() []types.VenueID {
	seen := make(map[types.VenueID]bool)
	var out []types.VenueID
	for _, v := range o.strategies.Venues() {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// recordPatterns appends a pending pattern per complete snapshot and returns their ids.
func (o *Orchestrator) recordPatterns(ctx context.Context, snapshots map[types.VenueID]types.MarketSnapshot, cycleLogger zerolog.Logger) map[types.VenueID]string {
	ids := make(map[types.VenueID]string, len(snapshots))
	if o.knowledge == nil {
		return ids
	}
	for venue, s := range snapshots {
		if s.Validate() != nil {
			continue
		}
		p, err := o.knowledge.Record(ctx, s)
		if err != nil {
			cycleLogger.Warn().Err(err).Str("venue", string(venue)).Msg("Failed to record knowledge pattern")
			continue
		}
		ids[venue] = p.ID
	}
	return ids
}

// execute runs a decision on a context that survives cancellation of ctx for the shutdown grace.
func (o *Orchestrator) execute(ctx context.Context, d types.StrategyDecision) (types.ExecutionResult, error) {
	execCtx, cancel := graceContext(ctx, o.shutdownGrace)
	defer cancel()
	return o.executor.Execute(execCtx, d)
}

// resumeInFlight drives a parked decision forward. Only one caller resumes at a time.
func (o *Orchestrator) resumeInFlight(ctx context.Context, cycle int, cycleLogger zerolog.Logger) {
	d, ok := o.flight.TryResume()
	if !ok {
		return
	}
	resumeLogger := cycleLogger.With().Str("decision_id", d.ID).Logger()
	resumeLogger.Info().Msg("Resuming in-flight decision")

	var result types.ExecutionResult
	var err error
	if d.Action == "" {
		execCtx, cancel := graceContext(ctx, o.shutdownGrace)
		result, err = o.executor.Poll(execCtx, d.ID)
		cancel()
	} else {
		result, err = o.execute(ctx, d)
	}
	o.settle(ctx, cycle, d, result, err, resumeLogger)
}

// settle releases or parks the guard and records the outcome of an execution.
func (o *Orchestrator) settle(ctx context.Context, cycle int, d types.StrategyDecision, result types.ExecutionResult, execErr error, cycleLogger zerolog.Logger) {
	if result.Status == types.ReceiptSubmitted && len(result.Receipts) > 0 {
		o.flight.Park(d.ID)
		ev := cycleLogger.Info()
		if execErr != nil {
			ev = cycleLogger.Warn().Err(execErr)
		}
		ev.Str("decision_id", d.ID).Msg("Decision awaiting confirmation, guard stays held")
		return
	}

	o.flight.Release(d.ID)
	o.metrics.SetInFlight(false)
	defer o.adoptBacklog()

	// Resolution is recorded even when the loop is shutting down.
	recCtx := context.WithoutCancel(ctx)

	if len(result.Receipts) == 0 {
		o.metrics.Executions.WithLabelValues(statusRefused).Inc()
		cycleLogger.Warn().Err(execErr).Str("decision_id", d.ID).Msg("Decision not executed")
		e := notify.ResultEvent(cycle, d, result, execErr)
		e.Status = statusRefused
		o.notify(recCtx, e)
		return
	}

	status := result.Status
	o.metrics.ObserveExecution(status)
	if err := o.decisions.UpdateDecisionStatus(recCtx, d.ID, status); err != nil {
		cycleLogger.Warn().Err(err).Str("decision_id", d.ID).Msg("Failed to update decision status")
	}
	ev := cycleLogger.Info()
	if execErr != nil {
		ev = cycleLogger.Error().Err(execErr)
	}
	ev.Str("decision_id", d.ID).
		Str("strategy", d.StrategyID.String()).
		Str("action", string(d.Action)).
		Str("status", string(status)).
		Int("receipts", len(result.Receipts)).
		Msg("Execution resolved")
	o.notify(recCtx, notify.ResultEvent(cycle, d, result, execErr))
	o.recordOutcome(recCtx, d, status, cycleLogger)
}

// recordOutcome back-fills the knowledge pattern behind d with the relative change
// in vault total assets since the decision was made.
func (o *Orchestrator) recordOutcome(ctx context.Context, d types.StrategyDecision, status types.ReceiptStatus, cycleLogger zerolog.Logger) {
	if o.knowledge == nil || d.PatternID == "" {
		return
	}
	var delta float64
	if !d.TotalAssets.IsNil() && d.TotalAssets.IsPositive() {
		current, err := o.totalAssets(ctx)
		if err != nil {
			cycleLogger.Warn().Err(err).Str("decision_id", d.ID).Msg("Cannot measure outcome, leaving pattern pending")
			return
		}
		delta = utils.Ratio(current.Sub(d.TotalAssets), d.TotalAssets)
	}
	outcome := types.Outcome{
		Success:       status == types.ReceiptConfirmed,
		RealizedDelta: delta,
		ResolvedAt:    time.Now().UTC(),
	}
	err := o.knowledge.RecordOutcome(ctx, d.PatternID, outcome)
	switch {
	case errors.Is(err, state.ErrOutcomeAlreadyRecorded):
		// Several decisions can share the pattern of one venue.
		cycleLogger.Debug().Str("pattern_id", d.PatternID).Msg("Pattern outcome already recorded")
	case err != nil:
		cycleLogger.Warn().Err(err).Str("pattern_id", d.PatternID).Msg("Failed to record pattern outcome")
	}
}

// deferDecision records a decision that could not be authorized because another one holds the guard.
func (o *Orchestrator) deferDecision(ctx context.Context, cycle int, kind types.TickKind, d types.StrategyDecision, cycleLogger zerolog.Logger) {
	o.metrics.Deferrals.Inc()
	holder := ""
	if f, ok := o.flight.Status(); ok {
		holder = f.DecisionID
	}
	cycleLogger.Warn().
		Str("decision_id", d.ID).
		Str("strategy", d.StrategyID.String()).
		Str("action", string(d.Action)).
		Str("amount", d.Amount.String()).
		Str("in_flight", holder).
		Msg("Execution in flight, decision deferred to next tick")
	o.saveDecision(ctx, cycle, kind, d, true, cycleLogger)
	e := notify.DecisionEvent(notify.EventDecisionDeferred, cycle, d)
	if holder != "" {
		e.Detail = "in flight: " + holder
	}
	o.notify(ctx, e)
}

// saveDecision logs d. The first write wins, except that a decision logged as
// deferred loses the flag once it is saved as authorized.
func (o *Orchestrator) saveDecision(ctx context.Context, cycle int, kind types.TickKind, d types.StrategyDecision, deferred bool, cycleLogger zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	rec := types.DecisionRecord{StrategyDecision: d, CycleNumber: cycle, Tick: kind, Deferred: deferred}
	inserted, err := o.decisions.SaveDecision(ctx, rec)
	if err != nil {
		cycleLogger.Error().Err(err).Str("decision_id", d.ID).Msg("Failed to persist decision")
		return
	}
	if inserted || deferred || !d.IsExecutable() {
		return
	}
	if err := o.decisions.MarkAuthorized(ctx, d.ID); err != nil {
		cycleLogger.Warn().Err(err).Str("decision_id", d.ID).Msg("Failed to clear deferred flag")
	}
}

func (o *Orchestrator) notify(ctx context.Context, e notify.Event) {
	if err := o.notifier.Notify(ctx, e); err != nil {
		o.logger.Warn().Err(err).Str("kind", string(e.Kind)).Msg("Notification failed")
	}
}

// graceContext returns a context that ignores cancellation of parent for up to grace.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, func() {
		stop()
		cancel()
	}
}
