/*

This file contains the allocation executor. It turns one decision into vault
commands and drives them to a persisted outcome. Each leg is signed once and its
transaction reference is written to the receipt log as Submitted before anything
is broadcast, so a restart can always tell what may have been sent. Retries
rebroadcast the same signed transaction, never a new one.

*/

package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/elys-network/supervault/internal/logger"
	"github.com/elys-network/supervault/internal/planner"
	"github.com/elys-network/supervault/internal/retry"
	"github.com/elys-network/supervault/internal/state"
	"github.com/elys-network/supervault/internal/types"
	"github.com/elys-network/supervault/internal/utils"
	"github.com/elys-network/supervault/internal/vault"
)

var (
	ErrStaleDecision = errors.New("decision is stale")
	ErrReverted      = errors.New("command reverted")
	ErrTimedOut      = errors.New("command was not accepted within the attempt ceiling")
	ErrUnrecorded    = errors.New("broadcast outcome could not be recorded")
)

const defaultRPCTimeout = 30 * time.Second

// StaleDecisionError is returned when total assets moved too far between evaluation and execution.
type StaleDecisionError struct {
	DecisionID string
	Expected   sdkmath.Int
	Actual     sdkmath.Int
	Drift      float64
	Tolerance  float64
}

func (e *StaleDecisionError) Error() string {
	return fmt.Sprintf("decision %s is stale: total assets %s at evaluation, %s now (drift %.4f > %.4f)",
		e.DecisionID, e.Expected, e.Actual, e.Drift, e.Tolerance)
}

func (e *StaleDecisionError) Is(target error) bool { return target == ErrStaleDecision }

// ReceiptLog is the durable record of execution attempts. *state.Store implements it.
type ReceiptLog interface {
	InsertReceipt(ctx context.Context, r types.ExecutionReceipt) error
	UpdateReceiptStatus(ctx context.Context, decisionID string, leg, attempt int, status types.ReceiptStatus, errMsg string, at time.Time) error
	ReceiptsForDecision(ctx context.Context, decisionID string) ([]types.ExecutionReceipt, error)
	ReceiptsByStatus(ctx context.Context, status types.ReceiptStatus) ([]types.ExecutionReceipt, error)
}

// Config holds the executor dependencies.
type Config struct {
	Vault          vault.VaultClient
	Receipts       ReceiptLog
	Strategies     *types.StrategyRegistry
	Parameters     types.StrategyParameters
	SubmitPolicy   retry.Policy
	PollPolicy     retry.Policy
	ConfirmTimeout time.Duration // How long Execute waits for a confirmation before leaving the command in flight
	FetchPolicy    retry.Policy  // Total asset re-reads; zero value means retry.DefaultFetchPolicy
	RPCTimeout     time.Duration // Bound on each vault call; zero means 30s
}

// Executor submits decisions to the vault.
type Executor struct {
	vault          vault.VaultClient
	receipts       ReceiptLog
	strategies     *types.StrategyRegistry
	params         types.StrategyParameters
	submitPolicy   retry.Policy
	pollPolicy     retry.Policy
	fetchPolicy    retry.Policy
	confirmTimeout time.Duration
	rpcTimeout     time.Duration
	logger         zerolog.Logger
	now            func() time.Time

	slotMu    sync.Mutex
	slotLocks map[types.StrategyID]*sync.Mutex
	// Held by every command that mutates allocation state.
	vaultLock sync.Mutex
}

func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Vault == nil {
		return nil, errors.New("vault client cannot be nil")
	}
	if cfg.Receipts == nil {
		return nil, errors.New("receipt log cannot be nil")
	}
	if cfg.Strategies == nil {
		return nil, errors.New("strategy registry cannot be nil")
	}
	if err := cfg.Parameters.Validate(); err != nil {
		return nil, fmt.Errorf("invalid strategy parameters: %w", err)
	}
	if err := cfg.SubmitPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("submit policy: %w", err)
	}
	if err := cfg.PollPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("poll policy: %w", err)
	}
	if cfg.ConfirmTimeout <= 0 {
		return nil, errors.New("confirm timeout must be positive")
	}
	if cfg.FetchPolicy == (retry.Policy{}) {
		cfg.FetchPolicy = retry.DefaultFetchPolicy()
	}
	if err := cfg.FetchPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("fetch policy: %w", err)
	}
	if cfg.RPCTimeout < 0 {
		return nil, errors.New("RPC timeout cannot be negative")
	}
	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = defaultRPCTimeout
	}
	return &Executor{
		vault:          cfg.Vault,
		receipts:       cfg.Receipts,
		strategies:     cfg.Strategies,
		params:         cfg.Parameters,
		submitPolicy:   cfg.SubmitPolicy,
		pollPolicy:     cfg.PollPolicy,
		fetchPolicy:    cfg.FetchPolicy,
		confirmTimeout: cfg.ConfirmTimeout,
		rpcTimeout:     cfg.RPCTimeout,
		logger:         logger.GetForComponent("allocation_executor"),
		now:            time.Now,
		slotLocks:      make(map[types.StrategyID]*sync.Mutex),
	}, nil
}

// call runs one vault request under the RPC timeout.
func (e *Executor) call(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, e.rpcTimeout)
	defer cancel()
	return fn(callCtx)
}

func (e *Executor) slotLock(id types.StrategyID) *sync.Mutex {
	e.slotMu.Lock()
	defer e.slotMu.Unlock()
	l, ok := e.slotLocks[id]
	if !ok {
		l = &sync.Mutex{}
		e.slotLocks[id] = l
	}
	return l
}

// Execute carries out a decision. Calling it again for the same decision never
// submits a leg twice: legs still in flight are polled, resolved legs are reported
// from the receipt log, and only legs without any receipt are submitted.
//
// A result with status Submitted and a nil error means a command is still awaiting
// confirmation; call Execute or Poll again later.
func (e *Executor) Execute(ctx context.Context, decision types.StrategyDecision) (types.ExecutionResult, error) {
	result := types.ExecutionResult{DecisionID: decision.ID}
	execLogger := e.logger.With().
		Str("decision_id", decision.ID).
		Str("strategy", decision.StrategyID.String()).
		Str("action", string(decision.Action)).
		Str("amount", decision.Amount.String()).
		Logger()

	commands, err := planner.BuildCommands(decision, e.strategies, e.params)
	if err != nil {
		return result, fmt.Errorf("cannot plan decision %s: %w", decision.ID, err)
	}

	slot := e.slotLock(decision.StrategyID)
	slot.Lock()
	defer slot.Unlock()
	if decision.Action.MutatesAllocation() {
		e.vaultLock.Lock()
		defer e.vaultLock.Unlock()
	}

	latest, err := e.resolveInFlight(ctx, decision.ID)
	if err != nil {
		return result, err
	}
	done := make(map[int]bool, len(latest))
	for _, r := range latest {
		done[r.Leg] = true
	}
	result.Receipts = latest
	result.Status = types.AggregateStatus(latest)

	if len(latest) > 0 {
		switch result.Status {
		case types.ReceiptSubmitted:
			execLogger.Info().Msg("Decision already in flight, not resubmitting")
			return result, nil
		case types.ReceiptReverted, types.ReceiptTimedOut:
			execLogger.Info().Str("status", string(result.Status)).Msg("Decision already resolved")
			return result, statusError(result)
		}
		if len(latest) == len(commands) {
			execLogger.Info().Msg("Decision already confirmed")
			return result, nil
		}
		execLogger.Info().Int("confirmedLegs", len(latest)).Int("legs", len(commands)).Msg("Resuming partially executed decision")
	}

	if err := e.checkStaleness(ctx, decision); err != nil {
		execLogger.Warn().Err(err).Msg("Execution refused")
		return result, err
	}

	for _, cmd := range commands {
		if done[cmd.Leg] {
			continue
		}
		receipt, err := e.submitLeg(ctx, cmd, execLogger)
		if receipt.Attempt > 0 {
			result.Receipts = append(result.Receipts, receipt)
		}
		if err != nil {
			result.Status = types.AggregateStatus(result.Receipts)
			return result, err
		}

		receipt, err = e.awaitConfirmation(ctx, receipt)
		result.Receipts[len(result.Receipts)-1] = receipt
		if err != nil {
			result.Status = types.AggregateStatus(result.Receipts)
			return result, err
		}
		if receipt.Status == types.ReceiptSubmitted {
			execLogger.Warn().Int("leg", cmd.Leg).Str("tx_ref", receipt.TxRef).Msg("Confirmation still pending, leaving command in flight")
			result.Status = types.ReceiptSubmitted
			return result, nil
		}
		if receipt.Status == types.ReceiptReverted {
			result.Status = types.ReceiptReverted
			return result, statusError(result)
		}
	}

	result.Status = types.AggregateStatus(result.Receipts)
	execLogger.Info().Str("status", string(result.Status)).Int("legs", len(result.Receipts)).Msg("Decision executed")
	return result, statusError(result)
}

// checkStaleness re-reads total assets and refuses to act on a decision sized against a different vault.
func (e *Executor) checkStaleness(ctx context.Context, decision types.StrategyDecision) error {
	if decision.TotalAssets.IsNil() {
		return &StaleDecisionError{DecisionID: decision.ID, Expected: sdkmath.ZeroInt(), Actual: sdkmath.ZeroInt(), Tolerance: e.params.StaleTolerance}
	}
	var current sdkmath.Int
	_, err := e.fetchPolicy.Do(ctx, func(ctx context.Context, _ int) error {
		return e.call(ctx, func(ctx context.Context) error {
			var err error
			current, err = e.vault.GetTotalAssets(ctx)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("failed to re-read total assets: %w", err)
	}
	drift := utils.RelativeDrift(current, decision.TotalAssets)
	if drift > e.params.StaleTolerance {
		return &StaleDecisionError{
			DecisionID: decision.ID,
			Expected:   decision.TotalAssets,
			Actual:     current,
			Drift:      drift,
			Tolerance:  e.params.StaleTolerance,
		}
	}
	return nil
}

// submitLeg signs a command once and broadcasts it under the submit policy. Every
// attempt first persists a Submitted receipt carrying the transaction reference,
// then broadcasts. A failed broadcast downgrades that receipt to TimedOut, or to
// Reverted when the vault rejects the command, which is never retried.
//
// If a failed broadcast cannot be downgraded the receipt stays Submitted and is
// returned with ErrUnrecorded, so the caller keeps treating the leg as in flight.
func (e *Executor) submitLeg(ctx context.Context, cmd types.CommandSpec, execLogger zerolog.Logger) (types.ExecutionReceipt, error) {
	// Receipts are written even when ctx has been cancelled mid-broadcast.
	persistCtx := context.WithoutCancel(ctx)
	var signed types.SignedCommand
	var last types.ExecutionReceipt
	_, err := e.submitPolicy.Do(ctx, func(ctx context.Context, attempt int) error {
		now := e.now().UTC()
		receipt := types.ExecutionReceipt{
			DecisionID: cmd.DecisionID,
			Leg:        cmd.Leg,
			Attempt:    attempt,
			StrategyID: cmd.StrategyID,
			Kind:       cmd.Kind,
			Amount:     cmd.Amount,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		if signed.TxRef == "" {
			signErr := e.call(ctx, func(ctx context.Context) error {
				var err error
				signed, err = e.vault.Sign(ctx, cmd)
				return err
			})
			if signErr != nil {
				signed = types.SignedCommand{}
				receipt.Status = failureStatus(signErr)
				receipt.Error = signErr.Error()
				if err := e.receipts.InsertReceipt(persistCtx, receipt); err != nil {
					return fmt.Errorf("failed to persist receipt: %w", err)
				}
				last = receipt
				execLogger.Warn().Err(signErr).Int("leg", cmd.Leg).Int("attempt", attempt).Msg("Signing failed")
				return signErr
			}
		}

		receipt.Status = types.ReceiptSubmitted
		receipt.TxRef = signed.TxRef
		if err := e.receipts.InsertReceipt(persistCtx, receipt); err != nil {
			// Nothing has been broadcast for this attempt.
			return fmt.Errorf("failed to persist receipt: %w", err)
		}
		last = receipt

		sendErr := e.call(ctx, func(ctx context.Context) error {
			return e.vault.Broadcast(ctx, signed)
		})
		if sendErr == nil {
			execLogger.Info().Int("leg", cmd.Leg).Int("attempt", attempt).Str("tx_ref", signed.TxRef).Msg("Command submitted")
			return nil
		}

		status := failureStatus(sendErr)
		at := e.now().UTC()
		if err := e.receipts.UpdateReceiptStatus(persistCtx, cmd.DecisionID, cmd.Leg, attempt, status, sendErr.Error(), at); err != nil {
			execLogger.Error().Err(err).AnErr("broadcastErr", sendErr).Str("tx_ref", signed.TxRef).Int("leg", cmd.Leg).
				Msg("Failed broadcast could not be recorded, leaving command in flight")
			// The store error is not wrapped so the policy stops here.
			return fmt.Errorf("%w: %s leg %d: %v", ErrUnrecorded, cmd.DecisionID, cmd.Leg, err)
		}
		last.Status = status
		last.Error = sendErr.Error()
		last.UpdatedAt = at
		execLogger.Warn().Err(sendErr).Int("leg", cmd.Leg).Int("attempt", attempt).Str("status", string(status)).Msg("Broadcast attempt failed")
		return sendErr
	})

	switch {
	case err == nil:
		return last, nil
	case last.Status == types.ReceiptReverted:
		return last, fmt.Errorf("%w: decision %s leg %d: %w", ErrReverted, cmd.DecisionID, cmd.Leg, err)
	case last.Status == types.ReceiptTimedOut:
		return last, fmt.Errorf("%w: decision %s leg %d: %w", ErrTimedOut, cmd.DecisionID, cmd.Leg, err)
	default:
		return last, err
	}
}

func failureStatus(err error) types.ReceiptStatus {
	if errors.Is(err, vault.ErrCommandRejected) {
		return types.ReceiptReverted
	}
	return types.ReceiptTimedOut
}

// awaitConfirmation polls the ledger until the command resolves or the confirm
// timeout passes. An unresolved command keeps its Submitted receipt.
func (e *Executor) awaitConfirmation(ctx context.Context, receipt types.ExecutionReceipt) (types.ExecutionReceipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	var status types.ChainStatus
	_, err := e.pollPolicy.Do(waitCtx, func(ctx context.Context, _ int) error {
		err := e.call(ctx, func(ctx context.Context) error {
			var err error
			status, err = e.vault.GetReceipt(ctx, receipt.TxRef)
			return err
		})
		if err != nil {
			return err
		}
		if status == types.ChainPending {
			return retry.Transient(errors.New("transaction pending"))
		}
		return nil
	})
	if err != nil {
		if retry.IsTransient(err) || errors.Is(err, context.Canceled) || errors.Is(err, retry.ErrAttemptsExhausted) {
			return receipt, nil
		}
		return receipt, fmt.Errorf("receipt query for %s failed: %w", receipt.TxRef, err)
	}
	// The caller may be shutting down; the outcome must still be recorded.
	return e.record(context.WithoutCancel(ctx), receipt, status)
}

// record persists the resolution of a Submitted receipt.
func (e *Executor) record(ctx context.Context, receipt types.ExecutionReceipt, status types.ChainStatus) (types.ExecutionReceipt, error) {
	var next types.ReceiptStatus
	var errMsg string
	switch status {
	case types.ChainConfirmed:
		next = types.ReceiptConfirmed
	case types.ChainReverted:
		next = types.ReceiptReverted
		errMsg = "transaction reverted on-chain"
	default:
		return receipt, nil
	}
	at := e.now().UTC()
	err := e.receipts.UpdateReceiptStatus(ctx, receipt.DecisionID, receipt.Leg, receipt.Attempt, next, errMsg, at)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return receipt, fmt.Errorf("failed to record outcome of %s/%d: %w", receipt.DecisionID, receipt.Leg, err)
	}
	// ErrNotFound means a concurrent poll resolved it first.
	receipt.Status = next
	receipt.Error = errMsg
	receipt.UpdatedAt = at

	e.logger.Info().
		Str("decision_id", receipt.DecisionID).
		Int("leg", receipt.Leg).
		Int("attempt", receipt.Attempt).
		Str("tx_ref", receipt.TxRef).
		Str("status", string(next)).
		Msg("Command resolved")
	return receipt, nil
}

// resolveInFlight loads the latest attempt of every leg and checks the ledger once
// for each one still Submitted.
func (e *Executor) resolveInFlight(ctx context.Context, decisionID string) ([]types.ExecutionReceipt, error) {
	all, err := e.receipts.ReceiptsForDecision(ctx, decisionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load receipts for %s: %w", decisionID, err)
	}
	latest := state.LatestAttempts(all)
	for i, r := range latest {
		if r.Status != types.ReceiptSubmitted {
			continue
		}
		var status types.ChainStatus
		err := e.call(ctx, func(ctx context.Context) error {
			var err error
			status, err = e.vault.GetReceipt(ctx, r.TxRef)
			return err
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("decision_id", decisionID).Int("leg", r.Leg).Str("tx_ref", r.TxRef).Msg("Receipt query failed, leaving command in flight")
			continue
		}
		if latest[i], err = e.record(ctx, r, status); err != nil {
			return nil, err
		}
	}
	return latest, nil
}

// Poll checks every in-flight command of a decision once and reports the aggregate.
func (e *Executor) Poll(ctx context.Context, decisionID string) (types.ExecutionResult, error) {
	latest, err := e.resolveInFlight(ctx, decisionID)
	if err != nil {
		return types.ExecutionResult{DecisionID: decisionID}, err
	}
	if len(latest) == 0 {
		return types.ExecutionResult{DecisionID: decisionID}, fmt.Errorf("%w: no receipts for decision %s", state.ErrNotFound, decisionID)
	}
	result := types.ExecutionResult{DecisionID: decisionID, Status: types.AggregateStatus(latest), Receipts: latest}
	return result, nil
}

// Reconcile polls every decision with a Submitted receipt and returns the ids of
// those still unresolved, oldest first. It is called once on startup.
func (e *Executor) Reconcile(ctx context.Context) ([]string, error) {
	submitted, err := e.receipts.ReceiptsByStatus(ctx, types.ReceiptSubmitted)
	if err != nil {
		return nil, fmt.Errorf("failed to load in-flight receipts: %w", err)
	}
	seen := make(map[string]bool)
	var pending []string
	for _, r := range submitted {
		if seen[r.DecisionID] {
			continue
		}
		seen[r.DecisionID] = true
		result, err := e.Poll(ctx, r.DecisionID)
		if err != nil {
			return nil, err
		}
		if result.Status == types.ReceiptSubmitted {
			pending = append(pending, r.DecisionID)
		}
	}
	e.logger.Info().Int("inFlightDecisions", len(seen)).Int("unresolved", len(pending)).Msg("Receipt reconciliation complete")
	return pending, nil
}

func statusError(result types.ExecutionResult) error {
	switch result.Status {
	case types.ReceiptReverted:
		return fmt.Errorf("%w: decision %s", ErrReverted, result.DecisionID)
	case types.ReceiptTimedOut:
		return fmt.Errorf("%w: decision %s", ErrTimedOut, result.DecisionID)
	}
	return nil
}
