// Package vaulttest provides an in-memory VaultClient for tests.
package vaulttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/supervault/internal/types"
)

var ErrUnknownTx = errors.New("unknown transaction")

// Fake is a scriptable vault. The zero value is not usable; call New.
type Fake struct {
	mu            sync.Mutex
	totalAssets   sdkmath.Int
	balances      map[types.StrategyID]sdkmath.Int
	submitErrs    []error
	signErrs      []error
	signed        int
	totalErr      error
	defaultStatus types.ChainStatus
	txs           map[string]types.ChainStatus
	submitted     []types.CommandSpec
	submitDelay   time.Duration
	inSubmit      int
	maxInSubmit   int
}

// New returns a vault holding totalAssets whose transactions confirm immediately.
func New(totalAssets int64) *Fake {
	return &Fake{
		totalAssets:   sdkmath.NewInt(totalAssets),
		balances:      make(map[types.StrategyID]sdkmath.Int),
		defaultStatus: types.ChainConfirmed,
		txs:           make(map[string]types.ChainStatus),
	}
}

func (f *Fake) SetTotalAssets(v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totalAssets = sdkmath.NewInt(v)
}

func (f *Fake) SetTotalAssetsError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totalErr = err
}

func (f *Fake) SetBalance(id types.StrategyID, v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[id] = sdkmath.NewInt(v)
}

// FailSubmits makes the next len(errs) submissions return errs in order. Nil entries succeed.
func (f *Fake) FailSubmits(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErrs = append(f.submitErrs, errs...)
}

// FailSigns makes the next len(errs) signings return errs in order. Nil entries succeed.
func (f *Fake) FailSigns(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signErrs = append(f.signErrs, errs...)
}

// SetChainStatus sets the status new transactions report.
func (f *Fake) SetChainStatus(s types.ChainStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultStatus = s
}

// ResolveAll moves every pending transaction to s.
func (f *Fake) ResolveAll(s types.ChainStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ref, cur := range f.txs {
		if cur == types.ChainPending {
			f.txs[ref] = s
		}
	}
}

// SetSubmitDelay makes every broadcast block for d or until its context ends.
func (f *Fake) SetSubmitDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitDelay = d
}

// Submitted returns every accepted command in order.
func (f *Fake) Submitted() []types.CommandSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.CommandSpec, len(f.submitted))
	copy(out, f.submitted)
	return out
}

// MaxConcurrentSubmits reports the highest number of overlapping broadcasts seen.
func (f *Fake) MaxConcurrentSubmits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInSubmit
}

func (f *Fake) GetTotalAssets(context.Context) (sdkmath.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.totalErr != nil {
		return sdkmath.ZeroInt(), f.totalErr
	}
	return f.totalAssets, nil
}

func (f *Fake) GetPoolBalance(_ context.Context, strategy types.StrategyID, _ common.Address) (sdkmath.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[strategy]; ok {
		return b, nil
	}
	return sdkmath.ZeroInt(), nil
}

func (f *Fake) Sign(_ context.Context, cmd types.CommandSpec) (types.SignedCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.signErrs) > 0 {
		err := f.signErrs[0]
		f.signErrs = f.signErrs[1:]
		if err != nil {
			return types.SignedCommand{}, err
		}
	}
	f.signed++
	return types.SignedCommand{Command: cmd, TxRef: fmt.Sprintf("0x%064x", f.signed)}, nil
}

// Broadcast lands a signed command once. Rebroadcasting a landed command succeeds
// without recording it again.
func (f *Fake) Broadcast(ctx context.Context, signed types.SignedCommand) error {
	f.mu.Lock()
	f.inSubmit++
	if f.inSubmit > f.maxInSubmit {
		f.maxInSubmit = f.inSubmit
	}
	delay := f.submitDelay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inSubmit--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, landed := f.txs[signed.TxRef]; landed {
		return nil
	}
	f.submitted = append(f.submitted, signed.Command)
	f.txs[signed.TxRef] = f.defaultStatus
	return nil
}

func (f *Fake) GetReceipt(_ context.Context, txRef string) (types.ChainStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.txs[txRef]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTx, txRef)
	}
	return s, nil
}
