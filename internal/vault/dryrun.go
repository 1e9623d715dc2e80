package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/elys-network/supervault/internal/logger"
	"github.com/elys-network/supervault/internal/types"
)

const dryRunPrefix = "dry-run:"

// DryRun reads through to a live client but never broadcasts. Submitted commands
// resolve as confirmed on the next receipt query.
type DryRun struct {
	reader VaultClient
	logger zerolog.Logger

	mu        sync.Mutex
	submitted map[string]types.CommandSpec
}

func NewDryRun(reader VaultClient) *DryRun {
	return &DryRun{
		reader:    reader,
		logger:    logger.GetForComponent("vault_client"),
		submitted: make(map[string]types.CommandSpec),
	}
}

func (d *DryRun) GetTotalAssets(ctx context.Context) (sdkmath.Int, error) {
	return d.reader.GetTotalAssets(ctx)
}

func (d *DryRun) GetPoolBalance(ctx context.Context, strategy types.StrategyID, asset common.Address) (sdkmath.Int, error) {
	return d.reader.GetPoolBalance(ctx, strategy, asset)
}

func (d *DryRun) Sign(_ context.Context, cmd types.CommandSpec) (types.SignedCommand, error) {
	ref := fmt.Sprintf("%s%s:%d", dryRunPrefix, cmd.DecisionID, cmd.Leg)
	return types.SignedCommand{Command: cmd, TxRef: ref}, nil
}

func (d *DryRun) Broadcast(_ context.Context, signed types.SignedCommand) error {
	cmd := signed.Command
	d.mu.Lock()
	d.submitted[signed.TxRef] = cmd
	d.mu.Unlock()
	d.logger.Warn().
		Str("decision_id", cmd.DecisionID).
		Int("leg", cmd.Leg).
		Str("kind", string(cmd.Kind)).
		Str("strategy", cmd.StrategyID.String()).
		Str("amount", cmd.Amount.String()).
		Msg("DRY RUN: command not broadcast")
	return nil
}

func (d *DryRun) GetReceipt(ctx context.Context, txRef string) (types.ChainStatus, error) {
	if !strings.HasPrefix(txRef, dryRunPrefix) {
		// Left over from a live run.
		return d.reader.GetReceipt(ctx, txRef)
	}
	return types.ChainConfirmed, nil
}

// Submitted returns the commands captured so far.
func (d *DryRun) Submitted() []types.CommandSpec {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.CommandSpec, 0, len(d.submitted))
	for _, cmd := range d.submitted {
		out = append(out, cmd)
	}
	return out
}
