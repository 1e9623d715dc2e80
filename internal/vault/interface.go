package vault

import (
	"context"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/supervault/internal/types"
)

// VaultClient defines the interface for interacting with the SuperVault contract.
// Implementations are explicit instances handed to the executor and orchestrator,
// allowing for different implementations (live, dry-run, test fakes).
type VaultClient interface {
	// GetTotalAssets returns the vault's total assets in base units of the vault asset.
	GetTotalAssets(ctx context.Context) (sdkmath.Int, error)

	// GetPoolBalance returns the amount the vault has placed in a strategy slot.
	GetPoolBalance(ctx context.Context, strategy types.StrategyID, asset common.Address) (sdkmath.Int, error)

	// Sign prepares a command for broadcast without sending it. The returned
	// reference identifies the transaction on the ledger.
	Sign(ctx context.Context, cmd types.CommandSpec) (types.SignedCommand, error)

	// Broadcast sends a signed command without waiting for finality. Sending the
	// same command again is harmless.
	Broadcast(ctx context.Context, signed types.SignedCommand) error

	// GetReceipt reports whether a submitted transaction is pending, confirmed or reverted.
	GetReceipt(ctx context.Context, txRef string) (types.ChainStatus, error)
}

// Positions reads the balance of every configured slot.
func Positions(ctx context.Context, client VaultClient, strategies *types.StrategyRegistry) ([]types.Position, error) {
	slots := strategies.Slots()
	positions := make([]types.Position, 0, len(slots))
	for _, slot := range slots {
		balance, err := client.GetPoolBalance(ctx, slot.ID, slot.Asset)
		if err != nil {
			return nil, fmt.Errorf("failed to read balance of %s: %w", slot.ID, err)
		}
		positions = append(positions, types.Position{
			StrategyID: slot.ID,
			Balance:    balance,
			AsOf:       time.Now().UTC(),
		})
	}
	return positions, nil
}
