/*
The strategist talks to two independently finalized EVM ledgers.

This file contains the mapping of ledger names to their EVM chain IDs. The vault
client checks the chain ID reported by its RPC endpoint against this table before
it signs anything, so a mis-pointed RPC URL fails at startup instead of broadcasting
to the wrong network.

If a ledger is added here, the strategy file can reference it by name.
*/

package config

var (
	LedgerChainIDs = map[string]uint64{
		"arbitrum":         42161,
		"arbitrum-sepolia": 421614,
		"sonic":            146,
		"sonic-blaze":      57054,
	}
)

// ChainIDForLedger returns the chain ID for a ledger name.
func ChainIDForLedger(ledger string) (uint64, bool) {
	id, ok := LedgerChainIDs[ledger]
	return id, ok
}
