package vault

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"

	sdkmath "cosmossdk.io/math"
	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"github.com/elys-network/supervault/internal/logger"
	"github.com/elys-network/supervault/internal/retry"
	"github.com/elys-network/supervault/internal/types"
	"github.com/elys-network/supervault/internal/utils"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidConfig   = errors.New("vault client configuration is invalid")
	ErrReadOnly        = errors.New("vault client has no signer")
	ErrInvalidResponse = errors.New("response data is invalid")
	ErrInvalidCommand  = errors.New("command is invalid")
	ErrCommandRejected = errors.New("command rejected by the vault")
	ErrInvalidTxRef    = errors.New("transaction reference is invalid")
)

// Backend is what the client needs from an EVM node. *ethclient.Client implements it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// EVMConfig describes how to reach and sign for the vault contract.
type EVMConfig struct {
	RPCURL       string
	VaultAddress common.Address
	ChainID      *big.Int
	SignerKeyHex string // Empty for a read-only client
	GasLimit     uint64 // Zero estimates per transaction
}

// EVMClient implements VaultClient against the SuperVault contract with go-ethereum.
type EVMClient struct {
	backend  Backend
	closer   func()
	contract *bind.BoundContract
	address  common.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	gasLimit uint64
	logger   zerolog.Logger

	// Serializes nonce assignment between concurrent submissions.
	sendMu sync.Mutex
}

// NewEVMClient dials the RPC endpoint and binds the vault contract.
func NewEVMClient(ctx context.Context, cfg EVMConfig) (*EVMClient, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("%w: RPC URL is empty", ErrInvalidConfig)
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial vault RPC: %w", err)
	}

	id, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	if cfg.ChainID != nil && id.Cmp(cfg.ChainID) != 0 {
		eth.Close()
		return nil, fmt.Errorf("%w: RPC serves chain %s, expected %s", ErrInvalidConfig, id, cfg.ChainID)
	}
	cfg.ChainID = id

	client, err := NewEVMClientWithBackend(eth, cfg)
	if err != nil {
		eth.Close()
		return nil, err
	}
	client.closer = eth.Close
	return client, nil
}

// NewEVMClientWithBackend binds the vault contract on an existing backend.
func NewEVMClientWithBackend(backend Backend, cfg EVMConfig) (*EVMClient, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is nil", ErrInvalidConfig)
	}
	if cfg.VaultAddress == (common.Address{}) {
		return nil, fmt.Errorf("%w: vault address is zero", ErrInvalidConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id is required", ErrInvalidConfig)
	}
	parsed, err := abi.JSON(strings.NewReader(superVaultABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse vault ABI: %w", err)
	}

	c := &EVMClient{
		backend:  backend,
		contract: bind.NewBoundContract(cfg.VaultAddress, parsed, backend, backend, backend),
		address:  cfg.VaultAddress,
		chainID:  new(big.Int).Set(cfg.ChainID),
		gasLimit: cfg.GasLimit,
		logger:   logger.GetForComponent("vault_client"),
	}
	if keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.SignerKeyHex), "0x"); keyHex != "" {
		key, err := crypto.HexToECDSA(keyHex)
		if err != nil {
			return nil, fmt.Errorf("%w: signer key: %w", ErrInvalidConfig, err)
		}
		c.key = key
		c.logger.Info().
			Str("vault", cfg.VaultAddress.Hex()).
			Str("signer", crypto.PubkeyToAddress(key.PublicKey).Hex()).
			Str("chainId", cfg.ChainID.String()).
			Msg("Vault client bound with signer")
	} else {
		c.logger.Info().Str("vault", cfg.VaultAddress.Hex()).Msg("Vault client bound read-only")
	}
	return c, nil
}

// Close releases the RPC connection when the client owns it.
func (c *EVMClient) Close() {
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

// GetTotalAssets implements VaultClient.
func (c *EVMClient) GetTotalAssets(ctx context.Context) (sdkmath.Int, error) {
	return c.callUint(ctx, "totalAssets")
}

// GetPoolBalance implements VaultClient.
func (c *EVMClient) GetPoolBalance(ctx context.Context, strategy types.StrategyID, asset common.Address) (sdkmath.Int, error) {
	if strategy.IsZero() {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: strategy is unset", ErrInvalidCommand)
	}
	return c.callUint(ctx, "strategyBalance", strategy.Slot(), asset)
}

func (c *EVMClient) callUint(ctx context.Context, method string, args ...interface{}) (sdkmath.Int, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return sdkmath.ZeroInt(), classify(fmt.Errorf("%s call failed: %w", method, err))
	}
	if len(out) != 1 {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s returned %d values", ErrInvalidResponse, method, len(out))
	}
	raw, ok := out[0].(*big.Int)
	if !ok {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s returned %T", ErrInvalidResponse, method, out[0])
	}
	v, err := utils.IntFromBig(raw)
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s: %w", ErrInvalidResponse, method, err)
	}
	return v, nil
}

var commandMethods = map[types.CommandKind]string{
	types.CommandAllocate:          "allocate",
	types.CommandWithdraw:          "withdraw",
	types.CommandEmergencyWithdraw: "emergencyWithdraw",
}

// CommandRef is the on-chain reference of a command leg.
func CommandRef(cmd types.CommandSpec) [32]byte {
	return crypto.Keccak256Hash([]byte(cmd.DecisionID + ":" + strconv.Itoa(cmd.Leg)))
}

// Sign implements VaultClient. The transaction is built and signed against the
// pending nonce but not sent.
func (c *EVMClient) Sign(ctx context.Context, cmd types.CommandSpec) (types.SignedCommand, error) {
	if c.key == nil {
		return types.SignedCommand{}, ErrReadOnly
	}
	method, ok := commandMethods[cmd.Kind]
	if !ok {
		return types.SignedCommand{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, cmd.Kind)
	}
	if cmd.DecisionID == "" || cmd.StrategyID.IsZero() || cmd.Amount.IsNil() || !cmd.Amount.IsPositive() {
		return types.SignedCommand{}, fmt.Errorf("%w: %+v", ErrInvalidCommand, cmd)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return types.SignedCommand{}, fmt.Errorf("failed to build transactor: %w", err)
	}
	opts.Context = ctx
	opts.GasLimit = c.gasLimit
	opts.NoSend = true

	c.sendMu.Lock()
	tx, err := c.contract.Transact(opts, method, cmd.StrategyID.Slot(), cmd.Asset, cmd.Amount.BigInt(), CommandRef(cmd))
	c.sendMu.Unlock()
	if err != nil {
		return types.SignedCommand{}, classify(fmt.Errorf("%s transaction could not be built: %w", method, err))
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return types.SignedCommand{}, fmt.Errorf("failed to encode %s transaction: %w", method, err)
	}

	c.logger.Debug().
		Str("decision_id", cmd.DecisionID).
		Int("leg", cmd.Leg).
		Str("method", method).
		Uint64("nonce", tx.Nonce()).
		Str("txHash", tx.Hash().Hex()).
		Msg("Vault command signed")
	return types.SignedCommand{Command: cmd, TxRef: tx.Hash().Hex(), Raw: raw}, nil
}

// Broadcast implements VaultClient. A node that already holds the transaction,
// or has already mined it, counts as a successful broadcast.
func (c *EVMClient) Broadcast(ctx context.Context, signed types.SignedCommand) error {
	tx := new(gethtypes.Transaction)
	if err := tx.UnmarshalBinary(signed.Raw); err != nil {
		return fmt.Errorf("%w: cannot decode signed command: %w", ErrInvalidCommand, err)
	}
	if tx.Hash().Hex() != signed.TxRef {
		return fmt.Errorf("%w: signed command does not match %s", ErrInvalidCommand, signed.TxRef)
	}

	err := c.backend.SendTransaction(ctx, tx)
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "already known"):
			err = nil
		case strings.Contains(msg, "nonce too low"):
			if _, rerr := c.backend.TransactionReceipt(ctx, tx.Hash()); rerr == nil {
				err = nil
			}
		}
	}
	if err != nil {
		return classify(fmt.Errorf("broadcast of %s failed: %w", signed.TxRef, err))
	}

	c.logger.Info().
		Str("decision_id", signed.Command.DecisionID).
		Int("leg", signed.Command.Leg).
		Str("kind", string(signed.Command.Kind)).
		Str("strategy", signed.Command.StrategyID.String()).
		Str("amount", signed.Command.Amount.String()).
		Str("txHash", signed.TxRef).
		Msg("Vault command broadcast")
	return nil
}

// GetReceipt implements VaultClient. A transaction the node does not know yet is pending.
func (c *EVMClient) GetReceipt(ctx context.Context, txRef string) (types.ChainStatus, error) {
	if !strings.HasPrefix(txRef, "0x") || len(txRef) != 66 {
		return "", fmt.Errorf("%w: %q", ErrInvalidTxRef, txRef)
	}
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txRef))
	if errors.Is(err, gethcore.NotFound) {
		return types.ChainPending, nil
	}
	if err != nil {
		return "", classify(fmt.Errorf("receipt query for %s failed: %w", txRef, err))
	}
	if receipt.Status == gethtypes.ReceiptStatusSuccessful {
		return types.ChainConfirmed, nil
	}
	c.logger.Warn().
		Str("txHash", txRef).
		Uint64("gasUsed", receipt.GasUsed).
		Msg("Vault transaction reverted")
	return types.ChainReverted, nil
}

// classify separates rejections by the contract from failures worth retrying.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "execution reverted"), strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "nonce too low"), strings.Contains(msg, "already known"):
		return fmt.Errorf("%w: %w", ErrCommandRejected, err)
	case retry.IsTransient(err):
		return err
	}
	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) && (httpErr.StatusCode == 429 || httpErr.StatusCode >= 500) {
		return retry.Transient(err)
	}
	return err
}
