package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// Mode must be "live" for the strategist to broadcast transactions.
	Mode string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	// LogFile optionally mirrors logs as JSON lines to a file.
	LogFile string

	// VaultLedger is the ledger name (see ChainIDs.go) the vault contract lives on.
	VaultLedger string
	// VaultAddress is the SuperVault contract address.
	VaultAddress common.Address
	// SignerKeyHex is the hex private key of the vault operator. Required in live mode only.
	SignerKeyHex string

	// StrategyFile is the YAML file listing the configured strategy slots.
	StrategyFile string

	// FastInterval drives emergency checks and in-flight polling.
	FastInterval time.Duration
	// SlowInterval drives full rebalance evaluation.
	SlowInterval time.Duration
	// SnapshotTimeout bounds a single venue read.
	SnapshotTimeout time.Duration
	// ConfirmTimeout bounds how long an execution waits for confirmation before leaving it in flight.
	ConfirmTimeout time.Duration
	// ShutdownGrace bounds how long an in-flight execution may continue after shutdown is requested.
	ShutdownGrace time.Duration
	// RPCTimeout bounds every single vault call: reads, signing, broadcast and receipt queries.
	RPCTimeout time.Duration
	// SubmitMaxAttempts is the ceiling of submission attempts for a command leg.
	SubmitMaxAttempts int

	// DatabaseDriver is "postgres" or "sqlite".
	DatabaseDriver string
	// SQLitePath is the database file used when DatabaseDriver is sqlite.
	SQLitePath string

	// WebPort is the port of the status server.
	WebPort string
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
// Endpoint and vault settings are required; scheduling settings fall back to defaults.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	Mode = getEnvOrDefault("STRATEGIST_MODE", "dry-run")
	LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	LogFile = getEnvOrDefault("LOG_FILE", "")

	VaultLedger, err = getEnv("VAULT_LEDGER")
	if err != nil {
		return err
	}
	if _, ok := ChainIDForLedger(VaultLedger); !ok {
		return errors.New("VAULT_LEDGER " + VaultLedger + " is not a known ledger")
	}

	VaultAddress, err = getEnvAsAddress("VAULT_ADDRESS")
	if err != nil {
		return err
	}

	SignerKeyHex = getEnvOrDefault("SIGNER_PRIVATE_KEY", "")
	if Mode == "live" && SignerKeyHex == "" {
		return errors.New("environment variable SIGNER_PRIVATE_KEY is required in live mode")
	}

	StrategyFile, err = getEnv("STRATEGY_FILE")
	if err != nil {
		return err
	}

	if FastInterval, err = getEnvAsDuration("FAST_INTERVAL", 30*time.Second); err != nil {
		return err
	}
	if SlowInterval, err = getEnvAsDuration("SLOW_INTERVAL", 10*time.Minute); err != nil {
		return err
	}
	if SnapshotTimeout, err = getEnvAsDuration("SNAPSHOT_TIMEOUT", 15*time.Second); err != nil {
		return err
	}
	if ConfirmTimeout, err = getEnvAsDuration("CONFIRM_TIMEOUT", 2*time.Minute); err != nil {
		return err
	}
	if ShutdownGrace, err = getEnvAsDuration("SHUTDOWN_GRACE", 3*time.Minute); err != nil {
		return err
	}
	if RPCTimeout, err = getEnvAsDuration("RPC_TIMEOUT", 30*time.Second); err != nil {
		return err
	}
	if RPCTimeout <= 0 {
		return errors.New("RPC_TIMEOUT must be positive")
	}
	if FastInterval >= SlowInterval {
		return errors.New("FAST_INTERVAL must be shorter than SLOW_INTERVAL")
	}
	if SubmitMaxAttempts, err = getEnvAsInt("SUBMIT_MAX_ATTEMPTS", 5); err != nil {
		return err
	}
	if SubmitMaxAttempts < 1 {
		return errors.New("SUBMIT_MAX_ATTEMPTS must be at least 1")
	}

	DatabaseDriver = getEnvOrDefault("DB_DRIVER", "postgres")
	if DatabaseDriver != "postgres" && DatabaseDriver != "sqlite" {
		return errors.New("DB_DRIVER must be postgres or sqlite, got: " + DatabaseDriver)
	}
	SQLitePath = getEnvOrDefault("SQLITE_PATH", "strategist.db")
	if strings.HasPrefix(SQLitePath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		SQLitePath = filepath.Join(home, SQLitePath[2:])
	}

	WebPort = getEnvOrDefault("WEB_PORT", "8080")

	// Load endpoint configuration
	if err := loadEndpointConfig(); err != nil {
		return err
	}

	log.Debug().
		Str("Mode", Mode).
		Str("VaultLedger", VaultLedger).
		Str("VaultAddress", VaultAddress.Hex()).
		Dur("FastInterval", FastInterval).
		Dur("SlowInterval", SlowInterval).
		Str("DatabaseDriver", DatabaseDriver).
		Msg("Configuration loaded successfully.")

	return nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvOrDefault retrieves a string environment variable or the fallback when unset.
func getEnvOrDefault(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

// getEnvAsInt retrieves an optional environment variable as an int.
func getEnvAsInt(key string, fallback int) (int, error) {
	valueStr := getEnvOrDefault(key, "")
	if valueStr == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid int, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsDuration retrieves an optional environment variable as a time.Duration ("30s", "10m").
func getEnvAsDuration(key string, fallback time.Duration) (time.Duration, error) {
	valueStr := getEnvOrDefault(key, "")
	if valueStr == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value <= 0 {
		return 0, errors.New("environment variable " + key + " must be a positive duration, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsAddress retrieves a required environment variable as a non-zero EVM address.
func getEnvAsAddress(key string) (common.Address, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(valueStr) {
		return common.Address{}, errors.New("environment variable " + key + " must be a hex address, got: " + valueStr)
	}
	addr := common.HexToAddress(valueStr)
	if addr == (common.Address{}) {
		return common.Address{}, errors.New("environment variable " + key + " cannot be the zero address")
	}
	return addr, nil
}
