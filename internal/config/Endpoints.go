package config

import (
	"errors"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// Endpoint configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// VaultRPC is the JSON-RPC endpoint of the ledger hosting the vault contract.
	VaultRPC string
	// ArbitrumRPC is the JSON-RPC endpoint used to read the Aave venue.
	ArbitrumRPC string
	// AavePoolAddress is the Aave pool, queried for account health.
	AavePoolAddress common.Address
	// AaveDataProviderAddress is the Aave protocol data provider, queried for reserve rates.
	AaveDataProviderAddress common.Address
	// AaveAccount is the account whose health factor is monitored. Defaults to the vault address.
	AaveAccount common.Address
	// SonicVenueAPI is the HTTP endpoint serving Sonic venue metrics.
	SonicVenueAPI string

	// RedisAddr enables the shared snapshot cache and the Redis notifier when set.
	RedisAddr string
	// RedisPassword for RedisAddr.
	RedisPassword string
	// RedisDB index for RedisAddr.
	RedisDB int
	// SnapshotCacheTTL bounds how long a cached venue snapshot is served.
	SnapshotCacheTTL time.Duration

	// AMQPURL enables the RabbitMQ notifier when set.
	AMQPURL string
	// AMQPExchange receives notifier events.
	AMQPExchange string

	// TelegramBotToken and TelegramChatID enable the operator notifier when both are set.
	TelegramBotToken string
	TelegramChatID   int64
)

// loadEndpointConfig loads endpoint configuration from environment variables.
// This function is called by LoadConfig() in General.go.
func loadEndpointConfig() error {
	log.Info().Msg("Loading endpoint configuration from environment variables...")

	var err error

	VaultRPC, err = getEnv("VAULT_RPC")
	if err != nil {
		return err
	}

	ArbitrumRPC, err = getEnv("ARBITRUM_RPC")
	if err != nil {
		return err
	}

	AavePoolAddress, err = getEnvAsAddress("AAVE_POOL_ADDRESS")
	if err != nil {
		return err
	}

	AaveDataProviderAddress, err = getEnvAsAddress("AAVE_DATA_PROVIDER_ADDRESS")
	if err != nil {
		return err
	}

	AaveAccount = VaultAddress
	if getEnvOrDefault("AAVE_ACCOUNT", "") != "" {
		AaveAccount, err = getEnvAsAddress("AAVE_ACCOUNT")
		if err != nil {
			return err
		}
	}

	SonicVenueAPI, err = getEnv("SONIC_VENUE_API")
	if err != nil {
		return err
	}

	RedisAddr = getEnvOrDefault("REDIS_ADDR", "")
	RedisPassword = getEnvOrDefault("REDIS_PASSWORD", "")
	if RedisDB, err = getEnvAsInt("REDIS_DB", 0); err != nil {
		return err
	}
	if SnapshotCacheTTL, err = getEnvAsDuration("SNAPSHOT_CACHE_TTL", 20*time.Second); err != nil {
		return err
	}

	AMQPURL = getEnvOrDefault("AMQP_URL", "")
	AMQPExchange = getEnvOrDefault("AMQP_EXCHANGE", "strategist.events")

	TelegramBotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", "")
	if getEnvOrDefault("TELEGRAM_CHAT_ID", "") != "" {
		TelegramChatID, err = getEnvAsInt64("TELEGRAM_CHAT_ID")
		if err != nil {
			return err
		}
	}

	log.Debug().
		Str("VaultRPC", VaultRPC).
		Str("ArbitrumRPC", ArbitrumRPC).
		Str("SonicVenueAPI", SonicVenueAPI).
		Bool("RedisEnabled", RedisAddr != "").
		Bool("AMQPEnabled", AMQPURL != "").
		Bool("TelegramEnabled", TelegramBotToken != "" && TelegramChatID != 0).
		Msg("Endpoint configuration loaded successfully.")

	return nil
}

// getEnvAsInt64 retrieves an environment variable as an int64. Group chat IDs are negative.
func getEnvAsInt64(key string) (int64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid int64, got: " + valueStr)
	}
	return value, nil
}
