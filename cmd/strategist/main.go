package main

import (
	"context"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/elys-network/supervault/internal/analyzer"
	"github.com/elys-network/supervault/internal/config"
	"github.com/elys-network/supervault/internal/datafetcher"
	"github.com/elys-network/supervault/internal/executor"
	"github.com/elys-network/supervault/internal/knowledge"
	"github.com/elys-network/supervault/internal/logger"
	"github.com/elys-network/supervault/internal/metrics"
	"github.com/elys-network/supervault/internal/notify"
	"github.com/elys-network/supervault/internal/orchestrator"
	"github.com/elys-network/supervault/internal/retry"
	"github.com/elys-network/supervault/internal/state"
	"github.com/elys-network/supervault/internal/types"
	"github.com/elys-network/supervault/internal/vault"
	"github.com/elys-network/supervault/internal/web"
)

// main is the entry point for the strategist.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}
	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Initialize(config.LogLevel, config.LogFile)
	log.Info().Str("mode", config.Mode).Msg("SuperVault strategist starting...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := openStore()
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure database schema")
	}

	params := loadParameters(ctx, store)
	log.Info().Msg("Strategy parameters loaded successfully.")

	registry, err := config.LoadStrategies(config.StrategyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load strategy registry")
	}

	// --- 2. Vault Client (with Safety Switch) ---
	chainID, _ := config.ChainIDForLedger(config.VaultLedger)
	signerKey := ""
	if config.Mode == "live" {
		signerKey = config.SignerKeyHex
	}
	evm, err := vault.NewEVMClient(ctx, vault.EVMConfig{
		RPCURL:       config.VaultRPC,
		VaultAddress: config.VaultAddress,
		ChainID:      new(big.Int).SetUint64(chainID),
		SignerKeyHex: signerKey,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize vault client")
	}
	defer evm.Close()

	var vaultClient vault.VaultClient = evm
	if config.Mode == "live" {
		log.Warn().Msg("Initializing strategist in LIVE mode. Real transactions will be broadcast.")
	} else {
		log.Warn().Str("mode", config.Mode).Msg("Not in live mode, commands are recorded but never broadcast. Set STRATEGIST_MODE=live to execute.")
		vaultClient = vault.NewDryRun(evm)
	}

	// --- 3. Market Data ---
	var redisClient *redis.Client
	if config.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
			DB:       config.RedisDB,
		})
		defer redisClient.Close()
	}

	provider, closeProvider := buildProvider(ctx, registry, redisClient)
	defer closeProvider()

	// --- 4. Notifiers ---
	notifier, closeNotifiers := buildNotifier(redisClient)
	defer closeNotifiers()

	// --- 5. Components ---
	m := metrics.New()
	exec, err := executor.NewExecutor(executor.Config{
		Vault:          vaultClient,
		Receipts:       store,
		Strategies:     registry,
		Parameters:     *params,
		SubmitPolicy:   retry.DefaultSubmitPolicy(config.SubmitMaxAttempts),
		PollPolicy:     retry.DefaultPollPolicy(),
		ConfirmTimeout: config.ConfirmTimeout,
		FetchPolicy:    retry.DefaultFetchPolicy(),
		RPCTimeout:     config.RPCTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create allocation executor")
	}

	knowledgeStore := knowledge.NewStore(store, *params)
	evaluator, err := analyzer.NewEvaluator(registry, *params, knowledgeStore)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create strategy evaluator")
	}

	orch, err := orchestrator.NewOrchestrator(orchestrator.Config{
		Provider:        provider,
		Vault:           vaultClient,
		Strategies:      registry,
		Evaluator:       evaluator,
		Knowledge:       knowledgeStore,
		Executor:        exec,
		Decisions:       store,
		Notifier:        notifier,
		Metrics:         m,
		FastInterval:    config.FastInterval,
		SlowInterval:    config.SlowInterval,
		SnapshotTimeout: config.SnapshotTimeout,
		ShutdownGrace:   config.ShutdownGrace,
		FetchPolicy:     retry.DefaultFetchPolicy(),
		RPCTimeout:      config.RPCTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create orchestrator")
	}

	// --- 6. Start Web Server ---
	webServer := web.NewWebServer(web.Config{
		Port:          config.WebPort,
		Store:         store,
		Status:        orch,
		Metrics:       m.Handler(),
		ParametersKey: config.DEFAULT_PARAMETERS_CONFIG_NAME,
	})
	go func() {
		log.Info().Str("port", config.WebPort).Str("url", "http://localhost:"+config.WebPort).Msg("Starting strategist status server")
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server failed")
		}
	}()

	// --- 7. Recover and Run ---
	if err := orch.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to recover in-flight executions")
	}
	orch.RunLoop(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Web server shutdown failed")
	}
	log.Info().Msg("Strategist stopped")
}

func openStore() *state.Store {
	if config.DatabaseDriver == "sqlite" {
		store, err := state.OpenSQLite(config.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open sqlite database")
		}
		return store
	}
	store, err := state.OpenPostgres(state.DBConfig{
		Host: os.Getenv("DB_HOST"), Port: mustAtoi(os.Getenv("DB_PORT"), 5432),
		User: os.Getenv("DB_USER"), Password: os.Getenv("DB_PASSWORD"),
		DBName: os.Getenv("DB_NAME"), SSLMode: os.Getenv("DB_SSLMODE"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	return store
}

// loadParameters returns the active parameter set, saving the defaults on first run.
func loadParameters(ctx context.Context, store *state.Store) *types.StrategyParameters {
	params, err := store.LoadActiveStrategyParameters(ctx, config.DEFAULT_PARAMETERS_CONFIG_NAME)
	if err == nil {
		return params
	}
	log.Warn().Err(err).Msg("Failed to load active strategy parameters, using defaults and saving.")
	defaults := config.DefaultStrategyParameters
	if _, err := store.SaveStrategyParameters(ctx, defaults, config.DEFAULT_PARAMETERS_CONFIG_NAME, config.DEFAULT_PARAMETERS_CONFIG_VERSION, true); err != nil {
		log.Fatal().Err(err).Msg("Failed to save initial default strategy parameters.")
	}
	return &defaults
}

// buildProvider registers an adapter per configured venue, behind the Redis cache when enabled.
func buildProvider(ctx context.Context, registry *types.StrategyRegistry, redisClient *redis.Client) (datafetcher.MarketDataProvider, func()) {
	arbitrum, err := ethclient.DialContext(ctx, config.ArbitrumRPC)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to dial Arbitrum RPC")
	}

	providers := datafetcher.NewRegistry(config.SnapshotTimeout)
	for _, slot := range registry.Slots() {
		var adapter datafetcher.MarketDataProvider
		switch slot.ID {
		case types.StrategyAaveLending:
			adapter, err = datafetcher.NewAaveAdapter(arbitrum, datafetcher.AaveConfig{
				Venue:        slot.Venue,
				DataProvider: config.AaveDataProviderAddress,
				Pool:         config.AavePoolAddress,
				Asset:        slot.Asset,
				Account:      config.AaveAccount,
			})
		case types.StrategySonicFarm:
			adapter, err = datafetcher.NewHTTPAdapter(config.SonicVenueAPI, &http.Client{Timeout: config.SnapshotTimeout})
		default:
			log.Fatal().Str("strategy", slot.ID.String()).Msg("No market data adapter for strategy")
		}
		if err != nil {
			log.Fatal().Err(err).Str("venue", string(slot.Venue)).Msg("Failed to create market data adapter")
		}
		if err := providers.Register(slot.Venue, adapter); err != nil {
			log.Fatal().Err(err).Str("venue", string(slot.Venue)).Msg("Failed to register market data adapter")
		}
	}

	if redisClient == nil {
		return providers, arbitrum.Close
	}
	cached, err := datafetcher.NewCachedProvider(providers, redisClient, config.SnapshotCacheTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create snapshot cache")
	}
	log.Info().Str("addr", config.RedisAddr).Dur("ttl", config.SnapshotCacheTTL).Msg("Snapshot cache enabled")
	return cached, arbitrum.Close
}

// buildNotifier fans events out to the log and every configured sink.
func buildNotifier(redisClient *redis.Client) (notify.Notifier, func()) {
	sinks := []notify.Notifier{notify.NewLogNotifier()}
	var closers []func()

	if redisClient != nil {
		n, err := notify.NewRedisNotifier(redisClient, "strategist:events")
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Redis notifier")
		}
		sinks = append(sinks, n)
	}
	if config.AMQPURL != "" {
		n, err := notify.DialAMQP(config.AMQPURL, config.AMQPExchange)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
		}
		sinks = append(sinks, n)
		closers = append(closers, func() {
			if err := n.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close RabbitMQ notifier")
			}
		})
	}
	if config.TelegramBotToken != "" && config.TelegramChatID != 0 {
		n, err := notify.NewTelegramNotifier(config.TelegramBotToken, config.TelegramChatID)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Telegram notifier")
		}
		sinks = append(sinks, n)
	}

	return notify.NewMulti(sinks...), func() {
		for _, c := range closers {
			c()
		}
	}
}

// Helper to convert string to int with a default value
func mustAtoi(s string, defaultValue int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return i
}
