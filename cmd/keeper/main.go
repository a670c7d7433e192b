package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/miko-network/keeper/internal/config"
	"github.com/miko-network/keeper/internal/distribution"
	"github.com/miko-network/keeper/internal/exclusions"
	"github.com/miko-network/keeper/internal/feeschedule"
	"github.com/miko-network/keeper/internal/harvest"
	"github.com/miko-network/keeper/internal/holders"
	"github.com/miko-network/keeper/internal/keeper"
	"github.com/miko-network/keeper/internal/ledger"
	"github.com/miko-network/keeper/internal/logger"
	"github.com/miko-network/keeper/internal/state"
	"github.com/miko-network/keeper/internal/swap"
	"github.com/miko-network/keeper/internal/types"
	"github.com/miko-network/keeper/internal/web"
)

// main is the entry point for the fee keeper.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	logger.Initialize(os.Getenv("KEEPER_LOG_LEVEL"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log.Info().Msg("Keeper starting...")

	// Initialize database connection and schema
	store, err := state.Open(cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer store.Close()
	if err := store.EnsureSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure database schema")
	}

	// --- 2. Ledger and external collaborators ---
	chain, err := ledger.NewClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize ledger client")
	}

	birdeye := holders.NewBirdeyeClient(cfg.BirdeyeBaseURL, cfg.BirdeyeAPIKey, cfg.TokenMint)
	pyth := holders.NewPythClient(cfg.PythBaseURL, cfg.PythSolFeedID)
	holderSource := holders.NewSource(birdeye, birdeye, pyth, cfg.FallbackPoolRatio)

	systemAccounts := []solana.PublicKey{
		chain.KeeperAddress(),
		chain.HoldingAddress(),
		cfg.TokenMint,
		cfg.VaultStateAccount,
	}
	exclusionManager := exclusions.NewManager(chain, cfg.StaticExclusions, cfg.AMMPrograms, systemAccounts)

	// --- 3. Core components ---
	feeEngine, err := feeschedule.NewEngine(feeschedule.Config{Ledger: chain, Store: store})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize fee schedule engine")
	}

	threshold := types.RawAmount(cfg.HarvestThresholdUI, cfg.TokenDecimals)
	harvester, err := harvest.NewCoordinator(chain, threshold, cfg.HarvestBatchSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize harvest coordinator")
	}

	planner, err := distribution.NewPlanner(store, holderSource, exclusionManager, cfg.MinHolderValueUSD, cfg.TokenDecimals)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize distribution planner")
	}

	executor, err := distribution.NewExecutor(chain, cfg.DistributionBatchSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize distribution executor")
	}

	var venue swap.Venue
	if cfg.SwapEnabled {
		venue = swap.NewJupiterClient(cfg.JupiterBaseURL, cfg.SlippageBps, cfg.MaxPriceImpactPct, chain)
	}

	core, err := keeper.New(keeper.Config{
		AppConfig: cfg,
		Fees:      feeEngine,
		Harvester: harvester,
		Planner:   planner,
		Executor:  executor,
		Venue:     venue,
		Balances:  chain,
		Store:     store,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize keeper core")
	}

	// --- 4. Web server ---
	webServer := web.NewWebServer(cfg.WebPort, store, harvester, threshold)
	go func() {
		log.Info().Str("port", cfg.WebPort).Msg("Starting keeper status server")
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server failed to start")
		}
	}()

	// --- 5. Main loop with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	core.RunLoop(ctx, time.Duration(cfg.PollIntervalSeconds)*time.Second)
	log.Info().Msg("Keeper stopped.")
}
