package config

import (
	"errors"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
)

// Config holds all application configuration, loaded once from environment
// variables by Load and passed explicitly to every constructor.
type Config struct {
	// Ledger access.
	RPCEndpoint       string
	KeeperKeypairPath string

	// The managed token.
	TokenMint         solana.PublicKey
	TokenDecimals     uint8
	VaultStateAccount solana.PublicKey

	// Reward asset for distribution. Defaults to native SOL; changing it
	// between cycles moves new rollover onto the new asset's row.
	RewardAsset         solana.PublicKey
	RewardAssetDecimals uint8

	// Harvest tuning.
	HarvestThresholdUI float64
	HarvestBatchSize   int

	// Distribution tuning.
	MinHolderValueUSD     float64
	DistributionBatchSize int

	// Swap tuning.
	SwapEnabled       bool
	SlippageBps       uint64
	MaxPriceImpactPct float64

	// External data providers.
	BirdeyeBaseURL    string
	BirdeyeAPIKey     string
	PythBaseURL       string
	PythSolFeedID     string
	JupiterBaseURL    string
	FallbackPoolRatio float64

	// Static exclusions: addresses that never receive distributions, on top
	// of the system accounts the keeper derives itself.
	StaticExclusions []solana.PublicKey
	// AMM program IDs whose owned token accounts are treated as pool vaults.
	AMMPrograms []solana.PublicKey

	// Cycle loop.
	PollIntervalSeconds      uint64
	StageTimeoutSeconds      uint64
	PriorityFeeMicroLamports uint64
	MinKeeperBalanceLamports uint64

	// Operational surfaces.
	WebPort  string
	LogLevel string

	// Database.
	DB DBConfig
}

// DBConfig holds Postgres connection parameters.
type DBConfig struct {
	Host     string
	Port     uint64
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Load reads configuration from environment variables. Core variables are
// required; tuning knobs fall back to the documented defaults.
func Load() (*Config, error) {
	log.Info().Msg("Loading application configuration from environment variables...")

	cfg := &Config{}
	var err error

	cfg.RPCEndpoint, err = getEnv("KEEPER_RPC_ENDPOINT")
	if err != nil {
		return nil, err
	}

	cfg.KeeperKeypairPath, err = getEnv("KEEPER_KEYPAIR_PATH")
	if err != nil {
		return nil, err
	}

	cfg.TokenMint, err = getEnvAsPubkey("KEEPER_TOKEN_MINT")
	if err != nil {
		return nil, err
	}

	cfg.VaultStateAccount, err = getEnvAsPubkey("KEEPER_VAULT_STATE_ACCOUNT")
	if err != nil {
		return nil, err
	}

	decimals, err := getEnvAsUint64Or("KEEPER_TOKEN_DECIMALS", 9)
	if err != nil {
		return nil, err
	}
	cfg.TokenDecimals = uint8(decimals)

	cfg.RewardAsset, err = getEnvAsPubkeyOr("KEEPER_REWARD_ASSET", solana.SolMint)
	if err != nil {
		return nil, err
	}

	rewardDecimals, err := getEnvAsUint64Or("KEEPER_REWARD_ASSET_DECIMALS", 9)
	if err != nil {
		return nil, err
	}
	cfg.RewardAssetDecimals = uint8(rewardDecimals)

	cfg.HarvestThresholdUI, err = getEnvAsFloat64("KEEPER_HARVEST_THRESHOLD")
	if err != nil {
		return nil, err
	}

	batch, err := getEnvAsUint64Or("KEEPER_HARVEST_BATCH_SIZE", 20)
	if err != nil {
		return nil, err
	}
	cfg.HarvestBatchSize = int(batch)

	cfg.MinHolderValueUSD, err = getEnvAsFloat64Or("KEEPER_MIN_HOLDER_VALUE_USD", 100)
	if err != nil {
		return nil, err
	}

	distBatch, err := getEnvAsUint64Or("KEEPER_DISTRIBUTION_BATCH_SIZE", 5)
	if err != nil {
		return nil, err
	}
	cfg.DistributionBatchSize = int(distBatch)

	cfg.SwapEnabled, err = getEnvAsBoolOr("KEEPER_SWAP_ENABLED", true)
	if err != nil {
		return nil, err
	}

	cfg.SlippageBps, err = getEnvAsUint64Or("KEEPER_SWAP_SLIPPAGE_BPS", 100)
	if err != nil {
		return nil, err
	}

	cfg.MaxPriceImpactPct, err = getEnvAsFloat64Or("KEEPER_SWAP_MAX_PRICE_IMPACT_PCT", 5.0)
	if err != nil {
		return nil, err
	}

	cfg.BirdeyeBaseURL, err = getEnvOr("KEEPER_BIRDEYE_BASE_URL", "https://public-api.birdeye.so")
	if err != nil {
		return nil, err
	}

	cfg.BirdeyeAPIKey, err = getEnv("KEEPER_BIRDEYE_API_KEY")
	if err != nil {
		return nil, err
	}

	cfg.PythBaseURL, err = getEnvOr("KEEPER_PYTH_BASE_URL", "https://hermes.pyth.network")
	if err != nil {
		return nil, err
	}

	cfg.PythSolFeedID, err = getEnvOr("KEEPER_PYTH_SOL_FEED_ID",
		"ef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d")
	if err != nil {
		return nil, err
	}

	cfg.JupiterBaseURL, err = getEnvOr("KEEPER_JUPITER_BASE_URL", "https://quote-api.jup.ag/v6")
	if err != nil {
		return nil, err
	}

	cfg.FallbackPoolRatio, err = getEnvAsFloat64Or("KEEPER_FALLBACK_POOL_RATIO", 0)
	if err != nil {
		return nil, err
	}

	cfg.StaticExclusions, err = getEnvAsPubkeyListOr("KEEPER_STATIC_EXCLUSIONS")
	if err != nil {
		return nil, err
	}

	cfg.AMMPrograms, err = getEnvAsPubkeyListOr("KEEPER_AMM_PROGRAMS")
	if err != nil {
		return nil, err
	}

	cfg.PollIntervalSeconds, err = getEnvAsUint64Or("KEEPER_POLL_INTERVAL_SECONDS", 60)
	if err != nil {
		return nil, err
	}

	cfg.StageTimeoutSeconds, err = getEnvAsUint64Or("KEEPER_STAGE_TIMEOUT_SECONDS", 120)
	if err != nil {
		return nil, err
	}

	cfg.PriorityFeeMicroLamports, err = getEnvAsUint64Or("KEEPER_PRIORITY_FEE_MICROLAMPORTS", 10_000)
	if err != nil {
		return nil, err
	}

	cfg.MinKeeperBalanceLamports, err = getEnvAsUint64Or("KEEPER_MIN_BALANCE_LAMPORTS", 50_000_000)
	if err != nil {
		return nil, err
	}

	cfg.WebPort, err = getEnvOr("KEEPER_WEB_PORT", "8080")
	if err != nil {
		return nil, err
	}

	cfg.LogLevel, err = getEnvOr("KEEPER_LOG_LEVEL", "info")
	if err != nil {
		return nil, err
	}

	if err := loadDBConfig(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Debug().
		Str("TokenMint", cfg.TokenMint.String()).
		Str("RewardAsset", cfg.RewardAsset.String()).
		Float64("HarvestThreshold", cfg.HarvestThresholdUI).
		Uint64("PollIntervalSeconds", cfg.PollIntervalSeconds).
		Msg("Configuration loaded successfully.")

	return cfg, nil
}

func loadDBConfig(cfg *Config) error {
	var err error

	cfg.DB.Host, err = getEnvOr("KEEPER_DB_HOST", "localhost")
	if err != nil {
		return err
	}
	cfg.DB.Port, err = getEnvAsUint64Or("KEEPER_DB_PORT", 5432)
	if err != nil {
		return err
	}
	cfg.DB.User, err = getEnv("KEEPER_DB_USER")
	if err != nil {
		return err
	}
	cfg.DB.Password, err = getEnv("KEEPER_DB_PASSWORD")
	if err != nil {
		return err
	}
	cfg.DB.DBName, err = getEnv("KEEPER_DB_NAME")
	if err != nil {
		return err
	}
	cfg.DB.SSLMode, err = getEnvOr("KEEPER_DB_SSLMODE", "disable")
	if err != nil {
		return err
	}
	return nil
}

// Validate rejects configurations the keeper cannot safely run with.
func (c *Config) Validate() error {
	if c.HarvestThresholdUI <= 0 {
		return errors.New("KEEPER_HARVEST_THRESHOLD must be positive")
	}
	if c.HarvestBatchSize <= 0 {
		return errors.New("KEEPER_HARVEST_BATCH_SIZE must be positive")
	}
	if c.DistributionBatchSize <= 0 {
		return errors.New("KEEPER_DISTRIBUTION_BATCH_SIZE must be positive")
	}
	if c.MinHolderValueUSD < 0 {
		return errors.New("KEEPER_MIN_HOLDER_VALUE_USD must not be negative")
	}
	if c.TokenMint.IsZero() {
		return errors.New("KEEPER_TOKEN_MINT must not be the zero address")
	}
	if c.PollIntervalSeconds == 0 {
		return errors.New("KEEPER_POLL_INTERVAL_SECONDS must be positive")
	}
	// Without a swap stage the keeper can only pay out the token it
	// harvests; any other reward asset would distribute unconverted
	// amounts denominated in the wrong asset.
	if !c.SwapEnabled && !c.RewardAsset.Equals(c.TokenMint) {
		return errors.New("KEEPER_SWAP_ENABLED=false requires KEEPER_REWARD_ASSET to equal KEEPER_TOKEN_MINT")
	}
	return nil
}

// IsNativeReward reports whether distributions pay out native SOL rather
// than an SPL token.
func (c *Config) IsNativeReward() bool {
	return c.RewardAsset.Equals(solana.SolMint)
}

func parsePubkeyList(raw string) ([]solana.PublicKey, error) {
	var keys []solana.PublicKey
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, err := solana.PublicKeyFromBase58(part)
		if err != nil {
			return nil, errors.New("invalid public key in list: " + part)
		}
		keys = append(keys, key)
	}
	return keys, nil
}
