package types

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// Transfer fee rate tiers, in basis points. The rate walks down from the
// launch rate to the permanent rate over the first ten minutes after launch
// and is never raised again.
const (
	LaunchFeeBps    uint16 = 3000
	MidFeeBps       uint16 = 1500
	PermanentFeeBps uint16 = 500
)

// Boundaries of the fee tiers, measured from the launch timestamp.
const (
	MidFeeAfter       = 300 * time.Second
	PermanentFeeAfter = 600 * time.Second
)

// FeeSchedule is the engine's view of the on-ledger fee configuration.
type FeeSchedule struct {
	LaunchTimestamp *time.Time `json:"launch_timestamp"`
	CurrentRateBps  uint16     `json:"current_rate_bps"`
	Finalized       bool       `json:"finalized"`
}

// WithheldAccount is a token account of the managed mint that carries
// withheld transfer fees.
type WithheldAccount struct {
	Address  solana.PublicKey `json:"address"`
	Withheld uint64           `json:"withheld"`
}

// HarvestBatchResult summarizes one full harvest pass (all batches plus the
// mint withdrawal). AmountWithdrawnToHolding is the holding account balance
// delta measured across the pass, not a sum of per-batch amounts.
type HarvestBatchResult struct {
	AccountsProcessed        int      `json:"accounts_processed"`
	AccountsSkipped          int      `json:"accounts_skipped"`
	BatchesSucceeded         int      `json:"batches_succeeded"`
	BatchesFailed            int      `json:"batches_failed"`
	AmountHarvestedToMint    uint64   `json:"amount_harvested_to_mint"`
	AmountWithdrawnToHolding uint64   `json:"amount_withdrawn_to_holding"`
	TxSignatures             []string `json:"tx_signatures"`
}

// RolloverState is one persisted rollover row. Rollover is kept per reward
// asset: a cycle only folds in the row whose asset matches the cycle's
// reward asset, rows for other assets stay put until that asset is active
// again.
type RolloverState struct {
	RewardAsset solana.PublicKey `json:"reward_asset"`
	Amount      uint64           `json:"amount"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// HolderBalance is one row of the holder snapshot.
type HolderBalance struct {
	Address solana.PublicKey `json:"address"`
	Balance uint64           `json:"balance"`
}

// PriceSource tags where the token price used for eligibility came from.
type PriceSource string

const (
	PriceSourceMarket   PriceSource = "market"
	PriceSourceEstimate PriceSource = "estimate"
)

// PriceQuote is a USD price for the managed token together with its origin,
// so estimated prices are visible downstream.
type PriceQuote struct {
	PriceUSD float64     `json:"price_usd"`
	Source   PriceSource `json:"source"`
}

// Recipient is one planned payout.
type Recipient struct {
	Address  solana.PublicKey `json:"address"`
	Balance  uint64           `json:"balance"`
	ValueUSD float64          `json:"value_usd"`
	Amount   uint64           `json:"amount"`
}

// DistributionPlan is the planner's output for one cycle. Invariant:
// sum(Recipients[i].Amount) + RolloverAmount == TotalAmount.
type DistributionPlan struct {
	RewardAsset       solana.PublicKey `json:"reward_asset"`
	TotalAmount       uint64           `json:"total_amount"`
	Recipients        []Recipient      `json:"recipients"`
	RolloverAmount    uint64           `json:"rollover_amount"`
	NoEligibleHolders bool             `json:"no_eligible_holders"`
	HoldersConsidered int              `json:"holders_considered"`
	HoldersExcluded   int              `json:"holders_excluded"`
	Price             PriceQuote       `json:"price"`
}

// FailedRecipient records a payout that was planned but not delivered, for
// manual reconciliation.
type FailedRecipient struct {
	Address solana.PublicKey `json:"address"`
	Amount  uint64           `json:"amount"`
	Reason  string           `json:"reason"`
}

// DistributionResult is the executor's accounting for one plan.
type DistributionResult struct {
	Distributed      uint64            `json:"distributed"`
	Succeeded        int               `json:"succeeded"`
	Failed           int               `json:"failed"`
	TxSignatures     []string          `json:"tx_signatures"`
	FailedRecipients []FailedRecipient `json:"failed_recipients"`
}

// SwapQuote is a venue quote for converting harvested tokens into the
// reward asset.
type SwapQuote struct {
	InputMint      solana.PublicKey `json:"input_mint"`
	OutputMint     solana.PublicKey `json:"output_mint"`
	InAmount       uint64           `json:"in_amount"`
	OutAmount      uint64           `json:"out_amount"`
	PriceImpactPct float64          `json:"price_impact_pct"`

	// Raw is the venue's quote payload, passed back verbatim when building
	// the swap transaction.
	Raw []byte `json:"-"`
}

// SwapResult is the outcome of executing a quote.
type SwapResult struct {
	OutAmount   uint64 `json:"out_amount"`
	TxSignature string `json:"tx_signature"`
}

// CycleSnapshot is the persisted record of one keeper cycle.
type CycleSnapshot struct {
	CycleNumber     int       `json:"cycle_number"`
	CycleID         string    `json:"cycle_id"`
	StartedAt       time.Time `json:"started_at"`
	DurationMs      int64     `json:"duration_ms"`
	FeeRateBps      uint16    `json:"fee_rate_bps"`
	FeeFinalized    bool      `json:"fee_finalized"`
	AccumulatedFees uint64    `json:"accumulated_fees"`
	HarvestRan      bool      `json:"harvest_ran"`
	FailedStage     string    `json:"failed_stage,omitempty"`

	Harvest      *HarvestBatchResult `json:"harvest,omitempty"`
	Swap         *SwapResult         `json:"swap,omitempty"`
	Plan         *DistributionPlan   `json:"plan,omitempty"`
	Distribution *DistributionResult `json:"distribution,omitempty"`
}
