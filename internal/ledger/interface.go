// Package ledger gives the keeper typed access to the chain. Everything the
// rest of the codebase needs from Solana goes through the Accessor
// interface; the byte-level Token-2022 work stays behind it.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/miko-network/keeper/internal/types"
)

var (
	// ErrAccountNotFound is returned when an account the keeper expected to
	// exist is missing on the ledger.
	ErrAccountNotFound = errors.New("account not found")
	// ErrNotConfirmed is returned when a submitted transaction did not reach
	// confirmed commitment within the confirmation window.
	ErrNotConfirmed = errors.New("transaction not confirmed in time")
	// ErrUnparseableAccount is returned for accounts whose data does not
	// decode as a Token-2022 account with the expected extensions.
	ErrUnparseableAccount = errors.New("unparseable token account")
)

// Transfer is one payout inside a distribution batch.
type Transfer struct {
	Recipient solana.PublicKey
	Amount    uint64
}

// Accessor is the capability surface the keeper needs from the ledger.
// Implementations must be safe for use from a single cycle goroutine plus
// the web server's read-only calls.
type Accessor interface {
	// ListWithheldAccounts enumerates token accounts of the managed mint
	// that currently carry withheld transfer fees. Accounts that exist but
	// do not decode are skipped by the implementation and reported via the
	// returned skip count.
	ListWithheldAccounts(ctx context.Context) (accounts []types.WithheldAccount, skipped int, err error)

	// MintWithheldAmount reads the withheld fee balance accumulated on the
	// mint account itself.
	MintWithheldAmount(ctx context.Context) (uint64, error)

	// HarvestBatch moves withheld fees from the given token accounts onto
	// the mint. Permissionless; the keeper only pays the transaction fee.
	HarvestBatch(ctx context.Context, accounts []solana.PublicKey) (txSig string, err error)

	// WithdrawMintWithheld moves the mint's withheld balance into the
	// keeper's holding account.
	WithdrawMintWithheld(ctx context.Context) (txSig string, err error)

	// HoldingBalance reads the balance of the keeper's holding account for
	// the managed mint. A missing holding account reads as zero.
	HoldingBalance(ctx context.Context) (uint64, error)

	// RewardBalance reads the keeper's spendable balance of the given
	// reward asset (lamports for native SOL, token base units otherwise).
	RewardBalance(ctx context.Context, asset solana.PublicKey) (uint64, error)

	// ReadCurrentFeeRate reads the transfer fee rate actually configured on
	// the mint, in basis points.
	ReadCurrentFeeRate(ctx context.Context) (uint16, error)

	// ApplyFeeRateUpdate sets the mint's transfer fee to newRateBps. The
	// finalize flag marks the update as the terminal one; finality itself is
	// recorded off-ledger by the caller after confirmation.
	ApplyFeeRateUpdate(ctx context.Context, newRateBps uint16, finalize bool) (txSig string, err error)

	// LaunchTimestamp reads the token launch time from the vault state
	// account. Returns nil before launch.
	LaunchTimestamp(ctx context.Context) (*time.Time, error)

	// TransferBatch pays out one batch of recipients in the given asset
	// from the keeper's account, creating recipient token accounts
	// idempotently when the asset is not native SOL. The whole batch
	// succeeds or fails as one transaction.
	TransferBatch(ctx context.Context, asset solana.PublicKey, transfers []Transfer) (txSig string, err error)

	// ProgramOwner reports which program owns the account at addr and
	// whether it is executable. A missing account reports the zero key.
	ProgramOwner(ctx context.Context, addr solana.PublicKey) (owner solana.PublicKey, executable bool, err error)

	// TokenAccountOwner resolves the owner authority of a token account of
	// the managed mint.
	TokenAccountOwner(ctx context.Context, tokenAccount solana.PublicKey) (solana.PublicKey, error)

	// KeeperBalance reads the keeper's own SOL balance in lamports.
	KeeperBalance(ctx context.Context) (uint64, error)

	// BlockTime reads the cluster clock from the latest slot. Falls back
	// with an error when the RPC node has no block time for the slot.
	BlockTime(ctx context.Context) (time.Time, error)

	// KeeperAddress returns the keeper's public key.
	KeeperAddress() solana.PublicKey

	// HoldingAddress returns the keeper's holding token account for the
	// managed mint.
	HoldingAddress() solana.PublicKey

	// SignAndSubmit signs a venue-built transaction with the keeper key and
	// submits it, waiting for confirmation.
	SignAndSubmit(ctx context.Context, tx *solana.Transaction) (txSig string, err error)
}
