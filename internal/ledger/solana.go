package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"

	"github.com/miko-network/keeper/internal/config"
	"github.com/miko-network/keeper/internal/logger"
	"github.com/miko-network/keeper/internal/types"
)

// Vault state account layout: 8-byte discriminator, launch timestamp as
// unix seconds (i64), fee-finalized flag (u8).
const (
	vaultStateMinLen       = 17
	vaultStateLaunchOffset = 8
)

const (
	confirmPollInterval = 2 * time.Second
	confirmMaxAttempts  = 30
)

// Compute unit ceilings for the batch transactions. Harvest touches up to
// a full batch of accounts in one instruction; a distribution batch pairs
// an ATA create with each transfer.
const (
	harvestComputeUnitLimit  = 600_000
	transferComputeUnitLimit = 400_000
)

// Client is the live Accessor backed by a Solana JSON-RPC node.
type Client struct {
	rpc    *rpc.Client
	signer solana.PrivateKey
	keeper solana.PublicKey

	mint            solana.PublicKey
	mintDecimals    uint8
	rewardDecimals  uint8
	vaultState      solana.PublicKey
	holding         solana.PublicKey
	priorityFee     uint64

	logger zerolog.Logger
}

var _ Accessor = (*Client)(nil)

// NewClient loads the keeper keypair and prepares a live ledger client.
func NewClient(cfg *config.Config) (*Client, error) {
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeeperKeypairPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load keeper keypair: %w", err)
	}
	keeper := signer.PublicKey()

	holding, err := associatedTokenAddress(keeper, cfg.TokenMint, Token2022ProgramID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive holding account: %w", err)
	}

	c := &Client{
		rpc:            rpc.New(cfg.RPCEndpoint),
		signer:         signer,
		keeper:         keeper,
		mint:           cfg.TokenMint,
		mintDecimals:   cfg.TokenDecimals,
		rewardDecimals: cfg.RewardAssetDecimals,
		vaultState:     cfg.VaultStateAccount,
		holding:        holding,
		priorityFee:    cfg.PriorityFeeMicroLamports,
		logger:         logger.GetForComponent("ledger"),
	}

	c.logger.Info().
		Str("keeper", keeper.String()).
		Str("mint", cfg.TokenMint.String()).
		Str("holding", holding.String()).
		Msg("Ledger client initialized")
	return c, nil
}

func (c *Client) KeeperAddress() solana.PublicKey  { return c.keeper }
func (c *Client) HoldingAddress() solana.PublicKey { return c.holding }

// tokenProgramFor picks the owning token program for an asset. Only the
// managed mint lives under Token-2022; reward assets are legacy SPL.
func (c *Client) tokenProgramFor(asset solana.PublicKey) solana.PublicKey {
	if asset.Equals(c.mint) {
		return Token2022ProgramID
	}
	return solana.TokenProgramID
}

func (c *Client) decimalsFor(asset solana.PublicKey) uint8 {
	if asset.Equals(c.mint) {
		return c.mintDecimals
	}
	return c.rewardDecimals
}

func (c *Client) ListWithheldAccounts(ctx context.Context) ([]types.WithheldAccount, int, error) {
	res, err := c.rpc.GetProgramAccountsWithOpts(ctx, Token2022ProgramID, &rpc.GetProgramAccountsOpts{
		Commitment: rpc.CommitmentConfirmed,
		Encoding:   solana.EncodingBase64,
		Filters: []rpc.RPCFilter{
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(c.mint.Bytes())}},
		},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to enumerate token accounts: %w", err)
	}

	var accounts []types.WithheldAccount
	skipped := 0
	for _, keyed := range res {
		if keyed.Account == nil {
			continue
		}
		data := keyed.Account.Data.GetBinary()
		withheld, err := decodeAccountWithheld(data)
		if err != nil {
			skipped++
			c.logger.Warn().Err(err).
				Str("account", keyed.Pubkey.String()).
				Msg("Skipping unparseable token account")
			continue
		}
		if withheld == 0 {
			continue
		}
		accounts = append(accounts, types.WithheldAccount{Address: keyed.Pubkey, Withheld: withheld})
	}
	return accounts, skipped, nil
}

func (c *Client) mintFeeConfig(ctx context.Context) (*transferFeeConfig, error) {
	res, err := c.rpc.GetAccountInfoWithOpts(ctx, c.mint, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentConfirmed,
		Encoding:   solana.EncodingBase64,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("%w: mint %s", ErrAccountNotFound, c.mint)
		}
		return nil, fmt.Errorf("failed to read mint account: %w", err)
	}
	return decodeMintTransferFeeConfig(res.Value.Data.GetBinary())
}

func (c *Client) MintWithheldAmount(ctx context.Context) (uint64, error) {
	cfg, err := c.mintFeeConfig(ctx)
	if err != nil {
		return 0, err
	}
	return cfg.WithheldAmount, nil
}

func (c *Client) ReadCurrentFeeRate(ctx context.Context) (uint16, error) {
	cfg, err := c.mintFeeConfig(ctx)
	if err != nil {
		return 0, err
	}
	return cfg.NewerFeeBps, nil
}

func (c *Client) HarvestBatch(ctx context.Context, accounts []solana.PublicKey) (string, error) {
	if len(accounts) == 0 {
		return "", errors.New("empty harvest batch")
	}
	ixs := []solana.Instruction{
		newComputeUnitLimitIx(harvestComputeUnitLimit),
		newComputeUnitPriceIx(c.priorityFee),
		newHarvestWithheldToMintIx(c.mint, accounts),
	}
	return c.sendInstructions(ctx, ixs)
}

func (c *Client) WithdrawMintWithheld(ctx context.Context) (string, error) {
	createIx, _, err := newCreateIdempotentATAIx(c.keeper, c.keeper, c.mint, Token2022ProgramID)
	if err != nil {
		return "", err
	}
	ixs := []solana.Instruction{
		newComputeUnitPriceIx(c.priorityFee),
		createIx,
		newWithdrawWithheldFromMintIx(c.mint, c.holding, c.keeper),
	}
	return c.sendInstructions(ctx, ixs)
}

func (c *Client) ApplyFeeRateUpdate(ctx context.Context, newRateBps uint16, finalize bool) (string, error) {
	cfg, err := c.mintFeeConfig(ctx)
	if err != nil {
		return "", err
	}
	ixs := []solana.Instruction{
		newComputeUnitPriceIx(c.priorityFee),
		newSetTransferFeeIx(c.mint, c.keeper, newRateBps, cfg.NewerMaxFee),
	}
	sig, err := c.sendInstructions(ctx, ixs)
	if err != nil {
		return "", err
	}
	c.logger.Info().
		Uint16("new_rate_bps", newRateBps).
		Bool("finalize", finalize).
		Str("tx", sig).
		Msg("Transfer fee updated on ledger")
	return sig, nil
}

func (c *Client) tokenAccountBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	res, err := c.rpc.GetTokenAccountBalance(ctx, account, rpc.CommitmentConfirmed)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read token balance of %s: %w", account, err)
	}
	if res.Value == nil {
		return 0, nil
	}
	amount, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid token amount %q: %w", res.Value.Amount, err)
	}
	return amount, nil
}

func (c *Client) HoldingBalance(ctx context.Context) (uint64, error) {
	return c.tokenAccountBalance(ctx, c.holding)
}

func (c *Client) RewardBalance(ctx context.Context, asset solana.PublicKey) (uint64, error) {
	if asset.Equals(solana.SolMint) {
		return c.KeeperBalance(ctx)
	}
	ata, err := associatedTokenAddress(c.keeper, asset, c.tokenProgramFor(asset))
	if err != nil {
		return 0, err
	}
	return c.tokenAccountBalance(ctx, ata)
}

func (c *Client) LaunchTimestamp(ctx context.Context) (*time.Time, error) {
	res, err := c.rpc.GetAccountInfoWithOpts(ctx, c.vaultState, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentConfirmed,
		Encoding:   solana.EncodingBase64,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("%w: vault state %s", ErrAccountNotFound, c.vaultState)
		}
		return nil, fmt.Errorf("failed to read vault state: %w", err)
	}
	data := res.Value.Data.GetBinary()
	if len(data) < vaultStateMinLen {
		return nil, fmt.Errorf("%w: vault state truncated (%d bytes)", ErrUnparseableAccount, len(data))
	}
	launch := int64(binary.LittleEndian.Uint64(data[vaultStateLaunchOffset : vaultStateLaunchOffset+8]))
	if launch == 0 {
		return nil, nil
	}
	t := time.Unix(launch, 0).UTC()
	return &t, nil
}

func (c *Client) TransferBatch(ctx context.Context, asset solana.PublicKey, transfers []Transfer) (string, error) {
	if len(transfers) == 0 {
		return "", errors.New("empty transfer batch")
	}
	ixs := []solana.Instruction{
		newComputeUnitLimitIx(transferComputeUnitLimit),
		newComputeUnitPriceIx(c.priorityFee),
	}

	if asset.Equals(solana.SolMint) {
		for _, tr := range transfers {
			ixs = append(ixs, system.NewTransferInstruction(tr.Amount, c.keeper, tr.Recipient).Build())
		}
		return c.sendInstructions(ctx, ixs)
	}

	program := c.tokenProgramFor(asset)
	decimals := c.decimalsFor(asset)
	source, err := associatedTokenAddress(c.keeper, asset, program)
	if err != nil {
		return "", err
	}
	for _, tr := range transfers {
		createIx, ata, err := newCreateIdempotentATAIx(c.keeper, tr.Recipient, asset, program)
		if err != nil {
			return "", err
		}
		ixs = append(ixs,
			createIx,
			newTransferCheckedIx(source, asset, ata, c.keeper, tr.Amount, decimals),
		)
	}
	return c.sendInstructions(ctx, ixs)
}

func (c *Client) ProgramOwner(ctx context.Context, addr solana.PublicKey) (solana.PublicKey, bool, error) {
	res, err := c.rpc.GetAccountInfoWithOpts(ctx, addr, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return solana.PublicKey{}, false, nil
		}
		return solana.PublicKey{}, false, fmt.Errorf("failed to read account %s: %w", addr, err)
	}
	if res.Value == nil {
		return solana.PublicKey{}, false, nil
	}
	return res.Value.Owner, res.Value.Executable, nil
}

func (c *Client) TokenAccountOwner(ctx context.Context, tokenAccount solana.PublicKey) (solana.PublicKey, error) {
	res, err := c.rpc.GetAccountInfoWithOpts(ctx, tokenAccount, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentConfirmed,
		Encoding:   solana.EncodingBase64,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return solana.PublicKey{}, fmt.Errorf("%w: %s", ErrAccountNotFound, tokenAccount)
		}
		return solana.PublicKey{}, err
	}
	_, owner, _, err := decodeTokenAccountBase(res.Value.Data.GetBinary())
	if err != nil {
		return solana.PublicKey{}, err
	}
	return owner, nil
}

func (c *Client) KeeperBalance(ctx context.Context) (uint64, error) {
	res, err := c.rpc.GetBalance(ctx, c.keeper, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("failed to read keeper balance: %w", err)
	}
	return res.Value, nil
}

func (c *Client) BlockTime(ctx context.Context) (time.Time, error) {
	slot, err := c.rpc.GetSlot(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read slot: %w", err)
	}
	bt, err := c.rpc.GetBlockTime(ctx, slot)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read block time: %w", err)
	}
	if bt == nil {
		return time.Time{}, errors.New("no block time available for latest slot")
	}
	return bt.Time().UTC(), nil
}

// sendInstructions builds, signs, submits and confirms a transaction made
// of the given instructions with the keeper as fee payer.
func (c *Client) sendInstructions(ctx context.Context, ixs []solana.Instruction) (string, error) {
	recent, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return "", fmt.Errorf("failed to fetch blockhash: %w", err)
	}
	tx, err := solana.NewTransaction(ixs, recent.Value.Blockhash, solana.TransactionPayer(c.keeper))
	if err != nil {
		return "", fmt.Errorf("failed to build transaction: %w", err)
	}
	return c.SignAndSubmit(ctx, tx)
}

func (c *Client) SignAndSubmit(ctx context.Context, tx *solana.Transaction) (string, error) {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.keeper) {
			return &c.signer
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", fmt.Errorf("failed to submit transaction: %w", err)
	}
	if err := c.confirm(ctx, sig); err != nil {
		return sig.String(), err
	}
	return sig.String(), nil
}

// confirm polls signature status until confirmed commitment or timeout.
func (c *Client) confirm(ctx context.Context, sig solana.Signature) error {
	for attempt := 0; attempt < confirmMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(confirmPollInterval):
		}

		res, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			c.logger.Debug().Err(err).Str("tx", sig.String()).Msg("Signature status poll failed")
			continue
		}
		if len(res.Value) == 0 || res.Value[0] == nil {
			continue
		}
		status := res.Value[0]
		if status.Err != nil {
			return fmt.Errorf("transaction %s failed on ledger: %v", sig, status.Err)
		}
		switch status.ConfirmationStatus {
		case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotConfirmed, sig)
}
