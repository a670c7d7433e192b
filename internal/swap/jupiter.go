// Package swap converts harvested tokens into the reward asset through an
// aggregator venue.
package swap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/miko-network/keeper/internal/logger"
	"github.com/miko-network/keeper/internal/types"
)

var (
	ErrPriceImpactTooHigh = errors.New("quote price impact above configured maximum")
	ErrInvalidQuote       = errors.New("invalid quote received")
)

const requestTimeout = 30 * time.Second

// Submitter signs and submits a venue-built transaction. Satisfied by the
// ledger client.
type Submitter interface {
	KeeperAddress() solana.PublicKey
	SignAndSubmit(ctx context.Context, tx *solana.Transaction) (string, error)
}

// Venue quotes and executes swaps.
type Venue interface {
	Quote(ctx context.Context, input, output solana.PublicKey, amount uint64) (*types.SwapQuote, error)
	Execute(ctx context.Context, quote *types.SwapQuote) (*types.SwapResult, error)
}

// JupiterClient is the live Venue against the Jupiter aggregator API.
type JupiterClient struct {
	baseURL           string
	slippageBps       uint64
	maxPriceImpactPct float64
	submitter         Submitter
	http              *http.Client
	logger            zerolog.Logger
}

var _ Venue = (*JupiterClient)(nil)

func NewJupiterClient(baseURL string, slippageBps uint64, maxPriceImpactPct float64, submitter Submitter) *JupiterClient {
	return &JupiterClient{
		baseURL:           baseURL,
		slippageBps:       slippageBps,
		maxPriceImpactPct: maxPriceImpactPct,
		submitter:         submitter,
		http:              &http.Client{Timeout: requestTimeout},
		logger:            logger.GetForComponent("swap"),
	}
}

type jupiterQuoteResponse struct {
	InAmount       string `json:"inAmount"`
	OutAmount      string `json:"outAmount"`
	PriceImpactPct string `json:"priceImpactPct"`
}

type jupiterSwapRequest struct {
	QuoteResponse    json.RawMessage `json:"quoteResponse"`
	UserPublicKey    string          `json:"userPublicKey"`
	WrapAndUnwrapSol bool            `json:"wrapAndUnwrapSol"`
}

type jupiterSwapResponse struct {
	SwapTransaction string `json:"swapTransaction"`
}

// Quote fetches a route and rejects it when the price impact exceeds the
// configured maximum.
func (c *JupiterClient) Quote(ctx context.Context, input, output solana.PublicKey, amount uint64) (*types.SwapQuote, error) {
	url := fmt.Sprintf("%s/quote?inputMint=%s&outputMint=%s&amount=%d&slippageBps=%d",
		c.baseURL, input, output, amount, c.slippageBps)

	body, err := c.get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quote: %w", err)
	}

	var parsed jupiterQuoteResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse quote: %w", err)
	}

	inAmount, err := strconv.ParseUint(parsed.InAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: inAmount %q", ErrInvalidQuote, parsed.InAmount)
	}
	outAmount, err := strconv.ParseUint(parsed.OutAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: outAmount %q", ErrInvalidQuote, parsed.OutAmount)
	}
	if outAmount == 0 {
		return nil, fmt.Errorf("%w: zero output amount", ErrInvalidQuote)
	}
	// priceImpactPct is already a percentage figure.
	impact := 0.0
	if parsed.PriceImpactPct != "" {
		impact, err = strconv.ParseFloat(parsed.PriceImpactPct, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: priceImpactPct %q", ErrInvalidQuote, parsed.PriceImpactPct)
		}
	}
	if impact > c.maxPriceImpactPct {
		return nil, fmt.Errorf("%w: %.4f%% > %.2f%%", ErrPriceImpactTooHigh, impact, c.maxPriceImpactPct)
	}

	c.logger.Debug().
		Uint64("in_amount", inAmount).
		Uint64("out_amount", outAmount).
		Float64("price_impact_pct", impact).
		Msg("Quote fetched")

	return &types.SwapQuote{
		InputMint:      input,
		OutputMint:     output,
		InAmount:       inAmount,
		OutAmount:      outAmount,
		PriceImpactPct: impact,
		Raw:            body,
	}, nil
}

// Execute asks the venue for a swap transaction built from the quote, then
// signs and submits it through the ledger client.
func (c *JupiterClient) Execute(ctx context.Context, quote *types.SwapQuote) (*types.SwapResult, error) {
	payload, err := json.Marshal(jupiterSwapRequest{
		QuoteResponse:    quote.Raw,
		UserPublicKey:    c.submitter.KeeperAddress().String(),
		WrapAndUnwrapSol: true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/swap", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("swap request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("swap endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read swap response: %w", err)
	}

	var parsed jupiterSwapResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse swap response: %w", err)
	}
	tx, err := solana.TransactionFromBase64(parsed.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("failed to decode swap transaction: %w", err)
	}

	sig, err := c.submitter.SignAndSubmit(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to submit swap: %w", err)
	}

	c.logger.Info().
		Str("tx", sig).
		Uint64("out_amount", quote.OutAmount).
		Msg("Swap executed")
	return &types.SwapResult{OutAmount: quote.OutAmount, TxSignature: sig}, nil
}

func (c *JupiterClient) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
