package holders

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/miko-network/keeper/internal/logger"
	"github.com/miko-network/keeper/internal/types"
)

const (
	maxRetries     = 3
	requestTimeout = 30 * time.Second

	holderPageLimit = 100
	maxHolderPages  = 200
)

// BirdeyeClient talks to the Birdeye public API for holder lists and spot
// prices of the managed token.
type BirdeyeClient struct {
	baseURL string
	apiKey  string
	mint    solana.PublicKey
	http    *http.Client
	logger  zerolog.Logger
}

var (
	_ HolderLister = (*BirdeyeClient)(nil)
	_ PriceQuoter  = (*BirdeyeClient)(nil)
)

func NewBirdeyeClient(baseURL, apiKey string, mint solana.PublicKey) *BirdeyeClient {
	return &BirdeyeClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		mint:    mint,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger.GetForComponent("birdeye"),
	}
}

type birdeyeHolderResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Items []struct {
			Owner  string `json:"owner"`
			Amount string `json:"amount"`
		} `json:"items"`
	} `json:"data"`
}

type birdeyePriceResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Value float64 `json:"value"`
	} `json:"data"`
}

// TokenHolders pages through the holder list endpoint until a short page.
func (c *BirdeyeClient) TokenHolders(ctx context.Context) ([]types.HolderBalance, error) {
	var holders []types.HolderBalance
	for page := 0; page < maxHolderPages; page++ {
		url := fmt.Sprintf("%s/defi/v3/token/holder?address=%s&offset=%d&limit=%d",
			c.baseURL, c.mint, page*holderPageLimit, holderPageLimit)

		var resp birdeyeHolderResponse
		if err := c.getJSON(ctx, url, &resp); err != nil {
			return nil, fmt.Errorf("failed to fetch holder page %d: %w", page, err)
		}
		if !resp.Success {
			return nil, fmt.Errorf("%w: holder endpoint reported failure", ErrInvalidHolderData)
		}

		for _, item := range resp.Data.Items {
			owner, err := solana.PublicKeyFromBase58(item.Owner)
			if err != nil {
				c.logger.Warn().Str("owner", item.Owner).Msg("Skipping holder with invalid address")
				continue
			}
			amount, err := strconv.ParseUint(item.Amount, 10, 64)
			if err != nil {
				c.logger.Warn().
					Str("owner", item.Owner).
					Str("amount", item.Amount).
					Msg("Skipping holder with invalid amount")
				continue
			}
			if amount == 0 {
				continue
			}
			holders = append(holders, types.HolderBalance{Address: owner, Balance: amount})
		}

		if len(resp.Data.Items) < holderPageLimit {
			break
		}
	}

	c.logger.Debug().Int("holders", len(holders)).Msg("Holder snapshot fetched")
	return holders, nil
}

// TokenPriceUSD fetches the spot price of the managed token.
func (c *BirdeyeClient) TokenPriceUSD(ctx context.Context) (float64, error) {
	url := fmt.Sprintf("%s/defi/price?address=%s", c.baseURL, c.mint)

	var resp birdeyePriceResponse
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, fmt.Errorf("%w: price endpoint reported failure", ErrInvalidPriceData)
	}
	if resp.Data.Value <= 0 || math.IsNaN(resp.Data.Value) || math.IsInf(resp.Data.Value, 0) {
		return 0, fmt.Errorf("%w: price %f", ErrInvalidPriceData, resp.Data.Value)
	}
	return resp.Data.Value, nil
}

// getJSON fetches a URL with bounded retries and decodes the body.
func (c *BirdeyeClient) getJSON(ctx context.Context, url string, out interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("X-API-KEY", c.apiKey)
		req.Header.Set("accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("HTTP request failed on attempt %d: %w", attempt, err)
		} else {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			switch {
			case readErr != nil:
				lastErr = fmt.Errorf("failed to read response body: %w", readErr)
			case resp.StatusCode != http.StatusOK:
				lastErr = fmt.Errorf("API returned status %d", resp.StatusCode)
			default:
				if err := json.Unmarshal(body, out); err != nil {
					lastErr = fmt.Errorf("failed to parse response: %w", err)
				} else {
					return nil
				}
			}
		}

		c.logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("Birdeye request failed, will retry if attempts remain")
		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", maxRetries, lastErr)
}
