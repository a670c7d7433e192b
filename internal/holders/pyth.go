package holders

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/miko-network/keeper/internal/logger"
)

// PythClient reads the SOL/USD reference price from a Pyth Hermes endpoint.
type PythClient struct {
	baseURL string
	feedID  string
	http    *http.Client
	logger  zerolog.Logger
}

var _ SolOracle = (*PythClient)(nil)

func NewPythClient(baseURL, solFeedID string) *PythClient {
	return &PythClient{
		baseURL: baseURL,
		feedID:  solFeedID,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger.GetForComponent("pyth"),
	}
}

type hermesResponse struct {
	Parsed []struct {
		Price struct {
			Price string `json:"price"`
			Expo  int32  `json:"expo"`
		} `json:"price"`
	} `json:"parsed"`
}

// SolPriceUSD fetches the latest SOL/USD price update.
func (c *PythClient) SolPriceUSD(ctx context.Context) (float64, error) {
	url := fmt.Sprintf("%s/v2/updates/price/latest?ids[]=%s&parsed=true", c.baseURL, c.feedID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("hermes request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("hermes returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read hermes response: %w", err)
	}

	var parsed hermesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("failed to parse hermes response: %w", err)
	}
	if len(parsed.Parsed) == 0 {
		return 0, fmt.Errorf("%w: no price updates in hermes response", ErrInvalidPriceData)
	}

	raw, err := strconv.ParseInt(parsed.Parsed[0].Price.Price, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: price %q", ErrInvalidPriceData, parsed.Parsed[0].Price.Price)
	}
	price := float64(raw) * math.Pow10(int(parsed.Parsed[0].Price.Expo))
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, fmt.Errorf("%w: computed price %f", ErrInvalidPriceData, price)
	}

	c.logger.Debug().Float64("sol_price_usd", price).Msg("SOL reference price fetched")
	return price, nil
}
