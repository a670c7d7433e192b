// Package holders supplies the holder snapshot and the token price used
// for eligibility filtering. Birdeye is the primary source; when its price
// endpoint is unavailable the price is estimated from the Pyth SOL/USD feed
// and the configured pool ratio, and tagged as an estimate.
package holders

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/miko-network/keeper/internal/logger"
	"github.com/miko-network/keeper/internal/types"
)

var (
	ErrInvalidHolderData = errors.New("invalid holder data received")
	ErrInvalidPriceData  = errors.New("invalid price data received")
	ErrNoFallbackRatio   = errors.New("no fallback pool ratio configured")
)

// HolderLister enumerates current holders of the managed token.
type HolderLister interface {
	TokenHolders(ctx context.Context) ([]types.HolderBalance, error)
}

// PriceQuoter returns the managed token's market price in USD.
type PriceQuoter interface {
	TokenPriceUSD(ctx context.Context) (float64, error)
}

// SolOracle returns a reference SOL/USD price.
type SolOracle interface {
	SolPriceUSD(ctx context.Context) (float64, error)
}

// Source is the provider the planner consumes: holder snapshots from the
// lister, prices from the quoter with the oracle-based estimate as backup.
type Source struct {
	lister    HolderLister
	quoter    PriceQuoter
	oracle    SolOracle
	poolRatio float64
	logger    zerolog.Logger
}

// NewSource wires a holder source. poolRatio is tokens-per-SOL at the
// primary pool; zero disables the estimate path.
func NewSource(lister HolderLister, quoter PriceQuoter, oracle SolOracle, poolRatio float64) *Source {
	return &Source{
		lister:    lister,
		quoter:    quoter,
		oracle:    oracle,
		poolRatio: poolRatio,
		logger:    logger.GetForComponent("holders"),
	}
}

// Snapshot returns the current holder set.
func (s *Source) Snapshot(ctx context.Context) ([]types.HolderBalance, error) {
	return s.lister.TokenHolders(ctx)
}

// Price returns the token price, falling back to the oracle estimate when
// the market source fails. Estimated prices carry PriceSourceEstimate.
func (s *Source) Price(ctx context.Context) (types.PriceQuote, error) {
	price, err := s.quoter.TokenPriceUSD(ctx)
	if err == nil {
		return types.PriceQuote{PriceUSD: price, Source: types.PriceSourceMarket}, nil
	}
	s.logger.Warn().Err(err).Msg("Market price unavailable, trying oracle estimate")

	if s.oracle == nil || s.poolRatio <= 0 {
		return types.PriceQuote{}, fmt.Errorf("market price failed and %w: %v", ErrNoFallbackRatio, err)
	}
	solPrice, oracleErr := s.oracle.SolPriceUSD(ctx)
	if oracleErr != nil {
		return types.PriceQuote{}, fmt.Errorf("market price failed (%v) and oracle failed: %w", err, oracleErr)
	}

	estimate := solPrice / s.poolRatio
	s.logger.Warn().
		Float64("sol_price_usd", solPrice).
		Float64("pool_ratio", s.poolRatio).
		Float64("estimated_price_usd", estimate).
		Msg("Using estimated token price")
	return types.PriceQuote{PriceUSD: estimate, Source: types.PriceSourceEstimate}, nil
}
