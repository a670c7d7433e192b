// Package metrics exposes the keeper's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keeper_cycles_total",
		Help: "Number of keeper cycles started.",
	})

	HarvestCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keeper_harvest_cycles_total",
		Help: "Number of cycles that ran the harvest chain.",
	})

	StageFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keeper_stage_failures_total",
		Help: "Stage failures by stage name.",
	}, []string{"stage"})

	HarvestedBaseUnitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keeper_harvested_base_units_total",
		Help: "Base units of fees withdrawn into the holding account.",
	})

	DistributedBaseUnitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keeper_distributed_base_units_total",
		Help: "Base units of rewards delivered to holders.",
	})

	FailedRecipientsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keeper_failed_recipients_total",
		Help: "Planned recipients whose payout batch failed.",
	})

	FeeRateBps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keeper_fee_rate_bps",
		Help: "Transfer fee rate last observed on the ledger, in basis points.",
	})

	FeeFinalized = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keeper_fee_finalized",
		Help: "1 once the fee schedule is finalized at the permanent rate.",
	})

	AccumulatedFeesBaseUnits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keeper_accumulated_fees_base_units",
		Help: "Total fee base units visible across holding, accounts and mint.",
	})

	RolloverBaseUnits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "keeper_rollover_base_units",
		Help: "Persisted rollover per reward asset.",
	}, []string{"reward_asset"})

	KeeperBalanceLamports = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keeper_balance_lamports",
		Help: "The keeper wallet's SOL balance in lamports.",
	})

	PriceEstimateUsed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keeper_price_estimate_used_total",
		Help: "Cycles where the eligibility price came from the oracle estimate.",
	})
)
