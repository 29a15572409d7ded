// Package metrics defines prometheus metrics to expose
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_api_generation_duration_seconds",
			Help:    "Total time taken for generations in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 15, 20, 25, 30, 40, 50, 75, 100, 150, 200, 350, 400, 500, 600},
		},
		[]string{"model", "path"},
	)

	TimeToFirstFragment = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_api_time_to_first_fragment_seconds",
			Help:    "Time to first streamed fragment in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90},
		},
		[]string{"model"},
	)

	InputChars = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_input_chars_total",
			Help: "Total number of characters sent upstream",
		},
		[]string{"model"},
	)

	OutputChars = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_output_chars_total",
			Help: "Total number of characters generated",
		},
		[]string{"model"},
	)

	GenerationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_generation_count_total",
			Help: "Total number of generation attempts by outcome",
		},
		[]string{"model", "path", "outcome"},
	)

	AmountCharged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_amount_charged_total",
			Help: "Total amount debited from principals",
		},
		[]string{"model"},
	)

	ModelFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_model_fallback_total",
			Help: "Requests for unknown models remapped to the default model",
		},
		[]string{"default_model"},
	)

	InsufficientFunds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_insufficient_funds_total",
			Help: "Requests rejected before dispatch for low balance",
		},
		[]string{"model"},
	)

	InflightGenerations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_api_inflight_generations",
			Help: "Current inflight generations",
		},
	)

	CanceledGenerations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_canceled_generations_total",
			Help: "Generations cut short by client disconnect",
		},
		[]string{"model"},
	)

	SettlementFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_api_settlement_failures_total",
			Help: "Settlements that could not be committed and need reconciliation",
		},
	)

	MirrorSyncFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_api_mirror_sync_failures_total",
			Help: "Best effort balance mirror syncs that failed",
		},
	)

	ExpiredChatsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_api_expired_chats_removed_total",
			Help: "Temporary conversations removed by the janitor",
		},
	)

	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_error_count",
			Help: "Error count",
		},
		[]string{"model", "path", "code"},
	)
	ResponseCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_status_code",
			Help: "Status Codes",
		},
		[]string{"path", "status_code"},
		//we don't need model here because we know what models are being failed from error count
	)
)
