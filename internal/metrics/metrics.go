// Package metrics holds the relayer's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RelayOutcomes counts finished purchase requests by classification
	// ("confirmed" or an error kind such as "REPLAY_DETECTED").
	RelayOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lottery_relay_outcomes_total",
		Help: "Purchase relay requests by terminal outcome",
	}, []string{"outcome"})

	RelayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lottery_relay_duration_seconds",
		Help:    "Purchase relay latency",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	}, []string{"outcome"})

	NonceResyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lottery_relayer_nonce_resyncs_total",
		Help: "Relayer nonce reconciliations against the chain",
	})

	NonceDrift = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lottery_relayer_nonce_drift",
		Help: "Difference between chain-authoritative and locally tracked next nonce at last resync",
	})

	ReimbursementRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lottery_reimbursement_runs_total",
		Help: "Reimbursement reconciler runs by result",
	}, []string{"result"})

	ReimbursementClaimedWei = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lottery_reimbursement_claimed_wei_total",
		Help: "Wei claimed back from the lottery contract",
	})

	RelayerBalanceWei = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lottery_relayer_balance_wei",
		Help: "Relayer native balance at last check",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lottery_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})
)
