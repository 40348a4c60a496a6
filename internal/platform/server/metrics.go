package server

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/risk"
)

type Metrics struct {
	mintsTotal          *prometheus.CounterVec
	redemptionsTotal    *prometheus.CounterVec
	riskDecisionsTotal  *prometheus.CounterVec
	rateLimitTotal      *prometheus.CounterVec
	tokensActive        prometheus.Gauge
	tokensPendingSweep  prometheus.Gauge
	expirySweepDeleted  prometheus.Counter
	expirySweepRunsVec  *prometheus.CounterVec
	redemptionDurations prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		mintsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cashout",
				Subsystem: "tokens",
				Name:      "minted_total",
				Help:      "Total mint operations partitioned by result.",
			},
			[]string{"result"},
		),
		redemptionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cashout",
				Subsystem: "tokens",
				Name:      "redemptions_total",
				Help:      "Total redemption operations partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		riskDecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cashout",
				Subsystem: "risk",
				Name:      "decisions_total",
				Help:      "Total risk engine decisions partitioned by decision.",
			},
			[]string{"decision"},
		),
		rateLimitTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cashout",
				Subsystem: "ratelimit",
				Name:      "requests_total",
				Help:      "Rate limiter verdicts partitioned by route and outcome.",
			},
			[]string{"route", "outcome"},
		),
		tokensActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cashout",
				Subsystem: "tokens",
				Name:      "active",
				Help:      "Current count of ACTIVE, unexpired tokens.",
			},
		),
		tokensPendingSweep: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cashout",
				Subsystem: "tokens",
				Name:      "expired_pending_sweep",
				Help:      "ACTIVE rows already past expires_at awaiting the sweep.",
			},
		),
		expirySweepDeleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cashout",
				Subsystem: "tokens",
				Name:      "expiry_sweep_upgraded_total",
				Help:      "Total rows upgraded to EXPIRED by the sweep worker.",
			},
		),
		expirySweepRunsVec: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cashout",
				Subsystem: "tokens",
				Name:      "expiry_sweep_runs_total",
				Help:      "Total sweep runs partitioned by result.",
			},
			[]string{"result"},
		),
		redemptionDurations: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "cashout",
				Subsystem: "tokens",
				Name:      "redemption_duration_seconds",
				Help:      "Wall time of the redemption transaction.",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}

func (m *Metrics) ObserveMint(result string) {
	if m == nil {
		return
	}
	m.mintsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRedemption(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.redemptionsTotal.WithLabelValues(outcome).Inc()
	m.redemptionDurations.Observe(seconds)
}

func (m *Metrics) ObserveRiskDecision(decision risk.Decision) {
	if m == nil {
		return
	}
	m.riskDecisionsTotal.WithLabelValues(string(decision)).Inc()
}

func (m *Metrics) ObserveRateLimit(route, outcome string) {
	if m == nil {
		return
	}
	m.rateLimitTotal.WithLabelValues(route, outcome).Inc()
}

func (m *Metrics) ObserveExpirySweep(upgraded int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.expirySweepRunsVec.WithLabelValues("error").Inc()
		return
	}
	m.expirySweepRunsVec.WithLabelValues("success").Inc()
	if upgraded > 0 {
		m.expirySweepDeleted.Add(float64(upgraded))
	}
}

// RefreshTokenCounts polls the live token gauges from the database.
func (m *Metrics) RefreshTokenCounts(ctx context.Context, db *sql.DB) {
	if m == nil || db == nil {
		return
	}
	const q = `
SELECT
  COUNT(*) FILTER (WHERE status = 'ACTIVE' AND expires_at > NOW()) AS active,
  COUNT(*) FILTER (WHERE status = 'ACTIVE' AND expires_at <= NOW()) AS pending
FROM tokens
`
	var active int64
	var pending int64
	if err := db.QueryRowContext(ctx, q).Scan(&active, &pending); err != nil {
		return
	}
	m.tokensActive.Set(float64(active))
	m.tokensPendingSweep.Set(float64(pending))
}
