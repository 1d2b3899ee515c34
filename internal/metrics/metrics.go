// Package metrics provides Prometheus instrumentation for the Dealsafe platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dealsafe",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dealsafe",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PurchasesTotal counts escrow purchases by result.
	PurchasesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealsafe",
		Name:      "purchases_total",
		Help:      "Total purchase attempts by result.",
	}, []string{"result"})

	// CompletionsTotal counts order completions by trigger.
	CompletionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealsafe",
		Name:      "completions_total",
		Help:      "Total order completions by trigger (manual, auto, dispute).",
	}, []string{"trigger"})

	// RefundsTotal counts escrow refunds by trigger.
	RefundsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealsafe",
		Name:      "refunds_total",
		Help:      "Total escrow refunds by trigger (cancel, dispute).",
	}, []string{"trigger"})

	// DisputesOpenedTotal counts disputes raised.
	DisputesOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dealsafe",
		Name:      "disputes_opened_total",
		Help:      "Total disputes raised.",
	})

	// DisputesResolvedTotal counts dispute resolutions by kind.
	DisputesResolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealsafe",
		Name:      "disputes_resolved_total",
		Help:      "Total disputes resolved by resolution kind.",
	}, []string{"resolution"})

	// SweepRunsTotal counts auto-completion sweep executions.
	SweepRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dealsafe",
		Name:      "sweep_runs_total",
		Help:      "Total auto-completion sweep runs.",
	})

	// SweepOrdersTotal counts orders processed by the sweep, by result.
	SweepOrdersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealsafe",
		Name:      "sweep_orders_total",
		Help:      "Orders processed by the auto-completion sweep, by result.",
	}, []string{"result"})

	// EscrowHeldAmount tracks the total amount currently locked in escrow.
	EscrowHeldAmount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dealsafe",
		Name:      "escrow_held_amount",
		Help:      "Total amount currently held in escrow locks.",
	})

	// EscrowDuration observes time from lock to settlement in seconds.
	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dealsafe",
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow lock to settlement in seconds.",
		Buckets:   []float64{60, 600, 3600, 21600, 86400, 259200, 604800, 1209600},
	})

	// GatewayPayoutsTotal counts gateway payout attempts by outcome.
	GatewayPayoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealsafe",
		Name:      "gateway_payouts_total",
		Help:      "Gateway payout attempts by outcome.",
	}, []string{"outcome"})

	// ReconcileRunsTotal counts pending-payout reconciliation runs.
	ReconcileRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dealsafe",
		Name:      "reconcile_runs_total",
		Help:      "Total gateway reconciliation runs.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dealsafe", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dealsafe", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dealsafe", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dealsafe", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PurchasesTotal,
		CompletionsTotal,
		RefundsTotal,
		DisputesOpenedTotal,
		DisputesResolvedTotal,
		SweepRunsTotal,
		SweepOrdersTotal,
		EscrowHeldAmount,
		EscrowDuration,
		GatewayPayoutsTotal,
		ReconcileRunsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
