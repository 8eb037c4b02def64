package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_total", Help: "Price updates ingested per coin"},
		[]string{"symbol"},
	)
	SnapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "snapshots_total", Help: "Snapshots emitted by a feed"},
		[]string{"source"},
	)
	TicksEvaluated = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "engine_ticks_evaluated_total", Help: "Snapshots evaluated by the engine"},
	)
	TicksRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "engine_ticks_rejected_total", Help: "Snapshots refused by the engine"},
		[]string{"reason"},
	)
	IntentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "engine_intents_total", Help: "Intents emitted by kind"},
		[]string{"kind"},
	)
	LockActive = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "engine_lock_active", Help: "1 while a trend lock is held"},
	)
	EntryStreak = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "engine_entry_streak", Help: "Consecutive qualifying ticks per candidate"},
		[]string{"coin"},
	)
	ExitStreak = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "engine_exit_streak", Help: "Consecutive collapsing ticks of the active coin"},
	)
	EvaluationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "engine_evaluation_seconds", Help: "Per-tick evaluation latency", Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8)},
	)
	SurvivalFlags = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "survival_flags_total", Help: "Coins flagged for removal"},
		[]string{"reason"},
	)
	CheckpointErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "checkpoint_errors_total", Help: "Failed checkpoint writes"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted"},
		[]string{"symbol", "side"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal, SnapshotsTotal, TicksEvaluated, TicksRejected, IntentsTotal,
		LockActive, EntryStreak, ExitStreak, EvaluationSeconds, SurvivalFlags,
		CheckpointErrors, OrdersTotal,
	)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
