package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault service.
type Metrics struct {
	// --- Engine ---
	TxApplied      *prometheus.CounterVec
	TxRejected     *prometheus.CounterVec
	TxDuration     *prometheus.HistogramVec
	TxStale        *prometheus.CounterVec
	StateHashDur   prometheus.Histogram
	EngineSeq      prometheus.Gauge
	EpochsOpened   *prometheus.CounterVec
	SyncApplied    *prometheus.CounterVec
	Rebalances     *prometheus.CounterVec
	VaultLiquidity *prometheus.GaugeVec
	VaultBorrowed  *prometheus.GaugeVec

	// --- Collaborators ---
	CollabCalls    *prometheus.CounterVec
	CollabDuration *prometheus.HistogramVec

	// --- Ingestion ---
	PriceTicks          *prometheus.CounterVec
	PriceTickGaps       *prometheus.CounterVec
	KeeperRuns          *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Duration    prometheus.Histogram

	// --- Persistence ---
	PersistTxWritten    prometheus.Counter
	PersistBatchSize    prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	PersistErrors       *prometheus.CounterVec
	PersistRetry        prometheus.Counter
	PersistLastSequence prometheus.Gauge

	// --- HTTP API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.25,
	}
	collabBuckets := []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5}

	return &Metrics{
		TxApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_tx_applied_total",
			Help: "Transactions committed by the engine",
		}, []string{"event_type"}),

		TxRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_tx_rejected_total",
			Help: "Transactions aborted, by error kind",
		}, []string{"event_type", "kind"}),

		TxDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_tx_duration_seconds",
			Help:    "Transaction duration including collaborator calls",
			Buckets: collabBuckets,
		}, []string{"event_type"}),

		TxStale: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_tx_stale_total",
			Help: "Transactions rejected at commit because state moved underneath them",
		}, []string{"event_type"}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_state_hash_duration_seconds",
			Help:    "Time to compute the transaction hash chain entry",
			Buckets: latencyBuckets,
		}),

		EngineSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_engine_sequence",
			Help: "Last committed transaction sequence",
		}),

		EpochsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_epochs_opened_total",
			Help: "Market epochs and hedge slots opened",
		}, []string{"vault_id", "kind"}),

		SyncApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_sync_epochs_applied_total",
			Help: "Historical epochs or slots applied by participant sync",
		}, []string{"kind"}),

		Rebalances: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_rebalances_total",
			Help: "Rebalances committed",
		}, []string{"vault_id", "kind", "side"}),

		VaultLiquidity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_liquidity",
			Help: "Vault liquidity in the current market epoch",
		}, []string{"vault_id"}),

		VaultBorrowed: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_borrowed_amount",
			Help: "Borrowed amount in the current hedge slot",
		}, []string{"vault_id"}),

		CollabCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_collaborator_calls_total",
			Help: "Calls to external collaborators",
		}, []string{"collaborator", "op", "status"}),

		CollabDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_collaborator_duration_seconds",
			Help:    "Collaborator call latency",
			Buckets: collabBuckets,
		}, []string{"collaborator", "op"}),

		PriceTicks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_price_ticks_total",
			Help: "Inbound price ticks by outcome",
		}, []string{"outcome"}),

		PriceTickGaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_price_tick_gaps_total",
			Help: "Gaps in the price tick sequence",
		}, []string{"vault_id"}),

		KeeperRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_keeper_runs_total",
			Help: "Scheduled keeper job runs",
		}, []string{"job", "status"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Outputs dropped due to a full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_idempotency_duplicates_total",
			Help: "Duplicate requests caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		PersistTxWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_tx_written_total",
			Help: "Transactions written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_size",
			Help:    "Transactions per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_api_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: collabBuckets,
		}, []string{"route"}),
	}
}
