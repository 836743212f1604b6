package telemetry

// Histogram bucket definitions
var (
	// PublishBuckets for a broker round trip
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// BatchSizeBuckets for records per broker request
	BatchSizeBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}

	// TransactionRowBuckets for rows per committed source transaction
	TransactionRowBuckets = []float64{1, 2, 5, 10, 50, 100, 500, 1000, 10000}
)

// Pipeline Metrics
var (
	// EventsProcessedTotal counts events the processor handled successfully
	EventsProcessedTotal Counter = NoopStat{}

	// EventsFailedTotal counts events the processor rejected
	EventsFailedTotal Counter = NoopStat{}

	// QueueDepth tracks events waiting for a worker
	QueueDepth Gauge = NoopStat{}

	// SubmitRejectedTotal counts submissions refused by reason (queue_full, stopped)
	SubmitRejectedTotal CounterVec = noopCounterVec{}
)

// Publisher Metrics
var (
	// PublishAttemptsTotal counts delivery attempts by destination
	PublishAttemptsTotal CounterVec = noopCounterVec{}

	// PublishFailuresTotal counts failed attempts by destination and kind
	PublishFailuresTotal CounterVec = noopCounterVec{}

	// DLQTotal counts events diverted to the dead-letter destination by reason
	DLQTotal CounterVec = noopCounterVec{}

	// DLQFailuresTotal counts dead-letter deliveries that failed and were spooled locally
	DLQFailuresTotal Counter = NoopStat{}

	// PublishDuplicatesTotal counts deliveries suppressed by the delivery ledger
	PublishDuplicatesTotal Counter = NoopStat{}

	// UnroutableDroppedTotal counts unroutable events dropped by policy
	UnroutableDroppedTotal Counter = NoopStat{}

	// PublishDurationSeconds measures broker round trips by destination
	PublishDurationSeconds HistogramVec = noopHistogramVec{}

	// PublishBatchSize measures records per broker request
	PublishBatchSize Histogram = NoopStat{}

	// SpoolEntries tracks dead letters waiting in the local spool
	SpoolEntries Gauge = NoopStat{}
)

// Reader Metrics
var (
	// ReaderState tracks the reader state machine (0=disconnected .. 4=stopped)
	ReaderState Gauge = NoopStat{}

	// ReaderTransactionsTotal counts source transactions by result (committed, rolled_back, empty)
	ReaderTransactionsTotal CounterVec = noopCounterVec{}

	// ReaderRowsTotal counts emitted row changes by operation
	ReaderRowsTotal CounterVec = noopCounterVec{}

	// ReaderRowsFilteredTotal counts row changes dropped by filters before buffering
	ReaderRowsFilteredTotal Counter = NoopStat{}

	// ReaderTransactionRows measures rows per committed transaction
	ReaderTransactionRows Histogram = NoopStat{}

	// ReaderReconnectsTotal counts reconnect attempts
	ReaderReconnectsTotal Counter = NoopStat{}

	// ReaderCheckpointsTotal counts persisted checkpoints
	ReaderCheckpointsTotal Counter = NoopStat{}

	// ReaderPendingTransactions tracks open transactions in the arena
	ReaderPendingTransactions Gauge = NoopStat{}
)

// Resilience Metrics
var (
	// BreakerState tracks each breaker (0=closed, 1=open, 2=half_open)
	BreakerState GaugeVec = noopGaugeVec{}

	// BreakerTransitionsTotal counts breaker transitions by dependency and target state
	BreakerTransitionsTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	EventsProcessedTotal = NewCounter("events_processed_total", "Events processed successfully by pipeline workers")
	EventsFailedTotal = NewCounter("events_failed_total", "Events whose processing failed")
	QueueDepth = NewGauge("queue_depth", "Events waiting in the pipeline queue")
	SubmitRejectedTotal = NewCounterVec("submit_rejected_total", "Pipeline submissions rejected", []string{"reason"})

	PublishAttemptsTotal = NewCounterVec("publish_attempts_total", "Delivery attempts", []string{"destination"})
	PublishFailuresTotal = NewCounterVec("publish_failures_total", "Failed delivery attempts", []string{"destination", "kind"})
	DLQTotal = NewCounterVec("dlq_total", "Events sent to the dead-letter destination", []string{"reason"})
	DLQFailuresTotal = NewCounter("dlq_failures_total", "Dead-letter deliveries that failed")
	PublishDuplicatesTotal = NewCounter("publish_duplicates_total", "Deliveries suppressed by the delivery ledger")
	UnroutableDroppedTotal = NewCounter("unroutable_dropped_total", "Unroutable events dropped by policy")
	PublishDurationSeconds = NewHistogramVec("publish_duration_seconds", "Broker round trip latency", []string{"destination"}, PublishBuckets)
	PublishBatchSize = NewHistogram("publish_batch_size", "Records per broker request", BatchSizeBuckets)
	SpoolEntries = NewGauge("dlq_spool_entries", "Dead letters held in the local spool")

	ReaderState = NewGauge("reader_state", "Change reader state")
	ReaderTransactionsTotal = NewCounterVec("reader_transactions_total", "Source transactions observed", []string{"result"})
	ReaderRowsTotal = NewCounterVec("reader_rows_total", "Row changes emitted", []string{"operation"})
	ReaderRowsFilteredTotal = NewCounter("reader_rows_filtered_total", "Row changes dropped by filters")
	ReaderTransactionRows = NewHistogram("reader_transaction_rows", "Rows per committed transaction", TransactionRowBuckets)
	ReaderReconnectsTotal = NewCounter("reader_reconnects_total", "Replication stream reconnects")
	ReaderCheckpointsTotal = NewCounter("reader_checkpoints_total", "Checkpoints persisted")
	ReaderPendingTransactions = NewGauge("reader_pending_transactions", "Open transactions buffered by the reader")

	BreakerState = NewGaugeVec("breaker_state", "Circuit breaker state", []string{"dependency"})
	BreakerTransitionsTotal = NewCounterVec("breaker_transitions_total", "Circuit breaker transitions", []string{"dependency", "to"})
}
