package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// CheckoutWaitBuckets for time spent waiting for a checked-out session
	CheckoutWaitBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10}

	// QuiesceDrainBuckets for quiesce barrier drain time
	QuiesceDrainBuckets = []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}

	// TableOpBuckets for durable transaction-table operations
	TableOpBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	// ShardCommandBuckets for shard command round trips (network)
	ShardCommandBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Session Catalog Metrics
var (
	// ActiveSessions tracks entries currently resident in the catalog
	ActiveSessions Gauge = NoopStat{}

	// CheckedOutSessions tracks entries currently checked out to an operation
	CheckedOutSessions Gauge = NoopStat{}

	// CheckoutWaitSeconds measures time an operation waited before the
	// session became available
	CheckoutWaitSeconds Histogram = NoopStat{}

	// CheckoutInterruptsTotal counts checkout waits abandoned because the
	// operation was interrupted
	CheckoutInterruptsTotal Counter = NoopStat{}

	// CheckoutsTotal counts checkouts by result (ok, interrupted)
	CheckoutsTotal CounterVec = noopCounterVec{}

	// InvalidationsTotal counts session invalidations by scope (single, all)
	InvalidationsTotal CounterVec = noopCounterVec{}

	// SessionsKilledTotal counts sessions invalidated through the admin
	// kill surface
	SessionsKilledTotal Counter = NoopStat{}

	// QuiesceDrainSeconds measures time for checked-out sessions to drain
	// once the checkout gate closes
	QuiesceDrainSeconds Histogram = NoopStat{}

	// StepUpsTotal counts primary step-up transitions
	StepUpsTotal Counter = NoopStat{}
)

// Durable Transaction-Table Metrics
var (
	// TableOpSeconds measures durable table operations by op (get, put,
	// save_stmt, scan, ensure)
	TableOpSeconds HistogramVec = noopHistogramVec{}

	// TableOpsTotal counts durable table operations by op and result
	TableOpsTotal CounterVec = noopCounterVec{}

	// FilterChecks counts durable-state filter checks by result
	// (fast_path, slow_path)
	FilterChecks CounterVec = noopCounterVec{}

	// FilterSize tracks current number of session entries in the filter
	FilterSize Gauge = NoopStat{}

	// CompressedPayloadsTotal counts statement payloads stored compressed
	CompressedPayloadsTotal Counter = NoopStat{}
)

// Router Metrics
var (
	// RouterRequestsTotal counts fan-out requests by result (ok, failed, retried)
	RouterRequestsTotal CounterVec = noopCounterVec{}

	// RouterParticipants measures participants per routed transaction
	RouterParticipants Histogram = NoopStat{}

	// ShardCommandSeconds measures shard command round-trip latency
	ShardCommandSeconds Histogram = NoopStat{}
)

// Event Publishing Metrics
var (
	// EventsPublishedTotal counts session lifecycle events by kind
	EventsPublishedTotal CounterVec = noopCounterVec{}

	// EventsDroppedTotal counts events dropped because the buffer was full,
	// the event could not be encoded, or publish attempts were exhausted
	EventsDroppedTotal Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Session Catalog Metrics
	ActiveSessions = NewGauge(
		"active_sessions",
		"Number of session entries resident in the catalog",
	)
	CheckedOutSessions = NewGauge(
		"checked_out_sessions",
		"Number of sessions currently checked out",
	)
	CheckoutWaitSeconds = NewHistogramWithBuckets(
		"checkout_wait_seconds",
		"Time spent waiting for a session to become available",
		CheckoutWaitBuckets,
	)
	CheckoutInterruptsTotal = NewCounter(
		"checkout_interrupts_total",
		"Checkout waits abandoned due to operation interruption",
	)
	CheckoutsTotal = NewCounterVec(
		"checkouts_total",
		"Session checkouts by result",
		[]string{"result"},
	)
	InvalidationsTotal = NewCounterVec(
		"invalidations_total",
		"Session invalidations by scope",
		[]string{"scope"},
	)
	SessionsKilledTotal = NewCounter(
		"sessions_killed_total",
		"Sessions invalidated through the kill surface",
	)
	QuiesceDrainSeconds = NewHistogramWithBuckets(
		"quiesce_drain_seconds",
		"Time for checked-out sessions to drain during quiesce",
		QuiesceDrainBuckets,
	)
	StepUpsTotal = NewCounter(
		"step_ups_total",
		"Primary step-up transitions",
	)

	// Durable Transaction-Table Metrics
	TableOpSeconds = NewHistogramVec(
		"table_op_seconds",
		"Durable transaction-table operation duration in seconds",
		[]string{"op"},
		TableOpBuckets,
	)
	TableOpsTotal = NewCounterVec(
		"table_ops_total",
		"Durable transaction-table operations by op and result",
		[]string{"op", "result"},
	)
	FilterChecks = NewCounterVec(
		"filter_checks_total",
		"Durable-state filter checks by result",
		[]string{"result"},
	)
	FilterSize = NewGauge(
		"filter_size",
		"Session entries tracked by the durable-state filter",
	)
	CompressedPayloadsTotal = NewCounter(
		"compressed_payloads_total",
		"Statement payloads stored compressed",
	)

	// Router Metrics
	RouterRequestsTotal = NewCounterVec(
		"router_requests_total",
		"Fan-out requests by result",
		[]string{"result"},
	)
	RouterParticipants = NewHistogram(
		"router_participants",
		"Participants per routed transaction",
	)
	ShardCommandSeconds = NewHistogramWithBuckets(
		"shard_command_seconds",
		"Shard command round-trip latency in seconds",
		ShardCommandBuckets,
	)

	// Event Publishing Metrics
	EventsPublishedTotal = NewCounterVec(
		"events_published_total",
		"Session lifecycle events by kind",
		[]string{"kind"},
	)
	EventsDroppedTotal = NewCounter(
		"events_dropped_total",
		"Events dropped on a full buffer, an encode failure, or exhausted publish attempts",
	)
}
