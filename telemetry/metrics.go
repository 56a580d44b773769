package telemetry

// Histogram bucket definitions
var (
	// ApplyBuckets for per-event destination apply latency
	ApplyBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	// SyncBuckets for table snapshot copy durations
	SyncBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300}
)

// Slot metrics
var (
	// SlotsInUse tracks currently held slots by kind (permanent, temporary)
	SlotsInUse GaugeVec = noopGaugeVec{}

	// SlotAllocationsTotal counts allocations by result (ok, exhausted)
	SlotAllocationsTotal CounterVec = noopCounterVec{}

	// SlotReleasesTotal counts slot releases
	SlotReleasesTotal Counter = NoopStat{}
)

// Dispatch metrics
var (
	// EventsDispatchedTotal counts events fanned out, by subscription
	EventsDispatchedTotal CounterVec = noopCounterVec{}

	// EventsFilteredTotal counts events dropped by publication filters
	EventsFilteredTotal Counter = NoopStat{}

	// QueueDepth tracks inbound queue depth per subscription
	QueueDepth GaugeVec = noopGaugeVec{}

	// DispatchPausedTotal counts backpressure pauses per subscription
	DispatchPausedTotal CounterVec = noopCounterVec{}
)

// Subscription metrics
var (
	// SubscriptionState tracks subscriptions per state
	SubscriptionState GaugeVec = noopGaugeVec{}

	// SubscriptionErrorsTotal counts entries into the error state by kind
	SubscriptionErrorsTotal CounterVec = noopCounterVec{}
)

// Apply metrics
var (
	// EventsAppliedTotal counts applied events per subscription
	EventsAppliedTotal CounterVec = noopCounterVec{}

	// ApplyDurationSeconds measures destination apply latency
	ApplyDurationSeconds Histogram = NoopStat{}

	// ApplyConflictsTotal counts pipeline halts on destination conflicts
	ApplyConflictsTotal Counter = NoopStat{}
)

// Sync metrics
var (
	// SyncTasksTotal counts sync task completions by result (done, failed)
	SyncTasksTotal CounterVec = noopCounterVec{}

	// SyncDurationSeconds measures full table snapshot copy duration
	SyncDurationSeconds Histogram = NoopStat{}

	// SyncRowsCopiedTotal counts snapshot rows copied to destinations
	SyncRowsCopiedTotal Counter = NoopStat{}
)

// Feed metrics
var (
	// EventsCapturedTotal counts origin changes drained into the feed
	EventsCapturedTotal Counter = NoopStat{}

	// FeedHeadPosition tracks the newest appended feed position
	FeedHeadPosition Gauge = NoopStat{}

	// FeedRetainedFloor tracks the lowest position the feed must retain
	FeedRetainedFloor Gauge = NoopStat{}

	// FeedTrimsTotal counts retention trims executed
	FeedTrimsTotal Counter = NoopStat{}
)

func initMetrics() {
	SlotsInUse = NewGaugeVec("slots_in_use", "Currently held replication slots by kind", []string{"kind"})
	SlotAllocationsTotal = NewCounterVec("slot_allocations_total", "Slot allocation attempts by result", []string{"result"})
	SlotReleasesTotal = NewCounter("slot_releases_total", "Slot releases")

	EventsDispatchedTotal = NewCounterVec("events_dispatched_total", "Change events fanned out per subscription", []string{"subscription"})
	EventsFilteredTotal = NewCounter("events_filtered_total", "Change events dropped by publication filters")
	QueueDepth = NewGaugeVec("queue_depth", "Inbound queue depth per subscription", []string{"subscription"})
	DispatchPausedTotal = NewCounterVec("dispatch_paused_total", "Backpressure pauses per subscription", []string{"subscription"})

	SubscriptionState = NewGaugeVec("subscription_state", "Subscriptions per lifecycle state", []string{"state"})
	SubscriptionErrorsTotal = NewCounterVec("subscription_errors_total", "Subscription error-state entries by kind", []string{"kind"})

	EventsAppliedTotal = NewCounterVec("events_applied_total", "Applied change events per subscription", []string{"subscription"})
	ApplyDurationSeconds = NewHistogramWithBuckets("apply_duration_seconds", "Destination apply latency", ApplyBuckets)
	ApplyConflictsTotal = NewCounter("apply_conflicts_total", "Apply pipeline halts on destination conflicts")

	SyncTasksTotal = NewCounterVec("sync_tasks_total", "Table sync task completions by result", []string{"result"})
	SyncDurationSeconds = NewHistogramWithBuckets("sync_duration_seconds", "Table snapshot copy duration", SyncBuckets)
	SyncRowsCopiedTotal = NewCounter("sync_rows_copied_total", "Snapshot rows copied to destinations")

	EventsCapturedTotal = NewCounter("events_captured_total", "Origin changes drained into the feed")
	FeedHeadPosition = NewGauge("feed_head_position", "Newest appended feed position")
	FeedRetainedFloor = NewGauge("feed_retained_floor", "Lowest feed position retained for slots")
	FeedTrimsTotal = NewCounter("feed_trims_total", "Feed retention trims executed")
}
