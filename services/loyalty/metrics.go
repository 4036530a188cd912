package loyalty

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsAwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_awarded_events_total",
		Help: "Ledger rows created by the processor.",
	}, []string{"event_type"})
	eventsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_duplicate_events_total",
		Help: "Events answered from an existing fingerprint.",
	})
	eventsFrequencyBlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_frequency_blocked_total",
		Help: "Trigger activations refused by the frequency guard.",
	})
	eventsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_rejected_events_total",
		Help: "Business events failing validation.",
	})
	triggerConfigErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_trigger_config_errors_total",
		Help: "Triggers skipped because their definition is invalid.",
	})
	conflictRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_conflict_retries_total",
		Help: "Transactions retried after a serialization failure.",
	})
	reconciliationFlags = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_reconciliation_flags_total",
		Help: "Rows written invalid because a failed apply could not be rolled back.",
	})
	compensationsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_compensations_applied_total",
	})
	compensationsExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_compensations_exhausted_total",
		Help: "Compensations that ran out of retry attempts.",
	})
	processDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "loyalty_process_duration_seconds",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		eventsAwarded,
		eventsDuplicate,
		eventsFrequencyBlocked,
		eventsRejected,
		triggerConfigErrors,
		conflictRetries,
		reconciliationFlags,
		compensationsApplied,
		compensationsExhausted,
		processDuration,
	)
}
