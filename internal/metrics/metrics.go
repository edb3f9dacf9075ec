package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "gas"

	stageLabel   = "stage"
	outcomeLabel = "outcome"
	tierLabel    = "tier"
	resultLabel  = "result"
)

// Message outcomes recorded per pipeline stage.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeSkipped   = "skipped"
	OutcomeRetry     = "retry"
)

var messagesTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "number of queue messages handled, partitioned by stage and outcome",
	},
	[]string{stageLabel, outcomeLabel},
)

var messageDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "message_duration_seconds",
		Help:      "time spent handling one queue message",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{stageLabel},
)

var thawRequestsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "thaw_requests_total",
		Help:      "number of vault retrievals attempted, partitioned by tier and result",
	},
	[]string{tierLabel, resultLabel},
)

var archivesTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "archives_total",
		Help:      "number of archival decisions, partitioned by result",
	},
	[]string{resultLabel},
)

func ObserveMessage(stage, outcome string, elapsed time.Duration) {
	messagesTotalMetric.With(prometheus.Labels{stageLabel: stage, outcomeLabel: outcome}).Inc()
	messageDurationMetric.With(prometheus.Labels{stageLabel: stage}).Observe(elapsed.Seconds())
}

func IncreaseThawRequests(tier, result string) {
	thawRequestsTotalMetric.With(prometheus.Labels{tierLabel: tier, resultLabel: result}).Inc()
}

func IncreaseArchives(result string) {
	archivesTotalMetric.With(prometheus.Labels{resultLabel: result}).Inc()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(messagesTotalMetric)
	prometheus.MustRegister(messageDurationMetric)
	prometheus.MustRegister(thawRequestsTotalMetric)
	prometheus.MustRegister(archivesTotalMetric)
}
