package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultOK            = "ok"
	resultError         = "error"
	resultDispatched    = "dispatched"
	resultDecodeFailed  = "decode_failed"
	resultDispatchFail  = "dispatch_failed"
	resultDuplicate     = "duplicate"
	resultCommitFailed  = "commit_failed"
	resultFetchRetrying = "fetch_retry"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "school_events",
		Subsystem: "publisher",
		Name:      "records_total",
		Help:      "Records written to the log, by topic and result.",
	}, []string{"topic", "result"})

	consumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "school_events",
		Subsystem: "consumer",
		Name:      "records_total",
		Help:      "Records fetched by the consumer, by topic and outcome.",
	}, []string{"topic", "result"})

	dispatchSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "school_events",
		Subsystem: "consumer",
		Name:      "dispatch_seconds",
		Help:      "Time spent dispatching one decoded envelope.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"kind"})
)
