package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ConversationsTotal   *prometheus.CounterVec
	DuplicateRequests    prometheus.Counter
	ProviderErrors       *prometheus.CounterVec
	StreamChunks         prometheus.Counter
	ImagesGenerated      *prometheus.CounterVec
	TransactionsRecorded prometheus.Counter
	TransactionsDropped  prometheus.Counter
	ProviderLatency      prometheus.Histogram
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ConversationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "convobot",
				Name:      "conversations_total",
				Help:      "Conversation requests by channel and outcome",
			}, []string{"channel", "outcome"}),
			DuplicateRequests: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "convobot",
				Name:      "duplicate_requests_total",
				Help:      "Requests rejected by the in-flight guard",
			}),
			ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "convobot",
				Name:      "provider_errors_total",
				Help:      "Provider failures by error kind",
			}, []string{"kind"}),
			StreamChunks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "convobot",
				Name:      "stream_chunks_total",
				Help:      "Chunks delivered to streaming channels",
			}),
			ImagesGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "convobot",
				Name:      "images_generated_total",
				Help:      "Image generation requests by channel and outcome",
			}, []string{"channel", "outcome"}),
			TransactionsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "convobot",
				Name:      "transactions_recorded_total",
				Help:      "Conversation transactions persisted by the recorder",
			}),
			TransactionsDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "convobot",
				Name:      "transactions_dropped_total",
				Help:      "Conversation transactions lost on both the stream and fallback path",
			}),
			ProviderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "convobot",
				Name:      "provider_latency_seconds",
				Help:      "Wall time of provider calls",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
			}),
		}
		prometheus.MustRegister(
			global.ConversationsTotal,
			global.DuplicateRequests,
			global.ProviderErrors,
			global.StreamChunks,
			global.ImagesGenerated,
			global.TransactionsRecorded,
			global.TransactionsDropped,
			global.ProviderLatency,
		)
	})
	return global
}
