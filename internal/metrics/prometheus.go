package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DocumentsIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docuflow_documents_indexed_total",
			Help: "Total documents that completed ingestion",
		},
	)

	DocumentsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docuflow_documents_failed_total",
			Help: "Total documents that failed ingestion",
		},
	)

	ChunksIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docuflow_chunks_indexed_total",
			Help: "Total chunks written to the vector index",
		},
	)

	RetrievalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docuflow_retrieval_duration_seconds",
			Help:    "Retrieval pipeline duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	TokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docuflow_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"type"},
	)

	GenerationCost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docuflow_llm_cost_usd",
			Help: "Estimated LLM API cost in USD",
		},
	)

	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docuflow_generation_jobs_total",
			Help: "Generation jobs by terminal status",
		},
		[]string{"status"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docuflow_generation_job_duration_seconds",
			Help:    "Generation job duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	ExecutionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docuflow_bulk_executions_total",
			Help: "Total bulk executions started",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docuflow_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docuflow_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)
)

func Init() {
	prometheus.MustRegister(DocumentsIndexed)
	prometheus.MustRegister(DocumentsFailed)
	prometheus.MustRegister(ChunksIndexed)
	prometheus.MustRegister(RetrievalDuration)
	prometheus.MustRegister(TokensUsed)
	prometheus.MustRegister(GenerationCost)
	prometheus.MustRegister(JobsProcessed)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(ExecutionsStarted)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
