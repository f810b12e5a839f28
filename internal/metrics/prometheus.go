package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studygraph_jobs_total",
			Help: "Total ingestion jobs by terminal status",
		},
		[]string{"status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studygraph_job_duration_seconds",
			Help:    "Ingestion job duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"source"},
	)

	ChunksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studygraph_chunks_processed_total",
			Help: "Total chunks processed by outcome",
		},
		[]string{"status"},
	)

	ExtractionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studygraph_extraction_duration_seconds",
			Help:    "Entity extraction duration per chunk",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"extractor"},
	)

	EmbeddingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studygraph_embedding_duration_seconds",
			Help:    "Embedding duration per batch",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"adapter"},
	)

	GraphNodes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studygraph_graph_nodes_total",
			Help: "Graph node operations by kind",
		},
		[]string{"op"},
	)

	GraphEdges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studygraph_graph_edges_total",
			Help: "Graph edge operations by kind",
		},
		[]string{"op"},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studygraph_events_published_total",
			Help: "Progress events published by kind",
		},
		[]string{"kind"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studygraph_events_dropped_total",
			Help: "Non-critical events dropped for slow subscribers",
		},
		[]string{"kind"},
	)

	StreamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "studygraph_stream_subscribers",
			Help: "Currently connected progress stream subscribers",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studygraph_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studygraph_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	ScraperRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studygraph_scraper_requests_total",
			Help: "Scraper service requests by outcome",
		},
		[]string{"status"},
	)
)

func Init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(ChunksProcessed)
	prometheus.MustRegister(ExtractionDuration)
	prometheus.MustRegister(EmbeddingDuration)
	prometheus.MustRegister(GraphNodes)
	prometheus.MustRegister(GraphEdges)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(StreamSubscribers)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(ScraperRequests)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
