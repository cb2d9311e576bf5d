package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session lifecycle metrics
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aligner_session_transitions_total",
		Help: "The total number of alignment session state transitions by target state",
	}, []string{"state"})

	SessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aligner_session_errors_total",
		Help: "The total number of session errors by kind",
	}, []string{"kind"})

	AlignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aligner_alignments_total",
		Help: "Total number of alignments retrieved by backend",
	}, []string{"backend"})

	// Transfer and memory metrics
	TransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aligner_transfer_bytes_total",
		Help: "Bytes enqueued for transfer between host and device",
	}, []string{"direction"})

	DeviceMemoryAllocatedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aligner_device_memory_allocated_bytes",
		Help: "Device memory currently held by alignment sessions in bytes",
	})

	PinnedMemoryAllocatedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aligner_pinned_memory_allocated_bytes",
		Help: "Pinned host memory currently held by alignment sessions in bytes",
	})

	// Kernel metrics
	KernelSharedMemBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aligner_kernel_shared_mem_bytes",
		Help: "Dynamic shared memory requested by the last kernel launch",
	})

	KernelSharedMemOptins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aligner_kernel_shared_mem_optins_total",
		Help: "Number of launches that opted into extended dynamic shared memory",
	})

	KernelDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aligner_kernel_duration_ms",
		Help:    "Time from kernel launch until completion was observed, in milliseconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1ms to ~32s
	})

	PollIterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aligner_poll_iterations_total",
		Help: "Number of completion polls by phase",
	}, []string{"phase"})

	BatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aligner_batch_size",
		Help: "Batch size chosen by the capacity planner for the last run",
	})

	ScrapeResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aligner_metrics_responses_total",
		Help: "The total number of metrics endpoint responses",
	}, []string{"code"})
)
