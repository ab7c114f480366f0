package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

var (
	jobsStartedTotal atomic.Uint64
	jobsReadyTotal   atomic.Uint64
	jobsFailedTotal  atomic.Uint64
	jobsSkippedTotal atomic.Uint64

	chunkCallsTotal     atomic.Uint64
	chunkEmptyTotal     atomic.Uint64
	mergeCallsTotal     atomic.Uint64
	mergeFallbacksTotal atomic.Uint64
	reportFailuresTotal atomic.Uint64

	queueReceivedTotal      atomic.Uint64
	queueDeletedUnrecovered atomic.Uint64

	jobDuration = newHistogram([]float64{1000, 5000, 15000, 30000, 60000, 120000, 300000, 600000})
)

// IncJobsStarted counts jobs claimed for processing.
func IncJobsStarted() { jobsStartedTotal.Add(1) }

// IncJobsReady counts jobs that reached the ready state.
func IncJobsReady() { jobsReadyTotal.Add(1) }

// IncJobsFailed counts jobs reverted to draft.
func IncJobsFailed() { jobsFailedTotal.Add(1) }

// IncJobsSkipped counts invocations rejected by the entry guard or superseded mid-run.
func IncJobsSkipped() { jobsSkippedTotal.Add(1) }

// IncChunkCalls counts summarization calls for a chunk or a whole document.
func IncChunkCalls() { chunkCallsTotal.Add(1) }

// IncChunkEmpty counts chunk calls that produced no usable text.
func IncChunkEmpty() { chunkEmptyTotal.Add(1) }

// IncMergeCalls counts merge calls.
func IncMergeCalls() { mergeCallsTotal.Add(1) }

// IncMergeFallbacks counts merges that degraded to concatenation.
func IncMergeFallbacks() { mergeFallbacksTotal.Add(1) }

// IncReportFailures counts failed report artifact generations.
func IncReportFailures() { reportFailuresTotal.Add(1) }

// IncQueueReceived counts queue deliveries picked up by a worker.
func IncQueueReceived() { queueReceivedTotal.Add(1) }

// IncQueueDeletedUnrecoverable counts poison messages dropped from the queue.
func IncQueueDeletedUnrecoverable() { queueDeletedUnrecovered.Add(1) }

// ObserveJobDurationMs records a job duration in milliseconds.
func ObserveJobDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	jobDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "contract_jobs_started_total", "Analysis jobs claimed for processing", jobsStartedTotal.Load())
	writeCounter(&buf, "contract_jobs_ready_total", "Analysis jobs finished successfully", jobsReadyTotal.Load())
	writeCounter(&buf, "contract_jobs_failed_total", "Analysis jobs reverted to draft", jobsFailedTotal.Load())
	writeCounter(&buf, "contract_jobs_skipped_total", "Invocations ignored by the entry guard", jobsSkippedTotal.Load())
	writeCounter(&buf, "contract_llm_chunk_calls_total", "Summarization calls issued", chunkCallsTotal.Load())
	writeCounter(&buf, "contract_llm_chunk_empty_total", "Summarization calls dropped as empty", chunkEmptyTotal.Load())
	writeCounter(&buf, "contract_llm_merge_calls_total", "Merge calls issued", mergeCallsTotal.Load())
	writeCounter(&buf, "contract_llm_merge_fallbacks_total", "Merges degraded to concatenation", mergeFallbacksTotal.Load())
	writeCounter(&buf, "contract_report_failures_total", "Report artifact generation failures", reportFailuresTotal.Load())
	writeCounter(&buf, "contract_queue_received_total", "Queue deliveries received", queueReceivedTotal.Load())
	writeCounter(&buf, "contract_queue_deleted_unrecoverable_total", "Queue deliveries dropped as unprocessable", queueDeletedUnrecovered.Load())
	writeHistogram(&buf, "contract_job_duration_ms", "Analysis job duration in milliseconds", jobDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// Observe places value in the first bucket whose bound it does not exceed.
func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			return
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

// writeHistogram emits cumulative buckets; counts are stored per bucket.
func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
