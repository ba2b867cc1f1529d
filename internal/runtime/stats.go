package runtime

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	idspkg "github.com/powerjob/remoting/internal/runtime/ids"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// HandlerStats accumulates processing statistics for one handler name across
// all of its instances.
type HandlerStats struct {
	mu sync.Mutex

	name   string
	policy ConcurrencyPolicy
	lane   string

	processed           uint64
	failed              uint64
	totalProcessingTime time.Duration
	lastProcessedAt     time.Time
	perInstance         []uint64
	latency             LatencyMetrics
	throughput          ThroughputMetrics
	errors              ErrorBreakdown
	inFlight            uint64
	maxInFlight         uint64
	lastLag             time.Duration

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
	resources        *resourceTracker
}

// HandlerSnapshot is a point-in-time copy of HandlerStats.
type HandlerSnapshot struct {
	Name                string            `json:"name"`
	Policy              string            `json:"policy"`
	Lane                string            `json:"lane,omitempty"`
	MessagesProcessed   uint64            `json:"messages_processed"`
	MessagesFailed      uint64            `json:"messages_failed"`
	TotalProcessingTime int64             `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time         `json:"last_processed_at"`
	PerInstance         []uint64          `json:"per_instance"`
	Latency             LatencyMetrics    `json:"latency"`
	Throughput          ThroughputMetrics `json:"throughput"`
	Errors              ErrorBreakdown    `json:"errors"`
	Backlog             BacklogMetrics    `json:"backlog"`
	Resource            ResourceUsage     `json:"resource"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Handler   uint64 `json:"handler"`
	Panic     uint64 `json:"panic"`
	Cancelled uint64 `json:"cancelled"`
	LastError string `json:"last_error,omitempty"`
}

type BacklogMetrics struct {
	InFlight uint64 `json:"in_flight"`
	// MaxInFlight is bounded by the instance count, or the lane size when lower.
	MaxInFlight  uint64 `json:"max_in_flight"`
	MailboxDepth int    `json:"mailbox_depth"`
	// LastLagMillis is the time between Send and the start of processing for
	// the most recent message, derived from its id.
	LastLagMillis int64 `json:"last_lag_millis"`
}

type ErrorCategory string

const (
	ErrorCategoryNone      ErrorCategory = "none"
	ErrorCategoryHandler   ErrorCategory = "handler"
	ErrorCategoryPanic     ErrorCategory = "panic"
	ErrorCategoryCancelled ErrorCategory = "cancelled"
)

// ClassifyError sorts a handler error into a stats bucket.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var recovered middleware.RecoveredPanicError
	if errors.As(err, &recovered) {
		return ErrorCategoryPanic
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorCategoryCancelled
	}
	return ErrorCategoryHandler
}

func newHandlerStats(name string, policy ConcurrencyPolicy, lane string, sampler *resourceTracker) *HandlerStats {
	size := policy.Size()
	if size < 1 {
		size = 1
	}
	return &HandlerStats{
		name:             name,
		policy:           policy,
		lane:             lane,
		perInstance:      make([]uint64, size),
		resources:        sampler,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (h *HandlerStats) onStart(messageID string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.inFlight++
	if h.inFlight > h.maxInFlight {
		h.maxInFlight = h.inFlight
	}
	if created, ok := idspkg.CreatedAt(messageID); ok {
		lag := now.Sub(created)
		if lag < 0 {
			lag = 0
		}
		h.lastLag = lag
	}
}

func (h *HandlerStats) onFinish(instance int, duration time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.inFlight > 0 {
		h.inFlight--
	}
	h.processed++
	if instance >= 0 && instance < len(h.perInstance) {
		h.perInstance[instance]++
	}
	h.totalProcessingTime += duration
	now := time.Now()
	h.lastProcessedAt = now.UTC()

	h.latencyWindow.Add(duration)
	h.latency = h.latencyWindow.Snapshot()
	h.latency.AverageNs = int64(h.totalProcessingTime) / int64(h.processed)

	tp := h.throughputWindow.AddAndSnapshot(now)
	h.throughput = ThroughputMetrics{
		CurrentRPS:       tp.CurrentRPS,
		WindowSeconds:    tp.WindowSeconds,
		MessagesInWindow: uint64(tp.Count),
		TotalMessages:    h.processed,
	}

	if err != nil {
		h.failed++
		h.errors.Record(ClassifyError(err), err)
	}
}

// Snapshot copies the current counters. mailboxDepth is supplied by the
// caller because the stats do not own the mailboxes.
func (h *HandlerStats) Snapshot(mailboxDepth int) HandlerSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := HandlerSnapshot{
		Name:                h.name,
		Policy:              h.policy.String(),
		Lane:                h.lane,
		MessagesProcessed:   h.processed,
		MessagesFailed:      h.failed,
		TotalProcessingTime: int64(h.totalProcessingTime),
		LastProcessedAt:     h.lastProcessedAt,
		PerInstance:         append([]uint64(nil), h.perInstance...),
		Latency:             h.latency,
		Throughput:          h.throughput,
		Errors:              h.errors,
		Backlog: BacklogMetrics{
			InFlight:      h.inFlight,
			MaxInFlight:   h.maxInFlight,
			MailboxDepth:  mailboxDepth,
			LastLagMillis: h.lastLag.Milliseconds(),
		},
	}
	if h.resources != nil {
		snap.Resource = h.resources.Snapshot()
	}
	return snap
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		return
	case ErrorCategoryPanic:
		e.Panic++
	case ErrorCategoryCancelled:
		e.Cancelled++
	default:
		e.Handler++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw.filled == 0 {
		metrics.LastNs = lw.last
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	metrics.LastNs = lw.last
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
