// Package metrics exposes pipeline counters through a private Prometheus registry.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/mem"
)

const namespace = "frame_recorder"

// Recorder holds the pipeline collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	framesAcquired  prometheus.Counter
	framesDelivered prometheus.Counter
	framesStale     prometheus.Counter
	framesDuplicate prometheus.Counter
	resyncs         prometheus.Counter
	reorderPending  prometheus.Gauge

	framesWritten prometheus.Counter
	writeErrors   prometheus.Counter
	queueDepth    prometheus.Gauge

	previewRendered prometheus.Counter
	previewSkipped  prometheus.Counter

	hostMemory prometheus.Gauge
}

// New creates a recorder with its own registry
func New(sessionID string) *Recorder {
	labels := prometheus.Labels{"session": sessionID}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	r := &Recorder{
		registry:        prometheus.NewRegistry(),
		framesAcquired:  counter("frames_acquired_total", "Raw frames received from the source."),
		framesDelivered: counter("frames_delivered_total", "Frames emitted in timestamp order."),
		framesStale:     counter("frames_stale_total", "Frames released because their timestamp was already passed."),
		framesDuplicate: counter("frames_duplicate_total", "Frames released because their timestamp was already pending."),
		resyncs:         counter("reorder_resyncs_total", "Expected frames declared dropped."),
		reorderPending:  gauge("reorder_pending", "Frames held waiting for an earlier timestamp."),
		framesWritten:   counter("frames_written_total", "Frames written to the encoder."),
		writeErrors:     counter("encode_write_errors_total", "Failed encoder writes."),
		queueDepth:      gauge("encode_queue_depth", "Frames waiting in the encode queue."),
		previewRendered: counter("preview_rendered_total", "Preview frames shown."),
		previewSkipped:  counter("preview_skipped_total", "Preview frames skipped while the display was busy."),
		hostMemory:      gauge("host_memory_percent", "Host memory in use."),
	}

	r.registry.MustRegister(
		r.framesAcquired, r.framesDelivered, r.framesStale, r.framesDuplicate,
		r.resyncs, r.reorderPending, r.framesWritten, r.writeErrors, r.queueDepth,
		r.previewRendered, r.previewSkipped, r.hostMemory,
	)
	return r
}

// Registry returns the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in Prometheus text format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// FrameAcquired counts a raw frame from the source
func (r *Recorder) FrameAcquired() {
	if r != nil {
		r.framesAcquired.Inc()
	}
}

// FrameDelivered counts an ordered frame
func (r *Recorder) FrameDelivered() {
	if r != nil {
		r.framesDelivered.Inc()
	}
}

// FrameStale counts a frame older than the cursor
func (r *Recorder) FrameStale() {
	if r != nil {
		r.framesStale.Inc()
	}
}

// FrameDuplicate counts a frame with an already pending timestamp
func (r *Recorder) FrameDuplicate() {
	if r != nil {
		r.framesDuplicate.Inc()
	}
}

// Resync counts a skipped expected frame
func (r *Recorder) Resync() {
	if r != nil {
		r.resyncs.Inc()
	}
}

// SetReorderPending records the reorder map size
func (r *Recorder) SetReorderPending(n int) {
	if r != nil {
		r.reorderPending.Set(float64(n))
	}
}

// FrameWritten counts a frame handed to the sink
func (r *Recorder) FrameWritten() {
	if r != nil {
		r.framesWritten.Inc()
	}
}

// WriteError counts a failed sink write
func (r *Recorder) WriteError() {
	if r != nil {
		r.writeErrors.Inc()
	}
}

// SetQueueDepth records the encode queue length
func (r *Recorder) SetQueueDepth(n int) {
	if r != nil {
		r.queueDepth.Set(float64(n))
	}
}

// PreviewRendered counts a displayed preview
func (r *Recorder) PreviewRendered() {
	if r != nil {
		r.previewRendered.Inc()
	}
}

// PreviewSkipped counts a preview dropped on a busy slot
func (r *Recorder) PreviewSkipped() {
	if r != nil {
		r.previewSkipped.Inc()
	}
}

// RunHostSampler samples host memory usage until ctx is cancelled
func (r *Recorder) RunHostSampler(ctx context.Context, interval time.Duration) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.sampleHost()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Recorder) sampleHost() {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return
	}
	r.hostMemory.Set(vm.UsedPercent)
}
