// Package reorder restores strict periodic timestamp order to frames that a
// source may deliver out of order or with jitter.
package reorder

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/video-system/go-frame-recorder/pkg/input"
	"github.com/video-system/go-frame-recorder/pkg/metrics"
)

var (
	// ErrAcquisitionTimeout means the source produced nothing within the wait. Retryable.
	ErrAcquisitionTimeout = errors.New("acquisition timeout")
	// ErrAcquisitionFatal means the source returned a malformed frame or failed outright.
	ErrAcquisitionFatal = errors.New("acquisition failed")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("reorder buffer closed")
)

const defaultTimeout = 10 * time.Second

// Config holds reorder buffer configuration
type Config struct {
	Framerate float64       // Frames per second, sets the period
	Timeout   time.Duration // Wait passed to Source.NextFrame

	// ResyncAfter is the number of pending frames tolerated while the
	// expected one is missing. Beyond it the expected frame is declared
	// dropped and the cursor jumps to the earliest pending timestamp.
	// Zero disables resync and lets the buffer grow without bound.
	ResyncAfter int
}

// Period returns round(1e6 / framerate) in microseconds
func Period(framerate float64) uint64 {
	if framerate <= 0 {
		return 0
	}
	return uint64(math.Round(1_000_000 / framerate))
}

// Stats reports buffer counters
type Stats struct {
	Cursor     uint64 `json:"cursor"`
	Period     uint64 `json:"period"`
	Delivered  uint64 `json:"delivered"`
	Pending    int    `json:"pending"`
	Stale      uint64 `json:"stale"`
	Duplicates uint64 `json:"duplicates"`
	Resyncs    uint64 `json:"resyncs"`
	Skipped    uint64 `json:"skipped"`
}

// Buffer pulls from a Source and emits frames at cursor, cursor+period, ...
// PullOrdered must be called from a single goroutine; Stats and Close are safe
// from any goroutine.
type Buffer struct {
	src     input.Source
	cfg     Config
	period  uint64
	logger  *zap.Logger
	metrics *metrics.Recorder

	mu      sync.Mutex
	pending map[uint64]*input.Frame
	cursor  uint64
	started bool
	closed  bool
	stats   Stats
}

// New creates a reorder buffer over src
func New(src input.Source, cfg Config, logger *zap.Logger, m *metrics.Recorder) (*Buffer, error) {
	period := Period(cfg.Framerate)
	if period == 0 {
		return nil, errors.Errorf("invalid framerate %v", cfg.Framerate)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Buffer{
		src:     src,
		cfg:     cfg,
		period:  period,
		logger:  logger.Named("reorder"),
		metrics: m,
		pending: make(map[uint64]*input.Frame),
	}, nil
}

// Period returns the cursor step in microseconds
func (b *Buffer) Period() uint64 {
	return b.period
}

// PullOrdered returns the frame whose timestamp equals the cursor, acquiring
// and buffering frames from the source until it shows up. The caller owns the
// returned frame and must Release it.
func (b *Buffer) PullOrdered(ctx context.Context) (*input.Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if b.closed {
			return nil, ErrClosed
		}

		if b.started {
			if f, ok := b.pending[b.cursor]; ok {
				delete(b.pending, b.cursor)
				b.cursor += b.period
				b.stats.Delivered++
				b.metrics.FrameDelivered()
				b.metrics.SetReorderPending(len(b.pending))
				return f, nil
			}
		}

		// Unlocked while the source blocks so Stats and Close stay responsive
		b.mu.Unlock()
		f, err := b.src.NextFrame(ctx, b.cfg.Timeout)
		b.mu.Lock()

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, input.ErrTimeout) {
				return nil, errors.Wrapf(ErrAcquisitionTimeout, "no frame within %v (expecting %d)", b.cfg.Timeout, b.cursor)
			}
			return nil, errors.Wrap(ErrAcquisitionFatal, err.Error())
		}
		if f == nil || len(f.Data) == 0 {
			f.Release()
			return nil, errors.Wrap(ErrAcquisitionFatal, "frame without backing buffer")
		}
		if b.closed {
			f.Release()
			return nil, ErrClosed
		}

		b.metrics.FrameAcquired()
		b.insert(f)
	}
}

// insert files f by timestamp. Caller holds mu.
func (b *Buffer) insert(f *input.Frame) {
	if !b.started {
		b.cursor = f.Timestamp
		b.started = true
	}

	switch {
	case f.Timestamp < b.cursor:
		b.stats.Stale++
		b.metrics.FrameStale()
		b.logger.Warn("Releasing stale frame",
			zap.Uint64("timestamp", f.Timestamp),
			zap.Uint64("expecting", b.cursor))
		f.Release()
		return
	case b.pending[f.Timestamp] != nil:
		b.stats.Duplicates++
		b.metrics.FrameDuplicate()
		b.logger.Warn("Releasing duplicate frame", zap.Uint64("timestamp", f.Timestamp))
		f.Release()
		return
	}

	b.pending[f.Timestamp] = f
	b.metrics.SetReorderPending(len(b.pending))

	if f.Timestamp != b.cursor {
		b.logger.Debug("Buffered early frame",
			zap.Uint64("timestamp", f.Timestamp),
			zap.Uint64("expecting", b.cursor),
			zap.Int("pending", len(b.pending)))
	}

	if b.cfg.ResyncAfter > 0 && len(b.pending) > b.cfg.ResyncAfter {
		if _, ok := b.pending[b.cursor]; !ok {
			b.resync()
		}
	}
}

// resync abandons the expected timestamp and restarts the progression at the
// earliest pending frame. Caller holds mu.
func (b *Buffer) resync() {
	earliest := uint64(math.MaxUint64)
	for ts := range b.pending {
		if ts < earliest {
			earliest = ts
		}
	}

	skipped := (earliest - b.cursor + b.period - 1) / b.period
	b.logger.Warn("Expected frame never arrived, resyncing",
		zap.Uint64("expecting", b.cursor),
		zap.Uint64("resync_to", earliest),
		zap.Uint64("skipped_frames", skipped),
		zap.Int("pending", len(b.pending)))

	b.stats.Resyncs++
	b.stats.Skipped += skipped
	b.metrics.Resync()
	b.cursor = earliest
}

// Stats returns a snapshot of the buffer counters
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stats
	s.Cursor = b.cursor
	s.Period = b.period
	s.Pending = len(b.pending)
	return s
}

// Close releases every pending frame. The source is left open.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for ts, f := range b.pending {
		f.Release()
		delete(b.pending, ts)
	}
	b.metrics.SetReorderPending(0)
	return nil
}
