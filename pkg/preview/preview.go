// Package preview implements the best-effort live preview: a single-slot,
// most-recent-wins hand-off to a display goroutine that never blocks the
// producer.
package preview

import (
	"image"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/video-system/go-frame-recorder/pkg/metrics"
)

// DefaultScale is the preview downsampling factor
const DefaultScale = 0.25

// Frame is a downsampled preview image
type Frame struct {
	Seq       uint64
	Timestamp uint64
	Image     image.Image
}

// Sink displays preview frames
type Sink interface {
	Show(f Frame) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(f Frame) error

// Show calls fn(f)
func (fn SinkFunc) Show(f Frame) error {
	return fn(f)
}

// Discard drops every frame
type Discard struct{}

// Show implements Sink
func (Discard) Show(Frame) error { return nil }

// Config holds preview configuration
type Config struct {
	Scale float64 // Downsampling factor in (0, 1]
}

// Stats reports preview counters
type Stats struct {
	Offered  uint64 `json:"offered"`
	Rendered uint64 `json:"rendered"`
	Skipped  uint64 `json:"skipped"`
	Errors   uint64 `json:"errors"`
}

// Channel owns the preview slot and its display goroutine
type Channel struct {
	sink    Sink
	scale   float64
	logger  *zap.Logger
	metrics *metrics.Recorder

	// guard protects the slot; producers only ever TryLock it
	guard sync.Mutex
	slot  Frame
	fresh bool

	wake      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	offered  atomic.Uint64
	rendered atomic.Uint64
	skipped  atomic.Uint64
	errors   atomic.Uint64
}

// NewChannel creates a preview channel and starts its display goroutine
func NewChannel(sink Sink, cfg Config, logger *zap.Logger, m *metrics.Recorder) *Channel {
	if sink == nil {
		sink = Discard{}
	}
	if cfg.Scale <= 0 || cfg.Scale > 1 {
		cfg.Scale = DefaultScale
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Channel{
		sink:    sink,
		scale:   cfg.Scale,
		logger:  logger.Named("preview"),
		metrics: m,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	c.wg.Add(1)
	go c.displayLoop()
	return c
}

// Offer stores a downsampled copy of a BGR24 frame if the slot is free.
// It never blocks: when the display goroutine holds the slot the frame is
// skipped. Returns true if the frame was stored.
func (c *Channel) Offer(seq, timestamp uint64, bgr []byte, width, height int) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}

	c.offered.Add(1)

	if !c.guard.TryLock() {
		c.skipped.Add(1)
		c.metrics.PreviewSkipped()
		return false
	}

	img := Downsample(bgr, width, height, c.scale)
	if img == nil {
		c.guard.Unlock()
		return false
	}
	c.slot = Frame{Seq: seq, Timestamp: timestamp, Image: img}
	c.fresh = true
	c.guard.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *Channel) displayLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		c.guard.Lock()
		if c.fresh {
			c.fresh = false
			if err := c.sink.Show(c.slot); err != nil {
				c.errors.Add(1)
				c.logger.Debug("Preview sink failed", zap.Error(err))
			} else {
				c.rendered.Add(1)
				c.metrics.PreviewRendered()
			}
			c.slot = Frame{}
		}
		c.guard.Unlock()
	}
}

// Close stops the display goroutine and waits for it to exit
func (c *Channel) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
}

// Stats returns preview counters
func (c *Channel) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		Offered:  c.offered.Load(),
		Rendered: c.rendered.Load(),
		Skipped:  c.skipped.Load(),
		Errors:   c.errors.Load(),
	}
}
