// Package synthetic provides a test-pattern frame source that mimics a
// hardware driver: a fixed pool of buffers, out-of-order delivery and
// optional dropped exposures.
package synthetic

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/video-system/go-frame-recorder/pkg/input"
)

const (
	defaultBuffers   = 64
	defaultStartTime = 1_000_000
)

func init() {
	input.Register("synthetic", func(cfg input.Config) (input.Source, error) {
		return New(Options{
			Width:         cfg.Width,
			Height:        cfg.Height,
			Framerate:     cfg.Framerate,
			Format:        cfg.Format,
			ReorderWindow: cfg.ReorderWindow,
			DropEvery:     cfg.DropEvery,
			Realtime:      true,
		})
	})
}

// Options configures the synthetic source
type Options struct {
	Width     int
	Height    int
	Framerate float64
	Format    input.PixelFormat

	StartTime     uint64 // Timestamp of the first exposure (µs)
	ReorderWindow int    // Exposures are shuffled within windows of this size
	DropEvery     int    // Every Nth exposure is never delivered
	MaxFrames     int    // Exposures to generate (0 = unlimited)
	Buffers       int    // Driver buffer pool size
	Realtime      bool   // Pace delivery at the configured framerate
	Seed          int64
}

// Source generates frames on demand
type Source struct {
	opts   Options
	period uint64
	size   int

	mu          sync.Mutex
	cond        *sync.Cond
	free        [][]byte
	outstanding int
	closed      bool

	rng     *rand.Rand
	next    int      // Next exposure index to generate
	pending []uint64 // Exposure indexes waiting for delivery
	started time.Time
}

// New creates a synthetic source
func New(opts Options) (*Source, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution %dx%d", opts.Width, opts.Height)
	}
	if opts.Framerate <= 0 {
		return nil, fmt.Errorf("invalid framerate %v", opts.Framerate)
	}
	if opts.Format == "" {
		opts.Format = input.FormatBGR24
	}
	if opts.Format.BytesPerPixel() == 0 {
		return nil, fmt.Errorf("unsupported pixel format: %s", opts.Format)
	}
	if opts.StartTime == 0 {
		opts.StartTime = defaultStartTime
	}
	if opts.ReorderWindow <= 0 {
		opts.ReorderWindow = 1
	}
	if opts.Buffers <= 0 {
		opts.Buffers = defaultBuffers
	}

	s := &Source{
		opts:    opts,
		period:  uint64(math.Round(1_000_000 / opts.Framerate)),
		size:    opts.Format.FrameSize(opts.Width, opts.Height),
		rng:     rand.New(rand.NewSource(opts.Seed)),
		started: time.Now(),
	}
	s.cond = sync.NewCond(&s.mu)
	for i := 0; i < opts.Buffers; i++ {
		s.free = append(s.free, make([]byte, s.size))
	}
	return s, nil
}

// Period returns the exposure interval in microseconds
func (s *Source) Period() uint64 {
	return s.period
}

// NextFrame returns the next exposure in (possibly shuffled) arrival order
func (s *Source) NextFrame(ctx context.Context, timeout time.Duration) (*input.Frame, error) {
	deadline := time.Now().Add(timeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("source closed")
	}

	if len(s.pending) == 0 {
		s.fillWindow()
	}
	if len(s.pending) == 0 {
		// Exhausted: behave like a camera that stopped triggering
		s.mu.Unlock()
		err := sleepUntil(ctx, deadline)
		s.mu.Lock()
		if err != nil {
			return nil, err
		}
		return nil, input.ErrTimeout
	}

	idx := s.pending[0]

	if s.opts.Realtime {
		due := s.started.Add(time.Duration(idx*s.period) * time.Microsecond)
		if due.After(deadline) {
			s.mu.Unlock()
			err := sleepUntil(ctx, deadline)
			s.mu.Lock()
			if err != nil {
				return nil, err
			}
			return nil, input.ErrTimeout
		}
		s.mu.Unlock()
		err := sleepUntil(ctx, due)
		s.mu.Lock()
		if err != nil {
			return nil, err
		}
	}

	buf, err := s.takeBuffer(ctx, deadline)
	if err != nil {
		return nil, err
	}
	s.pending = s.pending[1:]

	fillPattern(buf, idx, s.opts.Width, s.opts.Format)

	ts := s.opts.StartTime + idx*s.period
	return input.NewFrame(ts, s.opts.Width, s.opts.Height, s.opts.Format, buf, func() {
		s.giveBack(buf)
	}), nil
}

// fillWindow generates the next reorder window. Caller holds mu.
func (s *Source) fillWindow() {
	for len(s.pending) < s.opts.ReorderWindow {
		if s.opts.MaxFrames > 0 && s.next >= s.opts.MaxFrames {
			break
		}
		idx := s.next
		s.next++
		if s.opts.DropEvery > 0 && (idx+1)%s.opts.DropEvery == 0 {
			continue
		}
		s.pending = append(s.pending, uint64(idx))
	}
	s.rng.Shuffle(len(s.pending), func(i, j int) {
		s.pending[i], s.pending[j] = s.pending[j], s.pending[i]
	})
}

// takeBuffer waits for a free driver buffer. Caller holds mu.
func (s *Source) takeBuffer(ctx context.Context, deadline time.Time) ([]byte, error) {
	if len(s.free) == 0 {
		timer := time.AfterFunc(time.Until(deadline), func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		stop := context.AfterFunc(ctx, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		defer timer.Stop()
		defer stop()

		for len(s.free) == 0 && !s.closed {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !time.Now().Before(deadline) {
				return nil, input.ErrTimeout
			}
			s.cond.Wait()
		}
		if s.closed {
			return nil, fmt.Errorf("source closed")
		}
	}

	buf := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.outstanding++
	return buf, nil
}

func (s *Source) giveBack(buf []byte) {
	s.mu.Lock()
	s.free = append(s.free, buf)
	s.outstanding--
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Outstanding returns the number of buffers handed out and not yet released
func (s *Source) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}

// Close stops the source
func (s *Source) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// fillPattern draws a moving gradient and stamps the exposure index
// into the first 8 bytes.
func fillPattern(buf []byte, idx uint64, width int, format input.PixelFormat) {
	bpp := format.BytesPerPixel()
	stride := width * bpp
	for i := range buf {
		x := (i % stride) / bpp
		y := i / stride
		buf[i] = byte(uint64(x+y) + idx)
	}
	if len(buf) >= 8 {
		binary.LittleEndian.PutUint64(buf, idx)
	}
}

// Index extracts the exposure index stamped by the source
func Index(data []byte) uint64 {
	if len(data) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(data)
}
