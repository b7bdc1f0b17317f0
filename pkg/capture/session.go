package capture

import (
	"context"
	"image/png"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/video-system/go-frame-recorder/pkg/convert"
	"github.com/video-system/go-frame-recorder/pkg/encode"
	"github.com/video-system/go-frame-recorder/pkg/input"
	"github.com/video-system/go-frame-recorder/pkg/metrics"
	"github.com/video-system/go-frame-recorder/pkg/preview"
	"github.com/video-system/go-frame-recorder/pkg/reorder"
)

var (
	// ErrBusy is returned when an operation is started while another runs
	ErrBusy = errors.New("session busy")
	// ErrSessionClosed is returned after Close
	ErrSessionClosed = errors.New("session closed")
)

// SinkFactory opens the encoder input for one recording
type SinkFactory func(output string) (encode.Sink, error)

// Options wires a Session to its collaborators
type Options struct {
	Source  input.Source
	Sinks   SinkFactory  // Required for Record
	Display preview.Sink // Preview renderer, nil discards
	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// Session owns the source, the reorder buffer and, while recording, the
// encoder. One operation runs at a time; Status is safe from any goroutine.
type Session struct {
	cfg     *Config
	src     input.Source
	reorder *reorder.Buffer
	sinks   SinkFactory
	display preview.Sink
	logger  *zap.Logger
	metrics *metrics.Recorder

	frames atomic.Uint64

	mu        sync.RWMutex
	mode      Mode
	output    string
	startedAt time.Time
	encoder   *encode.Encoder
	preview   *preview.Channel
	lastErr   error
	closed    bool
}

// NewSession creates a session over opts.Source. The session takes
// ownership of the source and closes it in Close.
func NewSession(cfg *Config, opts Options) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts.Source == nil {
		return nil, errors.New("source is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session", cfg.Session.ID))

	rb, err := reorder.New(opts.Source, reorder.Config{
		Framerate:   cfg.Input.Framerate,
		Timeout:     cfg.Input.Timeout,
		ResyncAfter: cfg.Reorder.ResyncAfter,
	}, logger, opts.Metrics)
	if err != nil {
		return nil, errors.Wrap(err, "create reorder buffer")
	}

	return &Session{
		cfg:     cfg,
		src:     opts.Source,
		reorder: rb,
		sinks:   opts.Sinks,
		display: opts.Display,
		logger:  logger,
		metrics: opts.Metrics,
		mode:    ModeIdle,
	}, nil
}

// Record writes frames to output until frames have been recorded (0 means
// until ctx is cancelled). Any acquisition or encode failure aborts the
// recording; the encoder is always drained and closed before returning, so
// whatever was accepted is on disk. Cancellation is a normal stop.
func (s *Session) Record(ctx context.Context, output string, frames uint64) (*Result, error) {
	if output == "" {
		output = s.cfg.Encode.OutputPath
	}
	if s.sinks == nil {
		return nil, errors.New("no encoder sink configured")
	}
	if err := s.begin(ModeRecord, output); err != nil {
		return nil, err
	}
	start := time.Now()

	sink, err := s.sinks(output)
	if err != nil {
		err = errors.Wrap(err, "open encoder sink")
		s.end(err)
		return nil, err
	}

	pv := s.newPreview(s.cfg.Preview.Enabled)
	enc, err := encode.New(sink, encode.Config{
		Width:         s.cfg.Input.Width,
		Height:        s.cfg.Input.Height,
		QueueCapacity: s.cfg.Encode.QueueCapacity,
	}, pv, s.logger, s.metrics)
	if err != nil {
		pv.Close()
		err = multierr.Append(err, sink.Close())
		s.end(err)
		return nil, err
	}
	s.attach(enc, pv)

	s.logger.Info("Recording started",
		zap.String("output", output),
		zap.Uint64("frames", frames),
		zap.Float64("framerate", s.cfg.Input.Framerate))

	n, stopped, runErr := s.pump(ctx, frames, func(seq uint64, f *input.Frame) error {
		ts := f.Timestamp
		bgr, err := convert.ToBGR(f)
		f.Release()
		if err != nil {
			return err
		}
		return enc.WriteFrame(ctx, encode.Frame{Seq: seq, Timestamp: ts, Data: bgr})
	})
	if runErr != nil {
		s.logger.Error("Recording aborted, draining encoder", zap.Error(runErr))
	}

	err = combine(runErr, s.closeEncoder(enc))
	encStats := enc.Stats()
	elapsed := time.Since(start)

	res := &Result{
		Mode:    ModeRecord,
		Output:  output,
		Frames:  n,
		Elapsed: elapsed,
		FPS:     averageFPS(n, elapsed),
		Stopped: stopped,
		Encoder: &encStats,
		Reorder: s.reorder.Stats(),
	}
	s.end(err)

	s.logger.Info("Recording finished",
		zap.String("output", output),
		zap.Uint64("frames", n),
		zap.Uint64("written", encStats.Written),
		zap.Duration("elapsed", elapsed),
		zap.Float64("fps", res.FPS),
		zap.Bool("stopped", stopped),
		zap.Error(err))
	return res, err
}

// Monitor feeds the preview only, no encoding
func (s *Session) Monitor(ctx context.Context, frames uint64) (*Result, error) {
	if err := s.begin(ModeMonitor, ""); err != nil {
		return nil, err
	}
	start := time.Now()

	pv := s.newPreview(true)
	s.attach(nil, pv)
	s.logger.Info("Monitoring started")

	width, height := s.cfg.Input.Width, s.cfg.Input.Height
	n, stopped, err := s.pump(ctx, frames, func(seq uint64, f *input.Frame) error {
		ts := f.Timestamp
		bgr, err := convert.ToBGR(f)
		f.Release()
		if err != nil {
			return err
		}
		pv.Offer(seq, ts, bgr, width, height)
		return nil
	})
	pv.Close()

	res := s.result(ModeMonitor, n, time.Since(start), stopped)
	s.end(err)
	s.logger.Info("Monitoring finished", zap.Uint64("frames", n), zap.Float64("fps", res.FPS))
	return res, err
}

// SpeedTest pulls and releases frames as fast as the source delivers them
func (s *Session) SpeedTest(ctx context.Context, frames uint64) (*Result, error) {
	if err := s.begin(ModeSpeedTest, ""); err != nil {
		return nil, err
	}
	start := time.Now()

	n, stopped, err := s.pump(ctx, frames, func(_ uint64, f *input.Frame) error {
		f.Release()
		return nil
	})

	res := s.result(ModeSpeedTest, n, time.Since(start), stopped)
	s.end(err)
	s.logger.Info("Speed test finished",
		zap.Uint64("frames", n),
		zap.Duration("elapsed", res.Elapsed),
		zap.Float64("fps", res.FPS))
	return res, err
}

// Snapshot writes the next ordered frame to path as a PNG
func (s *Session) Snapshot(ctx context.Context, path string) (*Result, error) {
	if err := s.begin(ModeSnapshot, path); err != nil {
		return nil, err
	}
	start := time.Now()

	n, stopped, err := s.pump(ctx, 1, func(_ uint64, f *input.Frame) error {
		width, height := f.Width, f.Height
		bgr, err := convert.ToBGR(f)
		f.Release()
		if err != nil {
			return err
		}
		return writePNG(path, bgr, width, height)
	})
	if err == nil && n == 0 {
		err = errors.Wrap(context.Canceled, "no frame captured")
	}

	res := s.result(ModeSnapshot, n, time.Since(start), stopped)
	res.Output = path
	s.end(err)
	if err == nil {
		s.logger.Info("Snapshot written", zap.String("path", path))
	}
	return res, err
}

// Status returns the current session status
func (s *Session) Status() Status {
	s.mu.RLock()
	st := Status{
		SessionID: s.cfg.Session.ID,
		Mode:      s.mode,
		Output:    s.output,
		StartedAt: s.startedAt,
		Width:     s.cfg.Input.Width,
		Height:    s.cfg.Input.Height,
		Framerate: s.cfg.Input.Framerate,
	}
	enc, pv := s.encoder, s.preview
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.RUnlock()

	st.Frames = s.frames.Load()
	if st.Mode != ModeIdle {
		st.FPS = averageFPS(st.Frames, time.Since(st.StartedAt))
	}
	st.Reorder = s.reorder.Stats()
	if enc != nil {
		es := enc.Stats()
		st.Encoder = &es
	}
	if pv != nil {
		ps := pv.Stats()
		st.Preview = &ps
	}
	return st
}

// Close releases buffered frames and closes the source. Cancel any running
// operation first.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return multierr.Combine(
		s.reorder.Close(),
		errors.Wrap(s.src.Close(), "close source"),
	)
}

type frameHandler func(seq uint64, f *input.Frame) error

// pump pulls ordered frames into handle until limit frames were handled
// (0 = no limit) or ctx is done. The handler owns the frame and must
// release it. stopped reports a cancellation before the limit.
func (s *Session) pump(ctx context.Context, limit uint64, handle frameHandler) (n uint64, stopped bool, err error) {
	every := progressEvery(s.cfg.Input.Framerate)
	start := time.Now()
	timeouts := 0

	for limit == 0 || n < limit {
		f, err := s.reorder.PullOrdered(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return n, true, nil
			}
			if errors.Is(err, reorder.ErrAcquisitionTimeout) {
				timeouts++
				s.logger.Warn("Acquisition timeout", zap.Int("consecutive", timeouts), zap.Error(err))
				if maxTimeouts := s.cfg.Input.MaxTimeouts; maxTimeouts > 0 && timeouts >= maxTimeouts {
					return n, false, errors.Wrapf(err, "gave up after %d consecutive timeouts", timeouts)
				}
				continue
			}
			return n, false, err
		}
		timeouts = 0

		if err := handle(n, f); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return n, true, nil
			}
			return n, false, err
		}
		n++
		s.frames.Store(n)

		if n%every == 0 {
			elapsed := time.Since(start)
			s.logger.Info("Progress",
				zap.Uint64("frames", n),
				zap.Duration("elapsed", elapsed),
				zap.Float64("fps", averageFPS(n, elapsed)))
		}
	}
	return n, false, nil
}

// progressEvery is roughly ten seconds worth of frames
func progressEvery(framerate float64) uint64 {
	n := uint64(math.Round(framerate * 10))
	if n == 0 {
		return 1
	}
	return n
}

func (s *Session) begin(mode Mode, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.mode != ModeIdle {
		return errors.Wrapf(ErrBusy, "%s in progress", s.mode)
	}
	s.mode = mode
	s.output = output
	s.startedAt = time.Now()
	s.lastErr = nil
	s.frames.Store(0)
	return nil
}

func (s *Session) attach(enc *encode.Encoder, pv *preview.Channel) {
	s.mu.Lock()
	s.encoder = enc
	s.preview = pv
	s.mu.Unlock()
}

func (s *Session) end(err error) {
	s.mu.Lock()
	s.mode = ModeIdle
	s.encoder = nil
	s.preview = nil
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()
}

func (s *Session) result(mode Mode, n uint64, elapsed time.Duration, stopped bool) *Result {
	return &Result{
		Mode:    mode,
		Frames:  n,
		Elapsed: elapsed,
		FPS:     averageFPS(n, elapsed),
		Stopped: stopped,
		Reorder: s.reorder.Stats(),
	}
}

func (s *Session) newPreview(enabled bool) *preview.Channel {
	if !enabled {
		return nil
	}
	return preview.NewChannel(s.display, preview.Config{Scale: s.cfg.Preview.Scale}, s.logger, s.metrics)
}

// closeEncoder drains the encoder, bounded by encode.drain_timeout when set
func (s *Session) closeEncoder(enc *encode.Encoder) error {
	ctx := context.Background()
	if d := s.cfg.Encode.DrainTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return enc.CloseContext(ctx)
}

// combine appends the close errors to runErr, skipping the write error
// both already carry
func combine(runErr, closeErr error) error {
	for _, err := range multierr.Errors(closeErr) {
		if err != runErr {
			runErr = multierr.Append(runErr, err)
		}
	}
	return runErr
}

func writePNG(path string, bgr []byte, width, height int) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create snapshot")
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	if err := png.Encode(f, preview.NewBGR(bgr, width, height)); err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	return nil
}
