package encode

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/video-system/go-frame-recorder/pkg/metrics"
	"github.com/video-system/go-frame-recorder/pkg/preview"
)

var (
	// ErrEncodeWrite is the session-fatal error raised once a sink write fails
	ErrEncodeWrite = errors.New("encoder write failed")
	// ErrFrameSize is returned for frames that are not exactly width*height*3 bytes
	ErrFrameSize = errors.New("frame size mismatch")
	// ErrClosed is returned by WriteFrame once Close has been called
	ErrClosed = errors.New("encoder closed")
	// ErrDrainTimeout is returned when the queue could not be drained in time
	ErrDrainTimeout = errors.New("encoder drain timed out")
)

// Encoder decouples the capture path from a slower sequential sink.
// WriteFrame is called from a single producer goroutine; a dedicated worker
// writes frames to the sink in exactly the order they were accepted.
type Encoder struct {
	sink    Sink
	cfg     Config
	preview *preview.Channel
	logger  *zap.Logger
	metrics *metrics.Recorder

	queue      *Queue
	workerDone chan struct{}

	mu       sync.Mutex
	writeErr error

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	accepted    atomic.Uint64
	written     atomic.Uint64
	writeErrors atomic.Uint64
}

// New starts an encoder worker writing to sink. pv may be nil to disable the
// preview; the encoder closes it on shutdown.
func New(sink Sink, cfg Config, pv *preview.Channel, logger *zap.Logger, m *metrics.Recorder) (*Encoder, error) {
	if sink == nil {
		return nil, errors.New("encoder sink is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errors.Errorf("invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Encoder{
		sink:       sink,
		cfg:        cfg,
		preview:    pv,
		logger:     logger.Named("encoder"),
		metrics:    m,
		queue:      NewQueue(cfg.QueueCapacity),
		workerDone: make(chan struct{}),
	}

	go e.run()
	return e, nil
}

// WriteFrame queues f for the sink, blocking while the queue is full.
// The encoder takes ownership of f.Data.
func (e *Encoder) WriteFrame(ctx context.Context, f Frame) error {
	if e.closing.Load() {
		return ErrClosed
	}
	if len(f.Data) != e.cfg.FrameSize() {
		return errors.Wrapf(ErrFrameSize, "frame %d has %d bytes, want %d", f.Seq, len(f.Data), e.cfg.FrameSize())
	}
	if err := e.Err(); err != nil {
		return err
	}

	if err := e.queue.Push(ctx, f); err != nil {
		if errors.Is(err, ErrQueueClosed) {
			return ErrClosed
		}
		return err
	}
	e.accepted.Add(1)
	e.metrics.SetQueueDepth(e.queue.Len())

	e.preview.Offer(f.Seq, f.Timestamp, f.Data, e.cfg.Width, e.cfg.Height)
	return nil
}

// run is the encode worker: it pops frames in FIFO order and writes each one
// synchronously until the queue is closed and empty.
func (e *Encoder) run() {
	defer close(e.workerDone)

	for {
		f, ok := e.queue.Pop()
		if !ok {
			return
		}
		e.metrics.SetQueueDepth(e.queue.Len())

		if _, err := e.sink.Write(f.Data); err != nil {
			e.writeErrors.Add(1)
			e.metrics.WriteError()
			if e.fail(errors.Wrapf(ErrEncodeWrite, "frame %d: %v", f.Seq, err)) {
				e.logger.Error("Encoder write failed, draining remaining frames",
					zap.Uint64("seq", f.Seq),
					zap.Int("queued", e.queue.Len()),
					zap.Error(err))
			} else {
				e.logger.Debug("Encoder write failed", zap.Uint64("seq", f.Seq), zap.Error(err))
			}
			continue
		}

		e.written.Add(1)
		e.metrics.FrameWritten()
	}
}

// fail records the first write error. Returns true if err was the first.
func (e *Encoder) fail(err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writeErr != nil {
		return false
	}
	e.writeErr = err
	return true
}

// Err returns the first sink write error, if any
func (e *Encoder) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writeErr
}

// Close drains every accepted frame into the sink, stops the preview and
// closes the sink. It blocks until the worker has exited.
func (e *Encoder) Close() error {
	return e.CloseContext(context.Background())
}

// CloseContext is Close with a drain deadline. If ctx expires first the sink
// is killed when it supports it and ErrDrainTimeout is returned.
func (e *Encoder) CloseContext(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.closeErr = e.shutdown(ctx)
	})
	return e.closeErr
}

func (e *Encoder) shutdown(ctx context.Context) error {
	e.closing.Store(true)
	e.queue.Close()

	select {
	case <-e.workerDone:
	case <-ctx.Done():
		left := e.queue.Len()
		e.logger.Error("Encoder drain timed out", zap.Int("unwritten", left))
		err := errors.Wrapf(ErrDrainTimeout, "%d frames not written", left)
		if k, ok := e.sink.(Killer); ok {
			err = multierr.Append(err, k.Kill())
		}
		e.preview.Close()
		return err
	}

	e.preview.Close()

	err := e.Err()
	if cerr := e.sink.Close(); cerr != nil {
		err = multierr.Append(err, errors.Wrap(cerr, "close sink"))
	}

	e.logger.Info("Encoder closed",
		zap.Uint64("accepted", e.accepted.Load()),
		zap.Uint64("written", e.written.Load()),
		zap.Uint64("write_errors", e.writeErrors.Load()))
	return err
}

// Stats returns encoder counters
func (e *Encoder) Stats() Stats {
	return Stats{
		Accepted:    e.accepted.Load(),
		Written:     e.written.Load(),
		WriteErrors: e.writeErrors.Load(),
		QueueDepth:  e.queue.Len(),
		QueueCap:    e.queue.Cap(),
	}
}
