package input

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTimeout is returned by NextFrame when no frame arrived within the wait.
var ErrTimeout = errors.New("acquisition timeout")

// Source is the interface for frame acquisition drivers
type Source interface {
	// NextFrame blocks for at most timeout waiting for the next exposure.
	// Frames may be returned out of timestamp order.
	NextFrame(ctx context.Context, timeout time.Duration) (*Frame, error)
	Close() error
}

// Config holds source configuration
type Config struct {
	Device    string
	Width     int
	Height    int
	Framerate float64
	Format    PixelFormat

	// Synthetic source knobs
	ReorderWindow int // Frames shuffled within windows of this size
	DropEvery     int // Drop every Nth exposure (0 = never)
}

// Frame is one raw exposure tagged with its hardware timestamp.
// Data is owned by the source until Release is called.
type Frame struct {
	Timestamp uint64 // Microseconds
	Width     int
	Height    int
	Format    PixelFormat
	Data      []byte

	release  func()
	released atomic.Bool
}

// NewFrame wraps a driver buffer. release may be nil.
func NewFrame(ts uint64, width, height int, format PixelFormat, data []byte, release func()) *Frame {
	return &Frame{
		Timestamp: ts,
		Width:     width,
		Height:    height,
		Format:    format,
		Data:      data,
		release:   release,
	}
}

// Release hands the buffer back to the source. Only the first call has any effect.
func (f *Frame) Release() {
	if f == nil || !f.released.CompareAndSwap(false, true) {
		return
	}
	if f.release != nil {
		f.release()
	}
}

// Released reports whether Release has been called
func (f *Frame) Released() bool {
	return f.released.Load()
}

// CombineTimestamp joins the 32-bit halves reported by GigE drivers
func CombineTimestamp(lo, hi uint32) uint64 {
	return uint64(hi)<<32 | uint64(lo)
}

// PixelFormat represents a raw pixel layout
type PixelFormat string

const (
	FormatBGR24    PixelFormat = "bgr24"
	FormatRGB24    PixelFormat = "rgb24"
	FormatMono8    PixelFormat = "mono8"
	FormatBayerGB8 PixelFormat = "bayer_gb8"
)

// BytesPerPixel returns the packed size of one pixel
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case FormatBGR24, FormatRGB24:
		return 3
	case FormatMono8, FormatBayerGB8:
		return 1
	}
	return 0
}

// FrameSize returns the expected buffer size for a width x height frame
func (p PixelFormat) FrameSize(width, height int) int {
	return width * height * p.BytesPerPixel()
}

// Factory builds a Source from its configuration
type Factory func(cfg Config) (Source, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register registers a source driver
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Open builds the named source
func Open(name string, cfg Config) (Source, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown input type: %s", name)
	}
	return factory(cfg)
}

// Names returns all registered source types
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
