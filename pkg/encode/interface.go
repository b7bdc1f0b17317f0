package encode

import "io"

// DefaultQueueCapacity is the encode queue size used when none is configured
const DefaultQueueCapacity = 64

// Sink is the sequential encoder input. Each Write call carries exactly one
// width*height*3 BGR24 frame. Close flushes and finalises the output.
type Sink interface {
	io.WriteCloser
}

// Killer is implemented by sinks that can be torn down without flushing
type Killer interface {
	Kill() error
}

// Frame is one decoded BGR24 image headed for the sink
type Frame struct {
	Seq       uint64
	Timestamp uint64 // Microseconds
	Data      []byte
}

// Config holds encoder configuration
type Config struct {
	Width         int
	Height        int
	QueueCapacity int
}

// FrameSize returns the byte size of one BGR24 frame
func (c Config) FrameSize() int {
	return c.Width * c.Height * 3
}

// Stats reports encoder counters
type Stats struct {
	Accepted    uint64 `json:"accepted"`
	Written     uint64 `json:"written"`
	WriteErrors uint64 `json:"write_errors"`
	QueueDepth  int    `json:"queue_depth"`
	QueueCap    int    `json:"queue_capacity"`
}
