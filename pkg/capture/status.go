package capture

import (
	"time"

	"github.com/video-system/go-frame-recorder/pkg/encode"
	"github.com/video-system/go-frame-recorder/pkg/preview"
	"github.com/video-system/go-frame-recorder/pkg/reorder"
)

// Mode is the operation a session is running
type Mode string

const (
	ModeIdle      Mode = "idle"
	ModeRecord    Mode = "record"
	ModeMonitor   Mode = "monitor"
	ModeSpeedTest Mode = "speed-test"
	ModeSnapshot  Mode = "snapshot"
)

// Status represents the current session status
type Status struct {
	SessionID string         `json:"session_id"`
	Mode      Mode           `json:"mode"`
	Output    string         `json:"output,omitempty"`
	StartedAt time.Time      `json:"started_at,omitempty"`
	Frames    uint64         `json:"frames"`
	FPS       float64        `json:"fps"`
	Width     int            `json:"width"`
	Height    int            `json:"height"`
	Framerate float64        `json:"framerate"`
	Reorder   reorder.Stats  `json:"reorder"`
	Encoder   *encode.Stats  `json:"encoder,omitempty"`
	Preview   *preview.Stats `json:"preview,omitempty"`
	LastError string         `json:"last_error,omitempty"`
}

// Result summarises a finished operation
type Result struct {
	Mode    Mode          `json:"mode"`
	Output  string        `json:"output,omitempty"`
	Frames  uint64        `json:"frames"`
	Elapsed time.Duration `json:"elapsed"`
	FPS     float64       `json:"fps"`
	Stopped bool          `json:"stopped"` // Ended by cancellation before the requested count
	Encoder *encode.Stats `json:"encoder,omitempty"`
	Reorder reorder.Stats `json:"reorder"`
}

func averageFPS(frames uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(frames) / elapsed.Seconds()
}
