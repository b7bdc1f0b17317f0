package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

// VideoInfo is what a finished recording is checked against
type VideoInfo struct {
	Width     int
	Height    int
	Framerate float64
	Frames    int64 // 0 when the container does not record a count
}

// Resolution returns resolution string like "1920x1080"
func (v *VideoInfo) Resolution() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

type probeStream struct {
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	FrameRate    string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	NbFrames     string `json:"nb_frames"`
}

// GetVideoInfo runs ffprobe on the first video stream of path
func (f *FFmpeg) GetVideoInfo(ctx context.Context, path string) (*VideoInfo, error) {
	if f.probePath == "" {
		return nil, fmt.Errorf("ffprobe not found")
	}

	output, err := exec.CommandContext(ctx, f.probePath,
		"-v", "quiet",
		"-print_format", "json",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames",
		path,
	).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbe(output)
}

func parseProbe(output []byte) (*VideoInfo, error) {
	var result struct {
		Streams []probeStream `json:"streams"`
	}
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(result.Streams) == 0 {
		return nil, fmt.Errorf("no video stream")
	}

	s := result.Streams[0]
	info := &VideoInfo{Width: s.Width, Height: s.Height}

	// avg_frame_rate is "0/0" for some raw containers
	if info.Framerate = parseFramerate(s.AvgFrameRate); info.Framerate == 0 {
		info.Framerate = parseFramerate(s.FrameRate)
	}
	if s.NbFrames != "" {
		info.Frames, _ = strconv.ParseInt(s.NbFrames, 10, 64)
	}
	return info, nil
}

// parseFramerate parses a framerate string like "30/1" or "30000/1001"
func parseFramerate(s string) float64 {
	var num, den int
	if n, _ := fmt.Sscanf(s, "%d/%d", &num, &den); n == 2 && den != 0 {
		return float64(num) / float64(den)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return 0
}
