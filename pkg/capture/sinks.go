package capture

import (
	"context"

	"github.com/pkg/errors"

	"github.com/video-system/go-frame-recorder/internal/ffmpeg"
	"github.com/video-system/go-frame-recorder/pkg/encode"
)

// FFmpegSinks starts one ffmpeg encoder process per recording
func FFmpegSinks(ff *ffmpeg.FFmpeg, cfg *Config) SinkFactory {
	return func(output string) (encode.Sink, error) {
		proc, err := ff.StartEncoder(ffmpeg.EncoderConfig{
			OutputPath: output,
			Width:      cfg.Input.Width,
			Height:     cfg.Input.Height,
			Framerate:  cfg.Input.Framerate,
			CRF:        cfg.Encode.CRF,
			Params:     cfg.Encode.Params,
			LogLevel:   cfg.Encode.LogLevel,
		})
		if err != nil {
			return nil, err
		}
		return proc, nil
	}
}

// VerifyRecording probes a finished recording and checks it matches what
// was written
func VerifyRecording(ctx context.Context, ff *ffmpeg.FFmpeg, cfg *Config, res *Result) error {
	info, err := ff.GetVideoInfo(ctx, res.Output)
	if err != nil {
		return errors.Wrap(err, "probe recording")
	}
	if info.Width != cfg.Input.Width || info.Height != cfg.Input.Height {
		return errors.Errorf("recording is %s, expected %dx%d",
			info.Resolution(), cfg.Input.Width, cfg.Input.Height)
	}
	if res.Encoder != nil && info.Frames > 0 && uint64(info.Frames) != res.Encoder.Written {
		return errors.Errorf("recording holds %d frames, %d were written", info.Frames, res.Encoder.Written)
	}
	return nil
}
