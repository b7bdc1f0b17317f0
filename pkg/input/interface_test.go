package input

import (
	"context"
	"testing"
	"time"
)

func TestFrameReleaseOnce(t *testing.T) {
	calls := 0
	f := NewFrame(100, 2, 2, FormatMono8, make([]byte, 4), func() { calls++ })

	f.Release()
	f.Release()

	if calls != 1 {
		t.Fatalf("release hook ran %d times, want 1", calls)
	}
	if !f.Released() {
		t.Error("frame should report released")
	}
}

func TestFrameReleaseNilHook(t *testing.T) {
	f := NewFrame(0, 1, 1, FormatMono8, []byte{0}, nil)
	f.Release()

	var nilFrame *Frame
	nilFrame.Release()
}

func TestCombineTimestamp(t *testing.T) {
	got := CombineTimestamp(0x00000010, 0x00000002)
	want := uint64(2)<<32 | 0x10
	if got != want {
		t.Errorf("CombineTimestamp = %d, want %d", got, want)
	}
}

func TestFrameSize(t *testing.T) {
	tests := []struct {
		format PixelFormat
		want   int
	}{
		{FormatBGR24, 4 * 3 * 3},
		{FormatRGB24, 4 * 3 * 3},
		{FormatMono8, 4 * 3},
		{FormatBayerGB8, 4 * 3},
		{PixelFormat("yuyv"), 0},
	}

	for _, tt := range tests {
		if got := tt.format.FrameSize(4, 3); got != tt.want {
			t.Errorf("%s.FrameSize = %d, want %d", tt.format, got, tt.want)
		}
	}
}

type nopSource struct{}

func (nopSource) NextFrame(ctx context.Context, timeout time.Duration) (*Frame, error) {
	return nil, ErrTimeout
}

func (nopSource) Close() error { return nil }

func TestRegistry(t *testing.T) {
	Register("nop-test", func(cfg Config) (Source, error) { return nopSource{}, nil })

	src, err := Open("nop-test", Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := src.NextFrame(context.Background(), time.Millisecond); err != ErrTimeout {
		t.Errorf("NextFrame error = %v, want ErrTimeout", err)
	}

	if _, err := Open("does-not-exist", Config{}); err == nil {
		t.Error("expected error for unknown input type")
	}

	found := false
	for _, name := range Names() {
		if name == "nop-test" {
			found = true
		}
	}
	if !found {
		t.Error("registered source missing from Names()")
	}
}
