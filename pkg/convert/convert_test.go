package convert

import (
	"bytes"
	"errors"
	"testing"

	"github.com/video-system/go-frame-recorder/pkg/input"
)

func TestToBGR(t *testing.T) {
	tests := []struct {
		name   string
		format input.PixelFormat
		w, h   int
		data   []byte
		want   []byte
	}{
		{
			name:   "bgr copy",
			format: input.FormatBGR24,
			w:      2,
			h:      1,
			data:   []byte{1, 2, 3, 4, 5, 6},
			want:   []byte{1, 2, 3, 4, 5, 6},
		},
		{
			name:   "rgb swap",
			format: input.FormatRGB24,
			w:      2,
			h:      1,
			data:   []byte{1, 2, 3, 4, 5, 6},
			want:   []byte{3, 2, 1, 6, 5, 4},
		},
		{
			name:   "mono expand",
			format: input.FormatMono8,
			w:      2,
			h:      1,
			data:   []byte{7, 9},
			want:   []byte{7, 7, 7, 9, 9, 9},
		},
		{
			name:   "bayer gbrg cell",
			format: input.FormatBayerGB8,
			w:      2,
			h:      2,
			data:   []byte{10, 200, 100, 20}, // G B / R G
			want:   []byte{
				200, 15, 100, 200, 15, 100,
				200, 15, 100, 200, 15, 100,
			},
		},
		{
			name:   "bayer odd edge",
			format: input.FormatBayerGB8,
			w:      1,
			h:      1,
			data:   []byte{50},
			want:   []byte{50, 50, 50},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := input.NewFrame(0, tt.w, tt.h, tt.format, tt.data, nil)
			got, err := ToBGR(f)
			if err != nil {
				t.Fatalf("ToBGR: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToBGRDoesNotAlias(t *testing.T) {
	data := []byte{1, 2, 3}
	got, err := ToBGR(input.NewFrame(0, 1, 1, input.FormatBGR24, data, nil))
	if err != nil {
		t.Fatalf("ToBGR: %v", err)
	}
	data[0] = 99
	if got[0] != 1 {
		t.Error("result aliases the source buffer")
	}
}

func TestToBGRErrors(t *testing.T) {
	if _, err := ToBGR(nil); err == nil {
		t.Error("expected error for nil frame")
	}

	_, err := ToBGR(input.NewFrame(0, 2, 2, input.FormatBGR24, make([]byte, 5), nil))
	if !errors.Is(err, ErrShortBuffer) {
		t.Errorf("err = %v, want ErrShortBuffer", err)
	}

	_, err = ToBGR(input.NewFrame(0, 2, 2, "yuyv", make([]byte, 64), nil))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}
