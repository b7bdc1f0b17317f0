// Package convert turns raw driver buffers into packed BGR24, the only
// layout the encoder and preview accept.
package convert

import (
	"github.com/pkg/errors"

	"github.com/video-system/go-frame-recorder/pkg/input"
)

var (
	// ErrUnsupportedFormat is returned for pixel formats with no conversion
	ErrUnsupportedFormat = errors.New("unsupported pixel format")
	// ErrShortBuffer is returned when Data is smaller than the frame geometry
	ErrShortBuffer = errors.New("frame buffer too small")
)

// ToBGR returns a newly allocated width*height*3 BGR24 copy of f.
// The result does not alias f.Data, so f can be released right after.
func ToBGR(f *input.Frame) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil frame")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return nil, errors.Errorf("invalid resolution %dx%d", f.Width, f.Height)
	}
	want := f.Format.FrameSize(f.Width, f.Height)
	if want == 0 {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%q", f.Format)
	}
	if len(f.Data) < want {
		return nil, errors.Wrapf(ErrShortBuffer, "%s %dx%d needs %d bytes, got %d",
			f.Format, f.Width, f.Height, want, len(f.Data))
	}

	dst := make([]byte, f.Width*f.Height*3)
	src := f.Data[:want]

	switch f.Format {
	case input.FormatBGR24:
		copy(dst, src)
	case input.FormatRGB24:
		swapRB(dst, src)
	case input.FormatMono8:
		expandMono(dst, src)
	case input.FormatBayerGB8:
		demosaicGB(dst, src, f.Width, f.Height)
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%q", f.Format)
	}
	return dst, nil
}

func swapRB(dst, src []byte) {
	for i := 0; i+2 < len(src); i += 3 {
		dst[i], dst[i+1], dst[i+2] = src[i+2], src[i+1], src[i]
	}
}

func expandMono(dst, src []byte) {
	for i, v := range src {
		o := i * 3
		dst[o], dst[o+1], dst[o+2] = v, v, v
	}
}

// demosaicGB reconstructs colour from a GBRG mosaic:
//
//	G B G B
//	R G R G
//
// Every pixel takes the R and B of its 2x2 cell and the mean of its two greens.
// Cells cut by an odd edge reuse the nearest sample.
func demosaicGB(dst, src []byte, width, height int) {
	at := func(x, y int) byte {
		if x >= width {
			x = width - 1
		}
		if y >= height {
			y = height - 1
		}
		return src[y*width+x]
	}

	for cy := 0; cy < height; cy += 2 {
		for cx := 0; cx < width; cx += 2 {
			g1 := at(cx, cy)
			b := at(cx+1, cy)
			r := at(cx, cy+1)
			g2 := at(cx+1, cy+1)
			g := byte((uint16(g1) + uint16(g2) + 1) / 2)

			for y := cy; y < cy+2 && y < height; y++ {
				for x := cx; x < cx+2 && x < width; x++ {
					o := (y*width + x) * 3
					dst[o], dst[o+1], dst[o+2] = b, g, r
				}
			}
		}
	}
}
