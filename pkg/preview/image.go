package preview

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

// BGR is an in-memory image over packed BGR24 pixels
type BGR struct {
	Pix    []byte
	Stride int
	Rect   image.Rectangle
}

// NewBGR wraps a packed width x height BGR24 buffer without copying
func NewBGR(pix []byte, width, height int) *BGR {
	return &BGR{Pix: pix, Stride: width * 3, Rect: image.Rect(0, 0, width, height)}
}

// ColorModel implements image.Image
func (b *BGR) ColorModel() color.Model { return color.RGBAModel }

// Bounds implements image.Image
func (b *BGR) Bounds() image.Rectangle { return b.Rect }

// At implements image.Image
func (b *BGR) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(b.Rect)) {
		return color.RGBA{}
	}
	i := (y-b.Rect.Min.Y)*b.Stride + (x-b.Rect.Min.X)*3
	return color.RGBA{R: b.Pix[i+2], G: b.Pix[i+1], B: b.Pix[i], A: 0xff}
}

// Downsample scales a BGR24 frame by scale into a new RGBA image.
// Returns nil when the buffer does not match the geometry.
func Downsample(bgr []byte, width, height int, scale float64) *image.RGBA {
	if width <= 0 || height <= 0 || len(bgr) != width*height*3 {
		return nil
	}
	if scale <= 0 || scale > 1 {
		scale = 1
	}

	dw := int(math.Max(1, math.Round(float64(width)*scale)))
	dh := int(math.Max(1, math.Round(float64(height)*scale)))

	src := NewBGR(bgr, width, height)
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}
