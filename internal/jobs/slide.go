package jobs

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg" // jpeg slide decoding
	"image/png"
	"os"
	"path/filepath"
)

// Slide wraps a decoded slide image. Inputs are plain raster files; the
// loader normalizes whatever format the decoder produced into RGBA on
// demand.
type Slide struct {
	img image.Image
}

// OpenSlide decodes the slide at path.
func OpenSlide(path string) (*Slide, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from the job row
	if err != nil {
		return nil, fmt.Errorf("opening slide: %w", err)
	}
	defer func() { _ = f.Close() }()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding slide: %w", err)
	}
	return &Slide{img: img}, nil
}

// Dimensions returns the slide width and height in pixels.
func (s *Slide) Dimensions() (int, int) {
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

// Region returns the given rectangle of the slide as RGBA. Coordinates are
// clamped to the slide bounds.
func (s *Slide) Region(x, y, w, h int) *image.RGBA {
	b := s.img.Bounds()
	r := image.Rect(x, y, x+w, y+h).Add(b.Min).Intersect(b)
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), s.img, r.Min, draw.Src)
	return out
}

// Thumbnail returns a downsampled copy fitting within maxW x maxH,
// preserving aspect ratio. Nearest-neighbor is plenty for masks and
// previews.
func (s *Slide) Thumbnail(maxW, maxH int) *image.RGBA {
	b := s.img.Bounds()
	w, h := b.Dx(), b.Dy()

	outW, outH := w, h
	if outW > maxW {
		outH = outH * maxW / outW
		outW = maxW
	}
	if outH > maxH {
		outW = outW * maxH / outH
		outH = maxH
	}
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}

	out := image.NewRGBA(image.Rect(0, 0, outW, outH))
	for y := 0; y < outH; y++ {
		srcY := b.Min.Y + y*h/outH
		for x := 0; x < outW; x++ {
			srcX := b.Min.X + x*w/outW
			out.Set(x, y, s.img.At(srcX, srcY))
		}
	}
	return out
}

// luminance returns the 0-255 grayscale value of a color.
func luminance(c color.Color) uint8 {
	r, g, b, _ := c.RGBA()
	// Rec. 601 weights on 16-bit channels.
	y := (299*r + 587*g + 114*b) / 1000
	return uint8(y >> 8)
}

// writePNG writes img to path, creating parent directories as needed.
func writePNG(path string, img image.Image) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	f, err := os.Create(path) //nolint:gosec // G304: path comes from the job row
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("encoding png: %w", err)
	}
	return nil
}
