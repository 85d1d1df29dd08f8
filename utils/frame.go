package utils

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// Surface is a live video source the encoder can read from.
type Surface interface {
	// Ready reports whether at least one decoded frame is available.
	Ready() bool
	// Size returns the native resolution, or zeros when unknown.
	Size() (width, height int)
	// Frame returns the most recent decoded frame.
	Frame() image.Image
}

// FrameEncoder turns the current frame of a surface into a JPEG payload.
type FrameEncoder struct {
	Quality       int
	DefaultWidth  int
	DefaultHeight int
}

func NewFrameEncoder(quality, defaultWidth, defaultHeight int) FrameEncoder {
	return FrameEncoder{
		Quality:       quality,
		DefaultWidth:  defaultWidth,
		DefaultHeight: defaultHeight,
	}
}

// Encode draws the surface's current frame onto an off-screen canvas sized
// to the surface's resolution and returns it JPEG encoded. ok is false when
// the surface has no frame yet; the caller skips the cycle.
func (e FrameEncoder) Encode(s Surface) (payload []byte, ok bool, err error) {
	if s == nil || !s.Ready() {
		return nil, false, nil
	}
	src := s.Frame()
	if src == nil {
		return nil, false, nil
	}

	w, h := s.Size()
	if w <= 0 || h <= 0 {
		w, h = e.DefaultWidth, e.DefaultHeight
	}

	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	sb := src.Bounds()
	if sb.Dx() == w && sb.Dy() == h {
		draw.Draw(canvas, canvas.Bounds(), src, sb.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(canvas, canvas.Bounds(), src, sb, draw.Src, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: e.Quality}); err != nil {
		return nil, false, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), true, nil
}

// ImageSurface is a surface over a single still image.
type ImageSurface struct {
	Image image.Image
}

func (s ImageSurface) Ready() bool { return s.Image != nil }

func (s ImageSurface) Size() (int, int) {
	if s.Image == nil {
		return 0, 0
	}
	b := s.Image.Bounds()
	return b.Dx(), b.Dy()
}

func (s ImageSurface) Frame() image.Image { return s.Image }
