// Package overlay draws labelled detection boxes onto a transparent surface
// that sits on top of the camera frame.
package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/fogleman/gg"
)

// Surface is a transparent RGBA drawing surface. It is owned by a single
// writer; Snapshot may be called from any goroutine.
type Surface struct {
	mu          sync.Mutex
	dc          *gg.Context
	allocations int
}

// NewSurface returns a zero-sized surface. Call Resize before drawing.
func NewSurface() *Surface {
	return &Surface{}
}

// Resize reallocates the backing buffer when w×h differs from the current
// size and reports whether it did. Non-positive sizes are ignored.
func (s *Surface) Resize(w, h int) bool {
	if w <= 0 || h <= 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dc != nil && s.dc.Width() == w && s.dc.Height() == h {
		return false
	}
	s.dc = gg.NewContextForRGBA(image.NewRGBA(image.Rect(0, 0, w, h)))
	s.dc.SetFontFace(newFace())
	s.allocations++
	return true
}

// Clear makes every pixel transparent.
func (s *Surface) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dc == nil {
		return
	}
	s.dc.SetColor(color.Transparent)
	s.dc.Clear()
}

// Width returns the surface width in pixels.
func (s *Surface) Width() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dc == nil {
		return 0
	}
	return s.dc.Width()
}

// Height returns the surface height in pixels.
func (s *Surface) Height() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dc == nil {
		return 0
	}
	return s.dc.Height()
}

// Allocations returns how many times the backing buffer was allocated.
func (s *Surface) Allocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocations
}

// Snapshot returns a copy of the current pixels, or nil before the first
// Resize.
func (s *Surface) Snapshot() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dc == nil {
		return nil
	}
	src := s.dc.Image()
	dst := image.NewRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	return dst
}

// draw runs fn with exclusive access to the drawing context.
func (s *Surface) draw(fn func(dc *gg.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dc == nil {
		return
	}
	fn(s.dc)
}
