package capture

import (
	"image"
	"image/color"
	"image/draw"
	"sync"
)

// MockCamera plays back in-memory frames. With loop set it wraps around;
// otherwise it reports ErrNoFrame once the frames run out.
type MockCamera struct {
	mu     sync.Mutex
	frames []image.Image
	index  int
	loop   bool
	open   bool
	fps    int
	reads  int
}

// NewMockCamera creates a MockCamera over frames.
func NewMockCamera(frames []image.Image, loop bool) *MockCamera {
	return &MockCamera{
		frames: frames,
		loop:   loop,
		fps:    DefaultFPS,
	}
}

func (c *MockCamera) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = true
	c.index = 0
	return nil
}

func (c *MockCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

// ReadFrame returns a copy of the next frame.
func (c *MockCamera) ReadFrame() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reads++

	if !c.open {
		return nil, ErrCameraNotOpen
	}
	if len(c.frames) == 0 {
		return nil, ErrNoFrame
	}
	if c.index >= len(c.frames) {
		if !c.loop {
			return nil, ErrNoFrame
		}
		c.index = 0
	}

	src := c.frames[c.index]
	c.index++

	dst := image.NewRGBA(image.Rect(0, 0, src.Bounds().Dx(), src.Bounds().Dy()))
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	return dst, nil
}

func (c *MockCamera) SetFPS(fps int) {
	if fps <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fps = fps
}

func (c *MockCamera) FPS() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fps
}

func (c *MockCamera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// SetFrames replaces the frame sequence and restarts playback.
func (c *MockCamera) SetFrames(frames []image.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = frames
	c.index = 0
}

// Reads returns how many times ReadFrame was called.
func (c *MockCamera) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

// TestPattern returns a short loop of frames with a bar sweeping across a
// grey background, for running without a device.
func TestPattern(w, h int) []image.Image {
	if w <= 0 || h <= 0 {
		w, h = DefaultWidth, DefaultHeight
	}

	const n = 30
	bar := max(w/10, 1)
	frames := make([]image.Image, n)
	for i := range frames {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 96, G: 96, B: 96, A: 255}}, image.Point{}, draw.Src)

		x := i * (w - bar) / (n - 1)
		draw.Draw(img, image.Rect(x, 0, x+bar, h), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
		frames[i] = img
	}
	return frames
}
