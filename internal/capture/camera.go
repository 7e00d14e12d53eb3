// Package capture reads frames from a video device.
package capture

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// Ideal capture settings. Devices that cannot honour them pick the nearest
// mode they support.
const (
	DefaultFPS    = 30
	DefaultWidth  = 640
	DefaultHeight = 480
)

var (
	// ErrCameraNotOpen is returned when reading from a camera that is not open.
	ErrCameraNotOpen = errors.New("camera is not open")
	// ErrNoFrame is returned when the device is open but has no frame ready.
	ErrNoFrame = errors.New("no frame available")
)

// Camera is a source of video frames.
type Camera interface {
	Open() error
	Close() error
	ReadFrame() (image.Image, error)
	SetFPS(fps int)
	FPS() int
	IsOpen() bool
}

// Settings configures a device camera.
type Settings struct {
	DeviceID int
	Width    int
	Height   int
	FPS      int
}

// DefaultSettings returns the ideal 640x480 settings for device 0.
func DefaultSettings() Settings {
	return Settings{
		DeviceID: 0,
		Width:    DefaultWidth,
		Height:   DefaultHeight,
		FPS:      DefaultFPS,
	}
}

type deviceCamera struct {
	settings Settings

	mu      sync.Mutex
	capture *gocv.VideoCapture
	mat     gocv.Mat
	open    bool
}

// NewCamera returns a Camera backed by an OpenCV video device. Zero fields in
// s take their default values.
func NewCamera(s Settings) Camera {
	d := DefaultSettings()
	if s.Width <= 0 {
		s.Width = d.Width
	}
	if s.Height <= 0 {
		s.Height = d.Height
	}
	if s.FPS <= 0 {
		s.FPS = d.FPS
	}
	return &deviceCamera{settings: s}
}

// Open opens the device and requests the configured resolution.
func (c *deviceCamera) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open {
		return nil
	}

	vc, err := gocv.OpenVideoCapture(c.settings.DeviceID)
	if err != nil {
		return fmt.Errorf("open camera %d: %w", c.settings.DeviceID, err)
	}

	vc.Set(gocv.VideoCaptureFrameWidth, float64(c.settings.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(c.settings.Height))
	vc.Set(gocv.VideoCaptureFPS, float64(c.settings.FPS))

	c.capture = vc
	c.mat = gocv.NewMat()
	c.open = true
	return nil
}

// Close releases the device. Closing a closed camera is a no-op.
func (c *deviceCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return nil
	}

	err := c.capture.Close()
	c.mat.Close()
	c.capture = nil
	c.open = false
	return err
}

// ReadFrame grabs the next frame and converts it to an image. The returned
// image is owned by the caller.
func (c *deviceCamera) ReadFrame() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return nil, ErrCameraNotOpen
	}

	if ok := c.capture.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, ErrNoFrame
	}

	img, err := c.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	return img, nil
}

// SetFPS changes the requested frame rate. Non-positive values are ignored.
func (c *deviceCamera) SetFPS(fps int) {
	if fps <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.settings.FPS = fps
	if c.open {
		c.capture.Set(gocv.VideoCaptureFPS, float64(fps))
	}
}

func (c *deviceCamera) FPS() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.FPS
}

func (c *deviceCamera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}
