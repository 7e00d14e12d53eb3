// Package app wires the camera, the model gateway and the inference loop
// together and exposes them to the server and tray.
package app

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ayusman/netra/internal/capture"
	"github.com/ayusman/netra/internal/config"
	"github.com/ayusman/netra/internal/detection"
	"github.com/ayusman/netra/internal/loop"
	"github.com/ayusman/netra/internal/model"
	"github.com/ayusman/netra/internal/overlay"
)

// ErrNotStarted is returned by operations that need a started App.
var ErrNotStarted = errors.New("app is not started")

// Deps overrides collaborators that New would otherwise build from the
// configuration. Zero fields are built from cfg.
type Deps struct {
	Camera  capture.Camera
	Factory model.RunnerFactory
	Logger  *zap.SugaredLogger
}

// App owns one camera, one model gateway and one inference loop.
type App struct {
	cfg     *config.Config
	logger  *zap.SugaredLogger
	camera  capture.Camera
	gateway *model.Gateway
	loop    *loop.Scheduler

	mu          sync.RWMutex
	ctx         context.Context
	startedAt   time.Time
	subscribers map[int]func([]detection.Detection)
	listeners   map[int]func(bool)
	nextID      int

	// serializes SetEnabled so listeners see changes in order
	toggleMu sync.Mutex
}

// New builds an App from cfg. Nothing is opened or fetched until Start.
func New(cfg *config.Config, deps Deps) *App {
	a := &App{
		cfg:         cfg,
		logger:      deps.Logger,
		camera:      deps.Camera,
		subscribers: make(map[int]func([]detection.Detection)),
		listeners:   make(map[int]func(bool)),
	}
	if a.logger == nil {
		a.logger = zap.NewNop().Sugar()
	}

	if a.camera == nil {
		a.camera = newCamera(cfg.Camera)
	}

	factory := deps.Factory
	if factory == nil {
		factory = model.NewONNXFactory(model.ONNXConfig{
			File:       cfg.Model.ONNXFile,
			InputName:  cfg.Model.InputName,
			OutputName: cfg.Model.OutputName,
		})
	}

	a.gateway = model.NewGateway(cfg.Model.BaseURL,
		model.WithHTTPClient(&http.Client{Timeout: cfg.Model.FetchTimeout}),
		model.WithRunnerFactory(factory),
		model.WithClassifyTimeout(cfg.Model.ClassifyTimeout),
		model.WithLogger(a.logger.Named("model")),
	)

	a.loop = loop.New(a.gateway, a.camera,
		loop.WithThreshold(cfg.Loop.Threshold),
		loop.WithInterval(cfg.Loop.RefreshInterval),
		loop.WithEnabled(cfg.Loop.StartEnabled),
		loop.WithLogger(a.logger.Named("loop")),
		loop.WithConsumer(a.publish),
	)

	return a
}

func newCamera(cfg config.CameraConfig) capture.Camera {
	if cfg.DeviceID < 0 {
		return capture.NewMockCamera(capture.TestPattern(cfg.Width, cfg.Height), true)
	}
	return capture.NewCamera(capture.Settings{
		DeviceID: cfg.DeviceID,
		Width:    cfg.Width,
		Height:   cfg.Height,
		FPS:      cfg.FPS,
	})
}

// Start opens the camera, starts the loop and begins loading the model.
// The loop starts cycling once the model is ready. ctx bounds the whole
// lifetime of the App.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.ctx != nil {
		a.mu.Unlock()
		return nil
	}
	if err := a.camera.Open(); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("open camera: %w", err)
	}
	a.ctx = ctx
	a.startedAt = time.Now()
	a.mu.Unlock()

	a.loop.Start(ctx)
	a.load(ctx)

	a.logger.Infow("app started", "model", a.cfg.Model.BaseURL, "enabled", a.loop.Enabled())
	return nil
}

// load starts a model load and re-evaluates the loop once it resolves.
// Failures are logged once and left for a manual reload.
func (a *App) load(ctx context.Context) *model.Handle {
	h := a.gateway.Load(ctx)
	a.loop.Refresh()

	go func() {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return
		}

		if h.State() == model.StateFailed {
			a.logger.Errorw("model unavailable", "error", h.Err())
		}
		a.loop.Refresh()
	}()

	return h
}

// ReloadModel retries the model load with a fresh handle. The loop pauses
// while the new handle is loading.
func (a *App) ReloadModel() (*model.Handle, error) {
	a.mu.RLock()
	ctx := a.ctx
	a.mu.RUnlock()

	if ctx == nil {
		return nil, ErrNotStarted
	}

	a.logger.Infow("reloading model")
	return a.load(ctx), nil
}

// Stop stops the loop and releases the camera and the model runner.
func (a *App) Stop() error {
	a.loop.Close()

	err := multierr.Combine(
		a.camera.Close(),
		a.gateway.Close(),
	)
	if err != nil {
		a.logger.Warnw("app stopped with errors", "error", err)
		return err
	}

	a.logger.Infow("app stopped")
	return nil
}

// SetEnabled enables or disables the inference loop. Listeners registered
// with OnEnabledChange are told about actual changes.
func (a *App) SetEnabled(enabled bool) {
	a.toggleMu.Lock()
	defer a.toggleMu.Unlock()

	if a.loop.Enabled() == enabled {
		return
	}
	a.loop.SetEnabled(enabled)

	a.mu.RLock()
	fns := make([]func(bool), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.RUnlock()

	for _, fn := range fns {
		fn(enabled)
	}
}

// OnEnabledChange registers fn for enablement changes, whoever makes them,
// and returns a function that removes it.
func (a *App) OnEnabledChange(fn func(enabled bool)) (remove func()) {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.listeners, id)
			a.mu.Unlock()
		})
	}
}

// IsEnabled reports whether the inference loop is enabled.
func (a *App) IsEnabled() bool {
	return a.loop.Enabled()
}

// Snapshot returns the current loop state.
func (a *App) Snapshot() loop.Snapshot {
	return a.loop.Snapshot()
}

// Model returns the current model handle.
func (a *App) Model() *model.Handle {
	return a.gateway.Handle()
}

// StartedAt returns when Start was called, or the zero time.
func (a *App) StartedAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.startedAt
}

// View returns the last rendered frame with its overlay drawn on top, or
// nil before the first cycle.
func (a *App) View() image.Image {
	frame, ov := a.loop.View()
	if frame == nil {
		return nil
	}

	if ov == nil || ov.Bounds().Size() != frame.Bounds().Size() {
		return overlay.Composite(frame, nil)
	}
	return overlay.Composite(frame, ov)
}

// Subscribe registers fn for every cycle's detections and returns a function
// that removes it.
func (a *App) Subscribe(fn func([]detection.Detection)) (unsubscribe func()) {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.subscribers[id] = fn
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subscribers, id)
			a.mu.Unlock()
		})
	}
}

func (a *App) publish(dets []detection.Detection) {
	a.mu.RLock()
	subs := make([]func([]detection.Detection), 0, len(a.subscribers))
	for _, fn := range a.subscribers {
		subs = append(subs, fn)
	}
	a.mu.RUnlock()

	for _, fn := range subs {
		fn(dets)
	}
}
