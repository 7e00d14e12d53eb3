// Package loop runs the capture, classify, filter, publish and render cycle
// against a camera frame source.
package loop

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ayusman/netra/internal/detection"
	"github.com/ayusman/netra/internal/model"
	"github.com/ayusman/netra/internal/overlay"
)

// DefaultInterval approximates a 60Hz display refresh.
const DefaultInterval = 16 * time.Millisecond

// RunState is the scheduler state.
type RunState int

// Scheduler states.
const (
	Idle RunState = iota
	Running
	Stopping
)

func (s RunState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Model is the classifier the loop drives.
type Model interface {
	Handle() *model.Handle
	Classify(ctx context.Context, h *model.Handle, frame image.Image) []detection.RawScore
}

// FrameSource supplies the current camera frame.
type FrameSource interface {
	ReadFrame() (image.Image, error)
}

// Consumer receives the filtered detections of every cycle, possibly empty.
type Consumer func([]detection.Detection)

// Snapshot is a point-in-time copy of the loop state.
type Snapshot struct {
	RunID       string                `json:"run_id,omitempty"`
	State       RunState              `json:"state"`
	Enabled     bool                  `json:"enabled"`
	ModelState  model.State           `json:"model_state"`
	ModelError  string                `json:"model_error,omitempty"`
	FPS         int                   `json:"fps"`
	FrameCount  int                   `json:"frame_count"`
	Cycles      uint64                `json:"cycles"`
	Detections  []detection.Detection `json:"detections"`
	FrameWidth  int                   `json:"frame_width"`
	FrameHeight int                   `json:"frame_height"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithThreshold sets the confidence threshold applied to raw scores.
func WithThreshold(t float64) Option {
	return func(s *Scheduler) { s.threshold = t }
}

// WithInterval sets the refresh cadence.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock sets the clock used for cadence and rate windows.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithConsumer sets the callback invoked once per cycle.
func WithConsumer(c Consumer) Option {
	return func(s *Scheduler) { s.consumer = c }
}

// WithEnabled sets the initial enablement.
func WithEnabled(enabled bool) Option {
	return func(s *Scheduler) { s.enabled = enabled }
}

// Scheduler owns the loop state and the drawing surface. At most one cycle,
// and so at most one classify call, is in flight at any time.
type Scheduler struct {
	model     Model
	frames    FrameSource
	surface   *overlay.Surface
	threshold float64
	interval  time.Duration
	clock     clock.Clock
	logger    *zap.SugaredLogger
	consumer  Consumer

	mu      sync.Mutex
	ctx     context.Context
	closed  bool
	quit    chan struct{}
	enabled bool
	state   RunState
	runID   string
	cancel  context.CancelFunc
	done    chan struct{}

	meter      rateMeter
	cycles     uint64
	detections []detection.Detection
	frame      image.Image

	// last fully rendered cycle
	viewFrame   image.Image
	viewOverlay *image.RGBA
}

// New creates an Idle scheduler. It does nothing until Start is called.
func New(m Model, frames FrameSource, opts ...Option) *Scheduler {
	s := &Scheduler{
		model:      m,
		frames:     frames,
		surface:    overlay.NewSurface(),
		threshold:  detection.DefaultThreshold,
		interval:   DefaultInterval,
		clock:      clock.New(),
		logger:     zap.NewNop().Sugar(),
		consumer:   func([]detection.Detection) {},
		enabled:    true,
		detections: []detection.Detection{},
		quit:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the scheduler to ctx and evaluates the entry condition.
// Cancelling ctx stops the loop for good.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return
	}
	s.ctx = ctx
	s.evaluateLocked()
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Refresh()
		case <-s.quit:
		}
	}()
}

// SetEnabled toggles the loop. Disabling lets an in-flight cycle finish but
// discards its result.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enabled == enabled {
		return
	}
	s.enabled = enabled
	s.logger.Infow("loop enablement changed", "enabled", enabled)
	s.evaluateLocked()
}

// Enabled reports the enablement flag.
func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Refresh re-evaluates the entry condition. Call it when the model handle
// changes state.
func (s *Scheduler) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluateLocked()
}

// Close stops the loop and waits for the running cycle to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.quit)
	}
	s.evaluateLocked()
	done := s.done
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}

// State returns the current run state.
func (s *Scheduler) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the loop state.
func (s *Scheduler) Snapshot() Snapshot {
	h := s.model.Handle()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		RunID:      s.runID,
		State:      s.state,
		Enabled:    s.enabled,
		ModelState: h.State(),
		ModelError: h.Err(),
		FPS:        s.meter.rate,
		FrameCount: s.meter.count,
		Cycles:     s.cycles,
		Detections: append([]detection.Detection{}, s.detections...),
	}
	if s.frame != nil {
		snap.FrameWidth = s.frame.Bounds().Dx()
		snap.FrameHeight = s.frame.Bounds().Dy()
	}
	return snap
}

// View returns the frame and overlay of the last fully rendered cycle, or
// nils before the first one. The overlay stays drawn while the next cycle is
// classifying. Both images are shared and must not be modified.
func (s *Scheduler) View() (image.Image, *image.RGBA) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewFrame, s.viewOverlay
}

// Overlay returns the overlay of the last fully rendered cycle, or nil.
func (s *Scheduler) Overlay() *image.RGBA {
	_, ov := s.View()
	return ov
}

// Surface exposes the drawing surface for inspection.
func (s *Scheduler) Surface() *overlay.Surface {
	return s.surface
}

func (s *Scheduler) canRunLocked() bool {
	if s.closed || s.ctx == nil || s.ctx.Err() != nil || !s.enabled {
		return false
	}
	return s.model.Handle().State() == model.StateReady
}

// evaluateLocked moves Idle to Running or Running to Stopping as the entry
// condition dictates. A Stopping loop is re-evaluated when its goroutine
// exits.
func (s *Scheduler) evaluateLocked() {
	ok := s.canRunLocked()

	switch {
	case s.state == Idle && ok:
		s.startLocked()
	case s.state == Running && !ok:
		s.logger.Infow("loop stopping", "run", s.runID)
		s.state = Stopping
		s.cancel()
	}
}

func (s *Scheduler) startLocked() {
	runCtx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})

	s.runID = uuid.NewString()
	s.state = Running
	s.cancel = cancel
	s.done = done
	s.meter.reset(s.clock.Now())

	s.logger.Infow("loop running", "run", s.runID, "interval", s.interval, "threshold", s.threshold)

	go s.run(runCtx, s.runID, done)
}

func (s *Scheduler) run(ctx context.Context, runID string, done chan struct{}) {
	logger := s.logger.With("run", runID)

	defer func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.cancel()
		s.state = Idle
		close(done)
		logger.Infow("loop idle", "cycles", s.cycles)
		s.evaluateLocked()
	}()

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.Refresh()
		if ctx.Err() != nil {
			return
		}
		s.cycle(ctx, logger)
	}
}

// cycle runs one capture, classify, filter, publish, render and rate step.
// Missing frames skip the work; the loop keeps going either way.
func (s *Scheduler) cycle(ctx context.Context, logger *zap.SugaredLogger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("cycle panicked", "panic", r)
		}
	}()

	frame, err := s.frames.ReadFrame()
	if err != nil || frame == nil || frame.Bounds().Empty() {
		logger.Debugw("frame unavailable", "error", err)
		return
	}

	w, h := frame.Bounds().Dx(), frame.Bounds().Dy()
	if s.surface.Resize(w, h) {
		logger.Debugw("surface resized", "width", w, "height", h)
	}
	s.surface.Clear()

	// Runs on the owning context so a stop does not abort inference; the
	// result is dropped below instead.
	scores := s.model.Classify(s.ctx, s.model.Handle(), frame)
	dets := detection.Filter(scores, s.threshold)

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		logger.Debugw("discarding stale cycle result", "detections", len(dets))
		return
	}
	s.detections = dets
	s.frame = frame
	s.mu.Unlock()

	s.consumer(dets)

	if ctx.Err() != nil {
		return
	}
	overlay.Render(s.surface, dets, w, h)
	rendered := s.surface.Snapshot()

	s.mu.Lock()
	if ctx.Err() == nil {
		s.viewFrame = frame
		s.viewOverlay = rendered
	}
	s.cycles++
	prev := s.meter.rate
	s.meter.tick(s.clock.Now())
	if s.meter.rate != prev {
		logger.Debugw("frame rate", "fps", s.meter.rate)
	}
	s.mu.Unlock()
}
