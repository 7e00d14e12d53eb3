// Package model loads the remote image classification model and runs it on
// single frames.
package model

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ayusman/netra/internal/detection"
)

// ErrNotReady is returned by runners used after their handle was released.
var ErrNotReady = errors.New("model is not ready")

// Runner executes the classifier on a preprocessed input tensor and returns
// one probability per class, in model order.
type Runner interface {
	Run(ctx context.Context, input []float32) ([]float32, error)
	Close() error
}

// Spec is what a RunnerFactory gets to build a runner from.
type Spec struct {
	BaseURL  string
	Topology *Topology
	Metadata *Metadata

	// Fetch downloads an additional file relative to BaseURL.
	Fetch func(ctx context.Context, name string) ([]byte, error)
}

// RunnerFactory builds a Runner once both descriptors are fetched.
type RunnerFactory func(ctx context.Context, spec Spec) (Runner, error)

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient sets the client used to fetch model resources.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// WithRunnerFactory sets how inference runners are built.
func WithRunnerFactory(f RunnerFactory) Option {
	return func(g *Gateway) { g.factory = f }
}

// WithClassifyTimeout bounds each classify call. Zero means no timeout.
func WithClassifyTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.classifyTimeout = d }
}

// WithLogger sets the gateway logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(g *Gateway) { g.logger = l }
}

// Gateway owns the model handle and exposes single-frame classification.
type Gateway struct {
	baseURL         string
	client          *http.Client
	factory         RunnerFactory
	classifyTimeout time.Duration
	logger          *zap.SugaredLogger

	mu      sync.RWMutex
	current *Handle
	retired []*Handle
	closed  bool
}

// NewGateway creates a gateway for the model hosted at baseURL.
// The initial handle is Unloaded.
func NewGateway(baseURL string, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL: baseURL,
		client:  http.DefaultClient,
		logger:  zap.NewNop().Sugar(),
		current: newHandle(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle returns the handle of the most recent load attempt.
func (g *Gateway) Handle() *Handle {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current
}

// Load starts a new load attempt and returns its handle, already Loading.
// The handle resolves to Ready or Failed in the background; errors never
// escape past the handle.
func (g *Gateway) Load(ctx context.Context) *Handle {
	h := newHandle()
	h.begin()

	g.mu.Lock()
	if prev := g.current.State(); prev == StateLoading || prev == StateReady {
		g.retired = append(g.retired, g.current)
	}
	g.current = h
	g.mu.Unlock()

	go g.load(ctx, h)

	return h
}

func (g *Gateway) load(ctx context.Context, h *Handle) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Errorw("model load panicked", "panic", r)
			h.fail(fmt.Sprintf("model load failed: %v", r))
		}
	}()

	start := time.Now()
	g.logger.Infow("loading model", "url", g.baseURL)

	topology, metadata, runner, err := g.fetchModel(ctx)
	if err != nil {
		g.logger.Errorw("model load failed", "url", g.baseURL, "error", err)
		h.fail(err.Error())
		return
	}

	g.logger.Infow("model ready",
		"name", metadata.ModelName,
		"classes", len(metadata.Labels),
		"image_size", metadata.ImageSize,
		"elapsed", time.Since(start),
	)

	if !h.resolve(topology, metadata, runner) {
		runner.Close()
		return
	}

	// Only the current handle keeps its runner. Once it is ready, every
	// handle it superseded is released; a handle that was itself superseded
	// while loading is released right away.
	g.mu.Lock()
	var stale []*Handle
	switch {
	case g.closed || g.current != h:
		stale = []*Handle{h}
	default:
		stale = g.retired
		g.retired = nil
	}
	g.mu.Unlock()

	g.releaseAll(stale)
}

func (g *Gateway) releaseAll(handles []*Handle) error {
	var errs error
	for _, h := range handles {
		if err := h.release(); err != nil {
			g.logger.Warnw("failed to release model runner", "error", err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (g *Gateway) fetchModel(ctx context.Context) (*Topology, *Metadata, Runner, error) {
	var topology Topology
	if err := fetchJSON(ctx, g.client, g.baseURL, TopologyFile, &topology); err != nil {
		return nil, nil, nil, fmt.Errorf("load model topology: %w", err)
	}
	if err := topology.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("load model topology: %w", err)
	}

	var metadata Metadata
	if err := fetchJSON(ctx, g.client, g.baseURL, MetadataFile, &metadata); err != nil {
		return nil, nil, nil, fmt.Errorf("load model metadata: %w", err)
	}
	if err := metadata.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("load model metadata: %w", err)
	}

	if g.factory == nil {
		return nil, nil, nil, errors.New("no inference runtime configured")
	}

	runner, err := g.factory(ctx, Spec{
		BaseURL:  g.baseURL,
		Topology: &topology,
		Metadata: &metadata,
		Fetch: func(ctx context.Context, name string) ([]byte, error) {
			return fetch(ctx, g.client, g.baseURL, name)
		},
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build inference runner: %w", err)
	}

	return &topology, &metadata, runner, nil
}

// Classify returns one score per model class for frame, in model order.
// A nil or non-ready handle yields an empty result. Inference failures are
// logged and also yield an empty result.
func (g *Gateway) Classify(ctx context.Context, h *Handle, frame image.Image) (scores []detection.RawScore) {
	scores = []detection.RawScore{}

	if h == nil || h.State() != StateReady {
		return scores
	}
	if frame == nil || frame.Bounds().Empty() {
		g.logger.Warnw("classify skipped", "error", "empty frame")
		return scores
	}

	defer func() {
		if r := recover(); r != nil {
			g.logger.Errorw("classify panicked", "panic", r)
			scores = []detection.RawScore{}
		}
	}()

	if g.classifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.classifyTimeout)
		defer cancel()
	}

	probs, labels, err := h.classify(ctx, frame)
	if err != nil {
		g.logger.Warnw("classify failed", "error", err)
		return scores
	}
	if len(probs) != len(labels) {
		g.logger.Warnw("classify failed",
			"error", "output size does not match labels",
			"outputs", len(probs),
			"labels", len(labels),
		)
		return scores
	}

	scores = make([]detection.RawScore, len(probs))
	for i, p := range probs {
		scores[i] = detection.RawScore{Class: labels[i], Probability: float64(p)}
	}

	if top, ok := detection.Top(scores); ok {
		g.logger.Debugw("top prediction", "class", top.Class, "probability", top.Probability)
	}

	return scores
}

// Close releases the runners of the current handle and of every handle it
// superseded. Loads that resolve after Close release their runner at once.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	handles := append(g.retired, g.current)
	g.retired = nil
	g.mu.Unlock()

	return g.releaseAll(handles)
}

func (h *Handle) classify(ctx context.Context, frame image.Image) ([]float32, []string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.runner == nil || h.metadata == nil {
		return nil, nil, ErrNotReady
	}

	input := Preprocess(frame, h.metadata.ImageSize)
	probs, err := h.runner.Run(ctx, input)
	if err != nil {
		return nil, nil, err
	}
	return probs, h.metadata.Labels, nil
}

// Preprocess center-crops frame to a square, scales it to size×size and
// returns it as an NHWC float tensor with channels normalized to [-1, 1].
func Preprocess(frame image.Image, size int) []float32 {
	img := imaging.Fill(frame, size, size, imaging.Center, imaging.Linear)

	out := make([]float32, 0, size*size*3)
	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+size*4]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			out = append(out,
				float32(px[0])/127.5-1,
				float32(px[1])/127.5-1,
				float32(px[2])/127.5-1,
			)
		}
	}
	return out
}
