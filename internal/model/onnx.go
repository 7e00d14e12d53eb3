package model

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig names the ONNX export of the model and its tensors.
type ONNXConfig struct {
	File       string
	InputName  string
	OutputName string
}

// InitRuntime loads the ONNX Runtime shared library. It must run before any
// ONNX runner is built.
func InitRuntime(libraryPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnx runtime: %w", err)
	}
	return nil
}

// DestroyRuntime releases the ONNX Runtime environment.
func DestroyRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// NewONNXFactory returns a RunnerFactory that downloads cfg.File next to the
// descriptors and runs it with ONNX Runtime.
func NewONNXFactory(cfg ONNXConfig) RunnerFactory {
	return func(ctx context.Context, spec Spec) (Runner, error) {
		data, err := spec.Fetch(ctx, cfg.File)
		if err != nil {
			return nil, err
		}

		// ONNX Runtime loads sessions from disk
		f, err := os.CreateTemp("", "netra-*.onnx")
		if err != nil {
			return nil, fmt.Errorf("create model file: %w", err)
		}
		defer os.Remove(f.Name())

		if _, err := f.Write(data); err != nil {
			f.Close()
			return nil, fmt.Errorf("write model file: %w", err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("write model file: %w", err)
		}

		return newONNXRunner(f.Name(), cfg, spec.Metadata.ImageSize, len(spec.Metadata.Labels))
	}
}

type onnxRunner struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func newONNXRunner(path string, cfg ONNXConfig, size, classes int) (*onnxRunner, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(1)

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(size), int64(size), 3))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(classes)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		path,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &onnxRunner{
		session: session,
		input:   input,
		output:  output,
	}, nil
}

type runResult struct {
	probs []float32
	err   error
}

// Run copies input into the session tensor and runs inference. A cancelled
// context returns early; the session finishes in the background and the next
// call waits for it.
func (r *onnxRunner) Run(ctx context.Context, input []float32) ([]float32, error) {
	done := make(chan runResult, 1)

	go func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.session == nil {
			done <- runResult{err: ErrNotReady}
			return
		}

		dst := r.input.GetData()
		if len(input) != len(dst) {
			done <- runResult{err: fmt.Errorf("input has %d values, model expects %d", len(input), len(dst))}
			return
		}
		copy(dst, input)

		if err := r.session.Run(); err != nil {
			done <- runResult{err: fmt.Errorf("model inference: %w", err)}
			return
		}

		probs := make([]float32, len(r.output.GetData()))
		copy(probs, r.output.GetData())
		done <- runResult{probs: probs}
	}()

	select {
	case res := <-done:
		return res.probs, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close destroys the session and its tensors.
func (r *onnxRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		return nil
	}

	err := r.session.Destroy()
	r.input.Destroy()
	r.output.Destroy()
	r.session = nil
	return err
}
