package model

import (
	"context"
	"errors"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/ayusman/netra/internal/detection"
	"github.com/ayusman/netra/testdata"
)

func waitResolved(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("handle still %s after 2s", h.State())
	}
}

func newTestGateway(t *testing.T, baseURL string, runner Runner, opts ...Option) *Gateway {
	t.Helper()
	opts = append([]Option{
		WithRunnerFactory(MockFactory(runner)),
		WithLogger(zaptest.NewLogger(t).Sugar()),
	}, opts...)
	return NewGateway(baseURL, opts...)
}

func TestGateway_InitialHandleUnloaded(t *testing.T) {
	g := NewGateway("http://example.invalid/")

	if got := g.Handle().State(); got != StateUnloaded {
		t.Errorf("initial state = %s, want unloaded", got)
	}
}

func TestGateway_LoadReady(t *testing.T) {
	srv := testdata.NewModelServer(testdata.Labels)
	defer srv.Close()

	g := newTestGateway(t, srv.BaseURL(), NewMockRunner(0.1, 0.8, 0.1))

	start := time.Now()
	h := g.Load(context.Background())
	if got := h.State(); got != StateLoading && got != StateReady {
		t.Fatalf("state right after Load = %s, want loading", got)
	}

	waitResolved(t, h)

	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("load took %v, want < 500ms against a local host", elapsed)
	}
	if got := h.State(); got != StateReady {
		t.Fatalf("state = %s (%s), want ready", got, h.Err())
	}
	if g.Handle() != h {
		t.Error("gateway should expose the new handle")
	}
	if diff := cmp.Diff(testdata.Labels, h.Labels()); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	if h.Metadata().ImageSize != 224 {
		t.Errorf("image size = %d, want 224", h.Metadata().ImageSize)
	}
}

func TestGateway_LoadFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantMsg string
	}{
		{
			name: "topology not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.NotFound(w, r)
			},
			wantMsg: "model.json",
		},
		{
			name: "malformed topology",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("{not json"))
			},
			wantMsg: "parse model.json",
		},
		{
			name: "topology without weights",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"format":"layers-model","modelTopology":{}}`))
			},
			wantMsg: "weightsManifest",
		},
		{
			name: "metadata without labels",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if strings.HasSuffix(r.URL.Path, "model.json") {
					w.Write([]byte(`{"modelTopology":{},"weightsManifest":[{"paths":["w.bin"]}]}`))
					return
				}
				w.Write([]byte(`{"labels":[]}`))
			},
			wantMsg: "no labels",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			g := newTestGateway(t, srv.URL+"/", NewMockRunner())
			h := g.Load(context.Background())
			waitResolved(t, h)

			if got := h.State(); got != StateFailed {
				t.Fatalf("state = %s, want failed", got)
			}
			if !strings.Contains(h.Err(), tt.wantMsg) {
				t.Errorf("message = %q, want it to contain %q", h.Err(), tt.wantMsg)
			}
		})
	}
}

func TestGateway_LoadNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/"
	srv.Close()

	g := newTestGateway(t, url, NewMockRunner())
	h := g.Load(context.Background())
	waitResolved(t, h)

	if got := h.State(); got != StateFailed {
		t.Fatalf("state = %s, want failed", got)
	}
	if h.Err() == "" {
		t.Error("failed handle should carry a message")
	}
}

func TestGateway_LoadFactoryError(t *testing.T) {
	srv := testdata.NewModelServer(testdata.Labels)
	defer srv.Close()

	g := NewGateway(srv.BaseURL(), WithRunnerFactory(func(ctx context.Context, spec Spec) (Runner, error) {
		return nil, errors.New("no runtime")
	}))
	h := g.Load(context.Background())
	waitResolved(t, h)

	if h.State() != StateFailed || !strings.Contains(h.Err(), "no runtime") {
		t.Errorf("state = %s (%q), want failed with runtime message", h.State(), h.Err())
	}
}

func TestGateway_ReloadBuildsNewHandle(t *testing.T) {
	srv := testdata.NewModelServer(testdata.Labels)
	defer srv.Close()

	first := NewMockRunner(0.1, 0.1, 0.8)
	calls := 0
	g := NewGateway(srv.BaseURL(), WithRunnerFactory(func(ctx context.Context, spec Spec) (Runner, error) {
		calls++
		if calls == 1 {
			return first, nil
		}
		return NewMockRunner(0.9, 0.05, 0.05), nil
	}))

	h1 := g.Load(context.Background())
	waitResolved(t, h1)
	h2 := g.Load(context.Background())
	waitResolved(t, h2)

	if h1 == h2 {
		t.Fatal("reload must construct a new handle")
	}
	if h1.State() != StateReady {
		t.Errorf("previous handle state = %s, want it to stay ready", h1.State())
	}
	deadline := time.Now().Add(time.Second)
	for !first.Closed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !first.Closed() {
		t.Fatal("previous runner should be released")
	}

	frame := testdata.Frame(32, 32, color.White)
	if got := g.Classify(context.Background(), h1, frame); len(got) != 0 {
		t.Errorf("released handle classify = %v, want empty", got)
	}
	if got := g.Classify(context.Background(), h2, frame); len(got) != 3 {
		t.Errorf("new handle classify returned %d scores, want 3", len(got))
	}
}

func TestGateway_CloseAfterFailedReload(t *testing.T) {
	srv := testdata.NewModelServer(testdata.Labels)
	defer srv.Close()

	var fail atomic.Bool
	host := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.NotFound(w, r)
			return
		}
		srv.Config.Handler.ServeHTTP(w, r)
	}))
	defer host.Close()

	runner := NewMockRunner(0.1, 0.8, 0.1)
	g := newTestGateway(t, host.URL+"/models/test/", runner)

	h1 := g.Load(context.Background())
	waitResolved(t, h1)
	if h1.State() != StateReady {
		t.Fatalf("first load = %s (%s), want ready", h1.State(), h1.Err())
	}

	fail.Store(true)
	h2 := g.Load(context.Background())
	waitResolved(t, h2)
	if h2.State() != StateFailed {
		t.Fatalf("reload = %s, want failed", h2.State())
	}
	if runner.Closed() {
		t.Error("a failed reload should not release the previous runner")
	}

	if err := g.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !runner.Closed() {
		t.Error("Close() should release the runner of the superseded ready handle")
	}
}

func TestGateway_SupersededLoadReleasesRunner(t *testing.T) {
	srv := testdata.NewModelServer(testdata.Labels)
	defer srv.Close()

	slow := NewMockRunner(0.1, 0.1, 0.8)
	gate := make(chan struct{})
	var calls atomic.Int32
	g := NewGateway(srv.BaseURL(),
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithRunnerFactory(func(ctx context.Context, spec Spec) (Runner, error) {
			if calls.Add(1) == 1 {
				<-gate
				return slow, nil
			}
			return NewMockRunner(0.9, 0.05, 0.05), nil
		}),
	)

	h1 := g.Load(context.Background())
	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("first load never reached the runner factory")
	}

	h2 := g.Load(context.Background())
	waitResolved(t, h2)
	if h2.State() != StateReady {
		t.Fatalf("second load = %s (%s), want ready", h2.State(), h2.Err())
	}

	close(gate)
	waitResolved(t, h1)

	deadline = time.Now().Add(time.Second)
	for !slow.Closed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !slow.Closed() {
		t.Error("runner of a load superseded while loading should be released")
	}
	if g.Handle() != h2 {
		t.Error("late resolution must not replace the current handle")
	}
}

func TestGateway_Classify(t *testing.T) {
	srv := testdata.NewModelServer([]string{"A", "B"})
	defer srv.Close()

	runner := NewMockRunner(0.95, 0.4)
	g := newTestGateway(t, srv.BaseURL(), runner)
	h := g.Load(context.Background())
	waitResolved(t, h)

	got := g.Classify(context.Background(), h, testdata.Frame(640, 480, color.Black))

	want := []detection.RawScore{
		{Class: "A", Probability: float64(float32(0.95))},
		{Class: "B", Probability: float64(float32(0.4))},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Classify() mismatch (-want +got):\n%s", diff)
	}

	filtered := detection.Filter(got, detection.DefaultThreshold)
	if len(filtered) != 1 || filtered[0].Class != "A" {
		t.Errorf("filtered = %+v, want only A", filtered)
	}
}

func TestGateway_ClassifyNotReady(t *testing.T) {
	runner := NewMockRunner(1)
	g := newTestGateway(t, "http://example.invalid/", runner)
	frame := testdata.Frame(8, 8, color.White)

	tests := []struct {
		name   string
		handle *Handle
	}{
		{"nil handle", nil},
		{"unloaded handle", g.Handle()},
		{"loading handle", func() *Handle { h := newHandle(); h.begin(); return h }()},
		{"failed handle", func() *Handle { h := newHandle(); h.begin(); h.fail("boom"); return h }()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.Classify(context.Background(), tt.handle, frame)
			if got == nil || len(got) != 0 {
				t.Errorf("Classify() = %v, want empty non-nil slice", got)
			}
		})
	}

	if runner.Calls() != 0 {
		t.Errorf("runner called %d times, want 0", runner.Calls())
	}
}

func TestGateway_ClassifyFailuresAreEmpty(t *testing.T) {
	srv := testdata.NewModelServer(testdata.Labels)
	defer srv.Close()

	runner := NewMockRunner(0.2, 0.3, 0.5)
	g := newTestGateway(t, srv.BaseURL(), runner)
	h := g.Load(context.Background())
	waitResolved(t, h)

	frame := testdata.Frame(64, 48, color.White)

	t.Run("runner error", func(t *testing.T) {
		runner.SetError(errors.New("inference exploded"))
		defer runner.SetError(nil)

		if got := g.Classify(context.Background(), h, frame); len(got) != 0 {
			t.Errorf("Classify() = %v, want empty", got)
		}
	})

	t.Run("output size mismatch", func(t *testing.T) {
		runner.SetProbabilities(0.5, 0.5)
		defer runner.SetProbabilities(0.2, 0.3, 0.5)

		if got := g.Classify(context.Background(), h, frame); len(got) != 0 {
			t.Errorf("Classify() = %v, want empty", got)
		}
	})

	t.Run("empty frame", func(t *testing.T) {
		if got := g.Classify(context.Background(), h, image.NewRGBA(image.Rect(0, 0, 0, 0))); len(got) != 0 {
			t.Errorf("Classify() = %v, want empty", got)
		}
	})

	t.Run("nil frame", func(t *testing.T) {
		if got := g.Classify(context.Background(), h, nil); len(got) != 0 {
			t.Errorf("Classify() = %v, want empty", got)
		}
	})

	t.Run("recovers after failure", func(t *testing.T) {
		if got := g.Classify(context.Background(), h, frame); len(got) != 3 {
			t.Errorf("Classify() returned %d scores, want 3", len(got))
		}
	})
}

func TestGateway_ClassifyTimeout(t *testing.T) {
	srv := testdata.NewModelServer(testdata.Labels)
	defer srv.Close()

	runner := NewMockRunner(0.2, 0.3, 0.5)
	g := newTestGateway(t, srv.BaseURL(), runner, WithClassifyTimeout(20*time.Millisecond))
	h := g.Load(context.Background())
	waitResolved(t, h)

	release := runner.Block()
	defer release()

	start := time.Now()
	got := g.Classify(context.Background(), h, testdata.Frame(16, 16, color.White))
	if len(got) != 0 {
		t.Errorf("Classify() = %v, want empty after timeout", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Classify() took %v, want the timeout to cut it short", elapsed)
	}
}

func TestHandle_Transitions(t *testing.T) {
	t.Run("ready is terminal", func(t *testing.T) {
		h := newHandle()
		if !h.begin() {
			t.Fatal("unloaded -> loading should be allowed")
		}
		if !h.resolve(&Topology{}, &Metadata{}, NewMockRunner()) {
			t.Fatal("loading -> ready should be allowed")
		}
		if h.fail("late") {
			t.Error("ready -> failed should be rejected")
		}
		if h.begin() {
			t.Error("ready -> loading should be rejected")
		}
		if h.State() != StateReady {
			t.Errorf("state = %s, want ready", h.State())
		}
	})

	t.Run("failed is terminal", func(t *testing.T) {
		h := newHandle()
		h.begin()
		if !h.fail("network down") {
			t.Fatal("loading -> failed should be allowed")
		}
		if h.resolve(&Topology{}, &Metadata{}, NewMockRunner()) {
			t.Error("failed -> ready should be rejected")
		}
		if h.Err() != "network down" {
			t.Errorf("message = %q, want %q", h.Err(), "network down")
		}
	})

	t.Run("unloaded cannot resolve", func(t *testing.T) {
		h := newHandle()
		if h.resolve(&Topology{}, &Metadata{}, NewMockRunner()) {
			t.Error("unloaded -> ready should be rejected")
		}
		if h.fail("x") {
			t.Error("unloaded -> failed should be rejected")
		}
	})
}

func TestPreprocess(t *testing.T) {
	frame := testdata.Frame(64, 32, color.RGBA{R: 255, G: 0, B: 128, A: 255})

	got := Preprocess(frame, 8)

	if len(got) != 8*8*3 {
		t.Fatalf("len = %d, want %d", len(got), 8*8*3)
	}
	for i := 0; i < len(got); i += 3 {
		if got[i] != 1 || got[i+1] != -1 {
			t.Fatalf("pixel %d = (%f, %f), want (1, -1)", i/3, got[i], got[i+1])
		}
		if got[i+2] < -0.01 || got[i+2] > 0.01 {
			t.Fatalf("pixel %d blue = %f, want ~0", i/3, got[i+2])
		}
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateUnloaded: "unloaded",
		StateLoading:  "loading",
		StateReady:    "ready",
		StateFailed:   "failed",
		State(42):     "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %s, want %s", int(s), got, want)
		}
	}
}
