// Package testdata provides shared fixtures: synthetic frames and an
// in-process host serving model descriptors.
package testdata

import (
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
)

// Labels is the class list served by NewModelServer by default.
var Labels = []string{"knife", "person", "cup"}

// Frame returns a solid w×h RGBA frame.
func Frame(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

// Sequence returns n frames of the same size with increasing brightness.
func Sequence(n, w, h int) []image.Image {
	frames := make([]image.Image, n)
	for i := range frames {
		v := uint8(i * 255 / max(n, 1))
		frames[i] = Frame(w, h, color.RGBA{R: v, G: v, B: v, A: 255})
	}
	return frames
}

// Topology returns a minimal layers-model descriptor.
func Topology() map[string]any {
	return map[string]any{
		"format":      "layers-model",
		"generatedBy": "keras v2.4.0",
		"convertedBy": "TensorFlow.js Converter v1.3.1",
		"modelTopology": map[string]any{
			"class_name": "Sequential",
			"config":     map[string]any{"name": "sequential_1"},
		},
		"weightsManifest": []any{
			map[string]any{
				"paths": []string{"weights.bin"},
				"weights": []any{
					map[string]any{"name": "dense_Dense1/kernel", "shape": []int{1280, 100}, "dtype": "float32"},
				},
			},
		},
	}
}

// Metadata returns an image-model metadata descriptor for labels.
func Metadata(labels []string) map[string]any {
	return map[string]any{
		"tfjsVersion":    "1.3.1",
		"tmVersion":      "2.4.5",
		"packageVersion": "0.8.4",
		"packageName":    "@teachablemachine/image",
		"timeStamp":      "2024-01-01T00:00:00.000Z",
		"userMetadata":   map[string]any{},
		"modelName":      "tm-my-image-model",
		"labels":         labels,
		"imageSize":      224,
	}
}

// ModelServer serves model.json, metadata.json and model.onnx.
type ModelServer struct {
	*httptest.Server
	requests atomic.Int64
}

// NewModelServer starts a host for a model with the given labels.
func NewModelServer(labels []string) *ModelServer {
	ms := &ModelServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/models/test/model.json", func(w http.ResponseWriter, r *http.Request) {
		ms.requests.Add(1)
		writeJSON(w, Topology())
	})
	mux.HandleFunc("/models/test/metadata.json", func(w http.ResponseWriter, r *http.Request) {
		ms.requests.Add(1)
		writeJSON(w, Metadata(labels))
	})
	mux.HandleFunc("/models/test/model.onnx", func(w http.ResponseWriter, r *http.Request) {
		ms.requests.Add(1)
		w.Write([]byte("onnx"))
	})

	ms.Server = httptest.NewServer(mux)
	return ms
}

// BaseURL returns the model base URL, ending in a slash.
func (ms *ModelServer) BaseURL() string {
	return ms.URL + "/models/test/"
}

// Requests returns how many descriptor requests were served.
func (ms *ModelServer) Requests() int64 {
	return ms.requests.Load()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
