package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Remote descriptor names, relative to the model base URL.
const (
	TopologyFile = "model.json"
	MetadataFile = "metadata.json"
)

// DefaultImageSize is the model input edge length when metadata omits it.
const DefaultImageSize = 224

// maxDescriptorSize bounds a downloaded descriptor or weights file.
const maxDescriptorSize = 256 << 20

// Topology is the subset of the layers-model descriptor that netra validates.
type Topology struct {
	Format          string          `json:"format"`
	GeneratedBy     string          `json:"generatedBy"`
	ConvertedBy     string          `json:"convertedBy"`
	ModelTopology   json.RawMessage `json:"modelTopology"`
	WeightsManifest []WeightGroup   `json:"weightsManifest"`
}

// WeightGroup is one shard group of the weights manifest.
type WeightGroup struct {
	Paths   []string     `json:"paths"`
	Weights []WeightSpec `json:"weights"`
}

// WeightSpec describes one named weight tensor.
type WeightSpec struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	Dtype string `json:"dtype"`
}

// Metadata describes the classes and input size of an image model.
type Metadata struct {
	TFJSVersion    string         `json:"tfjsVersion"`
	TMVersion      string         `json:"tmVersion"`
	PackageVersion string         `json:"packageVersion"`
	PackageName    string         `json:"packageName"`
	TimeStamp      string         `json:"timeStamp"`
	UserMetadata   map[string]any `json:"userMetadata"`
	ModelName      string         `json:"modelName"`
	Labels         []string       `json:"labels"`
	ImageSize      int            `json:"imageSize"`
}

// Validate checks that the topology can back an inference handle.
func (t *Topology) Validate() error {
	if len(t.ModelTopology) == 0 || string(t.ModelTopology) == "null" {
		return errors.New("topology descriptor has no modelTopology")
	}
	if len(t.WeightsManifest) == 0 {
		return errors.New("topology descriptor has an empty weightsManifest")
	}
	return nil
}

// Validate checks the metadata and fills in the default image size.
func (m *Metadata) Validate() error {
	if len(m.Labels) == 0 {
		return errors.New("metadata descriptor has no labels")
	}
	for i, l := range m.Labels {
		if l == "" {
			return fmt.Errorf("metadata label %d is empty", i)
		}
	}
	if m.ImageSize < 0 {
		return fmt.Errorf("metadata imageSize %d is negative", m.ImageSize)
	}
	if m.ImageSize == 0 {
		m.ImageSize = DefaultImageSize
	}
	return nil
}

// fetch downloads name relative to baseURL.
func fetch(ctx context.Context, client *http.Client, baseURL, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+name, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", name, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", name, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptorSize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func fetchJSON(ctx context.Context, client *http.Client, baseURL, name string, v any) error {
	data, err := fetch(ctx, client, baseURL, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}
