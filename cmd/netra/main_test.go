package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/ayusman/netra/internal/config"
)

func parse(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()

	var cfg *config.Config
	var loadErr error
	cliApp := &cli.App{
		Name: "netra",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagConfig},
			&cli.StringFlag{Name: flagAddr},
			&cli.IntFlag{Name: flagCamera},
			&cli.StringFlag{Name: flagModelURL},
			&cli.Float64Flag{Name: flagThreshold},
			&cli.StringFlag{Name: flagLogLevel},
			&cli.BoolFlag{Name: flagTray},
			&cli.StringFlag{Name: flagWebDir},
			&cli.BoolFlag{Name: flagDisabled},
		},
		Action: func(c *cli.Context) error {
			cfg, loadErr = loadConfig(c)
			return nil
		},
	}
	if err := cliApp.Run(append([]string{"netra"}, args...)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return cfg, loadErr
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := parse(t, "--web", t.TempDir())
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.Loop.Threshold != 0.6 || cfg.Server.Addr != ":8080" || !cfg.Loop.StartEnabled {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netra.yaml")
	data := []byte("server:\n  addr: \":9000\"\nloop:\n  threshold: 0.5\ncamera:\n  device_id: 2\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := parse(t,
		"--config", path,
		"--threshold", "0.75",
		"--camera", "-1",
		"--disabled",
		"--web", t.TempDir(),
	)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.Server.Addr != ":9000" {
		t.Errorf("addr = %q, want value from file", cfg.Server.Addr)
	}
	if cfg.Loop.Threshold != 0.75 {
		t.Errorf("threshold = %v, want flag value 0.75", cfg.Loop.Threshold)
	}
	if cfg.Camera.DeviceID != -1 {
		t.Errorf("camera = %d, want -1", cfg.Camera.DeviceID)
	}
	if cfg.Loop.StartEnabled {
		t.Error("--disabled should start the loop disabled")
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"threshold out of range", []string{"--threshold", "1.5"}},
		{"relative model url", []string{"--model-url", "models/x/"}},
		{"missing config file", []string{"--config", "/nonexistent/netra.yaml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parse(t, tt.args...); err == nil {
				t.Error("loadConfig() should fail")
			}
		})
	}
}

func TestViewerURL(t *testing.T) {
	tests := map[string]string{
		":8080":          "http://localhost:8080/",
		"127.0.0.1:9000": "http://127.0.0.1:9000/",
	}
	for addr, want := range tests {
		if got := viewerURL(addr); got != want {
			t.Errorf("viewerURL(%q) = %q, want %q", addr, got, want)
		}
	}
}
