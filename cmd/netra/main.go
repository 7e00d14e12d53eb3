package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/browser"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ayusman/netra/internal/app"
	"github.com/ayusman/netra/internal/config"
	"github.com/ayusman/netra/internal/detection"
	"github.com/ayusman/netra/internal/logging"
	"github.com/ayusman/netra/internal/model"
	"github.com/ayusman/netra/internal/server"
	"github.com/ayusman/netra/internal/tray"
)

const (
	flagConfig    = "config"
	flagAddr      = "addr"
	flagCamera    = "camera"
	flagModelURL  = "model-url"
	flagThreshold = "threshold"
	flagLogLevel  = "log-level"
	flagTray      = "tray"
	flagWebDir    = "web"
	flagDisabled  = "disabled"
)

func main() {
	cliApp := &cli.App{
		Name:  "netra",
		Usage: "classify camera frames live and serve the annotated view",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  flagAddr,
				Usage: "HTTP listen address",
			},
			&cli.IntFlag{
				Name:  flagCamera,
				Usage: "camera device id, -1 for a synthetic test pattern",
			},
			&cli.StringFlag{
				Name:  flagModelURL,
				Usage: "base URL of the hosted model, ending in /",
			},
			&cli.Float64Flag{
				Name:  flagThreshold,
				Usage: "confidence a class must exceed to be reported",
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "log level (debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:  flagTray,
				Usage: "show the system tray menu",
			},
			&cli.StringFlag{
				Name:  flagWebDir,
				Usage: "serve static files from `DIR`",
			},
			&cli.BoolFlag{
				Name:  flagDisabled,
				Usage: "start with the inference loop disabled",
			},
		},
		Action: run,
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String(flagConfig); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if c.IsSet(flagAddr) {
		cfg.Server.Addr = c.String(flagAddr)
	}
	if c.IsSet(flagCamera) {
		cfg.Camera.DeviceID = c.Int(flagCamera)
	}
	if c.IsSet(flagModelURL) {
		cfg.Model.BaseURL = c.String(flagModelURL)
	}
	if c.IsSet(flagThreshold) {
		cfg.Loop.Threshold = c.Float64(flagThreshold)
	}
	if c.IsSet(flagLogLevel) {
		cfg.Log.Level = c.String(flagLogLevel)
	}
	if c.IsSet(flagTray) {
		cfg.Tray = c.Bool(flagTray)
	}
	if c.IsSet(flagWebDir) {
		cfg.Server.StaticDir = c.String(flagWebDir)
	}
	if c.Bool(flagDisabled) {
		cfg.Loop.StartEnabled = false
	}

	if cfg.Server.StaticDir == "" {
		cfg.Server.StaticDir = findWebDir()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger, err := logging.New("netra", cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Without the runtime every load fails and the model reports why.
	if err := model.InitRuntime(cfg.Model.RuntimeLibrary); err != nil {
		logger.Warnw("onnx runtime unavailable", "error", err)
	}
	defer model.DestroyRuntime()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg, app.Deps{Logger: logger})
	srv := server.New(a, server.Config{
		StaticDir: cfg.Server.StaticDir,
		Logger:    logger.Named("http"),
	})
	if cfg.Server.StaticDir != "" {
		logger.Infow("serving static files", "dir", cfg.Server.StaticDir)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return a.Stop()
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Server.Addr)
	})

	if cfg.Tray {
		runTray(gctx, stop, a, cfg, logger)
	}

	return g.Wait()
}

// runTray blocks on the tray menu until quit or ctx ends. The tray needs the
// main goroutine on some platforms.
func runTray(ctx context.Context, stop context.CancelFunc, a *app.App, cfg *config.Config, logger *zap.SugaredLogger) {
	t := tray.New(a.IsEnabled())
	t.OnToggle(a.SetEnabled)
	t.OnOpenUI(func() {
		if err := browser.OpenURL(viewerURL(cfg.Server.Addr)); err != nil {
			logger.Warnw("open browser", "error", err)
		}
	})
	t.OnQuit(stop)

	unsubscribe := a.Subscribe(func(dets []detection.Detection) {
		t.SetStatus(a.Snapshot().FPS, dets)
	})
	defer unsubscribe()

	removeListener := a.OnEnabledChange(t.SetEnabled)
	defer removeListener()

	go func() {
		<-ctx.Done()
		t.Quit()
	}()

	t.Run()
}

func viewerURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/"
}

// findWebDir looks for the viewer in "web", "../web" and ~/.netra/web and
// returns the first that exists, or "".
func findWebDir() string {
	for _, p := range []string{"web", "../web"} {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			if abs, err := filepath.Abs(p); err == nil {
				return abs
			}
			return p
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(home, ".netra", "web")
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir
	}
	return ""
}
