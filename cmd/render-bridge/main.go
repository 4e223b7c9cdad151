package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/render-bridge/bridge/internal/config"
	"github.com/render-bridge/bridge/internal/controller"
	"github.com/render-bridge/bridge/internal/framebuffer"
	"github.com/render-bridge/bridge/internal/frontend"
	"github.com/render-bridge/bridge/internal/host"
	"github.com/render-bridge/bridge/internal/logx"
	"github.com/render-bridge/bridge/internal/renderer"
	"github.com/render-bridge/bridge/internal/renderer/local"
	"github.com/render-bridge/bridge/internal/scene"
	"github.com/render-bridge/bridge/internal/session"
	"github.com/render-bridge/bridge/internal/stats"
	"github.com/render-bridge/bridge/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	scenePath := flag.String("scene", "", "Scene snapshot (YAML); empty uses the built-in scene")
	modeName := flag.String("mode", "", "Start a round at launch: final|interactive|bake|swatch|background|export")
	into := flag.String("into", "", "Interactive target: viewport|external (default from config)")
	output := flag.String("output", "archives/<scene>.<F4>.rib", "Archive path pattern for export rounds")
	format := flag.String("format", "ascii", "Archive format for export rounds: ascii|binary")
	gzipArchive := flag.Bool("gzip", false, "Compress export archives")
	allFrames := flag.Bool("all-frames", false, "Export every frame in the scene's range")
	bake := flag.Bool("bake", false, "Bake variant for background and export rounds")
	selection := flag.Bool("selection", false, "Export only selected objects")
	crop := flag.String("crop", "", "Crop window minX,maxX,minY,maxY in [0,1]")
	once := flag.Bool("once", false, "Exit after the launch round finishes")
	noServer := flag.Bool("no-server", false, "Do not start the display server")
	devMode := flag.Bool("dev", false, "Development mode (serve the viewer from the filesystem)")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	logger, err := logx.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid logging config: %v\n", err)
		os.Exit(1)
	}
	logx.SetLogger(logger)
	log := logx.Logger()

	snap := scene.Default()
	if *scenePath != "" {
		snap, err = scene.LoadSnapshot(*scenePath)
		if err != nil {
			log.Error("Failed to load scene", "path", *scenePath, "error", err)
			os.Exit(1)
		}
	}

	opts := session.Options{
		RenderInto:    *into,
		OutputPath:    strings.ReplaceAll(*output, "<scene>", snap.Name),
		Format:        renderer.ArchiveFormat(*format),
		AllFrames:     *allFrames,
		Bake:          *bake,
		SelectionOnly: *selection,
	}
	if *gzipArchive {
		opts.Compression = "gzip"
	}
	if *crop != "" {
		r, err := parseCrop(*crop)
		if err != nil {
			log.Error("Invalid crop window", "error", err)
			os.Exit(1)
		}
		opts.Crop = &r
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracker, trackerCh, err := stats.NewTracker(stats.NewStore(cfg.Stats.StateDir))
	if err != nil {
		log.Warn("Lifetime stats unavailable", "error", err)
	} else {
		go tracker.Run(ctx)
	}

	backend := local.New(cfg.Backend)
	sm := stats.NewManager(backend.PID(), cfg.Stats.HistorySize)
	if cfg.Stats.Connect {
		sm.Connect(backend)
	}
	ctl := controller.New(controller.Options{
		Config:  cfg,
		Backend: backend,
		Stats:   sm,
	})

	width, height := snap.Resolution.Size()
	hst := host.NewHeadless(ctl, width, height)
	go hst.Run(ctx)

	events := make(chan session.Event, 256)
	if tracker != nil {
		ctl.SetEvents(trackerCh, events)
	} else {
		ctl.SetEvents(events)
	}

	start := func(ctx context.Context, mode session.Mode) error {
		hst.ResetBreak()
		req := session.RenderRequest{Mode: mode, Scene: snap.Clone(), Options: opts}
		return ctl.Start(ctx, hst, req)
	}

	go reloadConfig(ctx, *configPath, ctl)

	var server *ws.Server
	var broadcaster *ws.Broadcaster
	if !*noServer {
		broadcaster = ws.NewBroadcaster(ws.Sources{
			Snapshot: func() ws.SnapshotPayload { return server.Snapshot() },
			Frame:    frameSource(ctl, hst),
			Stats:    sm.Payload,
		}, cfg.Server.BroadcastThrottle, cfg.Server.SnapshotInterval, cfg.Server.MaxConnections)

		frontendDir, embedded := viewerHandler(*devMode)
		server = ws.NewServer(cfg.Server, ctl, broadcaster, frontendDir, *devMode, embedded)
		server.SetStats(sm, tracker)
		server.SetRenderFunc(ctx, start)
		server.SetSnapshotPath(cfg.Server.SnapshotPath)

		// The snapshot source reads server, so nothing may run before it is set.
		broadcaster.StartLive(cfg.Server.FrameThrottle)
		go broadcaster.Run(ctx, events)
	} else {
		go drain(ctx, events)
	}

	if *modeName != "" {
		mode, err := session.ParseMode(*modeName)
		if err != nil {
			log.Error("Invalid mode", "error", err)
			os.Exit(2)
		}
		go func() {
			if err := start(ctx, mode); err != nil {
				log.Error("Round failed", "mode", mode, "error", err)
			}
			if !mode.Blocks() {
				// Interactive rounds run until the viewport goes away.
				waitIdle(ctx, ctl)
			}
			if *once || *noServer {
				cancel()
			}
		}()
	}

	if server != nil {
		if err := ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, server.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", "error", err)
			cancel()
		}
	} else {
		<-ctx.Done()
	}

	log.Info("Shutting down...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Render.TeardownTimeout+time.Second)
	defer stop()
	if err := ctl.Close(shutdownCtx); err != nil {
		log.Warn("Round did not stop cleanly", "error", err)
	}
	if broadcaster != nil {
		broadcaster.Stop()
	}
}

// reloadConfig applies config file edits and SIGHUP reloads to the
// controller until ctx is done.
func reloadConfig(ctx context.Context, path string, ctl *controller.Controller) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	if _, err := os.Stat(path); err == nil {
		go func() {
			if err := config.Watch(ctx, path, ctl.SetConfig); err != nil {
				logx.Logger().Warn("Config watch disabled", "error", err)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(path)
			if err != nil {
				logx.Logger().Warn("SIGHUP reload failed", "path", path, "error", err)
				continue
			}
			logx.Logger().Info("Config reloaded on SIGHUP", "path", path)
			ctl.SetConfig(cfg)
		}
	}
}

// frameSource prefers the host's composited viewport, which carries the
// bucket overlay, and falls back to the raw beauty buffer.
func frameSource(ctl *controller.Controller, hst *host.Headless) func() (image.Image, int, bool) {
	return func() (image.Image, int, bool) {
		if ctl.Status().Viewport {
			if f, ok := hst.Frame(); ok && f.Image != nil {
				return f.Image, ctl.Progress(), true
			}
		}
		img, ok := ctl.FrameImage()
		return img, ctl.Progress(), ok
	}
}

func viewerHandler(dev bool) (string, http.Handler) {
	if dev {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, "internal", "frontend", "static"), nil
	}
	// Embedded viewer: when built with -tags embed, serves from binary.
	// Otherwise falls back to serving from the filesystem.
	if h := frontend.Handler(); h != nil {
		return "", h
	}
	cwd, _ := os.Getwd()
	fallback := filepath.Join(cwd, "internal", "frontend", "static")
	if _, err := os.Stat(fallback); err == nil {
		logx.Logger().Info("No embedded viewer, falling back to filesystem", "dir", fallback)
		return "", http.FileServer(http.Dir(fallback))
	}
	return "", nil
}

func waitIdle(ctx context.Context, ctl *controller.Controller) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for ctl.Status().State != session.Idle {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func drain(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-events:
		}
	}
}

func parseCrop(s string) (framebuffer.Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return framebuffer.Rect{}, fmt.Errorf("want 4 comma-separated values, got %d", len(parts))
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return framebuffer.Rect{}, err
		}
		v[i] = f
	}
	r := framebuffer.Rect{MinX: v[0], MaxX: v[1], MinY: v[2], MaxY: v[3]}
	return r, r.Validate()
}
