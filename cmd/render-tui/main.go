package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/render-bridge/bridge/internal/config"
	"github.com/render-bridge/bridge/internal/controller"
	"github.com/render-bridge/bridge/internal/host"
	"github.com/render-bridge/bridge/internal/logx"
	"github.com/render-bridge/bridge/internal/renderer/local"
	"github.com/render-bridge/bridge/internal/scene"
	"github.com/render-bridge/bridge/internal/session"
	"github.com/render-bridge/bridge/internal/stats"
	"github.com/render-bridge/bridge/internal/tui/app"
	"github.com/render-bridge/bridge/internal/tui/client"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	scenePath := flag.String("scene", "", "Scene snapshot (YAML); empty uses the built-in scene")
	wsURL := flag.String("url", "", "WebSocket URL of a render-bridge server; empty renders in process")
	token := flag.String("token", "", "Auth token (if the server requires it)")
	style := flag.String("style", "dark", "Glamour style for overlays: dark|light|notty")
	output := flag.String("output", "archives/<scene>.<F4>.rib", "Archive path pattern for export rounds")
	logPath := flag.String("log", "", "Write logs to this file (the terminal is taken by the UI)")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var logOut io.Writer = io.Discard
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	logger, err := logx.New(cfg.Logging.Level, cfg.Logging.Format, logOut)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid logging config: %v\n", err)
		os.Exit(1)
	}
	logx.SetLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var driver app.Driver
	var ctl *controller.Controller
	if *wsURL != "" {
		u, err := url.Parse(*wsURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -url: %v\n", err)
			os.Exit(2)
		}
		driver = app.NewRemote(client.NewWSClient(*wsURL, *token), u.Host)
	} else {
		driver, ctl, err = newLocal(ctx, cfg, *scenePath, *output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}

	p := tea.NewProgram(app.New(driver, *style), tea.WithAltScreen())
	_, runErr := p.Run()

	if ctl != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Render.TeardownTimeout+time.Second)
		if err := ctl.Close(shutdownCtx); err != nil {
			logx.Logger().Warn("Round did not stop cleanly", "error", err)
		}
		stop()
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}
}

// newLocal builds an in-process controller with a headless host sized
// later by the UI.
func newLocal(ctx context.Context, cfg *config.Config, scenePath, output string) (*app.Local, *controller.Controller, error) {
	snap := scene.Default()
	if scenePath != "" {
		var err error
		snap, err = scene.LoadSnapshot(scenePath)
		if err != nil {
			return nil, nil, fmt.Errorf("loading scene: %w", err)
		}
	}

	backend := local.New(cfg.Backend)
	sm := stats.NewManager(backend.PID(), cfg.Stats.HistorySize)
	if cfg.Stats.Connect {
		sm.Connect(backend)
	}
	ctl := controller.New(controller.Options{Config: cfg, Backend: backend, Stats: sm})

	w, h := snap.Resolution.Size()
	hst := host.NewHeadless(ctl, w, h)
	go hst.Run(ctx)

	var extra []chan<- session.Event
	tracker, trackerCh, err := stats.NewTracker(stats.NewStore(cfg.Stats.StateDir))
	if err != nil {
		logx.Logger().Warn("Lifetime stats unavailable", "error", err)
		tracker = nil
	} else {
		go tracker.Run(ctx)
		extra = append(extra, trackerCh)
	}

	l := app.NewLocal(app.LocalOptions{
		Controller:   ctl,
		Host:         hst,
		Scene:        snap,
		Options:      session.Options{OutputPath: strings.ReplaceAll(output, "<scene>", snap.Name)},
		Stats:        sm,
		Tracker:      tracker,
		SnapshotPath: cfg.Server.SnapshotPath,
	}, extra...)
	return l, ctl, nil
}
