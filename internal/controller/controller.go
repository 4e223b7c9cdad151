// Package controller owns the render session: it starts rounds in each
// render mode, runs the draw refresh and stats poll goroutines while a
// round is live, and tears rounds down without leaking goroutines or
// backend scenes.
package controller

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/render-bridge/bridge/internal/callbacks"
	"github.com/render-bridge/bridge/internal/config"
	"github.com/render-bridge/bridge/internal/license"
	"github.com/render-bridge/bridge/internal/logx"
	"github.com/render-bridge/bridge/internal/renderer"
	"github.com/render-bridge/bridge/internal/renderer/local"
	"github.com/render-bridge/bridge/internal/scene"
	"github.com/render-bridge/bridge/internal/session"
	"github.com/render-bridge/bridge/internal/stats"
)

// Options are the collaborators of a Controller. Nil fields get the
// in-process defaults.
type Options struct {
	Config   *config.Config
	Backend  renderer.Backend
	Exporter Exporter
	Stats    StatsManager
	License  license.Checker
	Rounds   *session.Store
	// BatchOutput receives the progress lines of background renders.
	BatchOutput io.Writer
}

// Controller drives one render session at a time.
type Controller struct {
	cfg      atomic.Pointer[config.Config]
	backend  renderer.Backend
	exporter Exporter
	stats    StatsManager
	license  license.Checker
	rounds   *session.Store
	batchOut io.Writer

	sess     *session.Session
	registry *callbacks.Registry

	teardownSem chan struct{}
	hostSem     chan struct{}
	host        Host   // guarded by hostSem
	hostOwner   string // id of the round that bound host; guarded by hostSem

	roundMu  sync.Mutex // guards round, teardown and the start-path transitions
	round    *round
	teardown *Teardown

	eventsMu     sync.Mutex
	events       []chan<- session.Event
	dropped      int64
	lastDropLog  time.Time
	lastProgress atomic.Int32

	vp viewport
}

// New builds a controller. It does not start anything.
func New(opts Options) *Controller {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	backend := opts.Backend
	if backend == nil {
		backend = local.New(cfg.Backend)
	}
	exporter := opts.Exporter
	if exporter == nil {
		e := scene.NewExporter()
		e.SetResMult(cfg.Viewport.ResMult)
		exporter = e
	}
	sm := opts.Stats
	if sm == nil {
		m := stats.NewManager(backend.PID(), cfg.Stats.HistorySize)
		if src, ok := backend.(stats.ProgressSource); ok && cfg.Stats.Connect {
			m.Connect(src)
		}
		sm = m
	}
	checker := opts.License
	if checker == nil {
		checker = license.NewConfigChecker(cfg.License)
	}
	rounds := opts.Rounds
	if rounds == nil {
		rounds = session.NewStore(cfg.Render.HistorySize)
	}
	batchOut := opts.BatchOutput
	if batchOut == nil {
		batchOut = os.Stderr
	}

	c := &Controller{
		backend:     backend,
		exporter:    exporter,
		stats:       sm,
		license:     checker,
		rounds:      rounds,
		batchOut:    batchOut,
		sess:        session.New(),
		registry:    callbacks.NewRegistry(backend.Events()),
		teardownSem: make(chan struct{}, 1),
		hostSem:     make(chan struct{}, 1),
	}
	c.cfg.Store(cfg)
	c.lastProgress.Store(-1)
	return c
}

var (
	defaultOnce sync.Once
	defaultCtl  *Controller
)

// Default returns the process-wide controller, building it with the
// in-process backend on first use.
func Default() *Controller {
	defaultOnce.Do(func() {
		defaultCtl = New(Options{})
	})
	return defaultCtl
}

// SetConfig replaces the config. Running goroutines pick up new intervals
// on their next iteration; backend settings need a new controller.
func (c *Controller) SetConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	c.cfg.Store(cfg)
	if e, ok := c.exporter.(interface{ SetResMult(float64) }); ok {
		e.SetResMult(cfg.Viewport.ResMult)
	}
}

func (c *Controller) config() *config.Config {
	return c.cfg.Load()
}

// SetEvents configures the channels that receive session events. Sends
// never block; events for a full channel are dropped and counted. Call it
// before the first round.
func (c *Controller) SetEvents(chs ...chan<- session.Event) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	c.events = chs
}

func (c *Controller) emit(ev session.Event) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	for _, ch := range c.events {
		if ch == nil {
			continue
		}
		select {
		case ch <- ev:
		default:
			c.dropped++
			now := time.Now()
			if c.lastDropLog.IsZero() || now.Sub(c.lastDropLog) >= 10*time.Second {
				logx.Logger().Warn("session events dropped (channel full)", "dropped", c.dropped)
				c.dropped = 0
				c.lastDropLog = now
			}
		}
	}
}

func (c *Controller) emitState() {
	c.emit(session.Event{Type: session.EventState, Status: c.sess.Status()})
}

// emitProgress publishes p to observers when it changed.
func (c *Controller) emitProgress(p int) {
	if int32(p) == c.lastProgress.Swap(int32(p)) {
		return
	}
	c.emit(session.Event{Type: session.EventProgress, Status: c.sess.Status(), Progress: p})
}

// reportError shows msg on the host and tells observers.
func (c *Controller) reportError(h Host, msg string) {
	logx.Logger().Error(msg)
	if h != nil {
		h.ReportError(msg)
	}
	c.emit(session.Event{Type: session.EventError, Status: c.sess.Status(), Message: msg})
}

// Status returns the current session status.
func (c *Controller) Status() session.Status {
	return c.sess.Status()
}

// Rounds returns the finished-round history.
func (c *Controller) Rounds() *session.Store {
	return c.rounds
}

// Backend returns the backend the controller renders with.
func (c *Controller) Backend() renderer.Backend {
	return c.backend
}

// Progress returns the progress of the current round.
func (c *Controller) Progress() int {
	return c.stats.Progress()
}

// Close stops any round and waits for its goroutines.
func (c *Controller) Close(ctx context.Context) error {
	td, err := c.StopAndWait()
	if err != nil && td == nil {
		return err
	}
	return td.Wait(ctx)
}
