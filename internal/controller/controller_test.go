package controller

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/render-bridge/bridge/internal/config"
	"github.com/render-bridge/bridge/internal/framebuffer"
	"github.com/render-bridge/bridge/internal/license"
	"github.com/render-bridge/bridge/internal/renderer"
	"github.com/render-bridge/bridge/internal/renderer/local"
	"github.com/render-bridge/bridge/internal/scene"
	"github.com/render-bridge/bridge/internal/session"
)

type fakeHost struct {
	mu      sync.Mutex
	errs    []string
	results map[string][][]float32

	visible      atomic.Bool
	redrawFails  atomic.Bool
	redraws      atomic.Int32
	statsRedraws atomic.Int32
	breakAfter   atomic.Int32 // TestBreak turns true after this many calls; 0 never
	breakCalls   atomic.Int32
}

func newFakeHost() *fakeHost {
	h := &fakeHost{results: make(map[string][][]float32)}
	h.visible.Store(true)
	return h
}

func (h *fakeHost) ReportError(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, msg)
}

func (h *fakeHost) ViewportsVisible() bool { return h.visible.Load() }

func (h *fakeHost) TagRedraw() error {
	h.redraws.Add(1)
	if h.redrawFails.Load() {
		return errors.New("surface gone")
	}
	return nil
}

func (h *fakeHost) TagStatsRedraw() { h.statsRedraws.Add(1) }

func (h *fakeHost) TestBreak() bool {
	n := h.breakCalls.Add(1)
	after := h.breakAfter.Load()
	return after > 0 && n > after
}

func (h *fakeHost) UpdateResult(desc framebuffer.Descriptor, pixels [][]float32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results[desc.Name] = pixels
}

func (h *fakeHost) errors() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.errs...)
}

func (h *fakeHost) result(name string) ([][]float32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	px, ok := h.results[name]
	return px, ok
}

// stubExporter wraps the scene exporter so tests can fail or count calls.
type stubExporter struct {
	*scene.Exporter
	failWith  error
	panicWith any
	skip      bool
	finals    atomic.Int32
	updates   atomic.Int32
}

func (e *stubExporter) ExportForFinal(ctx context.Context, snap *scene.Snapshot, sc renderer.Scene, layer string) error {
	e.finals.Add(1)
	if e.panicWith != nil {
		panic(e.panicWith)
	}
	if e.failWith != nil {
		return e.failWith
	}
	if e.skip {
		return nil
	}
	return e.Exporter.ExportForFinal(ctx, snap, sc, layer)
}

func (e *stubExporter) UpdateScene(ctx context.Context, snap *scene.Snapshot) error {
	e.updates.Add(1)
	return e.Exporter.UpdateScene(ctx, snap)
}

// countingBackend counts scene deletions and can hold them open.
type countingBackend struct {
	*local.Backend
	deletes  atomic.Int32
	deleting chan struct{}
	hold     chan struct{}
}

func (b *countingBackend) DeleteScene(sc renderer.Scene) error {
	b.deletes.Add(1)
	select {
	case b.deleting <- struct{}{}:
	default:
	}
	if b.hold != nil {
		<-b.hold
	}
	return b.Backend.DeleteScene(sc)
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type harness struct {
	ctl      *Controller
	host     *fakeHost
	backend  *countingBackend
	exporter *stubExporter
	batch    *syncBuffer
	cfg      *config.Config
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Render.TeardownTimeout = 200 * time.Millisecond
	cfg.Render.HostReleaseTimeout = 100 * time.Millisecond
	cfg.Render.BlockingPollInterval = time.Millisecond
	cfg.Render.OutputDir = t.TempDir()
	cfg.Viewport.RefreshInterval = time.Millisecond
	cfg.Viewport.ExternalRefreshInterval = 5 * time.Millisecond
	cfg.Stats.PollInterval = 2 * time.Millisecond
	cfg.Stats.RedrawInterval = 10 * time.Millisecond
	cfg.Backend = config.BackendConfig{Workers: 2, TileSize: 8, Passes: 4, PassDelay: time.Millisecond}
	return cfg
}

func newHarness(t *testing.T, mutate func(*config.Config), opts ...func(*Options)) *harness {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	h := &harness{
		host:     newFakeHost(),
		backend:  &countingBackend{Backend: local.New(cfg.Backend), deleting: make(chan struct{}, 1)},
		exporter: &stubExporter{Exporter: scene.NewExporter()},
		batch:    &syncBuffer{},
		cfg:      cfg,
	}
	o := Options{
		Config:      cfg,
		Backend:     h.backend,
		Exporter:    h.exporter,
		BatchOutput: h.batch,
	}
	for _, fn := range opts {
		fn(&o)
	}
	h.ctl = New(o)
	t.Cleanup(func() {
		h.ctl.StopAndWait()
	})
	return h
}

func smallScene() *scene.Snapshot {
	snap := scene.Default()
	snap.Resolution = scene.Resolution{Width: 32, Height: 18}
	return snap
}

func request(mode session.Mode) session.RenderRequest {
	return session.RenderRequest{Mode: mode, Scene: smallScene()}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) currentRound() *round {
	h.ctl.roundMu.Lock()
	defer h.ctl.roundMu.Unlock()
	return h.ctl.round
}

func (h *harness) lastTeardown() *Teardown {
	h.ctl.roundMu.Lock()
	defer h.ctl.roundMu.Unlock()
	return h.ctl.teardown
}

// assertIdle checks everything a finished teardown must leave behind.
func (h *harness) assertIdle(t *testing.T) {
	t.Helper()
	assert.Equal(t, session.Idle, h.ctl.Status().State)
	assert.Equal(t, 0, h.ctl.registry.Len(), "callback registry drained")
	assert.Equal(t, 0, h.backend.Scenes(), "backend scene deleted")
	assert.Nil(t, h.ctl.sess.Scene())
}

func closed(ch chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestFinalRender(t *testing.T) {
	h := newHarness(t, nil)
	events := make(chan session.Event, 256)
	h.ctl.SetEvents(events)

	require.NoError(t, h.ctl.StartRender(context.Background(), h.host, request(session.ModeInteractive)))
	h.assertIdle(t)
	assert.Empty(t, h.host.errors())

	beauty, ok := h.host.result("beauty")
	require.True(t, ok)
	assert.Len(t, beauty, 32*18)
	assert.Len(t, beauty[0], 4)
	depth, ok := h.host.result("depth")
	require.True(t, ok)
	assert.Len(t, depth[0], 1, "structured results are not back-filled")

	last, ok := h.ctl.Rounds().Last()
	require.True(t, ok)
	assert.Equal(t, session.ModeFinal, last.Mode, "StartRender forces final mode")
	assert.Equal(t, session.OutcomeCompleted, last.Outcome)
	require.Len(t, last.Outputs, 3)
	for _, p := range last.Outputs {
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
	assert.Equal(t, filepath.Join(h.cfg.Render.OutputDir, "default_beauty.0001.tif"), last.Outputs[0])

	var states []session.State
	var sawRound bool
	for len(events) > 0 {
		ev := <-events
		switch ev.Type {
		case session.EventState:
			states = append(states, ev.Status.State)
		case session.EventRound:
			sawRound = true
		}
	}
	assert.Equal(t, []session.State{session.Exporting, session.Rendering, session.Blocking, session.Stopping, session.Idle}, states)
	assert.True(t, sawRound)

	img, ok := h.ctl.FrameImage()
	require.True(t, ok, "last frame kept after teardown")
	assert.Equal(t, 32, img.Bounds().Dx())
}

func TestSessionBusy(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctl.StartInteractiveRender(context.Background(), h.host, request(session.ModeInteractive)))
	assert.Equal(t, session.Live, h.ctl.Status().State)
	assert.Equal(t, 2, h.ctl.registry.Len())

	err := h.ctl.StartRender(context.Background(), h.host, request(session.ModeFinal))
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.Equal(t, session.Live, h.ctl.Status().State, "rejected start leaves the live round alone")

	td, err := h.ctl.StopAndWait()
	require.NoError(t, err)
	assert.True(t, closed(td.done))
	h.assertIdle(t)
}

func TestLiveGoroutinesStopWithRound(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctl.StartInteractiveRender(context.Background(), h.host, request(session.ModeInteractive)))
	r := h.currentRound()
	require.NotNil(t, r)

	waitFor(t, "viewport redraws", func() bool { return h.host.redraws.Load() > 3 })
	waitFor(t, "stats redraws", func() bool { return h.host.statsRedraws.Load() > 0 })

	_, err := h.ctl.StopAndWait()
	require.NoError(t, err)
	assert.True(t, closed(r.drawDone), "draw refresh joined")
	assert.True(t, closed(r.statsDone), "stats poll joined")

	redraws, stats := h.host.redraws.Load(), h.host.statsRedraws.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, redraws, h.host.redraws.Load())
	assert.Equal(t, stats, h.host.statsRedraws.Load())
	h.assertIdle(t)
}

func TestRegistryEmptyAfterEveryStop(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.ctl.StartInteractiveRender(context.Background(), h.host, request(session.ModeInteractive)))
		if i%2 == 0 {
			_, err := h.ctl.StopAndWait()
			require.NoError(t, err)
		} else {
			td, err := h.ctl.StopAndDetach()
			require.NoError(t, err)
			require.NoError(t, td.Wait(context.Background()))
		}
		h.assertIdle(t)
	}
	require.NoError(t, h.ctl.StartBakeRender(context.Background(), h.host, request(session.ModeBake)))
	h.assertIdle(t)
	assert.Equal(t, 4, h.ctl.Rounds().Len())
}

func TestStopIdleIsComplete(t *testing.T) {
	h := newHarness(t, nil)
	td, err := h.ctl.StopAndDetach()
	require.NoError(t, err)
	assert.True(t, closed(td.done))
	assert.Equal(t, 0, h.ctl.Rounds().Len())
}

func TestLicenseFailure(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason license.Reason
		msg    string
	}{
		{"no seats", &license.Error{Reason: license.ReasonNoSeats}, license.ReasonNoSeats, "No render licenses available. Aborting."},
		{"plain error", errors.New("checker broke"), license.ReasonInvalid, "Cannot find a valid license. Aborting."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, func(o *Options) {
				o.License = license.CheckerFunc(func(context.Context) error { return tt.err })
			})
			events := make(chan session.Event, 64)
			h.ctl.SetEvents(events)

			err := h.ctl.StartRender(context.Background(), h.host, request(session.ModeFinal))
			var le *license.Error
			require.ErrorAs(t, err, &le)
			assert.Equal(t, tt.reason, le.Reason)
			assert.Equal(t, []string{tt.msg}, h.host.errors())
			assert.Equal(t, int32(0), h.exporter.finals.Load(), "export never starts")
			h.assertIdle(t)

			last, ok := h.ctl.Rounds().Last()
			require.True(t, ok)
			assert.Equal(t, session.OutcomeLicenseFailed, last.Outcome)

			var states []session.State
			for len(events) > 0 {
				if ev := <-events; ev.Type == session.EventState {
					states = append(states, ev.Status.State)
				}
			}
			assert.Equal(t, []session.State{session.LicenseFailed, session.Idle}, states)
		})
	}
}

func TestExportErrorTearsDown(t *testing.T) {
	bad := errors.New("bad mesh")
	tests := []struct {
		name  string
		setup func(*stubExporter)
		msg   string
		is    error
	}{
		{"error", func(e *stubExporter) { e.failWith = bad }, "Export failed: bad mesh", bad},
		{"panic", func(e *stubExporter) { e.panicWith = "nil map" }, "Export failed: exporter panic: nil map", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			tt.setup(h.exporter)

			err := h.ctl.StartRender(context.Background(), h.host, request(session.ModeFinal))
			var ee *ExportError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, session.ModeFinal, ee.Mode)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
			assert.Equal(t, []string{tt.msg}, h.host.errors())
			h.assertIdle(t)
			assert.Equal(t, int32(1), h.backend.deletes.Load())

			td := h.lastTeardown()
			require.NotNil(t, td)
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			require.NoError(t, td.Wait(ctx), "detached goroutines exit")

			last, _ := h.ctl.Rounds().Last()
			assert.Equal(t, session.OutcomeErrored, last.Outcome)
			assert.Contains(t, last.Error, "export failed")
		})
	}
}

func TestBackendCommandError(t *testing.T) {
	h := newHarness(t, nil)
	h.exporter.skip = true // no displays, so the backend refuses to render

	err := h.ctl.StartRender(context.Background(), h.host, request(session.ModeFinal))
	var be *BackendCommandError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "render -blocking", be.Command)
	require.Len(t, h.host.errors(), 1)
	h.assertIdle(t)
}

func TestConcurrentStops(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctl.StartInteractiveRender(context.Background(), h.host, request(session.ModeInteractive)))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.ctl.StopAndWait()
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), h.backend.deletes.Load(), "scene deleted once")
	assert.Equal(t, 1, h.ctl.Rounds().Len())
	h.assertIdle(t)
}

func TestTeardownBusy(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Render.TeardownTimeout = 50 * time.Millisecond })
	h.backend.hold = make(chan struct{})
	require.NoError(t, h.ctl.StartInteractiveRender(context.Background(), h.host, request(session.ModeInteractive)))

	first := make(chan error, 1)
	go func() {
		_, err := h.ctl.StopAndWait()
		first <- err
	}()
	<-h.backend.deleting

	start := time.Now()
	td, err := h.ctl.StopAndDetach()
	assert.ErrorIs(t, err, ErrTeardownBusy)
	assert.Less(t, time.Since(start), time.Second)
	require.NotNil(t, td)
	assert.False(t, closed(td.done), "in-flight teardown not finished")
	assert.Equal(t, session.Stopping, h.ctl.Status().State)

	close(h.backend.hold)
	require.NoError(t, <-first)
	require.NoError(t, td.Wait(context.Background()))
	h.assertIdle(t)
	assert.Equal(t, int32(1), h.backend.deletes.Load())
}

func TestBlockingRenderCancellation(t *testing.T) {
	slow := func(c *config.Config) {
		c.Backend.Passes = 10000
		c.Backend.PassDelay = 2 * time.Millisecond
	}

	t.Run("test break", func(t *testing.T) {
		h := newHarness(t, slow)
		h.host.breakAfter.Store(5)
		start := time.Now()
		require.NoError(t, h.ctl.StartRender(context.Background(), h.host, request(session.ModeFinal)))
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.Equal(t, int32(6), h.host.breakCalls.Load(), "loop exits on the first true TestBreak")
		h.assertIdle(t)

		last, _ := h.ctl.Rounds().Last()
		assert.Equal(t, session.OutcomeCancelled, last.Outcome)
		assert.Empty(t, last.Outputs)
	})

	t.Run("context", func(t *testing.T) {
		h := newHarness(t, slow)
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(30*time.Millisecond, cancel)
		start := time.Now()
		require.NoError(t, h.ctl.StartRender(ctx, h.host, request(session.ModeFinal)))
		assert.Less(t, time.Since(start), 2*time.Second)
		h.assertIdle(t)
	})

	t.Run("external stop", func(t *testing.T) {
		h := newHarness(t, slow)
		done := make(chan error, 1)
		go func() { done <- h.ctl.StartRender(context.Background(), h.host, request(session.ModeFinal)) }()
		waitFor(t, "blocking state", func() bool { return h.ctl.Status().State == session.Blocking })
		_, err := h.ctl.StopAndWait()
		require.NoError(t, err)
		require.NoError(t, <-done)
		h.assertIdle(t)
	})
}

// gatedHost holds the first UpdateResult call until gate closes.
type gatedHost struct {
	*fakeHost
	updates atomic.Int32
	entered chan struct{}
	gate    chan struct{}
}

func (h *gatedHost) UpdateResult(desc framebuffer.Descriptor, pixels [][]float32) {
	if h.updates.Add(1) == 1 {
		close(h.entered)
		<-h.gate
	}
	h.fakeHost.UpdateResult(desc, pixels)
}

func TestStaleBlockingRoundLeavesSuccessorAlone(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Backend.Passes = 10000
		c.Backend.PassDelay = 2 * time.Millisecond
	})
	stale := &gatedHost{fakeHost: newFakeHost(), entered: make(chan struct{}), gate: make(chan struct{})}

	done := make(chan error, 1)
	go func() { done <- h.ctl.StartRender(context.Background(), stale, request(session.ModeFinal)) }()
	select {
	case <-stale.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a published result")
	}

	_, err := h.ctl.StopAndWait()
	require.NoError(t, err)
	require.NoError(t, h.ctl.StartInteractiveRender(context.Background(), h.host, request(session.ModeInteractive)))
	next := h.currentRound()
	require.NotNil(t, next)

	close(stale.gate)
	require.NoError(t, <-done)

	assert.Same(t, next, h.currentRound(), "late blocking round must not stop its successor")
	assert.Equal(t, session.Live, h.ctl.Status().State)
	assert.Same(t, h.host, h.ctl.boundHost(), "successor keeps its host")
	assert.NotNil(t, h.ctl.sess.Scene())
	assert.False(t, next.stopped())
}

func TestInteractiveStopsItself(t *testing.T) {
	tests := []struct {
		name    string
		trigger func(h *harness)
	}{
		{"renderer exits", func(h *harness) { h.ctl.sess.Scene().Stop() }},
		{"viewport hidden", func(h *harness) { h.host.visible.Store(false) }},
		{"surface gone", func(h *harness) { h.host.redrawFails.Store(true) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			require.NoError(t, h.ctl.StartInteractiveRender(context.Background(), h.host, request(session.ModeInteractive)))
			r := h.currentRound()
			waitFor(t, "first redraw", func() bool { return h.host.redraws.Load() > 0 })

			tt.trigger(h)
			waitFor(t, "idle", func() bool { return h.ctl.Status().State == session.Idle })
			waitFor(t, "goroutines exit", func() bool { return closed(r.drawDone) && closed(r.statsDone) })
			h.assertIdle(t)
		})
	}
}

func TestExternalDisplayStopsWhenViewportCloses(t *testing.T) {
	h := newHarness(t, nil)
	req := request(session.ModeInteractive)
	req.Options.RenderInto = session.IntoExternal
	require.NoError(t, h.ctl.StartInteractiveRender(context.Background(), h.host, req))
	assert.True(t, h.backend.DisplayServerEnabled())
	assert.False(t, h.ctl.Status().Viewport)
	r := h.currentRound()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, session.Live, h.ctl.Status().State)
	assert.Equal(t, int32(0), h.host.redraws.Load(), "external display never tags viewport redraws")
	assert.Nil(t, h.ctl.DrawPixels(64, 36))

	h.host.visible.Store(false)
	waitFor(t, "idle", func() bool { return h.ctl.Status().State == session.Idle })
	waitFor(t, "goroutines exit", func() bool { return closed(r.drawDone) && closed(r.statsDone) })
	h.assertIdle(t)
}

func TestBackgroundProgressLines(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctl.StartBackgroundRender(context.Background(), h.host, request(session.ModeBackground)))
	out := h.batch.String()
	assert.Contains(t, out, "R90000   25%\n")
	assert.Contains(t, out, "R90000  100%\n")
	_, ok := h.host.result("beauty")
	assert.False(t, ok, "background renders do not publish to the host")
	last, _ := h.ctl.Rounds().Last()
	assert.Len(t, last.Outputs, 3)
	h.assertIdle(t)
}

func TestBackgroundBakeHasNoProgressHandler(t *testing.T) {
	h := newHarness(t, nil)
	r := newRound("x", session.ModeBackground)
	hs := h.ctl.handlersFor(r, true)
	assert.Nil(t, hs[renderer.EventProgress])
	assert.NotNil(t, hs[renderer.EventRender])

	req := request(session.ModeBackground)
	req.Options.Bake = true
	require.NoError(t, h.ctl.StartBackgroundRender(context.Background(), h.host, req))
	assert.Empty(t, h.batch.String())
	last, _ := h.ctl.Rounds().Last()
	require.Len(t, last.Outputs, 1)
	assert.True(t, strings.Contains(last.Outputs[0], "bake_albedo"))
}

func TestSwatchRender(t *testing.T) {
	h := newHarness(t, nil)
	req := request(session.ModeSwatch)
	req.Scene.Resolution = scene.Resolution{Width: 400, Height: 300}
	require.NoError(t, h.ctl.StartSwatchRender(context.Background(), h.host, req))

	px, ok := h.host.result("beauty")
	require.True(t, ok)
	assert.Len(t, px, scene.SwatchSize*scene.SwatchSize)
	_, ok = h.host.result("depth")
	assert.False(t, ok, "swatches render the first output only")
	h.assertIdle(t)
}

func TestCropLimitsResults(t *testing.T) {
	h := newHarness(t, nil)
	req := request(session.ModeFinal)
	req.Options.Crop = &framebuffer.Rect{MinX: 0.25, MaxX: 0.75, MinY: 0.25, MaxY: 0.75}
	require.NoError(t, h.ctl.StartRender(context.Background(), h.host, req))
	px, ok := h.host.result("beauty")
	require.True(t, ok)
	assert.Len(t, px, 16*9)
	assert.Nil(t, req.Scene.Border, "request scene left untouched")
}

func TestExternalRenderArchives(t *testing.T) {
	h := newHarness(t, nil)
	dir := t.TempDir()
	req := request(session.ModeExport)
	req.Scene.FrameStart, req.Scene.FrameEnd = 1, 3
	req.Options.AllFrames = true
	req.Options.OutputPath = filepath.Join(dir, "shot.<F4>.rib")

	require.NoError(t, h.ctl.StartExternalRender(context.Background(), h.host, req))
	h.assertIdle(t)

	last, ok := h.ctl.Rounds().Last()
	require.True(t, ok)
	assert.Equal(t, session.ModeExport, last.Mode)
	assert.Equal(t, session.OutcomeCompleted, last.Outcome)
	require.Len(t, last.Outputs, 3)
	assert.Equal(t, int32(3), h.backend.deletes.Load())

	a, err := local.ReadArchive(filepath.Join(dir, "shot.0002.rib"))
	require.NoError(t, err)
	assert.Equal(t, 2, a.Frame)
	assert.False(t, a.Partial)
	assert.Equal(t, 100, last.Progress)
}

func TestExternalRenderSelection(t *testing.T) {
	h := newHarness(t, nil)
	path := filepath.Join(t.TempDir(), "sel.rib")
	req := request(session.ModeExport)
	req.Options.SelectionOnly = true
	req.Options.Format = renderer.FormatBinary
	req.Options.Compression = "gzip"
	req.Options.OutputPath = path
	require.NoError(t, h.ctl.Start(context.Background(), h.host, req))

	a, err := local.ReadArchive(path)
	require.NoError(t, err)
	assert.True(t, a.Partial)
	require.Len(t, a.Primitives, 1)
	assert.Equal(t, "center", a.Primitives[0].Name)
}

func TestDrawPixels(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Backend.Passes = 200
		c.Backend.PassDelay = 5 * time.Millisecond
	})
	assert.Nil(t, h.ctl.DrawPixels(64, 36), "no round")

	require.NoError(t, h.ctl.StartInteractiveRender(context.Background(), h.host, request(session.ModeInteractive)))
	var f *Frame
	waitFor(t, "first frame", func() bool {
		f = h.ctl.DrawPixels(64, 36)
		return f != nil
	})
	assert.Equal(t, 64, f.Image.Bounds().Dx())
	assert.Equal(t, 36, f.Image.Bounds().Dy())
	assert.LessOrEqual(t, len(f.Buckets), h.cfg.Viewport.MaxBuckets)
	assert.Nil(t, h.ctl.DrawPixels(0, 36))

	_, err := h.ctl.StopAndWait()
	require.NoError(t, err)
	assert.Nil(t, h.ctl.DrawPixels(64, 36), "nothing after teardown")
	h.ctl.vp.mu.Lock()
	assert.Empty(t, h.ctl.vp.buckets, "bucket overlay cleared")
	h.ctl.vp.mu.Unlock()
}

func TestSaveViewportSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.ctl.SaveViewportSnapshot("x.tif", 1)
	assert.ErrorIs(t, err, ErrNoViewport)

	require.NoError(t, h.ctl.StartInteractiveRender(context.Background(), h.host, request(session.ModeInteractive)))
	waitFor(t, "pixels", func() bool { return h.ctl.DrawPixels(32, 18) != nil })

	path, err := h.ctl.SaveViewportSnapshot(filepath.Join(t.TempDir(), "snap.<F4>.tif"), 3)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "snap.0003.tif"))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestUpdatesForwardedOnlyWhileLive(t *testing.T) {
	h := newHarness(t, nil)
	snap := smallScene()
	require.NoError(t, h.ctl.UpdateScene(context.Background(), snap))
	assert.Equal(t, int32(0), h.exporter.updates.Load())

	require.NoError(t, h.ctl.StartInteractiveRender(context.Background(), h.host, session.RenderRequest{Scene: snap}))
	moved := snap.Clone()
	moved.Objects[1].Center[0] += 0.5
	require.NoError(t, h.ctl.UpdateScene(context.Background(), moved))
	assert.Equal(t, int32(1), h.exporter.updates.Load())
	require.NoError(t, h.ctl.UpdateView(context.Background(), moved))
	require.NoError(t, h.ctl.UpdateCropWindow(framebuffer.Rect{MinX: 0, MaxX: 0.5, MinY: 0, MaxY: 1}))

	_, err := h.ctl.StopAndWait()
	require.NoError(t, err)
	require.NoError(t, h.ctl.UpdateScene(context.Background(), moved))
	assert.Equal(t, int32(1), h.exporter.updates.Load())
}

func TestHostBinding(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctl.BindHost(h.host))
	assert.Equal(t, Host(h.host), h.ctl.boundHost())
	require.NoError(t, h.ctl.ReleaseHost())
	assert.Nil(t, h.ctl.boundHost())

	// A goroutine stuck inside a host call keeps the binding busy.
	h.ctl.hostSem <- struct{}{}
	start := time.Now()
	assert.ErrorIs(t, h.ctl.ReleaseHost(), ErrHostBusy)
	assert.True(t, time.Since(start) >= h.cfg.Render.HostReleaseTimeout)
	<-h.ctl.hostSem
}

func TestReleasedHostEndsGoroutines(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctl.StartInteractiveRender(context.Background(), h.host, request(session.ModeInteractive)))
	r := h.currentRound()
	require.NoError(t, h.ctl.ReleaseHost())
	waitFor(t, "goroutines exit", func() bool { return closed(r.drawDone) && closed(r.statsDone) })
	assert.Equal(t, session.Live, h.ctl.Status().State, "releasing the host does not stop the round")
}

func TestEventsNeverBlock(t *testing.T) {
	h := newHarness(t, nil)
	h.ctl.SetEvents(make(chan session.Event)) // nobody reads
	require.NoError(t, h.ctl.StartRender(context.Background(), h.host, request(session.ModeFinal)))
	h.assertIdle(t)
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, nil)
	assert.Error(t, h.ctl.StartRender(context.Background(), nil, request(session.ModeFinal)))
	assert.Error(t, h.ctl.StartRender(context.Background(), h.host, session.RenderRequest{}))
	assert.Error(t, h.ctl.StartExternalRender(context.Background(), h.host, request(session.ModeExport)), "no output path")
	assert.Equal(t, 0, h.ctl.Rounds().Len())
	assert.Equal(t, session.Idle, h.ctl.Status().State)
}

func TestSetConfig(t *testing.T) {
	h := newHarness(t, nil)
	cfg := testConfig(t)
	cfg.Viewport.ResMult = 0.5
	h.ctl.SetConfig(cfg)
	h.ctl.SetConfig(nil)
	assert.Same(t, cfg, h.ctl.config())
	assert.Equal(t, 0.5, h.exporter.ResMult())
}
