package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/render-bridge/bridge/internal/license"
	"github.com/render-bridge/bridge/internal/logx"
	"github.com/render-bridge/bridge/internal/renderer"
	"github.com/render-bridge/bridge/internal/scene"
	"github.com/render-bridge/bridge/internal/session"
)

type exportFunc func(ctx context.Context, snap *scene.Snapshot, sc renderer.Scene, layer string) error

// modeSpec is what a render mode exports and asks the backend to do.
type modeSpec struct {
	export  exportFunc
	command renderer.Command
	publish bool // hand results to the host while polling
	outputs bool // write displays to render.output_dir when done
	swatch  bool
}

func (c *Controller) specFor(req session.RenderRequest) modeSpec {
	e := c.exporter
	switch req.Mode {
	case session.ModeInteractive:
		return modeSpec{export: e.ExportForInteractive, command: renderer.RenderCommand(renderer.RenderLive)}
	case session.ModeSwatch:
		return modeSpec{export: e.ExportForSwatch, command: renderer.RenderCommand(renderer.RenderBlocking), publish: true, swatch: true}
	case session.ModeBake:
		return modeSpec{export: e.ExportForBake, command: renderer.RenderCommand(renderer.RenderBake), outputs: true}
	case session.ModeBackground:
		if req.Options.Bake {
			return modeSpec{export: e.ExportForBake, command: renderer.RenderCommand(renderer.RenderBake), outputs: true}
		}
		return modeSpec{export: e.ExportForFinal, command: renderer.RenderCommand(renderer.RenderBlocking), outputs: true}
	default:
		return modeSpec{export: e.ExportForFinal, command: renderer.RenderCommand(renderer.RenderBlocking), publish: true, outputs: true}
	}
}

// StartRender runs a final render and returns when it has finished or was
// cancelled through host.TestBreak or ctx.
func (c *Controller) StartRender(ctx context.Context, host Host, req session.RenderRequest) error {
	req.Mode = session.ModeFinal
	return c.run(ctx, host, req)
}

// StartBackgroundRender runs a batch render, writing progress lines to the
// batch output. Options.Bake turns it into a batch bake.
func (c *Controller) StartBackgroundRender(ctx context.Context, host Host, req session.RenderRequest) error {
	req.Mode = session.ModeBackground
	return c.run(ctx, host, req)
}

// StartBakeRender bakes the objects marked for baking.
func (c *Controller) StartBakeRender(ctx context.Context, host Host, req session.RenderRequest) error {
	req.Mode = session.ModeBake
	return c.run(ctx, host, req)
}

// StartSwatchRender renders a small material preview.
func (c *Controller) StartSwatchRender(ctx context.Context, host Host, req session.RenderRequest) error {
	req.Mode = session.ModeSwatch
	return c.run(ctx, host, req)
}

// StartInteractiveRender starts a live render and returns once it is
// running. The round lasts until it is stopped, the renderer exits, or the
// host loses its viewport.
func (c *Controller) StartInteractiveRender(ctx context.Context, host Host, req session.RenderRequest) error {
	req.Mode = session.ModeInteractive
	return c.run(ctx, host, req)
}

// Start dispatches on req.Mode.
func (c *Controller) Start(ctx context.Context, host Host, req session.RenderRequest) error {
	if req.Mode == session.ModeExport {
		return c.StartExternalRender(ctx, host, req)
	}
	return c.run(ctx, host, req)
}

// claim reserves the session for a new round.
func (c *Controller) claim(mode session.Mode) (*round, error) {
	c.roundMu.Lock()
	defer c.roundMu.Unlock()
	id := uuid.NewString()
	if err := c.sess.Claim(mode, id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionBusy, err)
	}
	r := newRound(id, mode)
	c.round = r
	c.lastProgress.Store(-1)
	return r, nil
}

// advance moves the session on for r unless r has been torn down.
func (c *Controller) advance(r *round, next session.State) error {
	c.roundMu.Lock()
	if r.stopped() {
		c.roundMu.Unlock()
		return ErrRoundStopped
	}
	_, err := c.sess.Transition(next)
	c.roundMu.Unlock()
	if err != nil {
		return err
	}
	c.emitState()
	return nil
}

// attachScene hands sc to the session. If r was torn down meanwhile the
// scene is deleted instead.
func (c *Controller) attachScene(r *round, sc renderer.Scene) bool {
	c.roundMu.Lock()
	if !r.stopped() {
		c.sess.SetScene(sc)
		c.roundMu.Unlock()
		return true
	}
	c.roundMu.Unlock()
	if err := c.backend.DeleteScene(sc); err != nil {
		logx.Logger().Debug("delete orphaned scene", "error", err)
	}
	return false
}

func (c *Controller) run(ctx context.Context, host Host, req session.RenderRequest) error {
	if host == nil {
		return errors.New("controller: nil host")
	}
	if err := req.Validate(); err != nil {
		return err
	}
	spec := c.specFor(req)

	r, err := c.claim(req.Mode)
	if err != nil {
		return err
	}
	log := logx.Logger().With("round", r.id, "mode", req.Mode.String())

	if err := c.license.Check(ctx); err != nil {
		return c.failLicense(r, host, err)
	}
	if err := c.advance(r, session.Exporting); err != nil {
		return c.lost(r, host, err)
	}
	if err := c.bindHost(host, r.id); err != nil {
		return c.fail(r, host, err.Error(), err)
	}
	if err := c.registerHandlers(r, c.handlersFor(r, req.Options.Bake)); err != nil {
		return c.fail(r, host, err.Error(), err)
	}

	into := req.Options.RenderInto
	if into == "" {
		into = c.config().Render.RenderInto
	}
	interactive := req.Mode == session.ModeInteractive
	c.backend.SetDisplayServer(interactive && into == session.IntoExternal)
	c.sess.Interactive.Store(interactive)
	c.sess.Viewport.Store(interactive && into != session.IntoExternal)
	c.sess.Swatch.Store(spec.swatch)

	sc, err := c.backend.CreateScene(renderer.Params{ID: r.id, Label: req.Mode.String()})
	if err != nil {
		err = &BackendCommandError{Command: "create scene", Err: err}
		return c.fail(r, host, err.Error(), err)
	}
	if !c.attachScene(r, sc) {
		return ErrRoundStopped
	}
	c.sess.Exporting.Store(true)
	c.sess.Running.Store(true)
	c.startStats(r)

	log.Info("Parsing scene...")
	start := time.Now()
	snap := req.Scene
	if req.Options.Crop != nil {
		snap = snap.Clone()
		crop := *req.Options.Crop
		snap.Border = &crop
	}
	if err := c.runExport(ctx, r, spec.export, snap, sc, req.ViewLayer); err != nil {
		return c.failExport(r, host, req.Mode, err)
	}
	c.sess.Exporting.Store(false)
	log.Info("Finished parsing scene.", "total_time", time.Since(start).Round(time.Millisecond))
	c.sess.Live.Store(true)

	if err := c.advance(r, session.Rendering); err != nil {
		return c.lost(r, host, err)
	}
	cmd := spec.command.String()
	if err := sc.Render(cmd); err != nil {
		err = &BackendCommandError{Command: cmd, Err: err}
		return c.fail(r, host, err.Error(), err)
	}
	log.Info("Render started")

	if interactive {
		c.startDraw(r)
		if err := c.advance(r, session.Live); err != nil {
			return c.lost(r, host, err)
		}
		return nil
	}

	if err := c.advance(r, session.Blocking); err != nil {
		return c.lost(r, host, err)
	}
	if c.poll(ctx, host, r, spec) {
		r.finish(session.OutcomeCancelled, nil)
	} else {
		if spec.outputs && !r.stopped() {
			c.writeOutputs(r, req)
		}
		r.finish(session.OutcomeCompleted, nil)
	}
	c.endBlocking(r)
	return nil
}

// endBlocking releases the host and tears down a blocking round. Both
// are no-ops once a later round has taken over.
func (c *Controller) endBlocking(r *round) {
	if err := c.releaseHost(r.id); err != nil {
		logx.Logger().Debug("release host", "round", r.id, "error", err)
	}
	td, err := c.stopRound(r, true)
	if errors.Is(err, ErrTeardownBusy) {
		// Someone else is stopping this round; let them finish.
		ctx, cancel := context.WithTimeout(context.Background(), c.teardownTimeout())
		defer cancel()
		if err := td.Wait(ctx); err != nil {
			logx.Logger().Debug("waiting for teardown", "round", r.id, "error", err)
		}
	}
}

// runExport calls fn with a context that also ends when r is torn down.
// A panicking exporter is reported as an error.
func (c *Controller) runExport(ctx context.Context, r *round, fn exportFunc, snap *scene.Snapshot, sc renderer.Scene, layer string) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("exporter panic: %v", p)
		}
	}()
	return fn(ctx, snap, sc, layer)
}

func (c *Controller) failLicense(r *round, host Host, err error) error {
	var le *license.Error
	if !errors.As(err, &le) {
		le = &license.Error{Reason: license.ReasonInvalid, Err: err}
	}
	c.roundMu.Lock()
	_, terr := c.sess.Transition(session.LicenseFailed)
	c.roundMu.Unlock()
	if terr != nil {
		logx.Logger().Debug("license failure transition", "error", terr)
	}
	c.emitState()
	c.reportError(host, le.Error())
	r.finish(session.OutcomeLicenseFailed, le)

	c.roundMu.Lock()
	r.stop()
	if c.round == r {
		if _, err := c.sess.Transition(session.Idle); err != nil {
			logx.Logger().Debug("license failure transition", "error", err)
		}
		c.round = nil
	}
	c.roundMu.Unlock()

	sum := r.summary(0)
	c.rounds.Add(sum)
	c.emit(session.Event{Type: session.EventRound, Status: c.sess.Status(), Round: sum})
	c.emitState()
	return le
}

func (c *Controller) failExport(r *round, host Host, mode session.Mode, err error) error {
	if r.stopped() {
		return ErrRoundStopped
	}
	ee := &ExportError{Mode: mode, Err: err}
	return c.fail(r, host, "Export failed: "+err.Error(), ee)
}

// fail reports msg, marks the round errored and tears it down without
// joining, since it may run on a round goroutine's behalf.
func (c *Controller) fail(r *round, host Host, msg string, err error) error {
	if r.stopped() {
		return ErrRoundStopped
	}
	c.reportError(host, msg)
	r.finish(session.OutcomeErrored, err)
	if terr := c.advance(r, session.Errored); terr != nil {
		logx.Logger().Debug("error transition", "round", r.id, "error", terr)
	}
	if _, serr := c.stopRound(r, false); serr != nil {
		logx.Logger().Debug("stop after error", "round", r.id, "error", serr)
	}
	return err
}

// lost handles a failed transition on the start path.
func (c *Controller) lost(r *round, host Host, err error) error {
	if errors.Is(err, ErrRoundStopped) {
		return ErrRoundStopped
	}
	return c.fail(r, host, err.Error(), err)
}

// StartExternalRender exports the scene to archive files without
// rendering, one per frame. It returns when every frame is written.
func (c *Controller) StartExternalRender(ctx context.Context, host Host, req session.RenderRequest) error {
	req.Mode = session.ModeExport
	if host == nil {
		return errors.New("controller: nil host")
	}
	if err := req.Validate(); err != nil {
		return err
	}
	r, err := c.claim(req.Mode)
	if err != nil {
		return err
	}
	log := logx.Logger().With("round", r.id, "mode", req.Mode.String())

	if err := c.advance(r, session.Exporting); err != nil {
		return c.lost(r, host, err)
	}
	if err := c.bindHost(host, r.id); err != nil {
		return c.fail(r, host, err.Error(), err)
	}
	c.registry.Clear()
	c.sess.Exporting.Store(true)
	c.sess.Running.Store(true)

	export := exportFunc(c.exporter.ExportForFinal)
	partial := false
	switch {
	case req.Options.Bake:
		export, partial = c.exporter.ExportForBake, true
	case req.Options.SelectionOnly:
		export, partial = c.exporter.ExportForSelection, true
	}
	format := req.Options.Format
	if format == "" {
		format = renderer.FormatASCII
	}

	frames := req.Scene.Frames(req.Options.AllFrames)
	log.Info("Parsing scene...", "frames", len(frames))
	start := time.Now()
	for i, frame := range frames {
		if ctx.Err() != nil || host.TestBreak() || r.stopped() {
			r.finish(session.OutcomeCancelled, nil)
			break
		}
		snap := req.Scene.AtFrame(frame)
		if req.Options.Crop != nil {
			crop := *req.Options.Crop
			snap.Border = &crop
		}

		sc, err := c.backend.CreateScene(renderer.Params{ID: fmt.Sprintf("%s-%d", r.id, frame), Label: "export"})
		if err != nil {
			err = &BackendCommandError{Command: "create scene", Err: err}
			return c.fail(r, host, err.Error(), err)
		}
		if !c.attachScene(r, sc) {
			return ErrRoundStopped
		}
		if err := c.runExport(ctx, r, export, snap, sc, req.ViewLayer); err != nil {
			return c.failExport(r, host, req.Mode, err)
		}

		path := scene.ExpandFrame(req.Options.OutputPath, frame)
		cmd := renderer.Command{
			Verb:        "archive",
			Path:        path,
			Format:      format,
			Indent:      format == renderer.FormatASCII,
			Compression: req.Options.Compression,
			Archive:     partial,
		}
		if err := sc.Render(cmd.String()); err != nil {
			err = &BackendCommandError{Command: cmd.String(), Err: err}
			return c.fail(r, host, err.Error(), err)
		}
		if sc := c.sess.TakeScene(); sc != nil {
			if err := c.backend.DeleteScene(sc); err != nil {
				log.Debug("delete export scene", "error", err)
			}
		}
		c.exporter.Reset()
		r.addOutput(path)
		log.Info("Wrote archive", "frame", frame, "path", path)

		p := (i + 1) * 100 / len(frames)
		c.stats.SetProgress(p)
		c.emitProgress(p)
	}
	log.Info("Finished parsing scene.", "total_time", time.Since(start).Round(time.Millisecond))

	r.finish(session.OutcomeCompleted, nil)
	c.endBlocking(r)
	return nil
}
