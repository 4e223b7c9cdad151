package controller

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/render-bridge/bridge/internal/framebuffer"
	"github.com/render-bridge/bridge/internal/logx"
	"github.com/render-bridge/bridge/internal/session"
)

// poll waits for a blocking round to finish, handing results to the host
// as they arrive. It reports whether the round was cancelled.
func (c *Controller) poll(ctx context.Context, host Host, r *round, spec modeSpec) bool {
	cfg := c.config().Render
	interval := cfg.BlockingPollInterval
	if spec.swatch {
		interval = cfg.SwatchPollInterval
	}
	if interval <= 0 {
		interval = time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for c.sess.Live.Load() {
		if ctx.Err() != nil || r.stopped() || host.TestBreak() {
			logx.Logger().Info("Render cancelled", "round", r.id)
			return true
		}
		select {
		case <-ctx.Done():
			return true
		case <-r.quit:
			return true
		case <-t.C:
		}
		if spec.publish {
			c.publishResults(host)
		}
	}
	// Pick up the pixels written since the last tick.
	if spec.publish {
		c.publishResults(host)
	}
	return false
}

// publishResults hands every ready output to the host. Outputs without
// pixels yet are skipped.
func (c *Controller) publishResults(host Host) {
	disp := c.backend.Display()
	for _, d := range c.exporter.Displays() {
		if disp.NumChannels(d.Index) < 0 {
			continue
		}
		v, ok := disp.FloatBuffer(d.Index)
		if !ok {
			continue
		}
		pixels, ok := framebuffer.ExtractStructured(v, d.Border, false)
		if !ok {
			continue
		}
		host.UpdateResult(d, pixels)
	}
}

// writeOutputs saves every display of a finished round as a TIFF under
// render.output_dir.
func (c *Controller) writeOutputs(r *round, req session.RenderRequest) {
	cfg := c.config().Render
	if !cfg.WriteOutputs {
		return
	}
	log := logx.Logger().With("round", r.id)
	name := req.Scene.Name
	if name == "" {
		name = "render"
	}
	disp := c.backend.Display()
	for _, d := range c.exporter.Displays() {
		v, ok := disp.FloatBuffer(d.Index)
		if !ok {
			log.Debug("output not ready", "output", d.Name)
			continue
		}
		img, ok := framebuffer.Image64(v)
		if !ok {
			continue
		}
		path := filepath.Join(cfg.OutputDir, fmt.Sprintf("%s_%s.%04d.tif", name, d.Name, req.Scene.Frame))
		if err := framebuffer.WriteTIFF(path, img); err != nil {
			log.Error("Could not write output", "path", path, "error", err)
			continue
		}
		r.addOutput(path)
		log.Info("Wrote output", "path", path)
	}
}
