package controller

import (
	"fmt"

	"github.com/render-bridge/bridge/internal/logx"
	"github.com/render-bridge/bridge/internal/renderer"
	"github.com/render-bridge/bridge/internal/session"
)

// handlerSet is the callback table for one mode. A nil entry registers
// nothing for that event.
type handlerSet [renderer.NumEventKinds]renderer.Handler

// handlersFor builds the event handlers for r. Handlers run on backend
// goroutines and never block.
func (c *Controller) handlersFor(r *round, bake bool) handlerSet {
	var hs handlerSet
	switch r.mode {
	case session.ModeFinal, session.ModeSwatch:
		hs[renderer.EventProgress] = c.guard(r, func(p int) {
			c.recordProgress(p)
			if p >= 100 {
				c.sess.Live.Store(false)
			}
		})
		hs[renderer.EventRender] = c.guard(r, c.rendererExited)
	case session.ModeInteractive:
		hs[renderer.EventProgress] = c.guard(r, c.recordProgress)
		hs[renderer.EventRender] = c.guard(r, func(p int) {
			c.rendererExited(p)
			if p == 0 {
				go c.detachRound(r)
			}
		})
	case session.ModeBake:
		hs[renderer.EventProgress] = c.guard(r, c.recordProgress)
		hs[renderer.EventRender] = c.guard(r, c.rendererExited)
	case session.ModeBackground:
		if !bake {
			hs[renderer.EventProgress] = c.guard(r, c.batchProgress)
		}
		hs[renderer.EventRender] = c.guard(r, c.rendererExited)
	}
	return hs
}

// guard drops events that arrive after r started stopping.
func (c *Controller) guard(r *round, fn func(int)) renderer.Handler {
	return func(_ renderer.EventKind, payload int) {
		if r.stopped() {
			return
		}
		fn(payload)
	}
}

// recordProgress takes progress from events unless the stats manager is
// reading it from the backend directly.
func (c *Controller) recordProgress(p int) {
	if !c.stats.IsConnected() {
		c.stats.SetProgress(p)
	}
	c.emitProgress(c.stats.Progress())
}

func (c *Controller) batchProgress(p int) {
	c.stats.SetProgress(p)
	fmt.Fprintf(c.batchOut, "R90000 %4d%%\n", p)
	c.emitProgress(p)
}

func (c *Controller) rendererExited(p int) {
	if p != 0 {
		return
	}
	logx.Logger().Debug("backend renderer exited")
	c.sess.Live.Store(false)
}

// registerHandlers replaces the registry contents with hs.
func (c *Controller) registerHandlers(r *round, hs handlerSet) error {
	c.registry.Clear()
	for kind, h := range hs {
		if h == nil {
			continue
		}
		if err := c.registry.Register(renderer.EventKind(kind), r.id, h); err != nil {
			c.registry.Clear()
			return err
		}
	}
	return nil
}
