package controller

import (
	"time"

	"github.com/render-bridge/bridge/internal/logx"
)

// startStats launches the stats poll goroutine unless r is stopping.
func (c *Controller) startStats(r *round) {
	c.roundMu.Lock()
	defer c.roundMu.Unlock()
	if r.stopped() || r.statsDone != nil {
		return
	}
	r.statsDone = make(chan struct{})
	go c.statsLoop(r, r.statsDone)
}

// startDraw launches the draw refresh goroutine unless r is stopping.
func (c *Controller) startDraw(r *round) {
	c.roundMu.Lock()
	defer c.roundMu.Unlock()
	if r.stopped() || r.drawDone != nil {
		return
	}
	r.drawDone = make(chan struct{})
	go c.drawLoop(r, r.drawDone)
}

// drawLoop keeps the host viewport refreshing while the round is live.
func (c *Controller) drawLoop(r *round, done chan struct{}) {
	defer close(done)
	log := logx.Logger().With("round", r.id)
	log.Debug("draw refresh started")
	defer log.Debug("draw refresh exited")

	for c.sess.Live.Load() && !r.stopped() {
		cfg := c.config().Viewport
		var lost bool
		viewport := c.sess.Viewport.Load()
		bound := c.withHost(r, func(h Host) {
			if !h.ViewportsVisible() {
				log.Debug("draw refresh: no visible viewports")
				lost = true
				return
			}
			if !viewport {
				return
			}
			if err := h.TagRedraw(); err != nil {
				log.Debug("draw refresh: host surface gone", "error", err)
				lost = true
			}
		})
		if !bound {
			return
		}
		if lost {
			go c.detachRound(r)
			return
		}

		interval := cfg.ExternalRefreshInterval
		if viewport {
			interval = cfg.RefreshInterval
		}
		if !sleepQuit(r.quit, interval) {
			return
		}
	}
}

// statsLoop samples backend statistics while the round is running.
func (c *Controller) statsLoop(r *round, done chan struct{}) {
	defer close(done)
	log := logx.Logger().With("round", r.id)
	log.Debug("stats poll started")
	defer log.Debug("stats poll exited")

	var elapsed time.Duration
	for c.sess.Running.Load() && !r.stopped() {
		cfg := c.config().Stats
		if !c.withHost(r, func(Host) {}) {
			return
		}
		c.stats.UpdatePayloads()
		if c.stats.IsConnected() {
			c.emitProgress(c.stats.Progress())
		}

		elapsed += cfg.PollInterval
		if elapsed >= cfg.RedrawInterval {
			elapsed = 0
			if !c.withHost(r, func(h Host) { h.TagStatsRedraw() }) {
				return
			}
		}
		if !sleepQuit(r.quit, cfg.PollInterval) {
			return
		}
	}
}

// detachRound stops r if it is still the current round. Goroutines and
// event handlers use it to end their own round without joining themselves.
func (c *Controller) detachRound(r *round) {
	if r.stopped() {
		return
	}
	if _, err := c.stopRound(r, false); err != nil {
		logx.Logger().Debug("async stop", "round", r.id, "error", err)
	}
}

// sleepQuit sleeps for d or until quit closes. It reports whether the
// full duration elapsed.
func sleepQuit(quit <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-quit:
		return false
	case <-t.C:
		return true
	}
}
