package controller

import (
	"context"
	"sync"
	"time"

	"github.com/render-bridge/bridge/internal/logx"
	"github.com/render-bridge/bridge/internal/session"
)

// round is the controller-side state of one render round.
type round struct {
	id      string
	mode    session.Mode
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc

	quit     chan struct{}
	stopOnce sync.Once

	drawDone  chan struct{} // nil until the draw goroutine starts
	statsDone chan struct{} // nil until the stats goroutine starts

	mu      sync.Mutex
	outcome session.Outcome
	err     string
	outputs []string
}

func newRound(id string, mode session.Mode) *round {
	ctx, cancel := context.WithCancel(context.Background())
	return &round{
		id:      id,
		mode:    mode,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
	}
}

// stop signals the round's goroutines to exit.
func (r *round) stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
		r.cancel()
	})
}

func (r *round) stopped() bool {
	select {
	case <-r.quit:
		return true
	default:
		return false
	}
}

// finish records how the round ended. The first outcome wins.
func (r *round) finish(o session.Outcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome != "" {
		return
	}
	r.outcome = o
	if err != nil {
		r.err = err.Error()
	}
}

func (r *round) addOutput(path string) {
	r.mu.Lock()
	r.outputs = append(r.outputs, path)
	r.mu.Unlock()
}

func (r *round) summary(progress int) *session.RoundSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	outcome := r.outcome
	if outcome == "" {
		outcome = session.OutcomeCancelled
	}
	end := time.Now()
	return &session.RoundSummary{
		ID:        r.id,
		Mode:      r.mode,
		Outcome:   outcome,
		StartedAt: r.started,
		EndedAt:   end,
		Duration:  end.Sub(r.started),
		Progress:  progress,
		Error:     r.err,
		Outputs:   append([]string(nil), r.outputs...),
	}
}

// Teardown tracks one stop of the session. It completes once the scene is
// gone and the round's goroutines have exited.
type Teardown struct {
	done chan struct{}
}

func newTeardown() *Teardown {
	return &Teardown{done: make(chan struct{})}
}

func completedTeardown() *Teardown {
	t := newTeardown()
	close(t.done)
	return t
}

// Done is closed when the teardown has completed.
func (t *Teardown) Done() <-chan struct{} { return t.done }

// Wait blocks until the teardown completes or ctx ends.
func (t *Teardown) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAndWait tears the current round down and joins its goroutines
// before the backend scene is deleted. The returned Teardown is already
// complete. If another stop holds the teardown semaphore past
// render.teardown_timeout, it returns ErrTeardownBusy and that stop's
// Teardown.
//
// It must not be called from the draw refresh or stats poll goroutines.
func (c *Controller) StopAndWait() (*Teardown, error) {
	return c.stopRound(nil, true)
}

// StopAndDetach tears the current round down without joining its
// goroutines. The returned Teardown completes once they have exited.
func (c *Controller) StopAndDetach() (*Teardown, error) {
	return c.stopRound(nil, false)
}

// teardownTimeout is render.teardown_timeout, or 5s when unset.
func (c *Controller) teardownTimeout() time.Duration {
	if timeout := c.config().Render.TeardownTimeout; timeout > 0 {
		return timeout
	}
	return 5 * time.Second
}

// stopRound tears down the current round. A non-nil target restricts the
// stop to that round: once target is no longer current it returns a
// completed Teardown and leaves the session alone.
func (c *Controller) stopRound(target *round, join bool) (*Teardown, error) {
	t := time.NewTimer(c.teardownTimeout())
	defer t.Stop()
	select {
	case c.teardownSem <- struct{}{}:
	case <-t.C:
		c.roundMu.Lock()
		td := c.teardown
		stale := target != nil && c.round != target
		c.roundMu.Unlock()
		if stale {
			return completedTeardown(), nil
		}
		if td == nil {
			td = completedTeardown()
		}
		logx.Logger().Debug("teardown: semaphore busy")
		return td, ErrTeardownBusy
	}
	defer func() { <-c.teardownSem }()

	c.roundMu.Lock()
	r := c.round
	st := c.sess.State()
	if r == nil || !st.Active() || (target != nil && r != target) {
		c.roundMu.Unlock()
		return completedTeardown(), nil
	}
	td := newTeardown()
	c.teardown = td
	r.stop()
	if _, err := c.sess.Transition(session.Stopping); err != nil {
		logx.Logger().Debug("teardown: transition", "error", err)
	}
	c.roundMu.Unlock()
	c.emitState()

	c.teardownRound(r, join)

	c.roundMu.Lock()
	if _, err := c.sess.Transition(session.Idle); err != nil {
		logx.Logger().Debug("teardown: transition", "error", err)
	}
	c.round = nil
	c.roundMu.Unlock()
	c.emitState()
	logx.Logger().Info("Render stopped", "round", r.id, "mode", r.mode.String())

	if join {
		close(td.done)
	} else {
		go func() {
			waitClosed(r.drawDone)
			waitClosed(r.statsDone)
			close(td.done)
		}()
	}
	return td, nil
}

// teardownRound releases everything the round holds. The caller holds
// the teardown semaphore and has stopped r.
func (c *Controller) teardownRound(r *round, join bool) {
	log := logx.Logger().With("round", r.id)

	c.sess.ClearFlags()
	c.registry.Clear()

	if join {
		waitClosed(r.drawDone)
		waitClosed(r.statsDone)
	}

	if sc := c.sess.TakeScene(); sc != nil {
		c.vp.keep(c.backend.Display())
		if err := sc.Stop(); err != nil {
			log.Debug("teardown: scene stop", "error", err)
		}
		if err := c.backend.DeleteScene(sc); err != nil {
			log.Debug("teardown: delete scene", "error", err)
		}
	}

	progress := c.stats.Progress()
	c.stats.Reset()
	c.exporter.Reset()
	c.vp.clearBuckets()
	c.lastProgress.Store(-1)

	if h := c.boundHost(); h != nil {
		if err := h.TagRedraw(); err != nil {
			log.Debug("teardown: redraw", "error", err)
		}
	}

	sum := r.summary(progress)
	c.rounds.Add(sum)
	c.emit(session.Event{Type: session.EventRound, Status: c.sess.Status(), Round: sum})
}

// waitClosed blocks until ch is closed. A nil channel returns at once.
func waitClosed(ch chan struct{}) {
	if ch != nil {
		<-ch
	}
}
