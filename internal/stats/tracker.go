package stats

import (
	"context"
	"sync"
	"time"

	"github.com/render-bridge/bridge/internal/logx"
	"github.com/render-bridge/bridge/internal/session"
)

const saveInterval = 30 * time.Second

// Tracker folds finished-round events into lifetime Totals and persists
// them periodically.
type Tracker struct {
	persist *Store
	totals  *Totals
	events  chan session.Event
	mu      sync.Mutex
	dirty   bool
	counted map[string]bool
}

// NewTracker loads existing totals and returns the channel the controller
// should publish events on. The caller must run Run in a goroutine.
func NewTracker(persist *Store) (*Tracker, chan<- session.Event, error) {
	totals, err := persist.Load()
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan session.Event, 256)
	return &Tracker{
		persist: persist,
		totals:  totals,
		events:  ch,
		counted: make(map[string]bool),
	}, ch, nil
}

// Run processes events until ctx is cancelled, then saves one last time.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.save()
			return
		case ev := <-t.events:
			t.processEvent(ev)
		case <-ticker.C:
			t.mu.Lock()
			dirty := t.dirty
			t.mu.Unlock()
			if dirty {
				t.save()
			}
		}
	}
}

// Totals returns a copy of the current totals.
func (t *Tracker) Totals() *Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals.clone()
}

func (t *Tracker) processEvent(ev session.Event) {
	if ev.Type != session.EventRound || ev.Round == nil {
		return
	}
	r := ev.Round

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.counted[r.ID] {
		return
	}
	t.counted[r.ID] = true

	t.totals.TotalRounds++
	t.totals.RoundsPerMode[r.Mode.String()]++
	switch r.Outcome {
	case session.OutcomeCompleted:
		t.totals.Completed++
	case session.OutcomeCancelled:
		t.totals.Cancelled++
	case session.OutcomeErrored:
		t.totals.Errors++
	case session.OutcomeLicenseFailed:
		t.totals.LicenseFailures++
	}

	secs := r.Duration.Seconds()
	t.totals.RenderSeconds += secs
	if secs > t.totals.MaxRoundSeconds {
		t.totals.MaxRoundSeconds = secs
	}
	t.totals.OutputsWritten += len(r.Outputs)
	t.dirty = true
}

func (t *Tracker) save() {
	t.mu.Lock()
	totals := t.totals.clone()
	t.dirty = false
	t.mu.Unlock()

	if err := t.persist.Save(totals); err != nil {
		logx.Logger().Error("failed to save totals", "error", err)
	}
}
