package stats

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/render-bridge/bridge/internal/session"
)

type fixedSource struct {
	p  int
	ok bool
}

func (f *fixedSource) Progress() (int, bool) { return f.p, f.ok }

func TestManagerProgress(t *testing.T) {
	m := NewManager(0, 4)
	if m.IsConnected() {
		t.Fatal("new manager should not be connected")
	}

	m.SetProgress(150)
	if got := m.Progress(); got != 100 {
		t.Errorf("SetProgress(150) -> Progress() = %d, want 100", got)
	}
	m.SetProgress(-3)
	if got := m.Progress(); got != 0 {
		t.Errorf("SetProgress(-3) -> Progress() = %d, want 0", got)
	}

	src := &fixedSource{p: 40, ok: true}
	m.Connect(src)
	if !m.IsConnected() {
		t.Fatal("Connect did not connect")
	}
	m.UpdatePayloads()
	if got := m.Progress(); got != 40 {
		t.Errorf("Progress() after poll = %d, want 40", got)
	}

	// A source with nothing to report leaves progress alone.
	src.ok = false
	src.p = 90
	m.UpdatePayloads()
	if got := m.Progress(); got != 40 {
		t.Errorf("Progress() after empty poll = %d, want 40", got)
	}
}

func TestManagerHistoryBounded(t *testing.T) {
	m := NewManager(int32(os.Getpid()), 3)
	for i := 0; i < 5; i++ {
		m.SetProgress(i * 10)
		m.UpdatePayloads()
	}

	p := m.Payload()
	if p.Updates != 5 {
		t.Errorf("Updates = %d, want 5", p.Updates)
	}
	if len(p.History) != 3 {
		t.Fatalf("len(History) = %d, want 3", len(p.History))
	}
	if p.History[0].Progress != 20 || p.Latest.Progress != 40 {
		t.Errorf("history = %+v, want oldest 20 newest 40", p.History)
	}
	if p.Latest.RSSBytes == 0 {
		t.Error("expected RSS to be sampled for own process")
	}

	m.Reset()
	p = m.Payload()
	if p.Progress != 0 || len(p.History) != 0 || p.Latest != nil || p.Elapsed != 0 {
		t.Errorf("Reset left state behind: %+v", p)
	}
}

func TestStore_LoadMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	tot, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if tot.Version != totalsVersion {
		t.Errorf("Version = %d, want %d", tot.Version, totalsVersion)
	}
	if tot.RoundsPerMode == nil {
		t.Error("RoundsPerMode should be initialized")
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	tot := newTotals()
	tot.TotalRounds = 7
	tot.Completed = 5
	tot.RoundsPerMode["final"] = 4
	tot.RenderSeconds = 12.5
	if err := s.Save(tot); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only totals.json in dir, got %d entries", len(entries))
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.TotalRounds != 7 || got.Completed != 5 || got.RoundsPerMode["final"] != 4 || got.RenderSeconds != 12.5 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.LastUpdated.IsZero() {
		t.Error("LastUpdated not set by Save")
	}
}

func TestStore_LoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := os.WriteFile(filepath.Join(dir, totalsFileName), []byte("{nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); err == nil {
		t.Error("Load() should fail on corrupt file")
	}
}

func TestNewStore_DefaultDir(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/tmp/xdg")
	s := NewStore("")
	if want := "/tmp/xdg/render-bridge/totals.json"; s.Path() != want {
		t.Errorf("Path() = %q, want %q", s.Path(), want)
	}
}

func TestTrackerCountsRounds(t *testing.T) {
	dir := t.TempDir()
	tr, ch, err := NewTracker(NewStore(dir))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	rounds := []*session.RoundSummary{
		{ID: "a", Mode: session.ModeFinal, Outcome: session.OutcomeCompleted, Duration: 2 * time.Second, Outputs: []string{"x.tif"}},
		{ID: "b", Mode: session.ModeInteractive, Outcome: session.OutcomeCancelled, Duration: 5 * time.Second},
		{ID: "c", Mode: session.ModeFinal, Outcome: session.OutcomeLicenseFailed},
	}
	for _, r := range rounds {
		ch <- session.Event{Type: session.EventRound, Round: r}
	}
	// Duplicates and non-round events are ignored.
	ch <- session.Event{Type: session.EventRound, Round: rounds[0]}
	ch <- session.Event{Type: session.EventProgress, Progress: 50}

	deadline := time.Now().Add(2 * time.Second)
	for tr.Totals().TotalRounds < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	tot := tr.Totals()
	if tot.TotalRounds != 3 {
		t.Fatalf("TotalRounds = %d, want 3", tot.TotalRounds)
	}
	if tot.Completed != 1 || tot.Cancelled != 1 || tot.LicenseFailures != 1 {
		t.Errorf("outcome counts wrong: %+v", tot)
	}
	if tot.RoundsPerMode["final"] != 2 || tot.MaxRoundSeconds != 5 || tot.OutputsWritten != 1 {
		t.Errorf("aggregates wrong: %+v", tot)
	}

	// Run saves on shutdown.
	saved, err := NewStore(dir).Load()
	if err != nil {
		t.Fatal(err)
	}
	if saved.TotalRounds != 3 {
		t.Errorf("saved TotalRounds = %d, want 3", saved.TotalRounds)
	}
}
