package session

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/render-bridge/bridge/internal/framebuffer"
	"github.com/render-bridge/bridge/internal/scene"
)

func TestStateMarshalJSON(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{Idle, `"idle"`},
		{Exporting, `"exporting"`},
		{Rendering, `"rendering"`},
		{Live, `"live"`},
		{Blocking, `"blocking"`},
		{Stopping, `"stopping"`},
		{LicenseFailed, `"license_failed"`},
		{Errored, `"errored"`},
	}

	for _, tt := range tests {
		data, err := json.Marshal(tt.state)
		if err != nil {
			t.Errorf("Marshal(%v) error: %v", tt.state, err)
			continue
		}
		if string(data) != tt.expected {
			t.Errorf("Marshal(%v) = %s, want %s", tt.state, data, tt.expected)
		}

		var back State
		if err := json.Unmarshal(data, &back); err != nil {
			t.Errorf("Unmarshal(%s) error: %v", data, err)
		}
		if back != tt.state {
			t.Errorf("Unmarshal(%s) = %v, want %v", data, back, tt.state)
		}
	}
}

func TestCanTransition(t *testing.T) {
	all := []State{Idle, Exporting, Rendering, Live, Blocking, Stopping, LicenseFailed, Errored}
	allowed := map[[2]State]bool{
		{Idle, Exporting}:      true,
		{Idle, LicenseFailed}:  true,
		{Exporting, Rendering}: true,
		{Exporting, Errored}:   true,
		{Exporting, Stopping}:  true,
		{Rendering, Live}:      true,
		{Rendering, Blocking}:  true,
		{Rendering, Errored}:   true,
		{Rendering, Stopping}:  true,
		{Live, Stopping}:       true,
		{Blocking, Stopping}:   true,
		{Errored, Stopping}:    true,
		{Errored, Idle}:        true,
		{LicenseFailed, Idle}:  true,
		{Stopping, Idle}:       true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]State{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%v, %v) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTransitionRejectsInvalid(t *testing.T) {
	s := New()
	if _, err := s.Transition(Live); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Transition(Idle -> Live) error = %v, want ErrInvalidTransition", err)
	}
	if s.State() != Idle {
		t.Errorf("state after rejected transition = %v, want idle", s.State())
	}

	for _, next := range []State{Exporting, Rendering, Blocking, Stopping, Idle} {
		if _, err := s.Transition(next); err != nil {
			t.Fatalf("Transition(%v) error: %v", next, err)
		}
	}
}

func TestClaim(t *testing.T) {
	s := New()
	if err := s.Claim(ModeFinal, "r1"); err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if err := s.Claim(ModeSwatch, "r2"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Claim() error = %v, want ErrBusy", err)
	}
	if s.RoundID() != "r1" || s.Mode() != ModeFinal {
		t.Errorf("claim overwritten: round=%s mode=%v", s.RoundID(), s.Mode())
	}

	// Returning to Idle releases the claim.
	s.Transition(LicenseFailed)
	s.Transition(Idle)
	if err := s.Claim(ModeSwatch, "r2"); err != nil {
		t.Fatalf("Claim() after release error: %v", err)
	}
}

func TestClaimResetsFlags(t *testing.T) {
	s := New()
	s.Live.Store(true)
	s.Running.Store(true)
	s.Swatch.Store(true)

	if err := s.Claim(ModeInteractive, "r1"); err != nil {
		t.Fatal(err)
	}
	st := s.Status()
	if st.Live || st.Running || st.Swatch {
		t.Errorf("flags not reset by Claim: %+v", st)
	}
}

func TestModeJSON(t *testing.T) {
	data, err := json.Marshal(ModeBackground)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"background"` {
		t.Errorf("Marshal(ModeBackground) = %s", data)
	}

	var m Mode
	if err := json.Unmarshal([]byte(`"swatch"`), &m); err != nil || m != ModeSwatch {
		t.Errorf("Unmarshal(swatch) = %v, %v", m, err)
	}
	if err := json.Unmarshal([]byte(`"bogus"`), &m); err == nil {
		t.Error("Unmarshal(bogus) should fail")
	}

	if ModeInteractive.Blocks() {
		t.Error("interactive rounds should not block")
	}
	if !ModeExport.Blocks() {
		t.Error("export rounds should block")
	}
}

func TestRenderRequestValidate(t *testing.T) {
	snap := &scene.Snapshot{Name: "s"}

	tests := []struct {
		name    string
		req     RenderRequest
		wantErr bool
	}{
		{"ok", RenderRequest{Mode: ModeFinal, Scene: snap}, false},
		{"no scene", RenderRequest{Mode: ModeFinal}, true},
		{"bad mode", RenderRequest{Mode: Mode(42), Scene: snap}, true},
		{"export without path", RenderRequest{Mode: ModeExport, Scene: snap}, true},
		{"export", RenderRequest{Mode: ModeExport, Scene: snap, Options: Options{OutputPath: "/tmp/a.<F4>.rib"}}, false},
		{"bad crop", RenderRequest{Mode: ModeFinal, Scene: snap, Options: Options{Crop: &framebuffer.Rect{MinX: 1, MaxX: 0, MaxY: 1}}}, true},
		{"bad compression", RenderRequest{Mode: ModeFinal, Scene: snap, Options: Options{Compression: "zstd"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
