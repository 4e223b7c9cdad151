package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/render-bridge/bridge/internal/renderer"
)

type State int

const (
	Idle State = iota
	Exporting
	Rendering
	Live
	Blocking
	Stopping
	LicenseFailed
	Errored
)

var stateNames = map[State]string{
	Idle:          "idle",
	Exporting:     "exporting",
	Rendering:     "rendering",
	Live:          "live",
	Blocking:      "blocking",
	Stopping:      "stopping",
	LicenseFailed: "license_failed",
	Errored:       "errored",
}

var stateFromName = map[string]State{
	"idle":           Idle,
	"exporting":      Exporting,
	"rendering":      Rendering,
	"live":           Live,
	"blocking":       Blocking,
	"stopping":       Stopping,
	"license_failed": LicenseFailed,
	"errored":        Errored,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stateFromName[n]; ok {
		*s = v
	}
	return nil
}

// Active reports whether a backend scene may exist in this state.
func (s State) Active() bool {
	switch s {
	case Exporting, Rendering, Live, Blocking, Stopping, Errored:
		return true
	}
	return false
}

var transitions = map[State][]State{
	Idle:          {Exporting, LicenseFailed},
	Exporting:     {Rendering, Errored, Stopping},
	Rendering:     {Live, Blocking, Errored, Stopping},
	Live:          {Stopping},
	Blocking:      {Stopping},
	Errored:       {Stopping, Idle},
	LicenseFailed: {Idle},
	Stopping:      {Idle},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrBusy              = errors.New("session is not idle")
)

// Session is the controller's single live render session. State changes go
// through Transition; the boolean flags are independent atomics read by the
// background goroutines without taking the lock.
type Session struct {
	mu        sync.Mutex
	state     State
	mode      Mode
	roundID   string
	scene     renderer.Scene
	claimed   bool
	startedAt time.Time

	Exporting   atomic.Bool
	Running     atomic.Bool
	Live        atomic.Bool
	Interactive atomic.Bool
	Viewport    atomic.Bool
	Swatch      atomic.Bool
}

func New() *Session {
	return &Session{}
}

// Claim reserves an idle session for a new round. It fails with ErrBusy if
// the session is not Idle or another round has already claimed it.
func (s *Session) Claim(mode Mode, roundID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle || s.claimed {
		return fmt.Errorf("%w: %s", ErrBusy, s.state)
	}
	s.claimed = true
	s.mode = mode
	s.roundID = roundID
	s.startedAt = time.Now()
	s.resetFlags()
	return nil
}

// Transition moves the session to next. Illegal moves return
// ErrInvalidTransition and leave the state untouched. Entering Idle
// releases the round claim.
func (s *Session) Transition(next State) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	if !CanTransition(prev, next) {
		return prev, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}
	s.state = next
	if next == Idle {
		s.claimed = false
		s.scene = nil
	}
	return prev, nil
}

// ClearFlags resets every per-round flag.
func (s *Session) ClearFlags() {
	s.resetFlags()
}

func (s *Session) resetFlags() {
	s.Exporting.Store(false)
	s.Running.Store(false)
	s.Live.Store(false)
	s.Interactive.Store(false)
	s.Viewport.Store(false)
	s.Swatch.Store(false)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) RoundID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roundID
}

func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

func (s *Session) Scene() renderer.Scene {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scene
}

func (s *Session) SetScene(sc renderer.Scene) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scene = sc
}

// TakeScene returns the scene handle and clears it, so only one teardown
// path deletes it.
func (s *Session) TakeScene() renderer.Scene {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := s.scene
	s.scene = nil
	return sc
}

// Status is a point-in-time view of the session for observers.
type Status struct {
	State       State     `json:"state"`
	Mode        Mode      `json:"mode"`
	RoundID     string    `json:"roundId,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	Exporting   bool      `json:"exporting"`
	Running     bool      `json:"running"`
	Live        bool      `json:"live"`
	Interactive bool      `json:"interactive"`
	Viewport    bool      `json:"viewport"`
	Swatch      bool      `json:"swatch"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		State:   s.state,
		Mode:    s.mode,
		RoundID: s.roundID,
	}
	if s.claimed {
		st.StartedAt = s.startedAt
	}
	s.mu.Unlock()

	st.Exporting = s.Exporting.Load()
	st.Running = s.Running.Load()
	st.Live = s.Live.Load()
	st.Interactive = s.Interactive.Load()
	st.Viewport = s.Viewport.Load()
	st.Swatch = s.Swatch.Load()
	return st
}
