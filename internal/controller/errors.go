package controller

import (
	"errors"
	"fmt"

	"github.com/render-bridge/bridge/internal/session"
)

var (
	// ErrSessionBusy is returned by the Start entry points when a round is
	// already in progress.
	ErrSessionBusy = errors.New("render session is busy")

	// ErrTeardownBusy means another stop holds the teardown semaphore. The
	// in-flight *Teardown is returned alongside it.
	ErrTeardownBusy = errors.New("teardown already in progress")

	// ErrHostBusy means the host binding could not be acquired in time.
	ErrHostBusy = errors.New("host binding is busy")

	// ErrRoundStopped is returned by an entry point whose round was torn
	// down by someone else while it was starting.
	ErrRoundStopped = errors.New("round was stopped")

	ErrNoViewport = errors.New("not rendering into a viewport")
)

// ExportError is a failure while populating the backend scene.
type ExportError struct {
	Mode session.Mode
	Err  error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("%s export failed: %v", e.Mode, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// BackendCommandError is a backend call that the backend refused.
type BackendCommandError struct {
	Command string
	Err     error
}

func (e *BackendCommandError) Error() string {
	return fmt.Sprintf("backend command %q: %v", e.Command, e.Err)
}

func (e *BackendCommandError) Unwrap() error { return e.Err }
