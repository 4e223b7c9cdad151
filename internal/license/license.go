// Package license decides whether a render round may start.
package license

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/render-bridge/bridge/internal/config"
)

type Reason int

const (
	ReasonNoServer Reason = iota + 1
	ReasonFeature
	ReasonNoSeats
	ReasonExpired
	ReasonInvalid
)

func (r Reason) String() string {
	switch r {
	case ReasonNoServer:
		return "no_server"
	case ReasonFeature:
		return "feature"
	case ReasonNoSeats:
		return "no_seats"
	case ReasonExpired:
		return "expired"
	case ReasonInvalid:
		return "invalid"
	}
	return "unknown"
}

// Error is a failed license check. Its message is shown to the user as is.
type Error struct {
	Reason  Reason
	Feature string
	Expiry  time.Time
	Err     error
}

func (e *Error) Error() string {
	switch e.Reason {
	case ReasonNoServer:
		return "Cannot reach the license server. Aborting."
	case ReasonFeature:
		return fmt.Sprintf("Cannot find %s license feature. Aborting.", e.Feature)
	case ReasonNoSeats:
		return "No render licenses available. Aborting."
	case ReasonExpired:
		return fmt.Sprintf("Render licenses have expired (%s).", e.Expiry.Format("2006-01-02"))
	}
	return "Cannot find a valid license. Aborting."
}

func (e *Error) Unwrap() error { return e.Err }

// IsLicenseError reports whether err is, or wraps, a license failure.
func IsLicenseError(err error) bool {
	var le *Error
	return errors.As(err, &le)
}

// Checker is consulted before every round.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Check(ctx context.Context) error { return f(ctx) }

// Allow always passes.
var Allow Checker = CheckerFunc(func(context.Context) error { return nil })

// ConfigChecker validates the license section of the config and, when a
// server is configured, that it accepts TCP connections.
type ConfigChecker struct {
	cfg  config.LicenseConfig
	now  func() time.Time
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewConfigChecker(cfg config.LicenseConfig) *ConfigChecker {
	d := &net.Dialer{}
	return &ConfigChecker{cfg: cfg, now: time.Now, dial: d.DialContext}
}

func (c *ConfigChecker) Check(ctx context.Context) error {
	expires, err := (&config.Config{License: c.cfg}).LicenseExpiry()
	if err != nil {
		return &Error{Reason: ReasonInvalid, Err: err}
	}

	if c.cfg.Server != "" {
		timeout := c.cfg.DialTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		dctx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := c.dial(dctx, "tcp", c.cfg.Server)
		cancel()
		if err != nil {
			return &Error{Reason: ReasonNoServer, Err: err}
		}
		conn.Close()
	}

	if c.cfg.Feature != "" && !slices.Contains(c.cfg.Features, c.cfg.Feature) {
		return &Error{Reason: ReasonFeature, Feature: c.cfg.Feature}
	}
	if c.cfg.Seats <= 0 || c.cfg.SeatsInUse >= c.cfg.Seats {
		return &Error{Reason: ReasonNoSeats}
	}
	if !expires.IsZero() && !c.now().Before(expires.AddDate(0, 0, 1)) {
		return &Error{Reason: ReasonExpired, Expiry: expires}
	}
	return nil
}
