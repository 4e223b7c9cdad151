package controller

import (
	"context"
	"time"

	"github.com/render-bridge/bridge/internal/framebuffer"
	"github.com/render-bridge/bridge/internal/renderer"
	"github.com/render-bridge/bridge/internal/scene"
)

// Host is the application the controller renders for. Every method is
// called from controller goroutines and must return promptly.
type Host interface {
	// ReportError shows a user-visible error.
	ReportError(msg string)
	// ViewportsVisible reports whether any viewport still shows the render.
	ViewportsVisible() bool
	// TagRedraw asks the host to repaint its viewport. An error means the
	// surface is gone.
	TagRedraw() error
	// TagStatsRedraw asks the host to repaint its stats display.
	TagStatsRedraw()
	// TestBreak reports whether the user asked to cancel a blocking render.
	TestBreak() bool
	// UpdateResult receives one output of a blocking render, one pixel
	// tuple per element in buffer order.
	UpdateResult(desc framebuffer.Descriptor, pixels [][]float32)
}

// Exporter populates backend scenes from host snapshots.
type Exporter interface {
	ExportForFinal(ctx context.Context, snap *scene.Snapshot, sc renderer.Scene, layer string) error
	ExportForInteractive(ctx context.Context, snap *scene.Snapshot, sc renderer.Scene, layer string) error
	ExportForBake(ctx context.Context, snap *scene.Snapshot, sc renderer.Scene, layer string) error
	ExportForSwatch(ctx context.Context, snap *scene.Snapshot, sc renderer.Scene, layer string) error
	ExportForSelection(ctx context.Context, snap *scene.Snapshot, sc renderer.Scene, layer string) error
	UpdateScene(ctx context.Context, snap *scene.Snapshot) error
	UpdateView(ctx context.Context, snap *scene.Snapshot) error
	UpdateCropWindow(r framebuffer.Rect) error
	Displays() []framebuffer.Descriptor
	Reset()
}

// StatsManager tracks backend statistics for the running round.
type StatsManager interface {
	UpdatePayloads()
	Reset()
	IsConnected() bool
	Progress() int
	SetProgress(p int)
}

// BindHost makes h the host the background goroutines talk to. It waits
// at most render.host_release_timeout for a goroutine that is inside a
// host call.
func (c *Controller) BindHost(h Host) error {
	return c.bindHost(h, "")
}

// bindHost binds h on behalf of the round with id owner.
func (c *Controller) bindHost(h Host, owner string) error {
	if !c.acquireHost(c.config().Render.HostReleaseTimeout) {
		return ErrHostBusy
	}
	c.host, c.hostOwner = h, owner
	<-c.hostSem
	return nil
}

// ReleaseHost unbinds the host. Once it returns nil no controller
// goroutine calls into the old host again.
func (c *Controller) ReleaseHost() error {
	return c.releaseHost("")
}

// releaseHost unbinds the host. A non-empty owner only unbinds a host that
// round bound, so a late round never drops its successor's host.
func (c *Controller) releaseHost(owner string) error {
	if !c.acquireHost(c.config().Render.HostReleaseTimeout) {
		return ErrHostBusy
	}
	if owner == "" || c.hostOwner == owner {
		c.host, c.hostOwner = nil, ""
	}
	<-c.hostSem
	return nil
}

func (c *Controller) acquireHost(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c.hostSem <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

// withHost runs fn with the bound host held. It returns false without
// calling fn if no host is bound or the round is quitting.
func (c *Controller) withHost(r *round, fn func(Host)) bool {
	select {
	case c.hostSem <- struct{}{}:
	case <-r.quit:
		return false
	}
	defer func() { <-c.hostSem }()
	if c.host == nil {
		return false
	}
	fn(c.host)
	return true
}

// boundHost returns the current host without holding it.
func (c *Controller) boundHost() Host {
	c.hostSem <- struct{}{}
	defer func() { <-c.hostSem }()
	return c.host
}
