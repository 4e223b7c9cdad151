package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/render-bridge/bridge/internal/config"
	"github.com/render-bridge/bridge/internal/controller"
	"github.com/render-bridge/bridge/internal/framebuffer"
	"github.com/render-bridge/bridge/internal/logx"
	"github.com/render-bridge/bridge/internal/session"
	"github.com/render-bridge/bridge/internal/stats"
)

// Controller is the session surface the display server reads and drives.
type Controller interface {
	Status() session.Status
	Rounds() *session.Store
	FrameImage() (image.Image, bool)
	StopAndDetach() (*controller.Teardown, error)
	UpdateCropWindow(r framebuffer.Rect) error
	SaveViewportSnapshot(path string, frame int) (string, error)
}

// RenderFunc starts a round in the given mode on behalf of a display
// client. It may block until the round ends.
type RenderFunc func(ctx context.Context, mode session.Mode) error

type Server struct {
	ctl             Controller
	broadcaster     *Broadcaster
	frontendDir     string
	dev             bool
	embeddedHandler http.Handler
	allowedOrigins  map[string]bool
	allowedHosts    map[string]bool
	authToken       string
	stats           *stats.Manager
	tracker         *stats.Tracker
	render          RenderFunc
	snapshotPath    string
	baseCtx         context.Context
}

func NewServer(cfg config.ServerConfig, ctl Controller, broadcaster *Broadcaster, frontendDir string, dev bool, embeddedHandler http.Handler) *Server {
	s := &Server{
		ctl:             ctl,
		broadcaster:     broadcaster,
		frontendDir:     frontendDir,
		dev:             dev,
		embeddedHandler: embeddedHandler,
		allowedOrigins:  make(map[string]bool),
		allowedHosts:    make(map[string]bool),
		authToken:       cfg.AuthToken,
		snapshotPath:    "snapshots/viewport.<F4>.tif",
		baseCtx:         context.Background(),
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// SetStats configures the sources behind /api/stats. Must be called before
// SetupRoutes.
func (s *Server) SetStats(m *stats.Manager, tracker *stats.Tracker) {
	s.stats = m
	s.tracker = tracker
}

// SetRenderFunc enables the "render" command. Rounds it starts are
// cancelled when ctx is.
func (s *Server) SetRenderFunc(ctx context.Context, fn RenderFunc) {
	s.baseCtx = ctx
	s.render = fn
}

// SetSnapshotPath sets the default path pattern for "snapshot" commands.
func (s *Server) SetSnapshotPath(pattern string) {
	if pattern != "" {
		s.snapshotPath = pattern
	}
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/rounds", s.handleRounds)
	mux.HandleFunc("/api/rounds/", s.handleRound)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/frame.png", s.handleFrame)

	log := logx.Logger()
	if s.dev {
		log.Info("Serving frontend from filesystem", "dir", s.frontendDir)
		mux.Handle("/", http.FileServer(http.Dir(s.frontendDir)))
	} else if s.embeddedHandler != nil {
		log.Info("Serving embedded frontend")
		mux.Handle("/", s.embeddedHandler)
	}
}

// Handler returns the full route set wrapped in the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

// Snapshot builds the payload sent to newly connected clients.
func (s *Server) Snapshot() SnapshotPayload {
	p := SnapshotPayload{
		Status: s.ctl.Status(),
		Rounds: s.ctl.Rounds().GetAll(),
	}
	if s.stats != nil {
		sp := s.stats.Payload()
		p.Stats = &sp
	}
	return p
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logx.Logger().Warn("ws upgrade error", "error", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		logx.Logger().Warn("rejecting WebSocket client", "addr", r.RemoteAddr, "error", err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}
	logx.Logger().Info("WebSocket client connected", "addr", r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			logx.Logger().Info("WebSocket client disconnected", "addr", r.RemoteAddr)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				s.broadcaster.Send(c, WSMessage{Type: MsgResult, Payload: ResultPayload{
					Error: fmt.Sprintf("bad command: %v", err),
				}})
				continue
			}
			s.broadcaster.Send(c, WSMessage{Type: MsgResult, Payload: s.handleCommand(cmd)})
		}
	}()
}

// handleCommand runs one inbound command. Render commands start the round
// in the background and answer immediately.
func (s *Server) handleCommand(cmd Command) ResultPayload {
	res := ResultPayload{ID: cmd.ID, Type: cmd.Type}
	var err error

	switch cmd.Type {
	case CmdStop:
		_, err = s.ctl.StopAndDetach()
	case CmdCrop:
		if cmd.Crop == nil {
			err = errors.New("crop: missing window")
			break
		}
		err = s.ctl.UpdateCropWindow(*cmd.Crop)
	case CmdSnapshot:
		var path string
		if path, err = s.snapshotTarget(cmd.Path); err != nil {
			break
		}
		res.Path, err = s.ctl.SaveViewportSnapshot(path, cmd.Frame)
	case CmdRender:
		err = s.startRender(cmd.Mode)
	default:
		err = fmt.Errorf("unknown command %q", cmd.Type)
	}

	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	return res
}

// snapshotTarget resolves a client supplied snapshot name. Clients may only
// name a file inside the configured snapshot directory.
func (s *Server) snapshotTarget(name string) (string, error) {
	if name == "" {
		return s.snapshotPath, nil
	}
	if filepath.IsAbs(name) || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("snapshot: path %q must be a plain file name", name)
	}
	return filepath.Join(filepath.Dir(s.snapshotPath), name), nil
}

func (s *Server) startRender(name string) error {
	if s.render == nil {
		return errors.New("render: not enabled")
	}
	if name == "" {
		name = session.ModeInteractive.String()
	}
	mode, err := session.ParseMode(name)
	if err != nil {
		return err
	}
	if st := s.ctl.Status(); st.State != session.Idle {
		return controller.ErrSessionBusy
	}
	go func() {
		if err := s.render(s.baseCtx, mode); err != nil {
			logx.Logger().Warn("render command failed", "mode", mode, "error", err)
		}
	}()
	return nil
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	writeJSON(w, s.ctl.Status())
}

func (s *Server) handleRounds(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	rounds := s.ctl.Rounds().GetAll()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if n < len(rounds) {
			rounds = rounds[:n]
		}
	}
	writeJSON(w, rounds)
}

func (s *Server) handleRound(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Parse: /api/rounds/{id}
	id, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/api/rounds/"))
	if err != nil || id == "" || strings.Contains(id, "/") {
		http.Error(w, "invalid round id", http.StatusBadRequest)
		return
	}

	round, ok := s.ctl.Rounds().Get(id)
	if !ok {
		http.Error(w, "round not found", http.StatusNotFound)
		return
	}
	writeJSON(w, round)
}

// statsResponse is the /api/stats body.
type statsResponse struct {
	Current *stats.Payload `json:"current,omitempty"`
	Totals  *stats.Totals  `json:"totals,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if s.stats == nil && s.tracker == nil {
		http.Error(w, "stats not available", http.StatusServiceUnavailable)
		return
	}

	var resp statsResponse
	if s.stats != nil {
		p := s.stats.Payload()
		resp.Current = &p
	}
	if s.tracker != nil {
		resp.Totals = s.tracker.Totals()
	}
	writeJSON(w, resp)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	img, ok := s.ctl.FrameImage()
	if !ok {
		http.Error(w, "no frame", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		logx.Logger().Debug("frame encode failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Render-Bridge-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}

	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves handler until ctx is done, then shuts down with a
// short grace period.
func ListenAndServe(ctx context.Context, host string, port int, handler http.Handler) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logx.Logger().Info("Server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
