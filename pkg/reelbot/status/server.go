// Package status serves the local health and status HTTP surface.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jholhewres/reelbot/pkg/reelbot/channels"
	"github.com/jholhewres/reelbot/pkg/reelbot/channels/whatsapp"
	"github.com/jholhewres/reelbot/pkg/reelbot/ledger"
	"github.com/jholhewres/reelbot/pkg/reelbot/scheduler"
	"github.com/jholhewres/reelbot/pkg/reelbot/session"
)

// SessionStats is implemented by *session.Registry.
type SessionStats interface {
	Stats() session.Stats
}

// JobStats is implemented by *ledger.Ledger.
type JobStats interface {
	Stats() ledger.Stats
}

// ChannelHealth is implemented by *channels.Manager.
type ChannelHealth interface {
	HealthAll() map[string]channels.HealthStatus
}

// QRSource is implemented by *whatsapp.WhatsApp.
type QRSource interface {
	LastQR() (whatsapp.QREvent, bool)
	RequestNewQR() error
}

// ConnectionHistory is implemented by *ConnectionLog.
type ConnectionHistory interface {
	Events() []whatsapp.ConnectionEvent
}

// TaskStatus is implemented by *scheduler.Scheduler.
type TaskStatus interface {
	Status() []scheduler.TaskStatus
}

// Sources are the components the status surface reports on. Nil fields are
// omitted from the response.
type Sources struct {
	Sessions SessionStats
	Jobs     JobStats
	Channels ChannelHealth
	QR       QRSource
	Tasks    TaskStatus

	Connections ConnectionHistory
}

// Server is the status HTTP server.
type Server struct {
	addr      string
	version   string
	src       Sources
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a status server bound to addr.
func New(addr, version string, src Sources, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:      addr,
		version:   version,
		src:       src,
		logger:    logger.With("component", "status"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/whatsapp/qr", s.handleQR)
	r.Post("/whatsapp/qr/refresh", s.handleQRRefresh)
	return r
}

// Start binds the listener and serves in the background. Bind errors are
// returned to the caller.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("status listen on %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server error", "error", err)
		}
	}()
	s.logger.Info("status server started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) uptime() string {
	uptime := time.Since(s.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	return uptime
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  s.uptime(),
	}

	if s.src.Channels != nil {
		chans := make(map[string]string)
		anyConnected := false
		for name, st := range s.src.Channels.HealthAll() {
			if st.Connected {
				chans[name] = "connected"
				anyConnected = true
			} else {
				chans[name] = "disconnected"
			}
		}
		body["channels"] = chans
		if len(chans) > 0 && !anyConnected {
			body["status"] = "degraded"
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"version": s.version,
		"uptime":  s.uptime(),
	}
	if s.src.Sessions != nil {
		body["sessions"] = s.src.Sessions.Stats()
	}
	if s.src.Jobs != nil {
		body["jobs"] = s.src.Jobs.Stats()
	}
	if s.src.Channels != nil {
		body["channels"] = s.src.Channels.HealthAll()
	}
	if s.src.Tasks != nil {
		body["tasks"] = s.src.Tasks.Status()
	}
	if s.src.Connections != nil {
		body["whatsapp_events"] = s.src.Connections.Events()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	if s.src.QR == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "whatsapp channel not enabled"})
		return
	}
	evt, ok := s.src.QR.LastQR()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no pairing code pending"})
		return
	}
	writeJSON(w, http.StatusOK, evt)
}

// handleQRRefresh restarts pairing after the previous code expired.
func (s *Server) handleQRRefresh(w http.ResponseWriter, r *http.Request) {
	if s.src.QR == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "whatsapp channel not enabled"})
		return
	}
	if err := s.src.QR.RequestNewQR(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info("new pairing code requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
