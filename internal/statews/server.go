package statews

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"appvol/internal/audio"
)

// Message types.
const (
	TypeStateInit    = "state_init"
	TypeStateChanged = "state_changed"
)

// Envelope is the wire format for every frame.
type Envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

// ViewSource is what the server reads. *audio.Store implements it.
type ViewSource interface {
	View() audio.View
}

func marshalView(typ string, v audio.View) ([]byte, error) {
	ts := v.UpdatedAt.UTC()
	if v.UpdatedAt.IsZero() {
		ts = time.Now().UTC()
	}
	return json.Marshal(Envelope{Type: typ, Ts: &ts, Data: v})
}

// ============================================================================
// HTTP Handler + server wiring helpers
// ============================================================================

// Server serves the state websocket and a plain JSON snapshot endpoint.
type Server struct {
	logger *slog.Logger
	hub    *Hub
	views  ViewSource
}

// ServerConfig configures NewServer.
type ServerConfig struct {
	Hub HubConfig
}

// NewServer constructs the server and its hub. Start hub.Run(ctx) and
// RunBroadcaster before serving.
func NewServer(logger *slog.Logger, views ViewSource, cfg ServerConfig) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger: logger,
		hub:    NewHub(logger, cfg.Hub),
		views:  views,
	}
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub { return s.hub }

// Register mounts the websocket at /ws and the JSON view at /state.
func (s *Server) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/ws", s.handleStateWS)
	mux.HandleFunc("/state", s.handleState)
}

// Handler returns a mux with the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

var upgrader = websocket.Upgrader{
	// Local control surface; browsers on any origin may observe the state.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStateWS upgrades and registers the client with state_init as its first
// frame, so broadcasts follow the initial view.
func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// Pumps are not tied to r.Context(): net/http cancels it when this handler
	// returns. The hub owns the connection lifetime.
	ok, err := s.hub.register(client, func() ([]byte, error) {
		return marshalView(TypeStateInit, s.views.View())
	})
	if err != nil {
		s.logger.Warn("ws state_init marshal failed", "error", err)
	}
	if !ok {
		_ = conn.Close()
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.views.View()); err != nil {
		s.logger.Debug("state response write failed", "error", err)
	}
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("state websocket listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		// Serve returns http.ErrServerClosed on Shutdown; treat that as clean exit.
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		// Hijacked websocket connections are closed by the hub, not by Shutdown.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}
