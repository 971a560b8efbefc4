package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"

	"OpportunitySwitch/internal/coordinator"
)

const maxBodyBytes = 1 << 20

// StatusFunc reports whatever the /status endpoint should expose.
type StatusFunc func() any

// Server accepts opportunities over HTTP and serves health, status and the
// websocket event stream.
type Server struct {
	sink   Switcher
	status StatusFunc
	ws     http.Handler
	log    *zap.SugaredLogger
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a server with routes registered. ws and status may be nil.
func NewServer(addr string, sink Switcher, status StatusFunc, ws http.Handler, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	mux := http.NewServeMux()
	s := &Server{
		sink:   sink,
		status: status,
		ws:     ws,
		log:    log,
		mux:    mux,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/opportunity", s.handleOpportunity)
	s.mux.HandleFunc("/health", s.handleHealth)
	if s.status != nil {
		s.mux.HandleFunc("/status", s.handleStatus)
	}
	if s.ws != nil {
		s.mux.Handle("/ws", s.ws)
	}
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleOpportunity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opp, err := decodeOpportunity(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.sink.SwitchToOpportunityMode(r.Context(), opp)
	switch {
	case errors.Is(err, coordinator.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		s.log.Errorf("switch for %s: %v", opp.Label(), err)
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	code := http.StatusOK
	if res.Queued {
		code = http.StatusAccepted
	}
	writeJSON(w, code, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

// Start begins listening. It returns nil after Shutdown.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := sonnet.Marshal(v)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
