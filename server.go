package amira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	obs "github.com/amira-dev/amira/pkg/observability"
	"github.com/amira-dev/amira/pkg/report"
	"github.com/amira-dev/amira/pkg/timeline"
)

// Server exposes the engine over HTTP.
//
// Routes:
//   - POST /v1/patients/{id}/messages: handle a patient message
//   - POST /v1/patients/{id}/close: explicitly close the open session
//   - GET  /v1/patients/{id}/report?from=&to=: build a report (RFC 3339)
//   - GET  /v1/patients/{id}: fetch the patient record
type Server struct {
	engine     *Engine
	httpServer *http.Server
	port       int
}

// NewServer creates the API server for an engine.
func NewServer(engine *Engine, port int) *Server {
	return &Server{engine: engine, port: port}
}

// Start starts the API server.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/patients/{id}/messages", s.handleMessage)
	mux.HandleFunc("POST /v1/patients/{id}/close", s.handleClose)
	mux.HandleFunc("GET /v1/patients/{id}/report", s.handleReport)
	mux.HandleFunc("GET /v1/patients/{id}", s.handlePatient)
	// Liveness on the API port too, for platforms that probe a single port.
	mux.HandleFunc("GET /health/live", obs.LivenessHandler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	patientID := r.PathValue("id")

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	reply, err := s.engine.HandleMessage(r.Context(), patientID, req.Text)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.CloseSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be RFC 3339")
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be RFC 3339")
		return
	}

	rep, err := s.engine.BuildReport(r.Context(), r.PathValue("id"), from, to)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handlePatient(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Patient(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps engine errors onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, timeline.ErrPatientNotFound),
		errors.Is(err, timeline.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, report.ErrInvalidWindow):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, timeline.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
