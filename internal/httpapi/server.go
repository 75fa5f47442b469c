package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/imaistudio/orchestrator/internal/models"
	"github.com/imaistudio/orchestrator/internal/tracing"
)

// maxRequestBytes caps the request body, dominated by inline media payloads.
const maxRequestBytes = 64 << 20

// Handler is the request pipeline entrypoint the API dispatches to.
type Handler interface {
	Handle(ctx context.Context, req models.Request) models.Response
}

// Server is the public API surface: a single generation endpoint.
type Server struct {
	engine  Handler
	timeout time.Duration
	logger  *zap.Logger
}

// NewServer creates the API server.
func NewServer(engine Handler, requestTimeout time.Duration, logger *zap.Logger) *Server {
	if requestTimeout == 0 {
		requestTimeout = 5 * time.Minute
	}
	return &Server{engine: engine, timeout: requestTimeout, logger: logger}
}

// Routes builds the API mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/generate", s.handleGenerate)
	return mux
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "api.generate")
	defer span.End()

	var req models.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Message == "" && len(req.MediaInputs) == 0 {
		writeError(w, http.StatusBadRequest, models.ErrEmptyRequest.Error())
		return
	}

	resp := s.engine.Handle(ctx, req)

	status := http.StatusOK
	if resp.Status == models.StatusError {
		// Terminal validation problems are the caller's fault; everything
		// else is ours.
		if isValidationMessage(resp.Error) {
			status = http.StatusUnprocessableEntity
		} else {
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, resp)
}

func isValidationMessage(msg string) bool {
	// The taxonomy error strings are stable prefixes.
	for _, prefix := range []string{"validation failed", "no workflow accepts", "normalize ", "request requires"} {
		if len(msg) >= len(prefix) && msg[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": msg})
}
