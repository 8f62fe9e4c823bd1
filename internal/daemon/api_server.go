package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"cloudsync/internal/jobs"
	"cloudsync/internal/logging"
	"cloudsync/internal/syncerr"
)

// StartSyncRequest asks the daemon to start a sync.
type StartSyncRequest struct {
	ProfileID string        `json:"profile_id"`
	Type      jobs.SyncType `json:"type"`
	// Cursor is optional for incremental syncs; the last completed job's
	// cursor is used when empty.
	Cursor string `json:"cursor,omitempty"`
}

// StartSyncResponse carries the id of the started job.
type StartSyncResponse struct {
	JobID string `json:"job_id"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type apiServer struct {
	socket string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(socket string, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		socket: socket,
		logger: logger,
		daemon: d,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", srv.handleStatus)
	mux.HandleFunc("POST /api/sync", srv.handleStartSync)
	mux.HandleFunc("GET /api/jobs/{id}", srv.handleJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", srv.handleCancel)
	mux.HandleFunc("GET /api/profiles/{profile}/jobs", srv.handleHistory)

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if err := os.Remove(s.socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	if err := os.Chmod(s.socket, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	s.logger.Info("api server listening", logging.String("socket", s.socket))
	return nil
}

func (s *apiServer) stop() {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	_ = os.Remove(s.socket)
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *apiServer) handleStartSync(w http.ResponseWriter, r *http.Request) {
	var req StartSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, syncerr.Wrap(syncerr.ErrInvalidInput, "api", "start sync", "decode request", err))
		return
	}
	jobID, err := s.daemon.coord.StartSync(r.Context(), req.ProfileID, req.Type, req.Cursor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, StartSyncResponse{JobID: jobID})
}

func (s *apiServer) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.daemon.coord.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *apiServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	id := r.PathValue("id")
	if err := s.daemon.coord.CancelSync(ctx, id); err != nil {
		s.writeError(w, err)
		return
	}
	job, err := s.daemon.coord.GetStatus(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *apiServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit <= 0 {
			s.writeError(w, syncerr.Wrap(syncerr.ErrInvalidInput, "api", "history", "invalid limit", nil))
			return
		}
	}
	list, err := s.daemon.coord.ListHistory(r.Context(), r.PathValue("profile"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, err error) {
	kind := syncerr.Kind(err)
	s.writeJSON(w, statusForKind(kind), ErrorResponse{Error: err.Error(), Kind: kind})
}

func statusForKind(kind string) int {
	switch kind {
	case "invalid_input", "invalid_job_id":
		return http.StatusBadRequest
	case "job_not_found", "not_found":
		return http.StatusNotFound
	case "sync_in_progress", "invalid_status":
		return http.StatusConflict
	case "not_authenticated":
		return http.StatusUnauthorized
	case "network_restricted", "provider_not_registered":
		return http.StatusPreconditionFailed
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
