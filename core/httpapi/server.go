// Package httpapi maps coordinator results onto the wire contract: a
// successful write returns 200 with the new hash, a fail-fast conflict
// returns 409 with the conflict body, a lock timeout returns 504, and a
// path escape returns 403. The JSON shapes here are the compatibility
// contract integration tests assert against.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	cerrors "github.com/adalundhe/accord/core/errors"

	"github.com/adalundhe/accord/core/conflict"
	"github.com/adalundhe/accord/core/coordinator"
)

// Server exposes the coordinator over HTTP.
type Server struct {
	coord    *coordinator.Coordinator
	registry *conflict.Registry
	logger   *slog.Logger
	mux      *http.ServeMux
}

// NewServer wires the route table.
func NewServer(coord *coordinator.Coordinator, registry *conflict.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		coord:    coord,
		registry: registry,
		logger:   logger,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /v1/files/write", s.handleWrite)
	s.mux.HandleFunc("GET /v1/files/read", s.handleRead)
	s.mux.HandleFunc("GET /v1/files/check", s.handleCheck)
	s.mux.HandleFunc("GET /v1/conflicts", s.handleListConflicts)
	s.mux.HandleFunc("POST /v1/conflicts/{id}/resolve", s.handleResolve)

	return s
}

// Handler returns the route table for mounting.
func (s *Server) Handler() http.Handler {
	return s.mux
}

type writeRequest struct {
	Path         string `json:"path"`
	Content      string `json:"content"`
	SessionID    string `json:"sessionId"`
	ExpectedHash string `json:"expectedHash,omitempty"`
	Resolution   string `json:"resolution,omitempty"`
}

type conflictInfoBody struct {
	Path           string    `json:"path"`
	ExpectedHash   string    `json:"expectedHash"`
	CurrentHash    string    `json:"currentHash"`
	LastModifiedBy string    `json:"lastModifiedBy"`
	DetectedAt     time.Time `json:"detectedAt"`
}

type mergeResultBody struct {
	CanAutoMerge  bool   `json:"canAutoMerge"`
	MergedContent string `json:"mergedContent,omitempty"`
}

type writeResponse struct {
	Success      bool              `json:"success"`
	NewHash      string            `json:"newHash,omitempty"`
	Error        string            `json:"error,omitempty"`
	ConflictInfo *conflictInfoBody `json:"conflictInfo,omitempty"`
	MergeResult  *mergeResultBody  `json:"mergeResult,omitempty"`
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, writeResponse{Error: "bad_request"})
		return
	}

	result := s.coord.SafeWriteFile(r.Context(), req.Path, []byte(req.Content), coordinator.WriteOptions{
		SessionID:    req.SessionID,
		ExpectedHash: req.ExpectedHash,
		Resolution:   coordinator.ParseResolution(req.Resolution),
	})

	resp := writeResponse{
		Success:      result.Success,
		NewHash:      result.NewHash,
		ConflictInfo: infoBody(result.Conflict),
	}
	if result.Merge != nil {
		resp.MergeResult = &mergeResultBody{
			CanAutoMerge:  result.Merge.CanAutoMerge,
			MergedContent: string(result.Merge.MergedContent),
		}
	}

	if result.Err != nil {
		resp.Error = result.Err.Kind.String()
		writeJSON(w, cerrors.StatusCode(result.Err), resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

type readResponse struct {
	Content string `json:"content"`
	Hash    string `json:"hash"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	session := r.URL.Query().Get("session")

	result := s.coord.SafeReadFile(path, coordinator.ReadOptions{SessionID: session})
	if result.Err != nil {
		writeJSON(w, cerrors.StatusCode(result.Err), readResponse{Error: result.Err.Kind.String()})
		return
	}

	writeJSON(w, http.StatusOK, readResponse{
		Content: string(result.Content),
		Hash:    result.Hash,
	})
}

type checkResponse struct {
	HasConflict bool   `json:"hasConflict"`
	CurrentHash string `json:"currentHash"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	hash := r.URL.Query().Get("hash")
	session := r.URL.Query().Get("session")

	result := s.coord.CheckFileModified(path, hash, session)
	if result.Err != nil {
		writeJSON(w, cerrors.StatusCode(result.Err), checkResponse{Error: result.Err.Kind.String()})
		return
	}

	writeJSON(w, http.StatusOK, checkResponse{
		HasConflict: result.HasConflict,
		CurrentHash: result.CurrentHash,
	})
}

type conflictRecordBody struct {
	ConflictID       string       `json:"conflictId"`
	FilePath         string       `json:"filePath"`
	AbsolutePath     string       `json:"absolutePath"`
	ConflictType     string       `json:"conflictType"`
	InvolvedSessions []string     `json:"involvedSessions"`
	MergeResult      mergeSummary `json:"mergeResult"`
	Timestamp        time.Time    `json:"timestamp"`
	Status           string       `json:"status"`
}

type mergeSummary struct {
	CanAutoMerge bool `json:"canAutoMerge"`
}

func (s *Server) handleListConflicts(w http.ResponseWriter, _ *http.Request) {
	records := s.registry.ListActive()

	body := make([]conflictRecordBody, 0, len(records))
	for _, rec := range records {
		body = append(body, conflictRecordBody{
			ConflictID:       rec.ConflictID,
			FilePath:         rec.FilePath,
			AbsolutePath:     rec.AbsolutePath,
			ConflictType:     rec.Type.String(),
			InvolvedSessions: rec.InvolvedSessions,
			MergeResult:      mergeSummary{CanAutoMerge: rec.Merge.CanAutoMerge},
			Timestamp:        rec.Timestamp,
			Status:           rec.Status.String(),
		})
	}

	writeJSON(w, http.StatusOK, body)
}

type resolveRequest struct {
	Content   string `json:"content"`
	SessionID string `json:"sessionId"`
}

type resolveResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	conflictID := r.PathValue("id")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, resolveResponse{Error: "bad_request"})
		return
	}

	err := s.registry.Resolve(r.Context(), conflictID, []byte(req.Content), req.SessionID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resolveResponse{Success: true})
	case errors.Is(err, conflict.ErrConflictNotFound):
		writeJSON(w, http.StatusNotFound, resolveResponse{Error: "not_found"})
	default:
		writeJSON(w, cerrors.StatusCode(err), resolveResponse{Error: err.Error()})
	}
}

func infoBody(info *conflict.Info) *conflictInfoBody {
	if info == nil {
		return nil
	}
	return &conflictInfoBody{
		Path:           info.Path,
		ExpectedHash:   info.ExpectedHash,
		CurrentHash:    info.CurrentHash,
		LastModifiedBy: info.LastModifiedBy,
		DetectedAt:     info.DetectedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
