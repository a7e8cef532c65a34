package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"collabtext/server/internal/collab"
	"collabtext/server/internal/oplog"
)

// ProjectOperationsResponse is returned by the project and file listings.
type ProjectOperationsResponse struct {
	ProjectID      string            `json:"projectId"`
	File           string            `json:"file,omitempty"`
	Operations     []oplog.Operation `json:"operations"`
	Count          int               `json:"count"`
	CurrentVersion int64             `json:"currentVersion"`
	Limit          int               `json:"limit"`
}

type CreateOperationResponse struct {
	Message   string          `json:"message"`
	Operation oplog.Operation `json:"operation"`
}

type SaveSnapshotRequest struct {
	Content string `json:"content"`
}

// listOperations handles GET /api/v1/operations.
func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	ops, err := s.hub.Log().All(r.Context(), limit)
	if err != nil {
		writeLogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operations": nonNil(ops),
		"count":      len(ops),
		"limit":      limit,
	})
}

// createOperation handles POST /api/v1/operations. The operation is
// broadcast to connected project members like any client submission.
func (s *Server) createOperation(w http.ResponseWriter, r *http.Request) {
	var in oplog.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	op, err := s.hub.Submit(r.Context(), "", in)
	if err != nil {
		writeLogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateOperationResponse{Message: "Operation created", Operation: op})
}

// clearOperations handles DELETE /api/v1/operations.
func (s *Server) clearOperations(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Log().ClearAll(r.Context()); err != nil {
		writeLogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "All operations cleared"})
}

func (s *Server) listProject(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectId"]
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	ops, err := s.hub.Log().ListByProject(r.Context(), projectID, limit)
	if err != nil {
		writeLogError(w, r, err)
		return
	}
	version, err := s.hub.Log().CurrentVersion(r.Context(), projectID)
	if err != nil {
		writeLogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProjectOperationsResponse{
		ProjectID:      projectID,
		Operations:     nonNil(ops),
		Count:          len(ops),
		CurrentVersion: version,
		Limit:          limit,
	})
}

func (s *Server) listFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	ops, err := s.hub.Log().ListByFile(r.Context(), vars["projectId"], vars["file"], limit)
	if err != nil {
		writeLogError(w, r, err)
		return
	}
	version, err := s.hub.Log().CurrentVersion(r.Context(), vars["projectId"])
	if err != nil {
		writeLogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProjectOperationsResponse{
		ProjectID:      vars["projectId"],
		File:           vars["file"],
		Operations:     nonNil(ops),
		Count:          len(ops),
		CurrentVersion: version,
		Limit:          limit,
	})
}

// syncProject handles GET .../sync?since=N&limit=M, the polling form of
// sync-request.
func (s *Server) syncProject(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectId"]
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, "since must be an integer")
			return
		}
		since = v
	}
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	res, err := s.hub.Syncer().Since(r.Context(), projectID, since, limit)
	if err != nil {
		writeLogError(w, r, err)
		return
	}
	res.Operations = nonNil(res.Operations)
	writeJSON(w, http.StatusOK, collab.SyncResponse{ProjectID: projectID, SyncResult: res})
}

func (s *Server) clearProject(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectId"]
	if err := s.hub.Log().Clear(r.Context(), projectID); err != nil {
		writeLogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "Project operations cleared",
		"projectId": projectID,
	})
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	snap, err := s.hub.Log().Snapshot(r.Context(), vars["projectId"], vars["file"])
	if err != nil {
		writeLogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) saveSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req SaveSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	snap, err := s.hub.Log().SaveSnapshot(r.Context(), vars["projectId"], vars["file"], req.Content)
	if err != nil {
		writeLogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// limit reads the optional limit query parameter.
func (s *Server) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return s.hub.Syncer().DefaultLimit(), true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

func nonNil(ops []oplog.Operation) []oplog.Operation {
	if ops == nil {
		return []oplog.Operation{}
	}
	return ops
}
