package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/custodian/internal/fileservice"
)

const maxBody = 10 << 20

// Handler holds API route handlers.
type Handler struct {
	svc *fileservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *fileservice.Service) *Handler {
	return &Handler{svc: svc}
}

// filePath extracts the file key from the URL wildcard.
// Supports encoded slashes from OpenAPI clients (e.g. docs%2Fa.txt).
func filePath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		decoded = raw
	}
	return "/" + strings.TrimPrefix(decoded, "/")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	return true
}

// ListFiles handles GET /api/files.
//
//	@Summary		List tracked files with optional pagination and state filter
//	@Tags			files
//	@Produce		json
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Param			state	query		string	false	"Record state"	Enums(active, missing)
//	@Success		200		{object}	FileListResponse
//	@Security		BearerAuth
//	@Router			/files [get]
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	items, total := h.svc.ListFiles(r.Context(), q.Get("state"), limit, offset)
	writeJSON(w, http.StatusOK, FileListResponse{Files: items, Total: total})
}

// GetFile handles GET /api/files/*.
//
//	@Summary		Get a tracked file and its content
//	@Tags			files
//	@Produce		json
//	@Param			path	path		string	true	"File path"
//	@Success		200		{object}	FileDetail
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/files/{path} [get]
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	path := filePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	d, err := h.svc.GetFile(r.Context(), path, r.URL.Query().Get("content") != "false")
	if err != nil {
		writeError(w, "get file", path, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// CreateFile handles POST /api/files.
//
//	@Summary		Create a tracked file through the guardian
//	@Tags			files
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateFileRequest	true	"File to create"
//	@Success		201		{object}	FileDetail
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/files [post]
func (h *Handler) CreateFile(w http.ResponseWriter, r *http.Request) {
	var req CreateFileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	d, err := h.svc.CreateFile(r.Context(), req.Path, []byte(req.Content), req.Purpose, req.Overwrite)
	if err != nil {
		writeError(w, "create file", req.Path, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// UpdateFile handles PUT /api/files/*.
//
//	@Summary		Edit a tracked file with optimistic concurrency
//	@Tags			files
//	@Accept			json
//	@Produce		json
//	@Param			path		path	string				true	"File path"
//	@Param			If-Match	header	string				false	"Registered SHA-256 digest"
//	@Param			body		body	UpdateFileRequest	true	"New content"
//	@Success		200		{object}	FileDetail
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/files/{path} [put]
func (h *Handler) UpdateFile(w http.ResponseWriter, r *http.Request) {
	path := filePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	var req UpdateFileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "edited via api"
	}
	// Strip surrounding quotes if present (standard ETag format).
	ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`)

	d, err := h.svc.UpdateFile(r.Context(), path, []byte(req.Content), reason, ifMatch)
	if err != nil {
		writeError(w, "update file", path, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DeleteFile handles DELETE /api/files/*.
//
//	@Summary		Delete a tracked file
//	@Tags			files
//	@Param			path	path	string	true	"File path"
//	@Param			force	query	bool	false	"Delete even when referenced"
//	@Success		204		"File deleted"
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/files/{path} [delete]
func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	path := filePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if _, err := h.svc.DeleteFile(r.Context(), path, force); err != nil {
		writeError(w, "delete file", path, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// History handles GET /api/history/*.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	path := filePath(r)
	hist, err := h.svc.History(r.Context(), path)
	if err != nil {
		writeError(w, "history", path, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Path: path, History: hist})
}

// Dependents handles GET /api/dependents/*.
func (h *Handler) Dependents(w http.ResponseWriter, r *http.Request) {
	path := filePath(r)
	deps, err := h.svc.Dependents(r.Context(), path)
	if err != nil {
		writeError(w, "dependents", path, err)
		return
	}
	writeJSON(w, http.StatusOK, DependentsResponse{Path: path, Dependents: deps})
}

// Backups handles GET /api/backups/*.
func (h *Handler) Backups(w http.ResponseWriter, r *http.Request) {
	path := filePath(r)
	list, err := h.svc.Backups(r.Context(), path)
	if err != nil {
		writeError(w, "backups", path, err)
		return
	}
	writeJSON(w, http.StatusOK, BackupsResponse{Path: path, Backups: list})
}

// Restore handles POST /api/restore/*.
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	path := filePath(r)
	var req RestoreRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.BackupID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("backup_id is required"))
		return
	}
	rec, err := h.svc.RestoreFile(r.Context(), path, req.BackupID)
	if err != nil {
		writeError(w, "restore", path, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Register handles POST /api/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	rec, err := h.svc.Register(r.Context(), req.Path, req.Purpose, req.Dependencies, req.Overwrite)
	if err != nil {
		writeError(w, "register", req.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CheckConflict handles POST /api/conflicts. The decision is advisory and
// always returned with 200.
func (h *Handler) CheckConflict(w http.ResponseWriter, r *http.Request) {
	var req ConflictRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	d, err := h.svc.CheckConflict(r.Context(), req.Path, []byte(req.Content), req.Purpose)
	if err != nil {
		writeError(w, "check conflict", req.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// CheckStandards handles GET /api/standards.
func (h *Handler) CheckStandards(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.CheckStandards(r.Context(), false)
	if err != nil {
		writeError(w, "check standards", "", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// FixStandards handles POST /api/standards/fix.
func (h *Handler) FixStandards(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.CheckStandards(r.Context(), true)
	if err != nil {
		writeError(w, "fix standards", "", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Scan handles POST /api/scan.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.Scan(r.Context())
	if err != nil {
		writeError(w, "scan", "", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
