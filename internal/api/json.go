package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/custodian/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error      string   `json:"error" validate:"required"`
	Kind       string   `json:"kind,omitempty"`
	Stage      string   `json:"stage,omitempty"`
	Dependents []string `json:"dependents,omitempty"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// writeError maps the error taxonomy onto HTTP statuses. Guarded mutation
// failures carry their kind, the stage they aborted at and, for blocked
// deletes, the dependents.
func writeError(w http.ResponseWriter, op, path string, err error) {
	var status int
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrHasDependents):
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
	}

	body := errorBody(err.Error())
	var ge *apperr.GuardianError
	if errors.As(err, &ge) {
		body.Kind = string(ge.Kind)
		body.Stage = ge.Stage
		body.Dependents = ge.Dependents
	}
	if status == http.StatusInternalServerError {
		slog.Error(op+" failed", slog.String("path", path), slog.String("error", err.Error()))
	}
	writeJSON(w, status, body)
}
