package api

import (
	"github.com/starford/custodian/internal/fileservice"
	"github.com/starford/custodian/internal/models"
)

// CreateFileRequest is the request body for creating a file.
type CreateFileRequest struct {
	Path      string `json:"path" example:"/docs/intro.txt" validate:"required"`
	Content   string `json:"content" example:"see @ref(/docs/setup.txt)" validate:"required"`
	Purpose   string `json:"purpose" example:"onboarding"`
	Overwrite bool   `json:"overwrite"`
}

// UpdateFileRequest is the request body for editing a file.
type UpdateFileRequest struct {
	Content string `json:"content" validate:"required"`
	Reason  string `json:"reason" example:"fix typo"`
}

// RegisterRequest is the request body for adopting an existing file.
type RegisterRequest struct {
	Path         string   `json:"path" validate:"required"`
	Purpose      string   `json:"purpose"`
	Dependencies []string `json:"dependencies"`
	Overwrite    bool     `json:"overwrite"`
}

// ConflictRequest describes content proposed for a path.
type ConflictRequest struct {
	Path    string `json:"path" validate:"required"`
	Content string `json:"content"`
	Purpose string `json:"purpose"`
}

// RestoreRequest names the backup to restore.
type RestoreRequest struct {
	BackupID string `json:"backup_id" validate:"required"`
}

// FileDetail is the full file response type (aliased from the domain layer).
type FileDetail = fileservice.FileDetail

// FileListItem is a lightweight item in a list response (aliased from the domain layer).
type FileListItem = fileservice.FileListItem

// FileListResponse wraps paginated file listings.
type FileListResponse struct {
	Files []FileListItem `json:"files" validate:"required"`
	Total int            `json:"total" example:"42" validate:"required"`
}

// HistoryResponse wraps a version history.
type HistoryResponse struct {
	Path    string                `json:"path"`
	History []models.VersionEntry `json:"history"`
}

// DependentsResponse lists the files referencing a path.
type DependentsResponse struct {
	Path       string   `json:"path"`
	Dependents []string `json:"dependents"`
}

// BackupsResponse lists the backups of a path, newest first.
type BackupsResponse struct {
	Path    string               `json:"path"`
	Backups []models.BackupEntry `json:"backups"`
}
