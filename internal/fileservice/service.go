// Package fileservice is the facade the HTTP API, the MCP server and the CLI
// share over the guardian and the registry.
package fileservice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/starford/custodian/internal/apperr"
	"github.com/starford/custodian/internal/backup"
	"github.com/starford/custodian/internal/guardian"
	"github.com/starford/custodian/internal/models"
	"github.com/starford/custodian/internal/monitor"
)

// FileDetail is a record together with its current content.
type FileDetail struct {
	*models.FileRecord
	Content string `json:"content,omitempty"`
}

// FileListItem is a lightweight item in a list response.
type FileListItem struct {
	Path         string             `json:"path"`
	State        models.RecordState `json:"state"`
	Digest       string             `json:"digest"`
	Purpose      string             `json:"purpose"`
	Dependencies int                `json:"dependencies"`
	Dependents   []string           `json:"dependents"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Service coordinates guarded mutations and registry queries.
type Service struct {
	g *guardian.Guardian
}

// NewService creates a new file service.
func NewService(g *guardian.Guardian) *Service {
	return &Service{g: g}
}

// Guardian returns the underlying guardian.
func (s *Service) Guardian() *guardian.Guardian { return s.g }

// GetFile returns the record at path. Content is read from disk when
// withContent is set and the file is present.
func (s *Service) GetFile(_ context.Context, path string, withContent bool) (*FileDetail, error) {
	mon := s.g.Monitor()
	key, err := mon.Files().Normalize(path)
	if err != nil {
		return nil, err
	}
	rec, ok := mon.Store().Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrNotFound, key)
	}
	d := &FileDetail{FileRecord: rec}
	if withContent && rec.State == models.StateActive {
		data, err := mon.Files().Read(key)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		d.Content = string(data)
	}
	return d, nil
}

// ListFiles returns records sorted by path, optionally filtered by state.
// limit <= 0 returns everything after offset.
func (s *Service) ListFiles(_ context.Context, state string, limit, offset int) ([]FileListItem, int) {
	var items []FileListItem
	for _, r := range s.g.Monitor().Store().List() {
		if state != "" && string(r.State) != state {
			continue
		}
		deps := r.Dependents
		if deps == nil {
			deps = []string{}
		}
		items = append(items, FileListItem{
			Path:         r.Path,
			State:        r.State,
			Digest:       r.Digest,
			Purpose:      r.Purpose,
			Dependencies: len(r.Dependencies),
			Dependents:   deps,
			UpdatedAt:    r.UpdatedAt,
		})
	}
	total := len(items)
	if offset > 0 {
		if offset >= len(items) {
			return []FileListItem{}, total
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	if items == nil {
		items = []FileListItem{}
	}
	return items, total
}

// Register adopts an existing file. deps are target paths with the
// default edge kind.
func (s *Service) Register(ctx context.Context, path, purpose string, deps []string, overwrite bool) (*models.FileRecord, error) {
	refs := make([]models.CrossReference, 0, len(deps))
	for _, d := range deps {
		refs = append(refs, models.CrossReference{Target: d, Kind: models.DefaultEdgeKind, Weight: 1})
	}
	return s.g.Monitor().Register(ctx, path, purpose, refs, overwrite)
}

// CheckConflict evaluates content proposed for path.
func (s *Service) CheckConflict(_ context.Context, path string, content []byte, purpose string) (monitor.Decision, error) {
	return s.g.Monitor().CheckConflict(path, monitor.ProposalFor(content, purpose))
}

// CreateFile writes a new tracked file.
func (s *Service) CreateFile(ctx context.Context, path string, content []byte, purpose string, overwrite bool) (*FileDetail, error) {
	rec, err := s.g.SafeCreate(ctx, path, content, purpose, overwrite)
	if err != nil {
		return nil, err
	}
	return &FileDetail{FileRecord: rec, Content: string(content)}, nil
}

// UpdateFile replaces the content of a tracked file. A non-empty ifMatch
// must equal the registered digest.
func (s *Service) UpdateFile(ctx context.Context, path string, content []byte, reason, ifMatch string) (*FileDetail, error) {
	var opts []guardian.EditOption
	if ifMatch != "" {
		opts = append(opts, guardian.WithExpectedDigest(ifMatch))
	}
	rec, err := s.g.SafeEdit(ctx, path, content, reason, opts...)
	if err != nil {
		return nil, err
	}
	return &FileDetail{FileRecord: rec, Content: string(content)}, nil
}

// DeleteFile removes a tracked file, leaving a tombstone.
func (s *Service) DeleteFile(ctx context.Context, path string, force bool) (*models.FileRecord, error) {
	return s.g.SafeDelete(ctx, path, force)
}

// RestoreFile rewrites path from one of its backups.
func (s *Service) RestoreFile(ctx context.Context, path, backupID string) (*models.FileRecord, error) {
	return s.g.Restore(ctx, path, backupID)
}

// History returns the version history of path, tombstoned lives first.
func (s *Service) History(_ context.Context, path string) ([]models.VersionEntry, error) {
	return s.g.Monitor().History(path)
}

// Dependents returns the sorted paths referencing path.
func (s *Service) Dependents(_ context.Context, path string) ([]string, error) {
	mon := s.g.Monitor()
	key, err := mon.Files().Normalize(path)
	if err != nil {
		return nil, err
	}
	rec, ok := mon.Store().Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrNotFound, key)
	}
	if rec.Dependents == nil {
		return []string{}, nil
	}
	return rec.Dependents, nil
}

// Backups lists the backups recorded for path, newest first, including
// those of earlier tombstoned lives.
func (s *Service) Backups(_ context.Context, path string) ([]models.BackupEntry, error) {
	mon := s.g.Monitor()
	key, err := mon.Files().Normalize(path)
	if err != nil {
		return nil, err
	}
	var out []models.BackupEntry
	rec, ok := mon.Store().Get(key)
	if ok {
		out = append(out, rec.Backups...)
	}
	tombs := mon.Store().Tombstones(key)
	for _, t := range tombs {
		out = append(out, t.Backups...)
	}
	if !ok && len(tombs) == 0 {
		return nil, fmt.Errorf("%w: %s", apperr.ErrNotFound, key)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TakenAt.After(out[j].TakenAt) })
	if out == nil {
		out = []models.BackupEntry{}
	}
	return out, nil
}

// CheckStandards runs the enabled standards rules.
func (s *Service) CheckStandards(ctx context.Context, autofix bool) (*guardian.Report, error) {
	return s.g.CheckStandards(ctx, autofix)
}

// Scan reconciles the registry with the files on disk.
func (s *Service) Scan(ctx context.Context) (*guardian.ScanReport, error) {
	return s.g.Scan(ctx)
}

// PruneBackups applies policy to every tracked file's backups.
func (s *Service) PruneBackups(ctx context.Context, policy backup.RetentionPolicy) ([]models.BackupEntry, error) {
	return s.g.PruneBackups(ctx, policy)
}
