// Package models defines the domain types for custodian.
package models

import "time"

// RecordState is the lifecycle state of a FileRecord.
type RecordState string

const (
	StateActive RecordState = "active"
	// StateMissing marks a record whose file was deleted outside the Guardian.
	StateMissing RecordState = "missing"
	// StateTombstoned marks a record deleted through the Guardian.
	StateTombstoned RecordState = "tombstoned"
)

// VersionKind classifies a history entry.
type VersionKind string

const (
	VersionCreated   VersionKind = "created"
	VersionEdited    VersionKind = "edited"
	VersionMoved     VersionKind = "moved"
	VersionRewritten VersionKind = "rewritten"
	VersionExternal  VersionKind = "external"
	VersionMissing   VersionKind = "missing"
	VersionDeleted   VersionKind = "deleted"
	VersionRestored  VersionKind = "restored"
	VersionResynced  VersionKind = "resynced"
)

// DefaultEdgeKind is used for annotations and dependencies without a kind.
const DefaultEdgeKind = "depends-on"

// FileRecord is the registry entry describing one tracked file.
type FileRecord struct {
	Path         string           `json:"path"`
	State        RecordState      `json:"state"`
	Digest       string           `json:"digest"`
	Fingerprint  uint64           `json:"fingerprint"`
	Purpose      string           `json:"purpose"`
	Rev          uint64           `json:"rev"`
	History      []VersionEntry   `json:"history"`
	Dependencies []CrossReference `json:"dependencies"`
	// Dependents is derived from other records at query time and never persisted.
	Dependents []string      `json:"dependents,omitempty"`
	Backups    []BackupEntry `json:"backups,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Tracked reports whether the record occupies its path.
func (r *FileRecord) Tracked() bool {
	return r != nil && r.State != StateTombstoned
}

// DependsOn reports whether the record has an edge to target.
func (r *FileRecord) DependsOn(target string) bool {
	for _, d := range r.Dependencies {
		if d.Target == target {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of r.
func (r *FileRecord) Clone() *FileRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.History = append([]VersionEntry(nil), r.History...)
	c.Dependencies = append([]CrossReference(nil), r.Dependencies...)
	c.Dependents = append([]string(nil), r.Dependents...)
	c.Backups = append([]BackupEntry(nil), r.Backups...)
	return &c
}

// VersionEntry is one element of a record's history.
type VersionEntry struct {
	Digest  string      `json:"digest"`
	At      time.Time   `json:"at"`
	Reason  string      `json:"reason"`
	Kind    VersionKind `json:"kind"`
	Added   int         `json:"added,omitempty"`
	Removed int         `json:"removed,omitempty"`
}

// CrossReference is a directional edge from the owning record to Target.
// Weight is advisory metadata in [0,1].
type CrossReference struct {
	Target string  `json:"target"`
	Kind   string  `json:"kind"`
	Weight float64 `json:"weight"`
}

// BackupEntry is an immutable snapshot of a file's bytes.
type BackupEntry struct {
	ID       string    `json:"id"`
	Path     string    `json:"path"`
	Digest   string    `json:"digest"`
	Location string    `json:"location"`
	Size     int64     `json:"size"`
	TakenAt  time.Time `json:"taken_at"`
}
