package backup

import (
	"sort"
	"time"

	"github.com/starford/custodian/internal/models"
)

// RetentionPolicy selects which of one file's snapshots to prune. entries
// are ordered oldest first.
type RetentionPolicy func(entries []models.BackupEntry, now time.Time) (prune []models.BackupEntry)

// KeepAll never prunes.
func KeepAll() RetentionPolicy {
	return func([]models.BackupEntry, time.Time) []models.BackupEntry { return nil }
}

// KeepLast keeps the newest n snapshots. n <= 0 keeps everything.
func KeepLast(n int) RetentionPolicy {
	return func(entries []models.BackupEntry, _ time.Time) []models.BackupEntry {
		if n <= 0 || len(entries) <= n {
			return nil
		}
		return append([]models.BackupEntry(nil), entries[:len(entries)-n]...)
	}
}

// MaxAge prunes snapshots older than d. d <= 0 keeps everything.
func MaxAge(d time.Duration) RetentionPolicy {
	return func(entries []models.BackupEntry, now time.Time) []models.BackupEntry {
		if d <= 0 {
			return nil
		}
		var out []models.BackupEntry
		for _, e := range entries {
			if now.Sub(e.TakenAt) > d {
				out = append(out, e)
			}
		}
		return out
	}
}

// Combine prunes every snapshot selected by any of the policies.
func Combine(policies ...RetentionPolicy) RetentionPolicy {
	return func(entries []models.BackupEntry, now time.Time) []models.BackupEntry {
		seen := make(map[string]struct{})
		var out []models.BackupEntry
		for _, p := range policies {
			for _, e := range p(entries, now) {
				if _, dup := seen[e.Location]; dup {
					continue
				}
				seen[e.Location] = struct{}{}
				out = append(out, e)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].TakenAt.Before(out[j].TakenAt) })
		return out
	}
}
