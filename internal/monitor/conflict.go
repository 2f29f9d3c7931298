package monitor

import (
	"github.com/starford/custodian/internal/checksum"
	"github.com/starford/custodian/internal/models"
	"github.com/starford/custodian/internal/notify"
)

// Status is the outcome of a conflict check.
type Status string

const (
	StatusOK         Status = "ok"
	DivergentContent Status = "divergent-content"
	SimilarFileFound Status = "similar-file-found"
)

// Proposal describes content about to be written.
type Proposal struct {
	Digest      string
	Fingerprint uint64
	Purpose     string
}

// ProposalFor builds the Proposal for content.
func ProposalFor(content []byte, purpose string) Proposal {
	return Proposal{
		Digest:      checksum.Sum(content),
		Fingerprint: checksum.Fingerprint(content),
		Purpose:     purpose,
	}
}

// Decision is advisory; callers decide whether to proceed.
type Decision struct {
	Status Status `json:"status"`
	// Existing is the digest currently registered at the path, if any.
	Existing string `json:"existing,omitempty"`
	// Similar lists near-duplicate paths, sorted.
	Similar []string `json:"similar,omitempty"`
}

// CheckConflict compares a proposal for path against the registry.
//
// A registered record at path with another digest is DivergentContent.
// Otherwise any other active record with the same purpose whose content is
// identical, or whose fingerprint similarity meets the threshold, makes the
// decision SimilarFileFound. An empty proposal purpose matches every record.
func (m *Monitor) CheckConflict(path string, p Proposal) (Decision, error) {
	key, err := m.files.Normalize(path)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Status: StatusOK}
	if rec, ok := m.store.Get(key); ok {
		d.Existing = rec.Digest
		if rec.Digest != p.Digest {
			d.Status = DivergentContent
			m.publishDecision(key, d)
			return d, nil
		}
	}

	var similar []string
	for _, rec := range m.store.List() {
		if rec.Path == key || rec.State != models.StateActive {
			continue
		}
		if p.Purpose != "" && rec.Purpose != p.Purpose {
			continue
		}
		if similarity(rec, p) >= m.opts.SimilarityThreshold {
			similar = append(similar, rec.Path)
		}
	}
	if len(similar) > 0 {
		d.Status = SimilarFileFound
		d.Similar = sortedUnique(similar)
	}
	m.publishDecision(key, d)
	return d, nil
}

func similarity(rec *models.FileRecord, p Proposal) float64 {
	if rec.Digest == p.Digest {
		return 1
	}
	// Fingerprint 0 means empty content; only identical digests match.
	if rec.Fingerprint == 0 || p.Fingerprint == 0 {
		return 0
	}
	return checksum.Similarity(rec.Fingerprint, p.Fingerprint)
}

func (m *Monitor) publishDecision(key string, d Decision) {
	if d.Status == StatusOK || !m.opts.NotifyConflicts {
		return
	}
	m.opts.Events.Publish(notify.Event{
		Kind:    notify.ConflictDetected,
		Path:    key,
		Message: string(d.Status),
		Data:    map[string]any{"similar": d.Similar, "existing": d.Existing},
	})
}
