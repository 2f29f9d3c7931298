package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/custodian/internal/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS records (
	path        TEXT PRIMARY KEY,
	state       TEXT NOT NULL DEFAULT 'active',
	digest      TEXT NOT NULL DEFAULT '',
	fingerprint INTEGER NOT NULL DEFAULT 0,
	purpose     TEXT NOT NULL DEFAULT '',
	rev         INTEGER NOT NULL DEFAULT 0,
	history     TEXT NOT NULL DEFAULT '[]',
	backups     TEXT NOT NULL DEFAULT '[]',
	created_at  TEXT NOT NULL DEFAULT '',
	updated_at  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS xrefs (
	source TEXT NOT NULL,
	target TEXT NOT NULL,
	kind   TEXT NOT NULL DEFAULT 'depends-on',
	weight REAL NOT NULL DEFAULT 1,
	seq    INTEGER NOT NULL DEFAULT 0,
	UNIQUE(source, target, kind)
);

CREATE INDEX IF NOT EXISTS idx_xrefs_source ON xrefs(source);
CREATE INDEX IF NOT EXISTS idx_xrefs_target ON xrefs(target);

CREATE TABLE IF NOT EXISTS tombstones (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	path      TEXT NOT NULL,
	buried_at TEXT NOT NULL,
	record    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tombstones_path ON tombstones(path);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO meta (key, value) VALUES ('generation', 0);
`

// SQLite persists the registry in a SQLite database.
type SQLite struct {
	conn *sql.DB
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// OpenSQLite opens (or creates) the database at dsn and applies the schema.
// Transactions begin IMMEDIATE so a writer holds the database write lock from
// its generation check to its commit.
func OpenSQLite(dsn string) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("registry: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("registry: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("registry: apply schema: %w", err)
	}
	return &SQLite{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *SQLite) Close() error {
	return db.conn.Close()
}

// Generation returns the number of applied changes.
func (db *SQLite) Generation() (uint64, error) {
	return readGeneration(db.conn)
}

func readGeneration(q queryer) (uint64, error) {
	var gen int64
	if err := q.QueryRow(`SELECT value FROM meta WHERE key = 'generation'`).Scan(&gen); err != nil {
		return 0, fmt.Errorf("registry: read generation: %w", err)
	}
	return uint64(gen), nil
}

// Load reads every record, edge and tombstone from one consistent snapshot.
func (db *SQLite) Load() (*Snapshot, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("registry: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // read-only

	gen, err := readGeneration(tx)
	if err != nil {
		return nil, err
	}
	edges, err := loadEdges(tx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(`
		SELECT path, state, digest, fingerprint, purpose, rev, history, backups, created_at, updated_at
		FROM records
		ORDER BY path
	`)
	if err != nil {
		return nil, fmt.Errorf("registry: load records: %w", err)
	}
	defer rows.Close()

	snap := &Snapshot{Generation: gen}
	for rows.Next() {
		var (
			r                    models.FileRecord
			state                string
			fp                   int64
			history, backups     string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&r.Path, &state, &r.Digest, &fp, &r.Purpose, &r.Rev, &history, &backups, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		r.State = models.RecordState(state)
		r.Fingerprint = uint64(fp)
		if err := json.Unmarshal([]byte(history), &r.History); err != nil {
			return nil, fmt.Errorf("registry: decode history of %s: %w", r.Path, err)
		}
		if err := json.Unmarshal([]byte(backups), &r.Backups); err != nil {
			return nil, fmt.Errorf("registry: decode backups of %s: %w", r.Path, err)
		}
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		r.Dependencies = edges[r.Path]
		snap.Records = append(snap.Records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tombs, err := tx.Query(`SELECT record FROM tombstones ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("registry: load tombstones: %w", err)
	}
	defer tombs.Close()
	for tombs.Next() {
		var raw string
		if err := tombs.Scan(&raw); err != nil {
			return nil, err
		}
		var r models.FileRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("registry: decode tombstone: %w", err)
		}
		snap.Tombstones = append(snap.Tombstones, &r)
	}
	return snap, tombs.Err()
}

func loadEdges(q queryer) (map[string][]models.CrossReference, error) {
	rows, err := q.Query(`SELECT source, target, kind, weight FROM xrefs ORDER BY source, seq`)
	if err != nil {
		return nil, fmt.Errorf("registry: load xrefs: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]models.CrossReference)
	for rows.Next() {
		var src string
		var ref models.CrossReference
		if err := rows.Scan(&src, &ref.Target, &ref.Kind, &ref.Weight); err != nil {
			return nil, err
		}
		out[src] = append(out[src], ref)
	}
	return out, rows.Err()
}

// Apply stores c in a single transaction and bumps the generation.
func (db *SQLite) Apply(c Change, base uint64) (uint64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("registry: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	gen, err := readGeneration(tx)
	if err != nil {
		return 0, err
	}
	if gen != base {
		return gen, fmt.Errorf("%w: generation %d, expected %d", ErrStale, gen, base)
	}
	if err := applyChange(tx, c); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`UPDATE meta SET value = value + 1 WHERE key = 'generation'`); err != nil {
		return 0, fmt.Errorf("registry: bump generation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("registry: commit: %w", err)
	}
	return gen + 1, nil
}

func applyChange(tx *sql.Tx, c Change) error {
	for _, p := range c.Remove {
		if err := deleteRecord(tx, p); err != nil {
			return err
		}
	}
	for _, r := range c.Bury {
		if err := deleteRecord(tx, r.Path); err != nil {
			return err
		}
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("registry: encode tombstone: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO tombstones (path, buried_at, record) VALUES (?, ?, ?)`,
			r.Path, formatTime(time.Now()), string(raw)); err != nil {
			return fmt.Errorf("registry: insert tombstone: %w", err)
		}
	}
	for _, r := range c.Put {
		if err := upsertRecord(tx, r); err != nil {
			return err
		}
	}
	return nil
}

func deleteRecord(tx *sql.Tx, path string) error {
	if _, err := tx.Exec(`DELETE FROM xrefs WHERE source = ?`, path); err != nil {
		return fmt.Errorf("registry: delete xrefs: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM records WHERE path = ?`, path); err != nil {
		return fmt.Errorf("registry: delete record: %w", err)
	}
	return nil
}

func upsertRecord(tx *sql.Tx, r *models.FileRecord) error {
	history, err := json.Marshal(r.History)
	if err != nil {
		return fmt.Errorf("registry: encode history: %w", err)
	}
	backups, err := json.Marshal(nonNil(r.Backups))
	if err != nil {
		return fmt.Errorf("registry: encode backups: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO records (path, state, digest, fingerprint, purpose, rev, history, backups, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			state       = excluded.state,
			digest      = excluded.digest,
			fingerprint = excluded.fingerprint,
			purpose     = excluded.purpose,
			rev         = excluded.rev,
			history     = excluded.history,
			backups     = excluded.backups,
			created_at  = excluded.created_at,
			updated_at  = excluded.updated_at
	`, r.Path, string(r.State), r.Digest, int64(r.Fingerprint), r.Purpose, r.Rev,
		string(history), string(backups), formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("registry: upsert record: %w", err)
	}

	// Replace edges: delete old then bulk insert.
	if _, err := tx.Exec(`DELETE FROM xrefs WHERE source = ?`, r.Path); err != nil {
		return fmt.Errorf("registry: delete xrefs: %w", err)
	}
	if len(r.Dependencies) > 0 {
		stmt, err := tx.Prepare(`INSERT OR IGNORE INTO xrefs (source, target, kind, weight, seq) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("registry: prepare xref insert: %w", err)
		}
		defer stmt.Close()
		for i, d := range r.Dependencies {
			if _, err := stmt.Exec(r.Path, d.Target, d.Kind, d.Weight, i); err != nil {
				return fmt.Errorf("registry: insert xref: %w", err)
			}
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

var _ Persister = (*SQLite)(nil)
