package audit

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists the append-only change audit log and the most recent
// completed analysis result. It is durable across process restarts and
// independent of any job's lifetime.
type Store struct {
	*sql.DB
}

// ChangeRecord is one apply (or revert) attempt. Records are append-only: a
// revert appends a new record referencing the original via RevertOf, and
// backfills RevertedAt on the original as a status marker.
type ChangeRecord struct {
	ID            int64      `json:"id"`
	ChangeID      string     `json:"change_id"`
	FindingID     string     `json:"finding_id,omitempty"`
	DeviceMac     string     `json:"device_mac"`
	Setting       string     `json:"setting"`
	PreviousValue string     `json:"previous_value"`
	NewValue      string     `json:"new_value"`
	AppliedAt     time.Time  `json:"applied_at"`
	AppliedBy     string     `json:"applied_by"`
	Success       bool       `json:"success"`
	DryRun        bool       `json:"dry_run"`
	Revertible    bool       `json:"revertible"`
	RevertOf      string     `json:"revert_of,omitempty"`
	RevertedAt    *time.Time `json:"reverted_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

func Initialize(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	return &Store{db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS change_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		change_id TEXT NOT NULL,
		finding_id TEXT,
		device_mac TEXT NOT NULL,
		setting TEXT NOT NULL,
		previous_value TEXT,
		new_value TEXT,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		applied_by TEXT,
		success BOOLEAN DEFAULT FALSE,
		dry_run BOOLEAN DEFAULT FALSE,
		revertible BOOLEAN DEFAULT FALSE,
		revert_of TEXT,
		reverted_at DATETIME,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_change_records_change_id ON change_records(change_id);
	CREATE INDEX IF NOT EXISTS idx_change_records_device_mac ON change_records(device_mac);
	CREATE INDEX IF NOT EXISTS idx_change_records_applied_at ON change_records(applied_at);

	CREATE TABLE IF NOT EXISTS result_cache (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		created_at DATETIME,
		payload TEXT NOT NULL
	);
	`

	_, err := db.Exec(schema)
	return err
}

// Append writes one change record. Callers treat a failure here as an apply
// failure even when the remote write succeeded: an unaudited side effect is
// worse than no effect.
func (s *Store) Append(rec *ChangeRecord) error {
	query := `
		INSERT INTO change_records
			(change_id, finding_id, device_mac, setting, previous_value, new_value,
			 applied_at, applied_by, success, dry_run, revertible, revert_of, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.Exec(query, rec.ChangeID, rec.FindingID, rec.DeviceMac, rec.Setting,
		rec.PreviousValue, rec.NewValue, rec.AppliedAt, rec.AppliedBy,
		rec.Success, rec.DryRun, rec.Revertible, rec.RevertOf, rec.Error)
	return err
}

const recordColumns = `
	id, change_id, COALESCE(finding_id, ''), device_mac, setting,
	COALESCE(previous_value, ''), COALESCE(new_value, ''), applied_at,
	COALESCE(applied_by, ''), success, dry_run, revertible,
	COALESCE(revert_of, ''), reverted_at, COALESCE(error, '')
`

func scanRecord(row interface{ Scan(...interface{}) error }) (ChangeRecord, error) {
	var rec ChangeRecord
	var revertedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.ChangeID, &rec.FindingID, &rec.DeviceMac, &rec.Setting,
		&rec.PreviousValue, &rec.NewValue, &rec.AppliedAt, &rec.AppliedBy,
		&rec.Success, &rec.DryRun, &rec.Revertible, &rec.RevertOf, &revertedAt, &rec.Error)
	if err != nil {
		return rec, err
	}
	if revertedAt.Valid {
		rec.RevertedAt = &revertedAt.Time
	}
	return rec, nil
}

// Get returns the record for a change ID. Reverts share the change ID of
// their original; the original (oldest) record wins.
func (s *Store) Get(changeID string) (ChangeRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM change_records WHERE change_id = ? AND revert_of = '' ORDER BY id ASC LIMIT 1`
	return scanRecord(s.QueryRow(query, changeID))
}

// MarkReverted backfills the reverted_at marker on the original record.
func (s *Store) MarkReverted(changeID string, at time.Time) error {
	query := `UPDATE change_records SET reverted_at = ? WHERE change_id = ? AND revert_of = ''`
	_, err := s.Exec(query, at, changeID)
	return err
}

// History returns records newest first.
func (s *Store) History(limit, offset int) ([]ChangeRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM change_records ORDER BY applied_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.Query(query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ChangeRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// HistoryByDevice returns records for one device, newest first.
func (s *Store) HistoryByDevice(mac string, limit int) ([]ChangeRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM change_records WHERE device_mac = ? ORDER BY applied_at DESC, id DESC LIMIT ?`
	rows, err := s.Query(query, mac, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ChangeRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveResult caches the most recent completed analysis result for replay
// without re-contacting the controller.
func (s *Store) SaveResult(createdAt time.Time, payload []byte) error {
	query := `
		INSERT INTO result_cache (id, created_at, payload) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET created_at = excluded.created_at, payload = excluded.payload
	`
	_, err := s.Exec(query, createdAt, string(payload))
	return err
}

// LoadResult returns the cached result, if any.
func (s *Store) LoadResult() ([]byte, time.Time, error) {
	var payload string
	var createdAt time.Time
	err := s.QueryRow(`SELECT payload, created_at FROM result_cache WHERE id = 1`).Scan(&payload, &createdAt)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return []byte(payload), createdAt, nil
}

// DeleteOldRecords trims change records older than the retention window.
// Reverted originals stay as long as their revert record does.
func (s *Store) DeleteOldRecords(daysToKeep int) (int64, error) {
	query := `DELETE FROM change_records WHERE applied_at < datetime('now', '-' || ? || ' days')`
	result, err := s.Exec(query, daysToKeep)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
