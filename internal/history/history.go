// Package history journals finished transfers to SQLite for
// diagnostics and reporting. The queue itself is in-memory only; this
// is a write-behind log, not queue durability.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"upload-scheduler/pkg/models"
)

// Record is one journalled transfer outcome
type Record struct {
	ID            int64      `json:"id" db:"id"`
	ItemID        string     `json:"item_id" db:"item_id"`
	SessionID     string     `json:"session_id" db:"session_id"`
	Filename      string     `json:"filename" db:"filename"`
	FileSize      int64      `json:"file_size" db:"file_size"`
	UploadedBytes int64      `json:"uploaded_bytes" db:"uploaded_bytes"`
	Status        string     `json:"status" db:"status"`
	ErrorMessage  string     `json:"error_message" db:"error_message"`
	RetryCount    int        `json:"retry_count" db:"retry_count"`
	AverageSpeed  float64    `json:"average_speed" db:"average_speed"`
	StartedAt     *time.Time `json:"started_at" db:"started_at"`
	FinishedAt    time.Time  `json:"finished_at" db:"finished_at"`
}

// SessionSummary aggregates the journalled outcomes of one session
type SessionSummary struct {
	SessionID  string `json:"session_id"`
	Total      int    `json:"total"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Cancelled  int    `json:"cancelled"`
	TotalBytes int64  `json:"total_bytes"`
}

// DB wraps the SQLite journal connection
type DB struct {
	conn *sql.DB
}

// New creates a journal connection and initializes the schema
func New(dbPath string) (*DB, error) {
	// Connection parameters help with concurrent access
	connString := dbPath
	if dbPath != ":memory:" {
		connString = dbPath + "?_busy_timeout=30000&_journal_mode=WAL&_synchronous=NORMAL"
	}

	conn, err := sql.Open("sqlite", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't handle concurrent writes well
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the journal connection
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transfers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		file_size INTEGER DEFAULT 0,
		uploaded_bytes INTEGER DEFAULT 0,
		status TEXT NOT NULL,
		error_message TEXT,
		retry_count INTEGER DEFAULT 0,
		average_speed REAL DEFAULT 0.0,
		started_at DATETIME,
		finished_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_session_id ON transfers(session_id);
	CREATE INDEX IF NOT EXISTS idx_transfers_finished_at ON transfers(finished_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Insert appends one transfer record to the journal
func (db *DB) Insert(rec *Record) error {
	query := `
	INSERT INTO transfers (
		item_id, session_id, filename, file_size, uploaded_bytes,
		status, error_message, retry_count, average_speed,
		started_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := db.conn.Exec(query,
		rec.ItemID, rec.SessionID, rec.Filename, rec.FileSize,
		rec.UploadedBytes, rec.Status, rec.ErrorMessage, rec.RetryCount,
		rec.AverageSpeed, rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transfer record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	rec.ID = id
	return nil
}

// Recent returns the most recently finished transfers, newest first
func (db *DB) Recent(limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
	SELECT id, item_id, session_id, filename, file_size, uploaded_bytes,
		   status, error_message, retry_count, average_speed,
		   started_at, finished_at
	FROM transfers
	ORDER BY finished_at DESC
	LIMIT ?
	`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		err := rows.Scan(
			&rec.ID, &rec.ItemID, &rec.SessionID, &rec.Filename,
			&rec.FileSize, &rec.UploadedBytes, &rec.Status,
			&rec.ErrorMessage, &rec.RetryCount, &rec.AverageSpeed,
			&rec.StartedAt, &rec.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer record: %w", err)
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// Summarize aggregates the journalled outcomes for one session
func (db *DB) Summarize(sessionID string) (*SessionSummary, error) {
	query := `
	SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(file_size), 0)
	FROM transfers WHERE session_id = ?
	`

	summary := &SessionSummary{SessionID: sessionID}
	err := db.conn.QueryRow(query,
		string(models.StatusCompleted), string(models.StatusFailed),
		string(models.StatusCancelled), sessionID,
	).Scan(
		&summary.Total, &summary.Completed, &summary.Failed,
		&summary.Cancelled, &summary.TotalBytes,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize session: %w", err)
	}

	return summary, nil
}

// DeleteOld removes journal entries older than the retention period
func (db *DB) DeleteOld(retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	_, err := db.conn.Exec(`DELETE FROM transfers WHERE finished_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to delete old transfer records: %w", err)
	}
	return nil
}
