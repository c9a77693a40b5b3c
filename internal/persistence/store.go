// Package persistence provides the SQLite-backed webhook delivery
// ledger: which bookmark events have been ingested, which documents
// they produced, and what to retry after a crash.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Delivery states.
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Delivery is one webhook event's ledger entry. Events are keyed by
// (bookmark id, operation) so redeliveries of the same event are
// recognised as duplicates.
type Delivery struct {
	ID         int64  `json:"id"`
	BookmarkID string `json:"bookmarkId"`
	Operation  string `json:"operation"`
	Status     string `json:"status"`
	DocID      string `json:"docId"`
	Error      string `json:"error"`
	ReceivedAt string `json:"receivedAt"` // ISO 8601
	UpdatedAt  string `json:"updatedAt"`
}

// Store is the SQLite-backed ledger.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens the ledger database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying ledger migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS deliveries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bookmark_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			doc_id TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			received_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(bookmark_id, operation)
		);
		CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries(status);
	`)
	return err
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Begin records a fresh delivery as pending. Returns ok=false when the
// event was already seen and finished, which marks a duplicate
// redelivery; a previously failed event is reset and retried.
func (s *Store) Begin(bookmarkID, operation string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var status string
	err := s.db.QueryRow(
		"SELECT status FROM deliveries WHERE bookmark_id = ? AND operation = ?",
		bookmarkID, operation,
	).Scan(&status)
	switch {
	case err == sql.ErrNoRows:
		now := nowISO()
		_, err := s.db.Exec(
			"INSERT INTO deliveries (bookmark_id, operation, status, received_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			bookmarkID, operation, StatusPending, now, now,
		)
		if err != nil {
			return false, fmt.Errorf("insert delivery: %w", err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("query delivery: %w", err)
	}

	if status == StatusDone || status == StatusSkipped {
		return false, nil
	}
	// pending or failed: retry it
	_, err = s.db.Exec(
		"UPDATE deliveries SET status = ?, error = '', updated_at = ? WHERE bookmark_id = ? AND operation = ?",
		StatusPending, nowISO(), bookmarkID, operation,
	)
	if err != nil {
		return false, fmt.Errorf("reset delivery: %w", err)
	}
	return true, nil
}

// Finish marks a delivery done and records the produced document.
func (s *Store) Finish(bookmarkID, operation, docID string) error {
	return s.setStatus(bookmarkID, operation, StatusDone, docID, "")
}

// Fail marks a delivery failed with the error text.
func (s *Store) Fail(bookmarkID, operation string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.setStatus(bookmarkID, operation, StatusFailed, "", msg)
}

// Skip marks a delivery intentionally ignored (unsupported operation).
func (s *Store) Skip(bookmarkID, operation string) error {
	return s.setStatus(bookmarkID, operation, StatusSkipped, "", "")
}

func (s *Store) setStatus(bookmarkID, operation, status, docID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE deliveries SET status = ?, doc_id = ?, error = ?, updated_at = ? WHERE bookmark_id = ? AND operation = ?",
		status, docID, errMsg, nowISO(), bookmarkID, operation,
	)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return nil
}

// Get returns a delivery's ledger entry, or nil when unseen.
func (s *Store) Get(bookmarkID, operation string) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var d Delivery
	err := s.db.QueryRow(
		`SELECT id, bookmark_id, operation, status, doc_id, error, received_at, updated_at
		FROM deliveries WHERE bookmark_id = ? AND operation = ?`,
		bookmarkID, operation,
	).Scan(&d.ID, &d.BookmarkID, &d.Operation, &d.Status, &d.DocID, &d.Error, &d.ReceivedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return &d, nil
}

// ListPending returns deliveries still awaiting completion, oldest
// first, for startup retry.
func (s *Store) ListPending() ([]Delivery, error) {
	return s.listByStatus(StatusPending)
}

// ListFailed returns failed deliveries, oldest first.
func (s *Store) ListFailed() ([]Delivery, error) {
	return s.listByStatus(StatusFailed)
}

func (s *Store) listByStatus(status string) ([]Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, bookmark_id, operation, status, doc_id, error, received_at, updated_at
		FROM deliveries WHERE status = ? ORDER BY received_at ASC`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.BookmarkID, &d.Operation, &d.Status, &d.DocID, &d.Error, &d.ReceivedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	if out == nil {
		out = []Delivery{}
	}
	return out, nil
}

// Prune deletes finished entries older than the cutoff.
func (s *Store) Prune(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"DELETE FROM deliveries WHERE status IN (?, ?) AND updated_at < ?",
		StatusDone, StatusSkipped, olderThan.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return res.RowsAffected()
}
