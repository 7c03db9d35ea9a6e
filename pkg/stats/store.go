package stats

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		resource_id TEXT NOT NULL,
		email TEXT NOT NULL,
		domain TEXT NOT NULL,
		count INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp);
	CREATE INDEX IF NOT EXISTS idx_requests_email ON requests(email);
	CREATE INDEX IF NOT EXISTS idx_requests_resource ON requests(resource_id);

	CREATE TABLE IF NOT EXISTS errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		resource_id TEXT NOT NULL,
		email TEXT NOT NULL,
		message TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_errors_timestamp ON errors(timestamp);

	CREATE TABLE IF NOT EXISTS totals (
		resource_id TEXT PRIMARY KEY,
		requests INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		emails INTEGER NOT NULL DEFAULT 0
	);
`

// AllResources is the sentinel resource id whose totals row accumulates
// counters across every resource.
const AllResources = "*"

// RequestRow is one logged successful job.
type RequestRow struct {
	Timestamp  int64  `json:"timestamp"`
	ResourceID string `json:"resource_id"`
	Email      string `json:"email"`
	Domain     string `json:"domain"`
	Count      *int64 `json:"count"`
}

// ErrorRow is one logged failed job.
type ErrorRow struct {
	Timestamp  int64  `json:"timestamp"`
	ResourceID string `json:"resource_id"`
	Email      string `json:"email"`
	Message    string `json:"message"`
}

// Totals are the maintained counters for one resource.
type Totals struct {
	Requests int64 `json:"requests"`
	Errors   int64 `json:"errors"`
	Emails   int64 `json:"emails"`
}

// Filters restricts list and totals queries. Nil fields match everything.
type Filters struct {
	ResourceID *string
	Email      *string
}

// Store tracks application statistics in an embedded sqlite database.
type Store struct {
	db        *sql.DB
	anonymize bool
	now       func() time.Time
}

// Open opens (and if needed creates) the statistics database at path. When
// anonymize is true, email addresses are hashed before they reach storage
// and email query filters are hashed the same way.
func Open(path string, anonymize bool) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening stats database: %w", err)
	}
	// A single connection keeps the find-then-increment counter updates
	// atomic without SQLITE_BUSY handling.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating stats schema: %w", err)
	}
	return &Store{db: db, anonymize: anonymize, now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LogRequest records one successful job and maintains the totals counters:
// request counts for the resource and the "*" sentinel, plus unique-emailer
// counts for first-time requesters.
func (s *Store) LogRequest(resourceID, email string, count *int64) error {
	domain := ExtractDomain(email)
	if s.anonymize {
		email = AnonymizeEmail(email)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := increaseTotals(tx, "requests", AllResources); err != nil {
		return err
	}
	if err := increaseTotals(tx, "requests", resourceID); err != nil {
		return err
	}

	// First request from this address at all bumps the global unique count;
	// first request for this resource bumps the per-resource count.
	seen, err := rowExists(tx, "SELECT 1 FROM requests WHERE email = ? LIMIT 1", email)
	if err != nil {
		return err
	}
	if !seen {
		if err := increaseTotals(tx, "emails", AllResources); err != nil {
			return err
		}
	}
	seenResource, err := rowExists(tx,
		"SELECT 1 FROM requests WHERE email = ? AND resource_id = ? LIMIT 1", email, resourceID)
	if err != nil {
		return err
	}
	if !seenResource {
		if err := increaseTotals(tx, "emails", resourceID); err != nil {
			return err
		}
	}

	var countValue interface{}
	if count != nil {
		countValue = *count
	}
	if _, err := tx.Exec(
		"INSERT INTO requests (timestamp, resource_id, email, domain, count) VALUES (?, ?, ?, ?, ?)",
		s.now().Unix(), resourceID, email, domain, countValue,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// LogError records one failed job with its error message (typically a stack
// trace) and maintains the error counters.
func (s *Store) LogError(resourceID, email, message string) error {
	if s.anonymize {
		email = AnonymizeEmail(email)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := increaseTotals(tx, "errors", AllResources); err != nil {
		return err
	}
	if err := increaseTotals(tx, "errors", resourceID); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO errors (timestamp, resource_id, email, message) VALUES (?, ?, ?, ?)",
		s.now().Unix(), resourceID, email, message,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// GetRequests returns logged requests ordered newest first, sliced by
// offset/limit. An email filter is anonymised first when the store is in
// anonymised mode.
func (s *Store) GetRequests(offset, limit int, filters Filters) ([]RequestRow, error) {
	query := "SELECT timestamp, resource_id, email, domain, count FROM requests"
	where, args := s.buildWhere(filters)
	query += where + " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []RequestRow
	for rows.Next() {
		var row RequestRow
		var count sql.NullInt64
		if err := rows.Scan(&row.Timestamp, &row.ResourceID, &row.Email, &row.Domain, &count); err != nil {
			return nil, err
		}
		if count.Valid {
			row.Count = &count.Int64
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// GetErrors returns logged errors ordered newest first, sliced by
// offset/limit.
func (s *Store) GetErrors(offset, limit int, filters Filters) ([]ErrorRow, error) {
	query := "SELECT timestamp, resource_id, email, message FROM errors"
	where, args := s.buildWhere(filters)
	query += where + " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ErrorRow
	for rows.Next() {
		var row ErrorRow
		if err := rows.Scan(&row.Timestamp, &row.ResourceID, &row.Email, &row.Message); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// GetTotals returns the maintained counters keyed by resource id.
func (s *Store) GetTotals(filters Filters) (map[string]Totals, error) {
	query := "SELECT resource_id, requests, errors, emails FROM totals"
	where, args := s.buildWhere(Filters{ResourceID: filters.ResourceID})
	query += where

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := map[string]Totals{}
	for rows.Next() {
		var resourceID string
		var t Totals
		if err := rows.Scan(&resourceID, &t.Requests, &t.Errors, &t.Emails); err != nil {
			return nil, err
		}
		totals[resourceID] = t
	}
	return totals, rows.Err()
}

// buildWhere assembles the filter clause shared by the list queries.
func (s *Store) buildWhere(filters Filters) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if filters.ResourceID != nil {
		clauses = append(clauses, "resource_id = ?")
		args = append(args, *filters.ResourceID)
	}
	if filters.Email != nil {
		email := *filters.Email
		if s.anonymize {
			email = AnonymizeEmail(email)
		}
		clauses = append(clauses, "email = ?")
		args = append(args, email)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

// rowExists reports whether the query returns at least one row.
func rowExists(tx *sql.Tx, query string, args ...interface{}) (bool, error) {
	var one int
	err := tx.QueryRow(query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// increaseTotals bumps one counter of one totals row, creating the row on
// first use. The UPSERT keeps concurrent counter updates atomic.
func increaseTotals(tx *sql.Tx, counter, resourceID string) error {
	query := fmt.Sprintf(`
		INSERT INTO totals (resource_id, %[1]s) VALUES (?, 1)
		ON CONFLICT(resource_id) DO UPDATE SET %[1]s = %[1]s + 1
	`, counter)
	_, err := tx.Exec(query, resourceID)
	return err
}
