package mesh

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/dorklabs/dorkos/internal/dorkerr"
	"github.com/dorklabs/dorkos/internal/manifest"
)

// DenyStore persists the registration deny-list in the embedded database.
type DenyStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writes
}

// NewDenyStore creates a deny store over an open database.
func NewDenyStore(db *sql.DB) *DenyStore {
	return &DenyStore{db: db}
}

// Deny adds or replaces a deny-list entry for directory.
func (s *DenyStore) Deny(directory, reason, deniedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO denied_agents (directory, reason, denied_by, denied_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(directory) DO UPDATE SET reason=excluded.reason,
		     denied_by=excluded.denied_by, denied_at=excluded.denied_at`,
		directory, reason, deniedBy, time.Now().UnixMilli(),
	)
	if err != nil {
		return dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("deny %s: %w", directory, err))
	}
	return nil
}

// Allow removes a deny-list entry. Removing an absent entry is not an error.
func (s *DenyStore) Allow(directory string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM denied_agents WHERE directory = ?`, directory); err != nil {
		return dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("allow %s: %w", directory, err))
	}
	return nil
}

// IsDenied reports whether directory is on the deny-list.
func (s *DenyStore) IsDenied(directory string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM denied_agents WHERE directory = ?`, directory).Scan(&n)
	if err != nil {
		return false, dorkerr.Wrap(dorkerr.CodeIO, err)
	}
	return n > 0, nil
}

// List returns all deny-list entries, newest first.
func (s *DenyStore) List() ([]manifest.DeniedAgent, error) {
	rows, err := s.db.Query(
		`SELECT directory, reason, denied_by, denied_at FROM denied_agents ORDER BY denied_at DESC`)
	if err != nil {
		return nil, dorkerr.Wrap(dorkerr.CodeIO, err)
	}
	defer rows.Close()

	var out []manifest.DeniedAgent
	for rows.Next() {
		var d manifest.DeniedAgent
		var reason, by sql.NullString
		var at int64
		if err := rows.Scan(&d.Directory, &reason, &by, &at); err != nil {
			return nil, dorkerr.Wrap(dorkerr.CodeIO, err)
		}
		d.Reason = reason.String
		d.DeniedBy = by.String
		d.DeniedAt = time.UnixMilli(at)
		out = append(out, d)
	}
	return out, rows.Err()
}
