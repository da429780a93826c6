package permstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLite reads monitoring permissions from a SQLite database. The table is
// created on open so a fresh deployment starts from an empty grant set.
type SQLite struct {
	db *sql.DB
}

var _ Source = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the permission database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open permission database: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initTables() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS monitor_permissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		monitor TEXT NOT NULL,
		extension TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(monitor, extension)
	)`)
	if err != nil {
		return fmt.Errorf("create monitor_permissions table: %w", err)
	}
	return nil
}

// Grant authorizes a monitor to observe an extension. Idempotent.
func (s *SQLite) Grant(ctx context.Context, monitor, extension string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO monitor_permissions (monitor, extension) VALUES (?, ?)`,
		monitor, extension)
	if err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	return nil
}

// Revoke removes a monitor's authorization for an extension.
func (s *SQLite) Revoke(ctx context.Context, monitor, extension string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM monitor_permissions WHERE monitor = ? AND extension = ?`,
		monitor, extension)
	if err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}
	return nil
}

func (s *SQLite) MonitorableExtensions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT extension FROM monitor_permissions ORDER BY extension`)
	if err != nil {
		return nil, fmt.Errorf("query monitorable extensions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ext string
		if err := rows.Scan(&ext); err != nil {
			return nil, fmt.Errorf("scan extension: %w", err)
		}
		out = append(out, ext)
	}
	return out, rows.Err()
}

func (s *SQLite) MonitorsFor(ctx context.Context, extension string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT monitor FROM monitor_permissions WHERE extension = ? ORDER BY monitor`,
		extension)
	if err != nil {
		return nil, fmt.Errorf("query monitors: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var mon string
		if err := rows.Scan(&mon); err != nil {
			return nil, fmt.Errorf("scan monitor: %w", err)
		}
		out = append(out, mon)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
