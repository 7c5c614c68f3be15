package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresSnapshotStore implements SnapshotStore using PostgreSQL.
type PostgresSnapshotStore struct {
	db *sql.DB
}

// NewPostgresSnapshotStore opens a connection and ensures the schema exists.
func NewPostgresSnapshotStore(connStr string) (*PostgresSnapshotStore, error) {
	database, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresSnapshotStore{db: database}

	if err := store.createTable(); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *PostgresSnapshotStore) Close() error {
	return s.db.Close()
}

func (s *PostgresSnapshotStore) Get(sessionID string) (*Snapshot, error) {
	query := `
		SELECT session_id, content, version, created_at, updated_at
		FROM session_snapshots
		WHERE session_id = $1
	`

	snap := &Snapshot{}
	err := s.db.QueryRow(query, sessionID).Scan(
		&snap.SessionID,
		&snap.Content,
		&snap.Version,
		&snap.CreatedAt,
		&snap.UpdatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	return snap, nil
}

func (s *PostgresSnapshotStore) Save(snapshot *Snapshot) error {
	now := time.Now()

	query := `
		INSERT INTO session_snapshots (session_id, content, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (session_id) DO UPDATE
		SET content = EXCLUDED.content,
		    version = EXCLUDED.version,
		    updated_at = EXCLUDED.updated_at
	`

	_, err := s.db.Exec(query, snapshot.SessionID, snapshot.Content, snapshot.Version, now)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *PostgresSnapshotStore) Delete(sessionID string) error {
	result, err := s.db.Exec(`DELETE FROM session_snapshots WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrSnapshotNotFound
	}

	return nil
}

func (s *PostgresSnapshotStore) List() ([]*Snapshot, error) {
	query := `
		SELECT session_id, content, version, created_at, updated_at
		FROM session_snapshots
		ORDER BY updated_at DESC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*Snapshot
	for rows.Next() {
		snap := &Snapshot{}
		err := rows.Scan(
			&snap.SessionID,
			&snap.Content,
			&snap.Version,
			&snap.CreatedAt,
			&snap.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshots = append(snapshots, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return snapshots, nil
}

// Compile-time check to ensure PostgresSnapshotStore implements SnapshotStore
var _ SnapshotStore = (*PostgresSnapshotStore)(nil)
