package db

// createTable creates the session_snapshots table if it doesn't exist
func (s *PostgresSnapshotStore) createTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS session_snapshots (
		session_id VARCHAR(64) PRIMARY KEY,
		content TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_session_snapshots_updated_at ON session_snapshots(updated_at);
	`

	_, err := s.db.Exec(query)
	return err
}
