package storage

import "context"

// Truncate empties every table. Only used to reset shared test databases.
func (s *Storage) Truncate(ctx context.Context) error {
	stmt := `DELETE FROM deployment_history; DELETE FROM deployments;`
	if s.dialect == DialectPostgres {
		stmt = `TRUNCATE deployment_history, deployments`
	}
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}
