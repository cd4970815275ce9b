package storage

import "testing"

// OpenTestDB opens a migrated in-memory SQLite database that is closed when
// the test ends.
func OpenTestDB(t testing.TB) *Storage {
	t.Helper()
	s, err := Open(DialectSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
