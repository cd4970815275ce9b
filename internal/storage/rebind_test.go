package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	q := `SELECT * FROM deployments WHERE project_id = ? AND status IN (?, ?)`
	assert.Equal(t, q, rebind(DialectSQLite, q))
	assert.Equal(t, `SELECT * FROM deployments WHERE project_id = $1 AND status IN ($2, $3)`, rebind(DialectPostgres, q))
}

func TestNanosRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 678, time.FixedZone("X", 3600))
	assert.True(t, ts.Equal(fromNanos(toNanos(ts))))
	assert.Nil(t, timePtr(nullNanos(nil)))
	assert.True(t, ts.Equal(*timePtr(nullNanos(&ts))))
}
