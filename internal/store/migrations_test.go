package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	// newTestStore already migrated once. A second pass must be a no-op.
	require.NoError(t, s.Migrate(context.Background()))

	var rows int
	err := s.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM schema_version`).Scan(&rows)
	require.NoError(t, err)
	assert.Equal(t, 1, rows)

	var version int
	var name string
	err = s.db.QueryRowContext(context.Background(), `SELECT version, name FROM schema_version`).Scan(&version, &name)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.Equal(t, "initial_schema", name)
}

func TestSQLStatementsSplitsScript(t *testing.T) {
	script := `
-- leading comment
CREATE TABLE a (id TEXT);

-- a comment-only chunk
;

CREATE INDEX idx_a ON a(id);
`
	stmts := sqlStatements(script)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX idx_a")
}
