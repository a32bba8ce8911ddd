package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `CREATE TABLE things (id TEXT PRIMARY KEY, val TEXT UNIQUE)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO things(id, val) VALUES('a', 'x')`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `INSERT INTO things(id, val) VALUES('b', 'x')`)
	require.Error(t, err)
	require.True(t, IsUniqueViolation(err))
	require.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", err)))

	// Matching is on the driver's error code, never on message text.
	require.False(t, IsUniqueViolation(errors.New("UNIQUE constraint failed: things.val")))
	require.False(t, IsUniqueViolation(nil))
}
