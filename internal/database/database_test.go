package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	t.Run("creates nested directory and file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "dir", "blemgr.db")

		db, err := Open(context.Background(), Config{Path: path, WALMode: true, BusyTimeout: 5})
		require.NoError(t, err)
		defer db.Close() //nolint:errcheck // test cleanup

		_, err = os.Stat(path)
		assert.NoError(t, err, "database file MUST exist after Open")
		assert.Equal(t, path, db.Path())
		assert.NoError(t, db.HealthCheck(context.Background()))
	})

	t.Run("applies migrations once", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "blemgr.db")
		ctx := context.Background()

		db, err := Open(ctx, Config{Path: path, BusyTimeout: 1})
		require.NoError(t, err)
		require.NoError(t, db.Close())

		db, err = Open(ctx, Config{Path: path, BusyTimeout: 1})
		require.NoError(t, err, "reopening MUST skip applied migrations")
		defer db.Close() //nolint:errcheck // test cleanup

		var n int
		require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&n))
		assert.Equal(t, 1, n)

		_, err = db.ExecContext(ctx,
			"INSERT INTO device_options (namespace, mac, value, updated_at) VALUES ('bond', 'AA', 'true', 'now')")
		assert.NoError(t, err, "device_options table MUST exist")
	})

	t.Run("nil close is safe", func(t *testing.T) {
		var db *DB
		assert.NoError(t, db.Close())
	})
}
