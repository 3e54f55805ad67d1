package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect(t *testing.T) {
	t.Parallel()
	i, err := Connect(Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer func() { assert.NoError(t, i.CloseConnection()) }()

	assert.True(t, i.IsConnected())
	assert.NoError(t, i.Ping())

	db, err := i.GetSQL()
	require.NoError(t, err)

	// schema must be queryable
	for _, table := range []string{"users", "workers", "jobs", "job_queue", "credit_transactions", "job_files", "activity_logs"} {
		var n int
		require.NoErrorf(t, db.QueryRow("SELECT COUNT(1) FROM "+table).Scan(&n), "table %s", table)
	}
}

func TestConnectRejectsBadConfig(t *testing.T) {
	t.Parallel()
	_, err := Connect(Config{Driver: "postgres", DataDir: t.TempDir()})
	assert.Error(t, err)

	_, err = Connect(Config{})
	assert.Error(t, err)
}

func TestInstanceNilSafety(t *testing.T) {
	t.Parallel()
	var i *Instance
	assert.False(t, i.IsConnected())
	assert.ErrorIs(t, i.CloseConnection(), ErrNilInstance)
	_, err := i.GetSQL()
	assert.ErrorIs(t, err, ErrNilInstance)
}

func TestWithTxRollsBack(t *testing.T) {
	t.Parallel()
	i, err := Connect(Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer i.CloseConnection()

	boom := errors.New("boom")
	err = i.WithTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO activity_logs (event_type, details, created_at) VALUES ('test', 'x', CURRENT_TIMESTAMP)`,
		); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	db, err := i.GetSQL()
	require.NoError(t, err)
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(1) FROM activity_logs").Scan(&n))
	assert.Zero(t, n, "rolled back insert must not persist")
}

func TestWithTxCommits(t *testing.T) {
	t.Parallel()
	i, err := Connect(Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer i.CloseConnection()

	require.NoError(t, i.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO activity_logs (event_type, details, created_at) VALUES ('test', 'y', CURRENT_TIMESTAMP)`,
		)
		return err
	}))

	db, err := i.GetSQL()
	require.NoError(t, err)
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(1) FROM activity_logs").Scan(&n))
	assert.Equal(t, 1, n)
}
