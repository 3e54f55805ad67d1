package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusgrid/campusgrid/database"
)

func testDB(t *testing.T) *database.Instance {
	t.Helper()
	db, err := database.Connect(database.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseConnection() })
	return db
}

func seedUser(t *testing.T, db *database.Instance, id string, credits int64) {
	t.Helper()
	sqlDB, err := db.GetSQL()
	require.NoError(t, err)
	_, err = sqlDB.Exec(
		`INSERT INTO users (id, username, password_hash, role, credits, created_at) VALUES (?, ?, 'x', 'submitter', ?, ?)`,
		id, "user-"+id, credits, time.Now().UTC())
	require.NoError(t, err)
}

func seedJob(t *testing.T, db *database.Instance, id, submitterID string) {
	t.Helper()
	sqlDB, err := db.GetSQL()
	require.NoError(t, err)
	_, err = sqlDB.Exec(
		`INSERT INTO jobs (id, title, submitter_id, code, credit_cost, credit_reward, submitted_at)
		 VALUES (?, 't', ?, 'pass', 9, 9, ?)`,
		id, submitterID, time.Now().UTC())
	require.NoError(t, err)
}

func balance(t *testing.T, db *database.Instance, id string) int64 {
	t.Helper()
	sqlDB, err := db.GetSQL()
	require.NoError(t, err)
	var b int64
	require.NoError(t, sqlDB.QueryRow(`SELECT credits FROM users WHERE id = ?`, id).Scan(&b))
	return b
}

func TestApply(t *testing.T) {
	t.Parallel()
	db := testDB(t)
	seedUser(t, db, "u1", 0)
	seedJob(t, db, "j1", "u1")
	ctx := context.Background()

	require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
		return Apply(ctx, tx, "u1", 100, KindSignupGrant, "", "signup grant")
	}))
	require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
		return Apply(ctx, tx, "u1", -9, KindJobDebit, "j1", "submitted")
	}))
	assert.Equal(t, int64(91), balance(t, db, "u1"))

	sum, err := SumForUser(ctx, db, "u1")
	require.NoError(t, err)
	assert.Equal(t, balance(t, db, "u1"), sum, "stored balance must equal ledger sum")
}

func TestApplyRejectsOverdraft(t *testing.T) {
	t.Parallel()
	db := testDB(t)
	seedUser(t, db, "u2", 5)
	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		return Apply(ctx, tx, "u2", -9, KindJobDebit, "j1", "submitted")
	})
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.Equal(t, int64(5), balance(t, db, "u2"))

	rows, err := ForUser(ctx, db, "u2", 0)
	require.NoError(t, err)
	assert.Empty(t, rows, "rejected debit must leave no ledger row")
}

func TestApplyRejectsUnknownJobReference(t *testing.T) {
	t.Parallel()
	db := testDB(t)
	seedUser(t, db, "u5", 10)
	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		return Apply(ctx, tx, "u5", -1, KindJobDebit, "no-such-job", "dangling reference")
	})
	require.Error(t, err, "foreign keys must be enforced")
	assert.Equal(t, int64(10), balance(t, db, "u5"), "failed tx must roll the balance back")
}

func TestApplyRejectsZeroDelta(t *testing.T) {
	t.Parallel()
	db := testDB(t)
	seedUser(t, db, "u3", 5)
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		return Apply(context.Background(), tx, "u3", 0, KindAdminAdjust, "", "noop")
	})
	assert.ErrorIs(t, err, errZeroDelta)
}

func TestForUserOrderingAndFields(t *testing.T) {
	t.Parallel()
	db := testDB(t)
	seedUser(t, db, "u4", 0)
	seedJob(t, db, "job-a", "u4")
	ctx := context.Background()

	for _, step := range []struct {
		delta int64
		kind  string
		jobID string
	}{
		{100, KindSignupGrant, ""},
		{-9, KindJobDebit, "job-a"},
		{9, KindJobCredit, "job-a"},
	} {
		require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
			return Apply(ctx, tx, "u4", step.delta, step.kind, step.jobID, "t")
		}))
	}

	rows, err := ForUser(ctx, db, "u4", 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, KindJobCredit, rows[0].Kind, "newest first")
	assert.Equal(t, "job-a", rows[0].JobID)
	assert.Equal(t, KindSignupGrant, rows[2].Kind)
	assert.Empty(t, rows[2].JobID)
}
