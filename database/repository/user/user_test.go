package user

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusgrid/campusgrid/database"
	"github.com/campusgrid/campusgrid/database/repository/ledger"
)

func testService(t *testing.T) (*Service, *database.Instance) {
	t.Helper()
	db, err := database.Connect(database.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseConnection() })
	svc, err := Setup(db, 100)
	require.NoError(t, err)
	return svc, db
}

func TestCreate(t *testing.T) {
	t.Parallel()
	svc, db := testService(t)
	ctx := context.Background()

	alice, err := svc.Create(ctx, "alice", "hunter2", RoleSubmitter)
	require.NoError(t, err)
	assert.NotEmpty(t, alice.ID)
	assert.Equal(t, int64(100), alice.Credits)

	got, err := svc.ByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)
	assert.Equal(t, int64(100), got.Credits, "signup grant applied")

	sum, err := ledger.SumForUser(ctx, db, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Credits, sum, "grant must be ledgered")

	_, err = svc.Create(ctx, "alice", "other", RoleSubmitter)
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, err = svc.Create(ctx, "bob", "pw", "superuser")
	assert.ErrorIs(t, err, errInvalidRole)
}

func TestUsernamesAreCaseSensitive(t *testing.T) {
	t.Parallel()
	svc, _ := testService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "Carol", "pw", RoleSubmitter)
	require.NoError(t, err)
	_, err = svc.Create(ctx, "carol", "pw", RoleSubmitter)
	require.NoError(t, err, "differing case is a different username")

	_, err = svc.ByUsername(ctx, "CAROL")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()
	svc, _ := testService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "dave", "secret", RoleWorkerOwner)
	require.NoError(t, err)

	u, err := svc.Authenticate(ctx, "dave", "secret")
	require.NoError(t, err)
	assert.Equal(t, created.ID, u.ID)
	assert.Equal(t, RoleWorkerOwner, u.Role)

	_, err = svc.Authenticate(ctx, "dave", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)
	_, err = svc.Authenticate(ctx, "nobody", "secret")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestAdjust(t *testing.T) {
	t.Parallel()
	svc, db := testService(t)
	ctx := context.Background()

	u, err := svc.Create(ctx, "erin", "pw", RoleSubmitter)
	require.NoError(t, err)

	require.NoError(t, svc.Adjust(ctx, u.ID, 50, "contest prize"))
	b, err := svc.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), b)

	err = svc.Adjust(ctx, u.ID, -1000, "clawback")
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)

	sum, err := ledger.SumForUser(ctx, db, u.ID)
	require.NoError(t, err)
	assert.Equal(t, b, sum)
}

func TestSetupRequiresDatabase(t *testing.T) {
	t.Parallel()
	_, err := Setup(nil, 100)
	assert.ErrorIs(t, err, database.ErrNoDatabaseProvided)
}
