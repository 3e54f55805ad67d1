package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusgrid/campusgrid/database"
	"github.com/campusgrid/campusgrid/protocol"
)

func testService(t *testing.T) *Service {
	t.Helper()
	db, err := database.Connect(database.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseConnection() })

	sqlDB, err := db.GetSQL()
	require.NoError(t, err)
	_, err = sqlDB.Exec(
		`INSERT INTO users (id, username, password_hash, role, credits, created_at) VALUES ('owner-1', 'owner', 'x', 'worker-owner', 0, ?)`,
		time.Now().UTC())
	require.NoError(t, err)

	svc, err := Setup(db)
	require.NoError(t, err)
	return svc
}

var labSpecs = protocol.WorkerSpecs{CPUCores: 4, RAMGB: 8, DockerAvailable: true, OSFamily: "linux"}

func TestRegisterIsIdempotentPerOwnerAndName(t *testing.T) {
	t.Parallel()
	svc := testService(t)
	ctx := context.Background()

	first, err := svc.Register(ctx, "owner-1", "lab-3", labSpecs)
	require.NoError(t, err)

	again, err := svc.Register(ctx, "owner-1", "lab-3", protocol.WorkerSpecs{CPUCores: 8, RAMGB: 16})
	require.NoError(t, err)
	assert.Equal(t, first, again, "reconnect re-adopts the same identity")

	w, err := svc.ByID(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 8, w.Specs.CPUCores, "reported specs overwrite stored ones")
	assert.Equal(t, StatusIdle, w.Status)

	other, err := svc.Register(ctx, "owner-1", "lab-4", labSpecs)
	require.NoError(t, err)
	assert.NotEqual(t, first, other, "different name allocates a new id")
}

func TestRegisterAnonymous(t *testing.T) {
	t.Parallel()
	svc := testService(t)
	ctx := context.Background()

	a, err := svc.Register(ctx, "", "drifter", labSpecs)
	require.NoError(t, err)
	b, err := svc.Register(ctx, "", "drifter", labSpecs)
	require.NoError(t, err)
	assert.Equal(t, a, b, "anonymous identity keyed on name alone")

	w, err := svc.ByID(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, w.OwnerID)
}

func TestSetStatusAndTouch(t *testing.T) {
	t.Parallel()
	svc := testService(t)
	ctx := context.Background()

	id, err := svc.Register(ctx, "owner-1", "lab-5", labSpecs)
	require.NoError(t, err)

	require.NoError(t, svc.SetStatus(ctx, id, StatusBusy))
	w, err := svc.ByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, w.Status)

	at := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	require.NoError(t, svc.Touch(ctx, id, at))
	w, err = svc.ByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, w.Status, "touch keeps status")
	assert.WithinDuration(t, at, w.LastHeartbeat, time.Second)

	assert.ErrorIs(t, svc.SetStatus(ctx, "missing", StatusIdle), ErrNotFound)
	assert.ErrorIs(t, svc.Touch(ctx, "missing", at), ErrNotFound)
}

func TestQueries(t *testing.T) {
	t.Parallel()
	svc := testService(t)
	ctx := context.Background()

	owned, err := svc.Register(ctx, "owner-1", "lab-6", labSpecs)
	require.NoError(t, err)
	_, err = svc.Register(ctx, "", "stray", labSpecs)
	require.NoError(t, err)

	all, err := svc.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := svc.ByOwner(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, owned, mine[0].ID)

	_, err = svc.ByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
