package activity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusgrid/campusgrid/database"
)

func TestRecordAndRecent(t *testing.T) {
	t.Parallel()
	db, err := database.Connect(database.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseConnection() })

	svc, err := Setup(db)
	require.NoError(t, err)

	ctx := context.Background()
	svc.Record(ctx, EventUserRegistered, "u1", "alice joined")
	svc.Record(ctx, EventJobCreated, "u1", "job hello")
	svc.Record(ctx, EventJobSettled, "", "job hello completed")

	entries, err := svc.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EventJobSettled, entries[0].EventType, "newest first")
	assert.Empty(t, entries[0].ActorID)
	assert.Equal(t, EventJobCreated, entries[1].EventType)

	all, err := svc.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSetupRequiresDatabase(t *testing.T) {
	t.Parallel()
	_, err := Setup(nil)
	assert.ErrorIs(t, err, database.ErrNoDatabaseProvided)
}
