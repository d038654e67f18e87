package reconcile_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"placesadmin/internal/mirror"
	"placesadmin/internal/places"
	"placesadmin/internal/reconcile"
	"placesadmin/internal/shell"
	"placesadmin/internal/simulate"
)

// TestRefreshAgainstSimulatedShell drives the full stack: command channel
// over a scripted process, entity client, reconciliation engine, and the
// sqlite mirror.
func TestRefreshAgainstSimulatedShell(t *testing.T) {
	ch, err := shell.New(shell.Options{
		Launcher:       simulate.Launcher(simulate.CampusScript()),
		DefaultTimeout: 5 * time.Second,
		RestartBackoff: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	client := places.NewClient(ch, places.ClientOptions{
		ConnectCommand: "Connect-PlacesService",
	})

	store, err := mirror.New(filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine := reconcile.New(client, store)
	ctx := context.Background()

	report, err := engine.Refresh(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.PerType[places.TypeBuilding].Created)
	assert.Equal(t, 3, report.PerType[places.TypeFloor].Created)
	assert.Equal(t, 1, report.PerType[places.TypeSection].Created)
	assert.Equal(t, 1, report.PerType[places.TypeDesk].Created)
	assert.Equal(t, 2, report.PerType[places.TypeRoom].Created)
	assert.Equal(t, []string{"fetch", "delete", "create"}, report.CompletedStages)

	// The room attached directly to a floor must resolve to that floor row.
	room, err := store.GetByExternalID(ctx, "rm-lab-brief")
	require.NoError(t, err)
	require.NotNil(t, room)
	floor, err := store.GetByExternalID(ctx, "flr-lab-1")
	require.NoError(t, err)
	require.NotNil(t, room.ParentLocalID)
	assert.Equal(t, floor.LocalID, *room.ParentLocalID)

	// A second refresh against the same remote is pure updates.
	second, err := engine.Refresh(ctx)
	require.NoError(t, err)
	for _, typ := range places.AllTypes {
		assert.Zero(t, second.PerType[typ].Created, "type %s", typ)
		assert.Zero(t, second.PerType[typ].Removed, "type %s", typ)
	}

	counts, err := store.CountsByType(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[places.TypeBuilding])
	assert.Equal(t, 2, counts[places.TypeRoom])
}
