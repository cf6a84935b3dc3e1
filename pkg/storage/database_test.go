package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/mobilelink/pkg/types"
)

func ptr[T any](v T) *T { return &v }

// testDatabase runs the behavior every provider must share. Entry ids are
// prefixed so runs against a shared backend do not collide.
func testDatabase(t *testing.T, db Database, prefix string) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	entry := types.Entry{
		ID:                   prefix + "e1",
		UniqueID:             "user@example.com",
		Title:                "Home",
		AuthMode:             types.AuthModePassword,
		EncryptedCredentials: []byte{1, 2, 3},
		SelectedTanks:        []int64{1001, 1002},
		Options:              types.SensorOptions{Battery: true},
		AuthStatus:           types.AuthStatus{State: types.AuthStateOK},
		Version:              types.CurrentEntryVersion,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	t.Run("EmptyID", func(t *testing.T) {
		assert.Error(t, db.CreateEntry(ctx, types.Entry{}))
		assert.Error(t, db.UpsertReadings(ctx, "", nil))
	})

	t.Run("Entries", func(t *testing.T) {
		_, err := db.GetEntry(ctx, entry.ID)
		assert.ErrorIs(t, err, ErrEntryNotFound)

		require.NoError(t, db.CreateEntry(ctx, entry))
		assert.ErrorIs(t, db.CreateEntry(ctx, entry), ErrEntryExists)

		got, err := db.GetEntry(ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, entry.UniqueID, got.UniqueID)
		assert.Equal(t, entry.SelectedTanks, got.SelectedTanks)
		assert.Equal(t, entry.EncryptedCredentials, got.EncryptedCredentials)
		assert.Equal(t, entry.Options, got.Options)
		assert.True(t, entry.CreatedAt.Equal(got.CreatedAt))

		second := entry
		second.ID = prefix + "e2"
		second.UniqueID = "other@example.com"
		require.NoError(t, db.CreateEntry(ctx, second))

		list, err := db.ListEntries(ctx)
		require.NoError(t, err)
		var ids []string
		for _, e := range list {
			ids = append(ids, e.ID)
		}
		assert.Contains(t, ids, entry.ID)
		assert.Contains(t, ids, second.ID)

		got.AuthStatus = types.AuthStatus{State: types.AuthStateReauthRequired, Reason: "session expired", Since: now}
		require.NoError(t, db.UpdateEntry(ctx, got))
		got, err = db.GetEntry(ctx, entry.ID)
		require.NoError(t, err)
		assert.True(t, got.AuthStatus.NeedsReauth())
		assert.Equal(t, "session expired", got.AuthStatus.Reason)

		missing := entry
		missing.ID = prefix + "missing"
		assert.ErrorIs(t, db.UpdateEntry(ctx, missing), ErrEntryNotFound)

		require.NoError(t, db.DeleteEntry(ctx, second.ID))
		_, err = db.GetEntry(ctx, second.ID)
		assert.ErrorIs(t, err, ErrEntryNotFound)
		assert.ErrorIs(t, db.DeleteEntry(ctx, second.ID), ErrEntryNotFound)
	})

	t.Run("Readings", func(t *testing.T) {
		readings, err := db.GetReadings(ctx, entry.ID)
		require.NoError(t, err)
		assert.Empty(t, readings)

		ts := now.Add(-time.Hour)
		r1 := types.TankReading{
			Tank:    types.Tank{ApparatusID: 1001, Name: "House", Type: types.ApparatusTypePropane},
			Reading: types.Reading{ApparatusID: 1001, IsConnected: true, FuelLevel: ptr(50.0), LastReadingTime: &ts, FetchedAt: now},
		}
		r2 := types.TankReading{
			Tank:    types.Tank{ApparatusID: 999, Name: "Barn", Type: types.ApparatusTypePropane},
			Reading: types.Reading{ApparatusID: 999, Capacity: "250", FetchedAt: now},
		}
		require.NoError(t, db.UpsertReadings(ctx, entry.ID, []types.TankReading{r1, r2}))

		readings, err = db.GetReadings(ctx, entry.ID)
		require.NoError(t, err)
		require.Len(t, readings, 2)
		assert.Equal(t, int64(999), readings[0].Tank.ApparatusID)
		assert.Equal(t, int64(1001), readings[1].Tank.ApparatusID)
		require.NotNil(t, readings[1].Reading.FuelLevel)
		assert.InDelta(t, 50.0, *readings[1].Reading.FuelLevel, 0.0001)

		// upserting one tank leaves the other alone
		r1.Reading.FuelLevel = ptr(45.0)
		require.NoError(t, db.UpsertReadings(ctx, entry.ID, []types.TankReading{r1}))
		readings, err = db.GetReadings(ctx, entry.ID)
		require.NoError(t, err)
		require.Len(t, readings, 2)
		assert.InDelta(t, 45.0, *readings[1].Reading.FuelLevel, 0.0001)
		assert.Equal(t, "250", readings[0].Reading.Capacity)

		// deleting the entry deletes its readings
		require.NoError(t, db.DeleteEntry(ctx, entry.ID))
		readings, err = db.GetReadings(ctx, entry.ID)
		require.NoError(t, err)
		assert.Empty(t, readings)
	})
}
