package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/mobilelink/pkg/log"
	"github.com/raterudder/mobilelink/pkg/secret"
	"github.com/raterudder/mobilelink/pkg/storage"
	"github.com/raterudder/mobilelink/pkg/types"
)

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	// seed into firestore unless another provider is passed
	os.Args = append([]string{os.Args[0], "--storage-provider=firestore"}, os.Args[1:]...)
	s := storage.Configured()
	box := secret.Configured()
	entryID := lflag.String("seed-entry-id", "demo", "ID of the seeded entry")
	cookie := lflag.String("seed-cookie", "demo=1", "Cookie header stored with the seeded entry")
	tankIDs := []int64{1001, 1002}
	lflag.JSON(&tankIDs, "seed-tanks", tankIDs, "JSON list of apparatus ids of the seeded tanks")
	lflag.Configure()

	ctx := context.Background()
	defer s.Close()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	enc, err := box.Encrypt(ctx, types.Credentials{CookieHeader: *cookie})
	if err != nil {
		panic(fmt.Errorf("failed to encrypt credentials: %w", err))
	}

	now := time.Now().UTC()
	entry := types.Entry{
		ID:                   *entryID,
		UniqueID:             "seed_" + *entryID,
		Title:                "Mobile Link (seed)",
		AuthMode:             types.AuthModeCookie,
		EncryptedCredentials: enc,
		SelectedTanks:        tankIDs,
		Options:              types.SensorOptions{LastReading: true, Capacity: true, Battery: true, Status: true},
		AuthStatus:           types.AuthStatus{State: types.AuthStateOK},
		Version:              types.CurrentEntryVersion,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.DeleteEntry(ctx, entry.ID); err != nil {
		log.Ctx(ctx).InfoContext(ctx, "no previous seed entry", "error", err)
	}
	if err := s.CreateEntry(ctx, entry); err != nil {
		panic(fmt.Errorf("failed to create entry: %w", err))
	}

	rng := rand.New(rand.NewSource(now.UnixNano()))
	readings := make([]types.TankReading, 0, len(tankIDs))
	for i, id := range tankIDs {
		level := 20 + rng.Float64()*75
		last := now.Add(-time.Duration(rng.Intn(12)) * time.Hour).Truncate(time.Minute)
		readings = append(readings, types.TankReading{
			Tank: types.Tank{
				ApparatusID: id,
				Name:        fmt.Sprintf("Tank %d", i+1),
				Device:      types.Device{DeviceID: fmt.Sprintf("seed-%d", id), DeviceType: "TankUtility"},
			},
			Reading: types.Reading{
				ApparatusID:     id,
				IsConnected:     true,
				FuelLevel:       &level,
				LastReading:     last.Format(time.RFC3339),
				LastReadingTime: &last,
				Capacity:        "500",
				BatteryLevel:    "Good",
				Status:          "Online",
				FetchedAt:       now,
			},
		})
	}
	if err := s.UpsertReadings(ctx, entry.ID, readings); err != nil {
		panic(fmt.Errorf("failed to store readings: %w", err))
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded entry", "entryID", entry.ID, "tanks", len(readings))
}
