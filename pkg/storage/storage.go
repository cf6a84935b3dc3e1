package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/mobilelink/pkg/types"
)

var (
	ErrEntryNotFound = errors.New("entry not found")
	ErrEntryExists   = errors.New("entry already exists")
)

// Database defines the interface for persisting entries and their latest
// readings.
type Database interface {
	// Entries
	GetEntry(ctx context.Context, entryID string) (types.Entry, error)
	ListEntries(ctx context.Context) ([]types.Entry, error)
	// CreateEntry returns ErrEntryExists if an entry with the same ID exists.
	CreateEntry(ctx context.Context, entry types.Entry) error
	// UpdateEntry returns ErrEntryNotFound if the entry does not exist.
	UpdateEntry(ctx context.Context, entry types.Entry) error
	// DeleteEntry removes the entry and its readings.
	DeleteEntry(ctx context.Context, entryID string) error

	// Readings
	// UpsertReadings replaces the stored reading of each given tank. Tanks
	// not in readings are left alone.
	UpsertReadings(ctx context.Context, entryID string, readings []types.TankReading) error
	// GetReadings returns the stored readings sorted by apparatus id.
	GetReadings(ctx context.Context, entryID string) ([]types.TankReading, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "memory", "Storage provider to use (available: memory, firestore, redis)")

	var p struct{ Database }

	fs := configuredFirestore()
	rs := configuredRedis()

	lflag.Do(func() {
		switch *provider {
		case "memory":
			p.Database = NewMemory()
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "redis":
			if err := rs.Validate(); err != nil {
				panic(fmt.Sprintf("redis validation failed: %v", err))
			}
			p.Database = rs
			if err := rs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("redis init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}

func requireID(entryID string) error {
	if entryID == "" {
		return errors.New("entryID cannot be empty")
	}
	return nil
}
