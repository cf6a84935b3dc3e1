package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/raterudder/mobilelink/pkg/log"
	"github.com/raterudder/mobilelink/pkg/types"
)

const (
	entriesCollection  = "entries"
	readingsCollection = "readings"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Entries live in "entries/{id}" and the latest reading of each
// tank in "entries/{id}/readings/{apparatusID}", both as JSON blobs.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) entryDoc(entryID string) (*firestore.DocumentRef, error) {
	if err := requireID(entryID); err != nil {
		return nil, err
	}
	return f.client.Collection(entriesCollection).Doc(entryID), nil
}

func jsonField(doc *firestore.DocumentSnapshot) (string, error) {
	val, err := doc.DataAt("json")
	if err != nil {
		return "", fmt.Errorf("document %s missing json: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("document %s json not string", doc.Ref.ID)
	}
	return jsonStr, nil
}

// GetEntry retrieves an entry from the "entries" collection.
func (f *FirestoreProvider) GetEntry(ctx context.Context, entryID string) (types.Entry, error) {
	ref, err := f.entryDoc(entryID)
	if err != nil {
		return types.Entry{}, err
	}
	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
		}
		return types.Entry{}, fmt.Errorf("failed to get entry %s: %w", entryID, err)
	}

	jsonStr, err := jsonField(doc)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "entry doc malformed", slog.String("entryID", entryID), slog.Any("err", err))
		return types.Entry{}, err
	}
	var e types.Entry
	if err := json.Unmarshal([]byte(jsonStr), &e); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal entry", slog.String("entryID", entryID), slog.Any("err", err))
		return types.Entry{}, fmt.Errorf("failed to unmarshal entry %s: %w", entryID, err)
	}
	return e, nil
}

// ListEntries retrieves all entries from the "entries" collection.
func (f *FirestoreProvider) ListEntries(ctx context.Context) ([]types.Entry, error) {
	iter := f.client.Collection(entriesCollection).OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var entries []types.Entry
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating entries: %w", err)
		}

		jsonStr, err := jsonField(doc)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "entry doc malformed", slog.String("entryID", doc.Ref.ID), slog.Any("err", err))
			// Skip malformed documents
			continue
		}
		var e types.Entry
		if err := json.Unmarshal([]byte(jsonStr), &e); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal entry", slog.String("entryID", doc.Ref.ID), slog.Any("err", err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// CreateEntry creates a new entry document in the "entries" collection.
func (f *FirestoreProvider) CreateEntry(ctx context.Context, entry types.Entry) error {
	ref, err := f.entryDoc(entry.ID)
	if err != nil {
		return err
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry %s: %w", entry.ID, err)
	}
	_, err = ref.Create(ctx, map[string]interface{}{
		"json":     string(entryJSON),
		"version":  entry.Version,
		"uniqueID": entry.UniqueID,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("%w: %s", ErrEntryExists, entry.ID)
		}
		return fmt.Errorf("failed to create entry %s: %w", entry.ID, err)
	}
	return nil
}

// UpdateEntry updates an existing entry document in the "entries" collection.
func (f *FirestoreProvider) UpdateEntry(ctx context.Context, entry types.Entry) error {
	ref, err := f.entryDoc(entry.ID)
	if err != nil {
		return err
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry %s: %w", entry.ID, err)
	}
	_, err = ref.Update(ctx, []firestore.Update{
		{Path: "json", Value: string(entryJSON)},
		{Path: "version", Value: entry.Version},
		{Path: "uniqueID", Value: entry.UniqueID},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, entry.ID)
		}
		return fmt.Errorf("failed to update entry %s: %w", entry.ID, err)
	}
	return nil
}

// DeleteEntry deletes the readings of an entry and then the entry itself.
func (f *FirestoreProvider) DeleteEntry(ctx context.Context, entryID string) error {
	ref, err := f.entryDoc(entryID)
	if err != nil {
		return err
	}
	if _, err := ref.Get(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
		}
		return fmt.Errorf("failed to get entry %s: %w", entryID, err)
	}

	iter := ref.Collection(readingsCollection).DocumentRefs(ctx)
	for {
		rref, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("error iterating readings of %s: %w", entryID, err)
		}
		if _, err := rref.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete reading %s/%s: %w", entryID, rref.ID, err)
		}
	}

	if _, err := ref.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", entryID, err)
	}
	return nil
}

// UpsertReadings writes one document per tank, keyed by apparatus id.
func (f *FirestoreProvider) UpsertReadings(ctx context.Context, entryID string, readings []types.TankReading) error {
	ref, err := f.entryDoc(entryID)
	if err != nil {
		return err
	}
	coll := ref.Collection(readingsCollection)
	for _, r := range readings {
		readingJSON, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal reading %d: %w", r.Tank.ApparatusID, err)
		}
		_, err = coll.Doc(readingDocID(r.Tank.ApparatusID)).Set(ctx, map[string]interface{}{
			"json":      string(readingJSON),
			"fetchedAt": r.Reading.FetchedAt,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert reading %s/%d: %w", entryID, r.Tank.ApparatusID, err)
		}
	}
	return nil
}

// GetReadings retrieves the stored readings of an entry.
func (f *FirestoreProvider) GetReadings(ctx context.Context, entryID string) ([]types.TankReading, error) {
	ref, err := f.entryDoc(entryID)
	if err != nil {
		return nil, err
	}
	iter := ref.Collection(readingsCollection).Documents(ctx)
	defer iter.Stop()

	var readings []types.TankReading
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating readings of %s: %w", entryID, err)
		}
		jsonStr, err := jsonField(doc)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "reading doc malformed", slog.String("entryID", entryID), slog.Any("err", err))
			continue
		}
		var r types.TankReading
		if err := json.Unmarshal([]byte(jsonStr), &r); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal reading", slog.String("entryID", entryID), slog.String("docID", doc.Ref.ID), slog.Any("err", err))
			continue
		}
		readings = append(readings, r)
	}
	// document ids sort as strings
	sortReadings(readings)
	return readings, nil
}
