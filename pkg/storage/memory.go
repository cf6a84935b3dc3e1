package storage

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/raterudder/mobilelink/pkg/types"
)

// Memory keeps everything in process. Values are stored encoded so callers
// never share slices or pointers with the store.
type Memory struct {
	mu       sync.Mutex
	entries  map[string][]byte
	readings map[string]map[int64][]byte
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[string][]byte),
		readings: make(map[string]map[int64][]byte),
	}
}

// GetEntry implements Database.
func (m *Memory) GetEntry(ctx context.Context, entryID string) (types.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.entries[entryID]
	if !ok {
		return types.Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	var e types.Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return types.Entry{}, fmt.Errorf("failed to unmarshal entry %s: %w", entryID, err)
	}
	return e, nil
}

// ListEntries implements Database. Entries are sorted by ID.
func (m *Memory) ListEntries(ctx context.Context) ([]types.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	entries := make([]types.Entry, 0, len(ids))
	for _, id := range ids {
		var e types.Entry
		if err := json.Unmarshal(m.entries[id], &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry %s: %w", id, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// CreateEntry implements Database.
func (m *Memory) CreateEntry(ctx context.Context, entry types.Entry) error {
	if err := requireID(entry.ID); err != nil {
		return err
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry %s: %w", entry.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.ID]; ok {
		return fmt.Errorf("%w: %s", ErrEntryExists, entry.ID)
	}
	m.entries[entry.ID] = b
	return nil
}

// UpdateEntry implements Database.
func (m *Memory) UpdateEntry(ctx context.Context, entry types.Entry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry %s: %w", entry.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, entry.ID)
	}
	m.entries[entry.ID] = b
	return nil
}

// DeleteEntry implements Database.
func (m *Memory) DeleteEntry(ctx context.Context, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entryID]; !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	delete(m.entries, entryID)
	delete(m.readings, entryID)
	return nil
}

// UpsertReadings implements Database.
func (m *Memory) UpsertReadings(ctx context.Context, entryID string, readings []types.TankReading) error {
	if err := requireID(entryID); err != nil {
		return err
	}
	encoded := make(map[int64][]byte, len(readings))
	for _, r := range readings {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal reading %d: %w", r.Tank.ApparatusID, err)
		}
		encoded[r.Tank.ApparatusID] = b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.readings[entryID]
	if !ok {
		cur = make(map[int64][]byte, len(encoded))
		m.readings[entryID] = cur
	}
	for id, b := range encoded {
		cur[id] = b
	}
	return nil
}

// GetReadings implements Database.
func (m *Memory) GetReadings(ctx context.Context, entryID string) ([]types.TankReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.readings[entryID]
	out := make([]types.TankReading, 0, len(cur))
	for id, b := range cur {
		var r types.TankReading
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reading %s/%d: %w", entryID, id, err)
		}
		out = append(out, r)
	}
	sortReadings(out)
	return out, nil
}

// Close implements Database.
func (m *Memory) Close() error {
	return nil
}

func sortReadings(readings []types.TankReading) {
	slices.SortFunc(readings, func(a, b types.TankReading) int {
		return cmp.Compare(a.Tank.ApparatusID, b.Tank.ApparatusID)
	})
}

func sortEntries(entries []types.Entry) {
	slices.SortFunc(entries, func(a, b types.Entry) int {
		return cmp.Compare(a.ID, b.ID)
	})
}

func readingDocID(apparatusID int64) string {
	return strconv.FormatInt(apparatusID, 10)
}
