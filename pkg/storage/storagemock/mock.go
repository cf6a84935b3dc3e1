package storagemock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/raterudder/mobilelink/pkg/storage"
	"github.com/raterudder/mobilelink/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetEntry(ctx context.Context, entryID string) (types.Entry, error) {
	args := m.Called(ctx, entryID)
	if len(args) > 0 {
		return args.Get(0).(types.Entry), args.Error(1)
	}
	return types.Entry{}, nil
}

func (m *MockDatabase) ListEntries(ctx context.Context) ([]types.Entry, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]types.Entry), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) CreateEntry(ctx context.Context, entry types.Entry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDatabase) UpdateEntry(ctx context.Context, entry types.Entry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDatabase) DeleteEntry(ctx context.Context, entryID string) error {
	args := m.Called(ctx, entryID)
	return args.Error(0)
}

func (m *MockDatabase) UpsertReadings(ctx context.Context, entryID string, readings []types.TankReading) error {
	args := m.Called(ctx, entryID, readings)
	return args.Error(0)
}

func (m *MockDatabase) GetReadings(ctx context.Context, entryID string) ([]types.TankReading, error) {
	args := m.Called(ctx, entryID)
	if len(args) > 0 {
		return args.Get(0).([]types.TankReading), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
