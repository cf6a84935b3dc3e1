package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/raterudder/mobilelink/pkg/log"
	"github.com/raterudder/mobilelink/pkg/mobilelink"
	"github.com/raterudder/mobilelink/pkg/storage"
	"github.com/raterudder/mobilelink/pkg/types"
)

// StartOptions begins changing the tank selection and sensor toggles of an
// entry. The tanks are rediscovered so the list is always current.
func (m *Manager) StartOptions(ctx context.Context, entryID string) (Result, error) {
	entry, creds, res, ok, err := m.loadEntry(ctx, entryID)
	if !ok || err != nil {
		res.Kind = KindOptions
		return res, err
	}

	f := m.add(KindOptions, StepSelect, entry.ID)
	defer f.mu.Unlock()
	f.creds = creds

	var errs map[string]string
	var tanks []types.Tank
	err = m.sessions.Entry(entry.ID, creds).Do(ctx, func(cookie string) error {
		var err error
		tanks, err = m.discover(ctx, cookie)
		return err
	})
	if err != nil {
		f.lastErrorDetail = errorDetail(err)
		log.Ctx(ctx).WarnContext(ctx, "failed to discover tanks for options", slog.String("entryID", entry.ID), slog.Any("error", err))
		reason := ErrorCannotConnect
		if errors.Is(err, mobilelink.ErrAuth) || errors.Is(err, mobilelink.ErrAuthExpired) {
			reason = ErrorInvalidAuth
		}
		errs = map[string]string{errorBase: reason}
	}
	f.tanks = tanks
	return m.finish(f, selectForm(f, entry, errs)), nil
}

func selectForm(f *flow, entry types.Entry, errs map[string]string) Result {
	current := make([]string, len(entry.SelectedTanks))
	for i, id := range entry.SelectedTanks {
		current[i] = strconv.FormatInt(id, 10)
	}
	schema := []Field{
		{
			Name:     FieldSelectedTanks,
			Type:     "select",
			Required: true,
			Multiple: true,
			Default:  current,
			Options:  tankOptions(f.tanks),
		},
		{Name: FieldCreateLastReading, Type: "boolean", Default: entry.Options.LastReading},
		{Name: FieldCreateCapacity, Type: "boolean", Default: entry.Options.Capacity},
		{Name: FieldCreateBattery, Type: "boolean", Default: entry.Options.Battery},
		{Name: FieldCreateStatus, Type: "boolean", Default: entry.Options.Status},
	}
	return form(StepSelect, schema, errs, map[string]string{"error_detail": f.lastErrorDetail})
}

func (m *Manager) stepSelect(ctx context.Context, f *flow, in Input) (Result, error) {
	entry, err := m.db.GetEntry(ctx, f.entryID)
	if errors.Is(err, storage.ErrEntryNotFound) {
		return abort(AbortUnknownEntry), nil
	} else if err != nil {
		return Result{}, fmt.Errorf("failed to get entry: %w", err)
	}

	// the current selection stays valid when discovery failed
	selected, ok := parseSelection(in.SelectedTanks, f.tanks, entry.SelectedTanks)
	if !ok {
		return selectForm(f, entry, map[string]string{FieldSelectedTanks: ErrorInvalidSelection}), nil
	}

	entry.SelectedTanks = selected
	entry.Options = in.SensorOptions
	entry.UpdatedAt = m.now().UTC()
	if err := m.db.UpdateEntry(ctx, entry); err != nil {
		return Result{}, fmt.Errorf("failed to update entry: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "updated entry options",
		slog.String("entryID", entry.ID),
		slog.Any("selectedTanks", selected),
		slog.Any("options", entry.Options),
	)

	m.load(ctx, entry)
	return Result{Type: ResultCreateEntry, EntryID: entry.ID}, nil
}

// UpdateOptions applies sensor toggles and a tank selection without walking
// through the form. An empty selection keeps the current one.
func (m *Manager) UpdateOptions(ctx context.Context, entryID string, selected []int64, options types.SensorOptions) (types.Entry, error) {
	entry, err := m.db.GetEntry(ctx, entryID)
	if err != nil {
		return types.Entry{}, err
	}
	if len(selected) > 0 {
		entry.SelectedTanks = normalizeSelection(selected)
	}
	entry.Options = options
	entry.UpdatedAt = m.now().UTC()
	if err := m.db.UpdateEntry(ctx, entry); err != nil {
		return types.Entry{}, fmt.Errorf("failed to update entry: %w", err)
	}
	m.load(ctx, entry)
	return entry, nil
}
