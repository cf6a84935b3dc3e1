// Package poller runs the polling loop that refreshes every loaded entry,
// maps the readings onto entities and publishes them.
package poller

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/mobilelink/pkg/entity"
	"github.com/raterudder/mobilelink/pkg/log"
	"github.com/raterudder/mobilelink/pkg/mobilelink"
	"github.com/raterudder/mobilelink/pkg/publish"
	"github.com/raterudder/mobilelink/pkg/secret"
	"github.com/raterudder/mobilelink/pkg/storage"
	"github.com/raterudder/mobilelink/pkg/types"
)

// DefaultInterval matches the vendor app's refresh rate.
const DefaultInterval = 300 * time.Second

var (
	// ErrNotLoaded is returned for an entry that is not loaded.
	ErrNotLoaded = errors.New("entry is not loaded")
	// ErrReauthRequired is returned when an entry is paused until the user
	// reauthenticates.
	ErrReauthRequired = errors.New("entry requires reauthentication")
)

// ReauthFunc is called once when an entry moves to reauth_required.
type ReauthFunc func(ctx context.Context, entry types.Entry)

// Poller owns the loaded entries and their latest readings.
type Poller struct {
	db        storage.Database
	sessions  *mobilelink.Map
	box       *secret.Box
	registry  *entity.Registry
	publisher publish.Publisher

	interval time.Duration
	now      func() time.Time

	// cycle is held for every poll, load and unload so an entry only ever
	// has one writer
	cycle sync.Mutex

	mu       sync.Mutex
	entries  map[string]*loadedEntry
	onReauth ReauthFunc
}

type loadedEntry struct {
	entry types.Entry
	creds types.Credentials
	// tanks holds the latest reading of each tank, including ones retained
	// from earlier cycles
	tanks       map[int64]types.TankReading
	pollSuccess bool
}

// New returns a Poller. A zero interval uses DefaultInterval.
func New(db storage.Database, sessions *mobilelink.Map, box *secret.Box, publisher publish.Publisher, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		db:        db,
		sessions:  sessions,
		box:       box,
		registry:  entity.NewRegistry(),
		publisher: publisher,
		interval:  interval,
		now:       time.Now,
		entries:   make(map[string]*loadedEntry),
	}
}

// Configured registers the poller flags and returns a Poller.
func Configured(db storage.Database, sessions *mobilelink.Map, box *secret.Box, publisher publish.Publisher) *Poller {
	p := New(db, sessions, box, publisher, DefaultInterval)
	interval := lflag.Duration("poll-interval", DefaultInterval, "How often every entry is polled")

	lflag.Do(func() {
		if *interval < time.Minute {
			panic(fmt.Sprintf("poll-interval must be at least 1m, got %s", *interval))
		}
		p.interval = *interval
	})

	return p
}

// OnReauth sets the function called when an entry needs reauthentication.
func (p *Poller) OnReauth(fn ReauthFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReauth = fn
}

// Init loads every stored entry, migrating old ones first.
func (p *Poller) Init(ctx context.Context) error {
	entries, err := p.db.ListEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to list entries: %w", err)
	}
	for _, e := range entries {
		ectx := log.WithAttrs(ctx, slog.String("entryID", e.ID))
		migrated, changed, err := types.MigrateEntry(e)
		if err != nil {
			log.Ctx(ectx).ErrorContext(ectx, "failed to migrate entry", slog.Any("error", err))
			continue
		}
		if changed {
			migrated.UpdatedAt = p.now().UTC()
			if err := p.db.UpdateEntry(ectx, migrated); err != nil {
				log.Ctx(ectx).ErrorContext(ectx, "failed to save migrated entry", slog.Any("error", err))
				continue
			}
			log.Ctx(ectx).InfoContext(ectx, "migrated entry", slog.Int("version", migrated.Version))
		}
		if err := p.Load(ectx, migrated); err != nil && !errors.Is(err, ErrReauthRequired) {
			log.Ctx(ectx).WarnContext(ectx, "initial poll failed", slog.Any("error", err))
		}
	}
	return nil
}

// Load adds or replaces an entry and polls it right away. Stored readings are
// restored first so a failing first poll still publishes the last values.
func (p *Poller) Load(ctx context.Context, entry types.Entry) error {
	p.cycle.Lock()
	defer p.cycle.Unlock()

	creds, err := p.box.Decrypt(ctx, entry.EncryptedCredentials)
	if err != nil {
		return fmt.Errorf("failed to decrypt credentials for %s: %w", entry.ID, err)
	}

	le := &loadedEntry{
		entry: entry,
		creds: creds,
		tanks: make(map[int64]types.TankReading),
	}
	readings, err := p.db.GetReadings(ctx, entry.ID)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to restore readings", slog.Any("error", err))
	}
	for _, tr := range readings {
		le.tanks[tr.Tank.ApparatusID] = tr
	}

	p.mu.Lock()
	p.entries[entry.ID] = le
	p.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "loaded entry",
		slog.String("authMode", string(creds.Mode())),
		slog.Int("selectedTanks", len(entry.SelectedTanks)),
		slog.Int("restoredReadings", len(readings)),
	)

	if entry.AuthStatus.NeedsReauth() {
		// loaded already paused, make sure the prompt exists
		p.mu.Lock()
		onReauth := p.onReauth
		p.mu.Unlock()
		if onReauth != nil {
			onReauth(ctx, entry)
		}
		if err := p.publish(ctx, le); err != nil {
			return err
		}
		return ErrReauthRequired
	}
	return p.poll(ctx, le)
}

// Unload stops polling an entry and removes its entities from the host.
func (p *Poller) Unload(ctx context.Context, entryID string) error {
	p.cycle.Lock()
	defer p.cycle.Unlock()

	p.mu.Lock()
	le, ok := p.entries[entryID]
	delete(p.entries, entryID)
	p.mu.Unlock()

	p.sessions.Remove(entryID)
	removed := p.registry.Remove(entryID)
	if !ok && len(removed) == 0 {
		return ErrNotLoaded
	}

	u := publish.Update{
		EntryID:  entryID,
		Removed:  removed,
		Unloaded: true,
		Time:     p.now().UTC(),
	}
	if le != nil {
		u.Title = le.entry.Title
	}
	return p.publisher.Publish(ctx, u)
}

// Refresh polls one entry immediately.
func (p *Poller) Refresh(ctx context.Context, entryID string) error {
	p.cycle.Lock()
	defer p.cycle.Unlock()

	le, ok := p.get(entryID)
	if !ok {
		return ErrNotLoaded
	}
	return p.poll(log.WithAttrs(ctx, slog.String("entryID", entryID)), le)
}

// Run polls every loaded entry on the interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log.Ctx(ctx).InfoContext(ctx, "starting poller", slog.Duration("interval", p.interval))
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "stopping poller")
			return nil
		case <-ticker.C:
			p.PollAll(ctx)
		}
	}
}

// PollAll runs one cycle over every loaded entry in id order.
func (p *Poller) PollAll(ctx context.Context) {
	p.cycle.Lock()
	defer p.cycle.Unlock()

	p.mu.Lock()
	entries := make([]*loadedEntry, 0, len(p.entries))
	for _, le := range p.entries {
		entries = append(entries, le)
	}
	p.mu.Unlock()
	slices.SortFunc(entries, func(a, b *loadedEntry) int {
		return cmp.Compare(a.entry.ID, b.entry.ID)
	})

	for _, le := range entries {
		ectx := log.WithAttrs(ctx, slog.String("entryID", le.entry.ID))
		err := p.poll(ectx, le)
		switch {
		case err == nil:
		case errors.Is(err, ErrReauthRequired):
			log.Ctx(ectx).DebugContext(ectx, "skipping entry awaiting reauthentication")
		default:
			log.Ctx(ectx).WarnContext(ectx, "poll failed", slog.Any("error", err))
		}
	}
}

// Entry returns the loaded copy of an entry.
func (p *Poller) Entry(entryID string) (types.Entry, bool) {
	le, ok := p.get(entryID)
	if !ok {
		return types.Entry{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return le.entry, true
}

// Readings returns the latest readings of the selected tanks of an entry.
func (p *Poller) Readings(entryID string) ([]types.TankReading, bool) {
	le, ok := p.get(entryID)
	if !ok {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return le.current(), true
}

// States returns the entities last published for an entry.
func (p *Poller) States(entryID string) []types.EntityState {
	return p.registry.States(entryID)
}

func (p *Poller) get(entryID string) (*loadedEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	le, ok := p.entries[entryID]
	return le, ok
}

// poll runs one cycle for the entry. The caller holds p.cycle.
func (p *Poller) poll(ctx context.Context, le *loadedEntry) error {
	if le.entry.AuthStatus.NeedsReauth() {
		return ErrReauthRequired
	}

	client := p.sessions.Client()
	session := p.sessions.Entry(le.entry.ID, le.creds)

	var fetched []types.TankReading
	var failed int
	// listed is set when fetched is the complete list of the account's tanks
	var listed bool
	err := session.Do(ctx, func(cookie string) error {
		// Do may call this twice after a fresh login
		fetched, failed, listed = fetched[:0], 0, false

		if len(le.entry.SelectedTanks) == 0 {
			tanks, err := client.DiscoverPropaneTanks(ctx, cookie)
			if err != nil {
				if errors.Is(err, mobilelink.ErrAuth) {
					return err
				}
				log.Ctx(ctx).WarnContext(ctx, "failed to list tanks, keeping previous readings", slog.Any("error", err))
				failed++
				return nil
			}
			fetched, listed = tanks, true
			return nil
		}

		for _, id := range le.entry.SelectedTanks {
			tr, err := client.GetTank(ctx, cookie, id)
			if err != nil {
				if errors.Is(err, mobilelink.ErrAuth) {
					// stop the cycle, the remaining tanks would fail too
					return err
				}
				log.Ctx(ctx).WarnContext(ctx, "failed to poll tank, keeping previous reading",
					slog.Int64("apparatusID", id),
					slog.Any("error", err),
				)
				failed++
				continue
			}
			fetched = append(fetched, tr)
		}
		return nil
	})

	switch {
	case errors.Is(err, mobilelink.ErrAuth), errors.Is(err, mobilelink.ErrAuthExpired):
		return p.requireReauth(ctx, le, err)
	case err != nil:
		// login could not be attempted, nothing was fetched
		log.Ctx(ctx).WarnContext(ctx, "poll failed, keeping previous readings", slog.Any("error", err))
		failed++
	}

	p.mu.Lock()
	if listed {
		// tanks that left the account are dropped with their entities
		le.tanks = make(map[int64]types.TankReading, len(fetched))
	}
	for _, tr := range fetched {
		le.tanks[tr.Tank.ApparatusID] = tr
	}
	le.pollSuccess = failed == 0
	p.mu.Unlock()

	if len(fetched) > 0 {
		if err := p.db.UpsertReadings(ctx, le.entry.ID, fetched); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to store readings", slog.Any("error", err))
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "polled entry", slog.Int("fetched", len(fetched)), slog.Int("failed", failed))

	return p.publish(ctx, le)
}

func (p *Poller) requireReauth(ctx context.Context, le *loadedEntry, cause error) error {
	reason := "authorization failed"
	if ae, ok := mobilelink.AsAuthError(cause); ok {
		reason = ae.Short()
	}
	now := p.now().UTC()

	p.mu.Lock()
	le.entry.AuthStatus = types.AuthStatus{
		State:  types.AuthStateReauthRequired,
		Reason: reason,
		Since:  now,
	}
	le.entry.UpdatedAt = now
	le.pollSuccess = false
	entry := le.entry
	onReauth := p.onReauth
	p.mu.Unlock()

	log.Ctx(ctx).WarnContext(ctx, "mobile link rejected the entry, reauthentication required",
		slog.String("reason", reason),
		slog.Any("error", cause),
	)

	var errs []error
	if err := p.db.UpdateEntry(ctx, entry); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to store auth status", slog.Any("error", err))
		errs = append(errs, err)
	}
	if onReauth != nil {
		onReauth(ctx, entry)
	}
	if err := p.publish(ctx, le); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(append([]error{fmt.Errorf("%w: %w", ErrReauthRequired, cause)}, errs...)...)
}

// publish maps the entry's readings onto entities and hands them to the
// publisher.
func (p *Poller) publish(ctx context.Context, le *loadedEntry) error {
	p.mu.Lock()
	tanks := le.current()
	u := publish.Update{
		EntryID:        le.entry.ID,
		Title:          le.entry.Title,
		Tanks:          tanks,
		PollSuccess:    le.pollSuccess,
		ReauthRequired: le.entry.AuthStatus.NeedsReauth(),
		Time:           p.now().UTC(),
	}
	options := le.entry.Options
	p.mu.Unlock()

	for _, tr := range tanks {
		u.States = append(u.States, entity.Map(tr.Tank, &tr.Reading, options)...)
	}
	added, removed := p.registry.Apply(le.entry.ID, u.States)
	u.Removed = removed
	if len(added) > 0 || len(removed) > 0 {
		log.Ctx(ctx).InfoContext(ctx, "entities changed", slog.Any("added", added), slog.Any("removed", removed))
	}

	if err := p.publisher.Publish(ctx, u); err != nil {
		return fmt.Errorf("failed to publish entry %s: %w", le.entry.ID, err)
	}
	return nil
}

// current returns the readings of the selected tanks sorted by id. The
// caller holds p.mu.
func (le *loadedEntry) current() []types.TankReading {
	tanks := make([]types.TankReading, 0, len(le.tanks))
	for id, tr := range le.tanks {
		if le.entry.IsSelected(id) {
			tanks = append(tanks, tr)
		}
	}
	slices.SortFunc(tanks, func(a, b types.TankReading) int {
		return cmp.Compare(a.Tank.ApparatusID, b.Tank.ApparatusID)
	})
	return tanks
}
