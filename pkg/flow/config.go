package flow

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/raterudder/mobilelink/pkg/log"
	"github.com/raterudder/mobilelink/pkg/poller"
	"github.com/raterudder/mobilelink/pkg/types"
)

// StartConfig begins setting up a new entry.
func (m *Manager) StartConfig(ctx context.Context) Result {
	f := m.add(KindConfig, StepUser, "")
	defer f.mu.Unlock()
	log.Ctx(ctx).DebugContext(ctx, "started config flow", slog.String("flowID", f.id))
	return m.finish(f, userForm(nil))
}

func userForm(errs map[string]string) Result {
	return form(StepUser, []Field{{
		Name:     FieldAuthMethod,
		Type:     "select",
		Required: true,
		Default:  string(types.AuthModePassword),
		Options: []Option{
			{Value: string(types.AuthModePassword), Label: "Email and password"},
			{Value: string(types.AuthModeCookie), Label: "Browser cookie"},
		},
	}}, errs, nil)
}

func credentialsForm(f *flow, errs map[string]string) Result {
	schema := []Field{
		{Name: FieldEmail, Type: "string", Required: true, Default: f.creds.Email},
		{Name: FieldPassword, Type: "password", Required: true},
	}
	return form(StepCredentials, schema, errs, map[string]string{"error_detail": f.lastErrorDetail})
}

func cookieForm(f *flow, errs map[string]string) Result {
	schema := []Field{
		{Name: FieldCookieHeader, Type: "password", Required: true},
	}
	return form(StepCookie, schema, errs, map[string]string{"error_detail": f.lastErrorDetail})
}

func (m *Manager) stepUser(ctx context.Context, f *flow, in Input) (Result, error) {
	method := in.AuthMethod
	if method == "" {
		method = types.AuthModePassword
	}
	switch method {
	case types.AuthModePassword:
		return credentialsForm(f, nil), nil
	case types.AuthModeCookie:
		return cookieForm(f, nil), nil
	default:
		return userForm(map[string]string{FieldAuthMethod: ErrorInvalidAuthMethod}), nil
	}
}

func (m *Manager) stepCredentials(ctx context.Context, f *flow, in Input) (Result, error) {
	email := strings.TrimSpace(in.Email)
	f.creds = types.Credentials{Email: email}
	if email == "" || in.Password == "" {
		return credentialsForm(f, map[string]string{errorBase: ErrorInvalidAuth}), nil
	}

	client := m.sessions.Client()
	cookie, err := client.Login(ctx, email, in.Password)
	if err == nil {
		f.tanks, err = m.discover(ctx, cookie)
	}
	if err != nil {
		f.lastErrorDetail = errorDetail(err)
		log.Ctx(ctx).WarnContext(ctx, "mobile link login failed", slog.String("detail", f.lastErrorDetail))
		return credentialsForm(f, map[string]string{errorBase: errorReason(err)}), nil
	}

	f.creds.Password = in.Password
	f.uniqueID = strings.ToLower(email)
	if res, done, err := m.abortIfConfigured(ctx, f.uniqueID); done || err != nil {
		return res, err
	}
	return m.selectTanksForm(f, nil), nil
}

func (m *Manager) stepCookie(ctx context.Context, f *flow, in Input) (Result, error) {
	cookie := normalizeCookie(in.CookieHeader)
	if cookie == "" {
		return cookieForm(f, map[string]string{errorBase: ErrorInvalidAuth}), nil
	}

	tanks, err := m.discover(ctx, cookie)
	if err != nil {
		f.lastErrorDetail = errorDetail(err)
		log.Ctx(ctx).WarnContext(ctx, "mobile link cookie rejected", slog.String("detail", f.lastErrorDetail))
		return cookieForm(f, map[string]string{errorBase: errorReason(err)}), nil
	}

	f.tanks = tanks
	f.creds = types.Credentials{CookieHeader: cookie}
	f.uniqueID = cookieUniqueID(cookie)
	if res, done, err := m.abortIfConfigured(ctx, f.uniqueID); done || err != nil {
		return res, err
	}
	return m.selectTanksForm(f, nil), nil
}

func (m *Manager) selectTanksForm(f *flow, errs map[string]string) Result {
	if len(f.tanks) == 0 {
		return abort(AbortNoTanks)
	}
	return form(StepSelectTanks, []Field{{
		Name:     FieldSelectedTanks,
		Type:     "select",
		Required: true,
		Multiple: true,
		Options:  tankOptions(f.tanks),
	}}, errs, nil)
}

func (m *Manager) stepSelectTanks(ctx context.Context, f *flow, in Input) (Result, error) {
	selected, ok := parseSelection(in.SelectedTanks, f.tanks, nil)
	if !ok {
		return m.selectTanksForm(f, map[string]string{FieldSelectedTanks: ErrorInvalidSelection}), nil
	}

	// another flow may have finished for the same account meanwhile
	if res, done, err := m.abortIfConfigured(ctx, f.uniqueID); done || err != nil {
		return res, err
	}

	enc, err := m.box.Encrypt(ctx, f.creds)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	now := m.now().UTC()
	entry := types.Entry{
		ID:                   newID(),
		UniqueID:             f.uniqueID,
		Title:                entryTitle(f.creds),
		AuthMode:             f.creds.Mode(),
		EncryptedCredentials: enc,
		SelectedTanks:        selected,
		AuthStatus:           types.AuthStatus{State: types.AuthStateOK},
		Version:              types.CurrentEntryVersion,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := m.db.CreateEntry(ctx, entry); err != nil {
		return Result{}, fmt.Errorf("failed to create entry: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "created entry",
		slog.String("entryID", entry.ID),
		slog.String("authMode", string(entry.AuthMode)),
		slog.Int("selectedTanks", len(selected)),
	)

	m.load(ctx, entry)
	return Result{Type: ResultCreateEntry, EntryID: entry.ID, Title: entry.Title}, nil
}

// load reloads the entry. Poll failures show up on the entry itself so they
// do not fail the flow.
func (m *Manager) load(ctx context.Context, entry types.Entry) {
	if m.loader == nil {
		return
	}
	if err := m.loader.Load(ctx, entry); err != nil && !errors.Is(err, poller.ErrReauthRequired) {
		log.Ctx(ctx).WarnContext(ctx, "failed to load entry", slog.String("entryID", entry.ID), slog.Any("error", err))
	}
}

func (m *Manager) abortIfConfigured(ctx context.Context, uniqueID string) (Result, bool, error) {
	entries, err := m.db.ListEntries(ctx)
	if err != nil {
		return Result{}, false, fmt.Errorf("failed to list entries: %w", err)
	}
	for _, e := range entries {
		if e.UniqueID == uniqueID {
			return abort(AbortAlreadyConfigured), true, nil
		}
	}
	return Result{}, false, nil
}

func (m *Manager) discover(ctx context.Context, cookie string) ([]types.Tank, error) {
	readings, err := m.sessions.Client().DiscoverPropaneTanks(ctx, cookie)
	if err != nil {
		return nil, err
	}
	tanks := make([]types.Tank, len(readings))
	for i, tr := range readings {
		tanks[i] = tr.Tank
	}
	return tanks, nil
}

// tankOptions lists the tanks by lowercase name.
func tankOptions(tanks []types.Tank) []Option {
	sorted := slices.Clone(tanks)
	slices.SortStableFunc(sorted, func(a, b types.Tank) int {
		return cmp.Or(
			strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)),
			cmp.Compare(a.ApparatusID, b.ApparatusID),
		)
	})
	opts := make([]Option, len(sorted))
	for i, t := range sorted {
		opts[i] = Option{Value: strconv.FormatInt(t.ApparatusID, 10), Label: t.Name}
	}
	return opts
}

// parseSelection turns the submitted ids into a sorted, unique list. Every id
// must be one of tanks or extra.
// normalizeCookie trims a pasted cookie header. Browsers copy the header
// with its name.
func normalizeCookie(header string) string {
	cookie := strings.TrimSpace(header)
	if name, value, ok := strings.Cut(cookie, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "cookie") {
		cookie = strings.TrimSpace(value)
	}
	return cookie
}

// parseSelection validates a submitted tank selection. At least one tank is
// required.
func parseSelection(values []string, tanks []types.Tank, extra []int64) ([]int64, bool) {
	if len(values) == 0 {
		return nil, false
	}
	selected := make([]int64, 0, len(values))
	for _, v := range values {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, false
		}
		known := slices.Contains(extra, id) || slices.ContainsFunc(tanks, func(t types.Tank) bool {
			return t.ApparatusID == id
		})
		if !known {
			return nil, false
		}
		selected = append(selected, id)
	}
	return normalizeSelection(selected), true
}

func normalizeSelection(ids []int64) []int64 {
	ids = slices.Clone(ids)
	slices.Sort(ids)
	return slices.Compact(ids)
}

func entryTitle(creds types.Credentials) string {
	if creds.Mode() == types.AuthModePassword {
		return "Mobile Link (" + creds.Email + ")"
	}
	return "Mobile Link (cookie)"
}

// cookieUniqueID identifies a cookie entry without storing the cookie in
// the clear.
func cookieUniqueID(cookie string) string {
	sum := sha256.Sum256([]byte(cookie))
	return "cookie_" + hex.EncodeToString(sum[:8])
}
