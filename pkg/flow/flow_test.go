package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/mobilelink/pkg/common"
	"github.com/raterudder/mobilelink/pkg/mobilelink"
	"github.com/raterudder/mobilelink/pkg/mobilelink/mobilelinktest"
	"github.com/raterudder/mobilelink/pkg/poller"
	"github.com/raterudder/mobilelink/pkg/secret"
	"github.com/raterudder/mobilelink/pkg/storage"
	"github.com/raterudder/mobilelink/pkg/types"
)

const (
	email    = "user@example.com"
	password = "hunter2"
	cookie   = "pasted=1"
)

type fakeLoader struct {
	mu      sync.Mutex
	entries []types.Entry
	err     error
}

func (l *fakeLoader) Load(ctx context.Context, entry types.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return l.err
}

type harness struct {
	fake   *mobilelinktest.Server
	db     *storage.Memory
	box    *secret.Box
	loader *fakeLoader
	m      *Manager
}

func newHarness(t *testing.T) *harness {
	fake := mobilelinktest.New(email, password)
	t.Cleanup(fake.Close)
	fake.AddCookie(cookie)
	fake.SetApparatus(
		`{"apparatusId":1001,"name":"House Tank","type":2,"isConnected":true}`,
		`{"apparatusId":1002,"name":"barn","type":2,"isConnected":true}`,
		`{"apparatusId":1003,"name":"Attic","type":2,"isConnected":true}`,
		`{"apparatusId":9,"name":"Generator","type":0}`,
	)
	box, err := secret.New("01234567890123456789012345678901")
	require.NoError(t, err)

	h := &harness{
		fake:   fake,
		db:     storage.NewMemory(),
		box:    box,
		loader: &fakeLoader{},
	}
	client := mobilelink.New(common.HTTPClient(5*time.Second), fake.URL, fake.LoginBaseURL())
	h.m = New(mobilelink.NewMap(client), h.db, box, h.loader)
	return h
}

func (h *harness) storeEntry(t *testing.T, id string, creds types.Credentials) types.Entry {
	enc, err := h.box.Encrypt(t.Context(), creds)
	require.NoError(t, err)
	e := types.Entry{
		ID:                   id,
		UniqueID:             id,
		Title:                "Mobile Link",
		AuthMode:             creds.Mode(),
		EncryptedCredentials: enc,
		SelectedTanks:        []int64{1001},
		AuthStatus:           types.AuthStatus{State: types.AuthStateReauthRequired, Reason: "session expired"},
		Version:              types.CurrentEntryVersion,
	}
	require.NoError(t, h.db.CreateEntry(t.Context(), e))
	return e
}

func optionValues(f Field) []string {
	var values []string
	for _, o := range f.Options {
		values = append(values, o.Value)
	}
	return values
}

func TestConfigFlowPassword(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	res := h.m.StartConfig(ctx)
	assert.Equal(t, ResultForm, res.Type)
	assert.Equal(t, KindConfig, res.Kind)
	assert.Equal(t, StepUser, res.StepID)
	require.NotEmpty(t, res.FlowID)
	flowID := res.FlowID

	res, err := h.m.Configure(ctx, flowID, Input{AuthMethod: types.AuthModePassword})
	require.NoError(t, err)
	assert.Equal(t, StepCredentials, res.StepID)

	res, err = h.m.Configure(ctx, flowID, Input{Email: email, Password: "nope"})
	require.NoError(t, err)
	assert.Equal(t, StepCredentials, res.StepID)
	assert.Equal(t, map[string]string{"base": ErrorInvalidAuth}, res.Errors)
	assert.Contains(t, res.Placeholders["error_detail"], "invalid email or password")

	res, err = h.m.Configure(ctx, flowID, Input{Email: "  User@Example.com ", Password: password})
	require.NoError(t, err)
	assert.Equal(t, StepSelectTanks, res.StepID)
	require.Len(t, res.Schema, 1)
	// sorted by lowercase name
	assert.Equal(t, []string{"1003", "1002", "1001"}, optionValues(res.Schema[0]))

	got, ok := h.m.Get(flowID)
	require.True(t, ok)
	assert.Equal(t, StepSelectTanks, got.StepID)

	res, err = h.m.Configure(ctx, flowID, Input{SelectedTanks: []string{"1002", "1001", "1002"}})
	require.NoError(t, err)
	assert.Equal(t, ResultCreateEntry, res.Type)
	assert.Equal(t, "Mobile Link (User@Example.com)", res.Title)
	require.NotEmpty(t, res.EntryID)

	entry, err := h.db.GetEntry(ctx, res.EntryID)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", entry.UniqueID)
	assert.Equal(t, types.AuthModePassword, entry.AuthMode)
	assert.Equal(t, []int64{1001, 1002}, entry.SelectedTanks)
	assert.Equal(t, types.SensorOptions{}, entry.Options)
	assert.Equal(t, types.CurrentEntryVersion, entry.Version)
	assert.Equal(t, types.AuthStateOK, entry.AuthStatus.State)

	creds, err := h.box.Decrypt(ctx, entry.EncryptedCredentials)
	require.NoError(t, err)
	assert.Equal(t, types.Credentials{Email: "User@Example.com", Password: password}, creds)

	require.Len(t, h.loader.entries, 1)
	assert.Equal(t, entry.ID, h.loader.entries[0].ID)

	// the finished flow is gone
	_, ok = h.m.Get(flowID)
	assert.False(t, ok)

	t.Run("AlreadyConfigured", func(t *testing.T) {
		res := h.m.StartConfig(ctx)
		res, err := h.m.Configure(ctx, res.FlowID, Input{})
		require.NoError(t, err)
		require.Equal(t, StepCredentials, res.StepID)
		res, err = h.m.Configure(ctx, res.FlowID, Input{Email: email, Password: password})
		require.NoError(t, err)
		assert.Equal(t, ResultAbort, res.Type)
		assert.Equal(t, AbortAlreadyConfigured, res.Reason)
	})
}

func TestConfigFlowCookie(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	res := h.m.StartConfig(ctx)
	flowID := res.FlowID
	res, err := h.m.Configure(ctx, flowID, Input{AuthMethod: types.AuthModeCookie})
	require.NoError(t, err)
	assert.Equal(t, StepCookie, res.StepID)

	res, err = h.m.Configure(ctx, flowID, Input{CookieHeader: "stale=1"})
	require.NoError(t, err)
	assert.Equal(t, StepCookie, res.StepID)
	assert.Equal(t, ErrorInvalidAuth, res.Errors["base"])

	res, err = h.m.Configure(ctx, flowID, Input{CookieHeader: "   "})
	require.NoError(t, err)
	assert.Equal(t, ErrorInvalidAuth, res.Errors["base"])

	res, err = h.m.Configure(ctx, flowID, Input{CookieHeader: "Cookie: " + cookie})
	require.NoError(t, err)
	require.Equal(t, StepSelectTanks, res.StepID)

	res, err = h.m.Configure(ctx, flowID, Input{SelectedTanks: []string{"1003"}})
	require.NoError(t, err)
	require.Equal(t, ResultCreateEntry, res.Type)
	assert.Equal(t, "Mobile Link (cookie)", res.Title)

	entry, err := h.db.GetEntry(ctx, res.EntryID)
	require.NoError(t, err)
	assert.Equal(t, cookieUniqueID(cookie), entry.UniqueID)
	assert.NotContains(t, entry.UniqueID, cookie)
	assert.Equal(t, types.AuthModeCookie, entry.AuthMode)

	creds, err := h.box.Decrypt(ctx, entry.EncryptedCredentials)
	require.NoError(t, err)
	assert.Equal(t, cookie, creds.CookieHeader)

	_, lists, _ := h.fake.Counts()
	assert.Equal(t, 2, lists)
}

func TestConfigFlowErrors(t *testing.T) {
	ctx := context.Background()

	start := func(t *testing.T, h *harness) string {
		res := h.m.StartConfig(ctx)
		res, err := h.m.Configure(ctx, res.FlowID, Input{AuthMethod: types.AuthModePassword})
		require.NoError(t, err)
		return res.FlowID
	}

	t.Run("InvalidAuthMethod", func(t *testing.T) {
		h := newHarness(t)
		res := h.m.StartConfig(ctx)
		res, err := h.m.Configure(ctx, res.FlowID, Input{AuthMethod: "token"})
		require.NoError(t, err)
		assert.Equal(t, StepUser, res.StepID)
		assert.Equal(t, ErrorInvalidAuthMethod, res.Errors[FieldAuthMethod])
	})

	t.Run("MissingFields", func(t *testing.T) {
		h := newHarness(t)
		res, err := h.m.Configure(ctx, start(t, h), Input{Email: email})
		require.NoError(t, err)
		assert.Equal(t, ErrorInvalidAuth, res.Errors["base"])
		logins, _, _ := h.fake.Counts()
		assert.Zero(t, logins)
	})

	for msg, want := range map[string]string{
		"Your account is temporarily locked.": ErrorAccountLocked,
		"Your password has expired.":          ErrorPasswordResetRequired,
		"You are not authorized":              ErrorAccessDenied,
		"Something odd happened":              ErrorCannotConnect,
	} {
		t.Run(want, func(t *testing.T) {
			h := newHarness(t)
			h.fake.SetLoginMessage(msg)
			res, err := h.m.Configure(ctx, start(t, h), Input{Email: email, Password: password})
			require.NoError(t, err)
			assert.Equal(t, want, res.Errors["base"])
			assert.Contains(t, res.Placeholders["error_detail"], msg)
		})
	}

	t.Run("BotBlock", func(t *testing.T) {
		h := newHarness(t)
		h.fake.SetBotBlock(true)
		res, err := h.m.Configure(ctx, start(t, h), Input{Email: email, Password: password})
		require.NoError(t, err)
		assert.Equal(t, ErrorBotBlock, res.Errors["base"])
	})

	t.Run("CannotConnect", func(t *testing.T) {
		h := newHarness(t)
		flowID := start(t, h)
		h.fake.Close()
		res, err := h.m.Configure(ctx, flowID, Input{Email: email, Password: password})
		require.NoError(t, err)
		assert.Equal(t, ErrorCannotConnect, res.Errors["base"])
		assert.Contains(t, res.Placeholders["error_detail"], "unexpected")
	})

	t.Run("NoTanks", func(t *testing.T) {
		h := newHarness(t)
		h.fake.SetApparatus(`{"apparatusId":9,"name":"Generator","type":0}`)
		flowID := start(t, h)
		res, err := h.m.Configure(ctx, flowID, Input{Email: email, Password: password})
		require.NoError(t, err)
		assert.Equal(t, ResultAbort, res.Type)
		assert.Equal(t, AbortNoTanks, res.Reason)
		_, ok := h.m.Get(flowID)
		assert.False(t, ok)
	})

	t.Run("InvalidSelection", func(t *testing.T) {
		h := newHarness(t)
		flowID := start(t, h)
		_, err := h.m.Configure(ctx, flowID, Input{Email: email, Password: password})
		require.NoError(t, err)
		for _, sel := range [][]string{nil, {}, {"abc"}, {"1001", "9999"}, {"9"}} {
			res, err := h.m.Configure(ctx, flowID, Input{SelectedTanks: sel})
			require.NoError(t, err)
			assert.Equal(t, StepSelectTanks, res.StepID)
			assert.Equal(t, ErrorInvalidSelection, res.Errors[FieldSelectedTanks])
		}
		entries, err := h.db.ListEntries(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("LoadFailureDoesNotFailFlow", func(t *testing.T) {
		h := newHarness(t)
		h.loader.err = errors.Join(poller.ErrReauthRequired, assert.AnError)
		flowID := start(t, h)
		_, err := h.m.Configure(ctx, flowID, Input{Email: email, Password: password})
		require.NoError(t, err)
		res, err := h.m.Configure(ctx, flowID, Input{SelectedTanks: []string{"1001"}})
		require.NoError(t, err)
		assert.Equal(t, ResultCreateEntry, res.Type)
	})
}

func TestUnknownAndExpiredFlows(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	res, err := h.m.Configure(ctx, "nope", Input{})
	require.NoError(t, err)
	assert.Equal(t, ResultAbort, res.Type)
	assert.Equal(t, AbortUnknownFlow, res.Reason)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.m.now = func() time.Time { return now }
	res = h.m.StartConfig(ctx)
	assert.Len(t, h.m.Progress(), 1)

	now = now.Add(29 * time.Minute)
	_, ok := h.m.Get(res.FlowID)
	assert.True(t, ok, "touching the flow keeps it alive")

	now = now.Add(31 * time.Minute)
	res, err = h.m.Configure(ctx, res.FlowID, Input{})
	require.NoError(t, err)
	assert.Equal(t, AbortUnknownFlow, res.Reason)
	assert.Empty(t, h.m.Progress())

	res = h.m.StartConfig(ctx)
	assert.True(t, h.m.Abort(res.FlowID))
	assert.False(t, h.m.Abort(res.FlowID))
}

func TestReauthFlowPassword(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	entry := h.storeEntry(t, "e1", types.Credentials{Email: email, Password: "old"})

	h.m.ReauthRequired(ctx, entry)
	h.m.ReauthRequired(ctx, entry)
	progress := h.m.Progress()
	require.Len(t, progress, 1, "one prompt per entry")
	res := progress[0]
	assert.Equal(t, KindReauth, res.Kind)
	assert.Equal(t, StepReauthConfirm, res.StepID)
	assert.Equal(t, email, res.Placeholders["email"])
	require.Len(t, res.Schema, 1)
	assert.Equal(t, FieldPassword, res.Schema[0].Name)

	again, err := h.m.StartReauth(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, res.FlowID, again.FlowID)

	res, err = h.m.Configure(ctx, res.FlowID, Input{Password: "still wrong"})
	require.NoError(t, err)
	assert.Equal(t, StepReauthConfirm, res.StepID)
	assert.Equal(t, ErrorInvalidAuth, res.Errors["base"])

	res, err = h.m.Configure(ctx, res.FlowID, Input{Password: password})
	require.NoError(t, err)
	assert.Equal(t, ResultAbort, res.Type)
	assert.Equal(t, AbortReauthSuccessful, res.Reason)

	stored, err := h.db.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, types.AuthStateOK, stored.AuthStatus.State)
	assert.Empty(t, stored.AuthStatus.Reason)
	creds, err := h.box.Decrypt(ctx, stored.EncryptedCredentials)
	require.NoError(t, err)
	assert.Equal(t, password, creds.Password)
	assert.Equal(t, email, creds.Email)

	require.Len(t, h.loader.entries, 1)
	assert.False(t, h.loader.entries[0].AuthStatus.NeedsReauth())
	assert.Empty(t, h.m.Progress())
}

func TestReauthFlowCookie(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	h.storeEntry(t, "e1", types.Credentials{CookieHeader: "expired=1"})

	res, err := h.m.StartReauth(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, res.Schema, 1)
	assert.Equal(t, FieldCookieHeader, res.Schema[0].Name)

	res, err = h.m.Configure(ctx, res.FlowID, Input{CookieHeader: "expired=1"})
	require.NoError(t, err)
	assert.Equal(t, ErrorInvalidAuth, res.Errors["base"])

	// pasted with the header name, as setup accepts
	res, err = h.m.Configure(ctx, res.FlowID, Input{CookieHeader: "Cookie: " + cookie})
	require.NoError(t, err)
	assert.Equal(t, AbortReauthSuccessful, res.Reason)

	stored, err := h.db.GetEntry(ctx, "e1")
	require.NoError(t, err)
	creds, err := h.box.Decrypt(ctx, stored.EncryptedCredentials)
	require.NoError(t, err)
	assert.Equal(t, cookie, creds.CookieHeader)
	assert.False(t, stored.AuthStatus.NeedsReauth())
}

func TestReauthUnknownEntry(t *testing.T) {
	h := newHarness(t)
	res, err := h.m.StartReauth(t.Context(), "missing")
	require.NoError(t, err)
	assert.Equal(t, ResultAbort, res.Type)
	assert.Equal(t, AbortUnknownEntry, res.Reason)
	assert.Empty(t, h.m.Progress())
}

func TestOptionsFlow(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	h.storeEntry(t, "e1", types.Credentials{CookieHeader: cookie})

	res, err := h.m.StartOptions(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, KindOptions, res.Kind)
	assert.Equal(t, StepSelect, res.StepID)
	assert.Empty(t, res.Errors)
	require.Len(t, res.Schema, 5)
	assert.Equal(t, []string{"1001"}, res.Schema[0].Default)
	assert.Equal(t, []string{"1003", "1002", "1001"}, optionValues(res.Schema[0]))
	assert.Equal(t, FieldCreateBattery, res.Schema[3].Name)
	assert.Equal(t, false, res.Schema[3].Default)

	bad, err := h.m.Configure(ctx, res.FlowID, Input{SelectedTanks: []string{"4242"}})
	require.NoError(t, err)
	assert.Equal(t, ErrorInvalidSelection, bad.Errors[FieldSelectedTanks])

	res, err = h.m.Configure(ctx, res.FlowID, Input{
		SelectedTanks: []string{"1002", "1001"},
		SensorOptions: types.SensorOptions{Battery: true},
	})
	require.NoError(t, err)
	assert.Equal(t, ResultCreateEntry, res.Type)
	assert.Equal(t, "e1", res.EntryID)

	stored, err := h.db.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1001, 1002}, stored.SelectedTanks)
	assert.Equal(t, types.SensorOptions{Battery: true}, stored.Options)
	require.Len(t, h.loader.entries, 1)
	assert.True(t, h.loader.entries[0].Options.Battery)
}

func TestOptionsFlowDiscoveryFails(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	h.storeEntry(t, "e1", types.Credentials{CookieHeader: "expired=1"})

	res, err := h.m.StartOptions(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ErrorInvalidAuth, res.Errors["base"])
	assert.Empty(t, res.Schema[0].Options)

	// the current selection can still be kept
	res, err = h.m.Configure(ctx, res.FlowID, Input{SelectedTanks: []string{"1001"}, SensorOptions: types.SensorOptions{Status: true}})
	require.NoError(t, err)
	assert.Equal(t, ResultCreateEntry, res.Type)

	res, err = h.m.StartOptions(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, AbortUnknownEntry, res.Reason)
}

func TestUpdateOptions(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	h.storeEntry(t, "e1", types.Credentials{CookieHeader: cookie})

	entry, err := h.m.UpdateOptions(ctx, "e1", []int64{1003, 1001, 1003}, types.SensorOptions{Capacity: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{1001, 1003}, entry.SelectedTanks)

	// an empty selection keeps the current one
	entry, err = h.m.UpdateOptions(ctx, "e1", []int64{}, types.SensorOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int64{1001, 1003}, entry.SelectedTanks)
	assert.Len(t, h.loader.entries, 2)

	_, err = h.m.UpdateOptions(ctx, "missing", nil, types.SensorOptions{})
	assert.ErrorIs(t, err, storage.ErrEntryNotFound)
}

func TestErrorReason(t *testing.T) {
	for code, want := range map[mobilelink.AuthCode]string{
		mobilelink.CodeInvalidCredentials:    ErrorInvalidAuth,
		mobilelink.CodeSessionExpired:        ErrorInvalidAuth,
		mobilelink.CodePasswordResetRequired: ErrorPasswordResetRequired,
		mobilelink.CodeAccountLocked:         ErrorAccountLocked,
		mobilelink.CodeBotBlock:              ErrorBotBlock,
		mobilelink.CodeAccessDenied:          ErrorAccessDenied,
		mobilelink.CodeUnknown:               ErrorCannotConnect,
	} {
		assert.Equal(t, want, errorReason(&mobilelink.AuthError{Code: code}), code)
	}
	assert.Equal(t, ErrorCannotConnect, errorReason(mobilelink.ErrAPI))
}
