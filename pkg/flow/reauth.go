package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raterudder/mobilelink/pkg/log"
	"github.com/raterudder/mobilelink/pkg/storage"
	"github.com/raterudder/mobilelink/pkg/types"
)

// ReauthRequired raises the reauthentication prompt for an entry the poller
// paused. It has the signature of poller.ReauthFunc.
func (m *Manager) ReauthRequired(ctx context.Context, entry types.Entry) {
	// the flow may be running the step that triggered this poll, so its lock
	// must not be taken here
	if f, ok := m.findFlow(KindReauth, entry.ID); ok {
		log.Ctx(ctx).DebugContext(ctx, "reauth flow already in progress", slog.String("entryID", entry.ID), slog.String("flowID", f.id))
		return
	}
	res, err := m.StartReauth(ctx, entry.ID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start reauth flow", slog.String("entryID", entry.ID), slog.Any("error", err))
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "reauthentication requested", slog.String("entryID", entry.ID), slog.String("flowID", res.FlowID))
}

// StartReauth returns the reauth flow of an entry, starting one if none is in
// progress.
func (m *Manager) StartReauth(ctx context.Context, entryID string) (Result, error) {
	if f, ok := m.findFlow(KindReauth, entryID); ok {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.last, nil
	}

	entry, creds, res, ok, err := m.loadEntry(ctx, entryID)
	if !ok || err != nil {
		return res, err
	}

	f := m.add(KindReauth, StepReauthConfirm, entry.ID)
	defer f.mu.Unlock()
	f.creds = creds
	f.uniqueID = entry.UniqueID
	return m.finish(f, reauthForm(f, nil)), nil
}

func reauthForm(f *flow, errs map[string]string) Result {
	placeholders := map[string]string{"error_detail": f.lastErrorDetail}
	if f.creds.Mode() == types.AuthModePassword {
		placeholders["email"] = f.creds.Email
		return form(StepReauthConfirm, []Field{
			{Name: FieldPassword, Type: "password", Required: true},
		}, errs, placeholders)
	}
	return form(StepReauthConfirm, []Field{
		{Name: FieldCookieHeader, Type: "password", Required: true},
	}, errs, placeholders)
}

func (m *Manager) stepReauthConfirm(ctx context.Context, f *flow, in Input) (Result, error) {
	client := m.sessions.Client()
	creds := f.creds

	var err error
	if creds.Mode() == types.AuthModePassword {
		if in.Password == "" {
			return reauthForm(f, map[string]string{errorBase: ErrorInvalidAuth}), nil
		}
		creds.Password = in.Password
		_, err = client.Login(ctx, creds.Email, creds.Password)
	} else {
		cookie := normalizeCookie(in.CookieHeader)
		if cookie == "" {
			return reauthForm(f, map[string]string{errorBase: ErrorInvalidAuth}), nil
		}
		creds.CookieHeader = cookie
		_, err = m.discover(ctx, cookie)
	}
	if err != nil {
		f.lastErrorDetail = errorDetail(err)
		log.Ctx(ctx).WarnContext(ctx, "reauthentication failed", slog.String("detail", f.lastErrorDetail))
		return reauthForm(f, map[string]string{errorBase: errorReason(err)}), nil
	}

	entry, err := m.db.GetEntry(ctx, f.entryID)
	if errors.Is(err, storage.ErrEntryNotFound) {
		return abort(AbortUnknownEntry), nil
	} else if err != nil {
		return Result{}, fmt.Errorf("failed to get entry: %w", err)
	}
	enc, err := m.box.Encrypt(ctx, creds)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	entry.EncryptedCredentials = enc
	entry.AuthStatus = types.AuthStatus{State: types.AuthStateOK}
	entry.UpdatedAt = m.now().UTC()
	if err := m.db.UpdateEntry(ctx, entry); err != nil {
		return Result{}, fmt.Errorf("failed to update entry: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "entry reauthenticated", slog.String("entryID", entry.ID))

	m.load(ctx, entry)
	return abort(AbortReauthSuccessful), nil
}

// loadEntry reads and decrypts an entry. A missing entry aborts.
func (m *Manager) loadEntry(ctx context.Context, entryID string) (types.Entry, types.Credentials, Result, bool, error) {
	entry, err := m.db.GetEntry(ctx, entryID)
	if errors.Is(err, storage.ErrEntryNotFound) {
		return types.Entry{}, types.Credentials{}, abort(AbortUnknownEntry), false, nil
	} else if err != nil {
		return types.Entry{}, types.Credentials{}, Result{}, false, fmt.Errorf("failed to get entry: %w", err)
	}
	creds, err := m.box.Decrypt(ctx, entry.EncryptedCredentials)
	if err != nil {
		return types.Entry{}, types.Credentials{}, Result{}, false, fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	return entry, creds, Result{}, true, nil
}

func (m *Manager) findFlow(kind Kind, entryID string) (*flow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	for _, f := range m.flows {
		if f.kind == kind && f.entryID == entryID {
			return f, true
		}
	}
	return nil, false
}
