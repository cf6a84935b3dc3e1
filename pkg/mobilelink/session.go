package mobilelink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raterudder/mobilelink/pkg/log"
	"github.com/raterudder/mobilelink/pkg/types"
)

const (
	loginBackoffBase = time.Minute
	loginBackoffMax  = time.Hour
)

// Session holds the cookie used for one entry. Password sessions log in on
// demand and keep the cookie in memory only. Cookie sessions use the pasted
// header until the vendor rejects it.
type Session struct {
	client *Client

	mu     sync.Mutex
	creds  types.Credentials
	cookie string

	// transient login failures back off so a vendor outage does not turn into
	// a login attempt every tick
	loginFailures int
	lastAttempt   time.Time
	now           func() time.Time
}

// NewSession returns a session for the credentials.
func NewSession(client *Client, creds types.Credentials) *Session {
	s := &Session{
		client: client,
		creds:  creds,
		now:    time.Now,
	}
	if creds.Mode() == types.AuthModeCookie {
		s.cookie = creds.CookieHeader
	}
	return s
}

// Mode returns the auth mode of the session's credentials.
func (s *Session) Mode() types.AuthMode {
	return s.creds.Mode()
}

// Cookie returns the current cookie, logging in first if a password session
// has none. A login the vendor refuses returns an error matching
// ErrAuthExpired.
func (s *Session) Cookie(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cookie, _, err := s.cookieLocked(ctx)
	return cookie, err
}

// cookieLocked returns the cookie and whether it was minted by this call.
func (s *Session) cookieLocked(ctx context.Context) (string, bool, error) {
	if s.cookie != "" {
		return s.cookie, false, nil
	}
	if s.creds.Mode() == types.AuthModeCookie {
		return "", false, fmt.Errorf("%w: cookie was rejected and cannot be refreshed", ErrAuthExpired)
	}
	cookie, err := s.loginLocked(ctx)
	if err != nil {
		return "", false, err
	}
	return cookie, true, nil
}

func (s *Session) loginLocked(ctx context.Context) (string, error) {
	if s.loginFailures > 0 {
		wait := loginBackoffBase << (s.loginFailures - 1)
		if wait > loginBackoffMax || wait <= 0 {
			wait = loginBackoffMax
		}
		if next := s.lastAttempt.Add(wait); s.now().Before(next) {
			return "", fmt.Errorf("%w: login backing off until %s after %d failures", ErrAPI, next.Format(time.RFC3339), s.loginFailures)
		}
	}

	s.lastAttempt = s.now()
	cookie, err := s.client.Login(ctx, s.creds.Email, s.creds.Password)
	if err != nil {
		if ae, ok := AsAuthError(err); ok {
			log.Ctx(ctx).WarnContext(ctx, "mobile link login refused", slog.String("code", string(ae.Code)), slog.String("detail", ae.Detail()))
			// refused logins are not retried, the entry waits for the user
			s.loginFailures = 0
			return "", fmt.Errorf("%w: %w", ErrAuthExpired, err)
		}
		s.loginFailures++
		log.Ctx(ctx).WarnContext(ctx, "mobile link login failed", slog.Int("failures", s.loginFailures), slog.Any("error", err))
		return "", err
	}
	s.loginFailures = 0
	s.cookie = cookie
	return cookie, nil
}

// Do calls fn with the session cookie. When fn fails authorization the
// cookie is dropped; a password session logs in once more and retries fn, a
// cookie session fails right away. Any authorization failure that is left is
// returned wrapped in ErrAuthExpired. Errors unrelated to authorization are
// returned as is.
func (s *Session) Do(ctx context.Context, fn func(cookie string) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cookie, fresh, err := s.cookieLocked(ctx)
	if err != nil {
		return err
	}

	err = fn(cookie)
	if err == nil || !errors.Is(err, ErrAuth) {
		return err
	}
	s.cookie = ""

	if s.creds.Mode() == types.AuthModeCookie || fresh {
		return fmt.Errorf("%w: %w", ErrAuthExpired, err)
	}

	log.Ctx(ctx).InfoContext(ctx, "mobile link session rejected, logging in again", slog.Any("error", err))
	cookie, err = s.loginLocked(ctx)
	if err != nil {
		return err
	}
	err = fn(cookie)
	if err != nil && errors.Is(err, ErrAuth) {
		s.cookie = ""
		return fmt.Errorf("%w: %w", ErrAuthExpired, err)
	}
	return err
}

// Invalidate drops the current cookie. A cookie session cannot be used again
// until it is replaced.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookie = ""
}

// Map holds one Session per entry.
type Map struct {
	client *Client

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMap creates a session Map backed by the client.
func NewMap(client *Client) *Map {
	return &Map{
		client:   client,
		sessions: make(map[string]*Session),
	}
}

// Client returns the client shared by every session.
func (m *Map) Client() *Client {
	return m.client
}

// Entry returns the session for the entry. A new session is created when the
// entry is new or its credentials changed.
func (m *Map) Entry(entryID string, creds types.Credentials) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[entryID]; ok && s.creds == creds {
		return s
	}
	s := NewSession(m.client, creds)
	m.sessions[entryID] = s
	return s
}

// Remove forgets the entry's session.
func (m *Map) Remove(entryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, entryID)
}

// SetSession sets the session for an entry. This is primarily used for testing.
func (m *Map) SetSession(entryID string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[entryID] = s
}
