package types

import (
	"fmt"
	"slices"
	"time"
)

// CurrentEntryVersion is the current version of the entry struct.
// Increment this value when adding new fields that require default values.
const CurrentEntryVersion = 3

// AuthMode is how an entry authenticates against Mobile Link.
type AuthMode string

const (
	// AuthModePassword logs in with an email and password and keeps the
	// resulting dashboard cookies in memory.
	AuthModePassword AuthMode = "password"
	// AuthModeCookie reuses a Cookie header copied from a logged in browser.
	AuthModeCookie AuthMode = "cookie"
)

// AuthState tracks whether an entry is allowed to poll.
type AuthState string

const (
	AuthStateOK             AuthState = "ok"
	AuthStateReauthRequired AuthState = "reauth_required"
)

// Credentials for Mobile Link. Exactly one of Password or CookieHeader is
// expected to be set.
type Credentials struct {
	Email        string `json:"email,omitempty"`
	Password     string `json:"password,omitempty"`
	CookieHeader string `json:"cookieHeader,omitempty"`
}

// Mode returns which setup path the credentials belong to.
func (c Credentials) Mode() AuthMode {
	if c.Password != "" {
		return AuthModePassword
	}
	return AuthModeCookie
}

// Redacted returns a copy safe for logs and diagnostics.
func (c Credentials) Redacted() Credentials {
	if c.Password != "" {
		c.Password = Redacted
	}
	if c.CookieHeader != "" {
		c.CookieHeader = Redacted
	}
	return c
}

// Redacted replaces secrets in diagnostics output.
const Redacted = "***REDACTED***"

// SensorOptions is the set of optional sensors the user enabled for an entry.
// The propane percentage sensor is always created.
type SensorOptions struct {
	LastReading bool `json:"create_last_reading_sensor"`
	Capacity    bool `json:"create_capacity_sensor"`
	Battery     bool `json:"create_battery_sensor"`
	Status      bool `json:"create_status_sensor"`
}

// Enabled reports whether the optional sensor kind is turned on.
func (o SensorOptions) Enabled(kind SensorKind) bool {
	switch kind {
	case SensorPropanePercent:
		return true
	case SensorLastReading:
		return o.LastReading
	case SensorCapacity:
		return o.Capacity
	case SensorBattery:
		return o.Battery
	case SensorStatus:
		return o.Status
	default:
		return false
	}
}

// AuthStatus is persisted with the entry so a reauth prompt survives restarts.
type AuthStatus struct {
	State  AuthState `json:"state"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since,omitempty"`
}

// NeedsReauth is true when polling must stay paused until the user
// provides new credentials.
func (a AuthStatus) NeedsReauth() bool {
	return a.State == AuthStateReauthRequired
}

// Entry is a configured Mobile Link account and the tanks selected from it.
type Entry struct {
	ID       string   `json:"id"`
	UniqueID string   `json:"uniqueID"`
	Title    string   `json:"title"`
	AuthMode AuthMode `json:"authMode"`

	// Credentials for Mobile Link (encrypted)
	EncryptedCredentials []byte `json:"encryptedCredentials,omitempty"`

	SelectedTanks []int64       `json:"selectedTanks"`
	Options       SensorOptions `json:"options"`
	AuthStatus    AuthStatus    `json:"authStatus"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsSelected reports whether the tank should be polled. An empty selection
// means every discovered tank.
func (e Entry) IsSelected(apparatusID int64) bool {
	if len(e.SelectedTanks) == 0 {
		return true
	}
	return slices.Contains(e.SelectedTanks, apparatusID)
}

// MigrateEntry migrates the entry to the current version.
// It returns the migrated entry, a boolean indicating if changes were made, and an error if migration failed.
func MigrateEntry(e Entry) (Entry, bool, error) {
	if e.Version >= CurrentEntryVersion {
		return e, false, nil
	}

	migrated := false
	for version := e.Version + 1; version <= CurrentEntryVersion; version++ {
		switch version {
		case 1:
			// version 1: the first releases only supported a pasted cookie
			if e.AuthMode == "" {
				e.AuthMode = AuthModeCookie
				migrated = true
			}
			if e.AuthStatus.State == "" {
				e.AuthStatus.State = AuthStateOK
				migrated = true
			}
		case 2:
			// version 2: selected tanks are kept sorted and unique
			if len(e.SelectedTanks) > 0 {
				sorted := slices.Clone(e.SelectedTanks)
				slices.Sort(sorted)
				sorted = slices.Compact(sorted)
				if !slices.Equal(sorted, e.SelectedTanks) {
					e.SelectedTanks = sorted
					migrated = true
				}
			}
		case 3:
			if e.Title == "" {
				e.Title = "Mobile Link"
				migrated = true
			}
		default:
			return e, false, fmt.Errorf("unknown entry version: %d", version)
		}
	}
	e.Version = CurrentEntryVersion

	return e, migrated, nil
}
