// Package diagnostics builds the troubleshooting dump of an entry.
package diagnostics

import (
	"strconv"
	"time"

	"github.com/raterudder/mobilelink/pkg/types"
)

// Report is safe to share: secrets are replaced with types.Redacted.
type Report struct {
	Entry      EntryData           `json:"entry_data"`
	Options    types.SensorOptions `json:"entry_options"`
	AuthStatus types.AuthStatus    `json:"auth_status"`
	Tanks      map[string]Tank     `json:"tanks"`
	Entities   []string            `json:"entities"`
}

// EntryData is the stored entry with its credentials decrypted and redacted.
type EntryData struct {
	ID            string         `json:"entry_id"`
	Title         string         `json:"title"`
	UniqueID      string         `json:"unique_id"`
	AuthMode      types.AuthMode `json:"auth_mode"`
	Email         string         `json:"email,omitempty"`
	Password      string         `json:"password,omitempty"`
	CookieHeader  string         `json:"cookie_header,omitempty"`
	SelectedTanks []int64        `json:"selected_tanks"`
	Version       int            `json:"version"`
}

// Tank is the parsed state of one tank.
type Tank struct {
	ApparatusID      int64     `json:"apparatus_id"`
	Name             string    `json:"name"`
	FuelLevelPercent *float64  `json:"fuel_level_percent"`
	LastReading      *string   `json:"last_reading"`
	CapacityGallons  *string   `json:"capacity_gallons"`
	IsConnected      bool      `json:"is_connected"`
	Device           Device    `json:"device"`
	FetchedAt        time.Time `json:"fetched_at"`
}

// Device is the monitor attached to a tank.
type Device struct {
	DeviceID     *string `json:"device_id"`
	DeviceType   *string `json:"device_type"`
	BatteryLevel *string `json:"battery_level"`
	Status       *string `json:"status"`
}

// Build assembles the report of an entry.
func Build(entry types.Entry, creds types.Credentials, readings []types.TankReading, states []types.EntityState) Report {
	redacted := creds.Redacted()
	r := Report{
		Entry: EntryData{
			ID:            entry.ID,
			Title:         entry.Title,
			UniqueID:      entry.UniqueID,
			AuthMode:      entry.AuthMode,
			Email:         redacted.Email,
			Password:      redacted.Password,
			CookieHeader:  redacted.CookieHeader,
			SelectedTanks: entry.SelectedTanks,
			Version:       entry.Version,
		},
		Options:    entry.Options,
		AuthStatus: entry.AuthStatus,
		Tanks:      make(map[string]Tank, len(readings)),
		Entities:   make([]string, 0, len(states)),
	}
	for _, tr := range readings {
		r.Tanks[strconv.FormatInt(tr.Tank.ApparatusID, 10)] = Tank{
			ApparatusID:      tr.Tank.ApparatusID,
			Name:             tr.Tank.Name,
			FuelLevelPercent: tr.Reading.FuelLevel,
			LastReading:      optional(tr.Reading.LastReading),
			CapacityGallons:  optional(tr.Reading.Capacity),
			IsConnected:      tr.Reading.IsConnected,
			Device: Device{
				DeviceID:     optional(tr.Tank.Device.DeviceID),
				DeviceType:   optional(tr.Tank.Device.DeviceType),
				BatteryLevel: optional(tr.Reading.BatteryLevel),
				Status:       optional(tr.Reading.Status),
			},
			FetchedAt: tr.Reading.FetchedAt,
		}
	}
	for _, s := range states {
		r.Entities = append(r.Entities, s.UniqueID)
	}
	return r
}

// optional renders missing vendor fields as null.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
