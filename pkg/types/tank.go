package types

import "time"

// ApparatusTypePropane is the apparatus type Mobile Link uses for tank
// monitors. Generators and other equipment use other values.
const ApparatusTypePropane = 2

// Device is the monitor hardware attached to a tank.
type Device struct {
	DeviceID   string `json:"deviceId,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
}

// Tank is a propane tank discovered from the apparatus list. It does not
// change after discovery except by explicit reconfiguration.
type Tank struct {
	ApparatusID int64  `json:"apparatusId"`
	Name        string `json:"name"`
	Type        int    `json:"type"`
	Device      Device `json:"device"`
}

// Reading is the latest telemetry for one tank. Every poll replaces it
// wholesale. Empty strings and nil pointers mean the vendor omitted the field.
type Reading struct {
	ApparatusID int64 `json:"apparatusId"`

	IsConnected bool     `json:"isConnected"`
	FuelLevel   *float64 `json:"fuelLevel,omitempty"`

	// LastReading is the raw vendor value and LastReadingTime its parsed form
	LastReading     string     `json:"lastReading,omitempty"`
	LastReadingTime *time.Time `json:"lastReadingTime,omitempty"`

	// Capacity is kept as text since the vendor sends both numbers and strings
	Capacity     string `json:"capacity,omitempty"`
	BatteryLevel string `json:"batteryLevel,omitempty"`
	Status       string `json:"status,omitempty"`

	FetchedAt time.Time `json:"fetchedAt"`
}

// TankReading pairs a tank with the reading that arrived alongside it.
type TankReading struct {
	Tank    Tank    `json:"tank"`
	Reading Reading `json:"reading"`
}
