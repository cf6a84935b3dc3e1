package types

import "fmt"

// Domain prefixes unique ids and device identifiers.
const Domain = "mobilelink_propane"

// SensorKind identifies one of the sensors created per tank.
type SensorKind string

const (
	SensorPropanePercent SensorKind = "propane_percent"
	SensorLastReading    SensorKind = "last_reading"
	SensorCapacity       SensorKind = "capacity"
	SensorBattery        SensorKind = "battery"
	SensorStatus         SensorKind = "status"
)

// SensorKinds lists every kind in the order entities are created.
var SensorKinds = []SensorKind{
	SensorPropanePercent,
	SensorLastReading,
	SensorCapacity,
	SensorBattery,
	SensorStatus,
}

// UniqueID returns the stable id of the sensor of the given kind for a tank.
func UniqueID(apparatusID int64, kind SensorKind) string {
	return fmt.Sprintf("%s_%d_%s", Domain, apparatusID, kind)
}

// DeviceInfo groups the entities of one tank together on the host.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// EntityState is what the host shows for one sensor after a poll.
type EntityState struct {
	UniqueID    string     `json:"uniqueID"`
	Name        string     `json:"name"`
	Kind        SensorKind `json:"kind"`
	ApparatusID int64      `json:"apparatusID"`

	Unit        string `json:"unit,omitempty"`
	DeviceClass string `json:"deviceClass,omitempty"`
	StateClass  string `json:"stateClass,omitempty"`
	Icon        string `json:"icon,omitempty"`

	Available bool `json:"available"`
	// State is the rendered value and Value its numeric form when there is one
	State      string         `json:"state"`
	Value      *float64       `json:"value,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`

	Device DeviceInfo `json:"device"`
}
