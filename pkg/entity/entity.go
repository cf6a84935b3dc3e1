// Package entity turns tank readings into the sensor entities shown on the
// host.
package entity

import (
	"strconv"
	"strings"
	"time"

	"github.com/raterudder/mobilelink/pkg/types"
)

const (
	manufacturer = "Generac"
	defaultModel = "Mobile Link Propane Monitor"
)

// Map returns the entities for one tank. The propane percentage sensor is
// always returned; the optional sensors only when enabled in options and the
// reading carries the field. A nil reading means the tank has not been
// polled successfully yet.
func Map(tank types.Tank, reading *types.Reading, options types.SensorOptions) []types.EntityState {
	device := deviceInfo(tank)
	available := reading != nil && reading.IsConnected

	states := make([]types.EntityState, 0, len(types.SensorKinds))
	states = append(states, percentSensor(tank, reading, device))
	if reading == nil {
		return states
	}

	if options.Enabled(types.SensorLastReading) && reading.LastReading != "" {
		s := newState(tank, types.SensorLastReading, "Last Reading", device, available)
		s.DeviceClass = "timestamp"
		s.Icon = "mdi:clock-outline"
		s.State = reading.LastReading
		if reading.LastReadingTime != nil {
			s.State = reading.LastReadingTime.UTC().Format(time.RFC3339)
		}
		states = append(states, s)
	}
	if options.Enabled(types.SensorCapacity) && reading.Capacity != "" {
		s := newState(tank, types.SensorCapacity, "Capacity", device, available)
		s.Unit = "gal"
		s.Icon = "mdi:water"
		s.State = reading.Capacity
		if f, err := strconv.ParseFloat(reading.Capacity, 64); err == nil {
			s.Value = &f
			s.State = formatFloat(f)
		}
		states = append(states, s)
	}
	if options.Enabled(types.SensorBattery) && reading.BatteryLevel != "" {
		s := newState(tank, types.SensorBattery, "Battery", device, available)
		s.Icon = "mdi:battery"
		s.State = reading.BatteryLevel
		states = append(states, s)
	}
	if options.Enabled(types.SensorStatus) && reading.Status != "" {
		s := newState(tank, types.SensorStatus, "Status", device, available)
		s.Icon = "mdi:access-point-network"
		s.State = reading.Status
		states = append(states, s)
	}
	return states
}

func percentSensor(tank types.Tank, reading *types.Reading, device types.DeviceInfo) types.EntityState {
	s := newState(tank, types.SensorPropanePercent, "Propane", device, false)
	s.Unit = "%"
	s.Icon = "mdi:gas-cylinder"
	s.StateClass = "measurement"
	s.Attributes = map[string]any{
		"apparatus_id": tank.ApparatusID,
	}
	if reading == nil {
		return s
	}

	s.Attributes["last_reading"] = nullable(reading.LastReading)
	s.Attributes["capacity_gallons"] = nullable(reading.Capacity)
	s.Attributes["is_connected"] = reading.IsConnected
	if tank.Device != (types.Device{}) || reading.BatteryLevel != "" || reading.Status != "" {
		s.Attributes["device_id"] = nullable(tank.Device.DeviceID)
		s.Attributes["device_type"] = nullable(tank.Device.DeviceType)
		s.Attributes["battery_level"] = nullable(reading.BatteryLevel)
		s.Attributes["device_status"] = nullable(reading.Status)
	}

	if reading.FuelLevel != nil && reading.IsConnected {
		v := *reading.FuelLevel
		s.Value = &v
		s.State = formatFloat(v)
		s.Available = true
	}
	return s
}

func newState(tank types.Tank, kind types.SensorKind, suffix string, device types.DeviceInfo, available bool) types.EntityState {
	return types.EntityState{
		UniqueID:    types.UniqueID(tank.ApparatusID, kind),
		Name:        tankName(tank) + " " + suffix,
		Kind:        kind,
		ApparatusID: tank.ApparatusID,
		Available:   available,
		Device:      device,
	}
}

func deviceInfo(tank types.Tank) types.DeviceInfo {
	ids := []string{types.Domain + "_" + strconv.FormatInt(tank.ApparatusID, 10)}
	if tank.Device.DeviceID != "" {
		ids = append(ids, types.Domain+"_"+tank.Device.DeviceID)
	}
	model := tank.Device.DeviceType
	if model == "" {
		model = defaultModel
	}
	return types.DeviceInfo{
		Identifiers:  ids,
		Name:         tankName(tank),
		Manufacturer: manufacturer,
		Model:        model,
	}
}

func tankName(tank types.Tank) string {
	if name := strings.TrimSpace(tank.Name); name != "" {
		return name
	}
	return strconv.FormatInt(tank.ApparatusID, 10)
}

// nullable keeps missing values as JSON null in attributes.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
