package mobilelink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/raterudder/mobilelink/pkg/log"
	"github.com/raterudder/mobilelink/pkg/types"
)

type apparatus struct {
	ApparatusID json.RawMessage   `json:"apparatusId"`
	Name        string            `json:"name"`
	Type        json.RawMessage   `json:"type"`
	IsConnected json.RawMessage   `json:"isConnected"`
	Properties  []json.RawMessage `json:"properties"`
}

type property struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

type deviceProperty struct {
	DeviceID     json.RawMessage `json:"deviceId"`
	DeviceType   json.RawMessage `json:"deviceType"`
	BatteryLevel json.RawMessage `json:"batteryLevel"`
	Status       json.RawMessage `json:"status"`
}

var lastReadingLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParsePropaneTanks keeps the propane tanks of an apparatus list. Entries
// that are not tanks or cannot be parsed are skipped.
func ParsePropaneTanks(ctx context.Context, list []json.RawMessage) []types.TankReading {
	tanks := make([]types.TankReading, 0, len(list))
	for i, raw := range list {
		tr, err := ParseApparatus(raw)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping unparseable apparatus", slog.Int("index", i), slog.Any("error", err))
			continue
		}
		if tr.Tank.Type != types.ApparatusTypePropane {
			log.Ctx(ctx).DebugContext(ctx, "skipping non-propane apparatus", slog.Int64("apparatusID", tr.Tank.ApparatusID), slog.Int("type", tr.Tank.Type))
			continue
		}
		tanks = append(tanks, tr)
	}
	return tanks
}

// ParseApparatus parses a single apparatus object from either the list or
// the details endpoint. Malformed optional fields are dropped rather than
// failing the whole apparatus.
func ParseApparatus(raw json.RawMessage) (types.TankReading, error) {
	return parseApparatus(raw, 0)
}

// parseApparatus uses fallbackID when the document has no apparatusId. A zero
// fallbackID makes the id required.
func parseApparatus(raw json.RawMessage, fallbackID int64) (types.TankReading, error) {
	var a apparatus
	if err := json.Unmarshal(raw, &a); err != nil {
		return types.TankReading{}, fmt.Errorf("failed to decode apparatus: %w", err)
	}

	id := fallbackID
	if idStr := flexString(a.ApparatusID); idStr != "" {
		var err error
		id, err = strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return types.TankReading{}, fmt.Errorf("invalid apparatusId %q: %w", idStr, err)
		}
	}
	if id == 0 {
		return types.TankReading{}, errors.New("apparatus is missing apparatusId")
	}

	typ := -1
	if ts := flexString(a.Type); ts != "" {
		if v, err := strconv.Atoi(ts); err == nil {
			typ = v
		}
	}

	props := make(map[string]json.RawMessage, len(a.Properties))
	for _, rp := range a.Properties {
		var p property
		if err := json.Unmarshal(rp, &p); err != nil || p.Name == "" {
			continue
		}
		props[p.Name] = p.Value
	}

	name := strings.TrimSpace(a.Name)
	if name == "" {
		name = fmt.Sprintf("Propane Tank %d", id)
	}

	tank := types.Tank{
		ApparatusID: id,
		Name:        name,
		Type:        typ,
	}
	reading := types.Reading{
		ApparatusID: id,
		IsConnected: flexString(a.IsConnected) == "true",
	}

	if v, ok := props["FuelLevel"]; ok {
		if f, err := strconv.ParseFloat(flexString(v), 64); err == nil {
			reading.FuelLevel = &f
		}
	}
	// LastReading is only trusted when it is a string
	if v, ok := props["LastReading"]; ok && startsWith(v, '"') {
		reading.LastReading = flexString(v)
		if t, ok := parseLastReading(reading.LastReading); ok {
			reading.LastReadingTime = &t
		}
	}
	if v, ok := props["Capacity"]; ok {
		reading.Capacity = flexString(v)
	}
	if v, ok := props["Device"]; ok && startsWith(v, '{') {
		var d deviceProperty
		if err := json.Unmarshal(v, &d); err == nil {
			tank.Device = types.Device{
				DeviceID:   flexString(d.DeviceID),
				DeviceType: flexString(d.DeviceType),
			}
			reading.BatteryLevel = flexString(d.BatteryLevel)
			reading.Status = flexString(d.Status)
		}
	}

	return types.TankReading{Tank: tank, Reading: reading}, nil
}

func parseLastReading(s string) (time.Time, bool) {
	for _, layout := range lastReadingLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// flexString renders a JSON scalar as text. Strings are unquoted, numbers and
// booleans keep their literal form, and null, objects and arrays are empty.
func flexString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	case 'n', '{', '[':
		return ""
	default:
		return string(raw)
	}
}
