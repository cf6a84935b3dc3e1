package publish

import (
	"context"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/raterudder/mobilelink/pkg/types"
)

// Collector implements prometheus.Collector over the latest Update of every
// entry.
type Collector struct {
	mu      sync.Mutex
	entries map[string]Update

	level          *prometheus.Desc
	capacity       *prometheus.Desc
	lastReading    *prometheus.Desc
	info           *prometheus.Desc
	pollSuccess    *prometheus.Desc
	reauthRequired *prometheus.Desc
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	tankLabels := []string{"entry_id", "apparatus_id", "tank_name"}
	entryLabels := []string{"entry_id", "title"}
	return &Collector{
		entries: make(map[string]Update),
		level: prometheus.NewDesc(
			"mobilelink_propane_level_percent",
			"Propane fuel level in percent",
			tankLabels,
			nil,
		),
		capacity: prometheus.NewDesc(
			"mobilelink_propane_capacity_gallons",
			"Tank capacity in gallons",
			tankLabels,
			nil,
		),
		lastReading: prometheus.NewDesc(
			"mobilelink_propane_last_reading_timestamp_seconds",
			"Unix time of the last reading reported by the tank monitor",
			tankLabels,
			nil,
		),
		info: prometheus.NewDesc(
			"mobilelink_propane_tank_info",
			"Tank monitor information",
			append(tankLabels, "connected", "battery", "status", "device_type"),
			nil,
		),
		pollSuccess: prometheus.NewDesc(
			"mobilelink_propane_poll_success",
			"Whether the last poll of the entry was successful",
			entryLabels,
			nil,
		),
		reauthRequired: prometheus.NewDesc(
			"mobilelink_propane_reauth_required",
			"Whether the entry is paused until the user reauthenticates",
			entryLabels,
			nil,
		),
	}
}

// Publish implements Publisher by remembering the latest update per entry.
func (c *Collector) Publish(ctx context.Context, u Update) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.Unloaded {
		delete(c.entries, u.EntryID)
		return nil
	}
	c.entries[u.EntryID] = u
	return nil
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.level
	ch <- c.capacity
	ch <- c.lastReading
	ch <- c.info
	ch <- c.pollSuccess
	ch <- c.reauthRequired
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, u := range c.entries {
		ch <- prometheus.MustNewConstMetric(c.pollSuccess, prometheus.GaugeValue, boolFloat(u.PollSuccess), u.EntryID, u.Title)
		ch <- prometheus.MustNewConstMetric(c.reauthRequired, prometheus.GaugeValue, boolFloat(u.ReauthRequired), u.EntryID, u.Title)
		for _, tr := range u.Tanks {
			c.collectTank(ch, u.EntryID, tr)
		}
	}
}

func (c *Collector) collectTank(ch chan<- prometheus.Metric, entryID string, tr types.TankReading) {
	labels := []string{entryID, strconv.FormatInt(tr.Tank.ApparatusID, 10), tr.Tank.Name}
	r := tr.Reading

	if r.FuelLevel != nil && r.IsConnected {
		ch <- prometheus.MustNewConstMetric(c.level, prometheus.GaugeValue, *r.FuelLevel, labels...)
	}
	if f, err := strconv.ParseFloat(r.Capacity, 64); err == nil {
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, f, labels...)
	}
	if r.LastReadingTime != nil {
		ch <- prometheus.MustNewConstMetric(c.lastReading, prometheus.GaugeValue, float64(r.LastReadingTime.Unix()), labels...)
	}

	infoLabels := append(labels, strconv.FormatBool(r.IsConnected), r.BatteryLevel, r.Status, tr.Tank.Device.DeviceType)
	ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1, infoLabels...)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
