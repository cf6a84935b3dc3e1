// Package publish exposes poll results to the outside world: Home Assistant
// over MQTT discovery and Prometheus.
package publish

import (
	"context"
	"errors"
	"time"

	"github.com/raterudder/mobilelink/pkg/types"
)

// Update is the result of one poll of an entry.
type Update struct {
	EntryID string
	Title   string

	// Tanks are the latest known readings, including retained ones for tanks
	// whose last poll failed.
	Tanks []types.TankReading
	// States is the full set of entities of the entry after the poll.
	States []types.EntityState
	// Removed are the unique ids of entities that no longer exist.
	Removed []string

	// Unloaded is set when the entry was removed or unloaded. Removed then
	// lists every entity it had.
	Unloaded bool

	PollSuccess    bool
	ReauthRequired bool
	Time           time.Time
}

// Publisher receives every Update.
type Publisher interface {
	Publish(ctx context.Context, u Update) error
}

// Multi fans an update out to every publisher. All publishers are called
// even when one fails.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, u Update) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
