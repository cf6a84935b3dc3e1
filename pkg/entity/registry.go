package entity

import (
	"slices"
	"strings"
	"sync"

	"github.com/raterudder/mobilelink/pkg/types"
)

// Registry remembers which entities were published for each entry so the
// entities that disappear between polls can be removed from the host.
type Registry struct {
	mu      sync.Mutex
	entries map[string]map[string]types.EntityState
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]map[string]types.EntityState),
	}
}

// Apply replaces the entities of an entry with states and returns the unique
// ids that are new and the ones that are gone, both sorted.
func (r *Registry) Apply(entryID string, states []types.EntityState) (added, removed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.entries[entryID]
	next := make(map[string]types.EntityState, len(states))
	for _, s := range states {
		next[s.UniqueID] = s
		if _, ok := prev[s.UniqueID]; !ok {
			added = append(added, s.UniqueID)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	r.entries[entryID] = next

	slices.Sort(added)
	slices.Sort(removed)
	return added, removed
}

// Remove forgets an entry and returns the unique ids it had.
func (r *Registry) Remove(entryID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.entries[entryID]
	delete(r.entries, entryID)
	ids := make([]string, 0, len(prev))
	for id := range prev {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// States returns the last applied entities of an entry sorted by unique id.
func (r *Registry) States(entryID string) []types.EntityState {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.entries[entryID]
	states := make([]types.EntityState, 0, len(cur))
	for _, s := range cur {
		states = append(states, s)
	}
	slices.SortFunc(states, func(a, b types.EntityState) int {
		return strings.Compare(a.UniqueID, b.UniqueID)
	})
	return states
}
