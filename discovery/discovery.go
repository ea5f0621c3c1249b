// Package discovery provides capability registration and lookup for
// inter-agent collaboration.
//
// Agents broadcast capability advertisements; the registry records them
// with a last-seen timestamp and answers filtered queries. Entries that
// are not refreshed within the staleness threshold disappear from every
// read path and are eventually evicted by a background sweep.
package discovery

import (
	"errors"
	"sort"
	"time"

	"github.com/agentwire/agentwire/trust"
	"github.com/agentwire/agentwire/wire"
)

// Common errors.
var (
	ErrNotFound            = errors.New("capability not found")
	ErrClosed              = errors.New("registry closed")
	ErrMissingCapabilityID = errors.New("advertisement missing capability_id")
	ErrMissingAgentID      = errors.New("advertisement missing agent_id")
)

// Default staleness policy.
const (
	DefaultStalenessThreshold = 600 * time.Second
	DefaultSweepInterval      = 60 * time.Second
)

// Record is a capability advertisement plus registry bookkeeping.
type Record struct {
	Advertisement wire.CapabilityAdvertisement

	// LastSeen is when the advertisement was last received.
	LastSeen time.Time
}

// Filter specifies criteria for finding capabilities.
// Zero-valued fields are ignored.
type Filter struct {
	// CapabilityID matches exactly one capability.
	CapabilityID string

	// Name matches the capability name exactly.
	Name string

	// Tags requires the capability's tags to be a superset.
	Tags []string

	// MinTrust excludes capabilities whose advertiser scores below it.
	MinTrust float64

	// SortByTrust orders results by advertiser trust, highest first.
	// The sort is stable: equal scores keep their relative order.
	SortByTrust bool
}

// EventType represents the type of registry event.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event represents a change in the registry.
type Event struct {
	// Type indicates what happened.
	Type EventType

	// Record contains the capability record.
	// For removal events, this contains the last known state.
	Record Record
}

// Registry provides capability registration and discovery.
type Registry interface {
	// ProcessAdvertisement records a capability advertisement.
	// Advertisements missing capability_id or agent_id are rejected
	// without mutating the registry. A repeated capability_id replaces
	// the previous record wholesale, even across advertisers.
	ProcessAdvertisement(ad wire.CapabilityAdvertisement) error

	// Get retrieves a capability record by id.
	// Stale records are reported as ErrNotFound even before the sweep
	// evicts them.
	Get(capabilityID string) (*Record, error)

	// IsAvailable reports whether a capability exists and is fresh.
	IsAvailable(capabilityID string) bool

	// Find returns advertisements matching the filter.
	Find(filter Filter) ([]wire.CapabilityAdvertisement, error)

	// All returns every fresh record.
	All() ([]Record, error)

	// RemoveStale evicts records past the staleness threshold and
	// returns how many were removed. Safe to call repeatedly.
	RemoveStale() int

	// Watch returns a channel of registry events.
	// The channel is closed when the registry is closed.
	Watch() (<-chan Event, error)

	// Close shuts down the registry.
	Close() error
}

// matchesFilter checks everything except trust, which needs a Source.
func matchesFilter(ad wire.CapabilityAdvertisement, filter Filter) bool {
	if filter.CapabilityID != "" && ad.CapabilityID != filter.CapabilityID {
		return false
	}
	if filter.Name != "" && ad.Name != filter.Name {
		return false
	}
	if len(filter.Tags) > 0 && !ad.HasAllTags(filter.Tags) {
		return false
	}
	return true
}

// applyTrust filters by minimum trust and optionally sorts, highest
// trust first. Stable so equal scores keep registry order.
func applyTrust(ads []wire.CapabilityAdvertisement, filter Filter, src trust.Source) []wire.CapabilityAdvertisement {
	if src == nil {
		return ads
	}

	if filter.MinTrust > 0 {
		kept := ads[:0]
		for _, ad := range ads {
			if src.Score(ad.AgentID) >= filter.MinTrust {
				kept = append(kept, ad)
			}
		}
		ads = kept
	}

	if filter.SortByTrust {
		sort.SliceStable(ads, func(i, j int) bool {
			return src.Score(ads[i].AgentID) > src.Score(ads[j].AgentID)
		})
	}

	return ads
}

// validateAdvertisement checks the fields every advertisement must carry.
func validateAdvertisement(ad wire.CapabilityAdvertisement) error {
	if ad.CapabilityID == "" {
		return ErrMissingCapabilityID
	}
	if ad.AgentID == "" {
		return ErrMissingAgentID
	}
	return nil
}
