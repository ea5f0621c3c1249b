package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/agentwire/agentwire/logging"
	"github.com/agentwire/agentwire/trust"
	"github.com/agentwire/agentwire/wire"
)

// MemoryRegistry is an in-memory implementation of Registry.
// Suitable for single-node deployments; the KV registry covers the
// distributed case.
type MemoryRegistry struct {
	mu       sync.RWMutex
	records  map[string]Record // keyed by capability id
	watchers []chan Event
	closed   bool

	trust      trust.Source
	staleAfter time.Duration
	stopCh     chan struct{}
	log        *logging.Logger
}

// MemoryConfig configures the in-memory registry.
type MemoryConfig struct {
	// StalenessThreshold after which a record is hidden and evictable.
	// Zero means DefaultStalenessThreshold.
	StalenessThreshold time.Duration

	// SweepInterval between eviction passes. Zero means
	// DefaultSweepInterval; negative disables the sweep goroutine.
	SweepInterval time.Duration

	// Trust scores advertisers for filtered finds. Nil disables
	// trust filtering and sorting.
	Trust trust.Source

	// Logger for registry events. Nil means a default logger.
	Logger *logging.Logger
}

// NewMemoryRegistry creates a new in-memory registry.
func NewMemoryRegistry(cfg MemoryConfig) *MemoryRegistry {
	if cfg.StalenessThreshold == 0 {
		cfg.StalenessThreshold = DefaultStalenessThreshold
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}

	r := &MemoryRegistry{
		records:    make(map[string]Record),
		watchers:   make([]chan Event, 0),
		trust:      cfg.Trust,
		staleAfter: cfg.StalenessThreshold,
		stopCh:     make(chan struct{}),
		log:        log.WithComponent("discovery"),
	}

	if cfg.SweepInterval > 0 {
		go r.sweepLoop(cfg.SweepInterval)
	}

	return r
}

// ProcessAdvertisement records a capability advertisement.
func (r *MemoryRegistry) ProcessAdvertisement(ad wire.CapabilityAdvertisement) error {
	if err := validateAdvertisement(ad); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	record := Record{
		Advertisement: ad,
		LastSeen:      time.Now(),
	}

	prev, exists := r.records[ad.CapabilityID]
	r.records[ad.CapabilityID] = record

	// Last write wins, even across advertisers. The owner change is
	// observable in logs but not rejected.
	if exists && prev.Advertisement.AgentID != ad.AgentID {
		r.log.Debug("capability_owner_changed", map[string]interface{}{
			"capability_id": ad.CapabilityID,
			"old_agent":     prev.Advertisement.AgentID,
			"new_agent":     ad.AgentID,
		})
	}
	r.log.CapabilityRegistered(ad.CapabilityID, ad.AgentID, exists)

	eventType := EventAdded
	if exists {
		eventType = EventUpdated
	}
	r.notifyWatchers(Event{Type: eventType, Record: record})

	return nil
}

// Get retrieves a capability record by id.
func (r *MemoryRegistry) Get(capabilityID string) (*Record, error) {
	if capabilityID == "" {
		return nil, ErrMissingCapabilityID
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	record, exists := r.records[capabilityID]
	if !exists {
		return nil, ErrNotFound
	}

	// Staleness is re-checked at every read, not just at sweep time.
	if r.stale(record, time.Now()) {
		return nil, ErrNotFound
	}

	return &record, nil
}

// IsAvailable reports whether a capability exists and is fresh.
func (r *MemoryRegistry) IsAvailable(capabilityID string) bool {
	record, err := r.Get(capabilityID)
	return err == nil && record != nil
}

// Find returns advertisements matching the filter.
func (r *MemoryRegistry) Find(filter Filter) ([]wire.CapabilityAdvertisement, error) {
	r.mu.RLock()

	if r.closed {
		r.mu.RUnlock()
		return nil, ErrClosed
	}

	now := time.Now()
	var result []wire.CapabilityAdvertisement
	for _, record := range r.records {
		if r.stale(record, now) {
			continue
		}
		if matchesFilter(record.Advertisement, filter) {
			result = append(result, record.Advertisement)
		}
	}
	r.mu.RUnlock()

	// Deterministic base order before the stable trust sort.
	sort.Slice(result, func(i, j int) bool {
		return result[i].CapabilityID < result[j].CapabilityID
	})

	return applyTrust(result, filter, r.trust), nil
}

// All returns every fresh record.
func (r *MemoryRegistry) All() ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	now := time.Now()
	var result []Record
	for _, record := range r.records {
		if r.stale(record, now) {
			continue
		}
		result = append(result, record)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Advertisement.CapabilityID < result[j].Advertisement.CapabilityID
	})

	return result, nil
}

// RemoveStale evicts records past the staleness threshold.
func (r *MemoryRegistry) RemoveStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0
	}

	now := time.Now()
	var stale []string
	for id, record := range r.records {
		if r.stale(record, now) {
			stale = append(stale, id)
		}
	}

	for _, id := range stale {
		record := r.records[id]
		delete(r.records, id)
		r.notifyWatchers(Event{Type: EventRemoved, Record: record})
	}

	r.log.StaleCapabilitiesRemoved(len(stale))
	return len(stale)
}

// Watch returns a channel of registry events.
func (r *MemoryRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, 64)
	r.watchers = append(r.watchers, ch)

	return ch, nil
}

// Close shuts down the registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true
	close(r.stopCh)

	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil

	return nil
}

// stale reports whether a record is past the staleness threshold.
func (r *MemoryRegistry) stale(record Record, now time.Time) bool {
	return r.staleAfter > 0 && now.Sub(record.LastSeen) > r.staleAfter
}

// notifyWatchers sends an event to all watchers.
// Must be called with lock held.
func (r *MemoryRegistry) notifyWatchers(event Event) {
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

// sweepLoop periodically evicts stale records.
func (r *MemoryRegistry) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RemoveStale()
		}
	}
}
