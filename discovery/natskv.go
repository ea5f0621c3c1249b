package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/agentwire/agentwire/trust"
	"github.com/agentwire/agentwire/wire"
)

// KVRegistry implements Registry using NATS JetStream KV store.
// Suitable for distributed deployments where every node needs the same
// view of advertised capabilities.
type KVRegistry struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	config KVConfig

	mu       sync.RWMutex
	watchers []chan Event
	closed   bool
	cancel   context.CancelFunc
}

// KVConfig configures the KV registry.
type KVConfig struct {
	// BucketName is the KV bucket name. Default: "capability-registry"
	BucketName string

	// StalenessThreshold doubles as the KV entry TTL, so the broker
	// evicts what the sweep would. Zero means DefaultStalenessThreshold.
	StalenessThreshold time.Duration

	// Replicas for the KV store (1-5). Default: 1
	Replicas int

	// Trust scores advertisers for filtered finds. Nil disables
	// trust filtering and sorting.
	Trust trust.Source
}

// DefaultKVConfig returns configuration with sensible defaults.
func DefaultKVConfig() KVConfig {
	return KVConfig{
		BucketName:         "capability-registry",
		StalenessThreshold: DefaultStalenessThreshold,
		Replicas:           1,
	}
}

// NewKVRegistry creates a KV registry from an existing connection.
func NewKVRegistry(conn *nats.Conn, cfg KVConfig) (*KVRegistry, error) {
	if conn == nil {
		return nil, fmt.Errorf("nil connection")
	}

	if cfg.BucketName == "" {
		cfg.BucketName = "capability-registry"
	}
	if cfg.StalenessThreshold == 0 {
		cfg.StalenessThreshold = DefaultStalenessThreshold
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx := context.Background()

	kvCfg := jetstream.KeyValueConfig{
		Bucket:   cfg.BucketName,
		Replicas: cfg.Replicas,
		TTL:      cfg.StalenessThreshold,
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, kvCfg)
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())

	r := &KVRegistry{
		conn:     conn,
		kv:       kv,
		config:   cfg,
		watchers: make([]chan Event, 0),
		cancel:   cancel,
	}

	go r.watchKV(watchCtx)

	return r, nil
}

// ProcessAdvertisement records a capability advertisement.
func (r *KVRegistry) ProcessAdvertisement(ad wire.CapabilityAdvertisement) error {
	if err := validateAdvertisement(ad); err != nil {
		return err
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	r.mu.RUnlock()

	record := Record{
		Advertisement: ad,
		LastSeen:      time.Now(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	ctx := context.Background()
	if _, err := r.kv.Put(ctx, ad.CapabilityID, data); err != nil {
		return fmt.Errorf("put to kv: %w", err)
	}

	return nil
}

// Get retrieves a capability record by id.
func (r *KVRegistry) Get(capabilityID string) (*Record, error) {
	if capabilityID == "" {
		return nil, ErrMissingCapabilityID
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	r.mu.RUnlock()

	ctx := context.Background()
	entry, err := r.kv.Get(ctx, capabilityID)
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get from kv: %w", err)
	}

	var record Record
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}

	// The bucket TTL lags; re-check freshness at read time.
	if r.stale(record, time.Now()) {
		return nil, ErrNotFound
	}

	return &record, nil
}

// IsAvailable reports whether a capability exists and is fresh.
func (r *KVRegistry) IsAvailable(capabilityID string) bool {
	record, err := r.Get(capabilityID)
	return err == nil && record != nil
}

// Find returns advertisements matching the filter.
func (r *KVRegistry) Find(filter Filter) ([]wire.CapabilityAdvertisement, error) {
	records, err := r.All()
	if err != nil {
		return nil, err
	}

	var result []wire.CapabilityAdvertisement
	for _, record := range records {
		if matchesFilter(record.Advertisement, filter) {
			result = append(result, record.Advertisement)
		}
	}

	return applyTrust(result, filter, r.config.Trust), nil
}

// All returns every fresh record.
func (r *KVRegistry) All() ([]Record, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	r.mu.RUnlock()

	ctx := context.Background()
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	now := time.Now()
	var result []Record
	for _, key := range keys {
		entry, err := r.kv.Get(ctx, key)
		if err != nil {
			continue // Key might have been deleted
		}

		var record Record
		if err := json.Unmarshal(entry.Value(), &record); err != nil {
			continue
		}

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

// RemoveStale deletes entries the bucket TTL has not evicted yet.
func (r *KVRegistry) RemoveStale() int {
	records, err := r.allIncludingStale()
	if err != nil {
		return 0
	}

	ctx := context.Background()
	now := time.Now()
	removed := 0
	for _, record := range records {
		if r.stale(record, now) {
			if err := r.kv.Delete(ctx, record.Advertisement.CapabilityID); err == nil {
				removed++
			}
		}
	}
	return removed
}

// allIncludingStale lists raw records without the freshness check.
func (r *KVRegistry) allIncludingStale() ([]Record, error) {
	ctx := context.Background()
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, err
	}

	var result []Record
	for _, key := range keys {
		entry, err := r.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var record Record
		if err := json.Unmarshal(entry.Value(), &record); err != nil {
			continue
		}
		result = append(result, record)
	}
	return result, nil
}

// Watch returns a channel of registry events.
func (r *KVRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, 64)
	r.watchers = append(r.watchers, ch)

	return ch, nil
}

// Close shuts down the registry client.
func (r *KVRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true
	r.cancel()

	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil

	return nil
}

// stale reports whether a record is past the staleness threshold.
func (r *KVRegistry) stale(record Record, now time.Time) bool {
	threshold := r.config.StalenessThreshold
	return threshold > 0 && now.Sub(record.LastSeen) > threshold
}

// watchKV monitors the KV store for changes and notifies watchers.
func (r *KVRegistry) watchKV(ctx context.Context) {
	watcher, err := r.kv.WatchAll(ctx)
	if err != nil {
		return
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-watcher.Updates():
			if entry == nil {
				continue
			}

			r.mu.RLock()
			if r.closed {
				r.mu.RUnlock()
				return
			}

			var event Event
			switch entry.Operation() {
			case jetstream.KeyValuePut:
				var record Record
				if err := json.Unmarshal(entry.Value(), &record); err != nil {
					r.mu.RUnlock()
					continue
				}
				if entry.Revision() == 1 {
					event = Event{Type: EventAdded, Record: record}
				} else {
					event = Event{Type: EventUpdated, Record: record}
				}
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				event = Event{
					Type: EventRemoved,
					Record: Record{
						Advertisement: wire.CapabilityAdvertisement{CapabilityID: entry.Key()},
					},
				}
			default:
				r.mu.RUnlock()
				continue
			}

			for _, ch := range r.watchers {
				select {
				case ch <- event:
				default:
				}
			}
			r.mu.RUnlock()
		}
	}
}

// Conn returns the underlying NATS connection.
func (r *KVRegistry) Conn() *nats.Conn {
	return r.conn
}
