// Package presence keeps an agent's capabilities visible on the mesh.
//
// Registries hide advertisements that are not refreshed within their
// staleness window, so a live agent must re-advertise periodically. The
// Advertiser owns the agent's capability set and republishes it on a
// ticker, immediately on start and immediately when the set changes.
package presence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentwire/agentwire/logging"
	"github.com/agentwire/agentwire/wire"
)

// DefaultInterval between re-advertisements. Kept well inside the
// registry staleness window so one missed beat does not hide the agent.
const DefaultInterval = 120 * time.Second

// Common errors.
var (
	ErrAlreadyStarted = errors.New("advertiser already started")
	ErrNotStarted     = errors.New("advertiser not started")
	ErrMissingAgentID = errors.New("agent id is required")
	ErrNilPublisher   = errors.New("publisher is required")
)

// Publisher sends bytes to a broker topic. *connector.Connector
// satisfies this.
type Publisher interface {
	Publish(topic string, data []byte) error
}

// Config configures an Advertiser.
type Config struct {
	// AgentID stamped on every advertisement.
	AgentID string

	// Publisher sends the advertisements.
	Publisher Publisher

	// Interval between re-advertisements. Default: 120s
	Interval time.Duration

	// AvailabilityStatus reported on advertisements. Default: online
	AvailabilityStatus string

	// Logger for advertiser events. Nil means a default logger.
	Logger *logging.Logger
}

// Advertiser periodically republishes an agent's capability set.
type Advertiser struct {
	publisher Publisher
	agentID   string
	interval  time.Duration
	log       *logging.Logger

	mu           sync.RWMutex
	capabilities map[string]wire.CapabilityAdvertisement
	status       string

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	kick    chan struct{}
}

// New creates an Advertiser.
func New(cfg Config) (*Advertiser, error) {
	if cfg.AgentID == "" {
		return nil, ErrMissingAgentID
	}
	if cfg.Publisher == nil {
		return nil, ErrNilPublisher
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	status := cfg.AvailabilityStatus
	if status == "" {
		status = wire.AvailabilityOnline
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}

	return &Advertiser{
		publisher:    cfg.Publisher,
		agentID:      cfg.AgentID,
		interval:     interval,
		log:          log.WithComponent("presence"),
		capabilities: make(map[string]wire.CapabilityAdvertisement),
		status:       status,
		kick:         make(chan struct{}, 1),
	}, nil
}

// Start begins advertising at the configured interval.
func (a *Advertiser) Start(ctx context.Context) error {
	if a.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if ctx == nil {
		ctx = context.Background()
	}

	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})

	go a.run(ctx)
	return nil
}

// run is the main advertisement loop.
func (a *Advertiser) run(ctx context.Context) {
	defer close(a.doneCh)

	// Advertise immediately on start
	a.Advertise()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.running.Store(false)
			return
		case <-a.stopCh:
			return
		case <-a.kick:
			a.Advertise()
		case <-ticker.C:
			a.Advertise()
		}
	}
}

// Advertise publishes the current capability set once. Publish
// failures (a down connection, typically) are logged and retried on
// the next tick rather than surfaced.
func (a *Advertiser) Advertise() {
	a.mu.RLock()
	ads := make([]wire.CapabilityAdvertisement, 0, len(a.capabilities))
	for _, ad := range a.capabilities {
		ad.AvailabilityStatus = a.status
		ads = append(ads, ad)
	}
	a.mu.RUnlock()

	topic := wire.AdvertisementTopic(a.agentID)
	for _, ad := range ads {
		env, err := wire.NewEnvelope(wire.KindCapabilityAdvertisement, a.agentID, "", ad)
		if err != nil {
			continue
		}
		data, err := env.Marshal()
		if err != nil {
			continue
		}
		if err := a.publisher.Publish(topic, data); err != nil {
			a.log.Debug("advertise_deferred", map[string]interface{}{
				"capability_id": ad.CapabilityID,
				"error":         err.Error(),
			})
		}
	}
}

// SetCapability adds or replaces one capability in the advertised set.
// When running, the full set is republished right away.
func (a *Advertiser) SetCapability(ad wire.CapabilityAdvertisement) error {
	if ad.CapabilityID == "" {
		return errors.New("capability id is required")
	}
	ad.AgentID = a.agentID

	a.mu.Lock()
	a.capabilities[ad.CapabilityID] = ad
	a.mu.Unlock()

	a.kickNow()
	return nil
}

// RemoveCapability drops a capability from the advertised set. It will
// age out of remote registries once it stops being refreshed.
func (a *Advertiser) RemoveCapability(capabilityID string) {
	a.mu.Lock()
	delete(a.capabilities, capabilityID)
	a.mu.Unlock()
}

// SetAvailability updates the availability status stamped on
// advertisements. When running, the set is republished right away.
func (a *Advertiser) SetAvailability(status string) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()

	a.kickNow()
}

// kickNow nudges the loop to advertise without waiting for the tick.
func (a *Advertiser) kickNow() {
	if !a.running.Load() {
		return
	}
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Capabilities returns a snapshot of the advertised set.
func (a *Advertiser) Capabilities() []wire.CapabilityAdvertisement {
	a.mu.RLock()
	defer a.mu.RUnlock()

	result := make([]wire.CapabilityAdvertisement, 0, len(a.capabilities))
	for _, ad := range a.capabilities {
		result = append(result, ad)
	}
	return result
}

// Stop stops advertising.
func (a *Advertiser) Stop() error {
	if !a.running.Swap(false) {
		return ErrNotStarted
	}
	close(a.stopCh)
	<-a.doneCh
	return nil
}

// AgentID returns the advertiser's agent ID.
func (a *Advertiser) AgentID() string {
	return a.agentID
}
