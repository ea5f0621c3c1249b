package discovery

import (
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// getNATSConn connects to a JetStream-enabled server, or skips the test.
func getNATSConn(t *testing.T) *nats.Conn {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}

	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	conn, err := nats.Connect(url, nats.Timeout(2*time.Second))
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	t.Cleanup(conn.Close)

	return conn
}

func newKVTestRegistry(t *testing.T) *KVRegistry {
	t.Helper()

	conn := getNATSConn(t)

	cfg := DefaultKVConfig()
	cfg.BucketName = "capability-registry-test"

	r, err := NewKVRegistry(conn, cfg)
	if err != nil {
		t.Skipf("skipping: JetStream not available: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	// Start each test from an empty bucket.
	records, err := r.allIncludingStale()
	if err != nil {
		t.Fatalf("listing bucket failed: %v", err)
	}
	for _, record := range records {
		r.kv.Delete(t.Context(), record.Advertisement.CapabilityID)
	}

	return r
}

func TestKVRegistry_ProcessAndGet(t *testing.T) {
	r := newKVTestRegistry(t)

	if err := r.ProcessAdvertisement(ad("kv-cap-1", "agent-1")); err != nil {
		t.Fatalf("ProcessAdvertisement failed: %v", err)
	}

	record, err := r.Get("kv-cap-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if record.Advertisement.AgentID != "agent-1" {
		t.Errorf("AgentID = %q, want agent-1", record.Advertisement.AgentID)
	}

	if _, err := r.Get("missing"); err != ErrNotFound {
		t.Errorf("Get(unknown) = %v, want ErrNotFound", err)
	}
}

func TestKVRegistry_Validation(t *testing.T) {
	r := newKVTestRegistry(t)

	if err := r.ProcessAdvertisement(ad("", "agent-1")); err != ErrMissingCapabilityID {
		t.Errorf("missing capability_id: got %v, want ErrMissingCapabilityID", err)
	}
	if err := r.ProcessAdvertisement(ad("kv-cap-1", "")); err != ErrMissingAgentID {
		t.Errorf("missing agent_id: got %v, want ErrMissingAgentID", err)
	}
}

func TestKVRegistry_Find(t *testing.T) {
	r := newKVTestRegistry(t)

	search := ad("kv-cap-search", "agent-1")
	search.Tags = []string{"web"}
	r.ProcessAdvertisement(search)
	r.ProcessAdvertisement(ad("kv-cap-other", "agent-2"))

	ads, err := r.Find(Filter{Tags: []string{"web"}})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(ads) != 1 || ads[0].CapabilityID != "kv-cap-search" {
		t.Errorf("Find = %v, want kv-cap-search", ads)
	}
}

func TestKVRegistry_Watch(t *testing.T) {
	r := newKVTestRegistry(t)

	events, err := r.Watch()
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := r.ProcessAdvertisement(ad("kv-cap-1", "agent-1")); err != nil {
		t.Fatalf("ProcessAdvertisement failed: %v", err)
	}

	select {
	case event := <-events:
		if event.Record.Advertisement.CapabilityID != "kv-cap-1" {
			t.Errorf("event for %q, want kv-cap-1", event.Record.Advertisement.CapabilityID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for watch event")
	}
}
