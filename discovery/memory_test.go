package discovery

import (
	"testing"
	"time"

	"github.com/agentwire/agentwire/trust"
	"github.com/agentwire/agentwire/wire"
)

func newTestRegistry(t *testing.T, cfg MemoryConfig) *MemoryRegistry {
	t.Helper()
	// Tests drive eviction explicitly.
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = -1
	}
	r := NewMemoryRegistry(cfg)
	t.Cleanup(func() { r.Close() })
	return r
}

func ad(capabilityID, agentID string) wire.CapabilityAdvertisement {
	return wire.CapabilityAdvertisement{
		CapabilityID: capabilityID,
		AgentID:      agentID,
		Name:         capabilityID,
	}
}

func TestProcessAdvertisement(t *testing.T) {
	r := newTestRegistry(t, MemoryConfig{})

	if err := r.ProcessAdvertisement(ad("cap-1", "agent-1")); err != nil {
		t.Fatalf("ProcessAdvertisement failed: %v", err)
	}

	record, err := r.Get("cap-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if record.Advertisement.AgentID != "agent-1" {
		t.Errorf("AgentID = %q, want agent-1", record.Advertisement.AgentID)
	}
	if record.LastSeen.IsZero() {
		t.Error("LastSeen should be set")
	}
}

func TestProcessAdvertisement_Validation(t *testing.T) {
	r := newTestRegistry(t, MemoryConfig{})

	if err := r.ProcessAdvertisement(ad("", "agent-1")); err != ErrMissingCapabilityID {
		t.Errorf("missing capability_id: got %v, want ErrMissingCapabilityID", err)
	}
	if err := r.ProcessAdvertisement(ad("cap-1", "")); err != ErrMissingAgentID {
		t.Errorf("missing agent_id: got %v, want ErrMissingAgentID", err)
	}

	// A rejected advertisement must not leave anything behind.
	records, err := r.All()
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("registry should be empty after rejections, got %d records", len(records))
	}
}

func TestProcessAdvertisement_LastWriteWins(t *testing.T) {
	r := newTestRegistry(t, MemoryConfig{})

	first := ad("cap-1", "agent-1")
	first.Description = "old"
	if err := r.ProcessAdvertisement(first); err != nil {
		t.Fatalf("first advertisement failed: %v", err)
	}

	// Same capability id from a different advertiser replaces the
	// record wholesale.
	second := ad("cap-1", "agent-2")
	second.Description = "new"
	if err := r.ProcessAdvertisement(second); err != nil {
		t.Fatalf("second advertisement failed: %v", err)
	}

	record, err := r.Get("cap-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if record.Advertisement.AgentID != "agent-2" {
		t.Errorf("AgentID = %q, want agent-2", record.Advertisement.AgentID)
	}
	if record.Advertisement.Description != "new" {
		t.Errorf("Description = %q, want new", record.Advertisement.Description)
	}

	records, _ := r.All()
	if len(records) != 1 {
		t.Errorf("expected 1 record after replacement, got %d", len(records))
	}
}

func TestGet_NotFound(t *testing.T) {
	r := newTestRegistry(t, MemoryConfig{})

	if _, err := r.Get("nope"); err != ErrNotFound {
		t.Errorf("Get(unknown) = %v, want ErrNotFound", err)
	}
	if _, err := r.Get(""); err != ErrMissingCapabilityID {
		t.Errorf("Get(empty) = %v, want ErrMissingCapabilityID", err)
	}
}

func TestStaleness_HiddenBeforeSweep(t *testing.T) {
	r := newTestRegistry(t, MemoryConfig{
		StalenessThreshold: 50 * time.Millisecond,
	})

	if err := r.ProcessAdvertisement(ad("cap-1", "agent-1")); err != nil {
		t.Fatalf("ProcessAdvertisement failed: %v", err)
	}

	if !r.IsAvailable("cap-1") {
		t.Fatal("fresh capability should be available")
	}

	time.Sleep(80 * time.Millisecond)

	// No sweep has run, but every read path must already hide the record.
	if r.IsAvailable("cap-1") {
		t.Error("stale capability should not be available")
	}
	if _, err := r.Get("cap-1"); err != ErrNotFound {
		t.Errorf("Get(stale) = %v, want ErrNotFound", err)
	}
	ads, err := r.Find(Filter{CapabilityID: "cap-1"})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(ads) != 0 {
		t.Errorf("Find should skip stale records, got %d", len(ads))
	}
}

func TestStaleness_RefreshResetsClock(t *testing.T) {
	r := newTestRegistry(t, MemoryConfig{
		StalenessThreshold: 80 * time.Millisecond,
	})

	r.ProcessAdvertisement(ad("cap-1", "agent-1"))
	time.Sleep(50 * time.Millisecond)

	// Re-advertising resets last_seen.
	r.ProcessAdvertisement(ad("cap-1", "agent-1"))
	time.Sleep(50 * time.Millisecond)

	if !r.IsAvailable("cap-1") {
		t.Error("refreshed capability should still be available")
	}
}

func TestRemoveStale(t *testing.T) {
	r := newTestRegistry(t, MemoryConfig{
		StalenessThreshold: 30 * time.Millisecond,
	})

	r.ProcessAdvertisement(ad("cap-1", "agent-1"))
	r.ProcessAdvertisement(ad("cap-2", "agent-2"))

	time.Sleep(60 * time.Millisecond)
	r.ProcessAdvertisement(ad("cap-3", "agent-3"))

	if got := r.RemoveStale(); got != 2 {
		t.Errorf("RemoveStale = %d, want 2", got)
	}

	// Idempotent: a second pass finds nothing.
	if got := r.RemoveStale(); got != 0 {
		t.Errorf("second RemoveStale = %d, want 0", got)
	}

	records, _ := r.All()
	if len(records) != 1 || records[0].Advertisement.CapabilityID != "cap-3" {
		t.Errorf("expected only cap-3 to survive, got %v", records)
	}
}

func TestFind_ByFields(t *testing.T) {
	r := newTestRegistry(t, MemoryConfig{})

	search := wire.CapabilityAdvertisement{
		CapabilityID: "cap-search",
		AgentID:      "agent-1",
		Name:         "search",
		Tags:         []string{"web", "retrieval"},
	}
	summarize := wire.CapabilityAdvertisement{
		CapabilityID: "cap-summarize",
		AgentID:      "agent-2",
		Name:         "summarize",
		Tags:         []string{"text", "retrieval"},
	}
	r.ProcessAdvertisement(search)
	r.ProcessAdvertisement(summarize)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"by capability id", Filter{CapabilityID: "cap-search"}, []string{"cap-search"}},
		{"by name", Filter{Name: "summarize"}, []string{"cap-summarize"}},
		{"by single tag", Filter{Tags: []string{"retrieval"}}, []string{"cap-search", "cap-summarize"}},
		{"by tag superset", Filter{Tags: []string{"web", "retrieval"}}, []string{"cap-search"}},
		{"tag not subset", Filter{Tags: []string{"web", "text"}}, nil},
		{"no match", Filter{Name: "translate"}, nil},
		{"empty filter matches all", Filter{}, []string{"cap-search", "cap-summarize"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ads, err := r.Find(tt.filter)
			if err != nil {
				t.Fatalf("Find failed: %v", err)
			}
			if len(ads) != len(tt.want) {
				t.Fatalf("got %d results, want %d", len(ads), len(tt.want))
			}
			for i, id := range tt.want {
				if ads[i].CapabilityID != id {
					t.Errorf("result[%d] = %q, want %q", i, ads[i].CapabilityID, id)
				}
			}
		})
	}
}

func TestFind_TrustFilterAndSort(t *testing.T) {
	scores := trust.NewMemory()
	scores.SetScore("agent-high", 0.9)
	scores.SetScore("agent-mid", 0.6)
	scores.SetScore("agent-low", 0.2)

	r := newTestRegistry(t, MemoryConfig{Trust: scores})

	r.ProcessAdvertisement(ad("cap-a", "agent-low"))
	r.ProcessAdvertisement(ad("cap-b", "agent-high"))
	r.ProcessAdvertisement(ad("cap-c", "agent-mid"))

	ads, err := r.Find(Filter{MinTrust: 0.5, SortByTrust: true})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}

	if len(ads) != 2 {
		t.Fatalf("got %d results, want 2", len(ads))
	}
	if ads[0].AgentID != "agent-high" || ads[1].AgentID != "agent-mid" {
		t.Errorf("wrong trust order: %q, %q", ads[0].AgentID, ads[1].AgentID)
	}
}

func TestFind_TrustSortStable(t *testing.T) {
	// Every agent scores the neutral default; ordering must stay the
	// deterministic capability-id order.
	r := newTestRegistry(t, MemoryConfig{Trust: trust.NewMemory()})

	r.ProcessAdvertisement(ad("cap-c", "agent-3"))
	r.ProcessAdvertisement(ad("cap-a", "agent-1"))
	r.ProcessAdvertisement(ad("cap-b", "agent-2"))

	ads, err := r.Find(Filter{SortByTrust: true})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}

	want := []string{"cap-a", "cap-b", "cap-c"}
	for i, id := range want {
		if ads[i].CapabilityID != id {
			t.Errorf("result[%d] = %q, want %q", i, ads[i].CapabilityID, id)
		}
	}
}

func TestWatch(t *testing.T) {
	r := newTestRegistry(t, MemoryConfig{
		StalenessThreshold: 30 * time.Millisecond,
	})

	events, err := r.Watch()
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	r.ProcessAdvertisement(ad("cap-1", "agent-1"))
	r.ProcessAdvertisement(ad("cap-1", "agent-1"))
	time.Sleep(60 * time.Millisecond)
	r.RemoveStale()

	want := []EventType{EventAdded, EventUpdated, EventRemoved}
	for i, wantType := range want {
		select {
		case event := <-events:
			if event.Type != wantType {
				t.Errorf("event[%d].Type = %q, want %q", i, event.Type, wantType)
			}
			if event.Record.Advertisement.CapabilityID != "cap-1" {
				t.Errorf("event[%d] for %q, want cap-1", i, event.Record.Advertisement.CapabilityID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
}

func TestClose(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{SweepInterval: -1})

	events, _ := r.Watch()

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Idempotent.
	if err := r.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if _, ok := <-events; ok {
		t.Error("watch channel should be closed")
	}

	if err := r.ProcessAdvertisement(ad("cap-1", "agent-1")); err != ErrClosed {
		t.Errorf("ProcessAdvertisement after close = %v, want ErrClosed", err)
	}
	if _, err := r.Get("cap-1"); err != ErrClosed {
		t.Errorf("Get after close = %v, want ErrClosed", err)
	}
	if _, err := r.Find(Filter{}); err != ErrClosed {
		t.Errorf("Find after close = %v, want ErrClosed", err)
	}
}

func TestSweepLoop(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{
		StalenessThreshold: 30 * time.Millisecond,
		SweepInterval:      20 * time.Millisecond,
	})
	defer r.Close()

	r.ProcessAdvertisement(ad("cap-1", "agent-1"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		records, err := r.All()
		if err != nil {
			t.Fatalf("All failed: %v", err)
		}
		if len(records) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("sweep never evicted the stale record")
}

func TestConcurrentAccess(t *testing.T) {
	r := newTestRegistry(t, MemoryConfig{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			r.ProcessAdvertisement(ad("cap-1", "agent-1"))
		}
	}()

	for i := 0; i < 100; i++ {
		r.IsAvailable("cap-1")
		r.Find(Filter{Tags: []string{"x"}})
		r.All()
	}
	<-done
}
