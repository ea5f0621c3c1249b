package bus

import (
	"os"
	"testing"
	"time"
)

// newNATSTestBus connects to a local NATS server or skips the test.
func newNATSTestBus(t *testing.T) *NATSBus {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}

	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxReconnects = 0

	b, err := NewNATSBus(cfg)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestNATSBus_PubSub(t *testing.T) {
	b := newNATSTestBus(t)

	sub, err := b.Subscribe("mesh.facts.general")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish("mesh.facts.general", []byte("the sky is blue")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "the sky is blue" {
			t.Errorf("Data = %q", msg.Data)
		}
		if msg.Topic != "mesh.facts.general" {
			t.Errorf("Topic = %q", msg.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestNATSBus_Wildcard(t *testing.T) {
	b := newNATSTestBus(t)

	// The node listens on mesh.capabilities.> to hear every agent.
	sub, err := b.Subscribe("mesh.capabilities.>")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	b.Publish("mesh.capabilities.agent-a", []byte("a"))
	b.Publish("mesh.capabilities.agent-b", []byte("b"))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-sub.Messages():
			seen[msg.Topic] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout after %d messages", i)
		}
	}
	if !seen["mesh.capabilities.agent-a"] || !seen["mesh.capabilities.agent-b"] {
		t.Errorf("wildcard missed topics: %v", seen)
	}
}

func TestNATSBus_QueueSubscribe(t *testing.T) {
	b := newNATSTestBus(t)

	sub1, err := b.QueueSubscribe("mesh.requests.shared", "executors")
	if err != nil {
		t.Fatalf("QueueSubscribe failed: %v", err)
	}
	defer sub1.Unsubscribe()
	sub2, err := b.QueueSubscribe("mesh.requests.shared", "executors")
	if err != nil {
		t.Fatalf("QueueSubscribe failed: %v", err)
	}
	defer sub2.Unsubscribe()

	b.Publish("mesh.requests.shared", []byte("one unit of work"))

	// Exactly one member of the queue group gets the request.
	received := 0
	deadline := time.After(time.Second)
	for received < 2 {
		select {
		case <-sub1.Messages():
			received++
		case <-sub2.Messages():
			received++
		case <-deadline:
			if received != 1 {
				t.Errorf("received = %d, want 1", received)
			}
			return
		}
	}
	t.Errorf("queue group delivered %d copies, want 1", received)
}

func TestNATSBus_Request(t *testing.T) {
	b := newNATSTestBus(t)

	sub, err := b.Subscribe("mesh.ping.agent-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()
	go func() {
		for msg := range sub.Messages() {
			if msg.Reply != "" {
				b.Publish(msg.Reply, []byte("pong"))
			}
		}
	}()

	reply, err := b.Request("mesh.ping.agent-1", []byte("ping"), 2*time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if string(reply.Data) != "pong" {
		t.Errorf("reply = %q, want pong", reply.Data)
	}
}

func TestNATSBus_RequestNoResponder(t *testing.T) {
	b := newNATSTestBus(t)

	_, err := b.Request("mesh.ping.nobody", []byte("ping"), 100*time.Millisecond)
	if err != ErrTimeout && err != ErrNoResponders {
		t.Errorf("Request = %v, want timeout or no responders", err)
	}
}

func TestNATSBus_InvalidURL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping in short mode")
	}

	cfg := DefaultNATSConfig()
	cfg.URL = "nats://invalid-host-that-does-not-exist:4222"
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.MaxReconnects = 0

	if _, err := NewNATSBus(cfg); err == nil {
		t.Error("expected error for unreachable broker")
	}
}

func TestNATSBus_PublishAfterClose(t *testing.T) {
	b := newNATSTestBus(t)
	b.Close()

	if err := b.Publish("mesh.facts.general", []byte("x")); err != ErrClosed {
		t.Errorf("Publish after close = %v, want ErrClosed", err)
	}
}
