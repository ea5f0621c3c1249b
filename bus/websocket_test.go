package bus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// startRelay runs a minimal single-client relay: subscriptions are
// recorded per connection and published frames echo back as "msg"
// frames to matching subscribers.
func startRelay(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var mu sync.Mutex
		patterns := make(map[string]bool)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame wsFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			switch frame.Op {
			case wsOpSubscribe:
				mu.Lock()
				patterns[frame.Topic] = true
				mu.Unlock()
			case wsOpUnsubscribe:
				mu.Lock()
				delete(patterns, frame.Topic)
				mu.Unlock()
			case wsOpPublish:
				mu.Lock()
				var send bool
				for p := range patterns {
					if MatchTopic(p, frame.Topic) {
						send = true
						break
					}
				}
				mu.Unlock()
				if send {
					out, _ := json.Marshal(wsFrame{
						Op:    wsOpMessage,
						Topic: frame.Topic,
						Reply: frame.Reply,
						Data:  frame.Data,
					})
					conn.WriteMessage(websocket.TextMessage, out)
				}
			}
		}
	}))
}

func dialRelay(t *testing.T, srv *httptest.Server) *WebSocketBus {
	t.Helper()

	cfg := DefaultWebSocketConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")

	b, err := NewWebSocketBus(cfg)
	if err != nil {
		t.Fatalf("NewWebSocketBus error: %v", err)
	}
	return b
}

func TestWebSocketBus_PubSub(t *testing.T) {
	srv := startRelay(t)
	defer srv.Close()

	b := dialRelay(t, srv)
	defer b.Close()

	sub, err := b.Subscribe("mesh.facts.weather")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish("mesh.facts.weather", []byte("sunny")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "sunny" {
			t.Errorf("data = %q, want %q", msg.Data, "sunny")
		}
		if msg.Topic != "mesh.facts.weather" {
			t.Errorf("topic = %q", msg.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for relayed message")
	}
}

func TestWebSocketBus_WildcardSubscribe(t *testing.T) {
	srv := startRelay(t)
	defer srv.Close()

	b := dialRelay(t, srv)
	defer b.Close()

	sub, err := b.Subscribe("mesh.capabilities.>")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish("mesh.capabilities.agent-9", []byte("ad")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if msg.Topic != "mesh.capabilities.agent-9" {
			t.Errorf("topic = %q", msg.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for wildcard relay")
	}
}

func TestWebSocketBus_PublishAfterClose(t *testing.T) {
	srv := startRelay(t)
	defer srv.Close()

	b := dialRelay(t, srv)
	b.Close()

	if err := b.Publish("mesh.facts.weather", []byte("x")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestWebSocketBus_CloseClosesSubscriptions(t *testing.T) {
	srv := startRelay(t)
	defer srv.Close()

	b := dialRelay(t, srv)

	sub, err := b.Subscribe("mesh.facts.weather")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	b.Close()

	if _, ok := <-sub.Messages(); ok {
		t.Error("expected channel to be closed")
	}
}

func TestWebSocketBus_InvalidTopic(t *testing.T) {
	srv := startRelay(t)
	defer srv.Close()

	b := dialRelay(t, srv)
	defer b.Close()

	if err := b.Publish("", []byte("x")); err != ErrInvalidTopic {
		t.Errorf("expected ErrInvalidTopic, got %v", err)
	}
	if _, err := b.Subscribe(""); err != ErrInvalidTopic {
		t.Errorf("expected ErrInvalidTopic, got %v", err)
	}
}
