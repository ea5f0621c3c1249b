// Package telemetry covers two concerns for a mesh node: OTLP tracing
// around collaboration spans (provider.go, tracing.go) and a flat
// audit log of every wire message the node sends or receives, exported
// as JSONL to a file or POSTed in batches to a collector.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// Exporter receives message and event records from the node.
// Implementations must be safe for concurrent use; the node logs from
// its inbound pumps and its outbound send paths at once.
type Exporter interface {
	// LogEvent records a node lifecycle event.
	LogEvent(name string, data map[string]interface{})
	// LogMessage records one wire message crossing the node boundary.
	LogMessage(msg Message)
	// Flush forces buffered records out.
	Flush() error
	// Close flushes and releases the sink.
	Close() error
}

// Message is the audit record for one envelope or raw publish.
type Message struct {
	AgentID       string                 `json:"agent_id"`
	Direction     string                 `json:"direction"` // inbound | outbound
	Topic         string                 `json:"topic"`
	MessageID     string                 `json:"message_id"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	MessageType   string                 `json:"message_type"`
	SizeBytes     int                    `json:"size_bytes"`
	Latency       time.Duration          `json:"latency,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// Event is the audit record for a non-message occurrence, such as a
// broker reconnect or a registry sweep.
type Event struct {
	Name      string                 `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewExporter builds the exporter named by protocol. "file" appends
// JSONL to target, "http" batches records to the target URL, "noop"
// and "" discard everything.
func NewExporter(protocol, target string) (Exporter, error) {
	switch protocol {
	case "file":
		return NewFileExporter(target)
	case "http":
		return NewHTTPExporter(target), nil
	case "noop", "":
		return NewNoopExporter(), nil
	default:
		return nil, fmt.Errorf("unknown message log protocol: %s", protocol)
	}
}

// httpBatchSize is how many records accumulate before an HTTPExporter
// flushes on its own.
const httpBatchSize = 100

// HTTPExporter POSTs batched records as a JSON array.
type HTTPExporter struct {
	url    string
	client *http.Client

	mu      sync.Mutex
	pending []interface{}
}

// NewHTTPExporter creates an exporter that batches to url.
func NewHTTPExporter(url string) *HTTPExporter {
	return &HTTPExporter{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		pending: make([]interface{}, 0, httpBatchSize),
	}
}

func (e *HTTPExporter) LogEvent(name string, data map[string]interface{}) {
	e.append(Event{Name: name, Timestamp: time.Now().UTC(), Data: data})
}

func (e *HTTPExporter) LogMessage(msg Message) {
	msg.Timestamp = time.Now().UTC()
	e.append(msg)
}

func (e *HTTPExporter) append(record interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, record)
	if len(e.pending) >= httpBatchSize {
		e.post()
	}
}

// Flush POSTs whatever is buffered, even a partial batch.
func (e *HTTPExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.post()
}

func (e *HTTPExporter) post() error {
	if len(e.pending) == 0 {
		return nil
	}
	body, err := json.Marshal(e.pending)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("message log collector returned %d", resp.StatusCode)
	}

	e.pending = e.pending[:0]
	return nil
}

func (e *HTTPExporter) Close() error {
	return e.Flush()
}

// FileExporter appends one JSON record per line, suitable for tailing
// a node's traffic during development.
type FileExporter struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileExporter opens (or creates) the JSONL file at path.
func NewFileExporter(path string) (*FileExporter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open message log: %w", err)
	}
	return &FileExporter{file: file}, nil
}

func (e *FileExporter) LogEvent(name string, data map[string]interface{}) {
	e.write(Event{Name: name, Timestamp: time.Now().UTC(), Data: data})
}

func (e *FileExporter) LogMessage(msg Message) {
	msg.Timestamp = time.Now().UTC()
	e.write(msg)
}

func (e *FileExporter) write(record interface{}) {
	line, err := json.Marshal(record)
	if err != nil {
		return // a record that cannot marshal is dropped, not fatal
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.file.Write(line)
	e.file.Write([]byte("\n"))
}

func (e *FileExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.Sync()
}

func (e *FileExporter) Close() error {
	e.Flush()
	return e.file.Close()
}

// NoopExporter discards every record. It stands in when message
// logging is disabled so callers never branch on nil.
type NoopExporter struct{}

// NewNoopExporter returns the discarding exporter.
func NewNoopExporter() *NoopExporter {
	return &NoopExporter{}
}

func (e *NoopExporter) LogEvent(name string, data map[string]interface{}) {}
func (e *NoopExporter) LogMessage(msg Message)                            {}
func (e *NoopExporter) Flush() error                                      { return nil }
func (e *NoopExporter) Close() error                                      { return nil }
