package wire

import "time"

// Availability states for capability advertisements.
const (
	AvailabilityOnline  = "online"
	AvailabilityBusy    = "busy"
	AvailabilityOffline = "offline"
)

// Task result statuses.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Ack statuses.
const (
	AckReceived = "received"
	AckFailed   = "failed"
)

// Fact is a broadcast statement another agent may store or act on.
type Fact struct {
	FactID     string   `json:"fact_id"`
	Statement  string   `json:"statement"`
	Confidence float64  `json:"confidence,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// TaskRequest asks a remote agent to execute one unit of work.
type TaskRequest struct {
	// RequestID correlates the eventual TaskResult back to the caller.
	RequestID string `json:"request_id"`

	// CapabilityFilter names the capability the executor must provide.
	// Matched against capability ids first, then names.
	CapabilityFilter string `json:"capability_filter"`

	// Parameters are capability-specific inputs.
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// CallbackTopic is where the executor publishes the TaskResult.
	CallbackTopic string `json:"callback_topic,omitempty"`

	// Description is a human-readable summary of the work.
	Description string `json:"description,omitempty"`
}

// TaskResult reports the outcome of a TaskRequest.
type TaskResult struct {
	RequestID    string                 `json:"request_id"`
	Status       string                 `json:"status"` // success | failure
	Payload      map[string]interface{} `json:"payload,omitempty"`
	ErrorDetails string                 `json:"error_details,omitempty"`
	ExecutorID   string                 `json:"executor_id,omitempty"`
}

// Failed reports whether the result carries a failure status.
func (r *TaskResult) Failed() bool {
	return r.Status != ResultSuccess
}

// Acknowledgement confirms receipt of an envelope that asked for one.
type Acknowledgement struct {
	TargetMessageID string `json:"target_message_id"`
	Status          string `json:"status"` // received | failed
	AckTimestamp    string `json:"ack_timestamp"`
}

// NewAcknowledgement builds a received-ack for the given message id.
func NewAcknowledgement(targetMessageID string) Acknowledgement {
	return Acknowledgement{
		TargetMessageID: targetMessageID,
		Status:          AckReceived,
		AckTimestamp:    time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// CapabilityAdvertisement announces one capability an agent provides.
type CapabilityAdvertisement struct {
	CapabilityID       string   `json:"capability_id"`
	AgentID            string   `json:"ai_id"`
	Name               string   `json:"name"`
	Description        string   `json:"description,omitempty"`
	Version            string   `json:"version,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	AvailabilityStatus string   `json:"availability_status,omitempty"`
}

// HasTag checks whether the advertisement carries a specific tag.
func (a *CapabilityAdvertisement) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasAllTags checks whether the advertisement's tags are a superset of
// the required set.
func (a *CapabilityAdvertisement) HasAllTags(required []string) bool {
	for _, tag := range required {
		if !a.HasTag(tag) {
			return false
		}
	}
	return true
}
