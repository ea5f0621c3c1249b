package collab

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentwire/agentwire/discovery"
	"github.com/agentwire/agentwire/errors"
	"github.com/agentwire/agentwire/logging"
	"github.com/agentwire/agentwire/telemetry"
	"github.com/agentwire/agentwire/wire"
)

// DefaultSubtaskTimeout bounds how long a subtask waits for its result.
const DefaultSubtaskTimeout = 30 * time.Second

// Finder locates capability advertisements. *discovery.MemoryRegistry
// and *discovery.KVRegistry satisfy this.
type Finder interface {
	Find(filter discovery.Filter) ([]wire.CapabilityAdvertisement, error)
}

// Sender publishes enveloped messages. *bridge.Bridge satisfies this.
type Sender interface {
	Send(topic string, kind wire.Kind, recipientID string, payload interface{}, qos wire.QoS) (*wire.Envelope, error)
}

// Config configures a Manager.
type Config struct {
	// AgentID identifies this agent; used as the results callback
	// address on delegated requests.
	AgentID string

	// Registry locates executors for subtask capability filters.
	Registry Finder

	// Sender publishes the delegated task requests.
	Sender Sender

	// SubtaskTimeout bounds each subtask's wait for a result.
	// Default: 30s
	SubtaskTimeout time.Duration

	// RequireAck asks executors to acknowledge delegated requests.
	RequireAck bool

	// Logger for task events. Nil means a default logger.
	Logger *logging.Logger

	// Tracer for task and subtask spans. Nil means the global tracer.
	Tracer *telemetry.Tracer
}

// pendingRequest routes an expected task_result to its subtask.
type pendingRequest struct {
	taskID    string
	subtaskID string
	ch        chan wire.TaskResult

	// late marks requests whose subtask already timed out; their
	// results are recorded directly instead of delivered.
	late bool
}

// taskState is the mutable record of one running task.
type taskState struct {
	task       *Task
	cancelCh   chan struct{}
	cancelOnce sync.Once
}

// Manager fans compound tasks out to remote executors and correlates
// the results back.
type Manager struct {
	config Config
	log    *logging.Logger
	tracer *telemetry.Tracer

	mu      sync.Mutex
	pending map[string]*pendingRequest // keyed by request id
	tasks   map[string]*taskState
	closed  bool
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AgentID == "" {
		return nil, errors.InvalidInput("agent id is required")
	}
	if cfg.Registry == nil {
		return nil, errors.InvalidInput("registry is required")
	}
	if cfg.Sender == nil {
		return nil, errors.InvalidInput("sender is required")
	}
	if cfg.SubtaskTimeout <= 0 {
		cfg.SubtaskTimeout = DefaultSubtaskTimeout
	}

	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}

	return &Manager{
		config:  cfg,
		log:     log.WithComponent("collab"),
		tracer:  tracer,
		pending: make(map[string]*pendingRequest),
		tasks:   make(map[string]*taskState),
	}, nil
}

// Coordinate fans the subtasks out concurrently and blocks until every
// one has resolved. A failed subtask records an error entry in its own
// result slot; siblings run to completion regardless. The returned
// task is complete when Coordinate returns.
func (m *Manager) Coordinate(ctx context.Context, subtasks []Subtask) (*Task, error) {
	if len(subtasks) == 0 {
		return nil, ErrNoSubtasks
	}
	seen := make(map[string]bool, len(subtasks))
	for i := range subtasks {
		if subtasks[i].SubtaskID == "" {
			subtasks[i].SubtaskID = uuid.NewString()
		}
		if seen[subtasks[i].SubtaskID] {
			return nil, errors.InvalidInput("duplicate subtask id " + subtasks[i].SubtaskID)
		}
		seen[subtasks[i].SubtaskID] = true
	}

	ts := &taskState{
		task: &Task{
			TaskID:    uuid.NewString(),
			Status:    StatusRunning,
			Results:   make(map[string]map[string]interface{}, len(subtasks)),
			StartedAt: time.Now(),
		},
		cancelCh: make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.tasks[ts.task.TaskID] = ts
	m.mu.Unlock()

	m.log.TaskDispatched(ts.task.TaskID, len(subtasks))
	ctx, span := m.tracer.StartTaskSpan(ctx, ts.task.TaskID)

	var wg sync.WaitGroup
	for _, subtask := range subtasks {
		wg.Add(1)
		go func(st Subtask) {
			defer wg.Done()
			m.runSubtask(ctx, ts, st)
		}(subtask)
	}
	wg.Wait()

	m.mu.Lock()
	if ts.task.Status == StatusRunning {
		ts.task.Status = StatusCompleted
	}
	ts.task.CompletedAt = time.Now()
	task := ts.task
	m.mu.Unlock()

	m.tracer.EndTaskSpan(span, telemetry.TaskSpanOptions{
		TaskID:    task.TaskID,
		Subtasks:  len(subtasks),
		Failed:    task.Failures(),
		Cancelled: task.Status == StatusCancelled,
	}, nil)

	return task, nil
}

// runSubtask delegates one subtask and blocks until its result, the
// task's cancellation, or the timeout. Panics are contained and
// recorded as that subtask's failure.
func (m *Manager) runSubtask(ctx context.Context, ts *taskState, subtask Subtask) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err := errors.RecoverPanic(r)
			m.record(ts, subtask.SubtaskID, errorResult(err.Error()))
			m.log.SubtaskResult(ts.task.TaskID, subtask.SubtaskID, time.Since(started), err)
		}
	}()

	_, span := m.tracer.StartSubtaskSpan(ctx, subtask.SubtaskID)
	spanOpts := telemetry.SubtaskSpanOptions{
		SubtaskID:        subtask.SubtaskID,
		CapabilityFilter: subtask.CapabilityFilter,
		Parameters:       subtask.Parameters,
	}

	executor, err := m.findExecutor(subtask.CapabilityFilter)
	if err != nil {
		m.record(ts, subtask.SubtaskID, errorResult(err.Error()))
		m.log.SubtaskResult(ts.task.TaskID, subtask.SubtaskID, time.Since(started), err)
		m.tracer.EndSubtaskSpan(span, spanOpts, err)
		return
	}
	spanOpts.ExecutorID = executor.AgentID

	requestID := uuid.NewString()
	pending := &pendingRequest{
		taskID:    ts.task.TaskID,
		subtaskID: subtask.SubtaskID,
		ch:        make(chan wire.TaskResult, 1),
	}
	m.mu.Lock()
	m.pending[requestID] = pending
	m.mu.Unlock()

	request := wire.TaskRequest{
		RequestID:        requestID,
		CapabilityFilter: subtask.CapabilityFilter,
		Parameters:       subtask.Parameters,
		CallbackTopic:    wire.ResultTopic(m.config.AgentID),
		Description:      subtask.Description,
	}
	_, err = m.config.Sender.Send(wire.RequestTopic(executor.AgentID), wire.KindTaskRequest,
		executor.AgentID, request, wire.QoS{RequiresAck: m.config.RequireAck})
	if err != nil {
		m.dropPending(requestID)
		m.record(ts, subtask.SubtaskID, errorResult(err.Error()))
		m.log.SubtaskResult(ts.task.TaskID, subtask.SubtaskID, time.Since(started), err)
		m.tracer.EndSubtaskSpan(span, spanOpts, err)
		return
	}

	timer := time.NewTimer(m.config.SubtaskTimeout)
	defer timer.Stop()

	select {
	case result := <-pending.ch:
		var resultErr error
		if result.Failed() {
			resultErr = errors.SubtaskFailed(ts.task.TaskID, subtask.SubtaskID, result.ErrorDetails)
			m.record(ts, subtask.SubtaskID, errorResult(result.ErrorDetails))
		} else {
			m.record(ts, subtask.SubtaskID, result.Payload)
		}
		m.log.SubtaskResult(ts.task.TaskID, subtask.SubtaskID, time.Since(started), resultErr)
		m.tracer.EndSubtaskSpan(span, spanOpts, resultErr)

	case <-ts.cancelCh:
		m.dropPending(requestID)
		err := errors.FromCode(errors.ErrCodeCanceled, errors.WithTaskID(ts.task.TaskID))
		m.record(ts, subtask.SubtaskID, errorResult("task cancelled"))
		m.log.SubtaskResult(ts.task.TaskID, subtask.SubtaskID, time.Since(started), err)
		m.tracer.EndSubtaskSpan(span, spanOpts, err)

	case <-ctx.Done():
		m.dropPending(requestID)
		m.record(ts, subtask.SubtaskID, errorResult(ctx.Err().Error()))
		m.log.SubtaskResult(ts.task.TaskID, subtask.SubtaskID, time.Since(started), ctx.Err())
		m.tracer.EndSubtaskSpan(span, spanOpts, ctx.Err())

	case <-timer.C:
		// Keep the pending entry so a straggler result can still be
		// recorded against this subtask.
		m.markLate(requestID)
		err := errors.Timeout("subtask result not received",
			errors.WithTaskID(ts.task.TaskID),
			errors.WithMetadata("subtask_id", subtask.SubtaskID))
		m.record(ts, subtask.SubtaskID, errorResult(err.Error()))
		m.log.SubtaskResult(ts.task.TaskID, subtask.SubtaskID, time.Since(started), err)
		m.tracer.EndSubtaskSpan(span, spanOpts, err)
	}
}

// findExecutor resolves a capability filter to an advertisement,
// matching capability ids first and names second. Name matches prefer
// the most trusted advertiser.
func (m *Manager) findExecutor(filter string) (*wire.CapabilityAdvertisement, error) {
	if filter == "" {
		return nil, errors.InvalidInput("subtask missing capability filter")
	}

	ads, err := m.config.Registry.Find(discovery.Filter{CapabilityID: filter})
	if err != nil {
		return nil, err
	}
	if len(ads) == 0 {
		ads, err = m.config.Registry.Find(discovery.Filter{Name: filter, SortByTrust: true})
		if err != nil {
			return nil, err
		}
	}
	if len(ads) == 0 {
		return nil, errors.CapabilityMissing(filter)
	}
	return &ads[0], nil
}

// HandleResult correlates an inbound task_result to its subtask by
// request id. Returns false for results no one is waiting for.
func (m *Manager) HandleResult(result wire.TaskResult) bool {
	m.mu.Lock()
	pending, ok := m.pending[result.RequestID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.pending, result.RequestID)

	if !pending.late {
		m.mu.Unlock()
		pending.ch <- result
		return true
	}

	// The subtask already timed out; record the straggler directly,
	// replacing the timeout error, unless the task was cancelled.
	ts, exists := m.tasks[pending.taskID]
	if !exists || ts.task.Status == StatusCancelled {
		m.mu.Unlock()
		return false
	}
	if result.Failed() {
		ts.task.Results[pending.subtaskID] = errorResult(result.ErrorDetails)
	} else {
		ts.task.Results[pending.subtaskID] = result.Payload
	}
	m.mu.Unlock()

	m.log.Debug("late_result_recorded", map[string]interface{}{
		"task_id":    pending.taskID,
		"subtask_id": pending.subtaskID,
		"request_id": result.RequestID,
	})
	return true
}

// Cancel requests cooperative cancellation of a running task. Subtasks
// already resolved keep their results; waiting subtasks record a
// cancellation error. Safe to call repeatedly; unknown task ids return
// false.
func (m *Manager) Cancel(taskID string) bool {
	m.mu.Lock()
	ts, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	ts.cancelOnce.Do(func() {
		m.mu.Lock()
		if ts.task.Status == StatusRunning {
			ts.task.Status = StatusCancelled
		}
		m.mu.Unlock()
		close(ts.cancelCh)
		m.log.TaskCancelled(taskID)
	})
	return true
}

// Get returns the record of a known task.
func (m *Manager) Get(taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return ts.task, nil
}

// Close cancels every running task and rejects new ones.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	tasks := make([]*taskState, 0, len(m.tasks))
	for _, ts := range m.tasks {
		tasks = append(tasks, ts)
	}
	m.mu.Unlock()

	for _, ts := range tasks {
		m.Cancel(ts.task.TaskID)
	}
	return nil
}

// record stores a subtask's result slot.
func (m *Manager) record(ts *taskState, subtaskID string, result map[string]interface{}) {
	m.mu.Lock()
	ts.task.Results[subtaskID] = result
	m.mu.Unlock()
}

// dropPending removes a request route, suppressing any future result.
func (m *Manager) dropPending(requestID string) {
	m.mu.Lock()
	delete(m.pending, requestID)
	m.mu.Unlock()
}

// markLate flags a request whose subtask stopped waiting.
func (m *Manager) markLate(requestID string) {
	m.mu.Lock()
	if pending, ok := m.pending[requestID]; ok {
		pending.late = true
	}
	m.mu.Unlock()
}
