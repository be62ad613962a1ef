package ops

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what an Operation does.
type Kind string

const (
	KindDownload Kind = "download"
	KindChat     Kind = "chat"
)

// Status is the lifecycle state of an Operation.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state. Once an Operation reaches a
// terminal state the registry drops all further mutations for it.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Operation is a tracked, cancellable background task. The ID is the only
// key used for routing events; IDs are UUIDs and never reused.
type Operation struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	Status    Status `json:"status"`
	Target    string `json:"target"`              // download: "model:variant"; chat: model name
	SessionID string `json:"sessionId,omitempty"` // chat only

	// Latest structured progress, downloads only.
	Percentage float64 `json:"percentage,omitempty"`
	Speed      string  `json:"speed,omitempty"`
	Size       string  `json:"size,omitempty"`
	Message    string  `json:"message,omitempty"`

	// Full response text accumulated so far, chats only. Monotonically
	// non-decreasing in length until the Operation is terminal.
	Accumulated string `json:"accumulated,omitempty"`

	Cancelled bool      `json:"cancelled,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type entry struct {
	op     Operation
	cancel context.CancelFunc
}

// Registry is the single source of truth for in-flight Operations.
// All mutations go through its methods; a terminal Operation rejects
// further state changes so late-arriving events are dropped, not applied.
type Registry struct {
	mu  sync.Mutex
	ops map[string]*entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*entry)}
}

// Create registers a new running Operation and returns a snapshot of it.
// cancel is invoked when the Operation is cancelled; it must be safe to
// call more than once (context.CancelFunc is).
func (r *Registry) Create(kind Kind, target, sessionID string, cancel context.CancelFunc) Operation {
	op := Operation{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    StatusRunning,
		Target:    target,
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.ops[op.ID] = &entry{op: op, cancel: cancel}
	r.mu.Unlock()
	return op
}

// Get returns a snapshot of the Operation with the given id.
func (r *Registry) Get(id string) (Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.ops[id]
	if !ok {
		return Operation{}, false
	}
	return e.op, true
}

// Cancel requests cancellation of a non-terminal Operation. It flips the
// cancelled flag and signals the underlying process/request to terminate,
// without waiting for it to confirm. Returns false if the Operation is
// unknown, already terminal, or already cancelled.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	e, ok := r.ops[id]
	if !ok || e.op.Status.Terminal() || e.op.Cancelled {
		r.mu.Unlock()
		return false
	}
	e.op.Cancelled = true
	cancel := e.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// Remove deletes the Operation from the registry. The registry is not a
// history store; callers remove an Operation once its terminal event has
// been delivered.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.ops, id)
	r.mu.Unlock()
}

// UpdateProgress stores the latest structured progress for a download.
// The stored percentage never decreases. Returns the updated snapshot and
// false if the Operation is unknown or terminal.
func (r *Registry) UpdateProgress(id string, pct float64, speed, size, msg string) (Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.ops[id]
	if !ok || e.op.Status.Terminal() {
		return Operation{}, false
	}
	if pct > e.op.Percentage {
		e.op.Percentage = pct
	}
	if speed != "" {
		e.op.Speed = speed
	}
	if size != "" {
		e.op.Size = size
	}
	e.op.Message = msg
	return e.op, true
}

// AppendChunk appends a chat delta to the accumulated response text.
// Returns the updated snapshot and false if the Operation is unknown or
// terminal.
func (r *Registry) AppendChunk(id, delta string) (Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.ops[id]
	if !ok || e.op.Status.Terminal() {
		return Operation{}, false
	}
	e.op.Accumulated += delta
	return e.op, true
}

// Finish moves the Operation into a terminal state, exactly once. A
// cancelled Operation can no longer complete successfully: a completed
// status is downgraded to cancelled. Returns the final snapshot and false
// if the Operation is unknown or already terminal.
func (r *Registry) Finish(id string, status Status) (Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.ops[id]
	if !ok || e.op.Status.Terminal() {
		return Operation{}, false
	}
	if e.op.Cancelled && status == StatusCompleted {
		status = StatusCancelled
	}
	e.op.Status = status
	if status == StatusCompleted && e.op.Kind == KindDownload {
		// A completed download always reports 100, whatever was last parsed.
		e.op.Percentage = 100
	}
	return e.op, true
}

// Len returns the number of registered Operations. Diagnostics only.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}
