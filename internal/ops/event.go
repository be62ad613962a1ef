package ops

// EventType discriminates the events an Operation emits over its lifetime.
type EventType string

const (
	EventStart     EventType = "start"
	EventProgress  EventType = "progress"
	EventChunk     EventType = "chunk"
	EventEnd       EventType = "end"
	EventError     EventType = "error"
	EventCancelled EventType = "cancelled"
)

// Event is one structured notification about an Operation. Events for a
// single Operation are delivered in the order they were generated; every
// accepted Operation produces exactly one terminal event (end, error, or
// cancelled).
type Event struct {
	OperationID string    `json:"operationId"`
	Type        EventType `json:"type"`

	// Download progress fields.
	Status     string   `json:"status,omitempty"`
	Message    string   `json:"message,omitempty"`
	Percentage *float64 `json:"percentage,omitempty"`
	Speed      string   `json:"speed,omitempty"`
	Size       string   `json:"size,omitempty"`

	// Chat fields. Delta carries only the newly appended substring;
	// FullResponse appears on end events (and error events, holding
	// whatever partial text was received before the failure).
	Delta        string `json:"delta,omitempty"`
	FullResponse string `json:"fullResponse,omitempty"`

	// Error message, error events only.
	Error string `json:"error,omitempty"`
}

// Terminal reports whether the event closes its Operation's stream.
func (e Event) Terminal() bool {
	return e.Type == EventEnd || e.Type == EventError || e.Type == EventCancelled
}
