package engine

// EventType names the observable execution milestones.
type EventType string

const (
	StageStartedEvent   EventType = "stage_started"
	StageCompletedEvent EventType = "stage_completed"
	StageSkippedEvent   EventType = "stage_skipped"
	AwaitingInputEvent  EventType = "awaiting_input"
	RunCompletedEvent   EventType = "run_completed"
	RunFailedEvent      EventType = "run_failed"
)

// Event is an execution milestone published to the configured sink.
type Event struct {
	Type     EventType `json:"type"`
	RunID    string    `json:"run_id"`
	Workflow string    `json:"workflow"`
	Node     string    `json:"node,omitempty"`
	Prompt   string    `json:"prompt,omitempty"` // set for awaiting_input
	Err      string    `json:"error,omitempty"`  // set for run_failed
}

// EventSink receives execution events. Publish is called synchronously
// from the execution loop, so implementations must not block.
type EventSink interface {
	Publish(event Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(Event) {}
