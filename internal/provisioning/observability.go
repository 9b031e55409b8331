package provisioning

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
)

// Observer is the structured event sink for provisioning runs. Events are
// fanned out to the console and, when enabled, to host-side telemetry.
type Observer interface {
	// Event emits a structured event.
	Event(event Event)

	// WithFields returns a new Observer carrying additional context fields.
	WithFields(fields map[string]string) Observer
}

// Event represents a structured provisioning event.
type Event struct {
	Type      EventType         // Type of event
	Phase     string            // Phase name (e.g., "hostname", "user")
	Message   string            // Human-readable message
	Timestamp time.Time         // When the event occurred
	Fields    map[string]string // Additional contextual fields
}

// EventType represents the type of provisioning event.
type EventType string

const (
	// EventPhaseStarted indicates a provisioning phase has started.
	EventPhaseStarted EventType = "phase.started"
	// EventPhaseCompleted indicates a provisioning phase completed successfully.
	EventPhaseCompleted EventType = "phase.completed"
	// EventPhaseFailed indicates a provisioning phase failed.
	EventPhaseFailed EventType = "phase.failed"

	// EventProvisioningSkipped indicates the instance was already provisioned.
	EventProvisioningSkipped EventType = "provisioning.skipped"
	// EventProvisioningCompleted indicates the whole run succeeded.
	EventProvisioningCompleted EventType = "provisioning.completed"
	// EventProvisioningFailed indicates the run failed.
	EventProvisioningFailed EventType = "provisioning.failed"

	// EventHealthReported indicates provisioning health reached the platform.
	EventHealthReported EventType = "health.reported"
	// EventHealthReportFailed indicates the health report could not be
	// delivered. The run outcome is unaffected.
	EventHealthReportFailed EventType = "health.report_failed"
)

// ConsoleObserver implements Observer using the standard log package.
type ConsoleObserver struct {
	contextFields map[string]string
}

// NewConsoleObserver creates a new console-based observer.
func NewConsoleObserver() *ConsoleObserver {
	return &ConsoleObserver{
		contextFields: make(map[string]string),
	}
}

// Event implements Observer.
func (o *ConsoleObserver) Event(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Fields == nil {
		event.Fields = make(map[string]string)
	}
	for k, v := range o.contextFields {
		if _, exists := event.Fields[k]; !exists {
			event.Fields[k] = v
		}
	}
	log.Print(o.formatEvent(event))
}

// WithFields implements Observer.
func (o *ConsoleObserver) WithFields(fields map[string]string) Observer {
	newFields := make(map[string]string)
	for k, v := range o.contextFields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}
	return &ConsoleObserver{contextFields: newFields}
}

// formatEvent formats an event for console output. Fields are sorted so the
// output is deterministic.
func (o *ConsoleObserver) formatEvent(event Event) string {
	var parts []string
	parts = append(parts, string(event.Type))
	if event.Phase != "" {
		parts = append(parts, fmt.Sprintf("[%s]", event.Phase))
	}
	parts = append(parts, event.Message)
	if len(event.Fields) > 0 {
		keys := make([]string, 0, len(event.Fields))
		for k := range event.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fieldParts := make([]string, 0, len(keys))
		for _, k := range keys {
			fieldParts = append(fieldParts, fmt.Sprintf("%s=%s", k, event.Fields[k]))
		}
		parts = append(parts, fmt.Sprintf("(%s)", strings.Join(fieldParts, ", ")))
	}
	return strings.Join(parts, " ")
}

// MultiObserver fans events out to several sinks.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver creates an observer delivering every event to each of
// observers in order.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	return &MultiObserver{observers: observers}
}

// Event implements Observer.
func (m *MultiObserver) Event(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, o := range m.observers {
		o.Event(event)
	}
}

// WithFields implements Observer.
func (m *MultiObserver) WithFields(fields map[string]string) Observer {
	wrapped := make([]Observer, len(m.observers))
	for i, o := range m.observers {
		wrapped[i] = o.WithFields(fields)
	}
	return &MultiObserver{observers: wrapped}
}

// LogPhaseStart emits a phase start event.
func LogPhaseStart(observer Observer, phase string) {
	observer.Event(Event{
		Type:    EventPhaseStarted,
		Phase:   phase,
		Message: "starting",
	})
}

// LogPhaseComplete emits a phase completion event.
func LogPhaseComplete(observer Observer, phase string, duration time.Duration) {
	observer.Event(Event{
		Type:    EventPhaseCompleted,
		Phase:   phase,
		Message: fmt.Sprintf("completed in %v", duration.Round(time.Millisecond)),
	})
}

// LogPhaseFailed emits a phase failure event.
func LogPhaseFailed(observer Observer, phase string, err error) {
	observer.Event(Event{
		Type:    EventPhaseFailed,
		Phase:   phase,
		Message: fmt.Sprintf("failed: %v", err),
	})
}
