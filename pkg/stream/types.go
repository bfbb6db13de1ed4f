// Package stream provides the in-process fan-out broker that delivers
// NDJSON events to live client connections, with a bounded reconnection
// replay buffer backed by the key/value cache.
package stream

import (
	"encoding/json"
	"time"
)

// Event type vocabulary. These are the event_type values carried on the wire
// and recorded in the outbox.
const (
	EventMessageCreated         = "message_created"
	EventAgentSwitched          = "agent_switched"
	EventDirectAgentCall        = "direct_agent_call"
	EventAgentStatusChanged     = "agent_status_changed"
	EventTaskPlanCreated        = "task_plan_created"
	EventTaskStarted            = "task_started"
	EventTaskProgress           = "task_progress"
	EventTaskCompleted          = "task_completed"
	EventToolRequest            = "tool_request"
	EventPlanRequest            = "plan_request"
	EventContextRetrieved       = "context_retrieved"
	EventApprovalRequired       = "approval_required"
	EventApprovalResolved       = "approval_resolved"
	EventApprovalTimeout        = "approval_timeout"
	EventApprovalTimeoutWarning = "approval_timeout_warning"
	EventHeartbeat              = "heartbeat"
	EventError                  = "error"
)

// Event is one streamed NDJSON object. Payload carries event_id (the stable
// outbox primary key — the consumer deduplication key), aggregate_type, and
// aggregate_id alongside event-specific fields.
type Event struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID *string        `json:"session_id"`

	// OwnerID routes session-less events; it is not part of the wire format.
	OwnerID string `json:"-"`
}

// Encode serializes the event to a single JSON line (without the trailing
// newline; transports add their own framing).
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// EventID returns the payload's event_id, if present.
func (e Event) EventID() string {
	id, _ := e.Payload["event_id"].(string)
	return id
}

// Heartbeat builds a heartbeat event for a connection's session.
func Heartbeat(sessionID *string, now time.Time) Event {
	return Event{
		EventType: EventHeartbeat,
		Payload:   map[string]any{},
		Timestamp: now,
		SessionID: sessionID,
	}
}

// bufferKey is the cache key holding a session's replay buffer.
func bufferKey(sessionID string) string {
	return "stream:buffer:" + sessionID
}
