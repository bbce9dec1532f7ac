package core

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventType discriminates streamed events.
type EventType string

// Event types, in the causal order they may appear within one request.
const (
	EventStart            EventType = "start"
	EventTriageComplete   EventType = "triage_complete"
	EventToken            EventType = "token"
	EventResearchStart    EventType = "research_start"
	EventResearchComplete EventType = "research_complete"
	EventToolStart        EventType = "tool_start"
	EventToolComplete     EventType = "tool_complete"
	EventHandoff          EventType = "handoff"
	EventHeartbeat        EventType = "heartbeat"
	EventError            EventType = "error"
	EventComplete         EventType = "complete"
)

// IsTerminal reports whether t ends a request's event sequence.
func (t EventType) IsTerminal() bool { return t == EventComplete || t == EventError }

// StartPayload is the (empty) payload of a start event.
type StartPayload struct{}

// TokenPayload carries one generated text fragment. Concatenating every token
// of a request reconstructs the complete content.
type TokenPayload struct {
	Token string `json:"token"`
}

// TriagePayload reports the delegation decision.
type TriagePayload struct {
	TaskType   string  `json:"taskType"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// ResearchPayload accompanies research_start / research_complete.
type ResearchPayload struct {
	Sources            []string `json:"sources,omitempty"`
	ResearchDataLength int      `json:"researchDataLength,omitempty"`
}

// ToolPayload accompanies tool_start / tool_complete.
type ToolPayload struct {
	Agent  string `json:"agent"`
	Tool   string `json:"tool"`
	CallID string `json:"callId,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HandoffPayload reports a transfer of control between agents.
type HandoffPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// ErrorPayload is the single terminal failure event of a request.
type ErrorPayload struct {
	Message string    `json:"message"`
	Code    ErrorCode `json:"code,omitempty"`
}

// CompletePayload is the single terminal success event of a request.
type CompletePayload struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HeartbeatPayload is the (empty) keep-alive payload.
type HeartbeatPayload struct{}

// Event is one typed, ordered progress notification delivered to a caller.
// ID is a per-request sequence number starting at 1 and is what consumers
// send back as their last-seen id when resuming.
type Event struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"requestId,omitempty"`
	Type      EventType `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// NewEvent creates an event with the current UTC timestamp. The sequence id
// is assigned by the emitter.
func NewEvent(requestID string, typ EventType, data any) Event {
	return Event{RequestID: requestID, Type: typ, Timestamp: time.Now().UTC(), Data: data}
}

// PayloadAs returns the event payload as T.
func PayloadAs[T any](e Event) (T, bool) {
	switch v := e.Data.(type) {
	case T:
		return v, true
	case *T:
		if v != nil {
			return *v, true
		}
	}
	var zero T
	return zero, false
}

type rawEvent struct {
	ID        int64               `json:"id"`
	RequestID string              `json:"requestId,omitempty"`
	Type      EventType           `json:"event"`
	Timestamp time.Time           `json:"timestamp"`
	Data      jsoniter.RawMessage `json:"data"`
}

// MarshalEvent serializes e into its wire envelope.
func MarshalEvent(e Event) ([]byte, error) {
	if e.Data == nil {
		e.Data = struct{}{}
	}
	return json.Marshal(e)
}

// UnmarshalEvent parses a wire envelope and decodes the payload into its
// typed form.
func UnmarshalEvent(data []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("decode event envelope: %w", err)
	}
	payload, err := DecodePayload(raw.Type, raw.Data)
	if err != nil {
		return Event{}, err
	}
	return Event{ID: raw.ID, RequestID: raw.RequestID, Type: raw.Type, Timestamp: raw.Timestamp, Data: payload}, nil
}

// DecodePayload decodes the JSON payload of an event of type typ.
func DecodePayload(typ EventType, data []byte) (any, error) {
	var target any
	switch typ {
	case EventStart:
		target = &StartPayload{}
	case EventToken:
		target = &TokenPayload{}
	case EventTriageComplete:
		target = &TriagePayload{}
	case EventResearchStart, EventResearchComplete:
		target = &ResearchPayload{}
	case EventToolStart, EventToolComplete:
		target = &ToolPayload{}
	case EventHandoff:
		target = &HandoffPayload{}
	case EventHeartbeat:
		target = &HeartbeatPayload{}
	case EventError:
		target = &ErrorPayload{}
	case EventComplete:
		target = &CompletePayload{}
	default:
		return nil, fmt.Errorf("unknown event type %q", typ)
	}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, target); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", typ, err)
		}
	}
	return derefPayload(target), nil
}

func derefPayload(p any) any {
	switch v := p.(type) {
	case *StartPayload:
		return *v
	case *TokenPayload:
		return *v
	case *TriagePayload:
		return *v
	case *ResearchPayload:
		return *v
	case *ToolPayload:
		return *v
	case *HandoffPayload:
		return *v
	case *HeartbeatPayload:
		return *v
	case *ErrorPayload:
		return *v
	case *CompletePayload:
		return *v
	}
	return p
}
