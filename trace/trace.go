package trace

import (
	"errors"
	"maps"
	"time"
)

// ErrStepNotFound is returned for operations on an unknown step id.
var ErrStepNotFound = errors.New("trace step not found")

// SpanType classifies a step.
type SpanType string

const (
	SpanThought     SpanType = "thought"
	SpanAction      SpanType = "action"
	SpanObservation SpanType = "observation"
	SpanDecision    SpanType = "decision"
	SpanHandoff     SpanType = "handoff"
	SpanError       SpanType = "error"
)

// SpanStatus is the state of one step.
type SpanStatus string

const (
	SpanPending SpanStatus = "pending"
	SpanRunning SpanStatus = "running"
	SpanSuccess SpanStatus = "success"
	SpanFailed  SpanStatus = "error"
)

func (s SpanStatus) open() bool { return s == SpanPending || s == SpanRunning }

// Status is the state of a whole trace.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// IsFinal reports whether the trace accepts no further writes.
func (s Status) IsFinal() bool { return s != StatusRunning }

// Span is one step of a trace.
type Span struct {
	ID        string         `json:"id"`
	ParentID  string         `json:"parent_id,omitempty"`
	Type      SpanType       `json:"type"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Status    SpanStatus     `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	ClosedAt  *time.Time     `json:"closed_at,omitempty"`
}

// Trace is the ordered record of one request.
type Trace struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      Status         `json:"status"`
	Summary     string         `json:"summary,omitempty"`
	Spans       []Span         `json:"spans"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Duration is the elapsed time of a finished trace, or so far.
func (t Trace) Duration() time.Duration {
	if t.CompletedAt != nil {
		return t.CompletedAt.Sub(t.StartedAt)
	}
	return time.Since(t.StartedAt)
}

// Clone returns a deep copy safe for the caller to keep.
func (t *Trace) Clone() Trace {
	out := *t
	out.Metadata = maps.Clone(t.Metadata)
	out.Spans = make([]Span, len(t.Spans))
	for i, s := range t.Spans {
		s.Metadata = maps.Clone(s.Metadata)
		out.Spans[i] = s
	}
	return out
}
