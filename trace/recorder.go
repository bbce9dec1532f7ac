package trace

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/util"
	"github.com/hupe1980/agentrelay/logging"
)

// DefaultMaxTraces bounds how many traces a Recorder retains.
const DefaultMaxTraces = 1000

// Options configure a Recorder.
type Options struct {
	Logger logging.Logger
	// MaxTraces evicts the oldest traces (finished ones first) beyond this
	// count.
	MaxTraces int
}

// Recorder is an in-memory trace store safe for concurrent use. Each trace is
// written by one request; readers get deep copies.
type Recorder struct {
	mu     sync.RWMutex
	traces map[string]*Trace
	order  []string
	opts   Options
}

// NewRecorder creates an empty recorder.
func NewRecorder(optFns ...func(o *Options)) *Recorder {
	opts := Options{
		Logger:    logging.NoOpLogger{},
		MaxTraces: DefaultMaxTraces,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Recorder{traces: make(map[string]*Trace), opts: opts}
}

// StartTrace opens a running trace and returns its id.
func (r *Recorder) StartTrace(name string, metadata map[string]any) string {
	t := &Trace{
		ID:        util.NewID(),
		Name:      name,
		Metadata:  maps.Clone(metadata),
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.traces[t.ID] = t
	r.order = append(r.order, t.ID)
	r.evictLocked()

	r.opts.Logger.Debug("trace.start", "trace", t.ID, "name", name)
	return t.ID
}

// AddStep appends a closed step. An empty status means success. Steps added
// to a finished trace are dropped with a warning and yield an empty id.
func (r *Recorder) AddStep(traceID string, typ SpanType, message string, metadata map[string]any, status SpanStatus) (string, error) {
	return r.AddChildStep(traceID, "", typ, message, metadata, status)
}

// AddChildStep is AddStep with a parent step.
func (r *Recorder) AddChildStep(traceID, parentID string, typ SpanType, message string, metadata map[string]any, status SpanStatus) (string, error) {
	if status == "" {
		status = SpanSuccess
	}
	now := time.Now().UTC()
	s := Span{
		ID:        util.NewID(),
		ParentID:  parentID,
		Type:      typ,
		Message:   message,
		Metadata:  maps.Clone(metadata),
		Status:    status,
		CreatedAt: now,
	}
	if !status.open() {
		s.ClosedAt = &now
	}
	return r.appendSpan(traceID, s)
}

// StartStreamingStep opens a pending step whose content arrives through
// AppendStep.
func (r *Recorder) StartStreamingStep(traceID string, typ SpanType, metadata map[string]any) (string, error) {
	s := Span{
		ID:        util.NewID(),
		Type:      typ,
		Metadata:  maps.Clone(metadata),
		Status:    SpanPending,
		CreatedAt: time.Now().UTC(),
	}
	return r.appendSpan(traceID, s)
}

// appendSpan returns the id of the stored span, or "" when the trace had
// already finished and the span was dropped.
func (r *Recorder) appendSpan(traceID string, s Span) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.writableLocked(traceID, "add_step")
	if t == nil {
		return "", err
	}
	t.Spans = append(t.Spans, s)
	return s.ID, nil
}

// AppendStep adds content to an open step.
func (r *Recorder) AppendStep(traceID, stepID, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.openSpanLocked(traceID, stepID, "append_step")
	if s == nil {
		return err
	}
	s.Message += content
	s.Status = SpanRunning
	return nil
}

// CloseStep finalizes a step. Non-empty final replaces the accumulated
// content; an empty status means success.
func (r *Recorder) CloseStep(traceID, stepID, final string, status SpanStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.openSpanLocked(traceID, stepID, "close_step")
	if s == nil {
		return err
	}
	if final != "" {
		s.Message = final
	}
	if status == "" || status.open() {
		status = SpanSuccess
	}
	now := time.Now().UTC()
	s.Status = status
	s.ClosedAt = &now
	return nil
}

// CompleteTrace finishes a trace as completed or failed. Calling it on a
// finished trace has no effect.
func (r *Recorder) CompleteTrace(traceID string, success bool, summary string) error {
	status, spanStatus := StatusCompleted, SpanSuccess
	if !success {
		status, spanStatus = StatusFailed, SpanFailed
	}
	return r.finish(traceID, status, spanStatus, summary)
}

// AbortTrace finishes a trace as aborted, e.g. after the client went away.
// Open steps are closed as failed. Calling it on a finished trace has no
// effect.
func (r *Recorder) AbortTrace(traceID, reason string) error {
	return r.finish(traceID, StatusAborted, SpanFailed, reason)
}

func (r *Recorder) finish(traceID string, status Status, openTo SpanStatus, summary string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.traces[traceID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrTraceNotFound, traceID)
	}
	if t.Status.IsFinal() {
		return nil
	}

	now := time.Now().UTC()
	for i := range t.Spans {
		if t.Spans[i].Status.open() {
			t.Spans[i].Status = openTo
			t.Spans[i].ClosedAt = &now
		}
	}
	t.Status = status
	t.Summary = summary
	t.CompletedAt = &now

	r.opts.Logger.Debug("trace.finish", "trace", traceID, "status", status, "steps", len(t.Spans))
	return nil
}

// Get returns a copy of the trace.
func (r *Recorder) Get(traceID string) (Trace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.traces[traceID]
	if !ok {
		return Trace{}, fmt.Errorf("%w: %s", core.ErrTraceNotFound, traceID)
	}
	return t.Clone(), nil
}

// List returns up to limit traces, newest first. limit <= 0 returns all.
func (r *Recorder) List(limit int) []Trace {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Trace, 0, n)
	for i := len(r.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.traces[r.order[i]].Clone())
	}
	return out
}

// Len returns the number of retained traces.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// writableLocked returns the trace for a write. Writes to a finished trace
// are dropped with a warning: both results are nil.
func (r *Recorder) writableLocked(traceID, op string) (*Trace, error) {
	t, ok := r.traces[traceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrTraceNotFound, traceID)
	}
	if t.Status.IsFinal() {
		r.opts.Logger.Warn("trace.step.dropped", "trace", traceID, "op", op, "status", t.Status)
		return nil, nil
	}
	return t, nil
}

// openSpanLocked follows writableLocked: a closed step yields nil, nil.
func (r *Recorder) openSpanLocked(traceID, stepID, op string) (*Span, error) {
	t, err := r.writableLocked(traceID, op)
	if t == nil {
		return nil, err
	}
	for i := range t.Spans {
		if t.Spans[i].ID != stepID {
			continue
		}
		if !t.Spans[i].Status.open() {
			r.opts.Logger.Warn("trace.step.dropped", "trace", traceID, "step", stepID, "op", op, "status", t.Spans[i].Status)
			return nil, nil
		}
		return &t.Spans[i], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
}

// evictLocked drops the oldest finished traces, then the oldest running
// ones, until the retention bound holds.
func (r *Recorder) evictLocked() {
	max := r.opts.MaxTraces
	if max <= 0 {
		return
	}
	for len(r.order) > max {
		victim := 0
		for i, id := range r.order {
			if r.traces[id].Status.IsFinal() {
				victim = i
				break
			}
		}
		id := r.order[victim]
		delete(r.traces, id)
		r.order = append(r.order[:victim], r.order[victim+1:]...)
		r.opts.Logger.Debug("trace.evicted", "trace", id)
	}
}
