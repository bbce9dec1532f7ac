package stream

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// DefaultHeartbeatInterval is the keep-alive period of an Emitter.
const DefaultHeartbeatInterval = 15 * time.Second

// EmitterOptions configure an Emitter.
type EmitterOptions struct {
	Logger logging.Logger
	// HeartbeatInterval <= 0 disables heartbeats.
	HeartbeatInterval time.Duration
}

// Emitter writes one request's events in causal order. Once ctx is done it
// drops everything silently and abandons the log, so a cancelled request
// never produces a late complete.
type Emitter struct {
	ctx  context.Context
	log  *Log
	opts EmitterOptions

	mu       sync.Mutex
	finished bool
	stop     chan struct{}
	done     chan struct{}
}

// NewEmitter starts emitting into log. The heartbeat runs until the first
// terminal event or cancellation.
func NewEmitter(ctx context.Context, log *Log, optFns ...func(o *EmitterOptions)) *Emitter {
	opts := EmitterOptions{
		Logger:            logging.NoOpLogger{},
		HeartbeatInterval: DefaultHeartbeatInterval,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	e := &Emitter{
		ctx:  ctx,
		log:  log,
		opts: opts,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go e.watch()
	return e
}

// Log returns the underlying log.
func (e *Emitter) Log() *Log { return e.log }

func (e *Emitter) watch() {
	defer close(e.done)

	var tick <-chan time.Time
	if e.opts.HeartbeatInterval > 0 {
		t := time.NewTicker(e.opts.HeartbeatInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-e.stop:
			return
		case <-e.ctx.Done():
			e.mu.Lock()
			e.finished = true
			e.mu.Unlock()
			e.log.Abandon()
			e.opts.Logger.Debug("stream.emitter.cancelled", "request", e.log.RequestID())
			return
		case <-tick:
			e.emit(core.EventHeartbeat, core.HeartbeatPayload{})
		}
	}
}

func (e *Emitter) emit(typ core.EventType, data any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finished || e.ctx.Err() != nil {
		return false
	}
	if typ.IsTerminal() {
		e.finished = true
		close(e.stop)
	}
	if _, err := e.log.Append(core.NewEvent(e.log.RequestID(), typ, data)); err != nil {
		e.opts.Logger.Warn("stream.emit.dropped", "request", e.log.RequestID(), "event", typ, "error", err.Error())
		return false
	}
	return true
}

// Start emits the start event.
func (e *Emitter) Start() { e.emit(core.EventStart, core.StartPayload{}) }

// Token emits one text fragment.
func (e *Emitter) Token(token string) {
	if token == "" {
		return
	}
	e.emit(core.EventToken, core.TokenPayload{Token: token})
}

// Triage emits the delegation decision.
func (e *Emitter) Triage(p core.TriagePayload) { e.emit(core.EventTriageComplete, p) }

// ResearchStart and ResearchComplete bracket a research specialist's run.
func (e *Emitter) ResearchStart(p core.ResearchPayload) { e.emit(core.EventResearchStart, p) }

func (e *Emitter) ResearchComplete(p core.ResearchPayload) { e.emit(core.EventResearchComplete, p) }

// ToolStart and ToolComplete bracket a tool call.
func (e *Emitter) ToolStart(p core.ToolPayload) { e.emit(core.EventToolStart, p) }

func (e *Emitter) ToolComplete(p core.ToolPayload) { e.emit(core.EventToolComplete, p) }

// Handoff emits a transfer of control.
func (e *Emitter) Handoff(p core.HandoffPayload) { e.emit(core.EventHandoff, p) }

// Complete emits the successful terminal event. It reports whether the event
// was written; false means the request already ended or was cancelled.
func (e *Emitter) Complete(content string, metadata map[string]any) bool {
	return e.emit(core.EventComplete, core.CompletePayload{Content: content, Metadata: metadata})
}

// Fail emits the failed terminal event with err classified for the consumer.
func (e *Emitter) Fail(err error) bool {
	return e.emit(core.EventError, core.ErrorPayload{Message: err.Error(), Code: core.ClassifyError(err)})
}

// Finished reports whether a terminal event was written or the request was
// cancelled.
func (e *Emitter) Finished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished
}

// Close stops the heartbeat. A log still open at that point is abandoned.
func (e *Emitter) Close() {
	e.mu.Lock()
	if !e.finished {
		e.finished = true
		close(e.stop)
	}
	e.mu.Unlock()
	<-e.done
	e.log.Abandon()
}
