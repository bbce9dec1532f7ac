package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/agent"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/util"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/session"
	"github.com/hupe1980/agentrelay/status"
	"github.com/hupe1980/agentrelay/stream"
	"github.com/hupe1980/agentrelay/trace"
	"github.com/hupe1980/agentrelay/triage"
)

// ErrUnknownRequest is returned for resume or cancel of an unknown request id.
var ErrUnknownRequest = errors.New("unknown request")

// Options holds dependency and configuration overrides passed to New().
type Options struct {
	Logger logging.Logger
	// PolicyOptions tune the delegation policy.
	PolicyOptions []func(o *triage.Options)
	Recorder      *trace.Recorder
	Hub           *stream.Hub
	Status        *status.Feed
	// Tasks records requests that carry a user id. Nil disables task records.
	Tasks core.TaskStore
	// Sessions supplies stored history for requests without previous
	// messages. Nil disables it.
	Sessions session.Store
	// MaxConcurrentRequests bounds requests in flight; further requests wait.
	MaxConcurrentRequests int
	// MaxModelCalls bounds completion calls per request. 0 means unlimited.
	MaxModelCalls     int
	HeartbeatInterval time.Duration
}

// Service answers chat requests. Public methods are safe for concurrent use.
type Service struct {
	registry *agent.Registry
	policy   *triage.Policy
	opts     Options
	sem      chan struct{}

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New constructs a Service over registry with optional overrides.
func New(registry *agent.Registry, optFns ...func(o *Options)) *Service {
	opts := Options{
		Logger:                logging.NoOpLogger{},
		MaxConcurrentRequests: 10,
		MaxModelCalls:         100,
		HeartbeatInterval:     stream.DefaultHeartbeatInterval,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	// Collaborators built here are scoped from the unscoped base logger.
	base := opts.Logger
	if opts.Recorder == nil {
		opts.Recorder = trace.NewRecorder(func(o *trace.Options) { o.Logger = logging.ForComponent(base, "trace") })
	}
	if opts.Hub == nil {
		opts.Hub = stream.NewHub(func(o *stream.HubOptions) { o.Logger = logging.ForComponent(base, "stream") })
	}
	if opts.Status == nil {
		opts.Status = status.NewFeed(func(o *status.Options) { o.Logger = logging.ForComponent(base, "status") })
	}
	if opts.MaxConcurrentRequests <= 0 {
		opts.MaxConcurrentRequests = 1
	}

	policyOpts := append([]func(o *triage.Options){func(o *triage.Options) { o.Logger = logging.ForComponent(base, "triage") }}, opts.PolicyOptions...)
	opts.Logger = logging.ForComponent(base, "orchestrator")

	return &Service{
		registry: registry,
		policy:   triage.New(registry, policyOpts...),
		opts:     opts,
		sem:      make(chan struct{}, opts.MaxConcurrentRequests),
		active:   make(map[string]context.CancelFunc),
	}
}

// Registry returns the agent registry.
func (s *Service) Registry() *agent.Registry { return s.registry }

// Policy returns the delegation policy.
func (s *Service) Policy() *triage.Policy { return s.policy }

// Recorder returns the trace recorder.
func (s *Service) Recorder() *trace.Recorder { return s.opts.Recorder }

// Status returns the agent status feed.
func (s *Service) Status() *status.Feed { return s.opts.Status }

// Agents lists the registered agents.
func (s *Service) Agents() []core.AgentInfo {
	defs := s.registry.Definitions()
	out := make([]core.AgentInfo, 0, len(defs))
	for _, def := range defs {
		out = append(out, def.Info())
	}
	return out
}

// run is the state of one in-flight request.
type run struct {
	id      string
	req     Request
	ctx     context.Context
	cancel  context.CancelFunc
	log     *stream.Log
	emitter *stream.Emitter
}

func (s *Service) begin(ctx context.Context, req Request) (*run, error) {
	if core.IsBlank(req.Query) {
		return nil, core.ErrEmptyQuery
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	id := util.NewID()
	log, err := s.opts.Hub.Open(id)
	if err != nil {
		<-s.sem
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.active[id] = cancel
	s.mu.Unlock()

	emitter := stream.NewEmitter(runCtx, log, func(o *stream.EmitterOptions) {
		o.Logger = logging.ForRequest(s.opts.Logger, req.ChatID, id)
		o.HeartbeatInterval = s.opts.HeartbeatInterval
	})

	return &run{id: id, req: req, ctx: runCtx, cancel: cancel, log: log, emitter: emitter}, nil
}

func (s *Service) end(r *run) {
	r.emitter.Close()
	r.cancel()

	s.mu.Lock()
	delete(s.active, r.id)
	s.mu.Unlock()

	<-s.sem
}

// Handle answers req and waits for the result. The request's events are
// still retained for Resume.
func (s *Service) Handle(ctx context.Context, req Request) (*Response, error) {
	r, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	defer s.end(r)

	return s.execute(r)
}

// Stream starts answering req in the background and returns its request id
// and events. The channel closes after the terminal event, or without one
// when ctx is cancelled.
func (s *Service) Stream(ctx context.Context, req Request) (string, <-chan core.Event, error) {
	r, err := s.begin(ctx, req)
	if err != nil {
		return "", nil, err
	}

	events := r.log.Subscribe(ctx, 0)
	go func() {
		defer s.end(r)
		_, _ = s.execute(r)
	}()

	return r.id, events, nil
}

// Resume replays the events of requestID after lastID and follows the
// request live if it is still running.
func (s *Service) Resume(ctx context.Context, requestID string, lastID int64) (<-chan core.Event, error) {
	log, ok := s.opts.Hub.Get(requestID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	return log.Subscribe(ctx, lastID), nil
}

// Cancel stops a running request.
func (s *Service) Cancel(requestID string) error {
	s.mu.Lock()
	cancel, ok := s.active[requestID]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	cancel()
	s.opts.Logger.Info("orchestrator.request.cancel", "request", requestID)
	return nil
}

// Active returns the number of requests in flight.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
