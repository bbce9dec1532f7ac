// Package agentrelay assembles the delegation engine from a configuration:
// the completion backend, the agent roster, the triage policy, the trace
// recorder, the event hub and the HTTP surface. Most applications either
// call New with a loaded config.Config and serve Handler, or use Invoke /
// InvokeSync directly.
package agentrelay

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentrelay/agent"
	"github.com/hupe1980/agentrelay/config"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/model"
	"github.com/hupe1980/agentrelay/orchestrator"
	"github.com/hupe1980/agentrelay/server"
	"github.com/hupe1980/agentrelay/session"
	"github.com/hupe1980/agentrelay/stream"
	"github.com/hupe1980/agentrelay/task"
	"github.com/hupe1980/agentrelay/trace"
)

// Options override pieces New would otherwise build from the config.
type Options struct {
	// Logger defaults to the logger described by the config's log section.
	Logger logging.Logger
	// Model replaces the configured backend (useful for tests).
	Model model.Model
	// Tasks defaults to an in-memory store.
	Tasks core.TaskStore
	// Sessions defaults to an in-memory history store.
	Sessions session.Store
}

// Relay is the assembled service.
type Relay struct {
	cfg    *config.Config
	svc    *orchestrator.Service
	server *server.Server
	logger logging.Logger
}

// New builds a Relay from cfg.
func New(ctx context.Context, cfg *config.Config, optFns ...func(o *Options)) (*Relay, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = cfg.Logger()
	}
	if opts.Tasks == nil {
		opts.Tasks = task.NewInMemoryStore()
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewInMemoryStore(func(o *session.Options) {
			if cfg.Limits.MaxHistoryMessages > 0 {
				o.MaxMessages = cfg.Limits.MaxHistoryMessages
			}
		})
	}

	llm := opts.Model
	if llm == nil {
		var err error
		if llm, err = cfg.NewModel(ctx); err != nil {
			return nil, fmt.Errorf("agentrelay: backend: %w", err)
		}
	}

	defs, err := cfg.Definitions()
	if err != nil {
		return nil, err
	}
	registry := agent.NewRegistry(llm, cfg.RegistryOptions(), func(o *agent.RegistryOptions) {
		o.Logger = logging.ForComponent(opts.Logger, "agent")
	})
	if err := registry.Register(defs...); err != nil {
		return nil, fmt.Errorf("agentrelay: %w", err)
	}

	svc := orchestrator.New(registry, func(o *orchestrator.Options) {
		o.Logger = opts.Logger
		o.PolicyOptions = append(o.PolicyOptions, cfg.TriageOptions())
		o.Recorder = trace.NewRecorder(func(ro *trace.Options) {
			ro.Logger = logging.ForComponent(opts.Logger, "trace")
			if cfg.Limits.MaxTraces > 0 {
				ro.MaxTraces = cfg.Limits.MaxTraces
			}
		})
		o.Hub = stream.NewHub(func(ho *stream.HubOptions) {
			ho.Logger = logging.ForComponent(opts.Logger, "stream")
			if cfg.Limits.MaxEventLogs > 0 {
				ho.MaxLogs = cfg.Limits.MaxEventLogs
			}
		})
		o.Tasks = opts.Tasks
		o.Sessions = opts.Sessions
		o.MaxConcurrentRequests = cfg.Limits.MaxConcurrentRequests
		o.MaxModelCalls = cfg.Limits.MaxModelCalls
		o.HeartbeatInterval = cfg.Server.HeartbeatInterval
	})

	srv := server.New(svc, func(o *server.Options) {
		o.Logger = logging.ForComponent(opts.Logger, "server")
		if cfg.Server.Auth.Enabled() {
			o.Auth = newAuthenticator(cfg.Server.Auth)
		}
	})

	return &Relay{cfg: cfg, svc: svc, server: srv, logger: opts.Logger}, nil
}

func newAuthenticator(cfg config.AuthConfig) *server.Authenticator {
	return server.NewAuthenticator(cfg.JWTSecret, func(o *server.AuthOptions) {
		if cfg.TokenExpiry > 0 {
			o.Expiry = cfg.TokenExpiry
		}
		o.Users = make(map[string]string, len(cfg.Users))
		for _, u := range cfg.Users {
			o.Users[u.Username] = u.PasswordHash
		}
	})
}

// Service returns the orchestrator service.
func (r *Relay) Service() *orchestrator.Service { return r.svc }

// Server returns the HTTP surface.
func (r *Relay) Server() *server.Server { return r.server }

// Invoke starts req and returns its request id and event stream.
func (r *Relay) Invoke(ctx context.Context, req orchestrator.Request) (string, <-chan core.Event, error) {
	return r.svc.Stream(ctx, req)
}

// InvokeSync answers req and waits for the response.
func (r *Relay) InvokeSync(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
	return r.svc.Handle(ctx, req)
}

// Serve listens on the configured address until ctx is cancelled.
func (r *Relay) Serve(ctx context.Context) error {
	return r.server.ListenAndServe(ctx, r.cfg.Server.Listen)
}
