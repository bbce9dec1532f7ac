package orchestrator

import (
	"context"
	"time"

	"github.com/hupe1980/agentrelay/agent"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/triage"
)

// outcome is the answer of a request before it is published.
type outcome struct {
	content  string
	agent    core.AgentInfo
	model    string
	triage   *triage.Decision
	handoffs int
	usage    any
}

func (s *Service) execute(r *run) (*Response, error) {
	start := time.Now()
	req := r.req
	logger := logging.ForRequest(s.opts.Logger, req.ChatID, r.id)

	r.emitter.Start()
	logger.Info("orchestrator.request.start", "request", r.id, "agent_type", req.AgentType, "chat", req.ChatID, "stream", req.Stream)

	traceID := s.opts.Recorder.StartTrace("chat", map[string]any{
		"request_id": r.id,
		"chat_id":    req.ChatID,
		"user_id":    req.UserID,
		"agent_type": req.AgentType,
		"query":      clip(req.Query),
	})
	taskID := s.createTask(r.ctx, req)

	b := newBridge(r.ctx, r.id, traceID, req.Query, r.emitter, s.opts.Recorder, s.opts.Status, logger)
	ctx := core.WithObserver(r.ctx, b)
	ctx = core.WithModelLimiter(ctx, core.NewModelLimiter(s.opts.MaxModelCalls))

	s.updateTask(r.ctx, taskID, core.TaskPatch{Status: statusPtr(core.TaskInProgress)})

	out, err := s.answer(ctx, req, s.conversation(r.ctx, req), b)
	if err == nil && !r.emitter.Complete(out.content, s.metadata(r.id, traceID, taskID, b, out)) {
		err = r.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
	}

	if err != nil {
		if r.ctx.Err() != nil {
			logger.Info("orchestrator.request.cancelled", "request", r.id, "duration_ms", time.Since(start).Milliseconds())
			_ = s.opts.Recorder.AbortTrace(traceID, "request cancelled")
			b.abandon()
			s.failTask(taskID, "cancelled")
			return nil, r.ctx.Err()
		}

		logger.Warn("orchestrator.request.error", "request", r.id, "code", core.ClassifyError(err), "error", err.Error())
		r.emitter.Fail(err)
		_ = s.opts.Recorder.CompleteTrace(traceID, false, err.Error())
		s.failTask(taskID, err.Error())
		return nil, err
	}

	_ = s.opts.Recorder.CompleteTrace(traceID, true, clip(out.content))
	agentID := out.agent.ID
	s.updateTask(r.ctx, taskID, core.TaskPatch{Status: statusPtr(core.TaskCompleted), Result: &out.content, AgentID: &agentID})
	s.remember(r.ctx, req, out.content)

	logger.Info(
		"orchestrator.request.complete",
		"request", r.id,
		"agent", out.agent.ID,
		"handoffs", out.handoffs,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	resp := &Response{
		RequestID: r.id,
		Response:  out.content,
		Agent:     out.agent,
		HandoffID: b.handoffID(),
		TraceID:   traceID,
		TaskID:    taskID,
	}
	if out.triage != nil {
		p := triagePayload(*out.triage)
		resp.Triage = &p
	}
	resp.Metadata = s.metadata(r.id, traceID, taskID, b, out)
	return resp, nil
}

// answer resolves the answering agent: the delegation policy for routed
// requests, the named agent otherwise.
func (s *Service) answer(ctx context.Context, req Request, conv core.Conversation, b *bridge) (*outcome, error) {
	if req.routed() {
		dec, err := s.policy.Route(ctx, req.Query, conv, func(o *triage.RouteOptions) { o.OnDecision = b.decided })
		if err != nil {
			return nil, err
		}
		out := &outcome{content: dec.Content, agent: dec.Agent, triage: dec}
		if dec.Result != nil {
			out.model = dec.Result.Model
			out.handoffs = len(dec.Result.Handoffs)
			out.usage = dec.Result.Usage
		}
		return out, nil
	}

	a, err := s.agentFor(req.AgentType)
	if err != nil {
		return nil, err
	}
	res, err := a.Run(ctx, req.Query, conv)
	if err != nil {
		return nil, err
	}
	return &outcome{
		content:  res.Content,
		agent:    res.Agent,
		model:    res.Model,
		handoffs: len(res.Handoffs),
		usage:    res.Usage,
	}, nil
}

func (s *Service) agentFor(agentType string) (*agent.Agent, error) {
	if agentType == AgentTypeOrchestrator {
		return s.registry.Orchestrator()
	}
	return s.registry.GetOrCreate(agentType)
}

// conversation builds the request's private conversation.
func (s *Service) conversation(ctx context.Context, req Request) core.Conversation {
	conv := core.NewConversation(req.ChatID, req.UserID, req.PreviousMessages...)
	conv.ParentTaskID = req.ParentTaskID

	if len(req.PreviousMessages) > 0 || req.ChatID == "" || s.opts.Sessions == nil {
		return conv
	}
	history, err := s.opts.Sessions.History(ctx, req.ChatID)
	if err != nil {
		s.opts.Logger.Warn("orchestrator.session.error", "chat", req.ChatID, "error", err.Error())
		return conv
	}
	return conv.Append(history...)
}

func (s *Service) remember(ctx context.Context, req Request, content string) {
	if req.ChatID == "" || s.opts.Sessions == nil {
		return
	}
	if err := s.opts.Sessions.Append(ctx, req.ChatID, core.NewUserMessage(req.Query), core.NewAssistantMessage(content)); err != nil {
		s.opts.Logger.Warn("orchestrator.session.error", "chat", req.ChatID, "error", err.Error())
	}
}

func (s *Service) metadata(requestID, traceID, taskID string, b *bridge, out *outcome) map[string]any {
	md := map[string]any{
		"requestId": requestID,
		"traceId":   traceID,
		"agent":     out.agent,
	}
	if taskID != "" {
		md["taskId"] = taskID
	}
	if out.model != "" {
		md["model"] = out.model
	}
	if out.handoffs > 0 {
		md["handoffs"] = out.handoffs
		md["handoffId"] = b.handoffID()
	}
	if out.usage != nil {
		md["usage"] = out.usage
	}
	if d := out.triage; d != nil {
		md["path"] = string(d.Path)
		md["taskType"] = d.TaskType
		md["confidence"] = d.Confidence
		if d.ToolName != "" {
			md["toolName"] = d.ToolName
		}
	}
	return md
}
