package orchestrator

import (
	"context"
	"time"

	"github.com/hupe1980/agentrelay/core"
)

// taskWriteTimeout bounds task store calls made after the request context
// may already be gone.
const taskWriteTimeout = 5 * time.Second

// createTask records the request when it carries a user id. Store failures
// are logged; the request continues unrecorded.
func (s *Service) createTask(ctx context.Context, req Request) string {
	if s.opts.Tasks == nil || req.UserID == "" {
		return ""
	}
	id, err := s.opts.Tasks.Create(ctx, core.Task{
		Status:       core.TaskPending,
		Description:  req.Query,
		ParentTaskID: req.ParentTaskID,
		UserID:       req.UserID,
		ChatID:       req.ChatID,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		s.opts.Logger.Warn("orchestrator.task.error", "op", "create", "error", err.Error())
		return ""
	}
	return id
}

func (s *Service) updateTask(ctx context.Context, id string, patch core.TaskPatch) {
	if s.opts.Tasks == nil || id == "" {
		return
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), taskWriteTimeout)
		defer cancel()
	}
	if err := s.opts.Tasks.Update(ctx, id, patch); err != nil {
		s.opts.Logger.Warn("orchestrator.task.error", "op", "update", "task", id, "error", err.Error())
	}
}

func (s *Service) failTask(id, reason string) {
	s.updateTask(context.Background(), id, core.TaskPatch{Status: statusPtr(core.TaskError), Result: &reason})
}

func statusPtr(s core.TaskStatus) *core.TaskStatus { return &s }
