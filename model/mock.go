package model

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/agentrelay/core"
)

type scripted struct {
	resp Response
	err  error
}

// MockModel is a lightweight in‑memory Model useful for tests & examples.
//
// Answers are chosen in this order: queued responses/errors (FIFO), the
// responder func, canned answers keyed by the last user message, and finally
// a generic "Mock response to: <prompt>" text. Safe for concurrent use.
type MockModel struct {
	mu        sync.Mutex
	info      Info
	responses map[string]string
	queue     []scripted
	responder func(Request) (Response, error)
	requests  []Request
}

// NewMockModel constructs a MockModel with basic tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      provider,
			SupportsTools: true,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Enqueue appends scripted responses consumed one per Generate call.
func (m *MockModel) Enqueue(responses ...Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range responses {
		m.queue = append(m.queue, scripted{resp: r})
	}
}

// EnqueueError makes the next Generate call fail with err.
func (m *MockModel) EnqueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, scripted{err: err})
}

// SetResponder installs a function answering requests not covered by the queue.
func (m *MockModel) SetResponder(fn func(Request) (Response, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = fn
}

// Requests returns a copy of every request received so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Calls returns the number of Generate invocations.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *MockModel) next(req Request) (Response, error) {
	m.mu.Lock()
	req.Messages = append([]core.Message(nil), req.Messages...)
	req.Tools = append([]ToolDefinition(nil), req.Tools...)
	m.requests = append(m.requests, req)

	if len(m.queue) > 0 {
		s := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		return s.resp, s.err
	}

	responder := m.responder
	prompt := lastUserText(req.Messages)
	canned, ok := m.responses[prompt]
	m.mu.Unlock()

	if responder != nil {
		return responder(req)
	}
	if !ok {
		canned = fmt.Sprintf("Mock response to: %s", prompt)
	}
	return Response{Text: canned}, nil
}

// Generate implements Model; emits word-sized streaming chunks then the final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		resp, err := m.next(req)
		if err != nil {
			errCh <- err
			return
		}
		resp.Partial = false
		if resp.FinishReason == "" {
			resp.FinishReason = "stop"
			if len(resp.ToolCalls) > 0 {
				resp.FinishReason = "tool_calls"
			}
		}

		if req.Stream && resp.Text != "" {
			for _, word := range strings.SplitAfter(resp.Text, " ") {
				if word == "" {
					continue
				}
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{ID: resp.ID, Partial: true, Text: word}:
				}
			}
		}

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- resp:
		}
	}()
	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }

func lastUserText(msgs []core.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == core.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
