package stream

import (
	"fmt"
	"sync"

	"github.com/hupe1980/agentrelay/logging"
)

// DefaultMaxLogs bounds how many request logs a Hub retains.
const DefaultMaxLogs = 256

// HubOptions configure a Hub.
type HubOptions struct {
	Logger logging.Logger
	// MaxLogs evicts the oldest closed logs beyond this count. Open logs are
	// never evicted.
	MaxLogs int
	// MaxEventsPerLog bounds replay per request.
	MaxEventsPerLog int
}

// Hub retains the event logs of recent requests for resumption.
type Hub struct {
	mu    sync.Mutex
	logs  map[string]*Log
	order []string
	opts  HubOptions
}

// NewHub creates an empty hub.
func NewHub(optFns ...func(o *HubOptions)) *Hub {
	opts := HubOptions{
		Logger:          logging.NoOpLogger{},
		MaxLogs:         DefaultMaxLogs,
		MaxEventsPerLog: DefaultMaxEvents,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Hub{logs: make(map[string]*Log), opts: opts}
}

// Open creates the log of a new request.
func (h *Hub) Open(requestID string) (*Log, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.logs[requestID]; exists {
		return nil, fmt.Errorf("event log %s already exists", requestID)
	}
	l := NewLog(requestID, h.opts.MaxEventsPerLog)
	h.logs[requestID] = l
	h.order = append(h.order, requestID)
	h.evictLocked()

	return l, nil
}

// Get returns the log of requestID.
func (h *Hub) Get(requestID string) (*Log, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.logs[requestID]
	return l, ok
}

// Len returns the number of retained logs.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.order)
}

func (h *Hub) evictLocked() {
	max := h.opts.MaxLogs
	if max <= 0 {
		return
	}
	for i := 0; len(h.order) > max && i < len(h.order); {
		id := h.order[i]
		if !h.logs[id].Closed() {
			i++
			continue
		}
		delete(h.logs, id)
		h.order = append(h.order[:i], h.order[i+1:]...)
		h.opts.Logger.Debug("stream.log.evicted", "request", id)
	}
}
