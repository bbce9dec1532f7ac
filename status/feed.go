// Package status maintains the ordered agent status feed consumed by status
// UIs.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// DefaultMaxEntries bounds how many statuses a Feed retains.
const DefaultMaxEntries = 200

// Options configure a Feed.
type Options struct {
	Logger     logging.Logger
	MaxEntries int
	// Buffer is the per-subscriber channel size. Updates to a full
	// subscriber are dropped.
	Buffer int
}

// Feed holds the latest status per entry id and fans updates out to
// subscribers in the order they were made.
type Feed struct {
	mu      sync.Mutex
	entries map[string]core.AgentStatus
	order   []string
	subs    map[int]chan core.AgentStatus
	nextSub int
	opts    Options
}

// NewFeed creates an empty feed.
func NewFeed(optFns ...func(o *Options)) *Feed {
	opts := Options{
		Logger:     logging.NoOpLogger{},
		MaxEntries: DefaultMaxEntries,
		Buffer:     64,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Feed{
		entries: make(map[string]core.AgentStatus),
		subs:    make(map[int]chan core.AgentStatus),
		opts:    opts,
	}
}

// Start records that an agent began working on task.
func (f *Feed) Start(id string, info core.AgentInfo, task string) core.AgentStatus {
	now := time.Now().UTC()
	return f.Update(core.AgentStatus{
		ID:        id,
		Name:      info.Name,
		Type:      info.Type,
		Task:      task,
		Status:    core.AgentWorking,
		StartTime: now,
	})
}

// Progress moves a working entry to progress percent.
func (f *Feed) Progress(id string, progress int) (core.AgentStatus, bool) {
	return f.patch(id, func(s *core.AgentStatus) { s.Progress = progress })
}

// Complete marks an entry completed at 100 percent.
func (f *Feed) Complete(id string) (core.AgentStatus, bool) {
	return f.patch(id, func(s *core.AgentStatus) {
		s.Status = core.AgentCompleted
		s.Progress = 100
	})
}

// Fail marks an entry failed, keeping its progress.
func (f *Feed) Fail(id string) (core.AgentStatus, bool) {
	return f.patch(id, func(s *core.AgentStatus) { s.Status = core.AgentFailed })
}

func (f *Feed) patch(id string, fn func(s *core.AgentStatus)) (core.AgentStatus, bool) {
	f.mu.Lock()
	s, ok := f.entries[id]
	f.mu.Unlock()
	if !ok {
		return core.AgentStatus{}, false
	}
	fn(&s)
	return f.Update(s), true
}

// Update stores s as the latest status of s.ID and publishes it. Progress is
// clamped to 0..100; progress never moves backwards while working.
func (f *Feed) Update(s core.AgentStatus) core.AgentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UTC()
	prev, exists := f.entries[s.ID]
	if exists {
		if s.StartTime.IsZero() {
			s.StartTime = prev.StartTime
		}
		if s.Status == core.AgentWorking && s.Progress < prev.Progress {
			s.Progress = prev.Progress
		}
	} else {
		f.order = append(f.order, s.ID)
	}
	if s.StartTime.IsZero() {
		s.StartTime = now
	}
	s.Progress = min(max(s.Progress, 0), 100)
	s.LastUpdateTime = now

	f.entries[s.ID] = s
	f.evictLocked()

	for id, ch := range f.subs {
		select {
		case ch <- s:
		default:
			f.opts.Logger.Warn("status.update.dropped", "subscriber", id, "entry", s.ID)
		}
	}

	return s
}

// Get returns the latest status of id.
func (f *Feed) Get(id string) (core.AgentStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.entries[id]
	return s, ok
}

// Snapshot returns every retained status in first-seen order.
func (f *Feed) Snapshot() []core.AgentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

func (f *Feed) snapshotLocked() []core.AgentStatus {
	out := make([]core.AgentStatus, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.entries[id])
	}
	return out
}

// Subscribe returns the current snapshot followed by live updates. The
// channel closes when ctx is done.
func (f *Feed) Subscribe(ctx context.Context) <-chan core.AgentStatus {
	f.mu.Lock()
	snapshot := f.snapshotLocked()
	ch := make(chan core.AgentStatus, max(f.opts.Buffer, len(snapshot)))
	for _, s := range snapshot {
		ch <- s
	}
	id := f.nextSub
	f.nextSub++
	f.subs[id] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(ch)
		f.mu.Unlock()
	}()

	return ch
}

func (f *Feed) evictLocked() {
	limit := f.opts.MaxEntries
	if limit <= 0 {
		return
	}
	for i := 0; len(f.order) > limit && i < len(f.order); {
		id := f.order[i]
		if f.entries[id].Status == core.AgentWorking {
			i++
			continue
		}
		delete(f.entries, id)
		f.order = append(f.order[:i], f.order[i+1:]...)
	}
}
