package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/agentrelay/core"
)

// ErrClosed is returned when appending to a log that already ended.
var ErrClosed = errors.New("event log closed")

// DefaultMaxEvents bounds the events one log retains for replay.
const DefaultMaxEvents = 10000

// Log is the ordered event sequence of one request. It is safe for one
// writer and any number of concurrent readers.
type Log struct {
	requestID string
	maxEvents int

	mu       sync.Mutex
	events   []core.Event
	nextID   int64
	closed   bool
	terminal bool
	notify   chan struct{}
}

// NewLog creates an empty log. maxEvents <= 0 uses DefaultMaxEvents.
func NewLog(requestID string, maxEvents int) *Log {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Log{
		requestID: requestID,
		maxEvents: maxEvents,
		nextID:    1,
		notify:    make(chan struct{}),
	}
}

// RequestID returns the id of the owning request.
func (l *Log) RequestID() string { return l.requestID }

// Append assigns the next sequence id to e and stores it. A terminal event
// closes the log; any append after that fails with ErrClosed.
func (l *Log) Append(e core.Event) (core.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return core.Event{}, ErrClosed
	}

	e.ID = l.nextID
	e.RequestID = l.requestID
	l.nextID++

	l.events = append(l.events, e)
	if over := len(l.events) - l.maxEvents; over > 0 {
		l.events = append(l.events[:0:0], l.events[over:]...)
	}

	if e.Type.IsTerminal() {
		l.closed = true
		l.terminal = true
	}
	l.wakeLocked()

	return e, nil
}

// Abandon ends the log without a terminal event. Readers stop after the
// events already stored.
func (l *Log) Abandon() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.wakeLocked()
}

func (l *Log) wakeLocked() {
	close(l.notify)
	l.notify = make(chan struct{})
}

// Closed reports whether the log accepts no more events.
func (l *Log) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Terminated reports whether the log ended with complete or error.
func (l *Log) Terminated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminal
}

// Since returns the retained events with an id greater than lastID.
func (l *Log) Since(lastID int64) []core.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sinceLocked(lastID)
}

func (l *Log) sinceLocked(lastID int64) []core.Event {
	for i, e := range l.events {
		if e.ID > lastID {
			return append([]core.Event(nil), l.events[i:]...)
		}
	}
	return nil
}

// Events returns every retained event.
func (l *Log) Events() []core.Event { return l.Since(0) }

// Subscribe replays the events after lastID and then follows the log live.
// The channel is closed after the last event of a closed log, or when ctx
// is done.
func (l *Log) Subscribe(ctx context.Context, lastID int64) <-chan core.Event {
	out := make(chan core.Event, 64)

	go func() {
		defer close(out)
		cursor := lastID
		for {
			l.mu.Lock()
			batch := l.sinceLocked(cursor)
			closed := l.closed
			wait := l.notify
			l.mu.Unlock()

			for _, e := range batch {
				select {
				case out <- e:
					cursor = e.ID
				case <-ctx.Done():
					return
				}
			}
			if closed {
				return
			}

			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
