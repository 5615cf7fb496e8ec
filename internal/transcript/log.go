package transcript

import (
	"log/slog"
	"slices"
	"sync"
)

// Log is an append-only, in-memory chat log. All methods are safe for
// concurrent use.
type Log struct {
	mu       sync.RWMutex
	messages []Message
	subs     map[*subscription]struct{}
}

type subscription struct {
	ch      chan Message
	dropped int
}

// NewLog returns an empty Log.
func NewLog() *Log {
	return &Log{subs: make(map[*subscription]struct{})}
}

// Append adds msgs in order and forwards them to subscribers. A subscriber
// whose buffer is full misses the message.
func (l *Log) Append(msgs ...Message) {
	if len(msgs) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msgs...)
	for sub := range l.subs {
		for _, m := range msgs {
			select {
			case sub.ch <- m:
			default:
				sub.dropped++
				slog.Debug("transcript: subscriber too slow, message dropped", "role", m.Role, "dropped", sub.dropped)
			}
		}
	}
}

// Messages returns a snapshot copy of the log.
func (l *Log) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.messages)
}

// Len returns the number of messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Subscribe returns a channel receiving every message appended after the
// call, and a cancel function that closes it. buffer is clamped to at least 1.
func (l *Log) Subscribe(buffer int) (<-chan Message, func()) {
	sub := &subscription{ch: make(chan Message, max(buffer, 1))}
	l.mu.Lock()
	l.subs[sub] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, sub)
			l.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}
