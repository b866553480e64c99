// ABOUTME: Coalesces bursts of near-simultaneous messages from one sender into a single group.
// ABOUTME: One timer per (sender, channel) key; new messages reset the timer until a quiet period passes.

package debounce

import (
	"log/slog"
	"sync"
	"time"
)

// Media message types that are split out from plain content when a group flushes.
var mediaTypes = map[string]struct{}{
	"audio":    {},
	"image":    {},
	"video":    {},
	"document": {},
}

// Message is a queued inbound message awaiting grouping.
type Message struct {
	SenderID       string
	Channel        string
	Content        string
	Type           string
	TenantID       string
	ConversationID string
	MessageID      string
	EnqueuedAt     time.Time
	Metadata       map[string]string
}

// IsMedia reports whether the message carries media rather than plain content.
func (m *Message) IsMedia() bool {
	_, ok := mediaTypes[m.Type]
	return ok
}

// Group is one flushed batch of messages from a single sender on a single
// channel, in arrival order.
type Group struct {
	SenderID       string
	Channel        string
	TenantID       string
	ConversationID string
	Messages       []*Message
}

// Texts returns the plain content messages of the group, in arrival order.
func (g *Group) Texts() []*Message {
	var out []*Message
	for _, m := range g.Messages {
		if !m.IsMedia() {
			out = append(out, m)
		}
	}
	return out
}

// Media returns the media messages of the group, in arrival order.
func (g *Group) Media() []*Message {
	var out []*Message
	for _, m := range g.Messages {
		if m.IsMedia() {
			out = append(out, m)
		}
	}
	return out
}

// FlushFunc receives a completed group. It runs on the timer goroutine of the
// sender key that flushed, so different senders flush concurrently.
type FlushFunc func(g *Group)

// buffer accumulates messages for one sender key.
type buffer struct {
	messages []*Message
	timer    *time.Timer
	firstAt  time.Time
}

// Queue groups inbound messages keyed by (sender ID, source channel).
// A group is emitted once a quiet period elapses with no new message from
// that sender, or once the group reaches its maximum size or age.
type Queue struct {
	mu      sync.Mutex
	buffers map[string]*buffer
	stopped bool

	quietPeriod  time.Duration
	maxGroupSize int
	maxGroupAge  time.Duration

	flush  FlushFunc
	logger *slog.Logger
}

// Options configures a Queue.
type Options struct {
	QuietPeriod  time.Duration
	MaxGroupSize int
	MaxGroupAge  time.Duration
	OnFlush      FlushFunc
	Logger       *slog.Logger
}

// NewQueue creates a debounce queue.
func NewQueue(opts Options) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		buffers:      make(map[string]*buffer),
		quietPeriod:  opts.QuietPeriod,
		maxGroupSize: opts.MaxGroupSize,
		maxGroupAge:  opts.MaxGroupAge,
		flush:        opts.OnFlush,
		logger:       logger.With("component", "debounce"),
	}
}

func groupKey(senderID, channel string) string {
	return senderID + "|" + channel
}

// Enqueue adds a message. A new message from the same sender resets that
// sender's quiet-period timer; reaching the maximum group size flushes
// immediately. Different senders are fully independent.
func (q *Queue) Enqueue(msg *Message) {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	key := groupKey(msg.SenderID, msg.Channel)

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}

	buf, exists := q.buffers[key]
	if !exists {
		buf = &buffer{firstAt: time.Now()}
		q.buffers[key] = buf
	}
	buf.messages = append(buf.messages, msg)

	if q.maxGroupSize > 0 && len(buf.messages) >= q.maxGroupSize {
		group := q.takeLocked(key, buf)
		q.mu.Unlock()
		q.emit(group, "max_size")
		return
	}

	// Debounce semantics: reset the timer, but never let the group age past
	// its cap.
	delay := q.quietPeriod
	if q.maxGroupAge > 0 {
		if remaining := q.maxGroupAge - time.Since(buf.firstAt); remaining < delay {
			delay = remaining
		}
	}
	if delay < 0 {
		delay = 0
	}

	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.timer = time.AfterFunc(delay, func() {
		q.flushKey(key, "quiet_period")
	})
	q.mu.Unlock()
}

// FlushKey flushes any pending messages for a sender immediately.
func (q *Queue) FlushKey(senderID, channel string) {
	q.flushKey(groupKey(senderID, channel), "manual")
}

// flushKey flushes the buffer for a key if one exists.
func (q *Queue) flushKey(key, reason string) {
	q.mu.Lock()
	buf, exists := q.buffers[key]
	if !exists || q.stopped {
		q.mu.Unlock()
		return
	}
	group := q.takeLocked(key, buf)
	q.mu.Unlock()

	q.emit(group, reason)
}

// takeLocked removes the buffer and builds its group. Must be called with
// q.mu held.
func (q *Queue) takeLocked(key string, buf *buffer) *Group {
	delete(q.buffers, key)
	if buf.timer != nil {
		buf.timer.Stop()
		buf.timer = nil
	}

	if len(buf.messages) == 0 {
		return nil
	}

	first := buf.messages[0]
	return &Group{
		SenderID:       first.SenderID,
		Channel:        first.Channel,
		TenantID:       first.TenantID,
		ConversationID: first.ConversationID,
		Messages:       buf.messages,
	}
}

// emit invokes the flush callback.
func (q *Queue) emit(group *Group, reason string) {
	if group == nil || q.flush == nil {
		return
	}
	q.logger.Debug("flushing message group",
		"sender_id", group.SenderID,
		"channel", group.Channel,
		"size", len(group.Messages),
		"reason", reason,
	)
	q.flush(group)
}

// PendingSenders returns the number of sender keys with buffered messages.
func (q *Queue) PendingSenders() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffers)
}

// Stop cancels all pending timers and drops buffered messages.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopped = true
	for key, buf := range q.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
			buf.timer = nil
		}
		delete(q.buffers, key)
	}
}
