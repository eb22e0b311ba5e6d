// Package training runs model training jobs in the background and relays
// their progress to observers.
package training

import (
	"sync"
	"time"
)

// LogLine is a single human-readable status message.
type LogLine struct {
	Seq  uint64
	Time time.Time
	Text string
}

func (l LogLine) String() string {
	return l.Text
}

// registry holds callbacks keyed by subscription id, kept in registration order.
// Callers provide their own locking.
type registry[T any] struct {
	next    int
	entries []registryEntry[T]
}

type registryEntry[T any] struct {
	id int
	fn func(T)
}

func (r *registry[T]) add(fn func(T)) int {
	r.next++
	r.entries = append(r.entries, registryEntry[T]{id: r.next, fn: fn})
	return r.next
}

func (r *registry[T]) remove(id int) {
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

func (r *registry[T]) snapshot() []func(T) {
	fns := make([]func(T), len(r.entries))
	for i, e := range r.entries {
		fns[i] = e.fn
	}
	return fns
}

// LogChannel broadcasts log lines to every subscriber in emission order.
//
// Delivery is synchronous and serialized: concurrent Emit calls are ordered
// by the channel and every subscriber sees the same sequence. Subscribers
// must return quickly.
type LogChannel struct {
	mu   sync.Mutex
	seq  uint64
	subs registry[LogLine]
}

// NewLogChannel creates an empty channel.
func NewLogChannel() *LogChannel {
	return &LogChannel{}
}

// Subscribe registers fn and returns a function that removes it.
func (c *LogChannel) Subscribe(fn func(LogLine)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.subs.add(fn)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.subs.remove(id)
			c.mu.Unlock()
		})
	}
}

// Emit broadcasts text to all current subscribers.
func (c *LogChannel) Emit(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	line := LogLine{Seq: c.seq, Time: time.Now(), Text: text}
	for _, e := range c.subs.entries {
		e.fn(line)
	}
}
