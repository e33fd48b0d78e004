// Package events fans ingested records and alert fires out to live tail
// subscribers. Publishing never blocks ingestion: a subscriber whose buffer
// is full misses the event, and the miss is counted.
package events

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcus-qen/logsentry/internal/metrics"
)

// EventType classifies events.
type EventType string

const (
	RecordIngested EventType = "record.ingested"
	AlertFired     EventType = "alert.fired"
)

// Event is one published event.
type Event struct {
	Type      EventType   `json:"type"`
	Summary   string      `json:"summary"`
	Detail    interface{} `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// JSON encodes the event for a websocket frame.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// SubscriberInfo is a point-in-time view of one subscriber.
type SubscriberInfo struct {
	ID      string      `json:"id"`
	Types   []EventType `json:"types,omitempty"`
	Pending int         `json:"pending"`
	Dropped uint64      `json:"dropped"`
	Since   time.Time   `json:"since"`
}

type subscriber struct {
	ch      chan Event
	types   map[EventType]bool // nil = every type
	since   time.Time
	dropped atomic.Uint64
}

func (s *subscriber) wants(t EventType) bool {
	return s.types == nil || s.types[t]
}

// Bus delivers events to subscribers keyed by id.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	bufferSize  int
}

// NewBus creates a bus whose subscriber channels hold bufferSize events.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Publish offers evt to every interested subscriber without waiting.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !sub.wants(evt.Type) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
			metrics.RecordTailDrop(string(evt.Type))
		}
	}
}

// Subscribe registers id for the given event types, or for all types when
// none are given. Subscribing an id again replaces and closes its previous
// channel. Call Unsubscribe with the same id when done.
func (b *Bus) Subscribe(id string, types ...EventType) <-chan Event {
	sub := &subscriber{
		ch:    make(chan Event, b.bufferSize),
		since: time.Now().UTC(),
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.subscribers[id]; ok {
		close(old.ch)
	}
	b.subscribers[id] = sub
	return sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Subscribers lists active subscribers ordered by id.
func (b *Bus) Subscribers() []SubscriberInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]SubscriberInfo, 0, len(b.subscribers))
	for id, sub := range b.subscribers {
		info := SubscriberInfo{
			ID:      id,
			Pending: len(sub.ch),
			Dropped: sub.dropped.Load(),
			Since:   sub.since,
		}
		for t := range sub.types {
			info.Types = append(info.Types, t)
		}
		sort.Slice(info.Types, func(i, j int) bool { return info.Types[i] < info.Types[j] })
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
