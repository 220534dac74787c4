// Package bus is an in-process publish/subscribe bus driven by a virtual
// clock. Events are queued per type ordered by (due time, publish order) and
// only delivered once the clock has been advanced past their due time. Each
// event type is consumed by one worker goroutine, started on the first
// subscription, which invokes the type's handlers in registration order.
package bus

import (
	"container/heap"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("bus closed")

// EventType identifies a topic.
type EventType string

const (
	EventMarket EventType = "market"
	EventSignal EventType = "signal"
	EventOrder  EventType = "order"
	EventFill   EventType = "fill"
)

// Event is one delivered message.
type Event struct {
	Type    EventType
	Due     time.Time
	Seq     uint64
	Payload any
}

// Handler consumes events of one type. Handlers of different types run
// concurrently.
type Handler func(Event)

// Config configures New.
type Config struct {
	// Start is the initial virtual time.
	Start time.Time
	// Scale divides publish delays; zero means 1.
	Scale float64
	// Buffer is the per-type channel capacity; zero means 256.
	Buffer int
	Logger *slog.Logger
}

// Stats are cumulative counters.
type Stats struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
}

// Bus is safe for concurrent use. AdvanceTo calls are serialized.
type Bus struct {
	logger *slog.Logger
	scale  float64
	buffer int

	advMu sync.Mutex

	mu      sync.Mutex
	clock   time.Time
	seq     uint64
	topics  map[EventType]*topic
	closed  bool
	stats   Stats
	pending int
	idle    *sync.Cond

	wg sync.WaitGroup
}

type topic struct {
	queue    eventQueue
	handlers []Handler
	ch       chan Event
}

// New creates a Bus whose clock starts at cfg.Start.
func New(cfg Config) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scale := cfg.Scale
	if scale <= 0 {
		scale = 1
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		logger: logger.With("component", "bus"),
		scale:  scale,
		buffer: buffer,
		clock:  cfg.Start,
		topics: make(map[EventType]*topic),
	}
	b.idle = sync.NewCond(&b.mu)
	return b
}

func (b *Bus) topicLocked(t EventType) *topic {
	tp, ok := b.topics[t]
	if !ok {
		tp = &topic{}
		b.topics[t] = tp
	}
	return tp
}

// Now returns the current virtual time.
func (b *Bus) Now() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clock
}

// Stats returns a snapshot of the counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Subscribe registers h for events of type t. The first subscription for a
// type starts its worker.
func (b *Bus) Subscribe(t EventType, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	tp := b.topicLocked(t)
	tp.handlers = append(tp.handlers, h)
	if tp.ch == nil {
		tp.ch = make(chan Event, b.buffer)
		b.wg.Add(1)
		go b.consume(t, tp.ch)
	}
	return nil
}

// Publish schedules payload for delivery at Now()+delay/scale.
func (b *Bus) Publish(t EventType, payload any, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.seq++
	due := b.clock.Add(time.Duration(float64(delay) / b.scale))
	heap.Push(&b.topicLocked(t).queue, Event{Type: t, Due: due, Seq: b.seq, Payload: payload})
	b.stats.Published++
	return nil
}

// AdvanceTo moves the clock to t, never backwards, and delivers every event
// now due. Delivery blocks while a type's channel is full.
func (b *Bus) AdvanceTo(t time.Time) {
	b.advMu.Lock()
	defer b.advMu.Unlock()
	b.advanceLocked(t)
}

// Advance moves the clock forward by d.
func (b *Bus) Advance(d time.Duration) {
	b.advMu.Lock()
	defer b.advMu.Unlock()
	b.advanceLocked(b.Now().Add(d))
}

type delivery struct {
	ch     chan Event
	events []Event
}

func (b *Bus) advanceLocked(t time.Time) {
	b.mu.Lock()
	if t.After(b.clock) {
		b.clock = t
	}
	now := b.clock

	types := make([]string, 0, len(b.topics))
	for et := range b.topics {
		types = append(types, string(et))
	}
	sort.Strings(types)

	var out []delivery
	for _, et := range types {
		tp := b.topics[EventType(et)]
		var due []Event
		for tp.queue.Len() > 0 && !tp.queue[0].Due.After(now) {
			due = append(due, heap.Pop(&tp.queue).(Event))
		}
		if len(due) == 0 {
			continue
		}
		if tp.ch == nil {
			b.stats.Dropped += uint64(len(due))
			continue
		}
		b.pending += len(due)
		out = append(out, delivery{ch: tp.ch, events: due})
	}
	b.mu.Unlock()

	for _, d := range out {
		for _, ev := range d.events {
			d.ch <- ev
		}
	}
}

func (b *Bus) consume(t EventType, ch <-chan Event) {
	defer b.wg.Done()
	for ev := range ch {
		b.mu.Lock()
		handlers := b.topics[t].handlers
		b.mu.Unlock()
		for _, h := range handlers {
			h(ev)
		}
		b.mu.Lock()
		b.pending--
		b.stats.Delivered++
		if b.pending == 0 {
			b.idle.Broadcast()
		}
		b.mu.Unlock()
	}
}

// Sync blocks until every event delivered so far has been handled.
func (b *Bus) Sync() {
	b.mu.Lock()
	for b.pending > 0 {
		b.idle.Wait()
	}
	b.mu.Unlock()
}

// Close delivers events already due, stops the workers, and waits for them.
// Events scheduled after the current clock are discarded.
func (b *Bus) Close() {
	b.advMu.Lock()
	defer b.advMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.advanceLocked(time.Time{})

	b.mu.Lock()
	var discarded int
	for _, tp := range b.topics {
		discarded += tp.queue.Len()
		tp.queue = nil
		if tp.ch != nil {
			close(tp.ch)
		}
	}
	b.stats.Dropped += uint64(discarded)
	b.mu.Unlock()

	b.wg.Wait()
	if discarded > 0 {
		b.logger.Debug("discarded undelivered events", "count", discarded)
	}
}

// ---------------------------------------------------------------------------
// Priority queue ordered by (Due, Seq)
// ---------------------------------------------------------------------------

type eventQueue []Event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if !q[i].Due.Equal(q[j].Due) {
		return q[i].Due.Before(q[j].Due)
	}
	return q[i].Seq < q[j].Seq
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(Event)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	*q = old[:n-1]
	return ev
}
