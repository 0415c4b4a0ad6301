// Package conversation holds the ordered, replayable log of messages
// exchanged between agents and fans new entries out to observers.
package conversation

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/user/paywire/internal/types"
)

// EventType distinguishes bus notifications.
type EventType string

const (
	EventEntry   EventType = "entry"
	EventCleared EventType = "cleared"
)

// Event is what subscribers receive: either a newly appended entry or a
// notice that the log was cleared. Generation counts clears so far.
type Event struct {
	Type       EventType    `json:"type"`
	Entry      *types.Entry `json:"entry,omitempty"`
	Generation uint64       `json:"generation"`
	At         time.Time    `json:"at"`
}

// View is a consistent read of the log: its entries plus the cursor an
// observer needs to discard events already covered by the view.
type View struct {
	Entries      []types.Entry
	LastSequence int64
	Generation   uint64
}

// Covers reports whether ev is already reflected in the view.
func (v View) Covers(ev Event) bool {
	switch ev.Type {
	case EventEntry:
		return ev.Entry != nil && ev.Entry.SequenceID <= v.LastSequence
	case EventCleared:
		return ev.Generation <= v.Generation
	}
	return false
}

type subscriber struct {
	id string
	fn func(Event)
}

// Bus is an append-only conversation log. Sequence ids are assigned under
// a single lock and never reused, even across Clear.
type Bus struct {
	mu      sync.RWMutex
	entries []types.Entry
	seq     int64
	gen     uint64
	now     func() time.Time

	// deliver serializes fan-out so every observer sees events in
	// sequence order. It is acquired before mu is released.
	deliver sync.Mutex
	subs    []subscriber
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock overrides the time source used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Append assigns the next sequence id to entry, stores it and notifies
// subscribers with the finalized entry. The caller's SequenceID is ignored.
func (b *Bus) Append(entry types.Entry) types.Entry {
	b.mu.Lock()
	b.seq++
	entry.SequenceID = b.seq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = b.now()
	}
	entry.Attributes = maps.Clone(entry.Attributes)
	b.entries = append(b.entries, entry)
	gen := b.gen
	b.deliver.Lock()
	subs := slices.Clone(b.subs)
	b.mu.Unlock()

	defer b.deliver.Unlock()
	for _, s := range subs {
		e := entry
		s.fn(Event{Type: EventEntry, Entry: &e, Generation: gen, At: entry.Timestamp})
	}
	return entry
}

// Snapshot returns every entry in sequence order, oldest first.
func (b *Bus) Snapshot() []types.Entry {
	return b.View().Entries
}

// View returns the entries together with the cursor they were read at.
func (b *Bus) View() View {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return View{
		Entries:      slices.Clone(b.entries),
		LastSequence: b.seq,
		Generation:   b.gen,
	}
}

// LastSequence returns the most recently issued sequence id, or zero.
func (b *Bus) LastSequence() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// Len returns the number of entries currently held.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Clear empties the log and notifies subscribers. The sequence counter is
// left untouched.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.entries = nil
	b.gen++
	ev := Event{Type: EventCleared, Generation: b.gen, At: b.now()}
	b.deliver.Lock()
	subs := slices.Clone(b.subs)
	b.mu.Unlock()

	defer b.deliver.Unlock()
	for _, s := range subs {
		s.fn(ev)
	}
}

// Subscribe registers fn under id, replacing any sink with the same id.
// fn runs synchronously on the appending goroutine; it must not block and
// must not call Append or Clear.
func (b *Bus) Subscribe(id string, fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = slices.DeleteFunc(b.subs, func(s subscriber) bool { return s.id == id })
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
}

// Unsubscribe removes the sink registered under id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = slices.DeleteFunc(b.subs, func(s subscriber) bool { return s.id == id })
}
