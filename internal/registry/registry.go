// Package registry keeps the set of known agents and their liveness.
package registry

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/user/paywire/internal/types"
)

// ChangeType describes what happened to an agent.
type ChangeType string

const (
	ChangeRegistered   ChangeType = "registered"
	ChangeReconnected  ChangeType = "reconnected"
	ChangeDisconnected ChangeType = "disconnected"
)

// Change is delivered to subscribers whenever a record is created or its
// status flips.
type Change struct {
	Type  ChangeType
	Agent types.AgentRecord
}

type entry struct {
	record types.AgentRecord
	order  uint64
}

// Registry is an in-memory, concurrency-safe agent registry. Records are
// keyed by id; re-registration replaces the record in place.
type Registry struct {
	mu     sync.RWMutex
	agents map[types.AgentID]*entry
	order  uint64
	now    func() time.Time

	// deliver serializes change fan-out in the order mutations were
	// applied. It is acquired before mu is released.
	deliver sync.Mutex
	subsMu  sync.RWMutex
	subs   map[string]func(Change)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		agents: make(map[types.AgentID]*entry),
		now:    time.Now,
		subs:   make(map[string]func(Change)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts or replaces the record keyed by rec.ID and marks it
// Connected. It fails only when the record does not validate.
func (r *Registry) Register(rec types.AgentRecord) (types.AgentRecord, error) {
	if rec.ID == "" {
		return types.AgentRecord{}, fmt.Errorf("%w: id is required", types.ErrInvalidAgent)
	}
	if rec.ID.IsReserved() {
		return types.AgentRecord{}, fmt.Errorf("%w: id %q is reserved", types.ErrInvalidAgent, rec.ID)
	}
	role, err := types.ParseRole(string(rec.Role))
	if err != nil {
		return types.AgentRecord{}, err
	}

	rec = rec.Clone()
	rec.Role = role
	rec.Capabilities = types.NormalizeCapabilities(rec.Capabilities)
	if rec.DisplayName == "" {
		rec.DisplayName = string(rec.ID)
	}
	now := r.now()
	rec.Status = types.StatusConnected
	rec.LastSeen = now
	rec.RegisteredAt = now

	r.mu.Lock()
	r.order++
	r.agents[rec.ID] = &entry{record: rec, order: r.order}
	r.deliver.Lock()
	r.mu.Unlock()
	defer r.deliver.Unlock()

	slog.Debug("agent registered", "agent_id", rec.ID, "role", rec.Role)
	r.notify(Change{Type: ChangeRegistered, Agent: rec.Clone()})
	return rec.Clone(), nil
}

// Heartbeat refreshes LastSeen for id, reviving it if it had been marked
// Disconnected.
func (r *Registry) Heartbeat(id types.AgentID) error {
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrUnknownAgent, id)
	}
	e.record.LastSeen = r.now()
	revived := e.record.Status != types.StatusConnected
	e.record.Status = types.StatusConnected
	rec := e.record.Clone()
	if !revived {
		r.mu.Unlock()
		return nil
	}
	r.deliver.Lock()
	r.mu.Unlock()
	defer r.deliver.Unlock()

	r.notify(Change{Type: ChangeReconnected, Agent: rec})
	return nil
}

// Expire marks every Connected record whose LastSeen is older than window
// as Disconnected and returns the records it changed. Nothing is deleted.
func (r *Registry) Expire(now time.Time, window time.Duration) []types.AgentRecord {
	cutoff := now.Add(-window)

	r.mu.Lock()
	var expired []types.AgentRecord
	for _, e := range r.sorted() {
		if e.record.Status == types.StatusConnected && e.record.LastSeen.Before(cutoff) {
			e.record.Status = types.StatusDisconnected
			expired = append(expired, e.record.Clone())
		}
	}
	if len(expired) == 0 {
		r.mu.Unlock()
		return nil
	}
	r.deliver.Lock()
	r.mu.Unlock()
	defer r.deliver.Unlock()

	for _, rec := range expired {
		slog.Info("agent heartbeat expired", "agent_id", rec.ID, "last_seen", rec.LastSeen)
		r.notify(Change{Type: ChangeDisconnected, Agent: rec.Clone()})
	}
	return expired
}

// FindByRole returns the most recently registered Connected agent with the
// given role. When several agents share a role only the newest is
// addressable this way.
func (r *Registry) FindByRole(role types.Role) (types.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *entry
	for _, e := range r.agents {
		if e.record.Role != role || e.record.Status != types.StatusConnected {
			continue
		}
		if best == nil || e.order > best.order {
			best = e
		}
	}
	if best == nil {
		return types.AgentRecord{}, fmt.Errorf("%w: no connected %s", types.ErrNotFound, role)
	}
	return best.record.Clone(), nil
}

// Get returns the record for id.
func (r *Registry) Get(id types.AgentID) (types.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return types.AgentRecord{}, fmt.Errorf("%w: %s", types.ErrUnknownAgent, id)
	}
	return e.record.Clone(), nil
}

// List returns a snapshot of all records ordered by registration.
func (r *Registry) List() []types.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sorted := r.sorted()
	out := make([]types.AgentRecord, 0, len(sorted))
	for _, e := range sorted {
		out = append(out, e.record.Clone())
	}
	return out
}

// sorted returns entries by registration order. Caller must hold mu.
func (r *Registry) sorted() []*entry {
	out := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *entry) int { return cmp.Compare(a.order, b.order) })
	return out
}

// Subscribe registers fn to receive registry changes under the given
// observer id, replacing any previous sink with the same id. Changes arrive
// in the order they were applied. fn is called synchronously and must not
// block or call back into the registry's mutating methods.
func (r *Registry) Subscribe(id string, fn func(Change)) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.subs[id] = fn
}

// Unsubscribe removes the sink registered under id.
func (r *Registry) Unsubscribe(id string) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	delete(r.subs, id)
}

func (r *Registry) notify(c Change) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	for _, fn := range r.subs {
		fn(c)
	}
}
