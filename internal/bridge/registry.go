package bridge

import (
	"hash/fnv"
	"sync"

	"github.com/hyperengineering/courier/pkg/wire"
)

// Subscriber is a live session handle registered for fan-out. Deliver
// methods must not block; a session queues frames internally.
type Subscriber interface {
	// ClientID identifies the connected client so its own mutations are
	// not echoed back over the live channel.
	ClientID() string
	DeliverChange(rec wire.ChangeRecord)
	DeliverFieldChange(rec wire.FieldChangeRecord)
	DeliverConflict(c wire.Conflict)
}

const registryShards = 16

type registryShard struct {
	mu   sync.RWMutex
	subs map[string]map[Subscriber]struct{}
}

// Registry is the fan-out table: a sharded concurrency-safe map keyed by
// entity name holding session handles. Sessions add themselves on
// subscribe and are removed explicitly on close.
type Registry struct {
	shards [registryShards]*registryShard
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{subs: make(map[string]map[Subscriber]struct{})}
	}
	return r
}

func (r *Registry) shard(entity string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(entity))
	return r.shards[h.Sum32()%registryShards]
}

// Add registers a subscriber for an entity. Idempotent.
func (r *Registry) Add(entity string, sub Subscriber) {
	s := r.shard(entity)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subs[entity]
	if !ok {
		set = make(map[Subscriber]struct{})
		s.subs[entity] = set
	}
	set[sub] = struct{}{}
}

// Remove deregisters a subscriber from an entity.
func (r *Registry) Remove(entity string, sub Subscriber) {
	s := r.shard(entity)
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.subs[entity]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(s.subs, entity)
		}
	}
}

// RemoveAll deregisters a subscriber from every entity. Called on session
// close so no fan-out reference outlives the connection.
func (r *Registry) RemoveAll(sub Subscriber) {
	for _, s := range r.shards {
		s.mu.Lock()
		for entity, set := range s.subs {
			delete(set, sub)
			if len(set) == 0 {
				delete(s.subs, entity)
			}
		}
		s.mu.Unlock()
	}
}

// Subscribers returns a snapshot of the subscribers for an entity.
func (r *Registry) Subscribers(entity string) []Subscriber {
	s := r.shard(entity)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.subs[entity]
	out := make([]Subscriber, 0, len(set))
	for sub := range set {
		out = append(out, sub)
	}
	return out
}

// Count returns the number of subscribers for an entity.
func (r *Registry) Count(entity string) int {
	s := r.shard(entity)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[entity])
}
