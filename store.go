package livechat

import (
	"fmt"
	"sync"
)

// ============================================================================
// Pending-Fetch Tracker
// ============================================================================

// pendingSet is the set of ids requested from the server but not yet
// hydrated. Ids leave the set only when their hydration event arrives.
type pendingSet[K comparable] struct {
	ids   map[K]struct{}
	order []K
}

// add records id and reports whether it was newly added.
func (p *pendingSet[K]) add(id K) bool {
	if p.ids == nil {
		p.ids = make(map[K]struct{})
	}
	if _, ok := p.ids[id]; ok {
		return false
	}
	p.ids[id] = struct{}{}
	p.order = append(p.order, id)
	return true
}

func (p *pendingSet[K]) remove(id K) bool {
	if _, ok := p.ids[id]; !ok {
		return false
	}
	delete(p.ids, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

func (p *pendingSet[K]) has(id K) bool {
	_, ok := p.ids[id]
	return ok
}

func (p *pendingSet[K]) snapshot() []K {
	return append([]K(nil), p.order...)
}

// ============================================================================
// Local Store
// ============================================================================

// Store holds the entities of one kind, keyed by id. A known id maps either
// to a hydrated entity or to nothing yet (an unloaded proxy). Only inbound
// events hydrate or remove entries.
type Store[K comparable, T any] struct {
	kind Kind

	mu      sync.RWMutex
	entries map[K]*T
	order   []K
	pending pendingSet[K]

	request func(K)
	changed func(Change)
	metrics *Metrics
}

func newStore[K comparable, T any](kind Kind, request func(K), changed func(Change), metrics *Metrics) *Store[K, T] {
	return &Store[K, T]{
		kind:    kind,
		entries: make(map[K]*T),
		request: request,
		changed: changed,
		metrics: metrics,
	}
}

// Kind returns the entity kind held by the store.
func (s *Store[K, T]) Kind() Kind { return s.kind }

// Ref returns the proxy for id, registering the id as known if needed.
// It never triggers a fetch.
func (s *Store[K, T]) Ref(id K) Ref[K, T] {
	s.mu.Lock()
	s.touchLocked(id)
	s.mu.Unlock()
	return Ref[K, T]{store: s, id: id}
}

func (s *Store[K, T]) touchLocked(id K) {
	if _, ok := s.entries[id]; !ok {
		s.entries[id] = nil
		s.order = append(s.order, id)
	}
}

// Peek returns the hydrated entity without any side effect.
func (s *Store[K, T]) Peek(id K) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e := s.entries[id]; e != nil {
		return *e, true
	}
	var zero T
	return zero, false
}

// IsLoaded reports whether id has been hydrated.
func (s *Store[K, T]) IsLoaded(id K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id] != nil
}

// Load returns the loaded state of id. When id is not loaded and no fetch
// for it is outstanding, a fetch request is sent and recorded as pending.
func (s *Store[K, T]) Load(id K) bool {
	s.mu.Lock()
	s.touchLocked(id)
	if s.entries[id] != nil {
		s.mu.Unlock()
		return true
	}
	send := s.pending.add(id)
	n := len(s.pending.order)
	s.mu.Unlock()

	if send {
		s.metrics.fetchRequested(s.kind)
		s.metrics.setPending(s.kind, n)
		s.request(id)
	}
	return false
}

// Get loads id and returns the entity if it is hydrated.
func (s *Store[K, T]) Get(id K) (T, bool) {
	s.Load(id)
	return s.Peek(id)
}

// IsPending reports whether a fetch for id is outstanding.
func (s *Store[K, T]) IsPending(id K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending.has(id)
}

// Pending returns the outstanding fetch ids in request order.
func (s *Store[K, T]) Pending() []K {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending.snapshot()
}

// IDs returns every known id, hydrated or not, in first-reference order.
func (s *Store[K, T]) IDs() []K {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]K(nil), s.order...)
}

// Loaded returns the hydrated entities in first-reference order.
func (s *Store[K, T]) Loaded() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.order))
	for _, id := range s.order {
		if e := s.entries[id]; e != nil {
			out = append(out, *e)
		}
	}
	return out
}

// Len returns the number of known ids.
func (s *Store[K, T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// hydrate installs v for id, replacing any previous value, and clears the
// pending fetch for id.
func (s *Store[K, T]) hydrate(id K, v T) {
	s.mu.Lock()
	s.touchLocked(id)
	s.entries[id] = &v
	s.pending.remove(id)
	n := len(s.pending.order)
	s.mu.Unlock()

	s.metrics.hydrated(s.kind)
	s.metrics.setPending(s.kind, n)
	s.notify(ChangeHydrated, id)
}

// remove forgets id entirely, including any outstanding fetch.
func (s *Store[K, T]) remove(id K) bool {
	s.mu.Lock()
	if _, ok := s.entries[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.pending.remove(id)
	n := len(s.pending.order)
	s.mu.Unlock()

	s.metrics.setPending(s.kind, n)
	s.notify(ChangeRemoved, id)
	return true
}

// pendingReplay captures the outstanding ids now and returns a func that
// re-requests those still pending when it runs. Ids added after the capture
// are left to the Load that added them.
func (s *Store[K, T]) pendingReplay() func() int {
	ids := s.Pending()
	return func() int {
		n := 0
		for _, id := range ids {
			if !s.IsPending(id) {
				continue
			}
			s.metrics.fetchReplayed(s.kind)
			s.request(id)
			n++
		}
		return n
	}
}

func (s *Store[K, T]) pendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending.order)
}

func (s *Store[K, T]) notify(t ChangeType, id K) {
	if s.changed != nil {
		s.changed(Change{Type: t, Kind: s.kind, ID: fmt.Sprint(id)})
	}
}

// replayer is implemented by every Store regardless of its type parameters.
type replayer interface {
	Kind() Kind
	pendingReplay() func() int
	pendingCount() int
}
