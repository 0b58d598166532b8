// Package world implements the world model: the versioned, concurrency-safe
// store of research entities that every other component reads from and
// writes to.
//
// Concurrency discipline:
//   - reads never block other reads (RWMutex read path)
//   - writes to distinct entities proceed concurrently
//   - writes to the same entity are serialized through striped per-identifier
//     locks, so concurrent updates to one id apply in some serial order and
//     no update is lost
//
// Entities are append-only. Update creates a new version referencing the
// previous one; historical versions are never mutated or deleted.
package world

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"kosmos/internal/logging"
	"kosmos/internal/research"
)

var (
	// ErrNotFound is returned when an entity id is unknown.
	ErrNotFound = errors.New("entity not found")

	// ErrDanglingReference is returned when a relationship references a
	// non-existent entity. The write is rejected with no partial mutation.
	ErrDanglingReference = errors.New("dangling reference")

	// ErrVersionConflict is returned by UpdateIfVersion when the expected
	// version does not match the current one.
	ErrVersionConflict = errors.New("version conflict")
)

// writeStripes is the number of per-identifier lock stripes. Writers to the
// same id always hash to the same stripe; writers to distinct ids almost
// always proceed in parallel.
const writeStripes = 64

// Log receives every accepted write for durable append-only persistence.
// Implementations must be safe for concurrent use.
type Log interface {
	AppendVersion(e research.Entity) error
	AppendRelationship(r research.Relationship) error
}

// Model is the in-memory world model.
type Model struct {
	mu        sync.RWMutex
	entities  map[string][]research.Entity // version chains, ascending
	relations []research.Relationship
	relSeen   map[string]struct{}

	locks [writeStripes]sync.Mutex

	log Log // optional write-through persistence
}

// NewModel creates an empty world model.
func NewModel() *Model {
	return &Model{
		entities: make(map[string][]research.Entity),
		relSeen:  make(map[string]struct{}),
	}
}

// SetLog attaches a write-through persistence log. Must be called before
// concurrent use.
func (m *Model) SetLog(log Log) {
	m.log = log
}

func (m *Model) stripe(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &m.locks[h.Sum32()%writeStripes]
}

// Create stores version 1 of a new entity and returns its id. If the entity
// carries no id one is assigned.
func (m *Model) Create(e research.Entity) (string, error) {
	if e.Kind == "" {
		return "", fmt.Errorf("entity kind required")
	}
	if e.ID == "" {
		e.ID = research.NewID()
	}
	e.Version = 1
	e.PrevVersion = 0
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	lock := m.stripe(e.ID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if _, exists := m.entities[e.ID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("entity %s already exists", e.ID)
	}
	m.entities[e.ID] = []research.Entity{e.Clone()}
	m.mu.Unlock()

	if m.log != nil {
		if err := m.log.AppendVersion(e); err != nil {
			logging.Get(logging.CategoryWorld).Error("persist create %s: %v", e.ID, err)
		}
	}

	logging.WorldDebug("created %s %s v1", e.Kind, e.ID)
	return e.ID, nil
}

// Get returns the latest version of an entity.
func (m *Model) Get(id string) (research.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain, ok := m.entities[id]
	if !ok {
		return research.Entity{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return chain[len(chain)-1].Clone(), nil
}

// GetVersion returns one specific version of an entity.
func (m *Model) GetVersion(id string, version int64) (research.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain, ok := m.entities[id]
	if !ok {
		return research.Entity{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if version < 1 || version > int64(len(chain)) {
		return research.Entity{}, fmt.Errorf("get %s v%d: %w", id, version, ErrNotFound)
	}
	return chain[version-1].Clone(), nil
}

// History returns the full version chain of an entity, oldest first.
func (m *Model) History(id string) ([]research.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain, ok := m.entities[id]
	if !ok {
		return nil, fmt.Errorf("history %s: %w", id, ErrNotFound)
	}
	out := make([]research.Entity, len(chain))
	for i, e := range chain {
		out[i] = e.Clone()
	}
	return out, nil
}

// Update applies a delta to the latest version of an entity, producing a new
// version. Concurrent updates to the same id are serialized; the result is
// equivalent to applying them in some serial order.
func (m *Model) Update(id string, d research.Delta) (int64, error) {
	return m.update(id, d, -1)
}

// UpdateIfVersion applies a delta only if the current version equals expect.
// This is the optimistic variant for callers that read, compute, then write.
func (m *Model) UpdateIfVersion(id string, expect int64, d research.Delta) (int64, error) {
	return m.update(id, d, expect)
}

func (m *Model) update(id string, d research.Delta, expect int64) (int64, error) {
	lock := m.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	chain, ok := m.entities[id]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	prev := chain[len(chain)-1]
	if expect >= 0 && prev.Version != expect {
		m.mu.Unlock()
		return 0, fmt.Errorf("update %s: have v%d, expected v%d: %w",
			id, prev.Version, expect, ErrVersionConflict)
	}

	next := applyDelta(prev, d)
	m.entities[id] = append(chain, next.Clone())
	m.mu.Unlock()

	if m.log != nil {
		if err := m.log.AppendVersion(next); err != nil {
			logging.Get(logging.CategoryWorld).Error("persist update %s v%d: %v", id, next.Version, err)
		}
	}

	logging.WorldDebug("updated %s -> v%d", id, next.Version)
	return next.Version, nil
}

// applyDelta builds the next version from the previous one. Zero-value delta
// fields keep the previous value; Attrs are merged.
func applyDelta(prev research.Entity, d research.Delta) research.Entity {
	next := prev.Clone()
	next.Version = prev.Version + 1
	next.PrevVersion = prev.Version
	next.CreatedAt = time.Now().UTC()
	next.Provenance = d.Provenance
	if next.Provenance.Recorded.IsZero() {
		next.Provenance.Recorded = next.CreatedAt
	}

	if d.Status != "" {
		next.Status = d.Status
	}
	if d.Title != "" {
		next.Title = d.Title
	}
	if d.Body != "" {
		next.Body = d.Body
	}
	if d.Score != nil {
		next.Score = *d.Score
	}
	if len(d.Attrs) > 0 {
		if next.Attrs == nil {
			next.Attrs = make(map[string]string, len(d.Attrs))
		}
		for k, v := range d.Attrs {
			next.Attrs[k] = v
		}
	}
	return next
}

// Relate records a typed edge between two existing entities. Both endpoints
// are checked under the write lock; a missing endpoint rejects the write
// with ErrDanglingReference and no partial mutation.
func (m *Model) Relate(fromID string, typ research.RelationType, toID string) error {
	rel := research.Relationship{
		FromID:    fromID,
		Type:      typ,
		ToID:      toID,
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	if _, ok := m.entities[fromID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("relate %s -%s-> %s: from: %w", fromID, typ, toID, ErrDanglingReference)
	}
	if _, ok := m.entities[toID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("relate %s -%s-> %s: to: %w", fromID, typ, toID, ErrDanglingReference)
	}
	key := fromID + "\x00" + string(typ) + "\x00" + toID
	if _, dup := m.relSeen[key]; dup {
		m.mu.Unlock()
		return nil // Edge already recorded
	}
	m.relSeen[key] = struct{}{}
	m.relations = append(m.relations, rel)
	m.mu.Unlock()

	if m.log != nil {
		if err := m.log.AppendRelationship(rel); err != nil {
			logging.Get(logging.CategoryWorld).Error("persist relationship: %v", err)
		}
	}
	return nil
}

// Relationships returns all edges touching the given id.
func (m *Model) Relationships(id string) []research.Relationship {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []research.Relationship
	for _, r := range m.relations {
		if r.FromID == id || r.ToID == id {
			out = append(out, r)
		}
	}
	return out
}

// Filter selects entities in Query. Zero fields match everything.
type Filter struct {
	Kind   research.EntityKind
	Status research.EntityStatus
	RunID  string // matches provenance run id
}

// Query returns the latest version of every entity matching the filter,
// ordered by creation time of version 1 (stable across runs).
func (m *Model) Query(f Filter) []research.Entity {
	m.mu.RLock()
	type pair struct {
		first time.Time
		e     research.Entity
	}
	var matched []pair
	for _, chain := range m.entities {
		latest := chain[len(chain)-1]
		if f.Kind != "" && latest.Kind != f.Kind {
			continue
		}
		if f.Status != "" && latest.Status != f.Status {
			continue
		}
		if f.RunID != "" && latest.Provenance.RunID != f.RunID {
			continue
		}
		matched = append(matched, pair{first: chain[0].CreatedAt, e: latest.Clone()})
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].first.Equal(matched[j].first) {
			return matched[i].e.ID < matched[j].e.ID
		}
		return matched[i].first.Before(matched[j].first)
	})

	out := make([]research.Entity, len(matched))
	for i, p := range matched {
		out[i] = p.e
	}
	return out
}

// Count returns the number of distinct entities matching the filter.
func (m *Model) Count(f Filter) int {
	return len(m.Query(f))
}
