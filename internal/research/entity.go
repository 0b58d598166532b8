package research

import (
	"time"

	"github.com/google/uuid"
)

// EntityKind is the closed set of research entity kinds.
type EntityKind string

const (
	KindResearchQuestion   EntityKind = "research_question"
	KindHypothesis         EntityKind = "hypothesis"
	KindExperimentProtocol EntityKind = "experiment_protocol"
	KindExperimentResult   EntityKind = "experiment_result"
)

// EntityStatus is the lifecycle status of an entity.
type EntityStatus string

const (
	StatusProposed  EntityStatus = "proposed"
	StatusActive    EntityStatus = "active"
	StatusTesting   EntityStatus = "testing"
	StatusSupported EntityStatus = "supported"
	StatusRefuted   EntityStatus = "refuted"
	StatusResolved  EntityStatus = "resolved"
	StatusArchived  EntityStatus = "archived"
)

// Provenance is the recorded link from an entity version back to the task
// and attempt that produced it.
type Provenance struct {
	TaskID   string    `json:"task_id,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Agent    string    `json:"agent,omitempty"`
	RunID    string    `json:"run_id,omitempty"`
	Recorded time.Time `json:"recorded"`
}

// Entity is one immutable version of a research entity. Updates create a
// new version referencing the previous one; history is never deleted.
type Entity struct {
	ID          string            `json:"id"`
	Kind        EntityKind        `json:"kind"`
	Version     int64             `json:"version"`
	PrevVersion int64             `json:"prev_version,omitempty"`
	Status      EntityStatus      `json:"status"`
	Title       string            `json:"title"`
	Body        string            `json:"body,omitempty"`
	Score       float64           `json:"score,omitempty"` // Novelty/confidence score
	Attrs       map[string]string `json:"attrs,omitempty"`
	Provenance  Provenance        `json:"provenance"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Clone returns a deep copy, detaching the Attrs map.
func (e Entity) Clone() Entity {
	out := e
	if e.Attrs != nil {
		out.Attrs = make(map[string]string, len(e.Attrs))
		for k, v := range e.Attrs {
			out.Attrs[k] = v
		}
	}
	return out
}

// Delta describes an entity update. Nil/zero fields leave the previous
// version's value in place.
type Delta struct {
	Status     EntityStatus      `json:"status,omitempty"`
	Title      string            `json:"title,omitempty"`
	Body       string            `json:"body,omitempty"`
	Score      *float64          `json:"score,omitempty"`
	Attrs      map[string]string `json:"attrs,omitempty"` // Merged over previous attrs
	Provenance Provenance        `json:"provenance"`
}

// RelationType is the closed set of relationship edge types. Relationships
// are lookup edges only; they never imply ownership.
type RelationType string

const (
	RelSpawnedBy RelationType = "SPAWNED_BY"
	RelTests     RelationType = "TESTS"
	RelSupports  RelationType = "SUPPORTS"
	RelRefutes   RelationType = "REFUTES"
)

// Relationship is a typed edge between two entity identifiers, stored as a
// separate record referencing ids rather than embedded back-pointers.
type Relationship struct {
	FromID    string       `json:"from_id"`
	Type      RelationType `json:"type"`
	ToID      string       `json:"to_id"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewID returns a fresh entity/task identifier.
func NewID() string {
	return uuid.NewString()
}
