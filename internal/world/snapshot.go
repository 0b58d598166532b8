package world

import (
	"encoding/json"
	"fmt"
	"sort"

	"kosmos/internal/research"
)

// Snapshot is the portable serialized form of a world model: every entity
// version plus every relationship, in normalized order. Exporting and
// re-importing a snapshot yields an identical graph, byte-for-byte on the
// normalized serialization.
type Snapshot struct {
	FormatVersion int                     `json:"format_version"`
	Entities      []research.Entity       `json:"entities"`
	Relationships []research.Relationship `json:"relationships"`
}

// SnapshotFormatVersion is the current snapshot wire version.
const SnapshotFormatVersion = 1

// Export serializes the full model. Entities are ordered by (id, version)
// and relationships by (from, type, to) so output is deterministic.
func (m *Model) Export() ([]byte, error) {
	m.mu.RLock()
	snap := Snapshot{FormatVersion: SnapshotFormatVersion}
	for _, chain := range m.entities {
		snap.Entities = append(snap.Entities, chain...)
	}
	snap.Relationships = append(snap.Relationships, m.relations...)
	m.mu.RUnlock()

	sort.Slice(snap.Entities, func(i, j int) bool {
		a, b := snap.Entities[i], snap.Entities[j]
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Version < b.Version
	})
	sort.Slice(snap.Relationships, func(i, j int) bool {
		a, b := snap.Relationships[i], snap.Relationships[j]
		if a.FromID != b.FromID {
			return a.FromID < b.FromID
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.ToID < b.ToID
	})

	return json.MarshalIndent(snap, "", "  ")
}

// Import loads a snapshot into an empty model. Importing into a non-empty
// model is rejected to keep version chains consistent.
func (m *Model) Import(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}
	if snap.FormatVersion != SnapshotFormatVersion {
		return fmt.Errorf("unsupported snapshot format version %d", snap.FormatVersion)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entities) > 0 || len(m.relations) > 0 {
		return fmt.Errorf("import requires an empty world model")
	}

	// Rebuild version chains; entities arrive sorted by (id, version).
	for _, e := range snap.Entities {
		chain := m.entities[e.ID]
		expect := int64(len(chain)) + 1
		if e.Version != expect {
			return fmt.Errorf("snapshot corrupt: entity %s has version %d, expected %d",
				e.ID, e.Version, expect)
		}
		m.entities[e.ID] = append(chain, e.Clone())
	}

	for _, r := range snap.Relationships {
		if _, ok := m.entities[r.FromID]; !ok {
			return fmt.Errorf("snapshot corrupt: relationship references unknown entity %s: %w",
				r.FromID, ErrDanglingReference)
		}
		if _, ok := m.entities[r.ToID]; !ok {
			return fmt.Errorf("snapshot corrupt: relationship references unknown entity %s: %w",
				r.ToID, ErrDanglingReference)
		}
		key := r.FromID + "\x00" + string(r.Type) + "\x00" + r.ToID
		m.relSeen[key] = struct{}{}
		m.relations = append(m.relations, r)
	}

	return nil
}
