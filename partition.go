package clustercache

import (
	"fmt"
)

// SlotRange assigns the inclusive range of hash slots [Start, End] to a
// primary node and its replicas.
type SlotRange struct {
	Start, End int
	Primary    Endpoint
	Replicas   []Endpoint
}

// PartitionMap is an immutable mapping of every hash slot to the primary
// Endpoint that owns it. A non-empty PartitionMap always assigns all
// HashSlots slots. It is replaced as a whole when the topology is
// refreshed, never updated in place.
type PartitionMap struct {
	nodes    []Endpoint   // primaries first, then replicas, no duplicates
	ranges   []SlotRange  // as provided, validated
	slots    []int32      // slot -> index in ranges, nil for the empty map
	replicas [][]Endpoint // per range index
}

var emptyPartitionMap = &PartitionMap{}

// NewPartitionMap creates a PartitionMap from the provided slot ranges. The
// ranges must not overlap and must cover all slots, otherwise an error
// wrapping ErrIncompleteTopology is returned. Ranges are copied.
func NewPartitionMap(ranges []SlotRange) (*PartitionMap, error) {
	slots := make([]int32, HashSlots)
	for i := range slots {
		slots[i] = -1
	}

	pm := &PartitionMap{
		ranges:   make([]SlotRange, 0, len(ranges)),
		replicas: make([][]Endpoint, 0, len(ranges)),
	}
	for _, r := range ranges {
		if r.Start < 0 || r.End >= HashSlots || r.Start > r.End {
			return nil, fmt.Errorf("clustercache: invalid slot range [%d-%d]", r.Start, r.End)
		}
		if r.Primary.IsZero() {
			return nil, fmt.Errorf("clustercache: no primary for slot range [%d-%d]", r.Start, r.End)
		}
		r.Primary.Role = RolePrimary
		reps := make([]Endpoint, len(r.Replicas))
		for i, rep := range r.Replicas {
			rep.Role = RoleReplica
			reps[i] = rep
		}
		r.Replicas = reps

		ix := int32(len(pm.ranges))
		for s := r.Start; s <= r.End; s++ {
			if slots[s] >= 0 {
				return nil, fmt.Errorf("clustercache: slot %d assigned more than once", s)
			}
			slots[s] = ix
		}
		pm.ranges = append(pm.ranges, r)
		pm.replicas = append(pm.replicas, reps)
	}

	for s, ix := range slots {
		if ix < 0 {
			return nil, fmt.Errorf("%w: slot %d has no owner", ErrIncompleteTopology, s)
		}
	}
	pm.slots = slots
	pm.nodes = collectNodes(pm.ranges)
	return pm, nil
}

func collectNodes(ranges []SlotRange) []Endpoint {
	seen := make(map[Endpoint]bool)
	var nodes []Endpoint
	for _, r := range ranges {
		if !seen[r.Primary] {
			seen[r.Primary] = true
			nodes = append(nodes, r.Primary)
		}
	}
	for _, r := range ranges {
		for _, rep := range r.Replicas {
			if !seen[rep] {
				seen[rep] = true
				nodes = append(nodes, rep)
			}
		}
	}
	return nodes
}

// Empty returns true if the map has no slot assignment, which is the case
// until the topology is loaded successfully for the first time.
func (m *PartitionMap) Empty() bool {
	return m == nil || m.slots == nil
}

// Len returns the number of assigned slots, which is either 0 or HashSlots.
func (m *PartitionMap) Len() int {
	if m.Empty() {
		return 0
	}
	return len(m.slots)
}

// Owner returns the primary endpoint that owns the slot. The boolean is
// false if the map is empty or the slot is out of range.
func (m *PartitionMap) Owner(slot int) (Endpoint, bool) {
	if m.Empty() || slot < 0 || slot >= HashSlots {
		return Endpoint{}, false
	}
	return m.ranges[m.slots[slot]].Primary, true
}

// Replicas returns the replica endpoints of the slot. The returned slice
// must not be modified.
func (m *PartitionMap) Replicas(slot int) []Endpoint {
	if m.Empty() || slot < 0 || slot >= HashSlots {
		return nil
	}
	return m.replicas[m.slots[slot]]
}

// Endpoints returns all nodes known to the map, primaries first.
func (m *PartitionMap) Endpoints() []Endpoint {
	if m.Empty() {
		return nil
	}
	nodes := make([]Endpoint, len(m.nodes))
	copy(nodes, m.nodes)
	return nodes
}

// Ranges returns the slot ranges of the map, sorted by their start slot
// with adjacent ranges of the same primary merged.
func (m *PartitionMap) Ranges() []SlotRange {
	if m.Empty() {
		return nil
	}

	var out []SlotRange
	for s := 0; s < HashSlots; {
		r := m.ranges[m.slots[s]]
		end := s
		for end+1 < HashSlots && m.ranges[m.slots[end+1]].Primary == r.Primary {
			end++
		}
		out = append(out, SlotRange{Start: s, End: end, Primary: r.Primary, Replicas: m.Replicas(s)})
		s = end + 1
	}
	return out
}

// Equal returns true if both maps assign every slot to the same primary.
func (m *PartitionMap) Equal(o *PartitionMap) bool {
	if m.Empty() || o.Empty() {
		return m.Empty() == o.Empty()
	}
	for s := 0; s < HashSlots; s++ {
		if m.ranges[m.slots[s]].Primary != o.ranges[o.slots[s]].Primary {
			return false
		}
	}
	return true
}
