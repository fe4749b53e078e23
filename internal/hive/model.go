package hive

import (
	"bytes"
	"encoding/json"
)

// NoNeighborsSentinel is what the backend reports as avg_neighbor_temp for a
// module with no neighbours.
const NoNeighborsSentinel = "no_neighbors"

// Number is a lenient numeric field: numbers and numeric strings decode to
// their value, anything else (null, booleans, other strings) to 0.
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	f, _ := looseFloat(data)
	*n = Number(f)
	return nil
}

// NeighborTemp is avg_neighbor_temp, which is either a number or the
// NoNeighborsSentinel string.
type NeighborTemp struct {
	Value       float64
	NoNeighbors bool
}

// Float normalises the reading for numeric use; the sentinel reads as 0.
func (t NeighborTemp) Float() float64 {
	if t.NoNeighbors {
		return 0
	}
	return t.Value
}

func (t NeighborTemp) MarshalJSON() ([]byte, error) {
	if t.NoNeighbors {
		return json.Marshal(NoNeighborsSentinel)
	}
	return json.Marshal(t.Value)
}

func (t *NeighborTemp) UnmarshalJSON(data []byte) error {
	*t = NeighborTemp{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil && s == NoNeighborsSentinel {
			t.NoNeighbors = true
			return nil
		}
	}
	t.Value, _ = looseFloat(trimmed)
	return nil
}

// TopologyNode is one entry of the get_map feed.
type TopologyNode struct {
	ID        Identifier   `json:"id"`
	Location  Location     `json:"location"`
	Neighbors []Identifier `json:"neighbors"`
}

// HeuristicRecord is one entry of the get_heuristics feed, or one element of
// a private heuristics collection.
type HeuristicRecord struct {
	ModuleID        Identifier   `json:"module_id"`
	SelfTemp        Number       `json:"self_temp"`
	AvgNeighborTemp NeighborTemp `json:"avg_neighbor_temp"`
	Deviation       Number       `json:"deviation"`
	WithinRange     *bool        `json:"within_range"`
}

// InRange reports within_range, falling back to def when the field was absent.
func (h HeuristicRecord) InRange(def bool) bool {
	if h.WithinRange == nil {
		return def
	}
	return *h.WithinRange
}

// OwnedModule is one entry of the get_user_modules feed. Heuristic fields are
// embedded by some backend variants and absent in others.
type OwnedModule struct {
	ModuleID        Identifier    `json:"module_id"`
	ID              Identifier    `json:"id"`
	Location        Location      `json:"location"`
	SelfTemp        *Number       `json:"self_temp"`
	AvgNeighborTemp *NeighborTemp `json:"avg_neighbor_temp"`
	Deviation       *Number       `json:"deviation"`
	WithinRange     *bool         `json:"within_range"`
}

// Key is the identifier the module is displayed and joined under.
func (m OwnedModule) Key() Identifier {
	switch {
	case m.ModuleID != "":
		return m.ModuleID
	case m.ID != "":
		return m.ID
	default:
		return UnknownModule
	}
}

// PublicData is the pair of feeds the public view is reconciled from.
type PublicData struct {
	Nodes      []TopologyNode
	Heuristics []HeuristicRecord
}

// OwnedData is the private feed. Separate is set when the backend returned a
// heuristics collection alongside the modules instead of embedding it.
type OwnedData struct {
	Modules    []OwnedModule
	Heuristics []HeuristicRecord
	Separate   bool
}

// ViewRecord is one reconciled, renderable module.
type ViewRecord struct {
	ModuleID        Identifier `json:"module_id"`
	Lat             float64    `json:"lat"`
	Long            float64    `json:"long"`
	SelfTemp        float64    `json:"self_temp"`
	AvgNeighborTemp float64    `json:"avg_neighbor_temp"`
	Deviation       float64    `json:"deviation"`
	WithinRange     bool       `json:"within_range"`
	Status          string     `json:"status"`
}
