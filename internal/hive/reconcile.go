package hive

import "slices"

// JoinPublic reconciles the public feeds: one record per heuristic, placed at
// the matching topology node, or at (0, 0) when no node matches.
func JoinPublic(nodes []TopologyNode, heuristics []HeuristicRecord) []ViewRecord {
	byID := make(map[Identifier]Location, len(nodes))
	for _, n := range nodes {
		if _, exists := byID[n.ID]; !exists {
			byID[n.ID] = n.Location
		}
	}

	out := make([]ViewRecord, 0, len(heuristics))
	for _, h := range heuristics {
		loc := byID[h.ModuleID]
		out = append(out, newViewRecord(h.ModuleID, loc, h.SelfTemp, h.AvgNeighborTemp, h.Deviation, h.InRange(false)))
	}
	SortViewRecords(out)
	return out
}

// JoinPrivate reconciles the owned-module feed: one record per owned module.
// A separate heuristics collection wins over embedded fields; a module with
// neither gets optimistic defaults (in range, all readings 0).
func JoinPrivate(data OwnedData) []ViewRecord {
	var separate map[Identifier]HeuristicRecord
	if data.Separate {
		separate = make(map[Identifier]HeuristicRecord, len(data.Heuristics))
		for _, h := range data.Heuristics {
			if _, exists := separate[h.ModuleID]; !exists {
				separate[h.ModuleID] = h
			}
		}
	}

	out := make([]ViewRecord, 0, len(data.Modules))
	for _, m := range data.Modules {
		key := m.Key()
		if h, ok := separate[key]; ok {
			out = append(out, newViewRecord(key, m.Location, h.SelfTemp, h.AvgNeighborTemp, h.Deviation, h.InRange(true)))
			continue
		}

		var (
			selfTemp  Number
			avg       NeighborTemp
			deviation Number
			inRange   = true
		)
		if m.SelfTemp != nil {
			selfTemp = *m.SelfTemp
		}
		if m.AvgNeighborTemp != nil {
			avg = *m.AvgNeighborTemp
		}
		if m.Deviation != nil {
			deviation = *m.Deviation
		}
		if m.WithinRange != nil {
			inRange = *m.WithinRange
		}
		out = append(out, newViewRecord(key, m.Location, selfTemp, avg, deviation, inRange))
	}
	SortViewRecords(out)
	return out
}

func newViewRecord(id Identifier, loc Location, selfTemp Number, avg NeighborTemp, deviation Number, inRange bool) ViewRecord {
	return ViewRecord{
		ModuleID:        id,
		Lat:             ClampLat(loc.Lat),
		Long:            loc.Long,
		SelfTemp:        float64(selfTemp),
		AvgNeighborTemp: avg.Float(),
		Deviation:       float64(deviation),
		WithinRange:     inRange,
		Status:          RecordStatus(inRange),
	}
}

// SortViewRecords orders records by natural identifier order, keeping the
// input order among equal identifiers.
func SortViewRecords(records []ViewRecord) {
	slices.SortStableFunc(records, func(a, b ViewRecord) int {
		return CompareIdentifiers(a.ModuleID, b.ModuleID)
	})
}
