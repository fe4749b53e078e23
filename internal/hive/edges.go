package hive

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Edge is one undirected connection between two modules, with the clamped
// coordinates of both ends in [lng, lat] order.
type Edge struct {
	From  Identifier `json:"from"`
	To    Identifier `json:"to"`
	Start orb.Point  `json:"start"`
	End   orb.Point  `json:"end"`
}

// Pair is the canonical unordered form of an edge's endpoints.
type Pair struct {
	Lo Identifier
	Hi Identifier
}

func pairOf(a, b Identifier) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{Lo: a, Hi: b}
}

// Pair returns the canonical (sorted) endpoint pair.
func (e Edge) Pair() Pair { return pairOf(e.From, e.To) }

// BuildEdges turns the adjacency lists of nodes into a set of undirected
// edges. Neighbour references to unknown nodes and self references are
// dropped; an edge listed from both ends is emitted once, from the end that
// appears first in nodes.
func BuildEdges(nodes []TopologyNode) []Edge {
	locations := make(map[Identifier]Location, len(nodes))
	for _, n := range nodes {
		if _, exists := locations[n.ID]; !exists {
			locations[n.ID] = n.Location
		}
	}

	seen := make(map[Pair]struct{})
	out := make([]Edge, 0)
	for _, n := range nodes {
		if len(n.Neighbors) == 0 {
			continue
		}
		start := n.Location.Point()
		for _, neighborID := range n.Neighbors {
			if neighborID == n.ID {
				continue
			}
			endLoc, ok := locations[neighborID]
			if !ok {
				continue
			}
			key := pairOf(n.ID, neighborID)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, Edge{
				From:  n.ID,
				To:    neighborID,
				Start: start,
				End:   endLoc.Point(),
			})
		}
	}
	return out
}

// EdgeFeatures renders edges as a GeoJSON collection of two-point line strings.
func EdgeFeatures(edges []Edge) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, e := range edges {
		f := geojson.NewFeature(orb.LineString{e.Start, e.End})
		f.Properties["from"] = e.From.String()
		f.Properties["to"] = e.To.String()
		fc.Append(f)
	}
	return fc
}
