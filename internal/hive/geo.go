package hive

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// MaxLat bounds latitude to the band Web-Mercator tiles render without distortion.
const MaxLat = 85.0

// ClampLat folds any latitude into [-MaxLat, MaxLat]. NaN becomes 0.
func ClampLat(lat float64) float64 {
	if math.IsNaN(lat) {
		return 0
	}
	return math.Max(-MaxLat, math.Min(MaxLat, lat))
}

// Location is a module position as reported by the backend. It decodes either
// a [lat, long] pair or a {"lat": .., "long": ..} object; anything else leaves
// Known false and the position at (0, 0).
type Location struct {
	Lat   float64
	Long  float64
	Known bool
}

// Point returns the clamped position in GeoJSON [lng, lat] order.
func (l Location) Point() orb.Point {
	return orb.Point{l.Long, ClampLat(l.Lat)}
}

func (l Location) MarshalJSON() ([]byte, error) {
	if !l.Known {
		return []byte("null"), nil
	}
	return json.Marshal([2]float64{l.Lat, l.Long})
}

func (l *Location) UnmarshalJSON(data []byte) error {
	*l = Location{}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case '[':
		var pair []json.RawMessage
		if err := json.Unmarshal(data, &pair); err != nil || len(pair) < 2 {
			return nil
		}
		lat, okLat := looseFloat(pair[0])
		long, okLong := looseFloat(pair[1])
		if okLat && okLong {
			*l = Location{Lat: lat, Long: long, Known: true}
		}
	case '{':
		var keyed struct {
			Lat  json.RawMessage `json:"lat"`
			Long json.RawMessage `json:"long"`
		}
		if err := json.Unmarshal(data, &keyed); err != nil {
			return nil
		}
		lat, okLat := looseFloat(keyed.Lat)
		long, okLong := looseFloat(keyed.Long)
		if okLat && okLong {
			*l = Location{Lat: lat, Long: long, Known: true}
		}
	}
	return nil
}

// looseFloat accepts a JSON number or a numeric string.
func looseFloat(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		s = strings.TrimSpace(s)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
